package control

import (
	"encoding/json"
	"time"

	"remote-x/status"
)

// Request 是发往主机的控制消息；ID 为空表示无需应答。
type Request struct {
	Action  Action `json:"action"`
	Payload any    `json:"payload,omitempty"`
	ID      string `json:"id,omitempty"`
}

// Response 是主机的应答；ID 与请求相同时用于完成挂起请求。
type Response struct {
	OK    bool            `json:"ok"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error string          `json:"error,omitempty"`
	ID    string          `json:"id,omitempty"`
}

// Snapshot 是控制会话在某一时刻的只读视图（每次状态迁移发布一份）。
type Snapshot struct {
	Status     status.ControlStatus `json:"status"`
	Target     string               `json:"target,omitempty"`
	LastError  string               `json:"last_error,omitempty"`
	PeerInfo   map[string]any       `json:"peer_info,omitempty"`
	Pending    int                  `json:"pending"`
	Generation uint64               `json:"generation"`
	At         time.Time            `json:"at"`
}
