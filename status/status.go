package status

import (
	"encoding/json"
	"fmt"
	"strings"
)

type ControlStatus string

const (
	ControlDisconnected ControlStatus = "Disconnected"
	ControlConnecting   ControlStatus = "Connecting"
	ControlConnected    ControlStatus = "Connected"
)

// String 返回控制通道状态文本。
func (s ControlStatus) String() string { return string(s) }

// ParseControlStatus 将文本解析为 ControlStatus。
// 参数：
// - v: 状态文本（Disconnected/Connecting/Connected）
// 返回：
// - ControlStatus: 解析结果
// - error: 未知状态时返回错误
func ParseControlStatus(v string) (ControlStatus, error) {
	switch strings.TrimSpace(v) {
	case string(ControlDisconnected):
		return ControlDisconnected, nil
	case string(ControlConnecting):
		return ControlConnecting, nil
	case string(ControlConnected):
		return ControlConnected, nil
	default:
		return "", fmt.Errorf("unknown ControlStatus: %q", v)
	}
}

// MarshalJSON 将 ControlStatus 编码为 JSON 字符串。
func (s ControlStatus) MarshalJSON() ([]byte, error) { return json.Marshal(string(s)) }

// UnmarshalJSON 从 JSON 字符串解码为 ControlStatus。
func (s *ControlStatus) UnmarshalJSON(b []byte) error {
	var v string
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	parsed, err := ParseControlStatus(v)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

type StreamStatus string

const (
	StreamIdle         StreamStatus = "Idle"
	StreamConnecting   StreamStatus = "Connecting"
	StreamStreaming    StreamStatus = "Streaming"
	StreamReconnecting StreamStatus = "Reconnecting"
	StreamError        StreamStatus = "Error"
)

// String 返回串流会话状态文本。
func (s StreamStatus) String() string { return string(s) }

// Active 报告会话是否占用着媒体资源（Idle/Error 之外的状态）。
func (s StreamStatus) Active() bool {
	return s == StreamConnecting || s == StreamStreaming || s == StreamReconnecting
}

// ParseStreamStatus 将文本解析为 StreamStatus。
// 参数：
// - v: 状态文本（Idle/Connecting/Streaming/Reconnecting/Error）
// 返回：
// - StreamStatus: 解析结果
// - error: 未知状态时返回错误
func ParseStreamStatus(v string) (StreamStatus, error) {
	switch strings.TrimSpace(v) {
	case string(StreamIdle):
		return StreamIdle, nil
	case string(StreamConnecting):
		return StreamConnecting, nil
	case string(StreamStreaming):
		return StreamStreaming, nil
	case string(StreamReconnecting):
		return StreamReconnecting, nil
	case string(StreamError):
		return StreamError, nil
	default:
		return "", fmt.Errorf("unknown StreamStatus: %q", v)
	}
}

// MarshalJSON 将 StreamStatus 编码为 JSON 字符串。
func (s StreamStatus) MarshalJSON() ([]byte, error) { return json.Marshal(string(s)) }

// UnmarshalJSON 从 JSON 字符串解码为 StreamStatus。
func (s *StreamStatus) UnmarshalJSON(b []byte) error {
	var v string
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	parsed, err := ParseStreamStatus(v)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// ConnMode 描述控制通道的接入方式：同源模式断线后自动重连，跨源模式交给调用方重新导航。
type ConnMode string

const (
	ModeSameOrigin  ConnMode = "same_origin"
	ModeCrossOrigin ConnMode = "cross_origin"
)

// String 返回接入模式文本。
func (m ConnMode) String() string { return string(m) }

// ParseConnMode 将文本解析为 ConnMode（空串视为 same_origin）。
func ParseConnMode(v string) (ConnMode, error) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "", string(ModeSameOrigin):
		return ModeSameOrigin, nil
	case string(ModeCrossOrigin):
		return ModeCrossOrigin, nil
	default:
		return "", fmt.Errorf("unknown ConnMode: %q", v)
	}
}
