package signaling

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	rxerrors "remote-x/errors"
	"remote-x/status"
)

// Candidate 是一条 trickle ICE 候选（字段名与浏览器 RTCIceCandidateInit 一致）。
type Candidate struct {
	Candidate     string  `json:"candidate"`
	SDPMid        *string `json:"sdpMid,omitempty"`
	SDPMLineIndex *uint16 `json:"sdpMLineIndex,omitempty"`
}

// Answer 是 offer 接口的应答。
type Answer struct {
	ConnectionID string                 `json:"connection_id"`
	SDP          string                 `json:"sdp"`
	Type         string                 `json:"type"`
	Quality      *status.QualityProfile `json:"quality,omitempty"`
}

// reply 是信令接口的通用应答外壳；error 非空即视为失败。
type reply struct {
	OK      bool                   `json:"ok"`
	Error   string                 `json:"error,omitempty"`
	Quality *status.QualityProfile `json:"quality,omitempty"`
}

// Client 是协商接口客户端（offer/ice/quality/stop）。
// 目标地址可在运行期切换；每次调用使用调用时刻的地址。
type Client struct {
	prefix string
	http   *http.Client

	mu   sync.RWMutex
	base string
}

// NewClient 创建协商客户端。
// 参数：
// - prefix: 接口前缀（如 "/api/screen"）
// - timeout: 单次调用超时
func NewClient(prefix string, timeout time.Duration) *Client {
	return &Client{
		prefix: strings.TrimRight(prefix, "/"),
		http:   &http.Client{Timeout: timeout, Transport: http.DefaultTransport.(*http.Transport).Clone()},
	}
}

// SetBase 设置目标主机的基础地址（如 "http://10.0.0.5:8765"）。
func (c *Client) SetBase(base string) {
	c.mu.Lock()
	c.base = strings.TrimRight(base, "/")
	c.mu.Unlock()
}

// Base 返回当前基础地址。
func (c *Client) Base() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.base
}

// Offer 提交本端 offer 并取回应答 SDP 与连接 ID。
// 返回：
// - Answer: 应答（含主机实际采用的画质）
// - error: CodeNegotiation（主机返回 error 或应答不完整）/ CodeTransport（HTTP 失败）
func (c *Client) Offer(ctx context.Context, sdp, sdpType string, q status.Quality) (Answer, error) {
	body := map[string]any{"sdp": sdp, "type": sdpType, "quality": q}
	raw, err := c.post(ctx, "/offer", body)
	if err != nil {
		if rxerrors.IsCode(err, rxerrors.CodeProtocol) {
			return Answer{}, rxerrors.New(rxerrors.CodeNegotiation, rxerrors.Text(err))
		}
		return Answer{}, err
	}
	var env reply
	if err := json.Unmarshal(raw, &env); err != nil {
		return Answer{}, rxerrors.Wrap(rxerrors.CodeNegotiation, "decode offer answer", err)
	}
	if env.Error != "" {
		return Answer{}, rxerrors.New(rxerrors.CodeNegotiation, env.Error)
	}
	var ans Answer
	if err := json.Unmarshal(raw, &ans); err != nil {
		return Answer{}, rxerrors.Wrap(rxerrors.CodeNegotiation, "decode offer answer", err)
	}
	if ans.ConnectionID == "" || ans.SDP == "" {
		return Answer{}, rxerrors.New(rxerrors.CodeNegotiation, "incomplete offer answer")
	}
	if ans.Type == "" {
		ans.Type = "answer"
	}
	return ans, nil
}

// ICE 转发一条本端候选。
func (c *Client) ICE(ctx context.Context, connectionID string, cand Candidate) error {
	_, err := c.call(ctx, "/ice", map[string]any{"connection_id": connectionID, "candidate": cand})
	return err
}

// Quality 通过 HTTP 通知主机切换画质（数据通道不可用时的回退路径）。
// 返回：
// - *status.QualityProfile: 主机回报的新画质（主机未回报时为 nil）
func (c *Client) Quality(ctx context.Context, connectionID string, q status.Quality) (*status.QualityProfile, error) {
	env, err := c.call(ctx, "/quality", map[string]any{"connection_id": connectionID, "quality": q})
	if err != nil {
		return nil, err
	}
	return env.Quality, nil
}

// Stop 通知主机结束会话。
func (c *Client) Stop(ctx context.Context, connectionID string) error {
	_, err := c.call(ctx, "/stop", map[string]any{"connection_id": connectionID})
	return err
}

// Close 释放空闲的 HTTP 连接。
func (c *Client) Close() { c.http.CloseIdleConnections() }

func (c *Client) call(ctx context.Context, path string, body any) (reply, error) {
	raw, err := c.post(ctx, path, body)
	if err != nil {
		return reply{}, err
	}
	var env reply
	if len(bytes.TrimSpace(raw)) > 0 {
		if err := json.Unmarshal(raw, &env); err != nil {
			return reply{}, rxerrors.Wrap(rxerrors.CodeProtocol, "decode "+path, err)
		}
	}
	if env.Error != "" {
		return reply{}, rxerrors.New(rxerrors.CodeProtocol, env.Error)
	}
	return env, nil
}

func (c *Client) post(ctx context.Context, path string, body any) ([]byte, error) {
	base := c.Base()
	if base == "" {
		return nil, rxerrors.New(rxerrors.CodeNotConnected, "no signaling target")
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, rxerrors.Wrap(rxerrors.CodeBadRequest, "encode "+path, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+c.prefix+path, bytes.NewReader(payload))
	if err != nil {
		return nil, rxerrors.Wrap(rxerrors.CodeBadRequest, "build "+path, err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, rxerrors.Wrap(rxerrors.CodeTransport, "POST "+path, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, rxerrors.Wrap(rxerrors.CodeTransport, "read "+path, err)
	}
	if resp.StatusCode >= 300 {
		var env reply
		if json.Unmarshal(raw, &env) == nil && env.Error != "" {
			return nil, rxerrors.New(rxerrors.CodeProtocol, env.Error)
		}
		return nil, rxerrors.New(rxerrors.CodeTransport, fmt.Sprintf("POST %s: %d %s", path, resp.StatusCode, strings.TrimSpace(string(raw))))
	}
	return raw, nil
}
