package client

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/sirupsen/logrus"

	"remote-x/config"
	"remote-x/control"
	rxerrors "remote-x/errors"
	rxlog "remote-x/log"
	"remote-x/signaling"
	"remote-x/status"
	"remote-x/stream"
	"remote-x/telemetry"
)

// Update 是协调器转发的一次状态变化（两者之一非 nil）。
type Update struct {
	Control *control.Snapshot
	Stream  *stream.Snapshot
}

// Client 持有一个控制通道与一个流会话，并执行两者之间的联动规则：
// 控制通道离开 Connected 时，活动中的流会话被停止。
type Client struct {
	cfg     config.Config
	control *control.Manager
	stream  *stream.Manager
	sig     *signaling.Client
	log     *logrus.Entry

	updates chan Update

	mu        sync.Mutex
	cancel    context.CancelFunc
	done      chan struct{}
	closing bool
}

// New 按配置组装协调器（不发起连接，不启动后台循环）。
// 参数：
// - cfg: 完整配置
// - opts: 透传给流会话管理器（如注入传输工厂、Sink）
func New(cfg config.Config, opts ...stream.Option) *Client {
	sig := signaling.NewClient(cfg.Stream.SignalingPrefix, cfg.Stream.SignalingTimeout)
	return &Client{
		cfg:     cfg,
		control: control.NewManager(cfg.Control),
		stream:  stream.NewManager(cfg.Stream, cfg.Telemetry, sig, opts...),
		sig:     sig,
		log:     rxlog.Component("client"),
		updates: make(chan Update, 128),
	}
}

// Start 启动事件循环（重复调用无副作用）。
func (c *Client) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil || c.closing {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.done = make(chan struct{})
	go c.run(ctx, c.done)
}

// Updates 返回转发的状态变化（消费过慢时丢弃）。
func (c *Client) Updates() <-chan Update { return c.updates }

// Connect 连接到 target，并把信令地址切到同一主机。
func (c *Client) Connect(ctx context.Context, target string) error {
	err := c.control.Connect(ctx, target)
	if tg := c.control.Target(); tg != nil {
		c.sig.SetBase(tg.HTTPBase())
	}
	if err != nil && c.control.Mode() == status.ModeCrossOrigin {
		// 跨源模式不自动重连，由调用方重新连接。
		c.log.WithFields(logrus.Fields{"target": target, "mode": c.control.Mode(), "status": "connect_error"}).WithError(err).Warn("连接失败，需手动重连")
	}
	return err
}

// Disconnect 断开控制通道并停止流会话。
func (c *Client) Disconnect(ctx context.Context) {
	c.stream.StopStream(ctx)
	c.control.Disconnect()
}

// Send 发送无需应答的动作（未连接时丢弃）。
func (c *Client) Send(action control.Action, payload any) error {
	return c.control.Send(action, payload)
}

// Call 发送动作并等待应答。
func (c *Client) Call(ctx context.Context, action control.Action, payload any) (json.RawMessage, error) {
	return c.control.SendAndWait(ctx, action, payload)
}

// StartStream 开始画面流；控制通道未连接时拒绝。
// 协商期间控制通道断开时，新会话随即停止并返回 CodeNotConnected。
func (c *Client) StartStream(ctx context.Context, q status.Quality) error {
	if !c.control.Connected() {
		return rxerrors.New(rxerrors.CodeNotConnected, "control channel not connected")
	}
	if err := c.stream.StartStream(ctx, q); err != nil {
		return err
	}
	if !c.control.Connected() {
		c.log.WithFields(logrus.Fields{"status": "stream_stop", "control": c.control.Status()}).Info("协商期间控制通道已断开，停止画面流")
		c.stream.StopStream(ctx)
		return rxerrors.New(rxerrors.CodeNotConnected, "control channel dropped during negotiation")
	}
	return nil
}

// StopStream 停止画面流。
func (c *Client) StopStream(ctx context.Context) { c.stream.StopStream(ctx) }

// ChangeQuality 切换画质。
func (c *Client) ChangeQuality(ctx context.Context, q status.Quality) error {
	return c.stream.ChangeQuality(ctx, q)
}

// Stats 返回最新画面统计。
func (c *Client) Stats() telemetry.Snapshot { return c.stream.Stats() }

// ControlSnapshot 返回控制会话视图。
func (c *Client) ControlSnapshot() control.Snapshot { return c.control.Snapshot() }

// StreamSnapshot 返回流会话视图。
func (c *Client) StreamSnapshot() stream.Snapshot { return c.stream.Snapshot() }

// Close 停止事件循环、流会话与控制通道（幂等）。
func (c *Client) Close() {
	c.mu.Lock()
	c.closing = true
	cancel, done := c.cancel, c.done
	c.cancel = nil
	c.mu.Unlock()

	c.stream.Close()
	c.control.Disconnect()
	c.sig.Close()
	if cancel != nil {
		cancel()
		<-done
	}
}

func (c *Client) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case s := <-c.control.Events():
			c.onControl(ctx, s)
			c.forward(Update{Control: &s})
		case s := <-c.stream.Events():
			c.log.WithFields(logrus.Fields{
				"stream":   s.Status,
				"quality":  s.Quality,
				"attempts": s.Attempts,
				"trace":    s.Trace,
			}).Debug("流会话状态变化")
			c.forward(Update{Stream: &s})
		}
	}
}

// onControl 控制通道离开 Connected 时停止活动中的流会话。
// 以控制通道的当前状态为准：迟到的旧事件（如本次连接之前的 Connecting）不会误停新会话，
// 被丢弃的事件也不会漏掉断开。
func (c *Client) onControl(ctx context.Context, s control.Snapshot) {
	c.log.WithFields(logrus.Fields{"control": s.Status, "target": s.Target, "last_error": s.LastError}).Debug("控制通道状态变化")
	cur := c.control.Status()
	if cur == status.ControlConnected {
		return
	}
	if !c.stream.Status().Active() {
		return
	}
	c.log.WithFields(logrus.Fields{"status": "stream_stop", "control": cur}).Info("控制通道已断开，停止画面流")
	c.stream.StopStream(ctx)
}

func (c *Client) forward(u Update) {
	select {
	case c.updates <- u:
	default:
	}
}
