package control

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"remote-x/config"
	rxerrors "remote-x/errors"
	rxlog "remote-x/log"
	"remote-x/status"
)

const eventBuffer = 64

// loopSet 跟踪一次连接启动的后台循环；全部退出后关闭 done。
type loopSet struct {
	left atomic.Int32
	done chan struct{}
}

func newLoopSet(n int32) *loopSet {
	ls := &loopSet{done: make(chan struct{})}
	ls.left.Store(n)
	return ls
}

func (ls *loopSet) exit() {
	if ls.left.Add(-1) == 0 {
		close(ls.done)
	}
}

func (ls *loopSet) finished() bool {
	select {
	case <-ls.done:
		return true
	default:
		return false
	}
}

// pruneLoops 去掉已全部退出的循环组（原地复用底层数组）。
func pruneLoops(loops []*loopSet) []*loopSet {
	kept := loops[:0]
	for _, ls := range loops {
		if !ls.finished() {
			kept = append(kept, ls)
		}
	}
	clear(loops[len(kept):])
	return kept
}

// Manager 持有到单个主机的控制通道。
// 职责：
// - 连接/断开/同源模式下的断线重连
// - 请求 ID 分配与应答关联（挂起请求表）
// - 心跳保活
//
// 每次连接尝试都会分配新的代号（generation）；旧代号上迟到的事件一律忽略。
type Manager struct {
	cfg    config.ControlConfig
	mode   status.ConnMode
	dialer *websocket.Dialer
	log    *logrus.Entry

	mu        sync.Mutex
	gen       uint64
	genCtx    context.Context
	genCancel context.CancelFunc
	st        status.ControlStatus
	target    *config.Target
	lastErr   string
	peerInfo  map[string]any
	conn      *websocket.Conn
	retry     *time.Timer
	loops     []*loopSet

	writeMu sync.Mutex
	pending *pendingTable
	nextID  atomic.Uint64
	events  chan Snapshot
}

// NewManager 创建控制通道管理器（不发起连接）。
// 参数：
// - cfg: 控制通道配置（缺省端口、路径、超时、接入模式）
func NewManager(cfg config.ControlConfig) *Manager {
	mode, err := status.ParseConnMode(cfg.Mode)
	if err != nil {
		mode = status.ModeSameOrigin
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		cfg:  cfg,
		mode: mode,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.DialTimeout,
		},
		log:       rxlog.Component("control"),
		genCtx:    ctx,
		genCancel: cancel,
		st:        status.ControlDisconnected,
		pending:   newPendingTable(),
		events:    make(chan Snapshot, eventBuffer),
	}
}

// Events 返回状态迁移通知（按迁移顺序投递；消费过慢时丢弃并记日志）。
func (m *Manager) Events() <-chan Snapshot { return m.events }

// Connect 断开现有连接后连接到 target，并在建立后拉取一次主机信息。
// 参数：
// - ctx: 仅约束本次拨号
// - target: host[:port]，省略端口时使用 default_port
// 返回：
// - error: 地址非法（CodeBadRequest）或拨号失败（CodeTransport）；失败同时体现在状态与 LastError 上
func (m *Manager) Connect(ctx context.Context, target string) error {
	tg, err := config.ParseTarget(target, m.cfg.DefaultPort)
	if err != nil {
		return rxerrors.Wrap(rxerrors.CodeBadRequest, "invalid target", err)
	}

	m.mu.Lock()
	m.resetLocked(rxerrors.New(rxerrors.CodeTransport, "connection replaced"))
	m.target = &tg
	gen, genCtx := m.gen, m.genCtx
	m.setStatusLocked(status.ControlConnecting)
	m.mu.Unlock()

	return m.dial(ctx, genCtx, gen, tg, false)
}

// Disconnect 取消重连定时器、关闭连接、清空目标与主机信息并置为 Disconnected（幂等）。
// 返回前会等待本管理器启动的读循环、心跳与信息拉取全部退出。
func (m *Manager) Disconnect() {
	m.mu.Lock()
	if conn := m.conn; conn != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
	}
	hadTarget := m.target != nil
	m.resetLocked(rxerrors.New(rxerrors.CodeNotConnected, "disconnected"))
	m.target = nil
	m.peerInfo = nil
	m.setStatusLocked(status.ControlDisconnected)
	loops := m.loops
	m.loops = nil
	m.mu.Unlock()

	for _, ls := range loops {
		<-ls.done
	}
	if hadTarget {
		m.log.WithField("status", "disconnect").Info("控制通道已断开")
	}
}

// Send 尽力发送一条无需应答的消息；未连接时静默丢弃。
// 返回：
// - error: 仅在调用契约被违反时返回（空动作、payload 无法编码）
func (m *Manager) Send(action Action, payload any) error {
	if !action.Valid() {
		return rxerrors.New(rxerrors.CodeBadRequest, "empty action")
	}
	body, err := json.Marshal(Request{Action: action, Payload: payload})
	if err != nil {
		return rxerrors.Wrap(rxerrors.CodeBadRequest, "encode payload", err)
	}

	m.mu.Lock()
	conn := m.conn
	connected := m.st == status.ControlConnected
	m.mu.Unlock()
	if !connected || conn == nil {
		m.log.WithFields(logrus.Fields{"action": action, "status": "dropped"}).Debug("未连接，丢弃消息")
		return nil
	}
	if err := m.write(conn, body); err != nil {
		m.log.WithFields(logrus.Fields{"action": action, "status": "write_error"}).WithError(err).Debug("消息发送失败")
	}
	return nil
}

// SendAndWait 发送一条带 ID 的请求并等待应答。
// 结果只会产生一次：应答到达、超时、ctx 取消或连接断开，谁先发生谁生效。
// 参数：
// - ctx: 调用方取消
// - action: 动作名
// - payload: 可为 nil
// 返回：
// - json.RawMessage: 成功时的 data（data 缺省时为 JSON null，不会为 nil）
// - error: CodeNotConnected（立即返回）、CodeTimeout、CodeProtocol（ok=false）、CodeTransport（断线）
func (m *Manager) SendAndWait(ctx context.Context, action Action, payload any) (json.RawMessage, error) {
	if !action.Valid() {
		return nil, rxerrors.New(rxerrors.CodeBadRequest, "empty action")
	}
	id := strconv.FormatUint(m.nextID.Add(1), 10)
	body, err := json.Marshal(Request{Action: action, Payload: payload, ID: id})
	if err != nil {
		return nil, rxerrors.Wrap(rxerrors.CodeBadRequest, "encode payload", err)
	}

	m.mu.Lock()
	conn := m.conn
	if m.st != status.ControlConnected || conn == nil {
		m.mu.Unlock()
		return nil, rxerrors.New(rxerrors.CodeNotConnected, "not connected")
	}
	// 在锁内登记，保证与断线时的 failAll 不会错过彼此。
	w := m.pending.add(id, m.cfg.RequestTimeout)
	m.mu.Unlock()

	if err := m.write(conn, body); err != nil {
		m.pending.resolve(id, result{err: rxerrors.Wrap(rxerrors.CodeTransport, "send failed", err)})
	}

	select {
	case r := <-w.done:
		return r.data, r.err
	case <-ctx.Done():
		m.pending.resolve(id, result{err: ctx.Err()})
		r := <-w.done
		return r.data, r.err
	}
}

// Status 返回当前控制通道状态。
func (m *Manager) Status() status.ControlStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st
}

// Connected 报告控制通道是否处于 Connected。
func (m *Manager) Connected() bool { return m.Status() == status.ControlConnected }

// Snapshot 返回当前会话视图。
func (m *Manager) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

// PeerInfo 返回最近一次获取的主机信息（未获取时为 nil）。
func (m *Manager) PeerInfo() map[string]any {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked().PeerInfo
}

// LastError 返回最近一次错误文本。
func (m *Manager) LastError() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastErr
}

// Target 返回当前目标（未设置时为 nil）。
func (m *Manager) Target() *config.Target {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.target == nil {
		return nil
	}
	t := *m.target
	return &t
}

// Mode 返回接入模式。
func (m *Manager) Mode() status.ConnMode { return m.mode }

// dial 为指定代号拨号；代号已被取代时关闭新连接并放弃。
// 参数：
// - ctx: 调用方上下文
// - genCtx: 代号上下文（换代即取消，用于中断进行中的拨号）
// - gen: 本次尝试的代号
// - tg: 目标
// - auto: 是否为自动重连发起（失败后在同源模式下继续排一次重连）
func (m *Manager) dial(ctx, genCtx context.Context, gen uint64, tg config.Target, auto bool) error {
	dctx, cancel := context.WithTimeout(ctx, m.cfg.DialTimeout)
	stop := context.AfterFunc(genCtx, cancel)
	conn, _, err := m.dialer.DialContext(dctx, tg.WebSocketURL(m.cfg.Path), nil)
	stop()
	cancel()

	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
		return rxerrors.New(rxerrors.CodeTransport, "connect superseded")
	}
	if err != nil {
		cerr := rxerrors.Wrap(rxerrors.CodeTransport, "connect failed", err)
		m.lastErr = rxerrors.Text(cerr)
		m.setStatusLocked(status.ControlDisconnected)
		if auto {
			m.scheduleRetryLocked(gen)
		}
		m.mu.Unlock()
		m.log.WithFields(logrus.Fields{"target": tg.Addr(), "status": "connect_error", "auto": auto}).WithError(err).Warn("控制通道连接失败")
		return cerr
	}

	m.conn = conn
	m.lastErr = ""
	ls := newLoopSet(3)
	m.loops = append(pruneLoops(m.loops), ls)
	m.setStatusLocked(status.ControlConnected)
	m.mu.Unlock()

	m.log.WithFields(logrus.Fields{"target": tg.Addr(), "status": "connect_ok", "gen": gen}).Info("控制通道已连接")

	go m.readLoop(gen, conn, ls)
	go m.pingLoop(genCtx, conn, ls)
	go m.fetchPeerInfo(genCtx, gen, ls)
	return nil
}

// readLoop 读取应答并按 ID 完成挂起请求；读错误即视为连接意外关闭。
func (m *Manager) readLoop(gen uint64, conn *websocket.Conn, ls *loopSet) {
	defer ls.exit()

	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(m.cfg.PongTimeout))
	})
	_ = conn.SetReadDeadline(time.Now().Add(m.cfg.PongTimeout))

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			m.handleClose(gen, conn, err)
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(m.cfg.PongTimeout))

		var resp Response
		if err := json.Unmarshal(data, &resp); err != nil {
			m.log.WithField("status", "bad_frame").WithError(err).Debug("无法解析的应答")
			continue
		}
		if resp.ID == "" {
			m.log.WithFields(logrus.Fields{"status": "unsolicited", "ok": resp.OK}).Debug("收到无 ID 消息")
			continue
		}
		m.deliver(gen, resp)
	}
}

// deliver 将应答投递给对应的挂起请求；ok=false 时同时记录为 LastError。
func (m *Manager) deliver(gen uint64, resp Response) {
	var r result
	if resp.OK {
		r.data = resp.Data
		if len(r.data) == 0 {
			r.data = json.RawMessage("null")
		}
	} else {
		msg := resp.Error
		if msg == "" {
			msg = "request failed"
		}
		r.err = rxerrors.New(rxerrors.CodeProtocol, msg)
		m.mu.Lock()
		if gen == m.gen {
			m.lastErr = msg
			m.emitLocked()
		}
		m.mu.Unlock()
	}
	if !m.pending.resolve(resp.ID, r) {
		m.log.WithFields(logrus.Fields{"id": resp.ID, "status": "late_response"}).Debug("应答对应的请求已完成")
	}
}

// handleClose 处理连接意外关闭：置 Disconnected、完成全部挂起请求，并在同源模式下排一次重连。
func (m *Manager) handleClose(gen uint64, conn *websocket.Conn, cause error) {
	_ = conn.Close()

	m.mu.Lock()
	defer m.mu.Unlock()
	if gen != m.gen || m.conn != conn {
		return
	}
	m.conn = nil
	m.genCancel()
	n := m.pending.failAll(rxerrors.Wrap(rxerrors.CodeTransport, "connection closed", cause))
	m.lastErr = "connection closed"
	m.setStatusLocked(status.ControlDisconnected)

	fields := logrus.Fields{"status": "closed", "gen": gen, "failed_pending": n}
	if m.target != nil {
		fields["target"] = m.target.Addr()
	}
	m.log.WithFields(fields).WithError(cause).Warn("控制通道意外关闭")

	m.scheduleRetryLocked(gen)
}

// scheduleRetryLocked 在同源模式下排一次重连；跨源模式交给调用方重新导航。
func (m *Manager) scheduleRetryLocked(gen uint64) {
	if m.mode != status.ModeSameOrigin || m.target == nil {
		return
	}
	if m.retry != nil {
		m.retry.Stop()
	}
	m.retry = time.AfterFunc(m.cfg.ReconnectDelay, func() { m.retryFire(gen) })
	m.log.WithFields(logrus.Fields{"status": "reconnect_scheduled", "delay_ms": m.cfg.ReconnectDelay.Milliseconds()}).Info("已安排重连")
}

// retryFire 重连定时器回调；代号变化（手动重连/断开）后直接放弃。
func (m *Manager) retryFire(gen uint64) {
	m.mu.Lock()
	if gen != m.gen || m.target == nil || m.st != status.ControlDisconnected {
		m.mu.Unlock()
		return
	}
	m.retry = nil
	m.nextGenLocked()
	newGen, genCtx, tg := m.gen, m.genCtx, *m.target
	m.setStatusLocked(status.ControlConnecting)
	m.mu.Unlock()

	_ = m.dial(context.Background(), genCtx, newGen, tg, true)
}

// pingLoop 周期发送 ping；代号上下文取消或写失败时退出。
func (m *Manager) pingLoop(ctx context.Context, conn *websocket.Conn, ls *loopSet) {
	defer ls.exit()
	t := time.NewTicker(m.cfg.PingInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(m.cfg.WriteTimeout)); err != nil {
				return
			}
		}
	}
}

// fetchPeerInfo 连接建立后拉取一次主机信息并缓存。
func (m *Manager) fetchPeerInfo(ctx context.Context, gen uint64, ls *loopSet) {
	defer ls.exit()
	if m.cfg.PeerInfoAction == "" {
		return
	}
	data, err := m.SendAndWait(ctx, Action(m.cfg.PeerInfoAction), nil)
	if err != nil {
		m.log.WithField("status", "peer_info_error").WithError(err).Warn("主机信息获取失败")
		return
	}
	var info map[string]any
	if err := json.Unmarshal(data, &info); err != nil {
		info = map[string]any{"value": json.RawMessage(data)}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if gen != m.gen {
		return
	}
	m.peerInfo = info
	m.emitLocked()
}

// write 串行化写入一帧文本消息。
func (m *Manager) write(conn *websocket.Conn, body []byte) error {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(m.cfg.WriteTimeout))
	return conn.WriteMessage(websocket.TextMessage, body)
}

// nextGenLocked 进入新代号：取消旧代号上下文，使旧连接的心跳、拨号与回调全部失效。
func (m *Manager) nextGenLocked() {
	m.gen++
	m.genCancel()
	m.genCtx, m.genCancel = context.WithCancel(context.Background())
}

// resetLocked 换代并释放当前代号的全部资源（重连定时器、连接、挂起请求）。
func (m *Manager) resetLocked(reason error) {
	m.nextGenLocked()
	if m.retry != nil {
		m.retry.Stop()
		m.retry = nil
	}
	if m.conn != nil {
		_ = m.conn.Close()
		m.conn = nil
	}
	m.pending.failAll(reason)
}

func (m *Manager) setStatusLocked(s status.ControlStatus) {
	if m.st == s {
		return
	}
	m.st = s
	m.emitLocked()
}

func (m *Manager) snapshotLocked() Snapshot {
	s := Snapshot{
		Status:     m.st,
		LastError:  m.lastErr,
		Pending:    m.pending.len(),
		Generation: m.gen,
		At:         time.Now(),
	}
	if m.target != nil {
		s.Target = m.target.Addr()
	}
	if m.peerInfo != nil {
		s.PeerInfo = make(map[string]any, len(m.peerInfo))
		for k, v := range m.peerInfo {
			s.PeerInfo[k] = v
		}
	}
	return s
}

func (m *Manager) emitLocked() {
	select {
	case m.events <- m.snapshotLocked():
	default:
		m.log.WithField("status", "event_dropped").Debug("状态通知队列已满")
	}
}
