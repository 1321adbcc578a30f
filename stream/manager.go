package stream

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/sirupsen/logrus"

	"remote-x/config"
	rxerrors "remote-x/errors"
	rxlog "remote-x/log"
	"remote-x/signaling"
	"remote-x/status"
	"remote-x/telemetry"
)

const eventBuffer = 64

// Signaler 是协商接口（由 signaling.Client 实现）。
type Signaler interface {
	Offer(ctx context.Context, sdp, sdpType string, q status.Quality) (signaling.Answer, error)
	ICE(ctx context.Context, connectionID string, c signaling.Candidate) error
	Quality(ctx context.Context, connectionID string, q status.Quality) (*status.QualityProfile, error)
	Stop(ctx context.Context, connectionID string) error
}

// Snapshot 是流会话在某一时刻的只读视图。
type Snapshot struct {
	Status       status.StreamStatus    `json:"status"`
	Quality      status.Quality         `json:"quality"`
	Profile      *status.QualityProfile `json:"profile,omitempty"`
	ConnectionID string                 `json:"connection_id,omitempty"`
	Attempts     int                    `json:"attempts"`
	LastError    string                 `json:"last_error,omitempty"`
	Trace        string                 `json:"trace,omitempty"`
	Generation   uint64                 `json:"generation"`
	At           time.Time              `json:"at"`
}

// Option 调整 Manager 的依赖。
type Option func(*Manager)

// WithTransportFactory 替换媒体传输的创建方式（测试注入假传输）。
func WithTransportFactory(f TransportFactory) Option {
	return func(m *Manager) { m.newTransport = f }
}

// WithSink 替换视频轨道的消费方。
func WithSink(s Sink) Option {
	return func(m *Manager) { m.sink = s }
}

type sideRef struct {
	gen uint64
	ch  SideChannel
}

// released 是从会话上摘下、待在锁外释放的资源。
type released struct {
	tr       Transport
	poller   *telemetry.Poller
	connID   string
	trace    string
	attached bool
}

// Manager 持有单个流会话：协商、状态机、断线重连、遥测与画质切换。
//
// 每次开始/重连/停止都会进入新的代号；传输回调、重连定时器与采样器都绑定创建时的代号，
// 代号变化后迟到的回调一律忽略。传输的关闭总在锁外进行。
type Manager struct {
	cfg          config.StreamConfig
	interval     time.Duration
	sig          Signaler
	newTransport TransportFactory
	sink         Sink
	log          *logrus.Entry

	mu       sync.Mutex
	gen      uint64
	st       status.StreamStatus
	quality  status.Quality
	connID   string
	attempts int
	lastErr  string
	trace    string
	tr       Transport
	attached bool
	queued   []signaling.Candidate
	retry    *time.Timer
	poller   *telemetry.Poller
	stopping bool
	// releaseDone 在最近一次异步释放（及其之前的全部释放）完成后关闭。
	releaseDone chan struct{}

	curGen  atomic.Uint64
	side    atomic.Pointer[sideRef]
	profile atomic.Pointer[status.QualityProfile]
	stats   atomic.Pointer[telemetry.Snapshot]

	events chan Snapshot
}

// NewManager 创建流会话管理器（初始 Idle）。
// 参数：
// - cfg: 流配置（重连上限与间隔、信令超时、ICE 服务器、录制目录）
// - tcfg: 遥测配置（采样周期）
// - sig: 协商接口
func NewManager(cfg config.StreamConfig, tcfg config.TelemetryConfig, sig Signaler, opts ...Option) *Manager {
	q, err := status.ParseQuality(cfg.Quality)
	if err != nil {
		q = status.QualityMedium
	}
	m := &Manager{
		cfg:          cfg,
		interval:     tcfg.Interval,
		sig:          sig,
		newTransport: NewPionTransport,
		log:          rxlog.Component("stream"),
		st:           status.StreamIdle,
		quality:      q,
		events:       make(chan Snapshot, eventBuffer),
	}
	for _, o := range opts {
		o(m)
	}
	if m.sink == nil {
		if cfg.RecordPath != "" {
			m.sink = NewFileSink(cfg.RecordPath)
		} else {
			m.sink = NewDiscardSink()
		}
	}
	m.stats.Store(&telemetry.Snapshot{})
	return m
}

// Events 返回状态迁移通知。
func (m *Manager) Events() <-chan Snapshot { return m.events }

// StartStream 释放现有会话后按画质 q 建立新会话；外部调用会清零重连计数。
// 协商失败时会话进入 Error 且资源全部释放。
// 返回：
// - error: 画质非法（CodeBadRequest，状态不变）或协商失败（同时体现在状态上）
func (m *Manager) StartStream(ctx context.Context, q status.Quality) error {
	q, err := status.ParseQuality(string(q))
	if err != nil {
		return rxerrors.Wrap(rxerrors.CodeBadRequest, "invalid quality", err)
	}

	m.mu.Lock()
	rel := m.detachLocked()
	m.attempts = 0
	gen := m.beginLocked(q)
	m.mu.Unlock()

	m.release(ctx, rel)
	return m.negotiate(ctx, gen, q, false)
}

// StopStream 结束当前会话：通知主机（尽力而为）、释放传输、重置统计并回到 Idle（幂等）。
func (m *Manager) StopStream(ctx context.Context) {
	m.mu.Lock()
	m.stopping = true
	rel := m.detachLocked()
	m.attempts = 0
	m.lastErr = ""
	m.setStatusLocked(status.StreamIdle)
	m.mu.Unlock()

	m.release(ctx, rel)
	m.waitReleased()

	m.mu.Lock()
	m.stopping = false
	m.mu.Unlock()

	if rel.connID != "" || rel.tr != nil {
		m.log.WithFields(logrus.Fields{"trace": rel.trace, "status": "stopped"}).Info("画面流已停止")
	}
}

// ChangeQuality 切换画质：数据通道已打开时走数据通道，否则回退到 HTTP 接口。
// 本地画质在消息交付发送后立即更新，不等待对端确认；无会话时只记录偏好。
func (m *Manager) ChangeQuality(ctx context.Context, q status.Quality) error {
	q, err := status.ParseQuality(string(q))
	if err != nil {
		return rxerrors.Wrap(rxerrors.CodeBadRequest, "invalid quality", err)
	}

	m.mu.Lock()
	gen, connID, trace := m.gen, m.connID, m.trace
	m.mu.Unlock()

	if ref := m.side.Load(); ref != nil && ref.gen == gen && ref.ch.IsOpen() {
		if err := ref.ch.SendText(telemetry.QualityChange(q)); err == nil {
			m.applyQuality(gen, q, nil)
			m.log.WithFields(logrus.Fields{"trace": trace, "quality": q, "path": "side_channel"}).Info("画质已切换")
			return nil
		}
	}

	m.applyQuality(gen, q, nil)
	if connID == "" {
		return nil
	}

	sctx, cancel := context.WithTimeout(ctx, m.cfg.SignalingTimeout)
	defer cancel()
	prof, err := m.sig.Quality(sctx, connID, q)
	if err != nil {
		m.mu.Lock()
		if gen == m.gen {
			m.lastErr = rxerrors.Text(err)
			m.emitLocked()
		}
		m.mu.Unlock()
		m.log.WithFields(logrus.Fields{"trace": trace, "quality": q, "status": "quality_error"}).WithError(err).Warn("画质切换失败")
		return err
	}
	if prof != nil {
		m.applyQuality(gen, q, prof)
	}
	m.log.WithFields(logrus.Fields{"trace": trace, "quality": q, "path": "http"}).Info("画质已切换")
	return nil
}

// Close 停止会话并等待所有后台释放结束。
func (m *Manager) Close() {
	m.StopStream(context.Background())
}

// Stats 返回最新统计快照。
func (m *Manager) Stats() telemetry.Snapshot { return *m.stats.Load() }

// Status 返回当前会话状态。
func (m *Manager) Status() status.StreamStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st
}

// Quality 返回当前画质。
func (m *Manager) Quality() status.Quality {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.quality
}

// Snapshot 返回当前会话视图。
func (m *Manager) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

// negotiate 为代号 gen 创建传输并完成 offer/answer。
// auto 表示由重连定时器发起：失败计入重连策略；否则直接进入 Error。
func (m *Manager) negotiate(ctx context.Context, gen uint64, q status.Quality, auto bool) error {
	// 旧代号的异步释放必须先完成，保证同一时刻只挂接一个传输。
	m.waitReleased()

	tr, err := m.newTransport(m.cfg)
	if err != nil {
		return m.fail(gen, auto, rxerrors.Wrap(rxerrors.CodeNegotiation, "create transport", err))
	}

	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		_ = tr.Close()
		return rxerrors.New(rxerrors.CodeNegotiation, "session superseded")
	}
	m.tr = tr
	trace := m.trace
	m.mu.Unlock()

	tr.OnICECandidate(func(c signaling.Candidate) { m.onCandidate(gen, c) })
	tr.OnStateChange(func(s webrtc.PeerConnectionState) { m.onPeerState(gen, s) })
	tr.OnSideChannel(func(ch SideChannel) { m.onSideChannel(gen, ch) })
	tr.OnTrack(func(t Track) { m.onTrack(gen, t) })

	sdp, sdpType, err := tr.CreateOffer(ctx)
	if err != nil {
		return m.fail(gen, auto, rxerrors.Wrap(rxerrors.CodeNegotiation, "create offer", err))
	}

	sctx, cancel := context.WithTimeout(ctx, m.cfg.SignalingTimeout)
	ans, err := m.sig.Offer(sctx, sdp, sdpType, q)
	cancel()
	if err != nil {
		return m.fail(gen, auto, err)
	}

	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		m.notifyStop(context.Background(), ans.ConnectionID, trace)
		return rxerrors.New(rxerrors.CodeNegotiation, "session superseded")
	}
	m.connID = ans.ConnectionID
	prof := q.Profile()
	if ans.Quality != nil {
		prof = *ans.Quality
	}
	m.profile.Store(&prof)
	queued := m.queued
	m.queued = nil
	m.emitLocked()
	m.mu.Unlock()

	if err := tr.SetAnswer(ans.SDP, ans.Type); err != nil {
		return m.fail(gen, auto, rxerrors.Wrap(rxerrors.CodeNegotiation, "apply answer", err))
	}

	for _, c := range queued {
		m.forwardCandidate(gen, ans.ConnectionID, c)
	}
	m.log.WithFields(logrus.Fields{"trace": trace, "connection_id": ans.ConnectionID, "quality": q, "status": "negotiated", "auto": auto}).Info("协商完成，等待媒体连接")
	return nil
}

// fail 处理协商失败：重连发起的计入重连策略，外部发起的直接进入 Error。
func (m *Manager) fail(gen uint64, auto bool, err error) error {
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return err
	}
	trace := m.trace
	var rel released
	if auto {
		rel = m.reconnectLocked(rxerrors.Text(err))
	} else {
		rel = m.detachLocked()
		m.lastErr = rxerrors.Text(err)
		m.setStatusLocked(status.StreamError)
	}
	m.mu.Unlock()

	m.release(context.Background(), rel)
	m.log.WithFields(logrus.Fields{"trace": trace, "status": "negotiation_failed", "auto": auto}).WithError(err).Warn("画面流协商失败")
	return err
}

// onCandidate 转发本端候选；连接 ID 未知时暂存，会话已拆除时丢弃。
func (m *Manager) onCandidate(gen uint64, c signaling.Candidate) {
	m.mu.Lock()
	if gen != m.gen || m.stopping {
		m.mu.Unlock()
		m.log.WithField("status", "stale_candidate").Debug("丢弃过期候选")
		return
	}
	if m.connID == "" {
		m.queued = append(m.queued, c)
		m.mu.Unlock()
		return
	}
	id := m.connID
	m.mu.Unlock()
	m.forwardCandidate(gen, id, c)
}

func (m *Manager) forwardCandidate(gen uint64, connID string, c signaling.Candidate) {
	if m.curGen.Load() != gen {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.SignalingTimeout)
	defer cancel()
	if err := m.sig.ICE(ctx, connID, c); err != nil {
		m.log.WithFields(logrus.Fields{"connection_id": connID, "status": "ice_error"}).WithError(err).Debug("候选转发失败")
	}
}

// onPeerState 把传输连接状态映射为会话状态迁移。
func (m *Manager) onPeerState(gen uint64, s webrtc.PeerConnectionState) {
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return
	}
	trace := m.trace

	switch s {
	case webrtc.PeerConnectionStateConnected:
		if m.st == status.StreamStreaming {
			m.mu.Unlock()
			return
		}
		m.attempts = 0
		m.lastErr = ""
		if m.retry != nil {
			m.retry.Stop()
			m.retry = nil
		}
		m.startPollerLocked(gen)
		m.setStatusLocked(status.StreamStreaming)
		m.mu.Unlock()
		m.log.WithFields(logrus.Fields{"trace": trace, "status": "streaming"}).Info("画面流已建立")

	case webrtc.PeerConnectionStateDisconnected, webrtc.PeerConnectionStateFailed:
		if m.stopping {
			m.mu.Unlock()
			return
		}
		rel := m.reconnectLocked("transport " + s.String())
		m.releaseAsyncLocked(rel)
		m.mu.Unlock()

	case webrtc.PeerConnectionStateClosed:
		if m.stopping {
			m.mu.Unlock()
			return
		}
		rel := m.detachLocked()
		m.setStatusLocked(status.StreamIdle)
		m.releaseAsyncLocked(rel)
		m.mu.Unlock()
		m.log.WithFields(logrus.Fields{"trace": trace, "status": "closed"}).Info("媒体连接已关闭")

	default:
		m.mu.Unlock()
	}
}

func (m *Manager) onSideChannel(gen uint64, ch SideChannel) {
	if m.curGen.Load() != gen {
		return
	}
	m.side.Store(&sideRef{gen: gen, ch: ch})
	m.log.WithFields(logrus.Fields{"label": ch.Label(), "status": "side_channel"}).Debug("数据通道已就绪")
}

func (m *Manager) onTrack(gen uint64, t Track) {
	m.mu.Lock()
	if gen != m.gen || m.attached {
		m.mu.Unlock()
		return
	}
	m.attached = true
	trace := m.trace
	m.mu.Unlock()

	if err := m.sink.Attach(trace, t); err != nil {
		m.log.WithFields(logrus.Fields{"trace": trace, "status": "sink_error"}).WithError(err).Warn("视频写出端不可用，改为丢弃")
	}
}

// reconnectLocked 执行重连策略：计数未达上限则计数加一并排一次重连，否则进入 Error。
func (m *Manager) reconnectLocked(reason string) released {
	rel := m.detachLocked()
	if m.attempts < m.cfg.MaxReconnectAttempts {
		m.attempts++
		m.lastErr = reason
		gen := m.gen
		m.retry = time.AfterFunc(m.cfg.ReconnectDelay, func() { m.retryFire(gen) })
		m.setStatusLocked(status.StreamReconnecting)
		m.log.WithFields(logrus.Fields{
			"status":   "reconnect_scheduled",
			"attempt":  m.attempts,
			"max":      m.cfg.MaxReconnectAttempts,
			"delay_ms": m.cfg.ReconnectDelay.Milliseconds(),
			"reason":   reason,
		}).Warn("画面流中断，已安排重连")
		return rel
	}
	m.lastErr = fmt.Sprintf("reconnect gave up after %d attempts (%s), manual retry required", m.attempts, reason)
	m.setStatusLocked(status.StreamError)
	m.log.WithFields(logrus.Fields{"status": "reconnect_exhausted", "attempts": m.attempts}).Error("画面流重连次数耗尽")
	return rel
}

// retryFire 重连定时器回调；按触发时刻的画质重新协商（重连期间的画质切换在此生效）。
func (m *Manager) retryFire(gen uint64) {
	m.mu.Lock()
	if gen != m.gen || m.st != status.StreamReconnecting {
		m.mu.Unlock()
		return
	}
	m.retry = nil
	q := m.quality
	newGen := m.beginLocked(q)
	m.mu.Unlock()

	_ = m.negotiate(context.Background(), newGen, q, true)
}

// beginLocked 进入新代号并置为 Connecting（调用前资源须已摘下）。
func (m *Manager) beginLocked(q status.Quality) uint64 {
	m.bumpLocked()
	m.quality = q
	m.lastErr = ""
	m.trace = uuid.NewString()
	m.setStatusLocked(status.StreamConnecting)
	return m.gen
}

// detachLocked 进入新代号并摘下当前会话的全部资源，交由 release 在锁外释放。
func (m *Manager) detachLocked() released {
	m.bumpLocked()
	if m.retry != nil {
		m.retry.Stop()
		m.retry = nil
	}
	rel := released{tr: m.tr, poller: m.poller, connID: m.connID, trace: m.trace, attached: m.attached}
	m.tr = nil
	m.poller = nil
	m.connID = ""
	m.attached = false
	m.queued = nil
	m.side.Store(nil)
	m.profile.Store(nil)
	return rel
}

func (m *Manager) bumpLocked() {
	m.gen++
	m.curGen.Store(m.gen)
}

// release 在锁外释放摘下的资源：停采样、关传输、卸 Sink、重置统计、通知主机。
func (m *Manager) release(ctx context.Context, rel released) {
	if rel.poller != nil {
		rel.poller.Stop()
	}
	if rel.tr != nil {
		_ = rel.tr.Close()
	}
	if rel.attached {
		m.sink.Detach()
	}
	m.stats.Store(&telemetry.Snapshot{})
	m.notifyStop(ctx, rel.connID, rel.trace)
}

// releaseAsyncLocked 用于传输回调内触发的释放（不能在传输自己的回调里同步关闭它）。
// 多次异步释放串行执行，releaseDone 始终指向最后一次。
func (m *Manager) releaseAsyncLocked(rel released) {
	prev := m.releaseDone
	done := make(chan struct{})
	m.releaseDone = done
	go func() {
		defer close(done)
		if prev != nil {
			<-prev
		}
		m.release(context.Background(), rel)
	}()
}

// waitReleased 等待已发起的异步释放全部完成。
func (m *Manager) waitReleased() {
	m.mu.Lock()
	done := m.releaseDone
	m.mu.Unlock()
	if done != nil {
		<-done
	}
}

func (m *Manager) notifyStop(ctx context.Context, connID, trace string) {
	if connID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, m.cfg.SignalingTimeout)
	defer cancel()
	if err := m.sig.Stop(ctx, connID); err != nil {
		m.log.WithFields(logrus.Fields{"trace": trace, "connection_id": connID, "status": "stop_notify_error"}).WithError(err).Debug("通知主机停止失败")
	}
}

// startPollerLocked 为代号 gen 启动遥测采样；发布与 RTT 回报都不持有会话锁。
func (m *Manager) startPollerLocked(gen uint64) {
	if m.poller != nil || m.tr == nil {
		return
	}
	tr := m.tr
	m.poller = telemetry.NewPoller(m.interval, tr.Stats,
		func(s telemetry.Snapshot) {
			if m.curGen.Load() != gen {
				return
			}
			if s.Resolution == "" {
				if p := m.profile.Load(); p != nil {
					s.Resolution = p.Resolution()
				}
			}
			m.stats.Store(&s)
		},
		func(ms float64) {
			ref := m.side.Load()
			if ref == nil || ref.gen != gen || !ref.ch.IsOpen() {
				return
			}
			_ = ref.ch.SendText(telemetry.RTTReport(ms))
		},
		logrus.Fields{"trace": m.trace})
	m.poller.Start()
}

func (m *Manager) applyQuality(gen uint64, q status.Quality, prof *status.QualityProfile) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if gen != m.gen {
		return
	}
	m.quality = q
	if m.connID != "" {
		p := q.Profile()
		if prof != nil {
			p = *prof
		}
		m.profile.Store(&p)
	}
	m.emitLocked()
}

func (m *Manager) setStatusLocked(s status.StreamStatus) {
	if m.st == s {
		return
	}
	m.st = s
	m.emitLocked()
}

func (m *Manager) snapshotLocked() Snapshot {
	s := Snapshot{
		Status:       m.st,
		Quality:      m.quality,
		ConnectionID: m.connID,
		Attempts:     m.attempts,
		LastError:    m.lastErr,
		Trace:        m.trace,
		Generation:   m.gen,
		At:           time.Now(),
	}
	if p := m.profile.Load(); p != nil {
		cp := *p
		s.Profile = &cp
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
