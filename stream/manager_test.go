package stream

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"go.uber.org/goleak"

	rxerrors "remote-x/errors"
	"remote-x/status"
)

// TestStartStreamNegotiates 验证协商流程、候选暂存与补发、建立后的遥测与 RTT 回报。
func TestStartStreamNegotiates(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	m, f, sig := newTestManager(t, 2)
	defer m.Close()

	if err := m.StartStream(context.Background(), status.QualityMedium); err != nil {
		t.Fatal(err)
	}
	snap := m.Snapshot()
	if snap.Status != status.StreamConnecting || snap.ConnectionID != "c-1" || snap.Quality != status.QualityMedium {
		t.Fatalf("snapshot=%+v", snap)
	}
	tr := f.get(0)
	if !tr.answered.Load() {
		t.Fatalf("answer not applied")
	}
	calls := sig.iceCalls()
	if len(calls) != 2 || calls[0].connID != "c-1" || calls[1].connID != "c-1" {
		t.Fatalf("queued candidates not flushed: %+v", calls)
	}

	tr.candidate("candidate:9 1 udp 1 10.0.0.2 6000 typ host")
	if got := len(sig.iceCalls()); got != 3 {
		t.Fatalf("live candidate not forwarded: %d", got)
	}

	side := &fakeSide{}
	side.open.Store(true)
	tr.openSide(side)
	tr.emitTrack()
	tr.fire(webrtc.PeerConnectionStateConnected)
	if m.Status() != status.StreamStreaming {
		t.Fatalf("status=%s", m.Status())
	}

	waitFor(t, "stats", func() bool {
		s := m.Stats()
		return s.FPS > 0 && s.BitrateKbps > 0 && s.Resolution == "1280x720" && s.LatencyMs == 30
	})
	waitFor(t, "rtt report", func() bool { return side.count(`"type":"rtt_report"`) > 0 })
}

// TestStopSuppressesStaleCandidates 验证停止后旧传输上的候选不会被转发，统计归零。
func TestStopSuppressesStaleCandidates(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	m, f, sig := newTestManager(t, 0)
	if err := m.StartStream(context.Background(), status.QualityLow); err != nil {
		t.Fatal(err)
	}
	tr := f.get(0)
	tr.fire(webrtc.PeerConnectionStateConnected)
	waitFor(t, "stats", func() bool { return m.Stats().FPS > 0 })

	m.StopStream(context.Background())
	m.StopStream(context.Background())

	snap := m.Snapshot()
	if snap.Status != status.StreamIdle || snap.ConnectionID != "" {
		t.Fatalf("snapshot=%+v", snap)
	}
	if !tr.isClosed() {
		t.Fatalf("transport not released")
	}
	if stops := sig.stopped(); len(stops) != 1 || stops[0] != "c-1" {
		t.Fatalf("stops=%v", stops)
	}
	if s := m.Stats(); s.FPS != 0 || s.Resolution != "" {
		t.Fatalf("stats not reset: %+v", s)
	}

	before := len(sig.iceCalls())
	tr.candidate("candidate:7 1 udp 1 10.0.0.2 7000 typ host")
	tr.fire(webrtc.PeerConnectionStateFailed)
	if got := len(sig.iceCalls()); got != before {
		t.Fatalf("stale candidate forwarded")
	}
	if m.Status() != status.StreamIdle {
		t.Fatalf("stale state change leaked: %s", m.Status())
	}
}

// TestReconnectSequence 验证 Streaming → Reconnecting → Connecting → Streaming，成功后计数清零。
func TestReconnectSequence(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	m, f, _ := newTestManager(t, 0)
	defer m.Close()

	if err := m.StartStream(context.Background(), status.QualityMedium); err != nil {
		t.Fatal(err)
	}
	f.get(0).emitTrack()
	f.get(0).fire(webrtc.PeerConnectionStateConnected)
	f.get(0).fire(webrtc.PeerConnectionStateFailed)

	snap := m.Snapshot()
	if snap.Status != status.StreamReconnecting || snap.Attempts != 1 {
		t.Fatalf("snapshot=%+v", snap)
	}

	waitFor(t, "second negotiation", func() bool {
		return f.count() == 2 && m.Snapshot().ConnectionID == "c-2"
	})
	if m.Quality() != status.QualityMedium {
		t.Fatalf("quality=%s", m.Quality())
	}
	f.get(1).emitTrack()
	f.get(1).fire(webrtc.PeerConnectionStateConnected)

	snap = m.Snapshot()
	if snap.Status != status.StreamStreaming || snap.Attempts != 0 {
		t.Fatalf("snapshot=%+v", snap)
	}
	f.mu.Lock()
	overlap := f.overlap
	f.mu.Unlock()
	if overlap {
		t.Fatalf("new transport created before old one was released")
	}

	got := drainStatuses(m)
	want := []status.StreamStatus{status.StreamConnecting, status.StreamStreaming, status.StreamReconnecting, status.StreamConnecting, status.StreamStreaming}
	if len(got) != len(want) {
		t.Fatalf("statuses=%v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("statuses=%v", got)
		}
	}
}

// TestReconnectGivesUpAfterMaxRetries 验证首次中断后最多安排 5 次重连（共 6 次 offer），第 6 次失败进入 Error 且不再重试。
func TestReconnectGivesUpAfterMaxRetries(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	m, f, sig := newTestManager(t, 0)
	defer m.Close()
	sig.offerErr = func(n int) error {
		if n == 1 {
			return nil
		}
		return rxerrors.New(rxerrors.CodeNegotiation, "capture unavailable")
	}

	if err := m.StartStream(context.Background(), status.QualityHigh); err != nil {
		t.Fatal(err)
	}
	f.get(0).fire(webrtc.PeerConnectionStateConnected)
	f.get(0).fire(webrtc.PeerConnectionStateDisconnected)

	waitFor(t, "error", func() bool { return m.Status() == status.StreamError })
	if n := sig.offerCount(); n != 6 {
		t.Fatalf("offers=%d, want 1 initial + 5 retries", n)
	}
	snap := m.Snapshot()
	if snap.Attempts != 5 || !strings.Contains(snap.LastError, "manual retry") {
		t.Fatalf("snapshot=%+v", snap)
	}

	time.Sleep(100 * time.Millisecond)
	if n := sig.offerCount(); n != 6 {
		t.Fatalf("retry after give-up: offers=%d", n)
	}
	for i := 0; i < f.count(); i++ {
		if !f.get(i).isClosed() {
			t.Fatalf("transport %d leaked", i)
		}
	}

	// 手动重试：清零计数并重新协商。
	sig.mu.Lock()
	sig.offerErr = nil
	sig.mu.Unlock()
	if err := m.StartStream(context.Background(), status.QualityHigh); err != nil {
		t.Fatal(err)
	}
	if snap := m.Snapshot(); snap.Status != status.StreamConnecting || snap.Attempts != 0 {
		t.Fatalf("snapshot=%+v", snap)
	}
}

// TestQualityChangeDuringReconnectApplies 验证重连等待期间切换的画质用于下一次重连 offer。
func TestQualityChangeDuringReconnectApplies(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	cfg, tcfg := testStreamConfig()
	cfg.ReconnectDelay = 200 * time.Millisecond
	f := &fakeFactory{}
	sig := &fakeSignaler{}
	m := NewManager(cfg, tcfg, sig, WithTransportFactory(f.New))
	defer m.Close()

	if err := m.StartStream(context.Background(), status.QualityLow); err != nil {
		t.Fatal(err)
	}
	f.get(0).fire(webrtc.PeerConnectionStateConnected)
	f.get(0).fire(webrtc.PeerConnectionStateFailed)
	if m.Status() != status.StreamReconnecting {
		t.Fatalf("status=%s", m.Status())
	}

	if err := m.ChangeQuality(context.Background(), status.QualityUltra); err != nil {
		t.Fatal(err)
	}
	if n := sig.qualityCount(); n != 0 {
		t.Fatalf("quality http calls=%d without a session", n)
	}

	waitFor(t, "retry offer", func() bool { return sig.offerCount() == 2 })
	sig.mu.Lock()
	retried := sig.offers[1]
	sig.mu.Unlock()
	if retried != status.QualityUltra {
		t.Fatalf("retry offered %s, want ultra", retried)
	}
	if q := m.Quality(); q != status.QualityUltra {
		t.Fatalf("quality=%s after retry", q)
	}
	waitFor(t, "second transport", func() bool { return f.count() == 2 })
	f.get(1).fire(webrtc.PeerConnectionStateConnected)
	if m.Status() != status.StreamStreaming {
		t.Fatalf("status=%s", m.Status())
	}
}

// TestExplicitStartFailure 验证外部发起的协商失败直接进入 Error 并释放资源。
func TestExplicitStartFailure(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	m, f, sig := newTestManager(t, 0)
	defer m.Close()
	sig.offerErr = func(int) error { return rxerrors.New(rxerrors.CodeNegotiation, "capture unavailable") }

	err := m.StartStream(context.Background(), status.QualityLow)
	if !rxerrors.IsCode(err, rxerrors.CodeNegotiation) {
		t.Fatalf("err=%v", err)
	}
	snap := m.Snapshot()
	if snap.Status != status.StreamError || snap.LastError != "capture unavailable" || snap.Attempts != 0 {
		t.Fatalf("snapshot=%+v", snap)
	}
	if !f.get(0).isClosed() {
		t.Fatalf("half-initialized transport left behind")
	}
	time.Sleep(60 * time.Millisecond)
	if sig.offerCount() != 1 {
		t.Fatalf("explicit failure must not auto-retry")
	}
}

// TestRestartReleasesOldTransport 验证重复开始时先释放旧传输与 Sink 再创建新的。
func TestRestartReleasesOldTransport(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	m, f, sig := newTestManager(t, 0)
	defer m.Close()

	if err := m.StartStream(context.Background(), status.QualityLow); err != nil {
		t.Fatal(err)
	}
	f.get(0).emitTrack()
	f.get(0).fire(webrtc.PeerConnectionStateConnected)

	if err := m.StartStream(context.Background(), status.QualityUltra); err != nil {
		t.Fatal(err)
	}
	if !f.get(0).isClosed() || f.count() != 2 {
		t.Fatalf("old transport not released")
	}
	f.mu.Lock()
	overlap := f.overlap
	f.mu.Unlock()
	if overlap {
		t.Fatalf("two transports alive at once")
	}
	if stops := sig.stopped(); len(stops) != 1 || stops[0] != "c-1" {
		t.Fatalf("stops=%v", stops)
	}
	snap := m.Snapshot()
	if snap.ConnectionID != "c-2" || snap.Quality != status.QualityUltra || snap.Profile == nil || snap.Profile.Width != 1920 {
		t.Fatalf("snapshot=%+v", snap)
	}
	f.get(1).emitTrack()
	f.get(1).fire(webrtc.PeerConnectionStateConnected)
	if m.Status() != status.StreamStreaming {
		t.Fatalf("status=%s", m.Status())
	}
}

// TestChangeQualityPrefersSideChannel 验证数据通道打开时不走 HTTP，且本地画质立即更新。
func TestChangeQualityPrefersSideChannel(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	m, f, sig := newTestManager(t, 0)
	defer m.Close()

	if err := m.StartStream(context.Background(), status.QualityMedium); err != nil {
		t.Fatal(err)
	}
	side := &fakeSide{}
	side.open.Store(true)
	f.get(0).openSide(side)
	f.get(0).fire(webrtc.PeerConnectionStateConnected)

	if err := m.ChangeQuality(context.Background(), status.QualityHigh); err != nil {
		t.Fatal(err)
	}
	if m.Quality() != status.QualityHigh {
		t.Fatalf("quality=%s", m.Quality())
	}
	if side.count(`"type":"quality_change","quality":"high"`) != 1 {
		t.Fatalf("side channel message missing: %v", side.sent)
	}
	if sig.qualityCount() != 0 {
		t.Fatalf("unexpected HTTP fallback")
	}
}

// TestChangeQualityHTTPFallback 验证数据通道未打开时回退到 HTTP 接口。
func TestChangeQualityHTTPFallback(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	m, f, sig := newTestManager(t, 0)
	defer m.Close()

	if err := m.StartStream(context.Background(), status.QualityMedium); err != nil {
		t.Fatal(err)
	}
	side := &fakeSide{}
	f.get(0).openSide(side)
	f.get(0).fire(webrtc.PeerConnectionStateConnected)

	if err := m.ChangeQuality(context.Background(), status.QualityLow); err != nil {
		t.Fatal(err)
	}
	if sig.qualityCount() != 1 || m.Quality() != status.QualityLow {
		t.Fatalf("qualities=%d quality=%s", sig.qualityCount(), m.Quality())
	}
	if p := m.Snapshot().Profile; p == nil || p.Width != 640 {
		t.Fatalf("profile=%+v", p)
	}
}

// TestInvalidQuality 验证非法画质直接拒绝且状态不变。
func TestInvalidQuality(t *testing.T) {
	m, f, _ := newTestManager(t, 0)
	err := m.StartStream(context.Background(), status.Quality("4k"))
	if !errors.Is(err, rxerrors.ErrBadRequest) {
		t.Fatalf("err=%v", err)
	}
	if m.Status() != status.StreamIdle || f.count() != 0 {
		t.Fatalf("state changed on contract violation")
	}
	if err := m.ChangeQuality(context.Background(), status.Quality("")); !errors.Is(err, rxerrors.ErrBadRequest) {
		t.Fatalf("err=%v", err)
	}
}

// TestPeerClosedGoesIdle 验证非主动停止时传输关闭回到 Idle。
func TestPeerClosedGoesIdle(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	m, f, _ := newTestManager(t, 0)
	defer m.Close()

	if err := m.StartStream(context.Background(), status.QualityMedium); err != nil {
		t.Fatal(err)
	}
	f.get(0).fire(webrtc.PeerConnectionStateConnected)
	f.get(0).fire(webrtc.PeerConnectionStateClosed)

	if snap := m.Snapshot(); snap.Status != status.StreamIdle || snap.ConnectionID != "" {
		t.Fatalf("snapshot=%+v", snap)
	}
	waitFor(t, "release", func() bool { return f.get(0).isClosed() })
}
