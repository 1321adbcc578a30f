package stream

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"

	"remote-x/config"
	"remote-x/signaling"
	"remote-x/status"
	"remote-x/telemetry"
)

// fakeTransport 是可手动驱动状态与候选的传输。
type fakeTransport struct {
	mu      sync.Mutex
	onCand  func(signaling.Candidate)
	onState func(webrtc.PeerConnectionState)
	onSide  func(SideChannel)
	onTrack func(Track)

	preOffer  int
	frames    atomic.Uint32
	closed    chan struct{}
	closeOnce sync.Once
	answered  atomic.Bool
}

func newFakeTransport(preOffer int) *fakeTransport {
	return &fakeTransport{preOffer: preOffer, closed: make(chan struct{})}
}

func (t *fakeTransport) OnICECandidate(fn func(signaling.Candidate)) {
	t.mu.Lock()
	t.onCand = fn
	t.mu.Unlock()
}

func (t *fakeTransport) OnStateChange(fn func(webrtc.PeerConnectionState)) {
	t.mu.Lock()
	t.onState = fn
	t.mu.Unlock()
}

func (t *fakeTransport) OnSideChannel(fn func(SideChannel)) {
	t.mu.Lock()
	t.onSide = fn
	t.mu.Unlock()
}

func (t *fakeTransport) OnTrack(fn func(Track)) {
	t.mu.Lock()
	t.onTrack = fn
	t.mu.Unlock()
}

func (t *fakeTransport) CreateOffer(context.Context) (string, string, error) {
	for i := 0; i < t.preOffer; i++ {
		t.candidate(fmt.Sprintf("candidate:%d 1 udp 1 10.0.0.2 500%d typ host", i, i))
	}
	return "v=0 offer", "offer", nil
}

func (t *fakeTransport) SetAnswer(sdp, sdpType string) error {
	t.answered.Store(true)
	return nil
}

func (t *fakeTransport) Stats() (telemetry.Sample, error) {
	return telemetry.Sample{
		At:              time.Now(),
		FramesDecoded:   t.frames.Add(30),
		BytesReceived:   uint64(t.frames.Load()) * 1000,
		FrameWidth:      1280,
		FrameHeight:     720,
		RTTMs:           30,
		ConnectionState: "connected",
	}, nil
}

func (t *fakeTransport) Close() error {
	t.closeOnce.Do(func() { close(t.closed) })
	return nil
}

func (t *fakeTransport) isClosed() bool {
	select {
	case <-t.closed:
		return true
	default:
		return false
	}
}

func (t *fakeTransport) fire(s webrtc.PeerConnectionState) {
	t.mu.Lock()
	fn := t.onState
	t.mu.Unlock()
	fn(s)
}

func (t *fakeTransport) candidate(c string) {
	t.mu.Lock()
	fn := t.onCand
	t.mu.Unlock()
	fn(signaling.Candidate{Candidate: c})
}

func (t *fakeTransport) openSide(ch SideChannel) {
	t.mu.Lock()
	fn := t.onSide
	t.mu.Unlock()
	fn(ch)
}

func (t *fakeTransport) emitTrack() {
	t.mu.Lock()
	fn := t.onTrack
	t.mu.Unlock()
	fn(&fakeTrack{owner: t})
}

// fakeTrack 在所属传输关闭前阻塞读取。
type fakeTrack struct{ owner *fakeTransport }

func (f *fakeTrack) ID() string       { return "video0" }
func (f *fakeTrack) MimeType() string { return webrtc.MimeTypeVP8 }
func (f *fakeTrack) ReadRTP() (*rtp.Packet, error) {
	<-f.owner.closed
	return nil, io.EOF
}

type fakeSide struct {
	open atomic.Bool
	mu   sync.Mutex
	sent []string
}

func (s *fakeSide) Label() string { return "stats" }
func (s *fakeSide) IsOpen() bool  { return s.open.Load() }
func (s *fakeSide) SendText(msg string) error {
	s.mu.Lock()
	s.sent = append(s.sent, msg)
	s.mu.Unlock()
	return nil
}

func (s *fakeSide) count(substr string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, m := range s.sent {
		if strings.Contains(m, substr) {
			n++
		}
	}
	return n
}

// fakeFactory 记录创建过的传输，并检查创建新传输时旧传输都已关闭。
type fakeFactory struct {
	mu       sync.Mutex
	made     []*fakeTransport
	overlap  bool
	preOffer int
}

func (f *fakeFactory) New(config.StreamConfig) (Transport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, p := range f.made {
		if !p.isClosed() {
			f.overlap = true
		}
	}
	t := newFakeTransport(f.preOffer)
	f.made = append(f.made, t)
	return t, nil
}

func (f *fakeFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.made)
}

func (f *fakeFactory) get(i int) *fakeTransport {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.made[i]
}

type iceCall struct {
	connID    string
	candidate string
}

type fakeSignaler struct {
	mu        sync.Mutex
	offers    []status.Quality
	ice       []iceCall
	qualities []status.Quality
	stops     []string
	offerErr  func(n int) error
}

func (f *fakeSignaler) Offer(_ context.Context, _, _ string, q status.Quality) (signaling.Answer, error) {
	f.mu.Lock()
	f.offers = append(f.offers, q)
	n := len(f.offers)
	hook := f.offerErr
	f.mu.Unlock()
	if hook != nil {
		if err := hook(n); err != nil {
			return signaling.Answer{}, err
		}
	}
	return signaling.Answer{ConnectionID: fmt.Sprintf("c-%d", n), SDP: "v=0 answer", Type: "answer"}, nil
}

func (f *fakeSignaler) ICE(_ context.Context, connID string, c signaling.Candidate) error {
	f.mu.Lock()
	f.ice = append(f.ice, iceCall{connID: connID, candidate: c.Candidate})
	f.mu.Unlock()
	return nil
}

func (f *fakeSignaler) Quality(_ context.Context, _ string, q status.Quality) (*status.QualityProfile, error) {
	f.mu.Lock()
	f.qualities = append(f.qualities, q)
	f.mu.Unlock()
	p := q.Profile()
	return &p, nil
}

func (f *fakeSignaler) Stop(_ context.Context, connID string) error {
	f.mu.Lock()
	f.stops = append(f.stops, connID)
	f.mu.Unlock()
	return nil
}

func (f *fakeSignaler) offerCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.offers)
}

func (f *fakeSignaler) iceCalls() []iceCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]iceCall(nil), f.ice...)
}

func (f *fakeSignaler) qualityCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.qualities)
}

func (f *fakeSignaler) stopped() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.stops...)
}

func testStreamConfig() (config.StreamConfig, config.TelemetryConfig) {
	d := config.DefaultConfig()
	cfg := d.Stream
	cfg.ReconnectDelay = 20 * time.Millisecond
	cfg.SignalingTimeout = time.Second
	tcfg := d.Telemetry
	tcfg.Interval = 10 * time.Millisecond
	return cfg, tcfg
}

func newTestManager(t *testing.T, preOffer int) (*Manager, *fakeFactory, *fakeSignaler) {
	t.Helper()
	cfg, tcfg := testStreamConfig()
	f := &fakeFactory{preOffer: preOffer}
	sig := &fakeSignaler{}
	m := NewManager(cfg, tcfg, sig, WithTransportFactory(f.New))
	return m, f, sig
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timeout waiting for %s", what)
}

// drainStatuses 取出已发布的状态序列（合并相邻重复）。
func drainStatuses(m *Manager) []status.StreamStatus {
	var out []status.StreamStatus
	for {
		select {
		case s := <-m.Events():
			if len(out) == 0 || out[len(out)-1] != s.Status {
				out = append(out, s.Status)
			}
		default:
			return out
		}
	}
}
