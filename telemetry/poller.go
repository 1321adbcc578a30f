package telemetry

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	rxlog "remote-x/log"
)

// SampleFunc 拉取一次累计统计。
type SampleFunc func() (Sample, error)

// Poller 按固定周期采样、发布快照并回报 RTT。
// 一个 Poller 只服务一个会话代号；Stop 之后不可再 Start。
type Poller struct {
	interval time.Duration
	sample   SampleFunc
	publish  func(Snapshot)
	report   func(latencyMs float64)
	log      *logrus.Entry

	mu      sync.Mutex
	cancel  context.CancelFunc
	stopped bool
	wg      sync.WaitGroup
}

// NewPoller 创建采样器。
// 参数：
// - interval: 采样周期（通常 1s）
// - sample: 统计来源
// - publish: 快照发布（整体替换）
// - report: RTT 回报；只在时延已知（>0）时调用，可为 nil
// - fields: 附加日志字段（如会话 trace）
func NewPoller(interval time.Duration, sample SampleFunc, publish func(Snapshot), report func(float64), fields logrus.Fields) *Poller {
	if interval <= 0 {
		interval = time.Second
	}
	return &Poller{
		interval: interval,
		sample:   sample,
		publish:  publish,
		report:   report,
		log:      rxlog.Component("telemetry").WithFields(fields),
	}
}

// Start 启动采样循环（重复调用无副作用）。
func (p *Poller) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil || p.stopped {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.loop(ctx)
	}()
}

// Stop 停止采样并等待循环退出（幂等）。返回后不会再有发布或回报。
func (p *Poller) Stop() {
	p.mu.Lock()
	p.stopped = true
	cancel := p.cancel
	p.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	p.wg.Wait()
}

func (p *Poller) loop(ctx context.Context) {
	t := time.NewTicker(p.interval)
	defer t.Stop()

	calc := NewCalculator(time.Now())
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			s, err := p.sample()
			if err != nil {
				p.log.WithField("status", "sample_error").WithError(err).Debug("统计采样失败")
				continue
			}
			if ctx.Err() != nil {
				return
			}
			if s.At.IsZero() {
				s.At = time.Now()
			}
			snap := calc.Next(s)
			p.publish(snap)
			if p.report != nil && snap.LatencyMs > 0 {
				p.report(snap.LatencyMs)
			}
		}
	}
}
