package telemetry

import (
	"fmt"
	"time"
)

// Sample 是一次从媒体传输拉取的累计统计。
type Sample struct {
	At              time.Time
	FramesDecoded   uint32
	BytesReceived   uint64
	FrameWidth      uint32
	FrameHeight     uint32
	PacketsLost     int32
	JitterMs        float64
	RTTMs           float64
	ConnectionState string
}

// Snapshot 是对外发布的统计快照，每个周期整体替换一次。
type Snapshot struct {
	FPS             float64   `json:"fps"`
	BitrateKbps     float64   `json:"bitrate_kbps"`
	Resolution      string    `json:"resolution"`
	LatencyMs       float64   `json:"latency_ms"`
	PacketsLost     int64     `json:"packets_lost"`
	JitterMs        float64   `json:"jitter_ms"`
	ConnectionState string    `json:"connection_state"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// Calculator 将累计计数换算为速率（fps、kbps）。
// 基线从零开始；计数回退（传输重建）时本周期速率记 0 并以新值为基线。
type Calculator struct {
	prevAt     time.Time
	prevFrames uint32
	prevBytes  uint64
}

// NewCalculator 以 start 为时间基线创建计算器。
func NewCalculator(start time.Time) *Calculator {
	return &Calculator{prevAt: start}
}

// Next 用最新样本计算一份快照并推进基线。
func (c *Calculator) Next(s Sample) Snapshot {
	elapsed := s.At.Sub(c.prevAt).Seconds()

	var fps, kbps float64
	if elapsed > 0 {
		if s.FramesDecoded >= c.prevFrames {
			fps = float64(s.FramesDecoded-c.prevFrames) / elapsed
		}
		if s.BytesReceived >= c.prevBytes {
			kbps = float64(s.BytesReceived-c.prevBytes) * 8 / elapsed / 1000
		}
	}
	c.prevAt = s.At
	c.prevFrames = s.FramesDecoded
	c.prevBytes = s.BytesReceived

	out := Snapshot{
		FPS:             fps,
		BitrateKbps:     kbps,
		LatencyMs:       s.RTTMs,
		PacketsLost:     int64(s.PacketsLost),
		JitterMs:        s.JitterMs,
		ConnectionState: s.ConnectionState,
		UpdatedAt:       s.At,
	}
	if s.FrameWidth > 0 && s.FrameHeight > 0 {
		out.Resolution = fmt.Sprintf("%dx%d", s.FrameWidth, s.FrameHeight)
	}
	return out
}
