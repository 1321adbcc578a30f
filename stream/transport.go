package stream

import (
	"context"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"

	"remote-x/config"
	"remote-x/signaling"
	"remote-x/telemetry"
)

// Track 是收到的远端视频轨道。
type Track interface {
	ID() string
	MimeType() string
	ReadRTP() (*rtp.Packet, error)
}

// SideChannel 是由对端打开的低时延数据通道。
type SideChannel interface {
	Label() string
	IsOpen() bool
	SendText(msg string) error
}

// Transport 抽象一次媒体会话使用的对等连接。
// 回调须在 CreateOffer 之前注册；Close 之后不再可用。
type Transport interface {
	OnICECandidate(func(signaling.Candidate))
	OnStateChange(func(webrtc.PeerConnectionState))
	OnSideChannel(func(SideChannel))
	OnTrack(func(Track))

	// CreateOffer 生成并设置本端 offer（trickle ICE，不等待收集完成）。
	CreateOffer(ctx context.Context) (sdp, sdpType string, err error)
	SetAnswer(sdp, sdpType string) error
	Stats() (telemetry.Sample, error)
	Close() error
}

// TransportFactory 为每个会话代号创建一个新的传输。
type TransportFactory func(cfg config.StreamConfig) (Transport, error)
