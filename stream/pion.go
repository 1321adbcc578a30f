package stream

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"

	"remote-x/config"
	rxerrors "remote-x/errors"
	"remote-x/signaling"
	"remote-x/telemetry"
)

// localChannelLabel 是本端创建的数据通道，仅用于让 offer 携带 SCTP 段；
// 对端自己的统计/控制通道通过 OnDataChannel 到达。
const localChannelLabel = "client"

// PionTransport 基于 pion/webrtc 的只收视频对等连接。
type PionTransport struct {
	pc *webrtc.PeerConnection

	// 对端不解码时 framesDecoded 恒为 0，按 RTP marker 统计已收完整帧作为替代。
	frames atomic.Uint32
	bytes  atomic.Uint64
}

// NewPionTransport 创建对等连接：默认编解码与拦截器、只收视频收发器、本端数据通道。
// 参数：
// - cfg: 流配置（ice_servers）
func NewPionTransport(cfg config.StreamConfig) (Transport, error) {
	me := &webrtc.MediaEngine{}
	if err := me.RegisterDefaultCodecs(); err != nil {
		return nil, rxerrors.Wrap(rxerrors.CodeNegotiation, "register codecs", err)
	}
	ir := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(me, ir); err != nil {
		return nil, rxerrors.Wrap(rxerrors.CodeNegotiation, "register interceptors", err)
	}
	se := webrtc.SettingEngine{}
	se.SetIncludeLoopbackCandidate(true)

	api := webrtc.NewAPI(webrtc.WithMediaEngine(me), webrtc.WithInterceptorRegistry(ir), webrtc.WithSettingEngine(se))

	pcCfg := webrtc.Configuration{}
	if len(cfg.ICEServers) > 0 {
		pcCfg.ICEServers = []webrtc.ICEServer{{URLs: cfg.ICEServers}}
	}
	pc, err := api.NewPeerConnection(pcCfg)
	if err != nil {
		return nil, rxerrors.Wrap(rxerrors.CodeNegotiation, "create peer connection", err)
	}

	if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeVideo, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionRecvonly,
	}); err != nil {
		_ = pc.Close()
		return nil, rxerrors.Wrap(rxerrors.CodeNegotiation, "add video transceiver", err)
	}
	ordered := false
	if _, err := pc.CreateDataChannel(localChannelLabel, &webrtc.DataChannelInit{Ordered: &ordered}); err != nil {
		_ = pc.Close()
		return nil, rxerrors.Wrap(rxerrors.CodeNegotiation, "create data channel", err)
	}
	return &PionTransport{pc: pc}, nil
}

// OnICECandidate 注册本端候选回调；收集结束（nil 候选）不回调。
func (t *PionTransport) OnICECandidate(fn func(signaling.Candidate)) {
	t.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		ci := c.ToJSON()
		fn(signaling.Candidate{
			Candidate:     ci.Candidate,
			SDPMid:        ci.SDPMid,
			SDPMLineIndex: ci.SDPMLineIndex,
		})
	})
}

// OnStateChange 注册连接状态回调。
func (t *PionTransport) OnStateChange(fn func(webrtc.PeerConnectionState)) {
	t.pc.OnConnectionStateChange(fn)
}

// OnSideChannel 注册对端数据通道回调（本端创建的通道不会回调）。
func (t *PionTransport) OnSideChannel(fn func(SideChannel)) {
	t.pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		if dc.Label() == localChannelLabel {
			return
		}
		fn(pionSide{dc: dc})
	})
}

// OnTrack 注册视频轨道回调；音频轨道在内部读空丢弃。
func (t *PionTransport) OnTrack(fn func(Track)) {
	t.pc.OnTrack(func(tr *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		if tr.Kind() != webrtc.RTPCodecTypeVideo {
			go func() {
				for {
					if _, _, err := tr.ReadRTP(); err != nil {
						return
					}
				}
			}()
			return
		}
		fn(&pionTrack{tr: tr, owner: t})
	})
}

// CreateOffer 生成 offer 并设为本端描述。
func (t *PionTransport) CreateOffer(ctx context.Context) (string, string, error) {
	if err := ctx.Err(); err != nil {
		return "", "", err
	}
	offer, err := t.pc.CreateOffer(nil)
	if err != nil {
		return "", "", rxerrors.Wrap(rxerrors.CodeNegotiation, "create offer", err)
	}
	if err := t.pc.SetLocalDescription(offer); err != nil {
		return "", "", rxerrors.Wrap(rxerrors.CodeNegotiation, "set local description", err)
	}
	return offer.SDP, offer.Type.String(), nil
}

// SetAnswer 应用对端应答。
func (t *PionTransport) SetAnswer(sdp, sdpType string) error {
	desc := webrtc.SessionDescription{Type: webrtc.NewSDPType(sdpType), SDP: sdp}
	if err := t.pc.SetRemoteDescription(desc); err != nil {
		return rxerrors.Wrap(rxerrors.CodeNegotiation, "set remote description", err)
	}
	return nil
}

// Stats 汇总入站视频与当前选中候选对的累计统计。
func (t *PionTransport) Stats() (telemetry.Sample, error) {
	s := telemetry.Sample{
		At:              time.Now(),
		ConnectionState: t.pc.ConnectionState().String(),
	}
	for _, st := range t.pc.GetStats() {
		switch v := st.(type) {
		case webrtc.InboundRTPStreamStats:
			if v.Kind != "video" {
				continue
			}
			s.FramesDecoded = v.FramesDecoded
			s.BytesReceived = v.BytesReceived
			s.FrameWidth = v.FrameWidth
			s.FrameHeight = v.FrameHeight
			s.PacketsLost = v.PacketsLost
			s.JitterMs = v.Jitter * 1000
		case webrtc.ICECandidatePairStats:
			if v.Nominated && v.State == webrtc.StatsICECandidatePairStateSucceeded {
				s.RTTMs = v.CurrentRoundTripTime * 1000
			}
		}
	}
	s.FramesDecoded = max(s.FramesDecoded, t.frames.Load())
	s.BytesReceived = max(s.BytesReceived, t.bytes.Load())
	return s, nil
}

// Close 关闭对等连接（释放 ICE/DTLS/SCTP 资源）。
func (t *PionTransport) Close() error { return t.pc.Close() }

type pionTrack struct {
	tr    *webrtc.TrackRemote
	owner *PionTransport
}

func (p *pionTrack) ID() string       { return p.tr.ID() }
func (p *pionTrack) MimeType() string { return p.tr.Codec().MimeType }

func (p *pionTrack) ReadRTP() (*rtp.Packet, error) {
	pkt, _, err := p.tr.ReadRTP()
	if err != nil {
		return nil, err
	}
	p.owner.bytes.Add(uint64(len(pkt.Payload)))
	if pkt.Marker {
		p.owner.frames.Add(1)
	}
	return pkt, nil
}

type pionSide struct{ dc *webrtc.DataChannel }

func (s pionSide) Label() string             { return s.dc.Label() }
func (s pionSide) IsOpen() bool              { return s.dc.ReadyState() == webrtc.DataChannelStateOpen }
func (s pionSide) SendText(msg string) error { return s.dc.SendText(msg) }
