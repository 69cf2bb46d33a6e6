package stream

import (
	"fmt"
	"sync"

	"github.com/lk2023060901/xplay/pkg/logger"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
)

const inputChannelLabel = "input"

// PionPeer 基于 pion/webrtc 的 MediaPeer：H.264 视频轨 + input 数据通道
type PionPeer struct {
	pc     *webrtc.PeerConnection
	track  *webrtc.TrackLocalStaticSample
	logger logger.Logger

	mu      sync.RWMutex
	onInput func([]byte)
}

// NewPionPeer 创建连接并添加视频轨与输入通道
func NewPionPeer(cfg *SignalingConfig, l logger.Logger) (*PionPeer, error) {
	if cfg == nil {
		cfg = DefaultSignalingConfig()
	}
	if l == nil {
		l = logger.Default()
	}

	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("stream: register codecs: %w", err)
	}
	se := webrtc.SettingEngine{}
	if cfg.UDPPortMin > 0 && cfg.UDPPortMax >= cfg.UDPPortMin {
		if err := se.SetEphemeralUDPPortRange(cfg.UDPPortMin, cfg.UDPPortMax); err != nil {
			return nil, fmt.Errorf("stream: udp port range: %w", err)
		}
	}
	if len(cfg.NAT1To1IPs) > 0 {
		se.SetNAT1To1IPs(cfg.NAT1To1IPs, webrtc.ICECandidateTypeHost)
	}
	api := webrtc.NewAPI(webrtc.WithMediaEngine(m), webrtc.WithSettingEngine(se))

	servers := make([]webrtc.ICEServer, 0, len(cfg.ICEServers))
	for _, s := range cfg.ICEServers {
		servers = append(servers, webrtc.ICEServer{URLs: s.URLs, Username: s.Username, Credential: s.Credential})
	}
	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: servers})
	if err != nil {
		return nil, fmt.Errorf("stream: new peer connection: %w", err)
	}

	p := &PionPeer{pc: pc, logger: l.Named("stream.peer")}
	if err := p.setup(); err != nil {
		_ = pc.Close()
		return nil, err
	}
	return p, nil
}

func (p *PionPeer) setup() error {
	track, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{
		MimeType:    webrtc.MimeTypeH264,
		ClockRate:   90000,
		SDPFmtpLine: "level-asymmetry-allowed=1;packetization-mode=1;profile-level-id=42e01f",
	}, "video", "xplay")
	if err != nil {
		return fmt.Errorf("stream: new track: %w", err)
	}
	sender, err := p.pc.AddTrack(track)
	if err != nil {
		return fmt.Errorf("stream: add track: %w", err)
	}
	p.track = track

	// RTCP 必须被读走，否则拥塞控制与 NACK 无法工作
	go func() {
		buf := make([]byte, 1500)
		for {
			if _, _, err := sender.Read(buf); err != nil {
				return
			}
		}
	}()

	dc, err := p.pc.CreateDataChannel(inputChannelLabel, nil)
	if err != nil {
		return fmt.Errorf("stream: create data channel: %w", err)
	}
	dc.OnMessage(p.handleMessage)
	p.pc.OnDataChannel(func(d *webrtc.DataChannel) {
		if d.Label() == inputChannelLabel {
			d.OnMessage(p.handleMessage)
		}
	})
	return nil
}

func (p *PionPeer) handleMessage(msg webrtc.DataChannelMessage) {
	p.mu.RLock()
	fn := p.onInput
	p.mu.RUnlock()
	if fn != nil {
		fn(msg.Data)
	}
}

func (p *PionPeer) CreateOffer() (SessionDescription, error) {
	sd, err := p.pc.CreateOffer(nil)
	if err != nil {
		return SessionDescription{}, err
	}
	return SessionDescription{Type: SDPTypeOffer, SDP: sd.SDP}, nil
}

func (p *PionPeer) CreateAnswer() (SessionDescription, error) {
	sd, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return SessionDescription{}, err
	}
	return SessionDescription{Type: SDPTypeAnswer, SDP: sd.SDP}, nil
}

func (p *PionPeer) SetLocalDescription(sd SessionDescription) error {
	return p.pc.SetLocalDescription(toPion(sd))
}

func (p *PionPeer) SetRemoteDescription(sd SessionDescription) error {
	return p.pc.SetRemoteDescription(toPion(sd))
}

func (p *PionPeer) AddICECandidate(c ICECandidate) error {
	return p.pc.AddICECandidate(webrtc.ICECandidateInit{
		Candidate:     c.Candidate,
		SDPMid:        c.SDPMid,
		SDPMLineIndex: c.SDPMLineIndex,
	})
}

func (p *PionPeer) OnICECandidate(fn func(*ICECandidate)) {
	p.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			fn(nil)
			return
		}
		init := c.ToJSON()
		fn(&ICECandidate{Candidate: init.Candidate, SDPMid: init.SDPMid, SDPMLineIndex: init.SDPMLineIndex})
	})
}

func (p *PionPeer) OnConnectionStateChange(fn func(PeerState)) {
	p.pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		p.logger.Debug("peer connection state", "state", s.String())
		fn(fromPionState(s))
	})
}

// WriteFrame 以一个 sample 发送整帧
func (p *PionPeer) WriteFrame(f Frame) error {
	return p.track.WriteSample(media.Sample{Data: f.Data, Duration: f.Duration, Timestamp: f.Timestamp})
}

func (p *PionPeer) OnInput(fn func([]byte)) {
	p.mu.Lock()
	p.onInput = fn
	p.mu.Unlock()
}

func (p *PionPeer) Close() error {
	return p.pc.Close()
}

func toPion(sd SessionDescription) webrtc.SessionDescription {
	return webrtc.SessionDescription{Type: webrtc.NewSDPType(string(sd.Type)), SDP: sd.SDP}
}

func fromPionState(s webrtc.PeerConnectionState) PeerState {
	switch s {
	case webrtc.PeerConnectionStateConnecting:
		return PeerConnecting
	case webrtc.PeerConnectionStateConnected:
		return PeerConnected
	case webrtc.PeerConnectionStateDisconnected:
		return PeerDisconnected
	case webrtc.PeerConnectionStateFailed:
		return PeerFailed
	case webrtc.PeerConnectionStateClosed:
		return PeerClosed
	default:
		return PeerNew
	}
}
