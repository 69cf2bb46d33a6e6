package stream

// SDPType 会话描述类型
type SDPType string

const (
	SDPTypeOffer  SDPType = "offer"
	SDPTypeAnswer SDPType = "answer"
)

// SessionDescription offer/answer 负载
type SessionDescription struct {
	Type SDPType `json:"type"`
	SDP  string  `json:"sdp"`
}

// ICECandidate trickle ICE 候选
type ICECandidate struct {
	Candidate     string  `json:"candidate"`
	SDPMid        *string `json:"sdpMid,omitempty"`
	SDPMLineIndex *uint16 `json:"sdpMLineIndex,omitempty"`
}

// PeerState 底层连接状态
type PeerState int

const (
	PeerNew PeerState = iota
	PeerConnecting
	PeerConnected
	PeerDisconnected
	PeerFailed
	PeerClosed
)

func (s PeerState) String() string {
	switch s {
	case PeerNew:
		return "new"
	case PeerConnecting:
		return "connecting"
	case PeerConnected:
		return "connected"
	case PeerDisconnected:
		return "disconnected"
	case PeerFailed:
		return "failed"
	case PeerClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Peer 实时传输连接
type Peer interface {
	CreateOffer() (SessionDescription, error)
	CreateAnswer() (SessionDescription, error)
	SetLocalDescription(sd SessionDescription) error
	SetRemoteDescription(sd SessionDescription) error
	AddICECandidate(c ICECandidate) error
	// OnICECandidate 本地候选回调，nil 表示收集完成
	OnICECandidate(fn func(*ICECandidate))
	OnConnectionStateChange(fn func(PeerState))
	Close() error
}

// MediaPeer 可发送视频帧并接收输入的连接
type MediaPeer interface {
	Peer
	WriteFrame(f Frame) error
	// OnInput 客户端输入消息
	OnInput(fn func([]byte))
}
