package stream

import (
	"fmt"
	"sync"
	"time"

	"github.com/lk2023060901/xplay/pkg/config"
	"github.com/lk2023060901/xplay/pkg/logger"
)

// SignalState 信令状态
type SignalState int

const (
	SignalNew SignalState = iota
	SignalOfferSent
	SignalOfferReceived
	SignalAnswerSent
	SignalAnswerReceived
	SignalIceGathering
	SignalConnected
	SignalDisconnected
	SignalFailed
	SignalClosed
)

var signalStateNames = [...]string{
	"new", "offer-sent", "offer-received", "answer-sent", "answer-received",
	"ice-gathering", "connected", "disconnected", "failed", "closed",
}

func (s SignalState) String() string {
	if int(s) < len(signalStateNames) {
		return signalStateNames[s]
	}
	return "unknown"
}

// Terminal 是否终态
func (s SignalState) Terminal() bool {
	return s == SignalFailed || s == SignalClosed
}

// Signaler offer/answer/ICE 状态机
//
// 远端描述设置之前到达的候选先缓存，设置后按到达顺序补加。
// Connected → Disconnected 启动宽限计时器，超时未恢复即失败；
// 从 Start 到首次连通受 NegotiationTimeout 限制。
type Signaler struct {
	peer   Peer
	cfg    *SignalingConfig
	logger logger.Logger

	mu            sync.Mutex
	state         SignalState
	remoteSet     bool
	everConnected bool
	pending       []ICECandidate
	negTimer      *time.Timer
	graceTimer    *time.Timer
	graceGen      uint64
	failErr       error

	cbMu        sync.RWMutex
	onState     func(from, to SignalState)
	onFailure   func(error)
	onCandidate func(ICECandidate)
}

type notifyFunc func()

// NewSignaler 创建信令状态机，回调注册完成后调用 Start 开始协商计时
func NewSignaler(peer Peer, cfg *SignalingConfig, l logger.Logger) (*Signaler, error) {
	newCfg, err := config.MergeConfig(DefaultSignalingConfig(), cfg)
	if err != nil {
		return nil, err
	}
	if l == nil {
		l = logger.Default()
	}

	s := &Signaler{
		peer:   peer,
		cfg:    newCfg,
		logger: l.Named("stream.signaler"),
	}
	peer.OnConnectionStateChange(s.handlePeerState)
	peer.OnICECandidate(s.handleLocalCandidate)
	return s, nil
}

// Start 开始协商计时，重复调用或终态后调用无效
func (s *Signaler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.negTimer != nil || s.everConnected || s.state.Terminal() {
		return
	}
	s.negTimer = time.AfterFunc(s.cfg.NegotiationTimeout, s.negotiationExpired)
}

// OnStateChange 状态变化回调
func (s *Signaler) OnStateChange(fn func(from, to SignalState)) {
	s.cbMu.Lock()
	s.onState = fn
	s.cbMu.Unlock()
}

// OnFailure 终态失败回调，最多触发一次
func (s *Signaler) OnFailure(fn func(error)) {
	s.cbMu.Lock()
	s.onFailure = fn
	s.cbMu.Unlock()
}

// OnLocalCandidate 本地候选回调，需转发给对端
func (s *Signaler) OnLocalCandidate(fn func(ICECandidate)) {
	s.cbMu.Lock()
	s.onCandidate = fn
	s.cbMu.Unlock()
}

// State 当前状态
func (s *Signaler) State() SignalState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Err 失败原因
func (s *Signaler) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failErr
}

// PendingCandidates 等待远端描述的候选数
func (s *Signaler) PendingCandidates() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// CreateOffer 仅在 New 状态可用
func (s *Signaler) CreateOffer() (SessionDescription, error) {
	if err := s.expect(SignalNew); err != nil {
		return SessionDescription{}, err
	}
	return s.peer.CreateOffer()
}

// CreateAnswer 仅在 OfferReceived 状态可用
func (s *Signaler) CreateAnswer() (SessionDescription, error) {
	if err := s.expect(SignalOfferReceived); err != nil {
		return SessionDescription{}, err
	}
	return s.peer.CreateAnswer()
}

// SetLocalDescription 应用本地描述
func (s *Signaler) SetLocalDescription(sd SessionDescription) error {
	s.mu.Lock()
	var next []SignalState
	switch {
	case sd.Type == SDPTypeOffer && s.state == SignalNew:
		next = []SignalState{SignalOfferSent}
	case sd.Type == SDPTypeAnswer && s.state == SignalOfferReceived:
		next = []SignalState{SignalAnswerSent, SignalIceGathering}
	default:
		err := s.invalidLocked("set local " + string(sd.Type))
		s.mu.Unlock()
		return err
	}
	if err := s.peer.SetLocalDescription(sd); err != nil {
		notes := s.failLocked(fmt.Errorf("%w: set local description: %v", ErrNegotiationFailed, err))
		s.mu.Unlock()
		s.run(notes)
		return err
	}
	var notes []notifyFunc
	for _, st := range next {
		notes = append(notes, s.transitionLocked(st))
	}
	s.mu.Unlock()
	s.run(notes)
	return nil
}

// SetRemoteDescription 应用远端描述并补加缓存的候选
func (s *Signaler) SetRemoteDescription(sd SessionDescription) error {
	s.mu.Lock()
	var next []SignalState
	switch {
	case sd.Type == SDPTypeOffer && s.state == SignalNew:
		next = []SignalState{SignalOfferReceived}
	case sd.Type == SDPTypeAnswer && s.state == SignalOfferSent:
		next = []SignalState{SignalAnswerReceived, SignalIceGathering}
	default:
		err := s.invalidLocked("set remote " + string(sd.Type))
		s.mu.Unlock()
		return err
	}
	if err := s.peer.SetRemoteDescription(sd); err != nil {
		notes := s.failLocked(fmt.Errorf("%w: set remote description: %v", ErrNegotiationFailed, err))
		s.mu.Unlock()
		s.run(notes)
		return err
	}
	s.remoteSet = true

	pending := s.pending
	s.pending = nil
	for _, c := range pending {
		if err := s.peer.AddICECandidate(c); err != nil {
			s.logger.Warn("buffered ice candidate rejected", "candidate", c.Candidate, "error", err)
		}
	}
	if len(pending) > 0 {
		s.logger.Debug("applied buffered ice candidates", "count", len(pending))
	}

	var notes []notifyFunc
	for _, st := range next {
		notes = append(notes, s.transitionLocked(st))
	}
	s.mu.Unlock()
	s.run(notes)
	return nil
}

// AddICECandidate 远端候选；远端描述未就绪时缓存
func (s *Signaler) AddICECandidate(c ICECandidate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.Terminal() {
		return ErrSignalerClosed
	}
	if !s.remoteSet {
		s.pending = append(s.pending, c)
		return nil
	}
	return s.peer.AddICECandidate(c)
}

// Close 关闭连接，可重复调用
func (s *Signaler) Close() error {
	s.mu.Lock()
	if s.state == SignalClosed {
		s.mu.Unlock()
		return nil
	}
	s.stopTimersLocked()
	note := s.transitionLocked(SignalClosed)
	s.pending = nil
	s.mu.Unlock()

	s.run([]notifyFunc{note})
	return s.peer.Close()
}

func (s *Signaler) handlePeerState(ps PeerState) {
	s.mu.Lock()
	var notes []notifyFunc
	switch ps {
	case PeerConnected:
		switch s.state {
		case SignalAnswerSent, SignalAnswerReceived, SignalIceGathering, SignalDisconnected:
			s.stopTimersLocked()
			s.everConnected = true
			notes = append(notes, s.transitionLocked(SignalConnected))
		}
	case PeerDisconnected:
		if s.state == SignalConnected {
			notes = append(notes, s.transitionLocked(SignalDisconnected))
			s.startGraceLocked()
		}
	case PeerFailed, PeerClosed:
		if !s.state.Terminal() {
			if s.everConnected {
				notes = s.failLocked(fmt.Errorf("%w: peer %s", ErrDisconnected, ps))
			} else {
				notes = s.failLocked(fmt.Errorf("%w: peer %s", ErrNegotiationFailed, ps))
			}
		}
	}
	s.mu.Unlock()
	s.run(notes)
}

func (s *Signaler) handleLocalCandidate(c *ICECandidate) {
	if c == nil {
		return
	}
	s.cbMu.RLock()
	fn := s.onCandidate
	s.cbMu.RUnlock()
	if fn != nil {
		fn(*c)
	}
}

func (s *Signaler) startGraceLocked() {
	s.graceGen++
	gen := s.graceGen
	if s.graceTimer != nil {
		s.graceTimer.Stop()
	}
	grace := s.cfg.DisconnectGrace
	s.graceTimer = time.AfterFunc(grace, func() {
		s.mu.Lock()
		if s.graceGen != gen || s.state != SignalDisconnected {
			s.mu.Unlock()
			return
		}
		notes := s.failLocked(fmt.Errorf("%w: not restored within %s", ErrDisconnected, grace))
		s.mu.Unlock()
		s.run(notes)
	})
}

func (s *Signaler) negotiationExpired() {
	s.mu.Lock()
	if s.everConnected || s.state.Terminal() {
		s.mu.Unlock()
		return
	}
	notes := s.failLocked(fmt.Errorf("%w: %s in state %s", ErrNegotiationTimeout, s.cfg.NegotiationTimeout, s.state))
	s.mu.Unlock()
	s.run(notes)
}

func (s *Signaler) stopTimersLocked() {
	if s.negTimer != nil {
		s.negTimer.Stop()
	}
	if s.graceTimer != nil {
		s.graceTimer.Stop()
	}
	s.graceGen++
}

func (s *Signaler) failLocked(err error) []notifyFunc {
	if s.state.Terminal() {
		return nil
	}
	s.stopTimersLocked()
	s.failErr = err
	s.logger.Warn("transport failed", "state", s.state.String(), "error", err)

	notes := []notifyFunc{s.transitionLocked(SignalFailed)}
	s.cbMu.RLock()
	fn := s.onFailure
	s.cbMu.RUnlock()
	if fn != nil {
		notes = append(notes, func() { fn(err) })
	}
	return notes
}

func (s *Signaler) transitionLocked(to SignalState) notifyFunc {
	from := s.state
	s.state = to
	s.logger.Debug("signaling state", "from", from.String(), "to", to.String())

	s.cbMu.RLock()
	fn := s.onState
	s.cbMu.RUnlock()
	if fn == nil {
		return func() {}
	}
	return func() { fn(from, to) }
}

func (s *Signaler) expect(want SignalState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != want {
		return s.invalidLocked("expected " + want.String())
	}
	return nil
}

func (s *Signaler) invalidLocked(op string) error {
	if s.state.Terminal() {
		return ErrSignalerClosed
	}
	return fmt.Errorf("%w: %s in state %s", ErrInvalidSignalState, op, s.state)
}

func (s *Signaler) run(notes []notifyFunc) {
	for _, n := range notes {
		n()
	}
}
