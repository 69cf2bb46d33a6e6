package launcher

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/lk2023060901/xplay/app/streamer/internal/reporter"
	"github.com/lk2023060901/xplay/pkg/logger"
	"github.com/lk2023060901/xplay/pkg/stream"
)

// Info 会话快照
type Info struct {
	ID          string       `json:"id"`
	AppID       string       `json:"app_id"`
	SignalPath  string       `json:"signal_path"`
	SignalState string       `json:"signal_state"`
	Capturing   bool         `json:"capturing"`
	Stats       stream.Stats `json:"stats"`
	InputEvents uint64       `json:"input_events"`
	CreatedAt   time.Time    `json:"created_at"`
}

// Session 一次主机侧会话：应用进程 + 采集管道 + 信令
type Session struct {
	id         string
	app        App
	signalPath string
	createdAt  time.Time
	logger     logger.Logger

	l        *Launcher
	peer     stream.MediaPeer
	signaler *stream.Signaler
	pipeline *stream.Pipeline
	events   *reporter.Stream

	cmd     *exec.Cmd
	exited  chan struct{}
	waitErr error

	done chan struct{}

	mu        sync.Mutex
	ending    bool
	attached  bool
	sink      func(stream.ICECandidate)
	buffered  []stream.ICECandidate
	inputMsgs uint64
}

func (l *Launcher) start(req LaunchRequest, app App) (*Session, error) {
	sl := l.logger.WithFields("session_id", req.SessionID, "app_id", app.ID)

	provider, err := l.newProvider(&l.cfg.Provider, sl)
	if err != nil {
		return nil, fmt.Errorf("launcher: capture provider: %w", err)
	}
	peer, err := l.newPeer(&l.cfg.Signaling, sl)
	if err != nil {
		return nil, fmt.Errorf("launcher: peer: %w", err)
	}
	signaler, err := stream.NewSignaler(peer, &l.cfg.Signaling, sl)
	if err != nil {
		_ = peer.Close()
		return nil, err
	}

	opts := []stream.PipelineOption{stream.WithPipelineLogger(sl)}
	if l.pool != nil {
		opts = append(opts, stream.WithPool(l.pool))
	}

	s := &Session{
		id:         req.SessionID,
		app:        app,
		signalPath: l.cfg.SignalPathPrefix + req.SessionID,
		createdAt:  time.Now(),
		done:       make(chan struct{}),
		logger:     sl,
		l:          l,
		peer:       peer,
		signaler:   signaler,
		pipeline:   stream.NewPipeline(provider, opts...),
		events: l.reporter.Open(reporter.Target{
			BaseURL:   req.CallbackURL,
			SessionID: req.SessionID,
			Token:     req.CallbackToken,
		}),
	}

	if err := s.startApp(); err != nil {
		_ = signaler.Close()
		s.events.Close(0)
		return nil, err
	}

	s.pipeline.OnFrame(func(f stream.Frame) {
		if err := s.peer.WriteFrame(f); err != nil {
			s.logger.Debug("write frame failed", "seq", f.Seq, "error", err)
		}
	})
	s.pipeline.OnError(func(err error) {
		s.report(reporter.Event{Type: reporter.EventDisconnected, Message: err.Error()})
		go l.end(s.id, EndCaptureFailed)
	})
	s.peer.OnInput(func([]byte) {
		s.mu.Lock()
		s.inputMsgs++
		s.mu.Unlock()
	})
	signaler.OnLocalCandidate(s.localCandidate)
	signaler.OnStateChange(s.signalStateChanged)
	signaler.OnFailure(s.transportFailed)
	signaler.Start()

	sl.Info("session launched", "signal_path", s.signalPath, "provider", provider.Name())
	return s, nil
}

// ID 会话 ID
func (s *Session) ID() string { return s.id }

// SignalPath 客户端信令地址
func (s *Session) SignalPath() string { return s.signalPath }

// Done 会话结束后关闭
func (s *Session) Done() <-chan struct{} { return s.done }

// Signaler 信令状态机
func (s *Session) Signaler() *stream.Signaler { return s.signaler }

// Info 会话快照
func (s *Session) Info() Info {
	s.mu.Lock()
	inputs := s.inputMsgs
	s.mu.Unlock()
	return Info{
		ID:          s.id,
		AppID:       s.app.ID,
		SignalPath:  s.signalPath,
		SignalState: s.signaler.State().String(),
		Capturing:   s.pipeline.Running(),
		Stats:       s.pipeline.Stats(),
		InputEvents: inputs,
		CreatedAt:   s.createdAt,
	}
}

// Attach 绑定信令通道，同一时刻只允许一个；sink 接收本地候选
func (s *Session) Attach(sink func(stream.ICECandidate)) bool {
	s.mu.Lock()
	if s.attached || s.ending {
		s.mu.Unlock()
		return false
	}
	s.attached = true
	s.sink = sink
	pending := s.buffered
	s.buffered = nil
	s.mu.Unlock()

	for _, c := range pending {
		sink(c)
	}
	return true
}

// Detach 解绑信令通道，会话继续运行以便客户端重连
func (s *Session) Detach() {
	s.mu.Lock()
	s.attached = false
	s.sink = nil
	s.mu.Unlock()
}

func (s *Session) localCandidate(c stream.ICECandidate) {
	s.mu.Lock()
	sink := s.sink
	if sink == nil {
		s.buffered = append(s.buffered, c)
	}
	s.mu.Unlock()
	if sink != nil {
		sink(c)
	}
}

func (s *Session) signalStateChanged(_, to stream.SignalState) {
	switch to {
	case stream.SignalConnected:
		if err := s.startCapture(); err != nil {
			s.logger.Error("start capture failed", "error", err)
			s.report(reporter.Event{Type: reporter.EventFailed, Message: err.Error()})
			go s.l.end(s.id, EndCaptureFailed)
			return
		}
		s.report(reporter.Event{Type: reporter.EventConnected})
	case stream.SignalDisconnected:
		s.report(reporter.Event{Type: reporter.EventReconnecting})
	}
}

// startCapture 首次连通时启动采集，重连后继续沿用
func (s *Session) startCapture() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ending || s.pipeline.Running() {
		return nil
	}
	err := s.pipeline.StartCapture(s.l.cfg.Capture)
	if errors.Is(err, stream.ErrAlreadyCapturing) {
		return nil
	}
	return err
}

func (s *Session) transportFailed(err error) {
	ev := reporter.Event{Type: reporter.EventFailed, Message: err.Error()}
	cause := EndNegotiationFailed
	switch {
	case errors.Is(err, stream.ErrNegotiationTimeout):
		ev.Reason = "NEGOTIATION_TIMEOUT"
	case errors.Is(err, stream.ErrDisconnected):
		ev.Type = reporter.EventDisconnected
		cause = EndDisconnected
	}
	s.report(ev)
	go s.l.end(s.id, cause)
}

// report 会话结束后不再回报
func (s *Session) report(ev reporter.Event) {
	s.mu.Lock()
	ending := s.ending
	s.mu.Unlock()
	if ending {
		return
	}
	s.l.metrics.TransportEvent(ev.Type)
	s.events.Send(ev)
}

func (s *Session) startApp() error {
	if len(s.app.Command) == 0 {
		return nil
	}
	cmd := exec.Command(s.app.Command[0], s.app.Command[1:]...)
	cmd.Dir = s.app.Dir
	cmd.Env = append(os.Environ(), s.app.Env...)
	cmd.Env = append(cmd.Env, "XPLAY_SESSION_ID="+s.id)
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("launcher: start %s: %w", s.app.ID, err)
	}
	s.cmd = cmd
	s.exited = make(chan struct{})

	go func() {
		s.waitErr = cmd.Wait()
		close(s.exited)

		s.mu.Lock()
		ending := s.ending
		s.mu.Unlock()
		if ending {
			return
		}
		s.logger.Warn("application exited", "error", s.waitErr)
		s.report(reporter.Event{Type: reporter.EventDisconnected, Message: "application exited"})
		s.l.end(s.id, EndAppExited)
	}()
	return nil
}

// teardown 释放全部资源，只由 Launcher.end 调用一次
func (s *Session) teardown() {
	s.mu.Lock()
	s.ending = true
	s.sink = nil
	s.mu.Unlock()

	if err := s.pipeline.StopCapture(); err != nil {
		s.logger.Warn("stop capture failed", "error", err)
	}
	if err := s.signaler.Close(); err != nil {
		s.logger.Debug("close signaler", "error", err)
	}
	s.stopApp()
	s.events.Close(s.l.cfg.ReportDrainTimeout)
	close(s.done)
}

// stopApp 先中断，超时后强制结束
func (s *Session) stopApp() {
	if s.cmd == nil {
		return
	}
	select {
	case <-s.exited:
		return
	default:
	}

	if err := s.cmd.Process.Signal(os.Interrupt); err == nil {
		select {
		case <-s.exited:
			return
		case <-time.After(s.l.cfg.AppStopTimeout):
			s.logger.Warn("application ignored interrupt, killing", "timeout", s.l.cfg.AppStopTimeout)
		}
	}
	if err := s.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		s.logger.Error("kill application failed", "error", err)
		return
	}
	<-s.exited
}
