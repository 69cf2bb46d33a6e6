package launcher

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os/exec"
	"sync"
	"testing"
	"time"

	"github.com/lk2023060901/xplay/app/streamer/internal/reporter"
	"github.com/lk2023060901/xplay/pkg/logger"
	"github.com/lk2023060901/xplay/pkg/stream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePeer struct {
	mu      sync.Mutex
	onState func(stream.PeerState)
	onCand  func(*stream.ICECandidate)
	frames  int
	closed  bool
}

func (p *fakePeer) CreateOffer() (stream.SessionDescription, error) {
	return stream.SessionDescription{Type: stream.SDPTypeOffer, SDP: "offer"}, nil
}

func (p *fakePeer) CreateAnswer() (stream.SessionDescription, error) {
	return stream.SessionDescription{Type: stream.SDPTypeAnswer, SDP: "answer"}, nil
}

func (p *fakePeer) SetLocalDescription(stream.SessionDescription) error  { return nil }
func (p *fakePeer) SetRemoteDescription(stream.SessionDescription) error { return nil }
func (p *fakePeer) AddICECandidate(stream.ICECandidate) error            { return nil }

func (p *fakePeer) OnICECandidate(fn func(*stream.ICECandidate)) {
	p.mu.Lock()
	p.onCand = fn
	p.mu.Unlock()
}

func (p *fakePeer) OnConnectionStateChange(fn func(stream.PeerState)) {
	p.mu.Lock()
	p.onState = fn
	p.mu.Unlock()
}

func (p *fakePeer) WriteFrame(stream.Frame) error {
	p.mu.Lock()
	p.frames++
	p.mu.Unlock()
	return nil
}

func (p *fakePeer) OnInput(func([]byte)) {}

func (p *fakePeer) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	return nil
}

func (p *fakePeer) emit(st stream.PeerState) {
	p.mu.Lock()
	fn := p.onState
	p.mu.Unlock()
	fn(st)
}

func (p *fakePeer) candidate(c string) {
	p.mu.Lock()
	fn := p.onCand
	p.mu.Unlock()
	fn(&stream.ICECandidate{Candidate: c})
}

func (p *fakePeer) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *fakePeer) frameCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.frames
}

type fakeProvider struct {
	mu     sync.Mutex
	sink   stream.Sink
	starts int
	stops  int
}

func (f *fakeProvider) Name() string   { return "fake" }
func (f *fakeProvider) Hardware() bool { return false }

func (f *fakeProvider) Start(_ stream.CaptureConfig, sink stream.Sink) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sink = sink
	f.starts++
	return nil
}

func (f *fakeProvider) Stop() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
	return nil
}

func (f *fakeProvider) write(b []byte) {
	f.mu.Lock()
	sink := f.sink
	f.mu.Unlock()
	sink.Write(b)
}

func (f *fakeProvider) counts() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.starts, f.stops
}

type callbacks struct {
	mu     sync.Mutex
	events []reporter.Event
}

func (c *callbacks) handle(w http.ResponseWriter, r *http.Request) {
	var ev reporter.Event
	_ = json.NewDecoder(r.Body).Decode(&ev)
	c.mu.Lock()
	c.events = append(c.events, ev)
	c.mu.Unlock()
	w.WriteHeader(http.StatusOK)
}

func (c *callbacks) list() []reporter.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]reporter.Event(nil), c.events...)
}

func (c *callbacks) types() []string {
	var out []string
	for _, ev := range c.list() {
		out = append(out, ev.Type)
	}
	return out
}

type fixture struct {
	l        *Launcher
	peers    []*fakePeer
	provider *fakeProvider
	cb       *callbacks
	url      string
	mu       sync.Mutex
}

func newFixture(t *testing.T, cfg *Config) *fixture {
	t.Helper()
	f := &fixture{provider: &fakeProvider{}, cb: &callbacks{}}
	srv := httptest.NewServer(http.HandlerFunc(f.cb.handle))
	t.Cleanup(srv.Close)
	f.url = srv.URL

	rep, err := reporter.New(&reporter.Config{RetryInitial: time.Millisecond, MaxAttempts: 2}, nil, logger.NewNoop())
	require.NoError(t, err)

	if cfg == nil {
		cfg = &Config{}
	}
	if len(cfg.Apps) == 0 {
		cfg.Apps = []App{{ID: "desktop", GameID: "desktop", Title: "Desktop"}}
	}
	l, err := New(cfg, rep, logger.NewNoop(),
		WithPeerFactory(func(*stream.SignalingConfig, logger.Logger) (stream.MediaPeer, error) {
			p := &fakePeer{}
			f.mu.Lock()
			f.peers = append(f.peers, p)
			f.mu.Unlock()
			return p, nil
		}),
		WithProviderFactory(func(*stream.ProviderConfig, logger.Logger) (stream.CaptureProvider, error) {
			return f.provider, nil
		}),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	f.l = l
	return f
}

func (f *fixture) peer(i int) *fakePeer {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.peers[i]
}

func (f *fixture) launch(t *testing.T, id, app string) *Session {
	t.Helper()
	s, err := f.l.Launch(LaunchRequest{SessionID: id, AppID: app, CallbackURL: f.url, CallbackToken: "cb-" + id})
	require.NoError(t, err)
	return s
}

// negotiate 客户端 offer，主机 answer 并连通
func negotiate(t *testing.T, s *Session, p *fakePeer) {
	t.Helper()
	sig := s.Signaler()
	require.NoError(t, sig.SetRemoteDescription(stream.SessionDescription{Type: stream.SDPTypeOffer, SDP: "offer"}))
	ans, err := sig.CreateAnswer()
	require.NoError(t, err)
	require.NoError(t, sig.SetLocalDescription(ans))
	p.emit(stream.PeerConnected)
}

func annexB(units ...[]byte) []byte {
	var out []byte
	for _, u := range units {
		out = append(out, 0, 0, 0, 1)
		out = append(out, u...)
	}
	return out
}

func TestLaunch_Idempotent(t *testing.T) {
	f := newFixture(t, nil)

	s := f.launch(t, "s1", "desktop")
	again := f.launch(t, "s1", "desktop")
	assert.Same(t, s, again)
	assert.Equal(t, "/v1/signal/s1", s.SignalPath())
	assert.Equal(t, 1, f.l.Active())
	assert.True(t, f.l.Full())

	_, err := f.l.Launch(LaunchRequest{SessionID: "s2", AppID: "desktop"})
	assert.ErrorIs(t, err, ErrBusy)

	_, err = f.l.Launch(LaunchRequest{SessionID: "s3", AppID: "missing"})
	assert.ErrorIs(t, err, ErrUnknownApp)

	_, err = f.l.Launch(LaunchRequest{AppID: "desktop"})
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestApps_Sorted(t *testing.T) {
	f := newFixture(t, &Config{Apps: []App{{ID: "b"}, {ID: "a", Status: "needs-update"}}})
	apps := f.l.Apps()
	require.Len(t, apps, 2)
	assert.Equal(t, "a", apps[0].ID)
	assert.Equal(t, "needs-update", apps[0].Status)
	assert.Equal(t, "installed", apps[1].Status)
}

func TestSession_ConnectedStartsCapture(t *testing.T) {
	f := newFixture(t, nil)
	s := f.launch(t, "s1", "desktop")
	p := f.peer(0)

	negotiate(t, s, p)
	require.Eventually(t, func() bool { return len(f.cb.list()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{reporter.EventConnected}, f.cb.types())

	starts, _ := f.provider.counts()
	assert.Equal(t, 1, starts)
	assert.True(t, s.Info().Capturing)

	f.provider.write(annexB([]byte{0x67, 0x42, 0x00, 0x1f}, []byte{0x68, 0xce}, []byte{0x65, 0x88, 0x84, 0x01}, []byte{0x41, 0x9a}))
	assert.Eventually(t, func() bool { return p.frameCount() >= 1 }, time.Second, 5*time.Millisecond)

	// 断开后恢复：采集不重启
	p.emit(stream.PeerDisconnected)
	p.emit(stream.PeerConnected)
	require.Eventually(t, func() bool { return len(f.cb.list()) == 3 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{reporter.EventConnected, reporter.EventReconnecting, reporter.EventConnected}, f.cb.types())
	starts, _ = f.provider.counts()
	assert.Equal(t, 1, starts)
}

func TestSession_DisconnectAfterGrace(t *testing.T) {
	f := newFixture(t, &Config{Signaling: stream.SignalingConfig{DisconnectGrace: 30 * time.Millisecond}})
	s := f.launch(t, "s1", "desktop")
	p := f.peer(0)

	negotiate(t, s, p)
	p.emit(stream.PeerDisconnected)

	require.Eventually(t, func() bool { return f.l.Active() == 0 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return len(f.cb.list()) == 3 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{reporter.EventConnected, reporter.EventReconnecting, reporter.EventDisconnected}, f.cb.types())

	_, stops := f.provider.counts()
	assert.Equal(t, 1, stops)
}

func TestSession_NegotiationTimeout(t *testing.T) {
	f := newFixture(t, &Config{Signaling: stream.SignalingConfig{NegotiationTimeout: 30 * time.Millisecond}})
	f.launch(t, "s1", "desktop")

	require.Eventually(t, func() bool { return f.l.Active() == 0 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return len(f.cb.list()) == 1 }, time.Second, 5*time.Millisecond)
	ev := f.cb.list()[0]
	assert.Equal(t, reporter.EventFailed, ev.Type)
	assert.Equal(t, "NEGOTIATION_TIMEOUT", ev.Reason)

	starts, _ := f.provider.counts()
	assert.Zero(t, starts)
}

func TestSession_NegotiationFailed(t *testing.T) {
	f := newFixture(t, nil)
	f.launch(t, "s1", "desktop")
	f.peer(0).emit(stream.PeerFailed)

	require.Eventually(t, func() bool { return f.l.Active() == 0 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return len(f.cb.list()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, reporter.EventFailed, f.cb.list()[0].Type)
	assert.Empty(t, f.cb.list()[0].Reason)
}

func TestStop_Idempotent(t *testing.T) {
	f := newFixture(t, nil)
	s := f.launch(t, "s1", "desktop")
	negotiate(t, s, f.peer(0))

	assert.True(t, f.l.Stop("s1"))
	assert.False(t, f.l.Stop("s1"))
	assert.Zero(t, f.l.Active())

	_, stops := f.provider.counts()
	assert.Equal(t, 1, stops)
	assert.True(t, f.peer(0).isClosed())

	// 主动停止后不再回报事件
	f.peer(0).emit(stream.PeerFailed)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, []string{reporter.EventConnected}, f.cb.types())

	// 停止后可以再次启动
	f.launch(t, "s2", "desktop")
}

func TestAttach_BuffersCandidates(t *testing.T) {
	f := newFixture(t, nil)
	s := f.launch(t, "s1", "desktop")
	p := f.peer(0)

	p.candidate("early")
	var got []string
	var mu sync.Mutex
	sink := func(c stream.ICECandidate) {
		mu.Lock()
		got = append(got, c.Candidate)
		mu.Unlock()
	}
	require.True(t, s.Attach(sink))
	assert.False(t, s.Attach(sink))
	p.candidate("late")

	mu.Lock()
	assert.Equal(t, []string{"early", "late"}, got)
	mu.Unlock()

	s.Detach()
	assert.True(t, s.Attach(sink))
}

func TestSession_AppProcess(t *testing.T) {
	sleep, err := exec.LookPath("sleep")
	if err != nil {
		t.Skip("sleep not available")
	}
	f := newFixture(t, &Config{
		AppStopTimeout: time.Second,
		Apps:           []App{{ID: "game", Command: []string{sleep, "30"}}},
	})
	s := f.launch(t, "s1", "game")
	require.NotNil(t, s.cmd)

	done := make(chan struct{})
	go func() {
		f.l.Stop("s1")
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("stop did not terminate the application")
	}
	assert.Empty(t, f.cb.list())
}

func TestSession_AppExitEndsSession(t *testing.T) {
	bin, err := exec.LookPath("true")
	if err != nil {
		t.Skip("true not available")
	}
	f := newFixture(t, &Config{Apps: []App{{ID: "game", Command: []string{bin}}}})
	f.launch(t, "s1", "game")

	require.Eventually(t, func() bool { return f.l.Active() == 0 }, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return len(f.cb.list()) == 1 }, time.Second, 5*time.Millisecond)
	ev := f.cb.list()[0]
	assert.Equal(t, reporter.EventDisconnected, ev.Type)
	assert.Equal(t, "application exited", ev.Message)
}

func TestClose_RejectsLaunch(t *testing.T) {
	f := newFixture(t, nil)
	f.launch(t, "s1", "desktop")
	require.NoError(t, f.l.Close())
	assert.Zero(t, f.l.Active())

	_, err := f.l.Launch(LaunchRequest{SessionID: "s2", AppID: "desktop"})
	assert.ErrorIs(t, err, ErrClosed)
}
