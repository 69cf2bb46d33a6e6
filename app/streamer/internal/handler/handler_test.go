package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/lk2023060901/xplay/app/streamer/internal/hostpair"
	"github.com/lk2023060901/xplay/app/streamer/internal/launcher"
	"github.com/lk2023060901/xplay/app/streamer/internal/reporter"
	"github.com/lk2023060901/xplay/pkg/logger"
	"github.com/lk2023060901/xplay/pkg/metrics/system"
	"github.com/lk2023060901/xplay/pkg/stream"
	"github.com/lk2023060901/xplay/pkg/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

const presetToken = "preset-token"

type fakePeer struct {
	mu      sync.Mutex
	onState func(stream.PeerState)
	onCand  func(*stream.ICECandidate)
	remote  []stream.ICECandidate
}

func (p *fakePeer) CreateOffer() (stream.SessionDescription, error) {
	return stream.SessionDescription{Type: stream.SDPTypeOffer, SDP: "host-offer"}, nil
}

func (p *fakePeer) CreateAnswer() (stream.SessionDescription, error) {
	return stream.SessionDescription{Type: stream.SDPTypeAnswer, SDP: "host-answer"}, nil
}

func (p *fakePeer) SetLocalDescription(stream.SessionDescription) error  { return nil }
func (p *fakePeer) SetRemoteDescription(stream.SessionDescription) error { return nil }

func (p *fakePeer) AddICECandidate(c stream.ICECandidate) error {
	p.mu.Lock()
	p.remote = append(p.remote, c)
	p.mu.Unlock()
	return nil
}

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

func (p *fakePeer) WriteFrame(stream.Frame) error { return nil }
func (p *fakePeer) OnInput(func([]byte))          {}
func (p *fakePeer) Close() error                  { return nil }

func (p *fakePeer) candidate(c string) {
	p.mu.Lock()
	fn := p.onCand
	p.mu.Unlock()
	fn(&stream.ICECandidate{Candidate: c})
}

func (p *fakePeer) remoteCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.remote)
}

type nopProvider struct{}

func (nopProvider) Name() string                                 { return "nop" }
func (nopProvider) Hardware() bool                               { return false }
func (nopProvider) Start(stream.CaptureConfig, stream.Sink) error { return nil }
func (nopProvider) Stop() error                                  { return nil }

type fixture struct {
	engine   *gin.Engine
	launcher *launcher.Launcher
	pairer   *hostpair.Pairer
	results  []string

	mu   sync.Mutex
	last *fakePeer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)
	l := logger.NewNoop()
	f := &fixture{}

	rep, err := reporter.New(&reporter.Config{}, nil, l)
	require.NoError(t, err)
	ln, err := launcher.New(&launcher.Config{
		Apps: []launcher.App{
			{ID: "hades", GameID: "hades", Title: "Hades"},
			{ID: "doom", GameID: "doom-eternal", Title: "DOOM Eternal", Status: "needs-update"},
		},
	}, rep, l,
		launcher.WithPeerFactory(func(*stream.SignalingConfig, logger.Logger) (stream.MediaPeer, error) {
			p := &fakePeer{}
			f.mu.Lock()
			f.last = p
			f.mu.Unlock()
			return p, nil
		}),
		launcher.WithProviderFactory(func(*stream.ProviderConfig, logger.Logger) (stream.CaptureProvider, error) {
			return nopProvider{}, nil
		}),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	p, err := hostpair.New(&hostpair.Config{Tokens: []string{presetToken}}, l)
	require.NoError(t, err)

	stats := func() system.Stats { return system.Stats{CPUPercent: 12.5, MemoryPercent: 40} }
	h := New(ln, p, stats, l, WithPairingObserver(func(r string) {
		f.mu.Lock()
		f.results = append(f.results, r)
		f.mu.Unlock()
	}))

	f.engine = gin.New()
	h.Register(f.engine)
	f.launcher = ln
	f.pairer = p
	return f
}

func (f *fixture) peer() *fakePeer {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.last
}

type request struct {
	method string
	path   string
	body   any
	token  string
	remote string
}

func (f *fixture) do(t *testing.T, r request) (int, gjson.Result) {
	t.Helper()
	var buf bytes.Buffer
	if r.body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(r.body))
	}
	req := httptest.NewRequest(r.method, r.path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if r.token != "" {
		req.Header.Set("Authorization", "Bearer "+r.token)
	}
	if r.remote != "" {
		req.RemoteAddr = r.remote
	}
	w := httptest.NewRecorder()
	f.engine.ServeHTTP(w, req)
	return w.Code, gjson.ParseBytes(w.Body.Bytes())
}

func TestHealthAndApps(t *testing.T) {
	f := newFixture(t)

	code, body := f.do(t, request{method: http.MethodGet, path: "/healthz"})
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, StatusOK, body.Get("data.status").String())
	assert.Equal(t, int64(0), body.Get("data.active_sessions").Int())
	assert.Equal(t, 12.5, body.Get("data.cpu_percent").Float())

	code, body = f.do(t, request{method: http.MethodGet, path: "/api/apps"})
	require.Equal(t, http.StatusOK, code)
	apps := body.Get("data.apps").Array()
	require.Len(t, apps, 2)
	assert.Equal(t, "doom", apps[0].Get("id").String())
	assert.Equal(t, "needs-update", apps[0].Get("status").String())
	assert.False(t, apps[0].Get("command").Exists())
	assert.Equal(t, "installed", apps[1].Get("status").String())

	code, body = f.do(t, request{method: http.MethodPost, path: "/api/launch", token: presetToken,
		body: launcher.LaunchRequest{SessionID: "s1", AppID: "hades"}})
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "/v1/signal/s1", body.Get("data.signal_path").String())

	_, body = f.do(t, request{method: http.MethodGet, path: "/healthz"})
	assert.Equal(t, StatusBusy, body.Get("data.status").String())
	assert.Equal(t, int64(1), body.Get("data.active_sessions").Int())
}

func TestPairingFlow(t *testing.T) {
	f := newFixture(t)

	code, body := f.do(t, request{method: http.MethodPost, path: "/api/pin", body: PairRequest{PIN: "1234", Name: "orchestrator"}})
	assert.Equal(t, http.StatusGone, code)
	assert.Equal(t, "PAIRING_EXPIRED", body.Get("reason").String())

	code, _ = f.do(t, request{method: http.MethodPost, path: "/api/pin/arm", body: ArmRequest{PIN: "1234"}, remote: "203.0.113.9:4000"})
	assert.Equal(t, http.StatusForbidden, code)

	code, body = f.do(t, request{method: http.MethodPost, path: "/api/pin/arm", body: ArmRequest{PIN: "1234"}, remote: "127.0.0.1:4000"})
	require.Equal(t, http.StatusOK, code)
	assert.True(t, body.Get("data.armed").Bool())

	code, body = f.do(t, request{method: http.MethodPost, path: "/api/pin", body: PairRequest{PIN: "9999", Name: "orchestrator"}})
	assert.Equal(t, http.StatusForbidden, code)
	assert.Equal(t, "PAIRING_REJECTED", body.Get("reason").String())

	code, body = f.do(t, request{method: http.MethodPost, path: "/api/pin", body: PairRequest{PIN: "1234", Name: "orchestrator"}})
	require.Equal(t, http.StatusOK, code)
	assert.True(t, body.Get("data.paired").Bool())
	token := body.Get("data.token").String()
	require.NotEmpty(t, token)

	code, _ = f.do(t, request{method: http.MethodPost, path: "/api/launch", token: token,
		body: launcher.LaunchRequest{SessionID: "s1", AppID: "hades"}})
	assert.Equal(t, http.StatusOK, code)

	f.mu.Lock()
	assert.Equal(t, []string{"not_armed", "rejected", "paired"}, f.results)
	f.mu.Unlock()
}

func TestLaunchAndStop(t *testing.T) {
	f := newFixture(t)
	launch := func(token, session, app string) (int, gjson.Result) {
		return f.do(t, request{method: http.MethodPost, path: "/api/launch", token: token,
			body: launcher.LaunchRequest{SessionID: session, AppID: app}})
	}

	code, body := launch("", "s1", "hades")
	assert.Equal(t, http.StatusUnauthorized, code)
	assert.Equal(t, "UNAUTHORIZED", body.Get("reason").String())

	code, _ = launch("forged", "s1", "hades")
	assert.Equal(t, http.StatusUnauthorized, code)

	code, body = launch(presetToken, "s1", "missing")
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, "GAME_NOT_FOUND", body.Get("reason").String())

	code, _ = launch(presetToken, "", "hades")
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = launch(presetToken, "s1", "hades")
	require.Equal(t, http.StatusOK, code)
	code, _ = launch(presetToken, "s1", "hades")
	assert.Equal(t, http.StatusOK, code, "relaunching the same session is idempotent")

	code, body = launch(presetToken, "s2", "hades")
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, "NO_AVAILABLE_HOST", body.Get("reason").String())

	code, body = f.do(t, request{method: http.MethodGet, path: "/api/sessions", token: presetToken})
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "s1", body.Get("data.sessions.0.id").String())

	code, body = f.do(t, request{method: http.MethodPost, path: "/api/stop", token: presetToken, body: StopRequest{SessionID: "s1"}})
	require.Equal(t, http.StatusOK, code)
	assert.True(t, body.Get("data.stopped").Bool())

	code, body = f.do(t, request{method: http.MethodPost, path: "/api/stop", token: presetToken, body: StopRequest{SessionID: "s1"}})
	require.Equal(t, http.StatusOK, code)
	assert.False(t, body.Get("data.stopped").Bool())
	assert.Equal(t, 0, f.launcher.Active())
}

func TestSignal_UnknownSession(t *testing.T) {
	f := newFixture(t)
	code, body := f.do(t, request{method: http.MethodGet, path: "/v1/signal/nope"})
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, "SESSION_NOT_FOUND", body.Get("reason").String())
}

func TestSignal_OfferAnswerAndCandidates(t *testing.T) {
	f := newFixture(t)
	srv := httptest.NewServer(f.engine)
	t.Cleanup(srv.Close)

	s, err := f.launcher.Launch(launcher.LaunchRequest{SessionID: "s1", AppID: "hades"})
	require.NoError(t, err)
	peer := f.peer()

	// 连接前产生的本地候选在绑定后补发
	peer.candidate("host-cand-1")

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + s.SignalPath()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, err := websocket.Dial(ctx, url, nil, logger.NewNoop())
	require.NoError(t, err)

	msgs := make(chan SignalMessage, 16)
	go conn.Run(func(_ *websocket.Conn, data []byte) error {
		var m SignalMessage
		if err := json.Unmarshal(data, &m); err != nil {
			return err
		}
		msgs <- m
		return nil
	})
	next := func() SignalMessage {
		t.Helper()
		select {
		case m := <-msgs:
			return m
		case <-time.After(2 * time.Second):
			t.Fatal("no signaling message")
			return SignalMessage{}
		}
	}

	m := next()
	require.Equal(t, MsgCandidate, m.Type)
	assert.Equal(t, "host-cand-1", m.Candidate.Candidate)

	require.NoError(t, conn.SendJSON(SignalMessage{Type: MsgOffer, SDP: "client-offer"}))
	m = next()
	require.Equal(t, MsgAnswer, m.Type)
	assert.Equal(t, "host-answer", m.SDP)
	assert.Equal(t, stream.SignalIceGathering, s.Signaler().State())

	require.NoError(t, conn.SendJSON(SignalMessage{Type: MsgCandidate, Candidate: &stream.ICECandidate{Candidate: "client-cand-1"}}))
	assert.Eventually(t, func() bool { return peer.remoteCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	peer.candidate("host-cand-2")
	m = next()
	assert.Equal(t, "host-cand-2", m.Candidate.Candidate)

	require.NoError(t, conn.SendJSON(SignalMessage{Type: MsgOffer, SDP: "again"}))
	assert.Equal(t, MsgError, next().Type)

	// 会话结束时关闭信令通道
	require.True(t, f.launcher.Stop("s1"))
	select {
	case <-conn.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("signaling channel not closed after session end")
	}
}

func TestSignal_SingleChannel(t *testing.T) {
	f := newFixture(t)
	srv := httptest.NewServer(f.engine)
	t.Cleanup(srv.Close)

	s, err := f.launcher.Launch(launcher.LaunchRequest{SessionID: "s1", AppID: "hades"})
	require.NoError(t, err)
	require.True(t, s.Attach(func(stream.ICECandidate) {}))

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + s.SignalPath()
	conn, err := websocket.Dial(context.Background(), url, nil, logger.NewNoop())
	require.NoError(t, err)
	go conn.Run(nil)

	select {
	case <-conn.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("second signaling channel was not rejected")
	}
}
