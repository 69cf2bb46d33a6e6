package sentry

import (
	"context"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/getsentry/sentry-go"
	"github.com/lk2023060901/xplay/pkg/notify"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testDSN = "https://public@sentry.example.com/1"

// memTransport 把事件留在内存中
type memTransport struct {
	mu     sync.Mutex
	events []*sentry.Event
}

func (t *memTransport) Configure(sentry.ClientOptions) {}
func (t *memTransport) Flush(time.Duration) bool       { return true }

func (t *memTransport) SendEvent(e *sentry.Event) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.events = append(t.events, e)
}

func (t *memTransport) last(tb testing.TB) *sentry.Event {
	tb.Helper()
	t.mu.Lock()
	defer t.mu.Unlock()
	require.NotEmpty(tb, t.events)
	return t.events[len(t.events)-1]
}

func newTestClient(t *testing.T) (*Client, *memTransport) {
	t.Helper()
	tr := &memTransport{}
	c, err := New(&Config{DSN: testDSN, Tags: map[string]string{"service": "orchestrator"}}, WithTransport(tr))
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c, tr
}

func TestNew_Validates(t *testing.T) {
	_, err := New(&Config{})
	assert.ErrorIs(t, err, ErrMissingDSN)

	_, err = New(&Config{DSN: testDSN, SampleRate: 2})
	assert.ErrorIs(t, err, ErrInvalidSampleRate)
}

func TestClient_NotifyCarriesAlert(t *testing.T) {
	c, tr := newTestClient(t)

	err := c.Notify(context.Background(), &notify.Alert{
		Level:       notify.AlertLevelCritical,
		Summary:     "host stop not acknowledged",
		Description: "dial tcp: connection refused",
		Labels:      map[string]string{"session_id": "s-1", "host_id": "h1"},
		Fingerprint: "stop|s-1",
	})
	require.NoError(t, err)

	e := tr.last(t)
	assert.Equal(t, "host stop not acknowledged", e.Message)
	assert.Equal(t, sentry.LevelError, e.Level)
	assert.Equal(t, "s-1", e.Tags["session_id"])
	assert.Equal(t, "h1", e.Tags["host_id"])
	assert.Equal(t, "orchestrator", e.Tags["service"])
	assert.Equal(t, []string{"stop|s-1"}, e.Fingerprint)
	assert.Equal(t, "dial tcp: connection refused", e.Contexts["alert"]["description"])

	captured, dropped := c.Stats()
	assert.Equal(t, uint64(1), captured)
	assert.Zero(t, dropped)
}

func TestClient_CaptureErrorScopesTags(t *testing.T) {
	c, tr := newTestClient(t)

	require.NoError(t, c.CaptureError(errors.New("store: archive failed"), map[string]string{"session_id": "s-2"}))
	assert.Equal(t, "s-2", tr.last(t).Tags["session_id"])

	require.NoError(t, c.CaptureError(errors.New("again"), nil))
	_, ok := tr.last(t).Tags["session_id"]
	assert.False(t, ok)
}

func TestClient_CapturePanic(t *testing.T) {
	c, tr := newTestClient(t)

	c.CapturePanic(httptest.NewRequest("GET", "/v1/sessions", nil), "boom")
	e := tr.last(t)
	assert.Equal(t, sentry.LevelFatal, e.Level)
	require.NotNil(t, e.Request)
	assert.Contains(t, e.Request.URL, "/v1/sessions")
}

func TestClient_Closed(t *testing.T) {
	c, _ := newTestClient(t)
	require.NoError(t, c.Close())
	assert.ErrorIs(t, c.Close(), ErrClientClosed)
	assert.ErrorIs(t, c.CaptureError(errors.New("late"), nil), ErrClientClosed)
	assert.ErrorIs(t, c.Notify(context.Background(), &notify.Alert{Summary: "late"}), ErrClientClosed)
}
