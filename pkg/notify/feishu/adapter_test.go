package feishu

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/lk2023060901/xplay/pkg/notify"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

func newBot(t *testing.T, reply string) (*httptest.Server, chan gjson.Result) {
	t.Helper()
	bodies := make(chan gjson.Result, 4)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		bodies <- gjson.ParseBytes(b)
		_, _ = io.WriteString(w, reply)
	}))
	t.Cleanup(srv.Close)
	return srv, bodies
}

func TestAdapter_Notify(t *testing.T) {
	srv, bodies := newBot(t, `{"code":0,"msg":"success"}`)
	a, err := NewAdapter(&Config{WebhookURL: srv.URL, Secret: "s3cret", AtUsers: []string{"ou_oncall"}})
	require.NoError(t, err)
	a.client.now = func() time.Time { return time.Unix(1700000000, 0) }

	err = a.Notify(context.Background(), &notify.Alert{
		Level:   notify.AlertLevelCritical,
		Service: "orchestrator",
		Summary: "host stop not acknowledged",
		Labels:  map[string]string{"session_id": "s1", "host_id": "h1"},
	})
	require.NoError(t, err)

	body := <-bodies
	assert.Equal(t, "post", body.Get("msg_type").String())
	assert.Equal(t, "1700000000", body.Get("timestamp").String())
	assert.Equal(t, a.client.genSign(1700000000), body.Get("sign").String())
	assert.Equal(t, "[严重] orchestrator", body.Get("content.post.zh_cn.title").String())

	lines := body.Get("content.post.zh_cn.content").Array()
	require.Len(t, lines, 4)
	assert.Equal(t, "host_id: h1", lines[1].Get("0.text").String())
	assert.Equal(t, "session_id: s1", lines[2].Get("0.text").String())
	assert.Equal(t, "ou_oncall", lines[3].Get("1.user_id").String())
}

func TestAdapter_APIError(t *testing.T) {
	srv, _ := newBot(t, `{"code":19021,"msg":"sign match fail"}`)
	a, err := NewAdapter(&Config{WebhookURL: srv.URL})
	require.NoError(t, err)

	err = a.Notify(context.Background(), &notify.Alert{Level: notify.AlertLevelWarning, Summary: "x"})
	assert.ErrorIs(t, err, ErrRejected)
}

func TestConfig_Validate(t *testing.T) {
	_, err := NewAdapter(&Config{})
	assert.ErrorIs(t, err, notify.ErrInvalidConfig)
	_, err = NewAdapter(&Config{WebhookURL: "ftp://bot"})
	assert.ErrorIs(t, err, notify.ErrInvalidConfig)
}

func TestAdapter_Unreachable(t *testing.T) {
	srv, _ := newBot(t, `{"code":0}`)
	a, err := NewAdapter(&Config{WebhookURL: srv.URL, Timeout: time.Second})
	require.NoError(t, err)
	srv.Close()

	err = a.Notify(context.Background(), &notify.Alert{Level: notify.AlertLevelCritical, Summary: "x"})
	assert.ErrorIs(t, err, ErrWebhook)
}
