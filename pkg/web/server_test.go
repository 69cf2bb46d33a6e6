package web

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/lk2023060901/xplay/pkg/logger"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T, cfg *Config) *Server {
	t.Helper()
	cfg.Mode = gin.TestMode
	s, err := NewServer(cfg, logger.NewNoop(), WithRegistry(prometheus.NewRegistry()))
	require.NoError(t, err)
	return s
}

func TestServer_ResponseEnvelope(t *testing.T) {
	s := newTestServer(t, &Config{})
	s.Router().GET("/ok", func(c *gin.Context) { Success(c, gin.H{"x": 1}) })
	s.Router().GET("/busy", func(c *gin.Context) {
		Error(c, http.StatusServiceUnavailable, "NO_AVAILABLE_HOST", "no host")
	})

	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ok", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"code":0,"message":"ok","data":{"x":1}}`, w.Body.String())

	w = httptest.NewRecorder()
	s.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/busy", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.JSONEq(t, `{"code":50003,"message":"no host","reason":"NO_AVAILABLE_HOST","data":null}`, w.Body.String())
}

func TestServer_RateLimit(t *testing.T) {
	s := newTestServer(t, &Config{RateLimit: RateLimitConfig{Enabled: true, RequestsPerSecond: 0.001, Burst: 1}})
	s.Router().GET("/ping", func(c *gin.Context) { Success(c, nil) })

	do := func() int {
		w := httptest.NewRecorder()
		s.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ping", nil))
		return w.Code
	}
	assert.Equal(t, http.StatusOK, do())
	assert.Equal(t, http.StatusTooManyRequests, do())
	s.limiter.Close()
}

func TestServer_StartStop(t *testing.T) {
	s := newTestServer(t, &Config{Addr: "127.0.0.1:0"})
	s.Router().GET("/ping", func(c *gin.Context) { Success(c, "pong") })

	require.NoError(t, s.Start())
	assert.ErrorIs(t, s.Start(), ErrServerAlreadyStarted)

	resp, err := http.Get("http://" + s.Addr() + "/metrics")
	require.NoError(t, err)
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	require.NoError(t, s.Stop())
}
