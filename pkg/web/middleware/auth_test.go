package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/lk2023060901/xplay/pkg/security"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newEngine(cfg *AuthConfig) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(Auth(cfg))
	r.GET("/v1/me", func(c *gin.Context) { c.String(http.StatusOK, UserID(c)) })
	r.GET("/healthz", func(c *gin.Context) { c.String(http.StatusOK, "ok") })
	return r
}

func serve(r *gin.Engine, path string, header map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestAuth_HeaderMode(t *testing.T) {
	r := newEngine(&AuthConfig{SkipPrefixes: []string{"/healthz"}})

	w := serve(r, "/v1/me", map[string]string{HeaderUserID: "u-1"})
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "u-1", w.Body.String())

	w = serve(r, "/v1/me", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Body.String(), "UNAUTHORIZED")

	assert.Equal(t, http.StatusOK, serve(r, "/healthz", nil).Code)
}

func TestAuth_JWTMode(t *testing.T) {
	m, err := security.NewJWTManager(&security.JWTConfig{SecretKey: "k"})
	require.NoError(t, err)
	token, err := m.GenerateToken("u-9")
	require.NoError(t, err)

	r := newEngine(&AuthConfig{JWTManager: m})

	w := serve(r, "/v1/me", map[string]string{"Authorization": "Bearer " + token})
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "u-9", w.Body.String())

	// JWT 模式下忽略透传头
	w = serve(r, "/v1/me", map[string]string{HeaderUserID: "spoofed"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}
