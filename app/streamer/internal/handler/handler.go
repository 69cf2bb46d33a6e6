// Package handler 推流端的 HTTP 与信令接口。
package handler

import (
	"errors"
	"net"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/lk2023060901/xplay/app/streamer/internal/hostpair"
	"github.com/lk2023060901/xplay/app/streamer/internal/launcher"
	"github.com/lk2023060901/xplay/pkg/logger"
	"github.com/lk2023060901/xplay/pkg/metrics/system"
	"github.com/lk2023060901/xplay/pkg/web"
	"github.com/lk2023060901/xplay/pkg/websocket"
)

// 原因码，与编排服务一致
const (
	reasonInvalidRequest = "INVALID_REQUEST"
	reasonUnauthorized   = "UNAUTHORIZED"
	reasonRejected       = "PAIRING_REJECTED"
	reasonNotArmed       = "PAIRING_EXPIRED"
	reasonUnknownApp     = "GAME_NOT_FOUND"
	reasonBusy           = "NO_AVAILABLE_HOST"
	reasonNotFound       = "SESSION_NOT_FOUND"
	reasonForbidden      = "FORBIDDEN"
	reasonInternal       = "INTERNAL"
)

// 健康状态
const (
	StatusOK   = "ok"
	StatusBusy = "busy"
)

// StatsFunc 主机负载来源
type StatsFunc func() system.Stats

// Option 路由选项
type Option func(*Handler)

// WithPairingObserver 配对结果回调：paired | rejected | not_armed
func WithPairingObserver(fn func(result string)) Option {
	return func(h *Handler) { h.onPairing = fn }
}

// WithWebsocket 信令连接配置
func WithWebsocket(cfg *websocket.Config) Option {
	return func(h *Handler) { h.wsCfg = cfg }
}

// Handler 推流端路由
type Handler struct {
	launcher  *launcher.Launcher
	pairer    *hostpair.Pairer
	stats     StatsFunc
	wsCfg     *websocket.Config
	onPairing func(string)
	logger    logger.Logger
}

// New 创建路由
func New(ln *launcher.Launcher, p *hostpair.Pairer, stats StatsFunc, l logger.Logger, opts ...Option) *Handler {
	h := &Handler{
		launcher:  ln,
		pairer:    p,
		stats:     stats,
		wsCfg:     websocket.DefaultConfig(),
		onPairing: func(string) {},
		logger:    l.Named("handler"),
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.stats == nil {
		h.stats = func() system.Stats { return system.Stats{} }
	}
	return h
}

// Register 注册路由
func (h *Handler) Register(r gin.IRouter) {
	r.GET("/healthz", h.Health)

	api := r.Group("/api")
	{
		api.GET("/apps", h.ListApps)
		api.POST("/pin", h.Pair)
		api.POST("/pin/arm", h.loopbackOnly(), h.Arm)

		paired := api.Group("", h.bearerAuth())
		paired.POST("/launch", h.Launch)
		paired.POST("/stop", h.Stop)
		paired.GET("/sessions", h.ListSessions)
	}

	r.GET("/v1/signal/:session_id", h.Signal)
}

func (h *Handler) bearerAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		token, ok := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer ")
		if !ok || !h.pairer.Authorize(strings.TrimSpace(token)) {
			web.AbortWithError(c, http.StatusUnauthorized, reasonUnauthorized, "client not paired")
			return
		}
		c.Next()
	}
}

// loopbackOnly 只接受本机请求
func (h *Handler) loopbackOnly() gin.HandlerFunc {
	return func(c *gin.Context) {
		ip := net.ParseIP(c.RemoteIP())
		if ip == nil || !ip.IsLoopback() {
			web.AbortWithError(c, http.StatusForbidden, reasonForbidden, "local access only")
			return
		}
		c.Next()
	}
}

// HealthResponse GET /healthz
type HealthResponse struct {
	Status         string  `json:"status"`
	ActiveSessions int     `json:"active_sessions"`
	CPUPercent     float64 `json:"cpu_percent"`
	MemoryPercent  float64 `json:"memory_percent"`
}

// Health GET /healthz
func (h *Handler) Health(c *gin.Context) {
	st := h.stats()
	resp := HealthResponse{
		Status:         StatusOK,
		ActiveSessions: h.launcher.Active(),
		CPUPercent:     st.CPUPercent,
		MemoryPercent:  st.MemoryPercent,
	}
	if h.launcher.Full() {
		resp.Status = StatusBusy
	}
	web.Success(c, resp)
}

// ListApps GET /api/apps
func (h *Handler) ListApps(c *gin.Context) {
	web.Success(c, gin.H{"apps": h.launcher.Apps()})
}

// PairRequest POST /api/pin
type PairRequest struct {
	PIN  string `json:"pin" binding:"required"`
	Name string `json:"name"`
}

// Pair POST /api/pin
func (h *Handler) Pair(c *gin.Context) {
	var req PairRequest
	if !web.BindAndValidate(c, &req) {
		return
	}
	token, err := h.pairer.Pair(req.PIN, req.Name)
	switch {
	case err == nil:
		h.onPairing("paired")
		h.logger.Info("client paired", "name", req.Name)
		web.Success(c, gin.H{"paired": true, "token": token})
	case errors.Is(err, hostpair.ErrNotArmed):
		h.onPairing("not_armed")
		web.Error(c, http.StatusGone, reasonNotArmed, err.Error())
	case errors.Is(err, hostpair.ErrPINMismatch):
		h.onPairing("rejected")
		h.logger.Warn("pairing pin mismatch", "name", req.Name, "remote", c.RemoteIP())
		web.Error(c, http.StatusForbidden, reasonRejected, err.Error())
	default:
		web.Error(c, http.StatusBadRequest, reasonInvalidRequest, err.Error())
	}
}

// ArmRequest POST /api/pin/arm
type ArmRequest struct {
	PIN string `json:"pin" binding:"required"`
}

// Arm POST /api/pin/arm，本机输入管理端展示的 PIN
func (h *Handler) Arm(c *gin.Context) {
	var req ArmRequest
	if !web.BindAndValidate(c, &req) {
		return
	}
	expires, err := h.pairer.Arm(req.PIN)
	if err != nil {
		web.Error(c, http.StatusBadRequest, reasonInvalidRequest, err.Error())
		return
	}
	web.Success(c, gin.H{"armed": true, "expires_at": expires})
}

// Launch POST /api/launch
func (h *Handler) Launch(c *gin.Context) {
	var req launcher.LaunchRequest
	if !web.BindAndValidate(c, &req) {
		return
	}
	s, err := h.launcher.Launch(req)
	if err != nil {
		h.launchFailed(c, req, err)
		return
	}
	web.Success(c, gin.H{"session_id": s.ID(), "signal_path": s.SignalPath()})
}

func (h *Handler) launchFailed(c *gin.Context, req launcher.LaunchRequest, err error) {
	switch {
	case errors.Is(err, launcher.ErrUnknownApp):
		web.Error(c, http.StatusNotFound, reasonUnknownApp, err.Error())
	case errors.Is(err, launcher.ErrBusy), errors.Is(err, launcher.ErrClosed):
		web.Error(c, http.StatusServiceUnavailable, reasonBusy, err.Error())
	case errors.Is(err, launcher.ErrInvalidRequest):
		web.Error(c, http.StatusBadRequest, reasonInvalidRequest, err.Error())
	default:
		h.logger.Error("launch failed", "session_id", req.SessionID, "app_id", req.AppID, "error", err)
		web.Error(c, http.StatusInternalServerError, reasonInternal, err.Error())
	}
}

// StopRequest POST /api/stop
type StopRequest struct {
	SessionID string `json:"session_id" binding:"required"`
}

// Stop POST /api/stop，会话不存在也返回成功
func (h *Handler) Stop(c *gin.Context) {
	var req StopRequest
	if !web.BindAndValidate(c, &req) {
		return
	}
	stopped := h.launcher.Stop(req.SessionID)
	web.Success(c, gin.H{"session_id": req.SessionID, "stopped": stopped})
}

// ListSessions GET /api/sessions
func (h *Handler) ListSessions(c *gin.Context) {
	web.Success(c, gin.H{"sessions": h.launcher.List()})
}
