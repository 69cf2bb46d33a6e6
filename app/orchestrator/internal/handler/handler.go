// Package handler 编排服务的 HTTP 接口。
package handler

import (
	"context"
	"crypto/subtle"
	"net/http"
	"sort"

	"github.com/gin-gonic/gin"
	"github.com/lk2023060901/xplay/app/orchestrator/internal/apperr"
	"github.com/lk2023060901/xplay/app/orchestrator/internal/model"
	"github.com/lk2023060901/xplay/app/orchestrator/internal/orchestrator"
	"github.com/lk2023060901/xplay/app/orchestrator/internal/registry"
	"github.com/lk2023060901/xplay/app/orchestrator/internal/resolver"
	"github.com/lk2023060901/xplay/pkg/logger"
	"github.com/lk2023060901/xplay/pkg/web"
	"github.com/lk2023060901/xplay/pkg/web/middleware"
)

// HeaderAdminToken 主机管理接口的口令头
const HeaderAdminToken = "X-Admin-Token"

// HeaderCallbackToken 主机回报传输事件时携带的会话回调令牌
const HeaderCallbackToken = "X-Callback-Token"

// Sessions 会话编排
type Sessions interface {
	Start(ctx context.Context, userID, gameID string) (model.Session, bool, error)
	Status(ctx context.Context, sessionID string) (orchestrator.SessionStatus, error)
	Stop(ctx context.Context, sessionID string) (model.Session, error)
	List() []orchestrator.SessionStatus
	ReportTransport(ctx context.Context, sessionID, token string, ev orchestrator.TransportEvent) error
}

// Hosts 主机表
type Hosts interface {
	RegisterHost(h model.Host) (model.Host, error)
	Host(hostID string) (model.Host, error)
	Hosts() []model.Host
	Decommission(hostID string) error
	HealthCheck(ctx context.Context, hostID string) (model.Reachability, error)
	Resolve(ctx context.Context, gameID string) (resolver.Candidate, error)
}

// Catalog 应用目录
type Catalog interface {
	SyncCatalog(ctx context.Context, host model.Host) (registry.SyncResult, error)
	Entries(hostID string) []model.ApplicationEntry
}

// Pairing 配对
type Pairing interface {
	InitiatePairing(ctx context.Context, hostID string) (model.PairingChallenge, error)
	CompletePairing(ctx context.Context, hostID, pin, clientIdentity string) (model.PairingResult, error)
	Challenge(hostID string) (model.PairingChallenge, bool)
	Cancel(hostID string) bool
}

// Config 路由配置
type Config struct {
	// AdminToken 为空时关闭主机管理接口
	AdminToken string
	// Games gameId -> 标题
	Games map[string]string
	// Auth 用户认证中间件
	Auth gin.HandlerFunc
}

// Handler 编排服务路由
type Handler struct {
	cfg      Config
	sessions Sessions
	hosts    Hosts
	catalog  Catalog
	pairing  Pairing
	logger   logger.Logger
}

// New 创建路由
func New(cfg Config, sessions Sessions, hosts Hosts, catalog Catalog, pairing Pairing, l logger.Logger) *Handler {
	return &Handler{
		cfg:      cfg,
		sessions: sessions,
		hosts:    hosts,
		catalog:  catalog,
		pairing:  pairing,
		logger:   l.Named("handler"),
	}
}

// Register 注册路由
func (h *Handler) Register(r gin.IRouter) {
	v1 := r.Group("/v1")

	// 主机回报不经过用户认证，以会话回调令牌校验
	v1.POST("/sessions/:id/transport", h.ReportTransport)

	user := v1.Group("")
	if h.cfg.Auth != nil {
		user.Use(h.cfg.Auth)
	}
	{
		user.POST("/sessions", h.StartSession)
		user.GET("/sessions/:id", h.SessionStatus)
		user.DELETE("/sessions/:id", h.StopSession)
		user.GET("/games", h.ListGames)
	}

	admin := v1.Group("", h.adminAuth())
	{
		admin.GET("/sessions", h.ListSessions)
		admin.GET("/games/:game_id/resolve", h.Resolve)

		admin.GET("/hosts", h.ListHosts)
		admin.POST("/hosts", h.RegisterHost)
		admin.GET("/hosts/:id", h.GetHost)
		admin.DELETE("/hosts/:id", h.DecommissionHost)
		admin.POST("/hosts/:id/health", h.CheckHealth)
		admin.POST("/hosts/:id/sync", h.SyncCatalog)
		admin.GET("/hosts/:id/apps", h.ListApps)

		admin.POST("/hosts/:id/pairing", h.InitiatePairing)
		admin.GET("/hosts/:id/pairing", h.GetChallenge)
		admin.POST("/hosts/:id/pairing/complete", h.CompletePairing)
		admin.DELETE("/hosts/:id/pairing", h.CancelPairing)
	}
}

func (h *Handler) adminAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if h.cfg.AdminToken == "" {
			web.AbortWithError(c, http.StatusForbidden, string(model.ReasonUnauthorized), "admin api disabled")
			return
		}
		if subtle.ConstantTimeCompare([]byte(c.GetHeader(HeaderAdminToken)), []byte(h.cfg.AdminToken)) != 1 {
			web.AbortWithError(c, http.StatusUnauthorized, string(model.ReasonUnauthorized), "invalid admin token")
			return
		}
		c.Next()
	}
}

// fail 按错误类别写出响应
func (h *Handler) fail(c *gin.Context, err error) {
	status := apperr.HTTPStatus(apperr.KindOf(err))
	reason := apperr.ReasonOf(err, model.ReasonInternal)
	if status >= http.StatusInternalServerError && status != http.StatusServiceUnavailable {
		h.logger.Error("request failed", "path", c.FullPath(), "reason", reason, "error", err)
	} else {
		h.logger.Debug("request rejected", "path", c.FullPath(), "reason", reason, "error", err)
	}
	web.Error(c, status, string(reason), err.Error())
}

// StartSessionRequest 开始会话
type StartSessionRequest struct {
	GameID string `json:"game_id" binding:"required"`
}

// StartSession POST /v1/sessions
func (h *Handler) StartSession(c *gin.Context) {
	var req StartSessionRequest
	if !web.BindAndValidate(c, &req) {
		return
	}

	s, existing, err := h.sessions.Start(c.Request.Context(), middleware.UserID(c), req.GameID)
	if err != nil {
		if s.ID != "" {
			// 已创建但立即失败的会话一并返回，客户端总能拿到终态与原因
			status := apperr.HTTPStatus(apperr.KindOf(err))
			c.JSON(status, web.Response{
				Code:    web.CodeForStatus(status),
				Message: err.Error(),
				Reason:  string(apperr.ReasonOf(err, model.ReasonInternal)),
				Data:    s,
			})
			return
		}
		h.fail(c, err)
		return
	}
	if existing {
		c.JSON(http.StatusOK, web.Response{Code: web.CodeOK, Message: "ok", Reason: string(model.ReasonAlreadyActive), Data: s})
		return
	}
	web.Accepted(c, s)
}

// SessionStatus GET /v1/sessions/:id
func (h *Handler) SessionStatus(c *gin.Context) {
	st, err := h.sessions.Status(c.Request.Context(), c.Param("id"))
	if err == nil && !h.owns(c, st.UserID) {
		err = apperr.NotFound(model.ReasonSessionNotFound, "session %s not found", c.Param("id"))
	}
	if err != nil {
		h.fail(c, err)
		return
	}
	web.Success(c, st)
}

// StopSession DELETE /v1/sessions/:id
func (h *Handler) StopSession(c *gin.Context) {
	id := c.Param("id")
	st, err := h.sessions.Status(c.Request.Context(), id)
	if err == nil && !h.owns(c, st.UserID) {
		err = apperr.NotFound(model.ReasonSessionNotFound, "session %s not found", id)
	}
	if err != nil {
		h.fail(c, err)
		return
	}
	s, err := h.sessions.Stop(c.Request.Context(), id)
	if err != nil {
		h.fail(c, err)
		return
	}
	web.Success(c, s)
}

// owns 认证关闭时不校验归属
func (h *Handler) owns(c *gin.Context, userID string) bool {
	uid := middleware.UserID(c)
	return h.cfg.Auth == nil || uid == userID
}

// ListSessions GET /v1/sessions
func (h *Handler) ListSessions(c *gin.Context) {
	web.Success(c, h.sessions.List())
}

// ReportTransport POST /v1/sessions/:id/transport
func (h *Handler) ReportTransport(c *gin.Context) {
	var ev orchestrator.TransportEvent
	if !web.BindAndValidate(c, &ev) {
		return
	}
	if err := h.sessions.ReportTransport(c.Request.Context(), c.Param("id"), c.GetHeader(HeaderCallbackToken), ev); err != nil {
		h.fail(c, err)
		return
	}
	web.Success(c, nil)
}

// Game 游戏条目
type Game struct {
	GameID string `json:"game_id"`
	Title  string `json:"title"`
}

// ListGames GET /v1/games
func (h *Handler) ListGames(c *gin.Context) {
	games := make([]Game, 0, len(h.cfg.Games))
	for id, title := range h.cfg.Games {
		games = append(games, Game{GameID: id, Title: title})
	}
	sort.Slice(games, func(i, j int) bool { return games[i].GameID < games[j].GameID })
	web.Success(c, games)
}

// Resolve GET /v1/games/:game_id/resolve 只读解析，不绑定主机
func (h *Handler) Resolve(c *gin.Context) {
	cand, err := h.hosts.Resolve(c.Request.Context(), c.Param("game_id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	web.Success(c, cand)
}
