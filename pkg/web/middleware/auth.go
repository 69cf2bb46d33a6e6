package middleware

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/lk2023060901/xplay/pkg/logger"
	"github.com/lk2023060901/xplay/pkg/security"
)

const (
	// UserIDKey Context 中存储用户 ID 的 key
	UserIDKey = "user_id"
	// ClaimsKey Context 中存储 Claims 的 key
	ClaimsKey = "jwt_claims"
	// HeaderUserID 认证关闭时由网关透传的用户 ID 头
	HeaderUserID = "X-User-ID"
)

// AuthConfig 认证配置
type AuthConfig struct {
	// JWTManager 为 nil 时信任 X-User-ID 头（网关已完成认证）
	JWTManager *security.JWTManager
	// SkipPrefixes 跳过认证的路径前缀
	SkipPrefixes []string
	Logger       logger.Logger
}

// Auth 提取调用方用户 ID；缺失或无效时返回 401 UNAUTHORIZED
func Auth(cfg *AuthConfig) gin.HandlerFunc {
	l := cfg.Logger
	if l == nil {
		l = logger.NewNoop()
	}
	l = l.Named("web.auth")

	return func(c *gin.Context) {
		path := c.Request.URL.Path
		for _, prefix := range cfg.SkipPrefixes {
			if strings.HasPrefix(path, prefix) {
				c.Next()
				return
			}
		}

		if cfg.JWTManager == nil {
			uid := strings.TrimSpace(c.GetHeader(HeaderUserID))
			if uid == "" {
				abortUnauthorized(c, security.ErrTokenMissing)
				return
			}
			c.Set(UserIDKey, uid)
			c.Next()
			return
		}

		jc := cfg.JWTManager.GetConfig()
		claims, err := cfg.JWTManager.ValidateToken(c.GetHeader(jc.HeaderName))
		if err != nil {
			l.Debug("token rejected", "path", path, "error", err)
			abortUnauthorized(c, err)
			return
		}

		c.Set(ClaimsKey, claims)
		c.Set(UserIDKey, claims.UserID())
		c.Next()
	}
}

func abortUnauthorized(c *gin.Context, err error) {
	msg := "unauthorized"
	if err != nil && !errors.Is(err, security.ErrTokenInvalid) {
		msg = err.Error()
	}
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
		"code":    40002,
		"message": msg,
		"reason":  "UNAUTHORIZED",
		"data":    nil,
	})
}

// UserID 从 Context 获取用户 ID
func UserID(c *gin.Context) string {
	return c.GetString(UserIDKey)
}

// GetClaims 从 Context 获取 Claims
func GetClaims(c *gin.Context) (*security.Claims, bool) {
	v, ok := c.Get(ClaimsKey)
	if !ok {
		return nil, false
	}
	claims, ok := v.(*security.Claims)
	return claims, ok
}
