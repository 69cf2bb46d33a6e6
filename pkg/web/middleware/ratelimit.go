package middleware

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jellydator/ttlcache/v3"
	"github.com/lk2023060901/xplay/pkg/logger"
	"golang.org/x/time/rate"
)

// RateLimitConfig 限流配置
type RateLimitConfig struct {
	// RequestsPerSecond 每个客户端每秒请求数
	RequestsPerSecond float64
	// Burst 突发容量
	Burst int
	// MaxClients 同时跟踪的客户端上限，超出时淘汰最久未访问者
	MaxClients uint64
	// ClientTTL 客户端限流器空闲过期时间
	ClientTTL time.Duration
	// SkipPaths 跳过的路径
	SkipPaths []string
	// KeyFunc 自定义限流键，默认按用户 ID，其次按 IP
	KeyFunc func(*gin.Context) string
}

// RateLimiter 按客户端的令牌桶限流器
type RateLimiter struct {
	cfg      *RateLimitConfig
	limiters *ttlcache.Cache[string, *rate.Limiter]
	logger   logger.Logger
}

// NewRateLimiter 创建限流器并启动过期清理
func NewRateLimiter(l logger.Logger, cfg *RateLimitConfig) *RateLimiter {
	opts := []ttlcache.Option[string, *rate.Limiter]{
		ttlcache.WithTTL[string, *rate.Limiter](cfg.ClientTTL),
	}
	if cfg.MaxClients > 0 {
		opts = append(opts, ttlcache.WithCapacity[string, *rate.Limiter](cfg.MaxClients))
	}

	rl := &RateLimiter{
		cfg:      cfg,
		limiters: ttlcache.New[string, *rate.Limiter](opts...),
		logger:   l.Named("web.ratelimit"),
	}
	go rl.limiters.Start()
	return rl
}

// Allow 检查 key 是否允许通过
func (rl *RateLimiter) Allow(key string) bool {
	item, _ := rl.limiters.GetOrSet(key, rate.NewLimiter(rate.Limit(rl.cfg.RequestsPerSecond), rl.cfg.Burst))
	return item.Value().Allow()
}

// Close 停止过期清理
func (rl *RateLimiter) Close() {
	rl.limiters.Stop()
}

// RateLimit 限流中间件
func RateLimit(rl *RateLimiter) gin.HandlerFunc {
	skip := make(map[string]struct{}, len(rl.cfg.SkipPaths))
	for _, p := range rl.cfg.SkipPaths {
		skip[p] = struct{}{}
	}
	keyFunc := rl.cfg.KeyFunc
	if keyFunc == nil {
		keyFunc = defaultKey
	}

	return func(c *gin.Context) {
		if _, ok := skip[c.Request.URL.Path]; ok {
			c.Next()
			return
		}

		key := keyFunc(c)
		if !rl.Allow(key) {
			rl.logger.Warn("rate limit exceeded", "key", key, "path", c.Request.URL.Path)
			c.Header("Retry-After", strconv.Itoa(1))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"code":    40029,
				"message": "too many requests",
				"data":    nil,
			})
			return
		}
		c.Next()
	}
}

func defaultKey(c *gin.Context) string {
	if uid := UserID(c); uid != "" {
		return "user:" + uid
	}
	return "ip:" + c.ClientIP()
}
