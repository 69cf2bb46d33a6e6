package web

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/lk2023060901/xplay/pkg/security"
)

// Config Web 服务配置
type Config struct {
	Addr         string        `mapstructure:"addr"`
	Mode         string        `mapstructure:"mode"` // debug, release, test
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	StopTimeout  time.Duration `mapstructure:"stop_timeout"`

	EnableTLS bool                `mapstructure:"enable_tls"`
	TLS       *security.TLSConfig `mapstructure:"tls"`

	CORS      CORSConfig      `mapstructure:"cors"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`

	// 暴露 /metrics
	EnableMetrics bool `mapstructure:"enable_metrics"`

	// 每个请求一个 server span，使用全局 TracerProvider
	EnableTracing bool   `mapstructure:"enable_tracing"`
	ServiceName   string `mapstructure:"service_name"`
}

// CORSConfig 跨域配置
type CORSConfig struct {
	Enabled      bool     `mapstructure:"enabled"`
	AllowOrigins []string `mapstructure:"allow_origins"`
}

// RateLimitConfig 按客户端限流配置
type RateLimitConfig struct {
	Enabled           bool          `mapstructure:"enabled"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second"`
	Burst             int           `mapstructure:"burst"`
	MaxClients        uint64        `mapstructure:"max_clients"`
	ClientTTL         time.Duration `mapstructure:"client_ttl"`
	SkipPaths         []string      `mapstructure:"skip_paths"`
}

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		Addr:          ":8080",
		Mode:          gin.ReleaseMode,
		ReadTimeout:   15 * time.Second,
		WriteTimeout:  15 * time.Second,
		StopTimeout:   5 * time.Second,
		EnableMetrics: true,
		RateLimit: RateLimitConfig{
			RequestsPerSecond: 20,
			Burst:             40,
			MaxClients:        10000,
			ClientTTL:         10 * time.Minute,
		},
	}
}
