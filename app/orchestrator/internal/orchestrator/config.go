package orchestrator

import (
	"time"

	"github.com/lk2023060901/xplay/app/orchestrator/internal/model"
)

// Config 会话编排配置
type Config struct {
	// 各网络步骤超时
	ResolveTimeout     time.Duration `mapstructure:"resolve_timeout" json:"resolve_timeout"`
	PairingTimeout     time.Duration `mapstructure:"pairing_timeout" json:"pairing_timeout"`
	LaunchTimeout      time.Duration `mapstructure:"launch_timeout" json:"launch_timeout"`
	NegotiationTimeout time.Duration `mapstructure:"negotiation_timeout" json:"negotiation_timeout"`

	// HeartbeatInterval 活跃会话主机探活周期
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval" json:"heartbeat_interval"`
	// HeartbeatMisses 连续判定离线达到该次数才结束会话
	HeartbeatMisses int `mapstructure:"heartbeat_misses" json:"heartbeat_misses"`
	// StaleThreshold 超过该时长未与主机确认即标记 stale
	StaleThreshold time.Duration `mapstructure:"stale_threshold" json:"stale_threshold"`
	// Retention 已结束会话在内存中保留的时长，之后转入归档
	Retention time.Duration `mapstructure:"retention" json:"retention"`
	// ArchiveRetention 归档保留时长
	ArchiveRetention time.Duration `mapstructure:"archive_retention" json:"archive_retention"`
	// SweepInterval 归档清理周期
	SweepInterval time.Duration `mapstructure:"sweep_interval" json:"sweep_interval"`
	// CatalogRefreshInterval 主机探活与目录刷新周期
	CatalogRefreshInterval time.Duration `mapstructure:"catalog_refresh_interval" json:"catalog_refresh_interval"`

	// StopAttempts 通知主机停止的最大尝试次数
	StopAttempts uint `mapstructure:"stop_attempts" json:"stop_attempts"`
	// StopAttemptTimeout 单次停止请求超时
	StopAttemptTimeout time.Duration `mapstructure:"stop_attempt_timeout" json:"stop_attempt_timeout"`
	// ShutdownTimeout 关闭时等待主机停止的上限
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" json:"shutdown_timeout"`

	// CallbackURL 主机回报传输事件的编排服务地址
	CallbackURL string `mapstructure:"callback_url" json:"callback_url"`
	// MaxSessions 同时存在的未结束会话上限，0 不限制
	MaxSessions int `mapstructure:"max_sessions" json:"max_sessions"`
	// Games 已知游戏 gameId -> 标题，为空时不校验
	Games map[string]string `mapstructure:"games" json:"games"`
	// AlertReasons 以这些原因失败的会话触发运维告警
	AlertReasons []string `mapstructure:"alert_reasons" json:"alert_reasons"`
}

// DefaultConfig 默认配置
func DefaultConfig() *Config {
	return &Config{
		ResolveTimeout:         10 * time.Second,
		PairingTimeout:         5 * time.Minute,
		LaunchTimeout:          20 * time.Second,
		NegotiationTimeout:     30 * time.Second,
		HeartbeatInterval:      10 * time.Second,
		HeartbeatMisses:        3,
		StaleThreshold:         30 * time.Second,
		Retention:              10 * time.Minute,
		ArchiveRetention:       24 * time.Hour,
		SweepInterval:          time.Minute,
		CatalogRefreshInterval: 5 * time.Minute,
		StopAttempts:           5,
		StopAttemptTimeout:     5 * time.Second,
		ShutdownTimeout:        10 * time.Second,
		CallbackURL:            "http://127.0.0.1:8080",
		AlertReasons: []string{
			string(model.ReasonHostDisconnected),
			string(model.ReasonHostUnreachable),
			string(model.ReasonLaunchFailed),
			string(model.ReasonInternal),
		},
	}
}
