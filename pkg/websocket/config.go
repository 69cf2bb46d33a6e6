package websocket

import "time"

// Config 连接配置
type Config struct {
	ReadBufferSize   int           `mapstructure:"read_buffer_size"`
	WriteBufferSize  int           `mapstructure:"write_buffer_size"`
	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout"`
	// ReadTimeout 读超时，收到 pong 时顺延
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	PingInterval time.Duration `mapstructure:"ping_interval"`
	// SendQueueSize 发送队列长度，满时 SendJSON 返回 ErrSendQueueFull
	SendQueueSize  int   `mapstructure:"send_queue_size"`
	MaxMessageSize int64 `mapstructure:"max_message_size"`
	// AllowedOrigins 为空时允许所有来源
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// DefaultConfig 默认配置
func DefaultConfig() *Config {
	return &Config{
		ReadBufferSize:   4096,
		WriteBufferSize:  4096,
		HandshakeTimeout: 10 * time.Second,
		ReadTimeout:      60 * time.Second,
		WriteTimeout:     10 * time.Second,
		PingInterval:     25 * time.Second,
		SendQueueSize:    64,
		MaxMessageSize:   64 << 10,
	}
}
