package otel

import "time"

// Config 追踪配置
type Config struct {
	// Enabled 是否启用追踪，关闭时使用 noop provider
	Enabled bool `json:"enabled" yaml:"enabled" mapstructure:"enabled"`

	ServiceName string `json:"service_name" yaml:"service_name" mapstructure:"service_name"`

	// Endpoint OTLP 端点，http 默认 localhost:4318，grpc 默认 localhost:4317
	Endpoint string `json:"endpoint" yaml:"endpoint" mapstructure:"endpoint"`

	// Exporter 导出器类型: "otlp-http", "otlp-grpc", "stdout", "noop"
	Exporter ExporterType `json:"exporter" yaml:"exporter" mapstructure:"exporter"`

	Insecure bool `json:"insecure" yaml:"insecure" mapstructure:"insecure"`

	// SampleRatio 根 span 的采样比率，子 span 跟随父 span
	SampleRatio float64 `json:"sample_ratio" yaml:"sample_ratio" mapstructure:"sample_ratio"`

	BatchTimeout    time.Duration `json:"batch_timeout" yaml:"batch_timeout" mapstructure:"batch_timeout"`
	ShutdownTimeout time.Duration `json:"shutdown_timeout" yaml:"shutdown_timeout" mapstructure:"shutdown_timeout"`

	// Attributes 附加到 resource 上的属性
	Attributes map[string]string `json:"attributes" yaml:"attributes" mapstructure:"attributes"`
}

// ExporterType 导出器类型
type ExporterType string

const (
	ExporterOTLPHTTP ExporterType = "otlp-http"
	ExporterOTLPGRPC ExporterType = "otlp-grpc"
	ExporterStdout   ExporterType = "stdout"
	ExporterNoop     ExporterType = "noop"
)

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		ServiceName:     "xplay",
		Endpoint:        "localhost:4318",
		Exporter:        ExporterOTLPHTTP,
		Insecure:        true,
		SampleRatio:     1.0,
		BatchTimeout:    5 * time.Second,
		ShutdownTimeout: 5 * time.Second,
	}
}

// Validate 验证配置
func (c *Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.ServiceName == "" {
		return ErrInvalidServiceName
	}
	if c.SampleRatio < 0 || c.SampleRatio > 1 {
		return ErrInvalidSampleRatio
	}
	switch c.Exporter {
	case ExporterOTLPHTTP, ExporterOTLPGRPC, ExporterStdout, ExporterNoop:
	default:
		return ErrUnsupportedExporter
	}
	return nil
}
