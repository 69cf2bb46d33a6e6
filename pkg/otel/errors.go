package otel

import "errors"

var (
	ErrInvalidServiceName  = errors.New("otel: service_name is required when tracing is enabled")
	ErrInvalidSampleRatio  = errors.New("otel: sample_ratio outside [0, 1]")
	ErrUnsupportedExporter = errors.New("otel: unknown exporter type")

	// ErrProviderClosed 重复关闭
	ErrProviderClosed = errors.New("otel: provider already shut down")
)
