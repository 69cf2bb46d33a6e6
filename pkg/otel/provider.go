package otel

import (
	"context"
	"sync/atomic"

	"github.com/lk2023060901/xplay/pkg/config"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Provider 追踪提供者；未启用时所有 Tracer 都是 noop
type Provider struct {
	config   *Config
	provider *sdktrace.TracerProvider
	closed   atomic.Bool
}

// Option 创建选项
type Option func(*options)

type options struct {
	exporter sdktrace.SpanExporter
	global   bool
}

// WithExporter 使用给定导出器替代配置中的导出器
func WithExporter(exp sdktrace.SpanExporter) Option {
	return func(o *options) { o.exporter = exp }
}

// WithoutGlobal 不替换全局 TracerProvider 与传播器
func WithoutGlobal() Option {
	return func(o *options) { o.global = false }
}

// New 创建追踪提供者，默认同时注册为全局 provider
func New(cfg *Config, opts ...Option) (*Provider, error) {
	newCfg, err := config.MergeConfig(DefaultConfig(), cfg)
	if err != nil {
		return nil, err
	}
	if cfg == nil || !cfg.Enabled {
		newCfg.Enabled = false
	}
	if err := newCfg.Validate(); err != nil {
		return nil, err
	}

	o := &options{global: true}
	for _, opt := range opts {
		opt(o)
	}
	p := &Provider{config: newCfg}
	if !newCfg.Enabled {
		return p, nil
	}

	exp := o.exporter
	if exp == nil {
		exp, err = newExporter(context.Background(), newCfg)
		if err != nil {
			return nil, err
		}
		if exp == nil {
			return p, nil
		}
	}

	attrs := []attribute.KeyValue{semconv.ServiceName(newCfg.ServiceName)}
	for k, v := range newCfg.Attributes {
		attrs = append(attrs, attribute.String(k, v))
	}

	p.provider = sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp, sdktrace.WithBatchTimeout(newCfg.BatchTimeout)),
		sdktrace.WithResource(resource.NewWithAttributes(semconv.SchemaURL, attrs...)),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(newCfg.SampleRatio))),
	)
	if o.global {
		otel.SetTracerProvider(p.provider)
		otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
			propagation.TraceContext{},
			propagation.Baggage{},
		))
	}
	return p, nil
}

// Tracer 获取指定名称的 Tracer
func (p *Provider) Tracer(name string, opts ...trace.TracerOption) trace.Tracer {
	if p.provider == nil {
		return noop.NewTracerProvider().Tracer(name, opts...)
	}
	return p.provider.Tracer(name, opts...)
}

// Enabled 是否有真实导出
func (p *Provider) Enabled() bool {
	return p.provider != nil
}

// ForceFlush 导出所有已结束的 span
func (p *Provider) ForceFlush(ctx context.Context) error {
	if p.provider == nil {
		return nil
	}
	return p.provider.ForceFlush(ctx)
}

// Shutdown 刷新并关闭导出器
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.closed.Swap(true) {
		return ErrProviderClosed
	}
	if p.provider == nil {
		return nil
	}
	return p.provider.Shutdown(ctx)
}

// Close 实现 app.Closer
func (p *Provider) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), p.config.ShutdownTimeout)
	defer cancel()
	return p.Shutdown(ctx)
}
