package otel

import (
	"context"
	"net/http"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// 重导出常用类型，使用方无需直接依赖 go.opentelemetry.io/otel
type (
	Span            = trace.Span
	Tracer          = trace.Tracer
	SpanStartOption = trace.SpanStartOption
	Attribute       = attribute.KeyValue
)

const (
	SpanKindInternal = trace.SpanKindInternal
	SpanKindServer   = trace.SpanKindServer
	SpanKindClient   = trace.SpanKindClient

	CodeError = codes.Error
	CodeOk    = codes.Ok
)

var (
	String = attribute.String
	Int    = attribute.Int
	Bool   = attribute.Bool

	WithSpanKind   = trace.WithSpanKind
	WithAttributes = trace.WithAttributes
)

// 会话相关的属性键
const (
	SessionIDKey = "session_id"
	HostIDKey    = "host_id"
	GameIDKey    = "game_id"
)

// GlobalTracer 从全局 provider 获取 Tracer，未初始化时为 noop
func GlobalTracer(name string) trace.Tracer {
	return otel.GetTracerProvider().Tracer(name)
}

// SetResult 记录错误并把 span 标记为失败，err 为 nil 时标记成功
func SetResult(span trace.Span, err error) {
	if err == nil {
		span.SetStatus(codes.Ok, "")
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// Extract 从 HTTP 头中取出上游 trace context
func Extract(ctx context.Context, h http.Header) context.Context {
	return otel.GetTextMapPropagator().Extract(ctx, propagation.HeaderCarrier(h))
}

// Inject 把当前 trace context 写入 HTTP 头
func Inject(ctx context.Context, h http.Header) {
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(h))
}
