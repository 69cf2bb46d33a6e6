package logger

import (
	"context"

	"go.uber.org/zap"
)

type ctxKey int

const (
	sessionIDKey ctxKey = iota
	hostIDKey
)

// WithSessionID 在 context 中携带会话 ID
func WithSessionID(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, sessionIDKey, sessionID)
}

// WithHostID 在 context 中携带主机 ID
func WithHostID(ctx context.Context, hostID string) context.Context {
	return context.WithValue(ctx, hostIDKey, hostID)
}

// SessionIDFrom 读取 context 中的会话 ID
func SessionIDFrom(ctx context.Context) string {
	v, _ := ctx.Value(sessionIDKey).(string)
	return v
}

func contextFields(ctx context.Context) []zap.Field {
	if ctx == nil {
		return nil
	}
	var fields []zap.Field
	if v, ok := ctx.Value(sessionIDKey).(string); ok && v != "" {
		fields = append(fields, zap.String("session_id", v))
	}
	if v, ok := ctx.Value(hostIDKey).(string); ok && v != "" {
		fields = append(fields, zap.String("host_id", v))
	}
	return fields
}
