// Package apperr 错误分类：稳定的 Kind 决定重试与 HTTP 映射，Reason 写入会话 last_error。
package apperr

import (
	"context"
	"fmt"
	"net/http"

	"github.com/cockroachdb/errors"
	"github.com/lk2023060901/xplay/app/orchestrator/internal/model"
)

// Kind 错误类别
type Kind int

const (
	KindInternal Kind = iota
	KindValidation
	KindUnauthorized
	KindNotFound
	KindConflict
	KindResourceUnavailable
	KindTrust
	KindNetwork
	KindTransportNegotiation
	KindTimeout
)

var kindNames = map[Kind]string{
	KindInternal:             "internal",
	KindValidation:           "validation",
	KindUnauthorized:         "unauthorized",
	KindNotFound:             "not_found",
	KindConflict:             "conflict",
	KindResourceUnavailable:  "resource_unavailable",
	KindTrust:                "trust",
	KindNetwork:              "network",
	KindTransportNegotiation: "transport_negotiation",
	KindTimeout:              "timeout",
}

func (k Kind) String() string {
	if n, ok := kindNames[k]; ok {
		return n
	}
	return "internal"
}

// Error 带类别与原因码的错误
type Error struct {
	Kind    Kind
	Reason  model.Reason
	Message string
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Reason, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Reason, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// New 创建分类错误
func New(kind Kind, reason model.Reason, format string, args ...any) error {
	return errors.WithStackDepth(&Error{Kind: kind, Reason: reason, Message: fmt.Sprintf(format, args...)}, 1)
}

// Wrap 包装底层错误；err 为 nil 时返回 nil
func Wrap(err error, kind Kind, reason model.Reason, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return errors.WithStackDepth(&Error{Kind: kind, Reason: reason, Message: fmt.Sprintf(format, args...), cause: err}, 1)
}

// 常用构造
func Validation(reason model.Reason, format string, args ...any) error {
	return New(KindValidation, reason, format, args...)
}

func NotFound(reason model.Reason, format string, args ...any) error {
	return New(KindNotFound, reason, format, args...)
}

func Unavailable(reason model.Reason, format string, args ...any) error {
	return New(KindResourceUnavailable, reason, format, args...)
}

func Trust(reason model.Reason, format string, args ...any) error {
	return New(KindTrust, reason, format, args...)
}

// As 取出最外层的分类错误
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// KindOf 错误类别；未分类的超时归为 KindTimeout
func KindOf(err error) Kind {
	if err == nil {
		return KindInternal
	}
	if e, ok := As(err); ok {
		return e.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	return KindInternal
}

// ReasonOf 原因码，未分类时返回 fallback
func ReasonOf(err error, fallback model.Reason) model.Reason {
	if e, ok := As(err); ok && e.Reason != "" {
		return e.Reason
	}
	return fallback
}

// IsRetryable 调用方可退避后重试
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case KindResourceUnavailable, KindNetwork, KindTimeout:
		return true
	}
	return false
}

// HTTPStatus 类别对应的 HTTP 状态码
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindValidation:
		return http.StatusBadRequest
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindTrust:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindResourceUnavailable:
		return http.StatusServiceUnavailable
	case KindNetwork, KindTransportNegotiation:
		return http.StatusBadGateway
	case KindTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
