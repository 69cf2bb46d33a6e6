package sentry

import "errors"

var (
	ErrMissingDSN        = errors.New("sentry: dsn is required")
	ErrInvalidSampleRate = errors.New("sentry: sample_rate outside [0, 1]")

	// ErrClientClosed Close 之后仍在上报
	ErrClientClosed = errors.New("sentry: client closed")

	// ErrEventDropped SDK 未接受事件（采样或 BeforeSend 丢弃）
	ErrEventDropped = errors.New("sentry: event dropped")
)
