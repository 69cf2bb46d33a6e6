package config

import "errors"

var (
	// ErrNilConfig 配置为 nil
	ErrNilConfig = errors.New("config cannot be nil")

	// ErrValidationFailed 配置验证失败
	ErrValidationFailed = errors.New("config validation failed")

	// ErrBothNil 合并时两端都为 nil
	ErrBothNil = errors.New("both dst and src cannot be nil")
)
