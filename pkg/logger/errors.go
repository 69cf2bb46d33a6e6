package logger

import "errors"

var (
	// ErrInvalidOutputPath 开启文件输出但未给出路径
	ErrInvalidOutputPath = errors.New("logger: enable_file requires output_path")
	// ErrNoOutputEnabled 控制台与文件输出均关闭
	ErrNoOutputEnabled = errors.New("logger: neither console nor file output is enabled")
)
