package notify

import "errors"

var (
	// ErrNoNotifiers 没有可用的通知器
	ErrNoNotifiers = errors.New("notify: no notifiers configured")

	// ErrInvalidConfig 配置无效
	ErrInvalidConfig = errors.New("notify: invalid notifier config")

	// ErrQueueFull 分发队列已满，告警被丢弃
	ErrQueueFull = errors.New("notify: queue full")

	// ErrClosed 分发器已关闭
	ErrClosed = errors.New("notify: dispatcher closed")
)
