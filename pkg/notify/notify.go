// Package notify 运维告警：统一告警结构、去重分发与各平台通知器。
package notify

import "context"

// Notifier 通知器接口
type Notifier interface {
	// Notify 发送一条告警
	Notify(ctx context.Context, alert *Alert) error
	// Name 通知器名称（用于日志）
	Name() string
}

// Multi 依次发送到多个通知器，返回第一个错误
type Multi []Notifier

// Notify 实现 Notifier
func (m Multi) Notify(ctx context.Context, alert *Alert) error {
	if len(m) == 0 {
		return ErrNoNotifiers
	}
	var first error
	for _, n := range m {
		if err := n.Notify(ctx, alert); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Name 实现 Notifier
func (m Multi) Name() string { return "multi" }
