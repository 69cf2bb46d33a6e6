package feishu

import (
	"context"
	"fmt"

	"github.com/lk2023060901/xplay/pkg/notify"
)

// Adapter 实现 notify.Notifier
type Adapter struct {
	client  *Client
	atUsers []string
}

// NewAdapter 创建飞书通知器
func NewAdapter(cfg *Config) (*Adapter, error) {
	client, err := NewClient(cfg)
	if err != nil {
		return nil, err
	}
	return &Adapter{client: client, atUsers: client.config.AtUsers}, nil
}

// Notify 实现 notify.Notifier
func (a *Adapter) Notify(ctx context.Context, alert *notify.Alert) error {
	return a.client.Send(ctx, a.convertToPost(alert))
}

// Name 实现 notify.Notifier
func (a *Adapter) Name() string {
	return "feishu"
}

// convertToPost 转换为飞书富文本
func (a *Adapter) convertToPost(alert *notify.Alert) *PostMessage {
	title := fmt.Sprintf("[%s] %s", levelText(alert.Level), alert.Service)
	msg := NewPostMessage(title)

	msg.AddLine(Text("摘要: " + alert.Summary))
	if alert.Description != "" {
		msg.AddLine(Text("详情: " + alert.Description))
	}
	for _, k := range alert.SortedLabelKeys() {
		msg.AddLine(Text(fmt.Sprintf("%s: %s", k, alert.Labels[k])))
	}
	if !alert.StartsAt.IsZero() {
		msg.AddLine(Text("时间: " + alert.StartsAt.Format("2006-01-02 15:04:05")))
	}

	if alert.Level == notify.AlertLevelCritical && len(a.atUsers) > 0 {
		elements := []MessageElement{Text("相关人员: ")}
		for _, id := range a.atUsers {
			elements = append(elements, At(id), Text(" "))
		}
		msg.AddLine(elements...)
	}
	return msg
}

func levelText(level notify.AlertLevel) string {
	switch level {
	case notify.AlertLevelCritical:
		return "严重"
	case notify.AlertLevelWarning:
		return "警告"
	case notify.AlertLevelInfo:
		return "信息"
	default:
		return "未知"
	}
}
