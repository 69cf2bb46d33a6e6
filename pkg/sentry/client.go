// Package sentry 把错误、panic 与运维告警上报到 Sentry。
package sentry

import (
	"context"
	"net/http"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/getsentry/sentry-go"
	"github.com/lk2023060901/xplay/pkg/config"
	"github.com/lk2023060901/xplay/pkg/notify"
)

// Client 持有独立 Hub 的 Sentry 客户端，不修改 SDK 的全局 Hub
type Client struct {
	hub    *sentry.Hub
	config *Config
	closed atomic.Bool

	captured atomic.Uint64
	dropped  atomic.Uint64
}

// Option 创建选项
type Option func(*sentry.ClientOptions)

// WithTransport 替换事件发送通道
func WithTransport(t sentry.Transport) Option {
	return func(o *sentry.ClientOptions) { o.Transport = t }
}

// New 创建客户端
func New(cfg *Config, opts ...Option) (*Client, error) {
	newCfg, err := config.MergeConfig(DefaultConfig(), cfg)
	if err != nil {
		return nil, err
	}
	if err := newCfg.Validate(); err != nil {
		return nil, err
	}

	co := newCfg.clientOptions()
	for _, opt := range opts {
		opt(&co)
	}
	sc, err := sentry.NewClient(co)
	if err != nil {
		return nil, errors.Wrap(err, "sentry: create client")
	}

	hub := sentry.NewHub(sc, sentry.NewScope())
	hub.ConfigureScope(func(scope *sentry.Scope) {
		scope.SetTags(newCfg.Tags)
	})
	return &Client{hub: hub, config: newCfg}, nil
}

func (c *Client) record(id *sentry.EventID) error {
	if id == nil || *id == "" {
		c.dropped.Add(1)
		return ErrEventDropped
	}
	c.captured.Add(1)
	return nil
}

// CaptureError 上报错误，tags 只作用于本次事件
func (c *Client) CaptureError(err error, tags map[string]string) error {
	if c.closed.Load() {
		return ErrClientClosed
	}
	var id *sentry.EventID
	c.hub.WithScope(func(scope *sentry.Scope) {
		scope.SetTags(tags)
		id = c.hub.CaptureException(err)
	})
	return c.record(id)
}

// CapturePanic 上报 HTTP 请求中恢复的 panic，可作为 web.WithPanicHook 的参数
func (c *Client) CapturePanic(r *http.Request, rec any) {
	if c.closed.Load() {
		return
	}
	var id *sentry.EventID
	c.hub.WithScope(func(scope *sentry.Scope) {
		scope.SetRequest(r)
		scope.SetLevel(sentry.LevelFatal)
		id = c.hub.RecoverWithContext(r.Context(), rec)
	})
	_ = c.record(id)
}

// Notify 实现 notify.Notifier，告警以消息事件上报
func (c *Client) Notify(_ context.Context, a *notify.Alert) error {
	if c.closed.Load() {
		return ErrClientClosed
	}
	var id *sentry.EventID
	c.hub.WithScope(func(scope *sentry.Scope) {
		scope.SetLevel(levelOf(a.Level))
		scope.SetTags(a.Labels)
		if a.Service != "" {
			scope.SetTag("service", a.Service)
		}
		if a.Fingerprint != "" {
			scope.SetFingerprint([]string{a.Fingerprint})
		}
		if a.Description != "" {
			scope.SetContext("alert", sentry.Context{"description": a.Description})
		}
		id = c.hub.CaptureMessage(a.Summary)
	})
	return c.record(id)
}

// Name 实现 notify.Notifier
func (c *Client) Name() string { return "sentry" }

func levelOf(l notify.AlertLevel) sentry.Level {
	switch l {
	case notify.AlertLevelCritical:
		return sentry.LevelError
	case notify.AlertLevelWarning:
		return sentry.LevelWarning
	default:
		return sentry.LevelInfo
	}
}

// Stats 已上报与被丢弃的事件数
func (c *Client) Stats() (captured, dropped uint64) {
	return c.captured.Load(), c.dropped.Load()
}

// Close 等待事件发送完毕，实现 app.Closer
func (c *Client) Close() error {
	if c.closed.Swap(true) {
		return ErrClientClosed
	}
	c.hub.Flush(c.config.ShutdownTimeout)
	return nil
}
