// Package reporter 把会话的传输事件回报给编排服务。
package reporter

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/lk2023060901/xplay/pkg/config"
	"github.com/lk2023060901/xplay/pkg/logger"
	"github.com/lk2023060901/xplay/pkg/otel"
)

// HeaderCallbackToken 回调令牌头，与编排服务约定
const HeaderCallbackToken = "X-Callback-Token"

// 事件类型
const (
	EventConnected    = "connected"
	EventReconnecting = "reconnecting"
	EventDisconnected = "disconnected"
	EventFailed       = "failed"
)

// Config 回报配置
type Config struct {
	// Timeout 单次请求超时
	Timeout time.Duration `mapstructure:"timeout" json:"timeout"`
	// MaxAttempts 单个事件的最大尝试次数
	MaxAttempts  uint          `mapstructure:"max_attempts" json:"max_attempts"`
	RetryInitial time.Duration `mapstructure:"retry_initial" json:"retry_initial"`
	RetryMax     time.Duration `mapstructure:"retry_max" json:"retry_max"`
	// QueueSize 每个会话待发送事件的缓冲
	QueueSize int `mapstructure:"queue_size" json:"queue_size"`
}

// DefaultConfig 默认配置
func DefaultConfig() *Config {
	return &Config{
		Timeout:      5 * time.Second,
		MaxAttempts:  5,
		RetryInitial: 200 * time.Millisecond,
		RetryMax:     2 * time.Second,
		QueueSize:    16,
	}
}

// Event 传输事件
type Event struct {
	Type    string `json:"type"`
	Reason  string `json:"reason,omitempty"`
	Message string `json:"message,omitempty"`
}

// Target 事件接收方
type Target struct {
	// BaseURL 编排服务地址
	BaseURL   string
	SessionID string
	Token     string
}

func (t Target) url() string {
	return strings.TrimRight(t.BaseURL, "/") + "/v1/sessions/" + t.SessionID + "/transport"
}

// Reporter 回报客户端，并发安全
type Reporter struct {
	cfg    *Config
	http   *http.Client
	logger logger.Logger
}

// New 创建回报客户端；client 为 nil 时使用默认 http.Client
func New(cfg *Config, client *http.Client, l logger.Logger) (*Reporter, error) {
	newCfg, err := config.MergeConfig(DefaultConfig(), cfg)
	if err != nil {
		return nil, err
	}
	if client == nil {
		client = &http.Client{}
	}
	return &Reporter{cfg: newCfg, http: client, logger: l.Named("reporter")}, nil
}

// permanentError 4xx（429 除外）不再重试
type permanentError struct {
	status int
	body   string
}

func (e *permanentError) Error() string {
	return fmt.Sprintf("reporter: rejected with status %d: %s", e.status, e.body)
}

// Report 发送单个事件，失败时退避重试
func (r *Reporter) Report(ctx context.Context, t Target, ev Event) error {
	if t.BaseURL == "" {
		return nil
	}
	body, err := json.Marshal(ev)
	if err != nil {
		return err
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.cfg.RetryInitial
	b.MaxInterval = r.cfg.RetryMax

	_, err = backoff.Retry(ctx, func() (struct{}, error) {
		err := r.post(ctx, t, body)
		var pe *permanentError
		if errors.As(err, &pe) {
			return struct{}{}, backoff.Permanent(err)
		}
		if err != nil {
			r.logger.Debug("report attempt failed", "session_id", t.SessionID, "type", ev.Type, "error", err)
		}
		return struct{}{}, err
	}, backoff.WithBackOff(b), backoff.WithMaxTries(r.cfg.MaxAttempts))
	return err
}

func (r *Reporter) post(ctx context.Context, t Target, body []byte) error {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url(), bytes.NewReader(body))
	if err != nil {
		return &permanentError{body: err.Error()}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderCallbackToken, t.Token)
	otel.Inject(ctx, req.Header)

	resp, err := r.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return fmt.Errorf("reporter: status %d", resp.StatusCode)
	default:
		return &permanentError{status: resp.StatusCode, body: string(msg)}
	}
}

// Stream 单个会话的有序事件队列
type Stream struct {
	r      *Reporter
	target Target
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu     sync.Mutex
	closed bool
	events chan Event
}

// Open 打开会话事件队列，事件按提交顺序依次发送
func (r *Reporter) Open(t Target) *Stream {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Stream{
		r:      r,
		target: t,
		ctx:    ctx,
		cancel: cancel,
		events: make(chan Event, r.cfg.QueueSize),
		done:   make(chan struct{}),
	}
	go s.loop()
	return s
}

// Send 提交事件；队列满时丢弃并记录
func (s *Stream) Send(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.events <- ev:
	default:
		s.r.logger.Warn("report queue full, event dropped", "session_id", s.target.SessionID, "type", ev.Type)
	}
}

// Close 发送完已提交的事件后退出，最多等待 timeout
func (s *Stream) Close(timeout time.Duration) {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.events)
	}
	s.mu.Unlock()

	select {
	case <-s.done:
	case <-time.After(timeout):
		s.cancel()
		<-s.done
	}
	s.cancel()
}

func (s *Stream) loop() {
	defer close(s.done)
	for ev := range s.events {
		if err := s.r.Report(s.ctx, s.target, ev); err != nil {
			s.r.logger.Warn("transport event not delivered",
				"session_id", s.target.SessionID,
				"type", ev.Type,
				"error", err,
			)
		}
	}
}
