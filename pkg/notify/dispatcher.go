package notify

import (
	"context"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"github.com/lk2023060901/xplay/pkg/config"
	"github.com/lk2023060901/xplay/pkg/logger"
)

// DispatcherConfig 分发器配置
type DispatcherConfig struct {
	// Service 告警未填写服务名时使用
	Service string `mapstructure:"service" json:"service"`
	// QueueSize 待发送告警缓冲
	QueueSize int `mapstructure:"queue_size" json:"queue_size"`
	// Timeout 单次发送超时
	Timeout time.Duration `mapstructure:"timeout" json:"timeout"`
	// DedupWindow 相同告警的抑制窗口，负数表示不去重
	DedupWindow time.Duration `mapstructure:"dedup_window" json:"dedup_window"`
}

// DefaultDispatcherConfig 默认配置
func DefaultDispatcherConfig() *DispatcherConfig {
	return &DispatcherConfig{
		QueueSize:   64,
		Timeout:     5 * time.Second,
		DedupWindow: 5 * time.Minute,
	}
}

// Dispatcher 异步分发告警，Notify 从不阻塞调用方
type Dispatcher struct {
	target Notifier
	cfg    *DispatcherConfig
	logger logger.Logger
	seen   *ttlcache.Cache[string, struct{}]

	mu     sync.Mutex
	queue  chan *Alert
	closed bool
	done   chan struct{}
}

// NewDispatcher 创建分发器并启动发送协程
func NewDispatcher(target Notifier, cfg *DispatcherConfig, l logger.Logger) (*Dispatcher, error) {
	if target == nil {
		return nil, ErrNoNotifiers
	}
	newCfg, err := config.MergeConfig(DefaultDispatcherConfig(), cfg)
	if err != nil {
		return nil, err
	}
	if l == nil {
		l = logger.NewNoop()
	}

	d := &Dispatcher{
		target: target,
		cfg:    newCfg,
		logger: l.Named("notify"),
		queue:  make(chan *Alert, newCfg.QueueSize),
		done:   make(chan struct{}),
	}
	if newCfg.DedupWindow > 0 {
		d.seen = ttlcache.New[string, struct{}](
			ttlcache.WithTTL[string, struct{}](newCfg.DedupWindow),
			ttlcache.WithDisableTouchOnHit[string, struct{}](),
		)
		go d.seen.Start()
	}
	go d.run()
	return d, nil
}

// Notify 入队；窗口内重复的告警被抑制
func (d *Dispatcher) Notify(_ context.Context, alert *Alert) error {
	if alert.Service == "" {
		alert.Service = d.cfg.Service
	}
	if alert.StartsAt.IsZero() {
		alert.StartsAt = time.Now()
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrClosed
	}
	if d.seen != nil {
		key := alert.Key()
		if d.seen.Get(key) != nil {
			d.logger.Debug("alert suppressed", "summary", alert.Summary)
			return nil
		}
		d.seen.Set(key, struct{}{}, ttlcache.DefaultTTL)
	}

	select {
	case d.queue <- alert:
		return nil
	default:
		d.logger.Warn("alert dropped, queue full", "summary", alert.Summary)
		return ErrQueueFull
	}
}

// Name 实现 Notifier
func (d *Dispatcher) Name() string { return d.target.Name() }

func (d *Dispatcher) run() {
	defer close(d.done)
	for alert := range d.queue {
		ctx, cancel := context.WithTimeout(context.Background(), d.cfg.Timeout)
		err := d.target.Notify(ctx, alert)
		cancel()
		if err != nil {
			d.logger.Error("send alert failed", "notifier", d.target.Name(), "summary", alert.Summary, "error", err)
		}
	}
}

// Close 发送完队列中剩余的告警后返回
func (d *Dispatcher) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	close(d.queue)
	d.mu.Unlock()

	<-d.done
	if d.seen != nil {
		d.seen.Stop()
	}
	return nil
}
