package prometheus

import (
	"net/http"

	"github.com/lk2023060901/xplay/pkg/config"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry Prometheus 注册器
type Registry = prometheus.Registry

// Client 独立注册器，组件指标统一挂在同一命名空间下
type Client struct {
	config   *Config
	registry *prometheus.Registry
}

// New 创建 Prometheus 客户端
func New(cfg *Config) (*Client, error) {
	newCfg, err := config.MergeConfig(DefaultConfig(), cfg)
	if err != nil {
		return nil, err
	}
	if err := newCfg.Validate(); err != nil {
		return nil, err
	}

	c := &Client{config: newCfg, registry: prometheus.NewRegistry()}
	if newCfg.EnableGoCollector {
		c.registry.MustRegister(collectors.NewGoCollector())
	}
	if newCfg.EnableProcessCollector {
		c.registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	}
	return c, nil
}

// Registry 获取底层 Registry
func (c *Client) Registry() *prometheus.Registry {
	return c.registry
}

// Handler 返回 HTTP Handler
func (c *Client) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

// Namespace 返回命名空间
func (c *Client) Namespace() string {
	return c.config.Namespace
}

// CounterVec 创建并注册 Counter
func (c *Client) CounterVec(subsystem, name, help string, labels ...string) *prometheus.CounterVec {
	v := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: c.config.Namespace,
		Subsystem: c.subsystem(subsystem),
		Name:      name,
		Help:      help,
	}, labels)
	c.registry.MustRegister(v)
	return v
}

// GaugeVec 创建并注册 Gauge
func (c *Client) GaugeVec(subsystem, name, help string, labels ...string) *prometheus.GaugeVec {
	v := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: c.config.Namespace,
		Subsystem: c.subsystem(subsystem),
		Name:      name,
		Help:      help,
	}, labels)
	c.registry.MustRegister(v)
	return v
}

// HistogramVec 创建并注册 Histogram，buckets 为空时使用默认分桶
func (c *Client) HistogramVec(subsystem, name, help string, buckets []float64, labels ...string) *prometheus.HistogramVec {
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}
	v := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: c.config.Namespace,
		Subsystem: c.subsystem(subsystem),
		Name:      name,
		Help:      help,
		Buckets:   buckets,
	}, labels)
	c.registry.MustRegister(v)
	return v
}

func (c *Client) subsystem(s string) string {
	if s != "" {
		return s
	}
	return c.config.Subsystem
}
