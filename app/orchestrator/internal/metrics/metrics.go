// Package metrics 编排服务的业务指标。
package metrics

import (
	"time"

	xprom "github.com/lk2023060901/xplay/pkg/prometheus"
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics 会话、配对与目录同步指标
type Metrics struct {
	started     *prometheus.CounterVec
	transitions *prometheus.CounterVec
	failures    *prometheus.CounterVec
	sessions    *prometheus.GaugeVec
	pairing     *prometheus.CounterVec
	syncs       *prometheus.CounterVec
	syncLatency *prometheus.HistogramVec
	hostStops   *prometheus.CounterVec
}

// New 在客户端注册器上创建全部指标
func New(c *xprom.Client) *Metrics {
	return &Metrics{
		started:     c.CounterVec("session", "started_total", "Sessions accepted by start."),
		transitions: c.CounterVec("session", "transitions_total", "Session state transitions.", "from", "to"),
		failures:    c.CounterVec("session", "failures_total", "Sessions that failed, by reason.", "reason"),
		sessions:    c.GaugeVec("session", "current", "Live sessions by state.", "state"),
		pairing:     c.CounterVec("pairing", "attempts_total", "Pairing completions by result.", "result"),
		syncs:       c.CounterVec("catalog", "syncs_total", "Catalog syncs by result.", "result"),
		syncLatency: c.HistogramVec("catalog", "sync_duration_seconds", "Catalog sync latency.", nil),
		hostStops:   c.CounterVec("host", "stops_total", "Host stop reconciliation by result.", "result"),
	}
}

// SessionStarted 新会话
func (m *Metrics) SessionStarted(state string) {
	m.started.WithLabelValues().Inc()
	m.sessions.WithLabelValues(state).Inc()
}

// Transition 状态迁移；终态会话不再计入 current
func (m *Metrics) Transition(from, to string, terminal bool) {
	m.transitions.WithLabelValues(from, to).Inc()
	m.sessions.WithLabelValues(from).Dec()
	if !terminal {
		m.sessions.WithLabelValues(to).Inc()
	}
}

// Failure 会话失败
func (m *Metrics) Failure(reason string) {
	m.failures.WithLabelValues(reason).Inc()
}

// PairingAttempt 对应 pairing.Observer
func (m *Metrics) PairingAttempt(_ string, result string) {
	m.pairing.WithLabelValues(result).Inc()
}

// CatalogSync 对应 registry.SyncObserver
func (m *Metrics) CatalogSync(_ string, took time.Duration, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.syncs.WithLabelValues(result).Inc()
	m.syncLatency.WithLabelValues().Observe(took.Seconds())
}

// HostStop 主机停止确认结果：acked, abandoned
func (m *Metrics) HostStop(result string) {
	m.hostStops.WithLabelValues(result).Inc()
}
