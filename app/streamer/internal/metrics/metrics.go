// Package metrics 推流端指标。
package metrics

import (
	xprom "github.com/lk2023060901/xplay/pkg/prometheus"
	"github.com/lk2023060901/xplay/pkg/stream"
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics 会话、管道与配对指标
type Metrics struct {
	started    *prometheus.CounterVec
	ended      *prometheus.CounterVec
	active     *prometheus.GaugeVec
	framesOut  *prometheus.CounterVec
	dropped    *prometheus.CounterVec
	transport  *prometheus.CounterVec
	pairing    *prometheus.CounterVec
}

// New 在客户端注册器上创建全部指标
func New(c *xprom.Client) *Metrics {
	return &Metrics{
		started:   c.CounterVec("session", "started_total", "Sessions launched, by app.", "app"),
		ended:     c.CounterVec("session", "ended_total", "Sessions ended, by cause.", "cause"),
		active:    c.GaugeVec("session", "active", "Sessions currently running."),
		framesOut: c.CounterVec("pipeline", "frames_sent_total", "Frames handed to the transport."),
		dropped:   c.CounterVec("pipeline", "dropped_total", "Frames or units dropped, by kind.", "kind"),
		transport: c.CounterVec("transport", "events_total", "Transport events reported, by type.", "type"),
		pairing:   c.CounterVec("pairing", "attempts_total", "Pairing requests, by result.", "result"),
	}
}

// SessionStarted 实现 launcher.Metrics
func (m *Metrics) SessionStarted(appID string) {
	m.started.WithLabelValues(appID).Inc()
	m.active.WithLabelValues().Inc()
}

// SessionEnded 实现 launcher.Metrics，会话级统计在结束时一次性累加
func (m *Metrics) SessionEnded(cause string, stats stream.Stats) {
	m.ended.WithLabelValues(cause).Inc()
	m.active.WithLabelValues().Dec()
	m.framesOut.WithLabelValues().Add(float64(stats.FramesOut))
	m.dropped.WithLabelValues("frame").Add(float64(stats.FramesDropped))
	m.dropped.WithLabelValues("unit").Add(float64(stats.UnitsDropped))
}

// TransportEvent 实现 launcher.Metrics
func (m *Metrics) TransportEvent(eventType string) {
	m.transport.WithLabelValues(eventType).Inc()
}

// PairingAttempt 配对结果：paired | rejected | not_armed
func (m *Metrics) PairingAttempt(result string) {
	m.pairing.WithLabelValues(result).Inc()
}
