package notify

import (
	"sort"
	"strings"
	"time"
)

// Alert 平台无关的告警
type Alert struct {
	Level   AlertLevel
	Service string
	// Summary 一句话摘要
	Summary     string
	Description string

	Labels map[string]string
	// Fingerprint 去重键，为空时由 Summary 与标签生成
	Fingerprint string

	StartsAt time.Time
}

// AlertLevel 告警级别
type AlertLevel string

const (
	AlertLevelCritical AlertLevel = "critical"
	AlertLevelWarning  AlertLevel = "warning"
	AlertLevelInfo     AlertLevel = "info"
)

// Key 去重键
func (a *Alert) Key() string {
	if a.Fingerprint != "" {
		return a.Fingerprint
	}
	var b strings.Builder
	b.WriteString(a.Service)
	b.WriteByte('|')
	b.WriteString(a.Summary)
	for _, k := range a.SortedLabelKeys() {
		b.WriteByte('|')
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(a.Labels[k])
	}
	return b.String()
}

// SortedLabelKeys 按字典序排列的标签名
func (a *Alert) SortedLabelKeys() []string {
	keys := make([]string, 0, len(a.Labels))
	for k := range a.Labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
