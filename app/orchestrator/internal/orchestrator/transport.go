package orchestrator

import "github.com/lk2023060901/xplay/app/orchestrator/internal/model"

// EventType 主机回报的传输事件
type EventType string

const (
	EventConnected    EventType = "connected"
	EventReconnecting EventType = "reconnecting"
	EventDisconnected EventType = "disconnected"
	EventFailed       EventType = "failed"
)

// Valid 是否为已知事件
func (t EventType) Valid() bool {
	switch t {
	case EventConnected, EventReconnecting, EventDisconnected, EventFailed:
		return true
	}
	return false
}

// TransportEvent 传输事件；disconnected 表示宽限期已过仍未恢复
type TransportEvent struct {
	Type    EventType    `json:"type" binding:"required"`
	Reason  model.Reason `json:"reason,omitempty"`
	Message string       `json:"message,omitempty"`
}

func (ev TransportEvent) describe() string {
	msg := "transport " + string(ev.Type)
	if ev.Reason != "" {
		msg += " (" + string(ev.Reason) + ")"
	}
	if ev.Message != "" {
		msg += ": " + ev.Message
	}
	return msg
}
