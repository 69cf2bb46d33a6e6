package model

import "time"

// SessionState 会话生命周期状态
type SessionState string

const (
	StateRequested  SessionState = "requested"
	StateResolving  SessionState = "resolving"
	StatePairing    SessionState = "pairing"
	StateLaunching  SessionState = "launching"
	StateActive     SessionState = "active"
	StateStopping   SessionState = "stopping"
	StateTerminated SessionState = "terminated"
	StateFailed     SessionState = "failed"
)

// 合法迁移表，Failed 只能进入 Terminated
var transitions = map[SessionState][]SessionState{
	StateRequested: {StateResolving, StateStopping, StateFailed},
	StateResolving: {StatePairing, StateLaunching, StateStopping, StateFailed},
	StatePairing:   {StateLaunching, StateStopping, StateFailed},
	StateLaunching: {StateActive, StateStopping, StateFailed},
	StateActive:    {StateStopping, StateFailed},
	StateStopping:  {StateTerminated},
	StateFailed:    {StateTerminated},
}

// CanTransition 判断迁移是否合法
func CanTransition(from, to SessionState) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Terminal 是否终态
func (s SessionState) Terminal() bool {
	return s == StateTerminated
}

// Cancellable 是否处于可被 stop 中断的进行中状态
func (s SessionState) Cancellable() bool {
	switch s {
	case StateRequested, StateResolving, StatePairing, StateLaunching:
		return true
	}
	return false
}

// Transition 一次状态迁移记录
type Transition struct {
	From   SessionState `json:"from"`
	To     SessionState `json:"to"`
	At     time.Time    `json:"at"`
	Reason Reason       `json:"reason,omitempty"`
}

// SessionError 会话失败原因
type SessionError struct {
	Reason  Reason `json:"reason"`
	Message string `json:"message"`
}

// Session 一次用户游玩实例
type Session struct {
	ID     string       `json:"id"`
	UserID string       `json:"user_id"`
	GameID string       `json:"game_id"`
	HostID string       `json:"host_id,omitempty"`
	AppID  string       `json:"app_id,omitempty"`
	State  SessionState `json:"state"`

	// SignalPath 客户端连接主机信令的地址，Launching 之后有效
	SignalPath string `json:"signal_path,omitempty"`

	CreatedAt     time.Time     `json:"created_at"`
	StartedAt     time.Time     `json:"started_at,omitzero"`
	EndedAt       time.Time     `json:"ended_at,omitzero"`
	LastContactAt time.Time     `json:"last_contact_at,omitzero"`
	LastError     *SessionError `json:"last_error,omitempty"`
	History       []Transition  `json:"history,omitempty"`
}

// Clone 深拷贝
func (s *Session) Clone() Session {
	c := *s
	if s.LastError != nil {
		e := *s.LastError
		c.LastError = &e
	}
	c.History = append([]Transition(nil), s.History...)
	return c
}

// IdempotencyKey 同一用户同一游戏的幂等键
func IdempotencyKey(userID, gameID string) string {
	return userID + "|" + gameID
}
