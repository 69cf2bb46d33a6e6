// Package orchestrator 会话编排：把 start(userId, gameId) 推进到 Active，并负责停止与清理。
//
// 会话按 id 存放在 arena 中，每个会话一把锁，迁移在锁内做 compare-and-swap 校验。
// 持有会话锁时不做任何网络调用；主机停止在后台按退避重试。
package orchestrator

import (
	"context"
	"crypto/subtle"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lk2023060901/xplay/app/orchestrator/internal/apperr"
	"github.com/lk2023060901/xplay/app/orchestrator/internal/hostclient"
	"github.com/lk2023060901/xplay/app/orchestrator/internal/model"
	"github.com/lk2023060901/xplay/app/orchestrator/internal/resolver"
	"github.com/lk2023060901/xplay/app/orchestrator/internal/store"
	"github.com/lk2023060901/xplay/pkg/config"
	"github.com/lk2023060901/xplay/pkg/logger"
	"github.com/lk2023060901/xplay/pkg/notify"
	"github.com/lk2023060901/xplay/pkg/otel"
	"github.com/lk2023060901/xplay/pkg/web/validator"
)

// Resolver 计算资源解析
type Resolver interface {
	Reserve(ctx context.Context, gameID, sessionID string) (resolver.Candidate, error)
	Release(hostID, sessionID string) bool
	Host(hostID string) (model.Host, error)
	HealthCheck(ctx context.Context, hostID string) (model.Reachability, error)
	Refresh(ctx context.Context)
}

// Pairing 确保主机已配对
type Pairing interface {
	EnsurePaired(ctx context.Context, hostID string) error
}

// HostControl 主机上的应用启停
type HostControl interface {
	Launch(ctx context.Context, host model.Host, req hostclient.LaunchRequest) (hostclient.LaunchResponse, error)
	Stop(ctx context.Context, host model.Host, sessionID string) error
}

// Metrics 编排指标
type Metrics interface {
	SessionStarted(state string)
	Transition(from, to string, terminal bool)
	Failure(reason string)
	HostStop(result string)
}

type noopMetrics struct{}

func (noopMetrics) SessionStarted(string)           {}
func (noopMetrics) Transition(string, string, bool) {}
func (noopMetrics) Failure(string)                  {}
func (noopMetrics) HostStop(string)                 {}

// Option 选项
type Option func(*Orchestrator)

// WithMetrics 设置指标
func WithMetrics(m Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithNotifier 会话异常时发送运维告警，Notify 不应阻塞
func WithNotifier(n notify.Notifier) Option {
	return func(o *Orchestrator) { o.notifier = n }
}

// WithTracer 驱动步骤的 span 写入 t，默认使用全局 provider
func WithTracer(t otel.Tracer) Option {
	return func(o *Orchestrator) { o.tracer = t }
}

// WithClock 替换时钟
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// SessionStatus status 的返回值
type SessionStatus struct {
	model.Session
	StalenessMS int64 `json:"staleness_ms"`
	Stale       bool  `json:"stale"`
}

// entry arena 中的一个会话
type entry struct {
	mu     sync.Mutex
	s      model.Session
	token  string
	cancel context.CancelFunc
	logger logger.Logger

	// connected 传输首次连通时关闭
	connected   chan struct{}
	isConnected bool

	// missedBeats 连续离线的心跳次数
	missedBeats int
}

// teardown 会话结束后在锁外执行的清理
type teardown struct {
	sessionID string
	hostID    string
	stopHost  bool
}

// Orchestrator 会话编排器
type Orchestrator struct {
	cfg      *Config
	resolver Resolver
	pairing  Pairing
	hosts    HostControl
	store    store.Store
	metrics  Metrics
	notifier notify.Notifier
	tracer   otel.Tracer
	logger   logger.Logger
	now      func() time.Time

	alertReasons map[model.Reason]struct{}

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.RWMutex
	sessions map[string]*entry
	// 未结束会话的幂等索引 userId|gameId -> sessionId
	byKey  map[string]string
	closed bool

	drivers sync.WaitGroup
	stops   sync.WaitGroup
}

// New 创建编排器
func New(cfg *Config, res Resolver, pairing Pairing, hosts HostControl, st store.Store, l logger.Logger, opts ...Option) (*Orchestrator, error) {
	newCfg, err := config.MergeConfig(DefaultConfig(), cfg)
	if err != nil {
		return nil, err
	}
	if l == nil {
		l = logger.Default()
	}
	if st == nil {
		st = store.NewMemoryStore()
	}

	ctx, cancel := context.WithCancel(context.Background())
	o := &Orchestrator{
		cfg:      newCfg,
		resolver: res,
		pairing:  pairing,
		hosts:    hosts,
		store:    st,
		metrics:  noopMetrics{},
		tracer:   otel.GlobalTracer("orchestrator"),
		logger:   l.Named("orchestrator.session"),
		now:      time.Now,
		ctx:      ctx,
		cancel:   cancel,
		sessions: make(map[string]*entry),
		byKey:    make(map[string]string),
	}
	for _, opt := range opts {
		opt(o)
	}
	o.alertReasons = make(map[model.Reason]struct{}, len(newCfg.AlertReasons))
	for _, r := range newCfg.AlertReasons {
		o.alertReasons[model.Reason(r)] = struct{}{}
	}
	return o, nil
}

// Start 受理会话并异步推进；同一 (userId, gameId) 已有未结束会话时返回该会话，existing 为 true
func (o *Orchestrator) Start(ctx context.Context, userID, gameID string) (sess model.Session, existing bool, err error) {
	if userID == "" {
		return model.Session{}, false, apperr.New(apperr.KindUnauthorized, model.ReasonUnauthorized, "user identity required")
	}

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return model.Session{}, false, apperr.Unavailable(model.ReasonShutdown, "orchestrator is shutting down")
	}
	key := model.IdempotencyKey(userID, gameID)
	if id, ok := o.byKey[key]; ok {
		if e := o.sessions[id]; e != nil {
			e.mu.Lock()
			s := e.s.Clone()
			e.mu.Unlock()
			if !s.State.Terminal() {
				o.mu.Unlock()
				return s, true, nil
			}
		}
		delete(o.byKey, key)
	}

	valid := validator.IsIdent(gameID)
	if valid && len(o.cfg.Games) > 0 {
		if _, ok := o.cfg.Games[gameID]; !ok {
			o.mu.Unlock()
			return model.Session{}, false, apperr.NotFound(model.ReasonGameNotFound, "unknown game %s", gameID)
		}
	}
	if valid && o.cfg.MaxSessions > 0 && len(o.byKey) >= o.cfg.MaxSessions {
		o.mu.Unlock()
		return model.Session{}, false, apperr.Unavailable(model.ReasonNoAvailableHost, "session limit %d reached", o.cfg.MaxSessions)
	}

	now := o.now()
	id := uuid.NewString()
	e := &entry{
		s: model.Session{
			ID:        id,
			UserID:    userID,
			GameID:    gameID,
			State:     model.StateRequested,
			CreatedAt: now,
		},
		token:     uuid.NewString(),
		connected: make(chan struct{}),
		logger:    o.logger.WithFields("session_id", id, "user_id", userID, "game_id", gameID),
	}
	o.sessions[id] = e
	o.metrics.SessionStarted(string(model.StateRequested))

	e.mu.Lock()
	if !valid {
		o.mu.Unlock()
		o.failLocked(e, model.ReasonInvalidRequest, "malformed game id")
		s := e.s.Clone()
		e.mu.Unlock()
		return s, false, apperr.Validation(model.ReasonInvalidRequest, "malformed game id %q", gameID)
	}

	o.byKey[key] = id
	dctx, cancel := context.WithCancel(o.ctx)
	e.cancel = cancel
	o.applyLocked(e, model.StateResolving, "")
	s := e.s.Clone()
	e.mu.Unlock()

	o.drivers.Add(1)
	o.mu.Unlock()

	e.logger.InfoContext(ctx, "session accepted")
	go func() {
		defer o.drivers.Done()
		defer cancel()
		o.drive(logger.WithSessionID(dctx, id), e)
	}()
	return s, false, nil
}

// Status 返回最近已知状态，不访问主机
func (o *Orchestrator) Status(ctx context.Context, sessionID string) (SessionStatus, error) {
	o.mu.RLock()
	e := o.sessions[sessionID]
	o.mu.RUnlock()

	var s model.Session
	if e != nil {
		e.mu.Lock()
		s = e.s.Clone()
		e.mu.Unlock()
	} else {
		archived, err := o.store.Get(ctx, sessionID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return SessionStatus{}, sessionNotFound(sessionID)
			}
			return SessionStatus{}, apperr.Wrap(err, apperr.KindInternal, model.ReasonInternal, "load session %s", sessionID)
		}
		s = archived
	}
	return o.statusOf(s), nil
}

func (o *Orchestrator) statusOf(s model.Session) SessionStatus {
	st := SessionStatus{Session: s}
	if s.State.Terminal() || s.LastContactAt.IsZero() {
		return st
	}
	staleness := o.now().Sub(s.LastContactAt)
	if staleness < 0 {
		staleness = 0
	}
	st.StalenessMS = staleness.Milliseconds()
	st.Stale = staleness > o.cfg.StaleThreshold
	return st
}

// List 内存中的会话，按创建时间排序
func (o *Orchestrator) List() []SessionStatus {
	o.mu.RLock()
	entries := make([]*entry, 0, len(o.sessions))
	for _, e := range o.sessions {
		entries = append(entries, e)
	}
	o.mu.RUnlock()

	out := make([]SessionStatus, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		s := e.s.Clone()
		e.mu.Unlock()
		out = append(out, o.statusOf(s))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Stop 停止会话；已结束的会话直接返回。只等待本地迁移，主机确认在后台进行。
func (o *Orchestrator) Stop(ctx context.Context, sessionID string) (model.Session, error) {
	o.mu.RLock()
	e := o.sessions[sessionID]
	o.mu.RUnlock()

	if e == nil {
		archived, err := o.store.Get(ctx, sessionID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return model.Session{}, sessionNotFound(sessionID)
			}
			return model.Session{}, apperr.Wrap(err, apperr.KindInternal, model.ReasonInternal, "load session %s", sessionID)
		}
		return archived, nil
	}

	e.mu.Lock()
	if e.s.State.Terminal() {
		s := e.s.Clone()
		e.mu.Unlock()
		return s, nil
	}
	td := o.stopLocked(e, model.ReasonStopped)
	s := e.s.Clone()
	e.mu.Unlock()

	e.logger.InfoContext(ctx, "session stopped")
	o.finish(td, s)
	return s, nil
}

// stopLocked 中断进行中的步骤，经 Stopping 进入 Terminated
func (o *Orchestrator) stopLocked(e *entry, reason model.Reason) teardown {
	prev := e.s.State
	if e.cancel != nil {
		e.cancel()
	}
	o.applyLocked(e, model.StateStopping, reason)
	o.applyLocked(e, model.StateTerminated, reason)
	return o.teardownFor(e, prev)
}

// failLocked 记录失败原因后进入 Terminated
func (o *Orchestrator) failLocked(e *entry, reason model.Reason, message string) teardown {
	prev := e.s.State
	if e.cancel != nil {
		e.cancel()
	}
	e.s.LastError = &model.SessionError{Reason: reason, Message: message}
	o.applyLocked(e, model.StateFailed, reason)
	o.applyLocked(e, model.StateTerminated, reason)
	o.metrics.Failure(string(reason))
	e.logger.Warn("session failed", "from", prev, "reason", reason, "message", message)
	return o.teardownFor(e, prev)
}

func (o *Orchestrator) teardownFor(e *entry, prev model.SessionState) teardown {
	td := teardown{sessionID: e.s.ID, hostID: e.s.HostID}
	// 已发起启动的主机需要通知停止
	td.stopHost = prev == model.StateLaunching || prev == model.StateActive
	return td
}

// fail 仅当会话仍处于 from 时失败，返回是否生效
func (o *Orchestrator) fail(e *entry, from model.SessionState, err error, fallback model.Reason) bool {
	reason := apperr.ReasonOf(err, fallback)
	e.mu.Lock()
	if e.s.State != from {
		e.mu.Unlock()
		return false
	}
	td := o.failLocked(e, reason, err.Error())
	s := e.s.Clone()
	e.mu.Unlock()
	o.finish(td, s)
	return true
}

// applyLocked 写入一次迁移；调用方保证迁移合法
func (o *Orchestrator) applyLocked(e *entry, to model.SessionState, reason model.Reason) {
	from := e.s.State
	now := o.now()
	e.s.State = to
	e.s.History = append(e.s.History, model.Transition{From: from, To: to, At: now, Reason: reason})
	switch to {
	case model.StateActive:
		e.s.StartedAt = now
		e.s.LastContactAt = now
	case model.StateTerminated:
		e.s.EndedAt = now
	}
	o.metrics.Transition(string(from), string(to), to.Terminal())
	e.logger.Debug("session transition", "from", from, "to", to, "reason", reason)
}

// cas from 匹配时迁移到 to，mutate 在同一把锁内修改会话
func (o *Orchestrator) cas(e *entry, from, to model.SessionState, mutate func(*model.Session)) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.s.State != from || !model.CanTransition(from, to) {
		return apperr.New(apperr.KindConflict, model.ReasonStaleTransition, "transition %s -> %s rejected in state %s", from, to, e.s.State)
	}
	if mutate != nil {
		mutate(&e.s)
	}
	o.applyLocked(e, to, "")
	return nil
}

// finish 锁外清理：释放主机、通知主机停止、移除幂等索引
func (o *Orchestrator) finish(td teardown, s model.Session) {
	o.mu.Lock()
	key := model.IdempotencyKey(s.UserID, s.GameID)
	if o.byKey[key] == s.ID {
		delete(o.byKey, key)
	}
	o.mu.Unlock()

	if s.LastError != nil {
		if _, ok := o.alertReasons[s.LastError.Reason]; ok {
			o.alert(notify.AlertLevelWarning, "session failed", s.LastError.Message, map[string]string{
				"session_id": s.ID,
				"host_id":    s.HostID,
				"game_id":    s.GameID,
				"reason":     string(s.LastError.Reason),
			})
		}
	}

	if td.hostID == "" {
		return
	}
	if !td.stopHost {
		o.resolver.Release(td.hostID, td.sessionID)
		return
	}
	o.stops.Add(1)
	go func() {
		defer o.stops.Done()
		o.stopHost(td.hostID, td.sessionID)
	}()
}

func (o *Orchestrator) alert(level notify.AlertLevel, summary, description string, labels map[string]string) {
	if o.notifier == nil {
		return
	}
	a := &notify.Alert{Level: level, Summary: summary, Description: description, Labels: labels}
	if err := o.notifier.Notify(context.Background(), a); err != nil {
		o.logger.Debug("alert not sent", "summary", summary, "error", err)
	}
}

// ReportTransport 处理主机回报的传输事件
func (o *Orchestrator) ReportTransport(ctx context.Context, sessionID, token string, ev TransportEvent) error {
	o.mu.RLock()
	e := o.sessions[sessionID]
	o.mu.RUnlock()
	if e == nil {
		return sessionNotFound(sessionID)
	}
	if subtle.ConstantTimeCompare([]byte(token), []byte(e.token)) != 1 {
		return apperr.New(apperr.KindUnauthorized, model.ReasonUnauthorized, "invalid callback token for session %s", sessionID)
	}
	if !ev.Type.Valid() {
		return apperr.Validation(model.ReasonInvalidRequest, "unknown transport event %q", ev.Type)
	}

	e.mu.Lock()
	state := e.s.State
	if state.Terminal() {
		e.mu.Unlock()
		return nil
	}

	var td *teardown
	switch ev.Type {
	case EventConnected:
		e.s.LastContactAt = o.now()
		if state == model.StateLaunching && !e.isConnected {
			e.isConnected = true
			close(e.connected)
		}
	case EventReconnecting:
		e.s.LastContactAt = o.now()
		e.logger.InfoContext(ctx, "transport reconnecting", "message", ev.Message)
	case EventDisconnected, EventFailed:
		switch state {
		case model.StateLaunching:
			reason := model.ReasonNegotiationFailed
			if ev.Reason == model.ReasonNegotiationTimeout {
				reason = ev.Reason
			}
			t := o.failLocked(e, reason, ev.describe())
			td = &t
		case model.StateActive:
			t := o.failLocked(e, model.ReasonTransportLost, ev.describe())
			td = &t
		}
	}
	s := e.s.Clone()
	e.mu.Unlock()

	if td != nil {
		o.finish(*td, s)
	}
	return nil
}

// Close 结束全部会话并归档
func (o *Orchestrator) Close() error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil
	}
	o.closed = true
	entries := make([]*entry, 0, len(o.sessions))
	for _, e := range o.sessions {
		entries = append(entries, e)
	}
	o.mu.Unlock()

	for _, e := range entries {
		e.mu.Lock()
		if e.s.State.Terminal() {
			e.mu.Unlock()
			continue
		}
		td := o.failLocked(e, model.ReasonShutdown, "orchestrator shutting down")
		s := e.s.Clone()
		e.mu.Unlock()
		o.finish(td, s)
	}
	o.cancel()
	o.drivers.Wait()

	done := make(chan struct{})
	go func() {
		o.stops.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(o.cfg.ShutdownTimeout):
		o.logger.Warn("host stops still pending at shutdown")
	}

	ctx, cancel := context.WithTimeout(context.Background(), o.cfg.ShutdownTimeout)
	defer cancel()
	o.archive(ctx, func(model.Session) bool { return true })
	return o.store.Close()
}

func sessionNotFound(id string) error {
	return apperr.NotFound(model.ReasonSessionNotFound, "session %s not found", id)
}
