// Package resolver 计算资源解析：维护主机表，按 gameId 选出已配对、在线且空闲的主机并绑定到会话。
package resolver

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/lk2023060901/xplay/app/orchestrator/internal/apperr"
	"github.com/lk2023060901/xplay/app/orchestrator/internal/hostclient"
	"github.com/lk2023060901/xplay/app/orchestrator/internal/model"
	"github.com/lk2023060901/xplay/app/orchestrator/internal/registry"
	"github.com/lk2023060901/xplay/pkg/balancer"
	"github.com/lk2023060901/xplay/pkg/config"
	"github.com/lk2023060901/xplay/pkg/logger"
	"golang.org/x/sync/errgroup"
)

// HealthChecker 主机探活
type HealthChecker interface {
	Health(ctx context.Context, host model.Host) (hostclient.HealthReport, error)
}

// Config 解析器配置
type Config struct {
	// HealthTimeout 单次探活超时
	HealthTimeout time.Duration `mapstructure:"health_timeout" json:"health_timeout"`
	// AllowPairingOnStart 允许选中尚未配对的在线主机，由会话进入 Pairing
	AllowPairingOnStart bool `mapstructure:"allow_pairing_on_start" json:"allow_pairing_on_start"`
	// DisableSyncOnMiss 未命中时不触发目录同步
	DisableSyncOnMiss bool `mapstructure:"disable_sync_on_miss" json:"disable_sync_on_miss"`
	// SyncConcurrency 未命中同步、定期刷新的并发数
	SyncConcurrency int `mapstructure:"sync_concurrency" json:"sync_concurrency"`
	// Strategy 多台可用主机时的选择策略：first | round_robin | random | consistent_hash（按 gameId）
	Strategy string `mapstructure:"strategy" json:"strategy"`
}

// DefaultConfig 默认配置
func DefaultConfig() *Config {
	return &Config{
		HealthTimeout:   2 * time.Second,
		SyncConcurrency: 4,
	}
}

// Candidate 解析结果
type Candidate struct {
	HostID       string `json:"host_id"`
	AppID        string `json:"app_id"`
	NeedsPairing bool   `json:"needs_pairing"`
}

type hostSlot struct {
	host    model.Host
	boundTo string
}

// Resolver 主机表，主机与会话的绑定在同一把锁下检查并写入
type Resolver struct {
	cfg      *Config
	balancer balancer.Balancer
	registry *registry.Registry
	checker  HealthChecker
	logger   logger.Logger
	now      func() time.Time

	mu    sync.RWMutex
	hosts map[string]*hostSlot
}

// New 创建解析器
func New(cfg *Config, reg *registry.Registry, checker HealthChecker, l logger.Logger) (*Resolver, error) {
	newCfg, err := config.MergeConfig(DefaultConfig(), cfg)
	if err != nil {
		return nil, err
	}
	if l == nil {
		l = logger.Default()
	}
	b, err := balancer.New(newCfg.Strategy)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.KindValidation, model.ReasonInvalidRequest, "resolver strategy")
	}
	return &Resolver{
		cfg:      newCfg,
		balancer: b,
		registry: reg,
		checker:  checker,
		logger:   l.Named("resolver"),
		now:      time.Now,
		hosts:    make(map[string]*hostSlot),
	}, nil
}

// RegisterHost 发现或更新主机；信任与可达状态只由配对和探活修改
func (r *Resolver) RegisterHost(h model.Host) (model.Host, error) {
	if h.ID == "" || h.Address == "" {
		return model.Host{}, apperr.Validation(model.ReasonInvalidRequest, "host id and address are required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if slot, ok := r.hosts[h.ID]; ok {
		slot.host.Name = h.Name
		slot.host.Region = h.Region
		slot.host.Address = h.Address
		slot.host.Decommissioned = false
		return slot.host, nil
	}

	if h.Trust == "" || (h.Trust == model.TrustPaired && h.Token == "") {
		h.Trust = model.TrustUntrusted
	}
	if h.Reachability == "" {
		h.Reachability = model.ReachUnknown
	}
	h.Decommissioned = false
	r.hosts[h.ID] = &hostSlot{host: h}
	r.logger.Info("host registered", "host_id", h.ID, "address", h.Address, "trust", h.Trust)
	return h, nil
}

// Decommission 下线主机，记录保留
func (r *Resolver) Decommission(hostID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	slot, ok := r.hosts[hostID]
	if !ok {
		return hostNotFound(hostID)
	}
	slot.host.Decommissioned = true
	slot.host.Reachability = model.ReachOffline
	return nil
}

// Host 查询主机
func (r *Resolver) Host(hostID string) (model.Host, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	slot, ok := r.hosts[hostID]
	if !ok {
		return model.Host{}, hostNotFound(hostID)
	}
	return slot.host, nil
}

// Hosts 全部主机，按 ID 排序
func (r *Resolver) Hosts() []model.Host {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]model.Host, 0, len(r.hosts))
	for _, slot := range r.hosts {
		out = append(out, slot.host)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// SetTrust 更新信任状态；回到 untrusted 时清除凭证
func (r *Resolver) SetTrust(hostID string, trust model.TrustState, token string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	slot, ok := r.hosts[hostID]
	if !ok {
		return hostNotFound(hostID)
	}
	prev := slot.host.Trust
	slot.host.Trust = trust
	switch trust {
	case model.TrustPaired:
		if token != "" {
			slot.host.Token = token
		}
		slot.host.PairedAt = r.now()
	case model.TrustUntrusted:
		slot.host.Token = ""
	}
	if prev != trust {
		r.logger.Info("host trust changed", "host_id", hostID, "from", prev, "to", trust)
	}
	return nil
}

// BoundSession 主机当前绑定的会话
func (r *Resolver) BoundSession(hostID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	slot, ok := r.hosts[hostID]
	if !ok || slot.boundTo == "" {
		return "", false
	}
	return slot.boundTo, true
}

// HealthCheck 探活并更新可达状态，探活失败体现在返回的状态上
func (r *Resolver) HealthCheck(ctx context.Context, hostID string) (model.Reachability, error) {
	host, err := r.Host(hostID)
	if err != nil {
		return model.ReachUnknown, err
	}

	ctx, cancel := context.WithTimeout(ctx, r.cfg.HealthTimeout)
	defer cancel()
	report, healthErr := r.checker.Health(ctx, host)
	reach := hostclient.Classify(report, healthErr)

	r.mu.Lock()
	if slot, ok := r.hosts[hostID]; ok && !slot.host.Decommissioned {
		prev := slot.host.Reachability
		slot.host.Reachability = reach
		slot.host.LastHealthCheckAt = r.now()
		if prev != reach {
			r.logger.Info("host reachability changed", "host_id", hostID, "from", prev, "to", reach, "error", healthErr)
		}
	}
	r.mu.Unlock()
	return reach, nil
}

// Resolve 只读解析：已配对、在线、空闲并装有该游戏的主机
func (r *Resolver) Resolve(ctx context.Context, gameID string) (Candidate, error) {
	return r.resolve(ctx, gameID, "", false)
}

// Reserve 解析并把主机绑定到会话
func (r *Resolver) Reserve(ctx context.Context, gameID, sessionID string) (Candidate, error) {
	return r.resolve(ctx, gameID, sessionID, r.cfg.AllowPairingOnStart)
}

// Release 解除绑定；仅当主机仍绑定在该会话上时生效，可重复调用
func (r *Resolver) Release(hostID, sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	slot, ok := r.hosts[hostID]
	if !ok || slot.boundTo != sessionID || sessionID == "" {
		return false
	}
	slot.boundTo = ""
	r.logger.Debug("host released", "host_id", hostID, "session_id", sessionID)
	return true
}

func (r *Resolver) resolve(ctx context.Context, gameID, sessionID string, allowPairing bool) (Candidate, error) {
	if c, ok := r.pick(gameID, sessionID, allowPairing); ok {
		return c, nil
	}
	if !r.cfg.DisableSyncOnMiss {
		r.syncOnMiss(ctx, gameID)
		if c, ok := r.pick(gameID, sessionID, allowPairing); ok {
			return c, nil
		}
	}
	if err := ctx.Err(); err != nil {
		return Candidate{}, apperr.Wrap(err, apperr.KindTimeout, model.ReasonResolveTimeout, "resolve %s", gameID)
	}
	return Candidate{}, apperr.Unavailable(model.ReasonNoAvailableHost, "no available host for game %s", gameID)
}

// pick 先找可直接使用的主机，再（允许时）找需要配对的在线主机；sessionID 非空时同时绑定
func (r *Resolver) pick(gameID, sessionID string, allowPairing bool) (Candidate, bool) {
	entries := r.registry.Lookup(gameID)
	if len(entries) == 0 {
		return Candidate{}, false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// 每台主机取排序后的第一个应用
	usable := make(map[string]*model.ApplicationEntry)
	var nodes []balancer.Node
	var fallback *model.ApplicationEntry
	for i := range entries {
		e := &entries[i]
		slot, ok := r.hosts[e.HostID]
		if !ok || slot.boundTo != "" {
			continue
		}
		if slot.host.Usable() {
			if _, seen := usable[e.HostID]; !seen {
				usable[e.HostID] = e
				nodes = append(nodes, balancer.Node{ID: e.HostID})
			}
			continue
		}
		h := slot.host
		if allowPairing && fallback == nil && !h.Decommissioned && h.Reachability == model.ReachOnline && h.Trust != model.TrustPaired {
			fallback = e
		}
	}
	if n, ok := r.balancer.Pick(nodes, gameID); ok {
		return r.bindLocked(r.hosts[n.ID], usable[n.ID], sessionID, false), true
	}
	if fallback != nil {
		return r.bindLocked(r.hosts[fallback.HostID], fallback, sessionID, true), true
	}
	return Candidate{}, false
}

func (r *Resolver) bindLocked(slot *hostSlot, e *model.ApplicationEntry, sessionID string, needsPairing bool) Candidate {
	if sessionID != "" {
		slot.boundTo = sessionID
		r.logger.Debug("host reserved", "host_id", slot.host.ID, "session_id", sessionID, "needs_pairing", needsPairing)
	}
	return Candidate{HostID: e.HostID, AppID: e.AppID, NeedsPairing: needsPairing}
}

// syncOnMiss 对曾上报该游戏或从未同步过目录、且未被占用的非离线主机同步目录
func (r *Resolver) syncOnMiss(ctx context.Context, gameID string) {
	known := make(map[string]struct{})
	for _, id := range r.registry.KnownHosts(gameID) {
		known[id] = struct{}{}
	}

	var targets []model.Host
	r.mu.RLock()
	for id, slot := range r.hosts {
		h := slot.host
		if h.Decommissioned || h.Reachability == model.ReachOffline || slot.boundTo != "" {
			continue
		}
		if _, ok := known[id]; ok || !r.registry.HasCatalog(id) {
			targets = append(targets, h)
		}
	}
	r.mu.RUnlock()
	if len(targets) == 0 {
		return
	}

	r.logger.Info("resolve miss, syncing catalogs", "game_id", gameID, "hosts", len(targets))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.SyncConcurrency)
	for _, h := range targets {
		g.Go(func() error {
			if _, err := r.registry.SyncCatalog(gctx, h); err != nil {
				r.logger.Warn("catalog sync on miss failed", "host_id", h.ID, "error", err)
			}
			return nil
		})
	}
	_ = g.Wait()
}

// Refresh 探活全部主机并同步在线主机的目录，供定时任务调用
func (r *Resolver) Refresh(ctx context.Context) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.SyncConcurrency)
	for _, h := range r.Hosts() {
		if h.Decommissioned {
			continue
		}
		g.Go(func() error {
			reach, err := r.HealthCheck(gctx, h.ID)
			if err != nil || reach != model.ReachOnline {
				return nil
			}
			if _, err := r.registry.SyncCatalog(gctx, h); err != nil {
				r.logger.Warn("periodic catalog sync failed", "host_id", h.ID, "error", err)
			}
			return nil
		})
	}
	_ = g.Wait()
}

func hostNotFound(hostID string) error {
	return apperr.NotFound(model.ReasonHostNotFound, "host %s not found", hostID)
}
