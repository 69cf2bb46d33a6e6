// Package registry 应用注册表：gameId 到主机上可启动应用的映射，由目录同步维护。
package registry

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/lk2023060901/xplay/app/orchestrator/internal/apperr"
	"github.com/lk2023060901/xplay/app/orchestrator/internal/hostclient"
	"github.com/lk2023060901/xplay/app/orchestrator/internal/model"
	"github.com/lk2023060901/xplay/pkg/config"
	"github.com/lk2023060901/xplay/pkg/logger"
	"golang.org/x/sync/singleflight"
)

// CatalogFetcher 拉取主机应用目录
type CatalogFetcher interface {
	Catalog(ctx context.Context, host model.Host) ([]hostclient.CatalogApp, error)
}

// SyncObserver 同步结果回调（指标）
type SyncObserver func(hostID string, took time.Duration, err error)

// Config 注册表配置
type Config struct {
	// SyncTimeout 单次目录同步的上限，与调用方的 ctx 无关
	SyncTimeout time.Duration `mapstructure:"sync_timeout" json:"sync_timeout"`
}

// DefaultConfig 默认配置
func DefaultConfig() *Config {
	return &Config{SyncTimeout: 10 * time.Second}
}

// SyncResult 一次同步的差异
type SyncResult struct {
	Entries []model.ApplicationEntry `json:"entries"`
	Added   []string                 `json:"added"`
	Updated []string                 `json:"updated"`
	Removed []string                 `json:"removed"`
}

// Registry 以 (hostId, appId) 为键的应用条目集合
type Registry struct {
	cfg     *Config
	fetcher CatalogFetcher
	logger  logger.Logger
	now     func() time.Time

	mu      sync.RWMutex
	entries map[string]map[string]*model.ApplicationEntry
	// 曾经上报过某游戏的主机，用于解析未命中时的定向同步
	seen map[string]map[string]struct{}

	group    singleflight.Group
	observer SyncObserver
}

// Option 注册表选项
type Option func(*Registry)

// WithObserver 同步结果回调
func WithObserver(fn SyncObserver) Option {
	return func(r *Registry) { r.observer = fn }
}

// WithClock 替换时钟（测试）
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// New 创建注册表
func New(cfg *Config, fetcher CatalogFetcher, l logger.Logger, opts ...Option) (*Registry, error) {
	newCfg, err := config.MergeConfig(DefaultConfig(), cfg)
	if err != nil {
		return nil, err
	}
	if l == nil {
		l = logger.Default()
	}
	r := &Registry{
		cfg:     newCfg,
		fetcher: fetcher,
		logger:  l.Named("registry"),
		now:     time.Now,
		entries: make(map[string]map[string]*model.ApplicationEntry),
		seen:    make(map[string]map[string]struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// SyncCatalog 同步主机目录
//
// 同一主机的并发调用合并为一次网络往返，所有调用方拿到同一结果。
// 调用方 ctx 取消只影响自己的等待，不会中断进行中的同步。
func (r *Registry) SyncCatalog(ctx context.Context, host model.Host) (SyncResult, error) {
	ch := r.group.DoChan(host.ID, func() (any, error) {
		return r.sync(host)
	})
	select {
	case <-ctx.Done():
		return SyncResult{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return SyncResult{}, res.Err
		}
		if res.Shared {
			r.logger.Debug("catalog sync coalesced", "host_id", host.ID)
		}
		return res.Val.(SyncResult), nil
	}
}

func (r *Registry) sync(host model.Host) (SyncResult, error) {
	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.SyncTimeout)
	defer cancel()

	start := r.now()
	apps, err := r.fetcher.Catalog(ctx, host)
	if r.observer != nil {
		r.observer(host.ID, r.now().Sub(start), err)
	}
	if err != nil {
		r.logger.Warn("catalog sync failed", "host_id", host.ID, "error", err)
		return SyncResult{}, apperr.Wrap(err, apperr.KindNetwork, model.ReasonHostUnreachable, "sync catalog of host %s", host.ID)
	}

	res := r.reconcile(host.ID, apps)
	r.logger.Info("catalog synced",
		"host_id", host.ID,
		"entries", len(res.Entries),
		"added", len(res.Added),
		"updated", len(res.Updated),
		"removed", len(res.Removed),
	)
	return res, nil
}

// reconcile 先把主机现有条目全部标记为过期，命中的重新写入，剩余过期的删除
func (r *Registry) reconcile(hostID string, apps []hostclient.CatalogApp) SyncResult {
	now := r.now()

	r.mu.Lock()
	defer r.mu.Unlock()

	current := r.entries[hostID]
	if current == nil {
		current = make(map[string]*model.ApplicationEntry)
		r.entries[hostID] = current
	}
	stale := make(map[string]struct{}, len(current))
	for id := range current {
		stale[id] = struct{}{}
	}

	var res SyncResult
	for _, app := range apps {
		entry := model.ApplicationEntry{
			HostID:       hostID,
			AppID:        app.AppID,
			GameID:       app.GameID,
			Title:        app.Title,
			Status:       model.ParseLaunchStatus(app.Status),
			LastSyncedAt: now,
		}
		if old, ok := current[app.AppID]; ok {
			delete(stale, app.AppID)
			if old.GameID != entry.GameID || old.Status != entry.Status || old.Title != entry.Title {
				res.Updated = append(res.Updated, app.AppID)
			}
		} else {
			res.Added = append(res.Added, app.AppID)
		}
		current[app.AppID] = &entry

		if entry.GameID != "" {
			hosts := r.seen[entry.GameID]
			if hosts == nil {
				hosts = make(map[string]struct{})
				r.seen[entry.GameID] = hosts
			}
			hosts[hostID] = struct{}{}
		}
	}
	for id := range stale {
		delete(current, id)
		res.Removed = append(res.Removed, id)
	}

	res.Entries = sortedEntries(current)
	sort.Strings(res.Added)
	sort.Strings(res.Updated)
	sort.Strings(res.Removed)
	return res
}

// Lookup 返回可用于 gameID 的条目（仅已安装）
func (r *Registry) Lookup(gameID string) []model.ApplicationEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []model.ApplicationEntry
	for _, apps := range r.entries {
		for _, e := range apps {
			if e.GameID == gameID && e.Usable() {
				out = append(out, *e)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].HostID != out[j].HostID {
			return out[i].HostID < out[j].HostID
		}
		return out[i].AppID < out[j].AppID
	})
	return out
}

// Entry 单个条目
func (r *Registry) Entry(hostID, appID string) (model.ApplicationEntry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[hostID][appID]
	if !ok {
		return model.ApplicationEntry{}, false
	}
	return *e, true
}

// Entries 主机上的全部条目
func (r *Registry) Entries(hostID string) []model.ApplicationEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedEntries(r.entries[hostID])
}

// KnownHosts 曾上报过 gameID 的主机，包括当前已不可用的
func (r *Registry) KnownHosts(gameID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.seen[gameID]))
	for id := range r.seen[gameID] {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// HasCatalog 主机是否同步过目录
func (r *Registry) HasCatalog(hostID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.entries[hostID]
	return ok
}

func sortedEntries(m map[string]*model.ApplicationEntry) []model.ApplicationEntry {
	out := make([]model.ApplicationEntry, 0, len(m))
	for _, e := range m {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AppID < out[j].AppID })
	return out
}
