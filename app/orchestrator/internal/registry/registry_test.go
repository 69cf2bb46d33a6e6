package registry

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/lk2023060901/xplay/app/orchestrator/internal/apperr"
	"github.com/lk2023060901/xplay/app/orchestrator/internal/hostclient"
	"github.com/lk2023060901/xplay/app/orchestrator/internal/model"
	"github.com/lk2023060901/xplay/pkg/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeFetcher struct {
	mu    sync.Mutex
	apps  map[string][]hostclient.CatalogApp
	err   error
	calls atomic.Int32
	gate  chan struct{}
}

func (f *fakeFetcher) Catalog(ctx context.Context, host model.Host) ([]hostclient.CatalogApp, error) {
	f.calls.Add(1)
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return append([]hostclient.CatalogApp(nil), f.apps[host.ID]...), nil
}

func (f *fakeFetcher) set(hostID string, apps ...hostclient.CatalogApp) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.apps == nil {
		f.apps = make(map[string][]hostclient.CatalogApp)
	}
	f.apps[hostID] = apps
}

var (
	doom  = hostclient.CatalogApp{AppID: "steam_doom_eternal", GameID: "doom-eternal", Title: "DOOM Eternal", Status: "installed"}
	hades = hostclient.CatalogApp{AppID: "epic_hades", GameID: "hades", Status: "installed"}
)

func newTestRegistry(t *testing.T, f CatalogFetcher, opts ...Option) *Registry {
	t.Helper()
	r, err := New(nil, f, logger.NewNoop(), opts...)
	require.NoError(t, err)
	return r
}

func TestSyncCatalog_UpsertAndRemove(t *testing.T) {
	f := &fakeFetcher{}
	f.set("h1", doom, hades)
	r := newTestRegistry(t, f)
	host := model.Host{ID: "h1"}

	res, err := r.SyncCatalog(context.Background(), host)
	require.NoError(t, err)
	assert.Len(t, res.Entries, 2)
	assert.Equal(t, []string{"epic_hades", "steam_doom_eternal"}, res.Added)
	assert.Len(t, r.Lookup("doom-eternal"), 1)

	// 主机不再上报 hades，doom 需要更新
	updated := doom
	updated.Status = "needs-update"
	f.set("h1", updated)
	res, err = r.SyncCatalog(context.Background(), host)
	require.NoError(t, err)
	assert.Equal(t, []string{"epic_hades"}, res.Removed)
	assert.Equal(t, []string{"steam_doom_eternal"}, res.Updated)

	_, ok := r.Entry("h1", "epic_hades")
	assert.False(t, ok)
	assert.Empty(t, r.Lookup("hades"))
	// needs-update 的条目不能用于会话
	assert.Empty(t, r.Lookup("doom-eternal"))
	e, ok := r.Entry("h1", "steam_doom_eternal")
	require.True(t, ok)
	assert.Equal(t, model.LaunchNeedsUpdate, e.Status)

	// 历史上报过仍记为已知主机
	assert.Equal(t, []string{"h1"}, r.KnownHosts("hades"))
	assert.True(t, r.HasCatalog("h1"))
	assert.False(t, r.HasCatalog("h2"))
}

func TestSyncCatalog_CoalescesConcurrentCalls(t *testing.T) {
	f := &fakeFetcher{gate: make(chan struct{})}
	f.set("h1", doom)
	r := newTestRegistry(t, f)

	const callers = 8
	var wg sync.WaitGroup
	results := make([]SyncResult, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = r.SyncCatalog(context.Background(), model.Host{ID: "h1"})
		}(i)
	}

	// 等第一个调用进入网络往返后放行
	require.Eventually(t, func() bool { return f.calls.Load() == 1 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(f.gate)
	wg.Wait()

	assert.Equal(t, int32(1), f.calls.Load())
	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Len(t, results[i].Entries, 1)
	}
}

func TestSyncCatalog_DifferentHostsRunIndependently(t *testing.T) {
	f := &fakeFetcher{}
	f.set("h1", doom)
	f.set("h2", hades)
	r := newTestRegistry(t, f)

	var wg sync.WaitGroup
	for _, id := range []string{"h1", "h2"} {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			_, err := r.SyncCatalog(context.Background(), model.Host{ID: id})
			assert.NoError(t, err)
		}(id)
	}
	wg.Wait()
	assert.Equal(t, int32(2), f.calls.Load())
	assert.Len(t, r.Lookup("hades"), 1)
}

func TestSyncCatalog_Errors(t *testing.T) {
	var observed atomic.Int32
	f := &fakeFetcher{err: errors.New("connection refused")}
	r := newTestRegistry(t, f, WithObserver(func(hostID string, _ time.Duration, err error) {
		if hostID == "h1" && err != nil {
			observed.Add(1)
		}
	}))

	_, err := r.SyncCatalog(context.Background(), model.Host{ID: "h1"})
	require.Error(t, err)
	assert.Equal(t, apperr.KindNetwork, apperr.KindOf(err))
	assert.Equal(t, int32(1), observed.Load())
	// 失败不写入目录
	assert.False(t, r.HasCatalog("h1"))
}

func TestSyncCatalog_CallerCancelDoesNotAbortSync(t *testing.T) {
	f := &fakeFetcher{gate: make(chan struct{})}
	f.set("h1", doom)
	r := newTestRegistry(t, f)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := r.SyncCatalog(ctx, model.Host{ID: "h1"})
		done <- err
	}()
	require.Eventually(t, func() bool { return f.calls.Load() == 1 }, time.Second, time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)

	close(f.gate)
	require.Eventually(t, func() bool { return len(r.Lookup("doom-eternal")) == 1 }, time.Second, 5*time.Millisecond)
}
