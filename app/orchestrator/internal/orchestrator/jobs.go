package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/lk2023060901/xplay/app/orchestrator/internal/model"
	"github.com/lk2023060901/xplay/pkg/logger"
	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"
)

// Jobs 编排器的定时任务：活跃会话心跳、归档清理、主机目录刷新
type Jobs struct {
	o    *Orchestrator
	cron *cron.Cron
}

// Jobs 创建定时任务，实现 app.Server
func (o *Orchestrator) Jobs() (*Jobs, error) {
	cl := cronLogger{l: o.logger.Named("jobs")}
	c := cron.New(cron.WithLogger(cl), cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)))

	jobs := []struct {
		every time.Duration
		fn    func(context.Context)
	}{
		{o.cfg.HeartbeatInterval, o.Heartbeat},
		{o.cfg.SweepInterval, o.Sweep},
		{o.cfg.CatalogRefreshInterval, o.resolver.Refresh},
	}
	for _, j := range jobs {
		fn := j.fn
		if _, err := c.AddFunc(fmt.Sprintf("@every %s", j.every), func() { fn(o.ctx) }); err != nil {
			return nil, err
		}
	}
	return &Jobs{o: o, cron: c}, nil
}

// Start 启动调度
func (j *Jobs) Start() error {
	j.cron.Start()
	return nil
}

// Stop 停止调度并等待执行中的任务
func (j *Jobs) Stop() error {
	<-j.cron.Stop().Done()
	return nil
}

// Heartbeat 探活活跃会话的主机；主机离线的会话以 HOST_DISCONNECTED 结束
func (o *Orchestrator) Heartbeat(ctx context.Context) {
	type target struct {
		e      *entry
		hostID string
	}
	var targets []target
	o.mu.RLock()
	for _, e := range o.sessions {
		e.mu.Lock()
		if e.s.State == model.StateActive && e.s.HostID != "" {
			targets = append(targets, target{e: e, hostID: e.s.HostID})
		}
		e.mu.Unlock()
	}
	o.mu.RUnlock()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for _, t := range targets {
		g.Go(func() error {
			reach, err := o.resolver.HealthCheck(gctx, t.hostID)
			if err != nil {
				return nil
			}
			switch reach {
			case model.ReachOnline:
				t.e.mu.Lock()
				t.e.missedBeats = 0
				if t.e.s.State == model.StateActive {
					t.e.s.LastContactAt = o.now()
				}
				t.e.mu.Unlock()
			case model.ReachOffline:
				t.e.mu.Lock()
				t.e.missedBeats++
				missed := t.e.missedBeats
				t.e.mu.Unlock()
				if missed < o.cfg.HeartbeatMisses {
					t.e.logger.Warn("host missed heartbeat", "host_id", t.hostID, "missed", missed)
					return nil
				}
				o.fail(t.e, model.StateActive, fmt.Errorf("host %s offline for %d heartbeats", t.hostID, missed), model.ReasonHostDisconnected)
			}
			return nil
		})
	}
	_ = g.Wait()
}

// Sweep 将超过保留期的已结束会话转入归档，并清理过期归档
func (o *Orchestrator) Sweep(ctx context.Context) {
	cutoff := o.now().Add(-o.cfg.Retention)
	n := o.archive(ctx, func(s model.Session) bool { return s.EndedAt.Before(cutoff) })
	pruned, err := o.store.Prune(ctx, o.now().Add(-o.cfg.ArchiveRetention))
	if err != nil {
		o.logger.Warn("prune archive failed", "error", err)
	}
	if n > 0 || pruned > 0 {
		o.logger.Info("sessions archived", "archived", n, "pruned", pruned)
	}
}

// archive 把满足条件的已结束会话写入归档并移出内存，写入失败的保留到下次
func (o *Orchestrator) archive(ctx context.Context, match func(model.Session) bool) int {
	var done []model.Session
	o.mu.RLock()
	for _, e := range o.sessions {
		e.mu.Lock()
		if e.s.State.Terminal() && match(e.s) {
			done = append(done, e.s.Clone())
		}
		e.mu.Unlock()
	}
	o.mu.RUnlock()

	n := 0
	for _, s := range done {
		if err := o.store.Save(ctx, s); err != nil {
			o.logger.Warn("archive session failed", "session_id", s.ID, "error", err)
			continue
		}
		o.mu.Lock()
		delete(o.sessions, s.ID)
		o.mu.Unlock()
		n++
	}
	return n
}

// cronLogger 适配 cron.Logger
type cronLogger struct {
	l logger.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Debug(msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.l.Error(msg, append(keysAndValues, "error", err)...)
}
