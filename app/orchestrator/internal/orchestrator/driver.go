package orchestrator

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/cockroachdb/errors"
	"github.com/lk2023060901/xplay/app/orchestrator/internal/apperr"
	"github.com/lk2023060901/xplay/app/orchestrator/internal/hostclient"
	"github.com/lk2023060901/xplay/app/orchestrator/internal/model"
	"github.com/lk2023060901/xplay/app/orchestrator/internal/resolver"
	"github.com/lk2023060901/xplay/pkg/notify"
	"github.com/lk2023060901/xplay/pkg/otel"
)

// drive 推进会话 Resolving -> [Pairing] -> Launching -> Active。
// 每一步前后都以 CAS 校验状态，stop 取消 ctx 后驱动在下一个检查点退出。
func (o *Orchestrator) drive(ctx context.Context, e *entry) {
	e.mu.Lock()
	id, gameID := e.s.ID, e.s.GameID
	e.mu.Unlock()

	ctx, span := o.tracer.Start(ctx, "session.drive", otel.WithAttributes(
		otel.String(otel.SessionIDKey, id),
		otel.String(otel.GameIDKey, gameID),
	))
	defer span.End()

	cand, ok := o.resolve(ctx, e, id, gameID)
	if !ok {
		return
	}
	span.SetAttributes(otel.String(otel.HostIDKey, cand.HostID))
	if cand.NeedsPairing {
		if !o.pair(ctx, e, id, cand.HostID) {
			return
		}
	}
	if !o.launch(ctx, e, id, cand) {
		return
	}
	o.awaitTransport(ctx, e, id, cand.HostID)
}

// step 开启驱动步骤的子 span
func (o *Orchestrator) step(ctx context.Context, name string, attrs ...otel.Attribute) (context.Context, otel.Span) {
	return o.tracer.Start(ctx, "session."+name, otel.WithAttributes(attrs...))
}

func (o *Orchestrator) resolve(ctx context.Context, e *entry, id, gameID string) (resolver.Candidate, bool) {
	ctx, span := o.step(ctx, "resolve", otel.String(otel.SessionIDKey, id), otel.String(otel.GameIDKey, gameID))
	defer span.End()

	rctx, cancel := context.WithTimeout(ctx, o.cfg.ResolveTimeout)
	cand, err := o.resolver.Reserve(rctx, gameID, id)
	cancel()
	otel.SetResult(span, err)
	if err != nil {
		o.fail(e, model.StateResolving, err, model.ReasonNoAvailableHost)
		return cand, false
	}
	span.SetAttributes(
		otel.String(otel.HostIDKey, cand.HostID),
		otel.String("app_id", cand.AppID),
		otel.Bool("needs_pairing", cand.NeedsPairing),
	)

	next := model.StateLaunching
	if cand.NeedsPairing {
		next = model.StatePairing
	}
	err = o.cas(e, model.StateResolving, next, func(s *model.Session) {
		s.HostID = cand.HostID
		s.AppID = cand.AppID
	})
	if err != nil {
		// 会话已被停止，主机尚未记录到会话上，由驱动自行释放
		o.resolver.Release(cand.HostID, id)
		return cand, false
	}
	e.logger.InfoContext(ctx, "host reserved", "host_id", cand.HostID, "app_id", cand.AppID, "needs_pairing", cand.NeedsPairing)
	return cand, true
}

func (o *Orchestrator) pair(ctx context.Context, e *entry, id, hostID string) bool {
	ctx, span := o.step(ctx, "pair", otel.String(otel.SessionIDKey, id), otel.String(otel.HostIDKey, hostID))
	defer span.End()

	pctx, cancel := context.WithTimeout(ctx, o.cfg.PairingTimeout)
	err := o.pairing.EnsurePaired(pctx, hostID)
	cancel()
	otel.SetResult(span, err)
	if err != nil {
		o.fail(e, model.StatePairing, err, model.ReasonPairingTimeout)
		return false
	}
	return o.cas(e, model.StatePairing, model.StateLaunching, nil) == nil
}

func (o *Orchestrator) launch(ctx context.Context, e *entry, id string, cand resolver.Candidate) bool {
	ctx, span := o.step(ctx, "launch", otel.String(otel.SessionIDKey, id), otel.String(otel.HostIDKey, cand.HostID))
	defer span.End()

	host, err := o.resolver.Host(cand.HostID)
	if err != nil {
		otel.SetResult(span, err)
		o.fail(e, model.StateLaunching, err, model.ReasonLaunchFailed)
		return false
	}

	e.mu.Lock()
	req := hostclient.LaunchRequest{
		SessionID:     e.s.ID,
		AppID:         cand.AppID,
		CallbackURL:   o.cfg.CallbackURL,
		CallbackToken: e.token,
	}
	e.mu.Unlock()

	lctx, cancel := context.WithTimeout(ctx, o.cfg.LaunchTimeout)
	resp, err := o.hosts.Launch(lctx, host, req)
	cancel()
	if err != nil {
		err = classifyLaunch(ctx, err)
		otel.SetResult(span, err)
		o.fail(e, model.StateLaunching, err, model.ReasonLaunchFailed)
		return false
	}
	otel.SetResult(span, nil)

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.s.State != model.StateLaunching {
		return false
	}
	e.s.SignalPath = resp.SignalPath
	e.s.LastContactAt = o.now()
	e.logger.InfoContext(ctx, "application launched", "host_id", cand.HostID, "signal_path", resp.SignalPath)
	return true
}

func classifyLaunch(ctx context.Context, err error) error {
	switch {
	case ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded):
		return apperr.Wrap(err, apperr.KindTimeout, model.ReasonLaunchTimeout, "launch")
	case errors.Is(err, hostclient.ErrUnreachable):
		return apperr.Wrap(err, apperr.KindNetwork, model.ReasonHostUnreachable, "launch")
	case errors.Is(err, hostclient.ErrUnauthorized):
		return apperr.Wrap(err, apperr.KindTrust, model.ReasonLaunchFailed, "launch")
	default:
		return apperr.Wrap(err, apperr.KindNetwork, model.ReasonLaunchFailed, "launch")
	}
}

// awaitTransport 等待主机回报传输连通
func (o *Orchestrator) awaitTransport(ctx context.Context, e *entry, id, hostID string) {
	ctx, span := o.step(ctx, "await_transport", otel.String(otel.SessionIDKey, id), otel.String(otel.HostIDKey, hostID))
	defer span.End()

	timer := time.NewTimer(o.cfg.NegotiationTimeout)
	defer timer.Stop()

	select {
	case <-e.connected:
		if err := o.cas(e, model.StateLaunching, model.StateActive, nil); err == nil {
			otel.SetResult(span, nil)
			e.logger.InfoContext(ctx, "session active")
		}
	case <-timer.C:
		err := apperr.New(apperr.KindTimeout, model.ReasonNegotiationTimeout, "transport not connected within %s", o.cfg.NegotiationTimeout)
		otel.SetResult(span, err)
		o.fail(e, model.StateLaunching, err, model.ReasonNegotiationTimeout)
	case <-ctx.Done():
		span.SetAttributes(otel.Bool("stopped", true))
	}
}

// stopHost 通知主机停止会话，按退避重试；结束后释放主机绑定
func (o *Orchestrator) stopHost(hostID, sessionID string) {
	defer o.resolver.Release(hostID, sessionID)
	l := o.logger.WithFields("session_id", sessionID, "host_id", hostID)

	host, err := o.resolver.Host(hostID)
	if err != nil {
		l.Warn("host gone before stop", "error", err)
		return
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxInterval = 5 * time.Second

	attempt := 0
	_, err = backoff.Retry(context.Background(), func() (struct{}, error) {
		attempt++
		ctx, cancel := context.WithTimeout(context.Background(), o.cfg.StopAttemptTimeout)
		defer cancel()
		err := o.hosts.Stop(ctx, host, sessionID)
		if err != nil && errors.Is(err, hostclient.ErrUnauthorized) {
			return struct{}{}, backoff.Permanent(err)
		}
		if err != nil {
			l.Debug("host stop attempt failed", "attempt", attempt, "error", err)
		}
		return struct{}{}, err
	}, backoff.WithBackOff(b), backoff.WithMaxTries(o.cfg.StopAttempts))

	if err != nil {
		o.metrics.HostStop("abandoned")
		l.Warn("host did not acknowledge stop", "attempts", attempt, "error", err)
		// 主机可能仍在运行该会话的应用
		o.alert(notify.AlertLevelCritical, "host stop not acknowledged", err.Error(), map[string]string{
			"session_id": sessionID,
			"host_id":    hostID,
		})
		return
	}
	o.metrics.HostStop("acked")
	l.Debug("host acknowledged stop", "attempts", attempt)
}
