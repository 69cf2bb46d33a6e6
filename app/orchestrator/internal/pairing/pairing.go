// Package pairing 主机配对协议：签发一次性 PIN 挑战，把 PIN 交给主机校验并记录信任状态。
//
// 每台主机同时最多一个未消费的挑战，新挑战使旧挑战失效。
// 挑战被成功消费、被主机拒绝或过期后都不能再次使用。
package pairing

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/jellydator/ttlcache/v3"
	"github.com/lk2023060901/xplay/app/orchestrator/internal/apperr"
	"github.com/lk2023060901/xplay/app/orchestrator/internal/hostclient"
	"github.com/lk2023060901/xplay/app/orchestrator/internal/model"
	"github.com/lk2023060901/xplay/pkg/config"
	"github.com/lk2023060901/xplay/pkg/logger"
)

// 配对结果，用于指标
const (
	ResultPaired      = "paired"
	ResultRejected    = "rejected"
	ResultExpired     = "expired"
	ResultUnreachable = "unreachable"
	ResultTimeout     = "timeout"
)

// Pairer 主机配对端点
type Pairer interface {
	Pair(ctx context.Context, host model.Host, req hostclient.PairRequest) (hostclient.PairResponse, error)
}

// HostStore 主机信任状态的归属方
type HostStore interface {
	Host(hostID string) (model.Host, error)
	SetTrust(hostID string, trust model.TrustState, token string) error
}

// Config 配对配置
type Config struct {
	// TTL 挑战有效期
	TTL time.Duration `mapstructure:"ttl" json:"ttl"`
	// PINDigits PIN 位数
	PINDigits int `mapstructure:"pin_digits" json:"pin_digits" validate:"omitempty,min=4,max=12"`
	// MaxAttempts 主机不可达时的最大尝试次数
	MaxAttempts uint `mapstructure:"max_attempts" json:"max_attempts"`
	// AttemptTimeout 单次请求超时
	AttemptTimeout time.Duration `mapstructure:"attempt_timeout" json:"attempt_timeout"`
	// RetryInitial/RetryMax 指数退避区间
	RetryInitial time.Duration `mapstructure:"retry_initial" json:"retry_initial"`
	RetryMax     time.Duration `mapstructure:"retry_max" json:"retry_max"`
	// ClientIdentity 发给主机的发起方身份
	ClientIdentity string `mapstructure:"client_identity" json:"client_identity"`
}

// DefaultConfig 默认配置
func DefaultConfig() *Config {
	return &Config{
		TTL:            5 * time.Minute,
		PINDigits:      4,
		MaxAttempts:    4,
		AttemptTimeout: 5 * time.Second,
		RetryInitial:   200 * time.Millisecond,
		RetryMax:       2 * time.Second,
		ClientIdentity: "xplay-orchestrator",
	}
}

// Observer 每次完成配对尝试后回调
type Observer func(hostID, result string)

// Option 选项
type Option func(*Service)

// WithObserver 设置观察者
func WithObserver(fn Observer) Option {
	return func(s *Service) { s.observe = fn }
}

// WithClock 替换时钟
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// Service 配对服务，并发安全
type Service struct {
	cfg     *Config
	pairer  Pairer
	hosts   HostStore
	logger  logger.Logger
	now     func() time.Time
	observe Observer
	genPIN  func(digits int) (string, error)

	challenges *ttlcache.Cache[string, model.PairingChallenge]

	mu      sync.Mutex
	locks   map[string]*sync.Mutex
	waiters map[string]map[chan error]struct{}
}

// New 创建配对服务并启动过期清理
func New(cfg *Config, pairer Pairer, hosts HostStore, l logger.Logger, opts ...Option) (*Service, error) {
	newCfg, err := config.MergeConfig(DefaultConfig(), cfg)
	if err != nil {
		return nil, err
	}
	if l == nil {
		l = logger.Default()
	}

	s := &Service{
		cfg:     newCfg,
		pairer:  pairer,
		hosts:   hosts,
		logger:  l.Named("pairing"),
		now:     time.Now,
		observe: func(string, string) {},
		genPIN:  generatePIN,
		challenges: ttlcache.New[string, model.PairingChallenge](
			ttlcache.WithTTL[string, model.PairingChallenge](newCfg.TTL),
			ttlcache.WithDisableTouchOnHit[string, model.PairingChallenge](),
		),
		locks:   make(map[string]*sync.Mutex),
		waiters: make(map[string]map[chan error]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.challenges.OnEviction(func(_ context.Context, reason ttlcache.EvictionReason, item *ttlcache.Item[string, model.PairingChallenge]) {
		if reason != ttlcache.EvictionReasonExpired {
			return
		}
		hostID := item.Key()
		s.logger.Info("pairing challenge expired", "host_id", hostID, "nonce", item.Value().Nonce)
		s.resetTrust(hostID)
		s.notify(hostID, apperr.New(apperr.KindTimeout, model.ReasonPairingTimeout, "pairing challenge for host %s expired", hostID))
	})
	go s.challenges.Start()
	return s, nil
}

// Close 停止过期清理
func (s *Service) Close() {
	s.challenges.Stop()
}

// InitiatePairing 为主机签发新挑战，使之前未消费的挑战失效
func (s *Service) InitiatePairing(ctx context.Context, hostID string) (model.PairingChallenge, error) {
	host, err := s.hosts.Host(hostID)
	if err != nil {
		return model.PairingChallenge{}, err
	}
	if host.Decommissioned {
		return model.PairingChallenge{}, apperr.Validation(model.ReasonInvalidRequest, "host %s is decommissioned", hostID)
	}

	lock := s.hostLock(hostID)
	lock.Lock()
	defer lock.Unlock()

	pin, err := s.genPIN(s.cfg.PINDigits)
	if err != nil {
		return model.PairingChallenge{}, apperr.Wrap(err, apperr.KindInternal, model.ReasonInternal, "generate pin")
	}
	now := s.now()
	ch := model.PairingChallenge{
		Nonce:     uuid.NewString(),
		HostID:    hostID,
		PIN:       pin,
		IssuedAt:  now,
		ExpiresAt: now.Add(s.cfg.TTL),
	}
	if prev := s.challenges.Get(hostID); prev != nil {
		s.logger.Info("pairing challenge superseded", "host_id", hostID, "nonce", prev.Value().Nonce)
	}
	s.challenges.Set(hostID, ch, s.cfg.TTL)

	if host.Trust == model.TrustUntrusted {
		if err := s.hosts.SetTrust(hostID, model.TrustPairing, ""); err != nil {
			return model.PairingChallenge{}, err
		}
	}
	s.logger.InfoContext(ctx, "pairing challenge issued", "host_id", hostID, "nonce", ch.Nonce, "expires_at", ch.ExpiresAt)
	return ch, nil
}

// Challenge 当前未消费的挑战
func (s *Service) Challenge(hostID string) (model.PairingChallenge, bool) {
	item := s.challenges.Get(hostID)
	if item == nil {
		return model.PairingChallenge{}, false
	}
	ch := item.Value()
	if ch.Expired(s.now()) {
		return model.PairingChallenge{}, false
	}
	return ch, true
}

// CompletePairing 校验 PIN 并交给主机确认；成功后主机进入 paired
func (s *Service) CompletePairing(ctx context.Context, hostID, pin, clientIdentity string) (model.PairingResult, error) {
	host, err := s.hosts.Host(hostID)
	if err != nil {
		return model.PairingResult{}, err
	}

	lock := s.hostLock(hostID)
	lock.Lock()
	defer lock.Unlock()

	ch, ok := s.Challenge(hostID)
	if !ok {
		s.observe(hostID, ResultExpired)
		return model.PairingResult{}, apperr.Trust(model.ReasonPairingExpired, "no outstanding pairing challenge for host %s", hostID)
	}
	if subtle.ConstantTimeCompare([]byte(strings.TrimSpace(pin)), []byte(ch.PIN)) != 1 {
		s.observe(hostID, ResultRejected)
		return model.PairingResult{}, apperr.Trust(model.ReasonPairingRejected, "pin mismatch for host %s", hostID)
	}
	if clientIdentity == "" {
		clientIdentity = s.cfg.ClientIdentity
	}

	resp, err := s.pair(ctx, host, hostclient.PairRequest{PIN: ch.PIN, Name: clientIdentity})
	if err != nil {
		return model.PairingResult{}, s.pairFailed(ctx, hostID, err)
	}

	s.challenges.Delete(hostID)
	if err := s.hosts.SetTrust(hostID, model.TrustPaired, resp.Token); err != nil {
		return model.PairingResult{}, err
	}
	s.observe(hostID, ResultPaired)
	s.notify(hostID, nil)

	res := model.PairingResult{HostID: hostID, Trust: model.TrustPaired, PairedAt: s.now()}
	s.logger.InfoContext(ctx, "host paired", "host_id", hostID, "client_identity", clientIdentity)
	return res, nil
}

// pair 不可达时按指数退避重试，主机明确拒绝时立即返回
func (s *Service) pair(ctx context.Context, host model.Host, req hostclient.PairRequest) (hostclient.PairResponse, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.cfg.RetryInitial
	b.MaxInterval = s.cfg.RetryMax

	attempt := 0
	return backoff.Retry(ctx, func() (hostclient.PairResponse, error) {
		attempt++
		actx, cancel := context.WithTimeout(ctx, s.cfg.AttemptTimeout)
		defer cancel()
		resp, err := s.pairer.Pair(actx, host, req)
		if err == nil {
			return resp, nil
		}
		if errors.IsAny(err, hostclient.ErrRejected, hostclient.ErrNotArmed, hostclient.ErrUnauthorized) {
			return resp, backoff.Permanent(err)
		}
		s.logger.Warn("pairing attempt failed", "host_id", host.ID, "attempt", attempt, "error", err)
		return resp, err
	}, backoff.WithBackOff(b), backoff.WithMaxTries(s.cfg.MaxAttempts))
}

func (s *Service) pairFailed(ctx context.Context, hostID string, err error) error {
	switch {
	case errors.Is(err, hostclient.ErrRejected), errors.Is(err, hostclient.ErrUnauthorized):
		// 主机拒绝即消费挑战
		s.challenges.Delete(hostID)
		s.resetTrust(hostID)
		s.observe(hostID, ResultRejected)
		terr := apperr.Wrap(err, apperr.KindTrust, model.ReasonPairingRejected, "host %s rejected pairing", hostID)
		s.notify(hostID, terr)
		return terr
	case errors.Is(err, hostclient.ErrNotArmed):
		s.observe(hostID, ResultRejected)
		return apperr.Wrap(err, apperr.KindTrust, model.ReasonPairingRejected, "host %s has no pin armed", hostID)
	case ctx.Err() != nil:
		s.observe(hostID, ResultTimeout)
		return apperr.Wrap(err, apperr.KindTimeout, model.ReasonPairingTimeout, "pairing with host %s", hostID)
	default:
		s.observe(hostID, ResultUnreachable)
		s.logger.WarnContext(ctx, "host unreachable for pairing", "host_id", hostID, "error", err)
		return apperr.Wrap(err, apperr.KindNetwork, model.ReasonPairingUnreachable, "pairing with host %s", hostID)
	}
}

// EnsurePaired 主机未配对时签发挑战（已有则复用）并等待配对完成，等待不超过挑战有效期。
// ctx 取消时撤销本次签发的挑战。
func (s *Service) EnsurePaired(ctx context.Context, hostID string) error {
	host, err := s.hosts.Host(hostID)
	if err != nil {
		return err
	}
	if host.Trust == model.TrustPaired {
		return nil
	}

	// 先登记等待者，避免在签发与等待之间错过完成通知
	wait := make(chan error, 1)
	s.addWaiter(hostID, wait)
	defer s.removeWaiter(hostID, wait)

	ch, ok := s.Challenge(hostID)
	issued := ""
	if !ok {
		if ch, err = s.InitiatePairing(ctx, hostID); err != nil {
			return err
		}
		issued = ch.Nonce
	}
	if host, err = s.hosts.Host(hostID); err == nil && host.Trust == model.TrustPaired {
		return nil
	}

	timer := time.NewTimer(time.Until(ch.ExpiresAt))
	defer timer.Stop()
	select {
	case err := <-wait:
		return err
	case <-timer.C:
		return apperr.New(apperr.KindTimeout, model.ReasonPairingTimeout, "pairing with host %s not completed in time", hostID)
	case <-ctx.Done():
		if issued != "" {
			s.withdraw(hostID, issued)
		}
		return apperr.Wrap(ctx.Err(), apperr.KindTimeout, model.ReasonPairingTimeout, "waiting for pairing with host %s", hostID)
	}
}

// Cancel 撤销主机未消费的挑战，等待者收到 PAIRING_EXPIRED
func (s *Service) Cancel(hostID string) bool {
	lock := s.hostLock(hostID)
	lock.Lock()
	defer lock.Unlock()

	if _, ok := s.Challenge(hostID); !ok {
		return false
	}
	s.challenges.Delete(hostID)
	s.resetTrust(hostID)
	s.notify(hostID, apperr.Trust(model.ReasonPairingExpired, "pairing challenge for host %s withdrawn", hostID))
	s.logger.Info("pairing challenge withdrawn", "host_id", hostID)
	return true
}

// withdraw 只撤销指定 nonce 的挑战
func (s *Service) withdraw(hostID, nonce string) {
	lock := s.hostLock(hostID)
	lock.Lock()
	defer lock.Unlock()

	if ch, ok := s.Challenge(hostID); !ok || ch.Nonce != nonce {
		return
	}
	s.challenges.Delete(hostID)
	s.resetTrust(hostID)
	s.logger.Debug("pairing challenge released", "host_id", hostID, "nonce", nonce)
}

func (s *Service) resetTrust(hostID string) {
	host, err := s.hosts.Host(hostID)
	if err != nil || host.Trust != model.TrustPairing {
		return
	}
	if err := s.hosts.SetTrust(hostID, model.TrustUntrusted, ""); err != nil {
		s.logger.Warn("reset host trust failed", "host_id", hostID, "error", err)
	}
}

func (s *Service) hostLock(hostID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[hostID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[hostID] = l
	}
	return l
}

func (s *Service) addWaiter(hostID string, ch chan error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.waiters[hostID]
	if !ok {
		set = make(map[chan error]struct{})
		s.waiters[hostID] = set
	}
	set[ch] = struct{}{}
}

func (s *Service) removeWaiter(hostID string, ch chan error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.waiters[hostID], ch)
	if len(s.waiters[hostID]) == 0 {
		delete(s.waiters, hostID)
	}
}

func (s *Service) notify(hostID string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for ch := range s.waiters[hostID] {
		select {
		case ch <- err:
		default:
		}
	}
}

func generatePIN(digits int) (string, error) {
	var sb strings.Builder
	ten := big.NewInt(10)
	for i := 0; i < digits; i++ {
		n, err := rand.Int(rand.Reader, ten)
		if err != nil {
			return "", err
		}
		sb.WriteByte(byte('0' + n.Int64()))
	}
	return sb.String(), nil
}
