// Package hostpair 主机侧配对：操作者在本机登记编排服务展示的 PIN，
// 编排服务在有效期内提交一次即换取访问令牌。
package hostpair

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"sync"
	"time"

	"github.com/lk2023060901/xplay/pkg/config"
	"github.com/lk2023060901/xplay/pkg/logger"
)

var (
	// ErrNotArmed 没有登记 PIN 或已过期
	ErrNotArmed = errors.New("hostpair: no pin armed")
	// ErrPINMismatch PIN 不一致
	ErrPINMismatch = errors.New("hostpair: pin mismatch")
	// ErrInvalidPIN PIN 格式错误
	ErrInvalidPIN = errors.New("hostpair: invalid pin")
)

// Config 配对配置
type Config struct {
	// ArmTTL 登记的 PIN 有效期
	ArmTTL time.Duration `mapstructure:"arm_ttl" json:"arm_ttl"`
	// MaxFailures 连续失败次数上限，达到后作废已登记的 PIN
	MaxFailures int `mapstructure:"max_failures" json:"max_failures"`
	// Tokens 预置的已配对令牌（重启后保持信任）
	Tokens []string `mapstructure:"tokens" json:"-"`
}

// DefaultConfig 默认配置
func DefaultConfig() *Config {
	return &Config{ArmTTL: 2 * time.Minute, MaxFailures: 3}
}

// Client 已配对的调用方
type Client struct {
	Name     string    `json:"name"`
	PairedAt time.Time `json:"paired_at"`
}

type armed struct {
	pin       string
	expiresAt time.Time
	failures  int
}

// Pairer 配对状态，并发安全
type Pairer struct {
	cfg    *Config
	logger logger.Logger
	now    func() time.Time

	mu      sync.Mutex
	armed   *armed
	clients map[string]Client // sha256(token) -> client
}

// New 创建配对状态
func New(cfg *Config, l logger.Logger) (*Pairer, error) {
	newCfg, err := config.MergeConfig(DefaultConfig(), cfg)
	if err != nil {
		return nil, err
	}
	p := &Pairer{
		cfg:     newCfg,
		logger:  l.Named("hostpair"),
		now:     time.Now,
		clients: make(map[string]Client),
	}
	for _, tok := range newCfg.Tokens {
		p.clients[digest(tok)] = Client{Name: "preset"}
	}
	return p, nil
}

// Arm 登记 PIN，覆盖之前未使用的 PIN
func (p *Pairer) Arm(pin string) (time.Time, error) {
	if !validPIN(pin) {
		return time.Time{}, ErrInvalidPIN
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	exp := p.now().Add(p.cfg.ArmTTL)
	p.armed = &armed{pin: pin, expiresAt: exp}
	p.logger.Info("pin armed", "expires_at", exp)
	return exp, nil
}

// Armed 是否有有效的 PIN
func (p *Pairer) Armed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.activeLocked() != nil
}

// Pair 校验 PIN 并签发令牌，成功后 PIN 作废
func (p *Pairer) Pair(pin, name string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	a := p.activeLocked()
	if a == nil {
		return "", ErrNotArmed
	}
	if subtle.ConstantTimeCompare([]byte(pin), []byte(a.pin)) != 1 {
		a.failures++
		if a.failures >= p.cfg.MaxFailures {
			p.armed = nil
			p.logger.Warn("pin disarmed after repeated failures", "name", name, "failures", a.failures)
		}
		return "", ErrPINMismatch
	}
	p.armed = nil

	token, err := newToken()
	if err != nil {
		return "", err
	}
	p.clients[digest(token)] = Client{Name: name, PairedAt: p.now()}
	p.logger.Info("client paired", "name", name)
	return token, nil
}

// Authorize 令牌是否来自已配对的调用方
func (p *Pairer) Authorize(token string) bool {
	if token == "" {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.clients[digest(token)]
	return ok
}

// Clients 已配对的调用方
func (p *Pairer) Clients() []Client {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Client, 0, len(p.clients))
	for _, c := range p.clients {
		out = append(out, c)
	}
	return out
}

func (p *Pairer) activeLocked() *armed {
	if p.armed == nil {
		return nil
	}
	if !p.now().Before(p.armed.expiresAt) {
		p.armed = nil
		return nil
	}
	return p.armed
}

func validPIN(pin string) bool {
	if len(pin) < 4 || len(pin) > 12 {
		return false
	}
	for _, r := range pin {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func newToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

func digest(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
