// Package launcher 在主机上为会话启动应用进程并持有其实时管道。
package launcher

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/lk2023060901/xplay/app/streamer/internal/reporter"
	"github.com/lk2023060901/xplay/pkg/config"
	"github.com/lk2023060901/xplay/pkg/logger"
	"github.com/lk2023060901/xplay/pkg/stream"
	"github.com/panjf2000/ants/v2"
)

var (
	// ErrUnknownApp 目录中没有该应用
	ErrUnknownApp = errors.New("launcher: unknown app")
	// ErrBusy 主机会话已满
	ErrBusy = errors.New("launcher: host busy")
	// ErrClosed 已关闭
	ErrClosed = errors.New("launcher: closed")
	// ErrSessionNotFound 会话不存在
	ErrSessionNotFound = errors.New("launcher: session not found")
	// ErrInvalidRequest 请求缺少字段
	ErrInvalidRequest = errors.New("launcher: invalid request")
)

// 会话结束原因（指标标签）
const (
	EndStopped           = "stopped"
	EndNegotiationFailed = "negotiation_failed"
	EndDisconnected      = "disconnected"
	EndAppExited         = "app_exited"
	EndCaptureFailed     = "capture_failed"
	EndShutdown          = "shutdown"
)

// App 目录中的可启动应用
type App struct {
	ID     string `mapstructure:"id" json:"id"`
	GameID string `mapstructure:"game_id" json:"game_id"`
	Title  string `mapstructure:"title" json:"title"`
	// Status installed | needs-update
	Status string `mapstructure:"status" json:"status"`
	// Command 启动命令，为空时只推流（桌面/已运行的游戏）
	Command []string `mapstructure:"command" json:"-"`
	Dir     string   `mapstructure:"dir" json:"-"`
	Env     []string `mapstructure:"env" json:"-"`
}

// Config 启动器配置
type Config struct {
	// MaxSessions 同时运行的会话数，单租户主机为 1
	MaxSessions int   `mapstructure:"max_sessions" json:"max_sessions"`
	Apps        []App `mapstructure:"apps" json:"apps"`

	Capture   stream.CaptureConfig   `mapstructure:"capture" json:"capture"`
	Provider  stream.ProviderConfig  `mapstructure:"provider" json:"provider"`
	Signaling stream.SignalingConfig `mapstructure:"signaling" json:"signaling"`

	// AppStopTimeout 应用进程收到终止信号后的退出等待
	AppStopTimeout time.Duration `mapstructure:"app_stop_timeout" json:"app_stop_timeout"`
	// ReportDrainTimeout 会话结束时等待未发送事件的上限
	ReportDrainTimeout time.Duration `mapstructure:"report_drain_timeout" json:"report_drain_timeout"`
	// SignalPathPrefix 返回给编排服务的信令路径前缀
	SignalPathPrefix string `mapstructure:"signal_path_prefix" json:"signal_path_prefix"`
}

// DefaultConfig 默认配置
func DefaultConfig() *Config {
	return &Config{
		MaxSessions:        1,
		Capture:            *stream.DefaultCaptureConfig(),
		Provider:           *stream.DefaultProviderConfig(),
		Signaling:          *stream.DefaultSignalingConfig(),
		AppStopTimeout:     5 * time.Second,
		ReportDrainTimeout: 3 * time.Second,
		SignalPathPrefix:   "/v1/signal/",
	}
}

// PeerFactory 创建传输连接
type PeerFactory func(cfg *stream.SignalingConfig, l logger.Logger) (stream.MediaPeer, error)

// ProviderFactory 创建采集后端
type ProviderFactory func(cfg *stream.ProviderConfig, l logger.Logger) (stream.CaptureProvider, error)

// Metrics 启动器指标
type Metrics interface {
	SessionStarted(appID string)
	SessionEnded(cause string, stats stream.Stats)
	TransportEvent(eventType string)
}

type noopMetrics struct{}

func (noopMetrics) SessionStarted(string)             {}
func (noopMetrics) SessionEnded(string, stream.Stats) {}
func (noopMetrics) TransportEvent(string)             {}

// Option 启动器选项
type Option func(*Launcher)

// WithPeerFactory 替换传输连接实现
func WithPeerFactory(fn PeerFactory) Option {
	return func(l *Launcher) { l.newPeer = fn }
}

// WithProviderFactory 替换采集后端
func WithProviderFactory(fn ProviderFactory) Option {
	return func(l *Launcher) { l.newProvider = fn }
}

// WithPool 管道发送协程使用的共享协程池
func WithPool(pool *ants.Pool) Option {
	return func(l *Launcher) { l.pool = pool }
}

// WithMetrics 指标
func WithMetrics(m Metrics) Option {
	return func(l *Launcher) { l.metrics = m }
}

// LaunchRequest 编排服务的启动请求
type LaunchRequest struct {
	SessionID     string `json:"session_id" binding:"required"`
	AppID         string `json:"app_id" binding:"required"`
	CallbackURL   string `json:"callback_url"`
	CallbackToken string `json:"callback_token"`
}

// Launcher 会话表，并发安全
type Launcher struct {
	cfg         *Config
	reporter    *reporter.Reporter
	logger      logger.Logger
	newPeer     PeerFactory
	newProvider ProviderFactory
	pool        *ants.Pool
	metrics     Metrics

	apps map[string]App

	mu       sync.Mutex
	sessions map[string]*Session
	closed   bool
}

// New 创建启动器
func New(cfg *Config, rep *reporter.Reporter, l logger.Logger, opts ...Option) (*Launcher, error) {
	newCfg, err := config.MergeConfig(DefaultConfig(), cfg)
	if err != nil {
		return nil, err
	}
	if err := newCfg.Capture.Validate(); err != nil {
		return nil, err
	}

	ln := &Launcher{
		cfg:      newCfg,
		reporter: rep,
		logger:   l.Named("launcher"),
		newPeer: func(cfg *stream.SignalingConfig, l logger.Logger) (stream.MediaPeer, error) {
			return stream.NewPionPeer(cfg, l)
		},
		newProvider: stream.NewProvider,
		metrics:     noopMetrics{},
		apps:        make(map[string]App, len(newCfg.Apps)),
		sessions:    make(map[string]*Session),
	}
	for _, opt := range opts {
		opt(ln)
	}
	for _, a := range newCfg.Apps {
		if a.ID == "" {
			return nil, errors.New("launcher: app without id")
		}
		if a.Status == "" {
			a.Status = "installed"
		}
		ln.apps[a.ID] = a
	}
	return ln, nil
}

// Apps 应用目录
func (l *Launcher) Apps() []App {
	out := make([]App, 0, len(l.apps))
	for _, a := range l.apps {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Launch 启动会话；同一 sessionId 重复调用返回已有会话
func (l *Launcher) Launch(req LaunchRequest) (*Session, error) {
	if req.SessionID == "" || req.AppID == "" {
		return nil, ErrInvalidRequest
	}
	app, ok := l.apps[req.AppID]
	if !ok {
		return nil, ErrUnknownApp
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil, ErrClosed
	}
	if s, ok := l.sessions[req.SessionID]; ok {
		return s, nil
	}
	if l.cfg.MaxSessions > 0 && len(l.sessions) >= l.cfg.MaxSessions {
		return nil, ErrBusy
	}

	s, err := l.start(req, app)
	if err != nil {
		return nil, err
	}
	l.sessions[req.SessionID] = s
	l.metrics.SessionStarted(app.ID)
	return s, nil
}

// Get 查找会话
func (l *Launcher) Get(sessionID string) (*Session, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.sessions[sessionID]
	return s, ok
}

// Active 运行中的会话数
func (l *Launcher) Active() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.sessions)
}

// Full 会话数已达上限
func (l *Launcher) Full() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cfg.MaxSessions > 0 && len(l.sessions) >= l.cfg.MaxSessions
}

// List 会话快照
func (l *Launcher) List() []Info {
	l.mu.Lock()
	sessions := make([]*Session, 0, len(l.sessions))
	for _, s := range l.sessions {
		sessions = append(sessions, s)
	}
	l.mu.Unlock()

	out := make([]Info, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.Info())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Stop 停止会话，不存在时返回 false
func (l *Launcher) Stop(sessionID string) bool {
	return l.end(sessionID, EndStopped)
}

func (l *Launcher) end(sessionID, cause string) bool {
	l.mu.Lock()
	s, ok := l.sessions[sessionID]
	if ok {
		delete(l.sessions, sessionID)
	}
	l.mu.Unlock()
	if !ok {
		return false
	}

	s.teardown()
	l.metrics.SessionEnded(cause, s.pipeline.Stats())
	s.logger.Info("session ended", "cause", cause)
	return true
}

// Close 停止全部会话
func (l *Launcher) Close() error {
	l.mu.Lock()
	l.closed = true
	ids := make([]string, 0, len(l.sessions))
	for id := range l.sessions {
		ids = append(ids, id)
	}
	l.mu.Unlock()

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			l.end(id, EndShutdown)
		}(id)
	}
	wg.Wait()
	return nil
}
