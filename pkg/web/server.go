package web

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/lk2023060901/xplay/pkg/config"
	"github.com/lk2023060901/xplay/pkg/logger"
	"github.com/lk2023060901/xplay/pkg/security"
	"github.com/lk2023060901/xplay/pkg/web/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	ErrServerAlreadyStarted = errors.New("web: server already started")
	ErrServerNotStarted     = errors.New("web: server not started")
)

// Server Web 服务，实现 app.Server
type Server struct {
	engine  *gin.Engine
	config  *Config
	logger  logger.Logger
	limiter *middleware.RateLimiter

	mu       sync.Mutex
	server   *http.Server
	listener net.Listener
}

// ServerOption 服务选项
type ServerOption func(*serverOptions)

type serverOptions struct {
	registry   *prometheus.Registry
	panicHooks []middleware.PanicHook
}

// WithRegistry 指定 /metrics 使用的注册器
func WithRegistry(reg *prometheus.Registry) ServerOption {
	return func(o *serverOptions) { o.registry = reg }
}

// WithPanicHook 在恢复 panic 后额外调用 h
func WithPanicHook(h middleware.PanicHook) ServerOption {
	return func(o *serverOptions) { o.panicHooks = append(o.panicHooks, h) }
}

// NewServer 创建 Web 服务
func NewServer(cfg *Config, l logger.Logger, opts ...ServerOption) (*Server, error) {
	newCfg, err := config.MergeConfig(DefaultConfig(), cfg)
	if err != nil {
		return nil, err
	}
	if l == nil {
		l = logger.Default()
	}
	o := &serverOptions{}
	for _, opt := range opts {
		opt(o)
	}

	gin.SetMode(newCfg.Mode)
	engine := gin.New()
	engine.Use(middleware.Recovery(l, o.panicHooks...))
	if newCfg.EnableTracing {
		engine.Use(middleware.Tracing(newCfg.ServiceName))
	}
	engine.Use(middleware.Logger(l))

	s := &Server{
		engine: engine,
		config: newCfg,
		logger: l.Named("web.server"),
	}

	if newCfg.CORS.Enabled {
		engine.Use(middleware.CORS(newCfg.CORS.AllowOrigins))
	}
	if newCfg.EnableMetrics {
		var reg prometheus.Registerer = prometheus.DefaultRegisterer
		var gatherer prometheus.Gatherer = prometheus.DefaultGatherer
		if o.registry != nil {
			reg, gatherer = o.registry, o.registry
		}
		engine.Use(middleware.Metrics(middleware.NewHTTPMetrics(reg)))
		engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	}
	if rl := newCfg.RateLimit; rl.Enabled {
		s.limiter = middleware.NewRateLimiter(l, &middleware.RateLimitConfig{
			RequestsPerSecond: rl.RequestsPerSecond,
			Burst:             rl.Burst,
			MaxClients:        rl.MaxClients,
			ClientTTL:         rl.ClientTTL,
			SkipPaths:         rl.SkipPaths,
		})
		engine.Use(middleware.RateLimit(s.limiter))
	}

	return s, nil
}

// Router 返回 Gin 引擎，用于注册路由
func (s *Server) Router() *gin.Engine {
	return s.engine
}

// Handler 返回 http.Handler
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Addr 实际监听地址（Start 之后有效）
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return s.config.Addr
	}
	return s.listener.Addr().String()
}

// Start 非阻塞启动监听
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.server != nil {
		return ErrServerAlreadyStarted
	}

	srv := &http.Server{
		Addr:           s.config.Addr,
		Handler:        s.engine,
		ReadTimeout:    s.config.ReadTimeout,
		WriteTimeout:   s.config.WriteTimeout,
		MaxHeaderBytes: 1 << 20,
	}
	if s.config.EnableTLS {
		tlsCfg, err := security.NewServerTLSConfig(s.config.TLS)
		if err != nil {
			return err
		}
		srv.TLSConfig = tlsCfg
	}

	ln, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return err
	}
	s.server, s.listener = srv, ln

	go func() {
		var err error
		if s.config.EnableTLS {
			s.logger.Info("starting https server", "addr", ln.Addr().String())
			err = srv.ServeTLS(ln, "", "")
		} else {
			s.logger.Info("starting http server", "addr", ln.Addr().String())
			err = srv.Serve(ln)
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("server stopped unexpectedly", "error", err)
		}
	}()
	return nil
}

// Stop 优雅关闭
func (s *Server) Stop() error {
	s.mu.Lock()
	srv := s.server
	s.mu.Unlock()
	if srv == nil {
		return ErrServerNotStarted
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.config.StopTimeout)
	defer cancel()

	if s.limiter != nil {
		s.limiter.Close()
	}
	if err := srv.Shutdown(ctx); err != nil {
		return err
	}
	s.logger.Info("server exited")
	return nil
}
