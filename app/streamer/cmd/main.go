package main

import (
	"time"

	"github.com/lk2023060901/xplay/app/streamer/internal/handler"
	"github.com/lk2023060901/xplay/app/streamer/internal/hostpair"
	"github.com/lk2023060901/xplay/app/streamer/internal/launcher"
	"github.com/lk2023060901/xplay/app/streamer/internal/metrics"
	"github.com/lk2023060901/xplay/app/streamer/internal/reporter"
	"github.com/lk2023060901/xplay/pkg/app"
	"github.com/lk2023060901/xplay/pkg/config"
	"github.com/lk2023060901/xplay/pkg/logger"
	"github.com/lk2023060901/xplay/pkg/metrics/system"
	"github.com/lk2023060901/xplay/pkg/otel"
	xprom "github.com/lk2023060901/xplay/pkg/prometheus"
	"github.com/lk2023060901/xplay/pkg/web"
	"github.com/lk2023060901/xplay/pkg/web/validator"
	"github.com/lk2023060901/xplay/pkg/websocket"
	"github.com/panjf2000/ants/v2"
)

// Config 推流端配置
type Config struct {
	Log logger.Config `mapstructure:"log"`
	Web web.Config    `mapstructure:"web"`

	Launcher   launcher.Config  `mapstructure:"launcher"`
	Pairing    hostpair.Config  `mapstructure:"pairing"`
	Reporter   reporter.Config  `mapstructure:"reporter"`
	Websocket  websocket.Config `mapstructure:"websocket"`
	Prometheus xprom.Config     `mapstructure:"prometheus"`
	Tracing    otel.Config      `mapstructure:"tracing"`

	// HealthInterval 负载采样周期
	HealthInterval time.Duration `mapstructure:"health_interval"`
	// PoolSize 管道发送协程池大小
	PoolSize int `mapstructure:"pool_size"`
}

func main() {
	var cfg Config

	// 1. 加载配置
	mgr, err := app.LoadConfig(&cfg)
	if err != nil {
		panic(err)
	}

	// 2. 初始化 Logger
	l, err := logger.New(&cfg.Log)
	if err != nil {
		panic(err)
	}
	watchLogLevel(mgr, l)

	a := app.NewBaseApp(app.WithName("streamer"), app.WithLogger(l))
	if err := setup(a, &cfg, l); err != nil {
		l.Error("failed to initialize application", "error", err)
		return
	}

	if err := a.Run(); err != nil {
		l.Error("application exited with error", "error", err)
	}
}

func setup(a *app.BaseApp, cfg *Config, l logger.Logger) error {
	// 3. 指标与负载采样
	promClient, err := xprom.New(&cfg.Prometheus)
	if err != nil {
		return err
	}
	m := metrics.New(promClient)

	if cfg.Tracing.ServiceName == "" {
		cfg.Tracing.ServiceName = "streamer"
	}
	tp, err := otel.New(&cfg.Tracing)
	if err != nil {
		return err
	}
	a.AppendCloser(tp)

	interval := cfg.HealthInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	collector := system.New(interval)

	// 4. 会话
	size := cfg.PoolSize
	if size <= 0 {
		size = 64
	}
	pool, err := ants.NewPool(size)
	if err != nil {
		return err
	}
	a.AppendCloser(app.CloserFunc(func() error {
		pool.Release()
		return nil
	}))

	rep, err := reporter.New(&cfg.Reporter, nil, l)
	if err != nil {
		return err
	}
	ln, err := launcher.New(&cfg.Launcher, rep, l, launcher.WithPool(pool), launcher.WithMetrics(m))
	if err != nil {
		return err
	}
	// 先于协程池关闭
	a.AppendCloser(ln)

	pairer, err := hostpair.New(&cfg.Pairing, l)
	if err != nil {
		return err
	}

	// 5. HTTP
	validator.Init()
	if cfg.Web.ServiceName == "" {
		cfg.Web.ServiceName = "streamer"
	}
	srv, err := web.NewServer(&cfg.Web, l, web.WithRegistry(promClient.Registry()))
	if err != nil {
		return err
	}
	handler.New(ln, pairer, collector.Stats, l,
		handler.WithPairingObserver(m.PairingAttempt),
		handler.WithWebsocket(&cfg.Websocket),
	).Register(srv.Router())

	a.AppendServer(collector, srv)
	return nil
}

// watchLogLevel 配置文件变化时只热更新日志等级
func watchLogLevel(mgr config.Manager, l *logger.BaseLogger) {
	mgr.Watch(func() {
		var next logger.Config
		if err := mgr.UnmarshalKey("log", &next); err != nil || next.Level == "" {
			return
		}
		l.SetLevel(next.Level)
		l.Info("log level reloaded", "level", next.Level)
	})
}
