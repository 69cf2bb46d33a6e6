package main

import (
	"github.com/gin-gonic/gin"
	"github.com/lk2023060901/xplay/app/orchestrator/internal/handler"
	"github.com/lk2023060901/xplay/app/orchestrator/internal/hostclient"
	"github.com/lk2023060901/xplay/app/orchestrator/internal/metrics"
	"github.com/lk2023060901/xplay/app/orchestrator/internal/model"
	"github.com/lk2023060901/xplay/app/orchestrator/internal/orchestrator"
	"github.com/lk2023060901/xplay/app/orchestrator/internal/pairing"
	"github.com/lk2023060901/xplay/app/orchestrator/internal/registry"
	"github.com/lk2023060901/xplay/app/orchestrator/internal/resolver"
	"github.com/lk2023060901/xplay/app/orchestrator/internal/store"
	"github.com/lk2023060901/xplay/pkg/app"
	"github.com/lk2023060901/xplay/pkg/config"
	"github.com/lk2023060901/xplay/pkg/logger"
	"github.com/lk2023060901/xplay/pkg/notify"
	"github.com/lk2023060901/xplay/pkg/notify/feishu"
	"github.com/lk2023060901/xplay/pkg/otel"
	xprom "github.com/lk2023060901/xplay/pkg/prometheus"
	"github.com/lk2023060901/xplay/pkg/security"
	"github.com/lk2023060901/xplay/pkg/sentry"
	"github.com/lk2023060901/xplay/pkg/web"
	"github.com/lk2023060901/xplay/pkg/web/middleware"
	"github.com/lk2023060901/xplay/pkg/web/validator"
)

// HostConfig 启动时登记的主机
type HostConfig struct {
	ID      string `mapstructure:"id"`
	Name    string `mapstructure:"name"`
	Region  string `mapstructure:"region"`
	Address string `mapstructure:"address"`
}

// AlertConfig 运维告警，飞书机器人与 Sentry 都未配置时关闭
type AlertConfig struct {
	Dispatcher notify.DispatcherConfig `mapstructure:"dispatcher"`
	Feishu     feishu.Config           `mapstructure:"feishu"`
	Sentry     sentry.Config           `mapstructure:"sentry"`
}

// Config 编排服务配置
type Config struct {
	Log logger.Config `mapstructure:"log"`

	// HTTP 接口
	Web web.Config `mapstructure:"web"`

	// 用户认证，关闭时信任网关透传的 X-User-ID
	JWT security.JWTConfig `mapstructure:"jwt"`

	// AdminToken 主机管理接口口令，为空时关闭管理接口
	AdminToken string `mapstructure:"admin_token"`

	Session    orchestrator.Config `mapstructure:"session"`
	Resolver   resolver.Config     `mapstructure:"resolver"`
	Registry   registry.Config     `mapstructure:"registry"`
	Pairing    pairing.Config      `mapstructure:"pairing"`
	HostClient hostclient.Config   `mapstructure:"host_client"`
	Store      store.Config        `mapstructure:"store"`
	Prometheus xprom.Config        `mapstructure:"prometheus"`
	Tracing    otel.Config         `mapstructure:"tracing"`
	Alerts     AlertConfig         `mapstructure:"alerts"`

	// 主机清单
	Hosts []HostConfig `mapstructure:"hosts"`

	// 游戏目录 gameId -> 标题
	Games map[string]string `mapstructure:"games"`
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

	a := app.NewBaseApp(app.WithName("orchestrator"), app.WithLogger(l))
	if err := setup(a, &cfg, l); err != nil {
		l.Error("failed to initialize application", "error", err)
		return
	}

	if err := a.Run(); err != nil {
		l.Error("application exited with error", "error", err)
	}
}

func setup(a *app.BaseApp, cfg *Config, l logger.Logger) error {
	// 3. 指标
	promClient, err := xprom.New(&cfg.Prometheus)
	if err != nil {
		return err
	}
	m := metrics.New(promClient)

	if cfg.Tracing.ServiceName == "" {
		cfg.Tracing.ServiceName = "orchestrator"
	}
	tp, err := otel.New(&cfg.Tracing)
	if err != nil {
		return err
	}
	// 最后关闭，导出关闭过程中的 span
	a.AppendCloser(tp)

	// 4. 主机接入
	hosts, err := hostclient.New(&cfg.HostClient, l)
	if err != nil {
		return err
	}
	reg, err := registry.New(&cfg.Registry, hosts, l, registry.WithObserver(m.CatalogSync))
	if err != nil {
		return err
	}
	res, err := resolver.New(&cfg.Resolver, reg, hosts, l)
	if err != nil {
		return err
	}
	for _, h := range cfg.Hosts {
		if _, err := res.RegisterHost(model.Host{ID: h.ID, Name: h.Name, Region: h.Region, Address: h.Address}); err != nil {
			return err
		}
	}

	ps, err := pairing.New(&cfg.Pairing, hosts, res, l, pairing.WithObserver(m.PairingAttempt))
	if err != nil {
		return err
	}
	a.AppendCloser(app.CloserFunc(func() error {
		ps.Close()
		return nil
	}))

	// 5. 会话编排
	st, err := store.New(&cfg.Store)
	if err != nil {
		return err
	}

	if len(cfg.Games) > 0 {
		cfg.Session.Games = cfg.Games
	}
	opts := []orchestrator.Option{
		orchestrator.WithMetrics(m),
		orchestrator.WithTracer(tp.Tracer("orchestrator")),
	}
	var sinks notify.Multi
	var webOpts []web.ServerOption
	if cfg.Alerts.Feishu.WebhookURL != "" {
		bot, err := feishu.NewAdapter(&cfg.Alerts.Feishu)
		if err != nil {
			return err
		}
		sinks = append(sinks, bot)
	}
	if cfg.Alerts.Sentry.DSN != "" {
		sc, err := sentry.New(&cfg.Alerts.Sentry)
		if err != nil {
			return err
		}
		a.AppendCloser(sc)
		sinks = append(sinks, sc)
		webOpts = append(webOpts, web.WithPanicHook(sc.CapturePanic))
	}
	if len(sinks) > 0 {
		if cfg.Alerts.Dispatcher.Service == "" {
			cfg.Alerts.Dispatcher.Service = "orchestrator"
		}
		var target notify.Notifier = sinks
		if len(sinks) == 1 {
			target = sinks[0]
		}
		alerts, err := notify.NewDispatcher(target, &cfg.Alerts.Dispatcher, l)
		if err != nil {
			return err
		}
		// 晚于编排关闭，发送关闭过程中产生的告警
		a.AppendCloser(alerts)
		opts = append(opts, orchestrator.WithNotifier(alerts))
	}
	orch, err := orchestrator.New(&cfg.Session, res, ps, hosts, st, l, opts...)
	if err != nil {
		return err
	}
	// 编排关闭时归档全部会话并关闭 store
	a.AppendCloser(orch)

	jobs, err := orch.Jobs()
	if err != nil {
		return err
	}

	// 6. HTTP
	validator.Init()
	if cfg.Web.ServiceName == "" {
		cfg.Web.ServiceName = "orchestrator"
	}
	srv, err := web.NewServer(&cfg.Web, l, append(webOpts, web.WithRegistry(promClient.Registry()))...)
	if err != nil {
		return err
	}

	auth := &middleware.AuthConfig{Logger: l}
	if cfg.JWT.Enabled {
		jm, err := security.NewJWTManager(&cfg.JWT)
		if err != nil {
			return err
		}
		auth.JWTManager = jm
	}
	handler.New(handler.Config{
		AdminToken: cfg.AdminToken,
		Games:      cfg.Games,
		Auth:       middleware.Auth(auth),
	}, orch, res, reg, ps, l).Register(srv.Router())

	srv.Router().GET("/healthz", func(c *gin.Context) {
		web.Success(c, gin.H{"status": "ok", "sessions": len(orch.List())})
	})

	a.AppendServer(srv, jobs)
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
