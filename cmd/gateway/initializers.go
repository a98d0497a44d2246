package main

import (
	"net/http"
	"time"

	"clawbernetes/app/handler"
	"clawbernetes/app/router"
	"clawbernetes/internal/admission"
	"clawbernetes/internal/alert"
	"clawbernetes/internal/dispatcher"
	"clawbernetes/internal/metrics"
	"clawbernetes/internal/registry"
	"clawbernetes/internal/service"
	"clawbernetes/internal/service/logbuf"
	"clawbernetes/internal/session"
	"clawbernetes/internal/workload"
	"clawbernetes/pkg/config"
	"clawbernetes/pkg/logger"
	"clawbernetes/pkg/notification"
	redisstore "clawbernetes/pkg/store/redis"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

func millis(ms int) time.Duration { return time.Duration(ms) * time.Millisecond }

// initConfig initializes configuration
func (app *Application) initConfig() error {
	if err := config.Init(); err != nil {
		return err
	}
	app.config = config.GlobalConfig
	return nil
}

// initLogger initializes logging
func (app *Application) initLogger() error {
	if err := logger.Init(app.config.Logger); err != nil {
		return err
	}
	app.registerCleanup(func() {
		_ = logger.Sync()
	})
	return nil
}

// initRedis connects to Redis when configured. Without it the blocklist
// stays in memory and node status is not mirrored.
func (app *Application) initRedis() error {
	if app.config.Redis.Addr == "" {
		logger.InfoCtx(app.ctx, "Redis not configured, using in-memory blocklist")
		return nil
	}
	client, err := redisstore.NewRedisClient(app.config.Redis)
	if err != nil {
		return err
	}
	app.redisClient = client
	app.registerCleanup(func() {
		_ = client.Close()
		logger.InfoCtx(app.ctx, "Redis connection has been closed")
	})
	return nil
}

func (app *Application) initMetrics() error {
	app.metrics = prometheus.NewRegistry()
	app.metrics.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return metrics.Register(app.metrics)
}

func (app *Application) initClusterState() error {
	cfg := app.config
	app.registry = registry.New(registry.Options{
		HeartbeatInterval: millis(cfg.Session.HeartbeatIntervalMs),
		UnhealthyAfter:    cfg.Registry.UnhealthyAfter,
		EvictAfter:        cfg.Registry.EvictAfter,
		PlacementWindow:   time.Duration(cfg.Registry.PlacementWindowSecs) * time.Second,
	})
	app.workloads = workload.NewManager(nil)
	app.dispatcher = dispatcher.New(app.registry, app.workloads, dispatcher.Options{
		MaxReschedules: cfg.Dispatcher.MaxReschedules,
		SendTimeout:    millis(cfg.Dispatcher.SendTimeoutMs),
	})
	app.logs = logbuf.New(cfg.Jobs.LogLinesPerWorkload, cfg.Jobs.LogMaxWorkloads)

	feishu := notification.NewFeishuNotifier(cfg.Notification.FeishuWebhookURL)
	if feishu.Enabled() {
		app.alerts = alert.NewManager(feishu, nil)
	} else {
		app.alerts = alert.NewManager(nil, nil)
	}
	app.registry.Subscribe(app.alerts.OnNodeEvent)
	app.workloads.Subscribe(app.alerts.OnTransition)
	return nil
}

func (app *Application) initAdmission() error {
	cfg := app.config.Admission
	if cfg.Disabled {
		logger.WarnCtx(app.ctx, "Admission control is disabled")
	}

	var bl admission.Blocklist
	if cfg.Blocklist.Backend == "redis" {
		if app.redisClient == nil {
			logger.WarnCtx(app.ctx, "Redis blocklist requested but Redis is not configured, falling back to memory")
		} else {
			bl = admission.NewStoreBlocklist(redisstore.NewBlocklistRepository(app.redisClient), nil)
		}
	}

	adm, err := admission.New(app.ctx, cfg, bl, nil)
	if err != nil {
		return err
	}
	app.admission = adm
	return nil
}

// initServices initializes service layer
func (app *Application) initServices() error {
	app.nodeService = service.NewNodeService(
		app.registry,
		app.workloads,
		app.dispatcher,
		app.logs,
		millis(app.config.Session.MetricsIntervalMs),
	)
	app.clusterService = service.NewClusterService(
		app.registry,
		app.workloads,
		app.dispatcher,
		app.logs,
		app.alerts,
	)
	return nil
}

// initHandlers initializes handler layer
func (app *Application) initHandlers() error {
	app.rpcHandler = handler.NewRPCHandler(app.clusterService, app.admission)
	app.sessionHandler = handler.NewSessionHandler(
		app.ctx,
		app.admission,
		app.nodeService,
		session.OptionsFromConfig(app.config.Session),
	)
	return nil
}

func (app *Application) initHTTPServer() error {
	r := router.NewRouter(app.rpcHandler, app.sessionHandler, app.config.Server.AuthToken, app.metrics)
	if app.config.Server.AuthToken == "" {
		logger.WarnCtx(app.ctx, "auth_token is empty, node and admin authentication is disabled")
	}

	gin.SetMode(app.config.Server.Mode)
	app.ginEngine = gin.New()
	r.Setup(app.ginEngine)

	app.httpServer = &http.Server{
		Addr:              app.config.ListenAddr(),
		Handler:           app.ginEngine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return nil
}
