package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"clawbernetes/app/handler"
	"clawbernetes/internal/admission"
	"clawbernetes/internal/alert"
	"clawbernetes/internal/dispatcher"
	"clawbernetes/internal/jobs"
	"clawbernetes/internal/registry"
	"clawbernetes/internal/service"
	"clawbernetes/internal/service/logbuf"
	"clawbernetes/internal/workload"
	"clawbernetes/pkg/config"
	"clawbernetes/pkg/logger"
	redisstore "clawbernetes/pkg/store/redis"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
)

// Application manages the lifecycle of the gateway
type Application struct {
	config      *config.Config
	redisClient *redisstore.RedisClient

	// Core state
	registry   *registry.Registry
	workloads  *workload.Manager
	dispatcher *dispatcher.Dispatcher
	logs       *logbuf.Buffer
	alerts     *alert.Manager
	admission  *admission.Admission

	// Service layer
	nodeService    *service.NodeService
	clusterService *service.ClusterService

	// Handler layer
	rpcHandler     *handler.RPCHandler
	sessionHandler *handler.SessionHandler

	metrics *prometheus.Registry

	httpServer *http.Server
	ginEngine  *gin.Engine
	serverErr  chan error

	jobsManager *jobs.Manager

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	cleanupFuncs []func()
}

// NewApplication creates a new Application instance
func NewApplication() *Application {
	ctx, cancel := context.WithCancel(context.Background())
	return &Application{
		ctx:          ctx,
		cancel:       cancel,
		serverErr:    make(chan error, 1),
		cleanupFuncs: make([]func(), 0),
	}
}

// Initialize initializes all application components
func (app *Application) Initialize() error {
	steps := []struct {
		name string
		fn   func() error
	}{
		{"Configuration", app.initConfig},
		{"Logging", app.initLogger},
		{"Redis", app.initRedis},
		{"Metrics", app.initMetrics},
		{"Cluster State", app.initClusterState},
		{"Admission", app.initAdmission},
		{"Service Layer", app.initServices},
		{"Background Tasks", app.initJobs},
		{"Handler Layer", app.initHandlers},
		{"HTTP Server", app.initHTTPServer},
	}

	for _, step := range steps {
		logger.InfoCtx(app.ctx, "Initializing %s...", step.name)
		if err := step.fn(); err != nil {
			return fmt.Errorf("failed to initialize %s: %w", step.name, err)
		}
	}

	logger.InfoCtx(app.ctx, "Gateway initialization completed")
	return nil
}

// Start starts all application components
func (app *Application) Start() error {
	app.goRun(func() { app.dispatcher.Run(app.ctx) })
	app.goRun(func() { app.alerts.Run(app.ctx) })

	if app.jobsManager != nil {
		app.jobsManager.Start()
		app.goRun(app.jobsManager.Wait)
	}

	app.goRun(func() {
		logger.InfoCtx(app.ctx, "Gateway listening on %s (%s)", app.httpServer.Addr, app.config.Server.URL)
		if err := app.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			app.serverErr <- err
		}
	})

	return nil
}

func (app *Application) goRun(fn func()) {
	app.wg.Add(1)
	go func() {
		defer app.wg.Done()
		fn()
	}()
}

// Shutdown gracefully shuts down the application
func (app *Application) Shutdown(timeout time.Duration) error {
	logger.InfoCtx(app.ctx, "Starting graceful shutdown (timeout: %v)...", timeout)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	// cancelling app.ctx also closes every open node session
	app.cancel()
	if app.jobsManager != nil {
		app.jobsManager.Stop()
	}

	var shutdownErr error
	if err := app.httpServer.Shutdown(shutdownCtx); err != nil {
		logger.ErrorCtx(app.ctx, "HTTP server shutdown error: %v", err)
		shutdownErr = err
	}

	done := make(chan struct{})
	go func() {
		app.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger.InfoCtx(app.ctx, "All background tasks completed")
	case <-shutdownCtx.Done():
		logger.WarnCtx(app.ctx, "Shutdown timeout, some tasks may not have completed")
	}

	for i := len(app.cleanupFuncs) - 1; i >= 0; i-- {
		app.cleanupFuncs[i]()
	}

	_ = logger.Sync()
	return shutdownErr
}

func (app *Application) registerCleanup(fn func()) {
	app.cleanupFuncs = append(app.cleanupFuncs, fn)
}
