package main

import (
	"os"
	"time"

	"clawbernetes/internal/admission"
	"clawbernetes/internal/jobs"
	"clawbernetes/internal/registry"
	redisstore "clawbernetes/pkg/store/redis"
)

func (app *Application) initJobs() error {
	cfg := app.config
	manager := jobs.NewManager(app.ctx)

	manager.Register(registry.NewSweepJob(app.registry, millis(cfg.Registry.SweepIntervalMs)))
	manager.Register(admission.NewJanitorJob(app.admission, time.Duration(cfg.Jobs.JanitorIntervalSecs)*time.Second))
	manager.Register(jobs.NewRetentionJob(
		time.Duration(cfg.Jobs.RetentionIntervalSecs)*time.Second,
		time.Duration(cfg.Jobs.RetentionSecs)*time.Second,
		app.workloads,
		app.logs,
		nil,
	))
	manager.Register(jobs.NewGaugeJob(millis(cfg.Jobs.GaugeIntervalMs), app.registry, app.workloads))
	jobs.CountTransitions(app.workloads)

	if app.redisClient != nil {
		gateway, err := os.Hostname()
		if err != nil || gateway == "" {
			gateway = cfg.ListenAddr()
		}
		manager.Register(jobs.NewNodeStatusJob(
			millis(cfg.Jobs.MirrorIntervalMs),
			gateway,
			app.registry,
			redisstore.NewNodeRepository(app.redisClient),
		))
	}

	app.jobsManager = manager
	return nil
}
