package registry

import (
	"context"
	"time"

	"clawbernetes/pkg/logger"
)

// SweepJob periodically demotes and evicts nodes with stale heartbeats.
type SweepJob struct {
	registry *Registry
	interval time.Duration
}

// NewSweepJob creates the health sweeper job.
func NewSweepJob(r *Registry, interval time.Duration) *SweepJob {
	if interval <= 0 {
		interval = r.HeartbeatInterval()
	}
	return &SweepJob{registry: r, interval: interval}
}

func (j *SweepJob) Name() string { return "node-health-sweeper" }

func (j *SweepJob) Interval() time.Duration { return j.interval }

func (j *SweepJob) Run(ctx context.Context) error {
	res := j.registry.Sweep(j.registry.opts.Now())
	for _, id := range res.Unhealthy {
		logger.WarnCtx(ctx, "node %s marked unhealthy: heartbeat missed", id)
	}
	for _, id := range res.Evicted {
		logger.WarnCtx(ctx, "node %s evicted: heartbeat timeout", id)
	}
	return nil
}
