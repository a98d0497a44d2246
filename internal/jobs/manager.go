// Package jobs runs the gateway's periodic maintenance tasks.
package jobs

import (
	"context"
	"fmt"
	"sync"
	"time"

	"clawbernetes/internal/metrics"
	"clawbernetes/pkg/logger"
)

// Job represents a periodic background task.
type Job interface {
	Name() string
	Interval() time.Duration
	Run(ctx context.Context) error
}

// Manager runs registered jobs on their own tickers until stopped.
// Each run is bounded by the job's interval and a panic fails only that run.
type Manager struct {
	ctx     context.Context
	cancel  context.CancelFunc
	jobs    []Job
	started bool

	mu sync.Mutex
	wg sync.WaitGroup
}

// NewManager creates a job manager bound to the provided context.
func NewManager(parent context.Context) *Manager {
	ctx, cancel := context.WithCancel(parent)
	return &Manager{ctx: ctx, cancel: cancel}
}

// Register adds a job. Jobs registered after Start are ignored.
func (m *Manager) Register(job Job) {
	if job == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		logger.WarnCtx(m.ctx, "job %s registered after start, ignoring", job.Name())
		return
	}
	m.jobs = append(m.jobs, job)
}

// Start launches all registered jobs. Calling it twice is a no-op.
func (m *Manager) Start() {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return
	}
	m.started = true
	jobs := append([]Job(nil), m.jobs...)
	m.mu.Unlock()

	for _, job := range jobs {
		m.wg.Add(1)
		go m.loop(job)
	}
	logger.InfoCtx(m.ctx, "started %d background jobs", len(jobs))
}

// Stop signals all jobs to stop.
func (m *Manager) Stop() {
	m.cancel()
}

// Wait blocks until all jobs exit.
func (m *Manager) Wait() {
	m.wg.Wait()
}

func (m *Manager) loop(job Job) {
	defer m.wg.Done()

	interval := job.Interval()
	if interval <= 0 {
		interval = time.Minute
	}

	m.runOnce(job, interval)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.runOnce(job, interval)
		}
	}
}

func (m *Manager) runOnce(job Job, timeout time.Duration) {
	ctx, cancel := context.WithTimeout(m.ctx, timeout)
	defer cancel()

	start := time.Now()
	err := safeRun(ctx, job)
	metrics.JobDuration.WithLabelValues(job.Name()).Observe(time.Since(start).Seconds())

	switch {
	case err == nil:
		metrics.JobRuns.WithLabelValues(job.Name(), "ok").Inc()
	case m.ctx.Err() != nil:
		// shutting down
	default:
		metrics.JobRuns.WithLabelValues(job.Name(), "error").Inc()
		logger.WarnCtx(m.ctx, "background job %s failed: %v", job.Name(), err)
	}
}

func safeRun(ctx context.Context, job Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return job.Run(ctx)
}
