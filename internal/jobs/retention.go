package jobs

import (
	"context"
	"time"

	"clawbernetes/internal/service/logbuf"
	"clawbernetes/internal/workload"
	"clawbernetes/pkg/logger"
)

// RetentionJob forgets terminal workloads, and their buffered logs, once
// they have been finished for longer than the retention period.
type RetentionJob struct {
	interval  time.Duration
	retention time.Duration
	workloads *workload.Manager
	logs      *logbuf.Buffer
	now       func() time.Time
}

// NewRetentionJob creates the job. now defaults to time.Now.
func NewRetentionJob(interval, retention time.Duration, wm *workload.Manager, logs *logbuf.Buffer, now func() time.Time) *RetentionJob {
	if now == nil {
		now = time.Now
	}
	return &RetentionJob{interval: interval, retention: retention, workloads: wm, logs: logs, now: now}
}

func (j *RetentionJob) Name() string { return "workload-retention" }

func (j *RetentionJob) Interval() time.Duration { return j.interval }

func (j *RetentionJob) Run(ctx context.Context) error {
	cutoff := j.now().Add(-j.retention)

	if j.logs != nil {
		for _, w := range j.workloads.List(workload.Filter{}) {
			if w.State.IsTerminal() && w.FinishedAt != nil && w.FinishedAt.Before(cutoff) {
				j.logs.Drop(w.ID)
			}
		}
	}

	if n := j.workloads.Prune(cutoff); n > 0 {
		logger.InfoCtx(ctx, "pruned %d workloads finished before %s", n, cutoff.Format(time.RFC3339))
	}
	return nil
}
