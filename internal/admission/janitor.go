package admission

import (
	"context"
	"time"

	"clawbernetes/pkg/logger"
)

// JanitorJob purges expired blocklist, reputation and limiter state.
type JanitorJob struct {
	admission *Admission
	interval  time.Duration
}

func NewJanitorJob(a *Admission, interval time.Duration) *JanitorJob {
	if interval <= 0 {
		interval = time.Minute
	}
	return &JanitorJob{admission: a, interval: interval}
}

func (j *JanitorJob) Name() string { return "admission-janitor" }

func (j *JanitorJob) Interval() time.Duration { return j.interval }

func (j *JanitorJob) Run(ctx context.Context) error {
	n, err := j.admission.Purge(ctx)
	if n > 0 {
		logger.DebugCtx(ctx, "admission janitor purged %d entries", n)
	}
	return err
}
