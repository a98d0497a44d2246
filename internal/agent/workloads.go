package agent

import (
	"context"
	"errors"
	"fmt"
	"time"

	"clawbernetes/internal/model"
	"clawbernetes/internal/protocol"
	"clawbernetes/pkg/logger"
)

// stopSlack extra time allowed to the executor beyond the grace period.
const stopSlack = 5 * time.Second

func (a *Agent) start(ctx context.Context, m protocol.StartWorkload) {
	a.mu.Lock()
	if _, ok := a.running[m.WorkloadID]; ok {
		a.mu.Unlock()
		logger.DebugCtx(ctx, "workload %s already running, ignoring duplicate start", m.WorkloadID)
		return
	}
	var wctx context.Context
	var cancel context.CancelFunc
	if m.Spec.TimeoutSecs > 0 {
		wctx, cancel = context.WithTimeout(ctx, time.Duration(m.Spec.TimeoutSecs)*time.Second)
	} else {
		wctx, cancel = context.WithCancel(ctx)
	}
	r := &running{cancel: cancel}
	a.running[m.WorkloadID] = r
	a.wg.Add(1)
	a.mu.Unlock()

	logger.InfoCtx(ctx, "starting workload %s (%s)", m.WorkloadID, m.Spec.Image)
	go a.execute(wctx, m.WorkloadID, m.Spec, r)
}

func (a *Agent) execute(ctx context.Context, id model.WorkloadID, spec model.WorkloadSpec, r *running) {
	defer a.wg.Done()
	defer func() {
		r.cancel()
		a.mu.Lock()
		delete(a.running, id)
		a.mu.Unlock()
	}()

	a.emit(protocol.WorkloadUpdate{WorkloadID: id, NewState: model.WorkloadRunning, TimestampMs: a.now().UnixMilli()})

	exit, err := a.exec.Run(ctx, id, spec, func(lines []string) {
		for _, chunk := range protocol.ChunkLogs(id, lines) {
			a.emit(chunk)
		}
	})

	upd := protocol.WorkloadUpdate{WorkloadID: id, TimestampMs: a.now().UnixMilli()}
	switch {
	case r.stopped.Load():
		upd.NewState = model.WorkloadCancelled
		upd.Message = "stopped by gateway"
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		upd.NewState = model.WorkloadFailed
		upd.Reason = model.ReasonTimeout
		upd.Message = fmt.Sprintf("timed out after %ds", spec.TimeoutSecs)
	case err != nil:
		upd.NewState = model.WorkloadFailed
		upd.Message = err.Error()
	case exit != 0:
		upd.NewState = model.WorkloadFailed
		upd.ExitCode = &exit
		upd.Message = fmt.Sprintf("exit code %d", exit)
	default:
		upd.NewState = model.WorkloadCompleted
		upd.ExitCode = &exit
	}
	logger.InfoCtx(ctx, "workload %s finished: %s %s", id, upd.NewState, upd.Message)
	a.emit(upd)
}

func (a *Agent) stop(ctx context.Context, id model.WorkloadID, grace time.Duration) {
	a.mu.Lock()
	r, ok := a.running[id]
	a.mu.Unlock()
	if !ok {
		logger.DebugCtx(ctx, "stop for unknown workload %s", id)
		return
	}
	r.stopped.Store(true)

	go func() {
		sctx, cancel := context.WithTimeout(context.Background(), grace+stopSlack)
		defer cancel()
		if err := a.exec.Stop(sctx, id, grace); err != nil {
			logger.WarnCtx(ctx, "failed to stop workload %s: %v", id, err)
		}
		r.cancel()
	}()
}

// StaticSampler reports advertised capabilities as telemetry when no GPU
// sampler is available.
type StaticSampler struct {
	Capabilities model.Capabilities
}

func (p StaticSampler) Sample(ctx context.Context) ([]protocol.GPUMetric, protocol.SystemMetrics) {
	gpus := make([]protocol.GPUMetric, 0, len(p.Capabilities.GPUs))
	for _, g := range p.Capabilities.GPUs {
		free := g.FreeVRAMBytes
		if free > g.VRAMBytes {
			free = g.VRAMBytes
		}
		gpus = append(gpus, protocol.GPUMetric{
			Index:      g.Index,
			MemoryUsed: g.VRAMBytes - free,
			MemoryFree: free,
		})
	}
	return gpus, protocol.SystemMetrics{}
}
