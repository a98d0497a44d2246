package jobs

import (
	"context"
	"time"

	"clawbernetes/internal/metrics"
	"clawbernetes/internal/model"
	"clawbernetes/internal/registry"
	"clawbernetes/internal/workload"
)

var (
	nodeStates = []model.NodeState{
		model.NodeConnecting, model.NodeRegistered, model.NodeHealthy,
		model.NodeUnhealthy, model.NodeDraining, model.NodeEvicted,
	}
	workloadStates = []model.WorkloadState{
		model.WorkloadPending, model.WorkloadScheduled, model.WorkloadRunning,
		model.WorkloadCompleted, model.WorkloadFailed, model.WorkloadCancelled, model.WorkloadEvicted,
	}
)

// GaugeJob refreshes the node and workload population gauges.
type GaugeJob struct {
	interval  time.Duration
	registry  *registry.Registry
	workloads *workload.Manager
}

func NewGaugeJob(interval time.Duration, reg *registry.Registry, wm *workload.Manager) *GaugeJob {
	return &GaugeJob{interval: interval, registry: reg, workloads: wm}
}

func (j *GaugeJob) Name() string { return "state-gauges" }

func (j *GaugeJob) Interval() time.Duration { return j.interval }

func (j *GaugeJob) Run(context.Context) error {
	nodes := j.registry.CountByState()
	for _, s := range nodeStates {
		metrics.Nodes.WithLabelValues(string(s)).Set(float64(nodes[s]))
	}
	workloads := j.workloads.CountByState()
	for _, s := range workloadStates {
		metrics.Workloads.WithLabelValues(string(s)).Set(float64(workloads[s]))
	}
	return nil
}

// CountTransitions feeds workload transitions into the transition counter.
func CountTransitions(wm *workload.Manager) {
	wm.Subscribe(func(t workload.Transition) {
		metrics.WorkloadTransitions.WithLabelValues(string(t.To), string(t.Reason)).Inc()
	})
}
