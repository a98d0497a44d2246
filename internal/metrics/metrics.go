// Package metrics holds the gateway's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "clawbernetes"

var (
	Sessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "sessions_active",
		Help:      "Open node sessions.",
	})

	SessionCloses = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "session_closes_total",
		Help:      "Closed node sessions by close code.",
	}, []string{"code"})

	Violations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "protocol_violations_total",
		Help:      "Protocol violations by error code.",
	}, []string{"code"})

	Nodes = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "nodes",
		Help:      "Registered nodes by state.",
	}, []string{"state"})

	Workloads = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "workloads",
		Help:      "Tracked workloads by state.",
	}, []string{"state"})

	WorkloadTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "workload_transitions_total",
		Help:      "Workload state transitions by target state and reason.",
	}, []string{"state", "reason"})

	AdmissionVerdicts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "admission_verdicts_total",
		Help:      "Non-allow admission verdicts by gate and action.",
	}, []string{"gate", "action"})

	RPCRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "rpc_requests_total",
		Help:      "Admin RPC requests by method and outcome.",
	}, []string{"method", "outcome"})

	JobRuns = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "job_runs_total",
		Help:      "Background job runs by job and outcome.",
	}, []string{"job", "outcome"})

	JobDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "job_duration_seconds",
		Help:      "Background job run duration.",
		Buckets:   prometheus.ExponentialBuckets(0.001, 4, 8),
	}, []string{"job"})
)

// Register adds every collector to reg.
func Register(reg prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{
		Sessions, SessionCloses, Violations, Nodes, Workloads,
		WorkloadTransitions, AdmissionVerdicts, RPCRequests,
		JobRuns, JobDuration,
	} {
		if err := reg.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); ok {
				continue
			}
			return err
		}
	}
	return nil
}
