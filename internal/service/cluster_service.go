package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"clawbernetes/internal/alert"
	"clawbernetes/internal/dispatcher"
	"clawbernetes/internal/model"
	"clawbernetes/internal/registry"
	"clawbernetes/internal/rpc"
	"clawbernetes/internal/scheduler"
	"clawbernetes/internal/service/logbuf"
	"clawbernetes/internal/workload"
	"clawbernetes/pkg/logger"
)

var (
	// ErrInvalidArgument wraps malformed admin request parameters.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrUnavailable a node could not be reached to carry out the request.
	ErrUnavailable = errors.New("unavailable")
)

// DefaultStopGrace applied when workload_stop omits a grace period.
const DefaultStopGrace = 10 * time.Second

const maxListLimit = 1000

// ClusterService implements the admin RPC methods.
type ClusterService struct {
	registry   *registry.Registry
	workloads  *workload.Manager
	dispatcher *dispatcher.Dispatcher
	logs       *logbuf.Buffer
	alerts     *alert.Manager
	startedAt  time.Time
	now        func() time.Time
}

// NewClusterService creates a new cluster service
func NewClusterService(reg *registry.Registry, wm *workload.Manager, d *dispatcher.Dispatcher, logs *logbuf.Buffer, alerts *alert.Manager) *ClusterService {
	return &ClusterService{
		registry:   reg,
		workloads:  wm,
		dispatcher: d,
		logs:       logs,
		alerts:     alerts,
		startedAt:  time.Now(),
		now:        time.Now,
	}
}

// Status aggregates node and workload counts.
func (s *ClusterService) Status(ctx context.Context) rpc.ClusterStatus {
	nodes := s.registry.CountByState()
	total := 0
	for _, n := range nodes {
		total += n
	}

	st := rpc.ClusterStatus{
		Nodes:            nodes,
		TotalNodes:       total,
		Workloads:        s.workloads.CountByState(),
		PendingEvictions: s.dispatcher.QueueLen(),
		Uptime:           s.now().Sub(s.startedAt).Truncate(time.Second).String(),
		Time:             s.now(),
	}
	for _, snap := range s.registry.Snapshot() {
		if snap.State == model.NodeEvicted {
			continue
		}
		st.TotalGPUs += snap.Capabilities.GPUCount("")
		st.AllocatedGPUs += snap.Allocated.GPUCount
	}
	return st
}

// ListNodes returns nodes, optionally in one state.
func (s *ClusterService) ListNodes(ctx context.Context, p rpc.NodeListParams) (rpc.NodeListResult, error) {
	if p.State != "" && !validNodeState(p.State) {
		return rpc.NodeListResult{}, fmt.Errorf("%w: unknown node state %q", ErrInvalidArgument, p.State)
	}
	out := []registry.Node{}
	for _, n := range s.registry.List() {
		if p.State == "" || n.State == p.State {
			out = append(out, n)
		}
	}
	return rpc.NodeListResult{Nodes: out}, nil
}

// GetNode returns one node.
func (s *ClusterService) GetNode(ctx context.Context, p rpc.NodeParams) (registry.Node, error) {
	id, err := parseNodeID(p.NodeID)
	if err != nil {
		return registry.Node{}, err
	}
	return s.registry.Get(id)
}

// DrainNode stops placements on a node; running workloads are untouched.
func (s *ClusterService) DrainNode(ctx context.Context, p rpc.NodeParams) (registry.Node, error) {
	return s.mutateNode(ctx, p, "drained", s.registry.Drain)
}

// CordonNode marks a node unschedulable.
func (s *ClusterService) CordonNode(ctx context.Context, p rpc.NodeParams) (registry.Node, error) {
	return s.mutateNode(ctx, p, "cordoned", s.registry.Cordon)
}

// UncordonNode makes a node schedulable again.
func (s *ClusterService) UncordonNode(ctx context.Context, p rpc.NodeParams) (registry.Node, error) {
	return s.mutateNode(ctx, p, "uncordoned", s.registry.Uncordon)
}

func (s *ClusterService) mutateNode(ctx context.Context, p rpc.NodeParams, verb string, fn func(model.NodeID) error) (registry.Node, error) {
	id, err := parseNodeID(p.NodeID)
	if err != nil {
		return registry.Node{}, err
	}
	if err := fn(id); err != nil {
		return registry.Node{}, err
	}
	logger.InfoCtx(ctx, "node %s %s", id, verb)
	return s.registry.Get(id)
}

// SubmitWorkload validates and dispatches a workload. When placement fails
// the result still carries the id of the Failed workload.
func (s *ClusterService) SubmitWorkload(ctx context.Context, p rpc.WorkloadSubmitParams) (rpc.WorkloadSubmitResult, error) {
	id, err := s.dispatcher.Dispatch(ctx, p.Spec)
	if id.IsZero() {
		return rpc.WorkloadSubmitResult{}, err
	}

	res := rpc.WorkloadSubmitResult{WorkloadID: id}
	if w, gerr := s.workloads.Get(id); gerr == nil {
		res.State = w.State
		res.Node = w.AssignedNode
	}
	if err != nil {
		var serr *scheduler.Error
		if !errors.As(err, &serr) {
			err = fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		return res, err
	}
	return res, nil
}

// GetWorkload returns one workload.
func (s *ClusterService) GetWorkload(ctx context.Context, p rpc.WorkloadParams) (workload.Workload, error) {
	id, err := parseWorkloadID(p.WorkloadID)
	if err != nil {
		return workload.Workload{}, err
	}
	return s.workloads.Get(id)
}

// ListWorkloads returns workloads newest first.
func (s *ClusterService) ListWorkloads(ctx context.Context, p rpc.WorkloadListParams) (rpc.WorkloadListResult, error) {
	var f workload.Filter
	if p.State != "" {
		if !validWorkloadState(p.State) {
			return rpc.WorkloadListResult{}, fmt.Errorf("%w: unknown workload state %q", ErrInvalidArgument, p.State)
		}
		f.States = []model.WorkloadState{p.State}
	}
	if p.NodeID != "" {
		id, err := parseNodeID(p.NodeID)
		if err != nil {
			return rpc.WorkloadListResult{}, err
		}
		f.Node = &id
	}
	if p.Limit < 0 {
		return rpc.WorkloadListResult{}, fmt.Errorf("%w: limit must not be negative", ErrInvalidArgument)
	}
	f.Limit = p.Limit
	if f.Limit == 0 || f.Limit > maxListLimit {
		f.Limit = maxListLimit
	}
	return rpc.WorkloadListResult{Workloads: s.workloads.List(f)}, nil
}

// StopWorkload cancels a workload, asking its node to stop it within the grace period.
func (s *ClusterService) StopWorkload(ctx context.Context, p rpc.WorkloadStopParams) (workload.Workload, error) {
	id, err := parseWorkloadID(p.WorkloadID)
	if err != nil {
		return workload.Workload{}, err
	}
	if p.GracePeriodSecs < 0 {
		return workload.Workload{}, fmt.Errorf("%w: grace_period_secs must not be negative", ErrInvalidArgument)
	}
	grace := DefaultStopGrace
	if p.GracePeriodSecs > 0 {
		grace = time.Duration(p.GracePeriodSecs) * time.Second
	}
	return s.dispatcher.Stop(ctx, id, grace)
}

// ScaleWorkload sets the number of live replicas of a workload's spec.
func (s *ClusterService) ScaleWorkload(ctx context.Context, p rpc.WorkloadScaleParams) (rpc.WorkloadScaleResult, error) {
	id, err := parseWorkloadID(p.WorkloadID)
	if err != nil {
		return rpc.WorkloadScaleResult{}, err
	}
	ids, err := s.dispatcher.Scale(ctx, id, p.Replicas)
	if ids == nil {
		ids = []model.WorkloadID{}
	}
	return rpc.WorkloadScaleResult{WorkloadIDs: ids}, err
}

// WorkloadLogs returns the retained tail of a workload's output.
func (s *ClusterService) WorkloadLogs(ctx context.Context, p rpc.WorkloadLogsParams) (rpc.WorkloadLogsResult, error) {
	id, err := parseWorkloadID(p.WorkloadID)
	if err != nil {
		return rpc.WorkloadLogsResult{}, err
	}
	if _, err := s.workloads.Get(id); err != nil {
		return rpc.WorkloadLogsResult{}, err
	}
	return rpc.WorkloadLogsResult{WorkloadID: id, Lines: s.logs.Tail(id, p.Tail)}, nil
}

// QueryMetrics returns the latest metrics of one or every node.
func (s *ClusterService) QueryMetrics(ctx context.Context, p rpc.MetricsQueryParams) (rpc.MetricsQueryResult, error) {
	var nodes []registry.Node
	if p.NodeID != "" {
		n, err := s.GetNode(ctx, rpc.NodeParams{NodeID: p.NodeID})
		if err != nil {
			return rpc.MetricsQueryResult{}, err
		}
		nodes = []registry.Node{n}
	} else {
		nodes = s.registry.List()
	}

	out := make([]rpc.NodeMetrics, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, rpc.NodeMetrics{NodeID: n.ID, State: n.State, Metrics: n.Metrics})
	}
	return rpc.MetricsQueryResult{Nodes: out}, nil
}

// SearchLogs finds retained log lines containing the query.
func (s *ClusterService) SearchLogs(ctx context.Context, p rpc.LogsSearchParams) (rpc.LogsSearchResult, error) {
	if strings.TrimSpace(p.Query) == "" {
		return rpc.LogsSearchResult{}, fmt.Errorf("%w: query must not be empty", ErrInvalidArgument)
	}
	var only *model.WorkloadID
	if p.WorkloadID != "" {
		id, err := parseWorkloadID(p.WorkloadID)
		if err != nil {
			return rpc.LogsSearchResult{}, err
		}
		only = &id
	}
	limit := p.Limit
	if limit <= 0 || limit > maxListLimit {
		limit = maxListLimit
	}
	return rpc.LogsSearchResult{Matches: s.logs.Search(p.Query, only, limit)}, nil
}

// CreateAlert adds an alert rule.
func (s *ClusterService) CreateAlert(ctx context.Context, p rpc.AlertCreateParams) (alert.Alert, error) {
	var nodeID *model.NodeID
	if p.NodeID != "" {
		id, err := parseNodeID(p.NodeID)
		if err != nil {
			return alert.Alert{}, err
		}
		nodeID = &id
	}
	a, err := s.alerts.Create(p.Name, p.Condition, nodeID)
	if err != nil {
		return alert.Alert{}, err
	}
	logger.InfoCtx(ctx, "alert %s (%s) created on %s", a.ID, a.Name, a.Condition)
	return a, nil
}

// ListAlerts returns every alert rule.
func (s *ClusterService) ListAlerts(ctx context.Context) rpc.AlertListResult {
	return rpc.AlertListResult{Alerts: s.alerts.List()}
}

// SilenceAlert suppresses notifications of an alert for a while.
func (s *ClusterService) SilenceAlert(ctx context.Context, p rpc.AlertSilenceParams) (alert.Alert, error) {
	if p.AlertID == "" {
		return alert.Alert{}, fmt.Errorf("%w: alert_id is required", ErrInvalidArgument)
	}
	if p.DurationSecs <= 0 {
		return alert.Alert{}, fmt.Errorf("%w: duration_secs must be positive", ErrInvalidArgument)
	}
	return s.alerts.Silence(p.AlertID, time.Duration(p.DurationSecs)*time.Second)
}

func parseNodeID(s string) (model.NodeID, error) {
	if s == "" {
		return model.NodeID{}, fmt.Errorf("%w: node_id is required", ErrInvalidArgument)
	}
	id, err := model.ParseNodeID(s)
	if err != nil {
		return model.NodeID{}, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}
	return id, nil
}

func parseWorkloadID(s string) (model.WorkloadID, error) {
	if s == "" {
		return model.WorkloadID{}, fmt.Errorf("%w: workload_id is required", ErrInvalidArgument)
	}
	id, err := model.ParseWorkloadID(s)
	if err != nil {
		return model.WorkloadID{}, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}
	return id, nil
}

func validNodeState(s model.NodeState) bool {
	switch s {
	case model.NodeConnecting, model.NodeRegistered, model.NodeHealthy,
		model.NodeUnhealthy, model.NodeDraining, model.NodeEvicted:
		return true
	}
	return false
}

func validWorkloadState(s model.WorkloadState) bool {
	switch s {
	case model.WorkloadPending, model.WorkloadScheduled, model.WorkloadRunning,
		model.WorkloadCompleted, model.WorkloadFailed, model.WorkloadCancelled, model.WorkloadEvicted:
		return true
	}
	return false
}
