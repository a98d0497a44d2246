package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"clawbernetes/internal/alert"
	"clawbernetes/internal/dispatcher"
	"clawbernetes/internal/model"
	"clawbernetes/internal/protocol"
	"clawbernetes/internal/registry"
	"clawbernetes/internal/rpc"
	"clawbernetes/internal/scheduler"
	"clawbernetes/internal/workload"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// handle registry-side session stub
type handle struct {
	id      string
	sendErr error

	mu   sync.Mutex
	sent []protocol.Message
}

func newHandle() *handle { return &handle{id: uuid.NewString()} }

func (h *handle) ID() string { return h.id }

func (h *handle) Send(_ context.Context, msg protocol.Message) error {
	if h.sendErr != nil {
		return h.sendErr
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sent = append(h.sent, msg)
	return nil
}

func (h *handle) Close(protocol.ErrorCode, string) {}
func (h *handle) Closed() bool                     { return false }
func (h *handle) StartedAt() time.Time             { return time.Time{} }

func (f *fixture) addNode(t *testing.T, caps model.Capabilities) (model.NodeID, *handle) {
	t.Helper()
	id := model.NewNodeID()
	h := newHandle()
	require.NoError(t, f.reg.Register(id, caps, "10.0.0.2:9000", h))
	return id, h
}

func TestClusterService_Status(t *testing.T) {
	f := newFixture(t)
	caps := cpuCaps()
	caps.GPUs = []model.GPUInfo{{Index: 0, Vendor: "nvidia", VRAMBytes: 24 * model.GiB}, {Index: 1, Vendor: "nvidia", VRAMBytes: 24 * model.GiB}}
	f.addNode(t, caps)
	f.addNode(t, cpuCaps())

	spec := cpuSpec()
	spec.Resources.GPUCount = 1
	_, err := f.cluster.SubmitWorkload(context.Background(), rpc.WorkloadSubmitParams{Spec: spec})
	require.NoError(t, err)

	st := f.cluster.Status(context.Background())
	assert.Equal(t, 2, st.TotalNodes)
	assert.Equal(t, 2, st.Nodes[model.NodeRegistered])
	assert.Equal(t, 2, st.TotalGPUs)
	assert.Equal(t, 1, st.AllocatedGPUs)
	assert.Equal(t, 1, st.Workloads[model.WorkloadScheduled])
}

func TestClusterService_NodeOperations(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id, _ := f.addNode(t, cpuCaps())

	_, err := f.cluster.GetNode(ctx, rpc.NodeParams{NodeID: "not-a-uuid"})
	assert.ErrorIs(t, err, ErrInvalidArgument)
	_, err = f.cluster.GetNode(ctx, rpc.NodeParams{})
	assert.ErrorIs(t, err, ErrInvalidArgument)
	_, err = f.cluster.GetNode(ctx, rpc.NodeParams{NodeID: model.NewNodeID().String()})
	assert.ErrorIs(t, err, registry.ErrNotRegistered)

	n, err := f.cluster.CordonNode(ctx, rpc.NodeParams{NodeID: id.String()})
	require.NoError(t, err)
	assert.True(t, n.Cordoned)

	n, err = f.cluster.UncordonNode(ctx, rpc.NodeParams{NodeID: id.String()})
	require.NoError(t, err)
	assert.False(t, n.Cordoned)

	n, err = f.cluster.DrainNode(ctx, rpc.NodeParams{NodeID: id.String()})
	require.NoError(t, err)
	assert.Equal(t, model.NodeDraining, n.State)

	list, err := f.cluster.ListNodes(ctx, rpc.NodeListParams{State: model.NodeDraining})
	require.NoError(t, err)
	assert.Len(t, list.Nodes, 1)
	list, err = f.cluster.ListNodes(ctx, rpc.NodeListParams{State: model.NodeHealthy})
	require.NoError(t, err)
	assert.Empty(t, list.Nodes)
	_, err = f.cluster.ListNodes(ctx, rpc.NodeListParams{State: "SLEEPING"})
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestClusterService_SubmitErrors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	invalid := cpuSpec()
	invalid.Image = ""
	res, err := f.cluster.SubmitWorkload(ctx, rpc.WorkloadSubmitParams{Spec: invalid})
	var verr *model.ValidationError
	require.True(t, errors.As(err, &verr))
	assert.True(t, res.WorkloadID.IsZero())
	assert.Empty(t, f.wm.List(workload.Filter{}))

	res, err = f.cluster.SubmitWorkload(ctx, rpc.WorkloadSubmitParams{Spec: cpuSpec()})
	var serr *scheduler.Error
	require.True(t, errors.As(err, &serr))
	assert.Equal(t, model.ReasonNoCandidate, serr.Reason)
	assert.False(t, res.WorkloadID.IsZero())
	assert.Equal(t, model.WorkloadFailed, res.State)

	_, h := f.addNode(t, cpuCaps())
	h.sendErr = errors.New("broken pipe")
	res, err = f.cluster.SubmitWorkload(ctx, rpc.WorkloadSubmitParams{Spec: cpuSpec()})
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.False(t, res.WorkloadID.IsZero())
}

func TestClusterService_WorkloadOperations(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	nodeID, h := f.addNode(t, cpuCaps())

	res, err := f.cluster.SubmitWorkload(ctx, rpc.WorkloadSubmitParams{Spec: cpuSpec()})
	require.NoError(t, err)
	wid := res.WorkloadID.String()

	w, err := f.cluster.GetWorkload(ctx, rpc.WorkloadParams{WorkloadID: wid})
	require.NoError(t, err)
	assert.Equal(t, model.WorkloadScheduled, w.State)

	list, err := f.cluster.ListWorkloads(ctx, rpc.WorkloadListParams{NodeID: nodeID.String()})
	require.NoError(t, err)
	assert.Len(t, list.Workloads, 1)
	list, err = f.cluster.ListWorkloads(ctx, rpc.WorkloadListParams{State: model.WorkloadCompleted})
	require.NoError(t, err)
	assert.Empty(t, list.Workloads)
	_, err = f.cluster.ListWorkloads(ctx, rpc.WorkloadListParams{State: "DONE"})
	assert.ErrorIs(t, err, ErrInvalidArgument)

	scaled, err := f.cluster.ScaleWorkload(ctx, rpc.WorkloadScaleParams{WorkloadID: wid, Replicas: 3})
	require.NoError(t, err)
	assert.Len(t, scaled.WorkloadIDs, 3)
	_, err = f.cluster.ScaleWorkload(ctx, rpc.WorkloadScaleParams{WorkloadID: wid, Replicas: 0})
	assert.ErrorIs(t, err, dispatcher.ErrInvalidReplicas)

	f.logs.Append(res.WorkloadID, []string{"a", "b", "c"})
	logs, err := f.cluster.WorkloadLogs(ctx, rpc.WorkloadLogsParams{WorkloadID: wid, Tail: 2})
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "c"}, logs.Lines)
	_, err = f.cluster.WorkloadLogs(ctx, rpc.WorkloadLogsParams{WorkloadID: model.NewWorkloadID().String()})
	assert.ErrorIs(t, err, workload.ErrNotFound)

	stopped, err := f.cluster.StopWorkload(ctx, rpc.WorkloadStopParams{WorkloadID: wid, GracePeriodSecs: 5})
	require.NoError(t, err)
	assert.Equal(t, model.WorkloadCancelled, stopped.State)

	var stop protocol.StopWorkload
	h.mu.Lock()
	for _, m := range h.sent {
		if s, ok := m.(protocol.StopWorkload); ok && s.WorkloadID == res.WorkloadID {
			stop = s
		}
	}
	h.mu.Unlock()
	assert.Equal(t, int64(5000), stop.GracePeriodMs)

	_, err = f.cluster.StopWorkload(ctx, rpc.WorkloadStopParams{WorkloadID: wid})
	assert.ErrorIs(t, err, workload.ErrIllegalTransition)
}

func TestClusterService_LogsSearch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a, b := model.NewWorkloadID(), model.NewWorkloadID()
	f.logs.Append(a, []string{"epoch 1 loss 0.3", "OOM killed"})
	f.logs.Append(b, []string{"oom score adj"})

	_, err := f.cluster.SearchLogs(ctx, rpc.LogsSearchParams{Query: "  "})
	assert.ErrorIs(t, err, ErrInvalidArgument)

	res, err := f.cluster.SearchLogs(ctx, rpc.LogsSearchParams{Query: "oom"})
	require.NoError(t, err)
	assert.Len(t, res.Matches, 2)

	res, err = f.cluster.SearchLogs(ctx, rpc.LogsSearchParams{Query: "oom", WorkloadID: a.String()})
	require.NoError(t, err)
	require.Len(t, res.Matches, 1)
	assert.Equal(t, "OOM killed", res.Matches[0].Line)
}

func TestClusterService_Alerts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.cluster.CreateAlert(ctx, rpc.AlertCreateParams{Name: "x", Condition: "disk_full"})
	assert.ErrorIs(t, err, alert.ErrInvalidCondition)
	_, err = f.cluster.CreateAlert(ctx, rpc.AlertCreateParams{Name: "x", Condition: alert.NodeEvicted, NodeID: "bad"})
	assert.ErrorIs(t, err, ErrInvalidArgument)

	a, err := f.cluster.CreateAlert(ctx, rpc.AlertCreateParams{Name: "evictions", Condition: alert.NodeEvicted})
	require.NoError(t, err)
	assert.Len(t, f.cluster.ListAlerts(ctx).Alerts, 1)

	_, err = f.cluster.SilenceAlert(ctx, rpc.AlertSilenceParams{AlertID: a.ID})
	assert.ErrorIs(t, err, ErrInvalidArgument)
	silenced, err := f.cluster.SilenceAlert(ctx, rpc.AlertSilenceParams{AlertID: a.ID, DurationSecs: 600})
	require.NoError(t, err)
	assert.NotNil(t, silenced.SilencedUntil)
	_, err = f.cluster.SilenceAlert(ctx, rpc.AlertSilenceParams{AlertID: "missing", DurationSecs: 600})
	assert.ErrorIs(t, err, alert.ErrNotFound)
}
