package workload

import (
	"errors"
	"testing"
	"time"

	"clawbernetes/internal/model"
	"clawbernetes/internal/protocol"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validSpec() model.WorkloadSpec {
	return model.WorkloadSpec{
		Image:   "ghcr.io/acme/train:1.2",
		Command: []string{"python", "train.py"},
		Env:     map[string]string{"EPOCHS": "3"},
		Resources: model.Resources{
			CPUMillicores:  2000,
			MemoryBytes:    8 * model.GiB,
			GPUCount:       1,
			GPUMemoryBytes: 40 * model.GiB,
			GPUVendor:      "nvidia",
		},
		TimeoutSecs: 3600,
		PlacementHints: &model.PlacementHints{
			RequireTags: []string{model.TagDocker},
		},
	}
}

func TestSubmit_RoundTrip(t *testing.T) {
	m := NewManager(nil)
	spec := validSpec()

	id, err := m.Submit(spec)
	require.NoError(t, err)

	w, err := m.Get(id)
	require.NoError(t, err)
	assert.Equal(t, spec, w.Spec)
	assert.Equal(t, model.WorkloadPending, w.State)
	assert.Nil(t, w.AssignedNode)
	assert.Equal(t, uint64(1), w.Revision)

	// mutating the caller's copy does not leak into the store
	spec.Env["EPOCHS"] = "99"
	w, _ = m.Get(id)
	assert.Equal(t, "3", w.Spec.Env["EPOCHS"])
}

func TestSubmit_InvalidNeverRecorded(t *testing.T) {
	m := NewManager(nil)
	spec := validSpec()
	spec.Resources.MemoryBytes = 0

	_, err := m.Submit(spec)
	var verr *model.ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, model.InvalidResource, verr.Kind)
	assert.Empty(t, m.List(Filter{}))
}

func TestLifecycle_HappyPath(t *testing.T) {
	base := time.Unix(1_700_000_000, 0)
	now := base
	m := NewManager(func() time.Time { return now })
	node := model.NewNodeID()

	id, err := m.Submit(validSpec())
	require.NoError(t, err)

	now = now.Add(time.Second)
	require.NoError(t, m.MarkScheduled(id, node))
	w, _ := m.Get(id)
	require.NotNil(t, w.AssignedNode)
	assert.Equal(t, node, *w.AssignedNode)

	now = now.Add(time.Second)
	require.NoError(t, m.MarkRunning(id))
	now = now.Add(time.Second)
	require.NoError(t, m.MarkCompleted(id, 0))

	w, _ = m.Get(id)
	assert.Equal(t, model.WorkloadCompleted, w.State)
	assert.Nil(t, w.AssignedNode)
	require.NotNil(t, w.StartedAt)
	require.NotNil(t, w.FinishedAt)
	assert.False(t, w.FinishedAt.Before(*w.StartedAt))
	assert.Equal(t, 0, *w.ExitCode)
	assert.Equal(t, uint64(4), w.Revision)
	assert.Equal(t, now, w.LastUpdateAt)
}

func TestIllegalTransitions(t *testing.T) {
	m := NewManager(nil)
	id, err := m.Submit(validSpec())
	require.NoError(t, err)

	assert.True(t, errors.Is(m.MarkRunning(id), ErrIllegalTransition))
	assert.True(t, errors.Is(m.MarkEvicted(id), ErrIllegalTransition))
	require.NoError(t, m.MarkCancelled(id))
	assert.True(t, errors.Is(m.MarkScheduled(id, model.NewNodeID()), ErrIllegalTransition))

	assert.True(t, errors.Is(m.MarkRunning(model.NewWorkloadID()), ErrNotFound))
}

func TestEvictAndReschedule(t *testing.T) {
	m := NewManager(nil)
	a, b := model.NewNodeID(), model.NewNodeID()
	id, _ := m.Submit(validSpec())

	require.NoError(t, m.MarkScheduled(id, a))
	require.NoError(t, m.MarkRunning(id))
	require.NoError(t, m.MarkEvicted(id))

	w, _ := m.Get(id)
	assert.Equal(t, model.WorkloadEvicted, w.State)
	require.NotNil(t, w.AssignedNode)
	assert.Equal(t, a, *w.AssignedNode)

	require.NoError(t, m.MarkScheduled(id, b))
	w, _ = m.Get(id)
	assert.Equal(t, 1, w.RescheduleCount)
	assert.Equal(t, b, *w.AssignedNode)
	assert.Nil(t, w.StartedAt)
}

func TestApplyUpdate(t *testing.T) {
	m := NewManager(nil)
	node := model.NewNodeID()
	id, _ := m.Submit(validSpec())
	require.NoError(t, m.MarkScheduled(id, node))

	w, err := m.ApplyUpdate(node, protocol.WorkloadUpdate{WorkloadID: id, NewState: model.WorkloadRunning, TimestampMs: 10})
	require.NoError(t, err)
	assert.Equal(t, model.WorkloadRunning, w.State)
	rev := w.Revision

	// duplicate is a no-op
	w, err = m.ApplyUpdate(node, protocol.WorkloadUpdate{WorkloadID: id, NewState: model.WorkloadRunning, TimestampMs: 11})
	require.NoError(t, err)
	assert.Equal(t, rev, w.Revision)

	// out-of-order update is dropped
	_, err = m.ApplyUpdate(node, protocol.WorkloadUpdate{WorkloadID: id, NewState: model.WorkloadFailed, TimestampMs: 5})
	assert.True(t, errors.Is(err, ErrStaleUpdate))

	// foreign node
	_, err = m.ApplyUpdate(model.NewNodeID(), protocol.WorkloadUpdate{WorkloadID: id, NewState: model.WorkloadCompleted})
	assert.True(t, errors.Is(err, ErrWrongNode))

	exit := 3
	w, err = m.ApplyUpdate(node, protocol.WorkloadUpdate{WorkloadID: id, NewState: model.WorkloadFailed, ExitCode: &exit, Message: "oom", TimestampMs: 20})
	require.NoError(t, err)
	assert.Equal(t, model.WorkloadFailed, w.State)
	assert.Equal(t, model.ReasonNodeReported, w.Reason)
	assert.Equal(t, "oom", w.Message)
	assert.Equal(t, 3, *w.ExitCode)

	// late updates after a terminal state never resurrect the workload
	_, err = m.ApplyUpdate(node, protocol.WorkloadUpdate{WorkloadID: id, NewState: model.WorkloadRunning, TimestampMs: 30})
	assert.True(t, errors.Is(err, ErrStaleUpdate))
	_, err = m.ApplyUpdate(node, protocol.WorkloadUpdate{WorkloadID: id, NewState: model.WorkloadFailed, TimestampMs: 31})
	assert.NoError(t, err)
}

func TestApplyUpdate_TimeoutReason(t *testing.T) {
	m := NewManager(nil)
	node := model.NewNodeID()
	id, _ := m.Submit(validSpec())
	require.NoError(t, m.MarkScheduled(id, node))
	require.NoError(t, m.MarkRunning(id))

	w, err := m.ApplyUpdate(node, protocol.WorkloadUpdate{
		WorkloadID: id, NewState: model.WorkloadFailed, Reason: model.ReasonTimeout, Message: "timed out after 3600s", TimestampMs: 1,
	})
	require.NoError(t, err)
	assert.Equal(t, model.WorkloadFailed, w.State)
	assert.Equal(t, model.ReasonTimeout, w.Reason)

	// nodes cannot claim scheduler reasons
	id2, _ := m.Submit(validSpec())
	require.NoError(t, m.MarkScheduled(id2, node))
	w, err = m.ApplyUpdate(node, protocol.WorkloadUpdate{WorkloadID: id2, NewState: model.WorkloadFailed, Reason: model.ReasonNoCandidate, TimestampMs: 1})
	require.NoError(t, err)
	assert.Equal(t, model.ReasonNodeReported, w.Reason)
}

func TestApplyUpdate_NodeCannotEvict(t *testing.T) {
	m := NewManager(nil)
	node := model.NewNodeID()
	id, _ := m.Submit(validSpec())
	require.NoError(t, m.MarkScheduled(id, node))

	_, err := m.ApplyUpdate(node, protocol.WorkloadUpdate{WorkloadID: id, NewState: model.WorkloadEvicted})
	assert.True(t, errors.Is(err, ErrIllegalTransition))
}

func TestList(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	m := NewManager(func() time.Time { return now })
	node := model.NewNodeID()

	first, _ := m.Submit(validSpec())
	now = now.Add(time.Second)
	second, _ := m.Submit(validSpec())
	require.NoError(t, m.MarkScheduled(second, node))

	all := m.List(Filter{})
	require.Len(t, all, 2)
	assert.Equal(t, second, all[0].ID)
	assert.Equal(t, first, all[1].ID)

	pending := m.List(Filter{States: []model.WorkloadState{model.WorkloadPending}})
	require.Len(t, pending, 1)
	assert.Equal(t, first, pending[0].ID)

	onNode := m.List(Filter{Node: &node})
	require.Len(t, onNode, 1)
	assert.Equal(t, second, onNode[0].ID)

	assert.Len(t, m.List(Filter{Limit: 1}), 1)
	assert.Equal(t, 1, m.CountByState()[model.WorkloadScheduled])
}

func TestPrune(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	m := NewManager(func() time.Time { return now })
	done, _ := m.Submit(validSpec())
	live, _ := m.Submit(validSpec())
	require.NoError(t, m.MarkCancelled(done))

	now = now.Add(time.Hour)
	assert.Equal(t, 1, m.Prune(now.Add(-time.Minute)))
	_, err := m.Get(done)
	assert.True(t, errors.Is(err, ErrNotFound))
	_, err = m.Get(live)
	assert.NoError(t, err)
}

func TestSubscribe(t *testing.T) {
	m := NewManager(nil)
	var seen []Transition
	m.Subscribe(func(tr Transition) { seen = append(seen, tr) })

	id, _ := m.Submit(validSpec())
	require.NoError(t, m.MarkFailed(id, model.ReasonNoCandidate, "no node"))

	require.Len(t, seen, 2)
	assert.Equal(t, model.WorkloadPending, seen[0].To)
	assert.Equal(t, model.WorkloadFailed, seen[1].To)
	assert.Equal(t, model.ReasonNoCandidate, seen[1].Reason)
	assert.Equal(t, uint64(2), seen[1].Revision)
}

// TestProperty_ObservedStatesFollowLegalPaths arbitrary operation sequences
// only ever produce legal transitions with increasing revisions.
func TestProperty_ObservedStatesFollowLegalPaths(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200

	properties := gopter.NewProperties(parameters)

	properties.Property("transitions are legal and revisions increase", prop.ForAll(
		func(ops []int) bool {
			m := NewManager(nil)
			node := model.NewNodeID()
			id, err := m.Submit(validSpec())
			if err != nil {
				return false
			}

			var seen []Transition
			m.Subscribe(func(tr Transition) { seen = append(seen, tr) })

			for _, op := range ops {
				switch op {
				case 0:
					_ = m.MarkScheduled(id, node)
				case 1:
					_ = m.MarkRunning(id)
				case 2:
					_ = m.MarkCompleted(id, 0)
				case 3:
					_ = m.MarkFailed(id, model.ReasonNodeReported, "")
				case 4:
					_ = m.MarkCancelled(id)
				case 5:
					_ = m.MarkEvicted(id)
				}
			}

			prev := model.WorkloadPending
			rev := uint64(1)
			for _, tr := range seen {
				if tr.From != prev || !model.CanTransition(tr.From, tr.To) || tr.Revision <= rev {
					return false
				}
				prev, rev = tr.To, tr.Revision
			}

			w, err := m.Get(id)
			if err != nil || w.State != prev {
				return false
			}
			return (w.AssignedNode != nil) == w.State.HasAssignment()
		},
		gen.SliceOf(gen.IntRange(0, 5)),
	))

	properties.TestingRun(t)
}
