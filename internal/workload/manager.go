// Package workload owns the lifecycle of tracked workloads.
package workload

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"clawbernetes/internal/model"
	"clawbernetes/internal/protocol"
)

var (
	ErrNotFound          = errors.New("workload not found")
	ErrIllegalTransition = errors.New("illegal workload state transition")
	ErrStaleUpdate       = errors.New("stale workload update")
	ErrWrongNode         = errors.New("workload not assigned to node")
)

// Workload is a read-only copy of a tracked workload.
type Workload struct {
	ID              model.WorkloadID    `json:"id"`
	Spec            model.WorkloadSpec  `json:"spec"`
	State           model.WorkloadState `json:"state"`
	AssignedNode    *model.NodeID       `json:"assigned_node,omitempty"`
	SubmittedAt     time.Time           `json:"submitted_at"`
	StartedAt       *time.Time          `json:"started_at,omitempty"`
	FinishedAt      *time.Time          `json:"finished_at,omitempty"`
	LastUpdateAt    time.Time           `json:"last_update_at"`
	Revision        uint64              `json:"revision"`
	ExitCode        *int                `json:"exit_code,omitempty"`
	Reason          model.Reason        `json:"reason,omitempty"`
	Message         string              `json:"message,omitempty"`
	RescheduleCount int                 `json:"reschedule_count"`
}

// Transition is published after every state change.
type Transition struct {
	ID       model.WorkloadID
	From     model.WorkloadState
	To       model.WorkloadState
	Node     *model.NodeID // assigned node, or the node it just left
	Reason   model.Reason
	Revision uint64
}

// Filter for List. Zero values match everything.
type Filter struct {
	States []model.WorkloadState
	Node   *model.NodeID
	Limit  int
}

type tracked struct {
	Workload
	lastNodeTimestampMs int64
}

// Manager authoritative workload store.
type Manager struct {
	now func() time.Time

	mu        sync.RWMutex
	workloads map[model.WorkloadID]*tracked

	subMu       sync.RWMutex
	subscribers []func(Transition)
}

// NewManager creates a manager. now defaults to time.Now.
func NewManager(now func() time.Time) *Manager {
	if now == nil {
		now = time.Now
	}
	return &Manager{
		now:       now,
		workloads: make(map[model.WorkloadID]*tracked),
	}
}

// Subscribe registers fn for transitions. fn must not block.
func (m *Manager) Subscribe(fn func(Transition)) {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	m.subscribers = append(m.subscribers, fn)
}

func (m *Manager) publish(t Transition) {
	m.subMu.RLock()
	subs := append([]func(Transition){}, m.subscribers...)
	m.subMu.RUnlock()
	for _, fn := range subs {
		fn(t)
	}
}

// Submit validates spec and records a Pending workload. Invalid specs are
// never recorded.
func (m *Manager) Submit(spec model.WorkloadSpec) (model.WorkloadID, error) {
	if err := spec.Validate(); err != nil {
		return model.WorkloadID{}, err
	}
	id := model.NewWorkloadID()
	now := m.now()

	m.mu.Lock()
	m.workloads[id] = &tracked{Workload: Workload{
		ID:           id,
		Spec:         cloneSpec(spec),
		State:        model.WorkloadPending,
		SubmittedAt:  now,
		LastUpdateAt: now,
		Revision:     1,
	}}
	m.mu.Unlock()

	m.publish(Transition{ID: id, To: model.WorkloadPending, Revision: 1})
	return id, nil
}

// MarkScheduled assigns node. Allowed from Pending and, as a reschedule,
// from Evicted.
func (m *Manager) MarkScheduled(id model.WorkloadID, node model.NodeID) error {
	return m.transition(id, model.WorkloadScheduled, func(w *tracked) {
		if w.State == model.WorkloadEvicted {
			w.RescheduleCount++
		}
		n := node
		w.AssignedNode = &n
		w.StartedAt = nil
	})
}

// MarkRunning records that the node started the workload.
func (m *Manager) MarkRunning(id model.WorkloadID) error {
	return m.transition(id, model.WorkloadRunning, func(w *tracked) {
		t := m.now()
		w.StartedAt = &t
	})
}

// MarkCompleted records a finished workload with its exit code.
func (m *Manager) MarkCompleted(id model.WorkloadID, exitCode int) error {
	return m.transition(id, model.WorkloadCompleted, func(w *tracked) {
		code := exitCode
		w.ExitCode = &code
		m.finish(w)
	})
}

// MarkFailed records a failure reason.
func (m *Manager) MarkFailed(id model.WorkloadID, reason model.Reason, msg string) error {
	return m.transition(id, model.WorkloadFailed, func(w *tracked) {
		w.Reason = reason
		w.Message = msg
		m.finish(w)
	})
}

// MarkCancelled records a user stop.
func (m *Manager) MarkCancelled(id model.WorkloadID) error {
	return m.transition(id, model.WorkloadCancelled, func(w *tracked) {
		m.finish(w)
	})
}

// MarkEvicted records node loss. The assignment is kept until rescheduled.
func (m *Manager) MarkEvicted(id model.WorkloadID) error {
	return m.transition(id, model.WorkloadEvicted, nil)
}

func (m *Manager) finish(w *tracked) {
	t := m.now()
	if w.StartedAt != nil && t.Before(*w.StartedAt) {
		t = *w.StartedAt
	}
	w.FinishedAt = &t
	w.AssignedNode = nil
}

func (m *Manager) transition(id model.WorkloadID, to model.WorkloadState, mutate func(*tracked)) error {
	m.mu.Lock()
	w, ok := m.workloads[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	ev, err := m.applyLocked(w, to, mutate)
	m.mu.Unlock()
	if err != nil {
		return err
	}
	m.publish(ev)
	return nil
}

func (m *Manager) applyLocked(w *tracked, to model.WorkloadState, mutate func(*tracked)) (Transition, error) {
	from := w.State
	if !model.CanTransition(from, to) {
		return Transition{}, fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, from, to)
	}
	prev := copyNodeID(w.AssignedNode)
	if mutate != nil {
		mutate(w)
	}
	node := copyNodeID(w.AssignedNode)
	if node == nil {
		node = prev
	}
	w.State = to
	w.Revision++
	now := m.now()
	if now.After(w.LastUpdateAt) {
		w.LastUpdateAt = now
	}
	return Transition{ID: w.ID, From: from, To: to, Node: node, Reason: w.Reason, Revision: w.Revision}, nil
}

// ApplyUpdate folds a node-reported update. Repeating the current state is a
// no-op; updates older than the last one the node reported are dropped with
// ErrStaleUpdate; updates from a node the workload is not assigned to fail
// with ErrWrongNode.
func (m *Manager) ApplyUpdate(from model.NodeID, u protocol.WorkloadUpdate) (Workload, error) {
	m.mu.Lock()
	w, ok := m.workloads[u.WorkloadID]
	if !ok {
		m.mu.Unlock()
		return Workload{}, fmt.Errorf("%w: %s", ErrNotFound, u.WorkloadID)
	}
	if w.State.IsTerminal() {
		if w.State == u.NewState {
			snap := w.snapshot()
			m.mu.Unlock()
			return snap, nil
		}
		m.mu.Unlock()
		return Workload{}, fmt.Errorf("%w: %s already %s", ErrStaleUpdate, u.WorkloadID, w.State)
	}
	if w.AssignedNode == nil || *w.AssignedNode != from {
		m.mu.Unlock()
		return Workload{}, fmt.Errorf("%w: %s from %s", ErrWrongNode, u.WorkloadID, from)
	}
	if u.TimestampMs > 0 && u.TimestampMs < w.lastNodeTimestampMs {
		m.mu.Unlock()
		return Workload{}, fmt.Errorf("%w: %s at %d", ErrStaleUpdate, u.WorkloadID, u.TimestampMs)
	}
	if w.State == u.NewState {
		snap := w.snapshot()
		m.mu.Unlock()
		return snap, nil
	}

	var mutate func(*tracked)
	switch u.NewState {
	case model.WorkloadRunning:
		mutate = func(w *tracked) {
			t := m.now()
			w.StartedAt = &t
		}
	case model.WorkloadCompleted:
		mutate = func(w *tracked) {
			code := 0
			if u.ExitCode != nil {
				code = *u.ExitCode
			}
			w.ExitCode = &code
			w.Message = u.Message
			m.finish(w)
		}
	case model.WorkloadFailed:
		mutate = func(w *tracked) {
			w.ExitCode = copyInt(u.ExitCode)
			w.Reason = model.ReasonNodeReported
			if u.Reason == model.ReasonTimeout {
				w.Reason = model.ReasonTimeout
			}
			w.Message = u.Message
			m.finish(w)
		}
	case model.WorkloadCancelled:
		mutate = func(w *tracked) { m.finish(w) }
	default:
		m.mu.Unlock()
		return Workload{}, fmt.Errorf("%w: node cannot report %s", ErrIllegalTransition, u.NewState)
	}

	ev, err := m.applyLocked(w, u.NewState, mutate)
	if err != nil {
		m.mu.Unlock()
		return Workload{}, err
	}
	if u.TimestampMs > w.lastNodeTimestampMs {
		w.lastNodeTimestampMs = u.TimestampMs
	}
	snap := w.snapshot()
	m.mu.Unlock()

	m.publish(ev)
	return snap, nil
}

// Get returns a copy of one workload.
func (m *Manager) Get(id model.WorkloadID) (Workload, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	w, ok := m.workloads[id]
	if !ok {
		return Workload{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return w.snapshot(), nil
}

// List returns workloads matching f, newest first.
func (m *Manager) List(f Filter) []Workload {
	m.mu.RLock()
	out := make([]Workload, 0, len(m.workloads))
	for _, w := range m.workloads {
		if f.matches(&w.Workload) {
			out = append(out, w.snapshot())
		}
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].SubmittedAt.Equal(out[j].SubmittedAt) {
			return out[i].SubmittedAt.After(out[j].SubmittedAt)
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out
}

// CountByState workload count per state.
func (m *Manager) CountByState() map[model.WorkloadState]int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[model.WorkloadState]int)
	for _, w := range m.workloads {
		out[w.State]++
	}
	return out
}

// Prune drops terminal workloads finished before cutoff and returns how many
// were removed.
func (m *Manager) Prune(cutoff time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, w := range m.workloads {
		if w.State.IsTerminal() && w.FinishedAt != nil && w.FinishedAt.Before(cutoff) {
			delete(m.workloads, id)
			n++
		}
	}
	return n
}

func (f Filter) matches(w *Workload) bool {
	if len(f.States) > 0 {
		found := false
		for _, s := range f.States {
			if s == w.State {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.Node != nil && (w.AssignedNode == nil || *w.AssignedNode != *f.Node) {
		return false
	}
	return true
}

func (w *tracked) snapshot() Workload {
	out := w.Workload
	out.Spec = cloneSpec(w.Spec)
	out.AssignedNode = copyNodeID(w.AssignedNode)
	out.ExitCode = copyInt(w.ExitCode)
	if w.StartedAt != nil {
		t := *w.StartedAt
		out.StartedAt = &t
	}
	if w.FinishedAt != nil {
		t := *w.FinishedAt
		out.FinishedAt = &t
	}
	return out
}

func cloneSpec(s model.WorkloadSpec) model.WorkloadSpec {
	out := s
	out.Command = cloneStrings(s.Command)
	if s.Env != nil {
		out.Env = make(map[string]string, len(s.Env))
		for k, v := range s.Env {
			out.Env[k] = v
		}
	}
	if s.PlacementHints != nil {
		h := *s.PlacementHints
		if h.PreferNodes != nil {
			h.PreferNodes = append(make([]model.NodeID, 0, len(h.PreferNodes)), h.PreferNodes...)
		}
		if h.AvoidNodes != nil {
			h.AvoidNodes = append(make([]model.NodeID, 0, len(h.AvoidNodes)), h.AvoidNodes...)
		}
		h.RequireTags = cloneStrings(h.RequireTags)
		out.PlacementHints = &h
	}
	return out
}

func cloneStrings(in []string) []string {
	if in == nil {
		return nil
	}
	return append(make([]string, 0, len(in)), in...)
}

func copyNodeID(id *model.NodeID) *model.NodeID {
	if id == nil {
		return nil
	}
	v := *id
	return &v
}

func copyInt(p *int) *int {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
