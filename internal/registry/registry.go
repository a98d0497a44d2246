// Package registry is the single source of truth for node membership and
// health. All mutations happen under one RWMutex whose critical sections
// never perform I/O: session closes and event delivery run after unlock.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"clawbernetes/internal/model"
	"clawbernetes/internal/protocol"
)

var (
	ErrNodeIDTaken       = errors.New("node id taken")
	ErrNotRegistered     = errors.New("node not registered")
	ErrIllegalTransition = errors.New("illegal node state transition")
)

// SessionHandle is the registry's view of a live session: a message-sending
// endpoint. The session task owns its own state.
type SessionHandle interface {
	ID() string
	Send(ctx context.Context, msg protocol.Message) error
	Close(code protocol.ErrorCode, reason string)
	Closed() bool
	StartedAt() time.Time
}

// Event is delivered to subscribers after every node state change.
type Event struct {
	NodeID    model.NodeID
	From      model.NodeState
	To        model.NodeState
	Reason    string
	Workloads []model.WorkloadID // set on eviction: workloads that were assigned
	At        time.Time
}

// Options registry configuration
type Options struct {
	HeartbeatInterval time.Duration
	UnhealthyAfter    int // multiples of HeartbeatInterval
	EvictAfter        int // multiples of HeartbeatInterval
	PlacementWindow   time.Duration
	Now               func() time.Time
}

// Node is a read-only copy of a registered node.
type Node struct {
	ID               model.NodeID       `json:"id"`
	Capabilities     model.Capabilities `json:"capabilities"`
	Address          string             `json:"address"`
	RegisteredAt     time.Time          `json:"registered_at"`
	LastHeartbeatAt  time.Time          `json:"last_heartbeat_at"`
	State            model.NodeState    `json:"state"`
	Cordoned         bool               `json:"cordoned"`
	CurrentWorkloads []model.WorkloadID `json:"current_workloads"`
	SessionID        string             `json:"session_id,omitempty"`
	Metrics          *protocol.Metrics  `json:"metrics,omitempty"`
}

type nodeRecord struct {
	id              model.NodeID
	caps            model.Capabilities
	addr            string
	registeredAt    time.Time
	lastHeartbeatAt time.Time
	state           model.NodeState
	cordoned        bool
	workloads       map[model.WorkloadID]model.Resources
	session         SessionHandle
	placements      []time.Time
	metrics         *protocol.Metrics
}

// Registry authoritative node membership.
type Registry struct {
	opts Options

	mu    sync.RWMutex
	nodes map[model.NodeID]*nodeRecord

	subMu       sync.RWMutex
	subscribers []func(Event)
}

// New creates a registry.
func New(opts Options) *Registry {
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = 15 * time.Second
	}
	if opts.UnhealthyAfter <= 0 {
		opts.UnhealthyAfter = 3
	}
	if opts.EvictAfter <= 0 {
		opts.EvictAfter = 6
	}
	if opts.PlacementWindow <= 0 {
		opts.PlacementWindow = time.Minute
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Registry{
		opts:  opts,
		nodes: make(map[model.NodeID]*nodeRecord),
	}
}

// HeartbeatInterval configured node heartbeat cadence.
func (r *Registry) HeartbeatInterval() time.Duration {
	return r.opts.HeartbeatInterval
}

// Subscribe registers fn for node events. fn must not block.
func (r *Registry) Subscribe(fn func(Event)) {
	r.subMu.Lock()
	defer r.subMu.Unlock()
	r.subscribers = append(r.subscribers, fn)
}

func (r *Registry) publish(events []Event) {
	if len(events) == 0 {
		return
	}
	r.subMu.RLock()
	subs := append([]func(Event){}, r.subscribers...)
	r.subMu.RUnlock()
	for _, ev := range events {
		for _, fn := range subs {
			fn(ev)
		}
	}
}

// Register records a node's session. When another open session holds the
// id the newer session wins: an older claimant fails with ErrNodeIDTaken,
// a newer one takes over and the prior session is closed with SUPERSEDED.
// Assigned workloads survive re-registration.
func (r *Registry) Register(id model.NodeID, caps model.Capabilities, addr string, session SessionHandle) error {
	now := r.opts.Now()

	r.mu.Lock()
	rec, ok := r.nodes[id]
	var superseded SessionHandle
	if ok && rec.session != nil && !rec.session.Closed() && rec.session != session {
		if session.StartedAt().Before(rec.session.StartedAt()) {
			r.mu.Unlock()
			return fmt.Errorf("%w: %s", ErrNodeIDTaken, id)
		}
		superseded = rec.session
	}

	from := model.NodeConnecting
	if !ok {
		rec = &nodeRecord{
			id:        id,
			workloads: make(map[model.WorkloadID]model.Resources),
		}
		r.nodes[id] = rec
	} else {
		from = rec.state
	}
	rec.caps = caps
	rec.addr = addr
	rec.registeredAt = now
	rec.lastHeartbeatAt = now
	rec.state = model.NodeRegistered
	rec.cordoned = false
	rec.session = session
	r.mu.Unlock()

	if superseded != nil {
		superseded.Close(protocol.CodeSuperseded, "superseded by a newer session")
	}
	r.publish([]Event{{NodeID: id, From: from, To: model.NodeRegistered, Reason: "register", At: now}})
	return nil
}

// Heartbeat refreshes liveness. Timestamps older than the recorded one are
// ignored so last_heartbeat_at never decreases.
func (r *Registry) Heartbeat(id model.NodeID, ts time.Time) error {
	r.mu.Lock()
	rec, ok := r.nodes[id]
	if !ok || rec.state == model.NodeEvicted {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotRegistered, id)
	}
	if ts.After(rec.lastHeartbeatAt) {
		rec.lastHeartbeatAt = ts
	}
	var events []Event
	if rec.state == model.NodeRegistered || rec.state == model.NodeUnhealthy {
		events = append(events, Event{NodeID: id, From: rec.state, To: model.NodeHealthy, Reason: "heartbeat", At: ts})
		rec.state = model.NodeHealthy
	}
	r.mu.Unlock()

	r.publish(events)
	return nil
}

// Drain stops new placements on the node. Idempotent.
func (r *Registry) Drain(id model.NodeID) error {
	r.mu.Lock()
	rec, ok := r.nodes[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotRegistered, id)
	}
	if rec.state == model.NodeEvicted {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s is evicted", ErrIllegalTransition, id)
	}
	if rec.state == model.NodeDraining {
		r.mu.Unlock()
		return nil
	}
	ev := Event{NodeID: id, From: rec.state, To: model.NodeDraining, Reason: "drain", At: r.opts.Now()}
	rec.state = model.NodeDraining
	r.mu.Unlock()

	r.publish([]Event{ev})
	return nil
}

// Cordon marks the node unschedulable without changing its state.
func (r *Registry) Cordon(id model.NodeID) error {
	return r.setCordoned(id, true)
}

// Uncordon makes the node schedulable again.
func (r *Registry) Uncordon(id model.NodeID) error {
	return r.setCordoned(id, false)
}

func (r *Registry) setCordoned(id model.NodeID, v bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.nodes[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotRegistered, id)
	}
	if rec.state == model.NodeEvicted {
		return fmt.Errorf("%w: %s is evicted", ErrIllegalTransition, id)
	}
	rec.cordoned = v
	return nil
}

// Evict marks the node Evicted, closes its session and returns the workloads
// that were assigned to it. Subscribers receive an Event carrying them.
func (r *Registry) Evict(id model.NodeID, reason string) ([]model.WorkloadID, error) {
	r.mu.Lock()
	rec, ok := r.nodes[id]
	if !ok {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrNotRegistered, id)
	}
	if rec.state == model.NodeEvicted {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %s already evicted", ErrIllegalTransition, id)
	}
	ev, session := r.evictLocked(rec, reason, r.opts.Now())
	r.mu.Unlock()

	if session != nil {
		session.Close(protocol.CodeEvicted, reason)
	}
	r.publish([]Event{ev})
	return ev.Workloads, nil
}

func (r *Registry) evictLocked(rec *nodeRecord, reason string, now time.Time) (Event, SessionHandle) {
	workloads := sortedWorkloads(rec.workloads)
	ev := Event{NodeID: rec.id, From: rec.state, To: model.NodeEvicted, Reason: reason, Workloads: workloads, At: now}
	rec.state = model.NodeEvicted
	rec.workloads = make(map[model.WorkloadID]model.Resources)
	session := rec.session
	rec.session = nil
	return ev, session
}

// AssignWorkload records a placement. Draining, cordoned and evicted nodes refuse.
func (r *Registry) AssignWorkload(id model.NodeID, wid model.WorkloadID, res model.Resources) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.nodes[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotRegistered, id)
	}
	if rec.state == model.NodeDraining || rec.state == model.NodeEvicted || rec.cordoned {
		return fmt.Errorf("%w: %s is %s", ErrIllegalTransition, id, rec.state)
	}
	rec.workloads[wid] = res
	now := r.opts.Now()
	rec.placements = append(prunePlacements(rec.placements, now.Add(-r.opts.PlacementWindow)), now)
	return nil
}

// ReleaseWorkload removes a workload from the node's current set.
func (r *Registry) ReleaseWorkload(id model.NodeID, wid model.WorkloadID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok := r.nodes[id]; ok {
		delete(rec.workloads, wid)
	}
}

// UpdateMetrics stores the latest metrics and refreshes per-GPU free VRAM.
func (r *Registry) UpdateMetrics(id model.NodeID, m protocol.Metrics) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.nodes[id]
	if !ok || rec.state == model.NodeEvicted {
		return fmt.Errorf("%w: %s", ErrNotRegistered, id)
	}
	mc := m
	mc.GPUMetrics = append([]protocol.GPUMetric(nil), m.GPUMetrics...)
	rec.metrics = &mc

	gpus := append([]model.GPUInfo(nil), rec.caps.GPUs...)
	for _, gm := range m.GPUMetrics {
		for i := range gpus {
			if gpus[i].Index == gm.Index {
				gpus[i].FreeVRAMBytes = gm.MemoryFree
			}
		}
	}
	rec.caps.GPUs = gpus
	return nil
}

// Session returns the session handle of a node, if any.
func (r *Registry) Session(id model.NodeID) (SessionHandle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.nodes[id]
	if !ok || rec.session == nil {
		return nil, false
	}
	return rec.session, true
}

// Get returns a copy of one node.
func (r *Registry) Get(id model.NodeID) (Node, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.nodes[id]
	if !ok {
		return Node{}, fmt.Errorf("%w: %s", ErrNotRegistered, id)
	}
	return rec.view(), nil
}

// List returns copies of all nodes ordered by id.
func (r *Registry) List() []Node {
	r.mu.RLock()
	out := make([]Node, 0, len(r.nodes))
	for _, rec := range r.nodes {
		out = append(out, rec.view())
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID.Less(out[j].ID) })
	return out
}

// Sweep demotes and evicts nodes whose heartbeats are stale.
func (r *Registry) Sweep(now time.Time) SweepResult {
	unhealthyAge := time.Duration(r.opts.UnhealthyAfter) * r.opts.HeartbeatInterval
	evictAge := time.Duration(r.opts.EvictAfter) * r.opts.HeartbeatInterval

	var (
		result   SweepResult
		events   []Event
		sessions []SessionHandle
	)

	r.mu.Lock()
	ids := make([]model.NodeID, 0, len(r.nodes))
	for id := range r.nodes {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].Less(ids[j]) })

	for _, id := range ids {
		rec := r.nodes[id]
		if rec.state == model.NodeEvicted {
			continue
		}
		age := now.Sub(rec.lastHeartbeatAt)
		switch {
		case age > evictAge:
			ev, s := r.evictLocked(rec, "heartbeat timeout", now)
			events = append(events, ev)
			if s != nil {
				sessions = append(sessions, s)
			}
			result.Evicted = append(result.Evicted, id)
		case age > unhealthyAge && (rec.state == model.NodeHealthy || rec.state == model.NodeRegistered):
			events = append(events, Event{NodeID: id, From: rec.state, To: model.NodeUnhealthy, Reason: "heartbeat missed", At: now})
			rec.state = model.NodeUnhealthy
			result.Unhealthy = append(result.Unhealthy, id)
		}
	}
	r.mu.Unlock()

	for _, s := range sessions {
		s.Close(protocol.CodeEvicted, "heartbeat timeout")
	}
	r.publish(events)
	return result
}

// SweepResult nodes changed by a sweep.
type SweepResult struct {
	Unhealthy []model.NodeID
	Evicted   []model.NodeID
}

// CountByState node count per state.
func (r *Registry) CountByState() map[model.NodeState]int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[model.NodeState]int)
	for _, rec := range r.nodes {
		out[rec.state]++
	}
	return out
}

func (rec *nodeRecord) view() Node {
	n := Node{
		ID:               rec.id,
		Capabilities:     copyCaps(rec.caps),
		Address:          rec.addr,
		RegisteredAt:     rec.registeredAt,
		LastHeartbeatAt:  rec.lastHeartbeatAt,
		State:            rec.state,
		Cordoned:         rec.cordoned,
		CurrentWorkloads: sortedWorkloads(rec.workloads),
	}
	if rec.session != nil {
		n.SessionID = rec.session.ID()
	}
	if rec.metrics != nil {
		m := *rec.metrics
		m.GPUMetrics = append([]protocol.GPUMetric(nil), rec.metrics.GPUMetrics...)
		n.Metrics = &m
	}
	return n
}

func copyCaps(c model.Capabilities) model.Capabilities {
	c.Tags = append([]string(nil), c.Tags...)
	c.GPUs = append([]model.GPUInfo(nil), c.GPUs...)
	return c
}

func sortedWorkloads(m map[model.WorkloadID]model.Resources) []model.WorkloadID {
	out := make([]model.WorkloadID, 0, len(m))
	for id := range m {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

func prunePlacements(in []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(in) && !in[i].After(cutoff) {
		i++
	}
	if i == 0 {
		return in
	}
	out := make([]time.Time, len(in)-i)
	copy(out, in[i:])
	return out
}
