// Package dispatcher places workloads on nodes and reschedules workloads of
// evicted nodes. Evictions arrive on an in-process FIFO so the registry never
// calls into the workload manager while holding its lock.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"clawbernetes/internal/model"
	"clawbernetes/internal/protocol"
	"clawbernetes/internal/registry"
	"clawbernetes/internal/scheduler"
	"clawbernetes/internal/workload"
	"clawbernetes/pkg/logger"
)

var ErrInvalidReplicas = errors.New("replicas must be positive")

// Options dispatcher configuration
type Options struct {
	MaxReschedules int
	SendTimeout    time.Duration
}

// Dispatcher orchestrates submit, schedule, assign and send.
type Dispatcher struct {
	registry  *registry.Registry
	workloads *workload.Manager
	opts      Options

	// serializes snapshot-to-assign so concurrent dispatches see each other's placements
	placeMu sync.Mutex

	queue *evictionQueue

	groupMu sync.Mutex
	groups  map[model.WorkloadID][]model.WorkloadID // scale root -> replicas incl. root
	roots   map[model.WorkloadID]model.WorkloadID
}

// New creates a dispatcher and subscribes it to registry evictions.
func New(reg *registry.Registry, wm *workload.Manager, opts Options) *Dispatcher {
	if opts.MaxReschedules <= 0 {
		opts.MaxReschedules = 3
	}
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = 5 * time.Second
	}
	d := &Dispatcher{
		registry:  reg,
		workloads: wm,
		opts:      opts,
		queue:     newEvictionQueue(),
		groups:    make(map[model.WorkloadID][]model.WorkloadID),
		roots:     make(map[model.WorkloadID]model.WorkloadID),
	}
	reg.Subscribe(d.onNodeEvent)
	return d
}

func (d *Dispatcher) onNodeEvent(ev registry.Event) {
	if ev.To != model.NodeEvicted || len(ev.Workloads) == 0 {
		return
	}
	d.queue.push(ev.NodeID, ev.Workloads)
}

// Dispatch submits spec and places it. The id is returned even when placement
// fails; the workload is then Failed with the scheduler or transport reason.
func (d *Dispatcher) Dispatch(ctx context.Context, spec model.WorkloadSpec) (model.WorkloadID, error) {
	id, err := d.workloads.Submit(spec)
	if err != nil {
		return model.WorkloadID{}, err
	}
	return id, d.place(ctx, id, spec)
}

func (d *Dispatcher) place(ctx context.Context, id model.WorkloadID, spec model.WorkloadSpec) error {
	d.placeMu.Lock()
	nodeID, err := scheduler.Schedule(spec, d.registry.Snapshot())
	if err != nil {
		d.placeMu.Unlock()
		reason := model.ReasonNoCandidate
		var serr *scheduler.Error
		if errors.As(err, &serr) {
			reason = serr.Reason
		}
		d.fail(ctx, id, reason, err.Error())
		return err
	}
	if err := d.registry.AssignWorkload(nodeID, id, spec.Resources); err != nil {
		d.placeMu.Unlock()
		d.fail(ctx, id, model.ReasonNoCandidate, err.Error())
		return &scheduler.Error{Reason: model.ReasonNoCandidate, Detail: err.Error()}
	}
	if err := d.workloads.MarkScheduled(id, nodeID); err != nil {
		d.placeMu.Unlock()
		d.registry.ReleaseWorkload(nodeID, id)
		return err
	}
	d.placeMu.Unlock()

	logger.InfoCtx(ctx, "workload %s scheduled on node %s", id, nodeID)
	return d.send(ctx, nodeID, id, spec)
}

func (d *Dispatcher) send(ctx context.Context, nodeID model.NodeID, id model.WorkloadID, spec model.WorkloadSpec) error {
	session, ok := d.registry.Session(nodeID)
	if !ok {
		d.rollback(ctx, nodeID, id, "node has no session")
		return fmt.Errorf("%s: node %s has no session", model.ReasonTransportFailed, nodeID)
	}

	sendCtx, cancel := context.WithTimeout(ctx, d.opts.SendTimeout)
	defer cancel()
	if err := session.Send(sendCtx, protocol.StartWorkload{WorkloadID: id, Spec: spec}); err != nil {
		d.rollback(ctx, nodeID, id, err.Error())
		return fmt.Errorf("%s: %w", model.ReasonTransportFailed, err)
	}
	return nil
}

func (d *Dispatcher) rollback(ctx context.Context, nodeID model.NodeID, id model.WorkloadID, msg string) {
	d.registry.ReleaseWorkload(nodeID, id)
	d.fail(ctx, id, model.ReasonTransportFailed, msg)
}

func (d *Dispatcher) fail(ctx context.Context, id model.WorkloadID, reason model.Reason, msg string) {
	if err := d.workloads.MarkFailed(id, reason, msg); err != nil {
		logger.WarnCtx(ctx, "failed to mark workload %s failed (%s): %v", id, reason, err)
		return
	}
	logger.WarnCtx(ctx, "workload %s failed: %s: %s", id, reason, msg)
}

// Undelivered rolls back a StartWorkload that was queued on a session which
// closed before writing it.
func (d *Dispatcher) Undelivered(ctx context.Context, nodeID model.NodeID, msg protocol.Message) {
	start, ok := msg.(protocol.StartWorkload)
	if !ok {
		return
	}
	w, err := d.workloads.Get(start.WorkloadID)
	if err != nil || w.State != model.WorkloadScheduled || w.AssignedNode == nil || *w.AssignedNode != nodeID {
		return
	}
	d.rollback(ctx, nodeID, start.WorkloadID, "session closed before delivery")
}

// Stop asks the assigned node to stop the workload and marks it Cancelled.
func (d *Dispatcher) Stop(ctx context.Context, id model.WorkloadID, grace time.Duration) (workload.Workload, error) {
	w, err := d.workloads.Get(id)
	if err != nil {
		return workload.Workload{}, err
	}
	if !model.CanTransition(w.State, model.WorkloadCancelled) {
		return w, fmt.Errorf("%w: cannot stop %s workload", workload.ErrIllegalTransition, w.State)
	}

	if w.AssignedNode != nil {
		nodeID := *w.AssignedNode
		if session, ok := d.registry.Session(nodeID); ok {
			sendCtx, cancel := context.WithTimeout(ctx, d.opts.SendTimeout)
			err := session.Send(sendCtx, protocol.StopWorkload{WorkloadID: id, GracePeriodMs: grace.Milliseconds()})
			cancel()
			if err != nil {
				logger.WarnCtx(ctx, "failed to send stop for workload %s to node %s: %v", id, nodeID, err)
			}
		}
		d.registry.ReleaseWorkload(nodeID, id)
	}
	if err := d.workloads.MarkCancelled(id); err != nil {
		return w, err
	}
	return d.workloads.Get(id)
}

// Scale adjusts the number of live copies of a workload's spec to replicas.
// Extra copies are dispatched; surplus copies are stopped newest first.
func (d *Dispatcher) Scale(ctx context.Context, id model.WorkloadID, replicas int) ([]model.WorkloadID, error) {
	if replicas <= 0 {
		return nil, ErrInvalidReplicas
	}
	w, err := d.workloads.Get(id)
	if err != nil {
		return nil, err
	}

	root := d.rootOf(id)
	live := d.liveMembers(root)

	for len(live) < replicas {
		nid, err := d.Dispatch(ctx, w.Spec)
		if nid.IsZero() {
			return d.liveMembers(root), err
		}
		d.addMember(root, nid)
		if err != nil {
			logger.WarnCtx(ctx, "scale replica of %s failed: %v", root, err)
			return d.liveMembers(root), err
		}
		live = append(live, nid)
	}
	for len(live) > replicas {
		last := live[len(live)-1]
		if _, err := d.Stop(ctx, last, 0); err != nil {
			return d.liveMembers(root), err
		}
		live = live[:len(live)-1]
	}
	return d.liveMembers(root), nil
}

func (d *Dispatcher) rootOf(id model.WorkloadID) model.WorkloadID {
	d.groupMu.Lock()
	defer d.groupMu.Unlock()
	if root, ok := d.roots[id]; ok {
		return root
	}
	d.roots[id] = id
	d.groups[id] = []model.WorkloadID{id}
	return id
}

func (d *Dispatcher) addMember(root, id model.WorkloadID) {
	d.groupMu.Lock()
	defer d.groupMu.Unlock()
	d.roots[id] = root
	d.groups[root] = append(d.groups[root], id)
}

// liveMembers non-terminal members of a group in submission order.
func (d *Dispatcher) liveMembers(root model.WorkloadID) []model.WorkloadID {
	d.groupMu.Lock()
	members := append([]model.WorkloadID(nil), d.groups[root]...)
	d.groupMu.Unlock()

	type member struct {
		id model.WorkloadID
		at time.Time
	}
	live := make([]member, 0, len(members))
	for _, m := range members {
		w, err := d.workloads.Get(m)
		if err != nil || w.State.IsTerminal() {
			continue
		}
		live = append(live, member{id: m, at: w.SubmittedAt})
	}
	sort.SliceStable(live, func(i, j int) bool { return live[i].at.Before(live[j].at) })

	out := make([]model.WorkloadID, len(live))
	for i, m := range live {
		out[i] = m.id
	}
	return out
}

// Run consumes the eviction queue until ctx is done.
func (d *Dispatcher) Run(ctx context.Context) {
	for {
		item, ok := d.queue.pop(ctx)
		if !ok {
			return
		}
		d.reschedule(ctx, item)
	}
}

// Drain processes every queued eviction without blocking.
func (d *Dispatcher) Drain(ctx context.Context) int {
	n := 0
	for {
		item, ok := d.queue.tryPop()
		if !ok {
			return n
		}
		d.reschedule(ctx, item)
		n++
	}
}

func (d *Dispatcher) reschedule(ctx context.Context, item evicted) {
	w, err := d.workloads.Get(item.workload)
	if err != nil {
		return
	}
	if w.State == model.WorkloadScheduled || w.State == model.WorkloadRunning {
		if err := d.workloads.MarkEvicted(item.workload); err != nil {
			logger.WarnCtx(ctx, "failed to mark workload %s evicted: %v", item.workload, err)
			return
		}
	} else if w.State != model.WorkloadEvicted {
		return
	}

	if w.RescheduleCount >= d.opts.MaxReschedules {
		d.fail(ctx, item.workload, model.ReasonEvictedTooManyTimes,
			fmt.Sprintf("evicted from node %s after %d reschedules", item.node, w.RescheduleCount))
		return
	}

	logger.InfoCtx(ctx, "rescheduling workload %s evicted from node %s (attempt %d)", item.workload, item.node, w.RescheduleCount+1)
	if err := d.place(ctx, item.workload, w.Spec); err != nil {
		logger.WarnCtx(ctx, "reschedule of workload %s failed: %v", item.workload, err)
	}
}

// QueueLen pending evicted workloads.
func (d *Dispatcher) QueueLen() int {
	return d.queue.len()
}
