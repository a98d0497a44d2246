// Package alert keeps operator-defined alert rules and fires them on node
// health and workload failure events.
package alert

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"clawbernetes/internal/model"
	"clawbernetes/internal/registry"
	"clawbernetes/internal/workload"
	"clawbernetes/pkg/logger"
	"clawbernetes/pkg/notification"

	"github.com/google/uuid"
)

var (
	ErrNotFound         = errors.New("alert not found")
	ErrInvalidCondition = errors.New("invalid alert condition")
	ErrInvalidName      = errors.New("alert name must not be empty")
)

// Condition event class an alert watches.
type Condition string

const (
	NodeUnhealthy  Condition = "node_unhealthy"
	NodeEvicted    Condition = "node_evicted"
	WorkloadFailed Condition = "workload_failed"
)

// Valid reports whether c is a known condition.
func (c Condition) Valid() bool {
	switch c {
	case NodeUnhealthy, NodeEvicted, WorkloadFailed:
		return true
	}
	return false
}

// Alert rule plus firing history.
type Alert struct {
	ID            string        `json:"id"`
	Name          string        `json:"name"`
	Condition     Condition     `json:"condition"`
	NodeID        *model.NodeID `json:"node_id,omitempty"`
	CreatedAt     time.Time     `json:"created_at"`
	SilencedUntil *time.Time    `json:"silenced_until,omitempty"`
	LastFiredAt   *time.Time    `json:"last_fired_at,omitempty"`
	FireCount     int           `json:"fire_count"`
}

// Silenced reports whether notifications are suppressed at now.
func (a *Alert) Silenced(now time.Time) bool {
	return a.SilencedUntil != nil && now.Before(*a.SilencedUntil)
}

// Notifier delivers fired alerts.
type Notifier interface {
	SendAlertNotification(ctx context.Context, n *notification.AlertNotification) error
}

const queueSize = 256

// Manager alert rules
type Manager struct {
	mu       sync.Mutex
	alerts   map[string]*Alert
	notifier Notifier
	now      func() time.Time
	queue    chan *notification.AlertNotification
}

// NewManager creates a manager; notifier may be nil.
func NewManager(notifier Notifier, now func() time.Time) *Manager {
	if now == nil {
		now = time.Now
	}
	return &Manager{
		alerts:   make(map[string]*Alert),
		notifier: notifier,
		now:      now,
		queue:    make(chan *notification.AlertNotification, queueSize),
	}
}

// Create adds a rule. nodeID narrows node conditions to one node.
func (m *Manager) Create(name string, cond Condition, nodeID *model.NodeID) (Alert, error) {
	if name == "" {
		return Alert{}, ErrInvalidName
	}
	if !cond.Valid() {
		return Alert{}, fmt.Errorf("%w: %q", ErrInvalidCondition, cond)
	}
	a := &Alert{
		ID:        uuid.NewString(),
		Name:      name,
		Condition: cond,
		CreatedAt: m.now(),
	}
	if nodeID != nil {
		id := *nodeID
		a.NodeID = &id
	}

	m.mu.Lock()
	m.alerts[a.ID] = a
	m.mu.Unlock()
	return copyAlert(a), nil
}

// List returns rules oldest first.
func (m *Manager) List() []Alert {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Alert, 0, len(m.alerts))
	for _, a := range m.alerts {
		out = append(out, copyAlert(a))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Silence suppresses notifications for d.
func (m *Manager) Silence(id string, d time.Duration) (Alert, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.alerts[id]
	if !ok {
		return Alert{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	until := m.now().Add(d)
	a.SilencedUntil = &until
	return copyAlert(a), nil
}

// OnNodeEvent is a registry subscriber.
func (m *Manager) OnNodeEvent(ev registry.Event) {
	var cond Condition
	switch ev.To {
	case model.NodeUnhealthy:
		cond = NodeUnhealthy
	case model.NodeEvicted:
		cond = NodeEvicted
	default:
		return
	}
	detail := fmt.Sprintf("node %s went %s -> %s: %s", ev.NodeID, ev.From, ev.To, ev.Reason)
	if len(ev.Workloads) > 0 {
		detail += fmt.Sprintf(" (%d workloads affected)", len(ev.Workloads))
	}
	id := ev.NodeID
	m.fire(cond, &id, "node "+ev.NodeID.String(), detail)
}

// OnTransition is a workload manager subscriber.
func (m *Manager) OnTransition(t workload.Transition) {
	if t.To != model.WorkloadFailed {
		return
	}
	detail := fmt.Sprintf("workload %s failed: %s", t.ID, t.Reason)
	m.fire(WorkloadFailed, t.Node, "workload "+t.ID.String(), detail)
}

func (m *Manager) fire(cond Condition, nodeID *model.NodeID, subject, detail string) {
	now := m.now()
	var out []*notification.AlertNotification

	m.mu.Lock()
	for _, a := range m.alerts {
		if a.Condition != cond {
			continue
		}
		if a.NodeID != nil && (nodeID == nil || *a.NodeID != *nodeID) {
			continue
		}
		fired := now
		a.LastFiredAt = &fired
		a.FireCount++
		if a.Silenced(now) {
			continue
		}
		out = append(out, &notification.AlertNotification{
			AlertID:   a.ID,
			Name:      a.Name,
			Condition: string(a.Condition),
			Subject:   subject,
			Detail:    detail,
			FiredAt:   now,
		})
	}
	m.mu.Unlock()

	for _, n := range out {
		select {
		case m.queue <- n:
		default:
			logger.Warn("alert queue full, dropping notification for " + n.Name)
		}
	}
}

// Run delivers queued notifications until ctx ends.
func (m *Manager) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case n := <-m.queue:
			if m.notifier == nil {
				logger.InfoCtx(ctx, "alert %s fired for %s: %s", n.Name, n.Subject, n.Detail)
				continue
			}
			if err := m.notifier.SendAlertNotification(ctx, n); err != nil {
				logger.WarnCtx(ctx, "failed to deliver alert %s: %v", n.Name, err)
			}
		}
	}
}

// Pending queued notifications not yet delivered.
func (m *Manager) Pending() int { return len(m.queue) }

func copyAlert(a *Alert) Alert {
	out := *a
	if a.NodeID != nil {
		id := *a.NodeID
		out.NodeID = &id
	}
	if a.SilencedUntil != nil {
		t := *a.SilencedUntil
		out.SilencedUntil = &t
	}
	if a.LastFiredAt != nil {
		t := *a.LastFiredAt
		out.LastFiredAt = &t
	}
	return out
}
