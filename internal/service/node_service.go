package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"clawbernetes/internal/dispatcher"
	"clawbernetes/internal/protocol"
	"clawbernetes/internal/registry"
	"clawbernetes/internal/service/logbuf"
	"clawbernetes/internal/session"
	"clawbernetes/internal/workload"
	"clawbernetes/pkg/logger"

	"github.com/google/uuid"
)

// NodeService handles protocol messages of node sessions.
type NodeService struct {
	registry        *registry.Registry
	workloads       *workload.Manager
	dispatcher      *dispatcher.Dispatcher
	logs            *logbuf.Buffer
	metricsInterval time.Duration
	now             func() time.Time
}

// NewNodeService creates a new node service
func NewNodeService(reg *registry.Registry, wm *workload.Manager, d *dispatcher.Dispatcher, logs *logbuf.Buffer, metricsInterval time.Duration) *NodeService {
	if metricsInterval <= 0 {
		metricsInterval = 30 * time.Second
	}
	return &NodeService{
		registry:        reg,
		workloads:       wm,
		dispatcher:      d,
		logs:            logs,
		metricsInterval: metricsInterval,
		now:             time.Now,
	}
}

// Register records the node and returns its cadence. A node id held by a
// newer open session closes this one with NODE_ID_TAKEN; an older holder is
// superseded instead.
func (s *NodeService) Register(ctx context.Context, sess *session.Session, msg protocol.Register) (protocol.Registered, error) {
	if msg.NodeID.IsZero() {
		return protocol.Registered{}, fmt.Errorf("%w: empty node id", session.ErrViolation)
	}
	if err := s.registry.Register(msg.NodeID, msg.Capabilities, msg.Address, sess); err != nil {
		if errors.Is(err, registry.ErrNodeIDTaken) {
			return protocol.Registered{}, &session.CloseError{Code: protocol.CodeNodeIDTaken, Reason: err.Error()}
		}
		return protocol.Registered{}, err
	}

	logger.InfoCtx(ctx, "node %s registered, address: %s, gpus: %d, version: %s",
		msg.NodeID, msg.Address, len(msg.Capabilities.GPUs), msg.Version)

	return protocol.Registered{
		HeartbeatIntervalMs: s.registry.HeartbeatInterval().Milliseconds(),
		MetricsIntervalMs:   s.metricsInterval.Milliseconds(),
		NodeToken:           uuid.NewString(),
	}, nil
}

// Handle processes one message of a registered session.
func (s *NodeService) Handle(ctx context.Context, sess *session.Session, msg protocol.Message) error {
	nodeID, _ := sess.NodeID()

	switch m := msg.(type) {
	case protocol.Heartbeat:
		// liveness is judged on gateway receive time so node clock skew cannot evict
		if err := s.registry.Heartbeat(nodeID, s.now()); err != nil {
			return notRegistered(err)
		}
		logger.DebugCtx(ctx, "heartbeat received, node_id: %s, sequence: %d", nodeID, m.Sequence)
		return sess.Send(ctx, protocol.HeartbeatAck{Sequence: m.Sequence})

	case protocol.Metrics:
		if err := s.registry.UpdateMetrics(nodeID, m); err != nil {
			return notRegistered(err)
		}
		return nil

	case protocol.WorkloadUpdate:
		return s.handleUpdate(ctx, sess, m)

	case protocol.WorkloadLogs:
		if _, err := s.workloads.Get(m.WorkloadID); err != nil {
			logger.DebugCtx(ctx, "dropping logs of unknown workload %s from node %s", m.WorkloadID, nodeID)
			return nil
		}
		s.logs.Append(m.WorkloadID, m.Lines)
		return nil

	default:
		return fmt.Errorf("%w: unexpected %s", session.ErrViolation, msg.Type())
	}
}

func (s *NodeService) handleUpdate(ctx context.Context, sess *session.Session, u protocol.WorkloadUpdate) error {
	nodeID, _ := sess.NodeID()

	w, err := s.workloads.ApplyUpdate(nodeID, u)
	switch {
	case err == nil:
	case errors.Is(err, workload.ErrStaleUpdate):
		logger.DebugCtx(ctx, "ignoring stale update from node %s: %v", nodeID, err)
		return nil
	case errors.Is(err, workload.ErrNotFound):
		logger.WarnCtx(ctx, "update for unknown workload from node %s: %v", nodeID, err)
		return nil
	case errors.Is(err, workload.ErrWrongNode), errors.Is(err, workload.ErrIllegalTransition):
		return fmt.Errorf("%w: %v", session.ErrViolation, err)
	default:
		return err
	}

	if w.State.IsTerminal() {
		s.registry.ReleaseWorkload(nodeID, w.ID)
	}
	logger.InfoCtx(ctx, "workload %s on node %s is %s", w.ID, nodeID, w.State)
	return nil
}

// Closed rolls back StartWorkload frames the session never wrote.
func (s *NodeService) Closed(ctx context.Context, sess *session.Session, undelivered []protocol.Message) {
	nodeID, ok := sess.NodeID()
	if !ok {
		return
	}
	for _, msg := range undelivered {
		s.dispatcher.Undelivered(ctx, nodeID, msg)
	}
	code, reason := sess.CloseReason()
	logger.InfoCtx(ctx, "session %s of node %s closed: %s %s", sess.ID(), nodeID, code, reason)
}

func notRegistered(err error) error {
	if errors.Is(err, registry.ErrNotRegistered) {
		return &session.CloseError{Code: protocol.CodeNotRegistered, Reason: err.Error()}
	}
	return err
}
