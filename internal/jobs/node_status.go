package jobs

import (
	"context"
	"time"

	"clawbernetes/internal/registry"
	redisstore "clawbernetes/pkg/store/redis"
)

// NodeStatusStore receives node status mirrors.
type NodeStatusStore interface {
	SaveAll(ctx context.Context, nodes []redisstore.NodeStatus) error
}

// NodeStatusJob mirrors the registry into Redis so operators of other
// gateways can see this gateway's nodes.
type NodeStatusJob struct {
	interval time.Duration
	gateway  string
	registry *registry.Registry
	store    NodeStatusStore
	now      func() time.Time
}

// NewNodeStatusJob creates the job; gateway identifies this instance in the
// mirrored records.
func NewNodeStatusJob(interval time.Duration, gateway string, reg *registry.Registry, store NodeStatusStore) *NodeStatusJob {
	return &NodeStatusJob{interval: interval, gateway: gateway, registry: reg, store: store, now: time.Now}
}

func (j *NodeStatusJob) Name() string { return "node-status-mirror" }

func (j *NodeStatusJob) Interval() time.Duration { return j.interval }

func (j *NodeStatusJob) Run(ctx context.Context) error {
	if j.store == nil {
		return nil
	}
	now := j.now()
	nodes := j.registry.List()
	statuses := make([]redisstore.NodeStatus, 0, len(nodes))
	for _, n := range nodes {
		statuses = append(statuses, redisstore.NodeStatus{
			ID:               n.ID.String(),
			State:            string(n.State),
			Cordoned:         n.Cordoned,
			Address:          n.Address,
			GPUs:             len(n.Capabilities.GPUs),
			CurrentWorkloads: len(n.CurrentWorkloads),
			LastHeartbeatAt:  n.LastHeartbeatAt,
			Gateway:          j.gateway,
			UpdatedAt:        now,
		})
	}
	return j.store.SaveAll(ctx, statuses)
}
