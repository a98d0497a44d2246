package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/go-redis/redis/v8"
)

const (
	nodeKeyPrefix = "node:"        // Node status data
	nodeSetKey    = "nodes:active" // Active node set
	nodeDataTTL   = 5 * time.Minute
)

// NodeStatus read-only mirror of a registry entry for dashboards and other
// gateways' operators.
type NodeStatus struct {
	ID               string    `json:"id"`
	State            string    `json:"state"`
	Cordoned         bool      `json:"cordoned"`
	Address          string    `json:"address"`
	GPUs             int       `json:"gpus"`
	CurrentWorkloads int       `json:"current_workloads"`
	LastHeartbeatAt  time.Time `json:"last_heartbeat_at"`
	Gateway          string    `json:"gateway"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// NodeRepository manages node status in Redis (ephemeral data with TTL)
type NodeRepository struct {
	redis *redis.Client
	ttl   time.Duration
}

// NewNodeRepository creates Node repository
func NewNodeRepository(redisClient *RedisClient) *NodeRepository {
	return &NodeRepository{
		redis: redisClient.GetClient(),
		ttl:   nodeDataTTL,
	}
}

// SaveAll writes statuses in one round-trip
func (r *NodeRepository) SaveAll(ctx context.Context, nodes []NodeStatus) error {
	if len(nodes) == 0 {
		return nil
	}
	pipe := r.redis.Pipeline()
	for _, n := range nodes {
		data, err := json.Marshal(n)
		if err != nil {
			return fmt.Errorf("failed to marshal node %s: %w", n.ID, err)
		}
		pipe.Set(ctx, nodeKeyPrefix+n.ID, data, r.ttl)
		pipe.SAdd(ctx, nodeSetKey, n.ID)
	}
	pipe.Expire(ctx, nodeSetKey, r.ttl*2)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to save nodes: %w", err)
	}
	return nil
}

// Get retrieves node status
func (r *NodeRepository) Get(ctx context.Context, nodeID string) (*NodeStatus, error) {
	data, err := r.redis.Get(ctx, nodeKeyPrefix+nodeID).Result()
	if err == redis.Nil {
		return nil, fmt.Errorf("node not found: %s", nodeID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get node: %w", err)
	}

	var n NodeStatus
	if err := json.Unmarshal([]byte(data), &n); err != nil {
		return nil, fmt.Errorf("failed to unmarshal node: %w", err)
	}
	return &n, nil
}

// GetAll retrieves all mirrored nodes, sorted by id
func (r *NodeRepository) GetAll(ctx context.Context) ([]*NodeStatus, error) {
	ids, err := r.redis.SMembers(ctx, nodeSetKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get node list: %w", err)
	}
	if len(ids) == 0 {
		return []*NodeStatus{}, nil
	}

	pipe := r.redis.Pipeline()
	cmds := make([]*redis.StringCmd, 0, len(ids))
	for _, id := range ids {
		cmds = append(cmds, pipe.Get(ctx, nodeKeyPrefix+id))
	}
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, fmt.Errorf("failed to fetch nodes: %w", err)
	}

	nodes := make([]*NodeStatus, 0, len(ids))
	for _, cmd := range cmds {
		data, err := cmd.Result()
		if err != nil {
			// expired
			continue
		}
		var n NodeStatus
		if err := json.Unmarshal([]byte(data), &n); err != nil {
			continue
		}
		nodes = append(nodes, &n)
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].ID < nodes[j].ID })
	return nodes, nil
}

// Delete removes a node's status
func (r *NodeRepository) Delete(ctx context.Context, nodeID string) error {
	pipe := r.redis.Pipeline()
	pipe.Del(ctx, nodeKeyPrefix+nodeID)
	pipe.SRem(ctx, nodeSetKey, nodeID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to delete node: %w", err)
	}
	return nil
}

// Count mirrored node count
func (r *NodeRepository) Count(ctx context.Context) (int, error) {
	n, err := r.redis.SCard(ctx, nodeSetKey).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to count nodes: %w", err)
	}
	return int(n), nil
}
