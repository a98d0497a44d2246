package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
)

const (
	blockKeyPrefix = "blocklist:ip:" // hash {reason, added_at}
	blockSetKey    = "blocklist:ips" // index of blocked IPs
)

// BlocklistRepository shares banned IPs between gateways. Temporary bans
// expire through key TTLs.
type BlocklistRepository struct {
	redis *redis.Client
}

// NewBlocklistRepository creates Blocklist repository
func NewBlocklistRepository(redisClient *RedisClient) *BlocklistRepository {
	return &BlocklistRepository{
		redis: redisClient.GetClient(),
	}
}

// Block stores a ban; ttl 0 is permanent.
func (r *BlocklistRepository) Block(ctx context.Context, ip, reason string, ttl time.Duration) error {
	key := blockKeyPrefix + ip

	pipe := r.redis.TxPipeline()
	pipe.HSet(ctx, key, "reason", reason, "added_at", time.Now().UnixMilli())
	if ttl > 0 {
		pipe.PExpire(ctx, key, ttl)
	} else {
		pipe.Persist(ctx, key)
	}
	pipe.SAdd(ctx, blockSetKey, ip)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to block %s: %w", ip, err)
	}
	return nil
}

// BlockInfo reads a ban. ttl 0 means permanent.
func (r *BlocklistRepository) BlockInfo(ctx context.Context, ip string) (string, time.Time, time.Duration, bool, error) {
	key := blockKeyPrefix + ip

	pipe := r.redis.Pipeline()
	fields := pipe.HGetAll(ctx, key)
	pttl := pipe.PTTL(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return "", time.Time{}, 0, false, fmt.Errorf("failed to get block %s: %w", ip, err)
	}

	data := fields.Val()
	if len(data) == 0 {
		return "", time.Time{}, 0, false, nil
	}

	var addedAt time.Time
	if ms, err := strconv.ParseInt(data["added_at"], 10, 64); err == nil {
		addedAt = time.UnixMilli(ms)
	}
	ttl := pttl.Val()
	if ttl < 0 {
		ttl = 0
	}
	return data["reason"], addedAt, ttl, true, nil
}

// Unblock removes a ban
func (r *BlocklistRepository) Unblock(ctx context.Context, ip string) error {
	pipe := r.redis.TxPipeline()
	pipe.Del(ctx, blockKeyPrefix+ip)
	pipe.SRem(ctx, blockSetKey, ip)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to unblock %s: %w", ip, err)
	}
	return nil
}

// ListBlocked returns banned IPs, pruning index entries whose ban expired.
func (r *BlocklistRepository) ListBlocked(ctx context.Context) ([]string, error) {
	ips, err := r.redis.SMembers(ctx, blockSetKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list blocked ips: %w", err)
	}
	if len(ips) == 0 {
		return []string{}, nil
	}

	pipe := r.redis.Pipeline()
	cmds := make([]*redis.IntCmd, 0, len(ips))
	for _, ip := range ips {
		cmds = append(cmds, pipe.Exists(ctx, blockKeyPrefix+ip))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("failed to check blocked ips: %w", err)
	}

	live := make([]string, 0, len(ips))
	var stale []interface{}
	for i, cmd := range cmds {
		if cmd.Val() > 0 {
			live = append(live, ips[i])
		} else {
			stale = append(stale, ips[i])
		}
	}
	if len(stale) > 0 {
		_ = r.redis.SRem(ctx, blockSetKey, stale...).Err()
	}
	return live, nil
}
