package redis

import (
	"context"
	"testing"
	"time"

	"clawbernetes/internal/admission"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var _ admission.BlockStore = (*BlocklistRepository)(nil)

func setupRedis(t *testing.T) (*miniredis.Miniredis, *RedisClient) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, WrapClient(client)
}

func TestBlocklistRepository_TemporaryBan(t *testing.T) {
	mr, rc := setupRedis(t)
	repo := NewBlocklistRepository(rc)
	ctx := context.Background()

	require.NoError(t, repo.Block(ctx, "10.0.0.1", "violation_limit", 15*time.Minute))

	reason, addedAt, ttl, found, err := repo.BlockInfo(ctx, "10.0.0.1")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "violation_limit", reason)
	assert.False(t, addedAt.IsZero())
	assert.InDelta(t, (15 * time.Minute).Seconds(), ttl.Seconds(), 1)

	ips, err := repo.ListBlocked(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"10.0.0.1"}, ips)

	mr.FastForward(16 * time.Minute)

	_, _, _, found, err = repo.BlockInfo(ctx, "10.0.0.1")
	require.NoError(t, err)
	assert.False(t, found)

	ips, err = repo.ListBlocked(ctx)
	require.NoError(t, err)
	assert.Empty(t, ips)
	members, _ := mr.Members(blockSetKey)
	assert.Empty(t, members)
}

func TestBlocklistRepository_PermanentBan(t *testing.T) {
	mr, rc := setupRedis(t)
	repo := NewBlocklistRepository(rc)
	ctx := context.Background()

	require.NoError(t, repo.Block(ctx, "10.0.0.2", "temp", time.Minute))
	require.NoError(t, repo.Block(ctx, "10.0.0.2", "static", 0))

	mr.FastForward(time.Hour)
	reason, _, ttl, found, err := repo.BlockInfo(ctx, "10.0.0.2")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "static", reason)
	assert.Zero(t, ttl)

	require.NoError(t, repo.Unblock(ctx, "10.0.0.2"))
	_, _, _, found, err = repo.BlockInfo(ctx, "10.0.0.2")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestBlocklistRepository_BacksAdmission(t *testing.T) {
	_, rc := setupRedis(t)
	bl := admission.NewStoreBlocklist(NewBlocklistRepository(rc), nil)
	ctx := context.Background()

	exp := time.Now().Add(10 * time.Minute)
	require.NoError(t, bl.Add(ctx, admission.BlockEntry{IP: "10.0.0.3", Reason: "blocked", ExpiresAt: &exp}))

	entry, found, err := bl.Lookup(ctx, "10.0.0.3")
	require.NoError(t, err)
	require.True(t, found)
	require.NotNil(t, entry.ExpiresAt)
	assert.WithinDuration(t, exp, *entry.ExpiresAt, 2*time.Second)

	entries, err := bl.List(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "10.0.0.3", entries[0].IP)
}

func TestNodeRepository(t *testing.T) {
	mr, rc := setupRedis(t)
	repo := NewNodeRepository(rc)
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Millisecond)
	require.NoError(t, repo.SaveAll(ctx, []NodeStatus{
		{ID: "b", State: "HEALTHY", GPUs: 2, CurrentWorkloads: 1, LastHeartbeatAt: now, Gateway: "gw-1"},
		{ID: "a", State: "DRAINING", Cordoned: true, Gateway: "gw-1"},
	}))

	count, err := repo.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	all, err := repo.GetAll(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "a", all[0].ID)
	assert.True(t, all[0].Cordoned)
	assert.Equal(t, 2, all[1].GPUs)
	assert.True(t, now.Equal(all[1].LastHeartbeatAt))

	got, err := repo.Get(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, "HEALTHY", got.State)

	require.NoError(t, repo.Delete(ctx, "b"))
	_, err = repo.Get(ctx, "b")
	assert.Error(t, err)

	mr.FastForward(nodeDataTTL + time.Second)
	all, err = repo.GetAll(ctx)
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestNodeRepository_SaveAllEmpty(t *testing.T) {
	_, rc := setupRedis(t)
	assert.NoError(t, NewNodeRepository(rc).SaveAll(context.Background(), nil))
}
