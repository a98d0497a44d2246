package admission

import (
	"context"
	"sort"
	"sync"
	"time"
)

// BlockEntry one blocked address.
type BlockEntry struct {
	IP        string     `json:"ip"`
	Reason    string     `json:"reason"`
	AddedAt   time.Time  `json:"added_at"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"` // nil = permanent
}

func (e BlockEntry) expired(now time.Time) bool {
	return e.ExpiresAt != nil && !now.Before(*e.ExpiresAt)
}

// Blocklist stores blocked addresses. Expired entries must never be reported.
type Blocklist interface {
	Lookup(ctx context.Context, ip string) (BlockEntry, bool, error)
	Add(ctx context.Context, entry BlockEntry) error
	Remove(ctx context.Context, ip string) error
	List(ctx context.Context) ([]BlockEntry, error)
	Purge(ctx context.Context) (int, error)
}

// MemoryBlocklist process-local blocklist; expired entries are removed lazily
// on lookup and by Purge.
type MemoryBlocklist struct {
	now func() time.Time

	mu      sync.Mutex
	entries map[string]BlockEntry
}

// NewMemoryBlocklist creates an empty blocklist.
func NewMemoryBlocklist(now func() time.Time) *MemoryBlocklist {
	if now == nil {
		now = time.Now
	}
	return &MemoryBlocklist{now: now, entries: make(map[string]BlockEntry)}
}

func (b *MemoryBlocklist) Lookup(_ context.Context, ip string) (BlockEntry, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.entries[ip]
	if !ok {
		return BlockEntry{}, false, nil
	}
	if e.expired(b.now()) {
		delete(b.entries, ip)
		return BlockEntry{}, false, nil
	}
	return e, true, nil
}

// Add inserts or extends an entry. A permanent entry is never shortened.
func (b *MemoryBlocklist) Add(_ context.Context, entry BlockEntry) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if cur, ok := b.entries[entry.IP]; ok && !cur.expired(b.now()) {
		if cur.ExpiresAt == nil {
			return nil
		}
		if entry.ExpiresAt != nil && entry.ExpiresAt.Before(*cur.ExpiresAt) {
			return nil
		}
	}
	b.entries[entry.IP] = entry
	return nil
}

func (b *MemoryBlocklist) Remove(_ context.Context, ip string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.entries, ip)
	return nil
}

func (b *MemoryBlocklist) List(_ context.Context) ([]BlockEntry, error) {
	b.mu.Lock()
	now := b.now()
	out := make([]BlockEntry, 0, len(b.entries))
	for _, e := range b.entries {
		if !e.expired(now) {
			out = append(out, e)
		}
	}
	b.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].IP < out[j].IP })
	return out, nil
}

func (b *MemoryBlocklist) Purge(_ context.Context) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.now()
	n := 0
	for ip, e := range b.entries {
		if e.expired(now) {
			delete(b.entries, ip)
			n++
		}
	}
	return n, nil
}

// BlockStore is the shape of the Redis-backed blocklist repository.
type BlockStore interface {
	Block(ctx context.Context, ip, reason string, ttl time.Duration) error
	BlockInfo(ctx context.Context, ip string) (reason string, addedAt time.Time, ttl time.Duration, found bool, err error)
	Unblock(ctx context.Context, ip string) error
	ListBlocked(ctx context.Context) ([]string, error)
}

// StoreBlocklist adapts a BlockStore (Redis) to Blocklist. Expiry is enforced
// by the store's key TTLs, so Purge is a no-op.
type StoreBlocklist struct {
	store BlockStore
	now   func() time.Time
}

// NewStoreBlocklist wraps store.
func NewStoreBlocklist(store BlockStore, now func() time.Time) *StoreBlocklist {
	if now == nil {
		now = time.Now
	}
	return &StoreBlocklist{store: store, now: now}
}

func (b *StoreBlocklist) Lookup(ctx context.Context, ip string) (BlockEntry, bool, error) {
	reason, addedAt, ttl, found, err := b.store.BlockInfo(ctx, ip)
	if err != nil || !found {
		return BlockEntry{}, false, err
	}
	e := BlockEntry{IP: ip, Reason: reason, AddedAt: addedAt}
	if ttl > 0 {
		exp := b.now().Add(ttl)
		e.ExpiresAt = &exp
	}
	return e, true, nil
}

func (b *StoreBlocklist) Add(ctx context.Context, entry BlockEntry) error {
	var ttl time.Duration
	if entry.ExpiresAt != nil {
		ttl = entry.ExpiresAt.Sub(b.now())
		if ttl <= 0 {
			return nil
		}
	}
	if cur, found, err := b.Lookup(ctx, entry.IP); err == nil && found {
		if cur.ExpiresAt == nil {
			return nil
		}
		if entry.ExpiresAt != nil && entry.ExpiresAt.Before(*cur.ExpiresAt) {
			return nil
		}
	}
	return b.store.Block(ctx, entry.IP, entry.Reason, ttl)
}

func (b *StoreBlocklist) Remove(ctx context.Context, ip string) error {
	return b.store.Unblock(ctx, ip)
}

func (b *StoreBlocklist) List(ctx context.Context) ([]BlockEntry, error) {
	ips, err := b.store.ListBlocked(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]BlockEntry, 0, len(ips))
	for _, ip := range ips {
		e, found, err := b.Lookup(ctx, ip)
		if err != nil {
			return nil, err
		}
		if found {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].IP < out[j].IP })
	return out, nil
}

func (b *StoreBlocklist) Purge(context.Context) (int, error) { return 0, nil }
