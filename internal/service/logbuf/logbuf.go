// Package logbuf keeps the most recent log lines of each workload in memory.
package logbuf

import (
	"sort"
	"strings"
	"sync"

	"clawbernetes/internal/model"
)

const (
	DefaultLinesPerWorkload = 1000
	DefaultMaxWorkloads     = 4096
)

// Match one logs_search hit.
type Match struct {
	WorkloadID model.WorkloadID `json:"workload_id"`
	Line       string           `json:"line"`
	Offset     uint64           `json:"offset"` // position of the line in the workload's full output
}

type ring struct {
	lines []string
	start int
	total uint64 // lines ever appended
	seq   uint64 // recency for eviction
}

func (r *ring) append(line string, capacity int) {
	if len(r.lines) < capacity {
		r.lines = append(r.lines, line)
	} else {
		r.lines[r.start] = line
		r.start = (r.start + 1) % capacity
	}
	r.total++
}

// ordered lines oldest first
func (r *ring) ordered() []string {
	out := make([]string, 0, len(r.lines))
	out = append(out, r.lines[r.start:]...)
	out = append(out, r.lines[:r.start]...)
	return out
}

// Buffer bounded per-workload rings.
type Buffer struct {
	perWorkload  int
	maxWorkloads int

	mu    sync.Mutex
	rings map[model.WorkloadID]*ring
	seq   uint64
}

// New creates a buffer; non-positive limits fall back to defaults.
func New(perWorkload, maxWorkloads int) *Buffer {
	if perWorkload <= 0 {
		perWorkload = DefaultLinesPerWorkload
	}
	if maxWorkloads <= 0 {
		maxWorkloads = DefaultMaxWorkloads
	}
	return &Buffer{
		perWorkload:  perWorkload,
		maxWorkloads: maxWorkloads,
		rings:        make(map[model.WorkloadID]*ring),
	}
}

// Append records lines for id, evicting the least recently written workload
// when the buffer is full.
func (b *Buffer) Append(id model.WorkloadID, lines []string) {
	if len(lines) == 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	r, ok := b.rings[id]
	if !ok {
		if len(b.rings) >= b.maxWorkloads {
			b.evictOldestLocked()
		}
		r = &ring{}
		b.rings[id] = r
	}
	for _, l := range lines {
		r.append(l, b.perWorkload)
	}
	b.seq++
	r.seq = b.seq
}

func (b *Buffer) evictOldestLocked() {
	var (
		victim model.WorkloadID
		oldest uint64
		found  bool
	)
	for id, r := range b.rings {
		if !found || r.seq < oldest {
			victim, oldest, found = id, r.seq, true
		}
	}
	if found {
		delete(b.rings, victim)
	}
}

// Tail returns the last n lines of id; n <= 0 returns everything retained.
func (b *Buffer) Tail(id model.WorkloadID, n int) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	r, ok := b.rings[id]
	if !ok {
		return []string{}
	}
	lines := r.ordered()
	if n > 0 && len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return lines
}

// Search returns lines containing query (case-insensitive), optionally
// restricted to one workload. Results are ordered by workload id then offset.
func (b *Buffer) Search(query string, only *model.WorkloadID, limit int) []Match {
	needle := strings.ToLower(query)

	b.mu.Lock()
	ids := make([]model.WorkloadID, 0, len(b.rings))
	for id := range b.rings {
		if only == nil || id == *only {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })

	out := []Match{}
	for _, id := range ids {
		r := b.rings[id]
		first := r.total - uint64(len(r.lines))
		for i, line := range r.ordered() {
			if !strings.Contains(strings.ToLower(line), needle) {
				continue
			}
			out = append(out, Match{WorkloadID: id, Line: line, Offset: first + uint64(i)})
			if limit > 0 && len(out) >= limit {
				b.mu.Unlock()
				return out
			}
		}
	}
	b.mu.Unlock()
	return out
}

// Drop forgets id.
func (b *Buffer) Drop(id model.WorkloadID) {
	b.mu.Lock()
	delete(b.rings, id)
	b.mu.Unlock()
}

// Len number of workloads with retained lines.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.rings)
}
