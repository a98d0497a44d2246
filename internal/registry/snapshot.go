package registry

import (
	"sort"

	"clawbernetes/internal/model"
)

// NodeSnapshot immutable scheduling view of one node.
type NodeSnapshot struct {
	ID               model.NodeID
	State            model.NodeState
	Cordoned         bool
	Capabilities     model.Capabilities
	Allocated        model.Resources // summed requests of current workloads
	AssignedCount    int
	RecentPlacements int // placements within the placement window
}

// Schedulable reports whether new workloads may land on the node.
func (n NodeSnapshot) Schedulable() bool {
	if n.Cordoned {
		return false
	}
	return n.State == model.NodeRegistered || n.State == model.NodeHealthy
}

// FreeGPUs GPUs of vendor not claimed by current workloads.
func (n NodeSnapshot) FreeGPUs(vendor string) int {
	free := n.Capabilities.GPUCount(vendor) - n.Allocated.GPUCount
	if free < 0 {
		return 0
	}
	return free
}

// FreeVRAM VRAM of vendor available for placement: the smaller of what the
// node last reported free and what current workloads leave unclaimed.
func (n NodeSnapshot) FreeVRAM(vendor string) uint64 {
	total := n.Capabilities.TotalVRAM(vendor)
	if n.Allocated.GPUMemoryBytes >= total {
		return 0
	}
	unclaimed := total - n.Allocated.GPUMemoryBytes
	if reported := n.Capabilities.FreeVRAM(vendor); reported < unclaimed {
		return reported
	}
	return unclaimed
}

// FreeCPU millicores not claimed by current workloads.
func (n NodeSnapshot) FreeCPU() int64 {
	free := n.Capabilities.CPUMillicores - n.Allocated.CPUMillicores
	if free < 0 {
		return 0
	}
	return free
}

// FreeMemory bytes not claimed by current workloads.
func (n NodeSnapshot) FreeMemory() uint64 {
	if n.Allocated.MemoryBytes >= n.Capabilities.MemoryBytes {
		return 0
	}
	return n.Capabilities.MemoryBytes - n.Allocated.MemoryBytes
}

// Snapshot returns a consistent view of every node ordered by id.
func (r *Registry) Snapshot() []NodeSnapshot {
	cutoff := r.opts.Now().Add(-r.opts.PlacementWindow)

	r.mu.RLock()
	out := make([]NodeSnapshot, 0, len(r.nodes))
	for _, rec := range r.nodes {
		snap := NodeSnapshot{
			ID:            rec.id,
			State:         rec.state,
			Cordoned:      rec.cordoned,
			Capabilities:  copyCaps(rec.caps),
			AssignedCount: len(rec.workloads),
		}
		for _, res := range rec.workloads {
			snap.Allocated.CPUMillicores += res.CPUMillicores
			snap.Allocated.MemoryBytes += res.MemoryBytes
			snap.Allocated.GPUCount += res.GPUCount
			snap.Allocated.GPUMemoryBytes += res.GPUMemoryBytes
		}
		for _, t := range rec.placements {
			if t.After(cutoff) {
				snap.RecentPlacements++
			}
		}
		out = append(out, snap)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID.Less(out[j].ID) })
	return out
}

// Filter selects nodes for Select. Zero values match everything.
type Filter struct {
	States      []model.NodeState
	Tag         string
	Vendor      string
	MinFreeGPUs int
	Schedulable bool
}

// Select returns snapshots matching f ordered by id.
func (r *Registry) Select(f Filter) []NodeSnapshot {
	all := r.Snapshot()
	out := all[:0]
	for _, n := range all {
		if f.matches(n) {
			out = append(out, n)
		}
	}
	return out
}

func (f Filter) matches(n NodeSnapshot) bool {
	if len(f.States) > 0 {
		found := false
		for _, s := range f.States {
			if s == n.State {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.Schedulable && !n.Schedulable() {
		return false
	}
	if f.Tag != "" && !n.Capabilities.HasTag(f.Tag) {
		return false
	}
	if f.Vendor != "" && !n.Capabilities.HasVendor(f.Vendor) {
		return false
	}
	if f.MinFreeGPUs > 0 && n.FreeGPUs(f.Vendor) < f.MinFreeGPUs {
		return false
	}
	return true
}
