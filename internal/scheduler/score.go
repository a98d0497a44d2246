package scheduler

import (
	"clawbernetes/internal/model"
	"clawbernetes/internal/registry"
)

// pickBest returns the candidate ranked first by less.
func pickBest(spec model.WorkloadSpec, nodes []registry.NodeSnapshot) registry.NodeSnapshot {
	best := nodes[0]
	for _, n := range nodes[1:] {
		if less(spec, n, best) {
			best = n
		}
	}
	return best
}

// less ranks a before b: preferred nodes, then fewest assigned workloads,
// then most free VRAM, then fewest recent placements, then node id.
func less(spec model.WorkloadSpec, a, b registry.NodeSnapshot) bool {
	if spec.PlacementHints != nil {
		pa := containsNode(spec.PlacementHints.PreferNodes, a.ID)
		pb := containsNode(spec.PlacementHints.PreferNodes, b.ID)
		if pa != pb {
			return pa
		}
	}
	if a.AssignedCount != b.AssignedCount {
		return a.AssignedCount < b.AssignedCount
	}
	vendor := spec.Resources.GPUVendor
	if va, vb := a.FreeVRAM(vendor), b.FreeVRAM(vendor); va != vb {
		return va > vb
	}
	if a.RecentPlacements != b.RecentPlacements {
		return a.RecentPlacements < b.RecentPlacements
	}
	return a.ID.Less(b.ID)
}
