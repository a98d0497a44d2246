package scheduler

import (
	"fmt"

	"clawbernetes/internal/model"
	"clawbernetes/internal/registry"
)

// filterEligible keeps schedulable nodes that satisfy placement hints.
func filterEligible(spec model.WorkloadSpec, nodes []registry.NodeSnapshot) []registry.NodeSnapshot {
	out := make([]registry.NodeSnapshot, 0, len(nodes))
	for _, n := range nodes {
		if !n.Schedulable() {
			continue
		}
		if h := spec.PlacementHints; h != nil {
			if containsNode(h.AvoidNodes, n.ID) {
				continue
			}
			if !hasAllTags(n.Capabilities, h.RequireTags) {
				continue
			}
		}
		out = append(out, n)
	}
	return out
}

// checkCapacity classifies why no node could ever fit the request, looking at
// total capacity and ignoring current assignments.
func checkCapacity(spec model.WorkloadSpec, nodes []registry.NodeSnapshot) error {
	res := spec.Resources

	if res.GPUVendor != "" {
		matched := nodes[:0:0]
		for _, n := range nodes {
			if n.Capabilities.HasVendor(res.GPUVendor) {
				matched = append(matched, n)
			}
		}
		if len(matched) == 0 {
			return &Error{Reason: model.ReasonNoMatchingVendor, Detail: fmt.Sprintf("no node offers %s GPUs", res.GPUVendor)}
		}
		nodes = matched
	}

	if res.GPUCount > 0 {
		fits := nodes[:0:0]
		for _, n := range nodes {
			if n.Capabilities.GPUCount(res.GPUVendor) >= res.GPUCount {
				fits = append(fits, n)
			}
		}
		if len(fits) == 0 {
			return &Error{Reason: model.ReasonInsufficientGpu, Detail: fmt.Sprintf("no node has %d GPUs", res.GPUCount)}
		}
		nodes = fits
	}

	for _, n := range nodes {
		c := n.Capabilities
		if c.TotalVRAM(res.GPUVendor) >= res.GPUMemoryBytes &&
			c.CPUMillicores >= res.CPUMillicores &&
			c.MemoryBytes >= res.MemoryBytes {
			return nil
		}
	}
	return &Error{Reason: model.ReasonInsufficientMemory, Detail: "no node has enough VRAM, CPU or memory"}
}

// filterFree keeps nodes whose headroom after current assignments fits the request.
func filterFree(spec model.WorkloadSpec, nodes []registry.NodeSnapshot) []registry.NodeSnapshot {
	out := make([]registry.NodeSnapshot, 0, len(nodes))
	for _, n := range nodes {
		if checkNode(spec.Resources, n) {
			out = append(out, n)
		}
	}
	return out
}

func checkNode(res model.Resources, n registry.NodeSnapshot) bool {
	if res.GPUVendor != "" && !n.Capabilities.HasVendor(res.GPUVendor) {
		return false
	}
	if n.FreeGPUs(res.GPUVendor) < res.GPUCount {
		return false
	}
	if res.GPUMemoryBytes > 0 && n.FreeVRAM(res.GPUVendor) < res.GPUMemoryBytes {
		return false
	}
	if n.FreeCPU() < res.CPUMillicores {
		return false
	}
	return n.FreeMemory() >= res.MemoryBytes
}

func containsNode(ids []model.NodeID, id model.NodeID) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

func hasAllTags(c model.Capabilities, tags []string) bool {
	for _, t := range tags {
		if !c.HasTag(t) {
			return false
		}
	}
	return true
}
