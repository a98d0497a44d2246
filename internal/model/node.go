package model

import "strings"

// NodeState node lifecycle state
type NodeState string

const (
	NodeConnecting NodeState = "CONNECTING"
	NodeRegistered NodeState = "REGISTERED"
	NodeHealthy    NodeState = "HEALTHY"
	NodeUnhealthy  NodeState = "UNHEALTHY"
	NodeDraining   NodeState = "DRAINING" // accepts no new workloads
	NodeEvicted    NodeState = "EVICTED"  // terminal until re-registration
)

// Capability tags
const (
	TagSystem = "system"
	TagGPU    = "gpu"
	TagNvidia = "nvidia"
	TagAMD    = "amd"
	TagIntel  = "intel"
	TagDocker = "docker"
	TagPodman = "podman"
)

// GPUInfo describes one GPU of a node.
type GPUInfo struct {
	Index             int    `json:"index"`
	Vendor            string `json:"vendor"`
	Model             string `json:"model"`
	VRAMBytes         uint64 `json:"vram_bytes"`
	FreeVRAMBytes     uint64 `json:"free_vram_bytes"`
	ComputeCapability string `json:"compute_capability,omitempty"`
}

// Capabilities what a node offers.
type Capabilities struct {
	Tags          []string  `json:"tags"`
	GPUs          []GPUInfo `json:"gpus,omitempty"`
	CPUMillicores int64     `json:"cpu_millicores"`
	MemoryBytes   uint64    `json:"memory_bytes"`
}

// HasTag reports whether tag is advertised (case-insensitive).
func (c Capabilities) HasTag(tag string) bool {
	for _, t := range c.Tags {
		if strings.EqualFold(t, tag) {
			return true
		}
	}
	return false
}

// HasVendor reports whether at least one GPU of vendor is present.
func (c Capabilities) HasVendor(vendor string) bool {
	for _, g := range c.GPUs {
		if strings.EqualFold(g.Vendor, vendor) {
			return true
		}
	}
	return false
}

// GPUCount number of GPUs, optionally restricted to vendor.
func (c Capabilities) GPUCount(vendor string) int {
	n := 0
	for _, g := range c.GPUs {
		if vendor == "" || strings.EqualFold(g.Vendor, vendor) {
			n++
		}
	}
	return n
}

// TotalVRAM aggregate VRAM, optionally restricted to vendor.
func (c Capabilities) TotalVRAM(vendor string) uint64 {
	var total uint64
	for _, g := range c.GPUs {
		if vendor == "" || strings.EqualFold(g.Vendor, vendor) {
			total += g.VRAMBytes
		}
	}
	return total
}

// FreeVRAM aggregate free VRAM as reported by the node, optionally restricted to vendor.
func (c Capabilities) FreeVRAM(vendor string) uint64 {
	var total uint64
	for _, g := range c.GPUs {
		if vendor == "" || strings.EqualFold(g.Vendor, vendor) {
			total += g.FreeVRAMBytes
		}
	}
	return total
}
