package model

import (
	"fmt"
	"regexp"
)

const (
	MiB = uint64(1) << 20
	GiB = uint64(1) << 30
	TiB = uint64(1) << 40

	MinMemoryBytes = MiB
	MaxMemoryBytes = TiB
	MinTimeoutSecs = 1
	MaxTimeoutSecs = 7 * 86_400
)

// WorkloadState workload lifecycle state
type WorkloadState string

const (
	WorkloadPending   WorkloadState = "PENDING"
	WorkloadScheduled WorkloadState = "SCHEDULED"
	WorkloadRunning   WorkloadState = "RUNNING"
	WorkloadCompleted WorkloadState = "COMPLETED"
	WorkloadFailed    WorkloadState = "FAILED"
	WorkloadCancelled WorkloadState = "CANCELLED"
	WorkloadEvicted   WorkloadState = "EVICTED" // node lost; rescheduled or failed
)

var transitions = map[WorkloadState][]WorkloadState{
	WorkloadPending:   {WorkloadScheduled, WorkloadFailed, WorkloadCancelled},
	WorkloadScheduled: {WorkloadRunning, WorkloadFailed, WorkloadCancelled, WorkloadEvicted},
	WorkloadRunning:   {WorkloadCompleted, WorkloadFailed, WorkloadCancelled, WorkloadEvicted},
	WorkloadEvicted:   {WorkloadScheduled, WorkloadFailed},
}

// CanTransition reports whether from -> to is a legal workload transition.
func CanTransition(from, to WorkloadState) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further transitions are possible.
func (s WorkloadState) IsTerminal() bool {
	return len(transitions[s]) == 0
}

// HasAssignment reports whether a workload in this state carries an assigned node.
func (s WorkloadState) HasAssignment() bool {
	return s == WorkloadScheduled || s == WorkloadRunning || s == WorkloadEvicted
}

// Reason failure reason recorded on Failed workloads.
type Reason string

const (
	ReasonNoCandidate         Reason = "NoCandidate"
	ReasonInsufficientGpu     Reason = "InsufficientGpu"
	ReasonInsufficientMemory  Reason = "InsufficientMemory"
	ReasonNoMatchingVendor    Reason = "NoMatchingVendor"
	ReasonTransportFailed     Reason = "TransportFailed"
	ReasonEvictedTooManyTimes Reason = "EvictedTooManyTimes"
	ReasonNodeReported        Reason = "NodeReported"
	ReasonTimeout             Reason = "Timeout"
)

// Resources requested by a workload.
type Resources struct {
	CPUMillicores  int64  `json:"cpu_millicores"`
	MemoryBytes    uint64 `json:"memory_bytes"`
	GPUCount       int    `json:"gpu_count"`
	GPUMemoryBytes uint64 `json:"gpu_memory_bytes,omitempty"` // aggregate VRAM across requested GPUs
	GPUVendor      string `json:"gpu_vendor,omitempty"`
}

// PlacementHints optional placement preferences.
type PlacementHints struct {
	PreferNodes []NodeID `json:"prefer_nodes,omitempty"`
	AvoidNodes  []NodeID `json:"avoid_nodes,omitempty"`
	RequireTags []string `json:"require_tags,omitempty"`
}

// WorkloadSpec user-submitted workload description.
type WorkloadSpec struct {
	Image          string            `json:"image"`
	Command        []string          `json:"command,omitempty"`
	Env            map[string]string `json:"env,omitempty"`
	Resources      Resources         `json:"resources"`
	TimeoutSecs    int64             `json:"timeout_secs"`
	PlacementHints *PlacementHints   `json:"placement_hints,omitempty"`
}

// ValidationKind classifies spec validation failures.
type ValidationKind string

const (
	InvalidSpec     ValidationKind = "InvalidSpec"
	InvalidDuration ValidationKind = "InvalidDuration"
	InvalidResource ValidationKind = "InvalidResource"
)

// ValidationError is returned by WorkloadSpec.Validate.
type ValidationError struct {
	Kind  ValidationKind
	Field string
	Msg   string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s %s", e.Kind, e.Field, e.Msg)
}

var envKeyPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Validate checks the submission constraints.
func (s *WorkloadSpec) Validate() error {
	if s.Image == "" {
		return &ValidationError{Kind: InvalidSpec, Field: "image", Msg: "must not be empty"}
	}
	for k := range s.Env {
		if !envKeyPattern.MatchString(k) {
			return &ValidationError{Kind: InvalidSpec, Field: "env", Msg: fmt.Sprintf("invalid key %q", k)}
		}
	}

	r := s.Resources
	if r.CPUMillicores <= 0 {
		return &ValidationError{Kind: InvalidResource, Field: "resources.cpu_millicores", Msg: "must be positive"}
	}
	if r.MemoryBytes < MinMemoryBytes || r.MemoryBytes > MaxMemoryBytes {
		return &ValidationError{Kind: InvalidResource, Field: "resources.memory_bytes", Msg: "must be within [1 MiB, 1 TiB]"}
	}
	if r.GPUCount < 0 {
		return &ValidationError{Kind: InvalidResource, Field: "resources.gpu_count", Msg: "must not be negative"}
	}
	if r.GPUMemoryBytes > 0 && r.GPUCount == 0 {
		return &ValidationError{Kind: InvalidResource, Field: "resources.gpu_memory_bytes", Msg: "requires gpu_count > 0"}
	}
	if r.GPUVendor != "" && r.GPUCount == 0 {
		return &ValidationError{Kind: InvalidResource, Field: "resources.gpu_vendor", Msg: "requires gpu_count > 0"}
	}

	if s.TimeoutSecs < MinTimeoutSecs || s.TimeoutSecs > MaxTimeoutSecs {
		return &ValidationError{Kind: InvalidDuration, Field: "timeout_secs", Msg: "must be within [1s, 7d]"}
	}
	return nil
}
