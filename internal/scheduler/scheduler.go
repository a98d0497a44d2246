// Package scheduler picks a node for a workload. Schedule is a pure function
// of its inputs: the same spec and snapshot always yield the same answer.
package scheduler

import (
	"fmt"

	"clawbernetes/internal/model"
	"clawbernetes/internal/registry"
)

// Error typed scheduling failure. Reason is one of NoCandidate,
// InsufficientGpu, InsufficientMemory or NoMatchingVendor.
type Error struct {
	Reason model.Reason
	Detail string
}

func (e *Error) Error() string {
	if e.Detail == "" {
		return string(e.Reason)
	}
	return fmt.Sprintf("%s: %s", e.Reason, e.Detail)
}

// Schedule filters then ranks nodes and returns the best one.
func Schedule(spec model.WorkloadSpec, nodes []registry.NodeSnapshot) (model.NodeID, error) {
	eligible := filterEligible(spec, nodes)
	if len(eligible) == 0 {
		return model.NodeID{}, &Error{Reason: model.ReasonNoCandidate, Detail: "no schedulable nodes"}
	}

	if err := checkCapacity(spec, eligible); err != nil {
		return model.NodeID{}, err
	}

	candidates := filterFree(spec, eligible)
	if len(candidates) == 0 {
		return model.NodeID{}, &Error{Reason: model.ReasonNoCandidate, Detail: "all fitting nodes are occupied"}
	}

	return pickBest(spec, candidates).ID, nil
}
