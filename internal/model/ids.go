package model

import (
	"fmt"

	"github.com/google/uuid"
)

// NodeID identifies a node process. It is generated once by the node and
// persisted so that re-registration after a restart keeps the same identity.
type NodeID struct{ uuid.UUID }

// WorkloadID identifies a workload; minted by the dispatcher on submission.
type WorkloadID struct{ uuid.UUID }

// NewNodeID returns a random NodeID.
func NewNodeID() NodeID { return NodeID{uuid.New()} }

// NewWorkloadID returns a random WorkloadID.
func NewWorkloadID() WorkloadID { return WorkloadID{uuid.New()} }

// ParseNodeID parses the canonical textual form of a NodeID.
func ParseNodeID(s string) (NodeID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return NodeID{}, fmt.Errorf("invalid node id %q: %w", s, err)
	}
	return NodeID{u}, nil
}

// ParseWorkloadID parses the canonical textual form of a WorkloadID.
func ParseWorkloadID(s string) (WorkloadID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return WorkloadID{}, fmt.Errorf("invalid workload id %q: %w", s, err)
	}
	return WorkloadID{u}, nil
}

// IsZero reports whether id was never assigned.
func (id NodeID) IsZero() bool { return id.UUID == uuid.Nil }

// IsZero reports whether id was never assigned.
func (id WorkloadID) IsZero() bool { return id.UUID == uuid.Nil }

// Less orders node ids lexicographically on their canonical form.
func (id NodeID) Less(other NodeID) bool { return id.String() < other.String() }
