// Package protocol defines the messages exchanged between nodes and the
// gateway and their JSON framing.
//
// Every frame is a JSON object {"type": <Type>, "payload": {...}}. Frames are
// bounded by MaxFrameBytes and log frames by MaxLogLines.
package protocol

import (
	"clawbernetes/internal/model"
)

const (
	MaxFrameBytes = 1 << 20
	MaxLogLines   = 256
)

// Type message discriminator
type Type string

// Node -> gateway
const (
	TypeRegister       Type = "register"
	TypeHeartbeat      Type = "heartbeat"
	TypeMetrics        Type = "metrics"
	TypeWorkloadUpdate Type = "workload_update"
	TypeWorkloadLogs   Type = "workload_logs"
)

// Gateway -> node
const (
	TypeRegistered     Type = "registered"
	TypeHeartbeatAck   Type = "heartbeat_ack"
	TypeStartWorkload  Type = "start_workload"
	TypeStopWorkload   Type = "stop_workload"
	TypeRequestMetrics Type = "request_metrics"
	TypeError          Type = "error"
)

// Message is implemented by every frame payload.
type Message interface {
	Type() Type
}

// Register announces a node. A reconnecting node replays its previous id.
type Register struct {
	NodeID       model.NodeID       `json:"node_id"`
	Capabilities model.Capabilities `json:"capabilities"`
	Address      string             `json:"address"`
	Version      string             `json:"version,omitempty"`
}

// Heartbeat liveness frame; Sequence strictly increases within a session.
type Heartbeat struct {
	NodeID      model.NodeID `json:"node_id"`
	TimestampMs int64        `json:"timestamp"`
	Sequence    uint64       `json:"sequence"`
}

// GPUMetric point-in-time GPU sample.
type GPUMetric struct {
	Index          int     `json:"index"`
	UtilizationPct float64 `json:"utilization_pct"`
	MemoryUsed     uint64  `json:"memory_used_bytes"`
	MemoryFree     uint64  `json:"memory_free_bytes"`
	TemperatureC   float64 `json:"temperature_c"`
	PowerWatts     float64 `json:"power_watts,omitempty"`
}

// SystemMetrics point-in-time host sample.
type SystemMetrics struct {
	CPUUtilPct    float64 `json:"cpu_util_pct"`
	MemoryUtilPct float64 `json:"memory_util_pct"`
	LoadAvg1      float64 `json:"load_avg_1"`
	RunningJobs   int     `json:"running_jobs"`
}

// Metrics periodic node telemetry.
type Metrics struct {
	NodeID        model.NodeID  `json:"node_id"`
	GPUMetrics    []GPUMetric   `json:"gpu_metrics"`
	SystemMetrics SystemMetrics `json:"system_metrics"`
	TimestampMs   int64         `json:"timestamp"`
}

// WorkloadUpdate reports a workload state change observed on the node.
type WorkloadUpdate struct {
	WorkloadID  model.WorkloadID    `json:"workload_id"`
	NewState    model.WorkloadState `json:"new_state"`
	ExitCode    *int                `json:"exit_code,omitempty"`
	Reason      model.Reason        `json:"reason,omitempty"` // Timeout when the node killed it at its deadline
	Message     string              `json:"message,omitempty"`
	TimestampMs int64               `json:"timestamp,omitempty"`
}

// WorkloadLogs carries at most MaxLogLines lines of workload output.
type WorkloadLogs struct {
	WorkloadID model.WorkloadID `json:"workload_id"`
	Lines      []string         `json:"lines"`
}

// Registered acknowledges a Register and hands the node its cadence.
type Registered struct {
	HeartbeatIntervalMs int64  `json:"heartbeat_interval_ms"`
	MetricsIntervalMs   int64  `json:"metrics_interval_ms"`
	NodeToken           string `json:"node_token"`
}

// HeartbeatAck echoes the acknowledged sequence.
type HeartbeatAck struct {
	Sequence uint64 `json:"sequence"`
}

// StartWorkload instructs a node to run a workload.
type StartWorkload struct {
	WorkloadID model.WorkloadID   `json:"workload_id"`
	Spec       model.WorkloadSpec `json:"spec"`
}

// StopWorkload instructs a node to stop a workload within the grace period.
type StopWorkload struct {
	WorkloadID    model.WorkloadID `json:"workload_id"`
	GracePeriodMs int64            `json:"grace_period_ms"`
}

// RequestMetrics asks the node for an immediate Metrics frame.
type RequestMetrics struct{}

// Error reports a protocol-level problem to the peer.
type Error struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

func (Register) Type() Type       { return TypeRegister }
func (Heartbeat) Type() Type      { return TypeHeartbeat }
func (Metrics) Type() Type        { return TypeMetrics }
func (WorkloadUpdate) Type() Type { return TypeWorkloadUpdate }
func (WorkloadLogs) Type() Type   { return TypeWorkloadLogs }
func (Registered) Type() Type     { return TypeRegistered }
func (HeartbeatAck) Type() Type   { return TypeHeartbeatAck }
func (StartWorkload) Type() Type  { return TypeStartWorkload }
func (StopWorkload) Type() Type   { return TypeStopWorkload }
func (RequestMetrics) Type() Type { return TypeRequestMetrics }
func (Error) Type() Type          { return TypeError }

// ChunkLogs splits lines into frames of at most MaxLogLines lines.
func ChunkLogs(id model.WorkloadID, lines []string) []WorkloadLogs {
	var out []WorkloadLogs
	for len(lines) > 0 {
		n := len(lines)
		if n > MaxLogLines {
			n = MaxLogLines
		}
		chunk := make([]string, n)
		copy(chunk, lines[:n])
		out = append(out, WorkloadLogs{WorkloadID: id, Lines: chunk})
		lines = lines[n:]
	}
	return out
}
