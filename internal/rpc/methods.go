package rpc

import (
	"time"

	"clawbernetes/internal/alert"
	"clawbernetes/internal/model"
	"clawbernetes/internal/protocol"
	"clawbernetes/internal/registry"
	"clawbernetes/internal/service/logbuf"
	"clawbernetes/internal/workload"
)

// Method names
const (
	MethodClusterStatus  = "cluster_status"
	MethodNodeList       = "node_list"
	MethodNodeGet        = "node_get"
	MethodNodeDrain      = "node_drain"
	MethodNodeCordon     = "node_cordon"
	MethodNodeUncordon   = "node_uncordon"
	MethodWorkloadSubmit = "workload_submit"
	MethodWorkloadGet    = "workload_get"
	MethodWorkloadList   = "workload_list"
	MethodWorkloadStop   = "workload_stop"
	MethodWorkloadScale  = "workload_scale"
	MethodWorkloadLogs   = "workload_logs"
	MethodMetricsQuery   = "metrics_query"
	MethodLogsSearch     = "logs_search"
	MethodAlertCreate    = "alert_create"
	MethodAlertList      = "alert_list"
	MethodAlertSilence   = "alert_silence"
)

// Methods every method name, in documentation order.
var Methods = []string{
	MethodClusterStatus,
	MethodNodeList, MethodNodeGet, MethodNodeDrain, MethodNodeCordon, MethodNodeUncordon,
	MethodWorkloadSubmit, MethodWorkloadGet, MethodWorkloadList, MethodWorkloadStop, MethodWorkloadScale, MethodWorkloadLogs,
	MethodMetricsQuery, MethodLogsSearch,
	MethodAlertCreate, MethodAlertList, MethodAlertSilence,
}

// ClusterStatus cluster_status result
type ClusterStatus struct {
	Nodes            map[model.NodeState]int     `json:"nodes"`
	TotalNodes       int                         `json:"total_nodes"`
	Workloads        map[model.WorkloadState]int `json:"workloads"`
	TotalGPUs        int                         `json:"total_gpus"`
	AllocatedGPUs    int                         `json:"allocated_gpus"`
	PendingEvictions int                         `json:"pending_evictions"`
	Uptime           string                      `json:"uptime"`
	Time             time.Time                   `json:"time"`
}

// NodeListParams node_list params
type NodeListParams struct {
	State model.NodeState `json:"state,omitempty"`
}

// NodeListResult node_list result
type NodeListResult struct {
	Nodes []registry.Node `json:"nodes"`
}

// NodeParams node_get / node_drain / node_cordon / node_uncordon params
type NodeParams struct {
	NodeID string `json:"node_id"`
}

// WorkloadSubmitParams workload_submit params
type WorkloadSubmitParams struct {
	Spec model.WorkloadSpec `json:"spec"`
}

// WorkloadSubmitResult workload_submit result
type WorkloadSubmitResult struct {
	WorkloadID model.WorkloadID    `json:"workload_id"`
	State      model.WorkloadState `json:"state"`
	Node       *model.NodeID       `json:"node_id,omitempty"`
}

// WorkloadParams workload_get params
type WorkloadParams struct {
	WorkloadID string `json:"workload_id"`
}

// WorkloadListParams workload_list params
type WorkloadListParams struct {
	State  model.WorkloadState `json:"state,omitempty"`
	NodeID string              `json:"node_id,omitempty"`
	Limit  int                 `json:"limit,omitempty"`
}

// WorkloadListResult workload_list result
type WorkloadListResult struct {
	Workloads []workload.Workload `json:"workloads"`
}

// WorkloadStopParams workload_stop params
type WorkloadStopParams struct {
	WorkloadID      string `json:"workload_id"`
	GracePeriodSecs int64  `json:"grace_period_secs,omitempty"`
}

// WorkloadScaleParams workload_scale params
type WorkloadScaleParams struct {
	WorkloadID string `json:"workload_id"`
	Replicas   int    `json:"replicas"`
}

// WorkloadScaleResult workload_scale result
type WorkloadScaleResult struct {
	WorkloadIDs []model.WorkloadID `json:"workload_ids"`
}

// WorkloadLogsParams workload_logs params
type WorkloadLogsParams struct {
	WorkloadID string `json:"workload_id"`
	Tail       int    `json:"tail,omitempty"`
}

// WorkloadLogsResult workload_logs result
type WorkloadLogsResult struct {
	WorkloadID model.WorkloadID `json:"workload_id"`
	Lines      []string         `json:"lines"`
}

// MetricsQueryParams metrics_query params
type MetricsQueryParams struct {
	NodeID string `json:"node_id,omitempty"`
}

// NodeMetrics latest telemetry of one node
type NodeMetrics struct {
	NodeID  model.NodeID      `json:"node_id"`
	State   model.NodeState   `json:"state"`
	Metrics *protocol.Metrics `json:"metrics,omitempty"`
}

// MetricsQueryResult metrics_query result
type MetricsQueryResult struct {
	Nodes []NodeMetrics `json:"nodes"`
}

// LogsSearchParams logs_search params
type LogsSearchParams struct {
	Query      string `json:"query"`
	WorkloadID string `json:"workload_id,omitempty"`
	Limit      int    `json:"limit,omitempty"`
}

// LogsSearchResult logs_search result
type LogsSearchResult struct {
	Matches []logbuf.Match `json:"matches"`
}

// AlertCreateParams alert_create params
type AlertCreateParams struct {
	Name      string          `json:"name"`
	Condition alert.Condition `json:"condition"`
	NodeID    string          `json:"node_id,omitempty"`
}

// AlertListResult alert_list result
type AlertListResult struct {
	Alerts []alert.Alert `json:"alerts"`
}

// AlertSilenceParams alert_silence params
type AlertSilenceParams struct {
	AlertID      string `json:"alert_id"`
	DurationSecs int64  `json:"duration_secs"`
}
