package main

import (
	"encoding/json"
	"os"
	"strconv"
	"strings"

	"clawbernetes/internal/alert"
	"clawbernetes/internal/model"
	"clawbernetes/internal/rpc"

	"github.com/docker/go-units"
	"github.com/spf13/cobra"
)

func (c *cli) statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show cluster status",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.call(cmd.Context(), rpc.MethodClusterStatus, nil)
		},
	}
}

func (c *cli) nodeCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "node", Short: "Inspect and manage nodes"}

	var state string
	list := &cobra.Command{
		Use:   "list",
		Short: "List nodes",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.call(cmd.Context(), rpc.MethodNodeList, rpc.NodeListParams{State: model.NodeState(strings.ToUpper(state))})
		},
	}
	list.Flags().StringVar(&state, "state", "", "only nodes in this state")

	byID := func(use, short, method string) *cobra.Command {
		return &cobra.Command{
			Use:   use + " NODE_ID",
			Short: short,
			Args:  exactArgs(1, "NODE_ID"),
			RunE: func(cmd *cobra.Command, args []string) error {
				return c.call(cmd.Context(), method, rpc.NodeParams{NodeID: args[0]})
			},
		}
	}

	cmd.AddCommand(
		list,
		byID("get", "Show one node", rpc.MethodNodeGet),
		byID("drain", "Stop scheduling onto a node and let its workloads finish", rpc.MethodNodeDrain),
		byID("cordon", "Mark a node unschedulable", rpc.MethodNodeCordon),
		byID("uncordon", "Mark a node schedulable", rpc.MethodNodeUncordon),
	)
	return cmd
}

type submitFlags struct {
	file        string
	image       string
	env         []string
	cpu         int64
	memory      string
	gpus        int
	gpuMemory   string
	gpuVendor   string
	timeout     int64
	prefer      []string
	avoid       []string
	requireTags []string
}

func (f *submitFlags) spec(args []string) (model.WorkloadSpec, error) {
	if f.file != "" {
		data, err := os.ReadFile(f.file)
		if err != nil {
			return model.WorkloadSpec{}, usagef("failed to read spec file: %v", err)
		}
		var spec model.WorkloadSpec
		if err := json.Unmarshal(data, &spec); err != nil {
			return model.WorkloadSpec{}, usagef("invalid spec file: %v", err)
		}
		return spec, nil
	}

	if f.image == "" {
		return model.WorkloadSpec{}, usagef("--image or --file is required")
	}
	spec := model.WorkloadSpec{
		Image:       f.image,
		Command:     args,
		TimeoutSecs: f.timeout,
		Resources: model.Resources{
			CPUMillicores: f.cpu,
			GPUCount:      f.gpus,
			GPUVendor:     strings.ToLower(f.gpuVendor),
		},
	}

	mem, err := units.RAMInBytes(f.memory)
	if err != nil || mem <= 0 {
		return model.WorkloadSpec{}, usagef("invalid --memory %q", f.memory)
	}
	spec.Resources.MemoryBytes = uint64(mem)
	if f.gpuMemory != "" {
		vram, err := units.RAMInBytes(f.gpuMemory)
		if err != nil || vram <= 0 {
			return model.WorkloadSpec{}, usagef("invalid --gpu-memory %q", f.gpuMemory)
		}
		spec.Resources.GPUMemoryBytes = uint64(vram)
	}

	if len(f.env) > 0 {
		spec.Env = make(map[string]string, len(f.env))
		for _, kv := range f.env {
			k, v, ok := strings.Cut(kv, "=")
			if !ok || k == "" {
				return model.WorkloadSpec{}, usagef("invalid --env %q, want KEY=VALUE", kv)
			}
			spec.Env[k] = v
		}
	}

	if len(f.prefer)+len(f.avoid)+len(f.requireTags) > 0 {
		hints := &model.PlacementHints{RequireTags: f.requireTags}
		for _, s := range f.prefer {
			id, err := model.ParseNodeID(s)
			if err != nil {
				return model.WorkloadSpec{}, usagef("invalid --prefer %q", s)
			}
			hints.PreferNodes = append(hints.PreferNodes, id)
		}
		for _, s := range f.avoid {
			id, err := model.ParseNodeID(s)
			if err != nil {
				return model.WorkloadSpec{}, usagef("invalid --avoid %q", s)
			}
			hints.AvoidNodes = append(hints.AvoidNodes, id)
		}
		spec.PlacementHints = hints
	}
	return spec, nil
}

func (c *cli) workloadCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "workload", Aliases: []string{"wl"}, Short: "Submit and manage workloads"}

	var sf submitFlags
	submit := &cobra.Command{
		Use:   "submit [flags] [-- COMMAND...]",
		Short: "Submit a workload",
		RunE: func(cmd *cobra.Command, args []string) error {
			spec, err := sf.spec(args)
			if err != nil {
				return err
			}
			return c.call(cmd.Context(), rpc.MethodWorkloadSubmit, rpc.WorkloadSubmitParams{Spec: spec})
		},
	}
	fl := submit.Flags()
	fl.StringVarP(&sf.file, "file", "f", "", "JSON workload spec; other spec flags are ignored")
	fl.StringVar(&sf.image, "image", "", "container image")
	fl.StringArrayVarP(&sf.env, "env", "e", nil, "environment variable KEY=VALUE (repeatable)")
	fl.Int64Var(&sf.cpu, "cpu", 1000, "CPU in millicores")
	fl.StringVar(&sf.memory, "memory", "1g", "memory, e.g. 512m or 4g")
	fl.IntVar(&sf.gpus, "gpus", 0, "GPU count")
	fl.StringVar(&sf.gpuMemory, "gpu-memory", "", "aggregate VRAM across requested GPUs")
	fl.StringVar(&sf.gpuVendor, "gpu-vendor", "", "nvidia, amd or intel")
	fl.Int64Var(&sf.timeout, "timeout-secs", 3600, "workload timeout in seconds")
	fl.StringSliceVar(&sf.prefer, "prefer", nil, "preferred node ids")
	fl.StringSliceVar(&sf.avoid, "avoid", nil, "node ids to avoid")
	fl.StringSliceVar(&sf.requireTags, "require-tag", nil, "required node tags")

	get := &cobra.Command{
		Use:   "get WORKLOAD_ID",
		Short: "Show one workload",
		Args:  exactArgs(1, "WORKLOAD_ID"),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.call(cmd.Context(), rpc.MethodWorkloadGet, rpc.WorkloadParams{WorkloadID: args[0]})
		},
	}

	var lp rpc.WorkloadListParams
	var listState string
	list := &cobra.Command{
		Use:   "list",
		Short: "List workloads",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, _ []string) error {
			lp.State = model.WorkloadState(strings.ToUpper(listState))
			return c.call(cmd.Context(), rpc.MethodWorkloadList, lp)
		},
	}
	list.Flags().StringVar(&listState, "state", "", "only workloads in this state")
	list.Flags().StringVar(&lp.NodeID, "node", "", "only workloads on this node")
	list.Flags().IntVar(&lp.Limit, "limit", 0, "maximum number of workloads")

	var grace int64
	stop := &cobra.Command{
		Use:   "stop WORKLOAD_ID",
		Short: "Stop a workload",
		Args:  exactArgs(1, "WORKLOAD_ID"),
		RunE: func(cmd *cobra.Command, args []string) error {
			if grace < 0 {
				return usagef("--grace must not be negative")
			}
			return c.call(cmd.Context(), rpc.MethodWorkloadStop, rpc.WorkloadStopParams{WorkloadID: args[0], GracePeriodSecs: grace})
		},
	}
	stop.Flags().Int64Var(&grace, "grace", 0, "grace period in seconds (0 uses the gateway default)")

	scale := &cobra.Command{
		Use:   "scale WORKLOAD_ID REPLICAS",
		Short: "Scale a workload's replica group",
		Args:  exactArgs(2, "WORKLOAD_ID", "REPLICAS"),
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := strconv.Atoi(args[1])
			if err != nil || n <= 0 {
				return usagef("REPLICAS must be a positive integer, got %q", args[1])
			}
			return c.call(cmd.Context(), rpc.MethodWorkloadScale, rpc.WorkloadScaleParams{WorkloadID: args[0], Replicas: n})
		},
	}

	var tail int
	logs := &cobra.Command{
		Use:   "logs WORKLOAD_ID",
		Short: "Show buffered workload output",
		Args:  exactArgs(1, "WORKLOAD_ID"),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.call(cmd.Context(), rpc.MethodWorkloadLogs, rpc.WorkloadLogsParams{WorkloadID: args[0], Tail: tail})
		},
	}
	logs.Flags().IntVar(&tail, "tail", 0, "only the last N lines")

	cmd.AddCommand(submit, get, list, stop, scale, logs)
	return cmd
}

func (c *cli) metricsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "metrics [NODE_ID]",
		Short: "Show the latest node telemetry",
		Args: func(_ *cobra.Command, args []string) error {
			if len(args) > 1 {
				return usagef("expected at most one NODE_ID")
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			var p rpc.MetricsQueryParams
			if len(args) == 1 {
				p.NodeID = args[0]
			}
			return c.call(cmd.Context(), rpc.MethodMetricsQuery, p)
		},
	}
}

func (c *cli) logsCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "logs", Short: "Search buffered workload output"}

	var p rpc.LogsSearchParams
	search := &cobra.Command{
		Use:   "search QUERY",
		Short: "Find lines containing QUERY (case-insensitive)",
		Args:  exactArgs(1, "QUERY"),
		RunE: func(cmd *cobra.Command, args []string) error {
			p.Query = args[0]
			return c.call(cmd.Context(), rpc.MethodLogsSearch, p)
		},
	}
	search.Flags().StringVar(&p.WorkloadID, "workload", "", "only this workload")
	search.Flags().IntVar(&p.Limit, "limit", 0, "maximum number of matches")

	cmd.AddCommand(search)
	return cmd
}

func (c *cli) alertCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "alert", Short: "Manage alert rules"}

	var cond, nodeID string
	create := &cobra.Command{
		Use:   "create NAME",
		Short: "Create an alert rule",
		Args:  exactArgs(1, "NAME"),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !alert.Condition(cond).Valid() {
				return usagef("invalid --condition %q", cond)
			}
			return c.call(cmd.Context(), rpc.MethodAlertCreate, rpc.AlertCreateParams{
				Name:      args[0],
				Condition: alert.Condition(cond),
				NodeID:    nodeID,
			})
		},
	}
	create.Flags().StringVar(&cond, "condition", "", "node_unhealthy, node_evicted or workload_failed")
	create.Flags().StringVar(&nodeID, "node", "", "only fire for this node")

	list := &cobra.Command{
		Use:   "list",
		Short: "List alert rules",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.call(cmd.Context(), rpc.MethodAlertList, nil)
		},
	}

	var secs int64
	silence := &cobra.Command{
		Use:   "silence ALERT_ID",
		Short: "Silence an alert rule for a while",
		Args:  exactArgs(1, "ALERT_ID"),
		RunE: func(cmd *cobra.Command, args []string) error {
			if secs <= 0 {
				return usagef("--duration-secs must be positive")
			}
			return c.call(cmd.Context(), rpc.MethodAlertSilence, rpc.AlertSilenceParams{AlertID: args[0], DurationSecs: secs})
		},
	}
	silence.Flags().Int64Var(&secs, "duration-secs", 3600, "how long to silence")

	cmd.AddCommand(create, list, silence)
	return cmd
}
