package config

const (
	DefaultGatewayURL = "ws://0.0.0.0:8080/"

	defaultRegisterTimeoutMs   = 10_000
	defaultBackpressureMs      = 5_000
	defaultHandlerTimeoutMs    = 30_000
	defaultOutboundQueueSize   = 256
	defaultHandlerConcurrency  = 8
	defaultMaxViolations       = 3
	defaultHeartbeatIntervalMs = 15_000
	defaultMetricsIntervalMs   = 30_000
)

// DefaultPenalties reputation penalty per violation kind.
var DefaultPenalties = map[string]float64{
	"rate_limited":    5,
	"protocol":        15,
	"blocked":         20,
	"violation_limit": 30,
	"slow_peer":       10,
	"geo_restricted":  0,
}

// DefaultEndpointCosts cost units per endpoint class.
var DefaultEndpointCosts = map[string]float64{
	"frame":           1,
	"connect":         1,
	"cluster_status":  1,
	"node_list":       1,
	"workload_list":   2,
	"workload_submit": 10,
	"workload_scale":  10,
	"logs_search":     20,
	"metrics_query":   5,
}

// ApplyDefaults fills zero values. Invalid (negative) values fall back to defaults as well.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.URL == "" {
		cfg.Server.URL = DefaultGatewayURL
	}
	if cfg.Server.Mode == "" {
		cfg.Server.Mode = "release"
	}
	if cfg.Logger.Level == "" {
		cfg.Logger.Level = "info"
	}
	if cfg.Logger.Output == "" {
		cfg.Logger.Output = "console"
	}

	s := &cfg.Session
	s.RegisterTimeoutMs = orDefault(s.RegisterTimeoutMs, defaultRegisterTimeoutMs)
	s.BackpressureMs = orDefault(s.BackpressureMs, defaultBackpressureMs)
	s.HandlerTimeoutMs = orDefault(s.HandlerTimeoutMs, defaultHandlerTimeoutMs)
	s.OutboundQueueSize = orDefault(s.OutboundQueueSize, defaultOutboundQueueSize)
	s.HandlerConcurrency = orDefault(s.HandlerConcurrency, defaultHandlerConcurrency)
	s.MaxViolations = orDefault(s.MaxViolations, defaultMaxViolations)
	s.HeartbeatIntervalMs = orDefault(s.HeartbeatIntervalMs, defaultHeartbeatIntervalMs)
	s.MetricsIntervalMs = orDefault(s.MetricsIntervalMs, defaultMetricsIntervalMs)

	r := &cfg.Registry
	r.SweepIntervalMs = orDefault(r.SweepIntervalMs, s.HeartbeatIntervalMs)
	r.UnhealthyAfter = orDefault(r.UnhealthyAfter, 3)
	r.EvictAfter = orDefault(r.EvictAfter, 6)
	r.PlacementWindowSecs = orDefault(r.PlacementWindowSecs, 60)

	d := &cfg.Dispatcher
	d.MaxReschedules = orDefault(d.MaxReschedules, 3)
	d.SendTimeoutMs = orDefault(d.SendTimeoutMs, defaultBackpressureMs)

	a := &cfg.Admission
	if a.Blocklist.Backend == "" {
		a.Blocklist.Backend = "memory"
	}
	rep := &a.Reputation
	rep.RejectThreshold = orDefaultF(rep.RejectThreshold, 20)
	rep.AutoBanThreshold = orDefaultF(rep.AutoBanThreshold, 50)
	rep.DecayPerSec = orDefaultF(rep.DecayPerSec, 1.0/60)
	rep.TTLSecs = orDefault(rep.TTLSecs, 3600)
	rep.TempBanSecs = orDefault(rep.TempBanSecs, 15*60)
	rep.LongBanSecs = orDefault(rep.LongBanSecs, 24*3600)
	rep.MaxViolationsKept = orDefault(rep.MaxViolationsKept, 64)
	if rep.Penalties == nil {
		rep.Penalties = make(map[string]float64, len(DefaultPenalties))
	}
	for k, v := range DefaultPenalties {
		if _, ok := rep.Penalties[k]; !ok {
			rep.Penalties[k] = v
		}
	}
	a.Connection.MaxPerIP = orDefault(a.Connection.MaxPerIP, 16)
	a.Bandwidth.RefillBytesPerSec = orDefault(a.Bandwidth.RefillBytesPerSec, 4<<20)
	a.Bandwidth.BurstBytes = orDefault(a.Bandwidth.BurstBytes, 8<<20)
	a.Rate.WindowMs = orDefault(a.Rate.WindowMs, 1000)
	a.Rate.MaxRequests = orDefault(a.Rate.MaxRequests, 200)
	a.Cost.Budget = orDefaultF(a.Cost.Budget, 1000)
	a.Cost.RefillPerSec = orDefaultF(a.Cost.RefillPerSec, 100)
	if a.Cost.Endpoints == nil {
		a.Cost.Endpoints = make(map[string]float64, len(DefaultEndpointCosts))
	}
	for k, v := range DefaultEndpointCosts {
		if _, ok := a.Cost.Endpoints[k]; !ok {
			a.Cost.Endpoints[k] = v
		}
	}

	j := &cfg.Jobs
	j.RetentionSecs = orDefault(j.RetentionSecs, 3600)
	j.RetentionIntervalSecs = orDefault(j.RetentionIntervalSecs, 60)
	j.MirrorIntervalMs = orDefault(j.MirrorIntervalMs, s.HeartbeatIntervalMs)
	j.GaugeIntervalMs = orDefault(j.GaugeIntervalMs, 15_000)
	j.JanitorIntervalSecs = orDefault(j.JanitorIntervalSecs, 60)
	j.LogLinesPerWorkload = orDefault(j.LogLinesPerWorkload, 1000)
	j.LogMaxWorkloads = orDefault(j.LogMaxWorkloads, 4096)
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	ApplyDefaults(cfg)
	return cfg
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

func orDefaultF(v, def float64) float64 {
	if v <= 0 {
		return def
	}
	return v
}
