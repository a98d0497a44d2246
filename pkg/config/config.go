package config

import (
	"errors"
	"net/url"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

var GlobalConfig *Config

// Config global configuration
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Logger       LoggerConfig       `yaml:"logger"`
	Session      SessionConfig      `yaml:"session"`
	Registry     RegistryConfig     `yaml:"registry"`
	Dispatcher   DispatcherConfig   `yaml:"dispatcher"`
	Admission    AdmissionConfig    `yaml:"admission"`
	Redis        RedisConfig        `yaml:"redis"`
	Notification NotificationConfig `yaml:"notification"`
	Jobs         JobsConfig         `yaml:"jobs"`
}

// ServerConfig server configuration
type ServerConfig struct {
	URL       string `yaml:"url"`        // ws://host:port/ the gateway listens on
	Mode      string `yaml:"mode"`       // debug, release
	AuthToken string `yaml:"auth_token"` // bearer token for nodes and admin RPC (optional, if empty, auth is disabled)
}

// LoggerConfig logger configuration
type LoggerConfig struct {
	Level  string           `yaml:"level"`  // debug, info, warn, error
	Output string           `yaml:"output"` // console, file, both
	File   LoggerFileConfig `yaml:"file"`
}

// LoggerFileConfig logger file configuration
type LoggerFileConfig struct {
	Path string `yaml:"path"`
}

// SessionConfig per-connection limits (durations in milliseconds)
type SessionConfig struct {
	RegisterTimeoutMs   int `yaml:"register_timeout_ms"`
	BackpressureMs      int `yaml:"backpressure_ms"`
	HandlerTimeoutMs    int `yaml:"handler_timeout_ms"`
	OutboundQueueSize   int `yaml:"outbound_queue_size"`
	HandlerConcurrency  int `yaml:"handler_concurrency"`
	MaxViolations       int `yaml:"max_violations"`
	HeartbeatIntervalMs int `yaml:"heartbeat_interval_ms"`
	MetricsIntervalMs   int `yaml:"metrics_interval_ms"`
}

// RegistryConfig node registry configuration
type RegistryConfig struct {
	SweepIntervalMs     int `yaml:"sweep_interval_ms"`     // defaults to heartbeat interval
	UnhealthyAfter      int `yaml:"unhealthy_after"`       // multiples of heartbeat interval
	EvictAfter          int `yaml:"evict_after"`           // multiples of heartbeat interval
	PlacementWindowSecs int `yaml:"placement_window_secs"` // anti-oscillation window
}

// DispatcherConfig dispatcher configuration
type DispatcherConfig struct {
	MaxReschedules int `yaml:"max_reschedules"`
	SendTimeoutMs  int `yaml:"send_timeout_ms"`
}

// AdmissionConfig DDoS / rate limiting configuration
type AdmissionConfig struct {
	Disabled   bool             `yaml:"disabled"`
	Blocklist  BlocklistConfig  `yaml:"blocklist"`
	Reputation ReputationConfig `yaml:"reputation"`
	Geo        GeoConfig        `yaml:"geo"`
	Connection ConnectionConfig `yaml:"connection"`
	Bandwidth  BandwidthConfig  `yaml:"bandwidth"`
	Rate       RateConfig       `yaml:"rate"`
	Cost       CostConfig       `yaml:"cost"`
}

// BlocklistConfig blocklist configuration
type BlocklistConfig struct {
	Backend string   `yaml:"backend"` // memory, redis
	Static  []string `yaml:"static"`  // permanently blocked IPs
}

// ReputationConfig reputation tracker configuration
type ReputationConfig struct {
	RejectThreshold   float64            `yaml:"reject_threshold"`
	AutoBanThreshold  float64            `yaml:"auto_ban_threshold"`
	DecayPerSec       float64            `yaml:"decay_per_sec"`
	TTLSecs           int                `yaml:"ttl_secs"`
	Penalties         map[string]float64 `yaml:"penalties"`
	TempBanSecs       int                `yaml:"temp_ban_secs"`
	LongBanSecs       int                `yaml:"long_ban_secs"`
	MaxViolationsKept int                `yaml:"max_violations_kept"`
}

// GeoConfig geo restriction configuration
type GeoConfig struct {
	Allowlist []string          `yaml:"allowlist"` // ISO country codes; empty disables the gate
	Networks  map[string]string `yaml:"networks"`  // CIDR -> country code
}

// ConnectionConfig connection-per-IP limiter configuration
type ConnectionConfig struct {
	MaxPerIP int `yaml:"max_per_ip"`
}

// BandwidthConfig per-connection token bucket configuration
type BandwidthConfig struct {
	RefillBytesPerSec int `yaml:"refill_rate_bytes_per_sec"`
	BurstBytes        int `yaml:"burst_bytes"`
}

// RateConfig sliding window request limiter configuration
type RateConfig struct {
	WindowMs    int `yaml:"window_ms"`
	MaxRequests int `yaml:"max_requests"`
}

// CostConfig compute-cost limiter configuration
type CostConfig struct {
	Budget       float64            `yaml:"budget"`
	RefillPerSec float64            `yaml:"refill_per_sec"`
	Endpoints    map[string]float64 `yaml:"endpoints"` // endpoint class -> cost units
}

// RedisConfig Redis configuration (optional, enables shared blocklist and node status mirror)
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// JobsConfig background job configuration
type JobsConfig struct {
	RetentionSecs         int `yaml:"retention_secs"` // how long finished workloads stay queryable
	RetentionIntervalSecs int `yaml:"retention_interval_secs"`
	MirrorIntervalMs      int `yaml:"mirror_interval_ms"` // node status mirror to Redis
	GaugeIntervalMs       int `yaml:"gauge_interval_ms"`
	JanitorIntervalSecs   int `yaml:"janitor_interval_secs"`
	LogLinesPerWorkload   int `yaml:"log_lines_per_workload"`
	LogMaxWorkloads       int `yaml:"log_max_workloads"`
}

// NotificationConfig alert notification configuration
type NotificationConfig struct {
	FeishuWebhookURL string `yaml:"feishu_webhook_url"`
}

// Init initializes configuration
func Init() error {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config/config.yaml"
	}

	cfg, err := Load(configPath)
	if err != nil {
		return err
	}

	GlobalConfig = cfg
	return nil
}

// Load reads the file at path (a missing file yields defaults), applies
// environment overrides and fills defaults.
func Load(path string) (*Config, error) {
	var cfg Config

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, err
		}
	case errors.Is(err, os.ErrNotExist):
	default:
		return nil, err
	}

	applyEnv(&cfg)
	ApplyDefaults(&cfg)
	return &cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("GATEWAY_URL"); v != "" {
		cfg.Server.URL = v
	}
	if v := os.Getenv("AUTH_TOKEN"); v != "" {
		cfg.Server.AuthToken = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logger.Level = strings.ToLower(v)
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
}

// ListenAddr returns host:port derived from Server.URL.
func (c *Config) ListenAddr() string {
	u, err := url.Parse(c.Server.URL)
	if err != nil || u.Host == "" {
		return "0.0.0.0:8080"
	}
	return u.Host
}
