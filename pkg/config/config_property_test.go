package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestProperty_NonPositiveFallsBackToDefault tests that zero and negative
// limits are replaced by their defaults.
func TestProperty_NonPositiveFallsBackToDefault(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100

	properties := gopter.NewProperties(parameters)
	defaults := Default()

	properties.Property("non-positive session and registry values use defaults", prop.ForAll(
		func(v int) bool {
			cfg := &Config{}
			cfg.Session.HeartbeatIntervalMs = v
			cfg.Session.OutboundQueueSize = v
			cfg.Session.MaxViolations = v
			cfg.Registry.EvictAfter = v
			cfg.Dispatcher.MaxReschedules = v
			cfg.Jobs.RetentionSecs = v
			ApplyDefaults(cfg)

			return cfg.Session.HeartbeatIntervalMs == defaults.Session.HeartbeatIntervalMs &&
				cfg.Session.OutboundQueueSize == defaults.Session.OutboundQueueSize &&
				cfg.Session.MaxViolations == defaults.Session.MaxViolations &&
				cfg.Registry.EvictAfter == defaults.Registry.EvictAfter &&
				cfg.Dispatcher.MaxReschedules == defaults.Dispatcher.MaxReschedules &&
				cfg.Jobs.RetentionSecs == defaults.Jobs.RetentionSecs
		},
		gen.IntRange(-10000, 0),
	))

	properties.Property("non-positive admission thresholds use defaults", prop.ForAll(
		func(v float64) bool {
			cfg := &Config{}
			cfg.Admission.Reputation.RejectThreshold = v
			cfg.Admission.Cost.Budget = v
			ApplyDefaults(cfg)

			return cfg.Admission.Reputation.RejectThreshold == defaults.Admission.Reputation.RejectThreshold &&
				cfg.Admission.Cost.Budget == defaults.Admission.Cost.Budget
		},
		gen.Float64Range(-1000, 0),
	))

	properties.TestingRun(t)
}

// TestProperty_PositiveValuesPreserved tests that explicit positive values
// survive ApplyDefaults.
func TestProperty_PositiveValuesPreserved(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100

	properties := gopter.NewProperties(parameters)

	properties.Property("positive values are kept", prop.ForAll(
		func(v int) bool {
			cfg := &Config{}
			cfg.Session.HeartbeatIntervalMs = v
			cfg.Admission.Rate.MaxRequests = v
			ApplyDefaults(cfg)

			// sweep and mirror intervals follow the heartbeat interval
			return cfg.Session.HeartbeatIntervalMs == v &&
				cfg.Registry.SweepIntervalMs == v &&
				cfg.Jobs.MirrorIntervalMs == v &&
				cfg.Admission.Rate.MaxRequests == v
		},
		gen.IntRange(1, 1_000_000),
	))

	properties.TestingRun(t)
}

func TestApplyDefaults_MergesMaps(t *testing.T) {
	cfg := &Config{}
	cfg.Admission.Reputation.Penalties = map[string]float64{"protocol": 40}
	cfg.Admission.Cost.Endpoints = map[string]float64{"workload_submit": 50}
	ApplyDefaults(cfg)

	assert.Equal(t, 40.0, cfg.Admission.Reputation.Penalties["protocol"])
	assert.Equal(t, DefaultPenalties["rate_limited"], cfg.Admission.Reputation.Penalties["rate_limited"])
	assert.Equal(t, 50.0, cfg.Admission.Cost.Endpoints["workload_submit"])
	assert.Equal(t, DefaultEndpointCosts["logs_search"], cfg.Admission.Cost.Endpoints["logs_search"])
	assert.Equal(t, "memory", cfg.Admission.Blocklist.Backend)
}

func TestLoad(t *testing.T) {
	t.Run("missing file yields defaults", func(t *testing.T) {
		for _, k := range []string{"GATEWAY_URL", "AUTH_TOKEN", "LOG_LEVEL", "REDIS_ADDR"} {
			t.Setenv(k, "")
		}
		cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
		require.NoError(t, err)
		assert.Equal(t, Default(), cfg)
		assert.Equal(t, "0.0.0.0:8080", cfg.ListenAddr())
	})

	t.Run("file and environment", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "config.yaml")
		require.NoError(t, os.WriteFile(path, []byte(`
server:
  url: ws://127.0.0.1:9000/
session:
  heartbeat_interval_ms: 5000
admission:
  blocklist:
    backend: redis
`), 0o600))
		t.Setenv("AUTH_TOKEN", "s3cret")
		t.Setenv("LOG_LEVEL", "DEBUG")
		t.Setenv("REDIS_ADDR", "localhost:6379")

		cfg, err := Load(path)
		require.NoError(t, err)
		assert.Equal(t, "127.0.0.1:9000", cfg.ListenAddr())
		assert.Equal(t, 5000, cfg.Session.HeartbeatIntervalMs)
		assert.Equal(t, 5000, cfg.Registry.SweepIntervalMs)
		assert.Equal(t, "redis", cfg.Admission.Blocklist.Backend)
		assert.Equal(t, "s3cret", cfg.Server.AuthToken)
		assert.Equal(t, "debug", cfg.Logger.Level)
		assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	})

	t.Run("malformed yaml", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "config.yaml")
		require.NoError(t, os.WriteFile(path, []byte("server: [\n"), 0o600))
		_, err := Load(path)
		assert.Error(t, err)
	})
}
