package agent

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixedRand float64

func (r fixedRand) Float64() float64 { return float64(r) }

func TestBackoff_Doubling(t *testing.T) {
	cfg := DefaultBackoff()
	mid := fixedRand(0.5) // jitter factor 1.0

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{5, 32 * time.Second},
		{6, 60 * time.Second},
		{30, 60 * time.Second},
		{5000, 60 * time.Second},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Backoff(tt.attempt, cfg, mid), "attempt %d", tt.attempt)
	}
}

func TestBackoff_JitterEdges(t *testing.T) {
	cfg := DefaultBackoff()
	assert.Equal(t, 500*time.Millisecond, Backoff(0, cfg, fixedRand(0)))
	assert.Equal(t, 1500*time.Millisecond, Backoff(0, cfg, fixedRand(1)))
	assert.Equal(t, 90*time.Second, Backoff(10, cfg, fixedRand(1)))
}

func TestBackoff_ZeroConfigUsesDefaults(t *testing.T) {
	assert.Equal(t, time.Second, Backoff(0, BackoffConfig{}, fixedRand(0.5)))
	assert.Equal(t, 2*time.Second, Backoff(1, BackoffConfig{}, fixedRand(0.5)))
}

func TestBackoffConfig_Exhausted(t *testing.T) {
	unlimited := DefaultBackoff()
	assert.False(t, unlimited.Exhausted(1_000_000))

	limited := BackoffConfig{MaxAttempts: 3}
	assert.False(t, limited.Exhausted(2))
	assert.True(t, limited.Exhausted(3))
}

// TestProperty_BackoffBounds delay stays within jitter bounds of the capped
// exponential.
func TestProperty_BackoffBounds(t *testing.T) {
	properties := gopter.NewProperties(gopter.DefaultTestParameters())

	properties.Property("delay within [0.5, 1.5] x min(initial*2^n, max)", prop.ForAll(
		func(attempt int, r float64, initialMs int, maxMs int) bool {
			cfg := BackoffConfig{
				Initial:   time.Duration(initialMs) * time.Millisecond,
				Max:       time.Duration(initialMs+maxMs) * time.Millisecond,
				JitterMin: 0.5,
				JitterMax: 1.5,
			}
			base := float64(cfg.Initial)
			for i := 0; i < attempt && base < float64(cfg.Max); i++ {
				base *= 2
			}
			if base > float64(cfg.Max) {
				base = float64(cfg.Max)
			}
			d := float64(Backoff(attempt, cfg, fixedRand(r)))
			return d >= 0.5*base-1 && d <= 1.5*base+1
		},
		gen.IntRange(0, 200),
		gen.Float64Range(0, 1),
		gen.IntRange(1, 5000),
		gen.IntRange(0, 120000),
	))

	properties.TestingRun(t)
}

func TestLoadOrCreateIdentity(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "node_id")

	first, err := LoadOrCreateIdentity(path)
	require.NoError(t, err)
	assert.False(t, first.IsZero())

	second, err := LoadOrCreateIdentity(path)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestLoadOrCreateIdentity_Corrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "node_id")
	require.NoError(t, os.WriteFile(path, []byte("not-a-uuid"), 0o600))

	_, err := LoadOrCreateIdentity(path)
	assert.Error(t, err)
}
