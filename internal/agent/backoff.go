package agent

import (
	"math"
	"math/rand"
	"time"
)

// RandomSource yields floats in [0, 1). *rand.Rand satisfies it.
type RandomSource interface {
	Float64() float64
}

type globalRand struct{}

func (globalRand) Float64() float64 { return rand.Float64() }

// BackoffConfig reconnect delay parameters. MaxAttempts 0 retries forever.
type BackoffConfig struct {
	Initial     time.Duration
	Max         time.Duration
	JitterMin   float64
	JitterMax   float64
	MaxAttempts int
}

// DefaultBackoff 1s doubling to 60s with x[0.5, 1.5] jitter, unlimited attempts.
func DefaultBackoff() BackoffConfig {
	return BackoffConfig{
		Initial:   time.Second,
		Max:       60 * time.Second,
		JitterMin: 0.5,
		JitterMax: 1.5,
	}
}

func (c BackoffConfig) withDefaults() BackoffConfig {
	d := DefaultBackoff()
	if c.Initial <= 0 {
		c.Initial = d.Initial
	}
	if c.Max <= 0 {
		c.Max = d.Max
	}
	if c.Max < c.Initial {
		c.Max = c.Initial
	}
	if c.JitterMin <= 0 && c.JitterMax <= 0 {
		c.JitterMin, c.JitterMax = d.JitterMin, d.JitterMax
	}
	if c.JitterMax < c.JitterMin {
		c.JitterMin, c.JitterMax = c.JitterMax, c.JitterMin
	}
	return c
}

// Exhausted reports whether attempt has used up the retry budget.
func (c BackoffConfig) Exhausted(attempt int) bool {
	return c.MaxAttempts > 0 && attempt >= c.MaxAttempts
}

// Backoff returns min(initial*2^attempt, max) scaled by a jitter factor drawn
// from [JitterMin, JitterMax].
func Backoff(attempt int, cfg BackoffConfig, rnd RandomSource) time.Duration {
	cfg = cfg.withDefaults()
	if attempt < 0 {
		attempt = 0
	}
	if rnd == nil {
		rnd = globalRand{}
	}

	base := float64(cfg.Initial) * math.Pow(2, float64(attempt))
	if base > float64(cfg.Max) || math.IsInf(base, 0) {
		base = float64(cfg.Max)
	}

	r := rnd.Float64()
	if r < 0 {
		r = 0
	} else if r > 1 {
		r = 1
	}
	jitter := cfg.JitterMin + r*(cfg.JitterMax-cfg.JitterMin)
	return time.Duration(base * jitter)
}
