package admission

import (
	"sync"
	"time"

	"clawbernetes/pkg/config"
)

const maxScore = 100.0

// Violation one recorded misbehavior.
type Violation struct {
	At   time.Time     `json:"at"`
	Kind ViolationKind `json:"kind"`
}

type reputation struct {
	score      float64
	storedAt   time.Time
	lastSeen   time.Time
	strikes    int
	violations []Violation
}

// Reputation per-IP score in [0, 100]. Decay toward 100 is computed lazily
// on read: score = stored + decay * elapsed.
type Reputation struct {
	cfg config.ReputationConfig
	now func() time.Time

	mu      sync.Mutex
	entries map[string]*reputation
}

// NewReputation creates a tracker.
func NewReputation(cfg config.ReputationConfig, now func() time.Time) *Reputation {
	if now == nil {
		now = time.Now
	}
	return &Reputation{cfg: cfg, now: now, entries: make(map[string]*reputation)}
}

func (r *Reputation) current(e *reputation, now time.Time) float64 {
	elapsed := now.Sub(e.storedAt).Seconds()
	if elapsed < 0 {
		elapsed = 0
	}
	s := e.score + r.cfg.DecayPerSec*elapsed
	if s > maxScore {
		return maxScore
	}
	return s
}

// Score current score of ip; unknown addresses score 100.
func (r *Reputation) Score(ip string) float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[ip]
	if !ok {
		return maxScore
	}
	return r.current(e, r.now())
}

// Penalize subtracts the kind's penalty and returns the new score and the
// strike count after this violation.
func (r *Reputation) Penalize(ip string, kind ViolationKind) (float64, int) {
	now := r.now()

	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[ip]
	if !ok {
		e = &reputation{score: maxScore, storedAt: now}
		r.entries[ip] = e
	}
	s := r.current(e, now) - r.cfg.Penalties[string(kind)]
	if s < 0 {
		s = 0
	}
	e.score = s
	e.storedAt = now
	e.lastSeen = now
	if kind.strike() {
		e.strikes++
	}
	e.violations = append(e.violations, Violation{At: now, Kind: kind})
	if keep := r.cfg.MaxViolationsKept; keep > 0 && len(e.violations) > keep {
		e.violations = append([]Violation(nil), e.violations[len(e.violations)-keep:]...)
	}
	return s, e.strikes
}

// Violations recent violations of ip, oldest first.
func (r *Reputation) Violations(ip string) []Violation {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[ip]
	if !ok {
		return nil
	}
	return append([]Violation(nil), e.violations...)
}

// Purge drops entries idle for longer than the TTL.
func (r *Reputation) Purge() int {
	ttl := time.Duration(r.cfg.TTLSecs) * time.Second
	if ttl <= 0 {
		return 0
	}
	now := r.now()

	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for ip, e := range r.entries {
		if now.Sub(e.lastSeen) > ttl {
			delete(r.entries, ip)
			n++
		}
	}
	return n
}

// banDuration escalation ladder: 1 strike warns, 2 bans for the temp
// duration, 3 for the long duration, 4+ permanently.
func (r *Reputation) banDuration(strikes int) (d time.Duration, permanent, ban bool) {
	switch {
	case strikes <= 1:
		return 0, false, false
	case strikes == 2:
		return time.Duration(r.cfg.TempBanSecs) * time.Second, false, true
	case strikes == 3:
		return time.Duration(r.cfg.LongBanSecs) * time.Second, false, true
	default:
		return 0, true, true
	}
}
