package admission

import (
	"context"
	"fmt"
	"sync"
	"time"

	"clawbernetes/internal/metrics"
	"clawbernetes/pkg/config"
	"clawbernetes/pkg/logger"

	"golang.org/x/time/rate"
)

// Admission runs the gate pipeline:
//
//  1. blocklist  2. reputation  3. geo  4. connections per IP
//  5. bandwidth  6. request rate  7. compute cost
//
// Connections pass gates 1-4, frames 1-3 and 5-7, admin requests 1-3 and 6-7.
type Admission struct {
	cfg config.AdmissionConfig
	now func() time.Time

	blocklist  Blocklist
	reputation *Reputation
	geo        *GeoResolver
	conns      *ConnLimiter
	window     *SlidingWindow
	cost       *CostLimiter
}

// New builds the pipeline. bl defaults to an in-memory blocklist; static
// entries from cfg are added permanently.
func New(ctx context.Context, cfg config.AdmissionConfig, bl Blocklist, now func() time.Time) (*Admission, error) {
	if now == nil {
		now = time.Now
	}
	if bl == nil {
		bl = NewMemoryBlocklist(now)
	}
	geo, err := NewGeoResolver(cfg.Geo.Networks, cfg.Geo.Allowlist)
	if err != nil {
		return nil, err
	}
	a := &Admission{
		cfg:        cfg,
		now:        now,
		blocklist:  bl,
		reputation: NewReputation(cfg.Reputation, now),
		geo:        geo,
		conns:      NewConnLimiter(cfg.Connection.MaxPerIP),
		window:     NewSlidingWindow(time.Duration(cfg.Rate.WindowMs)*time.Millisecond, cfg.Rate.MaxRequests),
		cost:       NewCostLimiter(cfg.Cost.Budget, cfg.Cost.RefillPerSec),
	}
	for _, ip := range cfg.Blocklist.Static {
		if err := bl.Add(ctx, BlockEntry{IP: ip, Reason: "static", AddedAt: now()}); err != nil {
			return nil, fmt.Errorf("failed to add static block %s: %w", ip, err)
		}
	}
	return a, nil
}

// Reputation exposes the score tracker.
func (a *Admission) Reputation() *Reputation { return a.reputation }

// Blocklist exposes the blocklist.
func (a *Admission) Blocklist() Blocklist { return a.blocklist }

// Guard holds one admitted connection's slot and bandwidth bucket.
type Guard struct {
	a         *Admission
	ip        string
	bandwidth *rate.Limiter
	mu        sync.Mutex
	released  bool
}

// IP client address of the guarded connection.
func (g *Guard) IP() string { return g.ip }

// AdmitConnection runs gates 1-4. On Allow the returned Guard must be
// released when the connection ends.
func (a *Admission) AdmitConnection(ctx context.Context, ip string) (*Guard, Verdict) {
	if a.cfg.Disabled {
		return &Guard{a: a, ip: ip}, allow
	}
	if v := a.checkIdentity(ctx, ip); !v.Allowed() {
		return nil, v
	}
	if !a.conns.Acquire(ip) {
		v := rateLimited(ReasonTooManyConns, time.Second)
		a.record(ctx, ip, "connection", v)
		return nil, v
	}
	return &Guard{
		a:         a,
		ip:        ip,
		bandwidth: newBandwidthLimiter(a.cfg.Bandwidth.RefillBytesPerSec, a.cfg.Bandwidth.BurstBytes),
	}, allow
}

// AdmitFrame runs gates 1-3 and 5-7 for an inbound frame of size bytes.
func (g *Guard) AdmitFrame(ctx context.Context, size int, class string) Verdict {
	a := g.a
	if a.cfg.Disabled {
		return allow
	}
	if v := a.checkIdentity(ctx, g.ip); !v.Allowed() {
		return v
	}
	now := a.now()
	if g.bandwidth != nil {
		if ok, wait := take(g.bandwidth, size, now); !ok {
			v := rateLimited(ReasonBandwidth, wait)
			a.record(ctx, g.ip, "bandwidth", v)
			return v
		}
	}
	return a.checkRate(ctx, g.ip, class, now)
}

// ReportAbuse records a session-level violation for the guarded address.
func (g *Guard) ReportAbuse(ctx context.Context, kind ViolationKind) {
	g.a.ReportAbuse(ctx, g.ip, kind)
}

// Release frees the connection slot. Idempotent.
func (g *Guard) Release() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.released {
		return
	}
	g.released = true
	if !g.a.cfg.Disabled {
		g.a.conns.Release(g.ip)
	}
}

// AdmitRequest runs gates 1-3 and 6-7 for an admin RPC request.
func (a *Admission) AdmitRequest(ctx context.Context, ip, class string) Verdict {
	if a.cfg.Disabled {
		return allow
	}
	if v := a.checkIdentity(ctx, ip); !v.Allowed() {
		return v
	}
	return a.checkRate(ctx, ip, class, a.now())
}

// checkIdentity gates 1-3. Blocklist and reputation verdicts are not
// re-recorded since the address is already known bad. Geo blocks are
// recorded without escalation; their default penalty is zero.
func (a *Admission) checkIdentity(ctx context.Context, ip string) Verdict {
	entry, found, err := a.blocklist.Lookup(ctx, ip)
	if err != nil {
		logger.WarnCtx(ctx, "blocklist lookup for %s failed: %v", ip, err)
	} else if found {
		v := blocked(ReasonBlocklisted, entry.ExpiresAt)
		observe("blocklist", v)
		return v
	}
	if score := a.reputation.Score(ip); score < a.cfg.Reputation.RejectThreshold {
		v := blocked(ReasonReputation, nil)
		observe("reputation", v)
		return v
	}
	if !a.geo.Allowed(ip) {
		v := blocked(ReasonGeoRestricted, nil)
		observe("geo", v)
		a.reputation.Penalize(ip, KindGeoRestricted)
		return v
	}
	return allow
}

// checkRate gates 6-7.
func (a *Admission) checkRate(ctx context.Context, ip, class string, now time.Time) Verdict {
	if ok, wait := a.window.Allow(ip, now); !ok {
		v := rateLimited(ReasonRateLimited, wait)
		a.record(ctx, ip, "rate", v)
		return v
	}
	if ok, wait := a.cost.Take(ip, a.costOf(class), now); !ok {
		v := rateLimited(ReasonComputeExhausted, wait)
		a.record(ctx, ip, "cost", v)
		return v
	}
	return allow
}

func (a *Admission) costOf(class string) float64 {
	if c, ok := a.cfg.Cost.Endpoints[class]; ok {
		return c
	}
	return 1
}

func (a *Admission) record(ctx context.Context, ip, gate string, v Verdict) {
	observe(gate, v)
	kind := KindRateLimited
	if v.Action == Block {
		kind = KindBlocked
	}
	a.ReportAbuse(ctx, ip, kind)
}

// ReportAbuse penalizes ip. Strike kinds climb the escalation ladder; any
// non rate-limit kind that drops the score below the auto-ban threshold bans
// for at least the temporary duration.
func (a *Admission) ReportAbuse(ctx context.Context, ip string, kind ViolationKind) {
	if a.cfg.Disabled {
		return
	}
	score, strikes := a.reputation.Penalize(ip, kind)
	if kind == KindRateLimited {
		return
	}

	level := 0
	if kind.strike() {
		level = strikes
	}
	if score < a.cfg.Reputation.AutoBanThreshold && level < 2 {
		level = 2
	}
	d, permanent, ban := a.reputation.banDuration(level)
	if !ban {
		if level == 1 {
			logger.WarnCtx(ctx, "admission: warning for %s after %s (score %.1f)", ip, kind, score)
		}
		return
	}

	now := a.now()
	entry := BlockEntry{IP: ip, Reason: string(kind), AddedAt: now}
	if !permanent {
		exp := now.Add(d)
		entry.ExpiresAt = &exp
	}
	if err := a.blocklist.Add(ctx, entry); err != nil {
		logger.ErrorCtx(ctx, "admission: failed to block %s: %v", ip, err)
		return
	}
	if permanent {
		logger.WarnCtx(ctx, "admission: %s blocked permanently after %d strikes (score %.1f)", ip, strikes, score)
	} else {
		logger.WarnCtx(ctx, "admission: %s blocked for %s after %s (score %.1f, strikes %d)", ip, d, kind, score, strikes)
	}
}

// Block adds a manual entry. ttl <= 0 blocks permanently.
func (a *Admission) Block(ctx context.Context, ip, reason string, ttl time.Duration) error {
	now := a.now()
	entry := BlockEntry{IP: ip, Reason: reason, AddedAt: now}
	if ttl > 0 {
		exp := now.Add(ttl)
		entry.ExpiresAt = &exp
	}
	return a.blocklist.Add(ctx, entry)
}

// Unblock removes ip from the blocklist.
func (a *Admission) Unblock(ctx context.Context, ip string) error {
	return a.blocklist.Remove(ctx, ip)
}

// Purge drops expired state from every gate.
func (a *Admission) Purge(ctx context.Context) (int, error) {
	now := a.now()
	n, err := a.blocklist.Purge(ctx)
	n += a.reputation.Purge()
	n += a.window.Purge(now)
	n += a.cost.Purge(now)
	return n, err
}

func observe(gate string, v Verdict) {
	metrics.AdmissionVerdicts.WithLabelValues(gate, v.Action.String()).Inc()
}
