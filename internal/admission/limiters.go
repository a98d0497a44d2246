package admission

import (
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// ConnLimiter caps concurrent connections per IP.
type ConnLimiter struct {
	max int

	mu     sync.Mutex
	counts map[string]int
}

func NewConnLimiter(limit int) *ConnLimiter {
	return &ConnLimiter{max: limit, counts: make(map[string]int)}
}

// Acquire takes a slot; false when the IP already holds max connections.
func (l *ConnLimiter) Acquire(ip string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.max > 0 && l.counts[ip] >= l.max {
		return false
	}
	l.counts[ip]++
	return true
}

// Release frees a slot.
func (l *ConnLimiter) Release(ip string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.counts[ip] <= 1 {
		delete(l.counts, ip)
		return
	}
	l.counts[ip]--
}

// Count current connections of ip.
func (l *ConnLimiter) Count(ip string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.counts[ip]
}

// SlidingWindow request limiter keeping per-IP timestamps within the window.
type SlidingWindow struct {
	window time.Duration
	max    int

	mu   sync.Mutex
	hits map[string][]time.Time
}

func NewSlidingWindow(window time.Duration, limit int) *SlidingWindow {
	return &SlidingWindow{window: window, max: limit, hits: make(map[string][]time.Time)}
}

// Allow records a request at now, or returns the wait until the oldest
// timestamp leaves the window.
func (w *SlidingWindow) Allow(ip string, now time.Time) (bool, time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()
	history := trimBefore(w.hits[ip], now.Add(-w.window))
	if w.max > 0 && len(history) >= w.max {
		w.hits[ip] = history
		return false, history[0].Add(w.window).Sub(now)
	}
	w.hits[ip] = append(history, now)
	return true, 0
}

// Purge drops idle IPs.
func (w *SlidingWindow) Purge(now time.Time) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	n := 0
	cutoff := now.Add(-w.window)
	for ip, h := range w.hits {
		h = trimBefore(h, cutoff)
		if len(h) == 0 {
			delete(w.hits, ip)
			n++
			continue
		}
		w.hits[ip] = h
	}
	return n
}

func trimBefore(in []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(in) && !in[i].After(cutoff) {
		i++
	}
	if i == 0 {
		return in
	}
	out := make([]time.Time, len(in)-i)
	copy(out, in[i:])
	return out
}

// CostLimiter per-IP budget of cost units refilled at a fixed rate.
type CostLimiter struct {
	refill float64
	budget int
	idle   time.Duration

	mu      sync.Mutex
	buckets map[string]*costBucket
}

type costBucket struct {
	lim      *rate.Limiter
	lastUsed time.Time
}

func NewCostLimiter(budget, refillPerSec float64) *CostLimiter {
	b := int(math.Ceil(budget))
	idle := time.Minute
	if refillPerSec > 0 {
		idle = time.Duration(float64(time.Second) * budget / refillPerSec)
	}
	return &CostLimiter{refill: refillPerSec, budget: b, idle: idle, buckets: make(map[string]*costBucket)}
}

// Take consumes cost units at now, or reports how long until they are available.
func (c *CostLimiter) Take(ip string, cost float64, now time.Time) (bool, time.Duration) {
	n := int(math.Ceil(cost))
	if n <= 0 {
		return true, 0
	}
	c.mu.Lock()
	b, ok := c.buckets[ip]
	if !ok {
		b = &costBucket{lim: rate.NewLimiter(rate.Limit(c.refill), c.budget)}
		c.buckets[ip] = b
	}
	b.lastUsed = now
	c.mu.Unlock()

	return take(b.lim, n, now)
}

// Purge drops buckets idle long enough to have refilled completely.
func (c *CostLimiter) Purge(now time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for ip, b := range c.buckets {
		if now.Sub(b.lastUsed) > c.idle {
			delete(c.buckets, ip)
			n++
		}
	}
	return n
}

// take reserves n tokens at now; on a positive delay the reservation is
// cancelled so rejected requests consume nothing.
func take(lim *rate.Limiter, n int, now time.Time) (bool, time.Duration) {
	r := lim.ReserveN(now, n)
	if !r.OK() {
		// n exceeds the burst and can never be satisfied
		if lim.Limit() <= 0 {
			return false, time.Hour
		}
		return false, time.Duration(float64(n) / float64(lim.Limit()) * float64(time.Second))
	}
	if d := r.DelayFrom(now); d > 0 {
		r.CancelAt(now)
		return false, d
	}
	return true, 0
}

func newBandwidthLimiter(refillBytesPerSec, burstBytes int) *rate.Limiter {
	return rate.NewLimiter(rate.Limit(refillBytesPerSec), burstBytes)
}
