// Package admission is the gateway's DDoS and rate-limit pipeline. Every new
// connection and every inbound frame or admin request passes through ordered
// gates; the first non-Allow verdict wins.
package admission

import (
	"fmt"
	"time"
)

// Action verdict outcome
type Action int

const (
	Allow Action = iota
	RateLimit
	Block
)

func (a Action) String() string {
	switch a {
	case Allow:
		return "allow"
	case RateLimit:
		return "rate_limit"
	case Block:
		return "block"
	default:
		return fmt.Sprintf("action(%d)", int(a))
	}
}

// Reason why a verdict was not Allow.
type Reason string

const (
	ReasonBlocklisted      Reason = "blocklisted"
	ReasonReputation       Reason = "reputation"
	ReasonGeoRestricted    Reason = "geo_restricted"
	ReasonTooManyConns     Reason = "too_many_connections"
	ReasonBandwidth        Reason = "bandwidth"
	ReasonRateLimited      Reason = "rate_limited"
	ReasonComputeExhausted Reason = "compute_budget_exceeded"
)

// Verdict result of running the pipeline.
type Verdict struct {
	Action     Action
	RetryAfter time.Duration // RateLimit only
	Reason     Reason
	ExpiresAt  *time.Time // Block only; nil means permanent or unknown
}

// Allowed reports whether the verdict admits the request.
func (v Verdict) Allowed() bool { return v.Action == Allow }

func (v Verdict) String() string {
	switch v.Action {
	case Allow:
		return "allow"
	case RateLimit:
		return fmt.Sprintf("rate_limit(%s, retry_after=%s)", v.Reason, v.RetryAfter)
	default:
		if v.ExpiresAt != nil {
			return fmt.Sprintf("block(%s, until=%s)", v.Reason, v.ExpiresAt.Format(time.RFC3339))
		}
		return fmt.Sprintf("block(%s)", v.Reason)
	}
}

var allow = Verdict{Action: Allow}

func rateLimited(reason Reason, retryAfter time.Duration) Verdict {
	if retryAfter <= 0 {
		retryAfter = time.Millisecond
	}
	return Verdict{Action: RateLimit, Reason: reason, RetryAfter: retryAfter}
}

func blocked(reason Reason, expiresAt *time.Time) Verdict {
	return Verdict{Action: Block, Reason: reason, ExpiresAt: expiresAt}
}

// ViolationKind selects a reputation penalty.
type ViolationKind string

const (
	KindRateLimited    ViolationKind = "rate_limited"
	KindProtocol       ViolationKind = "protocol"
	KindBlocked        ViolationKind = "blocked"
	KindViolationLimit ViolationKind = "violation_limit"
	KindSlowPeer       ViolationKind = "slow_peer"
	KindGeoRestricted  ViolationKind = "geo_restricted"
)

// strike reports whether the kind counts toward the escalation ladder.
func (k ViolationKind) strike() bool {
	return k == KindBlocked || k == KindViolationLimit || k == KindSlowPeer
}
