// Package governor composes the rate, stamina, and heat accounting the
// gateway applies per identity and per IP address before a request reaches
// the sandbox invoker. See spec.md §4.3 for the decision order; the atomic
// per-identity arithmetic itself lives in pkg/coordination's Lua scripts —
// this package is the policy layer that calls them and combines their
// results with process-local backoff and risk scoring.
package governor

import (
	"context"
	"fmt"
	"time"

	"github.com/gridguard/gridguard/pkg/coordination"
	"github.com/gridguard/gridguard/pkg/identity"
)

// Decision is the combined outcome of one governor check: token bucket,
// stamina/heat, IP bucket, and backoff, folded into one allow/deny.
type Decision struct {
	Allowed         bool
	Reason          string
	RetryAfter      time.Duration
	StaminaRemaining float64
	Heat            float64
	RiskScore       float64
}

// Config holds the governor's tunables, loaded from internal/config.
type Config struct {
	StaminaMax      float64
	RegenPerSecond  float64
	CostPerChar     float64
	FlowBonus       float64
	HeatThreshold   float64
	HeatDecayRate   float64
	CooldownSeconds float64

	IPCapacity   float64
	IPRefillRate float64

	BaseBackoff       time.Duration
	MaxBackoff        time.Duration
	BackoffMultiplier float64
}

// Limiter is the governor's public contract; RedisLimiter is the production
// implementation backed by pkg/coordination.
type Limiter interface {
	// Check runs one full governor decision for a request: token bucket,
	// stamina/heat, IP bucket, backoff, and risk-adjusted capacity, per
	// spec.md §4.3. userAgent feeds UserAgentRisk into the immediate half
	// of the combined risk score alongside the identity's decayed
	// historical score.
	Check(ctx context.Context, id identity.Identity, inputChars int, ipAddress string, userAgent string, sensitiveDetections int) (Decision, error)
	// RecordOutcome feeds the result of a request back into the
	// process-local backoff and risk tracking (called by the safety gate
	// after the pre-check detector has run; post-check outcomes are not
	// fed back through it).
	RecordOutcome(id identity.Identity, ipAddress string, severe bool)
	// Tighten forces userID's risk-adjusted capacity down to roughly factor
	// of its base tier capacity, for as long as the resulting risk score
	// takes to decay back below the relevant threshold. Called by the
	// escalation package when it detects systematic misuse.
	Tighten(userID string, factor float64)
	// RiskScore returns userID's current decayed risk score (0-100)
	// without performing a full Check. The worker pool uses this to decide
	// whether to watermark a response with a canary token.
	RiskScore(userID string) float64
}

// RedisLimiter is the production Limiter: atomic Redis scripts for the
// shared counters, process-local state for backoff and risk score (per
// spec.md §5's "process-local cache" guidance — these decay on their own
// and don't need fleet-wide consistency).
type RedisLimiter struct {
	store  coordination.Store
	cfg    Config
	backoff *backoffTracker
	risk    *riskTracker
}

func NewRedisLimiter(store coordination.Store, cfg Config) *RedisLimiter {
	return &RedisLimiter{
		store:   store,
		cfg:     cfg,
		backoff: newBackoffTracker(cfg.BaseBackoff, cfg.MaxBackoff, cfg.BackoffMultiplier),
		risk:    newRiskTracker(),
	}
}

func (l *RedisLimiter) Check(ctx context.Context, id identity.Identity, inputChars int, ipAddress string, userAgent string, sensitiveDetections int) (Decision, error) {
	backoffKey := id.ID + ":" + orUnknown(ipAddress)
	if remaining, inBackoff := l.backoff.remaining(backoffKey); inBackoff {
		return Decision{Allowed: false, Reason: "EXPONENTIAL_BACKOFF", RetryAfter: remaining}, nil
	}

	// Combined risk score: the identity's decayed historical score plus
	// this request's immediate User-Agent signal, capped at 100 — mirrors
	// the original's immediate_risk + historical_risk combination.
	riskScore := l.risk.score(id.ID) + UserAgentRisk(userAgent)
	if riskScore > 100 {
		riskScore = 100
	}
	capacity := riskAdjustedCapacity(identity.TierDailyRateLimits[id.TrustTier], riskScore)
	refillRate := float64(capacity) / 86400.0

	if ipAddress != "" {
		ipResult, err := l.store.TokenBucket(ctx, "ratelimit:ip:"+ipAddress, l.cfg.IPCapacity, l.cfg.IPRefillRate, 1)
		if err != nil {
			return Decision{}, fmt.Errorf("governor: ip bucket: %w", err)
		}
		if !ipResult.Allowed {
			l.backoff.recordViolation(backoffKey)
			return Decision{Allowed: false, Reason: "IP_RATE_LIMITED", RetryAfter: time.Duration(ipResult.ResetSeconds * float64(time.Second))}, nil
		}
	}

	bucketResult, err := l.store.TokenBucket(ctx, "ratelimit:"+id.ID+":infer", float64(capacity), refillRate, 1)
	if err != nil {
		l.backoff.recordViolation(backoffKey)
		return Decision{Allowed: false, Reason: "SAFETY_UNAVAILABLE", RetryAfter: time.Minute, RiskScore: riskScore}, fmt.Errorf("governor: token bucket: %w", err)
	}
	if !bucketResult.Allowed {
		l.backoff.recordViolation(backoffKey)
		return Decision{Allowed: false, Reason: "RATE_LIMITED", RetryAfter: time.Duration(bucketResult.ResetSeconds * float64(time.Second)), RiskScore: riskScore}, nil
	}

	heatResult, err := l.store.StaminaHeat(ctx, id.ID, coordination.StaminaHeatParams{
		Now:                 nowSeconds(),
		StaminaMax:          l.cfg.StaminaMax,
		RegenPerSecond:      l.cfg.RegenPerSecond,
		CostPerChar:         l.cfg.CostPerChar,
		FlowBonus:           l.cfg.FlowBonus,
		InputChars:          inputChars,
		HeatThreshold:       l.cfg.HeatThreshold,
		HeatDecayRate:       l.cfg.HeatDecayRate,
		CooldownSeconds:     l.cfg.CooldownSeconds,
		SensitiveDetections: sensitiveDetections,
		DensityScore:        0, // Open Question #2: density not computed without a wellbeing subsystem
	})
	if err != nil {
		return Decision{}, fmt.Errorf("governor: stamina/heat: %w", err)
	}
	if !heatResult.Allowed {
		l.backoff.recordViolation(backoffKey)
		return Decision{
			Allowed:          false,
			Reason:           heatResult.Reason,
			RetryAfter:       time.Duration(heatResult.RetryAfter * float64(time.Second)),
			StaminaRemaining: heatResult.StaminaRemaining,
			Heat:             heatResult.Heat,
			RiskScore:        riskScore,
		}, nil
	}

	return Decision{
		Allowed:          true,
		StaminaRemaining: heatResult.StaminaRemaining,
		Heat:             heatResult.Heat,
		RiskScore:        riskScore,
	}, nil
}

func (l *RedisLimiter) RecordOutcome(id identity.Identity, ipAddress string, severe bool) {
	if severe {
		l.risk.increment(id.ID, 25.0)
		l.backoff.recordViolation(id.ID + ":" + orUnknown(ipAddress))
	} else {
		l.backoff.reset(id.ID + ":" + orUnknown(ipAddress))
	}
}

// Tighten maps factor onto the risk score that produces roughly that
// capacity fraction under riskAdjustedCapacity's 10/25/50% bands, and
// floors the identity's risk score there. A factor above 0.50 is treated
// as "no tightening needed" and is a no-op.
func (l *RedisLimiter) Tighten(userID string, factor float64) {
	switch {
	case factor <= 0.10:
		l.risk.floorAt(userID, 80)
	case factor <= 0.25:
		l.risk.floorAt(userID, 60)
	case factor <= 0.50:
		l.risk.floorAt(userID, 30)
	}
}

func (l *RedisLimiter) RiskScore(userID string) float64 {
	return l.risk.score(userID)
}

// riskAdjustedCapacity scales a tier's base bucket capacity down as the
// identity's long-running risk score climbs, per spec.md §4.3's 25/50/10%
// buckets (order matches the original rate_limiter.py: >75 -> 10%,
// >50 -> 25%, >25 -> 50%).
func riskAdjustedCapacity(base int, riskScore float64) int {
	switch {
	case riskScore > 75:
		return maxInt(1, int(float64(base)*0.10))
	case riskScore > 50:
		return maxInt(1, int(float64(base)*0.25))
	case riskScore > 25:
		return maxInt(1, int(float64(base)*0.50))
	default:
		return base
	}
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func orUnknown(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}

func nowSeconds() float64 {
	return float64(time.Now().Unix())
}
