// Package coordination wraps the shared Redis substrate: rate-bucket
// counters, stamina/heat state, suspensions, the misuse window, the dynamic
// blocklist, and the three append-only streams the gateway and worker pool
// share across a fleet of processes.
package coordination

import "context"

// TokenBucketResult is the outcome of one atomic token-bucket check.
type TokenBucketResult struct {
	Allowed      bool
	Remaining    int
	ResetSeconds float64
}

// StaminaHeatResult is the outcome of one atomic stamina/heat update,
// mirroring the governor's decision order (§4.3): decay, bonus, regen,
// charge, decide, then increment heat on acceptance.
type StaminaHeatResult struct {
	Allowed         bool
	StaminaRemaining float64
	Heat            float64
	RetryAfter      float64
	Reason          string
}

// StreamMessage is one entry read from a consumer-group stream.
type StreamMessage struct {
	ID     string
	Fields map[string]string
}

// Store is the coordination-store contract every upstream component depends
// on. RedisStore is the production implementation; tests substitute a
// miniredis-backed instance of the same type.
type Store interface {
	// Ping verifies the store is reachable; the middleware's fail-closed
	// gate (§4.1 step 3) depends on this never silently succeeding when the
	// store is down.
	Ping(ctx context.Context) error

	// TokenBucket atomically refills and consumes capacity tokens for key,
	// at refillRate tokens/second, requesting `requested` tokens.
	TokenBucket(ctx context.Context, key string, capacity float64, refillRate float64, requested float64) (TokenBucketResult, error)

	// StaminaHeat atomically applies one governor decision for identity,
	// per the formula in StaminaHeatParams.
	StaminaHeat(ctx context.Context, identity string, params StaminaHeatParams) (StaminaHeatResult, error)

	// Suspend marks userID suspended for reason, for the given TTL.
	Suspend(ctx context.Context, userID, reason, auditID string, ttl int64) error
	// IsSuspended reports whether userID is currently suspended.
	IsSuspended(ctx context.Context, userID string) (suspended bool, reason string, err error)

	// MisuseWindow appends now (unix seconds) to userID's misuse
	// sorted-set, prunes entries older than windowSeconds, and returns the
	// remaining count — atomically.
	MisuseWindow(ctx context.Context, userID string, now float64, windowSeconds int64) (count int64, err error)

	// BlocklistAdd adds a case-folded substring to the dynamic blocklist.
	BlocklistAdd(ctx context.Context, normalized string) error
	// BlocklistSnapshot returns the full current blocklist.
	BlocklistSnapshot(ctx context.Context) ([]string, error)

	// DynamicRulesSnapshot returns the JSON blobs in guardian:dynamic_rules.
	DynamicRulesSnapshot(ctx context.Context) ([]string, error)

	// StreamEnqueue appends fields to the named stream, returning the new
	// entry ID.
	StreamEnqueue(ctx context.Context, stream string, fields map[string]string) (string, error)
	// StreamReadGroup batch-reads up to count new (not yet delivered)
	// messages for consumer in group, blocking up to blockMillis
	// (0 or less = non-blocking poll).
	StreamReadGroup(ctx context.Context, stream, group, consumer string, count int64, blockMillis int64) ([]StreamMessage, error)
	// StreamAck acknowledges ids in stream/group.
	StreamAck(ctx context.Context, stream, group string, ids ...string) error
	// StreamLen returns the current length of stream, backing the
	// /queue/depth endpoint.
	StreamLen(ctx context.Context, stream string) (int64, error)

	// PutResult records a completed or escalated request's outcome under
	// requestID for ttlSeconds, so /status/{request_id} can look it up by
	// key instead of scanning the response stream.
	PutResult(ctx context.Context, requestID, status, body string, ttlSeconds int64) error
	// GetResult returns the outcome stored by PutResult, if any.
	GetResult(ctx context.Context, requestID string) (status, body string, found bool, err error)

	Close() error
}

// StaminaHeatParams parameterizes one StaminaHeat call with the governor's
// tunables, since the Lua script has no access to Go-side configuration.
type StaminaHeatParams struct {
	Now                float64
	StaminaMax         float64
	RegenPerSecond     float64
	CostPerChar        float64
	FlowBonus          float64
	InputChars         int
	HeatThreshold      float64
	HeatDecayRate      float64
	CooldownSeconds    float64
	SensitiveDetections int
	DensityScore       float64
}

const (
	StreamInference = "inference-stream"
	StreamResponse  = "response-stream"
	StreamAudit     = "audit-stream"
	ConsumerGroup   = "safety-workers"

	KeyBlocklist     = "dynamic_blocklist"
	KeyDynamicRules  = "guardian:dynamic_rules"
)

func rateLimitKey(user, feature string) string {
	return "ratelimit:" + user + ":" + feature
}

func ipRateLimitKey(ip string) string {
	return "ratelimit:ip:" + ip
}

func suspendedKey(userID string) string {
	return "suspended:" + userID
}

func misuseKey(userID string) string {
	return "grid:misuse:" + userID
}

func resultKey(requestID string) string {
	return "gridguard:result:" + requestID
}
