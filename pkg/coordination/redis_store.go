package coordination

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// tokenBucketScript is ported from the token-bucket Lua script: refill by
// elapsed time, try to consume, persist, TTL at 2x time-to-refill.
const tokenBucketScript = `
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local refill_rate = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local requested = tonumber(ARGV[4])

local bucket = redis.call('HMGET', key, 'tokens', 'last_refill')
local tokens = tonumber(bucket[1])
local last_refill = tonumber(bucket[2])

if tokens == nil then
    tokens = capacity
    last_refill = now
end

local elapsed = math.max(0, now - last_refill)
local refilled = math.min(capacity, tokens + elapsed * refill_rate)

local allowed = 0
if refilled >= requested then
    refilled = refilled - requested
    allowed = 1
end

redis.call('HMSET', key, 'tokens', refilled, 'last_refill', now)

local ttl = math.ceil(capacity / refill_rate * 2)
redis.call('EXPIRE', key, ttl)

local reset_seconds = 0
if allowed == 0 then
    reset_seconds = math.ceil((requested - refilled) / refill_rate)
end

return {allowed, tostring(refilled), tostring(reset_seconds)}
`

// staminaHeatScript applies one governor decision atomically: decay heat,
// apply flow bonus, regenerate stamina, charge the input cost, decide, then
// (on acceptance) raise heat from the input component. consecutive_safe and
// cooldown_until are tracked in the same hash so the whole decision is one
// round trip.
const staminaHeatScript = `
local key = KEYS[1]
local now = tonumber(ARGV[1])
local stamina_max = tonumber(ARGV[2])
local regen_per_second = tonumber(ARGV[3])
local cost_per_char = tonumber(ARGV[4])
local flow_bonus_max = tonumber(ARGV[5])
local input_chars = tonumber(ARGV[6])
local heat_threshold = tonumber(ARGV[7])
local heat_decay_rate = tonumber(ARGV[8])
local cooldown_seconds = tonumber(ARGV[9])
local sensitive_detections = tonumber(ARGV[10])
local density_score = tonumber(ARGV[11])

local state = redis.call('HMGET', key, 'stamina', 'heat', 'last_update', 'consecutive_safe', 'cooldown_until')
local stamina = tonumber(state[1]) or stamina_max
local heat = tonumber(state[2]) or 0
local last_update = tonumber(state[3]) or now
local consecutive_safe = tonumber(state[4]) or 0
local cooldown_until = tonumber(state[5]) or 0

if cooldown_until > now then
    redis.call('HMSET', key, 'stamina', stamina, 'heat', heat, 'last_update', now,
        'consecutive_safe', consecutive_safe, 'cooldown_until', cooldown_until)
    return {0, tostring(stamina), tostring(heat), tostring(cooldown_until - now), 'COOLDOWN_ACTIVE'}
end

local elapsed = math.max(0, now - last_update)

heat = math.max(0, heat - heat_decay_rate * elapsed)

local flow_bonus = 1.0
if consecutive_safe >= 5 then
    flow_bonus = flow_bonus_max
end

stamina = math.min(stamina_max, stamina + regen_per_second * elapsed * flow_bonus)

local cost = math.max(1.0, input_chars * cost_per_char)

local allowed = 0
local reason = ''
if stamina >= cost then
    stamina = stamina - cost
    allowed = 1
    consecutive_safe = consecutive_safe + 1
else
    reason = 'STAMINA_EXHAUSTED'
    consecutive_safe = 0
end

if allowed == 1 then
    local heat_increment = sensitive_detections * 5.0 + density_score * 0
    heat = math.min(100, heat + heat_increment)
    if heat >= heat_threshold then
        cooldown_until = now + cooldown_seconds
    end
end

redis.call('HMSET', key, 'stamina', stamina, 'heat', heat, 'last_update', now,
    'consecutive_safe', consecutive_safe, 'cooldown_until', cooldown_until)
redis.call('EXPIRE', key, 86400)

return {allowed, tostring(stamina), tostring(heat), tostring(0), reason}
`

// misuseWindowScript atomically prunes entries older than the window,
// records now, and returns the remaining count.
const misuseWindowScript = `
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])

redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)
redis.call('ZADD', key, now, now .. ':' .. math.random())
redis.call('EXPIRE', key, window)
return redis.call('ZCARD', key)
`

// RedisStore is the production Store implementation.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore wraps an already-constructed *redis.Client.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) TokenBucket(ctx context.Context, key string, capacity, refillRate, requested float64) (TokenBucketResult, error) {
	res, err := s.client.Eval(ctx, tokenBucketScript, []string{key}, capacity, refillRate, nowUnix(), requested).Result()
	if err != nil {
		return TokenBucketResult{}, fmt.Errorf("token bucket script failed: %w", err)
	}
	vals, ok := res.([]interface{})
	if !ok || len(vals) != 3 {
		return TokenBucketResult{}, fmt.Errorf("unexpected token bucket script result: %v", res)
	}
	allowed := toInt64(vals[0]) == 1
	remaining := parseFloat(vals[1])
	reset := parseFloat(vals[2])
	return TokenBucketResult{Allowed: allowed, Remaining: int(remaining), ResetSeconds: reset}, nil
}

func (s *RedisStore) StaminaHeat(ctx context.Context, identity string, p StaminaHeatParams) (StaminaHeatResult, error) {
	key := "stamina:" + identity
	res, err := s.client.Eval(ctx, staminaHeatScript, []string{key},
		p.Now, p.StaminaMax, p.RegenPerSecond, p.CostPerChar, p.FlowBonus, p.InputChars,
		p.HeatThreshold, p.HeatDecayRate, p.CooldownSeconds, p.SensitiveDetections, p.DensityScore,
	).Result()
	if err != nil {
		return StaminaHeatResult{}, fmt.Errorf("stamina/heat script failed: %w", err)
	}
	vals, ok := res.([]interface{})
	if !ok || len(vals) != 5 {
		return StaminaHeatResult{}, fmt.Errorf("unexpected stamina/heat script result: %v", res)
	}
	return StaminaHeatResult{
		Allowed:          toInt64(vals[0]) == 1,
		StaminaRemaining: parseFloat(vals[1]),
		Heat:             parseFloat(vals[2]),
		RetryAfter:       parseFloat(vals[3]),
		Reason:           fmt.Sprintf("%v", vals[4]),
	}, nil
}

func (s *RedisStore) Suspend(ctx context.Context, userID, reason, auditID string, ttl int64) error {
	value := fmt.Sprintf("%s:%s", reason, auditID)
	return s.client.Set(ctx, suspendedKey(userID), value, secondsToDuration(ttl)).Err()
}

func (s *RedisStore) IsSuspended(ctx context.Context, userID string) (bool, string, error) {
	v, err := s.client.Get(ctx, suspendedKey(userID)).Result()
	if err == redis.Nil {
		return false, "", nil
	}
	if err != nil {
		return false, "", err
	}
	return true, v, nil
}

func (s *RedisStore) MisuseWindow(ctx context.Context, userID string, now float64, windowSeconds int64) (int64, error) {
	res, err := s.client.Eval(ctx, misuseWindowScript, []string{misuseKey(userID)}, now, windowSeconds).Result()
	if err != nil {
		return 0, fmt.Errorf("misuse window script failed: %w", err)
	}
	return toInt64(res), nil
}

func (s *RedisStore) BlocklistAdd(ctx context.Context, normalized string) error {
	return s.client.SAdd(ctx, KeyBlocklist, normalized).Err()
}

func (s *RedisStore) BlocklistSnapshot(ctx context.Context) ([]string, error) {
	return s.client.SMembers(ctx, KeyBlocklist).Result()
}

func (s *RedisStore) DynamicRulesSnapshot(ctx context.Context) ([]string, error) {
	return s.client.SMembers(ctx, KeyDynamicRules).Result()
}

func (s *RedisStore) StreamEnqueue(ctx context.Context, stream string, fields map[string]string) (string, error) {
	values := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		values[k] = v
	}
	return s.client.XAdd(ctx, &redis.XAddArgs{Stream: stream, Values: values}).Result()
}

func (s *RedisStore) StreamReadGroup(ctx context.Context, stream, group, consumer string, count, blockMillis int64) ([]StreamMessage, error) {
	if err := s.ensureGroup(ctx, stream, group); err != nil {
		return nil, err
	}
	block := millisToDuration(blockMillis)
	if blockMillis <= 0 {
		block = -1 // a negative Block omits BLOCK; BLOCK 0 would wait indefinitely
	}
	res, err := s.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{stream, ">"},
		Count:    count,
		Block:    block,
	}).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var out []StreamMessage
	for _, s := range res {
		for _, m := range s.Messages {
			fields := make(map[string]string, len(m.Values))
			for k, v := range m.Values {
				fields[k] = fmt.Sprintf("%v", v)
			}
			out = append(out, StreamMessage{ID: m.ID, Fields: fields})
		}
	}
	return out, nil
}

func (s *RedisStore) StreamAck(ctx context.Context, stream, group string, ids ...string) error {
	return s.client.XAck(ctx, stream, group, ids...).Err()
}

func (s *RedisStore) StreamLen(ctx context.Context, stream string) (int64, error) {
	return s.client.XLen(ctx, stream).Result()
}

func (s *RedisStore) PutResult(ctx context.Context, requestID, status, body string, ttlSeconds int64) error {
	key := resultKey(requestID)
	if err := s.client.HSet(ctx, key, "status", status, "body", body).Err(); err != nil {
		return err
	}
	if ttlSeconds > 0 {
		return s.client.Expire(ctx, key, time.Duration(ttlSeconds)*time.Second).Err()
	}
	return nil
}

func (s *RedisStore) GetResult(ctx context.Context, requestID string) (status, body string, found bool, err error) {
	vals, err := s.client.HGetAll(ctx, resultKey(requestID)).Result()
	if err != nil {
		return "", "", false, err
	}
	if len(vals) == 0 {
		return "", "", false, nil
	}
	return vals["status"], vals["body"], true, nil
}

func (s *RedisStore) ensureGroup(ctx context.Context, stream, group string) error {
	err := s.client.XGroupCreateMkStream(ctx, stream, group, "0").Err()
	if err != nil && !isBusyGroupErr(err) {
		return err
	}
	return nil
}

func isBusyGroupErr(err error) bool {
	return err != nil && len(err.Error()) >= 9 && err.Error()[:9] == "BUSYGROUP"
}
