// Package admission provides the Redis-backed counter store.
package admission

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore implements CounterStore against a Redis-compatible server.
// Each evaluation runs one Lua script so the read-modify-write is atomic
// server-side; Redis TIME is authoritative, which makes decisions immune
// to clock skew across gateway replicas. Keys expire after 2x the window.
type RedisStore struct {
	client  redis.UniversalClient
	prefix  string
	fixed   *redis.Script
	sliding *redis.Script
	token   *redis.Script
	leaky   *redis.Script
}

// RedisOptions configures the Redis counter store.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

const fixedWindowScript = `
local t = redis.call('TIME')
local now = t[1] * 1000 + math.floor(t[2] / 1000)
local limit = tonumber(ARGV[1])
local win = tonumber(ARGV[2])
local permits = tonumber(ARGV[3])
local slot = math.floor(now / win)
local key = KEYS[1] .. ':' .. slot
local used = tonumber(redis.call('GET', key) or '0')
local allowed = 0
if used + permits <= limit then
  used = redis.call('INCRBY', key, permits)
  redis.call('PEXPIRE', key, win * 2)
  allowed = 1
end
local remaining = limit - used
if remaining < 0 then remaining = 0 end
local reset = (slot + 1) * win - now
return {allowed, remaining, reset, reset}
`

const slidingWindowScript = `
local t = redis.call('TIME')
local now = t[1] * 1000 + math.floor(t[2] / 1000)
local limit = tonumber(ARGV[1])
local win = tonumber(ARGV[2])
local permits = tonumber(ARGV[3])
local slot = math.floor(now / win)
local curKey = KEYS[1] .. ':' .. slot
local prevKey = KEYS[1] .. ':' .. (slot - 1)
local cur = tonumber(redis.call('GET', curKey) or '0')
local prev = tonumber(redis.call('GET', prevKey) or '0')
local elapsed = now - slot * win
local weighted = math.floor(prev * (1 - elapsed / win)) + cur
local allowed = 0
if weighted + permits <= limit then
  redis.call('INCRBY', curKey, permits)
  redis.call('PEXPIRE', curKey, win * 2)
  allowed = 1
  weighted = weighted + permits
end
local remaining = limit - weighted
if remaining < 0 then remaining = 0 end
local reset = win - elapsed
return {allowed, remaining, reset, reset}
`

const tokenBucketScript = `
local t = redis.call('TIME')
local now = t[1] * 1000 + math.floor(t[2] / 1000)
local limit = tonumber(ARGV[1])
local win = tonumber(ARGV[2])
local burst = tonumber(ARGV[3])
local permits = tonumber(ARGV[4])
local cap = math.max(limit, burst)
local rate = limit / win
local data = redis.call('HMGET', KEYS[1], 'tokens', 'last')
local tokens = tonumber(data[1])
local last = tonumber(data[2])
if tokens == nil then
  tokens = cap
  last = now
end
local elapsed = now - last
if elapsed < 0 then elapsed = 0 end
tokens = math.min(cap, tokens + elapsed * rate)
local allowed = 0
if tokens >= permits then
  tokens = tokens - permits
  allowed = 1
end
redis.call('HMSET', KEYS[1], 'tokens', tokens, 'last', now)
redis.call('PEXPIRE', KEYS[1], win * 2)
local retry = 0
if allowed == 0 and rate > 0 then
  retry = math.ceil((permits - tokens) / rate)
end
local reset = 0
if rate > 0 then
  reset = math.ceil((cap - tokens) / rate)
end
return {allowed, math.floor(tokens), reset, retry}
`

const leakyBucketScript = `
local t = redis.call('TIME')
local now = t[1] * 1000 + math.floor(t[2] / 1000)
local limit = tonumber(ARGV[1])
local win = tonumber(ARGV[2])
local burst = tonumber(ARGV[3])
local permits = tonumber(ARGV[4])
local cap = math.max(limit, burst)
local drain = limit / win
local data = redis.call('HMGET', KEYS[1], 'level', 'last')
local level = tonumber(data[1])
local last = tonumber(data[2])
if level == nil then
  level = 0
  last = now
end
local elapsed = now - last
if elapsed < 0 then elapsed = 0 end
level = math.max(0, level - elapsed * drain)
local allowed = 0
if level + permits <= cap then
  level = level + permits
  allowed = 1
end
redis.call('HMSET', KEYS[1], 'level', level, 'last', now)
redis.call('PEXPIRE', KEYS[1], win * 2)
local retry = 0
if allowed == 0 and drain > 0 then
  retry = math.ceil((level + permits - cap) / drain)
end
local reset = 0
if drain > 0 then
  reset = math.ceil(level / drain)
end
return {allowed, math.floor(cap - level), reset, retry}
`

// NewRedisStore constructs a Redis counter store.
func NewRedisStore(opts RedisOptions) *RedisStore {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	return NewRedisStoreWithClient(client, opts.Prefix)
}

// NewRedisStoreWithClient wraps an existing client, used in tests.
func NewRedisStoreWithClient(client redis.UniversalClient, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "adm"
	}
	return &RedisStore{
		client:  client,
		prefix:  prefix,
		fixed:   redis.NewScript(fixedWindowScript),
		sliding: redis.NewScript(slidingWindowScript),
		token:   redis.NewScript(tokenBucketScript),
		leaky:   redis.NewScript(leakyBucketScript),
	}
}

// Healthy reports whether the server answers PING.
func (s *RedisStore) Healthy(ctx context.Context) bool {
	if s == nil || s.client == nil {
		return false
	}
	return s.client.Ping(ctx).Err() == nil
}

// Close releases the client.
func (s *RedisStore) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}

// FixedWindow evaluates a fixed window counter in one round trip.
func (s *RedisStore) FixedWindow(ctx context.Context, key string, params LimitParams, permits int64) (*Decision, error) {
	return s.run(ctx, s.fixed, "fw", key, params, permits,
		params.Limit, params.Window.Milliseconds(), permits)
}

// SlidingWindow evaluates the two-window approximation in one round trip.
func (s *RedisStore) SlidingWindow(ctx context.Context, key string, params LimitParams, permits int64) (*Decision, error) {
	return s.run(ctx, s.sliding, "sw", key, params, permits,
		params.Limit, params.Window.Milliseconds(), permits)
}

// TokenBucket evaluates a token bucket in one round trip.
func (s *RedisStore) TokenBucket(ctx context.Context, key string, params LimitParams, permits int64) (*Decision, error) {
	return s.run(ctx, s.token, "tb", key, params, permits,
		params.Limit, params.Window.Milliseconds(), params.Burst, permits)
}

// LeakyBucket evaluates a leaky bucket in one round trip.
func (s *RedisStore) LeakyBucket(ctx context.Context, key string, params LimitParams, permits int64) (*Decision, error) {
	return s.run(ctx, s.leaky, "lb", key, params, permits,
		params.Limit, params.Window.Milliseconds(), params.Burst, permits)
}

func (s *RedisStore) run(ctx context.Context, script *redis.Script, kind, key string, params LimitParams, permits int64, args ...interface{}) (*Decision, error) {
	if s == nil || s.client == nil {
		return nil, ErrStoreUnavailable
	}
	if permits <= 0 || params.Limit <= 0 || params.Window <= 0 {
		return nil, ErrInvalidInput
	}
	fullKey := s.prefix + ":" + kind + ":" + key
	res, err := script.Run(ctx, s.client, []string{fullKey}, args...).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	values, ok := res.([]interface{})
	if !ok || len(values) < 4 {
		return nil, fmt.Errorf("%w: unexpected script reply", ErrStoreUnavailable)
	}
	allowed := asInt64(values[0]) == 1
	decision := &Decision{
		Allowed:    allowed,
		Remaining:  asInt64(values[1]),
		Limit:      params.Limit,
		ResetAfter: time.Duration(asInt64(values[2])) * time.Millisecond,
	}
	if !allowed {
		decision.RetryAfter = time.Duration(asInt64(values[3])) * time.Millisecond
	}
	return decision, nil
}

func asInt64(v interface{}) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case string:
		var out int64
		fmt.Sscanf(n, "%d", &out)
		return out
	default:
		return 0
	}
}
