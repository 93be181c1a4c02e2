// Package redisstore keeps bucket state in Redis so that every gateway
// instance shares the same counters.
//
// Each bucket is a hash under <prefix>:<key> with the fields count,
// last_leak and locked_until (both unix milliseconds, 0 meaning unset).
// Generic mutations run inside WATCH/MULTI and are retried on conflict;
// Acquire runs the whole leak/compare/increment cycle as one Lua script.
package redisstore

import (
	"context"
	"errors"
	"math"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/AlexKimmel/Cascade/internal/ratelimit"
)

// Config holds configuration for the Redis store.
type Config struct {
	// Redis client for coordination
	Redis redis.UniversalClient

	// Prefix namespaces every bucket key
	Prefix string

	// TTL is how long an idle bucket lives (defaults to 30 minutes)
	TTL time.Duration

	// Timeout bounds every Redis round trip (defaults to 500ms)
	Timeout time.Duration

	// MaxRetries bounds optimistic transaction retries (defaults to 16)
	MaxRetries int

	// InstanceID identifies this process on lockouts it writes
	InstanceID string

	Logger zerolog.Logger
}

// Store implements ratelimit.Store and ratelimit.Acquirer.
type Store struct {
	cfg     Config
	acquire *redis.Script
}

var errNoClient = errors.New("redis client is required")

// New validates cfg, applies defaults and returns a Store.
func New(cfg Config) (*Store, error) {
	if cfg.Redis == nil {
		return nil, &ratelimit.ConfigurationError{Field: "store.redis", Reason: errNoClient.Error()}
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "cascade:bucket"
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 30 * time.Minute
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 500 * time.Millisecond
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 16
	}
	if cfg.InstanceID == "" {
		cfg.InstanceID = uuid.NewString()
	}

	return &Store{
		cfg:     cfg,
		acquire: redis.NewScript(luaAcquire),
	}, nil
}

// InstanceID returns the id stamped on lockouts written by this store.
func (s *Store) InstanceID() string { return s.cfg.InstanceID }

func (s *Store) redisKey(key string) string {
	return s.cfg.Prefix + ":" + key
}

// Ping checks that Redis is reachable.
func (s *Store) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()
	if err := s.cfg.Redis.Ping(ctx).Err(); err != nil {
		return &ratelimit.StoreError{Op: "ping", Key: s.cfg.Prefix, Err: err}
	}
	return nil
}

func (s *Store) Get(ctx context.Context, key string) (ratelimit.State, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	vals, err := s.cfg.Redis.HMGet(ctx, s.redisKey(key), fieldCount, fieldLastLeak, fieldLockedUntil).Result()
	if err != nil {
		return ratelimit.State{}, false, &ratelimit.StoreError{Op: "get", Key: key, Err: err}
	}
	st, ok := decode(vals)
	return st, ok, nil
}

func (s *Store) Update(ctx context.Context, key string, fn ratelimit.Mutation) (ratelimit.State, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	rk := s.redisKey(key)
	var next ratelimit.State

	txf := func(tx *redis.Tx) error {
		vals, err := tx.HMGet(ctx, rk, fieldCount, fieldLastLeak, fieldLockedUntil).Result()
		if err != nil {
			return err
		}
		cur, exists := decode(vals)
		prevLock := cur.LockedUntil
		next = fn(cur, exists)

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, rk, encode(next))
			if next.LockedUntil.After(prevLock) {
				pipe.HSet(ctx, rk, fieldLockedBy, s.cfg.InstanceID)
			}
			pipe.PExpire(ctx, rk, s.expiry(next))
			return nil
		})
		return err
	}

	for i := 0; i < s.cfg.MaxRetries; i++ {
		err := s.cfg.Redis.Watch(ctx, txf, rk)
		if err == nil {
			return next, nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return ratelimit.State{}, &ratelimit.StoreError{Op: "update", Key: key, Err: err}
	}
	s.cfg.Logger.Warn().Str("key", key).Int("retries", s.cfg.MaxRetries).Msg("bucket update kept conflicting")
	return ratelimit.State{}, &ratelimit.StoreError{Op: "update", Key: key, Err: redis.TxFailedErr}
}

// Acquire runs the leak/compare/increment cycle inside Redis.
func (s *Store) Acquire(ctx context.Context, key string, p ratelimit.Policy, now time.Time) (ratelimit.State, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	res, err := s.acquire.Run(ctx, s.cfg.Redis, []string{s.redisKey(key)},
		p.Max,
		strconv.FormatFloat(p.RatePerSecond, 'f', -1, 64),
		now.UnixMilli(),
		s.cfg.TTL.Milliseconds(),
	).Result()
	if err != nil {
		return ratelimit.State{}, false, &ratelimit.StoreError{Op: "acquire", Key: key, Err: err}
	}

	// [admitted, count, last_leak, locked_until]
	out, ok := res.([]interface{})
	if !ok || len(out) != 4 {
		return ratelimit.State{}, false, &ratelimit.StoreError{Op: "acquire", Key: key, Err: errors.New("invalid script result")}
	}
	admitted, _ := out[0].(int64)
	st, _ := decode(out[1:])
	return st, admitted == 1, nil
}

func (s *Store) Close() error { return nil }

// expiry keeps a locked bucket alive for the rest of its lockout plus the
// idle TTL.
func (s *Store) expiry(st ratelimit.State) time.Duration {
	ttl := s.cfg.TTL
	if !st.LockedUntil.IsZero() && !st.LastLeakAt.IsZero() {
		if rest := st.LockedUntil.Sub(st.LastLeakAt); rest > 0 {
			if rest > math.MaxInt64-ttl {
				return math.MaxInt64
			}
			ttl += rest
		}
	}
	return ttl
}

const (
	fieldCount       = "count"
	fieldLastLeak    = "last_leak"
	fieldLockedUntil = "locked_until"
	fieldLockedBy    = "locked_by"
)

func encode(st ratelimit.State) map[string]interface{} {
	return map[string]interface{}{
		fieldCount:       strconv.FormatFloat(st.Count, 'f', -1, 64),
		fieldLastLeak:    msOf(st.LastLeakAt),
		fieldLockedUntil: msOf(st.LockedUntil),
	}
}

func decode(vals []interface{}) (ratelimit.State, bool) {
	if len(vals) < 3 || vals[0] == nil {
		return ratelimit.State{}, false
	}
	count := parseFloat(vals[0])
	return ratelimit.State{
		Count:       count,
		LastLeakAt:  timeOf(parseFloat(vals[1])),
		LockedUntil: timeOf(parseFloat(vals[2])),
	}, true
}

func parseFloat(v interface{}) float64 {
	switch x := v.(type) {
	case string:
		f, _ := strconv.ParseFloat(x, 64)
		return f
	case int64:
		return float64(x)
	default:
		return 0
	}
}

func msOf(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func timeOf(ms float64) time.Time {
	if ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(int64(ms))
}

// luaAcquire mirrors ratelimit.Settle followed by an increment-if-under.
const luaAcquire = `
-- KEYS[1]: bucket key
-- ARGV[1]: max
-- ARGV[2]: leak rate per second
-- ARGV[3]: now (unix ms)
-- ARGV[4]: idle ttl (ms)

local key = KEYS[1]
local max = tonumber(ARGV[1])
local rate = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])

local vals = redis.call('HMGET', key, 'count', 'last_leak', 'locked_until')
local count = tonumber(vals[1]) or 0
local last = tonumber(vals[2]) or 0
local locked = tonumber(vals[3]) or 0
local admitted = 0

if locked > 0 and now < locked then
    -- frozen until the lockout passes
else
    if locked > 0 then
        count = 0
        locked = 0
        last = now
    end
    if last == 0 then
        last = now
    end
    local elapsed = now - last
    if elapsed > 0 then
        if rate > 0 then
            count = math.max(0, count - rate * elapsed / 1000)
        end
        last = now
    end
    if count < max then
        count = count + 1
        admitted = 1
    end
end

redis.call('HSET', key, 'count', tostring(count), 'last_leak', tostring(last), 'locked_until', tostring(locked))

local expiry = ttl
if locked > last then
    expiry = expiry + (locked - last)
end
redis.call('PEXPIRE', key, expiry)

return {admitted, tostring(count), tostring(last), tostring(locked)}
`
