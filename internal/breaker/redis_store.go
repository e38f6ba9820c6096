package breaker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Both scripts mirror applyFailure / MemoryStore.AcquireProbe. Times are unix
// milliseconds; 0 means unset. Closed-state failure times live in a sorted set
// next to the state hash so the window slides.
var recordFailureScript = redis.NewScript(`
local key = KEYS[1]
local wkey = KEYS[2]
local now = tonumber(ARGV[1])
local threshold = tonumber(ARGV[2])
local window = tonumber(ARGV[3])
local cooldown = tonumber(ARGV[4])
local ttl = tonumber(ARGV[5])
local failures = tonumber(redis.call('HGET', key, 'failures') or '0')
local windowStart = tonumber(redis.call('HGET', key, 'window_start') or '0')
local openUntil = tonumber(redis.call('HGET', key, 'open_until') or '0')
if openUntil > 0 and now >= openUntil then
  failures = threshold
  windowStart = now
  openUntil = now + cooldown
  redis.call('DEL', wkey)
elseif openUntil > 0 then
  failures = failures + 1
else
  redis.call('ZREMRANGEBYSCORE', wkey, '-inf', now - window - 1)
  local seq = redis.call('HINCRBY', key, 'seq', 1)
  redis.call('ZADD', wkey, now, now .. ':' .. seq)
  failures = redis.call('ZCARD', wkey)
  windowStart = tonumber(redis.call('ZRANGE', wkey, 0, 0, 'WITHSCORES')[2])
  if failures >= threshold then
    openUntil = now + cooldown
    redis.call('DEL', wkey)
  else
    redis.call('PEXPIRE', wkey, ttl)
  end
end
redis.call('HSET', key, 'failures', failures, 'window_start', windowStart, 'last_failure', now, 'open_until', openUntil, 'probe_until', 0)
redis.call('PEXPIRE', key, ttl)
return {failures, windowStart, openUntil}
`)

// A key that expired since Get means the circuit decayed to closed: grant
// the call without recreating the hash.
var acquireProbeScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local lease = tonumber(ARGV[2])
if redis.call('EXISTS', key) == 0 then
  return 1
end
local probe = tonumber(redis.call('HGET', key, 'probe_until') or '0')
if probe > now then
  return 0
end
redis.call('HSET', key, 'probe_until', now + lease)
return 1
`)

// RedisStore shares circuit state across instances through Redis hashes.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

// NewRedisStore builds a store; keys are prefix+service. Idle keys expire
// after ttl so a forgotten circuit decays back to closed.
func NewRedisStore(client redis.UniversalClient, prefix string, ttl time.Duration) *RedisStore {
	if client == nil {
		panic("breaker: redis client required")
	}
	if prefix == "" {
		prefix = "clinic:breaker:"
	}
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &RedisStore{client: client, prefix: prefix, ttl: ttl}
}

// windowSuffix marks the failure-time set kept beside each state hash.
const windowSuffix = ":window"

func (r *RedisStore) key(service string) string {
	return r.prefix + service
}

func (r *RedisStore) windowKey(service string) string {
	return r.prefix + service + windowSuffix
}

func (r *RedisStore) Get(ctx context.Context, service string) (Snapshot, error) {
	fields, err := r.client.HGetAll(ctx, r.key(service)).Result()
	if err != nil {
		return Snapshot{}, fmt.Errorf("breaker: get %s: %w", service, err)
	}
	return snapshotFromHash(service, fields), nil
}

func (r *RedisStore) IsOpen(ctx context.Context, service string, now time.Time) (bool, error) {
	snap, err := r.Get(ctx, service)
	if err != nil {
		return false, err
	}
	return snap.StateAt(now) == StateOpen, nil
}

func (r *RedisStore) RecordSuccess(ctx context.Context, service string) error {
	if err := r.client.Del(ctx, r.key(service), r.windowKey(service)).Err(); err != nil {
		return fmt.Errorf("breaker: record success %s: %w", service, err)
	}
	return nil
}

func (r *RedisStore) RecordFailure(ctx context.Context, service string, now time.Time, settings Settings) (Snapshot, error) {
	settings = settings.normalized()
	ttl := r.ttl
	if floor := settings.Window + settings.Cooldown + settings.ProbeLease; ttl < floor {
		ttl = floor
	}
	res, err := recordFailureScript.Run(ctx, r.client, []string{r.key(service), r.windowKey(service)},
		now.UnixMilli(),
		settings.FailureThreshold,
		settings.Window.Milliseconds(),
		settings.Cooldown.Milliseconds(),
		ttl.Milliseconds(),
	).Int64Slice()
	if err != nil {
		return Snapshot{}, fmt.Errorf("breaker: record failure %s: %w", service, err)
	}
	if len(res) != 3 {
		return Snapshot{}, fmt.Errorf("breaker: record failure %s: unexpected reply %v", service, res)
	}
	return Snapshot{
		Service:     service,
		Failures:    int(res[0]),
		WindowStart: fromMillis(res[1]),
		LastFailure: fromMillis(now.UnixMilli()),
		OpenUntil:   fromMillis(res[2]),
	}, nil
}

func (r *RedisStore) AcquireProbe(ctx context.Context, service string, now time.Time, lease time.Duration) (bool, error) {
	n, err := acquireProbeScript.Run(ctx, r.client, []string{r.key(service)}, now.UnixMilli(), lease.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("breaker: acquire probe %s: %w", service, err)
	}
	return n == 1, nil
}

func (r *RedisStore) Reset(ctx context.Context, service string) error {
	return r.RecordSuccess(ctx, service)
}

func (r *RedisStore) List(ctx context.Context) ([]Snapshot, error) {
	var (
		out    []Snapshot
		cursor uint64
	)
	for {
		keys, next, err := r.client.Scan(ctx, cursor, r.prefix+"*", 100).Result()
		if err != nil {
			return nil, fmt.Errorf("breaker: list: %w", err)
		}
		for _, key := range keys {
			if strings.HasSuffix(key, windowSuffix) {
				continue
			}
			service := strings.TrimPrefix(key, r.prefix)
			snap, err := r.Get(ctx, service)
			if err != nil {
				if errors.Is(err, redis.Nil) {
					continue
				}
				return nil, err
			}
			out = append(out, snap)
		}
		if next == 0 {
			break
		}
		cursor = next
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Service < out[j].Service })
	return out, nil
}

func snapshotFromHash(service string, fields map[string]string) Snapshot {
	failures, _ := strconv.Atoi(fields["failures"])
	return Snapshot{
		Service:     service,
		Failures:    failures,
		WindowStart: parseMillis(fields["window_start"]),
		LastFailure: parseMillis(fields["last_failure"]),
		OpenUntil:   parseMillis(fields["open_until"]),
		ProbeUntil:  parseMillis(fields["probe_until"]),
	}
}

func parseMillis(v string) time.Time {
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return fromMillis(n)
}

func fromMillis(ms int64) time.Time {
	if ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
