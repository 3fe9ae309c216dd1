package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// releaseScript deletes the key only when the caller still holds it.
// Returns 1 when released, 2 when absent, 0 when held by someone else.
var releaseScript = redis.NewScript(`
local v = redis.call('GET', KEYS[1])
if not v then
	return 2
end
if v == ARGV[1] then
	redis.call('DEL', KEYS[1])
	return 1
end
return 0
`)

// acquireScript takes the key when absent or refreshes it when the caller
// already holds it. Returns {acquired, holder, pttl_ms}.
var acquireScript = redis.NewScript(`
if redis.call('SET', KEYS[1], ARGV[1], 'NX', 'PX', ARGV[2]) then
	return {1, ARGV[1], tonumber(ARGV[2])}
end
local v = redis.call('GET', KEYS[1])
if v == ARGV[1] then
	redis.call('PEXPIRE', KEYS[1], ARGV[2])
	return {1, v, tonumber(ARGV[2])}
end
return {0, v, redis.call('PTTL', KEYS[1])}
`)

// RedisLocker keeps locks as keys with a PX expiry, so Redis drops expired
// locks on its own.
type RedisLocker struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisLocker(client redis.UniversalClient, prefix string) *RedisLocker {
	if prefix == "" {
		prefix = "lock:"
	}
	return &RedisLocker{client: client, prefix: prefix}
}

func (l *RedisLocker) Acquire(ctx context.Context, key, holder string, ttl time.Duration) (Result, error) {
	if err := validate(key, holder, ttl); err != nil {
		return Result{}, err
	}
	ms := max(ttl.Milliseconds(), 1)

	vals, err := acquireScript.Run(ctx, l.client, []string{l.prefix + key}, holder, ms).Slice()
	if err != nil {
		return Result{}, fmt.Errorf("lock: redis acquire %s: %w", key, err)
	}
	if len(vals) != 3 {
		return Result{}, fmt.Errorf("lock: redis acquire %s: unexpected reply %v", key, vals)
	}
	acquired, _ := vals[0].(int64)
	current, _ := vals[1].(string)
	pttl, _ := vals[2].(int64)

	res := Result{Acquired: acquired == 1, CurrentHolder: current}
	if pttl > 0 {
		res.ExpiresAt = time.Now().Add(time.Duration(pttl) * time.Millisecond)
	}
	return res, nil
}

func (l *RedisLocker) Release(ctx context.Context, key, holder string) (ReleaseResult, error) {
	code, err := releaseScript.Run(ctx, l.client, []string{l.prefix + key}, holder).Int()
	if err != nil {
		return ReleaseResult{}, fmt.Errorf("lock: redis release %s: %w", key, err)
	}
	switch code {
	case 1:
		return ReleaseResult{Released: true, Reason: ReasonReleased}, nil
	case 2:
		return ReleaseResult{Released: true, Reason: ReasonNotHeld}, nil
	default:
		return ReleaseResult{Released: false, Reason: ReasonNotHolder}, nil
	}
}
