package lease

import (
	"context"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"contractflow/lifecycle"
)

// KEYS[1] = lease key, ARGV[1] = holder, ARGV[2] = ttl in milliseconds.
var acquireScript = goredis.NewScript(`
if redis.call("SET", KEYS[1], ARGV[1], "NX", "PX", ARGV[2]) then
    return 1
end
if redis.call("GET", KEYS[1]) == ARGV[1] then
    redis.call("PEXPIRE", KEYS[1], ARGV[2])
    return 1
end
return 0
`)

// KEYS[1] = lease key, ARGV[1] = holder.
var releaseScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
end
return 0
`)

// Redis keeps leases as keys with a PX expiry.
type Redis struct {
	client goredis.Scripter
	prefix string
}

func NewRedis(client goredis.Scripter, prefix string) *Redis {
	if prefix == "" {
		prefix = "contractflow:sweep_lease:"
	}
	return &Redis{client: client, prefix: prefix}
}

func (r *Redis) key(tenant lifecycle.TenantID) string {
	return r.prefix + string(tenant)
}

func (r *Redis) Acquire(ctx context.Context, tenant lifecycle.TenantID, holder string, ttl time.Duration) error {
	if holder == "" {
		return fmt.Errorf("lease: empty holder")
	}
	if ttl < time.Millisecond {
		return fmt.Errorf("lease: ttl must be at least 1ms")
	}
	ok, err := acquireScript.Run(ctx, r.client, []string{r.key(tenant)}, holder, ttl.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("lease: acquire: %w: %w", lifecycle.ErrStoreUnavailable, err)
	}
	if ok != 1 {
		return lifecycle.ErrLeaseHeld
	}
	return nil
}

func (r *Redis) Release(ctx context.Context, tenant lifecycle.TenantID, holder string) error {
	if err := releaseScript.Run(ctx, r.client, []string{r.key(tenant)}, holder).Err(); err != nil {
		return fmt.Errorf("lease: release: %w: %w", lifecycle.ErrStoreUnavailable, err)
	}
	return nil
}
