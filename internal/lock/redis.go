package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// releaseScript deletes the key only if the fencing token still matches,
// so a holder whose lease already expired cannot release a successor's lock.
const releaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`

// Redis is a Locker backed by a single Redis instance using SET NX PX.
// Keys auto-expire after the requested TTL, which gives deadlock safety
// when a holder crashes mid-sweep.
type Redis struct {
	client *redis.Client
	prefix string
}

// NewRedis connects a Redis-backed locker. The connection is verified
// lazily; a dead backend surfaces as ErrLockUnavailable at acquisition
// time, not at startup, so the gateway boots even while Redis is down.
func NewRedis(addr, password string) *Redis {
	return &Redis{
		client: redis.NewClient(&redis.Options{
			Addr:         addr,
			Password:     password,
			MaxRetries:   1,
			DialTimeout:  2 * time.Second,
			ReadTimeout:  2 * time.Second,
			WriteTimeout: 2 * time.Second,
		}),
		prefix: "ofd-gateway:lock:",
	}
}

// TryAcquire attempts SET NX with the TTL. Contention returns (nil, nil);
// backend failure returns ErrLockUnavailable.
func (r *Redis) TryAcquire(ctx context.Context, name string, ttl time.Duration) (*Lease, error) {
	token := uuid.NewString()

	ok, err := r.client.SetNX(ctx, r.prefix+name, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLockUnavailable, err)
	}
	if !ok {
		return nil, nil
	}
	return &Lease{Name: name, Token: token}, nil
}

// Release drops the lease if it is still ours. A vanished key (TTL expiry)
// is not an error.
func (r *Redis) Release(ctx context.Context, lease *Lease) error {
	if lease == nil {
		return nil
	}
	err := r.client.Eval(ctx, releaseScript, []string{r.prefix + lease.Name}, lease.Token).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("%w: %v", ErrLockUnavailable, err)
	}
	return nil
}

// Close releases the underlying connection pool.
func (r *Redis) Close() error {
	return r.client.Close()
}
