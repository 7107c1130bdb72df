package lease

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrNotAcquired means another workflow currently holds the slot's lease.
var ErrNotAcquired = errors.New("slot lease not acquired")

// SlotLeaser guards the check-then-act window of the booking workflow with a
// per-slot advisory lease so two concurrent bookings cannot both observe an
// available slot.
type SlotLeaser interface {
	WithSlotLease(ctx context.Context, slotID uuid.UUID, fn func(ctx context.Context) error) error
}

type redisSlotLeaser struct {
	client redis.Cmdable
	ttl    time.Duration
}

func NewRedisSlotLeaser(client redis.Cmdable, ttl time.Duration) SlotLeaser {
	if ttl <= 0 {
		ttl = 15 * time.Second
	}
	return &redisSlotLeaser{
		client: client,
		ttl:    ttl,
	}
}

func (l *redisSlotLeaser) WithSlotLease(ctx context.Context, slotID uuid.UUID, fn func(ctx context.Context) error) error {
	key := fmt.Sprintf("lease:slot:%s", slotID.String())
	token := uuid.NewString()

	ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
	if err != nil {
		return fmt.Errorf("acquire slot lease: %w", err)
	}
	if !ok {
		return ErrNotAcquired
	}

	defer func() {
		_ = l.release(context.WithoutCancel(ctx), key, token)
	}()

	// The TTL caps how long the critical section may run; if the process
	// dies, the lease expires on its own.
	leaseCtx, cancel := context.WithTimeout(ctx, l.ttl)
	defer cancel()

	return fn(leaseCtx)
}

// release deletes the lease only if this holder still owns it.
var releaseScript = redis.NewScript(`
local val = redis.call("GET", KEYS[1])
if val == ARGV[1] then
  return redis.call("DEL", KEYS[1])
else
  return 0
end
`)

func (l *redisSlotLeaser) release(ctx context.Context, key, token string) error {
	_, err := releaseScript.Run(ctx, l.client, []string{key}, token).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("release slot lease: %w", err)
	}
	return nil
}
