package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

// releaseScript deletes the lease key only when it still holds our value,
// so an expired lease re-acquired by another process is never released from
// here.
const releaseScript = `
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end`

// Lease is a Redis SETNX lock that serializes the scanner across processes.
// Scanner correctness depends on single-writer access to the segment
// watermark, so a pass only runs while the lease is held.
type Lease struct {
	client *redis.Client
	key    string
	ttl    time.Duration
	value  string
}

func NewLease(client *redis.Client, key string, ttl time.Duration) *Lease {
	return &Lease{client: client, key: key, ttl: ttl}
}

// Acquire attempts to take the lease. False means another process holds it.
func (l *Lease) Acquire(ctx context.Context) (bool, error) {
	l.value = uuid.NewString()
	ok, err := l.client.SetNX(ctx, l.key, l.value, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquire lease %s: %w", l.key, err)
	}
	return ok, nil
}

// Release gives the lease back if we still own it.
func (l *Lease) Release(ctx context.Context) error {
	if l.value == "" {
		return nil
	}
	if err := l.client.Eval(ctx, releaseScript, []string{l.key}, l.value).Err(); err != nil && err != redis.Nil {
		return fmt.Errorf("release lease %s: %w", l.key, err)
	}
	l.value = ""
	return nil
}
