package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v9"
	"github.com/redis/go-redis/v9"
)

// RedisOptions tunes the distributed locker.
type RedisOptions struct {
	Prefix     string
	Expiry     time.Duration
	Tries      int
	RetryDelay time.Duration
}

// DefaultRedisOptions suit short ledger critical sections.
func DefaultRedisOptions() RedisOptions {
	return RedisOptions{
		Prefix:     "bankcore:lock:",
		Expiry:     10 * time.Second,
		Tries:      32,
		RetryDelay: 50 * time.Millisecond,
	}
}

// Redis serializes account mutations across service instances with the
// RedLock algorithm.
type Redis struct {
	rs   *redsync.Redsync
	opts RedisOptions
}

// NewRedis builds a locker on top of client.
func NewRedis(client redis.UniversalClient, opts RedisOptions) *Redis {
	def := DefaultRedisOptions()
	if opts.Prefix == "" {
		opts.Prefix = def.Prefix
	}
	if opts.Expiry <= 0 {
		opts.Expiry = def.Expiry
	}
	if opts.Tries < 1 {
		opts.Tries = def.Tries
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = def.RetryDelay
	}
	return &Redis{rs: redsync.New(goredis.NewPool(client)), opts: opts}
}

func (r *Redis) Acquire(ctx context.Context, keys ...string) (func(), error) {
	keys = Order(keys)
	held := make([]*redsync.Mutex, 0, len(keys))
	for _, k := range keys {
		m := r.rs.NewMutex(r.opts.Prefix+k,
			redsync.WithExpiry(r.opts.Expiry),
			redsync.WithTries(r.opts.Tries),
			redsync.WithRetryDelay(r.opts.RetryDelay),
		)
		if err := m.LockContext(ctx); err != nil {
			r.unlock(held)
			if ctxErr := ctx.Err(); errors.Is(ctxErr, context.Canceled) {
				return nil, ctxErr
			}
			return nil, fmt.Errorf("%w: %s: %v", ErrTimeout, k, err)
		}
		held = append(held, m)
	}

	var once sync.Once
	return func() { once.Do(func() { r.unlock(held) }) }, nil
}

func (r *Redis) unlock(held []*redsync.Mutex) {
	ctx, cancel := context.WithTimeout(context.Background(), r.opts.Expiry)
	defer cancel()
	for i := len(held) - 1; i >= 0; i-- {
		_, _ = held[i].UnlockContext(ctx)
	}
}
