// Package lock provides ordered multi-key exclusive locks for account
// mutations. Keys are always acquired in ascending order so two operations
// touching the same pair of accounts cannot deadlock.
package lock

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

// ErrTimeout is returned when a key could not be acquired in time.
var ErrTimeout = errors.New("lock wait timed out")

// Order returns keys sorted ascending with duplicates removed.
func Order(keys []string) []string {
	out := make([]string, 0, len(keys))
	seen := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Local is an in-process keyed mutex.
type Local struct {
	timeout time.Duration

	mu    sync.Mutex
	slots map[string]*slot
}

type slot struct {
	ch   chan struct{}
	refs int
}

// NewLocal creates a locker that gives up after timeout. A zero timeout waits
// until the context ends.
func NewLocal(timeout time.Duration) *Local {
	return &Local{timeout: timeout, slots: make(map[string]*slot)}
}

// Acquire locks every key or none. The returned release is idempotent.
func (l *Local) Acquire(ctx context.Context, keys ...string) (func(), error) {
	keys = Order(keys)
	if l.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.timeout)
		defer cancel()
	}

	held := make([]string, 0, len(keys))
	for _, k := range keys {
		s := l.ref(k)
		select {
		case s.ch <- struct{}{}:
			held = append(held, k)
		case <-ctx.Done():
			l.unref(k)
			l.release(held)
			if err := ctx.Err(); errors.Is(err, context.DeadlineExceeded) {
				return nil, fmt.Errorf("%w: %s", ErrTimeout, k)
			}
			return nil, ctx.Err()
		}
	}

	var once sync.Once
	return func() { once.Do(func() { l.release(held) }) }, nil
}

func (l *Local) ref(k string) *slot {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.slots[k]
	if !ok {
		s = &slot{ch: make(chan struct{}, 1)}
		l.slots[k] = s
	}
	s.refs++
	return s
}

func (l *Local) unref(k string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.slots[k]
	if !ok {
		return
	}
	s.refs--
	if s.refs == 0 {
		delete(l.slots, k)
	}
}

func (l *Local) release(held []string) {
	for i := len(held) - 1; i >= 0; i-- {
		l.mu.Lock()
		s := l.slots[held[i]]
		l.mu.Unlock()
		<-s.ch
		l.unref(held[i])
	}
}

// size reports the number of live slots.
func (l *Local) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.slots)
}
