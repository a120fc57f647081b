// Package stream fans committed ledger entries out to live subscribers
// (Server-Sent Events clients).
package stream

import (
	"context"
	"sync"

	"bankcore.org/internal/ledger"
)

// Stream delivers entries touching a subscriber's accounts. Slow subscribers
// miss events instead of blocking the publisher.
type Stream struct {
	mu   sync.RWMutex
	subs map[int]subscriber
	next int
	size int
}

type subscriber struct {
	ch       chan ledger.Transaction
	accounts map[string]struct{}
}

// New initialises an empty stream with per-subscriber buffers of 16 entries.
func New() *Stream {
	return &Stream{subs: make(map[int]subscriber), size: 16}
}

// Subscribe registers interest in entries touching any of accounts. The
// returned channel is closed when ctx ends.
func (s *Stream) Subscribe(ctx context.Context, accounts []string) <-chan ledger.Transaction {
	sub := subscriber{
		ch:       make(chan ledger.Transaction, s.size),
		accounts: make(map[string]struct{}, len(accounts)),
	}
	for _, n := range accounts {
		sub.accounts[n] = struct{}{}
	}

	s.mu.Lock()
	id := s.next
	s.next++
	s.subs[id] = sub
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		delete(s.subs, id)
		close(sub.ch)
		s.mu.Unlock()
	}()

	return sub.ch
}

// Committed implements ledger.Observer.
func (s *Stream) Committed(_ context.Context, entry ledger.Transaction) {
	s.Publish(entry)
}

// Publish fans entry out to matching subscribers.
func (s *Stream) Publish(entry ledger.Transaction) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, sub := range s.subs {
		_, from := sub.accounts[entry.FromAccount]
		_, to := sub.accounts[entry.ToAccount]
		if !from && !to {
			continue
		}
		select {
		case sub.ch <- entry:
		default:
		}
	}
}

// Subscribers returns the number of active subscribers.
func (s *Stream) Subscribers() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subs)
}
