package stream

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bankcore.org/internal/ledger"
)

const (
	accA = "40817810900010000001"
	accB = "40817810900010000002"
	accC = "40817810900010000003"
)

func TestStreamFiltersByAccount(t *testing.T) {
	s := New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := s.Subscribe(ctx, []string{accB})
	s.Committed(ctx, ledger.Transaction{ID: 1, FromAccount: accA, ToAccount: accC})
	s.Committed(ctx, ledger.Transaction{ID: 2, FromAccount: accA, ToAccount: accB})
	s.Committed(ctx, ledger.Transaction{ID: 3, FromAccount: accB, ToAccount: accB})

	got := []int64{(<-ch).ID, (<-ch).ID}
	assert.Equal(t, []int64{2, 3}, got)
	select {
	case e := <-ch:
		t.Fatalf("unexpected entry %d", e.ID)
	default:
	}
}

func TestStreamDropsForSlowSubscriber(t *testing.T) {
	s := New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := s.Subscribe(ctx, []string{accA})
	for i := 0; i < s.size+5; i++ {
		s.Publish(ledger.Transaction{ID: int64(i), FromAccount: accA, ToAccount: accA})
	}
	assert.Len(t, ch, s.size)
}

func TestStreamClosesOnCancel(t *testing.T) {
	s := New()
	ctx, cancel := context.WithCancel(context.Background())
	ch := s.Subscribe(ctx, []string{accA})
	require.Equal(t, 1, s.Subscribers())

	cancel()
	select {
	case _, ok := <-ch:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("channel not closed")
	}
	assert.Equal(t, 0, s.Subscribers())

	// publishing after unsubscribe must not panic
	s.Publish(ledger.Transaction{ID: 9, FromAccount: accA, ToAccount: accA})
}
