package currency

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker"
)

// Breaker guards a remote Directory with a circuit breaker. Unknown-currency
// lookups do not count as failures.
type Breaker struct {
	next Directory
	cb   *gobreaker.CircuitBreaker
}

// NewBreaker wraps next. The breaker opens after consecutiveFailures lookups
// fail in a row and probes again after cooldown.
func NewBreaker(name string, next Directory, consecutiveFailures uint32, cooldown time.Duration) *Breaker {
	if consecutiveFailures == 0 {
		consecutiveFailures = 5
	}
	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     cooldown,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= consecutiveFailures
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, ErrUnknown) || errors.Is(err, ErrRateMissing)
		},
	}
	return &Breaker{next: next, cb: gobreaker.NewCircuitBreaker(settings)}
}

func (b *Breaker) Rate(ctx context.Context, code Code) (decimal.Decimal, error) {
	v, err := b.cb.Execute(func() (any, error) {
		return b.next.Rate(ctx, code)
	})
	if err != nil {
		return decimal.Zero, err
	}
	return v.(decimal.Decimal), nil
}

// State exposes the breaker state for readiness reporting.
func (b *Breaker) State() string { return b.cb.State().String() }
