package currency

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	c, err := Parse(" usd ")
	require.NoError(t, err)
	assert.Equal(t, USD, c)
	assert.Equal(t, "840", c.Numeric())

	_, err = Parse("XYZ")
	assert.ErrorIs(t, err, ErrUnknown)
}

func TestNumericCodes(t *testing.T) {
	want := map[Code]string{RUB: "810", USD: "840", EUR: "978", CNY: "156", AMD: "051", GEL: "981"}
	for code, numeric := range want {
		assert.Equal(t, numeric, code.Numeric(), string(code))
	}
	assert.Len(t, All(), len(want))
}

func TestStaticBaseAlwaysOne(t *testing.T) {
	dir := NewStatic(map[Code]decimal.Decimal{RUB: decimal.NewFromInt(7)})
	r, err := dir.Rate(context.Background(), RUB)
	require.NoError(t, err)
	assert.True(t, r.Equal(decimal.NewFromInt(1)))

	_, err = dir.Rate(context.Background(), EUR)
	assert.ErrorIs(t, err, ErrRateMissing)
}

func TestToBase(t *testing.T) {
	dir := NewStatic(map[Code]decimal.Decimal{USD: decimal.NewFromInt(90)})
	got, err := ToBase(context.Background(), dir, USD, decimal.RequireFromString("10.5"))
	require.NoError(t, err)
	assert.Equal(t, "945", got.String())

	got, err = ToBase(context.Background(), dir, RUB, decimal.NewFromInt(3))
	require.NoError(t, err)
	assert.Equal(t, "3", got.String())
}

type flakyDirectory struct{ calls int }

func (f *flakyDirectory) Rate(context.Context, Code) (decimal.Decimal, error) {
	f.calls++
	return decimal.Zero, errors.New("rates service down")
}

func TestBreakerOpensAfterFailures(t *testing.T) {
	next := &flakyDirectory{}
	b := NewBreaker("rates", next, 2, time.Minute)

	for i := 0; i < 2; i++ {
		_, err := b.Rate(context.Background(), USD)
		require.Error(t, err)
	}
	_, err := b.Rate(context.Background(), USD)
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
	assert.Equal(t, 2, next.calls)
	assert.Equal(t, "open", b.State())
}

func TestBreakerIgnoresUnknownCurrency(t *testing.T) {
	b := NewBreaker("rates", NewStatic(nil), 1, time.Minute)
	for i := 0; i < 3; i++ {
		_, err := b.Rate(context.Background(), Code("XXX"))
		assert.ErrorIs(t, err, ErrUnknown)
	}
	assert.Equal(t, "closed", b.State())
}
