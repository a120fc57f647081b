package ledger

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bankcore.org/internal/currency"
)

func TestInMemoryAtomicRollsBackOnError(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()
	acc, err := s.CreateAccount(ctx, NewAccount{UserID: "u", Type: Debit, Currency: currency.RUB})
	require.NoError(t, err)

	err = s.Atomic(ctx, []string{acc.Number}, func(tx Tx) error {
		require.NoError(t, tx.SetBalance(ctx, acc.Number, dec("50")))
		_, err := tx.Append(ctx, Transaction{FromAccount: acc.Number, ToAccount: acc.Number, Amount: dec("50"), Method: MethodDeposit})
		require.NoError(t, err)
		return ErrInsufficientFunds
	})
	require.ErrorIs(t, err, ErrInsufficientFunds)

	got, err := s.AccountByNumber(ctx, acc.Number)
	require.NoError(t, err)
	assert.True(t, got.Balance.IsZero())
	entries, _, err := s.Entries(ctx, acc.Number, 10, 0)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestInMemoryAtomicAbandonedBeforeCommit(t *testing.T) {
	s := NewInMemory()
	acc, err := s.CreateAccount(context.Background(), NewAccount{UserID: "u", Type: Debit, Currency: currency.RUB})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	err = s.Atomic(ctx, []string{acc.Number}, func(tx Tx) error {
		if err := tx.SetBalance(ctx, acc.Number, dec("10")); err != nil {
			return err
		}
		cancel()
		return nil
	})
	require.ErrorIs(t, err, context.Canceled)

	got, err := s.AccountByNumber(context.Background(), acc.Number)
	require.NoError(t, err)
	assert.True(t, got.Balance.IsZero())
}

func TestInMemoryTxScope(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()
	a, err := s.CreateAccount(ctx, NewAccount{UserID: "u", Type: Debit, Currency: currency.RUB})
	require.NoError(t, err)
	b, err := s.CreateAccount(ctx, NewAccount{UserID: "u", Type: Credit, Currency: currency.RUB})
	require.NoError(t, err)

	err = s.Atomic(ctx, []string{a.Number}, func(tx Tx) error {
		assert.Error(t, tx.SetBalance(ctx, b.Number, dec("1")))
		_, err := tx.Append(ctx, Transaction{FromAccount: a.Number, ToAccount: b.Number, Amount: dec("1")})
		assert.Error(t, err)
		_, err = tx.Append(ctx, Transaction{FromAccount: a.Number, ToAccount: a.Number, Amount: dec("0")})
		assert.ErrorIs(t, err, ErrInvalidAmount)

		require.NoError(t, tx.SetBalance(ctx, a.Number, dec("7")))
		staged, err := tx.Account(ctx, a.Number)
		require.NoError(t, err)
		assert.True(t, staged.Balance.Equal(dec("7")))

		credits, err := tx.AccountsOfType(ctx, "u", Credit)
		require.NoError(t, err)
		require.Len(t, credits, 1)
		assert.Equal(t, b.Number, credits[0].Number)
		return nil
	})
	require.NoError(t, err)

	err = s.Atomic(ctx, []string{"40817810900019999999"}, func(Tx) error { return nil })
	assert.ErrorIs(t, err, ErrAccountNotFound)
}

func TestInMemoryPhones(t *testing.T) {
	s := NewInMemory()
	require.NoError(t, s.RegisterPhone("u1", "9000000001"))
	require.NoError(t, s.RegisterPhone("u1", "9000000001"))
	assert.ErrorIs(t, s.RegisterPhone("u2", "9000000001"), ErrValidation)
	assert.ErrorIs(t, s.RegisterPhone("u2", "12"), ErrInvalidPhone)

	id, err := s.UserByPhone(context.Background(), "9000000001")
	require.NoError(t, err)
	assert.Equal(t, "u1", id)
	_, err = s.UserByPhone(context.Background(), "9000000002")
	assert.ErrorIs(t, err, ErrNotFound)
}
