package ledger

import (
	"context"

	"github.com/shopspring/decimal"
)

// Store persists accounts and ledger entries. Implementations must make
// Atomic all-or-nothing: either every SetBalance and Append issued by fn is
// committed, or none is.
type Store interface {
	AccountByNumber(ctx context.Context, number string) (Account, error)
	AccountsByUser(ctx context.Context, userID string) ([]Account, error)
	PrimaryAccount(ctx context.Context, userID string) (Account, error)
	CreateAccount(ctx context.Context, in NewAccount) (Account, error)
	// SetPrimary changes the primary flag of number. Setting it clears the
	// flag on every other account of the user.
	SetPrimary(ctx context.Context, userID, number string, primary bool) (Account, error)
	// Entries lists ledger entries touching number with id > afterID in id
	// order, returning the last id seen.
	Entries(ctx context.Context, number string, limit int, afterID int64) ([]Transaction, int64, error)
	// Atomic runs fn as one unit of work over the given accounts. Only the
	// listed accounts may be mutated through the Tx.
	Atomic(ctx context.Context, numbers []string, fn func(Tx) error) error
}

// Tx is the view of the store inside a unit of work.
type Tx interface {
	Account(ctx context.Context, number string) (Account, error)
	AccountsOfType(ctx context.Context, userID string, t AccountType) ([]Account, error)
	SetBalance(ctx context.Context, number string, balance decimal.Decimal) error
	Append(ctx context.Context, entry Transaction) (Transaction, error)
}

// Users resolves a phone number to the owning user. Registration lives
// outside the core.
type Users interface {
	UserByPhone(ctx context.Context, phone string) (string, error)
}

// Locker grants exclusive access to a set of account numbers. Implementations
// acquire keys in ascending order and fail with a timeout rather than wait
// forever.
type Locker interface {
	Acquire(ctx context.Context, keys ...string) (release func(), err error)
}

// Observer is notified after an entry has been committed. It must not block.
type Observer interface {
	Committed(ctx context.Context, entry Transaction)
}
