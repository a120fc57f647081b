package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"bankcore.org/internal/audit"
	"bankcore.org/internal/currency"
	"bankcore.org/internal/obs"
)

const (
	defaultHistoryLimit = 100
	maxHistoryLimit     = 1000
)

// Accounts manages the account records of a user. Balances are never
// written here; only the Engine moves money.
type Accounts struct {
	store  Store
	locker Locker
	logger *zap.Logger
}

// NewAccounts returns the account service. The locker serializes primary
// flag changes per user.
func NewAccounts(store Store, locker Locker) *Accounts {
	return &Accounts{store: store, locker: locker, logger: obs.Logger()}
}

// List returns every account of userID in opening order.
func (a *Accounts) List(ctx context.Context, userID string) ([]Account, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, ErrUserRequired
	}
	accounts, err := a.store.AccountsByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	return accounts, nil
}

// Get returns one account of userID.
func (a *Accounts) Get(ctx context.Context, userID, number string) (Account, error) {
	if strings.TrimSpace(userID) == "" {
		return Account{}, ErrUserRequired
	}
	if err := ValidateAccountNumber(number); err != nil {
		return Account{}, err
	}
	acc, err := a.store.AccountByNumber(ctx, number)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Account{}, ErrAccountNotFound
		}
		return Account{}, fmt.Errorf("get account: %w", err)
	}
	if acc.UserID != userID {
		return Account{}, ErrAccountNotFound
	}
	return acc, nil
}

// Open creates an additional zero-balance account.
func (a *Accounts) Open(ctx context.Context, userID string, req OpenRequest) (Account, error) {
	if strings.TrimSpace(userID) == "" {
		return Account{}, ErrUserRequired
	}
	if err := ValidateRequest(req); err != nil {
		return Account{}, err
	}

	var acc Account
	err := a.withUser(ctx, userID, func() error {
		var err error
		acc, err = a.store.CreateAccount(ctx, NewAccount{
			UserID:   userID,
			Type:     req.Type,
			Currency: req.Currency,
			Primary:  req.Primary,
		})
		return err
	})
	if err != nil {
		return Account{}, err
	}
	a.logger.Info("account opened",
		zap.String("user_id", userID),
		zap.String("number", acc.Number),
		zap.String("type", string(acc.Type)),
		zap.String("currency", string(acc.Currency)),
	)
	_ = audit.LogEvent(ctx, "account.opened", zap.String("number", acc.Number))
	return acc, nil
}

// Onboard opens the default Debit account in the base currency as the
// user's primary account. Calling it again returns the existing primary.
func (a *Accounts) Onboard(ctx context.Context, userID string) (Account, error) {
	if strings.TrimSpace(userID) == "" {
		return Account{}, ErrUserRequired
	}
	var acc Account
	err := a.withUser(ctx, userID, func() error {
		existing, err := a.store.PrimaryAccount(ctx, userID)
		if err == nil {
			acc = existing
			return nil
		}
		if !errors.Is(err, ErrNotFound) {
			return fmt.Errorf("lookup primary: %w", err)
		}
		acc, err = a.store.CreateAccount(ctx, NewAccount{
			UserID:   userID,
			Type:     Debit,
			Currency: currency.Base,
			Primary:  true,
		})
		return err
	})
	if err != nil {
		return Account{}, err
	}
	return acc, nil
}

// Update applies patch to an account of userID. Type, currency and balance
// are immutable here; only the primary flag may change.
func (a *Accounts) Update(ctx context.Context, userID, number string, patch AccountPatch) (Account, error) {
	acc, err := a.Get(ctx, userID, number)
	if err != nil {
		return Account{}, err
	}
	if patch.Type != nil && *patch.Type != acc.Type {
		return Account{}, ErrTypeImmutable
	}
	if patch.Currency != nil && *patch.Currency != acc.Currency {
		return Account{}, ErrCurrencyImmutable
	}
	if patch.Balance != nil && !patch.Balance.Equal(acc.Balance) {
		return Account{}, ErrBalanceReadOnly
	}
	if patch.Primary == nil || *patch.Primary == acc.Primary {
		return acc, nil
	}

	err = a.withUser(ctx, userID, func() error {
		acc, err = a.store.SetPrimary(ctx, userID, number, *patch.Primary)
		return err
	})
	if err != nil {
		return Account{}, err
	}
	_ = audit.LogEvent(ctx, "account.updated",
		zap.String("number", acc.Number),
		zap.Bool("primary", acc.Primary),
	)
	return acc, nil
}

// History pages through the entries touching an account of userID. Pass the
// returned cursor as after to fetch the next page; a zero cursor means done.
func (a *Accounts) History(ctx context.Context, userID, number string, limit int, after int64) ([]Transaction, int64, error) {
	if _, err := a.Get(ctx, userID, number); err != nil {
		return nil, 0, err
	}
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}
	if after < 0 {
		after = 0
	}
	entries, last, err := a.store.Entries(ctx, number, limit, after)
	if err != nil {
		return nil, 0, fmt.Errorf("list entries: %w", err)
	}
	if len(entries) < limit {
		last = 0
	}
	return entries, last, nil
}

func (a *Accounts) withUser(ctx context.Context, userID string, fn func() error) error {
	release, err := a.locker.Acquire(ctx, "user:"+userID)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return err
		}
		return Contention(err)
	}
	defer release()
	return fn()
}
