package ledger

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// InMemory is a Store and Users implementation for tests and local runs.
// It does not lock accounts itself; callers hold a Locker for the accounts
// passed to Atomic.
type InMemory struct {
	mu       sync.RWMutex
	accounts map[string]*Account
	byUser   map[string][]string
	phones   map[string]string
	entries  []Transaction
	serial   int64
	seq      int64
	now      func() time.Time
}

// NewInMemory returns an empty store.
func NewInMemory() *InMemory {
	return &InMemory{
		accounts: make(map[string]*Account),
		byUser:   make(map[string][]string),
		phones:   make(map[string]string),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// RegisterPhone binds phone to userID. Registration proper lives outside the
// core; this exists so phone transfers can be exercised.
func (s *InMemory) RegisterPhone(userID, phone string) error {
	if err := ValidatePhone(phone); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if owner, ok := s.phones[phone]; ok && owner != userID {
		return fmt.Errorf("%w: phone already registered", ErrValidation)
	}
	s.phones[phone] = userID
	return nil
}

// UserByPhone implements Users.
func (s *InMemory) UserByPhone(_ context.Context, phone string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	userID, ok := s.phones[phone]
	if !ok {
		return "", ErrPhoneNotFound
	}
	return userID, nil
}

func (s *InMemory) AccountByNumber(_ context.Context, number string) (Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	acc, ok := s.accounts[number]
	if !ok {
		return Account{}, ErrAccountNotFound
	}
	return *acc, nil
}

func (s *InMemory) AccountsByUser(_ context.Context, userID string) ([]Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	numbers := s.byUser[userID]
	out := make([]Account, 0, len(numbers))
	for _, n := range numbers {
		out = append(out, *s.accounts[n])
	}
	return out, nil
}

func (s *InMemory) PrimaryAccount(_ context.Context, userID string) (Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, n := range s.byUser[userID] {
		if acc := s.accounts[n]; acc.Primary {
			return *acc, nil
		}
	}
	return Account{}, ErrAccountNotFound
}

func (s *InMemory) CreateAccount(_ context.Context, in NewAccount) (Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	number, err := AccountNumber(in.Type, in.Currency, s.serial+1)
	if err != nil {
		return Account{}, err
	}
	s.serial++
	if in.Primary {
		s.clearPrimaryLocked(in.UserID)
	}
	now := s.now()
	acc := &Account{
		Number:    number,
		UserID:    in.UserID,
		Type:      in.Type,
		Currency:  in.Currency,
		Balance:   decimal.Zero,
		Primary:   in.Primary,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.accounts[number] = acc
	s.byUser[in.UserID] = append(s.byUser[in.UserID], number)
	return *acc, nil
}

func (s *InMemory) SetPrimary(_ context.Context, userID, number string, primary bool) (Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	acc, ok := s.accounts[number]
	if !ok || acc.UserID != userID {
		return Account{}, ErrAccountNotFound
	}
	if primary {
		s.clearPrimaryLocked(userID)
	}
	acc.Primary = primary
	acc.UpdatedAt = s.now()
	return *acc, nil
}

func (s *InMemory) clearPrimaryLocked(userID string) {
	for _, n := range s.byUser[userID] {
		if acc := s.accounts[n]; acc.Primary {
			acc.Primary = false
			acc.UpdatedAt = s.now()
		}
	}
}

func (s *InMemory) Entries(_ context.Context, number string, limit int, afterID int64) ([]Transaction, int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var (
		out  []Transaction
		last int64
	)
	for _, e := range s.entries {
		if e.ID <= afterID || (e.FromAccount != number && e.ToAccount != number) {
			continue
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	if len(out) > 0 {
		last = out[len(out)-1].ID
	}
	return out, last, nil
}

// Atomic stages every write made by fn and applies them together once fn
// returns nil and ctx is still live.
func (s *InMemory) Atomic(ctx context.Context, numbers []string, fn func(Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	tx := &memTx{
		store:   s,
		allowed: make(map[string]struct{}, len(numbers)),
		staged:  make(map[string]decimal.Decimal, len(numbers)),
	}
	s.mu.RLock()
	for _, n := range numbers {
		if _, ok := s.accounts[n]; !ok {
			s.mu.RUnlock()
			return ErrAccountNotFound
		}
		tx.allowed[n] = struct{}{}
	}
	s.mu.RUnlock()

	if err := fn(tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	for n, balance := range tx.staged {
		acc := s.accounts[n]
		acc.Balance = balance
		acc.UpdatedAt = now
	}
	s.entries = append(s.entries, tx.pending...)
	return nil
}

type memTx struct {
	store   *InMemory
	allowed map[string]struct{}
	staged  map[string]decimal.Decimal
	pending []Transaction
}

func (t *memTx) Account(_ context.Context, number string) (Account, error) {
	t.store.mu.RLock()
	acc, ok := t.store.accounts[number]
	if !ok {
		t.store.mu.RUnlock()
		return Account{}, ErrAccountNotFound
	}
	out := *acc
	t.store.mu.RUnlock()
	if b, ok := t.staged[number]; ok {
		out.Balance = b
	}
	return out, nil
}

func (t *memTx) AccountsOfType(_ context.Context, userID string, typ AccountType) ([]Account, error) {
	t.store.mu.RLock()
	defer t.store.mu.RUnlock()
	var out []Account
	for _, n := range t.store.byUser[userID] {
		acc := *t.store.accounts[n]
		if acc.Type != typ {
			continue
		}
		if b, ok := t.staged[n]; ok {
			acc.Balance = b
		}
		out = append(out, acc)
	}
	return out, nil
}

func (t *memTx) SetBalance(_ context.Context, number string, balance decimal.Decimal) error {
	if _, ok := t.allowed[number]; !ok {
		return fmt.Errorf("account %s is not part of this unit of work", number)
	}
	t.staged[number] = balance
	return nil
}

func (t *memTx) Append(_ context.Context, entry Transaction) (Transaction, error) {
	if !entry.Amount.IsPositive() {
		return Transaction{}, ErrInvalidAmount
	}
	for _, n := range []string{entry.FromAccount, entry.ToAccount} {
		if _, ok := t.allowed[n]; !ok {
			return Transaction{}, fmt.Errorf("entry references account %s outside this unit of work", n)
		}
	}
	t.store.mu.Lock()
	t.store.seq++
	entry.ID = t.store.seq
	entry.CreatedAt = t.store.now()
	t.store.mu.Unlock()
	t.pending = append(t.pending, entry)
	return entry, nil
}
