// Package pg implements the ledger store on PostgreSQL.
package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/shopspring/decimal"

	"bankcore.org/internal/currency"
	"bankcore.org/internal/ledger"
	"bankcore.org/internal/lock"
)

const (
	pgErrLockNotAvailable     = "55P03"
	pgErrSerializationFailure = "40001"
	pgErrDeadlockDetected     = "40P01"
	pgErrUniqueViolation      = "23505"
	pgErrForeignKeyViolation  = "23503"
)

const accountColumns = `number, user_id, type, currency, balance, is_primary, created_at, updated_at`

// Store is the PostgreSQL ledger store. Row locks taken with SELECT ... FOR
// UPDATE in ascending number order back every unit of work.
type Store struct {
	db          *sql.DB
	lockTimeout time.Duration
}

var (
	_ ledger.Store       = (*Store)(nil)
	_ ledger.Users       = (*Store)(nil)
	_ currency.Directory = (*Store)(nil)
)

// Option configures Store.
type Option func(*Store)

// WithLockTimeout bounds how long a unit of work waits for row locks.
func WithLockTimeout(d time.Duration) Option {
	return func(s *Store) { s.lockTimeout = d }
}

// Open connects through the pgx stdlib driver.
func Open(dsn string, opts ...Option) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	// Tuned pool defaults; adjust under load tests
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return New(db, opts...), nil
}

// New wraps an existing pool.
func New(db *sql.DB, opts ...Option) *Store {
	s := &Store{db: db, lockTimeout: 5 * time.Second}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

// Ping reports whether the database is reachable.
func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAccount(row rowScanner) (ledger.Account, error) {
	var (
		acc      ledger.Account
		typ, cur string
	)
	if err := row.Scan(&acc.Number, &acc.UserID, &typ, &cur, &acc.Balance, &acc.Primary, &acc.CreatedAt, &acc.UpdatedAt); err != nil {
		return ledger.Account{}, err
	}
	acc.Type = ledger.AccountType(typ)
	acc.Currency = currency.Code(cur)
	return acc, nil
}

func accountByNumber(ctx context.Context, q queryer, number string) (ledger.Account, error) {
	acc, err := scanAccount(q.QueryRowContext(ctx, `select `+accountColumns+` from accounts where number = $1`, number))
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Account{}, ledger.ErrAccountNotFound
	}
	if err != nil {
		return ledger.Account{}, fmt.Errorf("select account: %w", err)
	}
	return acc, nil
}

func listAccounts(ctx context.Context, q queryer, query string, args ...any) ([]ledger.Account, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("select accounts: %w", err)
	}
	defer rows.Close()
	var out []ledger.Account
	for rows.Next() {
		acc, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, acc)
	}
	return out, rows.Err()
}

func (s *Store) AccountByNumber(ctx context.Context, number string) (ledger.Account, error) {
	return accountByNumber(ctx, s.db, number)
}

func (s *Store) AccountsByUser(ctx context.Context, userID string) ([]ledger.Account, error) {
	return listAccounts(ctx, s.db, `select `+accountColumns+` from accounts where user_id = $1 order by serial asc`, userID)
}

func (s *Store) PrimaryAccount(ctx context.Context, userID string) (ledger.Account, error) {
	acc, err := scanAccount(s.db.QueryRowContext(ctx,
		`select `+accountColumns+` from accounts where user_id = $1 and is_primary`, userID))
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Account{}, ledger.ErrAccountNotFound
	}
	if err != nil {
		return ledger.Account{}, fmt.Errorf("select primary account: %w", err)
	}
	return acc, nil
}

// CreateAccount draws the next serial from account_serial_seq, so numbers
// are never reused even after a rolled back insert.
func (s *Store) CreateAccount(ctx context.Context, in ledger.NewAccount) (ledger.Account, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ledger.Account{}, err
	}
	defer func() { _ = tx.Rollback() }()

	var serial int64
	if err := tx.QueryRowContext(ctx, `select nextval('account_serial_seq')`).Scan(&serial); err != nil {
		return ledger.Account{}, fmt.Errorf("next account serial: %w", err)
	}
	number, err := ledger.AccountNumber(in.Type, in.Currency, serial)
	if err != nil {
		return ledger.Account{}, err
	}
	if in.Primary {
		if _, err := tx.ExecContext(ctx, `update accounts set is_primary = false, updated_at = now() where user_id = $1 and is_primary`, in.UserID); err != nil {
			return ledger.Account{}, fmt.Errorf("clear primary: %w", err)
		}
	}
	acc, err := scanAccount(tx.QueryRowContext(ctx, `
		insert into accounts (number, serial, user_id, type, currency, balance, is_primary)
		values ($1, $2, $3, $4, $5, 0, $6)
		returning `+accountColumns,
		number, serial, in.UserID, string(in.Type), string(in.Currency), in.Primary))
	if err != nil {
		if pgErr, ok := maybePgError(err); ok {
			switch pgErr.Code {
			case pgErrForeignKeyViolation:
				return ledger.Account{}, ledger.ErrInvalidCurrency
			case pgErrUniqueViolation:
				return ledger.Account{}, ledger.Contention(err)
			}
		}
		return ledger.Account{}, fmt.Errorf("insert account: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return ledger.Account{}, mapTxError(err)
	}
	return acc, nil
}

func (s *Store) SetPrimary(ctx context.Context, userID, number string, primary bool) (ledger.Account, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ledger.Account{}, err
	}
	defer func() { _ = tx.Rollback() }()

	var owner string
	err = tx.QueryRowContext(ctx, `select user_id from accounts where number = $1 for update`, number).Scan(&owner)
	if errors.Is(err, sql.ErrNoRows) || (err == nil && owner != userID) {
		return ledger.Account{}, ledger.ErrAccountNotFound
	}
	if err != nil {
		return ledger.Account{}, mapTxError(err)
	}
	if primary {
		if _, err := tx.ExecContext(ctx, `update accounts set is_primary = false, updated_at = now() where user_id = $1 and is_primary and number <> $2`, userID, number); err != nil {
			return ledger.Account{}, mapTxError(err)
		}
	}
	acc, err := scanAccount(tx.QueryRowContext(ctx, `
		update accounts set is_primary = $2, updated_at = now()
		where number = $1
		returning `+accountColumns, number, primary))
	if err != nil {
		return ledger.Account{}, mapTxError(err)
	}
	if err := tx.Commit(); err != nil {
		return ledger.Account{}, mapTxError(err)
	}
	return acc, nil
}

func (s *Store) Entries(ctx context.Context, number string, limit int, afterID int64) ([]ledger.Transaction, int64, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		select id, from_account, to_account, amount, currency, method, created_at
		from transactions
		where (from_account = $1 or to_account = $1) and id > $2
		order by id asc
		limit $3
	`, number, afterID, limit)
	if err != nil {
		return nil, 0, fmt.Errorf("select transactions: %w", err)
	}
	defer rows.Close()

	var (
		res  []ledger.Transaction
		last int64
	)
	for rows.Next() {
		var (
			t           ledger.Transaction
			cur, method string
		)
		if err := rows.Scan(&t.ID, &t.FromAccount, &t.ToAccount, &t.Amount, &cur, &method, &t.CreatedAt); err != nil {
			return nil, 0, err
		}
		t.Currency = currency.Code(cur)
		t.Method = ledger.Method(method)
		res = append(res, t)
		last = t.ID
	}
	return res, last, rows.Err()
}

// Atomic opens a transaction, locks the listed accounts in ascending order
// and runs fn. Lock waits beyond the configured timeout, serialization
// failures and deadlocks surface as ledger contention errors.
func (s *Store) Atomic(ctx context.Context, numbers []string, fn func(ledger.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return mapTxError(err)
	}
	defer func() { _ = tx.Rollback() }()

	if s.lockTimeout > 0 {
		if _, err := tx.ExecContext(ctx, fmt.Sprintf(`set local lock_timeout = '%dms'`, s.lockTimeout.Milliseconds())); err != nil {
			return mapTxError(err)
		}
	}

	ptx := &pgTx{tx: tx, allowed: make(map[string]struct{}, len(numbers))}
	for _, n := range lock.Order(numbers) {
		var got string
		err := tx.QueryRowContext(ctx, `select number from accounts where number = $1 for update`, n).Scan(&got)
		if errors.Is(err, sql.ErrNoRows) {
			return ledger.ErrAccountNotFound
		}
		if err != nil {
			return mapTxError(err)
		}
		ptx.allowed[n] = struct{}{}
	}

	if err := fn(ptx); err != nil {
		return mapTxError(err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return mapTxError(err)
	}
	return nil
}

type pgTx struct {
	tx      *sql.Tx
	allowed map[string]struct{}
}

func (t *pgTx) Account(ctx context.Context, number string) (ledger.Account, error) {
	return accountByNumber(ctx, t.tx, number)
}

func (t *pgTx) AccountsOfType(ctx context.Context, userID string, typ ledger.AccountType) ([]ledger.Account, error) {
	return listAccounts(ctx, t.tx,
		`select `+accountColumns+` from accounts where user_id = $1 and type = $2 order by serial asc`,
		userID, string(typ))
}

func (t *pgTx) SetBalance(ctx context.Context, number string, balance decimal.Decimal) error {
	if _, ok := t.allowed[number]; !ok {
		return fmt.Errorf("account %s is not part of this unit of work", number)
	}
	if _, err := t.tx.ExecContext(ctx,
		`update accounts set balance = $2, updated_at = now() where number = $1`,
		number, balance.StringFixed(2)); err != nil {
		return fmt.Errorf("update balance: %w", err)
	}
	return nil
}

func (t *pgTx) Append(ctx context.Context, entry ledger.Transaction) (ledger.Transaction, error) {
	err := t.tx.QueryRowContext(ctx, `
		insert into transactions (from_account, to_account, amount, currency, method)
		values ($1, $2, $3, $4, $5)
		returning id, created_at
	`, entry.FromAccount, entry.ToAccount, entry.Amount.StringFixed(2), string(entry.Currency), string(entry.Method)).
		Scan(&entry.ID, &entry.CreatedAt)
	if err != nil {
		return ledger.Transaction{}, fmt.Errorf("insert transaction: %w", err)
	}
	return entry, nil
}

// UserByPhone resolves the user registered with phone.
func (s *Store) UserByPhone(ctx context.Context, phone string) (string, error) {
	var id string
	err := s.db.QueryRowContext(ctx, `select id from users where phone = $1`, phone).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ledger.ErrPhoneNotFound
	}
	if err != nil {
		return "", fmt.Errorf("select user by phone: %w", err)
	}
	return id, nil
}

// RegisterPhone upserts the phone of a user. User registration is owned by
// another service; this keeps local and smoke environments self-contained.
func (s *Store) RegisterPhone(ctx context.Context, userID, phone string) error {
	if err := ledger.ValidatePhone(phone); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		insert into users (id, phone) values ($1, $2)
		on conflict (id) do update set phone = excluded.phone
	`, userID, phone)
	if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
		return fmt.Errorf("%w: phone already registered", ledger.ErrValidation)
	}
	return err
}

// Rate implements currency.Directory from the currencies table.
func (s *Store) Rate(ctx context.Context, code currency.Code) (decimal.Decimal, error) {
	if !code.Valid() {
		return decimal.Zero, fmt.Errorf("%w: %q", currency.ErrUnknown, code)
	}
	var rate decimal.Decimal
	err := s.db.QueryRowContext(ctx, `select rate from currencies where code = $1`, string(code)).Scan(&rate)
	if errors.Is(err, sql.ErrNoRows) {
		return decimal.Zero, fmt.Errorf("%w: %s", currency.ErrRateMissing, code)
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("select rate: %w", err)
	}
	return rate, nil
}

func mapTxError(err error) error {
	if err == nil {
		return nil
	}
	if pgErr, ok := maybePgError(err); ok {
		switch pgErr.Code {
		case pgErrLockNotAvailable, pgErrSerializationFailure, pgErrDeadlockDetected:
			return ledger.Contention(err)
		}
	}
	return err
}

func maybePgError(err error) (*pgconn.PgError, bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr, true
	}
	return nil, false
}
