package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"bankcore.org/internal/audit"
	"bankcore.org/internal/currency"
	"bankcore.org/internal/obs"
)

const tracerName = "bankcore.org/internal/ledger"

// Engine executes money-moving operations. Each operation validates its
// input, locks the participating accounts in ascending number order,
// re-reads them inside a unit of work, applies the policy rules, writes the
// new balances and appends exactly one ledger entry.
type Engine struct {
	store     Store
	users     Users
	rates     currency.Directory
	locker    Locker
	policy    Policy
	observers []Observer
	logger    *zap.Logger
	tracer    trace.Tracer
	retries   int
	backoff   time.Duration
}

// Option configures an Engine.
type Option func(*Engine)

// WithPolicy overrides the default limits.
func WithPolicy(p Policy) Option {
	return func(e *Engine) { e.policy = p }
}

// WithObserver registers a post-commit observer.
func WithObserver(o Observer) Option {
	return func(e *Engine) {
		if o != nil {
			e.observers = append(e.observers, o)
		}
	}
}

// WithLogger sets the engine logger. Defaults to obs.Logger().
func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithRetry makes the engine repeat an operation that failed with a
// contention error up to n more times, sleeping base, 2*base, 4*base...
// Each sleep is capped at two seconds.
func WithRetry(n int, base time.Duration) Option {
	return func(e *Engine) {
		if n < 0 {
			n = 0
		}
		e.retries = n
		e.backoff = base
	}
}

// NewEngine wires the engine to its collaborators.
func NewEngine(store Store, users Users, rates currency.Directory, locker Locker, opts ...Option) *Engine {
	e := &Engine{
		store:  store,
		users:  users,
		rates:  rates,
		locker: locker,
		policy: DefaultPolicy(),
		logger: obs.Logger(),
		tracer: otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Policy returns the limits in force.
func (e *Engine) Policy() Policy { return e.policy }

// Deposit credits amount (plus the large-deposit bonus) to an account of userID.
func (e *Engine) Deposit(ctx context.Context, userID string, req DepositRequest) (Receipt, error) {
	return e.run(ctx, MethodDeposit, userID, func(ctx context.Context) (Receipt, error) {
		if err := validateCaller(userID, req); err != nil {
			return Receipt{}, err
		}
		acc, err := e.owned(ctx, userID, req.Account)
		if err != nil {
			return Receipt{}, err
		}
		limitErr, err := e.ceiling(ctx, acc.Currency, req.Amount, e.policy.DepositCeiling)
		if err != nil {
			return Receipt{}, err
		}

		var (
			balance decimal.Decimal
			entry   Transaction
		)
		err = e.commit(ctx, []string{acc.Number}, func(tx Tx) error {
			cur, err := e.lockedOwned(ctx, tx, userID, acc.Number)
			if err != nil {
				return err
			}
			if err := e.creditDebtGate(ctx, tx, cur); err != nil {
				return err
			}
			if limitErr != nil {
				return limitErr
			}
			balance = cur.Balance.Add(req.Amount).Add(e.policy.DepositBonus(req.Amount))
			if err := tx.SetBalance(ctx, cur.Number, balance); err != nil {
				return err
			}
			entry, err = tx.Append(ctx, Transaction{
				FromAccount: cur.Number,
				ToAccount:   cur.Number,
				Amount:      req.Amount,
				Currency:    cur.Currency,
				Method:      MethodDeposit,
			})
			return err
		})
		if err != nil {
			return Receipt{}, err
		}
		return Receipt{Account: acc.Number, Balance: balance, Entry: entry}, nil
	})
}

// Withdraw debits amount from an account of userID.
func (e *Engine) Withdraw(ctx context.Context, userID string, req WithdrawRequest) (Receipt, error) {
	return e.run(ctx, MethodWithdraw, userID, func(ctx context.Context) (Receipt, error) {
		if err := validateCaller(userID, req); err != nil {
			return Receipt{}, err
		}
		acc, err := e.owned(ctx, userID, req.Account)
		if err != nil {
			return Receipt{}, err
		}
		limitErr, err := e.ceiling(ctx, acc.Currency, req.Amount, e.policy.OperationCeiling)
		if err != nil {
			return Receipt{}, err
		}

		var (
			balance decimal.Decimal
			entry   Transaction
		)
		err = e.commit(ctx, []string{acc.Number}, func(tx Tx) error {
			cur, err := e.lockedOwned(ctx, tx, userID, acc.Number)
			if err != nil {
				return err
			}
			if err := e.creditDebtGate(ctx, tx, cur); err != nil {
				return err
			}
			if limitErr != nil {
				return limitErr
			}
			if err := CheckFunds(cur.Balance, req.Amount); err != nil {
				return err
			}
			balance = cur.Balance.Sub(req.Amount)
			if err := tx.SetBalance(ctx, cur.Number, balance); err != nil {
				return err
			}
			entry, err = tx.Append(ctx, Transaction{
				FromAccount: cur.Number,
				ToAccount:   cur.Number,
				Amount:      req.Amount,
				Currency:    cur.Currency,
				Method:      MethodWithdraw,
			})
			return err
		})
		if err != nil {
			return Receipt{}, err
		}
		return Receipt{Account: acc.Number, Balance: balance, Entry: entry}, nil
	})
}

// TransferByPhone moves amount to the primary account of the user that owns
// req.Phone.
func (e *Engine) TransferByPhone(ctx context.Context, userID string, req PhoneTransferRequest) (Receipt, error) {
	return e.run(ctx, MethodSBP, userID, func(ctx context.Context) (Receipt, error) {
		if err := validateCaller(userID, req); err != nil {
			return Receipt{}, err
		}
		src, err := e.owned(ctx, userID, req.Account)
		if err != nil {
			return Receipt{}, err
		}
		recipient, err := e.users.UserByPhone(ctx, req.Phone)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				return Receipt{}, ErrPhoneNotFound
			}
			return Receipt{}, fmt.Errorf("resolve phone: %w", err)
		}
		dst, err := e.store.PrimaryAccount(ctx, recipient)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				return Receipt{}, ErrNoPrimaryAccount
			}
			return Receipt{}, fmt.Errorf("resolve primary account: %w", err)
		}
		rec, err := e.transfer(ctx, userID, MethodSBP, src, dst, req.Amount, true)
		if err != nil {
			return Receipt{}, err
		}
		rec.Phone = req.Phone
		return rec, nil
	})
}

// TransferByAccount moves amount to the account numbered req.ToAccount.
// Transfers between two accounts of the same user skip the credit-debt gate.
func (e *Engine) TransferByAccount(ctx context.Context, userID string, req AccountTransferRequest) (Receipt, error) {
	return e.run(ctx, MethodAccount, userID, func(ctx context.Context) (Receipt, error) {
		if err := validateCaller(userID, req); err != nil {
			return Receipt{}, err
		}
		src, err := e.owned(ctx, userID, req.Account)
		if err != nil {
			return Receipt{}, err
		}
		dst, err := e.store.AccountByNumber(ctx, req.ToAccount)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				return Receipt{}, ErrDestinationMissing
			}
			return Receipt{}, fmt.Errorf("resolve destination: %w", err)
		}
		return e.transfer(ctx, userID, MethodAccount, src, dst, req.Amount, dst.UserID != userID)
	})
}

func (e *Engine) transfer(ctx context.Context, userID string, m Method, src, dst Account, amount decimal.Decimal, gate bool) (Receipt, error) {
	if src.Number == dst.Number {
		return Receipt{}, ErrSameAccount
	}
	var (
		balance decimal.Decimal
		entry   Transaction
	)
	err := e.commit(ctx, []string{src.Number, dst.Number}, func(tx Tx) error {
		from, err := e.lockedOwned(ctx, tx, userID, src.Number)
		if err != nil {
			return err
		}
		to, err := tx.Account(ctx, dst.Number)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				return ErrDestinationMissing
			}
			return err
		}
		if gate {
			if err := e.creditDebtGate(ctx, tx, from); err != nil {
				return err
			}
		}
		if err := CheckFunds(from.Balance, amount); err != nil {
			return err
		}
		balance = from.Balance.Sub(amount)
		if err := tx.SetBalance(ctx, from.Number, balance); err != nil {
			return err
		}
		if err := tx.SetBalance(ctx, to.Number, to.Balance.Add(amount)); err != nil {
			return err
		}
		entry, err = tx.Append(ctx, Transaction{
			FromAccount: from.Number,
			ToAccount:   to.Number,
			Amount:      amount,
			Currency:    from.Currency,
			Method:      m,
		})
		return err
	})
	if err != nil {
		return Receipt{}, err
	}
	return Receipt{Account: src.Number, Balance: balance, Counterparty: dst.Number, Entry: entry}, nil
}

// run wraps one operation with tracing, contention retry, metrics, logging
// and post-commit notification.
func (e *Engine) run(ctx context.Context, m Method, userID string, op func(context.Context) (Receipt, error)) (Receipt, error) {
	ctx, span := e.tracer.Start(ctx, "ledger."+strings.ToLower(string(m)),
		trace.WithAttributes(attribute.String("ledger.method", string(m))))
	defer span.End()

	start := time.Now()
	var (
		rec Receipt
		err error
	)
	for attempt := 0; ; attempt++ {
		rec, err = op(ctx)
		if err == nil || !Retryable(err) || attempt >= e.retries {
			break
		}
		span.AddEvent("retry", trace.WithAttributes(attribute.Int("attempt", attempt+1)))
		if werr := sleep(ctx, retryDelay(e.backoff, attempt)); werr != nil {
			break
		}
	}

	kind := KindOf(err)
	if err != nil {
		obs.ObserveOperation(string(m), kind, time.Since(start))
		span.RecordError(err)
		span.SetStatus(codes.Error, kind)
		e.logger.Debug("ledger operation rejected",
			zap.String("method", string(m)),
			zap.String("user_id", userID),
			zap.String("kind", kind),
			zap.Error(err),
		)
		return Receipt{}, err
	}

	obs.ObserveOperation(string(m), "ok", time.Since(start))
	span.SetAttributes(attribute.Int64("ledger.entry_id", rec.Entry.ID))
	e.logger.Info("ledger operation committed",
		zap.String("method", string(m)),
		zap.String("user_id", userID),
		zap.Int64("entry_id", rec.Entry.ID),
		zap.String("from", rec.Entry.FromAccount),
		zap.String("to", rec.Entry.ToAccount),
		zap.String("amount", rec.Entry.Amount.StringFixed(2)),
		zap.String("currency", string(rec.Entry.Currency)),
	)
	_ = audit.LogEvent(ctx, "ledger."+strings.ToLower(string(m)),
		zap.Int64("entry_id", rec.Entry.ID),
		zap.String("from", rec.Entry.FromAccount),
		zap.String("to", rec.Entry.ToAccount),
		zap.String("amount", rec.Entry.Amount.StringFixed(2)),
	)
	for _, o := range e.observers {
		o.Committed(ctx, rec.Entry)
	}
	return rec, nil
}

// commit locks numbers and runs fn as one unit of work.
func (e *Engine) commit(ctx context.Context, numbers []string, fn func(Tx) error) error {
	waitStart := time.Now()
	release, err := e.locker.Acquire(ctx, numbers...)
	obs.ObserveLockWait(time.Since(waitStart))
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return err
		}
		return Contention(err)
	}
	defer release()

	if err := e.store.Atomic(ctx, numbers, fn); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return Contention(err)
		}
		return err
	}
	return nil
}

// owned resolves number and checks it belongs to userID. Other users'
// accounts are reported as missing.
func (e *Engine) owned(ctx context.Context, userID, number string) (Account, error) {
	acc, err := e.store.AccountByNumber(ctx, number)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Account{}, ErrAccountNotFound
		}
		return Account{}, fmt.Errorf("resolve account: %w", err)
	}
	if acc.UserID != userID {
		return Account{}, ErrAccountNotFound
	}
	return acc, nil
}

func (e *Engine) lockedOwned(ctx context.Context, tx Tx, userID, number string) (Account, error) {
	acc, err := tx.Account(ctx, number)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Account{}, ErrAccountNotFound
		}
		return Account{}, err
	}
	if acc.UserID != userID {
		return Account{}, ErrAccountNotFound
	}
	return acc, nil
}

func (e *Engine) creditDebtGate(ctx context.Context, tx Tx, acc Account) error {
	if acc.Type != Debit {
		return nil
	}
	credits, err := tx.AccountsOfType(ctx, acc.UserID, Credit)
	if err != nil {
		return fmt.Errorf("load credit accounts: %w", err)
	}
	return e.policy.CheckCreditDebt(acc, credits)
}

// ceiling converts amount to base currency and compares it with limit. The
// policy error is returned separately so it can be reported after the
// credit-debt gate, which runs under lock.
func (e *Engine) ceiling(ctx context.Context, c currency.Code, amount, limit decimal.Decimal) (limitErr, err error) {
	if limit.IsZero() {
		return nil, nil
	}
	inBase := amount
	if c != e.policy.BaseCurrency {
		inBase, err = currency.ToBase(ctx, e.rates, c, amount)
		if err != nil {
			return nil, fmt.Errorf("convert %s to base currency: %w", c, err)
		}
	}
	return CheckCeiling(inBase, limit), nil
}

func validateCaller(userID string, req any) error {
	if strings.TrimSpace(userID) == "" {
		return ErrUserRequired
	}
	return ValidateRequest(req)
}

// maxRetryDelay caps a single contention backoff.
const maxRetryDelay = 2 * time.Second

// retryDelay returns base * 2^attempt, capped at maxRetryDelay.
func retryDelay(base time.Duration, attempt int) time.Duration {
	if base <= 0 {
		return 0
	}
	if base >= maxRetryDelay {
		return maxRetryDelay
	}
	for ; attempt > 0; attempt-- {
		base *= 2
		if base >= maxRetryDelay {
			return maxRetryDelay
		}
	}
	return base
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
