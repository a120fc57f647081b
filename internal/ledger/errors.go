package ledger

import (
	"errors"
	"fmt"
)

// Error kinds. Every error returned by the engine wraps exactly one of them.
var (
	ErrValidation = errors.New("validation error")
	ErrNotFound   = errors.New("not found")
	ErrPolicy     = errors.New("policy violation")
	ErrContention = errors.New("contention")
)

var (
	ErrUserRequired       = fmt.Errorf("%w: user is required", ErrValidation)
	ErrInvalidAmount      = fmt.Errorf("%w: invalid amount (must be > 0)", ErrValidation)
	ErrAmountPrecision    = fmt.Errorf("%w: amount supports at most 2 fractional and 10 integer digits", ErrValidation)
	ErrInvalidAccount     = fmt.Errorf("%w: account number must be 20 digits", ErrValidation)
	ErrInvalidPhone       = fmt.Errorf("%w: phone must be 10 digits", ErrValidation)
	ErrInvalidType        = fmt.Errorf("%w: invalid account type", ErrValidation)
	ErrInvalidCurrency    = fmt.Errorf("%w: invalid currency", ErrValidation)
	ErrTypeImmutable      = fmt.Errorf("%w: account type cannot be changed", ErrValidation)
	ErrCurrencyImmutable  = fmt.Errorf("%w: account currency cannot be changed", ErrValidation)
	ErrBalanceReadOnly    = fmt.Errorf("%w: balance is changed only by operations", ErrValidation)
	ErrAccountNotFound    = fmt.Errorf("%w: account", ErrNotFound)
	ErrDestinationMissing = fmt.Errorf("%w: destination account", ErrNotFound)
	ErrPhoneNotFound      = fmt.Errorf("%w: phone", ErrNotFound)
	ErrNoPrimaryAccount   = fmt.Errorf("%w: recipient has no primary account", ErrNotFound)
	ErrCreditDebt         = fmt.Errorf("%w: uncovered credit debt", ErrPolicy)
	ErrLimitExceeded      = fmt.Errorf("%w: operation limit exceeded", ErrPolicy)
	ErrInsufficientFunds  = fmt.Errorf("%w: insufficient funds", ErrPolicy)
	ErrSameAccount        = fmt.Errorf("%w: source and destination accounts must differ", ErrPolicy)
	ErrLockTimeout        = fmt.Errorf("%w: account is busy, retry later", ErrContention)
)

// KindOf classifies err as "validation", "not_found", "policy", "contention"
// or "internal".
func KindOf(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrValidation):
		return "validation"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrPolicy):
		return "policy"
	case errors.Is(err, ErrContention):
		return "contention"
	default:
		return "internal"
	}
}

// Retryable reports whether repeating the same request may succeed.
func Retryable(err error) bool { return errors.Is(err, ErrContention) }

// Contention wraps a storage or lock failure as a retryable error.
func Contention(cause error) error {
	if cause == nil {
		return nil
	}
	if errors.Is(cause, ErrContention) {
		return cause
	}
	return fmt.Errorf("%w: %w", ErrLockTimeout, cause)
}
