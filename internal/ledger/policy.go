package ledger

import (
	"fmt"

	"github.com/shopspring/decimal"

	"bankcore.org/internal/currency"
)

// Policy holds the business limits consulted by the engine. All amounts are
// in base-currency units.
type Policy struct {
	BaseCurrency currency.Code
	// OperationCeiling caps a single withdrawal, converted to base currency.
	OperationCeiling decimal.Decimal
	// DepositCeiling caps a single deposit the same way. Zero disables it.
	DepositCeiling decimal.Decimal
	// Deposits strictly above BonusThreshold earn BonusAmount.
	BonusThreshold decimal.Decimal
	BonusAmount    decimal.Decimal
	// A Debit operation is refused while any Credit account of the user is at
	// or below CreditDebtFloor.
	CreditDebtFloor decimal.Decimal
}

// DefaultPolicy returns the production limits.
func DefaultPolicy() Policy {
	return Policy{
		BaseCurrency:     currency.Base,
		OperationCeiling: decimal.NewFromInt(30_000),
		DepositCeiling:   decimal.NewFromInt(30_000),
		BonusThreshold:   decimal.NewFromInt(1_000_000),
		BonusAmount:      decimal.NewFromInt(2_000),
		CreditDebtFloor:  decimal.NewFromInt(-20_000),
	}
}

// CheckCreditDebt applies the credit-debt gate to an operation on acc, given
// the Credit accounts of the same user.
func (p Policy) CheckCreditDebt(acc Account, credits []Account) error {
	if acc.Type != Debit {
		return nil
	}
	for _, c := range credits {
		if c.Type != Credit || c.UserID != acc.UserID {
			continue
		}
		if c.Balance.LessThanOrEqual(p.CreditDebtFloor) {
			return fmt.Errorf("%w of %s on account %s", ErrCreditDebt, c.Balance.StringFixed(2), c.Number)
		}
	}
	return nil
}

// CheckCeiling compares an amount already converted to base currency with a
// ceiling. A zero ceiling means unlimited.
func CheckCeiling(inBase, ceiling decimal.Decimal) error {
	if ceiling.IsZero() {
		return nil
	}
	if inBase.GreaterThan(ceiling) {
		return fmt.Errorf("%w: %s exceeds %s", ErrLimitExceeded, inBase.StringFixed(2), ceiling.StringFixed(2))
	}
	return nil
}

// DepositBonus returns the flat bonus for amount. The comparison uses the
// nominal amount in the account currency.
func (p Policy) DepositBonus(amount decimal.Decimal) decimal.Decimal {
	if p.BonusAmount.IsPositive() && amount.GreaterThan(p.BonusThreshold) {
		return p.BonusAmount
	}
	return decimal.Zero
}

// CheckFunds refuses debits that would take the balance below zero.
func CheckFunds(balance, amount decimal.Decimal) error {
	if balance.Sub(amount).IsNegative() {
		return fmt.Errorf("%w: balance %s, requested %s", ErrInsufficientFunds, balance.StringFixed(2), amount.StringFixed(2))
	}
	return nil
}

const (
	amountScale = 2
	// Exponent and coefficient bounds are checked before any arithmetic so
	// that inputs like 1e-1000000000 are refused without rescaling.
	minAmountExp  = -(amountScale + 16)
	maxAmountExp  = 10
	maxAmountBits = 128
)

var maxAmount = decimal.New(1, maxAmountExp) // exclusive: 10 integer digits

// ValidateAmount checks that amount is positive with at most two fractional
// digits and ten integer digits.
func ValidateAmount(amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return ErrInvalidAmount
	}
	exp := amount.Exponent()
	if exp < minAmountExp || exp >= maxAmountExp {
		return ErrAmountPrecision
	}
	if coef := amount.Coefficient(); coef.BitLen() > maxAmountBits {
		return ErrAmountPrecision
	}
	if !amount.Equal(amount.Truncate(amountScale)) || amount.GreaterThanOrEqual(maxAmount) {
		return ErrAmountPrecision
	}
	return nil
}

// ValidatePhone checks the 10-digit national phone format.
func ValidatePhone(phone string) error {
	if validateVar(phone, phoneRule) != nil {
		return ErrInvalidPhone
	}
	return nil
}

// ValidateAccountNumber checks the 20-digit account number format.
func ValidateAccountNumber(number string) error {
	if validateVar(number, accountNumberRule) != nil {
		return ErrInvalidAccount
	}
	return nil
}
