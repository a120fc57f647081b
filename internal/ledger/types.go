package ledger

import (
	"time"

	"github.com/shopspring/decimal"

	"bankcore.org/internal/currency"
)

// AccountType is the product kind of an account.
type AccountType string

const (
	Debit        AccountType = "Debit"
	Credit       AccountType = "Credit"
	Contribution AccountType = "Contribution"
)

func (t AccountType) Valid() bool {
	switch t {
	case Debit, Credit, Contribution:
		return true
	}
	return false
}

// Method tags how a ledger entry came to be.
type Method string

const (
	MethodDeposit  Method = "Deposit"
	MethodWithdraw Method = "Withdraw"
	MethodSBP      Method = "SBP"
	MethodAccount  Method = "Account"
)

// Account holds a balance in a single currency. Balances are fixed-point
// decimals with two fractional digits. No floats.
type Account struct {
	Number    string          `json:"number"`
	UserID    string          `json:"user_id"`
	Type      AccountType     `json:"type"`
	Currency  currency.Code   `json:"currency"`
	Balance   decimal.Decimal `json:"balance"`
	Primary   bool            `json:"primary"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Transaction is an immutable ledger entry for one committed operation.
// Deposits and withdrawals reference the same account on both sides.
type Transaction struct {
	ID          int64           `json:"id"`
	FromAccount string          `json:"from_account"`
	ToAccount   string          `json:"to_account"`
	Amount      decimal.Decimal `json:"amount"` // in the source account currency
	Currency    currency.Code   `json:"currency"`
	Method      Method          `json:"method"`
	CreatedAt   time.Time       `json:"created_at"`
}

// NewAccount is the input for opening an account. The store allocates the
// serial and derives the number.
type NewAccount struct {
	UserID   string
	Type     AccountType
	Currency currency.Code
	Primary  bool
}

// Receipt is the result of a committed money movement.
type Receipt struct {
	Account      string          `json:"account_number"`
	Balance      decimal.Decimal `json:"new_balance"`
	Counterparty string          `json:"to_account_number,omitempty"`
	Phone        string          `json:"to_phone,omitempty"`
	Entry        Transaction     `json:"transaction"`
}

// DepositRequest credits an account owned by the caller.
type DepositRequest struct {
	Account string          `json:"account_number" validate:"required,number,len=20"`
	Amount  decimal.Decimal `json:"amount" validate:"positive_decimal,money"`
}

// WithdrawRequest debits an account owned by the caller.
type WithdrawRequest struct {
	Account string          `json:"account_number" validate:"required,number,len=20"`
	Amount  decimal.Decimal `json:"amount" validate:"positive_decimal,money"`
}

// PhoneTransferRequest moves money to the primary account of the user that
// owns Phone.
type PhoneTransferRequest struct {
	Account string          `json:"account_number" validate:"required,number,len=20"`
	Phone   string          `json:"phone" validate:"required,number,len=10"`
	Amount  decimal.Decimal `json:"amount" validate:"positive_decimal,money"`
}

// AccountTransferRequest moves money to an account identified by number.
type AccountTransferRequest struct {
	Account   string          `json:"account_number" validate:"required,number,len=20"`
	ToAccount string          `json:"to_account_number" validate:"required,number,len=20"`
	Amount    decimal.Decimal `json:"amount" validate:"positive_decimal,money"`
}

// OpenRequest opens an additional account for the caller.
type OpenRequest struct {
	Type     AccountType   `json:"type" validate:"account_type"`
	Currency currency.Code `json:"currency" validate:"currency_code"`
	Primary  bool          `json:"primary"`
}

// AccountPatch lists fields a caller attempted to change. Nil means untouched.
// Only Primary is mutable.
type AccountPatch struct {
	Type     *AccountType     `json:"type,omitempty"`
	Currency *currency.Code   `json:"currency,omitempty"`
	Balance  *decimal.Decimal `json:"balance,omitempty"`
	Primary  *bool            `json:"primary,omitempty"`
}
