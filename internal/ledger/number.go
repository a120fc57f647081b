package ledger

import (
	"fmt"

	"bankcore.org/internal/currency"
)

const (
	branchCode   = "0001"
	controlDigit = "9"
	maxSerial    = 9_999_999
)

// AccountNumber renders the 20-digit account number:
//
//	[0:3]   balance account: 423 for Contribution, 408 otherwise
//	[3:5]   category: 00 for Contribution, 17 (resident individual) otherwise
//	[5:8]   numeric currency code
//	[8]     control digit
//	[9:13]  branch code
//	[13:20] zero-padded serial
//
// The serial is allocated by the store from a global sequence, so one user
// may hold several accounts of the same type and currency.
//
// External systems parse this layout; do not change it.
func AccountNumber(t AccountType, c currency.Code, serial int64) (string, error) {
	if !t.Valid() {
		return "", ErrInvalidType
	}
	if !c.Valid() {
		return "", ErrInvalidCurrency
	}
	if serial <= 0 || serial > maxSerial {
		return "", fmt.Errorf("account serial %d out of range", serial)
	}
	first, category := "408", "17"
	if t == Contribution {
		first, category = "423", "00"
	}
	return fmt.Sprintf("%s%s%s%s%s%07d", first, category, c.Numeric(), controlDigit, branchCode, serial), nil
}
