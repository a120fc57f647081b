package ledger

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"bankcore.org/internal/currency"
)

const (
	accountNumberRule = "required,number,len=20"
	phoneRule         = "required,number,len=10"
)

var (
	validate     *validator.Validate
	validateOnce sync.Once
	errValidate  error
)

func initValidator() (*validator.Validate, error) {
	vld := validator.New(validator.WithRequiredStructEnabled())
	vld.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})

	rules := map[string]validator.Func{
		"positive_decimal": func(fl validator.FieldLevel) bool {
			d, ok := fl.Field().Interface().(decimal.Decimal)
			return ok && d.IsPositive()
		},
		"money": func(fl validator.FieldLevel) bool {
			d, ok := fl.Field().Interface().(decimal.Decimal)
			return ok && ValidateAmount(d) == nil
		},
		"account_type": func(fl validator.FieldLevel) bool {
			return AccountType(fl.Field().String()).Valid()
		},
		"currency_code": func(fl validator.FieldLevel) bool {
			return currency.Code(fl.Field().String()).Valid()
		},
	}
	for tag, fn := range rules {
		if err := vld.RegisterValidation(tag, fn); err != nil {
			return nil, fmt.Errorf("register %q: %w", tag, err)
		}
	}
	return vld, nil
}

func getValidator() (*validator.Validate, error) {
	validateOnce.Do(func() {
		validate, errValidate = initValidator()
	})
	return validate, errValidate
}

// fieldErrors maps a failing request field to its sentinel.
var fieldErrors = map[string]error{
	"account_number":    ErrInvalidAccount,
	"to_account_number": ErrInvalidAccount,
	"phone":             ErrInvalidPhone,
	"type":              ErrInvalidType,
	"currency":          ErrInvalidCurrency,
}

// ValidateRequest checks the validate tags of a request struct. The first
// failing field is reported as the matching ErrValidation sentinel.
func ValidateRequest(req any) error {
	vld, err := getValidator()
	if err != nil {
		return err
	}
	return mapValidation(vld.Struct(req))
}

func validateVar(value any, rule string) error {
	vld, err := getValidator()
	if err != nil {
		return err
	}
	return vld.Var(value, rule)
}

func mapValidation(err error) error {
	if err == nil {
		return nil
	}
	var fields validator.ValidationErrors
	if !errors.As(err, &fields) || len(fields) == 0 {
		return fmt.Errorf("%w: %w", ErrValidation, err)
	}
	fe := fields[0]
	switch fe.Tag() {
	case "positive_decimal":
		return ErrInvalidAmount
	case "money":
		return ErrAmountPrecision
	}
	if sentinel, ok := fieldErrors[fe.Field()]; ok {
		return sentinel
	}
	return fmt.Errorf("%w: %s failed %s check", ErrValidation, fe.Field(), fe.Tag())
}
