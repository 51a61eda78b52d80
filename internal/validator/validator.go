package validator

import (
	"errors"
	"fmt"
	"reflect"
	"regexp"
	"strings"
	"sync"

	"marketplace/internal/money"

	playground "github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
)

var (
	ErrInvalidUsername = errors.New("invalid username")
	ErrInvalidPassword = errors.New("invalid password")
	ErrInvalidAmount   = errors.New("invalid amount")
)

var usernameRegex = regexp.MustCompile(`^[a-z0-9_]{3,30}$`)

var (
	once     sync.Once
	validate *playground.Validate
)

func instance() *playground.Validate {
	once.Do(func() {
		validate = playground.New(playground.WithRequiredStructEnabled())
		validate.RegisterTagNameFunc(func(field reflect.StructField) string {
			name := strings.SplitN(field.Tag.Get("json"), ",", 2)[0]
			if name == "" || name == "-" {
				return field.Name
			}
			return name
		})
		_ = validate.RegisterValidation("username", func(fl playground.FieldLevel) bool {
			return ValidateUsername(fl.Field().String()) == nil
		})
		// Decimals are validated through their string form.
		validate.RegisterCustomTypeFunc(func(field reflect.Value) any {
			if value, ok := field.Interface().(decimal.Decimal); ok {
				return value.String()
			}
			return nil
		}, decimal.Decimal{})
		_ = validate.RegisterValidation("amount", func(fl playground.FieldLevel) bool {
			value, err := decimal.NewFromString(fl.Field().String())
			return err == nil && money.Validate(value) == nil
		})
	})
	return validate
}

// Struct validates request payloads by their `validate` tags. The returned
// error names the first failing field.
func Struct(payload any) error {
	err := instance().Struct(payload)
	if err == nil {
		return nil
	}
	var fieldErrs playground.ValidationErrors
	if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
		first := fieldErrs[0]
		return fmt.Errorf("invalid %s", strings.ToLower(first.Field()))
	}
	return err
}

// ValidateUsername accepts usernames in any case; they are stored lower-cased.
func ValidateUsername(username string) error {
	if !usernameRegex.MatchString(strings.ToLower(strings.TrimSpace(username))) {
		return ErrInvalidUsername
	}
	return nil
}

func ValidatePassword(password string) error {
	if len(password) < 8 || len(password) > 72 {
		return ErrInvalidPassword
	}
	return nil
}

func ValidateAmount(amount decimal.Decimal) error {
	if money.Validate(amount) != nil {
		return ErrInvalidAmount
	}
	return nil
}
