package billing

import (
	"errors"
	"reflect"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
)

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func inputValidator() *validator.Validate {
	validateOnce.Do(func() {
		v := validator.New()
		// Report JSON field names.
		v.RegisterTagNameFunc(func(fld reflect.StructField) string {
			name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
			if name == "-" {
				return ""
			}
			return name
		})
		// Decimals compare as floats for gt/gte/lt tags.
		v.RegisterCustomTypeFunc(func(field reflect.Value) any {
			if d, ok := field.Interface().(decimal.Decimal); ok {
				f, _ := d.Float64()
				return f
			}
			return nil
		}, decimal.Decimal{})
		validate = v
	})
	return validate
}

// validateInput runs struct tag validation and converts the first failure
// into a *ValidationError.
func validateInput(in any) error {
	err := inputValidator().Struct(in)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) || len(fieldErrs) == 0 {
		return err
	}
	fe := fieldErrs[0]
	return NewValidationError(fe.Field(), validationMessage(fe))
}

func validationMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "This field is required."
	case "gt":
		if fe.Param() == "0" {
			return "Must be greater than 0."
		}
		return "Must be greater than " + fe.Param() + "."
	case "gte":
		return "Must be at least " + fe.Param() + "."
	case "max":
		return "Must be at most " + fe.Param() + " characters."
	case "oneof":
		return "Must be one of: " + fe.Param() + "."
	case "email":
		return "Invalid email format."
	default:
		return "Invalid value."
	}
}
