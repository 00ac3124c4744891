package validator

import (
	"errors"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate *validator.Validate

var creditPools = []string{"generation", "analysis"}

func init() {
	validate = validator.New()

	// Use JSON tag names in error messages
	validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})

	validate.RegisterValidation("credit_pool", func(fl validator.FieldLevel) bool {
		pool := fl.Field().String()
		for _, p := range creditPools {
			if pool == p {
				return true
			}
		}
		return false
	})
}

// Validate validates a struct and returns a map of field errors
func Validate(s interface{}) map[string]string {
	err := validate.Struct(s)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return map[string]string{"_": "Invalid request"}
	}

	out := make(map[string]string, len(verrs))
	for _, fe := range verrs {
		field := fe.Field()
		switch fe.Tag() {
		case "required":
			out[field] = "This field is required"
		case "min":
			out[field] = "Value is too small (min: " + fe.Param() + ")"
		case "max":
			out[field] = "Value is too large (max: " + fe.Param() + ")"
		case "credit_pool":
			out[field] = "Invalid pool. Must be: " + strings.Join(creditPools, " or ")
		default:
			out[field] = "Invalid value"
		}
	}
	return out
}
