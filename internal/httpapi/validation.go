package httpapi

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"qms/queue-engine/internal/models"

	"github.com/go-playground/validator/v10"
)

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name := strings.SplitN(field.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	if err := v.RegisterValidation("queue_source", isQueueSource); err != nil {
		panic("register queue_source validation: " + err.Error())
	}
	return v
}

func isQueueSource(fl validator.FieldLevel) bool {
	return models.ValidSource(fl.Field().String())
}

// validationMessage reports the first failing field by its JSON name.
func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return "invalid request payload"
	}
	fe := verrs[0]
	field := fe.Namespace()
	if i := strings.Index(field, "."); i >= 0 {
		field = field[i+1:]
	}
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", field)
	case "min":
		return fmt.Sprintf("%s must be at least %s", field, fe.Param())
	case "max":
		return fmt.Sprintf("%s must be at most %s", field, fe.Param())
	case "queue_source":
		return fmt.Sprintf("%s must be one of online, desk, morning_assignment", field)
	default:
		return fmt.Sprintf("%s failed %s validation", field, fe.Tag())
	}
}
