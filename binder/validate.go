package binder

import (
	"errors"
	"net/http"
	"reflect"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"

	"github.com/dmitrymomot/mediagate/core"
)

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func instance() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
		// Report fields by their wire names so clients can map errors back.
		validate.RegisterTagNameFunc(func(f reflect.StructField) string {
			for _, tag := range []string{"json", "form", "path"} {
				if name := tagName(f, tag); name != "" {
					return name
				}
			}
			return f.Name
		})
	})
	return validate
}

// Validate runs `validate` struct tags on the bound value.
// Place it after the binders that populate the request.
func Validate() func(r *http.Request, v any) error {
	return func(_ *http.Request, v any) error {
		return Struct(v)
	}
}

// Struct validates v and converts failures into core.ValidationError.
func Struct(v any) error {
	err := instance().Struct(v)
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return err
	}

	ve := core.NewValidationError()
	for _, fe := range fieldErrs {
		ve.Add(fe.Field(), message(fe))
	}
	return ve
}

func message(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required", "required_without", "required_if":
		return "is required"
	case "email":
		return "must be a valid email"
	case "oneof":
		return "must be one of " + strings.ReplaceAll(fe.Param(), " ", ", ")
	case "min":
		return "must be at least " + fe.Param()
	case "max":
		return "must be at most " + fe.Param()
	case "uuid", "uuid4":
		return "must be a valid id"
	}
	return "is invalid"
}
