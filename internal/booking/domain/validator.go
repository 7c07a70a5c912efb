package domain

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (v ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", v.Field, v.Message)
}

type ValidationErrors []ValidationError

func (v ValidationErrors) Error() string {
	if len(v) == 0 {
		return ErrInvalidRequest.Error()
	}
	messages := make([]string, 0, len(v))
	for _, err := range v {
		messages = append(messages, err.Error())
	}
	return fmt.Sprintf("validation failed: %d error(s): [%s]", len(v), strings.Join(messages, "; "))
}

// Is lets callers match any validation failure with ErrInvalidRequest.
func (v ValidationErrors) Is(target error) bool {
	return target == ErrInvalidRequest
}

type RequestValidator struct {
	validate *validator.Validate
}

func NewRequestValidator() *RequestValidator {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name := strings.SplitN(field.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return field.Name
		}
		return name
	})
	// registration only fails on an empty tag
	_ = v.RegisterValidation("has_package", validateHasPackage)

	return &RequestValidator{validate: v}
}

func validateHasPackage(fl validator.FieldLevel) bool {
	items, ok := fl.Field().Interface().([]LineItem)
	if !ok {
		return false
	}
	for _, item := range items {
		if item.Kind == ItemKindPackage {
			return true
		}
	}
	return false
}

func (v *RequestValidator) Validate(req *ReserveRequest) error {
	if err := v.validate.Struct(req); err != nil {
		var validationErrs validator.ValidationErrors
		if errors.As(err, &validationErrs) {
			return translateValidationErrors(validationErrs)
		}
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	return nil
}

func translateValidationErrors(errs validator.ValidationErrors) ValidationErrors {
	out := make(ValidationErrors, 0, len(errs))
	for _, err := range errs {
		message := err.Error()
		field := strings.TrimPrefix(err.Namespace(), "ReserveRequest.")

		switch err.Tag() {
		case "required":
			message = fmt.Sprintf("%s is required", field)
		case "min":
			message = fmt.Sprintf("%s must have at least %s entries", field, err.Param())
		case "max":
			message = fmt.Sprintf("%s must be at most %s characters", field, err.Param())
		case "email":
			message = fmt.Sprintf("%s must be a valid email address", field)
		case "datetime":
			message = fmt.Sprintf("%s must be a date in YYYY-MM-DD format", field)
		case "oneof":
			message = fmt.Sprintf("%s must be one of [%s]", field, err.Param())
		case "gte":
			message = fmt.Sprintf("%s cannot be negative", field)
		case "gt":
			message = fmt.Sprintf("%s must be positive", field)
		case "has_package":
			message = "items must include at least one package"
		}

		out = append(out, ValidationError{Field: field, Message: message})
	}
	return out
}
