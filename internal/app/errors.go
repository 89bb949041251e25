package app

import (
	"errors"
	"net/http"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"synergysphere/api/internal/apperr"
	"synergysphere/api/internal/auth"
)

var validate = newValidator()

// newValidator reports fields by their JSON names.
func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name := strings.SplitN(field.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// mapError turns any service error into the JSON error triple. Unknown
// errors never leak their text.
func mapError(err error) (status int, code, message string, details any) {
	var domainErr *apperr.DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status(), domainErr.Code, domainErr.Message, domainErr.Details
	}
	if errors.Is(err, auth.ErrInvalidToken) || errors.Is(err, auth.ErrExpiredToken) {
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil
	}
	var validationErrs validator.ValidationErrors
	if errors.As(err, &validationErrs) {
		fields := make(map[string]string, len(validationErrs))
		for _, fieldErr := range validationErrs {
			fields[fieldErr.Field()] = fieldErr.Tag()
		}
		return http.StatusUnprocessableEntity, string(apperr.KindInvalidInput), "Validation failed", fields
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}

func validateBody(body any) error {
	return validate.Struct(body)
}
