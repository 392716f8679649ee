// Package apperror defines the error taxonomy shared by every planflow
// component and its mapping onto HTTP responses.
package apperror

import (
	"errors"
	"fmt"
	"net/http"
	"sort"

	"github.com/hengadev/errsx"
	"github.com/labstack/echo/v4"
)

var (
	// ErrNotFound is returned for missing records and for records that exist
	// only in another tenant; the two cases are indistinguishable to callers.
	ErrNotFound = errors.New("not found")
	// ErrSuspended is returned when the tenant is suspended or cancelled.
	ErrSuspended = errors.New("organization suspended")
	// ErrPermissionDenied is the sentinel every typed denial unwraps to.
	ErrPermissionDenied = errors.New("permission denied")
	// ErrConflict is returned when a conditional write finds the record in a
	// different state than the caller observed.
	ErrConflict = errors.New("conflict")
	// ErrValidation is the sentinel every ValidationError unwraps to.
	ErrValidation = errors.New("validation failed")
)

// ValidationError carries one message per offending input field.
type ValidationError struct {
	Fields errsx.Map
}

func (e *ValidationError) Error() string {
	if len(e.Fields) == 0 {
		return ErrValidation.Error()
	}
	return fmt.Sprintf("%s: %s", ErrValidation, e.Fields.Error())
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// FieldMessages flattens the field errors for JSON responses.
func (e *ValidationError) FieldMessages() map[string]string {
	out := make(map[string]string, len(e.Fields))
	for k, v := range e.Fields {
		out[k] = v.Error()
	}
	return out
}

// NewValidationError returns nil when fields is empty so callers can write
// `return apperror.NewValidationError(errs)` after collecting problems.
func NewValidationError(fields errsx.Map) error {
	if len(fields) == 0 {
		return nil
	}
	return &ValidationError{Fields: fields}
}

// Invalid is shorthand for a single-field validation failure.
func Invalid(field, message string) error {
	var errs errsx.Map
	errs.Set(field, errors.New(message))
	return &ValidationError{Fields: errs}
}

// Conflictf wraps ErrConflict with context.
func Conflictf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrConflict, fmt.Sprintf(format, args...))
}

// NotFoundf wraps ErrNotFound with context.
func NotFoundf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrNotFound, fmt.Sprintf(format, args...))
}

// deniedRule is implemented by typed permission errors that name the rule
// which produced the denial.
type deniedRule interface {
	DeniedRule() string
}

// HTTPError maps an error from the service layer onto an echo.HTTPError.
// Anything outside the taxonomy becomes a generic 500 so internal detail
// never reaches the client.
func HTTPError(err error) *echo.HTTPError {
	if err == nil {
		return nil
	}

	var he *echo.HTTPError
	if errors.As(err, &he) {
		return he
	}

	var ve *ValidationError
	if errors.As(err, &ve) {
		return echo.NewHTTPError(http.StatusUnprocessableEntity, map[string]any{
			"error":  "validation failed",
			"fields": ve.FieldMessages(),
		})
	}

	var dr deniedRule
	switch {
	case errors.As(err, &dr):
		return echo.NewHTTPError(http.StatusForbidden, map[string]any{
			"error": "permission denied",
			"rule":  dr.DeniedRule(),
		})
	case errors.Is(err, ErrPermissionDenied):
		return echo.NewHTTPError(http.StatusForbidden, "permission denied")
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "not found")
	case errors.Is(err, ErrSuspended):
		return echo.NewHTTPError(http.StatusForbidden, "organization is not active")
	case errors.Is(err, ErrConflict):
		return echo.NewHTTPError(http.StatusConflict, "resource was modified concurrently; reload and retry")
	}
	return echo.NewHTTPError(http.StatusInternalServerError, "internal server error")
}

// SortedFields returns the offending field names in a stable order.
func SortedFields(err error) []string {
	var ve *ValidationError
	if !errors.As(err, &ve) {
		return nil
	}
	keys := make([]string, 0, len(ve.Fields))
	for k := range ve.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
