// Package errors maps failures onto API error categories
package errors

import (
	"errors"
	"net/http"
)

// Category classifies a failure for the API caller.
type Category int

// Categories are ordered: everything from CategoryDependencyFailure on is
// not the caller's fault.
const (
	CategoryDataError Category = iota + 1
	CategoryUnauthorized
	CategoryForbidden
	CategoryResourceNotFound
	// CategoryDataConflict: the transfer is past the point the request needs
	CategoryDataConflict
	// CategoryUnprocessable: a chain precondition refused a valid request
	CategoryUnprocessable
	// CategoryDependencyFailure: a chain node or price API failed
	CategoryDependencyFailure
	CategoryGeneralError
	// CategoryPartialCompletion: leg 1 moved value and leg 2 did not
	CategoryPartialCompletion
	// CategoryRecovering: failing now, expected to recover without intervention
	CategoryRecovering
)

type categoryInfo struct {
	name     string
	status   int
	fallback string
}

var categories = map[Category]categoryInfo{
	CategoryDataError:         {"data_error", http.StatusBadRequest, "bad request"},
	CategoryUnauthorized:      {"unauthorized", http.StatusUnauthorized, "unauthorized"},
	CategoryForbidden:         {"forbidden", http.StatusForbidden, "request forbidden"},
	CategoryResourceNotFound:  {"not_found", http.StatusNotFound, "resource not found"},
	CategoryDataConflict:      {"conflict", http.StatusConflict, "conflict"},
	CategoryUnprocessable:     {"unprocessable", http.StatusUnprocessableEntity, "unprocessable"},
	CategoryDependencyFailure: {"dependency_failure", http.StatusBadGateway, "dependency failure"},
	CategoryGeneralError:      {"internal", http.StatusInternalServerError, "internal server error"},
	CategoryPartialCompletion: {"partial_completion", http.StatusInternalServerError, "transfer partially completed, manual reconciliation required"},
	CategoryRecovering:        {"recovering", http.StatusServiceUnavailable, "service unavailable"},
}

func (c Category) info() categoryInfo {
	if i, ok := categories[c]; ok {
		return i
	}
	return categories[CategoryGeneralError]
}

func (c Category) String() string { return c.info().name }

// ServiceError is the error type handlers return to the HTTP layer. Message
// is shown to the caller; Err is only logged.
type ServiceError struct {
	Category Category
	Message  string
	Err      error
}

func (err ServiceError) Error() string {
	if err.Err != nil {
		return err.Err.Error()
	}
	return err.Message
}

func (err ServiceError) Unwrap() error {
	return err.Err
}

// StatusCode is the HTTP status of the error's category.
func (err ServiceError) StatusCode() int {
	return err.Category.info().status
}

// Is reports whether err carries a ServiceError of category cat.
func Is(err error, cat Category) bool {
	var svcErr *ServiceError
	return errors.As(err, &svcErr) && svcErr.Category == cat
}

// IsInternalError reports whether err is not the caller's fault.
func IsInternalError(err error) bool {
	var svcErr *ServiceError
	return !errors.As(err, &svcErr) || svcErr.Category >= CategoryDependencyFailure
}

// New builds a ServiceError; a nil err is replaced by the category's
// generic description.
func New(cat Category, err error, message string) error {
	if err == nil {
		err = errors.New(cat.info().fallback)
	}
	if message == "" {
		message = cat.info().fallback
	}
	return &ServiceError{Category: cat, Message: message, Err: err}
}

// GeneralError hides err from the caller behind "Internal Server Error".
func GeneralError(err error) error {
	return New(CategoryGeneralError, err, "Internal Server Error")
}

func ResourceNotFoundError(err error, message string) error {
	return New(CategoryResourceNotFound, err, message)
}

func BadRequestError(err error, message string) error {
	return New(CategoryDataError, err, message)
}

func ForbiddenError(err error, message string) error {
	return New(CategoryForbidden, err, message)
}

func UnAuthorizedError(err error, message string) error {
	return New(CategoryUnauthorized, err, message)
}

func ConflictError(err error, message string) error {
	return New(CategoryDataConflict, err, message)
}

func UnprocessableError(err error, message string) error {
	return New(CategoryUnprocessable, err, message)
}

func DependencyFailureError(err error, message string) error {
	return New(CategoryDependencyFailure, err, message)
}

func PartialCompletionError(err error, message string) error {
	return New(CategoryPartialCompletion, err, message)
}

func RecoveringError(err error, message string) error {
	return New(CategoryRecovering, err, message)
}
