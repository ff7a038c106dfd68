// Package http adapts error-returning handlers to chi.
package http

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"

	apperrors "github.com/chainsafe/trichain-bridge/pkg/app/errors"
)

// HandlerFunc is an http.HandlerFunc that reports failure by returning it.
type HandlerFunc func(http.ResponseWriter, *http.Request) error

// HandleError renders the error of h, if any, as a JSON error body.
func HandleError(h HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := h(w, r); err != nil {
			writeError(w, middleware.GetReqID(r.Context()), err)
		}
	}
}

type errorResponse struct {
	Error     string `json:"error"`
	Code      int    `json:"code"`
	Category  string `json:"category"`
	RequestID string `json:"request_id,omitempty"`
	Detail    any    `json:"detail,omitempty"`
}

// DetailError attaches a payload to the error body, such as the record of
// the operation that failed.
type DetailError struct {
	Err    error
	Detail any
}

func (e *DetailError) Error() string { return e.Err.Error() }
func (e *DetailError) Unwrap() error { return e.Err }

// DefaultErrorHandler writes err for callers outside a HandleError chain,
// such as middleware.
func DefaultErrorHandler(w http.ResponseWriter, err error) {
	writeError(w, "", err)
}

func writeError(w http.ResponseWriter, requestID string, err error) {
	var svcErr *apperrors.ServiceError
	if !errors.As(err, &svcErr) {
		svcErr = &apperrors.ServiceError{Category: apperrors.CategoryGeneralError, Message: "Unexpected Service Error"}
	}
	resp := &errorResponse{
		Error:     svcErr.Message,
		Code:      svcErr.StatusCode(),
		Category:  svcErr.Category.String(),
		RequestID: requestID,
	}
	var detailed *DetailError
	if errors.As(err, &detailed) {
		resp.Detail = detailed.Detail
	}
	_ = WriteJSON(w, svcErr.StatusCode(), resp)
}

// WriteJSON writes v with the given status code.
func WriteJSON(w http.ResponseWriter, status int, v any) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	return json.NewEncoder(w).Encode(v)
}
