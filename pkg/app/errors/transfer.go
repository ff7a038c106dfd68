package errors

import (
	"errors"

	"github.com/chainsafe/trichain-bridge/pkg/transfer"
)

// FromTransferError maps a bridge domain error onto a ServiceError. Errors
// that already are ServiceErrors pass through unchanged.
func FromTransferError(err error) error {
	if err == nil {
		return nil
	}
	var svcErr *ServiceError
	if errors.As(err, &svcErr) {
		return err
	}

	var (
		validation   *transfer.ValidationError
		insufficient *transfer.InsufficientBalanceError
		unknown      *transfer.BalanceUnknownError
		submission   *transfer.LegSubmissionError
		ambiguous    *transfer.AmbiguousSubmissionError
		partial      *transfer.PartialCompletionError
	)
	switch {
	case errors.As(err, &validation):
		return BadRequestError(err, validation.Error())
	case errors.Is(err, transfer.ErrNotFound):
		return ResourceNotFoundError(err, "transfer not found")
	case errors.Is(err, transfer.ErrRouteNotFound):
		return ResourceNotFoundError(err, err.Error())
	case errors.Is(err, transfer.ErrTooLate):
		return ConflictError(err, err.Error())
	case errors.As(err, &partial):
		return PartialCompletionError(err, partial.Error())
	case errors.As(err, &insufficient):
		return UnprocessableError(err, insufficient.Error())
	case errors.As(err, &unknown):
		return RecoveringError(err, "balance could not be read, try again later")
	case errors.As(err, &ambiguous):
		return DependencyFailureError(err, ambiguous.Error())
	case errors.As(err, &submission):
		return DependencyFailureError(err, submission.Error())
	default:
		return GeneralError(err)
	}
}
