package relayqueue

import (
	"context"

	"go.uber.org/zap"
)

// FailureStore persists dropped jobs for operators.
type FailureStore interface {
	SaveRelayFailure(ctx context.Context, f *Failure) error
}

// StoreSink is a FailureSink that writes to a FailureStore.
type StoreSink struct {
	store  FailureStore
	logger *zap.Logger
}

// NewStoreSink creates a sink persisting into store.
func NewStoreSink(store FailureStore, logger *zap.Logger) *StoreSink {
	return &StoreSink{store: store, logger: logger}
}

// JobFailed persists f; a storage error is logged since the job is already dropped.
func (s *StoreSink) JobFailed(ctx context.Context, f Failure) {
	if err := s.store.SaveRelayFailure(ctx, &f); err != nil {
		s.logger.Error("Failed to persist relay failure",
			zap.String("job_id", f.Job.ID),
			zap.String("recipient", f.Job.Recipient),
			zap.Error(err))
	}
}
