// Package db persists transfer outcomes, dropped relay jobs and monitor
// positions.
package db

import (
	"context"
	"errors"
	"time"

	"github.com/chainsafe/trichain-bridge/pkg/monitor"
	"github.com/chainsafe/trichain-bridge/pkg/relayqueue"
	"github.com/chainsafe/trichain-bridge/pkg/transfer"
)

// ErrNotFound is returned when a lookup finds no matching record.
var ErrNotFound = errors.New("record not found")

// DefaultListLimit caps list queries that do not set a limit.
const DefaultListLimit = 100

// OutcomeFilter narrows ListOutcomes.
type OutcomeFilter struct {
	Route  string
	Status transfer.Status
	Limit  int
}

// OutcomeStore persists orchestration outcomes.
type OutcomeStore interface {
	SaveOutcome(ctx context.Context, out *transfer.Outcome) error
	GetOutcome(ctx context.Context, id string) (*transfer.Outcome, error)
	// ListOutcomes returns the most recently started outcomes first.
	ListOutcomes(ctx context.Context, filter OutcomeFilter) ([]*transfer.Outcome, error)
	// ListUnreconciled returns terminal, non-completed outcomes whose leg 1
	// may have moved value and that no operator has resolved yet.
	ListUnreconciled(ctx context.Context) ([]*transfer.Outcome, error)
	MarkReconciled(ctx context.Context, id, note string, at time.Time) error
}

// RelayFailureStore persists jobs dropped by the relay queue.
type RelayFailureStore interface {
	SaveRelayFailure(ctx context.Context, f *relayqueue.Failure) error
	ListRelayFailures(ctx context.Context, limit int) ([]*relayqueue.Failure, error)
}

// Store is everything the bridge persists.
type Store interface {
	OutcomeStore
	RelayFailureStore
	monitor.StateStore
}

func limitOrDefault(limit int) int {
	if limit <= 0 {
		return DefaultListLimit
	}
	return limit
}
