package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/uptrace/bun"

	"github.com/chainsafe/trichain-bridge/pkg/db/dao"
	"github.com/chainsafe/trichain-bridge/pkg/monitor"
	"github.com/chainsafe/trichain-bridge/pkg/relayqueue"
	"github.com/chainsafe/trichain-bridge/pkg/transfer"
)

type pgStore struct {
	db *bun.DB
}

// NewStore creates a new postgres implementation of Store
func NewStore(db *bun.DB) *pgStore {
	return &pgStore{db: db}
}

// SaveOutcome inserts or rewrites the outcome row. Operator resolution
// columns are left untouched.
func (s *pgStore) SaveOutcome(ctx context.Context, out *transfer.Outcome) error {
	_, err := s.db.NewInsert().
		Model(toOutcomeDao(out)).
		On("CONFLICT (id) DO UPDATE").
		Set("state = EXCLUDED.state").
		Set("status = EXCLUDED.status").
		Set("abort_reason = EXCLUDED.abort_reason").
		Set("source_amount_base = EXCLUDED.source_amount_base").
		Set("rate = EXCLUDED.rate").
		Set("destination_amount = EXCLUDED.destination_amount").
		Set("destination_amount_base = EXCLUDED.destination_amount_base").
		Set("leg1_tx_id = EXCLUDED.leg1_tx_id").
		Set("leg2_tx_id = EXCLUDED.leg2_tx_id").
		Set("leg1 = EXCLUDED.leg1").
		Set("leg2 = EXCLUDED.leg2").
		Set("history = EXCLUDED.history").
		Set("error = EXCLUDED.error").
		Set("needs_reconciliation = EXCLUDED.needs_reconciliation").
		Set("finished_at = EXCLUDED.finished_at").
		Set("updated_at = current_timestamp").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to save outcome %s: %w", out.ID, err)
	}
	return nil
}

func (s *pgStore) GetOutcome(ctx context.Context, id string) (*transfer.Outcome, error) {
	d := new(dao.TransferOutcomeDao)
	err := s.db.NewSelect().
		Model(d).
		Where("id = ?", id).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get outcome: %w", err)
	}
	return fromOutcomeDao(d)
}

func (s *pgStore) ListOutcomes(ctx context.Context, filter OutcomeFilter) ([]*transfer.Outcome, error) {
	var daos []dao.TransferOutcomeDao
	query := s.db.NewSelect().
		Model(&daos).
		OrderExpr("started_at DESC").
		Limit(limitOrDefault(filter.Limit))
	if filter.Route != "" {
		query = query.Where("route = ?", filter.Route)
	}
	if filter.Status != "" {
		query = query.Where("status = ?", string(filter.Status))
	}
	if err := query.Scan(ctx); err != nil {
		return nil, fmt.Errorf("failed to list outcomes: %w", err)
	}
	return fromOutcomeDaos(daos)
}

func (s *pgStore) ListUnreconciled(ctx context.Context) ([]*transfer.Outcome, error) {
	var daos []dao.TransferOutcomeDao
	err := s.db.NewSelect().
		Model(&daos).
		Where("needs_reconciliation = ?", true).
		Where("reconciled_at IS NULL").
		OrderExpr("started_at ASC").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list unreconciled outcomes: %w", err)
	}
	return fromOutcomeDaos(daos)
}

func (s *pgStore) MarkReconciled(ctx context.Context, id, note string, at time.Time) error {
	res, err := s.db.NewUpdate().
		Model((*dao.TransferOutcomeDao)(nil)).
		Set("reconciled_at = ?", at).
		Set("reconcile_note = ?", note).
		Set("needs_reconciliation = ?", false).
		Set("updated_at = current_timestamp").
		Where("id = ?", id).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to mark outcome %s reconciled: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to mark outcome %s reconciled: %w", id, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *pgStore) SaveRelayFailure(ctx context.Context, f *relayqueue.Failure) error {
	_, err := s.db.NewInsert().
		Model(toRelayFailureDao(f)).
		On("CONFLICT (job_id) DO UPDATE").
		Set("retries = EXCLUDED.retries").
		Set("error = EXCLUDED.error").
		Set("failed_at = EXCLUDED.failed_at").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to save relay failure %s: %w", f.Job.ID, err)
	}
	return nil
}

func (s *pgStore) ListRelayFailures(ctx context.Context, limit int) ([]*relayqueue.Failure, error) {
	var daos []dao.RelayFailureDao
	err := s.db.NewSelect().
		Model(&daos).
		OrderExpr("failed_at DESC").
		Limit(limitOrDefault(limit)).
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list relay failures: %w", err)
	}
	failures := make([]*relayqueue.Failure, 0, len(daos))
	for i := range daos {
		f, err := fromRelayFailureDao(&daos[i])
		if err != nil {
			return nil, err
		}
		failures = append(failures, f)
	}
	return failures, nil
}

func (s *pgStore) GetMonitorState(ctx context.Context, name string) (*monitor.State, error) {
	d := new(dao.MonitorStateDao)
	err := s.db.NewSelect().
		Model(d).
		Where("name = ?", name).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get monitor state: %w", err)
	}
	return fromMonitorStateDao(d)
}

func (s *pgStore) SaveMonitorState(ctx context.Context, state *monitor.State) error {
	_, err := s.db.NewInsert().
		Model(toMonitorStateDao(state)).
		On("CONFLICT (name) DO UPDATE").
		Set("last_slot = EXCLUDED.last_slot").
		Set("previous_balance = EXCLUDED.previous_balance").
		Set("updated_at = EXCLUDED.updated_at").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to save monitor state: %w", err)
	}
	return nil
}

func fromOutcomeDaos(daos []dao.TransferOutcomeDao) ([]*transfer.Outcome, error) {
	outcomes := make([]*transfer.Outcome, 0, len(daos))
	for i := range daos {
		o, err := fromOutcomeDao(&daos[i])
		if err != nil {
			return nil, err
		}
		outcomes = append(outcomes, o)
	}
	return outcomes, nil
}
