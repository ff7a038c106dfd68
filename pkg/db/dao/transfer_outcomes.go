package dao

import (
	"time"

	"github.com/uptrace/bun"

	"github.com/chainsafe/trichain-bridge/pkg/transfer"
)

// TransferOutcomeDao maps to the 'transfer_outcomes' table. One row per
// orchestration run, rewritten at every checkpoint.
type TransferOutcomeDao struct {
	bun.BaseModel `bun:"table:transfer_outcomes,alias:tro"`

	ID                    string                `json:"id" bun:",pk,type:varchar(64)"`
	Route                 string                `json:"route" bun:",notnull,type:varchar(64)"`
	State                 string                `json:"state" bun:",notnull,type:varchar(32)"`
	Status                string                `json:"status" bun:",notnull,type:varchar(32)"`
	AbortReason           *string               `json:"abort_reason" bun:",type:varchar(32)"`
	SourceChain           string                `json:"source_chain" bun:",notnull,type:varchar(16)"`
	DestinationChain      string                `json:"destination_chain" bun:",notnull,type:varchar(16)"`
	SourceAccount         string                `json:"source_account" bun:",notnull,type:varchar(128)"`
	DestinationAccount    string                `json:"destination_account" bun:",notnull,type:varchar(128)"`
	Amount                string                `json:"amount" bun:",notnull,type:text"`
	Memo                  *string               `json:"memo" bun:",type:text"`
	SourceAmountBase      *string               `json:"source_amount_base" bun:",type:text"`
	Rate                  *string               `json:"rate" bun:",type:text"`
	DestinationAmount     *string               `json:"destination_amount" bun:",type:text"`
	DestinationAmountBase *string               `json:"destination_amount_base" bun:",type:text"`
	Leg1TxID              *string               `json:"leg1_tx_id" bun:"leg1_tx_id,type:varchar(128)"`
	Leg2TxID              *string               `json:"leg2_tx_id" bun:"leg2_tx_id,type:varchar(128)"`
	Leg1                  *transfer.LegResult   `json:"leg1" bun:"leg1,type:jsonb"`
	Leg2                  *transfer.LegResult   `json:"leg2" bun:"leg2,type:jsonb"`
	History               []transfer.Transition `json:"history" bun:",type:jsonb"`
	Error                 *string               `json:"error" bun:",type:text"`
	NeedsReconciliation   bool                  `json:"needs_reconciliation" bun:",notnull,default:false"`
	StartedAt             time.Time             `json:"started_at" bun:",notnull"`
	FinishedAt            *time.Time            `json:"finished_at"`
	ReconciledAt          *time.Time            `json:"reconciled_at"`
	ReconcileNote         *string               `json:"reconcile_note" bun:",type:text"`
	UpdatedAt             time.Time             `json:"updated_at" bun:",notnull,nullzero,default:current_timestamp"`
}
