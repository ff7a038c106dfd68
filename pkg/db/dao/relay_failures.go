package dao

import "time"

// RelayFailureDao maps to the 'relay_failures' table: relay jobs the queue
// dropped after exhausting retries or on a non-retryable error.
type RelayFailureDao struct {
	tableName  struct{}  `bun:"table:relay_failures,alias:rf"` // nolint
	JobID      string    `json:"job_id" bun:",pk,type:varchar(64)"`
	Route      string    `json:"route" bun:",notnull,type:varchar(64)"`
	SourceTxID *string   `json:"source_tx_id" bun:",type:varchar(128)"`
	Sender     *string   `json:"sender" bun:",type:varchar(128)"`
	Recipient  string    `json:"recipient" bun:",notnull,type:varchar(128)"`
	Amount     string    `json:"amount" bun:",notnull,type:text"`
	AmountBase *string   `json:"amount_base" bun:",type:text"`
	Memo       *string   `json:"memo" bun:",type:text"`
	Retries    int       `json:"retries" bun:",notnull,default:0"`
	Error      string    `json:"error" bun:",notnull,type:text"`
	EnqueuedAt time.Time `json:"enqueued_at" bun:",notnull"`
	FailedAt   time.Time `json:"failed_at" bun:",notnull"`
}
