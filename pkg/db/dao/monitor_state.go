package dao

import "time"

// MonitorStateDao maps to the 'monitor_state' table.
type MonitorStateDao struct {
	tableName       struct{}  `bun:"table:monitor_state"` // nolint
	Name            string    `json:"name" bun:",pk,type:varchar(64)"`
	LastSlot        int64     `json:"last_slot" bun:",notnull"`
	PreviousBalance string    `json:"previous_balance" bun:",notnull,type:text"`
	UpdatedAt       time.Time `json:"updated_at" bun:",notnull,nullzero,default:current_timestamp"`
}
