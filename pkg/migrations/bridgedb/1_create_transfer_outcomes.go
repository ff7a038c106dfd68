package bridgedb

import (
	"github.com/chainsafe/trichain-bridge/pkg/db/dao"
	mghelper "github.com/chainsafe/trichain-bridge/pkg/pgutil/migrations"
)

var outcomesTable = mghelper.Table{
	Model:   &dao.TransferOutcomeDao{},
	Indexes: []string{"status", "route", "leg1_tx_id", "needs_reconciliation"},
}

func init() {
	Migrations.MustRegister(mghelper.Up(outcomesTable), mghelper.Down(outcomesTable))
}
