package bridgedb

import (
	"github.com/chainsafe/trichain-bridge/pkg/db/dao"
	mghelper "github.com/chainsafe/trichain-bridge/pkg/pgutil/migrations"
)

// one row per route monitor, keyed by name
var monitorStateTable = mghelper.Table{Model: &dao.MonitorStateDao{}}

func init() {
	Migrations.MustRegister(mghelper.Up(monitorStateTable), mghelper.Down(monitorStateTable))
}
