package bridgedb

import (
	"github.com/chainsafe/trichain-bridge/pkg/db/dao"
	mghelper "github.com/chainsafe/trichain-bridge/pkg/pgutil/migrations"
)

var relayFailuresTable = mghelper.Table{
	Model:   &dao.RelayFailureDao{},
	Indexes: []string{"failed_at"},
}

func init() {
	Migrations.MustRegister(mghelper.Up(relayFailuresTable), mghelper.Down(relayFailuresTable))
}
