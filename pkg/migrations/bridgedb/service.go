// Package bridgedb holds all the migrations for the bridge database
package bridgedb

import "github.com/uptrace/bun/migrate"

// Migrations is the ordered set registered by the numbered files of this package.
var Migrations = migrate.NewMigrations()
