package migrations

import (
	"context"
	"testing"
	"time"

	"github.com/uptrace/bun"
	"go.uber.org/zap"

	"github.com/chainsafe/trichain-bridge/pkg/config"
	"github.com/chainsafe/trichain-bridge/pkg/pgutil"
)

type checkpointDao struct {
	bun.BaseModel `bun:"table:checkpoints"`
	ID            int64     `bun:",pk,autoincrement"`
	Chain         string    `bun:",notnull,type:varchar(16)"`
	Slot          int64     `bun:",notnull"`
	CreatedAt     time.Time `bun:",nullzero,notnull,default:current_timestamp"`
}

func TestConnectDB_InvalidHost(t *testing.T) {
	cfg := &config.DatabaseConfig{
		Host:     "invalid-host-that-does-not-exist",
		Port:     5432,
		User:     "test",
		Password: "test",
		Database: "test",
		SSLMode:  "disable",
	}

	db, err := pgutil.ConnectDB(cfg)
	if err == nil {
		_ = db.Close()
		t.Error("ConnectDB() should fail with invalid host")
	}
}

func TestSchemaAndIndexes(t *testing.T) {
	db := pgutil.SetupTestDB(t)
	ctx := context.Background()

	if err := CreateSchema(ctx, db, &checkpointDao{}); err != nil {
		t.Fatalf("CreateSchema() failed: %v", err)
	}
	pgutil.AssertTables(t, db, true, "checkpoints")

	if err := CreateSchema(ctx, db, &checkpointDao{}); err != nil {
		t.Errorf("CreateSchema() second call failed: %v", err)
	}

	if err := CreateModelIndexes(ctx, db, &checkpointDao{}, "chain", "slot"); err != nil {
		t.Fatalf("CreateModelIndexes() failed: %v", err)
	}
	pgutil.AssertIndexes(t, db, "idx_checkpoints_chain", "idx_checkpoints_slot")

	if err := DropModelIndexes(ctx, db, &checkpointDao{}, "chain", "slot"); err != nil {
		t.Fatalf("DropModelIndexes() failed: %v", err)
	}

	if err := DropTables(ctx, db, &checkpointDao{}); err != nil {
		t.Fatalf("DropTables() failed: %v", err)
	}
	pgutil.AssertTables(t, db, false, "checkpoints")
}

func TestModelIndexName(t *testing.T) {
	if _, err := ModelIndexName(nil, nil, "chain"); err == nil {
		t.Error("expected an error for a nil model")
	}
}

func TestUpDown(t *testing.T) {
	db := pgutil.SetupTestDB(t)
	ctx := context.Background()
	table := Table{Model: &checkpointDao{}, Indexes: []string{"chain"}}

	if err := Up(table)(ctx, db); err != nil {
		t.Fatalf("Up failed: %v", err)
	}
	pgutil.AssertTables(t, db, true, "checkpoints")
	pgutil.AssertIndexes(t, db, "idx_checkpoints_chain")

	if err := Down(table)(ctx, db); err != nil {
		t.Fatalf("Down failed: %v", err)
	}
	pgutil.AssertTables(t, db, false, "checkpoints")
}

func TestRunMigrations_BadCommand(t *testing.T) {
	ctx := context.Background()
	if err := RunMigrations(ctx, nil, zap.NewNop()); err == nil {
		t.Error("expected an error without a command")
	}
	if err := RunMigrations(ctx, nil, zap.NewNop(), "sideways"); err == nil {
		t.Error("expected an error for an unknown command")
	}
}
