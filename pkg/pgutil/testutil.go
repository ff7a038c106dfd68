package pgutil

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/migrate"

	"github.com/chainsafe/trichain-bridge/pkg/config"
)

const (
	testImage    = "postgres:15-alpine"
	testDatabase = "bridge_test"
	testUser     = "bridge"
	testPassword = "bridge"
)

func dockerAvailable() bool {
	if os.Getenv("DOCKER_HOST") != "" {
		return true
	}
	for _, sock := range []string{
		"/var/run/docker.sock",
		filepath.Join(os.Getenv("HOME"), ".docker/run/docker.sock"),
	} {
		conn, err := (&net.Dialer{Timeout: time.Second}).Dial("unix", sock)
		if err == nil {
			_ = conn.Close()
			return true
		}
	}
	return false
}

// SetupTestDB starts a throwaway Postgres container and connects to it. The
// container is terminated when the test finishes; without docker the test is
// skipped.
func SetupTestDB(t *testing.T) *bun.DB {
	t.Helper()
	if !dockerAvailable() {
		t.Skip("docker is not available, skipping postgres test")
	}
	ctx := context.Background()

	container, err := postgres.Run(ctx, testImage,
		postgres.WithDatabase(testDatabase),
		postgres.WithUsername(testUser),
		postgres.WithPassword(testPassword),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(time.Minute),
		),
	)
	if err != nil {
		t.Fatalf("failed to start postgres: %v", err)
	}
	t.Cleanup(func() {
		if err := testcontainers.TerminateContainer(container); err != nil {
			t.Logf("failed to terminate postgres: %v", err)
		}
	})

	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("failed to resolve postgres host: %v", err)
	}
	port, err := container.MappedPort(ctx, "5432")
	if err != nil {
		t.Fatalf("failed to resolve postgres port: %v", err)
	}

	cfg := &config.DatabaseConfig{
		Host:     host,
		Port:     port.Int(),
		User:     testUser,
		Password: testPassword,
		Database: testDatabase,
		SSLMode:  "disable",
	}
	// the port can be mapped before postgres accepts connections on it
	db, err := retry.DoWithData(
		func() (*bun.DB, error) { return ConnectDB(cfg) },
		retry.Attempts(10),
		retry.Delay(100*time.Millisecond),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		t.Fatalf("failed to connect to postgres: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

// MigratedTestDB is SetupTestDB with every migration of ms applied.
func MigratedTestDB(t *testing.T, ms *migrate.Migrations) *bun.DB {
	t.Helper()
	db := SetupTestDB(t)
	ctx := context.Background()

	migrator := migrate.NewMigrator(db, ms)
	if err := migrator.Init(ctx); err != nil {
		t.Fatalf("failed to init migrations: %v", err)
	}
	if _, err := migrator.Migrate(ctx); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	return db
}

// AssertTables fails the test unless each table's presence matches present.
func AssertTables(t *testing.T, db *bun.DB, present bool, tables ...string) {
	t.Helper()
	for _, table := range tables {
		got := exists(t, db,
			"SELECT 1 FROM information_schema.tables WHERE table_schema = 'public' AND table_name = ?", table)
		if got != present {
			t.Errorf("table %s: exists = %v, want %v", table, got, present)
		}
	}
}

// AssertIndexes fails the test for every index that is missing.
func AssertIndexes(t *testing.T, db *bun.DB, indexes ...string) {
	t.Helper()
	for _, index := range indexes {
		if !exists(t, db, "SELECT 1 FROM pg_indexes WHERE schemaname = 'public' AND indexname = ?", index) {
			t.Errorf("index %s does not exist", index)
		}
	}
}

func exists(t *testing.T, db *bun.DB, query string, args ...any) bool {
	t.Helper()
	var found bool
	if err := db.NewSelect().ColumnExpr("EXISTS ("+query+")", args...).Scan(context.Background(), &found); err != nil {
		t.Fatalf("failed to query catalog: %v", err)
	}
	return found
}
