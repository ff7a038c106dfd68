// Package migrations holds helpers shared by the bun migration sets and the
// migrate binary.
package migrations

import (
	"context"
	"flag"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/migrate"
	"go.uber.org/zap"
)

// Table describes one model table and the columns indexed on it.
type Table struct {
	Model   any
	Indexes []string
}

// Up returns a migration func creating every table with its indexes.
func Up(tables ...Table) migrate.MigrationFunc {
	return func(ctx context.Context, db *bun.DB) error {
		for _, t := range tables {
			if err := CreateSchema(ctx, db, t.Model); err != nil {
				return err
			}
			if err := CreateModelIndexes(ctx, db, t.Model, t.Indexes...); err != nil {
				return err
			}
		}
		return nil
	}
}

// Down reverts Up, tables in reverse order.
func Down(tables ...Table) migrate.MigrationFunc {
	return func(ctx context.Context, db *bun.DB) error {
		for i := len(tables) - 1; i >= 0; i-- {
			t := tables[i]
			if err := DropModelIndexes(ctx, db, t.Model, t.Indexes...); err != nil {
				return err
			}
			if err := DropTables(ctx, db, t.Model); err != nil {
				return err
			}
		}
		return nil
	}
}

// CreateSchema creates the tables of models that do not exist yet.
func CreateSchema(ctx context.Context, db bun.IDB, models ...any) error {
	for _, model := range models {
		if _, err := db.NewCreateTable().Model(model).IfNotExists().Exec(ctx); err != nil {
			return fmt.Errorf("failed to create table for %T: %w", model, err)
		}
	}
	return nil
}

// DropTables drops the tables of models, cascading.
func DropTables(ctx context.Context, db bun.IDB, models ...any) error {
	for _, model := range models {
		if _, err := db.NewDropTable().Model(model).IfExists().Cascade().Exec(ctx); err != nil {
			return fmt.Errorf("failed to drop table for %T: %w", model, err)
		}
	}
	return nil
}

// CreateModelIndexes creates idx_<table>_<column> for each column.
func CreateModelIndexes(ctx context.Context, db bun.IDB, model any, columns ...string) error {
	return eachIndex(db, model, columns, func(name, column string) error {
		_, err := db.NewCreateIndex().Model(model).Index(name).Column(column).IfNotExists().Exec(ctx)
		return err
	})
}

// DropModelIndexes drops the indexes CreateModelIndexes created.
func DropModelIndexes(ctx context.Context, db bun.IDB, model any, columns ...string) error {
	return eachIndex(db, model, columns, func(name, _ string) error {
		_, err := db.NewDropIndex().Model(model).Index(name).IfExists().Exec(ctx)
		return err
	})
}

func eachIndex(db bun.IDB, model any, columns []string, fn func(name, column string) error) error {
	for _, column := range columns {
		name, err := ModelIndexName(db, model, column)
		if err != nil {
			return err
		}
		if err := fn(name, column); err != nil {
			return fmt.Errorf("index %s: %w", name, err)
		}
	}
	return nil
}

// ModelIndexName is the index name used for column on model's table.
func ModelIndexName(db bun.IDB, model any, column string) (string, error) {
	if model == nil {
		return "", fmt.Errorf("model cannot be nil")
	}
	table := db.NewCreateIndex().Model(model).GetTableName()
	if table == "" {
		return "", fmt.Errorf("failed to resolve table name for model %T", model)
	}
	table = strings.NewReplacer(`"`, "", ".", "_").Replace(table)
	return fmt.Sprintf("idx_%s_%s", table, column), nil
}

type command struct {
	help   string
	locked bool
	run    func(ctx context.Context, m *migrate.Migrator, logger *zap.Logger) error
}

var commands = map[string]command{
	"init": {
		help: "create the migration bookkeeping tables",
		run: func(ctx context.Context, m *migrate.Migrator, logger *zap.Logger) error {
			if err := m.Init(ctx); err != nil {
				return err
			}
			logger.Info("Migration tables created")
			return nil
		},
	},
	"up": {
		help:   "apply every pending migration as one group",
		locked: true,
		run: func(ctx context.Context, m *migrate.Migrator, logger *zap.Logger) error {
			group, err := m.Migrate(ctx)
			if err != nil {
				return err
			}
			logGroup(logger, "Migrated", group)
			return nil
		},
	},
	"down": {
		help:   "roll back the last migration group",
		locked: true,
		run: func(ctx context.Context, m *migrate.Migrator, logger *zap.Logger) error {
			group, err := m.Rollback(ctx)
			if err != nil {
				return err
			}
			logGroup(logger, "Rolled back", group)
			return nil
		},
	},
	"status": {
		help: "log applied and pending migrations",
		run: func(ctx context.Context, m *migrate.Migrator, logger *zap.Logger) error {
			ms, err := m.MigrationsWithStatus(ctx)
			if err != nil {
				return err
			}
			logger.Info("Migration status",
				zap.String("migrations", ms.String()),
				zap.String("unapplied", ms.Unapplied().String()),
				zap.String("last_group", ms.LastGroup().String()))
			return nil
		},
	},
}

func logGroup(logger *zap.Logger, msg string, group *migrate.MigrationGroup) {
	if group.IsZero() {
		logger.Info("Nothing to do, database is up to date")
		return
	}
	logger.Info(msg, zap.String("group", group.String()))
}

// RunMigrations runs the command named by args[0]. up and down hold the
// migration lock.
func RunMigrations(ctx context.Context, migrator *migrate.Migrator, logger *zap.Logger, args ...string) error {
	if len(args) == 0 {
		return fmt.Errorf("no command provided")
	}
	cmd, ok := commands[args[0]]
	if !ok {
		return fmt.Errorf("unknown command: %s", args[0])
	}
	if !cmd.locked {
		return cmd.run(ctx, migrator, logger)
	}

	if err := migrator.Lock(ctx); err != nil {
		return fmt.Errorf("failed to acquire migration lock: %w", err)
	}
	defer func() {
		if err := migrator.Unlock(ctx); err != nil {
			logger.Warn("Failed to release migration lock", zap.Error(err))
		}
	}()
	return cmd.run(ctx, migrator, logger)
}

// Usage prints the commands and flags, then exits with status 2.
func Usage() {
	names := make([]string, 0, len(commands))
	for name := range commands {
		names = append(names, name)
	}
	sort.Strings(names)

	fmt.Fprintf(os.Stderr, "Usage: %s [-config path] <command>\n\nCommands:\n", os.Args[0])
	for _, name := range names {
		fmt.Fprintf(os.Stderr, "  %-7s %s\n", name, commands[name].help)
	}
	fmt.Fprintln(os.Stderr, "\nFlags:")
	flag.PrintDefaults()
	os.Exit(2)
}

// Exitf prints the message and the usage, then exits.
func Exitf(s string, args ...any) {
	fmt.Fprintf(os.Stderr, s+"\n", args...)
	Usage()
}
