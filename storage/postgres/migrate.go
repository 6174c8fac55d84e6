package postgres

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/mihaimyh/gomembership/pkg/membership"
)

//go:embed migrations/*.sql
var migrations embed.FS

const migrationsTable = "membership_migrations"

// Migrate applies the embedded schema migrations through goose.
// goose speaks database/sql, so the pool is bridged with pgx's stdlib adapter.
func Migrate(ctx context.Context, pool *pgxpool.Pool, logger membership.Logger) error {
	return withGoose(pool, logger, func(db *sql.DB) error {
		if err := goose.UpContext(ctx, db, "migrations"); err != nil {
			return fmt.Errorf("failed to apply migrations: %w", err)
		}
		return nil
	})
}

// Rollback reverts the most recent migration
func Rollback(ctx context.Context, pool *pgxpool.Pool, logger membership.Logger) error {
	return withGoose(pool, logger, func(db *sql.DB) error {
		if err := goose.DownContext(ctx, db, "migrations"); err != nil {
			return fmt.Errorf("failed to roll back migration: %w", err)
		}
		return nil
	})
}

// Version returns the current schema version
func Version(ctx context.Context, pool *pgxpool.Pool, logger membership.Logger) (version int64, err error) {
	err = withGoose(pool, logger, func(db *sql.DB) error {
		version, err = goose.GetDBVersionContext(ctx, db)
		if err != nil {
			return fmt.Errorf("failed to read schema version: %w", err)
		}
		return nil
	})
	return version, err
}

func withGoose(pool *pgxpool.Pool, logger membership.Logger, fn func(db *sql.DB) error) error {
	if logger == nil {
		logger = &membership.NoopLogger{}
	}
	db := stdlib.OpenDBFromPool(pool)
	defer func() {
		if err := db.Close(); err != nil {
			logger.Error("failed to close migration connection", membership.F("error", err))
		}
	}()

	goose.SetBaseFS(migrations)
	goose.SetLogger(gooseLogger{logger: logger})
	goose.SetTableName(migrationsTable)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("failed to set migration dialect: %w", err)
	}
	return fn(db)
}

// gooseLogger routes goose's Printf-style output through membership.Logger
type gooseLogger struct {
	logger membership.Logger
}

func (l gooseLogger) Fatalf(format string, v ...any) {
	l.logger.Error(strings.TrimSpace(fmt.Sprintf(format, v...)))
}

func (l gooseLogger) Printf(format string, v ...any) {
	l.logger.Info(strings.TrimSpace(fmt.Sprintf(format, v...)))
}
