package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/mihaimyh/goentitle/pkg/goentitle"
)

// Migrate applies the embedded schema migrations with goose. goose only speaks
// database/sql, so the pool is bridged through pgx's stdlib adapter.
func Migrate(ctx context.Context, pool *pgxpool.Pool, table string, logger goentitle.Logger) error {
	if logger == nil {
		logger = &goentitle.NoopLogger{}
	}
	if table == "" {
		table = "goose_db_version"
	}

	db := stdlib.OpenDBFromPool(pool)
	defer func() {
		if err := db.Close(); err != nil {
			logger.Error("failed to close migration connection", goentitle.F("error", err))
		}
	}()

	goose.SetBaseFS(migrations)
	goose.SetLogger(&gooseLogger{logger: logger})
	goose.SetTableName(table)

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("failed to set migration dialect: %w", err)
	}
	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}
	return nil
}

// gooseLogger routes goose's Printf-style output through goentitle.Logger
type gooseLogger struct {
	logger goentitle.Logger
}

func (l *gooseLogger) Fatalf(format string, v ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, v...))
}

func (l *gooseLogger) Printf(format string, v ...interface{}) {
	l.logger.Info(fmt.Sprintf(format, v...))
}
