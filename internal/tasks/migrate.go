package tasks

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"sync"

	"github.com/pressly/goose/v3"

	"github.com/haasonsaas/nexus-agentcore/internal/observability"
)

//go:embed migrations/*.sql
var migrations embed.FS

// goose keeps its base FS, dialect and logger in package globals.
var gooseMu sync.Mutex

// MigrationStatus reports the schema version of a task database.
type MigrationStatus struct {
	Current int64 `json:"current"`
	Latest  int64 `json:"latest"`
}

// Pending reports whether migrations remain to be applied.
func (s MigrationStatus) Pending() bool {
	return s.Current < s.Latest
}

// Migrate applies all pending migrations from the embedded SQL files.
func Migrate(ctx context.Context, db *sql.DB, dialect string, logger *observability.Logger) error {
	gooseMu.Lock()
	defer gooseMu.Unlock()
	if err := setupGoose(dialect, logger); err != nil {
		return err
	}
	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}

// SchemaStatus returns the applied and latest available schema versions.
func SchemaStatus(ctx context.Context, db *sql.DB, dialect string) (MigrationStatus, error) {
	gooseMu.Lock()
	defer gooseMu.Unlock()
	if err := setupGoose(dialect, nil); err != nil {
		return MigrationStatus{}, err
	}
	current, err := goose.GetDBVersionContext(ctx, db)
	if err != nil {
		return MigrationStatus{}, fmt.Errorf("get db version: %w", err)
	}
	all, err := goose.CollectMigrations("migrations", 0, goose.MaxVersion)
	if err != nil {
		return MigrationStatus{}, fmt.Errorf("collect migrations: %w", err)
	}
	status := MigrationStatus{Current: current}
	if last, err := all.Last(); err == nil {
		status.Latest = last.Version
	}
	return status, nil
}

func setupGoose(dialect string, logger *observability.Logger) error {
	goose.SetBaseFS(migrations)
	gooseDialect := "postgres"
	if dialect == DialectSQLite {
		gooseDialect = "sqlite3"
	}
	if err := goose.SetDialect(gooseDialect); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}
	if logger == nil {
		logger = observability.NopLogger()
	}
	goose.SetLogger(gooseLogger{logger: logger})
	return nil
}

// gooseLogger routes goose output through the structured logger.
type gooseLogger struct {
	logger *observability.Logger
}

func (l gooseLogger) Printf(format string, v ...any) {
	l.logger.Info(context.Background(), fmt.Sprintf(format, v...), "component", "migrations")
}

func (l gooseLogger) Fatalf(format string, v ...any) {
	l.logger.Error(context.Background(), fmt.Sprintf(format, v...), "component", "migrations")
}
