package tasks

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq" // postgres driver
	_ "modernc.org/sqlite" // pure-Go sqlite driver
)

// SQL dialects.
const (
	DialectPostgres = "postgres"
	DialectSQLite   = "sqlite"
)

// SQLConfig holds connection settings for SQLStore.
type SQLConfig struct {
	Driver          string        `yaml:"driver"`
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnectTimeout  time.Duration `yaml:"connect_timeout"`
	AutoMigrate     bool          `yaml:"auto_migrate"`
}

// DefaultSQLConfig returns default connection settings.
func DefaultSQLConfig() SQLConfig {
	return SQLConfig{
		Driver:          DialectSQLite,
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
		ConnectTimeout:  10 * time.Second,
		AutoMigrate:     true,
	}
}

// SQLStore implements Store on postgres or sqlite.
type SQLStore struct {
	db      *sql.DB
	dialect string
	now     func() time.Time
}

// NewSQLStore wraps an open database.
func NewSQLStore(db *sql.DB, dialect string) (*SQLStore, error) {
	if db == nil {
		return nil, errors.New("db is required")
	}
	switch dialect {
	case DialectPostgres, DialectSQLite:
	default:
		return nil, fmt.Errorf("unsupported dialect %q", dialect)
	}
	return &SQLStore{db: db, dialect: dialect, now: time.Now}, nil
}

// OpenSQLStore opens the database named by cfg, pings it, and applies
// migrations when AutoMigrate is set.
func OpenSQLStore(ctx context.Context, cfg SQLConfig) (*SQLStore, error) {
	if cfg.DSN == "" {
		return nil, errors.New("dsn is required")
	}
	dialect := cfg.Driver
	if dialect == "" {
		dialect = DialectSQLite
	}
	db, err := sql.Open(dialect, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
	if dialect == DialectSQLite {
		// sqlite allows one writer; a single connection avoids SQLITE_BUSY.
		db.SetMaxOpenConns(1)
	}

	timeout := cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store, err := NewSQLStore(db, dialect)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if cfg.AutoMigrate {
		if err := Migrate(ctx, db, dialect, nil); err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	return store, nil
}

// DB exposes the underlying handle for migrations.
func (s *SQLStore) DB() *sql.DB {
	return s.db
}

// Dialect returns the store's SQL dialect.
func (s *SQLStore) Dialect() string {
	return s.dialect
}

// Close releases database resources.
func (s *SQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Get returns the session's list ordered by position.
func (s *SQLStore) Get(ctx context.Context, sessionID string) ([]Item, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT item_id, content, status, priority
		FROM task_items
		WHERE session_id = ?
		ORDER BY position`), sessionID)
	if err != nil {
		return nil, fmt.Errorf("get tasks: %w", err)
	}
	defer rows.Close()

	var items []Item
	for rows.Next() {
		var item Item
		var status, priority string
		if err := rows.Scan(&item.ID, &item.Content, &status, &priority); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		item.Status = Status(status)
		item.Priority = Priority(priority)
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tasks: %w", err)
	}
	return items, nil
}

// Replace deletes the session's rows and inserts items in one transaction.
func (s *SQLStore) Replace(ctx context.Context, sessionID string, items []Item) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, s.rebind(`DELETE FROM task_items WHERE session_id = ?`), sessionID); err != nil {
		return fmt.Errorf("clear tasks: %w", err)
	}
	insert := s.rebind(`
		INSERT INTO task_items (session_id, position, item_id, content, status, priority, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
	now := s.now().UTC()
	for i, item := range items {
		priority := item.Priority
		if priority == "" {
			priority = PriorityMedium
		}
		if _, err = tx.ExecContext(ctx, insert,
			sessionID, i, item.ID, item.Content, string(item.Status), string(priority), now,
		); err != nil {
			return fmt.Errorf("insert task %d: %w", i, err)
		}
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Delete removes the session's rows.
func (s *SQLStore) Delete(ctx context.Context, sessionID string) error {
	if _, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM task_items WHERE session_id = ?`), sessionID); err != nil {
		return fmt.Errorf("delete tasks: %w", err)
	}
	return nil
}

// rebind rewrites ? placeholders to $n for postgres.
func (s *SQLStore) rebind(query string) string {
	if s.dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
