package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/bryan-buckman/speedyreader/internal/model"
	_ "modernc.org/sqlite"
)

// DB is the article cache. It owns the connection pool, the single-writer
// lock and the in-memory undo slot.
type DB struct {
	conn    *sql.DB
	dialect dialect
	now     func() time.Time

	// mu serializes every mutating operation. It also guards undo.
	mu   sync.Mutex
	undo *model.UndoSlot
}

var _ Store = (*DB)(nil)

// Option configures a DB.
type Option func(*DB)

// WithClock overrides the time source used for timestamps and eviction.
func WithClock(now func() time.Time) Option {
	return func(db *DB) { db.now = now }
}

// New opens or creates an SQLite database at the given path.
func New(path string, opts ...Option) (*DB, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("database path is required")
	}
	dsn := "file:" + filepath.Clean(path) +
		"?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_txlock=immediate"
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	return open(conn, sqliteDialect, opts)
}

func open(conn *sql.DB, d dialect, opts []Option) (*DB, error) {
	conn.SetMaxOpenConns(d.maxOpen)
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("ping %s: %w", d.name, err)
	}
	db := &DB{conn: conn, dialect: d, now: time.Now}
	for _, opt := range opts {
		opt(db)
	}
	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return db, nil
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

// DatabaseType returns the database backend name.
func (db *DB) DatabaseType() string {
	return db.dialect.name
}

func (db *DB) migrate() error {
	for _, stmt := range strings.Split(db.dialect.schema, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := db.conn.Exec(stmt); err != nil {
			return err
		}
	}
	// Default refresh interval (15 minutes minimum).
	_, err := db.conn.Exec(db.q("INSERT INTO settings (key, value) VALUES (?, ?) ON CONFLICT (key) DO NOTHING"),
		model.SettingRefreshInterval, "30")
	return err
}

// q rebinds placeholders for the active backend.
func (db *DB) q(query string) string {
	return db.dialect.rebind(query)
}

// write runs fn inside one transaction while holding the writer lock.
func (db *DB) write(ctx context.Context, op string, fn func(tx *sql.Tx) error) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.writeLocked(ctx, op, fn)
}

func (db *DB) writeLocked(ctx context.Context, op string, fn func(tx *sql.Tx) error) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return db.wrap(op, err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return db.wrap(op, err)
	}
	if err := tx.Commit(); err != nil {
		return db.wrap(op, err)
	}
	return nil
}

// wrap classifies err into the package's error kinds.
func (db *DB) wrap(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrConflict),
		errors.Is(err, ErrNothingToUndo), errors.Is(err, ErrIO):
		return fmt.Errorf("%s: %w", op, err)
	case errors.Is(err, sql.ErrNoRows):
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	case db.dialect.uniqueViol(err):
		return fmt.Errorf("%s: %w: %w", op, ErrConflict, err)
	default:
		return fmt.Errorf("%s: %w: %w", op, ErrIO, err)
	}
}

func toMillis(t time.Time) int64 {
	return t.UTC().UnixMilli()
}

func fromMillis(v int64) time.Time {
	return time.UnixMilli(v).UTC()
}

func nullMillis(t time.Time) sql.NullInt64 {
	if t.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: toMillis(t), Valid: true}
}

func fromNullMillis(v sql.NullInt64) time.Time {
	if !v.Valid {
		return time.Time{}
	}
	return fromMillis(v.Int64)
}

// --- Settings Methods ---

// GetSetting retrieves a setting value.
func (db *DB) GetSetting(ctx context.Context, key string) (string, error) {
	var val string
	err := db.conn.QueryRowContext(ctx, db.q("SELECT value FROM settings WHERE key = ?"), key).Scan(&val)
	if err != nil {
		return "", db.wrap("get setting", err)
	}
	return val, nil
}

// SetSetting saves a setting.
func (db *DB) SetSetting(ctx context.Context, key, value string) error {
	return db.write(ctx, "set setting", func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			db.q("INSERT INTO settings (key, value) VALUES (?, ?) ON CONFLICT (key) DO UPDATE SET value = excluded.value"),
			key, value)
		return err
	})
}

// GetRefreshInterval returns the refresh interval in minutes, with a minimum of 15.
func (db *DB) GetRefreshInterval(ctx context.Context, fallback int) (int, error) {
	mins := fallback
	val, err := db.GetSetting(ctx, model.SettingRefreshInterval)
	switch {
	case errors.Is(err, ErrNotFound):
	case err != nil:
		return fallback, err
	default:
		if _, scanErr := fmt.Sscanf(val, "%d", &mins); scanErr != nil {
			mins = fallback
		}
	}
	if mins < 15 {
		mins = 15
	}
	return mins, nil
}
