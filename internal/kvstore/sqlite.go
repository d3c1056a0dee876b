package kvstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	// Pure-Go SQLite driver (no CGO).
	_ "modernc.org/sqlite"
)

// stateDirPermissions restricts the state directory to the owner.
const stateDirPermissions = 0o700

const (
	sqlGet = `SELECT value FROM kv WHERE key = ?`

	sqlSet = `INSERT INTO kv (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
		 value = excluded.value,
		 updated_at = excluded.updated_at`

	sqlDelete = `DELETE FROM kv WHERE key = ?`
)

// SQLiteStore is a Store backed by a single-table SQLite database in WAL
// mode with synchronous=FULL, so an acknowledged Set survives a crash.
type SQLiteStore struct {
	db      *sql.DB
	logger  *slog.Logger
	nowFunc func() time.Time
	version int64
}

// OpenSQLite opens (creating if necessary) the database at dbPath and runs
// migrations. Use ":memory:" for tests that do not need a file.
func OpenSQLite(ctx context.Context, dbPath string, logger *slog.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = slog.Default()
	}

	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), stateDirPermissions); err != nil {
			return nil, fmt.Errorf("kvstore: creating state directory: %w", err)
		}
	}

	// DSN parameters ensure pragmas apply to every connection from the pool.
	dsn := fmt.Sprintf(
		"file:%s?_pragma=journal_mode(WAL)&_pragma=synchronous(FULL)"+
			"&_pragma=busy_timeout(5000)&_pragma=journal_size_limit(67108864)",
		dbPath,
	)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("kvstore: opening database %s: %w", dbPath, err)
	}

	// Sole-writer pattern: only one connection writes at a time.
	db.SetMaxOpenConns(1)

	version, err := migrate(ctx, db, logger)
	if err != nil {
		db.Close()
		return nil, err
	}

	logger.Info("state store ready",
		slog.String("db_path", dbPath),
		slog.Int64("schema_version", version),
	)

	return &SQLiteStore{db: db, logger: logger, nowFunc: time.Now, version: version}, nil
}

// SchemaVersion returns the schema version the store was opened at.
func (s *SQLiteStore) SchemaVersion() int64 {
	return s.version
}

// Get returns the stored value or ErrNotFound.
func (s *SQLiteStore) Get(ctx context.Context, key string) (string, error) {
	var value string

	err := s.db.QueryRowContext(ctx, sqlGet, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}

	if err != nil {
		return "", fmt.Errorf("kvstore: get %q: %w", key, err)
	}

	return value, nil
}

// Set upserts value under key.
func (s *SQLiteStore) Set(ctx context.Context, key, value string) error {
	if _, err := s.db.ExecContext(ctx, sqlSet, key, value, s.nowFunc().UnixNano()); err != nil {
		return fmt.Errorf("kvstore: set %q: %w", key, err)
	}

	return nil
}

// Delete removes key. Deleting a missing key is not an error.
func (s *SQLiteStore) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, sqlDelete, key); err != nil {
		return fmt.Errorf("kvstore: delete %q: %w", key, err)
	}

	return nil
}

// Close releases the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
