package kvstore

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"

	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrSchemaTooNew is returned when the database was migrated by a newer
// build than this one. Opening it anyway would let an older queue format
// overwrite rows it does not understand.
var ErrSchemaTooNew = errors.New("kvstore: database schema is newer than this build supports")

// migrate brings the kv schema up to the newest embedded version and returns
// that version.
func migrate(ctx context.Context, db *sql.DB, logger *slog.Logger) (int64, error) {
	sources, err := fs.Sub(migrationsFS, "migrations")
	if err != nil {
		return 0, fmt.Errorf("kvstore: reading embedded migrations: %w", err)
	}

	provider, err := goose.NewProvider(goose.DialectSQLite3, db, sources)
	if err != nil {
		return 0, fmt.Errorf("kvstore: loading migrations: %w", err)
	}

	current, supported, err := provider.GetVersions(ctx)
	if err != nil {
		return 0, fmt.Errorf("kvstore: reading schema version: %w", err)
	}

	if current > supported {
		return current, fmt.Errorf("%w: database is at version %d, newest known is %d",
			ErrSchemaTooNew, current, supported)
	}

	results, err := provider.Up(ctx)
	if err != nil {
		return current, fmt.Errorf("kvstore: migrating from version %d: %w", current, err)
	}

	if len(results) == 0 {
		logger.Debug("kvstore: schema up to date", slog.Int64("version", current))
		return current, nil
	}

	for _, r := range results {
		logger.Info("kvstore: schema migrated",
			slog.Int64("version", r.Source.Version),
			slog.Duration("took", r.Duration),
		)
	}

	return supported, nil
}
