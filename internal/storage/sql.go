package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/slurp-tools/slurp/internal/models"
)

// Placeholders are written as $N and appear in numeric order so that both
// postgres and sqlite bind them positionally.
var migrations = []struct {
	version     int
	description string
	statements  []string
}{
	{
		version:     1,
		description: "image version chains",
		statements: []string{
			`CREATE TABLE IF NOT EXISTS images (
				id TEXT PRIMARY KEY,
				current INTEGER NOT NULL DEFAULT 0,
				updated_at BIGINT NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS image_versions (
				image_id TEXT NOT NULL REFERENCES images(id) ON DELETE CASCADE,
				version INTEGER NOT NULL,
				blob_key TEXT NOT NULL,
				created_at BIGINT NOT NULL,
				PRIMARY KEY (image_id, version)
			)`,
		},
	},
	{
		version:     2,
		description: "index images by last update",
		statements: []string{
			`CREATE INDEX IF NOT EXISTS images_updated_at ON images (updated_at)`,
		},
	},
}

// SQLHistory keeps version chains in sqlite or postgres
type SQLHistory struct {
	db     *sql.DB
	driver string
}

// OpenSQLHistory opens the database and applies pending migrations.
// For sqlite3 the dsn is a file path.
func OpenSQLHistory(ctx context.Context, driver, dsn string) (*SQLHistory, error) {
	switch driver {
	case "sqlite3":
		if dir := filepath.Dir(dsn); dir != "." && dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("creating db directory: %w", err)
			}
		}
		if !strings.Contains(dsn, "?") {
			dsn += "?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=5000"
		}
	case "postgres":
	default:
		return nil, fmt.Errorf("unsupported history driver %q", driver)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}
	if driver == "sqlite3" {
		db.SetMaxOpenConns(1)
	}

	s := &SQLHistory{db: db, driver: driver}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return s, nil
}

func (s *SQLHistory) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER PRIMARY KEY,
			description TEXT,
			applied_at BIGINT NOT NULL
		)
	`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	var current int
	row := s.db.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_version")
	if err := row.Scan(&current); err != nil {
		return fmt.Errorf("reading schema version: %w", err)
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}

		slog.Info("applying migration", "version", m.version, "description", m.description)

		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", m.version, err)
		}
		for _, stmt := range m.statements {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				tx.Rollback()
				return fmt.Errorf("migration %d failed: %w", m.version, err)
			}
		}
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO schema_version (version, description, applied_at) VALUES ($1, $2, $3)",
			m.version, m.description, time.Now().UnixNano()); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", m.version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %d: %w", m.version, err)
		}
	}
	return nil
}

func (s *SQLHistory) withTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (s *SQLHistory) cursor(ctx context.Context, tx *sql.Tx, id string) (int, error) {
	query := "SELECT current FROM images WHERE id = $1"
	if s.driver == "postgres" {
		query += " FOR UPDATE"
	}
	var current int
	err := tx.QueryRowContext(ctx, query, id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("image %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return 0, fmt.Errorf("reading cursor of %s: %w", id, err)
	}
	return current, nil
}

func (s *SQLHistory) Create(ctx context.Context, id, key string, at time.Time) (models.ImageVersion, error) {
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO images (id, current, updated_at) VALUES ($1, 0, $2)",
			id, at.UnixNano()); err != nil {
			return fmt.Errorf("inserting image %s: %w", id, err)
		}
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO image_versions (image_id, version, blob_key, created_at) VALUES ($1, 0, $2, $3)",
			id, key, at.UnixNano()); err != nil {
			return fmt.Errorf("inserting version 0 of %s: %w", id, err)
		}
		return nil
	})
	if err != nil {
		return models.ImageVersion{}, err
	}
	return models.ImageVersion{UUID: id, Version: 0, FilePath: key}, nil
}

func (s *SQLHistory) Append(ctx context.Context, id, key string, at time.Time) (models.ImageVersion, []string, error) {
	var (
		version int
		dropped []string
	)
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		current, err := s.cursor(ctx, tx, id)
		if err != nil {
			return err
		}

		rows, err := tx.QueryContext(ctx,
			"SELECT blob_key FROM image_versions WHERE image_id = $1 AND version > $2 ORDER BY version",
			id, current)
		if err != nil {
			return fmt.Errorf("listing redo branch of %s: %w", id, err)
		}
		for rows.Next() {
			var k string
			if err := rows.Scan(&k); err != nil {
				rows.Close()
				return fmt.Errorf("scanning redo branch of %s: %w", id, err)
			}
			dropped = append(dropped, k)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return fmt.Errorf("listing redo branch of %s: %w", id, err)
		}

		if _, err := tx.ExecContext(ctx,
			"DELETE FROM image_versions WHERE image_id = $1 AND version > $2",
			id, current); err != nil {
			return fmt.Errorf("truncating redo branch of %s: %w", id, err)
		}

		version = current + 1
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO image_versions (image_id, version, blob_key, created_at) VALUES ($1, $2, $3, $4)",
			id, version, key, at.UnixNano()); err != nil {
			return fmt.Errorf("inserting version %d of %s: %w", version, id, err)
		}

		if _, err := tx.ExecContext(ctx,
			"UPDATE images SET current = $1, updated_at = $2 WHERE id = $3",
			version, at.UnixNano(), id); err != nil {
			return fmt.Errorf("moving cursor of %s: %w", id, err)
		}
		return nil
	})
	if err != nil {
		return models.ImageVersion{}, nil, err
	}
	return models.ImageVersion{UUID: id, Version: version, FilePath: key}, dropped, nil
}

func (s *SQLHistory) Move(ctx context.Context, id string, delta int, at time.Time) (models.ImageVersion, error) {
	var v models.ImageVersion
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		current, err := s.cursor(ctx, tx, id)
		if err != nil {
			return err
		}

		var n int
		if err := tx.QueryRowContext(ctx,
			"SELECT COUNT(*) FROM image_versions WHERE image_id = $1", id).Scan(&n); err != nil {
			return fmt.Errorf("counting versions of %s: %w", id, err)
		}

		next, err := moveCursor(current, n, delta)
		if err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx,
			"UPDATE images SET current = $1, updated_at = $2 WHERE id = $3",
			next, at.UnixNano(), id); err != nil {
			return fmt.Errorf("moving cursor of %s: %w", id, err)
		}

		var key string
		if err := tx.QueryRowContext(ctx,
			"SELECT blob_key FROM image_versions WHERE image_id = $1 AND version = $2",
			id, next).Scan(&key); err != nil {
			return fmt.Errorf("reading version %d of %s: %w", next, id, err)
		}
		v = models.ImageVersion{UUID: id, Version: next, FilePath: key}
		return nil
	})
	return v, err
}

func (s *SQLHistory) Get(ctx context.Context, id string) (models.History, error) {
	h := models.History{UUID: id}

	var updated int64
	err := s.db.QueryRowContext(ctx,
		"SELECT current, updated_at FROM images WHERE id = $1", id).Scan(&h.Current, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return models.History{}, fmt.Errorf("image %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return models.History{}, fmt.Errorf("reading image %s: %w", id, err)
	}
	h.UpdatedAt = time.Unix(0, updated)

	rows, err := s.db.QueryContext(ctx,
		"SELECT version, blob_key FROM image_versions WHERE image_id = $1 ORDER BY version", id)
	if err != nil {
		return models.History{}, fmt.Errorf("listing versions of %s: %w", id, err)
	}
	defer rows.Close()

	for rows.Next() {
		v := models.ImageVersion{UUID: id}
		if err := rows.Scan(&v.Version, &v.FilePath); err != nil {
			return models.History{}, fmt.Errorf("scanning version of %s: %w", id, err)
		}
		h.Versions = append(h.Versions, v)
	}
	return h, rows.Err()
}

func (s *SQLHistory) Delete(ctx context.Context, id string) ([]string, error) {
	h, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	err = s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, "DELETE FROM image_versions WHERE image_id = $1", id); err != nil {
			return fmt.Errorf("deleting versions of %s: %w", id, err)
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM images WHERE id = $1", id); err != nil {
			return fmt.Errorf("deleting image %s: %w", id, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	keys := make([]string, len(h.Versions))
	for i, v := range h.Versions {
		keys[i] = v.FilePath
	}
	return keys, nil
}

func (s *SQLHistory) Expired(ctx context.Context, before time.Time) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id FROM images WHERE updated_at < $1", before.UnixNano())
	if err != nil {
		return nil, fmt.Errorf("listing expired images: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning expired image: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *SQLHistory) Close() error {
	return s.db.Close()
}
