// Package catalog keeps a queryable record of every finished upload in a
// SQLite database.
package catalog

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

//go:embed migrations
var migrationsFS embed.FS

// ErrNotFound is returned when no entry exists for an id.
var ErrNotFound = errors.New("upload not found")

// Entry describes one finished upload.
type Entry struct {
	ID         string    `json:"id"`
	FileName   string    `json:"fileName"`
	Size       int64     `json:"size"`
	SHA256     string    `json:"sha256"`
	TotalParts int       `json:"totalParts"`
	Mirrored   bool      `json:"mirrored"`
	CreatedAt  time.Time `json:"createdAt"`
}

// Catalog is a SQLite backed index of finished uploads.
type Catalog struct {
	db *sql.DB
}

// initSchema applies all SQL files in the embedded migrations in
// lexicographical order.
func initSchema(ctx context.Context, db *sql.DB) error {
	return fs.WalkDir(migrationsFS, "migrations", func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}

		content, readError := migrationsFS.ReadFile(path)
		if readError != nil {
			return fmt.Errorf("error reading SQL file: %w", readError)
		}

		slog.Debug("Running migration", "path", path)
		_, execError := db.ExecContext(ctx, string(content))
		return execError
	})
}

// Open opens or creates the catalog database at dbPath and brings its
// schema up to date.
func Open(ctx context.Context, dbPath string) (*Catalog, error) {
	if dbPath == "" {
		return nil, errors.New("dbPath must not be empty")
	}

	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create catalog dir: %w", err)
	}

	db, err := sql.Open("sqlite3", dbPath+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	if err := initSchema(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}

	return &Catalog{db: db}, nil
}

// Close closes the underlying database.
func (c *Catalog) Close() error {
	return c.db.Close()
}

// withTransaction runs fn within a database transaction.
func withTransaction(ctx context.Context, db *sql.DB, fn func(tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("error beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return fmt.Errorf("error executing transaction: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("error committing transaction: %w", err)
	}

	return nil
}

// Record inserts e, replacing any entry with the same id.
func (c *Catalog) Record(ctx context.Context, e Entry) error {
	if e.ID == "" {
		return errors.New("entry id must not be empty")
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}

	_, err := c.db.ExecContext(ctx,
		`INSERT INTO uploads (id, file_name, size, sha256, total_parts, mirrored, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			file_name = excluded.file_name,
			size = excluded.size,
			sha256 = excluded.sha256,
			total_parts = excluded.total_parts,
			mirrored = excluded.mirrored,
			created_at = excluded.created_at`,
		e.ID, e.FileName, e.Size, e.SHA256, e.TotalParts, e.Mirrored, e.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("record upload %s: %w", e.ID, err)
	}
	return nil
}

// SetMirrored flags the entry for id as copied to the mirror.
func (c *Catalog) SetMirrored(ctx context.Context, id string, mirrored bool) error {
	res, err := c.db.ExecContext(ctx, `UPDATE uploads SET mirrored = ? WHERE id = ?`, mirrored, id)
	if err != nil {
		return fmt.Errorf("update upload %s: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// Get returns the entry for id, or ErrNotFound.
func (c *Catalog) Get(ctx context.Context, id string) (Entry, error) {
	var e Entry
	err := c.db.QueryRowContext(ctx,
		`SELECT id, file_name, size, sha256, total_parts, mirrored, created_at FROM uploads WHERE id = ?`, id,
	).Scan(&e.ID, &e.FileName, &e.Size, &e.SHA256, &e.TotalParts, &e.Mirrored, &e.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, ErrNotFound
	}
	if err != nil {
		return Entry{}, fmt.Errorf("lookup upload %s: %w", id, err)
	}
	return e, nil
}

// List returns up to limit entries, newest first. A limit of 0 or less
// returns every entry.
func (c *Catalog) List(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = -1
	}

	rows, err := c.db.QueryContext(ctx,
		`SELECT id, file_name, size, sha256, total_parts, mirrored, created_at
		 FROM uploads ORDER BY created_at DESC, id ASC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list uploads: %w", err)
	}
	defer rows.Close()

	entries := []Entry{}
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ID, &e.FileName, &e.Size, &e.SHA256, &e.TotalParts, &e.Mirrored, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan upload: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list uploads: %w", err)
	}
	return entries, nil
}

// Delete removes the entry for id. Deleting an unknown id is not an error.
func (c *Catalog) Delete(ctx context.Context, id string) error {
	if _, err := c.db.ExecContext(ctx, `DELETE FROM uploads WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete upload %s: %w", id, err)
	}
	return nil
}

// DeleteOlderThan removes entries created before cutoff and returns their
// ids so the caller can remove the matching files.
func (c *Catalog) DeleteOlderThan(ctx context.Context, cutoff time.Time) ([]string, error) {
	var ids []string
	err := withTransaction(ctx, c.db, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `SELECT id FROM uploads WHERE created_at < ?`, cutoff.UTC())
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				return err
			}
			ids = append(ids, id)
		}
		if err := rows.Err(); err != nil {
			return err
		}

		_, err = tx.ExecContext(ctx, `DELETE FROM uploads WHERE created_at < ?`, cutoff.UTC())
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("expire uploads: %w", err)
	}
	return ids, nil
}
