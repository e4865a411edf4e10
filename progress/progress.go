// Package progress persists per-page extraction results so interrupted runs
// resume instead of re-spending OCR and API calls.
//
// Each source document gets one SQLite file next to it, at the document path
// plus ".progress.db". The file is deleted only after a fully successful run.
package progress

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"

	_ "modernc.org/sqlite"

	"github.com/hazyhaar/extractmd/dbopen"
)

const schema = `
CREATE TABLE IF NOT EXISTS pages (
	page INTEGER PRIMARY KEY,
	text TEXT NOT NULL
);
`

// Store is the durable page-result store for one document.
type Store struct {
	db     *sql.DB
	path   string
	logger *slog.Logger
}

// PathFor derives the progress file path for a document path.
func PathFor(docPath string) string {
	return docPath + ".progress.db"
}

// Open opens (or creates) the progress store for the given document.
func Open(docPath string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	path := PathFor(docPath)
	db, err := dbopen.Open(path, dbopen.WithSchema(schema))
	if err != nil {
		return nil, fmt.Errorf("open progress store: %w", err)
	}
	return &Store{db: db, path: path, logger: logger}, nil
}

// Load returns the saved page results, keyed by 0-based page index. A fresh
// store returns an empty map.
func (s *Store) Load(ctx context.Context) (map[int]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT page, text FROM pages`)
	if err != nil {
		return nil, fmt.Errorf("load progress: %w", err)
	}
	defer rows.Close()

	results := make(map[int]string)
	for rows.Next() {
		var page int
		var text string
		if err := rows.Scan(&page, &text); err != nil {
			return nil, fmt.Errorf("scan progress row: %w", err)
		}
		results[page] = text
	}
	return results, rows.Err()
}

// Save upserts a snapshot of the given results. Pages absent from the map
// are left untouched; a page's saved text is always the latest value.
func (s *Store) Save(ctx context.Context, results map[int]string) error {
	return dbopen.RunTx(ctx, s.db, func(tx *sql.Tx) error {
		stmt, err := tx.Prepare(`INSERT INTO pages (page, text) VALUES (?, ?)
			ON CONFLICT(page) DO UPDATE SET text = excluded.text`)
		if err != nil {
			return err
		}
		defer stmt.Close()
		for page, text := range results {
			if _, err := stmt.Exec(page, text); err != nil {
				return fmt.Errorf("save page %d: %w", page, err)
			}
		}
		return nil
	})
}

// Remove removes saved results for the given pages. Used when the cleaner
// sends a page back to the retry set.
func (s *Store) Remove(ctx context.Context, pages []int) error {
	return dbopen.RunTx(ctx, s.db, func(tx *sql.Tx) error {
		for _, page := range pages {
			if _, err := tx.Exec(`DELETE FROM pages WHERE page = ?`, page); err != nil {
				return fmt.Errorf("remove page %d: %w", page, err)
			}
		}
		return nil
	})
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Delete closes the store and removes the progress file. Called only after
// a fully successful run.
func (s *Store) Delete() error {
	if err := s.db.Close(); err != nil {
		s.logger.Warn("close progress store", "error", err)
	}
	for _, suffix := range []string{"", "-wal", "-shm"} {
		if err := os.Remove(s.path + suffix); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("delete progress file: %w", err)
		}
	}
	return nil
}
