// Package archive keeps a local sqlite copy of everything the run
// ingested, plus a local shadow of the checkpoint cursor. The backend is
// the source of truth; the archive is what an operator greps when the
// backend and the site disagree.
package archive

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	_ "embed"

	_ "modernc.org/sqlite"

	"deedwatch/lib/timezone"
)

//go:embed schema.sql
var Schema string

type Store struct {
	db *sql.DB
}

// Open opens (and initializes) the archive database at path. ":memory:"
// works for tests.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(Schema); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

func (s *Store) Close() error {
	return s.db.Close()
}

// UpsertRecord stores the record's JSON payload keyed by node.
func (s *Store) UpsertRecord(ctx context.Context, node string, record any) error {
	payload, err := json.Marshal(record)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO records (node, payload, updated_at) VALUES (?, ?, ?)
		ON CONFLICT (node) DO UPDATE SET payload = excluded.payload, updated_at = excluded.updated_at
	`, node, string(payload), timezone.Now().Unix())
	return err
}

// Record returns the stored payload for a node, or ok=false.
func (s *Store) Record(ctx context.Context, node string) (string, bool, error) {
	var payload string
	err := s.db.QueryRowContext(ctx,
		`SELECT payload FROM records WHERE node = ?`, node,
	).Scan(&payload)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return payload, true, nil
}

// SetCursor records the last processed node for a scraper id.
func (s *Store) SetCursor(ctx context.Context, scraperID, node string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cursors (scraper_id, last_node, last_run) VALUES (?, ?, ?)
		ON CONFLICT (scraper_id) DO UPDATE SET last_node = excluded.last_node, last_run = excluded.last_run
	`, scraperID, node, timezone.Now().Unix())
	return err
}

// Cursor returns the last processed node and run time for a scraper id,
// or ok=false when no run has been recorded.
func (s *Store) Cursor(ctx context.Context, scraperID string) (node string, lastRun time.Time, ok bool, err error) {
	var unix int64
	err = s.db.QueryRowContext(ctx,
		`SELECT last_node, last_run FROM cursors WHERE scraper_id = ?`, scraperID,
	).Scan(&node, &unix)
	if err == sql.ErrNoRows {
		return "", time.Time{}, false, nil
	}
	if err != nil {
		return "", time.Time{}, false, err
	}
	return node, time.Unix(unix, 0).In(timezone.Location), true, nil
}
