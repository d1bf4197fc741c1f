// Package checkpoint persists extraction progress per station/product
// pair: which granules are already handled, and the partial batch files
// awaiting the final merge.
package checkpoint

import (
	"database/sql"
	"fmt"
	"log"
	"time"

	"github.com/erdemkarakoylu/overpass/internal/models"
)

// Outcome of a processed granule.
const (
	OutcomeExtracted = "extracted"
	OutcomeNoPixel   = "no_pixel"
)

// Store records processed granule IDs and run audit rows in SQLite.
type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

type migration struct {
	Version     int
	Description string
	SQL         string
}

var migrations = []migration{
	{
		Version:     1,
		Description: "Initial schema",
		SQL: `
CREATE TABLE IF NOT EXISTS processed_granules (
    station_code TEXT NOT NULL,
    product_type TEXT NOT NULL,
    granule_id TEXT NOT NULL,
    outcome TEXT NOT NULL,
    processed_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    PRIMARY KEY (station_code, product_type, granule_id)
);

CREATE TABLE IF NOT EXISTS extraction_runs (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    started_at DATETIME NOT NULL,
    finished_at DATETIME,
    station_code TEXT NOT NULL,
    product_type TEXT NOT NULL,
    granules_found INTEGER,
    granules_skipped INTEGER,
    records_extracted INTEGER,
    no_pixel INTEGER,
    read_failures INTEGER,
    batches_flushed INTEGER,
    success BOOLEAN NOT NULL DEFAULT FALSE,
    error_message TEXT
);
`,
	},
}

func (s *Store) Migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`)
	if err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var current sql.NullInt64
	if err := s.db.QueryRow(`SELECT MAX(version) FROM schema_migrations`).Scan(&current); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	for _, m := range migrations {
		if current.Valid && m.Version <= int(current.Int64) {
			continue
		}
		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", m.Version, err)
		}
		if _, err := tx.Exec(m.SQL); err != nil {
			tx.Rollback()
			return fmt.Errorf("apply migration %d (%s): %w", m.Version, m.Description, err)
		}
		if _, err := tx.Exec(`INSERT INTO schema_migrations (version) VALUES (?)`, m.Version); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %d: %w", m.Version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.Version, err)
		}
		log.Printf("checkpoint: applied migration %d: %s", m.Version, m.Description)
	}
	return nil
}

// ProcessedIDs returns the granule IDs already handled for the pair.
func (s *Store) ProcessedIDs(code string, product models.ProductType) (map[string]bool, error) {
	rows, err := s.db.Query(`
		SELECT granule_id FROM processed_granules
		WHERE station_code = ? AND product_type = ?
	`, code, string(product))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ids := make(map[string]bool)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids[id] = true
	}
	return ids, rows.Err()
}

// RecordProcessed marks granules handled with the given outcome. The
// write is one transaction so a whole flushed batch commits atomically.
func (s *Store) RecordProcessed(code string, product models.ProductType, outcome string, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	for _, id := range ids {
		if _, err := tx.Exec(`
			INSERT INTO processed_granules (station_code, product_type, granule_id, outcome)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(station_code, product_type, granule_id) DO NOTHING
		`, code, string(product), id, outcome); err != nil {
			tx.Rollback()
			return fmt.Errorf("record granule %s: %w", id, err)
		}
	}
	return tx.Commit()
}

// Run is one extraction pass over a station/product pair, for auditing.
type Run struct {
	ID               int64
	StartedAt        time.Time
	FinishedAt       sql.NullTime
	StationCode      string
	ProductType      models.ProductType
	GranulesFound    sql.NullInt64
	GranulesSkipped  sql.NullInt64
	RecordsExtracted sql.NullInt64
	NoPixel          sql.NullInt64
	ReadFailures     sql.NullInt64
	BatchesFlushed   sql.NullInt64
	Success          bool
	ErrorMessage     sql.NullString
}

// StartRun creates a new run record and returns it.
func (s *Store) StartRun(code string, product models.ProductType) (*Run, error) {
	run := &Run{
		StartedAt:   time.Now().UTC(),
		StationCode: code,
		ProductType: product,
	}
	result, err := s.db.Exec(`
		INSERT INTO extraction_runs (started_at, station_code, product_type, success)
		VALUES (?, ?, ?, FALSE)
	`, run.StartedAt, code, string(product))
	if err != nil {
		return nil, err
	}
	run.ID, err = result.LastInsertId()
	if err != nil {
		return nil, err
	}
	return run, nil
}

// CompleteRun updates the run with its results.
func (s *Store) CompleteRun(run *Run) error {
	if run == nil {
		return nil
	}
	run.FinishedAt = sql.NullTime{Time: time.Now().UTC(), Valid: true}
	_, err := s.db.Exec(`
		UPDATE extraction_runs SET
			finished_at = ?,
			granules_found = ?,
			granules_skipped = ?,
			records_extracted = ?,
			no_pixel = ?,
			read_failures = ?,
			batches_flushed = ?,
			success = ?,
			error_message = ?
		WHERE id = ?
	`, run.FinishedAt, run.GranulesFound, run.GranulesSkipped, run.RecordsExtracted,
		run.NoPixel, run.ReadFailures, run.BatchesFlushed, run.Success, run.ErrorMessage, run.ID)
	return err
}
