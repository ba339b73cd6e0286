package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

const sqlSchema = `CREATE TABLE IF NOT EXISTS training_jobs (
	id          TEXT PRIMARY KEY,
	status      TEXT NOT NULL,
	started_at  BIGINT NOT NULL,
	record      TEXT NOT NULL
)`

// SQLStore keeps job history in a SQL database through sqlx. The default driver is
// the pure-Go "sqlite" driver, so a single file gives durable history without cgo.
type SQLStore struct {
	db *sqlx.DB
}

type jobRow struct {
	ID     string `db:"id"`
	Record string `db:"record"`
}

// NewSQLStore opens the database and creates the jobs table if needed.
//
// Example:
//
//	store, err := storage.NewSQLStore(ctx, "sqlite", "data/jobs.db")
func NewSQLStore(ctx context.Context, driver, dsn string) (*SQLStore, error) {
	if driver == "" {
		driver = "sqlite"
	}
	if dsn == "" {
		return nil, errors.New("sql dsn cannot be empty")
	}

	db, err := sqlx.ConnectContext(ctx, driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s database: %w", driver, err)
	}
	if driver == "sqlite" {
		// A single connection serializes writers and avoids SQLITE_BUSY.
		db.SetMaxOpenConns(1)
	}

	store, err := NewSQLStoreFromDB(ctx, db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

// NewSQLStoreFromDB wraps an existing connection and runs the schema migration.
func NewSQLStoreFromDB(ctx context.Context, db *sqlx.DB) (*SQLStore, error) {
	if _, err := db.ExecContext(ctx, sqlSchema); err != nil {
		return nil, fmt.Errorf("failed to create training_jobs table: %w", err)
	}
	return &SQLStore{db: db}, nil
}

// Put upserts the record.
func (s *SQLStore) Put(ctx context.Context, record JobRecord) error {
	if err := ValidateID(record.ID); err != nil {
		return err
	}

	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal job record: %w", err)
	}

	query := s.db.Rebind(`INSERT INTO training_jobs (id, status, started_at, record)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET status = excluded.status, record = excluded.record`)
	if _, err := s.db.ExecContext(ctx, query, record.ID, string(record.Status), record.StartedAt.UnixMilli(), string(data)); err != nil {
		return fmt.Errorf("failed to store job record: %w", err)
	}
	return nil
}

// Get retrieves a job record by ID.
func (s *SQLStore) Get(ctx context.Context, id string) (JobRecord, bool, error) {
	if err := ValidateID(id); err != nil {
		return JobRecord{}, false, err
	}

	var row jobRow
	err := s.db.GetContext(ctx, &row, s.db.Rebind(`SELECT id, record FROM training_jobs WHERE id = ?`), id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return JobRecord{}, false, nil
		}
		return JobRecord{}, false, fmt.Errorf("failed to get job record: %w", err)
	}

	record, err := decodeRow(row)
	if err != nil {
		return JobRecord{}, false, err
	}
	return record, true, nil
}

// GetLatest retrieves the most recently started job.
func (s *SQLStore) GetLatest(ctx context.Context) (JobRecord, bool, error) {
	jobs, err := s.List(ctx, 1)
	if err != nil || len(jobs) == 0 {
		return JobRecord{}, false, err
	}
	return jobs[0], true, nil
}

// List returns up to limit records, newest first. limit <= 0 means 100.
func (s *SQLStore) List(ctx context.Context, limit int) ([]JobRecord, error) {
	if limit <= 0 {
		limit = 100
	}

	var rows []jobRow
	query := s.db.Rebind(`SELECT id, record FROM training_jobs ORDER BY started_at DESC, id DESC LIMIT ?`)
	if err := s.db.SelectContext(ctx, &rows, query, limit); err != nil {
		return nil, fmt.Errorf("failed to list job records: %w", err)
	}

	jobs := make([]JobRecord, 0, len(rows))
	for _, row := range rows {
		record, err := decodeRow(row)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, record)
	}
	return jobs, nil
}

// Close closes the database.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

// Ping checks the database connection.
func (s *SQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func decodeRow(row jobRow) (JobRecord, error) {
	var record JobRecord
	if err := json.Unmarshal([]byte(row.Record), &record); err != nil {
		return JobRecord{}, fmt.Errorf("failed to unmarshal job record %s: %w", row.ID, err)
	}
	return record, nil
}
