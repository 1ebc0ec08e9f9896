// Package sqlstore records finished book and batch jobs in MySQL.
package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-sql-driver/mysql"

	"github.com/jackzampolin/storybook/internal/jobs"
	"github.com/jackzampolin/storybook/internal/types"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS book_outcomes (
		job_id           VARCHAR(64)  NOT NULL PRIMARY KEY,
		batch_id         VARCHAR(64)  NULL,
		title            VARCHAR(255) NOT NULL,
		book_type        VARCHAR(32)  NOT NULL,
		status           VARCHAR(32)  NOT NULL,
		last_error       TEXT         NULL,
		completed_stages INT          NOT NULL,
		total_attempts   INT          NOT NULL,
		outputs          JSON         NULL,
		created_at       DATETIME(6)  NOT NULL,
		finished_at      DATETIME(6)  NOT NULL,
		recorded_at      DATETIME(6)  NOT NULL,
		INDEX idx_book_outcomes_batch (batch_id)
	)`,
	`CREATE TABLE IF NOT EXISTS batch_outcomes (
		batch_id    VARCHAR(64)  NOT NULL PRIMARY KEY,
		name        VARCHAR(255) NOT NULL,
		status      VARCHAR(32)  NOT NULL,
		total       INT          NOT NULL,
		succeeded   INT          NOT NULL,
		failed      INT          NOT NULL,
		cancelled   INT          NOT NULL,
		finished_at DATETIME(6)  NOT NULL,
		recorded_at DATETIME(6)  NOT NULL
	)`,
}

const upsertBook = `INSERT INTO book_outcomes
	(job_id, batch_id, title, book_type, status, last_error, completed_stages, total_attempts, outputs, created_at, finished_at, recorded_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON DUPLICATE KEY UPDATE
		status = VALUES(status),
		last_error = VALUES(last_error),
		completed_stages = VALUES(completed_stages),
		total_attempts = VALUES(total_attempts),
		outputs = VALUES(outputs),
		finished_at = VALUES(finished_at),
		recorded_at = VALUES(recorded_at)`

const upsertBatch = `INSERT INTO batch_outcomes
	(batch_id, name, status, total, succeeded, failed, cancelled, finished_at, recorded_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON DUPLICATE KEY UPDATE
		status = VALUES(status),
		succeeded = VALUES(succeeded),
		failed = VALUES(failed),
		cancelled = VALUES(cancelled),
		finished_at = VALUES(finished_at),
		recorded_at = VALUES(recorded_at)`

// NormalizeDSN parses a MySQL DSN and forces the settings the store relies
// on: parsed UTC timestamps and bounded dial and I/O timeouts.
func NormalizeDSN(dsn string) (*mysql.Config, error) {
	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse mysql dsn: %w", err)
	}
	if cfg.DBName == "" {
		return nil, errors.New("mysql dsn must name a database")
	}
	cfg.ParseTime = true
	cfg.Loc = time.UTC
	if cfg.Timeout == 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = 30 * time.Second
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = 30 * time.Second
	}
	return cfg, nil
}

// Open connects to MySQL and verifies the connection.
func Open(ctx context.Context, dsn string) (*sql.DB, error) {
	cfg, err := NormalizeDSN(dsn)
	if err != nil {
		return nil, err
	}
	connector, err := mysql.NewConnector(cfg)
	if err != nil {
		return nil, fmt.Errorf("mysql connector: %w", err)
	}
	db := sql.OpenDB(connector)
	db.SetMaxOpenConns(4)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping mysql %s@%s: %w", cfg.DBName, cfg.Addr, err)
	}
	return db, nil
}

// Store writes outcomes with one upsert per record, keyed by job or batch id.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
	now    func() time.Time
}

// New creates a store on db.
func New(db *sql.DB, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{db: db, logger: logger, now: time.Now}
}

var _ jobs.OutcomeRecorder = (*Store)(nil)

// Migrate creates the outcome tables if they do not exist.
func (s *Store) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", classify(err))
		}
	}
	s.logger.Debug("outcome tables ready")
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// RecordBook implements jobs.OutcomeRecorder.
func (s *Store) RecordBook(ctx context.Context, o jobs.BookOutcome) error {
	var outputs any
	if len(o.Outputs) > 0 {
		b, err := json.Marshal(o.Outputs)
		if err != nil {
			return fmt.Errorf("encode outputs for %s: %w", o.JobID, err)
		}
		outputs = string(b)
	}

	_, err := s.db.ExecContext(ctx, upsertBook,
		o.JobID,
		nullString(o.BatchID),
		o.Title,
		string(o.BookType),
		string(o.Status),
		nullString(o.LastError),
		o.CompletedStages,
		o.TotalAttempts,
		outputs,
		o.CreatedAt.UTC(),
		o.FinishedAt.UTC(),
		s.now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("record book %s: %w", o.JobID, classify(err))
	}
	return nil
}

// RecordBatch implements jobs.OutcomeRecorder.
func (s *Store) RecordBatch(ctx context.Context, o jobs.BatchOutcome) error {
	_, err := s.db.ExecContext(ctx, upsertBatch,
		o.BatchID,
		o.Name,
		string(o.Status),
		o.Total,
		o.Succeeded,
		o.Failed,
		o.Cancelled,
		o.FinishedAt.UTC(),
		s.now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("record batch %s: %w", o.BatchID, classify(err))
	}
	return nil
}

// BookOutcomes returns the recorded outcomes of a batch, oldest first.
func (s *Store) BookOutcomes(ctx context.Context, batchID string) ([]jobs.BookOutcome, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT job_id, COALESCE(batch_id, ''), title, book_type, status,
		COALESCE(last_error, ''), completed_stages, total_attempts, created_at, finished_at
		FROM book_outcomes WHERE batch_id = ? ORDER BY created_at, job_id`, batchID)
	if err != nil {
		return nil, fmt.Errorf("query book outcomes: %w", classify(err))
	}
	defer rows.Close()

	var out []jobs.BookOutcome
	for rows.Next() {
		var (
			o                jobs.BookOutcome
			bookType, status string
		)
		if err := rows.Scan(&o.JobID, &o.BatchID, &o.Title, &bookType, &status,
			&o.LastError, &o.CompletedStages, &o.TotalAttempts, &o.CreatedAt, &o.FinishedAt); err != nil {
			return nil, err
		}
		o.BookType = types.BookType(bookType)
		o.Status = jobs.Status(status)
		out = append(out, o)
	}
	return out, rows.Err()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// classify annotates server errors with their MySQL error number.
func classify(err error) error {
	var me *mysql.MySQLError
	if errors.As(err, &me) {
		return fmt.Errorf("mysql error %d: %w", me.Number, err)
	}
	return err
}
