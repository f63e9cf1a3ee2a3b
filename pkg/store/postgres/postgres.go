package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"ledger-client/pkg/store"

	"github.com/lib/pq"
)

// Store keeps run reports in PostgreSQL.
type Store struct {
	db   *sql.DB
	name string
}

var _ store.Store = (*Store)(nil)

// Config holds PostgreSQL connection configuration.
type Config struct {
	// DSN, when set, is used as-is and the fields below are ignored.
	DSN      string
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
}

// DefaultConfig returns default PostgreSQL configuration.
func DefaultConfig() Config {
	return Config{
		Host:     "localhost",
		Port:     5432,
		User:     "postgres",
		Password: "postgres",
		Database: "ledger",
		SSLMode:  "disable",
	}
}

func (c Config) connString() string {
	if c.DSN != "" {
		return c.DSN
	}
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// New opens a connection pool and creates the tables if needed.
func New(cfg Config) (*Store, error) {
	db, err := sql.Open("postgres", cfg.connString())
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres connection: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}

	s := &Store{db: db, name: "postgres"}
	if err := s.initTables(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to init tables: %w", err)
	}
	return s, nil
}

func (s *Store) initTables(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS ledger_runs (
			run_id TEXT PRIMARY KEY,
			started_at TIMESTAMP WITH TIME ZONE NOT NULL,
			finished_at TIMESTAMP WITH TIME ZONE NOT NULL,
			total INTEGER NOT NULL,
			confirmed INTEGER NOT NULL,
			failed INTEGER NOT NULL,
			expired INTEGER NOT NULL,
			invalid INTEGER NOT NULL,
			attempts INTEGER NOT NULL,
			average_ms BIGINT NOT NULL,
			total_ms BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS ledger_records (
			run_id TEXT NOT NULL,
			idx INTEGER NOT NULL,
			correlation_id TEXT NOT NULL DEFAULT '',
			source TEXT NOT NULL,
			destination TEXT NOT NULL,
			amount BIGINT NOT NULL,
			signature TEXT NOT NULL DEFAULT '',
			state TEXT NOT NULL,
			reason TEXT NOT NULL DEFAULT '',
			attempts INTEGER NOT NULL,
			confirmed_slot BIGINT NOT NULL DEFAULT 0,
			submitted_at TIMESTAMP WITH TIME ZONE,
			finished_at TIMESTAMP WITH TIME ZONE,
			elapsed_ms BIGINT NOT NULL,
			advisory TEXT NOT NULL DEFAULT '',
			signatures TEXT[] NOT NULL DEFAULT '{}',
			PRIMARY KEY (run_id, idx)
		)`,
		`ALTER TABLE ledger_records ADD COLUMN IF NOT EXISTS signatures TEXT[] NOT NULL DEFAULT '{}'`,
		`CREATE INDEX IF NOT EXISTS idx_ledger_records_signature ON ledger_records(signature)`,
	}

	for _, query := range queries {
		if _, err := s.db.ExecContext(ctx, query); err != nil {
			return err
		}
	}
	return nil
}

// nullTime maps the zero time to NULL.
func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}

func (s *Store) PutRecord(ctx context.Context, d store.RecordDoc) error {
	query := `
		INSERT INTO ledger_records (run_id, idx, correlation_id, source, destination, amount,
			signature, state, reason, attempts, confirmed_slot, submitted_at, finished_at, elapsed_ms, advisory,
			signatures)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		ON CONFLICT (run_id, idx) DO UPDATE SET
			signature = EXCLUDED.signature,
			signatures = EXCLUDED.signatures,
			state = EXCLUDED.state,
			reason = EXCLUDED.reason,
			attempts = EXCLUDED.attempts,
			confirmed_slot = EXCLUDED.confirmed_slot,
			submitted_at = EXCLUDED.submitted_at,
			finished_at = EXCLUDED.finished_at,
			elapsed_ms = EXCLUDED.elapsed_ms,
			advisory = EXCLUDED.advisory
	`
	_, err := s.db.ExecContext(ctx, query,
		d.RunID, d.Index, d.CorrelationID, d.Source, d.Destination, d.Amount,
		d.Signature, d.State, d.Reason, d.Attempts, int64(d.ConfirmedSlot),
		nullTime(d.SubmittedAt), nullTime(d.FinishedAt), d.ElapsedMS, d.Advisory,
		pq.Array(d.Signatures),
	)
	if err != nil {
		return fmt.Errorf("put record: %w", err)
	}
	return nil
}

func (s *Store) PutRun(ctx context.Context, d store.RunDoc) error {
	query := `
		INSERT INTO ledger_runs (run_id, started_at, finished_at, total, confirmed, failed,
			expired, invalid, attempts, average_ms, total_ms)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (run_id) DO UPDATE SET
			finished_at = EXCLUDED.finished_at,
			total = EXCLUDED.total,
			confirmed = EXCLUDED.confirmed,
			failed = EXCLUDED.failed,
			expired = EXCLUDED.expired,
			invalid = EXCLUDED.invalid,
			attempts = EXCLUDED.attempts,
			average_ms = EXCLUDED.average_ms,
			total_ms = EXCLUDED.total_ms
	`
	_, err := s.db.ExecContext(ctx, query,
		d.RunID, d.StartedAt, d.FinishedAt, d.Total, d.Confirmed, d.Failed,
		d.Expired, d.Invalid, d.Attempts, d.AverageMS, d.TotalMS,
	)
	if err != nil {
		return fmt.Errorf("put run: %w", err)
	}
	return nil
}

func (s *Store) GetRun(ctx context.Context, runID string) (store.RunDoc, error) {
	query := `
		SELECT run_id, started_at, finished_at, total, confirmed, failed, expired, invalid,
			attempts, average_ms, total_ms
		FROM ledger_runs WHERE run_id = $1
	`
	var d store.RunDoc
	err := s.db.QueryRowContext(ctx, query, runID).Scan(
		&d.RunID, &d.StartedAt, &d.FinishedAt, &d.Total, &d.Confirmed, &d.Failed,
		&d.Expired, &d.Invalid, &d.Attempts, &d.AverageMS, &d.TotalMS,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return store.RunDoc{}, store.ErrNotFound
	}
	if err != nil {
		return store.RunDoc{}, fmt.Errorf("query run: %w", err)
	}
	return d, nil
}

func (s *Store) ListRecords(ctx context.Context, runID string) ([]store.RecordDoc, error) {
	query := `
		SELECT run_id, idx, correlation_id, source, destination, amount, signature, state,
			reason, attempts, confirmed_slot, submitted_at, finished_at, elapsed_ms, advisory, signatures
		FROM ledger_records
		WHERE run_id = $1
		ORDER BY idx
	`
	rows, err := s.db.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("query records: %w", err)
	}
	defer rows.Close()

	var docs []store.RecordDoc
	for rows.Next() {
		var (
			d         store.RecordDoc
			slot      int64
			submitted sql.NullTime
			finished  sql.NullTime
		)
		if err := rows.Scan(
			&d.RunID, &d.Index, &d.CorrelationID, &d.Source, &d.Destination, &d.Amount,
			&d.Signature, &d.State, &d.Reason, &d.Attempts, &slot,
			&submitted, &finished, &d.ElapsedMS, &d.Advisory, pq.Array(&d.Signatures),
		); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		d.ConfirmedSlot = uint64(slot)
		d.SubmittedAt = submitted.Time
		d.FinishedAt = finished.Time
		docs = append(docs, d)
	}
	return docs, rows.Err()
}

func (s *Store) Name() string {
	return s.name
}

func (s *Store) Close() error {
	return s.db.Close()
}
