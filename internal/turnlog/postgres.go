package turnlog

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ddlTurns creates the turn archive table on first use.
const ddlTurns = `
CREATE TABLE IF NOT EXISTS turns (
    id                 BIGSERIAL    PRIMARY KEY,
    session_id         TEXT         NOT NULL,
    text               TEXT         NOT NULL,
    confidence         DOUBLE PRECISION NOT NULL DEFAULT 0,
    speech_duration_ns BIGINT       NOT NULL DEFAULT 0,
    detector           TEXT         NOT NULL DEFAULT '',
    completed_at       TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_turns_session_id
    ON turns (session_id);

CREATE INDEX IF NOT EXISTS idx_turns_session_completed
    ON turns (session_id, completed_at);
`

// defaultRecentLimit is used when Recent is called with limit <= 0.
const defaultRecentLimit = 100

// PostgresStore is a [Store] backed by a PostgreSQL turns table.
// All methods are safe for concurrent use.
type PostgresStore struct {
	pool *pgxpool.Pool
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore connects to dsn, verifies the connection, and creates the
// turns table if missing.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("turnlog: parse dsn: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("turnlog: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("turnlog: ping: %w", err)
	}

	if _, err := pool.Exec(ctx, ddlTurns); err != nil {
		pool.Close()
		return nil, fmt.Errorf("turnlog: migrate: %w", err)
	}

	return &PostgresStore{pool: pool}, nil
}

// Record implements [Store].
func (s *PostgresStore) Record(ctx context.Context, rec Record) error {
	const q = `
		INSERT INTO turns
		    (session_id, text, confidence, speech_duration_ns, detector, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6)`

	_, err := s.pool.Exec(ctx, q,
		rec.SessionID,
		rec.Text,
		rec.Confidence,
		rec.SpeechDuration.Nanoseconds(),
		rec.Detector,
		rec.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("turnlog: record turn: %w", err)
	}
	return nil
}

// Recent implements [Store]. Turns are returned newest first.
func (s *PostgresStore) Recent(ctx context.Context, sessionID string, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = defaultRecentLimit
	}

	const q = `
		SELECT session_id, text, confidence, speech_duration_ns, detector, completed_at
		FROM   turns
		WHERE  session_id = $1
		ORDER  BY completed_at DESC
		LIMIT  $2`

	rows, err := s.pool.Query(ctx, q, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("turnlog: recent turns: %w", err)
	}

	recs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Record, error) {
		var (
			r          Record
			durationNS int64
		)
		if err := row.Scan(
			&r.SessionID,
			&r.Text,
			&r.Confidence,
			&durationNS,
			&r.Detector,
			&r.CompletedAt,
		); err != nil {
			return Record{}, err
		}
		r.SpeechDuration = time.Duration(durationNS)
		return r, nil
	})
	if err != nil {
		return nil, fmt.Errorf("turnlog: scan rows: %w", err)
	}
	if recs == nil {
		recs = []Record{}
	}
	return recs, nil
}

// Ping reports whether the database is reachable. Used by the readiness
// probe.
func (s *PostgresStore) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("turnlog: ping: %w", err)
	}
	return nil
}

// Close implements [Store].
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
