// Package costcache persists finalized cost records keyed by
// (granularity, filter id, date). Rows are only ever written for dates the
// billing provider has closed, so they are never invalidated or deleted.
package costcache

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/vnmchuo/cost-dashboard/internal/cost"
)

type DB interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

type PostgresStore struct {
	db DB
}

func NewPostgresStore(db DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// EnsureSchema creates the cache table if it does not exist. Safe to call
// on every startup.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	_, err := s.db.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS cost_cache (
			query_kind TEXT NOT NULL,
			filter_id  TEXT NOT NULL DEFAULT '',
			date       DATE NOT NULL,
			amount     DOUBLE PRECISION NOT NULL,
			currency   TEXT NOT NULL DEFAULT 'USD',
			PRIMARY KEY (query_kind, filter_id, date)
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create cost_cache table: %w", err)
	}
	return nil
}

// Get returns cached records in [start, end) ascending by date.
func (s *PostgresStore) Get(ctx context.Context, kind cost.Granularity, filterID, start, end string) ([]cost.Record, error) {
	query := `
		SELECT date::text, amount, currency
		FROM cost_cache
		WHERE query_kind = $1 AND filter_id = $2 AND date >= $3::date AND date < $4::date
		ORDER BY date
	`
	rows, err := s.db.Query(ctx, query, string(kind), filterID, start, end)
	if err != nil {
		return nil, fmt.Errorf("failed to query cost cache: %w", err)
	}
	defer rows.Close()

	var records []cost.Record
	for rows.Next() {
		var r cost.Record
		if err := rows.Scan(&r.Date, &r.Amount, &r.Currency); err != nil {
			return nil, fmt.Errorf("failed to scan cached cost: %w", err)
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating cost cache: %w", err)
	}

	return records, nil
}

// Put upserts records under (kind, filterID, date). The upsert is atomic
// per row, so concurrent write-backs for the same key converge on the last
// write with no torn state.
func (s *PostgresStore) Put(ctx context.Context, kind cost.Granularity, filterID string, records []cost.Record) error {
	query := `
		INSERT INTO cost_cache (query_kind, filter_id, date, amount, currency)
		VALUES ($1, $2, $3::date, $4, $5)
		ON CONFLICT (query_kind, filter_id, date)
		DO UPDATE SET amount = EXCLUDED.amount, currency = EXCLUDED.currency
	`
	for _, r := range records {
		if _, err := s.db.Exec(ctx, query, string(kind), filterID, r.Date, r.Amount, r.Currency); err != nil {
			return fmt.Errorf("failed to upsert cached cost for %s: %w", r.Date, err)
		}
	}
	return nil
}
