package rebase

import (
	"context"
	"database/sql"
	"fmt"
)

// PostgresStore persists rebase events in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a store backed by an existing database
// handle. Schema is managed by the migrations under migrations/.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Append implements EventStore.
func (p *PostgresStore) Append(ctx context.Context, e *Event) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO rebase_events (id, created_at, adjustment_percent, direction, supply_delta, tx_ref)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		e.ID, e.Timestamp, e.AdjustmentPercent, string(e.Direction), e.SupplyDelta, nullStr(e.TxRef))
	if err != nil {
		return fmt.Errorf("failed to insert rebase event: %w", err)
	}
	return nil
}

// List implements EventStore. Newest first.
func (p *PostgresStore) List(ctx context.Context, limit int) ([]*Event, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, created_at, adjustment_percent, direction, supply_delta, tx_ref
		FROM rebase_events
		ORDER BY created_at DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list rebase events: %w", err)
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		var (
			e         Event
			direction string
			txRef     sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.Timestamp, &e.AdjustmentPercent, &direction, &e.SupplyDelta, &txRef); err != nil {
			return nil, fmt.Errorf("failed to scan rebase event: %w", err)
		}
		e.Direction = Direction(direction)
		if txRef.Valid {
			e.TxRef = txRef.String
		}
		events = append(events, &e)
	}
	return events, rows.Err()
}

func nullStr(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

var _ EventStore = (*PostgresStore)(nil)
