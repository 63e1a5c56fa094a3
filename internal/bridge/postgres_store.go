package bridge

import (
	"context"
	"database/sql"
	"math/big"
	"time"

	"github.com/lib/pq"

	"github.com/shplabs/shpbridge/internal/gateway"
)

// PostgresStore persists settlement records in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed settlement store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Create(ctx context.Context, s *Settlement) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO settlements (
			id, request_id, type, user_id, counterparty_id,
			rail, party, amount_cents, phase,
			gateway_ref, ledger_tx_ref, failure_reason, attempts,
			created_at, updated_at, completed_at
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, $8::NUMERIC(38,0), $9,
			$10, $11, $12, $13,
			$14, $15, $16
		)`,
		s.ID, s.RequestID, string(s.Type), s.UserID, nullString(s.CounterpartyID),
		nullString(string(s.Rail)), nullString(s.Party), s.Amount.String(), string(s.Phase),
		nullString(s.GatewayRef), nullString(s.LedgerTxRef), nullString(s.FailureReason), s.Attempts,
		s.CreatedAt, s.UpdatedAt, nullTime(s.CompletedAt),
	)
	if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
		return ErrDuplicate
	}
	return err
}

const settlementColumns = `id, request_id, type, user_id, counterparty_id,
		       rail, party, amount_cents, phase,
		       gateway_ref, ledger_tx_ref, failure_reason, attempts,
		       created_at, updated_at, completed_at`

func (p *PostgresStore) Get(ctx context.Context, requestID string) (*Settlement, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+settlementColumns+` FROM settlements WHERE request_id = $1`, requestID)

	s, err := scanSettlement(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return s, err
}

func (p *PostgresStore) Transition(ctx context.Context, s *Settlement, from Phase) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE settlements SET
			phase = $1, gateway_ref = $2, ledger_tx_ref = $3,
			failure_reason = $4, attempts = $5, updated_at = $6, completed_at = $7
		WHERE request_id = $8 AND phase = $9`,
		string(s.Phase), nullString(s.GatewayRef), nullString(s.LedgerTxRef),
		nullString(s.FailureReason), s.Attempts, s.UpdatedAt, nullTime(s.CompletedAt),
		s.RequestID, string(from),
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		// Either missing or someone else advanced the phase.
		if _, getErr := p.Get(ctx, s.RequestID); getErr != nil {
			return getErr
		}
		return ErrPhaseConflict
	}
	return nil
}

func (p *PostgresStore) ListPending(ctx context.Context, limit int) ([]*Settlement, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+settlementColumns+`
		FROM settlements
		WHERE phase NOT IN ('completed', 'external_payment_failed', 'ledger_mint_failed',
		                    'ledger_burn_failed', 'external_payout_failed', 'transfer_failed',
		                    'kyc_required', 'reconciled')
		ORDER BY created_at ASC
		LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanSettlements(rows)
}

func (p *PostgresStore) ListByUser(ctx context.Context, userID string, limit, offset int) ([]*Settlement, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+settlementColumns+`
		FROM settlements
		WHERE user_id = $1 OR counterparty_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3`, userID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanSettlements(rows)
}

func (p *PostgresStore) ListReconciliation(ctx context.Context, limit int) ([]*Settlement, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+settlementColumns+`
		FROM settlements
		WHERE phase IN ('ledger_mint_failed', 'external_payout_failed')
		ORDER BY created_at ASC
		LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanSettlements(rows)
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanSettlement(sc scanner) (*Settlement, error) {
	s := &Settlement{}
	var (
		typ            string
		counterpartyID sql.NullString
		rail           sql.NullString
		party          sql.NullString
		amount         string
		phase          string
		gatewayRef     sql.NullString
		ledgerTxRef    sql.NullString
		failureReason  sql.NullString
		completedAt    sql.NullTime
	)

	err := sc.Scan(
		&s.ID, &s.RequestID, &typ, &s.UserID, &counterpartyID,
		&rail, &party, &amount, &phase,
		&gatewayRef, &ledgerTxRef, &failureReason, &s.Attempts,
		&s.CreatedAt, &s.UpdatedAt, &completedAt,
	)
	if err != nil {
		return nil, err
	}

	s.Type = SettlementType(typ)
	s.Phase = Phase(phase)
	s.CounterpartyID = counterpartyID.String
	s.Rail = gateway.Rail(rail.String)
	s.Party = party.String
	s.GatewayRef = gatewayRef.String
	s.LedgerTxRef = ledgerTxRef.String
	s.FailureReason = failureReason.String
	if completedAt.Valid {
		s.CompletedAt = &completedAt.Time
	}
	s.Amount, _ = new(big.Int).SetString(amount, 10)

	return s, nil
}

func scanSettlements(rows *sql.Rows) ([]*Settlement, error) {
	var result []*Settlement
	for rows.Next() {
		s, err := scanSettlement(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, s)
	}
	return result, rows.Err()
}

// nullString converts an empty Go string to sql.NullString.
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// nullTime converts a *time.Time to sql.NullTime.
func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
