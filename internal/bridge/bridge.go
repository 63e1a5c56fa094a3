// Package bridge settles value between the off-chain payment rails and
// the on-chain token ledger.
//
// A deposit collects fiat and mints tokens; a withdrawal burns tokens
// and pays fiat out. Every settlement is a persisted record that moves
// through explicit phases, so a crashed or timed-out settlement can be
// resumed from its stored references instead of being replayed blind.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/shplabs/shpbridge/internal/gateway"
)

// SettlementType distinguishes the three settlement flows.
type SettlementType string

const (
	TypeDeposit    SettlementType = "deposit"
	TypeWithdrawal SettlementType = "withdrawal"
	TypeTransfer   SettlementType = "transfer"
)

// Phase is the persisted settlement state. Transitions are
// compare-and-swap: an update names the phase it expects, and loses if
// another writer got there first.
type Phase string

const (
	PhaseCreated Phase = "created"

	// Deposit pipeline
	PhasePaymentPending   Phase = "external_payment_pending"
	PhasePaymentConfirmed Phase = "external_payment_confirmed"
	PhaseMintPending      Phase = "ledger_mint_pending"

	// Withdrawal pipeline
	PhaseBurnPending   Phase = "ledger_burn_pending"
	PhaseBurnConfirmed Phase = "ledger_burn_confirmed"
	PhasePayoutPending Phase = "external_payout_pending"

	// Transfer pipeline
	PhaseTransferPending Phase = "transfer_pending"

	// Terminal phases
	PhaseCompleted      Phase = "completed"
	PhasePaymentFailed  Phase = "external_payment_failed"
	PhaseMintFailed     Phase = "ledger_mint_failed"
	PhaseBurnFailed     Phase = "ledger_burn_failed"
	PhasePayoutFailed   Phase = "external_payout_failed"
	PhaseTransferFailed Phase = "transfer_failed"
	PhaseKYCRequired    Phase = "kyc_required"
	PhaseReconciled     Phase = "reconciled"
)

// Terminal reports whether the phase is final. No automatic process
// moves a settlement out of a terminal phase; reconciled is reached
// only through the admin resolve operation.
func (p Phase) Terminal() bool {
	switch p {
	case PhaseCompleted, PhasePaymentFailed, PhaseMintFailed, PhaseBurnFailed,
		PhasePayoutFailed, PhaseTransferFailed, PhaseKYCRequired, PhaseReconciled:
		return true
	}
	return false
}

// NeedsReconciliation reports whether the settlement stopped in a state
// where value moved on one side but not the other: fiat collected with
// no mint, or tokens burned with no payout.
func (p Phase) NeedsReconciliation() bool {
	return p == PhaseMintFailed || p == PhasePayoutFailed
}

// Settlement is one deposit, withdrawal, or transfer.
type Settlement struct {
	ID             string           `json:"id"`
	RequestID      string           `json:"requestId"`
	Type           SettlementType   `json:"type"`
	UserID         string           `json:"userId"`
	CounterpartyID string           `json:"counterpartyId,omitempty"` // transfer recipient
	Rail           gateway.Rail     `json:"rail,omitempty"`
	Party          string           `json:"party,omitempty"` // phone or account number
	Amount         *big.Int         `json:"-"`               // KES cents
	Phase          Phase            `json:"phase"`
	GatewayRef     string           `json:"gatewayRef,omitempty"`
	LedgerTxRef    string           `json:"ledgerTxRef,omitempty"`
	FailureReason  string           `json:"failureReason,omitempty"`
	Attempts       int              `json:"attempts"`
	CreatedAt      time.Time        `json:"createdAt"`
	UpdatedAt      time.Time        `json:"updatedAt"`
	CompletedAt    *time.Time       `json:"completedAt,omitempty"`
}

// Sentinel errors.
var (
	ErrNotFound      = errors.New("bridge: settlement not found")
	ErrDuplicate     = errors.New("bridge: requestId already exists")
	ErrPhaseConflict = errors.New("bridge: settlement phase changed concurrently")
)

// GatewayError wraps a definitive payment rail failure.
type GatewayError struct {
	RequestID string
	Err       error
}

func (e *GatewayError) Error() string {
	return fmt.Sprintf("bridge: gateway failure for %s: %v", e.RequestID, e.Err)
}

func (e *GatewayError) Unwrap() error { return e.Err }

// LedgerError wraps a definitive on-chain ledger failure.
type LedgerError struct {
	RequestID string
	Err       error
}

func (e *LedgerError) Error() string {
	return fmt.Sprintf("bridge: ledger failure for %s: %v", e.RequestID, e.Err)
}

func (e *LedgerError) Unwrap() error { return e.Err }

// ReconciliationError marks a settlement stuck half-done. It is never
// cleared automatically; an operator resolves it through the admin API.
type ReconciliationError struct {
	RequestID string
	Phase     Phase
	Err       error
}

func (e *ReconciliationError) Error() string {
	return fmt.Sprintf("bridge: settlement %s requires reconciliation (%s): %v", e.RequestID, e.Phase, e.Err)
}

func (e *ReconciliationError) Unwrap() error { return e.Err }

// Store persists settlement records.
type Store interface {
	// Create inserts a new settlement. Returns ErrDuplicate if the
	// requestId is already recorded.
	Create(ctx context.Context, s *Settlement) error

	// Get returns the settlement for a requestId, or ErrNotFound.
	Get(ctx context.Context, requestID string) (*Settlement, error)

	// Transition persists s only if the stored phase still equals from.
	// Returns ErrPhaseConflict if another writer advanced it first.
	Transition(ctx context.Context, s *Settlement, from Phase) error

	// ListPending returns settlements in non-terminal phases, oldest first.
	ListPending(ctx context.Context, limit int) ([]*Settlement, error)

	// ListByUser returns a user's settlements, newest first.
	ListByUser(ctx context.Context, userID string, limit, offset int) ([]*Settlement, error)

	// ListReconciliation returns settlements whose phase needs manual
	// reconciliation, oldest first.
	ListReconciliation(ctx context.Context, limit int) ([]*Settlement, error)
}

// TxState is the bridge's view of a submitted ledger transaction.
type TxState string

const (
	TxStatePending   TxState = "pending"
	TxStateConfirmed TxState = "confirmed"
	TxStateFailed    TxState = "failed"
	TxStateUnknown   TxState = "unknown"
)

// Ledger is the on-chain side of a settlement. ref is the settlement
// requestId; implementations must treat it as a dedup key so a
// resubmitted call cannot mint, burn, or move tokens twice.
type Ledger interface {
	Mint(ctx context.Context, account string, amount *big.Int, ref string) (txRef string, err error)
	Burn(ctx context.Context, account string, amount *big.Int, ref string) (txRef string, err error)
	Transfer(ctx context.Context, from, to string, amount *big.Int, ref string) (txRef string, err error)
	// TxState reports where a previously submitted transaction stands.
	TxState(ctx context.Context, txRef string) (TxState, error)
}

// Payments is the off-chain side of a settlement. *gateway.Router
// satisfies it.
type Payments interface {
	InitiatePayment(ctx context.Context, rail gateway.Rail, req gateway.PaymentRequest) (*gateway.PaymentResult, error)
	PollStatus(ctx context.Context, rail gateway.Rail, gatewayRef string) (gateway.PaymentStatus, error)
}

// Notifier receives settlement lifecycle events. The realtime hub
// satisfies it; a nil notifier is fine.
type Notifier interface {
	SettlementUpdated(s *Settlement)
}
