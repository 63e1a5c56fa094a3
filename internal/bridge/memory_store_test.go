package bridge

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/shplabs/shpbridge/internal/gateway"
)

func testSettlement(requestID string, phase Phase) *Settlement {
	return &Settlement{
		ID:        "set_" + requestID,
		RequestID: requestID,
		Type:      TypeDeposit,
		UserID:    "user1",
		Rail:      gateway.RailMobileMoney,
		Party:     "254712345678",
		Amount:    big.NewInt(10_000),
		Phase:     phase,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
}

func TestMemoryStore_CreateAndGet(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	s := testSettlement("req-1", PhaseCreated)
	if err := store.Create(ctx, s); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	got, err := store.Get(ctx, "req-1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.RequestID != "req-1" || got.Phase != PhaseCreated {
		t.Errorf("Got wrong settlement: %+v", got)
	}

	// Stored copy must be isolated from caller mutation.
	got.Amount.SetInt64(999)
	again, _ := store.Get(ctx, "req-1")
	if again.Amount.Int64() != 10_000 {
		t.Errorf("Store leaked internal state, amount became %s", again.Amount)
	}
}

func TestMemoryStore_DuplicateRequestID(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	if err := store.Create(ctx, testSettlement("req-dup", PhaseCreated)); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	err := store.Create(ctx, testSettlement("req-dup", PhaseCreated))
	if !errors.Is(err, ErrDuplicate) {
		t.Errorf("Expected ErrDuplicate, got %v", err)
	}
}

func TestMemoryStore_GetNotFound(t *testing.T) {
	store := NewMemoryStore()
	_, err := store.Get(context.Background(), "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestMemoryStore_TransitionGuardsPhase(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	s := testSettlement("req-cas", PhaseCreated)
	if err := store.Create(ctx, s); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	s.Phase = PhasePaymentPending
	if err := store.Transition(ctx, s, PhaseCreated); err != nil {
		t.Fatalf("Transition failed: %v", err)
	}

	// A second writer still holding the old phase must lose.
	stale := testSettlement("req-cas", PhasePaymentConfirmed)
	err := store.Transition(ctx, stale, PhaseCreated)
	if !errors.Is(err, ErrPhaseConflict) {
		t.Errorf("Expected ErrPhaseConflict, got %v", err)
	}

	got, _ := store.Get(ctx, "req-cas")
	if got.Phase != PhasePaymentPending {
		t.Errorf("Conflicting write must not land, phase is %s", got.Phase)
	}
}

func TestMemoryStore_TransitionNotFound(t *testing.T) {
	store := NewMemoryStore()
	err := store.Transition(context.Background(), testSettlement("ghost", PhaseCreated), PhaseCreated)
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestMemoryStore_ListPending(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	older := testSettlement("req-old", PhaseMintPending)
	older.CreatedAt = time.Now().Add(-time.Hour)
	newer := testSettlement("req-new", PhasePaymentPending)
	done := testSettlement("req-done", PhaseCompleted)
	blocked := testSettlement("req-kyc", PhaseKYCRequired)

	for _, s := range []*Settlement{newer, older, done, blocked} {
		if err := store.Create(ctx, s); err != nil {
			t.Fatalf("Create failed: %v", err)
		}
	}

	pending, err := store.ListPending(ctx, 10)
	if err != nil {
		t.Fatalf("ListPending failed: %v", err)
	}
	if len(pending) != 2 {
		t.Fatalf("Expected 2 pending, got %d", len(pending))
	}
	if pending[0].RequestID != "req-old" {
		t.Errorf("Expected oldest first, got %s", pending[0].RequestID)
	}
}

func TestMemoryStore_ListByUser(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	mine := testSettlement("req-mine", PhaseCompleted)
	other := testSettlement("req-other", PhaseCompleted)
	other.UserID = "someone-else"
	incoming := testSettlement("req-incoming", PhaseCompleted)
	incoming.UserID = "someone-else"
	incoming.CounterpartyID = "user1"

	for _, s := range []*Settlement{mine, other, incoming} {
		if err := store.Create(ctx, s); err != nil {
			t.Fatalf("Create failed: %v", err)
		}
	}

	list, err := store.ListByUser(ctx, "user1", 10, 0)
	if err != nil {
		t.Fatalf("ListByUser failed: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("Expected 2 settlements (own + incoming transfer), got %d", len(list))
	}

	page, err := store.ListByUser(ctx, "user1", 1, 1)
	if err != nil {
		t.Fatalf("ListByUser with offset failed: %v", err)
	}
	if len(page) != 1 {
		t.Errorf("Expected 1 settlement on second page, got %d", len(page))
	}
}

func TestMemoryStore_ListReconciliation(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	stuck := testSettlement("req-stuck", PhaseMintFailed)
	stuckPayout := testSettlement("req-stuck2", PhasePayoutFailed)
	clean := testSettlement("req-clean", PhaseBurnFailed)

	for _, s := range []*Settlement{stuck, stuckPayout, clean} {
		if err := store.Create(ctx, s); err != nil {
			t.Fatalf("Create failed: %v", err)
		}
	}

	queue, err := store.ListReconciliation(ctx, 10)
	if err != nil {
		t.Fatalf("ListReconciliation failed: %v", err)
	}
	if len(queue) != 2 {
		t.Fatalf("Expected 2 in queue, got %d", len(queue))
	}
	for _, s := range queue {
		if !s.Phase.NeedsReconciliation() {
			t.Errorf("Unexpected phase in queue: %s", s.Phase)
		}
	}
}
