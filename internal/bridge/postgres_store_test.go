package bridge

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/shplabs/shpbridge/internal/testutil"
)

func TestPostgresStore_CreateAndGet(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()

	s := testSettlement("pg-req-1", PhaseCreated)
	s.Amount = new(big.Int)
	s.Amount.SetString("123456789012345678901234567890", 10)
	if err := store.Create(ctx, s); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	got, err := store.Get(ctx, "pg-req-1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.RequestID != "pg-req-1" || got.Phase != PhaseCreated || got.Type != TypeDeposit {
		t.Errorf("Got wrong settlement: %+v", got)
	}
	// Amounts larger than int64 must survive the NUMERIC round trip.
	if got.Amount.Cmp(s.Amount) != 0 {
		t.Errorf("Amount round trip lost precision: want %s, got %s", s.Amount, got.Amount)
	}
	if got.CompletedAt != nil {
		t.Errorf("Expected nil CompletedAt, got %v", got.CompletedAt)
	}
}

func TestPostgresStore_DuplicateRequestID(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()

	if err := store.Create(ctx, testSettlement("pg-dup", PhaseCreated)); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	err := store.Create(ctx, testSettlement("pg-dup", PhaseCreated))
	if !errors.Is(err, ErrDuplicate) {
		t.Errorf("Expected ErrDuplicate, got %v", err)
	}
}

func TestPostgresStore_GetNotFound(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	_, err := store.Get(context.Background(), "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestPostgresStore_TransitionGuardsPhase(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()

	s := testSettlement("pg-cas", PhaseCreated)
	if err := store.Create(ctx, s); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	s.Phase = PhasePaymentPending
	s.GatewayRef = "mm-checkout-1"
	s.UpdatedAt = time.Now()
	if err := store.Transition(ctx, s, PhaseCreated); err != nil {
		t.Fatalf("Transition failed: %v", err)
	}

	// A second writer still holding the old phase must lose.
	stale := testSettlement("pg-cas", PhasePaymentConfirmed)
	err := store.Transition(ctx, stale, PhaseCreated)
	if !errors.Is(err, ErrPhaseConflict) {
		t.Errorf("Expected ErrPhaseConflict, got %v", err)
	}

	got, _ := store.Get(ctx, "pg-cas")
	if got.Phase != PhasePaymentPending {
		t.Errorf("Conflicting write must not land, phase is %s", got.Phase)
	}
	if got.GatewayRef != "mm-checkout-1" {
		t.Errorf("Transition dropped gateway ref, got %q", got.GatewayRef)
	}
}

func TestPostgresStore_TransitionNotFound(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	err := store.Transition(context.Background(), testSettlement("pg-ghost", PhaseCreated), PhaseCreated)
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestPostgresStore_ListPending(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()

	older := testSettlement("pg-old", PhaseMintPending)
	older.CreatedAt = time.Now().Add(-time.Hour)
	newer := testSettlement("pg-new", PhasePaymentPending)
	done := testSettlement("pg-done", PhaseCompleted)
	now := time.Now()
	done.CompletedAt = &now

	for _, s := range []*Settlement{newer, older, done} {
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
	if pending[0].RequestID != "pg-old" {
		t.Errorf("Expected oldest first, got %s", pending[0].RequestID)
	}
}

func TestPostgresStore_ListByUserAndReconciliation(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()

	mine := testSettlement("pg-mine", PhaseCompleted)
	incoming := testSettlement("pg-incoming", PhaseCompleted)
	incoming.UserID = "someone-else"
	incoming.CounterpartyID = "user1"
	stuck := testSettlement("pg-stuck", PhaseMintFailed)
	stuck.UserID = "someone-else"

	for _, s := range []*Settlement{mine, incoming, stuck} {
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

	queue, err := store.ListReconciliation(ctx, 10)
	if err != nil {
		t.Fatalf("ListReconciliation failed: %v", err)
	}
	if len(queue) != 1 || queue[0].RequestID != "pg-stuck" {
		t.Fatalf("Expected pg-stuck in reconciliation queue, got %+v", queue)
	}
}
