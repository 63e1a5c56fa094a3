package gateway

import (
	"context"
	"errors"
	"math/big"
	"testing"
)

type fakeClient struct {
	initiated []PaymentRequest
	result    *PaymentResult
	status    PaymentStatus
}

func (f *fakeClient) InitiatePayment(ctx context.Context, req PaymentRequest) (*PaymentResult, error) {
	f.initiated = append(f.initiated, req)
	if f.result != nil {
		return f.result, nil
	}
	return &PaymentResult{GatewayRef: "ref_1", Status: PaymentPending}, nil
}

func (f *fakeClient) PollStatus(ctx context.Context, gatewayRef string) (PaymentStatus, error) {
	return f.status, nil
}

func TestRouter_DispatchesByRail(t *testing.T) {
	mobile := &fakeClient{}
	bank := &fakeClient{}

	r := NewRouter()
	r.Register(RailMobileMoney, mobile)
	r.Register(RailBank, bank)

	req := PaymentRequest{
		RequestID: "dep-1",
		Direction: DirectionCollect,
		Party:     "254712345678",
		Amount:    big.NewInt(10_000),
	}

	_, err := r.InitiatePayment(context.Background(), RailMobileMoney, req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(mobile.initiated) != 1 {
		t.Fatalf("expected 1 call to mobile client, got %d", len(mobile.initiated))
	}
	if len(bank.initiated) != 0 {
		t.Fatalf("bank client should not be called, got %d", len(bank.initiated))
	}
}

func TestRouter_UnsupportedRail(t *testing.T) {
	r := NewRouter()

	_, err := r.InitiatePayment(context.Background(), Rail("crypto"), PaymentRequest{})
	if !errors.Is(err, ErrUnsupportedRail) {
		t.Fatalf("expected ErrUnsupportedRail, got %v", err)
	}

	_, err = r.PollStatus(context.Background(), RailBank, "po_123")
	if !errors.Is(err, ErrUnsupportedRail) {
		t.Fatalf("expected ErrUnsupportedRail, got %v", err)
	}
}

func TestRail_Valid(t *testing.T) {
	if !RailMobileMoney.Valid() || !RailBank.Valid() {
		t.Error("supported rails should be valid")
	}
	if Rail("paypal").Valid() {
		t.Error("unknown rail should be invalid")
	}
}

func TestPaymentStatus_Terminal(t *testing.T) {
	if PaymentPending.Terminal() {
		t.Error("pending is not terminal")
	}
	if !PaymentSucceeded.Terminal() || !PaymentFailed.Terminal() {
		t.Error("succeeded and failed are terminal")
	}
}

func TestError_Unwrap(t *testing.T) {
	inner := errors.New("boom")
	err := &Error{Rail: RailBank, Op: "collect", Err: inner}
	if !errors.Is(err, inner) {
		t.Fatal("Error should unwrap to inner error")
	}
}

func TestBank_AmountOutsideProviderRange(t *testing.T) {
	// Stripe takes minor units as int64. Anything wider must be
	// rejected before the request is built, not truncated.
	huge := new(big.Int).Lsh(big.NewInt(1), 70)

	b := &Bank{}
	for _, dir := range []Direction{DirectionCollect, DirectionPayout} {
		_, err := b.InitiatePayment(context.Background(), PaymentRequest{
			RequestID: "dep-huge",
			Direction: dir,
			Party:     "12345678",
			Amount:    huge,
		})
		if err == nil {
			t.Fatalf("%s: expected error for out-of-range amount", dir)
		}
		var gerr *Error
		if !errors.As(err, &gerr) || gerr.Rail != RailBank {
			t.Fatalf("%s: expected bank gateway error, got %v", dir, err)
		}
	}

	if _, err := stripeAmount(nil, "collect"); err == nil {
		t.Fatal("expected error for nil amount")
	}
	if got, err := stripeAmount(big.NewInt(10_000), "collect"); err != nil || got != 10_000 {
		t.Fatalf("stripeAmount(10000) = %d, %v", got, err)
	}
}

func TestWholeShillings(t *testing.T) {
	tests := []struct {
		cents *big.Int
		want  int64
	}{
		{big.NewInt(10_000), 100},
		{big.NewInt(150), 1}, // rounds down
		{big.NewInt(99), 0},
		{nil, 0},
	}
	for _, tt := range tests {
		if got := wholeShillings(tt.cents); got != tt.want {
			t.Errorf("wholeShillings(%v) = %d, want %d", tt.cents, got, tt.want)
		}
	}
}
