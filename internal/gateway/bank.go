package gateway

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/client"
)

// Bank is the bank rail, backed by Stripe. Collects run as payment
// intents debiting the user's linked account; payouts run as Stripe
// payouts. Stripe's idempotency keys carry the settlement requestId so
// replays are deduplicated provider-side.
type Bank struct {
	api *client.API
}

var _ Client = (*Bank)(nil)

// NewBank creates a bank rail client.
func NewBank(apiKey string) *Bank {
	api := &client.API{}
	api.Init(apiKey, nil)
	return &Bank{api: api}
}

// InitiatePayment starts a payment intent (collect) or payout.
func (b *Bank) InitiatePayment(ctx context.Context, req PaymentRequest) (*PaymentResult, error) {
	switch req.Direction {
	case DirectionCollect:
		return b.collect(ctx, req)
	case DirectionPayout:
		return b.payout(ctx, req)
	default:
		return nil, &Error{Rail: RailBank, Op: "initiate",
			Err: fmt.Errorf("unknown direction %q", req.Direction)}
	}
}

func (b *Bank) collect(ctx context.Context, req PaymentRequest) (*PaymentResult, error) {
	amount, err := stripeAmount(req.Amount, "collect")
	if err != nil {
		return nil, err
	}
	params := &stripe.PaymentIntentParams{
		Amount:      stripe.Int64(amount),
		Currency:    stripe.String("kes"),
		Description: stripe.String(req.Narrative),
	}
	params.Context = ctx
	params.SetIdempotencyKey("collect_" + req.RequestID)
	params.AddMetadata("requestId", req.RequestID)
	params.AddMetadata("account", req.Party)

	pi, err := b.api.PaymentIntents.New(params)
	if err != nil {
		return nil, &Error{Rail: RailBank, Op: "collect", Err: err}
	}

	return &PaymentResult{
		GatewayRef: pi.ID,
		Status:     paymentIntentStatus(pi.Status),
	}, nil
}

func (b *Bank) payout(ctx context.Context, req PaymentRequest) (*PaymentResult, error) {
	amount, err := stripeAmount(req.Amount, "payout")
	if err != nil {
		return nil, err
	}
	params := &stripe.PayoutParams{
		Amount:      stripe.Int64(amount),
		Currency:    stripe.String("kes"),
		Description: stripe.String(req.Narrative),
	}
	params.Context = ctx
	params.SetIdempotencyKey("payout_" + req.RequestID)
	params.AddMetadata("requestId", req.RequestID)
	params.AddMetadata("account", req.Party)

	po, err := b.api.Payouts.New(params)
	if err != nil {
		return nil, &Error{Rail: RailBank, Op: "payout", Err: err}
	}

	return &PaymentResult{
		GatewayRef: po.ID,
		Status:     payoutStatus(po.Status),
	}, nil
}

// PollStatus looks up a payment intent (pi_*) or payout (po_*) by reference.
func (b *Bank) PollStatus(ctx context.Context, gatewayRef string) (PaymentStatus, error) {
	params := &stripe.PaymentIntentParams{}
	params.Context = ctx

	switch {
	case strings.HasPrefix(gatewayRef, "pi_"):
		pi, err := b.api.PaymentIntents.Get(gatewayRef, params)
		if err != nil {
			return "", &Error{Rail: RailBank, Op: "poll", Err: err}
		}
		return paymentIntentStatus(pi.Status), nil

	case strings.HasPrefix(gatewayRef, "po_"):
		poParams := &stripe.PayoutParams{}
		poParams.Context = ctx
		po, err := b.api.Payouts.Get(gatewayRef, poParams)
		if err != nil {
			return "", &Error{Rail: RailBank, Op: "poll", Err: err}
		}
		return payoutStatus(po.Status), nil

	default:
		return "", &Error{Rail: RailBank, Op: "poll",
			Err: fmt.Errorf("unrecognised reference %q", gatewayRef)}
	}
}

// stripeAmount converts KES cents to the int64 minor units Stripe
// expects. Amounts outside int64 range are rejected rather than
// truncated.
func stripeAmount(cents *big.Int, op string) (int64, error) {
	if cents == nil || !cents.IsInt64() {
		return 0, &Error{Rail: RailBank, Op: op,
			Err: fmt.Errorf("amount %v outside provider range", cents)}
	}
	return cents.Int64(), nil
}

func paymentIntentStatus(s stripe.PaymentIntentStatus) PaymentStatus {
	switch s {
	case stripe.PaymentIntentStatusSucceeded:
		return PaymentSucceeded
	case stripe.PaymentIntentStatusCanceled:
		return PaymentFailed
	default:
		return PaymentPending
	}
}

func payoutStatus(s stripe.PayoutStatus) PaymentStatus {
	switch s {
	case stripe.PayoutStatusPaid:
		return PaymentSucceeded
	case stripe.PayoutStatusFailed, stripe.PayoutStatusCanceled:
		return PaymentFailed
	default:
		return PaymentPending
	}
}
