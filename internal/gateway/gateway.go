// Package gateway abstracts the off-chain payment rails.
//
// A settlement either collects fiat from a user (deposit) or pays fiat
// out to them (withdrawal). Two rails are supported: mobile money via a
// Daraja-style API and bank via Stripe. The Router picks the client for
// a rail; every call carries the settlement requestId as an idempotency
// key so a replayed call cannot move money twice.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"math/big"
)

// Rail identifies an off-chain payment rail.
type Rail string

const (
	RailMobileMoney Rail = "mobile_money"
	RailBank        Rail = "bank"
)

// Valid reports whether the rail is supported.
func (r Rail) Valid() bool {
	return r == RailMobileMoney || r == RailBank
}

// Direction says which way the fiat moves.
type Direction string

const (
	DirectionCollect Direction = "collect" // user pays in (deposit)
	DirectionPayout  Direction = "payout"  // user is paid out (withdrawal)
)

// PaymentStatus reports where an initiated payment stands.
type PaymentStatus string

const (
	PaymentPending   PaymentStatus = "pending"
	PaymentSucceeded PaymentStatus = "succeeded"
	PaymentFailed    PaymentStatus = "failed"
)

// Terminal reports whether the status is final.
func (s PaymentStatus) Terminal() bool {
	return s == PaymentSucceeded || s == PaymentFailed
}

// PaymentRequest describes a payment to initiate on a rail.
type PaymentRequest struct {
	RequestID string    // settlement requestId, doubles as the idempotency key
	Direction Direction
	Party     string   // phone number (mobile money) or account number (bank)
	Amount    *big.Int // KES cents
	Narrative string   // statement text
}

// PaymentResult is returned by InitiatePayment.
type PaymentResult struct {
	GatewayRef string // provider's reference, used to poll status later
	Status     PaymentStatus
}

// Sentinel errors.
var (
	ErrUnsupportedRail = errors.New("gateway: unsupported rail")
	ErrDeclined        = errors.New("gateway: payment declined")
)

// Error wraps rail failures with context.
type Error struct {
	Rail Rail
	Op   string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("gateway: %s %s failed: %v", e.Rail, e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Client initiates and polls payments on a single rail.
type Client interface {
	// InitiatePayment starts a collect or payout. A repeated call with the
	// same RequestID must not move money twice.
	InitiatePayment(ctx context.Context, req PaymentRequest) (*PaymentResult, error)
	// PollStatus looks up a previously initiated payment by its gateway reference.
	PollStatus(ctx context.Context, gatewayRef string) (PaymentStatus, error)
}

// Router dispatches payment calls to the client registered for each rail.
type Router struct {
	clients map[Rail]Client
}

// NewRouter creates an empty router.
func NewRouter() *Router {
	return &Router{clients: make(map[Rail]Client)}
}

// Register binds a client to a rail, replacing any existing binding.
func (r *Router) Register(rail Rail, client Client) {
	r.clients[rail] = client
}

// For returns the client for a rail.
func (r *Router) For(rail Rail) (Client, error) {
	c, ok := r.clients[rail]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedRail, rail)
	}
	return c, nil
}

// InitiatePayment routes to the rail's client.
func (r *Router) InitiatePayment(ctx context.Context, rail Rail, req PaymentRequest) (*PaymentResult, error) {
	c, err := r.For(rail)
	if err != nil {
		return nil, err
	}
	return c.InitiatePayment(ctx, req)
}

// PollStatus routes to the rail's client.
func (r *Router) PollStatus(ctx context.Context, rail Rail, gatewayRef string) (PaymentStatus, error) {
	c, err := r.For(rail)
	if err != nil {
		return "", err
	}
	return c.PollStatus(ctx, gatewayRef)
}
