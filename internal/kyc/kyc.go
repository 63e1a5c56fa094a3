// Package kyc gates large settlements on identity verification.
//
// Amounts above the configured threshold require a verified user before
// any money moves. The check runs before the first gateway or ledger call
// so a blocked settlement makes zero external calls.
package kyc

import (
	"context"
	"fmt"
	"math/big"
	"sync"
)

// RequiredError indicates a settlement was halted pending verification.
// The settlement is parked, not failed: it can be replayed once the user
// completes KYC.
type RequiredError struct {
	UserID string
	Amount *big.Int // KES cents
}

func (e *RequiredError) Error() string {
	return fmt.Sprintf("kyc verification required for user %s", e.UserID)
}

// Verifier reports whether a user has completed identity verification.
type Verifier interface {
	IsVerified(ctx context.Context, userID string) (bool, error)
}

// Gate enforces the verification threshold.
type Gate struct {
	verifier  Verifier
	threshold *big.Int // KES cents; amounts strictly above require verification
}

// NewGate creates a KYC gate. Amounts strictly greater than threshold
// (in KES cents) require a verified user.
func NewGate(verifier Verifier, threshold *big.Int) *Gate {
	return &Gate{verifier: verifier, threshold: new(big.Int).Set(threshold)}
}

// Threshold returns the configured threshold in KES cents.
func (g *Gate) Threshold() *big.Int {
	return new(big.Int).Set(g.threshold)
}

// Check returns a *RequiredError if amount exceeds the threshold and the
// user is not verified. Amounts at or below the threshold pass without
// consulting the verifier.
func (g *Gate) Check(ctx context.Context, userID string, amount *big.Int) error {
	if amount.Cmp(g.threshold) <= 0 {
		return nil
	}

	verified, err := g.verifier.IsVerified(ctx, userID)
	if err != nil {
		return fmt.Errorf("kyc lookup failed: %w", err)
	}
	if !verified {
		return &RequiredError{UserID: userID, Amount: new(big.Int).Set(amount)}
	}
	return nil
}

// StaticVerifier is an in-memory verifier for development and tests.
type StaticVerifier struct {
	mu       sync.RWMutex
	verified map[string]bool
}

// NewStaticVerifier creates a verifier with the given pre-verified users.
func NewStaticVerifier(verified ...string) *StaticVerifier {
	v := &StaticVerifier{verified: make(map[string]bool)}
	for _, u := range verified {
		v.verified[u] = true
	}
	return v
}

// SetVerified marks a user as verified or unverified.
func (v *StaticVerifier) SetVerified(userID string, ok bool) {
	v.mu.Lock()
	v.verified[userID] = ok
	v.mu.Unlock()
}

func (v *StaticVerifier) IsVerified(ctx context.Context, userID string) (bool, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.verified[userID], nil
}
