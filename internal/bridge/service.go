package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/shplabs/shpbridge/internal/circuitbreaker"
	"github.com/shplabs/shpbridge/internal/gateway"
	"github.com/shplabs/shpbridge/internal/idgen"
	"github.com/shplabs/shpbridge/internal/kes"
	"github.com/shplabs/shpbridge/internal/kyc"
	"github.com/shplabs/shpbridge/internal/metrics"
	"github.com/shplabs/shpbridge/internal/traces"
)

const (
	// DefaultCallTimeout bounds every gateway and ledger call.
	DefaultCallTimeout = 30 * time.Second

	// DefaultMaxAttempts bounds ledger submissions per settlement before
	// it is parked as failed.
	DefaultMaxAttempts = 3

	breakerLedger = "ledger"
)

func breakerRail(rail gateway.Rail) string { return "gateway:" + string(rail) }

// Service runs settlements between the payment rails and the ledger.
type Service struct {
	store    Store
	ledger   Ledger
	payments Payments
	kycGate  *kyc.Gate
	breaker  *circuitbreaker.Breaker
	notifier Notifier
	logger   *slog.Logger

	callTimeout time.Duration
	maxAttempts int

	// One mutex per in-flight requestId. All phase reads and writes for
	// a settlement happen under its lock, so concurrent duplicates
	// serialize instead of racing.
	locks sync.Map
}

// Option configures the service.
type Option func(*Service)

// WithBreaker sets a circuit breaker for the external dependencies.
func WithBreaker(b *circuitbreaker.Breaker) Option {
	return func(s *Service) { s.breaker = b }
}

// WithNotifier sets a settlement event notifier.
func WithNotifier(n Notifier) Option {
	return func(s *Service) { s.notifier = n }
}

// WithCallTimeout bounds each external call. Non-positive values keep
// the default.
func WithCallTimeout(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.callTimeout = d
		}
	}
}

// WithMaxAttempts bounds ledger submissions per settlement. Non-positive
// values keep the default.
func WithMaxAttempts(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.maxAttempts = n
		}
	}
}

// NewService creates a settlement service.
func NewService(store Store, ledger Ledger, payments Payments, kycGate *kyc.Gate, logger *slog.Logger, opts ...Option) *Service {
	s := &Service{
		store:       store,
		ledger:      ledger,
		payments:    payments,
		kycGate:     kycGate,
		logger:      logger,
		callTimeout: DefaultCallTimeout,
		maxAttempts: DefaultMaxAttempts,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (svc *Service) lockFor(requestID string) *sync.Mutex {
	mu, _ := svc.locks.LoadOrStore(requestID, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// evictTerminal drops the per-request mutex once its settlement can
// never advance again, keeping the lock table bounded by in-flight
// work rather than process lifetime. A waiter still holding the old
// mutex is harmless: it reads the terminal record and returns, and
// store transitions are compare-and-swap besides.
func (svc *Service) evictTerminal(s *Settlement) {
	if s != nil && s.Phase.Terminal() {
		svc.locks.Delete(s.RequestID)
	}
}

func (svc *Service) notify(s *Settlement) {
	if svc.notifier != nil {
		svc.notifier.SettlementUpdated(copySettlement(s))
	}
}

// callCtx derives a bounded context for one external call.
func (svc *Service) callCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, svc.callTimeout)
}

// timedOut reports whether err is a deadline rather than a definitive
// failure. A timed-out call may still have landed; the settlement stays
// in its pending phase and the resumer polls or re-issues later.
func timedOut(err error) bool {
	return errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
}

// -----------------------------------------------------------------------------
// Initiation
// -----------------------------------------------------------------------------

// DepositRequest asks to collect fiat and mint tokens.
type DepositRequest struct {
	RequestID string
	UserID    string
	Rail      gateway.Rail
	Party     string
	Amount    *big.Int // KES cents
}

// WithdrawalRequest asks to burn tokens and pay fiat out.
type WithdrawalRequest struct {
	RequestID string
	UserID    string
	Rail      gateway.Rail
	Party     string
	Amount    *big.Int
}

// TransferRequest asks to move tokens between two users on the ledger.
type TransferRequest struct {
	RequestID string
	FromUser  string
	ToUser    string
	Amount    *big.Int
}

// InitiateDeposit starts (or replays) a deposit. A requestId already on
// record returns the stored settlement untouched.
func (svc *Service) InitiateDeposit(ctx context.Context, req DepositRequest) (*Settlement, error) {
	mu := svc.lockFor(req.RequestID)
	mu.Lock()
	defer mu.Unlock()

	if existing, err := svc.store.Get(ctx, req.RequestID); err == nil {
		svc.evictTerminal(existing)
		return existing, nil
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	s := &Settlement{
		ID:        idgen.WithPrefix("set_"),
		RequestID: req.RequestID,
		Type:      TypeDeposit,
		UserID:    req.UserID,
		Rail:      req.Rail,
		Party:     req.Party,
		Amount:    new(big.Int).Set(req.Amount),
		Phase:     PhaseCreated,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}

	if err := svc.gateKYC(ctx, s); err != nil {
		svc.evictTerminal(s)
		return s, err
	}

	if err := svc.store.Create(ctx, s); err != nil {
		if errors.Is(err, ErrDuplicate) {
			return svc.store.Get(ctx, req.RequestID)
		}
		return nil, err
	}
	svc.notify(s)

	err := svc.advance(ctx, s)
	svc.evictTerminal(s)
	return s, err
}

// InitiateWithdrawal starts (or replays) a withdrawal.
func (svc *Service) InitiateWithdrawal(ctx context.Context, req WithdrawalRequest) (*Settlement, error) {
	mu := svc.lockFor(req.RequestID)
	mu.Lock()
	defer mu.Unlock()

	if existing, err := svc.store.Get(ctx, req.RequestID); err == nil {
		svc.evictTerminal(existing)
		return existing, nil
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	s := &Settlement{
		ID:        idgen.WithPrefix("set_"),
		RequestID: req.RequestID,
		Type:      TypeWithdrawal,
		UserID:    req.UserID,
		Rail:      req.Rail,
		Party:     req.Party,
		Amount:    new(big.Int).Set(req.Amount),
		Phase:     PhaseCreated,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}

	if err := svc.gateKYC(ctx, s); err != nil {
		svc.evictTerminal(s)
		return s, err
	}

	if err := svc.store.Create(ctx, s); err != nil {
		if errors.Is(err, ErrDuplicate) {
			return svc.store.Get(ctx, req.RequestID)
		}
		return nil, err
	}
	svc.notify(s)

	err := svc.advance(ctx, s)
	svc.evictTerminal(s)
	return s, err
}

// InitiateTransfer starts (or replays) an on-ledger transfer.
func (svc *Service) InitiateTransfer(ctx context.Context, req TransferRequest) (*Settlement, error) {
	mu := svc.lockFor(req.RequestID)
	mu.Lock()
	defer mu.Unlock()

	if existing, err := svc.store.Get(ctx, req.RequestID); err == nil {
		svc.evictTerminal(existing)
		return existing, nil
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	s := &Settlement{
		ID:             idgen.WithPrefix("set_"),
		RequestID:      req.RequestID,
		Type:           TypeTransfer,
		UserID:         req.FromUser,
		CounterpartyID: req.ToUser,
		Amount:         new(big.Int).Set(req.Amount),
		Phase:          PhaseCreated,
		CreatedAt:      time.Now(),
		UpdatedAt:      time.Now(),
	}

	if err := svc.gateKYC(ctx, s); err != nil {
		svc.evictTerminal(s)
		return s, err
	}

	if err := svc.store.Create(ctx, s); err != nil {
		if errors.Is(err, ErrDuplicate) {
			return svc.store.Get(ctx, req.RequestID)
		}
		return nil, err
	}
	svc.notify(s)

	err := svc.advance(ctx, s)
	svc.evictTerminal(s)
	return s, err
}

// gateKYC runs the verification gate before any gateway or ledger call.
// A blocked settlement is persisted in kyc_required so the caller can
// replay it after the user verifies (replays use a fresh requestId).
func (svc *Service) gateKYC(ctx context.Context, s *Settlement) error {
	if svc.kycGate == nil {
		return nil
	}

	err := svc.kycGate.Check(ctx, s.UserID, s.Amount)
	if err == nil {
		return nil
	}

	var required *kyc.RequiredError
	if errors.As(err, &required) {
		s.Phase = PhaseKYCRequired
		s.FailureReason = "kyc verification required"
		s.UpdatedAt = time.Now()
		if createErr := svc.store.Create(ctx, s); createErr != nil && !errors.Is(createErr, ErrDuplicate) {
			return createErr
		}
		metrics.KYCBlockedTotal.Inc()
		metrics.SettlementsTotal.WithLabelValues(string(s.Type), string(PhaseKYCRequired)).Inc()
		svc.logger.Info("settlement blocked pending kyc",
			"requestId", s.RequestID, "userId", s.UserID, "amount", kes.Format(s.Amount))
		svc.notify(s)
		return required
	}
	return err
}

// -----------------------------------------------------------------------------
// Queries
// -----------------------------------------------------------------------------

// GetStatus returns the settlement for a requestId.
func (svc *Service) GetStatus(ctx context.Context, requestID string) (*Settlement, error) {
	return svc.store.Get(ctx, requestID)
}

// History returns a user's settlements, newest first.
func (svc *Service) History(ctx context.Context, userID string, limit, offset int) ([]*Settlement, error) {
	return svc.store.ListByUser(ctx, userID, limit, offset)
}

// ListReconciliation returns settlements stuck half-done.
func (svc *Service) ListReconciliation(ctx context.Context, limit int) ([]*Settlement, error) {
	return svc.store.ListReconciliation(ctx, limit)
}

// ResolveReconciliation marks a half-done settlement as manually
// resolved. note records what the operator did (refund, re-mint, payout
// retry outside the bridge).
func (svc *Service) ResolveReconciliation(ctx context.Context, requestID, note string) (*Settlement, error) {
	mu := svc.lockFor(requestID)
	mu.Lock()
	defer mu.Unlock()

	s, err := svc.store.Get(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if !s.Phase.NeedsReconciliation() {
		return nil, fmt.Errorf("bridge: settlement %s is %s, not awaiting reconciliation", requestID, s.Phase)
	}

	from := s.Phase
	s.Phase = PhaseReconciled
	s.FailureReason = note
	s.UpdatedAt = time.Now()
	if err := svc.store.Transition(ctx, s, from); err != nil {
		return nil, err
	}
	metrics.ReconciliationPending.Dec()
	svc.logger.Info("settlement reconciled", "requestId", requestID, "note", note)
	svc.notify(s)
	svc.evictTerminal(s)
	return s, nil
}

// -----------------------------------------------------------------------------
// Resume
// -----------------------------------------------------------------------------

// ResumePending advances every non-terminal settlement one sweep.
// Called on startup and by the resume timer.
func (svc *Service) ResumePending(ctx context.Context) error {
	pending, err := svc.store.ListPending(ctx, 500)
	if err != nil {
		return fmt.Errorf("failed to list pending settlements: %w", err)
	}

	for _, s := range pending {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := svc.Resume(ctx, s.RequestID); err != nil {
			svc.logger.Warn("resume failed", "requestId", s.RequestID, "error", err)
		}
	}
	return nil
}

// Resume advances a single settlement from its stored phase.
func (svc *Service) Resume(ctx context.Context, requestID string) error {
	mu := svc.lockFor(requestID)
	mu.Lock()
	defer mu.Unlock()

	s, err := svc.store.Get(ctx, requestID)
	if err != nil {
		return err
	}
	if s.Phase.Terminal() {
		svc.evictTerminal(s)
		return nil
	}
	err = svc.advance(ctx, s)
	svc.evictTerminal(s)
	return err
}

// -----------------------------------------------------------------------------
// The pipeline
// -----------------------------------------------------------------------------

// advance drives a settlement as far as it can go right now. It stops
// cleanly when an external side is still pending; a later Resume picks
// up from the persisted phase. Caller holds the settlement lock.
func (svc *Service) advance(ctx context.Context, s *Settlement) error {
	ctx, span := traces.StartSpan(ctx, "settlement.advance",
		traces.RequestID(s.RequestID),
		traces.UserID(s.UserID),
		traces.Rail(string(s.Rail)),
		traces.Phase(string(s.Phase)),
		traces.Amount(s.Amount.String()),
	)
	defer func() {
		if s.LedgerTxRef != "" {
			span.SetAttributes(traces.TxRef(s.LedgerTxRef))
		}
		span.End()
	}()

	for !s.Phase.Terminal() {
		var (
			progressed bool
			err        error
		)

		switch s.Phase {
		case PhaseCreated:
			switch s.Type {
			case TypeDeposit:
				progressed, err = svc.startDepositPayment(ctx, s)
			case TypeWithdrawal:
				progressed, err = svc.startBurn(ctx, s)
			case TypeTransfer:
				progressed, err = svc.startTransfer(ctx, s)
			default:
				return fmt.Errorf("bridge: unknown settlement type %q", s.Type)
			}

		case PhasePaymentPending:
			progressed, err = svc.pollDepositPayment(ctx, s)
		case PhasePaymentConfirmed:
			progressed, err = svc.startMint(ctx, s)
		case PhaseMintPending:
			progressed, err = svc.checkMint(ctx, s)

		case PhaseBurnPending:
			progressed, err = svc.checkBurn(ctx, s)
		case PhaseBurnConfirmed:
			progressed, err = svc.startPayout(ctx, s)
		case PhasePayoutPending:
			progressed, err = svc.pollPayout(ctx, s)

		case PhaseTransferPending:
			progressed, err = svc.checkTransfer(ctx, s)

		default:
			return fmt.Errorf("bridge: settlement %s in unexpected phase %q", s.RequestID, s.Phase)
		}

		if err != nil {
			return err
		}
		if !progressed {
			return nil
		}
	}
	return nil
}

// transition persists s's new phase and mirrors it to listeners.
func (svc *Service) transition(ctx context.Context, s *Settlement, from Phase) error {
	s.UpdatedAt = time.Now()
	if err := svc.store.Transition(ctx, s, from); err != nil {
		return err
	}
	if s.Phase != from {
		svc.logger.Info("settlement phase",
			"requestId", s.RequestID, "type", s.Type, "from", from, "to", s.Phase)
	}
	svc.notify(s)
	return nil
}

// complete finalizes a successful settlement.
func (svc *Service) complete(ctx context.Context, s *Settlement, from Phase) error {
	now := time.Now()
	s.Phase = PhaseCompleted
	s.CompletedAt = &now
	if err := svc.transition(ctx, s, from); err != nil {
		return err
	}
	metrics.SettlementsTotal.WithLabelValues(string(s.Type), string(PhaseCompleted)).Inc()
	metrics.SettlementDuration.WithLabelValues(string(s.Type)).Observe(now.Sub(s.CreatedAt).Seconds())
	return nil
}

// fail parks a settlement in a terminal failure phase.
func (svc *Service) fail(ctx context.Context, s *Settlement, from, to Phase, reason string) error {
	s.Phase = to
	s.FailureReason = reason
	if err := svc.transition(ctx, s, from); err != nil {
		return err
	}
	metrics.SettlementsTotal.WithLabelValues(string(s.Type), string(to)).Inc()
	if to.NeedsReconciliation() {
		metrics.ReconciliationPending.Inc()
		svc.logger.Error("CRITICAL: settlement stuck half-done, manual reconciliation required",
			"requestId", s.RequestID, "type", s.Type, "phase", to,
			"amount", kes.Format(s.Amount), "gatewayRef", s.GatewayRef, "ledgerTxRef", s.LedgerTxRef,
			"reason", reason)
	}
	return nil
}

// --- Deposit steps ---

func (svc *Service) startDepositPayment(ctx context.Context, s *Settlement) (bool, error) {
	// Persist intent before touching the gateway.
	s.Phase = PhasePaymentPending
	if err := svc.transition(ctx, s, PhaseCreated); err != nil {
		return false, err
	}
	return svc.initiateCollect(ctx, s)
}

// initiateCollect asks the gateway to collect fiat. Shared between the
// first attempt and resume-without-reference: the requestId idempotency
// key makes re-initiation safe.
func (svc *Service) initiateCollect(ctx context.Context, s *Settlement) (bool, error) {
	key := breakerRail(s.Rail)
	if svc.breaker != nil && !svc.breaker.Allow(key) {
		svc.logger.Warn("gateway circuit open, deferring collect", "requestId", s.RequestID, "rail", s.Rail)
		return false, nil
	}

	callCtx, cancel := svc.callCtx(ctx)
	res, err := svc.payments.InitiatePayment(callCtx, s.Rail, gateway.PaymentRequest{
		RequestID: s.RequestID,
		Direction: gateway.DirectionCollect,
		Party:     s.Party,
		Amount:    s.Amount,
		Narrative: "SHP deposit",
	})
	cancel()

	if err != nil {
		if timedOut(err) {
			// The collect may still have landed; poll on resume.
			metrics.GatewayCallsTotal.WithLabelValues(string(s.Rail), "timeout").Inc()
			return false, nil
		}
		if svc.breaker != nil {
			svc.breaker.RecordFailure(key)
		}
		metrics.GatewayCallsTotal.WithLabelValues(string(s.Rail), "error").Inc()
		if failErr := svc.fail(ctx, s, PhasePaymentPending, PhasePaymentFailed, err.Error()); failErr != nil {
			return false, failErr
		}
		return false, &GatewayError{RequestID: s.RequestID, Err: err}
	}

	if svc.breaker != nil {
		svc.breaker.RecordSuccess(key)
	}
	metrics.GatewayCallsTotal.WithLabelValues(string(s.Rail), "ok").Inc()

	s.GatewayRef = res.GatewayRef
	if err := svc.transition(ctx, s, PhasePaymentPending); err != nil {
		return false, err
	}

	if res.Status == gateway.PaymentSucceeded {
		s.Phase = PhasePaymentConfirmed
		if err := svc.transition(ctx, s, PhasePaymentPending); err != nil {
			return false, err
		}
		return true, nil
	}
	if res.Status == gateway.PaymentFailed {
		if err := svc.fail(ctx, s, PhasePaymentPending, PhasePaymentFailed, "payment declined"); err != nil {
			return false, err
		}
		return false, &GatewayError{RequestID: s.RequestID, Err: gateway.ErrDeclined}
	}

	// Pending: the user still has to approve on their side.
	return false, nil
}

func (svc *Service) pollDepositPayment(ctx context.Context, s *Settlement) (bool, error) {
	if s.GatewayRef == "" {
		// Initiation never recorded a reference; re-issue, the gateway
		// dedups by requestId.
		return svc.initiateCollect(ctx, s)
	}

	callCtx, cancel := svc.callCtx(ctx)
	status, err := svc.payments.PollStatus(callCtx, s.Rail, s.GatewayRef)
	cancel()
	if err != nil {
		// Poll failures are always retryable.
		metrics.GatewayCallsTotal.WithLabelValues(string(s.Rail), "poll_error").Inc()
		svc.logger.Warn("payment poll failed", "requestId", s.RequestID, "error", err)
		return false, nil
	}

	switch status {
	case gateway.PaymentSucceeded:
		s.Phase = PhasePaymentConfirmed
		if err := svc.transition(ctx, s, PhasePaymentPending); err != nil {
			return false, err
		}
		return true, nil
	case gateway.PaymentFailed:
		if err := svc.fail(ctx, s, PhasePaymentPending, PhasePaymentFailed, "payment failed"); err != nil {
			return false, err
		}
		return false, &GatewayError{RequestID: s.RequestID, Err: gateway.ErrDeclined}
	default:
		return false, nil
	}
}

func (svc *Service) startMint(ctx context.Context, s *Settlement) (bool, error) {
	s.Phase = PhaseMintPending
	if err := svc.transition(ctx, s, PhasePaymentConfirmed); err != nil {
		return false, err
	}
	return svc.submitMint(ctx, s)
}

func (svc *Service) submitMint(ctx context.Context, s *Settlement) (bool, error) {
	if svc.breaker != nil && !svc.breaker.Allow(breakerLedger) {
		svc.logger.Warn("ledger circuit open, deferring mint", "requestId", s.RequestID)
		return false, nil
	}

	callCtx, cancel := svc.callCtx(ctx)
	txRef, err := svc.ledger.Mint(callCtx, s.UserID, kes.ToWei(s.Amount), s.RequestID)
	cancel()

	if err != nil {
		if timedOut(err) {
			// The tx may have been broadcast; resume resubmits with the
			// same dedup ref, which the contract ignores if it landed.
			metrics.LedgerCallsTotal.WithLabelValues("mint", "timeout").Inc()
			return false, nil
		}
		if svc.breaker != nil {
			svc.breaker.RecordFailure(breakerLedger)
		}
		metrics.LedgerCallsTotal.WithLabelValues("mint", "error").Inc()

		s.Attempts++
		if s.Attempts < svc.maxAttempts {
			svc.logger.Warn("mint submit failed, will retry",
				"requestId", s.RequestID, "attempt", s.Attempts, "error", err)
			return false, svc.transition(ctx, s, PhaseMintPending)
		}
		// Fiat is collected but tokens never minted.
		if failErr := svc.fail(ctx, s, PhaseMintPending, PhaseMintFailed, err.Error()); failErr != nil {
			return false, failErr
		}
		return false, &ReconciliationError{RequestID: s.RequestID, Phase: PhaseMintFailed, Err: err}
	}

	if svc.breaker != nil {
		svc.breaker.RecordSuccess(breakerLedger)
	}
	metrics.LedgerCallsTotal.WithLabelValues("mint", "ok").Inc()

	s.LedgerTxRef = txRef
	if err := svc.transition(ctx, s, PhaseMintPending); err != nil {
		return false, err
	}
	return true, nil
}

func (svc *Service) checkMint(ctx context.Context, s *Settlement) (bool, error) {
	if s.LedgerTxRef == "" {
		return svc.submitMint(ctx, s)
	}

	callCtx, cancel := svc.callCtx(ctx)
	state, err := svc.ledger.TxState(callCtx, s.LedgerTxRef)
	cancel()
	if err != nil {
		svc.logger.Warn("mint status check failed", "requestId", s.RequestID, "error", err)
		return false, nil
	}

	switch state {
	case TxStateConfirmed:
		return true, svc.complete(ctx, s, PhaseMintPending)
	case TxStateFailed:
		// Fiat collected, mint reverted.
		err := fmt.Errorf("mint transaction %s reverted", s.LedgerTxRef)
		if failErr := svc.fail(ctx, s, PhaseMintPending, PhaseMintFailed, err.Error()); failErr != nil {
			return false, failErr
		}
		return false, &ReconciliationError{RequestID: s.RequestID, Phase: PhaseMintFailed, Err: err}
	case TxStateUnknown:
		// The node never saw it; resubmit under the same dedup ref.
		s.LedgerTxRef = ""
		return false, svc.transition(ctx, s, PhaseMintPending)
	default:
		return false, nil
	}
}

// --- Withdrawal steps ---

func (svc *Service) startBurn(ctx context.Context, s *Settlement) (bool, error) {
	s.Phase = PhaseBurnPending
	if err := svc.transition(ctx, s, PhaseCreated); err != nil {
		return false, err
	}
	return svc.submitBurn(ctx, s)
}

func (svc *Service) submitBurn(ctx context.Context, s *Settlement) (bool, error) {
	if svc.breaker != nil && !svc.breaker.Allow(breakerLedger) {
		svc.logger.Warn("ledger circuit open, deferring burn", "requestId", s.RequestID)
		return false, nil
	}

	callCtx, cancel := svc.callCtx(ctx)
	txRef, err := svc.ledger.Burn(callCtx, s.UserID, kes.ToWei(s.Amount), s.RequestID)
	cancel()

	if err != nil {
		if timedOut(err) {
			metrics.LedgerCallsTotal.WithLabelValues("burn", "timeout").Inc()
			return false, nil
		}
		if svc.breaker != nil {
			svc.breaker.RecordFailure(breakerLedger)
		}
		metrics.LedgerCallsTotal.WithLabelValues("burn", "error").Inc()

		s.Attempts++
		if s.Attempts < svc.maxAttempts {
			svc.logger.Warn("burn submit failed, will retry",
				"requestId", s.RequestID, "attempt", s.Attempts, "error", err)
			return false, svc.transition(ctx, s, PhaseBurnPending)
		}
		// Nothing burned; the user keeps their tokens.
		if failErr := svc.fail(ctx, s, PhaseBurnPending, PhaseBurnFailed, err.Error()); failErr != nil {
			return false, failErr
		}
		return false, &LedgerError{RequestID: s.RequestID, Err: err}
	}

	if svc.breaker != nil {
		svc.breaker.RecordSuccess(breakerLedger)
	}
	metrics.LedgerCallsTotal.WithLabelValues("burn", "ok").Inc()

	s.LedgerTxRef = txRef
	if err := svc.transition(ctx, s, PhaseBurnPending); err != nil {
		return false, err
	}
	return true, nil
}

func (svc *Service) checkBurn(ctx context.Context, s *Settlement) (bool, error) {
	if s.LedgerTxRef == "" {
		return svc.submitBurn(ctx, s)
	}

	callCtx, cancel := svc.callCtx(ctx)
	state, err := svc.ledger.TxState(callCtx, s.LedgerTxRef)
	cancel()
	if err != nil {
		svc.logger.Warn("burn status check failed", "requestId", s.RequestID, "error", err)
		return false, nil
	}

	switch state {
	case TxStateConfirmed:
		s.Phase = PhaseBurnConfirmed
		if err := svc.transition(ctx, s, PhaseBurnPending); err != nil {
			return false, err
		}
		return true, nil
	case TxStateFailed:
		err := fmt.Errorf("burn transaction %s reverted", s.LedgerTxRef)
		if failErr := svc.fail(ctx, s, PhaseBurnPending, PhaseBurnFailed, err.Error()); failErr != nil {
			return false, failErr
		}
		return false, &LedgerError{RequestID: s.RequestID, Err: err}
	case TxStateUnknown:
		s.LedgerTxRef = ""
		return false, svc.transition(ctx, s, PhaseBurnPending)
	default:
		return false, nil
	}
}

func (svc *Service) startPayout(ctx context.Context, s *Settlement) (bool, error) {
	s.Phase = PhasePayoutPending
	if err := svc.transition(ctx, s, PhaseBurnConfirmed); err != nil {
		return false, err
	}
	return svc.initiatePayout(ctx, s)
}

func (svc *Service) initiatePayout(ctx context.Context, s *Settlement) (bool, error) {
	key := breakerRail(s.Rail)
	if svc.breaker != nil && !svc.breaker.Allow(key) {
		svc.logger.Warn("gateway circuit open, deferring payout", "requestId", s.RequestID, "rail", s.Rail)
		return false, nil
	}

	callCtx, cancel := svc.callCtx(ctx)
	res, err := svc.payments.InitiatePayment(callCtx, s.Rail, gateway.PaymentRequest{
		RequestID: s.RequestID,
		Direction: gateway.DirectionPayout,
		Party:     s.Party,
		Amount:    s.Amount,
		Narrative: "SHP withdrawal",
	})
	cancel()

	if err != nil {
		if timedOut(err) {
			// The payout may have been accepted; never blind-retry money
			// out, resume polls or re-issues under the same requestId.
			metrics.GatewayCallsTotal.WithLabelValues(string(s.Rail), "timeout").Inc()
			return false, nil
		}
		if svc.breaker != nil {
			svc.breaker.RecordFailure(key)
		}
		metrics.GatewayCallsTotal.WithLabelValues(string(s.Rail), "error").Inc()
		// Tokens are burned but the user was never paid.
		if failErr := svc.fail(ctx, s, PhasePayoutPending, PhasePayoutFailed, err.Error()); failErr != nil {
			return false, failErr
		}
		return false, &ReconciliationError{RequestID: s.RequestID, Phase: PhasePayoutFailed, Err: err}
	}

	if svc.breaker != nil {
		svc.breaker.RecordSuccess(key)
	}
	metrics.GatewayCallsTotal.WithLabelValues(string(s.Rail), "ok").Inc()

	s.GatewayRef = res.GatewayRef
	if err := svc.transition(ctx, s, PhasePayoutPending); err != nil {
		return false, err
	}

	if res.Status == gateway.PaymentSucceeded {
		return true, svc.complete(ctx, s, PhasePayoutPending)
	}
	if res.Status == gateway.PaymentFailed {
		err := fmt.Errorf("payout declined")
		if failErr := svc.fail(ctx, s, PhasePayoutPending, PhasePayoutFailed, err.Error()); failErr != nil {
			return false, failErr
		}
		return false, &ReconciliationError{RequestID: s.RequestID, Phase: PhasePayoutFailed, Err: err}
	}
	return false, nil
}

func (svc *Service) pollPayout(ctx context.Context, s *Settlement) (bool, error) {
	if s.GatewayRef == "" {
		return svc.initiatePayout(ctx, s)
	}

	callCtx, cancel := svc.callCtx(ctx)
	status, err := svc.payments.PollStatus(callCtx, s.Rail, s.GatewayRef)
	cancel()
	if err != nil {
		metrics.GatewayCallsTotal.WithLabelValues(string(s.Rail), "poll_error").Inc()
		svc.logger.Warn("payout poll failed", "requestId", s.RequestID, "error", err)
		return false, nil
	}

	switch status {
	case gateway.PaymentSucceeded:
		return true, svc.complete(ctx, s, PhasePayoutPending)
	case gateway.PaymentFailed:
		err := fmt.Errorf("payout failed at provider")
		if failErr := svc.fail(ctx, s, PhasePayoutPending, PhasePayoutFailed, err.Error()); failErr != nil {
			return false, failErr
		}
		return false, &ReconciliationError{RequestID: s.RequestID, Phase: PhasePayoutFailed, Err: err}
	default:
		return false, nil
	}
}

// --- Transfer steps ---

func (svc *Service) startTransfer(ctx context.Context, s *Settlement) (bool, error) {
	s.Phase = PhaseTransferPending
	if err := svc.transition(ctx, s, PhaseCreated); err != nil {
		return false, err
	}
	return svc.submitTransfer(ctx, s)
}

func (svc *Service) submitTransfer(ctx context.Context, s *Settlement) (bool, error) {
	if svc.breaker != nil && !svc.breaker.Allow(breakerLedger) {
		svc.logger.Warn("ledger circuit open, deferring transfer", "requestId", s.RequestID)
		return false, nil
	}

	callCtx, cancel := svc.callCtx(ctx)
	txRef, err := svc.ledger.Transfer(callCtx, s.UserID, s.CounterpartyID, kes.ToWei(s.Amount), s.RequestID)
	cancel()

	if err != nil {
		if timedOut(err) {
			metrics.LedgerCallsTotal.WithLabelValues("transfer", "timeout").Inc()
			return false, nil
		}
		if svc.breaker != nil {
			svc.breaker.RecordFailure(breakerLedger)
		}
		metrics.LedgerCallsTotal.WithLabelValues("transfer", "error").Inc()

		s.Attempts++
		if s.Attempts < svc.maxAttempts {
			svc.logger.Warn("transfer submit failed, will retry",
				"requestId", s.RequestID, "attempt", s.Attempts, "error", err)
			return false, svc.transition(ctx, s, PhaseTransferPending)
		}
		if failErr := svc.fail(ctx, s, PhaseTransferPending, PhaseTransferFailed, err.Error()); failErr != nil {
			return false, failErr
		}
		return false, &LedgerError{RequestID: s.RequestID, Err: err}
	}

	if svc.breaker != nil {
		svc.breaker.RecordSuccess(breakerLedger)
	}
	metrics.LedgerCallsTotal.WithLabelValues("transfer", "ok").Inc()

	s.LedgerTxRef = txRef
	if err := svc.transition(ctx, s, PhaseTransferPending); err != nil {
		return false, err
	}
	return true, nil
}

func (svc *Service) checkTransfer(ctx context.Context, s *Settlement) (bool, error) {
	if s.LedgerTxRef == "" {
		return svc.submitTransfer(ctx, s)
	}

	callCtx, cancel := svc.callCtx(ctx)
	state, err := svc.ledger.TxState(callCtx, s.LedgerTxRef)
	cancel()
	if err != nil {
		svc.logger.Warn("transfer status check failed", "requestId", s.RequestID, "error", err)
		return false, nil
	}

	switch state {
	case TxStateConfirmed:
		return true, svc.complete(ctx, s, PhaseTransferPending)
	case TxStateFailed:
		err := fmt.Errorf("transfer transaction %s reverted", s.LedgerTxRef)
		if failErr := svc.fail(ctx, s, PhaseTransferPending, PhaseTransferFailed, err.Error()); failErr != nil {
			return false, failErr
		}
		return false, &LedgerError{RequestID: s.RequestID, Err: err}
	case TxStateUnknown:
		s.LedgerTxRef = ""
		return false, svc.transition(ctx, s, PhaseTransferPending)
	default:
		return false, nil
	}
}
