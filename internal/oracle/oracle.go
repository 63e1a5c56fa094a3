// Package oracle maintains the peg by computing the target price and
// reserve valuation from macro signals and publishing them to the
// ledger.
package oracle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/shplabs/shpbridge/internal/metrics"
	"github.com/shplabs/shpbridge/internal/signals"
)

const (
	// DefaultGrowthThreshold is the growth rate, in percent, above
	// which the price may leave parity.
	DefaultGrowthThreshold = 5.0

	// DefaultVolumeThreshold is the KES transaction volume that must
	// also be exceeded before the price moves.
	DefaultVolumeThreshold = 100_000_000.0

	// priceDecimals is the fixed-point scale the contract expects.
	priceDecimals = 18
)

var (
	// ErrNoState is returned before the first successful cycle.
	ErrNoState = errors.New("oracle: no reserve state published yet")
	// ErrStale is returned when the last published state is older than
	// one oracle cycle.
	ErrStale = errors.New("oracle: reserve state is stale")
)

// ReserveState is the last published peg state.
type ReserveState struct {
	Price           float64   `json:"price"`
	ReserveValue    float64   `json:"reserveValue"`
	CollateralRatio float64   `json:"collateralRatio"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

// Ledger is the slice of the chain client the oracle needs.
type Ledger interface {
	UpdatePriceAndReserve(ctx context.Context, price, reserveValue *big.Int) (string, error)
	TotalSupply(ctx context.Context) (*big.Int, error)
}

// Notifier receives peg updates after each successful cycle.
type Notifier interface {
	PegUpdated(state ReserveState)
}

// ComputePrice applies the peg pricing policy. The price stays at
// parity unless both thresholds are exceeded together, then rises
// proportionally to the growth excess. Either signal alone is treated
// as noise.
func ComputePrice(growth, volume, growthThreshold, volumeThreshold float64) float64 {
	if growth > growthThreshold && volume > volumeThreshold {
		return 1.0 + (growth-growthThreshold)/100
	}
	return 1.0
}

// Service runs oracle cycles.
type Service struct {
	signals  signals.Source
	ledger   Ledger
	logger   *slog.Logger
	notifier Notifier

	growthThreshold float64
	volumeThreshold float64
	interval        time.Duration

	mu    sync.RWMutex
	state ReserveState
	ready bool
}

// Option configures the service.
type Option func(*Service)

// WithThresholds overrides the pricing policy thresholds.
func WithThresholds(growth, volume float64) Option {
	return func(s *Service) {
		s.growthThreshold = growth
		s.volumeThreshold = volume
	}
}

// WithInterval sets the cycle interval used for staleness judgement.
// Non-positive values keep the default.
func WithInterval(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.interval = d
		}
	}
}

// WithNotifier sets a peg update notifier.
func WithNotifier(n Notifier) Option {
	return func(s *Service) { s.notifier = n }
}

// NewService creates an oracle service.
func NewService(src signals.Source, ledger Ledger, logger *slog.Logger, opts ...Option) *Service {
	s := &Service{
		signals:         src,
		ledger:          ledger,
		logger:          logger,
		growthThreshold: DefaultGrowthThreshold,
		volumeThreshold: DefaultVolumeThreshold,
		interval:        time.Hour,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// State returns the last published reserve state. ErrStale means the
// state is older than one cycle and its collateral ratio must not be
// trusted.
func (s *Service) State() (ReserveState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.ready {
		return ReserveState{}, ErrNoState
	}
	if time.Since(s.state.UpdatedAt) > s.interval {
		return s.state, ErrStale
	}
	return s.state, nil
}

// Run executes one oracle cycle: read the signals, compute the price,
// publish price and reserve to the ledger, refresh the cached state.
// A failed cycle leaves the previous state untouched; the next tick
// retries naturally.
func (s *Service) Run(ctx context.Context) (ReserveState, error) {
	growth, err := s.signals.Fetch(ctx, signals.MetricGrowthRate)
	if err != nil {
		return s.fail(fmt.Errorf("oracle: %w", err))
	}
	volume, err := s.signals.Fetch(ctx, signals.MetricTransactionVolume)
	if err != nil {
		return s.fail(fmt.Errorf("oracle: %w", err))
	}
	userGrowth, err := s.signals.Fetch(ctx, signals.MetricUserGrowth)
	if err != nil {
		return s.fail(fmt.Errorf("oracle: %w", err))
	}
	reserveValue, err := s.signals.Fetch(ctx, signals.MetricReserveValuation)
	if err != nil {
		return s.fail(fmt.Errorf("oracle: %w", err))
	}
	if reserveValue < 0 {
		return s.fail(fmt.Errorf("oracle: negative reserve valuation %v", reserveValue))
	}

	price := ComputePrice(growth, volume, s.growthThreshold, s.volumeThreshold)

	txRef, err := s.ledger.UpdatePriceAndReserve(ctx, scaleFixed(price), scaleFixed(reserveValue))
	if err != nil {
		return s.fail(fmt.Errorf("oracle: publish price: %w", err))
	}

	ratio, err := s.collateralRatio(ctx, price, reserveValue)
	if err != nil {
		// The push committed; report the ratio as unknown rather than
		// failing the cycle.
		s.logger.Warn("collateral ratio unavailable", "error", err)
		ratio = 0
	}

	state := ReserveState{
		Price:           price,
		ReserveValue:    reserveValue,
		CollateralRatio: ratio,
		UpdatedAt:       time.Now(),
	}
	s.mu.Lock()
	s.state = state
	s.ready = true
	s.mu.Unlock()

	metrics.OracleRunsTotal.WithLabelValues("ok").Inc()
	metrics.OraclePrice.Set(price)
	s.logger.Info("oracle cycle published",
		"price", price, "growth", growth, "volume", volume,
		"userGrowth", userGrowth, "reserveValue", reserveValue,
		"collateralRatio", ratio, "txRef", txRef)

	if s.notifier != nil {
		s.notifier.PegUpdated(state)
	}
	return state, nil
}

func (s *Service) fail(err error) (ReserveState, error) {
	metrics.OracleRunsTotal.WithLabelValues("error").Inc()
	s.logger.Warn("oracle cycle failed", "error", err)
	return ReserveState{}, err
}

// collateralRatio is reserve value over outstanding supply value at the
// freshly computed price.
func (s *Service) collateralRatio(ctx context.Context, price, reserveValue float64) (float64, error) {
	supply, err := s.ledger.TotalSupply(ctx)
	if err != nil {
		return 0, err
	}
	tokens, _ := new(big.Float).Quo(
		new(big.Float).SetInt(supply),
		big.NewFloat(1e18),
	).Float64()
	if tokens <= 0 || price <= 0 {
		return 0, nil
	}
	return reserveValue / (tokens * price), nil
}

// scaleFixed converts a float value to the contract's 18 decimal
// fixed-point representation.
func scaleFixed(v float64) *big.Int {
	scaled, _ := new(big.Float).Mul(
		big.NewFloat(v),
		new(big.Float).SetInt(new(big.Int).Exp(big.NewInt(10), big.NewInt(priceDecimals), nil)),
	).Int(nil)
	return scaled
}
