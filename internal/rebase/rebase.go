// Package rebase adjusts the token supply from growth signals to keep
// per-holder value tracking the peg.
package rebase

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/shplabs/shpbridge/internal/idgen"
	"github.com/shplabs/shpbridge/internal/metrics"
	"github.com/shplabs/shpbridge/internal/signals"
)

const (
	// UserGrowthWeight and EconomicGrowthWeight blend the two growth
	// signals into one adjustment percentage.
	UserGrowthWeight     = 0.7
	EconomicGrowthWeight = 0.3

	// DefaultVolumeThreshold is the transaction volume below which no
	// adjustment happens at all.
	DefaultVolumeThreshold = 100_000_000.0
)

// Direction says which way the supply moved.
type Direction string

const (
	DirectionExpansion   Direction = "expansion"
	DirectionContraction Direction = "contraction"
	// DirectionNone marks a cycle that decided not to adjust.
	DirectionNone Direction = "none"
)

// Event is one rebase decision, applied or not. Append-only audit
// trail.
type Event struct {
	ID                string    `json:"id"`
	Timestamp         time.Time `json:"timestamp"`
	AdjustmentPercent float64   `json:"adjustmentPercent"`
	Direction         Direction `json:"direction"`
	SupplyDelta       string    `json:"supplyDelta"` // absolute, 18 decimal units
	TxRef             string    `json:"txRef,omitempty"`
}

// EventStore persists rebase events.
type EventStore interface {
	Append(ctx context.Context, e *Event) error
	List(ctx context.Context, limit int) ([]*Event, error)
}

// Ledger is the slice of the chain client the engine needs.
type Ledger interface {
	TotalSupply(ctx context.Context) (*big.Int, error)
	Rebase(ctx context.Context, supplyDelta *big.Int, expand bool) (string, error)
}

// Notifier receives applied rebase events.
type Notifier interface {
	RebaseApplied(e Event)
}

// Service runs rebase cycles.
type Service struct {
	signals  signals.Source
	ledger   Ledger
	store    EventStore
	logger   *slog.Logger
	notifier Notifier

	volumeThreshold float64
}

// Option configures the service.
type Option func(*Service)

// WithVolumeThreshold overrides the adjustment gate.
func WithVolumeThreshold(v float64) Option {
	return func(s *Service) { s.volumeThreshold = v }
}

// WithNotifier sets a rebase event notifier.
func WithNotifier(n Notifier) Option {
	return func(s *Service) { s.notifier = n }
}

// NewService creates a rebase engine.
func NewService(src signals.Source, ledger Ledger, store EventStore, logger *slog.Logger, opts ...Option) *Service {
	s := &Service{
		signals:         src,
		ledger:          ledger,
		store:           store,
		logger:          logger,
		volumeThreshold: DefaultVolumeThreshold,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// BlendedPercent combines user growth and economic growth into the
// supply adjustment percentage.
func BlendedPercent(userGrowth, economicGrowth float64) float64 {
	return userGrowth*UserGrowthWeight + economicGrowth*EconomicGrowthWeight
}

// Events returns recent rebase events, newest first.
func (s *Service) Events(ctx context.Context, limit int) ([]*Event, error) {
	return s.store.List(ctx, limit)
}

// Run executes one rebase cycle. Low volume yields a recorded
// zero-adjustment event and no ledger call; that is a successful cycle,
// not a failure. A non-zero adjustment issues exactly one ledger rebase
// call, sized from a supply figure read immediately beforehand so the
// percentage never compounds on a stale number.
func (s *Service) Run(ctx context.Context) (*Event, error) {
	userGrowth, err := s.signals.Fetch(ctx, signals.MetricUserGrowth)
	if err != nil {
		return s.fail(fmt.Errorf("rebase: %w", err))
	}
	economicGrowth, err := s.signals.Fetch(ctx, signals.MetricGrowthRate)
	if err != nil {
		return s.fail(fmt.Errorf("rebase: %w", err))
	}
	volume, err := s.signals.Fetch(ctx, signals.MetricTransactionVolume)
	if err != nil {
		return s.fail(fmt.Errorf("rebase: %w", err))
	}

	pct := 0.0
	if volume > s.volumeThreshold {
		pct = BlendedPercent(userGrowth, economicGrowth)
	}

	if pct == 0 {
		event := &Event{
			ID:                idgen.WithPrefix("reb_"),
			Timestamp:         time.Now(),
			AdjustmentPercent: 0,
			Direction:         DirectionNone,
			SupplyDelta:       "0",
		}
		if err := s.store.Append(ctx, event); err != nil {
			return s.fail(fmt.Errorf("rebase: record event: %w", err))
		}
		metrics.RebaseRunsTotal.WithLabelValues("noop").Inc()
		s.logger.Info("rebase cycle skipped", "volume", volume, "volumeThreshold", s.volumeThreshold)
		return event, nil
	}

	supply, err := s.ledger.TotalSupply(ctx)
	if err != nil {
		return s.fail(fmt.Errorf("rebase: read supply: %w", err))
	}

	delta := adjustment(supply, pct)
	expand := pct > 0
	direction := DirectionExpansion
	if !expand {
		direction = DirectionContraction
	}

	if delta.Sign() == 0 {
		// Percentage rounded to nothing against the current supply.
		event := &Event{
			ID:                idgen.WithPrefix("reb_"),
			Timestamp:         time.Now(),
			AdjustmentPercent: pct,
			Direction:         DirectionNone,
			SupplyDelta:       "0",
		}
		if err := s.store.Append(ctx, event); err != nil {
			return s.fail(fmt.Errorf("rebase: record event: %w", err))
		}
		metrics.RebaseRunsTotal.WithLabelValues("noop").Inc()
		return event, nil
	}

	txRef, err := s.ledger.Rebase(ctx, delta, expand)
	if err != nil {
		return s.fail(fmt.Errorf("rebase: apply: %w", err))
	}

	event := &Event{
		ID:                idgen.WithPrefix("reb_"),
		Timestamp:         time.Now(),
		AdjustmentPercent: pct,
		Direction:         direction,
		SupplyDelta:       delta.String(),
		TxRef:             txRef,
	}
	if err := s.store.Append(ctx, event); err != nil {
		// The ledger call went through; losing the audit row is worth a
		// loud log but not a failed cycle.
		s.logger.Error("CRITICAL: rebase applied but event not recorded",
			"txRef", txRef, "delta", delta.String(), "error", err)
	}

	metrics.RebaseRunsTotal.WithLabelValues("ok").Inc()
	s.logger.Info("rebase applied",
		"percent", pct, "direction", direction, "delta", delta.String(),
		"userGrowth", userGrowth, "economicGrowth", economicGrowth, "txRef", txRef)

	if s.notifier != nil {
		s.notifier.RebaseApplied(*event)
	}
	return event, nil
}

func (s *Service) fail(err error) (*Event, error) {
	metrics.RebaseRunsTotal.WithLabelValues("error").Inc()
	s.logger.Warn("rebase cycle failed", "error", err)
	return nil, err
}

// adjustment is |supply * pct / 100| in base units.
func adjustment(supply *big.Int, pct float64) *big.Int {
	product := new(big.Float).Mul(new(big.Float).SetInt(supply), big.NewFloat(pct))
	product.Quo(product, big.NewFloat(100))
	out, _ := product.Int(nil)
	return out.Abs(out)
}
