// Package signals provides the macro signal sources feeding the peg
// oracle and the rebase engine.
package signals

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// Metric names one macro signal.
type Metric string

const (
	// MetricGrowthRate is the economic growth rate in percent.
	MetricGrowthRate Metric = "growth_rate"
	// MetricTransactionVolume is the KES transaction volume over the
	// sampling window.
	MetricTransactionVolume Metric = "transaction_volume"
	// MetricUserGrowth is the platform user growth rate in percent.
	MetricUserGrowth Metric = "user_growth"
	// MetricReserveValuation is the fiat reserve valuation in KES.
	MetricReserveValuation Metric = "reserve_valuation"
)

// ErrUnknownMetric is returned when no source serves a metric.
var ErrUnknownMetric = errors.New("signals: unknown metric")

// FetchError wraps a failed signal fetch with its metric.
type FetchError struct {
	Metric Metric
	Err    error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("signals: fetch %s: %v", e.Metric, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// Source fetches the current value of one or more metrics.
type Source interface {
	Fetch(ctx context.Context, metric Metric) (float64, error)
}

// Mux routes each metric to the source registered for it. The central
// bank feed, the telco feed, and the platform stats service each cover
// different metrics.
type Mux struct {
	mu      sync.RWMutex
	sources map[Metric]Source
}

// NewMux creates an empty signal mux.
func NewMux() *Mux {
	return &Mux{sources: make(map[Metric]Source)}
}

// Register binds a metric to a source, replacing any previous binding.
func (m *Mux) Register(metric Metric, src Source) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sources[metric] = src
}

// Fetch implements Source.
func (m *Mux) Fetch(ctx context.Context, metric Metric) (float64, error) {
	m.mu.RLock()
	src, ok := m.sources[metric]
	m.mu.RUnlock()
	if !ok {
		return 0, &FetchError{Metric: metric, Err: ErrUnknownMetric}
	}
	return src.Fetch(ctx, metric)
}

// Static serves fixed values, for tests and local development.
type Static struct {
	mu     sync.RWMutex
	values map[Metric]float64
}

// NewStatic creates a static source with the given values.
func NewStatic(values map[Metric]float64) *Static {
	if values == nil {
		values = make(map[Metric]float64)
	}
	return &Static{values: values}
}

// Set updates one metric value.
func (s *Static) Set(metric Metric, value float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[metric] = value
}

// Fetch implements Source.
func (s *Static) Fetch(ctx context.Context, metric Metric) (float64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[metric]
	if !ok {
		return 0, &FetchError{Metric: metric, Err: ErrUnknownMetric}
	}
	return v, nil
}
