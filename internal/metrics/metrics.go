// Package metrics provides Prometheus instrumentation for the bridge.
package metrics

import (
	"context"
	"database/sql"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "shpbridge",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "shpbridge",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// SettlementsTotal counts settlements by type and terminal phase.
	SettlementsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "shpbridge",
			Name:      "settlements_total",
			Help:      "Total settlements by type (deposit, withdrawal, transfer) and terminal phase.",
		},
		[]string{"type", "phase"},
	)

	// SettlementDuration observes time from initiation to terminal phase.
	SettlementDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "shpbridge",
			Name:      "settlement_duration_seconds",
			Help:      "Time from settlement creation to terminal phase in seconds.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
		},
		[]string{"type"},
	)

	// GatewayCallsTotal counts payment gateway calls by rail and result.
	GatewayCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "shpbridge",
			Name:      "gateway_calls_total",
			Help:      "Total payment gateway calls by rail and result.",
		},
		[]string{"rail", "result"},
	)

	// LedgerCallsTotal counts on-chain ledger calls by operation and result.
	LedgerCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "shpbridge",
			Name:      "ledger_calls_total",
			Help:      "Total on-chain ledger calls by operation and result.",
		},
		[]string{"op", "result"},
	)

	// KYCBlockedTotal counts settlements blocked by the KYC gate.
	KYCBlockedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "shpbridge",
		Name:      "kyc_blocked_total",
		Help:      "Total settlements halted pending KYC verification.",
	})

	// ReconciliationPending tracks settlements awaiting manual reconciliation.
	ReconciliationPending = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "shpbridge",
		Name:      "reconciliation_pending",
		Help:      "Number of settlements currently requiring manual reconciliation.",
	})

	// OracleRunsTotal counts peg oracle runs by result.
	OracleRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "shpbridge",
			Name:      "oracle_runs_total",
			Help:      "Total peg oracle runs by result (updated, skipped, failed).",
		},
		[]string{"result"},
	)

	// OraclePrice tracks the last computed peg price.
	OraclePrice = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "shpbridge",
		Name:      "oracle_price",
		Help:      "Last computed peg price.",
	})

	// RebaseRunsTotal counts rebase engine runs by result.
	RebaseRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "shpbridge",
			Name:      "rebase_runs_total",
			Help:      "Total rebase runs by result (expanded, contracted, noop, skipped, failed).",
		},
		[]string{"result"},
	)

	// ActiveWebSocketClients tracks connected WebSocket clients.
	ActiveWebSocketClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "shpbridge",
			Name:      "active_websocket_clients",
			Help:      "Number of currently connected WebSocket clients.",
		},
	)

	// DBOpenConnections tracks open database connections.
	DBOpenConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "shpbridge", Name: "db_open_connections",
		Help: "Number of open database connections.",
	})
	// DBIdleConnections tracks idle database connections.
	DBIdleConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "shpbridge", Name: "db_idle_connections",
		Help: "Number of idle database connections.",
	})
	// DBInUseConnections tracks in-use database connections.
	DBInUseConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "shpbridge", Name: "db_in_use_connections",
		Help: "Number of in-use database connections.",
	})
	// DBWaitCount tracks the total number of connections waited for.
	DBWaitCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "shpbridge", Name: "db_wait_count_total",
		Help: "Total number of connections waited for.",
	})
	// DBWaitDuration tracks total time waited for connections.
	DBWaitDuration = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "shpbridge", Name: "db_wait_duration_seconds_total",
		Help: "Total time waited for connections in seconds.",
	})
	// GoroutineCount tracks the current number of goroutines.
	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "shpbridge", Name: "goroutines",
		Help: "Current number of goroutines.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		SettlementsTotal,
		SettlementDuration,
		GatewayCallsTotal,
		LedgerCallsTotal,
		KYCBlockedTotal,
		ReconciliationPending,
		OracleRunsTotal,
		OraclePrice,
		RebaseRunsTotal,
		ActiveWebSocketClients,
		DBOpenConnections,
		DBIdleConnections,
		DBInUseConnections,
		DBWaitCount,
		DBWaitDuration,
		GoroutineCount,
	)
}

// StartDBStatsCollector periodically samples sql.DBStats and runtime goroutine
// count into Prometheus gauges. Call in a goroutine; exits when ctx is done.
func StartDBStatsCollector(ctx context.Context, db *sql.DB, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := db.Stats()
			DBOpenConnections.Set(float64(stats.OpenConnections))
			DBIdleConnections.Set(float64(stats.Idle))
			DBInUseConnections.Set(float64(stats.InUse))
			DBWaitCount.Set(float64(stats.WaitCount))
			DBWaitDuration.Set(stats.WaitDuration.Seconds())
			GoroutineCount.Set(float64(runtime.NumGoroutine()))
		}
	}
}

// Middleware returns a gin middleware that records request metrics.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		timer := prometheus.NewTimer(HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(), // Uses route pattern, not actual path (avoids cardinality explosion)
		))

		c.Next()

		timer.ObserveDuration()
		HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			statusBucket(c.Writer.Status()),
		).Inc()
	}
}

// Handler returns the Prometheus metrics HTTP handler for /metrics endpoint.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// statusBucket groups HTTP status codes into buckets (2xx, 3xx, 4xx, 5xx).
func statusBucket(code int) string {
	switch {
	case code < 200:
		return "1xx"
	case code < 300:
		return "2xx"
	case code < 400:
		return "3xx"
	case code < 500:
		return "4xx"
	default:
		return "5xx"
	}
}
