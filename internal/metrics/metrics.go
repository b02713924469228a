// Package metrics provides Prometheus instrumentation for the settlement engine.
package metrics

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "escrow",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "escrow",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// ContractsTotal counts contract creations by kind.
	ContractsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "escrow",
			Name:      "contracts_total",
			Help:      "Total escrow contracts created by kind.",
		},
		[]string{"kind"},
	)

	// SettlementsTotal counts fund movements by path (release, refund,
	// cancellation, swap) and outcome.
	SettlementsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "escrow",
			Name:      "settlements_total",
			Help:      "Total settlement fund movements by path and outcome.",
		},
		[]string{"path", "outcome"},
	)

	// DisputesTotal counts disputes raised by contract kind.
	DisputesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "escrow",
			Name:      "disputes_total",
			Help:      "Total disputes raised by contract kind.",
		},
		[]string{"kind"},
	)

	// TimeoutScansTotal counts timeout monitor scan cycles.
	TimeoutScansTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "escrow",
			Name:      "timeout_scans_total",
			Help:      "Total timeout monitor scan cycles.",
		},
	)

	// TimeoutsExpiredTotal counts expired timeouts by type and resolution.
	TimeoutsExpiredTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "escrow",
			Name:      "timeouts_expired_total",
			Help:      "Total expired timeouts handled, by type and resolution.",
		},
		[]string{"type", "resolution"},
	)

	// DepositsDetectedTotal counts deposits detected by the deposit monitor.
	DepositsDetectedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "escrow",
			Name:      "deposits_detected_total",
			Help:      "Total deposits detected on the ledger by party role.",
		},
		[]string{"party"},
	)

	// CustodyDecryptsTotal counts custodial key decrypt/recover operations.
	CustodyDecryptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "escrow",
			Name:      "custody_decrypts_total",
			Help:      "Total custodial key decrypt operations by purpose and outcome.",
		},
		[]string{"purpose", "outcome"},
	)
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		ContractsTotal,
		SettlementsTotal,
		DisputesTotal,
		TimeoutScansTotal,
		TimeoutsExpiredTotal,
		DepositsDetectedTotal,
		CustodyDecryptsTotal,
	)
}

// Middleware returns a gin middleware recording request counts and latency.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		status := statusLabel(c.Writer.Status())

		HTTPRequestsTotal.WithLabelValues(c.Request.Method, path, status).Inc()
		HTTPRequestDuration.WithLabelValues(c.Request.Method, path).Observe(time.Since(start).Seconds())
	}
}

// Handler returns the /metrics endpoint handler.
func Handler() gin.HandlerFunc {
	return gin.WrapH(promhttp.Handler())
}

func statusLabel(code int) string {
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
