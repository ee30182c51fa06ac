package metrics

import (
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Per-recipient outcomes partitioned by channel and outcome kind
	messageOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outbound_message_outcomes_total",
			Help: "Per-recipient dispatch outcomes",
		},
		[]string{"channel", "outcome", "reason"},
	)

	campaignRuns = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "outbound_campaign_run_duration_seconds",
			Help:    "Campaign run latencies in seconds",
			Buckets: []float64{0.5, 1, 5, 15, 60, 300, 900, 3600},
		},
		[]string{"channel", "status"},
	)

	quotaRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outbound_quota_rejections_total",
			Help: "Campaign runs rejected by the quota ledger",
		},
		[]string{"reason"},
	)

	circuitOpen = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "outbound_circuit_open",
			Help: "1 while the provider circuit is open",
		},
		[]string{"service"},
	)

	deliveryReports = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outbound_delivery_reports_total",
			Help: "Provider delivery reports by result",
		},
		[]string{"status", "result"},
	)

	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests processed",
		},
		[]string{"method", "route", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route", "status"},
	)

	httpInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "http_inflight_requests",
			Help: "Number of HTTP requests currently being served",
		},
	)
)

// ObserveOutcome counts one recipient outcome.
func ObserveOutcome(channel, outcome, reason string) {
	messageOutcomes.WithLabelValues(channel, outcome, reason).Inc()
}

// ObserveRun records how long a run took and how it ended.
func ObserveRun(channel, status string, elapsed time.Duration) {
	campaignRuns.WithLabelValues(channel, status).Observe(elapsed.Seconds())
}

// QuotaRejected counts a run refused for quota reasons.
func QuotaRejected(reason string) {
	quotaRejections.WithLabelValues(reason).Inc()
}

// CircuitChanged mirrors breaker transitions.
func CircuitChanged(service string, open bool) {
	v := 0.0
	if open {
		v = 1
	}
	circuitOpen.WithLabelValues(service).Set(v)
}

// DeliveryReport counts an applied, ignored or unmatched provider report.
func DeliveryReport(status, result string) {
	deliveryReports.WithLabelValues(status, result).Inc()
}

// Middleware records basic Prometheus metrics for fiber routes. Labels use the
// matched route template to keep cardinality low.
func Middleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()
		httpInFlight.Inc()
		defer httpInFlight.Dec()

		err := c.Next()

		route := c.Path()
		if r := c.Route(); r != nil && r.Path != "" {
			route = r.Path
		}
		labels := prometheus.Labels{
			"method": c.Method(),
			"route":  route,
			"status": strconv.Itoa(c.Response().StatusCode()),
		}
		httpRequestsTotal.With(labels).Inc()
		httpRequestDuration.With(labels).Observe(time.Since(start).Seconds())

		return err
	}
}

// Handler serves the default registry.
func Handler() fiber.Handler {
	return adaptor.HTTPHandler(promhttp.Handler())
}
