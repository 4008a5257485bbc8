package observability

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics stores Prometheus collectors used by the API and worker flows.
type Metrics struct {
	registry *prometheus.Registry

	httpRequestsTotal       *prometheus.CounterVec
	httpRequestDuration     *prometheus.HistogramVec
	batchesCompletedTotal   *prometheus.CounterVec
	itemsSettledTotal       prometheus.Counter
	resourcesProcessedTotal *prometheus.CounterVec
	itemSettleDuration      prometheus.Histogram
	itemsInflight           prometheus.Gauge
	callbacksDeliveredTotal *prometheus.CounterVec
}

func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "imagemill",
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests processed by method, path, and status.",
			},
			[]string{"method", "path", "status"},
		),
		httpRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "imagemill",
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds by method and path.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
		batchesCompletedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "imagemill",
				Name:      "batches_completed_total",
				Help:      "Total number of batches that reached a terminal status.",
			},
			[]string{"status"},
		),
		itemsSettledTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "imagemill",
				Name:      "items_settled_total",
				Help:      "Total number of items that settled with a recorded outcome.",
			},
		),
		resourcesProcessedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "imagemill",
				Name:      "resources_processed_total",
				Help:      "Total number of source images processed grouped by outcome.",
			},
			[]string{"outcome"},
		),
		itemSettleDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "imagemill",
				Name:      "item_settle_duration_seconds",
				Help:      "Time from item dispatch to settled outcome in seconds.",
				Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
			},
		),
		itemsInflight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "imagemill",
				Name:      "items_inflight",
				Help:      "Current number of items being processed.",
			},
		),
		callbacksDeliveredTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "imagemill",
				Name:      "callbacks_delivered_total",
				Help:      "Total number of completion callback deliveries grouped by outcome.",
			},
			[]string{"outcome"},
		),
	}

	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.httpRequestsTotal,
		m.httpRequestDuration,
		m.batchesCompletedTotal,
		m.itemsSettledTotal,
		m.resourcesProcessedTotal,
		m.itemSettleDuration,
		m.itemsInflight,
		m.callbacksDeliveredTotal,
	)

	return m
}

func (m *Metrics) Handler() http.Handler {
	if m == nil || m.registry == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) HTTPMiddleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()
		err := c.Next()

		path := routePath(c)
		// Avoid self-scrape noise for request counters.
		if path == "/metrics" {
			return err
		}

		m.recordHTTPRequest(c.Method(), path, statusFromResult(c, err), time.Since(start))
		return err
	}
}

func (m *Metrics) IncBatchTerminal(status string) {
	if m == nil {
		return
	}
	label := strings.ToLower(strings.TrimSpace(status))
	if label == "" {
		label = "unknown"
	}
	m.batchesCompletedTotal.WithLabelValues(label).Inc()
}

func (m *Metrics) IncItemSettled() {
	if m == nil {
		return
	}
	m.itemsSettledTotal.Inc()
}

func (m *Metrics) IncResourceProcessed(ok bool) {
	if m == nil {
		return
	}
	outcome := "ok"
	if !ok {
		outcome = "failed"
	}
	m.resourcesProcessedTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObserveItemSettleDuration(duration time.Duration) {
	if m == nil {
		return
	}
	seconds := duration.Seconds()
	if seconds < 0 {
		seconds = 0
	}
	m.itemSettleDuration.Observe(seconds)
}

func (m *Metrics) IncItemsInFlight() {
	if m == nil {
		return
	}
	m.itemsInflight.Inc()
}

func (m *Metrics) DecItemsInFlight() {
	if m == nil {
		return
	}
	m.itemsInflight.Dec()
}

func (m *Metrics) IncCallbackDelivered(ok bool) {
	if m == nil {
		return
	}
	outcome := "ok"
	if !ok {
		outcome = "failed"
	}
	m.callbacksDeliveredTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) recordHTTPRequest(method string, path string, status int, duration time.Duration) {
	if m == nil {
		return
	}

	methodLabel := strings.ToUpper(strings.TrimSpace(method))
	if methodLabel == "" {
		methodLabel = "UNKNOWN"
	}
	pathLabel := strings.TrimSpace(path)
	if pathLabel == "" {
		pathLabel = "unmatched"
	}

	m.httpRequestsTotal.WithLabelValues(methodLabel, pathLabel, strconv.Itoa(status)).Inc()
	m.httpRequestDuration.WithLabelValues(methodLabel, pathLabel).Observe(duration.Seconds())
}

func routePath(c *fiber.Ctx) string {
	if c == nil {
		return "unmatched"
	}

	if route := c.Route(); route != nil {
		if path := strings.TrimSpace(route.Path); path != "" {
			return path
		}
	}
	return "unmatched"
}

func statusFromResult(c *fiber.Ctx, err error) int {
	if err != nil {
		if fiberErr, ok := err.(*fiber.Error); ok {
			return fiberErr.Code
		}
		return fiber.StatusInternalServerError
	}

	if c == nil {
		return fiber.StatusOK
	}

	status := c.Response().StatusCode()
	if status == 0 {
		return fiber.StatusOK
	}
	return status
}
