package observability

import (
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetricsPipelineCollectors(t *testing.T) {
	t.Parallel()

	metrics := NewMetrics()

	metrics.IncBatchTerminal("COMPLETED")
	metrics.IncItemSettled()
	metrics.IncResourceProcessed(true)
	metrics.IncResourceProcessed(false)
	metrics.ObserveItemSettleDuration(150 * time.Millisecond)
	metrics.IncItemsInFlight()
	metrics.DecItemsInFlight()
	metrics.IncCallbackDelivered(false)

	if got := testutil.ToFloat64(metrics.batchesCompletedTotal.WithLabelValues("completed")); got != 1 {
		t.Fatalf("batches_completed_total = %v, want 1", got)
	}
	if got := testutil.ToFloat64(metrics.itemsSettledTotal); got != 1 {
		t.Fatalf("items_settled_total = %v, want 1", got)
	}
	if got := testutil.ToFloat64(metrics.resourcesProcessedTotal.WithLabelValues("ok")); got != 1 {
		t.Fatalf("resources_processed_total{ok} = %v, want 1", got)
	}
	if got := testutil.ToFloat64(metrics.resourcesProcessedTotal.WithLabelValues("failed")); got != 1 {
		t.Fatalf("resources_processed_total{failed} = %v, want 1", got)
	}
	if got := testutil.ToFloat64(metrics.itemsInflight); got != 0 {
		t.Fatalf("items_inflight = %v, want 0", got)
	}
	if got := testutil.ToFloat64(metrics.callbacksDeliveredTotal.WithLabelValues("failed")); got != 1 {
		t.Fatalf("callbacks_delivered_total{failed} = %v, want 1", got)
	}
}

func TestMetricsHTTPMiddlewareRecordsRequest(t *testing.T) {
	t.Parallel()

	metrics := NewMetrics()
	app := fiber.New()
	app.Use(metrics.HTTPMiddleware())
	app.Get("/livez", func(c *fiber.Ctx) error {
		return c.SendStatus(fiber.StatusOK)
	})

	req := httptest.NewRequest("GET", "/livez", nil)
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test() error = %v", err)
	}
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	if got := testutil.ToFloat64(metrics.httpRequestsTotal.WithLabelValues("GET", "/livez", "200")); got != 1 {
		t.Fatalf("http_requests_total = %v, want 1", got)
	}
}

func TestMetricsHTTPMiddlewareRecordsErrorStatus(t *testing.T) {
	t.Parallel()

	metrics := NewMetrics()
	app := fiber.New()
	app.Use(metrics.HTTPMiddleware())
	app.Get("/boom", func(c *fiber.Ctx) error {
		return errors.New("boom")
	})

	req := httptest.NewRequest("GET", "/boom", nil)
	_, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test() error = %v", err)
	}

	if got := testutil.ToFloat64(metrics.httpRequestsTotal.WithLabelValues("GET", "/boom", "500")); got != 1 {
		t.Fatalf("http_requests_total = %v, want 1", got)
	}
}
