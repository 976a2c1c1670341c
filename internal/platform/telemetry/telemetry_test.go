package telemetry

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestPipelineCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.TransferItem(OutcomeSucceeded)
	m.TransferItem(OutcomeSucceeded)
	m.TransferItem(OutcomeSkipped)
	m.Accept(nil)
	m.Accept(errors.New("boom"))
	m.KeyExchange(2, nil)
	m.CustodyFailure("destroy")

	if got := testutil.ToFloat64(m.transferItems.WithLabelValues(OutcomeSucceeded)); got != 2 {
		t.Errorf("expected 2 succeeded, got %v", got)
	}
	if got := testutil.ToFloat64(m.transferItems.WithLabelValues(OutcomeSkipped)); got != 1 {
		t.Errorf("expected 1 skipped, got %v", got)
	}
	if got := testutil.ToFloat64(m.accepts.WithLabelValues("error")); got != 1 {
		t.Errorf("expected 1 failed accept, got %v", got)
	}
	if got := testutil.ToFloat64(m.keyExchanges.WithLabelValues("ok")); got != 1 {
		t.Errorf("expected 1 key exchange, got %v", got)
	}
	if got := testutil.ToFloat64(m.custodyFailures.WithLabelValues("destroy")); got != 1 {
		t.Errorf("expected 1 custody failure, got %v", got)
	}
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.TransferItem(OutcomeFailed)
	m.Accept(nil)
	m.KeyExchange(1, nil)
	m.CustodyFailure("deposit")

	e := echo.New()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), httptest.NewRecorder())
	called := false
	err := m.Middleware()(func(c echo.Context) error {
		called = true
		return nil
	})(c)
	if err != nil || !called {
		t.Errorf("nil metrics middleware must pass through, err=%v called=%v", err, called)
	}
}

func TestMiddleware_RecordsRouteTemplateAndErrorStatus(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	e := echo.New()
	e.Use(m.Middleware())
	e.GET("/inbox/:hospital", func(c echo.Context) error {
		return echo.NewHTTPError(http.StatusForbidden, "access denied")
	})
	e.GET("/ok", func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})

	for _, path := range []string{"/inbox/a", "/inbox/b", "/ok"} {
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	}

	if got := testutil.ToFloat64(m.httpRequestsTotal.WithLabelValues("GET", "/inbox/:hospital", "403")); got != 2 {
		t.Errorf("expected 2 forbidden requests on route template, got %v", got)
	}
	if got := testutil.ToFloat64(m.httpRequestsTotal.WithLabelValues("GET", "/ok", "200")); got != 1 {
		t.Errorf("expected 1 ok request, got %v", got)
	}
	if got := testutil.ToFloat64(m.httpInFlight); got != 0 {
		t.Errorf("expected no in-flight requests, got %v", got)
	}
}

func TestHandler_ExposesMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)
	m.TransferItem(OutcomeSucceeded)

	e := echo.New()
	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/metrics", nil), rec)
	if err := Handler(reg)(c); err != nil {
		t.Fatalf("handler: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `medxfer_transfer_items_total{outcome="succeeded"} 1`) {
		t.Errorf("expected transfer counter in exposition, got:\n%s", rec.Body.String())
	}
}
