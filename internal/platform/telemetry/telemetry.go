// Package telemetry exposes Prometheus metrics for the HTTP surface and for
// the transfer pipeline.
package telemetry

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "medxfer"

// Transfer outcomes recorded per item.
const (
	OutcomeSucceeded = "succeeded"
	OutcomeSkipped   = "skipped"
	OutcomeFailed    = "failed"
)

// Metrics holds every collector the service records. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	httpInFlight        prometheus.Gauge
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	transferItems       *prometheus.CounterVec
	accepts             *prometheus.CounterVec
	keyExchanges        *prometheus.CounterVec
	keyExchangeAttempts prometheus.Histogram
	custodyFailures     *prometheus.CounterVec
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		httpInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "http_in_flight_requests",
			Help:      "In-flight HTTP requests.",
		}),
		httpRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests.",
		}, []string{"method", "route", "status"}),
		httpRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latencies in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),
		transferItems: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transfer_items_total",
			Help:      "Records processed by the transfer pipeline, by outcome.",
		}, []string{"outcome"}),
		accepts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transfer_accepts_total",
			Help:      "Mailbox entries accepted into a hospital's records, by result.",
		}, []string{"result"}),
		keyExchanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "key_exchanges_total",
			Help:      "Key exchange sessions, by result.",
		}, []string{"result"}),
		keyExchangeAttempts: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "key_exchange_attempts",
			Help:      "Attempts needed per key exchange.",
			Buckets:   []float64{1, 2, 3, 5, 8},
		}),
		custodyFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "custody_failures_total",
			Help:      "Key custody operations that failed, by operation.",
		}, []string{"op"}),
	}

	reg.MustRegister(
		m.httpInFlight, m.httpRequestsTotal, m.httpRequestDuration,
		m.transferItems, m.accepts, m.keyExchanges, m.keyExchangeAttempts,
		m.custodyFailures,
	)
	return m
}

func (m *Metrics) TransferItem(outcome string) {
	if m == nil {
		return
	}
	m.transferItems.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Accept(err error) {
	if m == nil {
		return
	}
	m.accepts.WithLabelValues(result(err)).Inc()
}

func (m *Metrics) KeyExchange(attempts int, err error) {
	if m == nil {
		return
	}
	m.keyExchanges.WithLabelValues(result(err)).Inc()
	if attempts > 0 {
		m.keyExchangeAttempts.Observe(float64(attempts))
	}
}

func (m *Metrics) CustodyFailure(op string) {
	if m == nil {
		return
	}
	m.custodyFailures.WithLabelValues(op).Inc()
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// Middleware records request count, latency and in-flight requests, labelled
// by the route template so path parameters do not explode cardinality.
func (m *Metrics) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if m == nil {
				return next(c)
			}
			m.httpInFlight.Inc()
			defer m.httpInFlight.Dec()

			start := time.Now()
			err := next(c)

			route := c.Path()
			if route == "" {
				route = "unmatched"
			}
			status := strconv.Itoa(statusOf(c, err))
			method := c.Request().Method

			m.httpRequestDuration.WithLabelValues(method, route, status).Observe(time.Since(start).Seconds())
			m.httpRequestsTotal.WithLabelValues(method, route, status).Inc()
			return err
		}
	}
}

// statusOf returns the status that will be written for the request. Errors
// returned by handlers are rendered by echo after middleware completes, so
// their status is taken from the error itself.
func statusOf(c echo.Context, err error) int {
	if err == nil {
		return c.Response().Status
	}
	var he *echo.HTTPError
	if errors.As(err, &he) {
		return he.Code
	}
	return http.StatusInternalServerError
}

// Handler serves the metrics gathered by g in the Prometheus text format.
func Handler(g prometheus.Gatherer) echo.HandlerFunc {
	return echo.WrapHandler(promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
}
