// Package metrics exposes Prometheus instrumentation for the scan pipeline:
// HTTP request metrics via Echo middleware and lifecycle counters updated by
// the scan service.
package metrics

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scanhub_http_requests_total",
			Help: "Total HTTP requests handled by the scan server",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "scanhub_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// ScansUploaded counts created scan records by scan type.
	ScansUploaded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scanhub_scans_uploaded_total",
			Help: "Scan records created, by scan type",
		},
		[]string{"scan_type"},
	)

	// StatusTransitions counts committed lifecycle transitions.
	StatusTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scanhub_scan_status_transitions_total",
			Help: "Committed scan status transitions",
		},
		[]string{"from", "to"},
	)

	// DispatchFailures counts failed handoffs to the analysis worker.
	DispatchFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "scanhub_dispatch_failures_total",
			Help: "Outbound analysis worker calls that could not be completed",
		},
	)
)

// Middleware records request counts and latencies. Route paths come from
// Echo's matched route template, so scan IDs do not blow up label
// cardinality.
func Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)

			path := c.Path()
			if path == "" {
				path = c.Request().URL.Path
			}
			status := strconv.Itoa(responseStatus(c, err))

			httpRequestsTotal.WithLabelValues(c.Request().Method, path, status).Inc()
			httpRequestDuration.WithLabelValues(c.Request().Method, path).Observe(time.Since(start).Seconds())
			return err
		}
	}
}

// responseStatus resolves the status a request will be answered with. When
// the handler returned an error the response is not committed yet, so the
// status comes from the error rather than the response.
func responseStatus(c echo.Context, err error) int {
	if err == nil || c.Response().Committed {
		return c.Response().Status
	}
	var he *echo.HTTPError
	if errors.As(err, &he) {
		return he.Code
	}
	return http.StatusInternalServerError
}

// Handler returns the Prometheus exposition endpoint.
func Handler() echo.HandlerFunc {
	return echo.WrapHandler(promhttp.Handler())
}
