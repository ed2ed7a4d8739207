package middleware

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"chunk-tunnel-go/internal/metrics"
	"chunk-tunnel-go/internal/model"
)

// MetricsMiddleware records Prometheus metrics for each inbound request.
// Reads of /tunnel/response are also counted by part and outcome, so
// clients polling for a pending response show up apart from real reads.
// Connection ids never become label values.
func MetricsMiddleware(m *metrics.Metrics) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			m.RequestsInFlight.Inc()
			defer m.RequestsInFlight.Dec()

			start := time.Now()
			err := next(c)
			code := statusOf(c, err)

			method := metrics.NormalizeMethod(c.Request().Method)
			path := metrics.NormalizePath(c.Request().URL.Path)
			status := strconv.Itoa(code)

			m.RequestsTotal.WithLabelValues(method, status, path).Inc()
			m.RequestDuration.WithLabelValues(method, status, path).Observe(time.Since(start).Seconds())

			if path == "/tunnel/response" {
				m.ResponseReads.WithLabelValues(responsePart(c.Request()), readOutcome(code)).Inc()
			}
			return err
		}
	}
}

// statusOf resolves the final status code. An *echo.HTTPError returned by
// the handler has not been written yet when the middleware sees it.
func statusOf(c echo.Context, err error) int {
	var he *echo.HTTPError
	if err != nil && errors.As(err, &he) {
		return he.Code
	}
	return c.Response().Status
}

// responsePart labels a read as the metadata read (index 0) or a body read.
func responsePart(r *http.Request) string {
	if r.Header.Get(model.HeaderChunkIndex) == "0" {
		return "metadata"
	}
	return "body"
}

func readOutcome(code int) string {
	switch {
	case code == http.StatusAccepted:
		return "pending"
	case code >= 200 && code < 300:
		return "ready"
	default:
		return "error"
	}
}
