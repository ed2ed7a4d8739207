// Package middleware provides Echo middleware for logging, metrics and security.
package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"chunk-tunnel-go/internal/model"
)

// RequestLogger returns an Echo middleware that logs each request with slog.
// Not-ready polls (202) are logged at debug level.
func RequestLogger(logger *slog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()

			err := next(c)

			req := c.Request()
			res := c.Response()

			level := slog.LevelInfo
			if res.Status == http.StatusAccepted {
				level = slog.LevelDebug
			}

			attrs := []any{
				"method", req.Method,
				"path", req.URL.Path,
				"status", res.Status,
				"duration_ms", time.Since(start).Milliseconds(),
				"request_id", res.Header().Get(echo.HeaderXRequestID),
				"remote_ip", c.RealIP(),
				"bytes_in", req.ContentLength,
				"bytes_out", res.Size,
			}
			if id := req.Header.Get(model.HeaderConnectionID); id != "" {
				attrs = append(attrs, "connection_id", id)
			}
			if idx := req.Header.Get(model.HeaderChunkIndex); idx != "" {
				attrs = append(attrs, "chunk_index", idx)
			}
			logger.Log(context.Background(), level, "request", attrs...)

			return err
		}
	}
}
