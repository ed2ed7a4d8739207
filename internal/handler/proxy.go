package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"chunk-tunnel-go/internal/client"
	"chunk-tunnel-go/internal/model"
)

// ProxyHandler is the client-side local proxy. Every request it accepts is
// sent through the tunnel and the reassembled response is written back.
type ProxyHandler struct {
	tunnel client.Exchanger
	logger *slog.Logger
}

// NewProxyHandler creates a ProxyHandler.
func NewProxyHandler(tunnel client.Exchanger, logger *slog.Logger) *ProxyHandler {
	return &ProxyHandler{
		tunnel: tunnel,
		logger: logger.With("component", "proxy_handler"),
	}
}

// Handle tunnels one request. Absolute-form targets (GET http://host/path)
// and origin-form targets with a Host header are both accepted.
func (h *ProxyHandler) Handle(c echo.Context) error {
	req := c.Request()

	treq, err := client.RequestFromHTTP(req)
	if err != nil {
		return c.JSON(http.StatusBadRequest, model.ErrorReply{Error: err.Error()})
	}

	resp, err := h.tunnel.Exchange(req.Context(), treq)
	if err != nil {
		return h.mapError(c, treq, err)
	}

	header := c.Response().Header()
	for _, hdr := range resp.Headers.Without(model.HopByHop) {
		header.Add(hdr.Name, hdr.Value)
	}
	c.Response().WriteHeader(resp.StatusCode)
	if _, err := c.Response().Write(resp.Body); err != nil {
		h.logger.Error("writing response body",
			"err", err,
			"target_host", treq.TargetHost,
		)
	}
	return nil
}

func (h *ProxyHandler) mapError(c echo.Context, req model.Request, err error) error {
	h.logger.Error("tunnel request failed",
		"err", err,
		"method", req.Method,
		"target_host", req.TargetHost,
		"path", req.Path,
	)

	switch {
	case errors.Is(err, context.Canceled):
		return c.JSON(http.StatusBadGateway, model.ErrorReply{Error: "client disconnected"})
	case errors.Is(err, model.ErrResponseNotReady):
		return c.JSON(http.StatusGatewayTimeout, model.ErrorReply{Error: "timed out waiting for tunneled response"})
	case errors.Is(err, model.ErrConnectionCreate):
		return c.JSON(http.StatusBadGateway, model.ErrorReply{Error: "tunnel connection could not be opened"})
	case errors.Is(err, model.ErrUnknownConnection):
		return c.JSON(http.StatusBadGateway, model.ErrorReply{Error: "tunnel connection expired"})
	case errors.Is(err, model.ErrChunkSend):
		return c.JSON(http.StatusBadGateway, model.ErrorReply{Error: "request body upload failed"})
	}
	return c.JSON(http.StatusBadGateway, model.ErrorReply{Error: "tunnel request failed"})
}

// RejectConnect answers CONNECT with 405. The tunnel carries buffered
// request/response pairs only.
func RejectConnect() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if c.Request().Method == http.MethodConnect {
				c.Response().Header().Set(echo.HeaderAllow, "GET, HEAD, POST, PUT, PATCH, DELETE, OPTIONS")
				return c.JSON(http.StatusMethodNotAllowed, model.ErrorReply{Error: "CONNECT is not supported"})
			}
			return next(c)
		}
	}
}
