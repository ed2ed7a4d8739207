package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"chunk-tunnel-go/internal/service"
)

// Version is a string type for dependency injection of the build version.
type Version string

// HealthHandler serves health and status endpoints.
type HealthHandler struct {
	service *service.TunnelService
	version Version
}

// NewHealthHandler creates a HealthHandler.
func NewHealthHandler(svc *service.TunnelService, v Version) *HealthHandler {
	return &HealthHandler{service: svc, version: v}
}

// Healthz returns a simple OK response for liveness probes.
func (h *HealthHandler) Healthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// Status returns tunnel status information.
func (h *HealthHandler) Status(c echo.Context) error {
	st := h.service.Status()
	return c.JSON(http.StatusOK, map[string]any{
		"status":      "ok",
		"version":     string(h.version),
		"connections": st.Connections,
		"chunk_size":  st.ChunkSize,
	})
}
