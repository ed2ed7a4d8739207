package handler

import (
	"github.com/labstack/echo/v4"
)

// RegisterRoutes wires the tunnel server routes onto the Echo instance.
// verify guards the relay-facing endpoints.
func RegisterRoutes(e *echo.Echo, tunnel *TunnelHandler, health *HealthHandler, verify echo.MiddlewareFunc) {
	e.GET("/healthz", health.Healthz)
	e.GET("/tunnel/status", health.Status)

	e.POST("/tunnel/open", tunnel.Open, verify)
	e.POST("/tunnel/chunk", tunnel.Chunk, verify)
	e.GET("/tunnel/response", tunnel.Read, verify)
}

// RegisterProxyRoutes wires the client local proxy. Every path is proxied.
func RegisterProxyRoutes(e *echo.Echo, proxy *ProxyHandler) {
	e.Pre(RejectConnect())
	e.Any("/*", proxy.Handle)
}
