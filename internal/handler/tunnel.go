package handler

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"chunk-tunnel-go/internal/model"
	"chunk-tunnel-go/internal/registry"
	"chunk-tunnel-go/internal/service"
)

// TunnelHandler serves the relay-facing tunnel endpoints.
type TunnelHandler struct {
	service *service.TunnelService
	logger  *slog.Logger
}

// NewTunnelHandler creates a TunnelHandler.
func NewTunnelHandler(svc *service.TunnelService, logger *slog.Logger) *TunnelHandler {
	return &TunnelHandler{
		service: svc,
		logger:  logger.With("component", "tunnel_handler"),
	}
}

// Open registers a connection from the JSON control message.
func (h *TunnelHandler) Open(c echo.Context) error {
	var req model.OpenRequest
	if err := json.NewDecoder(c.Request().Body).Decode(&req); err != nil {
		return badRequest(c, "malformed open request")
	}

	resp, err := h.service.Open(req)
	if err != nil {
		return h.mapError(c, req.ConnectionID, err)
	}
	return c.JSON(http.StatusOK, resp)
}

// Chunk appends one request body chunk.
func (h *TunnelHandler) Chunk(c echo.Context) error {
	req := c.Request()
	id := req.Header.Get(model.HeaderConnectionID)
	if id == "" {
		return badRequest(c, "missing "+model.HeaderConnectionID)
	}

	final := false
	if v := req.Header.Get(model.HeaderChunkFinal); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return badRequest(c, "invalid "+model.HeaderChunkFinal)
		}
		final = b
	}

	data, err := io.ReadAll(req.Body)
	if err != nil {
		// BodyLimit reports oversized chunks through the read error.
		var he *echo.HTTPError
		if errors.As(err, &he) {
			return he
		}
		return badRequest(c, "unreadable chunk body")
	}

	ack, err := h.service.ReceiveChunk(id, data, final)
	if err != nil {
		return h.mapError(c, id, err)
	}
	return c.JSON(http.StatusOK, ack)
}

// Read serves chunk index 0 as response metadata and indices >= 1 as raw
// response body slices with X-More-Chunks.
func (h *TunnelHandler) Read(c echo.Context) error {
	req := c.Request()
	id := req.Header.Get(model.HeaderConnectionID)
	if id == "" {
		return badRequest(c, "missing "+model.HeaderConnectionID)
	}
	index, err := strconv.Atoi(req.Header.Get(model.HeaderChunkIndex))
	if err != nil {
		return badRequest(c, "invalid "+model.HeaderChunkIndex)
	}

	if index == 0 {
		md, err := h.service.Metadata(id)
		if err != nil {
			return h.mapError(c, id, err)
		}
		return c.JSON(http.StatusOK, md)
	}

	data, more, err := h.service.Chunk(id, index)
	if err != nil {
		return h.mapError(c, id, err)
	}
	c.Response().Header().Set(model.HeaderMoreChunks, strconv.FormatBool(more))
	return c.Blob(http.StatusOK, echo.MIMEOctetStream, data)
}

func (h *TunnelHandler) mapError(c echo.Context, id string, err error) error {
	path := c.Request().URL.Path

	switch {
	case errors.Is(err, model.ErrResponseNotReady):
		return c.JSON(http.StatusAccepted, model.PendingReply{Status: model.StatusPending})

	case errors.Is(err, model.ErrUnknownConnection):
		h.logger.Info("unknown connection", "connection_id", id, "path", path)
		return c.JSON(http.StatusNotFound, model.ErrorReply{Error: "unknown connection"})

	case errors.Is(err, model.ErrDuplicateConnection):
		h.logger.Warn("duplicate connection id", "connection_id", id)
		return c.JSON(http.StatusConflict, model.ErrorReply{Error: "connection already exists"})

	case errors.Is(err, model.ErrBodyComplete):
		h.logger.Warn("chunk after final chunk", "connection_id", id)
		return c.JSON(http.StatusConflict, model.ErrorReply{Error: "request body already complete"})

	case errors.Is(err, model.ErrChunkIndex):
		h.logger.Info("chunk index out of range", "connection_id", id, "err", err)
		return c.JSON(http.StatusRequestedRangeNotSatisfiable, model.ErrorReply{Error: "chunk index out of range"})

	case errors.Is(err, registry.ErrInvalidRequest):
		return badRequest(c, err.Error())
	}

	h.logger.Error("tunnel error", "connection_id", id, "path", path, "err", err)
	return c.JSON(http.StatusInternalServerError, model.ErrorReply{Error: "internal error"})
}

func badRequest(c echo.Context, msg string) error {
	return c.JSON(http.StatusBadRequest, model.ErrorReply{Error: msg})
}
