// Package service implements the server side of the tunnel protocol.
package service

import (
	"fmt"
	"log/slog"

	"chunk-tunnel-go/internal/chunk"
	"chunk-tunnel-go/internal/config"
	"chunk-tunnel-go/internal/metrics"
	"chunk-tunnel-go/internal/model"
	"chunk-tunnel-go/internal/registry"
)

// Releaser arms the post-delivery grace timer for a connection.
type Releaser interface {
	Release(id string) error
}

// TunnelService handles open, chunk upload and response reads on top of the
// connection registry.
type TunnelService struct {
	registry  *registry.Registry
	releaser  Releaser
	chunkSize int
	logger    *slog.Logger
	metrics   *metrics.Metrics
}

// Status summarizes the service for the status endpoint.
type Status struct {
	Connections int
	ChunkSize   int
}

// NewTunnelService creates a TunnelService.
// The metrics parameter is optional; pass nil to disable recording.
func NewTunnelService(reg *registry.Registry, rel Releaser, cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *TunnelService {
	size := cfg.Tunnel.ChunkSize
	if size <= 0 {
		size = model.DefaultChunkSize
	}
	return &TunnelService{
		registry:  reg,
		releaser:  rel,
		chunkSize: size,
		logger:    logger.With("component", "tunnel_service"),
		metrics:   m,
	}
}

// Open registers a new connection.
func (s *TunnelService) Open(req model.OpenRequest) (*model.OpenResponse, error) {
	if err := s.registry.Open(req); err != nil {
		return nil, err
	}
	return &model.OpenResponse{
		Status:       model.StatusCreated,
		ConnectionID: req.ConnectionID,
	}, nil
}

// ReceiveChunk appends one uploaded chunk. The final chunk triggers forwarding;
// its outcome is read back through Metadata and Chunk.
func (s *TunnelService) ReceiveChunk(id string, data []byte, final bool) (*model.ChunkAck, error) {
	if err := s.registry.AppendChunk(id, data, final); err != nil {
		return nil, err
	}
	return &model.ChunkAck{
		Status:  model.StatusChunkReceived,
		IsFinal: final,
	}, nil
}

// Metadata returns status, headers and size of the buffered response.
// Headers are returned as captured from upstream.
func (s *TunnelService) Metadata(id string) (*model.ResponseMetadata, error) {
	resp, err := s.registry.Response(id)
	if err != nil {
		return nil, err
	}
	return &model.ResponseMetadata{
		Status:   resp.StatusCode,
		Headers:  resp.Headers,
		BodySize: len(resp.Body),
		HasBody:  len(resp.Body) > 0,
	}, nil
}

// Chunk returns response body chunk index (1-based) and whether more follow.
// Serving the last chunk arms the grace timer.
func (s *TunnelService) Chunk(id string, index int) ([]byte, bool, error) {
	resp, err := s.registry.Response(id)
	if err != nil {
		return nil, false, err
	}

	data, more, err := chunk.Slice(resp.Body, index, s.chunkSize)
	if err != nil {
		return nil, false, fmt.Errorf("read %s: %w", id, err)
	}

	if s.metrics != nil {
		s.metrics.ChunksServed.Inc()
	}
	if !more {
		if err := s.releaser.Release(id); err != nil {
			// Evicted between the read and the release; the data is still valid.
			s.logger.Debug("release after last chunk", "connection_id", id, "err", err)
		}
	}
	return data, more, nil
}

// ChunkSize returns the configured response slice size.
func (s *TunnelService) ChunkSize() int {
	return s.chunkSize
}

// Status reports live connection count and chunk size.
func (s *TunnelService) Status() Status {
	return Status{
		Connections: s.registry.Len(),
		ChunkSize:   s.chunkSize,
	}
}
