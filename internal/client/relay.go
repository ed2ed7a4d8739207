// Package client implements the client side of the tunnel: relay calls, the
// upload and download coordinators, and an http.RoundTripper built on them.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"chunk-tunnel-go/internal/auth"
	"chunk-tunnel-go/internal/config"
	"chunk-tunnel-go/internal/metrics"
	"chunk-tunnel-go/internal/model"
)

// Relay paths served by the tunnel server.
const (
	PathOpen     = "/tunnel/open"
	PathChunk    = "/tunnel/chunk"
	PathResponse = "/tunnel/response"
)

// maxReplyMessage bounds the error text kept from a failed reply.
const maxReplyMessage = 512

// Relay sends tunnel calls through the relay. Every call is signed and bounded
// by the configured call timeout. Calls are never retried.
type Relay struct {
	httpClient   *http.Client
	baseURL      string
	signer       auth.Signer
	chunkSize    int
	callTimeout  time.Duration
	pollInterval time.Duration
	pollTimeout  time.Duration
	logger       *slog.Logger
	metrics      *metrics.Metrics
}

// NewRelay creates a Relay for cfg.Client.RelayURL.
// The metrics parameter is optional; pass nil to disable relay metrics recording.
func NewRelay(cfg *config.Config, signer auth.Signer, logger *slog.Logger, m *metrics.Metrics) *Relay {
	transport := &http.Transport{
		MaxIdleConns:        cfg.Upstream.IdleConnections,
		MaxIdleConnsPerHost: cfg.Upstream.IdleConnections,
		IdleConnTimeout:     90 * time.Second,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
	}

	size := cfg.Tunnel.ChunkSize
	if size <= 0 {
		size = model.DefaultChunkSize
	}
	if signer == nil {
		signer = auth.NopSigner{}
	}

	return &Relay{
		httpClient:   &http.Client{Transport: transport},
		baseURL:      strings.TrimRight(cfg.Client.RelayURL, "/"),
		signer:       signer,
		chunkSize:    size,
		callTimeout:  cfg.Client.CallTimeout(),
		pollInterval: cfg.Client.PollInterval(),
		pollTimeout:  cfg.Client.PollTimeout(),
		logger:       logger.With("component", "relay_client"),
		metrics:      m,
	}
}

// reply is a fully read relay reply.
type reply struct {
	status int
	header http.Header
	body   []byte
}

// call performs one signed relay call.
func (r *Relay) call(ctx context.Context, method, path string, header http.Header, body []byte) (*reply, error) {
	if r.callTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.callTimeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, method, r.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build relay request: %w", err)
	}
	for k, vals := range header {
		req.Header[k] = vals
	}
	if err := r.signer.Sign(req); err != nil {
		return nil, fmt.Errorf("sign relay request: %w", err)
	}

	start := time.Now()
	resp, err := r.httpClient.Do(req)
	label := metrics.NormalizeMethod(method)
	if err != nil {
		if r.metrics != nil {
			r.metrics.UpstreamDuration.WithLabelValues(label).Observe(time.Since(start).Seconds())
		}
		return nil, fmt.Errorf("relay %s %s: %w", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if r.metrics != nil {
		r.metrics.UpstreamDuration.WithLabelValues(label).Observe(time.Since(start).Seconds())
		r.metrics.UpstreamResponses.WithLabelValues(label, strconv.Itoa(resp.StatusCode)).Inc()
	}
	if err != nil {
		return nil, fmt.Errorf("read relay reply: %w", err)
	}

	r.logger.Debug("relay call",
		"method", method,
		"path", path,
		"connection_id", req.Header.Get(model.HeaderConnectionID),
		"status", resp.StatusCode,
		"duration", time.Since(start),
	)
	return &reply{status: resp.StatusCode, header: resp.Header, body: data}, nil
}

// failure builds the CallError for a non-success reply.
func failure(op string, kind error, rep *reply) *model.CallError {
	return &model.CallError{
		Op:         op,
		Kind:       kind,
		StatusCode: rep.status,
		Message:    replyMessage(rep.body),
	}
}

// replyMessage extracts the error text from a reply body.
func replyMessage(body []byte) string {
	var er model.ErrorReply
	if err := json.Unmarshal(body, &er); err == nil && er.Error != "" {
		return er.Error
	}
	msg := strings.TrimSpace(string(body))
	if len(msg) > maxReplyMessage {
		msg = msg[:maxReplyMessage]
	}
	return msg
}

func jsonHeader() http.Header {
	return http.Header{"Content-Type": {"application/json"}}
}
