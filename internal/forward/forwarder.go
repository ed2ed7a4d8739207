// Package forward performs the real outbound call for a completed tunnel
// connection and buffers the raw response.
package forward

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"chunk-tunnel-go/internal/config"
	"chunk-tunnel-go/internal/metrics"
	"chunk-tunnel-go/internal/model"
	"chunk-tunnel-go/internal/registry"
)

// Engine forwards completed requests upstream. Jobs run on their own
// goroutines, at most Tunnel.ForwardWorkers at a time, so no registry lock is
// held during the outbound call.
type Engine struct {
	httpClient *http.Client
	logger     *slog.Logger
	metrics    *metrics.Metrics

	sem    chan struct{}
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex // orders wg.Add against Stop
	stopped bool
	wg      sync.WaitGroup
}

// New creates an Engine. Redirects are returned to the caller instead of
// followed, and response bodies are never decompressed.
// The metrics parameter is optional; pass nil to disable upstream metrics recording.
func New(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *Engine {
	transport := &http.Transport{
		MaxIdleConns:        cfg.Upstream.IdleConnections,
		MaxIdleConnsPerHost: cfg.Upstream.IdleConnections,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
		DisableCompression:  true,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSClientConfig: &tls.Config{
			InsecureSkipVerify: cfg.Upstream.InsecureSkipVerify, //nolint:gosec // opt-in for self-signed targets
		},
	}

	workers := cfg.Tunnel.ForwardWorkers
	if workers <= 0 {
		workers = 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   cfg.Tunnel.ForwardTimeout(),
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		logger:  logger.With("component", "forward_engine"),
		metrics: m,
		sem:     make(chan struct{}, workers),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Dispatch schedules job and returns immediately; the caller may hold the
// connection lock. After Stop the job fails with a gateway error.
func (e *Engine) Dispatch(job *registry.Job) {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		go e.complete(job, Failure(fmt.Errorf("server shutting down: %w", context.Canceled)))
		return
	}
	e.wg.Add(1)
	e.mu.Unlock()

	go func() {
		defer e.wg.Done()

		if e.ctx.Err() != nil {
			e.complete(job, Failure(fmt.Errorf("server shutting down: %w", e.ctx.Err())))
			return
		}
		select {
		case e.sem <- struct{}{}:
		case <-e.ctx.Done():
			e.complete(job, Failure(fmt.Errorf("server shutting down: %w", e.ctx.Err())))
			return
		}
		defer func() { <-e.sem }()

		e.complete(job, e.Forward(e.ctx, job.Request))
	}()
}

// Stop cancels in-flight forwards and waits for their goroutines to finish
// recording a result, or for ctx to expire.
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	e.stopped = true
	e.mu.Unlock()
	e.cancel()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) complete(job *registry.Job, resp *model.Response) {
	if err := job.Complete(resp); err != nil {
		// Usually the connection was evicted while the call was running.
		e.logger.Warn("dropping forwarded response",
			"connection_id", job.ID,
			"err", err,
		)
	}
}

// Forward performs req and always returns a response. Failures become a
// synthesized gateway error so they are read back like any other response.
func (e *Engine) Forward(ctx context.Context, req model.Request) *model.Response {
	resp, err := e.Do(ctx, req)
	if err != nil {
		e.logger.Warn("forward failed",
			"method", req.Method,
			"target_host", req.TargetHost,
			"path", req.Path,
			"err", fmt.Errorf("%w: %w", model.ErrForwarding, err),
		)
		if e.metrics != nil {
			e.metrics.ForwardsTotal.WithLabelValues("error").Inc()
		}
		return Failure(err)
	}

	if e.metrics != nil {
		e.metrics.ForwardsTotal.WithLabelValues("ok").Inc()
	}
	return resp
}

// Do executes req upstream and buffers the raw response.
func (e *Engine) Do(ctx context.Context, req model.Request) (*model.Response, error) {
	target, err := BuildURL(req.TargetHost, req.Path)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, target, bytes.NewReader(req.Body))
	if err != nil {
		return nil, fmt.Errorf("build upstream request: %w", err)
	}
	header := OutboundHeaders(req.Headers)
	if host := header.Get("Host"); host != "" {
		httpReq.Host = host
		header.Del("Host")
	}
	httpReq.Header = header.HTTP()

	e.logger.Debug("upstream request",
		"method", req.Method,
		"url", target,
		"body_size", len(req.Body),
	)

	start := time.Now()
	resp, err := e.httpClient.Do(httpReq)
	method := metrics.NormalizeMethod(req.Method)
	if err != nil {
		if e.metrics != nil {
			e.metrics.UpstreamDuration.WithLabelValues(method).Observe(time.Since(start).Seconds())
		}
		return nil, fmt.Errorf("upstream request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if e.metrics != nil {
		e.metrics.UpstreamDuration.WithLabelValues(method).Observe(time.Since(start).Seconds())
		e.metrics.UpstreamResponses.WithLabelValues(method, strconv.Itoa(resp.StatusCode)).Inc()
	}
	if err != nil {
		return nil, fmt.Errorf("read upstream body: %w", err)
	}

	return &model.Response{
		StatusCode: resp.StatusCode,
		Headers:    model.FromHTTP(resp.Header),
		Body:       body,
	}, nil
}

// BuildURL joins host and path into the outbound URL. The scheme defaults to
// http unless path is already absolute or host carries its own scheme.
func BuildURL(host, path string) (string, error) {
	raw := path
	if !model.IsAbsoluteURL(path) {
		if !strings.HasPrefix(path, "/") {
			path = "/" + path
		}
		if model.IsAbsoluteURL(host) {
			raw = strings.TrimRight(host, "/") + path
		} else {
			raw = "http://" + host + path
		}
	}

	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("build upstream url: %w", err)
	}
	if u.Host == "" {
		return "", fmt.Errorf("build upstream url %q: missing host", raw)
	}
	return u.String(), nil
}

// OutboundHeaders sanitizes the captured request headers and pins
// Accept-Encoding to identity unless the caller chose one.
func OutboundHeaders(h model.Headers) model.Headers {
	out := model.SanitizeRequest(h)
	if !out.Has("Accept-Encoding") {
		out.Add("Accept-Encoding", "identity")
	}
	return out
}

// Failure builds the gateway response recorded when forwarding fails.
func Failure(err error) *model.Response {
	status := http.StatusBadGateway
	reason := "upstream request failed"

	var dnsErr *net.DNSError
	var urlErr *url.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded) || isTimeout(err):
		status = http.StatusGatewayTimeout
		reason = "upstream request timed out"
	case errors.As(err, &dnsErr):
		reason = "upstream host unreachable"
	case errors.As(err, &urlErr):
		reason = "upstream connection failed"
	}

	return &model.Response{
		StatusCode: status,
		Headers: model.Headers{
			{Name: "Content-Type", Value: "text/plain; charset=utf-8"},
			{Name: model.HeaderForwardError, Value: "true"},
		},
		Body: fmt.Appendf(nil, "Error forwarding request: %s: %v", reason, err),
	}
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
