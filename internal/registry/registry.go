// Package registry holds the server-side table of tunnel connections and the
// reaper that evicts them.
package registry

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"chunk-tunnel-go/internal/chunk"
	"chunk-tunnel-go/internal/metrics"
	"chunk-tunnel-go/internal/model"
)

// MaxIDLength bounds client-chosen connection ids.
const MaxIDLength = 128

// Eviction reasons, used as metric labels.
const (
	ReasonIdle     = "idle"
	ReasonGrace    = "grace"
	ReasonShutdown = "shutdown"
)

var (
	// ErrInvalidRequest is returned by Open for malformed metadata.
	ErrInvalidRequest = errors.New("invalid open request")
	// ErrInvalidState is returned when an operation does not fit the current state.
	ErrInvalidState = errors.New("invalid connection state")
)

// Registry maps connection ids to connections. The table lock is held only
// for map access; each connection has its own lock, so work on one id never
// waits on another.
type Registry struct {
	mu    sync.RWMutex
	conns map[string]*connection

	dispatcher Dispatcher
	logger     *slog.Logger
	metrics    *metrics.Metrics
	now        func() time.Time
}

// New creates a Registry. The metrics parameter is optional.
func New(d Dispatcher, logger *slog.Logger, m *metrics.Metrics) *Registry {
	return &Registry{
		conns:      make(map[string]*connection),
		dispatcher: d,
		logger:     logger.With("component", "registry"),
		metrics:    m,
		now:        time.Now,
	}
}

// Open registers a connection under the client-chosen id.
func (r *Registry) Open(meta model.OpenRequest) error {
	if err := validateOpen(meta); err != nil {
		return err
	}

	meta.Headers = model.SanitizeRequest(meta.Headers)
	c := &connection{
		id:        meta.ConnectionID,
		meta:      meta,
		createdAt: r.now(),
	}

	r.mu.Lock()
	if _, ok := r.conns[c.id]; ok {
		r.mu.Unlock()
		return fmt.Errorf("open %s: %w", c.id, model.ErrDuplicateConnection)
	}
	r.conns[c.id] = c
	r.mu.Unlock()

	if r.metrics != nil {
		r.metrics.ConnectionsOpen.Inc()
	}
	r.logger.Debug("connection opened",
		"connection_id", c.id,
		"method", meta.Method,
		"target_host", meta.TargetHost,
		"path", meta.Path,
		"declared_body_size", meta.BodySize,
	)
	return nil
}

// AppendChunk adds data to the request body. When final is set the body is
// marked complete and handed to the dispatcher in the same critical section,
// so a repeated final chunk can never forward twice. The registry takes
// ownership of data.
func (r *Registry) AppendChunk(id string, data []byte, final bool) error {
	c, err := r.lookup(id)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.evicted {
		return fmt.Errorf("append %s: %w", id, model.ErrUnknownConnection)
	}
	if c.state >= StateBodyComplete {
		return fmt.Errorf("append %s: %w", id, model.ErrBodyComplete)
	}

	if len(data) > 0 {
		c.chunks = append(c.chunks, data)
	}
	c.received += int64(len(data))
	c.state = StateBodyReceiving

	if r.metrics != nil {
		r.metrics.ChunksReceived.Inc()
		r.metrics.ChunkBytes.Add(float64(len(data)))
	}
	r.logger.Debug("chunk received",
		"connection_id", id,
		"bytes", len(data),
		"received", c.received,
		"declared", c.meta.BodySize,
		"final", final,
	)

	if !final {
		return nil
	}

	c.state = StateBodyComplete
	body := chunk.Join(c.chunks)
	c.chunks = nil

	r.dispatcher.Dispatch(&Job{
		ID: id,
		Request: model.Request{
			TargetHost: c.meta.TargetHost,
			Method:     c.meta.Method,
			Path:       c.meta.Path,
			Headers:    c.meta.Headers.Clone(),
			Body:       body,
		},
		deliver: func(resp *model.Response) error {
			return r.SetResponse(id, resp)
		},
	})
	return nil
}

// Get returns a snapshot of the connection.
func (r *Registry) Get(id string) (Snapshot, error) {
	c, err := r.lookup(id)
	if err != nil {
		return Snapshot{}, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.evicted {
		return Snapshot{}, fmt.Errorf("get %s: %w", id, model.ErrUnknownConnection)
	}
	return c.snapshot(), nil
}

// Response returns the buffered response, or ErrResponseNotReady while the
// upstream call is still running.
func (r *Registry) Response(id string) (*model.Response, error) {
	c, err := r.lookup(id)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.evicted {
		return nil, fmt.Errorf("response %s: %w", id, model.ErrUnknownConnection)
	}
	if c.state != StateResponseReady {
		return nil, fmt.Errorf("response %s: %w", id, model.ErrResponseNotReady)
	}
	return c.response, nil
}

// SetResponse stores the upstream response. It is accepted exactly once and
// only after the body is complete.
func (r *Registry) SetResponse(id string, resp *model.Response) error {
	c, err := r.lookup(id)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.evicted {
		return fmt.Errorf("set response %s: %w", id, model.ErrUnknownConnection)
	}
	if c.state != StateBodyComplete {
		return fmt.Errorf("set response %s in state %s: %w", id, c.state, ErrInvalidState)
	}

	c.response = resp
	c.state = StateResponseReady
	r.logger.Debug("response ready",
		"connection_id", id,
		"status", resp.StatusCode,
		"body_size", len(resp.Body),
	)
	return nil
}

// ScheduleEviction evicts id after d. Only the first call per connection arms
// a timer; it reports whether this call did.
func (r *Registry) ScheduleEviction(id string, d time.Duration, reason string) (bool, error) {
	c, err := r.lookup(id)
	if err != nil {
		return false, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.evicted {
		return false, fmt.Errorf("schedule %s: %w", id, model.ErrUnknownConnection)
	}
	if c.delivered {
		return false, nil
	}
	c.delivered = true
	c.timer = time.AfterFunc(d, func() { r.Evict(id, reason) })
	return true, nil
}

// Evict removes id. It reports whether the connection was present.
func (r *Registry) Evict(id, reason string) bool {
	r.mu.Lock()
	c, ok := r.conns[id]
	if ok {
		delete(r.conns, id)
	}
	r.mu.Unlock()
	if !ok {
		return false
	}

	c.mu.Lock()
	c.evicted = true
	c.chunks = nil
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	state := c.state
	c.mu.Unlock()

	if r.metrics != nil {
		r.metrics.ConnectionsOpen.Dec()
		r.metrics.Evictions.WithLabelValues(reason).Inc()
	}
	r.logger.Debug("connection evicted",
		"connection_id", id,
		"reason", reason,
		"state", state.String(),
	)
	return true
}

// Expired returns the ids created more than maxAge ago.
func (r *Registry) Expired(maxAge time.Duration) []string {
	cutoff := r.now().Add(-maxAge)

	r.mu.RLock()
	defer r.mu.RUnlock()
	var ids []string
	for id, c := range r.conns {
		if c.createdAt.Before(cutoff) {
			ids = append(ids, id)
		}
	}
	return ids
}

// Len returns the number of live connections.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// Close evicts every connection.
func (r *Registry) Close() {
	r.mu.RLock()
	ids := make([]string, 0, len(r.conns))
	for id := range r.conns {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	for _, id := range ids {
		r.Evict(id, ReasonShutdown)
	}
}

func (r *Registry) lookup(id string) (*connection, error) {
	r.mu.RLock()
	c, ok := r.conns[id]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("connection %q: %w", id, model.ErrUnknownConnection)
	}
	return c, nil
}

func validateOpen(meta model.OpenRequest) error {
	switch {
	case meta.ConnectionID == "":
		return fmt.Errorf("connection_id is required: %w", ErrInvalidRequest)
	case len(meta.ConnectionID) > MaxIDLength:
		return fmt.Errorf("connection_id longer than %d bytes: %w", MaxIDLength, ErrInvalidRequest)
	case meta.Method == "":
		return fmt.Errorf("method is required: %w", ErrInvalidRequest)
	case meta.TargetHost == "" && !model.IsAbsoluteURL(meta.Path):
		return fmt.Errorf("target_host is required for relative paths: %w", ErrInvalidRequest)
	case meta.BodySize < 0:
		return fmt.Errorf("body_size must be non-negative: %w", ErrInvalidRequest)
	}
	return nil
}

