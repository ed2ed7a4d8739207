package registry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"chunk-tunnel-go/internal/config"
)

// Reaper evicts connections on two paths: a periodic sweep of connections
// older than the idle ceiling regardless of state, and a grace timer armed
// once the last response chunk has been read.
type Reaper struct {
	registry *Registry
	interval time.Duration
	idle     time.Duration
	grace    time.Duration
	logger   *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewReaper creates a Reaper for reg using the [tunnel] timings.
func NewReaper(reg *Registry, cfg *config.Config, logger *slog.Logger) *Reaper {
	return &Reaper{
		registry: reg,
		interval: cfg.Tunnel.SweepInterval(),
		idle:     cfg.Tunnel.IdleTimeout(),
		grace:    cfg.Tunnel.Grace(),
		logger:   logger.With("component", "reaper"),
	}
}

// Start launches the sweep loop. It is a no-op if already running.
func (r *Reaper) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	r.done = make(chan struct{})
	go r.run(ctx, r.done)

	r.logger.Info("reaper started",
		"interval", r.interval,
		"idle_timeout", r.idle,
		"grace", r.grace,
	)
}

// Stop ends the sweep loop and waits for it to exit or for ctx to expire.
func (r *Reaper) Stop(ctx context.Context) error {
	r.mu.Lock()
	cancel, done := r.cancel, r.done
	r.cancel, r.done = nil, nil
	r.mu.Unlock()
	if cancel == nil {
		return nil
	}

	cancel()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Reaper) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sweep()
		}
	}
}

// Sweep evicts every connection older than the idle ceiling and returns how
// many were removed.
func (r *Reaper) Sweep() int {
	n := 0
	for _, id := range r.registry.Expired(r.idle) {
		if r.registry.Evict(id, ReasonIdle) {
			n++
		}
	}
	if n > 0 {
		r.logger.Info("evicted idle connections", "count", n, "remaining", r.registry.Len())
	}
	return n
}

// Release arms the grace timer for a connection whose response has been read
// to the end. Repeated calls keep the first deadline.
func (r *Reaper) Release(id string) error {
	armed, err := r.registry.ScheduleEviction(id, r.grace, ReasonGrace)
	if err != nil {
		return err
	}
	if armed {
		r.logger.Debug("grace timer armed", "connection_id", id, "grace", r.grace)
	}
	return nil
}
