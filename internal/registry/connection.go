package registry

import (
	"sync"
	"time"

	"chunk-tunnel-go/internal/model"
)

// State is the lifecycle position of a connection. States only move forward.
type State int

const (
	StateOpen State = iota
	StateBodyReceiving
	StateBodyComplete
	StateResponseReady
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateBodyReceiving:
		return "body_receiving"
	case StateBodyComplete:
		return "body_complete"
	case StateResponseReady:
		return "response_ready"
	default:
		return "unknown"
	}
}

// connection is the mutable record behind an id. All fields below mu are
// guarded by it; id, meta and createdAt never change after creation.
type connection struct {
	id        string
	meta      model.OpenRequest
	createdAt time.Time

	mu        sync.Mutex
	state     State
	chunks    [][]byte
	received  int64
	response  *model.Response
	delivered bool
	timer     *time.Timer
	evicted   bool
}

// Snapshot is a read-only copy of a connection's state.
type Snapshot struct {
	ID               string
	TargetHost       string
	Method           string
	Path             string
	Headers          model.Headers
	DeclaredBodySize int64
	ReceivedBytes    int64
	Chunks           int
	State            State
	CreatedAt        time.Time

	// Response is shared with the registry and must not be modified.
	Response *model.Response
}

func (c *connection) snapshot() Snapshot {
	return Snapshot{
		ID:               c.id,
		TargetHost:       c.meta.TargetHost,
		Method:           c.meta.Method,
		Path:             c.meta.Path,
		Headers:          c.meta.Headers.Clone(),
		DeclaredBodySize: c.meta.BodySize,
		ReceivedBytes:    c.received,
		Chunks:           len(c.chunks),
		State:            c.state,
		CreatedAt:        c.createdAt,
		Response:         c.response,
	}
}

// Job hands a completed request body to the forwarding engine.
type Job struct {
	ID      string
	Request model.Request

	deliver func(*model.Response) error
}

// Complete records resp as the connection's response.
func (j *Job) Complete(resp *model.Response) error {
	return j.deliver(resp)
}

// Dispatcher receives completed jobs. Dispatch is called while the
// connection's lock is held and must not block.
type Dispatcher interface {
	Dispatch(job *Job)
}
