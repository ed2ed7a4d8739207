package registry

import (
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chunk-tunnel-go/internal/metrics"
	"chunk-tunnel-go/internal/model"
)

// recordingDispatcher collects dispatched jobs.
type recordingDispatcher struct {
	mu   sync.Mutex
	jobs []*Job
}

func (d *recordingDispatcher) Dispatch(job *Job) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.jobs = append(d.jobs, job)
}

func (d *recordingDispatcher) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.jobs)
}

func (d *recordingDispatcher) job(i int) *Job {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.jobs[i]
}

func newTestRegistry(t *testing.T) (*Registry, *recordingDispatcher) {
	t.Helper()
	d := &recordingDispatcher{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(d, logger, metrics.New()), d
}

func openReq(id string) model.OpenRequest {
	return model.OpenRequest{
		ConnectionID: id,
		TargetHost:   "example.com",
		Method:       "POST",
		Path:         "/upload",
		Headers: model.Headers{
			{Name: "Content-Type", Value: "text/plain"},
			{Name: "Connection", Value: "keep-alive"},
			{Name: "Content-Length", Value: "11"},
		},
		BodySize: 11,
	}
}

func TestRegistry_LifecycleStates(t *testing.T) {
	r, d := newTestRegistry(t)
	require.NoError(t, r.Open(openReq("c1")))

	snap, err := r.Get("c1")
	require.NoError(t, err)
	require.Equal(t, StateOpen, snap.State)
	require.Equal(t, model.Headers{{Name: "Content-Type", Value: "text/plain"}}, snap.Headers)

	require.NoError(t, r.AppendChunk("c1", []byte("hello "), false))
	snap, _ = r.Get("c1")
	require.Equal(t, StateBodyReceiving, snap.State)
	require.EqualValues(t, 6, snap.ReceivedBytes)

	require.NoError(t, r.AppendChunk("c1", []byte("world"), true))
	snap, _ = r.Get("c1")
	require.Equal(t, StateBodyComplete, snap.State)

	require.Equal(t, 1, d.count())
	job := d.job(0)
	require.Equal(t, "c1", job.ID)
	require.Equal(t, "hello world", string(job.Request.Body))
	require.Equal(t, "POST", job.Request.Method)

	_, err = r.Response("c1")
	require.ErrorIs(t, err, model.ErrResponseNotReady)

	require.NoError(t, job.Complete(&model.Response{StatusCode: 201, Body: []byte("ok")}))
	snap, _ = r.Get("c1")
	require.Equal(t, StateResponseReady, snap.State)

	resp, err := r.Response("c1")
	require.NoError(t, err)
	require.Equal(t, 201, resp.StatusCode)

	// The response is set exactly once.
	require.ErrorIs(t, job.Complete(&model.Response{StatusCode: 500}), ErrInvalidState)
}

func TestRegistry_AppendAfterFinalRejected(t *testing.T) {
	r, d := newTestRegistry(t)
	require.NoError(t, r.Open(openReq("c1")))
	require.NoError(t, r.AppendChunk("c1", []byte("body"), true))

	err := r.AppendChunk("c1", []byte("more"), false)
	require.ErrorIs(t, err, model.ErrBodyComplete)

	err = r.AppendChunk("c1", nil, true)
	require.ErrorIs(t, err, model.ErrBodyComplete)

	require.Equal(t, 1, d.count(), "forwarding must run once")
}

func TestRegistry_ConcurrentFinalChunksForwardOnce(t *testing.T) {
	r, d := newTestRegistry(t)
	require.NoError(t, r.Open(openReq("c1")))

	var wg sync.WaitGroup
	errs := make(chan error, 16)
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- r.AppendChunk("c1", []byte("x"), true)
		}()
	}
	wg.Wait()
	close(errs)

	ok := 0
	for err := range errs {
		if err == nil {
			ok++
			continue
		}
		require.ErrorIs(t, err, model.ErrBodyComplete)
	}
	require.Equal(t, 1, ok)
	require.Equal(t, 1, d.count())
}

func TestRegistry_EmptyFinalChunkDispatches(t *testing.T) {
	r, d := newTestRegistry(t)
	req := openReq("get")
	req.Method = "GET"
	req.BodySize = 0
	require.NoError(t, r.Open(req))

	require.NoError(t, r.AppendChunk("get", []byte{}, true))
	require.Equal(t, 1, d.count())
	require.Empty(t, d.job(0).Request.Body)
}

func TestRegistry_UnknownID(t *testing.T) {
	r, _ := newTestRegistry(t)

	require.ErrorIs(t, r.AppendChunk("nope", []byte("x"), false), model.ErrUnknownConnection)
	_, err := r.Get("nope")
	require.ErrorIs(t, err, model.ErrUnknownConnection)
	_, err = r.Response("nope")
	require.ErrorIs(t, err, model.ErrUnknownConnection)
	require.ErrorIs(t, r.SetResponse("nope", &model.Response{}), model.ErrUnknownConnection)
	require.False(t, r.Evict("nope", ReasonIdle))
}

func TestRegistry_OpenValidation(t *testing.T) {
	r, _ := newTestRegistry(t)

	tests := []struct {
		name string
		mut  func(*model.OpenRequest)
	}{
		{"empty id", func(o *model.OpenRequest) { o.ConnectionID = "" }},
		{"long id", func(o *model.OpenRequest) { o.ConnectionID = string(make([]byte, MaxIDLength+1)) }},
		{"no method", func(o *model.OpenRequest) { o.Method = "" }},
		{"no host relative path", func(o *model.OpenRequest) { o.TargetHost = "" }},
		{"negative size", func(o *model.OpenRequest) { o.BodySize = -1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := openReq("v")
			tt.mut(&req)
			require.ErrorIs(t, r.Open(req), ErrInvalidRequest)
		})
	}

	req := openReq("abs")
	req.TargetHost = ""
	req.Path = "http://example.com/x"
	require.NoError(t, r.Open(req), "absolute path needs no target host")
}

func TestRegistry_DuplicateOpen(t *testing.T) {
	r, _ := newTestRegistry(t)
	require.NoError(t, r.Open(openReq("c1")))
	require.ErrorIs(t, r.Open(openReq("c1")), model.ErrDuplicateConnection)
}

func TestRegistry_EvictFailsCleanly(t *testing.T) {
	r, d := newTestRegistry(t)
	require.NoError(t, r.Open(openReq("c1")))
	require.NoError(t, r.AppendChunk("c1", []byte("x"), true))

	require.True(t, r.Evict("c1", ReasonIdle))
	require.Equal(t, 0, r.Len())

	// A forward finishing after eviction must not resurrect the record.
	err := d.job(0).Complete(&model.Response{StatusCode: 200})
	require.ErrorIs(t, err, model.ErrUnknownConnection)
	_, err = r.Get("c1")
	require.ErrorIs(t, err, model.ErrUnknownConnection)
}

func TestRegistry_IndependentConnections(t *testing.T) {
	r, d := newTestRegistry(t)

	const n = 50
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id := fmt.Sprintf("c%d", i)
			assert.NoError(t, r.Open(openReq(id)))
			for range 10 {
				assert.NoError(t, r.AppendChunk(id, []byte("ab"), false))
			}
			assert.NoError(t, r.AppendChunk(id, []byte("z"), true))
		}()
	}
	wg.Wait()

	require.Equal(t, n, r.Len())
	require.Equal(t, n, d.count())
	for i := range n {
		require.Len(t, d.job(i).Request.Body, 21)
	}
}

func TestRegistry_Expired(t *testing.T) {
	r, _ := newTestRegistry(t)
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	r.now = func() time.Time { return base }
	require.NoError(t, r.Open(openReq("old")))
	r.now = func() time.Time { return base.Add(4 * time.Minute) }
	require.NoError(t, r.Open(openReq("young")))

	r.now = func() time.Time { return base.Add(6 * time.Minute) }
	require.Equal(t, []string{"old"}, r.Expired(5*time.Minute))
}

func TestRegistry_ScheduleEvictionOnce(t *testing.T) {
	r, _ := newTestRegistry(t)
	require.NoError(t, r.Open(openReq("c1")))

	armed, err := r.ScheduleEviction("c1", 50*time.Millisecond, ReasonGrace)
	require.NoError(t, err)
	require.True(t, armed)

	armed, err = r.ScheduleEviction("c1", time.Hour, ReasonGrace)
	require.NoError(t, err)
	require.False(t, armed, "second call keeps the first deadline")

	require.Eventually(t, func() bool { return r.Len() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestRegistry_Close(t *testing.T) {
	r, _ := newTestRegistry(t)
	for i := range 3 {
		require.NoError(t, r.Open(openReq(fmt.Sprintf("c%d", i))))
	}
	r.Close()
	require.Equal(t, 0, r.Len())
}

func TestState_String(t *testing.T) {
	require.Equal(t, "open", StateOpen.String())
	require.Equal(t, "body_receiving", StateBodyReceiving.String())
	require.Equal(t, "body_complete", StateBodyComplete.String())
	require.Equal(t, "response_ready", StateResponseReady.String())
	require.Equal(t, "unknown", State(42).String())
}
