package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"golang.org/x/time/rate"

	"chunk-tunnel-go/internal/model"
)

// GetMetadata reads chunk index 0: status, headers and body size of the
// buffered response. It returns ErrResponseNotReady while the server is still
// forwarding and ErrUnknownConnection for an unknown id.
func (r *Relay) GetMetadata(ctx context.Context, id string) (*model.ResponseMetadata, error) {
	rep, err := r.read(ctx, "metadata", id, 0)
	if err != nil {
		return nil, err
	}

	var md model.ResponseMetadata
	if err := json.Unmarshal(rep.body, &md); err != nil {
		return nil, &model.CallError{Op: "metadata", Kind: model.ErrResponseRead, StatusCode: rep.status,
			Message: "malformed metadata", Cause: err}
	}
	return &md, nil
}

// GetChunk reads response body chunk index (1-based) and reports whether more
// chunks follow.
func (r *Relay) GetChunk(ctx context.Context, id string, index int) ([]byte, bool, error) {
	rep, err := r.read(ctx, "read", id, index)
	if err != nil {
		return nil, false, err
	}
	return rep.body, rep.header.Get(model.HeaderMoreChunks) == "true", nil
}

func (r *Relay) read(ctx context.Context, op, id string, index int) (*reply, error) {
	header := http.Header{
		model.HeaderConnectionID: {id},
		model.HeaderChunkIndex:   {strconv.Itoa(index)},
	}

	rep, err := r.call(ctx, http.MethodGet, PathResponse, header, nil)
	if err != nil {
		return nil, &model.CallError{Op: op, Kind: model.ErrResponseRead, Cause: err}
	}

	switch rep.status {
	case http.StatusOK:
		return rep, nil
	case http.StatusAccepted:
		return nil, failure(op, model.ErrResponseNotReady, rep)
	case http.StatusNotFound:
		return nil, failure(op, model.ErrUnknownConnection, rep)
	case http.StatusRequestedRangeNotSatisfiable:
		ce := failure(op, model.ErrResponseRead, rep)
		ce.Cause = model.ErrChunkIndex
		return nil, ce
	default:
		return nil, failure(op, model.ErrResponseRead, rep)
	}
}

// WaitMetadata polls GetMetadata until the response is ready, paced by the
// poll interval and bounded by the poll timeout.
func (r *Relay) WaitMetadata(ctx context.Context, id string) (*model.ResponseMetadata, error) {
	if r.pollTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.pollTimeout)
		defer cancel()
	}

	limiter := rate.NewLimiter(rate.Every(r.pollInterval), 1)
	polls := 0
	for {
		if err := limiter.Wait(ctx); err != nil {
			r.logger.Warn("gave up waiting for response", "connection_id", id, "polls", polls)
			return nil, &model.CallError{Op: "metadata", Kind: model.ErrResponseNotReady, Cause: err}
		}
		polls++

		md, err := r.GetMetadata(ctx, id)
		if errors.Is(err, model.ErrResponseNotReady) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil, &model.CallError{Op: "metadata", Kind: model.ErrResponseNotReady, Cause: err}
			}
			return nil, err
		}
		r.logger.Debug("response ready", "connection_id", id, "status", md.Status, "polls", polls)
		return md, nil
	}
}

// Download reads chunks from index 1 until the server reports no more and
// returns the concatenated body. sizeHint preallocates the buffer.
func (r *Relay) Download(ctx context.Context, id string, sizeHint int) ([]byte, error) {
	var buf bytes.Buffer
	if sizeHint > 0 {
		buf.Grow(sizeHint)
	}

	for index := 1; ; index++ {
		data, more, err := r.GetChunk(ctx, id, index)
		if err != nil {
			return nil, err
		}
		buf.Write(data)
		if !more {
			return buf.Bytes(), nil
		}
	}
}

// Fetch waits for the response to id and downloads it. Tunnel-control and
// framing headers are removed from the result.
func (r *Relay) Fetch(ctx context.Context, id string) (*model.Response, error) {
	md, err := r.WaitMetadata(ctx, id)
	if err != nil {
		return nil, err
	}

	// Index 1 is read even for an empty body; it is what arms server cleanup.
	body, err := r.Download(ctx, id, md.BodySize)
	if err != nil {
		return nil, err
	}

	return &model.Response{
		StatusCode: md.Status,
		Headers:    model.SanitizeResponse(md.Headers),
		Body:       body,
	}, nil
}

// Exchange sends req through the tunnel and returns the upstream response:
// open, upload, poll for readiness, download.
func (r *Relay) Exchange(ctx context.Context, req model.Request) (*model.Response, error) {
	id, err := r.OpenConnection(ctx, req.TargetHost, req.Method, req.Path, req.Headers, int64(len(req.Body)))
	if err != nil {
		return nil, err
	}
	if err := r.SendBody(ctx, id, req.Body); err != nil {
		return nil, err
	}
	resp, err := r.Fetch(ctx, id)
	if err != nil {
		return nil, err
	}

	r.logger.Debug("exchange complete",
		"connection_id", id,
		"method", req.Method,
		"target_host", req.TargetHost,
		"status", resp.StatusCode,
		"request_bytes", len(req.Body),
		"response_bytes", len(resp.Body),
	)
	if ferr := resp.ForwardErr(); ferr != nil {
		r.logger.Warn("server could not reach target",
			"connection_id", id,
			"target_host", req.TargetHost,
			"err", ferr,
		)
	}
	return resp, nil
}
