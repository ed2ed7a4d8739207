package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gofrs/uuid/v5"

	"chunk-tunnel-go/internal/chunk"
	"chunk-tunnel-go/internal/model"
)

// OpenConnection registers a tunneled request with the server and returns the
// new connection id.
func (r *Relay) OpenConnection(ctx context.Context, targetHost, method, path string, headers model.Headers, bodySize int64) (string, error) {
	id, err := uuid.NewV4()
	if err != nil {
		return "", &model.CallError{Op: "open", Kind: model.ErrConnectionCreate, Cause: err}
	}

	payload, err := json.Marshal(model.OpenRequest{
		ConnectionID: id.String(),
		TargetHost:   targetHost,
		Method:       method,
		Path:         path,
		Headers:      headers,
		BodySize:     bodySize,
	})
	if err != nil {
		return "", &model.CallError{Op: "open", Kind: model.ErrConnectionCreate, Cause: err}
	}

	rep, err := r.call(ctx, http.MethodPost, PathOpen, jsonHeader(), payload)
	if err != nil {
		return "", &model.CallError{Op: "open", Kind: model.ErrConnectionCreate, Cause: err}
	}
	if rep.status != http.StatusOK {
		return "", failure("open", model.ErrConnectionCreate, rep)
	}

	var ack model.OpenResponse
	if err := json.Unmarshal(rep.body, &ack); err != nil {
		return "", &model.CallError{Op: "open", Kind: model.ErrConnectionCreate, StatusCode: rep.status,
			Message: "malformed reply", Cause: err}
	}
	if ack.Status != model.StatusCreated || ack.ConnectionID != id.String() {
		return "", &model.CallError{Op: "open", Kind: model.ErrConnectionCreate, StatusCode: rep.status,
			Message: fmt.Sprintf("unexpected reply status %q for %q", ack.Status, ack.ConnectionID)}
	}
	return ack.ConnectionID, nil
}

// SendBody uploads body in chunks, one call at a time. Each chunk is sent only
// after the previous one was acknowledged; an empty body is sent as a single
// empty final chunk.
func (r *Relay) SendBody(ctx context.Context, id string, body []byte) error {
	parts := chunk.Split(body, r.chunkSize)
	sent := 0
	for _, part := range parts {
		sent += len(part)
		if err := r.sendChunk(ctx, id, part, chunk.IsFinal(sent, len(body))); err != nil {
			return err
		}
	}
	r.logger.Debug("body uploaded", "connection_id", id, "chunks", len(parts), "bytes", sent)
	return nil
}

func (r *Relay) sendChunk(ctx context.Context, id string, data []byte, final bool) error {
	header := http.Header{
		"Content-Type":           {"application/octet-stream"},
		model.HeaderConnectionID: {id},
		model.HeaderChunkFinal:   {strconv.FormatBool(final)},
	}

	rep, err := r.call(ctx, http.MethodPost, PathChunk, header, data)
	if err != nil {
		return &model.CallError{Op: "chunk", Kind: model.ErrChunkSend, Cause: err}
	}
	if rep.status != http.StatusOK {
		ce := failure("chunk", model.ErrChunkSend, rep)
		if rep.status == http.StatusNotFound {
			ce.Cause = model.ErrUnknownConnection
		}
		return ce
	}
	return nil
}
