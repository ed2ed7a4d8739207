// Package model defines the wire types shared by the tunnel client and server.
package model

import "strings"

// Tunnel-control headers carried on relay calls.
const (
	HeaderConnectionID = "X-Connection-ID"
	HeaderChunkFinal   = "X-Chunk-Final"
	HeaderChunkIndex   = "X-Chunk-Index"
	HeaderMoreChunks   = "X-More-Chunks"
)

// HeaderForwardError marks a response synthesized after a failed outbound call.
const HeaderForwardError = "X-Tunnel-Forward-Error"

// DefaultChunkSize is the largest payload sent in one relay call unless configured otherwise.
const DefaultChunkSize = 1 << 20

// Reply status strings.
const (
	StatusCreated       = "created"
	StatusChunkReceived = "chunk_received"
	StatusPending       = "pending"
)

// OpenRequest is the control message that registers a tunneled request.
type OpenRequest struct {
	ConnectionID string  `json:"connection_id"`
	TargetHost   string  `json:"target_host"`
	Method       string  `json:"method"`
	Path         string  `json:"path"`
	Headers      Headers `json:"headers"`
	BodySize     int64   `json:"body_size"`
}

// OpenResponse acknowledges an OpenRequest.
type OpenResponse struct {
	Status       string `json:"status"`
	ConnectionID string `json:"connection_id"`
}

// ChunkAck acknowledges one uploaded chunk.
type ChunkAck struct {
	Status  string `json:"status"`
	IsFinal bool   `json:"is_final"`
}

// ResponseMetadata is returned for chunk index 0.
type ResponseMetadata struct {
	Status   int     `json:"status"`
	Headers  Headers `json:"headers"`
	BodySize int     `json:"body_size"`
	HasBody  bool    `json:"has_body"`
}

// PendingReply is returned while the upstream response is not buffered yet.
type PendingReply struct {
	Status string `json:"status"`
}

// ErrorReply is the JSON body of every non-success tunnel reply.
type ErrorReply struct {
	Error string `json:"error"`
}

// Request is a tunneled request as reassembled on the server.
type Request struct {
	TargetHost string
	Method     string
	Path       string
	Headers    Headers
	Body       []byte
}

// Response is a fully buffered upstream response.
type Response struct {
	StatusCode int
	Headers    Headers
	Body       []byte
}

// IsAbsoluteURL reports whether path already carries an http or https scheme.
func IsAbsoluteURL(path string) bool {
	p := strings.ToLower(path)
	return strings.HasPrefix(p, "http://") || strings.HasPrefix(p, "https://")
}
