package model

import (
	"errors"
	"fmt"
	"strings"
)

// Tunnel error taxonomy. Client-side failures wrap one of these in a
// *CallError so callers can use errors.Is.
var (
	ErrConnectionCreate    = errors.New("connection create failed")
	ErrChunkSend           = errors.New("chunk send failed")
	ErrUnknownConnection   = errors.New("unknown connection")
	ErrResponseNotReady    = errors.New("response not ready")
	ErrForwarding          = errors.New("forwarding failed")
	ErrBodyComplete        = errors.New("request body already complete")
	ErrDuplicateConnection = errors.New("connection already exists")
	ErrChunkIndex          = errors.New("chunk index out of range")
	ErrResponseRead        = errors.New("response read failed")
)

// CallError describes a failed relay call.
type CallError struct {
	Op         string // "open", "chunk", "metadata" or "read"
	Kind       error  // one of the sentinel errors above
	StatusCode int    // 0 when no reply was received
	Message    string
	Cause      error // transport error, if any
}

func (e *CallError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("%s: %v: %v", e.Op, e.Kind, e.Cause)
	}
	if e.Message == "" {
		return fmt.Sprintf("%s: %v: status %d", e.Op, e.Kind, e.StatusCode)
	}
	return fmt.Sprintf("%s: %v: status %d: %s", e.Op, e.Kind, e.StatusCode, e.Message)
}

// Unwrap exposes both the sentinel kind and the transport cause.
func (e *CallError) Unwrap() []error {
	errs := make([]error, 0, 2)
	if e.Kind != nil {
		errs = append(errs, e.Kind)
	}
	if e.Cause != nil {
		errs = append(errs, e.Cause)
	}
	return errs
}

// ForwardErr reports the failure carried by a response the server
// synthesized after a failed outbound call, wrapped in ErrForwarding.
// It returns nil for real upstream responses.
func (r *Response) ForwardErr() error {
	if r == nil || r.Headers.Get(HeaderForwardError) != "true" {
		return nil
	}
	msg := strings.TrimSpace(string(r.Body))
	if len(msg) > 512 {
		msg = msg[:512]
	}
	return fmt.Errorf("%w: status %d: %s", ErrForwarding, r.StatusCode, msg)
}
