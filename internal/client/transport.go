package client

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"chunk-tunnel-go/internal/model"
)

// Exchanger runs one request through the tunnel.
type Exchanger interface {
	Exchange(ctx context.Context, req model.Request) (*model.Response, error)
}

// Transport is an http.RoundTripper that sends every request through the
// tunnel. Responses are fully buffered; bodies are returned exactly as the
// target sent them, so no transparent decompression takes place.
type Transport struct {
	Tunnel Exchanger
}

// NewTransport returns a Transport over r.
func NewTransport(r *Relay) *Transport {
	return &Transport{Tunnel: r}
}

// RoundTrip implements http.RoundTripper.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	treq, err := RequestFromHTTP(req)
	if err != nil {
		return nil, err
	}

	resp, err := t.Tunnel.Exchange(req.Context(), treq)
	if err != nil {
		return nil, err
	}
	return ResponseToHTTP(resp, req), nil
}

// RequestFromHTTP captures req as a tunnel request and consumes its body.
// https targets travel as an absolute URL in Path so the server keeps the scheme.
func RequestFromHTTP(req *http.Request) (model.Request, error) {
	if req.URL == nil {
		return model.Request{}, fmt.Errorf("tunnel: request has no URL")
	}

	host := req.URL.Host
	if host == "" {
		host = req.Host
	}
	if host == "" {
		return model.Request{}, fmt.Errorf("tunnel: request has no target host")
	}

	path := req.URL.RequestURI()
	if strings.EqualFold(req.URL.Scheme, "https") {
		u := *req.URL
		u.Host = host
		path = u.String()
	}

	var body []byte
	if req.Body != nil {
		var err error
		body, err = io.ReadAll(req.Body)
		_ = req.Body.Close()
		if err != nil {
			return model.Request{}, fmt.Errorf("tunnel: read request body: %w", err)
		}
	}

	headers := model.FromHTTP(req.Header)
	if req.Host != "" && req.Host != host {
		headers.Set("Host", req.Host)
	}

	method := req.Method
	if method == "" {
		method = http.MethodGet
	}

	return model.Request{
		TargetHost: host,
		Method:     method,
		Path:       path,
		Headers:    headers,
		Body:       body,
	}, nil
}

// ResponseToHTTP converts a buffered tunnel response for req.
func ResponseToHTTP(resp *model.Response, req *http.Request) *http.Response {
	return &http.Response{
		Status:        fmt.Sprintf("%d %s", resp.StatusCode, http.StatusText(resp.StatusCode)),
		StatusCode:    resp.StatusCode,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        resp.Headers.HTTP(),
		Body:          io.NopCloser(bytes.NewReader(resp.Body)),
		ContentLength: int64(len(resp.Body)),
		Request:       req,
	}
}
