package model

import (
	"net/http"
	"sort"
	"strings"
)

// Header is a single name/value pair.
type Header struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Headers is an ordered list of header pairs. Lookups are case-insensitive
// and repeated names are kept as separate entries.
type Headers []Header

// Get returns the first value for name, or "".
func (h Headers) Get(name string) string {
	for _, p := range h {
		if strings.EqualFold(p.Name, name) {
			return p.Value
		}
	}
	return ""
}

// Values returns every value for name in order.
func (h Headers) Values(name string) []string {
	var vals []string
	for _, p := range h {
		if strings.EqualFold(p.Name, name) {
			vals = append(vals, p.Value)
		}
	}
	return vals
}

// Has reports whether name is present.
func (h Headers) Has(name string) bool {
	for _, p := range h {
		if strings.EqualFold(p.Name, name) {
			return true
		}
	}
	return false
}

// Add appends a pair.
func (h *Headers) Add(name, value string) {
	*h = append(*h, Header{Name: name, Value: value})
}

// Set replaces every value for name with a single pair.
func (h *Headers) Set(name, value string) {
	h.Del(name)
	h.Add(name, value)
}

// Del removes every pair for name.
func (h *Headers) Del(name string) {
	out := make(Headers, 0, len(*h))
	for _, p := range *h {
		if !strings.EqualFold(p.Name, name) {
			out = append(out, p)
		}
	}
	*h = out
}

// Clone returns a copy that shares no storage with h.
func (h Headers) Clone() Headers {
	if h == nil {
		return nil
	}
	out := make(Headers, len(h))
	copy(out, h)
	return out
}

// Without returns the pairs whose names are not in any of the given sets.
func (h Headers) Without(sets ...HeaderSet) Headers {
	out := make(Headers, 0, len(h))
next:
	for _, p := range h {
		for _, s := range sets {
			if s.Contains(p.Name) {
				continue next
			}
		}
		out = append(out, p)
	}
	return out
}

// HTTP converts h to an http.Header.
func (h Headers) HTTP() http.Header {
	out := make(http.Header, len(h))
	for _, p := range h {
		out.Add(p.Name, p.Value)
	}
	return out
}

// FromHTTP converts an http.Header. Names are emitted in sorted order so the
// result is deterministic; values keep their original order.
func FromHTTP(src http.Header) Headers {
	keys := make([]string, 0, len(src))
	for k := range src {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make(Headers, 0, len(src))
	for _, k := range keys {
		for _, v := range src[k] {
			out = append(out, Header{Name: k, Value: v})
		}
	}
	return out
}

// HeaderSet is a case-insensitive set of header names.
type HeaderSet map[string]struct{}

// NewHeaderSet builds a HeaderSet from names.
func NewHeaderSet(names ...string) HeaderSet {
	s := make(HeaderSet, len(names))
	for _, n := range names {
		s[strings.ToLower(n)] = struct{}{}
	}
	return s
}

// Contains reports whether name is in the set.
func (s HeaderSet) Contains(name string) bool {
	_, ok := s[strings.ToLower(name)]
	return ok
}

// Names returns the set members in canonical form, sorted.
func (s HeaderSet) Names() []string {
	out := make([]string, 0, len(s))
	for n := range s {
		out = append(out, http.CanonicalHeaderKey(n))
	}
	sort.Strings(out)
	return out
}

// HopByHop lists headers that never cross the tunnel in either direction.
// Content-Length is included because the body is re-assembled and its
// length is derived again at send time.
var HopByHop = NewHeaderSet(
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"TE",
	"Trailer",
	"Trailers",
	"Transfer-Encoding",
	"Upgrade",
	"Content-Length",
)

// TunnelControl lists the headers the tunnel itself puts on relay calls.
var TunnelControl = NewHeaderSet(
	HeaderConnectionID,
	HeaderChunkFinal,
	HeaderChunkIndex,
	HeaderMoreChunks,
)

// framing lists response headers that describe the relay hop rather than
// the replayed body.
var framing = NewHeaderSet("Content-Length", "Transfer-Encoding")

// SanitizeRequest drops hop-by-hop and tunnel-control headers, including any
// extra names the Connection header declares as hop-by-hop.
func SanitizeRequest(h Headers) Headers {
	return h.Without(HopByHop, TunnelControl, connectionTokens(h))
}

// SanitizeResponse drops tunnel-control and framing headers from a replayed
// response. Content-Encoding is kept because the body is replayed raw.
func SanitizeResponse(h Headers) Headers {
	return h.Without(TunnelControl, framing)
}

func connectionTokens(h Headers) HeaderSet {
	s := HeaderSet{}
	for _, v := range h.Values("Connection") {
		for _, tok := range strings.Split(v, ",") {
			if tok = strings.TrimSpace(tok); tok != "" {
				s[strings.ToLower(tok)] = struct{}{}
			}
		}
	}
	return s
}
