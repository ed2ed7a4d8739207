// Package chunk splits byte streams into relay-sized parts and slices
// buffered responses for chunked download.
//
// Parts carry no sequence numbers: the sender waits for each part to be
// acknowledged before sending the next, so arrival order is send order.
package chunk

import (
	"bytes"
	"fmt"

	"chunk-tunnel-go/internal/model"
)

// Split returns the parts of data, each at most size bytes. An empty input
// yields a single empty part so the receiver still sees a final chunk.
// Parts alias data.
func Split(data []byte, size int) [][]byte {
	if size <= 0 {
		size = model.DefaultChunkSize
	}
	if len(data) == 0 {
		return [][]byte{{}}
	}

	parts := make([][]byte, 0, Count(len(data), size))
	for start := 0; start < len(data); start += size {
		end := min(start+size, len(data))
		parts = append(parts, data[start:end:end])
	}
	return parts
}

// Join concatenates parts in order.
func Join(parts [][]byte) []byte {
	return bytes.Join(parts, nil)
}

// Count returns how many parts Split produces for total bytes.
func Count(total, size int) int {
	if total <= 0 {
		return 1
	}
	return (total + size - 1) / size
}

// IsFinal reports whether the part ending at sent bytes is the terminal one.
func IsFinal(sent, total int) bool {
	return sent >= total
}

// Slice returns the body bytes addressed by download index (1-based) and
// whether more parts follow. Index 1 of an empty body is an empty, final part.
func Slice(body []byte, index, size int) ([]byte, bool, error) {
	if size <= 0 {
		size = model.DefaultChunkSize
	}
	if index < 1 {
		return nil, false, fmt.Errorf("index %d: %w", index, model.ErrChunkIndex)
	}
	// Bound the index before multiplying so a huge value cannot wrap the offset.
	if index-1 > len(body)/size {
		return nil, false, fmt.Errorf("index %d beyond %d bytes: %w", index, len(body), model.ErrChunkIndex)
	}

	start := (index - 1) * size
	if start > len(body) || (start == len(body) && index > 1) {
		return nil, false, fmt.Errorf("index %d beyond %d bytes: %w", index, len(body), model.ErrChunkIndex)
	}
	end := min(start+size, len(body))
	return body[start:end:end], end < len(body), nil
}
