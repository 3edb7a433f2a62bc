// Package testsupport provides the HTTP test double standing in for an
// upstream file host during Resolver and Fetcher tests. Adapted from
// surge's internal/testutil/mock_server.go: a configurable httptest server
// that can serve range or non-range responses, fail after N bytes, or fail
// outright on a given request, so tests can exercise resume, SizeMismatch,
// and non-range fallback without a real network dependency.
package testsupport

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync/atomic"
)

// MockUpstream serves a fixed-size byte stream with configurable Range
// support and failure injection.
type MockUpstream struct {
	Server *httptest.Server

	FileSize       int64
	SupportsRanges bool
	FailAfterBytes int64 // 0 = never fail mid-stream

	RequestCount atomic.Int64

	data []byte
}

type Option func(*MockUpstream)

func WithFileSize(n int64) Option       { return func(m *MockUpstream) { m.FileSize = n } }
func WithRangeSupport(b bool) Option    { return func(m *MockUpstream) { m.SupportsRanges = b } }
func WithFailAfterBytes(n int64) Option { return func(m *MockUpstream) { m.FailAfterBytes = n } }

// New starts a listening mock upstream; call Close when done.
func New(opts ...Option) *MockUpstream {
	m := &MockUpstream{FileSize: 1024 * 1024, SupportsRanges: true}
	for _, opt := range opts {
		opt(m)
	}
	m.data = make([]byte, m.FileSize)
	for i := range m.data {
		m.data[i] = byte(i % 256)
	}
	m.Server = httptest.NewServer(http.HandlerFunc(m.handle))
	return m
}

func (m *MockUpstream) URL() string { return m.Server.URL }
func (m *MockUpstream) Close()      { m.Server.Close() }

func (m *MockUpstream) handle(w http.ResponseWriter, r *http.Request) {
	m.RequestCount.Add(1)

	start, end := int64(0), m.FileSize-1
	rangeHeader := r.Header.Get("Range")

	if rangeHeader != "" && m.SupportsRanges {
		var err error
		start, end, err = parseRange(rangeHeader, m.FileSize)
		if err != nil {
			http.Error(w, "bad range", http.StatusRequestedRangeNotSatisfiable)
			return
		}
		w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, m.FileSize))
		w.Header().Set("Content-Length", strconv.FormatInt(end-start+1, 10))
		w.WriteHeader(http.StatusPartialContent)
	} else {
		w.Header().Set("Content-Length", strconv.FormatInt(m.FileSize, 10))
		if m.SupportsRanges {
			w.Header().Set("Accept-Ranges", "bytes")
		}
		w.WriteHeader(http.StatusOK)
	}

	written := int64(0)
	length := end - start + 1
	chunkSize := int64(8 * 1024)
	for written < length {
		if m.FailAfterBytes > 0 && written >= m.FailAfterBytes {
			return // abruptly stop, simulating a dropped connection
		}
		remaining := length - written
		cs := chunkSize
		if remaining < cs {
			cs = remaining
		}
		from := start + written
		n, err := w.Write(m.data[from : from+cs])
		if err != nil {
			return
		}
		written += int64(n)
	}
}

func parseRange(header string, fileSize int64) (int64, int64, error) {
	if !strings.HasPrefix(header, "bytes=") {
		return 0, 0, fmt.Errorf("invalid range prefix")
	}
	spec := strings.TrimPrefix(header, "bytes=")
	parts := strings.SplitN(spec, "-", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid range")
	}

	var start, end int64
	var err error
	if parts[0] == "" {
		end = fileSize - 1
		start, err = strconv.ParseInt(parts[1], 10, 64)
		if err != nil {
			return 0, 0, err
		}
		start = fileSize - start
	} else {
		start, err = strconv.ParseInt(parts[0], 10, 64)
		if err != nil {
			return 0, 0, err
		}
		if parts[1] == "" {
			end = fileSize - 1
		} else {
			end, err = strconv.ParseInt(parts[1], 10, 64)
			if err != nil {
				return 0, 0, err
			}
		}
	}
	if start < 0 || end >= fileSize || start > end {
		return 0, 0, fmt.Errorf("range out of bounds")
	}
	return start, end, nil
}
