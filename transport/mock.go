package transport

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
)

// Script describes one canned backend response for the MockTransport.
type Script struct {
	// StatusCode defaults to 200.
	StatusCode int
	Header     http.Header
	// Chunks are returned by consecutive body reads, preserving the chunk
	// boundaries the test chose.
	Chunks [][]byte
	// Err, when set, fails the call before any response is produced.
	Err error
	// Gate, when set, paces the body: each chunk is withheld until one
	// receive succeeds. Closing the gate releases everything. Used to hold a
	// stream open while the test cancels or inspects intermediate state.
	Gate chan struct{}
}

// MockTransport replays queued scripts in order and records every request it
// sees. It is a lightweight in-memory Transport for tests and examples.
type MockTransport struct {
	mu       sync.Mutex
	scripts  []*Script
	requests []Request
}

// NewMockTransport creates a MockTransport preloaded with scripts.
func NewMockTransport(scripts ...*Script) *MockTransport {
	return &MockTransport{scripts: scripts}
}

var _ Transport = (*MockTransport)(nil)

// Enqueue appends another scripted response.
func (m *MockTransport) Enqueue(s *Script) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scripts = append(m.scripts, s)
}

// Do implements Transport by consuming the next script.
func (m *MockTransport) Do(ctx context.Context, req Request) (*Response, error) {
	m.mu.Lock()
	m.requests = append(m.requests, cloneRequest(req))
	if len(m.scripts) == 0 {
		n := len(m.requests)
		m.mu.Unlock()
		return nil, fmt.Errorf("mock transport: no script queued for request %d", n)
	}
	script := m.scripts[0]
	m.scripts = m.scripts[1:]
	m.mu.Unlock()

	if script.Err != nil {
		return nil, script.Err
	}

	status := script.StatusCode
	if status == 0 {
		status = http.StatusOK
	}
	header := script.Header
	if header == nil {
		header = http.Header{}
	}

	return &Response{
		StatusCode: status,
		Header:     header,
		Body: &scriptBody{
			ctx:    ctx,
			chunks: script.Chunks,
			gate:   script.Gate,
		},
	}, nil
}

// Requests returns a copy of all recorded requests in arrival order.
func (m *MockTransport) Requests() []Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Request, len(m.requests))
	copy(out, m.requests)
	return out
}

// LastRequest returns the most recent request, or a zero Request when none
// was made.
func (m *MockTransport) LastRequest() Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.requests) == 0 {
		return Request{}
	}
	return m.requests[len(m.requests)-1]
}

// Calls returns how many requests were issued.
func (m *MockTransport) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}

func cloneRequest(req Request) Request {
	if req.Body != nil {
		body := make([]byte, len(req.Body))
		copy(body, req.Body)
		req.Body = body
	}
	if req.Headers != nil {
		headers := make(map[string]string, len(req.Headers))
		for k, v := range req.Headers {
			headers[k] = v
		}
		req.Headers = headers
	}
	return req
}

// scriptBody streams the scripted chunks, honoring the request context and
// the optional gate.
type scriptBody struct {
	ctx    context.Context
	chunks [][]byte
	gate   chan struct{}

	cur    []byte
	idx    int
	closed bool
}

func (b *scriptBody) Read(p []byte) (int, error) {
	if b.closed {
		return 0, io.EOF
	}
	select {
	case <-b.ctx.Done():
		return 0, b.ctx.Err()
	default:
	}

	for len(b.cur) == 0 {
		if b.idx >= len(b.chunks) {
			return 0, io.EOF
		}
		if b.gate != nil {
			select {
			case <-b.gate:
			case <-b.ctx.Done():
				return 0, b.ctx.Err()
			}
		}
		b.cur = b.chunks[b.idx]
		b.idx++
	}

	n := copy(p, b.cur)
	b.cur = b.cur[n:]
	return n, nil
}

func (b *scriptBody) Close() error {
	b.closed = true
	return nil
}
