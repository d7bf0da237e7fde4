// Package transport is the outbound boundary of the engine: it carries one
// request to the chat backend and hands back the raw response stream. The
// engine never touches net/http directly, so tests and embedders can swap in
// scripted or non-HTTP transports.
package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// errorBodyLimit caps how much of a failed response is read into the error.
const errorBodyLimit = 8 << 10

// Request is one outgoing call to the backend. The body is the fully built
// JSON payload; headers are merged over the transport's own defaults.
type Request struct {
	Endpoint string
	Headers  map[string]string
	Body     []byte
}

// Response is the backend's streaming reply. Callers own Body and must close
// it; reads observe the context passed to Do.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       io.ReadCloser
}

// Transport is the minimal interface the engine needs to reach a backend.
type Transport interface {
	Do(ctx context.Context, req Request) (*Response, error)
}

// Error reports a non-2xx backend response.
type Error struct {
	StatusCode int
	Body       string
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("transport: unexpected status %d", e.StatusCode)
	}
	return fmt.Sprintf("transport: unexpected status %d: %s", e.StatusCode, e.Body)
}

// HTTPTransport posts JSON bodies over an http.Client. Credentials travel in
// the client (cookies, auth round trippers) or in per-request headers.
type HTTPTransport struct {
	client *http.Client
}

// HTTPTransportOptions configures NewHTTPTransport.
type HTTPTransportOptions struct {
	// HTTPClient is the client used for all calls. Defaults to
	// http.DefaultClient.
	HTTPClient *http.Client
}

// NewHTTPTransport creates the default HTTP transport.
func NewHTTPTransport(optFns ...func(o *HTTPTransportOptions)) *HTTPTransport {
	opts := HTTPTransportOptions{
		HTTPClient: http.DefaultClient,
	}

	for _, fn := range optFns {
		fn(&opts)
	}

	return &HTTPTransport{client: opts.HTTPClient}
}

var _ Transport = (*HTTPTransport)(nil)

// Do posts the request and returns the open response stream. Non-2xx
// statuses are turned into *Error with a bounded excerpt of the body.
func (t *HTTPTransport) Do(ctx context.Context, req Request) (*Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, req.Endpoint, bytes.NewReader(req.Body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := t.client.Do(httpReq)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		excerpt, _ := io.ReadAll(io.LimitReader(resp.Body, errorBodyLimit))
		_ = resp.Body.Close()
		return nil, &Error{
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(excerpt)),
		}
	}

	return &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       resp.Body,
	}, nil
}
