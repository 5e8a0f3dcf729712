package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"pokenerd/internal/jsonrpc"
	"pokenerd/internal/logging"
)

// HTTPTransport posts each request envelope to <base>/mcp/<method/path> and
// reads the response envelope from the body. Send and receive are coupled,
// so there is no reader loop.
type HTTPTransport struct {
	baseURL string
	client  *http.Client
}

// HTTPOption configures an HTTPTransport.
type HTTPOption func(*HTTPTransport)

// WithHTTPClient replaces the default client.
func WithHTTPClient(c *http.Client) HTTPOption {
	return func(t *HTTPTransport) {
		t.client = c
	}
}

// NewHTTPTransport creates a new HTTP transport.
func NewHTTPTransport(baseURL string, timeout time.Duration, opts ...HTTPOption) *HTTPTransport {
	t := &HTTPTransport{
		baseURL: strings.TrimRight(baseURL, "/"),
		client: &http.Client{
			Timeout: timeout,
		},
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// BaseURL returns the configured server root.
func (t *HTTPTransport) BaseURL() string { return t.baseURL }

// RoundTrip sends req and decodes the single corresponding response.
func (t *HTTPTransport) RoundTrip(ctx context.Context, req jsonrpc.Request) (*jsonrpc.Response, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	url := t.baseURL + MethodPath(req.Method)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, &jsonrpc.TransportError{Op: "request", Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := t.client.Do(httpReq)
	if err != nil {
		return nil, &jsonrpc.TransportError{Op: "post " + req.Method, Err: err}
	}
	defer httpResp.Body.Close()

	data, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, &jsonrpc.TransportError{Op: "read body", Err: err}
	}

	if httpResp.StatusCode < 200 || httpResp.StatusCode > 299 {
		return nil, &jsonrpc.TransportError{
			Op:         "post " + req.Method,
			StatusCode: httpResp.StatusCode,
			Body:       strings.TrimSpace(string(data)),
		}
	}

	msg, err := jsonrpc.Decode(data)
	if err != nil {
		return nil, err
	}
	if msg.Response == nil {
		return nil, &jsonrpc.ProtocolError{Line: string(data), Err: fmt.Errorf("expected a response, got notification %q", msg.Notification)}
	}

	logging.Get(logging.CategoryTransport).Debug("POST %s -> %d", url, httpResp.StatusCode)
	return msg.Response, nil
}
