package rpc

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"pokenerd/internal/jsonrpc"
	"pokenerd/internal/logging"
)

// RoundTripper is the synchronous HTTP variant of the transport.
type RoundTripper interface {
	RoundTrip(ctx context.Context, req jsonrpc.Request) (*jsonrpc.Response, error)
}

// HTTPCaller is the degenerate correlator for the HTTP variant: each call is
// its own request/response pair, so correlation reduces to checking that the
// echoed id matches.
type HTTPCaller struct {
	rt      RoundTripper
	timeout time.Duration
	obs     Observer
	nextID  atomic.Int64
}

// NewHTTPCaller wraps rt. The timeout bounds each call.
func NewHTTPCaller(rt RoundTripper, timeout time.Duration, opts ...Option) *HTTPCaller {
	// Reuse Correlator options for the shared knobs.
	base := &Correlator{timeout: timeout, obs: nopObserver{}}
	for _, opt := range opts {
		opt(base)
	}
	if base.timeout <= 0 {
		base.timeout = DefaultTimeout
	}
	return &HTTPCaller{rt: rt, timeout: base.timeout, obs: base.obs}
}

// Call performs one request/response exchange.
func (h *HTTPCaller) Call(ctx context.Context, method string, params any) (*jsonrpc.Response, error) {
	id := h.nextID.Add(1)
	start := time.Now()
	h.obs.CallIssued(method)

	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	resp, err := h.rt.RoundTrip(ctx, jsonrpc.NewRequest(id, method, params))
	switch {
	case err != nil && ctx.Err() == context.DeadlineExceeded:
		err = &jsonrpc.TimeoutError{ID: id, Method: method, After: h.timeout}
	case err == nil && resp.ID != id:
		err = &jsonrpc.ProtocolError{Err: fmt.Errorf("response id %d does not match request id %d", resp.ID, id)}
		h.obs.ProtocolError()
	case err == nil && resp.Error != nil:
		err = resp.Error.AsRemoteError()
	}

	took := time.Since(start)
	h.obs.CallResolved(method, took, err)
	logging.Audit().CallResolved(method, id, took, jsonrpc.Kind(err))
	if err != nil {
		return nil, err
	}
	return resp, nil
}

var _ Caller = (*HTTPCaller)(nil)
