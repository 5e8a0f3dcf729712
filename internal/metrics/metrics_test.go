package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"pokenerd/internal/jsonrpc"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollector_Calls(t *testing.T) {
	c := New()

	c.CallResolved("tools.call", 20*time.Millisecond, nil)
	c.CallResolved("tools.call", time.Second, &jsonrpc.TimeoutError{ID: 3, Method: "tools.call", After: time.Second})
	c.CallResolved("tools.call", time.Millisecond, &jsonrpc.RemoteError{Message: "unknown pokemon"})
	c.OrphanResponse()
	c.ProtocolError()
	c.ProtocolError()
	c.PendingChanged(4)

	assert.Equal(t, 1.0, testutil.ToFloat64(c.calls.WithLabelValues("tools.call", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.calls.WithLabelValues("tools.call", "timeout")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.calls.WithLabelValues("tools.call", "remote")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.orphans))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.protocolErrors))
	assert.Equal(t, 4.0, testutil.ToFloat64(c.pending))
}

func TestCollector_FanOut(t *testing.T) {
	c := New()

	c.FanOutCompleted("tools.call", 17, 0, time.Second)
	c.FanOutCompleted("tools.call", 17, 2, time.Second)
	c.FanOutCompleted("tools.call", 3, 3, time.Second)

	assert.Equal(t, 1.0, testutil.ToFloat64(c.fanOuts.WithLabelValues("tools.call", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.fanOuts.WithLabelValues("tools.call", "partial")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.fanOuts.WithLabelValues("tools.call", "failed")))
	assert.Equal(t, 5.0, testutil.ToFloat64(c.fanOutFailed.WithLabelValues("tools.call")))
}

func TestCollector_Handler(t *testing.T) {
	c := New()
	c.OrphanResponse()
	srv := httptest.NewServer(c.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "pokenerd_rpc_orphan_responses_total 1")

	resp, err = http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
