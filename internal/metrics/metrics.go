// Package metrics exposes correlation and fan-out counters to Prometheus.
package metrics

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"pokenerd/internal/fanout"
	"pokenerd/internal/jsonrpc"
	"pokenerd/internal/logging"
	"pokenerd/internal/rpc"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector implements rpc.Observer and fanout.Observer.
type Collector struct {
	registry *prometheus.Registry

	calls          *prometheus.CounterVec
	callDuration   *prometheus.HistogramVec
	orphans        prometheus.Counter
	protocolErrors prometheus.Counter
	pending        prometheus.Gauge
	fanOuts        *prometheus.CounterVec
	fanOutFailed   *prometheus.CounterVec
}

// New creates a Collector with its own registry.
func New() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		calls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pokenerd_rpc_calls_total",
				Help: "JSON-RPC calls by method and outcome.",
			},
			[]string{"method", "outcome"},
		),
		callDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pokenerd_rpc_call_duration_seconds",
				Help:    "Time from issue to resolution.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method"},
		),
		orphans: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pokenerd_rpc_orphan_responses_total",
			Help: "Responses whose id matched no pending call.",
		}),
		protocolErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pokenerd_rpc_protocol_errors_total",
			Help: "Malformed lines discarded by the reader.",
		}),
		pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pokenerd_rpc_pending_calls",
			Help: "Calls issued and not yet resolved.",
		}),
		fanOuts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pokenerd_fanout_total",
				Help: "Fan-outs by method and result (ok, partial, failed).",
			},
			[]string{"method", "result"},
		),
		fanOutFailed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pokenerd_fanout_failed_jobs_total",
				Help: "Sub-calls that failed inside a fan-out.",
			},
			[]string{"method"},
		),
	}
	c.registry.MustRegister(c.calls, c.callDuration, c.orphans, c.protocolErrors, c.pending, c.fanOuts, c.fanOutFailed)
	return c
}

// CallIssued implements rpc.Observer.
func (c *Collector) CallIssued(method string) {}

// CallResolved implements rpc.Observer.
func (c *Collector) CallResolved(method string, took time.Duration, err error) {
	c.calls.WithLabelValues(method, jsonrpc.Kind(err)).Inc()
	c.callDuration.WithLabelValues(method).Observe(took.Seconds())
}

// OrphanResponse implements rpc.Observer.
func (c *Collector) OrphanResponse() { c.orphans.Inc() }

// ProtocolError implements rpc.Observer.
func (c *Collector) ProtocolError() { c.protocolErrors.Inc() }

// PendingChanged implements rpc.Observer.
func (c *Collector) PendingChanged(n int) { c.pending.Set(float64(n)) }

// FanOutCompleted implements fanout.Observer.
func (c *Collector) FanOutCompleted(method string, jobs, failed int, took time.Duration) {
	result := "ok"
	switch {
	case failed == jobs:
		result = "failed"
	case failed > 0:
		result = "partial"
	}
	c.fanOuts.WithLabelValues(method, result).Inc()
	if failed > 0 {
		c.fanOutFailed.WithLabelValues(method).Add(float64(failed))
	}
}

// Handler serves /metrics and /healthz.
func (c *Collector) Handler() http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{}))
	return r
}

// Serve listens on addr until ctx is done.
func (c *Collector) Serve(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	srv := &http.Server{Handler: c.Handler(), ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logging.Boot("Metrics listening on %s", ln.Addr())
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

var (
	_ rpc.Observer    = (*Collector)(nil)
	_ fanout.Observer = (*Collector)(nil)
)
