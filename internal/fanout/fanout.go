// Package fanout issues N correlated calls concurrently and folds their
// outcomes into one aggregate.
//
// Outcomes are keyed by the job that produced them, so the aggregate never
// depends on the order in which responses arrive. One sub-call failing never
// cancels its siblings; the caller gets the aggregate over the successful
// subset plus the list of failed keys.
package fanout

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"pokenerd/internal/jsonrpc"
	"pokenerd/internal/logging"
	"pokenerd/internal/rpc"

	"golang.org/x/sync/errgroup"
)

// ErrNoJobs is returned when FanOut is given an empty job list.
var ErrNoJobs = errors.New("fan-out needs at least one job")

// Job is one sub-call of a fan-out. Key identifies it in the aggregate
// (e.g. the attacking type) and must be unique within a fan-out.
type Job struct {
	Key    string
	Method string
	Params any
}

// Outcome is the result of one job, success or failure.
type Outcome struct {
	Key      string
	Response *jsonrpc.Response
	Err      error
}

// Failure names a job that did not contribute to the aggregate.
type Failure struct {
	Key string
	Err error
}

func (f Failure) Error() string { return fmt.Sprintf("%s: %v", f.Key, f.Err) }

func (f Failure) Unwrap() error { return f.Err }

// Result is the aggregate of a fan-out. Failed is sorted by key.
type Result[T any] struct {
	Value     T
	Succeeded int
	Failed    []Failure
}

// Partial reports whether some but not all jobs failed.
func (r *Result[T]) Partial() bool { return len(r.Failed) > 0 }

// FailedKeys returns the keys of the failed jobs in sorted order.
func (r *Result[T]) FailedKeys() []string { return keysOf(r.Failed) }

// AllFailedError is returned when no job succeeded.
type AllFailedError struct {
	Method   string
	Failures []Failure
}

func (e *AllFailedError) Error() string {
	return fmt.Sprintf("all %d %s calls failed (%s)", len(e.Failures), e.Method, strings.Join(keysOf(e.Failures), ", "))
}

// Unwrap exposes every sub-call error to errors.Is / errors.As.
func (e *AllFailedError) Unwrap() []error {
	errs := make([]error, len(e.Failures))
	for i, f := range e.Failures {
		errs[i] = f
	}
	return errs
}

// Reducer turns successful responses into an aggregate. Extract runs once
// per successful job; an extraction error moves that job to the failed list.
// Combine receives the extracted values keyed by Job.Key.
type Reducer[V, T any] struct {
	Extract func(resp *jsonrpc.Response) (V, error)
	Combine func(values map[string]V) T
}

// Observer receives one event per completed fan-out.
type Observer interface {
	FanOutCompleted(method string, jobs, failed int, took time.Duration)
}

// Orchestrator runs fan-outs over a Caller. When the Caller also implements
// rpc.Issuer every request is written before any response is awaited.
type Orchestrator struct {
	caller rpc.Caller
	limit  int
	obs    Observer
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithConcurrency caps the number of in-flight calls. Zero or negative means
// one in-flight call per job.
func WithConcurrency(n int) Option {
	return func(o *Orchestrator) {
		o.limit = n
	}
}

// WithObserver attaches an Observer for metrics.
func WithObserver(obs Observer) Option {
	return func(o *Orchestrator) {
		if obs != nil {
			o.obs = obs
		}
	}
}

// New creates an Orchestrator over caller.
func New(caller rpc.Caller, opts ...Option) *Orchestrator {
	o := &Orchestrator{caller: caller, obs: nopObserver{}}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Gather runs every job and returns one Outcome per job, in job order.
// All jobs share one deadline, timeout from now.
func (o *Orchestrator) Gather(ctx context.Context, jobs []Job, timeout time.Duration) ([]Outcome, error) {
	if len(jobs) == 0 {
		return nil, ErrNoJobs
	}
	if timeout <= 0 {
		timeout = rpc.DefaultTimeout
	}

	outcomes := make([]Outcome, len(jobs))
	for i, job := range jobs {
		outcomes[i].Key = job.Key
	}

	issuer, pipelined := o.caller.(rpc.Issuer)
	if pipelined && (o.limit <= 0 || o.limit >= len(jobs)) {
		o.issueThenAwait(ctx, issuer, jobs, timeout, outcomes)
	} else {
		o.callEach(ctx, jobs, timeout, outcomes)
	}
	return outcomes, nil
}

// issueThenAwait writes all N requests back to back, then awaits all N
// concurrently. Each slot of outcomes is written by exactly one goroutine.
func (o *Orchestrator) issueThenAwait(ctx context.Context, issuer rpc.Issuer, jobs []Job, timeout time.Duration, outcomes []Outcome) {
	deadline := time.Now().Add(timeout)
	ids := make([]int64, len(jobs))
	for i, job := range jobs {
		id, err := issuer.Issue(ctx, job.Method, job.Params)
		if err != nil {
			outcomes[i].Err = err
			continue
		}
		ids[i] = id
	}

	var eg errgroup.Group
	for i := range jobs {
		if outcomes[i].Err != nil {
			continue
		}
		eg.Go(func() error {
			remaining := time.Until(deadline)
			if remaining == 0 {
				remaining = -1
			}
			outcomes[i].Response, outcomes[i].Err = issuer.Await(ctx, ids[i], remaining)
			return nil
		})
	}
	_ = eg.Wait()
}

// callEach runs one Call per job, at most limit at a time.
func (o *Orchestrator) callEach(ctx context.Context, jobs []Job, timeout time.Duration, outcomes []Outcome) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var eg errgroup.Group
	if o.limit > 0 {
		eg.SetLimit(o.limit)
	}
	for i, job := range jobs {
		eg.Go(func() error {
			resp, err := o.caller.Call(ctx, job.Method, job.Params)
			if err != nil && errors.Is(err, context.DeadlineExceeded) {
				err = &jsonrpc.TimeoutError{Method: job.Method, After: timeout}
			}
			outcomes[i].Response, outcomes[i].Err = resp, err
			return nil
		})
	}
	_ = eg.Wait()
}

// FanOut runs jobs through o and reduces the successful outcomes. It returns
// *AllFailedError only when every job failed; otherwise the Result carries
// the aggregate and the failed keys.
func FanOut[V, T any](ctx context.Context, o *Orchestrator, jobs []Job, timeout time.Duration, reduce Reducer[V, T]) (*Result[T], error) {
	start := time.Now()
	outcomes, err := o.Gather(ctx, jobs, timeout)
	if err != nil {
		return nil, err
	}

	values := make(map[string]V, len(outcomes))
	var failed []Failure
	for _, out := range outcomes {
		if out.Err != nil {
			failed = append(failed, Failure{Key: out.Key, Err: out.Err})
			continue
		}
		v, err := reduce.Extract(out.Response)
		if err != nil {
			failed = append(failed, Failure{Key: out.Key, Err: &jsonrpc.ProtocolError{Err: err}})
			continue
		}
		values[out.Key] = v
	}
	sort.Slice(failed, func(i, j int) bool { return failed[i].Key < failed[j].Key })

	method := jobs[0].Method
	took := time.Since(start)
	o.obs.FanOutCompleted(method, len(jobs), len(failed), took)
	logging.Audit().FanOut(method, len(jobs), len(failed), took)

	log := logging.Get(logging.CategoryFanOut)
	if len(values) == 0 {
		log.Warn("Fan-out %s: all %d jobs failed", method, len(jobs))
		return nil, &AllFailedError{Method: method, Failures: failed}
	}
	if len(failed) > 0 {
		log.Warn("Fan-out %s: %d/%d jobs failed: %v", method, len(failed), len(jobs), keysOf(failed))
	} else {
		log.Debug("Fan-out %s: %d jobs in %v", method, len(jobs), took)
	}

	return &Result[T]{
		Value:     reduce.Combine(values),
		Succeeded: len(values),
		Failed:    failed,
	}, nil
}

// KeysAbove returns a Combine func that keeps the keys whose value exceeds
// threshold, sorted ascending.
func KeysAbove(threshold float64) func(map[string]float64) []string {
	return func(values map[string]float64) []string {
		keys := []string{}
		for k, v := range values {
			if v > threshold {
				keys = append(keys, k)
			}
		}
		sort.Strings(keys)
		return keys
	}
}

func keysOf(failed []Failure) []string {
	keys := make([]string, len(failed))
	for i, f := range failed {
		keys[i] = f.Key
	}
	return keys
}

type nopObserver struct{}

func (nopObserver) FanOutCompleted(string, int, int, time.Duration) {}
