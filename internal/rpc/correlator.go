// Package rpc hides wire concurrency behind a call-and-await interface.
//
// A Correlator assigns monotonically increasing ids, registers one pending
// entry per outstanding call, and runs a single reader goroutine that matches
// incoming responses to waiters strictly by id. Arrival order is irrelevant.
package rpc

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"pokenerd/internal/jsonrpc"
	"pokenerd/internal/logging"
	"pokenerd/internal/transport"
)

// DefaultTimeout bounds Call when no per-correlator timeout is configured.
const DefaultTimeout = 10 * time.Second

// ErrUnknownCall is returned by Await for an id that is not pending: never
// issued, already awaited, or already timed out.
var ErrUnknownCall = errors.New("no pending call with that id")

// Caller is the single-call contract consumed by the fan-out orchestrator
// and the Pokémon client.
type Caller interface {
	Call(ctx context.Context, method string, params any) (*jsonrpc.Response, error)
}

// Issuer splits a call into a non-blocking issue and a blocking await.
type Issuer interface {
	Issue(ctx context.Context, method string, params any) (int64, error)
	Await(ctx context.Context, id int64, timeout time.Duration) (*jsonrpc.Response, error)
}

// Observer receives correlation events. internal/metrics implements it.
type Observer interface {
	CallIssued(method string)
	CallResolved(method string, took time.Duration, err error)
	OrphanResponse()
	ProtocolError()
	PendingChanged(n int)
}

type outcome struct {
	resp *jsonrpc.Response
	err  error
}

type pendingCall struct {
	id       int64
	method   string
	issuedAt time.Time
	// resolved and claimed are guarded by Correlator.mu. Whoever flips
	// resolved first sends the single outcome on done (capacity 1); the
	// other side is a no-op. claimed marks the entry as taken by an Await.
	resolved bool
	claimed  bool
	done     chan outcome
}

// Correlator multiplexes concurrent calls over one pipe transport.
type Correlator struct {
	sender  transport.Sender
	source  transport.LineSource
	timeout time.Duration
	obs     Observer

	nextID atomic.Int64

	mu      sync.Mutex
	pending map[int64]*pendingCall
	closed  bool
	// closeErr is what pending and future calls fail with once closed.
	closeErr error

	quit     chan struct{}
	quitOnce sync.Once
	readerWG sync.WaitGroup
}

// Option configures a Correlator.
type Option func(*Correlator)

// WithDefaultTimeout sets the timeout used by Call.
func WithDefaultTimeout(d time.Duration) Option {
	return func(c *Correlator) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithObserver attaches an Observer for metrics.
func WithObserver(o Observer) Option {
	return func(c *Correlator) {
		c.obs = o
	}
}

// New creates a Correlator and starts its background reader on src.
func New(sender transport.Sender, src transport.LineSource, opts ...Option) *Correlator {
	c := &Correlator{
		sender:  sender,
		source:  src,
		timeout: DefaultTimeout,
		obs:     nopObserver{},
		pending: make(map[int64]*pendingCall),
		quit:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}

	c.readerWG.Add(1)
	go c.readLoop()
	return c
}

// Issue allocates the next id, registers the pending entry, writes the
// request and returns without waiting for the response.
func (c *Correlator) Issue(ctx context.Context, method string, params any) (int64, error) {
	id := c.nextID.Add(1)
	line, err := jsonrpc.Encode(jsonrpc.NewRequest(id, method, params))
	if err != nil {
		return 0, err
	}

	pc := &pendingCall{
		id:       id,
		method:   method,
		issuedAt: time.Now(),
		done:     make(chan outcome, 1),
	}

	// Register before writing: a fast server may answer before Send returns.
	c.mu.Lock()
	if c.closed {
		err := c.closeErr
		c.mu.Unlock()
		return 0, err
	}
	c.pending[id] = pc
	c.mu.Unlock()
	c.obs.PendingChanged(c.Pending())

	if err := c.sender.Send(ctx, line); err != nil {
		c.remove(id)
		return 0, err
	}

	c.obs.CallIssued(method)
	logging.Get(logging.CategoryRPC).Debug("Issued %s id=%d", method, id)
	return id, nil
}

// Await blocks until the response for id arrives, timeout elapses, ctx is
// done, or the connection closes. A zero timeout means the correlator
// default; a negative one times out at once. On timeout or cancellation the entry is dropped, so a late
// response becomes an orphan.
func (c *Correlator) Await(ctx context.Context, id int64, timeout time.Duration) (*jsonrpc.Response, error) {
	c.mu.Lock()
	pc, ok := c.pending[id]
	if ok && pc.claimed {
		ok = false
	}
	if ok {
		pc.claimed = true
	}
	c.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("await %d: %w", id, ErrUnknownCall)
	}
	defer c.forget(id)

	if timeout == 0 {
		timeout = c.timeout
	}

	var res outcome
	if timeout < 0 {
		// The caller's deadline passed before the wait began.
		res = c.abandon(pc, &jsonrpc.TimeoutError{ID: id, Method: pc.method, After: time.Since(pc.issuedAt)})
	} else {
		timer := time.NewTimer(timeout)
		defer timer.Stop()

		select {
		case res = <-pc.done:
		case <-timer.C:
			res = c.abandon(pc, &jsonrpc.TimeoutError{ID: id, Method: pc.method, After: timeout})
		case <-ctx.Done():
			res = c.abandon(pc, fmt.Errorf("await %d (%s): %w", id, pc.method, ctx.Err()))
		}
	}

	took := time.Since(pc.issuedAt)
	c.obs.CallResolved(pc.method, took, res.err)
	logging.Audit().CallResolved(pc.method, id, took, jsonrpc.Kind(res.err))
	if res.err != nil {
		return nil, res.err
	}
	return res.resp, nil
}

// abandon resolves pc locally unless the reader (or shutdown) already did,
// in which case their buffered outcome wins.
func (c *Correlator) abandon(pc *pendingCall, err error) outcome {
	c.mu.Lock()
	if !pc.resolved {
		pc.resolved = true
		delete(c.pending, pc.id)
		c.mu.Unlock()
		c.obs.PendingChanged(c.Pending())
		return outcome{err: err}
	}
	c.mu.Unlock()
	return <-pc.done
}

// Call issues and awaits one request using the default timeout.
// A JSON-RPC error object is returned as *jsonrpc.RemoteError.
func (c *Correlator) Call(ctx context.Context, method string, params any) (*jsonrpc.Response, error) {
	id, err := c.Issue(ctx, method, params)
	if err != nil {
		return nil, err
	}
	return c.Await(ctx, id, c.timeout)
}

// Pending returns the number of outstanding unresolved calls.
func (c *Correlator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, pc := range c.pending {
		if !pc.resolved {
			n++
		}
	}
	return n
}

// forget drops the registry entry once its Await has returned.
func (c *Correlator) forget(id int64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// remove drops an entry whose request never made it onto the wire.
func (c *Correlator) remove(id int64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
	c.obs.PendingChanged(c.Pending())
}

func (c *Correlator) readLoop() {
	defer c.readerWG.Done()
	log := logging.Get(logging.CategoryRPC)

	lines := c.source.Lines()
	for {
		var line []byte
		var ok bool
		select {
		case line, ok = <-lines:
		case <-c.quit:
			return
		}
		if !ok {
			cause := c.source.Err()
			if cause != nil {
				log.Warn("Transport stream ended: %v", cause)
			} else {
				log.Info("Transport stream ended")
			}
			c.shutdown(cause)
			return
		}
		c.dispatch(line)
	}
}

// dispatch resolves the waiter whose id matches line. It never panics and
// never delivers to any other waiter.
func (c *Correlator) dispatch(line []byte) {
	log := logging.Get(logging.CategoryRPC)

	msg, err := jsonrpc.Decode(line)
	if err != nil {
		c.obs.ProtocolError()
		log.Warn("Discarding malformed line: %v", err)
		return
	}
	if msg.Response == nil {
		log.Debug("Dropping server notification %s", msg.Notification)
		return
	}

	resp := msg.Response
	c.mu.Lock()
	pc, ok := c.pending[resp.ID]
	if ok && pc.resolved {
		// Duplicate response for a call that already has its outcome.
		ok = false
	}
	if ok {
		pc.resolved = true
	}
	c.mu.Unlock()

	if !ok {
		c.obs.OrphanResponse()
		logging.Audit().Orphan(resp.ID)
		log.Warn("Discarding %v: id=%d", jsonrpc.ErrOrphanResponse, resp.ID)
		return
	}
	c.obs.PendingChanged(c.Pending())

	if resp.Error != nil {
		pc.done <- outcome{err: resp.Error.AsRemoteError()}
		return
	}
	pc.done <- outcome{resp: resp}
}

// shutdown fails every pending call and refuses new ones.
func (c *Correlator) shutdown(cause error) {
	err := jsonrpc.ErrConnectionClosed
	if cause != nil {
		err = fmt.Errorf("%w: %w", jsonrpc.ErrConnectionClosed, cause)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.closeErr = err
	var failed []*pendingCall
	for _, pc := range c.pending {
		if !pc.resolved {
			pc.resolved = true
			failed = append(failed, pc)
		}
	}
	c.mu.Unlock()

	for _, pc := range failed {
		pc.done <- outcome{err: err}
	}
	c.obs.PendingChanged(0)
	if len(failed) > 0 {
		logging.Get(logging.CategoryRPC).Warn("Failed %d pending calls: connection closed", len(failed))
	}
}

// Close stops the reader and fails all pending calls. It does not close
// the transport, which the caller owns.
func (c *Correlator) Close() error {
	c.quitOnce.Do(func() { close(c.quit) })
	c.readerWG.Wait()
	c.shutdown(nil)
	return nil
}

type nopObserver struct{}

func (nopObserver) CallIssued(string)                         {}
func (nopObserver) CallResolved(string, time.Duration, error) {}
func (nopObserver) OrphanResponse()                           {}
func (nopObserver) ProtocolError()                            {}
func (nopObserver) PendingChanged(int)                        {}

var (
	_ Caller = (*Correlator)(nil)
	_ Issuer = (*Correlator)(nil)
)
