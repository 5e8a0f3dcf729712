package fanout

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"pokenerd/internal/jsonrpc"
	"pokenerd/internal/rpc"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// waterChart is the attacking multiplier against a water defender.
var waterChart = map[string]float64{
	"normal": 1, "fire": 0.5, "water": 0.5, "electric": 2, "grass": 2,
	"ice": 0.5, "fighting": 1, "poison": 1, "ground": 1, "flying": 1,
	"psychic": 1, "bug": 1, "rock": 1, "ghost": 1, "dragon": 1,
	"dark": 1, "steel": 0.5, "fairy": 1,
}

// pipe is an in-memory line transport. The test's server goroutine reads
// requests from sent and answers through lines.
type pipe struct {
	sent  chan jsonrpc.Request
	lines chan []byte
}

func newPipe() *pipe {
	return &pipe{sent: make(chan jsonrpc.Request, 64), lines: make(chan []byte, 64)}
}

func (p *pipe) Send(_ context.Context, line []byte) error {
	var req jsonrpc.Request
	if err := json.Unmarshal(line, &req); err != nil {
		return err
	}
	p.sent <- req
	return nil
}

func (p *pipe) Lines() <-chan []byte { return p.lines }
func (p *pipe) Err() error           { return nil }

func attackingType(req jsonrpc.Request) string {
	params := req.Params.(map[string]any)
	args := params["arguments"].(map[string]any)
	return args["attacking_type"].(string)
}

func toolReply(id int64, multiplier float64) []byte {
	text, _ := json.Marshal(map[string]float64{"multiplier": multiplier})
	line, _ := json.Marshal(map[string]any{
		"jsonrpc": "2.0",
		"id":      id,
		"result":  map[string]any{"content": []map[string]string{{"text": string(text)}}},
	})
	return line
}

func effectivenessJobs(defender string, attackers ...string) []Job {
	jobs := make([]Job, 0, len(attackers))
	for _, a := range attackers {
		jobs = append(jobs, Job{
			Key:    a,
			Method: "tools.call",
			Params: map[string]any{
				"name":      "get_type_effectiveness",
				"arguments": map[string]string{"attacking_type": a, "defending_type": defender},
			},
		})
	}
	return jobs
}

func multiplierOf(resp *jsonrpc.Response) (float64, error) {
	var payload struct {
		Content []struct{ Text string } `json:"content"`
	}
	if err := json.Unmarshal(resp.Result, &payload); err != nil {
		return 0, err
	}
	if len(payload.Content) == 0 {
		return 0, errors.New("empty content")
	}
	var body struct{ Multiplier float64 }
	if err := json.Unmarshal([]byte(payload.Content[0].Text), &body); err != nil {
		return 0, err
	}
	return body.Multiplier, nil
}

var weakness = Reducer[float64, []string]{Extract: multiplierOf, Combine: KeysAbove(1)}

func TestFanOut_ResultIndependentOfArrivalOrder(t *testing.T) {
	orders := [][]string{
		{"fire", "water", "grass"},
		{"fire", "grass", "water"},
		{"water", "fire", "grass"},
		{"water", "grass", "fire"},
		{"grass", "fire", "water"},
		{"grass", "water", "fire"},
	}

	var first *Result[[]string]
	for _, order := range orders {
		t.Run(fmt.Sprint(order), func(t *testing.T) {
			p := newPipe()
			c := rpc.New(p, p)
			defer c.Close()

			// Hold every reply until all three requests are on the wire, then
			// answer in the permutation under test.
			go func() {
				byType := map[string]jsonrpc.Request{}
				for len(byType) < 3 {
					req := <-p.sent
					byType[attackingType(req)] = req
				}
				for _, typ := range order {
					p.lines <- toolReply(byType[typ].ID, waterChart[typ])
				}
			}()

			res, err := FanOut(context.Background(), New(c), effectivenessJobs("water", "fire", "water", "grass"), time.Second, weakness)
			require.NoError(t, err)
			assert.Equal(t, []string{"grass"}, res.Value)
			assert.Empty(t, res.Failed)
			if first == nil {
				first = res
				return
			}
			if diff := cmp.Diff(first, res); diff != "" {
				t.Errorf("aggregate depends on arrival order (-first +got):\n%s", diff)
			}
		})
	}
}

func TestFanOut_PartialFailureReportsFailedKeys(t *testing.T) {
	var attackers []string
	for typ := range waterChart {
		if typ != "water" {
			attackers = append(attackers, typ)
		}
	}
	require.Len(t, attackers, 17)

	p := newPipe()
	c := rpc.New(p, p)
	defer c.Close()

	silent := map[string]bool{"electric": true, "ghost": true}
	go func() {
		for i := 0; i < len(attackers); i++ {
			req := <-p.sent
			typ := attackingType(req)
			if silent[typ] {
				continue
			}
			p.lines <- toolReply(req.ID, waterChart[typ])
		}
	}()

	obs := &recordingObserver{}
	o := New(c, WithObserver(obs))
	res, err := FanOut(context.Background(), o, effectivenessJobs("water", attackers...), 150*time.Millisecond, weakness)
	require.NoError(t, err)

	// electric never answered, so only grass survives as super-effective.
	assert.Equal(t, []string{"grass"}, res.Value)
	assert.Equal(t, 15, res.Succeeded)
	assert.True(t, res.Partial())
	if diff := cmp.Diff([]string{"electric", "ghost"}, res.FailedKeys()); diff != "" {
		t.Errorf("failed keys mismatch (-want +got):\n%s", diff)
	}
	for _, f := range res.Failed {
		var te *jsonrpc.TimeoutError
		assert.ErrorAs(t, f, &te)
	}
	assert.Equal(t, []int{17, 2}, obs.last())
	assert.Zero(t, c.Pending())
}

// slowPipe is a pipe whose writes each take delay, like a backpressured
// stdin. Nothing ever answers.
type slowPipe struct {
	*pipe
	delay time.Duration
}

func (p *slowPipe) Send(ctx context.Context, line []byte) error {
	time.Sleep(p.delay)
	return p.pipe.Send(ctx, line)
}

func TestFanOut_SlowWritesStillShareOneDeadline(t *testing.T) {
	p := &slowPipe{pipe: newPipe(), delay: 40 * time.Millisecond}
	c := rpc.New(p, p, rpc.WithDefaultTimeout(2*time.Second))
	defer c.Close()

	start := time.Now()
	outcomes, err := New(c).Gather(context.Background(), effectivenessJobs("water", "fire", "grass", "ice"), 100*time.Millisecond)
	elapsed := time.Since(start)
	require.NoError(t, err)

	// Issuing alone eats the 100ms budget; no call may fall back to the 2s default.
	assert.Less(t, elapsed, time.Second)
	require.Len(t, outcomes, 3)
	for _, out := range outcomes {
		var te *jsonrpc.TimeoutError
		assert.ErrorAs(t, out.Err, &te, out.Key)
	}
	assert.Zero(t, c.Pending())
}

// stubCaller answers every Call from fn; it is not an rpc.Issuer, so the
// orchestrator runs one goroutine per job.
type stubCaller struct {
	fn       func(ctx context.Context, params map[string]any) (*jsonrpc.Response, error)
	inFlight atomic.Int64
	peak     atomic.Int64
}

func (s *stubCaller) Call(ctx context.Context, _ string, params any) (*jsonrpc.Response, error) {
	n := s.inFlight.Add(1)
	defer s.inFlight.Add(-1)
	for {
		p := s.peak.Load()
		if n <= p || s.peak.CompareAndSwap(p, n) {
			break
		}
	}
	return s.fn(ctx, params.(map[string]any))
}

func okReply(multiplier float64) *jsonrpc.Response {
	var resp jsonrpc.Response
	_ = json.Unmarshal(toolReply(1, multiplier), &resp)
	return &resp
}

func TestFanOut_ConcurrencyCap(t *testing.T) {
	s := &stubCaller{fn: func(_ context.Context, params map[string]any) (*jsonrpc.Response, error) {
		time.Sleep(10 * time.Millisecond)
		args := params["arguments"].(map[string]string)
		return okReply(waterChart[args["attacking_type"]]), nil
	}}

	res, err := FanOut(context.Background(), New(s, WithConcurrency(3)),
		effectivenessJobs("water", "fire", "grass", "electric", "ice", "steel", "normal", "rock"),
		time.Second, weakness)
	require.NoError(t, err)
	assert.Equal(t, []string{"electric", "grass"}, res.Value)
	assert.LessOrEqual(t, s.peak.Load(), int64(3))
}

func TestFanOut_CallerDeadlineBecomesTimeout(t *testing.T) {
	s := &stubCaller{fn: func(ctx context.Context, params map[string]any) (*jsonrpc.Response, error) {
		args := params["arguments"].(map[string]string)
		if args["attacking_type"] == "dragon" {
			<-ctx.Done()
			return nil, fmt.Errorf("post: %w", ctx.Err())
		}
		return okReply(waterChart[args["attacking_type"]]), nil
	}}

	res, err := FanOut(context.Background(), New(s), effectivenessJobs("water", "grass", "dragon"), 50*time.Millisecond, weakness)
	require.NoError(t, err)
	assert.Equal(t, []string{"grass"}, res.Value)
	require.Len(t, res.Failed, 1)
	var te *jsonrpc.TimeoutError
	assert.ErrorAs(t, res.Failed[0].Err, &te)
}

func TestFanOut_AllFailed(t *testing.T) {
	remote := &jsonrpc.RemoteError{Message: "unknown type"}
	s := &stubCaller{fn: func(context.Context, map[string]any) (*jsonrpc.Response, error) {
		return nil, remote
	}}

	res, err := FanOut(context.Background(), New(s), effectivenessJobs("water", "fire", "grass"), time.Second, weakness)
	assert.Nil(t, res)

	var all *AllFailedError
	require.ErrorAs(t, err, &all)
	assert.Equal(t, []string{"fire", "grass"}, keysOf(all.Failures))
	assert.ErrorIs(t, err, remote)
	assert.Contains(t, err.Error(), "all 2 tools.call calls failed")
}

func TestFanOut_UnparseablePayloadIsAFailure(t *testing.T) {
	s := &stubCaller{fn: func(_ context.Context, params map[string]any) (*jsonrpc.Response, error) {
		args := params["arguments"].(map[string]string)
		if args["attacking_type"] == "fire" {
			return &jsonrpc.Response{Result: json.RawMessage(`{"content":[]}`)}, nil
		}
		return okReply(2), nil
	}}

	res, err := FanOut(context.Background(), New(s), effectivenessJobs("water", "fire", "grass"), time.Second, weakness)
	require.NoError(t, err)
	assert.Equal(t, []string{"grass"}, res.Value)
	require.Len(t, res.Failed, 1)
	var pe *jsonrpc.ProtocolError
	assert.ErrorAs(t, res.Failed[0], &pe)
}

func TestFanOut_NoJobs(t *testing.T) {
	_, err := FanOut(context.Background(), New(&stubCaller{}), nil, time.Second, weakness)
	assert.ErrorIs(t, err, ErrNoJobs)
}

func TestKeysAbove(t *testing.T) {
	tests := []struct {
		name   string
		values map[string]float64
		want   []string
	}{
		{"empty", map[string]float64{}, []string{}},
		{"neutral is not a weakness", map[string]float64{"fire": 1, "ice": 0.5}, []string{}},
		{"sorted", map[string]float64{"rock": 2, "ground": 4, "electric": 2}, []string{"electric", "ground", "rock"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, KeysAbove(1)(tt.values))
		})
	}
}

type recordingObserver struct {
	mu    sync.Mutex
	calls [][]int
}

func (r *recordingObserver) FanOutCompleted(_ string, jobs, failed int, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, []int{jobs, failed})
}

func (r *recordingObserver) last() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.calls) == 0 {
		return nil
	}
	return r.calls[len(r.calls)-1]
}
