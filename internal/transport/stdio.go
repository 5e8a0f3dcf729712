package transport

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"pokenerd/internal/jsonrpc"
	"pokenerd/internal/logging"
)

const maxLineBytes = 16 * 1024 * 1024

// StdioTransport runs the server as a child process and exchanges
// line-delimited JSON over its stdin/stdout. Stderr is passed through.
type StdioTransport struct {
	command string
	args    []string
	env     []string
	dir     string

	stderrOut    io.Writer
	readyLine    string
	readyTimeout time.Duration
	killGrace    time.Duration

	mu      sync.Mutex
	writeMu sync.Mutex
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	started bool
	closed  bool

	lines   chan []byte
	ready   chan struct{}
	quit    chan struct{}
	readErr error
	errMu   sync.Mutex
	wg      sync.WaitGroup
}

// StdioOption configures a StdioTransport.
type StdioOption func(*StdioTransport)

// WithEnv appends KEY=VALUE pairs to the child's environment.
func WithEnv(env ...string) StdioOption {
	return func(t *StdioTransport) {
		t.env = append(t.env, env...)
	}
}

// WithDir runs the child in dir.
func WithDir(dir string) StdioOption {
	return func(t *StdioTransport) {
		t.dir = dir
	}
}

// WithStderr redirects the child's stderr passthrough (default os.Stderr).
func WithStderr(w io.Writer) StdioOption {
	return func(t *StdioTransport) {
		t.stderrOut = w
	}
}

// WithReadyLine makes Start wait until a stderr line contains marker. Start
// fails if none arrives within timeout.
func WithReadyLine(marker string, timeout time.Duration) StdioOption {
	return func(t *StdioTransport) {
		t.readyLine = marker
		t.readyTimeout = timeout
	}
}

// WithKillGrace sets how long Close waits after interrupting the child
// before killing it.
func WithKillGrace(d time.Duration) StdioOption {
	return func(t *StdioTransport) {
		t.killGrace = d
	}
}

// NewStdioTransport creates a transport for the given command. Nothing is
// spawned until Start.
func NewStdioTransport(command string, args []string, opts ...StdioOption) *StdioTransport {
	t := &StdioTransport{
		command:   command,
		args:      args,
		stderrOut: os.Stderr,
		killGrace: 2 * time.Second,
		lines:     make(chan []byte, 64),
		ready:     make(chan struct{}),
		quit:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// ParseCommandLine splits an endpoint such as "python server.py --stdio".
func ParseCommandLine(endpoint string) (string, []string) {
	parts := strings.Fields(endpoint)
	if len(parts) == 0 {
		return "", nil
	}
	return parts[0], parts[1:]
}

// Start spawns the child process and the reader goroutines.
func (t *StdioTransport) Start(ctx context.Context) error {
	t.mu.Lock()
	if t.started {
		t.mu.Unlock()
		return nil
	}
	if t.command == "" {
		t.mu.Unlock()
		return &jsonrpc.TransportError{Op: "start", Err: errors.New("empty command for stdio transport")}
	}

	cmd := exec.Command(t.command, t.args...)
	cmd.Dir = t.dir
	if len(t.env) > 0 {
		cmd.Env = append(os.Environ(), t.env...)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		t.mu.Unlock()
		return &jsonrpc.TransportError{Op: "start", Err: fmt.Errorf("failed to get stdin pipe: %w", err)}
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		t.mu.Unlock()
		return &jsonrpc.TransportError{Op: "start", Err: fmt.Errorf("failed to get stdout pipe: %w", err)}
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		t.mu.Unlock()
		return &jsonrpc.TransportError{Op: "start", Err: fmt.Errorf("failed to get stderr pipe: %w", err)}
	}

	if err := cmd.Start(); err != nil {
		t.mu.Unlock()
		return &jsonrpc.TransportError{Op: "start", Err: fmt.Errorf("failed to start command %s: %w", t.command, err)}
	}

	t.cmd = cmd
	t.stdin = stdin
	t.started = true
	t.mu.Unlock()

	t.wg.Add(2)
	go t.readStderr(stderr)
	go t.readStdout(stdout)

	logging.Get(logging.CategoryTransport).Info("Started %s (pid %d)", t.command, cmd.Process.Pid)

	if t.readyLine == "" {
		return nil
	}

	timer := time.NewTimer(t.readyTimeout)
	defer timer.Stop()
	select {
	case <-t.ready:
		return nil
	case <-timer.C:
		logging.Get(logging.CategoryTransport).Error("No ready line %q within %s", t.readyLine, t.readyTimeout)
		_ = t.Close()
		return &jsonrpc.TransportError{Op: "start", Err: fmt.Errorf("no ready line %q from %s within %s", t.readyLine, t.command, t.readyTimeout)}
	case <-ctx.Done():
		_ = t.Close()
		return ctx.Err()
	}
}

// Send writes one line to the child's stdin.
func (t *StdioTransport) Send(ctx context.Context, line []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	t.mu.Lock()
	stdin, started, closed := t.stdin, t.started, t.closed
	t.mu.Unlock()
	if !started || closed {
		return jsonrpc.ErrConnectionClosed
	}
	if len(line) == 0 || line[len(line)-1] != '\n' {
		line = append(line, '\n')
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if _, err := stdin.Write(line); err != nil {
		return &jsonrpc.TransportError{Op: "write", Err: err}
	}
	return nil
}

// Lines returns the stdout line stream.
func (t *StdioTransport) Lines() <-chan []byte { return t.lines }

// Err reports why the line stream ended.
func (t *StdioTransport) Err() error {
	t.errMu.Lock()
	defer t.errMu.Unlock()
	return t.readErr
}

func (t *StdioTransport) readStdout(stdout io.Reader) {
	defer t.wg.Done()
	defer close(t.lines)

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	for scanner.Scan() {
		raw := scanner.Bytes()
		if len(strings.TrimSpace(string(raw))) == 0 {
			continue
		}
		line := make([]byte, len(raw))
		copy(line, raw)
		select {
		case t.lines <- line:
		case <-t.quit:
			return
		}
	}

	if err := scanner.Err(); err != nil {
		t.mu.Lock()
		closed := t.closed
		t.mu.Unlock()
		if !closed {
			logging.Get(logging.CategoryTransport).Error("Error reading stdout: %v", err)
			t.errMu.Lock()
			t.readErr = &jsonrpc.TransportError{Op: "read", Err: err}
			t.errMu.Unlock()
		}
	}
}

func (t *StdioTransport) readStderr(stderr io.Reader) {
	defer t.wg.Done()
	var once sync.Once
	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		text := scanner.Text()
		if t.stderrOut != nil {
			fmt.Fprintln(t.stderrOut, text)
		}
		if t.readyLine != "" && strings.Contains(text, t.readyLine) {
			once.Do(func() { close(t.ready) })
		}
	}
}

// Close stops the child: stdin is closed, the process interrupted and, after
// the grace period, killed. Safe to call more than once.
func (t *StdioTransport) Close() error {
	t.mu.Lock()
	if !t.started || t.closed {
		t.closed = true
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	cmd, stdin := t.cmd, t.stdin
	t.mu.Unlock()
	close(t.quit)

	_ = stdin.Close()

	exited := make(chan error, 1)
	go func() { exited <- cmd.Wait() }()

	_ = cmd.Process.Signal(syscall.SIGTERM)
	select {
	case <-exited:
	case <-time.After(t.killGrace):
		_ = cmd.Process.Kill()
		<-exited
	}

	done := make(chan struct{})
	go func() {
		t.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		logging.Get(logging.CategoryTransport).Warn("Timeout waiting for stdio transport goroutines to exit")
	}

	logging.Get(logging.CategoryTransport).Info("Stdio transport to %s closed", t.command)
	return nil
}
