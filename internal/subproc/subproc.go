// Package subproc spawns external processes and exposes their output through
// three views over one shared buffer: wait-for-completion, a chunk stream,
// and subscription callbacks.
package subproc

import (
	"bytes"
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

	"golang.org/x/sync/errgroup"
	"golang.org/x/term"
)

// Stream identifies which pipe a chunk came from.
type Stream string

const (
	Stdout Stream = "stdout"
	Stderr Stream = "stderr"
)

// StdinMode selects how the child's stdin is wired.
type StdinMode int

const (
	// StdinIgnore closes the child's stdin immediately.
	StdinIgnore StdinMode = iota
	// StdinInherit wires the caller's stdin through. When the caller's stdin
	// is a terminal the child's stdin is closed instead, so the process does
	// not block forever on an interactive read.
	StdinInherit
	// StdinBytes feeds literal bytes then closes.
	StdinBytes
	// StdinProducer hands the pipe to a caller-supplied writer function.
	StdinProducer
)

// Stdin describes the child's stdin wiring.
type Stdin struct {
	Mode     StdinMode
	Data     []byte
	Producer func(w io.WriteCloser)
}

// Command is a subprocess specification. Exactly one of Argv or Shell must be
// set. Shell is only for trusted templates; interpolated values must go
// through Quote.
type Command struct {
	Argv  []string
	Shell string
	Dir   string
	Env   []string // appended to the parent environment
	Stdin Stdin
	// Capture retains stdout/stderr in the result buffers.
	Capture bool
	// Mirror copies child output to the controlling terminal as it arrives.
	Mirror bool
}

// Quote wraps s in single quotes safe for POSIX shells.
func Quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// Chunk is a piece of child output attributed to one stream.
type Chunk struct {
	Stream Stream
	Data   []byte
}

// Event is delivered to subscribers.
type Event struct {
	// Type is "stdout", "stderr", "end", or "exit".
	Type string
	// Data is set for stdout/stderr events.
	Data []byte
	// Stream is set for end events.
	Stream Stream
	// ExitCode is set for exit events.
	ExitCode int
}

// Result is the completed state of a subprocess.
type Result struct {
	// Spawned is false when the process could not be started at all; in that
	// case ExitCode is undefined (-1) and Err holds the spawn error.
	Spawned  bool
	ExitCode int
	Stdout   string
	Stderr   string
	Err      error
}

// Success reports a spawned process that exited zero.
func (r Result) Success() bool {
	return r.Spawned && r.ExitCode == 0 && r.Err == nil
}

// Handle is a running subprocess. All views (Wait, Chunks, Subscribe) share
// the same underlying capture buffers.
type Handle struct {
	cmd  *exec.Cmd
	spec Command

	mu        sync.Mutex
	stdout    bytes.Buffer
	stderr    bytes.Buffer
	subs      map[int]func(Event)
	nextSub   int
	chunkChs  []chan Chunk
	completed bool

	done   chan struct{}
	result Result
}

// Start spawns the process described by spec. A spawn failure is returned as
// an error; the caller can also use Run, which folds it into the Result.
func Start(ctx context.Context, spec Command) (*Handle, error) {
	var cmd *exec.Cmd
	switch {
	case len(spec.Argv) > 0 && spec.Shell != "":
		return nil, fmt.Errorf("command spec sets both Argv and Shell")
	case len(spec.Argv) > 0:
		cmd = exec.CommandContext(ctx, spec.Argv[0], spec.Argv[1:]...)
	case spec.Shell != "":
		cmd = exec.CommandContext(ctx, "sh", "-c", spec.Shell)
	default:
		return nil, fmt.Errorf("empty command spec")
	}
	cmd.Dir = spec.Dir
	if len(spec.Env) > 0 {
		cmd.Env = append(os.Environ(), spec.Env...)
	}
	// Context cancellation interrupts first and only kills after the grace
	// period, so children get a chance to flush.
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGINT)
	}
	cmd.WaitDelay = 10 * time.Second

	h := &Handle{
		cmd:  cmd,
		spec: spec,
		subs: make(map[int]func(Event)),
		done: make(chan struct{}),
	}

	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("creating stdout pipe: %w", err)
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("creating stderr pipe: %w", err)
	}

	var stdinPipe io.WriteCloser
	switch spec.Stdin.Mode {
	case StdinIgnore:
		// exec defaults stdin to /dev/null.
	case StdinInherit:
		if term.IsTerminal(int(os.Stdin.Fd())) {
			// Interactive terminal: close rather than block on a read that
			// never ends.
		} else {
			cmd.Stdin = os.Stdin
		}
	case StdinBytes, StdinProducer:
		stdinPipe, err = cmd.StdinPipe()
		if err != nil {
			return nil, fmt.Errorf("creating stdin pipe: %w", err)
		}
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("spawning %s: %w", describe(spec), err)
	}

	switch spec.Stdin.Mode {
	case StdinBytes:
		go func() {
			_, _ = stdinPipe.Write(spec.Stdin.Data)
			_ = stdinPipe.Close()
		}()
	case StdinProducer:
		go spec.Stdin.Producer(stdinPipe)
	}

	go h.pump(stdoutPipe, stderrPipe)
	return h, nil
}

// Run spawns the process and waits for completion, folding spawn failures
// into the Result so callers can switch on one record.
func Run(ctx context.Context, spec Command) Result {
	h, err := Start(ctx, spec)
	if err != nil {
		return Result{Spawned: false, ExitCode: -1, Err: err}
	}
	return h.Wait()
}

// pump drains both pipes into the shared buffers and fans chunks out to all
// attached views, then records the exit status.
func (h *Handle) pump(stdoutPipe, stderrPipe io.Reader) {
	var g errgroup.Group
	g.Go(func() error { return h.drain(Stdout, stdoutPipe) })
	g.Go(func() error { return h.drain(Stderr, stderrPipe) })
	_ = g.Wait()

	err := h.cmd.Wait()
	exitCode := 0
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
			err = nil
		} else {
			exitCode = -1
		}
	}

	h.mu.Lock()
	h.result = Result{
		Spawned:  true,
		ExitCode: exitCode,
		Stdout:   h.stdout.String(),
		Stderr:   h.stderr.String(),
		Err:      err,
	}
	h.completed = true
	subs := snapshot(h.subs)
	chs := h.chunkChs
	h.chunkChs = nil
	h.mu.Unlock()

	for _, fn := range subs {
		fn(Event{Type: "end", Stream: Stdout})
		fn(Event{Type: "end", Stream: Stderr})
		fn(Event{Type: "exit", ExitCode: exitCode})
	}
	for _, ch := range chs {
		close(ch)
	}
	close(h.done)
}

func (h *Handle) drain(stream Stream, r io.Reader) error {
	buf := make([]byte, 32*1024)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			h.deliver(stream, data)
		}
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
	}
}

func (h *Handle) deliver(stream Stream, data []byte) {
	h.mu.Lock()
	if h.spec.Capture {
		if stream == Stdout {
			h.stdout.Write(data)
		} else {
			h.stderr.Write(data)
		}
	}
	subs := snapshot(h.subs)
	chs := append([]chan Chunk(nil), h.chunkChs...)
	h.mu.Unlock()

	if h.spec.Mirror {
		if stream == Stdout {
			_, _ = os.Stdout.Write(data)
		} else {
			_, _ = os.Stderr.Write(data)
		}
	}
	for _, fn := range subs {
		fn(Event{Type: string(stream), Data: data, Stream: stream})
	}
	for _, ch := range chs {
		ch <- Chunk{Stream: stream, Data: data}
	}
}

// Wait blocks until the process exits and returns the completed result.
func (h *Handle) Wait() Result {
	<-h.done
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.result
}

// Chunks returns a stream of output chunks. The channel is closed when the
// process exits. Chunks produced before the call are only observable through
// the capture buffers; a channel attached after exit is returned closed.
func (h *Handle) Chunks() <-chan Chunk {
	ch := make(chan Chunk, 64)
	h.mu.Lock()
	if h.completed {
		h.mu.Unlock()
		close(ch)
		return ch
	}
	h.chunkChs = append(h.chunkChs, ch)
	h.mu.Unlock()
	return ch
}

// Subscribe attaches a callback for stdout/stderr/end/exit events and returns
// an unsubscribe function. Subscribing after exit replays the terminal
// end/exit events so the callback still observes completion.
func (h *Handle) Subscribe(fn func(Event)) func() {
	h.mu.Lock()
	if h.completed {
		exitCode := h.result.ExitCode
		h.mu.Unlock()
		fn(Event{Type: "end", Stream: Stdout})
		fn(Event{Type: "end", Stream: Stderr})
		fn(Event{Type: "exit", ExitCode: exitCode})
		return func() {}
	}
	id := h.nextSub
	h.nextSub++
	h.subs[id] = fn
	h.mu.Unlock()
	return func() {
		h.mu.Lock()
		delete(h.subs, id)
		h.mu.Unlock()
	}
}

// Stop interrupts the process and escalates to SIGKILL after grace.
func (h *Handle) Stop(grace time.Duration) {
	if h.cmd.Process == nil {
		return
	}
	_ = h.cmd.Process.Signal(syscall.SIGTERM)
	select {
	case <-h.done:
	case <-time.After(grace):
		_ = h.cmd.Process.Kill()
	}
}

func describe(spec Command) string {
	if len(spec.Argv) > 0 {
		return spec.Argv[0]
	}
	return "sh -c"
}

func snapshot(subs map[int]func(Event)) []func(Event) {
	out := make([]func(Event), 0, len(subs))
	for _, fn := range subs {
		out = append(out, fn)
	}
	return out
}
