// Package agent drives the LLM CLI as a subprocess, consuming its
// line-delimited JSON event stream into a session record.
package agent

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"log/slog"

	"github.com/hivemind-dev/solve/internal/logging"
	"github.com/hivemind-dev/solve/internal/subproc"
)

// ErrForbidden is returned when the agent CLI reports an expired or missing
// login. The caller should tell the operator to re-authenticate.
var ErrForbidden = errors.New("agent authentication rejected, re-authenticate with the agent CLI login command")

// TokenUsage accumulates one model's token buckets across a session.
type TokenUsage struct {
	Input             int64
	CacheCreation5m   int64
	CacheCreation1h   int64
	CacheRead         int64
	Output            int64
	WebSearchRequests int64
}

func (u *TokenUsage) add(c *tokenCounts) {
	if c == nil {
		return
	}
	u.Input += c.InputTokens
	u.CacheRead += c.CacheReadInputTokens
	u.Output += c.OutputTokens
	if c.CacheCreation != nil {
		u.CacheCreation5m += c.CacheCreation.Ephemeral5mInputTokens
		u.CacheCreation1h += c.CacheCreation.Ephemeral1hInputTokens
	} else {
		u.CacheCreation5m += c.CacheCreationInputTokens
	}
	if c.ServerToolUse != nil {
		u.WebSearchRequests += c.ServerToolUse.WebSearchRequests
	}
}

// Total returns the sum of all token buckets.
func (u *TokenUsage) Total() int64 {
	return u.Input + u.CacheCreation5m + u.CacheCreation1h + u.CacheRead + u.Output
}

// Session is the completed record of one agent invocation.
type Session struct {
	ID              string
	Model           string
	StartedAt       time.Time
	EndedAt         time.Time
	ExitCode        int
	Messages        int
	ToolUses        int
	Usage           map[string]*TokenUsage
	CostUSD         float64
	UnknownModels   []string
	LimitReached    bool
	LimitResetAt    string
	OverloadRetries int
	Result          string
	IsError         bool

	overloaded bool
	forbidden  bool
}

// TotalTokens sums every bucket across models, used to surface resume
// savings between sessions.
func (s *Session) TotalTokens() int64 {
	var total int64
	for _, u := range s.Usage {
		total += u.Total()
	}
	return total
}

// Duration is the session wall-clock time.
func (s *Session) Duration() time.Duration {
	return s.EndedAt.Sub(s.StartedAt)
}

// Driver invokes the agent CLI and consumes its event stream.
type Driver struct {
	// Binary is the agent CLI executable, default "claude".
	Binary  string
	Model   string
	WorkDir string
	Sink    *logging.Sink
	Logger  *slog.Logger
	// OnSessionID fires once, when the session id first appears.
	OnSessionID func(id string)
	// OnProgress fires after each assistant message with running counters.
	OnProgress func(messages, toolUses int)
	// MaxRetries bounds overload retries. Default 3, base 5s, factor 2.
	MaxRetries int
	RetryBase  time.Duration
}

// RunOptions select the prompt and resume behavior of one session.
type RunOptions struct {
	Prompt string
	// ResumeSessionID resumes a prior session; the prompt is then only the
	// feedback delta.
	ResumeSessionID string
}

// Run executes one agent session, retrying the whole invocation on the
// transient overload envelope with exponential backoff.
func (d *Driver) Run(ctx context.Context, opts RunOptions) (*Session, error) {
	maxRetries := d.MaxRetries
	if maxRetries == 0 {
		maxRetries = 3
	}
	delay := d.RetryBase
	if delay == 0 {
		delay = 5 * time.Second
	}
	retries := 0
	for {
		session, err := d.runOnce(ctx, opts)
		if err != nil {
			return session, err
		}
		session.OverloadRetries = retries
		if session.forbidden {
			return session, ErrForbidden
		}
		if !session.overloaded {
			return session, nil
		}
		if retries >= maxRetries {
			return session, fmt.Errorf("agent overloaded after %d retries", maxRetries)
		}
		retries++
		d.log().Warn("agent overloaded, retrying", "attempt", retries, "delay", delay)
		select {
		case <-ctx.Done():
			return session, ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
}

// Validate performs a one-shot trivial call to confirm the model is usable
// before any repository work begins. Overload handling matches Run.
func (d *Driver) Validate(ctx context.Context) error {
	_, err := d.Run(ctx, RunOptions{Prompt: "Reply with the single word: ok"})
	if err != nil {
		return fmt.Errorf("validating agent model %q: %w", d.Model, err)
	}
	return nil
}

func (d *Driver) runOnce(ctx context.Context, opts RunOptions) (*Session, error) {
	binary := d.Binary
	if binary == "" {
		binary = "claude"
	}
	args := []string{binary, "-p", "--verbose", "--output-format", "stream-json", "--dangerously-skip-permissions"}
	if d.Model != "" {
		args = append(args, "--model", d.Model)
	}
	if opts.ResumeSessionID != "" {
		args = append(args, "--resume", opts.ResumeSessionID)
	}

	session := &Session{
		Model:     d.Model,
		StartedAt: time.Now(),
		Usage:     make(map[string]*TokenUsage),
	}

	handle, err := subproc.Start(ctx, subproc.Command{
		Argv:    args,
		Dir:     d.WorkDir,
		Stdin:   subproc.Stdin{Mode: subproc.StdinBytes, Data: []byte(opts.Prompt)},
		Capture: true,
	})
	if err != nil {
		return session, fmt.Errorf("spawning agent: %w (is %q installed and on PATH?)", err, binary)
	}

	consumed := false
	chunks := handle.Chunks()
	var partial []byte
	for chunk := range chunks {
		if chunk.Stream == subproc.Stderr {
			d.sinkWrite("[stderr] " + string(bytes.TrimRight(chunk.Data, "\n")))
			continue
		}
		consumed = true
		partial = append(partial, chunk.Data...)
		for {
			i := bytes.IndexByte(partial, '\n')
			if i < 0 {
				break
			}
			line := partial[:i]
			partial = partial[i+1:]
			if len(bytes.TrimSpace(line)) == 0 {
				continue
			}
			d.consumeLine(session, line)
		}
	}
	if len(bytes.TrimSpace(partial)) > 0 {
		d.consumeLine(session, partial)
	}

	result := handle.Wait()
	// A process that exited before the chunk channel attached delivered its
	// output only to the capture buffer; parse it from there.
	if !consumed && result.Stdout != "" {
		for _, line := range strings.Split(result.Stdout, "\n") {
			if strings.TrimSpace(line) == "" {
				continue
			}
			d.consumeLine(session, []byte(line))
		}
	}
	session.EndedAt = time.Now()
	session.ExitCode = result.ExitCode
	session.CostUSD, session.UnknownModels = cost(session.Usage)
	for _, model := range session.UnknownModels {
		d.log().Warn("no pricing for model, cost contribution is zero", "model", model)
	}

	// A crash or error result with no recognised limit/overload/forbidden
	// payload is a failure, never a silent success.
	if (result.ExitCode != 0 || session.IsError) &&
		!session.overloaded && !session.forbidden && !session.LimitReached {
		msg := strings.TrimSpace(session.Result)
		if len(msg) > 200 {
			msg = msg[:200] + "..."
		}
		if msg != "" {
			return session, fmt.Errorf("agent exited with code %d: %s", result.ExitCode, msg)
		}
		return session, fmt.Errorf("agent exited with code %d", result.ExitCode)
	}
	return session, nil
}

// consumeLine handles one raw stream line: log it, then let recognised
// events update the session. Invalid JSON is logged and otherwise ignored.
func (d *Driver) consumeLine(s *Session, line []byte) {
	d.sinkWrite(string(line))
	ev := parseEvent(line)
	if ev == nil {
		return
	}

	if s.ID == "" && ev.SessionID != "" {
		s.ID = ev.SessionID
		if d.Sink != nil {
			d.Sink.SetSessionID(s.ID)
		}
		if d.OnSessionID != nil {
			d.OnSessionID(s.ID)
		}
		d.log().Info("agent session started", "session_id", s.ID)
	}

	switch ev.Type {
	case "assistant":
		if ev.Message == nil {
			return
		}
		s.Messages++
		for _, block := range ev.Message.contentBlocks() {
			if block.Type == "tool_use" {
				s.ToolUses++
			}
		}
		model := ev.Message.Model
		if model == "" {
			model = d.Model
		}
		if model != "" && ev.Message.Usage != nil {
			u := s.Usage[model]
			if u == nil {
				u = &TokenUsage{}
				s.Usage[model] = u
			}
			u.add(ev.Message.Usage)
		}
		d.classify(s, ev.Message.text())
		if d.OnProgress != nil {
			d.OnProgress(s.Messages, s.ToolUses)
		}
	case "result":
		s.Result = ev.Result
		s.IsError = ev.IsError
		d.classify(s, ev.Result)
		d.log().Debug("agent result", "subtype", ev.Subtype, "is_error", ev.IsError)
	default:
		// Unknown event types never drive state transitions.
		d.log().Debug("agent event", "type", ev.Type, "subtype", ev.Subtype)
	}
}

func (d *Driver) classify(s *Session, text string) {
	if text == "" {
		return
	}
	if hit, reset := detectLimit(text); hit {
		s.LimitReached = true
		if reset != "" {
			s.LimitResetAt = reset
		}
		return
	}
	if isForbidden(text) {
		s.forbidden = true
		return
	}
	if isOverloaded(text) {
		s.overloaded = true
	}
}

func (d *Driver) sinkWrite(line string) {
	if d.Sink != nil {
		d.Sink.Write(line)
	}
}

func (d *Driver) log() *slog.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return slog.Default()
}
