// Package engine orchestrates one solve lifecycle: parse the target, prepare
// a workspace, bootstrap or continue a pull request, run agent sessions, and
// keep the PR in sync with reviewer feedback until done.
package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"log/slog"

	"github.com/hivemind-dev/solve/internal/agent"
	"github.com/hivemind-dev/solve/internal/config"
	"github.com/hivemind-dev/solve/internal/linker"
	"github.com/hivemind-dev/solve/internal/logging"
	"github.com/hivemind-dev/solve/internal/provider"
	"github.com/hivemind-dev/solve/internal/store"
	"github.com/hivemind-dev/solve/internal/workspace"
)

// Markers for machine-readable work-session comments. Comments beginning
// with either marker are the engine's own and excluded from feedback counts.
const (
	markerStarted   = "🤖 AI Work Session Started"
	markerCompleted = "🤖 AI Work Session Completed"
)

// Options configures one engine invocation. Flags override config; the
// resolved values land here.
type Options struct {
	Host   provider.Host
	Target provider.TargetURL
	Config *config.Config

	Model               string
	AgentBinary         string
	Fork                bool
	BaseBranch          string
	AutoPR              bool
	AutoContinue        bool
	AutoContinueLimit   bool
	AttachLogs          bool
	Watch               bool
	WatchInterval       time.Duration
	AutoRestartMax      int
	ResumeSessionID     string
	ResumeOnAutoRestart bool
	LinkCorrection      bool
	DryRun              bool
	LogDir              string

	Logger *slog.Logger
}

// Engine is one solve lifecycle instance. Engines share no state; parallel
// invocations coordinate only through the platform.
type Engine struct {
	opts Options
	host provider.Host
	log  *slog.Logger
	sink *logging.Sink

	mode  RunMode
	issue *provider.Issue
	// issueOwner/issueRepo name the repository the issue lives in, always
	// the base repository.
	issueOwner  string
	issueRepo   string
	issueNumber int
	pr          *provider.PullRequest

	ws *workspace.Workspace

	// refTime is the server-side reference timestamp; feedback counts only
	// comments strictly after it. Never local wall-clock.
	refTime time.Time

	prevSessionID string
	prevTokens    int64
	lastSession   *agent.Session

	resumeWorkspaceDir string
	resumeBranch       string

	corrector     *linker.Corrector
	correctorStop context.CancelFunc

	keepWorkspace bool
	keepReason    string
}

// New builds an engine and opens its log sink.
func New(opts Options) (*Engine, error) {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	sink, err := logging.NewSink(opts.LogDir)
	if err != nil {
		return nil, err
	}
	return &Engine{
		opts: opts,
		host: opts.Host,
		log:  log,
		sink: sink,
	}, nil
}

// Run executes the lifecycle. The returned error is nil for every non-fatal
// outcome, including a clean limit-reached stop.
func (e *Engine) Run(ctx context.Context) (err error) {
	defer e.finish(&err)

	if err := e.host.CheckAuthentication(ctx); err != nil {
		return fmt.Errorf("authentication with %s failed: %w\n"+
			"Run `gh auth login` (or set the provider token) and retry", e.host.Name(), err)
	}
	user, err := e.host.CurrentUser(ctx)
	if err != nil {
		return err
	}
	e.log.Info("authenticated", "provider", e.host.Name(), "user", user)
	e.sink.Writef("solve: provider=%s user=%s target=%s", e.host.Name(), user, e.opts.Target.Normalized)

	if err := e.resolveMode(ctx, user); err != nil {
		return err
	}
	e.log.Info("run mode resolved", "mode", e.mode,
		"issue", e.issueNumber, "repo", e.issueOwner+"/"+e.issueRepo)

	if e.opts.DryRun {
		return e.dryRun(ctx)
	}

	// One trivial agent call before any repository work, so a dead binary or
	// unusable model fails fast instead of after the clone.
	validator := &agent.Driver{Binary: e.opts.AgentBinary, Model: e.opts.Model, Logger: e.log}
	if err := validator.Validate(ctx); err != nil {
		return err
	}

	if err := e.setupWorkspace(ctx); err != nil {
		return err
	}

	if e.mode == ModeIssueStart && e.opts.AutoPR {
		if err := e.bootstrapPR(ctx); err != nil {
			return err
		}
	}
	e.armCorrector(ctx)

	var snapshot *FeedbackSnapshot
	if e.mode != ModeIssueStart {
		snapshot, err = e.captureFeedback(ctx)
		if err != nil {
			return fmt.Errorf("capturing feedback: %w", err)
		}
	}

	prompt, err := e.buildPrompt(ctx, snapshot)
	if err != nil {
		return err
	}

	session, err := e.runSession(ctx, prompt, e.resumeID())
	if err != nil {
		return e.sessionFailure(ctx, session, err)
	}

	if session.LimitReached {
		return e.handleLimit(ctx, session)
	}

	if err := e.verifyAndSummarize(ctx, session, ""); err != nil {
		e.log.Warn("summary step failed", "error", err)
	}

	if e.opts.Watch {
		return e.watch(ctx, false)
	}
	if dirty := e.dirtyTree(ctx); len(dirty) > 0 {
		e.log.Info("uncommitted changes remain, entering temporary watch", "files", len(dirty))
		return e.watch(ctx, true)
	}
	return nil
}

// resumeID picks the session id to resume with, if any.
func (e *Engine) resumeID() string {
	if e.opts.ResumeSessionID != "" {
		return e.opts.ResumeSessionID
	}
	if e.opts.ResumeOnAutoRestart || e.mode == ModeIssueAutoContinue {
		return e.prevSessionID
	}
	return ""
}

// runSession runs one agent session with work-session bracketing. The
// reference timestamp is captured after the start marker is posted and
// before the agent is spawned, so the engine's own comment never counts as
// feedback and all genuine feedback falls into the next window.
func (e *Engine) runSession(ctx context.Context, prompt, resumeID string) (*agent.Session, error) {
	bracket := e.pr != nil && (e.opts.Watch || e.opts.AutoContinue || e.mode != ModeIssueStart)
	if bracket {
		e.postMarker(ctx, markerStarted)
		e.setDraft(ctx, true)
	}
	if err := e.captureReferenceTime(ctx); err != nil {
		e.log.Debug("reference timestamp capture failed", "error", err)
	}
	baseSHA := ""
	if sha, err := e.ws.HeadSHA(ctx); err == nil {
		baseSHA = sha
	}

	driver := &agent.Driver{
		Binary:  e.opts.AgentBinary,
		Model:   e.opts.Model,
		WorkDir: e.ws.Dir,
		Sink:    e.sink,
		Logger:  e.log,
		OnSessionID: func(id string) {
			fmt.Fprintf(os.Stderr, "session id: %s\n", id)
		},
		OnProgress: func(messages, toolUses int) {
			e.log.Debug("agent progress", "messages", messages, "tool_uses", toolUses)
		},
	}

	session, err := driver.Run(ctx, agent.RunOptions{Prompt: prompt, ResumeSessionID: resumeID})
	e.lastSession = session

	if session != nil && session.ID != "" {
		if resumeID != "" && e.prevTokens > 0 {
			saved := e.prevTokens - session.TotalTokens()
			if saved > 0 {
				e.log.Info("resume saved tokens", "saved", saved)
			}
		}
		e.prevSessionID = session.ID
		e.prevTokens = session.TotalTokens()
		e.persistSession(session)
	}

	if err == nil && baseSHA != "" {
		moved, herr := e.ws.HasCommitsSince(ctx, baseSHA)
		if herr == nil && !moved && len(e.dirtyTree(ctx)) == 0 {
			e.log.Warn("session ended with no new commits and no pending changes")
		}
	}

	if bracket && err == nil && !session.LimitReached {
		e.postMarker(ctx, markerCompleted)
		e.setDraft(ctx, false)
	}
	return session, err
}

// captureReferenceTime sets refTime to the max of the issue update time, the
// newest issue comment, and the newest PR comment or commit, all server-side.
func (e *Engine) captureReferenceTime(ctx context.Context) error {
	var ref time.Time
	issue, err := e.host.GetIssue(ctx, e.issueOwner, e.issueRepo, e.issueNumber)
	if err == nil {
		ref = issue.UpdatedAt
		for _, c := range issue.Comments {
			if c.CreatedAt.After(ref) {
				ref = c.CreatedAt
			}
		}
	}
	if e.pr != nil {
		if comments, err := e.host.ListIssueComments(ctx, e.issueOwner, e.issueRepo, e.pr.Number, time.Time{}); err == nil {
			for _, c := range comments {
				if c.CreatedAt.After(ref) {
					ref = c.CreatedAt
				}
			}
		}
		if t, err := e.host.LastCommitTime(ctx, e.issueOwner, e.issueRepo, e.pr.Number); err == nil && t.After(ref) {
			ref = t
		}
	}
	if ref.IsZero() {
		return fmt.Errorf("no server-side timestamps available")
	}
	// Monotonically non-decreasing across ticks.
	if ref.After(e.refTime) {
		e.refTime = ref
	}
	return nil
}

// sessionFailure surfaces a failed session on the PR or issue with the
// sanitized log tail, then returns the fatal error.
func (e *Engine) sessionFailure(ctx context.Context, session *agent.Session, cause error) error {
	if errors.Is(cause, agent.ErrForbidden) {
		return fmt.Errorf("%w\nRun the agent CLI's /login flow and retry", cause)
	}
	reason := cause.Error()
	e.log.Error("agent session failed", "error", cause, "log", e.sink.Path())
	if e.opts.AttachLogs {
		if err := e.verifyAndSummarize(ctx, session, reason); err != nil {
			e.log.Warn("attaching failure log failed", "error", err)
		}
	}
	return cause
}

// handleLimit implements the limit-reached policy: preserve the workspace,
// then either schedule a resume or print resume instructions and exit 0.
func (e *Engine) handleLimit(ctx context.Context, session *agent.Session) error {
	e.retainWorkspace("usage limit reached")
	e.log.Warn("agent usage limit reached", "reset", session.LimitResetAt, "session", session.ID)

	if !e.opts.AutoContinueLimit {
		fmt.Fprintf(os.Stderr,
			"Usage limit reached (resets %s).\nResume later with:\n  solve %s --resume %s\n",
			session.LimitResetAt, e.opts.Target.Normalized, session.ID)
		return nil
	}

	wait, ok := parseResetDelay(session.LimitResetAt, time.Now())
	if !ok {
		fmt.Fprintf(os.Stderr,
			"Usage limit reached; could not parse reset time %q.\nResume manually with:\n  solve %s --resume %s\n",
			session.LimitResetAt, e.opts.Target.Normalized, session.ID)
		return nil
	}
	e.log.Info("waiting for limit reset", "wait", wait)
	select {
	case <-ctx.Done():
		return nil
	case <-time.After(wait):
	}

	snapshot, err := e.captureFeedback(ctx)
	if err != nil {
		return fmt.Errorf("capturing feedback after limit reset: %w", err)
	}
	prompt, err := e.buildPrompt(ctx, snapshot)
	if err != nil {
		return err
	}
	next, err := e.runSession(ctx, prompt, session.ID)
	if err != nil {
		return e.sessionFailure(ctx, next, err)
	}
	if next.LimitReached {
		return e.handleLimit(ctx, next)
	}
	return e.verifyAndSummarize(ctx, next, "")
}

// parseResetDelay interprets the human-readable reset hint. Epoch seconds
// and kitchen-clock forms are recognised; anything else is unparsable.
func parseResetDelay(reset string, now time.Time) (time.Duration, bool) {
	reset = strings.TrimSpace(reset)
	if reset == "" {
		return 0, false
	}
	var epoch int64
	if _, err := fmt.Sscanf(reset, "%d", &epoch); err == nil && epoch > 1e9 {
		at := time.Unix(epoch, 0)
		if at.After(now) {
			return at.Sub(now) + time.Minute, true
		}
		return time.Minute, true
	}
	for _, layout := range []string{"3PM", time.Kitchen, "15:04"} {
		if t, err := time.Parse(layout, strings.ToUpper(reset)); err == nil {
			at := time.Date(now.Year(), now.Month(), now.Day(), t.Hour(), t.Minute(), 0, 0, now.Location())
			if !at.After(now) {
				at = at.Add(24 * time.Hour)
			}
			return at.Sub(now) + time.Minute, true
		}
	}
	return 0, false
}

func (e *Engine) dirtyTree(ctx context.Context) []string {
	if e.ws == nil {
		return nil
	}
	if err := e.ws.VerifyCleanTree(ctx); err != nil {
		lines := strings.Split(err.Error(), "\n")
		if len(lines) > 1 {
			return lines[1:]
		}
		return lines
	}
	return nil
}

func (e *Engine) postMarker(ctx context.Context, marker string) {
	if e.pr == nil {
		return
	}
	body := fmt.Sprintf("%s — %s", marker, time.Now().UTC().Format(time.RFC3339))
	if err := e.host.AddComment(ctx, e.issueOwner, e.issueRepo, e.pr.Number, body); err != nil {
		e.log.Debug("posting work-session marker failed", "error", err)
	}
}

func (e *Engine) setDraft(ctx context.Context, draft bool) {
	if e.pr == nil {
		return
	}
	if err := e.host.SetDraft(ctx, e.issueOwner, e.issueRepo, e.pr.Number, draft); err != nil {
		e.log.Debug("draft transition failed", "draft", draft, "error", err)
	}
}

func (e *Engine) armCorrector(ctx context.Context) {
	if e.corrector != nil || e.pr == nil {
		return
	}
	if !e.opts.LinkCorrection && e.mode != ModeIssueStart {
		return
	}
	cctx, cancel := context.WithCancel(ctx)
	e.correctorStop = cancel
	e.corrector = &linker.Corrector{
		Host:     e.host,
		Owner:    e.issueOwner,
		Repo:     e.issueRepo,
		Number:   e.pr.Number,
		Ref:      linker.ForPullRequest(e.pr, e.issueNumber),
		Interval: e.opts.Config.Linker.ParseInterval(),
		Logger:   e.log,
	}
	go e.corrector.Run(cctx)
}

func (e *Engine) retainWorkspace(reason string) {
	e.keepWorkspace = true
	e.keepReason = reason
}

func (e *Engine) persistSession(s *agent.Session) {
	dir, err := store.SessionsDir()
	if err != nil {
		return
	}
	rec := &store.SessionRecord{
		SessionID:    s.ID,
		Model:        e.opts.Model,
		IssueURL:     e.opts.Target.Normalized,
		Branch:       e.ws.Branch,
		WorkspaceDir: e.ws.Dir,
		StartedAt:    s.StartedAt,
		EndedAt:      s.EndedAt,
		TotalTokens:  s.TotalTokens(),
		CostUSD:      s.CostUSD,
		LimitReached: s.LimitReached,
		LimitResetAt: s.LimitResetAt,
	}
	if e.pr != nil {
		rec.PRURL = e.pr.URL
	}
	if err := store.SaveSession(dir, rec); err != nil {
		e.log.Debug("persisting session record failed", "error", err)
	}
}

// finish stops the corrector, flushes the log, and applies the workspace
// retention rules.
func (e *Engine) finish(errp *error) {
	if e.correctorStop != nil {
		e.correctorStop()
	}
	if e.corrector != nil && e.corrector.Corrections() > 0 {
		e.log.Info("link corrections applied", "count", e.corrector.Corrections())
	}
	e.sink.Writef("solve: done err=%v", *errp)
	e.log.Info("log file", "path", e.sink.Path())
	_ = e.sink.Close()

	if e.ws == nil {
		return
	}
	if e.opts.ResumeSessionID != "" {
		e.retainWorkspace("resume requested")
	}
	if *errp != nil {
		e.retainWorkspace("run failed")
	}
	if e.keepWorkspace {
		e.log.Info("workspace preserved", "dir", e.ws.Dir, "reason", e.keepReason)
		return
	}
	if err := e.ws.Remove(); err != nil {
		e.log.Warn("removing workspace failed", "error", err)
	}
}
