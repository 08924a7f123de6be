package engine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hivemind-dev/solve/internal/linker"
	"github.com/hivemind-dev/solve/internal/prompts"
	"github.com/hivemind-dev/solve/internal/provider"
	"github.com/hivemind-dev/solve/internal/store"
	"github.com/hivemind-dev/solve/internal/workspace"
)

// RunMode is derived once per invocation from the target URL and platform
// state.
type RunMode string

const (
	// ModeIssueStart solves an issue with no prior PR.
	ModeIssueStart RunMode = "issue-start"
	// ModeIssueAutoContinue continues an existing PR the current identity
	// opened for the issue.
	ModeIssueAutoContinue RunMode = "issue-auto-continue"
	// ModePrContinue continues from a PR URL; the issue is inferred from the
	// PR body's closing-keyword reference.
	ModePrContinue RunMode = "pr-continue"
)

// resolveMode derives the run mode and loads the issue and, when relevant,
// the PR. user is the authenticated identity.
func (e *Engine) resolveMode(ctx context.Context, user string) error {
	target := e.opts.Target
	switch target.Kind {
	case provider.KindIssue, provider.KindPull:
	default:
		return fmt.Errorf("target %s is a %s URL; an issue or pull request URL is required", target.Normalized, target.Kind)
	}

	if e.opts.ResumeSessionID != "" {
		if err := e.loadResumeRecord(); err != nil {
			return err
		}
	}

	switch target.Kind {
	case provider.KindPull:
		pr, err := e.host.GetPullRequest(ctx, target.Owner, target.Repo, target.Number)
		if err != nil {
			return fmt.Errorf("loading pull request %s: %w", target.Normalized, err)
		}
		e.pr = pr
		e.issueOwner = pr.BaseOwner
		e.issueRepo = pr.BaseRepo
		owner, repo, number, ok := linker.FirstIssueRef(pr.Body)
		if !ok {
			return fmt.Errorf("pull request %s has no closing-keyword issue reference in its body;\n"+
				"add a line like `Resolves #<issue>` and retry", pr.URL)
		}
		if owner != "" {
			e.issueOwner, e.issueRepo = owner, repo
		}
		e.issueNumber = number
		issue, err := e.host.GetIssue(ctx, e.issueOwner, e.issueRepo, number)
		if err != nil {
			return fmt.Errorf("loading linked issue #%d: %w", number, err)
		}
		e.issue = issue
		e.mode = ModePrContinue
		return nil

	case provider.KindIssue:
		issue, err := e.host.GetIssue(ctx, target.Owner, target.Repo, target.Number)
		if err != nil {
			return fmt.Errorf("loading issue %s: %w", target.Normalized, err)
		}
		e.issue = issue
		e.issueOwner = target.Owner
		e.issueRepo = target.Repo
		e.issueNumber = target.Number

		if e.opts.AutoContinue {
			if pr := e.findExistingPR(ctx, user); pr != nil {
				e.pr = pr
				e.mode = ModeIssueAutoContinue
				return nil
			}
		}
		e.mode = ModeIssueStart
		return nil
	}
	return nil
}

// findExistingPR looks for an open PR by user whose branch follows the
// issue-<N>- naming for this issue.
func (e *Engine) findExistingPR(ctx context.Context, user string) *provider.PullRequest {
	prefix := fmt.Sprintf("issue-%d-", e.issueNumber)
	prs, err := e.host.ListOpenPullRequests(ctx, e.issueOwner, e.issueRepo, user)
	if err != nil {
		e.log.Debug("listing open PRs failed", "error", err)
		return nil
	}
	for _, pr := range prs {
		if strings.HasPrefix(pr.Branch, prefix) {
			return pr
		}
	}
	return nil
}

// loadResumeRecord restores prior-session state from the session store.
func (e *Engine) loadResumeRecord() error {
	dir, err := store.SessionsDir()
	if err != nil {
		return err
	}
	rec, err := store.LoadSession(dir, e.opts.ResumeSessionID)
	if err != nil {
		return fmt.Errorf("loading session %s: %w\n"+
			"List known sessions with `solve sessions`", e.opts.ResumeSessionID, err)
	}
	e.prevSessionID = rec.SessionID
	e.prevTokens = rec.TotalTokens
	e.resumeWorkspaceDir = rec.WorkspaceDir
	e.resumeBranch = rec.Branch
	return nil
}

// setupWorkspace materializes the clone and checks out the working branch
// according to the run mode.
func (e *Engine) setupWorkspace(ctx context.Context) error {
	if e.resumeWorkspaceDir != "" {
		dir := e.resumeWorkspaceDir
		if _, err := os.Stat(dir); err != nil {
			// The recorded directory is gone; another session for the same
			// repo may still have a usable clone lying around.
			dir = workspace.FindExisting("", e.issueRepo)
		}
		if dir != "" {
			if ws, err := workspace.Attach(ctx, e.host, e.issueOwner, e.issueRepo, dir); err == nil {
				e.ws = ws
				if e.resumeBranch != "" && ws.Branch != e.resumeBranch {
					if err := ws.Checkout(ctx, e.resumeBranch); err != nil {
						return err
					}
				}
				e.log.Info("reattached workspace", "dir", ws.Dir, "branch", ws.Branch)
				return nil
			}
		}
		e.log.Warn("stale workspace for resumed session, recreating", "dir", e.resumeWorkspaceDir)
	}

	ws, err := workspace.Prepare(ctx, workspace.Options{
		Host:    e.host,
		Owner:   e.issueOwner,
		Repo:    e.issueRepo,
		UseFork: e.opts.Fork,
		Logger:  e.log,
	})
	if err != nil {
		return err
	}
	e.ws = ws
	if e.opts.BaseBranch != "" {
		ws.DefaultBranch = e.opts.BaseBranch
	}

	switch e.mode {
	case ModeIssueStart:
		if !e.opts.Fork {
			ok, err := e.host.CheckWritePermission(ctx, e.issueOwner, e.issueRepo, false)
			if err != nil {
				return fmt.Errorf("checking write permission: %w", err)
			}
			if !ok {
				return fmt.Errorf("no write access to %s/%s.\n"+
					"Re-run with --fork to contribute from a fork", e.issueOwner, e.issueRepo)
			}
		}
		branch := e.resumeBranch
		if branch == "" {
			branch = workspace.BranchName(e.issueNumber)
		}
		return ws.Checkout(ctx, branch)

	case ModeIssueAutoContinue, ModePrContinue:
		if e.pr.CrossFork() {
			url := e.host.CloneURL(e.pr.HeadOwner, e.pr.HeadRepo, false)
			if err := ws.AddForkRemote(ctx, url); err != nil {
				return err
			}
		}
		return ws.CheckoutRemote(ctx, e.pr.Branch)
	}
	return fmt.Errorf("unknown run mode %q", e.mode)
}

// promptData is the substitution set for the prompt templates.
type promptData struct {
	ProviderName string
	IssueURL     string
	IssueTitle   string
	IssueBody    string
	IssueRef     string
	Branch       string
	WorkDir      string
	PushRemote   string
	PRURL        string
	IsFork       bool
	UpstreamSlug string

	NewPRComments      []provider.Comment
	NewIssueComments   []provider.Comment
	MergeState         string
	UncommittedChanges []string
}

func (e *Engine) promptData(snapshot *FeedbackSnapshot) promptData {
	data := promptData{
		ProviderName: e.host.Name(),
		IssueURL:     e.issue.URL,
		IssueTitle:   e.issue.Title,
		IssueBody:    e.issue.Body,
		IssueRef:     e.issueRef().String(),
		UpstreamSlug: e.issueOwner + "/" + e.issueRepo,
	}
	if e.ws != nil {
		data.Branch = e.ws.Branch
		data.WorkDir = e.ws.Dir
		data.PushRemote = e.ws.PushRemote()
		data.IsFork = e.ws.UsingFork
	}
	if e.pr != nil {
		data.PRURL = e.pr.URL
	}
	if snapshot != nil {
		data.NewPRComments = snapshot.NewPRComments
		data.NewIssueComments = snapshot.NewIssueComments
		data.MergeState = string(snapshot.MergeState)
		data.UncommittedChanges = snapshot.UncommittedChanges
	}
	return data
}

// issueRef is the closing reference the PR body must carry.
func (e *Engine) issueRef() linker.Reference {
	ref := linker.Reference{Owner: e.issueOwner, Repo: e.issueRepo, Number: e.issueNumber}
	if e.pr != nil {
		ref.CrossRepo = e.pr.CrossFork()
	} else if e.opts.Fork {
		ref.CrossRepo = true
	}
	return ref
}

// buildPrompt renders the session prompt: the full solve template for fresh
// sessions, the minimal feedback delta for resumed ones.
func (e *Engine) buildPrompt(ctx context.Context, snapshot *FeedbackSnapshot) (string, error) {
	name := "solve.md"
	if snapshot != nil && e.resumeID() != "" {
		name = "feedback.md"
	}
	out, err := prompts.Execute(name, e.promptData(snapshot))
	if err != nil {
		return "", fmt.Errorf("building prompt: %w", err)
	}
	return out, nil
}

// dryRun prints the fully composed prompt without mutating platform state
// or invoking the agent.
func (e *Engine) dryRun(_ context.Context) error {
	data := e.promptData(nil)
	if data.Branch == "" {
		data.Branch = workspace.BranchName(e.issueNumber)
	}
	if data.WorkDir == "" {
		data.WorkDir = filepath.Join(os.TempDir(),
			fmt.Sprintf("gh-issue-solver-%d", time.Now().UnixNano()), e.issueRepo)
	}
	if data.PushRemote == "" {
		data.PushRemote = "origin"
		if e.opts.Fork {
			data.PushRemote = workspace.ForkRemote
			data.IsFork = true
		}
	}
	out, err := prompts.Execute("solve.md", data)
	if err != nil {
		return err
	}
	fmt.Println(out)
	return nil
}
