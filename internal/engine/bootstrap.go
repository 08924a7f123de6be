package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/hivemind-dev/solve/internal/provider"
)

const agentFile = "AGENT.md"

// bootstrapPR creates the draft PR for a fresh issue solve. The sequence
// commit → push → PR create → link verify is strict; each step is confirmed
// before the next begins. AGENT.md stays on the branch while the task is in
// progress and is removed by the summary step.
func (e *Engine) bootstrapPR(ctx context.Context) error {
	if err := e.writeAgentFile(); err != nil {
		return err
	}

	committed, err := e.ws.Commit(ctx, fmt.Sprintf("Start work on issue #%d", e.issueNumber))
	if err != nil {
		return err
	}
	if !committed {
		return fmt.Errorf("bootstrap commit produced no changes; workspace at %s is in an unexpected state", e.ws.Dir)
	}

	if err := e.ws.Push(ctx, false); err != nil {
		return err
	}

	if err := e.waitForBranch(ctx); err != nil {
		return err
	}

	headOwner := e.issueOwner
	if e.ws.UsingFork {
		headOwner = e.ws.ForkOwner
	}
	head := e.ws.Branch
	if headOwner != e.issueOwner {
		head = headOwner + ":" + e.ws.Branch
	}

	ref := e.issueRef()
	pr, err := e.host.CreatePullRequest(ctx, provider.NewPullRequest{
		Owner: e.issueOwner,
		Repo:  e.issueRepo,
		Head:  head,
		Base:  e.ws.DefaultBranch,
		Title: "[WIP] " + e.issue.Title,
		Body:  "Fixes " + ref.String(),
		Draft: true,
	})
	if err != nil {
		return fmt.Errorf("creating pull request: %w", err)
	}
	e.pr = pr
	e.log.Info("draft PR created", "url", pr.URL, "number", pr.Number)

	e.assignSelf(ctx)
	e.verifyServerLink(ctx, pr, ref.String())
	return nil
}

// writeAgentFile drops AGENT.md with the task coordinates and the literal
// directive the agent acts on.
func (e *Engine) writeAgentFile() error {
	var body string
	body += fmt.Sprintf("# Task\n\nIssue: %s\nBranch: %s\nWorking directory: %s\n",
		e.issue.URL, e.ws.Branch, e.ws.Dir)
	if e.ws.UsingFork {
		body += fmt.Sprintf("Fork: %s/%s\nUpstream: %s/%s\n",
			e.ws.ForkOwner, e.issueRepo, e.issueOwner, e.issueRepo)
	}
	body += "\nProceed.\n"
	path := filepath.Join(e.ws.Dir, agentFile)
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", agentFile, err)
	}
	return nil
}

// waitForBranch blocks until the pushed branch is visible on the platform
// and its head SHA matches the local one. Push visibility is eventually
// consistent; a single force-push retry is allowed before giving up.
func (e *Engine) waitForBranch(ctx context.Context) error {
	localSHA, err := e.ws.HeadSHA(ctx)
	if err != nil {
		return err
	}
	owner := e.issueOwner
	if e.ws.UsingFork {
		owner = e.ws.ForkOwner
	}

	retried := false
	delay := 8 * time.Second
	for attempt := 0; attempt < 6; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay = 4 * time.Second

		sha, err := e.host.GetBranchHead(ctx, owner, e.issueRepo, e.ws.Branch)
		switch {
		case errors.Is(err, provider.ErrNotFound):
			e.log.Debug("branch not visible yet", "attempt", attempt+1)
		case err != nil:
			e.log.Debug("branch head check failed", "error", err)
		case sha == localSHA:
			return nil
		default:
			e.log.Warn("remote branch head does not match local", "remote", sha, "local", localSHA)
			if retried {
				return fmt.Errorf("branch %s head mismatch after force-push retry", e.ws.Branch)
			}
			retried = true
			if err := e.ws.Push(ctx, true); err != nil {
				return err
			}
		}
	}
	return fmt.Errorf("branch %s never became visible on %s", e.ws.Branch, e.host.Name())
}

// assignSelf assigns the current user to the PR when they are a
// collaborator; forks contributors typically are not, which is fine.
func (e *Engine) assignSelf(ctx context.Context) {
	user, err := e.host.CurrentUser(ctx)
	if err != nil {
		return
	}
	ok, err := e.host.CheckWritePermission(ctx, e.issueOwner, e.issueRepo, false)
	if err != nil || !ok {
		return
	}
	if err := e.host.AddAssignee(ctx, e.issueOwner, e.issueRepo, e.pr.Number, user); err != nil {
		e.log.Debug("assigning PR failed", "error", err)
	}
}

// verifyServerLink checks the platform's closing-issues relation. A mismatch
// is a warning; the corrector repairs it if armed.
func (e *Engine) verifyServerLink(ctx context.Context, pr *provider.PullRequest, wantRef string) {
	numbers, err := e.host.ClosingIssueNumbers(ctx, e.issueOwner, e.issueRepo, pr.Number)
	if errors.Is(err, provider.ErrUnsupported) {
		return
	}
	if err != nil {
		e.log.Debug("closing-issues query failed", "error", err)
		return
	}
	for _, n := range numbers {
		if n == e.issueNumber {
			e.log.Info("PR linked to issue server-side", "issue", e.issueNumber)
			return
		}
	}
	e.log.Warn("PR is not linked to the issue server-side",
		"issue", e.issueNumber, "expected_body_line", "Fixes "+wantRef)
}
