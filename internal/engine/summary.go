package engine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/hivemind-dev/solve/internal/agent"
	"github.com/hivemind-dev/solve/internal/sanitize"
	"github.com/hivemind-dev/solve/internal/subproc"
)

var (
	summaryTitle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("212"))
	summaryKey   = lipgloss.NewStyle().Bold(true).Width(14)
	summaryWarn  = lipgloss.NewStyle().Foreground(lipgloss.Color("208"))
)

// verifyAndSummarize confirms a PR exists for the work branch, prints the
// session summary, optionally attaches the sanitized log, and clears
// AGENT.md from the branch on success.
func (e *Engine) verifyAndSummarize(ctx context.Context, session *agent.Session, failureReason string) error {
	e.ensurePR(ctx)
	e.printSummary(session)

	if e.opts.AttachLogs && e.pr != nil {
		if err := e.attachLog(ctx, failureReason); err != nil {
			e.log.Warn("attaching session log failed", "error", err)
		}
	}

	if failureReason == "" && session != nil && !session.LimitReached {
		e.removeAgentFile(ctx)
	}
	return nil
}

// ensurePR fills e.pr by matching the work branch when bootstrap did not
// run, e.g. when the agent created the PR itself.
func (e *Engine) ensurePR(ctx context.Context) {
	if e.pr != nil || e.ws == nil || e.ws.Branch == "" {
		return
	}
	user, err := e.host.CurrentUser(ctx)
	if err != nil {
		return
	}
	prs, err := e.host.ListOpenPullRequests(ctx, e.issueOwner, e.issueRepo, user)
	if err != nil {
		e.log.Debug("listing PRs for verification failed", "error", err)
		return
	}
	for _, pr := range prs {
		if pr.Branch == e.ws.Branch {
			e.pr = pr
			e.armCorrector(ctx)
			return
		}
	}
	e.log.Warn("no pull request found for work branch", "branch", e.ws.Branch)
}

func (e *Engine) printSummary(session *agent.Session) {
	if session == nil {
		return
	}
	var b strings.Builder
	b.WriteString(summaryTitle.Render("Session summary") + "\n")
	row := func(key, val string) {
		b.WriteString(summaryKey.Render(key) + " " + val + "\n")
	}
	row("Session", session.ID)
	row("Duration", session.Duration().Round(time.Second).String())
	row("Messages", fmt.Sprintf("%d (%d tool uses)", session.Messages, session.ToolUses))

	models := make([]string, 0, len(session.Usage))
	for model := range session.Usage {
		models = append(models, model)
	}
	sort.Strings(models)
	for _, model := range models {
		u := session.Usage[model]
		row("Tokens", fmt.Sprintf("%s: in=%d cache5m=%d cache1h=%d cacheRead=%d out=%d",
			model, u.Input, u.CacheCreation5m, u.CacheCreation1h, u.CacheRead, u.Output))
	}
	if len(session.UnknownModels) == 0 {
		row("Cost", fmt.Sprintf("$%.4f", session.CostUSD))
	} else {
		row("Cost", fmt.Sprintf("$%.4f (no pricing for %s)", session.CostUSD, strings.Join(session.UnknownModels, ", ")))
	}
	if session.OverloadRetries > 0 {
		row("Retries", fmt.Sprintf("%d (overloaded)", session.OverloadRetries))
	}
	if session.LimitReached {
		b.WriteString(summaryWarn.Render("Usage limit reached, resets "+session.LimitResetAt) + "\n")
	}
	if e.pr != nil {
		row("Pull request", e.pr.URL)
	}
	fmt.Fprintln(os.Stderr, b.String())
}

// attachLog posts the sanitized session log to the PR: inline when it fits
// under the platform comment limit, otherwise as a paste with a link.
func (e *Engine) attachLog(ctx context.Context, failureReason string) error {
	contents, err := e.sink.Contents()
	if err != nil {
		return err
	}
	tokens := sanitize.Collect(ctx,
		sanitize.EnvSource{Vars: []string{"GITHUB_TOKEN", "GH_TOKEN", "SOURCECRAFT_TOKEN"}},
		sanitize.HostsFileSource{},
		sanitize.CommandSource{Run: func(ctx context.Context) (string, error) {
			res := subproc.Run(ctx, subproc.Command{Argv: []string{"gh", "auth", "token"}, Capture: true})
			if !res.Success() {
				return "", fmt.Errorf("gh auth token: exit %d", res.ExitCode)
			}
			return res.Stdout, nil
		}},
	)
	clean := sanitize.Mask(contents, tokens)

	header := "Agent session log"
	if failureReason != "" {
		header = "Agent session failed: " + failureReason
	}

	inline := fmt.Sprintf("%s\n\n<details><summary>log</summary>\n\n```\n%s\n```\n</details>", header, clean)
	if len(inline) <= e.host.CommentSizeLimit() {
		return e.host.AddComment(ctx, e.issueOwner, e.issueRepo, e.pr.Number, inline)
	}

	name := filepath.Base(e.sink.Path())
	url, err := e.host.CreatePaste(ctx, name, "solve session log", clean)
	if err != nil {
		// Last resort: inline the sanitized tail.
		tail := strings.Join(e.sink.Tail(100), "\n")
		body := fmt.Sprintf("%s\n\nLog tail (upload failed: %v):\n\n```\n%s\n```", header, err, sanitize.Mask(tail, tokens))
		return e.host.AddComment(ctx, e.issueOwner, e.issueRepo, e.pr.Number, body)
	}
	return e.host.AddComment(ctx, e.issueOwner, e.issueRepo, e.pr.Number,
		fmt.Sprintf("%s\n\nFull log: %s", header, url))
}

// removeAgentFile clears AGENT.md from the branch; its absence signals the
// task is no longer in progress.
func (e *Engine) removeAgentFile(ctx context.Context) {
	if e.ws == nil {
		return
	}
	path := filepath.Join(e.ws.Dir, agentFile)
	if _, err := os.Stat(path); err != nil {
		return
	}
	if err := os.Remove(path); err != nil {
		e.log.Debug("removing AGENT.md failed", "error", err)
		return
	}
	committed, err := e.ws.Commit(ctx, "Remove AGENT.md")
	if err != nil || !committed {
		return
	}
	if err := e.ws.Push(ctx, false); err != nil {
		e.log.Warn("pushing AGENT.md removal failed", "error", err)
	}
}
