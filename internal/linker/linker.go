// Package linker keeps pull request bodies linked to the issues they resolve.
// GitHub only honors closing keywords in the PR body, and agents routinely
// rewrite bodies without them; the corrector re-appends the reference when it
// goes missing.
package linker

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"log/slog"

	"github.com/hivemind-dev/solve/internal/provider"
)

// Closing-keyword grammar: fix/close/resolve with optional e/s/d suffix,
// followed by either #N or owner/repo#N.
var closingRef = regexp.MustCompile(`(?i)\b(?:fix|close|resolve)(?:e[sd]|s|d)?\b[:\s]+((?:[\w.-]+/[\w.-]+)?#\d+)`)

// Reference identifies the issue a PR must link to.
type Reference struct {
	Owner  string
	Repo   string
	Number int
	// CrossRepo forces the owner/repo#N form, required when the PR head
	// lives in a fork or the issue lives in another repository.
	CrossRepo bool
}

// String renders the reference in the form the closing grammar accepts.
func (r Reference) String() string {
	if r.CrossRepo {
		return fmt.Sprintf("%s/%s#%d", r.Owner, r.Repo, r.Number)
	}
	return fmt.Sprintf("#%d", r.Number)
}

// ForPullRequest picks the reference form for a PR resolving issueNumber in
// the base repository. Cross-fork PRs need the fully qualified form.
func ForPullRequest(pr *provider.PullRequest, issueNumber int) Reference {
	return Reference{
		Owner:     pr.BaseOwner,
		Repo:      pr.BaseRepo,
		Number:    issueNumber,
		CrossRepo: pr.CrossFork(),
	}
}

// HasClosingRef reports whether body contains a closing keyword for ref.
// Any keyword form counts; the corrector does not insist on its own wording.
func HasClosingRef(body string, ref Reference) bool {
	qualified := strings.ToLower(fmt.Sprintf("%s/%s#%d", ref.Owner, ref.Repo, ref.Number))
	short := fmt.Sprintf("#%d", ref.Number)
	for _, m := range closingRef.FindAllStringSubmatch(body, -1) {
		got := strings.ToLower(m[1])
		if got == qualified {
			return true
		}
		if !ref.CrossRepo && got == short {
			return true
		}
	}
	return false
}

// Append returns body with the closing reference appended. User prose is
// never rewritten; the reference goes in a trailing section.
func Append(body string, ref Reference) string {
	return strings.TrimRight(body, "\n") + "\n\n---\n\nResolves " + ref.String()
}

// FirstIssueRef finds the first closing-keyword reference in body. owner and
// repo are empty for the short #N form. Used to infer the linked issue when
// continuing from a PR URL.
func FirstIssueRef(body string) (owner, repo string, number int, ok bool) {
	m := closingRef.FindStringSubmatch(body)
	if m == nil {
		return "", "", 0, false
	}
	ref := m[1]
	slug, num, _ := strings.Cut(ref, "#")
	n, err := strconv.Atoi(num)
	if err != nil || n <= 0 {
		return "", "", 0, false
	}
	if slug != "" {
		o, r, found := strings.Cut(slug, "/")
		if !found {
			return "", "", 0, false
		}
		return o, r, n, true
	}
	return "", "", n, true
}

// Corrector periodically re-checks a PR body and restores the closing
// reference when an agent edit dropped it.
type Corrector struct {
	Host     provider.Host
	Owner    string
	Repo     string
	Number   int
	Ref      Reference
	Interval time.Duration
	Logger   *slog.Logger

	corrections atomic.Int64
	lastBody    string
}

// Corrections returns how many times the reference had to be restored.
func (c *Corrector) Corrections() int {
	return int(c.corrections.Load())
}

// Run ticks until ctx is cancelled. Every interval it fetches the PR body,
// and when the closing reference is missing, appends it and counts the
// correction. Unchanged bodies are skipped without a write.
func (c *Corrector) Run(ctx context.Context) {
	interval := c.Interval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	log := c.Logger
	if log == nil {
		log = slog.Default()
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.tick(ctx); err != nil {
				log.Debug("link corrector tick failed", "error", err)
			}
		}
	}
}

// Tick performs one correction pass. Exposed for the bootstrap path, which
// verifies the link right after PR creation.
func (c *Corrector) Tick(ctx context.Context) error {
	return c.tick(ctx)
}

func (c *Corrector) tick(ctx context.Context) error {
	pr, err := c.Host.GetPullRequest(ctx, c.Owner, c.Repo, c.Number)
	if err != nil {
		return err
	}
	if pr.Body == c.lastBody {
		return nil
	}
	c.lastBody = pr.Body
	if HasClosingRef(pr.Body, c.Ref) {
		return nil
	}
	fixed := Append(pr.Body, c.Ref)
	if err := c.Host.UpdatePullRequestBody(ctx, c.Owner, c.Repo, c.Number, fixed); err != nil {
		return err
	}
	c.lastBody = fixed
	c.corrections.Add(1)
	return nil
}
