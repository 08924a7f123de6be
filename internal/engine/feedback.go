package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/hivemind-dev/solve/internal/provider"
)

// FeedbackSnapshot is the delta the agent receives when a session continues
// existing work.
type FeedbackSnapshot struct {
	NewPRComments      []provider.Comment
	NewIssueComments   []provider.Comment
	MergeState         provider.MergeState
	UncommittedChanges []string
	// WorkStartTime is the server-side reference timestamp the counts are
	// relative to.
	WorkStartTime time.Time
}

// Empty reports a snapshot with nothing for the agent to act on.
func (s *FeedbackSnapshot) Empty() bool {
	return len(s.NewPRComments) == 0 && len(s.NewIssueComments) == 0 &&
		len(s.UncommittedChanges) == 0 &&
		s.MergeState != provider.MergeDirty && s.MergeState != provider.MergeBehind
}

// captureFeedback builds the snapshot for the next session. Counting is
// strictly-after the reference timestamp and always server-side; the
// engine's own marker comments never count.
func (e *Engine) captureFeedback(ctx context.Context) (*FeedbackSnapshot, error) {
	if e.refTime.IsZero() {
		e.seedReferenceTime(ctx)
	}

	snapshot := &FeedbackSnapshot{WorkStartTime: e.refTime}

	if e.pr != nil {
		pr, err := e.host.GetPullRequest(ctx, e.issueOwner, e.issueRepo, e.pr.Number)
		if err != nil {
			return nil, fmt.Errorf("refreshing PR: %w", err)
		}
		e.pr = pr
		snapshot.MergeState = pr.MergeState

		reviews, err := e.host.ListReviewComments(ctx, e.issueOwner, e.issueRepo, pr.Number, e.refTime)
		if err != nil {
			return nil, fmt.Errorf("listing review comments: %w", err)
		}
		snapshot.NewPRComments = filterEngineComments(reviews)

		prComments, err := e.host.ListIssueComments(ctx, e.issueOwner, e.issueRepo, pr.Number, e.refTime)
		if err != nil {
			return nil, fmt.Errorf("listing PR comments: %w", err)
		}
		snapshot.NewPRComments = append(snapshot.NewPRComments, filterEngineComments(prComments)...)
	}

	issueComments, err := e.host.ListIssueComments(ctx, e.issueOwner, e.issueRepo, e.issueNumber, e.refTime)
	if err != nil {
		return nil, fmt.Errorf("listing issue comments: %w", err)
	}
	snapshot.NewIssueComments = filterEngineComments(issueComments)

	snapshot.UncommittedChanges = e.dirtyTree(ctx)
	return snapshot, nil
}

// seedReferenceTime initializes refTime for the first tick of a continued
// PR: the last work-session marker when one exists, otherwise the PR's last
// commit time, otherwise the issue update time.
func (e *Engine) seedReferenceTime(ctx context.Context) {
	if e.pr != nil {
		if comments, err := e.host.ListIssueComments(ctx, e.issueOwner, e.issueRepo, e.pr.Number, time.Time{}); err == nil {
			for _, c := range comments {
				if isEngineComment(c) && c.CreatedAt.After(e.refTime) {
					e.refTime = c.CreatedAt
				}
			}
		}
		if e.refTime.IsZero() {
			if t, err := e.host.LastCommitTime(ctx, e.issueOwner, e.issueRepo, e.pr.Number); err == nil {
				e.refTime = t
			}
		}
	}
	if e.refTime.IsZero() && e.issue != nil {
		e.refTime = e.issue.UpdatedAt
	}
}

func isEngineComment(c provider.Comment) bool {
	return strings.HasPrefix(c.Body, markerStarted) || strings.HasPrefix(c.Body, markerCompleted)
}

func filterEngineComments(comments []provider.Comment) []provider.Comment {
	var out []provider.Comment
	for _, c := range comments {
		if isEngineComment(c) {
			continue
		}
		out = append(out, c)
	}
	return out
}
