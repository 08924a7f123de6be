package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/hivemind-dev/solve/internal/prompts"
)

// tickState labels the outcome of one watch tick.
type tickState string

const (
	tickStopMerged  tickState = "stop:merged"
	tickStopClean   tickState = "stop:committed"
	tickStopMaxIter tickState = "stop:max-iterations"
	tickRun         tickState = "run"
	tickIdle        tickState = "idle"
)

// watch drives repeated agent sessions. Cooperative and single-threaded: a
// tick waits for its agent run before the next sleep. Permanent watch polls
// at the configured interval until the PR merges; temporary watch reruns
// immediately, exists only to finish uncommitted work, and is capped.
func (e *Engine) watch(ctx context.Context, temporary bool) error {
	e.retainWorkspace("watch mode active")
	interval := e.opts.WatchInterval
	if interval <= 0 {
		interval = e.opts.Config.Watch.ParseInterval()
	}
	maxIterations := e.opts.AutoRestartMax
	if maxIterations <= 0 {
		maxIterations = e.opts.Config.Watch.AutoRestartMax
	}

	iteration := 0
	firstTick := true
	for {
		state, snapshot, err := e.pollTick(ctx, temporary, iteration, maxIterations, firstTick)
		if err != nil {
			return err
		}
		switch state {
		case tickStopMerged:
			e.log.Info("pull request merged, stopping watch")
			e.keepWorkspace = false
			return nil
		case tickStopClean:
			e.log.Info("working tree committed, stopping auto-restart")
			e.keepWorkspace = false
			return nil
		case tickStopMaxIter:
			e.retainWorkspace("auto-restart cap reached with dirty tree")
			return fmt.Errorf("auto-restart reached max iterations (%d) with uncommitted changes remaining", maxIterations)
		case tickRun:
			iteration++
			if temporary {
				e.postRestartComment(ctx, iteration, maxIterations)
			}
			if err := e.watchRun(ctx, snapshot); err != nil {
				if !e.opts.Watch {
					return err
				}
				// Permanent watch survives recoverable session failures.
				e.log.Warn("agent session failed, watch continues", "error", err)
			}
		case tickIdle:
		}
		firstTick = false

		if temporary {
			continue
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(interval):
		}
	}
}

// pollTick evaluates the guards for one tick.
func (e *Engine) pollTick(ctx context.Context, temporary bool, iteration, maxIterations int, firstTick bool) (tickState, *FeedbackSnapshot, error) {
	if e.pr != nil {
		pr, err := e.host.GetPullRequest(ctx, e.issueOwner, e.issueRepo, e.pr.Number)
		if err != nil {
			e.log.Debug("polling PR failed", "error", err)
			return tickIdle, nil, nil
		}
		e.pr = pr
		if pr.Merged || pr.State == "merged" {
			return tickStopMerged, nil, nil
		}
	}

	if temporary {
		if len(e.dirtyTree(ctx)) == 0 {
			return tickStopClean, nil, nil
		}
		if iteration >= maxIterations {
			return tickStopMaxIter, nil, nil
		}
		if firstTick {
			snapshot, err := e.captureFeedback(ctx)
			if err != nil {
				return tickIdle, nil, err
			}
			return tickRun, snapshot, nil
		}
	}

	snapshot, err := e.captureFeedback(ctx)
	if err != nil {
		e.log.Debug("feedback capture failed", "error", err)
		return tickIdle, nil, nil
	}
	if snapshot.Empty() {
		if e.pr != nil && e.pr.Merged {
			return tickStopMerged, nil, nil
		}
		if temporary {
			return tickRun, snapshot, nil
		}
		return tickIdle, nil, nil
	}
	return tickRun, snapshot, nil
}

// watchRun executes one supervised session from a feedback snapshot.
func (e *Engine) watchRun(ctx context.Context, snapshot *FeedbackSnapshot) error {
	prompt, err := e.buildPromptForWatch(snapshot)
	if err != nil {
		return err
	}
	resumeID := ""
	if e.opts.ResumeOnAutoRestart {
		resumeID = e.prevSessionID
	}
	session, err := e.runSession(ctx, prompt, resumeID)
	if err != nil {
		return e.sessionFailure(ctx, session, err)
	}
	if session.LimitReached {
		return e.handleLimit(ctx, session)
	}
	if err := e.verifyAndSummarize(ctx, session, ""); err != nil {
		e.log.Warn("summary step failed", "error", err)
	}
	return nil
}

func (e *Engine) buildPromptForWatch(snapshot *FeedbackSnapshot) (string, error) {
	name := "feedback.md"
	if e.pr == nil {
		name = "solve.md"
	}
	out, err := prompts.Execute(name, e.promptData(snapshot))
	if err != nil {
		return "", fmt.Errorf("building watch prompt: %w", err)
	}
	return out, nil
}

func (e *Engine) postRestartComment(ctx context.Context, iteration, maxIterations int) {
	if e.pr == nil {
		return
	}
	body := fmt.Sprintf("%s — auto-restart %d of %d to finish uncommitted work",
		markerStarted, iteration, maxIterations)
	if err := e.host.AddComment(ctx, e.issueOwner, e.issueRepo, e.pr.Number, body); err != nil {
		e.log.Debug("posting restart comment failed", "error", err)
	}
}
