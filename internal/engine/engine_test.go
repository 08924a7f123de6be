package engine

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hivemind-dev/solve/internal/provider"
)

func TestParseResetDelay(t *testing.T) {
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)

	t.Run("epoch in the future", func(t *testing.T) {
		epoch := now.Add(90 * time.Minute).Unix()
		d, ok := parseResetDelay(fmt.Sprintf("%d", epoch), now)
		require.True(t, ok)
		// One minute of margin is added past the reset instant.
		assert.InDelta(t, (91 * time.Minute).Seconds(), d.Seconds(), 5)
	})

	t.Run("epoch already past", func(t *testing.T) {
		epoch := now.Add(-time.Hour).Unix()
		d, ok := parseResetDelay(fmt.Sprintf("%d", epoch), now)
		require.True(t, ok)
		assert.Equal(t, time.Minute, d)
	})

	t.Run("kitchen clock later today", func(t *testing.T) {
		d, ok := parseResetDelay("3pm", now)
		require.True(t, ok)
		assert.InDelta(t, (3*time.Hour + time.Minute).Seconds(), d.Seconds(), 5)
	})

	t.Run("kitchen clock rolls to tomorrow", func(t *testing.T) {
		d, ok := parseResetDelay("10am", now)
		require.True(t, ok)
		assert.InDelta(t, (22*time.Hour + time.Minute).Seconds(), d.Seconds(), 5)
	})

	t.Run("minutes form", func(t *testing.T) {
		d, ok := parseResetDelay("2:30pm", now)
		require.True(t, ok)
		assert.InDelta(t, (2*time.Hour + 31*time.Minute).Seconds(), d.Seconds(), 5)
	})

	t.Run("unparsable", func(t *testing.T) {
		_, ok := parseResetDelay("soon-ish", now)
		assert.False(t, ok)
		_, ok = parseResetDelay("", now)
		assert.False(t, ok)
	})
}

func TestIsEngineComment(t *testing.T) {
	assert.True(t, isEngineComment(provider.Comment{Body: markerStarted + " — 2026-08-24T12:00:00Z"}))
	assert.True(t, isEngineComment(provider.Comment{Body: markerCompleted}))
	assert.False(t, isEngineComment(provider.Comment{Body: "please also fix the tests"}))
	// A human quoting the marker mid-comment does not count as ours.
	assert.False(t, isEngineComment(provider.Comment{Body: "what does " + markerStarted + " mean?"}))
}

func TestFilterEngineComments(t *testing.T) {
	comments := []provider.Comment{
		{ID: 1, Body: markerStarted + " — t0"},
		{ID: 2, Body: "reviewer feedback"},
		{ID: 3, Body: markerCompleted + " — t1"},
	}
	out := filterEngineComments(comments)
	require.Len(t, out, 1)
	assert.Equal(t, int64(2), out[0].ID)
}

func TestFeedbackSnapshotEmpty(t *testing.T) {
	empty := &FeedbackSnapshot{MergeState: provider.MergeClean}
	assert.True(t, empty.Empty())

	assert.False(t, (&FeedbackSnapshot{NewPRComments: []provider.Comment{{ID: 1}}}).Empty())
	assert.False(t, (&FeedbackSnapshot{NewIssueComments: []provider.Comment{{ID: 1}}}).Empty())
	assert.False(t, (&FeedbackSnapshot{UncommittedChanges: []string{"M foo.go"}}).Empty())
	// Conflicts and a stale base both demand a session even with no comments.
	assert.False(t, (&FeedbackSnapshot{MergeState: provider.MergeDirty}).Empty())
	assert.False(t, (&FeedbackSnapshot{MergeState: provider.MergeBehind}).Empty())
	assert.True(t, (&FeedbackSnapshot{MergeState: provider.MergeBlocked}).Empty())
}

func TestIssueRefForms(t *testing.T) {
	e := &Engine{issueOwner: "acme", issueRepo: "widgets", issueNumber: 5}

	assert.Equal(t, "#5", e.issueRef().String())

	e.opts.Fork = true
	assert.Equal(t, "acme/widgets#5", e.issueRef().String())

	// An existing PR's fork state wins over the flag.
	e.opts.Fork = false
	e.pr = &provider.PullRequest{BaseOwner: "acme", HeadOwner: "dev"}
	assert.Equal(t, "acme/widgets#5", e.issueRef().String())

	e.pr = &provider.PullRequest{BaseOwner: "acme", HeadOwner: "acme"}
	assert.Equal(t, "#5", e.issueRef().String())
}
