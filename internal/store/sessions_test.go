package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleRecord() *SessionRecord {
	return &SessionRecord{
		SessionID:    "sess-abc123",
		Model:        "claude-sonnet-4",
		IssueURL:     "https://github.com/acme/widgets/issues/42",
		PRURL:        "https://github.com/acme/widgets/pull/57",
		Branch:       "issue-42-deadbeef",
		WorkspaceDir: "/tmp/gh-issue-solver-1/widgets",
		StartedAt:    time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC),
		EndedAt:      time.Date(2026, 8, 24, 10, 12, 0, 0, time.UTC),
		TotalTokens:  123456,
		CostUSD:      1.2345,
		LimitReached: true,
		LimitResetAt: "3pm",
		Summary:      "Implemented the fix and pushed two commits.",
	}
}

func TestSaveAndLoadSession(t *testing.T) {
	dir := t.TempDir()
	rec := sampleRecord()
	require.NoError(t, SaveSession(dir, rec))

	got, err := LoadSession(dir, rec.SessionID)
	require.NoError(t, err)
	assert.Equal(t, rec.SessionID, got.SessionID)
	assert.Equal(t, rec.Branch, got.Branch)
	assert.Equal(t, rec.WorkspaceDir, got.WorkspaceDir)
	assert.Equal(t, rec.TotalTokens, got.TotalTokens)
	assert.InDelta(t, rec.CostUSD, got.CostUSD, 1e-9)
	assert.True(t, got.LimitReached)
	assert.Equal(t, "3pm", got.LimitResetAt)
	assert.True(t, rec.StartedAt.Equal(got.StartedAt))
	assert.Equal(t, rec.Summary, got.Summary)
}

func TestSaveSessionRequiresID(t *testing.T) {
	err := SaveSession(t.TempDir(), &SessionRecord{})
	assert.Error(t, err)
}

func TestListSessionsOrdering(t *testing.T) {
	dir := t.TempDir()
	older := sampleRecord()
	older.SessionID = "sess-old"
	older.StartedAt = older.StartedAt.Add(-time.Hour)
	newer := sampleRecord()
	newer.SessionID = "sess-new"

	require.NoError(t, SaveSession(dir, older))
	require.NoError(t, SaveSession(dir, newer))

	got, err := ListSessions(dir)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "sess-new", got[0].SessionID)
	assert.Equal(t, "sess-old", got[1].SessionID)
}

func TestListSessionsMissingDir(t *testing.T) {
	got, err := ListSessions(t.TempDir() + "/nope")
	require.NoError(t, err)
	assert.Empty(t, got)
}
