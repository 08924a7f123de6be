package agent

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// seedPricing pins the pricing table to the built-in fallback so tests never
// hit the network.
func seedPricing() {
	pricingOnce.Do(func() {})
	pricingTable = fallbackPricing
}

func TestParseEvent(t *testing.T) {
	ev := parseEvent([]byte(`{"type":"system","subtype":"init","session_id":"abc-123"}`))
	require.NotNil(t, ev)
	assert.Equal(t, "system", ev.Type)
	assert.Equal(t, "abc-123", ev.SessionID)

	assert.Nil(t, parseEvent([]byte("plain text, not json")))
	assert.Nil(t, parseEvent([]byte("{truncated")))
}

func TestContentBlocksToleratesStringForm(t *testing.T) {
	var m streamMessage
	m.Content = []byte(`"just a string"`)
	blocks := m.contentBlocks()
	require.Len(t, blocks, 1)
	assert.Equal(t, "just a string", blocks[0].Text)

	m.Content = []byte(`[{"type":"text","text":"hello "},{"type":"tool_use","name":"Bash"},{"type":"text","text":"world"}]`)
	assert.Equal(t, "hello world", m.text())
}

func TestDetectLimit(t *testing.T) {
	hit, reset := detectLimit("5-hour limit reached ∙ resets 3pm")
	assert.True(t, hit)
	assert.Equal(t, "3pm", reset)

	hit, reset = detectLimit("Claude AI usage limit reached|1756047600")
	assert.True(t, hit)
	assert.Equal(t, "1756047600", reset)

	hit, _ = detectLimit("everything is fine")
	assert.False(t, hit)
}

func TestIsOverloaded(t *testing.T) {
	assert.True(t, isOverloaded(`API Error: 500 {"type":"error","error":{"type":"overloaded_error"}}`))
	assert.True(t, isOverloaded("api error: Overloaded"))
	assert.False(t, isOverloaded("the system is heavily loaded"))
}

func TestIsForbidden(t *testing.T) {
	assert.True(t, isForbidden("Invalid API key. Please run /login"))
	assert.True(t, isForbidden("OAuth token has expired"))
	assert.False(t, isForbidden("forbidden fruit"))
}

func TestTokenUsageAdd(t *testing.T) {
	var u TokenUsage
	u.add(&tokenCounts{
		InputTokens:              100,
		CacheCreationInputTokens: 50,
		CacheReadInputTokens:     1000,
		OutputTokens:             20,
	})
	// No cache_creation breakdown: the aggregate lands in the 5m bucket.
	assert.Equal(t, int64(50), u.CacheCreation5m)
	assert.Zero(t, u.CacheCreation1h)

	u.add(&tokenCounts{
		InputTokens:   10,
		CacheCreation: &cacheCreation{Ephemeral5mInputTokens: 5, Ephemeral1hInputTokens: 7},
		ServerToolUse: &serverToolUse{WebSearchRequests: 2},
	})
	assert.Equal(t, int64(110), u.Input)
	assert.Equal(t, int64(55), u.CacheCreation5m)
	assert.Equal(t, int64(7), u.CacheCreation1h)
	assert.Equal(t, int64(2), u.WebSearchRequests)
	assert.Equal(t, int64(110+55+7+1000+20), u.Total())

	u.add(nil) // no-op
	assert.Equal(t, int64(110), u.Input)
}

func TestCost(t *testing.T) {
	seedPricing()
	usage := map[string]*TokenUsage{
		"claude-sonnet-4": {Input: 1_000_000, Output: 1_000_000, CacheRead: 1_000_000},
	}
	total, unknown := cost(usage)
	assert.Empty(t, unknown)
	// 3 + 15 + 0.3 per the fallback table.
	assert.InDelta(t, 18.3, total, 1e-6)

	usage["some-future-model"] = &TokenUsage{Input: 1}
	total2, unknown2 := cost(usage)
	assert.InDelta(t, total, total2, 1e-6)
	assert.Equal(t, []string{"some-future-model"}, unknown2)
}

func TestLookupPricingPrefixTolerant(t *testing.T) {
	seedPricing()
	_, ok := lookupPricing("claude-sonnet-4-20250514")
	assert.True(t, ok)
	_, ok = lookupPricing("claude-opus-4")
	assert.True(t, ok)
	_, ok = lookupPricing("gpt-unknown")
	assert.False(t, ok)
}

func TestConsumeLineSessionLifecycle(t *testing.T) {
	seedPricing()
	d := &Driver{Model: "claude-sonnet-4"}
	var gotID string
	d.OnSessionID = func(id string) { gotID = id }

	s := &Session{Usage: make(map[string]*TokenUsage)}
	d.consumeLine(s, []byte(`{"type":"system","subtype":"init","session_id":"sess-1"}`))
	assert.Equal(t, "sess-1", s.ID)
	assert.Equal(t, "sess-1", gotID)

	d.consumeLine(s, []byte(`{"type":"assistant","message":{"model":"claude-sonnet-4",`+
		`"content":[{"type":"text","text":"working"},{"type":"tool_use","name":"Bash"}],`+
		`"usage":{"input_tokens":10,"output_tokens":5}}}`))
	assert.Equal(t, 1, s.Messages)
	assert.Equal(t, 1, s.ToolUses)
	require.Contains(t, s.Usage, "claude-sonnet-4")
	assert.Equal(t, int64(10), s.Usage["claude-sonnet-4"].Input)

	d.consumeLine(s, []byte(`{"type":"result","subtype":"success","result":"done","is_error":false}`))
	assert.Equal(t, "done", s.Result)
	assert.False(t, s.IsError)

	// Invalid JSON only gets logged.
	d.consumeLine(s, []byte("garbage"))
	assert.Equal(t, 1, s.Messages)
}

func TestConsumeLineClassifiesLimit(t *testing.T) {
	d := &Driver{}
	s := &Session{Usage: make(map[string]*TokenUsage)}
	d.consumeLine(s, []byte(`{"type":"result","result":"Claude AI usage limit reached|1756047600","is_error":true}`))
	assert.True(t, s.LimitReached)
	assert.Equal(t, "1756047600", s.LimitResetAt)
}

func TestConsumeLineClassifiesForbidden(t *testing.T) {
	d := &Driver{}
	s := &Session{Usage: make(map[string]*TokenUsage)}
	d.consumeLine(s, []byte(`{"type":"result","result":"Invalid API key. Please run /login","is_error":true}`))
	assert.True(t, s.forbidden)
}

func TestSessionTotals(t *testing.T) {
	s := &Session{
		StartedAt: time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC),
		EndedAt:   time.Date(2026, 8, 24, 10, 5, 0, 0, time.UTC),
		Usage: map[string]*TokenUsage{
			"a": {Input: 10, Output: 5},
			"b": {CacheRead: 100},
		},
	}
	assert.Equal(t, int64(115), s.TotalTokens())
	assert.Equal(t, 5*time.Minute, s.Duration())
}

func TestRunFailsWhenBinaryMissing(t *testing.T) {
	d := &Driver{Binary: fmt.Sprintf("/nonexistent/agent-%d", time.Now().UnixNano())}
	_, err := d.Run(t.Context(), RunOptions{Prompt: "hi"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "spawning agent")
}

// fakeAgent writes a shell script that plays the agent binary.
func fakeAgent(t *testing.T, script string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "agent.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+script+"\n"), 0o755))
	return path
}

func TestRunNonZeroExitIsFailure(t *testing.T) {
	seedPricing()
	d := &Driver{Binary: fakeAgent(t, "exit 1")}
	session, err := d.Run(t.Context(), RunOptions{Prompt: "hi"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exited with code 1")
	require.NotNil(t, session)
	assert.Equal(t, 1, session.ExitCode)
}

func TestRunErrorResultIsFailure(t *testing.T) {
	seedPricing()
	d := &Driver{Binary: fakeAgent(t,
		`echo '{"type":"result","subtype":"error","result":"tool crashed","is_error":true}'`)}
	session, err := d.Run(t.Context(), RunOptions{Prompt: "hi"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "tool crashed")
	assert.True(t, session.IsError)
}

func TestRunLimitReachedIsNotFailure(t *testing.T) {
	seedPricing()
	d := &Driver{Binary: fakeAgent(t,
		`echo '{"type":"result","result":"Claude AI usage limit reached|1756047600","is_error":true}'; exit 1`)}
	session, err := d.Run(t.Context(), RunOptions{Prompt: "hi"})
	require.NoError(t, err)
	assert.True(t, session.LimitReached)
	assert.Equal(t, "1756047600", session.LimitResetAt)
}

func TestValidateSurfacesModelFailure(t *testing.T) {
	seedPricing()
	d := &Driver{Binary: fakeAgent(t, "exit 1"), Model: "claude-sonnet-4"}
	err := d.Validate(t.Context())
	require.Error(t, err)
	assert.Contains(t, err.Error(), `validating agent model "claude-sonnet-4"`)
}

func TestRunOverloadRetriesExceeded(t *testing.T) {
	seedPricing()
	d := &Driver{
		Binary:     fakeAgent(t, `echo '{"type":"result","result":"API Error: 500 overloaded_error","is_error":true}'`),
		MaxRetries: 2,
		RetryBase:  time.Millisecond,
	}
	session, err := d.Run(t.Context(), RunOptions{Prompt: "hi"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "overloaded after 2 retries")
	assert.Equal(t, 2, session.OverloadRetries)
}
