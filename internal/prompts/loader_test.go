package prompts

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var expectedTemplates = []string{
	"feedback.md",
	"solve.md",
}

func TestLoadAllTemplates(t *testing.T) {
	names, err := List()
	require.NoError(t, err)
	for _, want := range expectedTemplates {
		assert.Contains(t, names, want)
	}
	for _, name := range names {
		_, err := Load(name)
		assert.NoError(t, err, "template %s should parse", name)
	}
}

func TestExecuteSolveTemplate(t *testing.T) {
	out, err := Execute("solve.md", map[string]any{
		"ProviderName": "github",
		"IssueURL":     "https://github.com/acme/widgets/issues/42",
		"IssueTitle":   "Fix the frobnicator",
		"IssueRef":     "#42",
		"Branch":       "issue-42-deadbeef",
		"WorkDir":      "/tmp/ws/widgets",
		"PushRemote":   "origin",
	})
	require.NoError(t, err)
	assert.Contains(t, out, "https://github.com/acme/widgets/issues/42")
	assert.Contains(t, out, "issue-42-deadbeef")
	assert.Contains(t, out, `"Resolves #42"`)
	assert.True(t, strings.HasSuffix(strings.TrimSpace(out), "Proceed."))
}

func TestExecuteFeedbackTemplate(t *testing.T) {
	type comment struct{ Author, Body string }
	out, err := Execute("feedback.md", map[string]any{
		"PRURL":    "https://github.com/acme/widgets/pull/57",
		"IssueRef": "#42",
		"NewPRComments": []comment{
			{Author: "reviewer", Body: "please add a test"},
		},
		"MergeState": "dirty",
	})
	require.NoError(t, err)
	assert.Contains(t, out, "please add a test")
	assert.Contains(t, out, "Resolve the merge conflicts")
}

func TestLoadMissingTemplate(t *testing.T) {
	_, err := Load("does-not-exist.md")
	assert.Error(t, err)
}
