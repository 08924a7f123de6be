package linker

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hivemind-dev/solve/internal/provider"
)

func TestHasClosingRef(t *testing.T) {
	ref := Reference{Owner: "acme", Repo: "widgets", Number: 42}
	crossRef := Reference{Owner: "acme", Repo: "widgets", Number: 42, CrossRepo: true}

	tests := []struct {
		name string
		body string
		ref  Reference
		want bool
	}{
		{"resolves short", "Resolves #42", ref, true},
		{"fixes short", "fixes #42", ref, true},
		{"fixed colon", "Fixed: #42", ref, true},
		{"close qualified", "Closes acme/widgets#42", ref, true},
		{"case insensitive", "RESOLVES #42", ref, true},
		{"wrong number", "Resolves #41", ref, false},
		{"bare mention", "see #42 for details", ref, false},
		{"no keyword adjacency", "This fixes the bug. #42", ref, false},
		{"cross-repo requires qualified", "Resolves #42", crossRef, false},
		{"cross-repo qualified", "Resolves acme/widgets#42", crossRef, true},
		{"embedded in prose", "This PR resolves #42 by rewriting the parser.", ref, true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, HasClosingRef(tc.body, tc.ref))
		})
	}
}

func TestReferenceString(t *testing.T) {
	assert.Equal(t, "#7", Reference{Owner: "a", Repo: "b", Number: 7}.String())
	assert.Equal(t, "a/b#7", Reference{Owner: "a", Repo: "b", Number: 7, CrossRepo: true}.String())
}

func TestForPullRequest(t *testing.T) {
	same := &provider.PullRequest{BaseOwner: "acme", BaseRepo: "widgets", HeadOwner: "acme"}
	assert.False(t, ForPullRequest(same, 3).CrossRepo)

	forked := &provider.PullRequest{BaseOwner: "acme", BaseRepo: "widgets", HeadOwner: "dev"}
	ref := ForPullRequest(forked, 3)
	assert.True(t, ref.CrossRepo)
	assert.Equal(t, "acme/widgets#3", ref.String())
}

func TestAppend(t *testing.T) {
	ref := Reference{Owner: "acme", Repo: "widgets", Number: 9}
	out := Append("Rewrote the parser.\n", ref)
	assert.Equal(t, "Rewrote the parser.\n\n---\n\nResolves #9", out)
	assert.True(t, HasClosingRef(out, ref))
}

func TestFirstIssueRef(t *testing.T) {
	owner, repo, n, ok := FirstIssueRef("Fixes #12\n\nAlso resolves #13")
	require.True(t, ok)
	assert.Empty(t, owner)
	assert.Empty(t, repo)
	assert.Equal(t, 12, n)

	owner, repo, n, ok = FirstIssueRef("Resolves acme/widgets#5")
	require.True(t, ok)
	assert.Equal(t, "acme", owner)
	assert.Equal(t, "widgets", repo)
	assert.Equal(t, 5, n)

	_, _, _, ok = FirstIssueRef("no references here")
	assert.False(t, ok)
}

// correctorHost fakes only the two calls the corrector makes.
type correctorHost struct {
	provider.Host
	body    string
	updates int
}

func (h *correctorHost) GetPullRequest(context.Context, string, string, int) (*provider.PullRequest, error) {
	return &provider.PullRequest{Number: 1, Body: h.body}, nil
}

func (h *correctorHost) UpdatePullRequestBody(_ context.Context, _, _ string, _ int, body string) error {
	h.body = body
	h.updates++
	return nil
}

func TestCorrectorRestoresMissingRef(t *testing.T) {
	host := &correctorHost{body: "Agent rewrote everything."}
	c := &Corrector{
		Host: host, Owner: "acme", Repo: "widgets", Number: 1,
		Ref: Reference{Owner: "acme", Repo: "widgets", Number: 42},
	}

	require.NoError(t, c.Tick(context.Background()))
	assert.Equal(t, 1, c.Corrections())
	assert.Equal(t, 1, host.updates)
	assert.True(t, HasClosingRef(host.body, c.Ref))

	// Next tick sees the corrected body and leaves it alone.
	require.NoError(t, c.Tick(context.Background()))
	assert.Equal(t, 1, c.Corrections())
	assert.Equal(t, 1, host.updates)
}

func TestCorrectorSkipsIntactBody(t *testing.T) {
	host := &correctorHost{body: "Resolves #42"}
	c := &Corrector{
		Host: host, Owner: "acme", Repo: "widgets", Number: 1,
		Ref: Reference{Owner: "acme", Repo: "widgets", Number: 42},
	}
	require.NoError(t, c.Tick(context.Background()))
	assert.Zero(t, c.Corrections())
	assert.Zero(t, host.updates)
}
