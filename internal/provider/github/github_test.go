package github

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	gh "github.com/google/go-github/v82/github"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hivemind-dev/solve/internal/provider"
)

func testHost(t *testing.T, mux *http.ServeMux) *Host {
	t.Helper()
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	client := gh.NewClient(server.Client())
	base, err := url.Parse(server.URL + "/")
	require.NoError(t, err)
	client.BaseURL = base
	return &Host{client: client, token: "test-token"}
}

func TestMatchesURL(t *testing.T) {
	h := &Host{}
	assert.True(t, h.MatchesURL("https://github.com/acme/widgets/issues/1"))
	assert.True(t, h.MatchesURL("github.com/acme/widgets"))
	assert.False(t, h.MatchesURL("https://sourcecraft.dev/acme/widgets"))
}

func TestCurrentUserCached(t *testing.T) {
	calls := 0
	mux := http.NewServeMux()
	mux.HandleFunc("/user", func(w http.ResponseWriter, r *http.Request) {
		calls++
		fmt.Fprint(w, `{"login":"octocat"}`)
	})
	h := testHost(t, mux)

	for range 3 {
		user, err := h.CurrentUser(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "octocat", user)
	}
	assert.Equal(t, 1, calls)
}

func TestCheckAuthenticationNoToken(t *testing.T) {
	h := &Host{}
	assert.Error(t, h.CheckAuthentication(context.Background()))
}

func TestGetIssue(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/repos/acme/widgets/issues/42", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"number":42,"title":"Fix it","body":"please","state":"open",
			"html_url":"https://github.com/acme/widgets/issues/42",
			"updated_at":"2026-08-20T10:00:00Z"}`)
	})
	mux.HandleFunc("/repos/acme/widgets/issues/42/comments", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `[{"id":1,"body":"me too","user":{"login":"alice"},"created_at":"2026-08-21T09:00:00Z"}]`)
	})
	h := testHost(t, mux)

	issue, err := h.GetIssue(context.Background(), "acme", "widgets", 42)
	require.NoError(t, err)
	assert.Equal(t, 42, issue.Number)
	assert.Equal(t, "Fix it", issue.Title)
	require.Len(t, issue.Comments, 1)
	assert.Equal(t, "alice", issue.Comments[0].Author)
}

func TestGetIssueNotFound(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/repos/acme/widgets/issues/99", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	h := testHost(t, mux)

	_, err := h.GetIssue(context.Background(), "acme", "widgets", 99)
	assert.ErrorIs(t, err, provider.ErrNotFound)
}

func TestGetPullRequestMapping(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/repos/acme/widgets/pulls/57", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"number":57,"html_url":"https://github.com/acme/widgets/pull/57",
			"title":"[WIP] Fix it","body":"Fixes #42","state":"open","draft":true,
			"merged":false,"mergeable_state":"behind",
			"user":{"login":"octocat"},
			"head":{"ref":"issue-42-deadbeef","repo":{"name":"widgets","owner":{"login":"contributor"}}},
			"base":{"ref":"main","repo":{"name":"widgets","owner":{"login":"acme"}}}}`)
	})
	h := testHost(t, mux)

	pr, err := h.GetPullRequest(context.Background(), "acme", "widgets", 57)
	require.NoError(t, err)
	assert.Equal(t, 57, pr.Number)
	assert.True(t, pr.IsDraft)
	assert.Equal(t, provider.MergeBehind, pr.MergeState)
	assert.Equal(t, "issue-42-deadbeef", pr.Branch)
	assert.Equal(t, "main", pr.BaseBranch)
	assert.Equal(t, "contributor", pr.HeadOwner)
	assert.Equal(t, "acme", pr.BaseOwner)
	assert.True(t, pr.CrossFork())
}

func TestListOpenPullRequestsAuthorFilter(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/repos/acme/widgets/pulls", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `[
			{"number":1,"user":{"login":"alice"},"head":{"ref":"a"},"base":{"ref":"main"}},
			{"number":2,"user":{"login":"bob"},"head":{"ref":"b"},"base":{"ref":"main"}}
		]`)
	})
	h := testHost(t, mux)

	prs, err := h.ListOpenPullRequests(context.Background(), "acme", "widgets", "bob")
	require.NoError(t, err)
	require.Len(t, prs, 1)
	assert.Equal(t, 2, prs[0].Number)
}

func TestCheckWritePermission(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/user", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"login":"octocat"}`)
	})
	mux.HandleFunc("/repos/acme/widgets/collaborators/octocat/permission", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"permission":"write"}`)
	})
	mux.HandleFunc("/repos/acme/readonly/collaborators/octocat/permission", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	})
	h := testHost(t, mux)

	ok, err := h.CheckWritePermission(context.Background(), "acme", "widgets", false)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = h.CheckWritePermission(context.Background(), "acme", "readonly", false)
	require.NoError(t, err)
	assert.False(t, ok)

	// Fork mode always has write access to the fork.
	ok, err = h.CheckWritePermission(context.Background(), "acme", "readonly", true)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestGetBranchHead(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/repos/acme/widgets/branches/issue-42-deadbeef", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"name":"issue-42-deadbeef","commit":{"sha":"abc123"}}`)
	})
	mux.HandleFunc("/repos/acme/widgets/branches/missing", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	h := testHost(t, mux)

	sha, err := h.GetBranchHead(context.Background(), "acme", "widgets", "issue-42-deadbeef")
	require.NoError(t, err)
	assert.Equal(t, "abc123", sha)

	_, err = h.GetBranchHead(context.Background(), "acme", "widgets", "missing")
	assert.True(t, errors.Is(err, provider.ErrNotFound))
}

func TestListIssueCommentsStrictlyAfter(t *testing.T) {
	since := time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC)
	mux := http.NewServeMux()
	mux.HandleFunc("/repos/acme/widgets/issues/42/comments", func(w http.ResponseWriter, r *http.Request) {
		// GitHub's since filter is inclusive; the boundary comment comes back.
		fmt.Fprint(w, `[
			{"id":1,"body":"at boundary","user":{"login":"a"},"created_at":"2026-08-20T12:00:00Z"},
			{"id":2,"body":"after","user":{"login":"b"},"created_at":"2026-08-20T12:00:01Z"}
		]`)
	})
	h := testHost(t, mux)

	comments, err := h.ListIssueComments(context.Background(), "acme", "widgets", 42, since)
	require.NoError(t, err)
	require.Len(t, comments, 1)
	assert.Equal(t, "after", comments[0].Body)
}

func TestLastCommitTime(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/repos/acme/widgets/pulls/57/commits", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `[
			{"commit":{"committer":{"date":"2026-08-20T10:00:00Z"}}},
			{"commit":{"committer":{"date":"2026-08-21T11:00:00Z"}}}
		]`)
	})
	h := testHost(t, mux)

	ts, err := h.LastCommitTime(context.Background(), "acme", "widgets", 57)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 8, 21, 11, 0, 0, 0, time.UTC), ts)
}

func TestMapMergeState(t *testing.T) {
	tests := []struct {
		in   string
		want provider.MergeState
	}{
		{"clean", provider.MergeClean},
		{"has_hooks", provider.MergeClean},
		{"unstable", provider.MergeClean},
		{"behind", provider.MergeBehind},
		{"blocked", provider.MergeBlocked},
		{"draft", provider.MergeBlocked},
		{"dirty", provider.MergeDirty},
		{"", provider.MergeUnknown},
		{"weird", provider.MergeUnknown},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, mapMergeState(tt.in), "mergeable_state %q", tt.in)
	}
}

func TestCloneURL(t *testing.T) {
	h := &Host{}
	assert.Equal(t, "https://github.com/acme/widgets.git", h.CloneURL("acme", "widgets", false))
	assert.Equal(t, "git@github.com:acme/widgets.git", h.CloneURL("acme", "widgets", true))
}

func TestCommentSizeLimit(t *testing.T) {
	h := &Host{}
	assert.Equal(t, 65536, h.CommentSizeLimit())
}
