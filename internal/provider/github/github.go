package github

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	github_ratelimit "github.com/gofri/go-github-ratelimit/v2/github_ratelimit"
	gh "github.com/google/go-github/v82/github"
	"github.com/shurcooL/githubv4"
	"golang.org/x/oauth2"

	"github.com/hivemind-dev/solve/internal/provider"
)

// maxCommentSize is GitHub's issue comment body limit in bytes.
const maxCommentSize = 65536

// targetKinds maps GitHub URL path segments to canonical kinds.
var targetKinds = map[string]provider.Kind{
	"issues": provider.KindIssue,
	"pull":   provider.KindPull,
}

// Host implements provider.Host for GitHub.
type Host struct {
	client    *gh.Client
	gqlOnce   sync.Once
	gqlClient *githubv4.Client
	token     string

	userOnce sync.Once
	user     string
	userErr  error
}

// NewHost creates a GitHub host using the given token.
// Uses go-github-ratelimit middleware for automatic rate limit handling.
func NewHost(token string) *Host {
	rateLimiter := github_ratelimit.NewClient(nil)
	client := gh.NewClient(rateLimiter).WithAuthToken(token)
	return &Host{
		client: client,
		token:  token,
	}
}

// Name returns "github".
func (h *Host) Name() string {
	return "github"
}

// MatchesURL returns true if the URL belongs to GitHub.
func (h *Host) MatchesURL(rawURL string) bool {
	normalized, err := provider.NormalizeURL(rawURL)
	if err != nil {
		return false
	}
	u, err := url.Parse(normalized)
	if err != nil {
		return false
	}
	host := strings.ToLower(u.Hostname())
	return host == "github.com" || host == "www.github.com"
}

// ParseURL parses a GitHub URL into its canonical target form.
func (h *Host) ParseURL(raw string) (*provider.TargetURL, error) {
	return provider.ParseTarget(raw, "github", targetKinds)
}

// CurrentUser returns the authenticated login, cached for the process lifetime.
func (h *Host) CurrentUser(ctx context.Context) (string, error) {
	h.userOnce.Do(func() {
		u, _, err := h.client.Users.Get(ctx, "")
		if err != nil {
			h.userErr = fmt.Errorf("getting authenticated user: %w", err)
			return
		}
		h.user = u.GetLogin()
	})
	return h.user, h.userErr
}

// CheckAuthentication verifies the token by fetching the authenticated user.
func (h *Host) CheckAuthentication(ctx context.Context) error {
	if h.token == "" {
		return fmt.Errorf("no GitHub token configured — set GITHUB_TOKEN or run 'gh auth login'")
	}
	if _, err := h.CurrentUser(ctx); err != nil {
		return fmt.Errorf("GitHub authentication failed — run 'gh auth login' to refresh credentials: %w", err)
	}
	return nil
}

// CheckWritePermission reports whether the current identity can push to
// owner/repo. Fork mode always has write access (to the fork).
func (h *Host) CheckWritePermission(ctx context.Context, owner, repo string, useFork bool) (bool, error) {
	if useFork {
		return true, nil
	}
	user, err := h.CurrentUser(ctx)
	if err != nil {
		return false, err
	}
	level, resp, err := h.client.Repositories.GetPermissionLevel(ctx, owner, repo, user)
	if err != nil {
		// 403 means we can read the repo but not its collaborator list,
		// which implies no push access.
		if resp != nil && (resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("checking permission on %s/%s: %w", owner, repo, err)
	}
	switch level.GetPermission() {
	case "admin", "write", "maintain":
		return true, nil
	}
	return false, nil
}

// GetRepository fetches repository metadata.
func (h *Host) GetRepository(ctx context.Context, owner, repo string) (*provider.Repository, error) {
	r, resp, err := h.client.Repositories.Get(ctx, owner, repo)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusNotFound {
			return nil, fmt.Errorf("repository %s/%s: %w", owner, repo, provider.ErrNotFound)
		}
		return nil, fmt.Errorf("getting repository %s/%s: %w", owner, repo, err)
	}
	return mapRepository(r), nil
}

// ForkRepository ensures the current identity has a fork of owner/repo.
// GitHub forks asynchronously; a 202 Accepted is treated as success and the
// caller is expected to wait for the fork to become cloneable.
func (h *Host) ForkRepository(ctx context.Context, owner, repo string) (*provider.Repository, error) {
	fork, _, err := h.client.Repositories.CreateFork(ctx, owner, repo, nil)
	if err != nil {
		var accepted *gh.AcceptedError
		if !errors.As(err, &accepted) {
			return nil, fmt.Errorf("forking %s/%s: %w", owner, repo, err)
		}
	}
	if fork != nil && fork.GetOwner().GetLogin() != "" {
		return mapRepository(fork), nil
	}
	// Async fork: resolve the fork under the current user's namespace.
	user, err := h.CurrentUser(ctx)
	if err != nil {
		return nil, err
	}
	return &provider.Repository{
		Owner:  user,
		Name:   repo,
		Fork:   true,
		Parent: owner + "/" + repo,
	}, nil
}

// CloneURL returns the clone URL for owner/repo.
func (h *Host) CloneURL(owner, repo string, ssh bool) string {
	if ssh {
		return fmt.Sprintf("git@github.com:%s/%s.git", owner, repo)
	}
	return fmt.Sprintf("https://github.com/%s/%s.git", owner, repo)
}

// GetIssue retrieves an issue with all its comments.
func (h *Host) GetIssue(ctx context.Context, owner, repo string, number int) (*provider.Issue, error) {
	issue, resp, err := h.client.Issues.Get(ctx, owner, repo, number)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusNotFound {
			return nil, fmt.Errorf("issue %s/%s#%d: %w", owner, repo, number, provider.ErrNotFound)
		}
		return nil, fmt.Errorf("getting issue %s/%s#%d: %w", owner, repo, number, err)
	}
	comments, err := h.ListIssueComments(ctx, owner, repo, number, time.Time{})
	if err != nil {
		return nil, err
	}
	return &provider.Issue{
		Number:    issue.GetNumber(),
		URL:       issue.GetHTMLURL(),
		Title:     issue.GetTitle(),
		Body:      issue.GetBody(),
		State:     issue.GetState(),
		UpdatedAt: issue.GetUpdatedAt().Time,
		Comments:  comments,
	}, nil
}

// ListIssues lists issues on owner/repo matching the filter. Pull requests
// are excluded (the issues API returns both).
func (h *Host) ListIssues(ctx context.Context, owner, repo string, opts provider.IssueListOptions) ([]*provider.Issue, error) {
	state := opts.State
	if state == "" {
		state = "open"
	}
	listOpts := &gh.IssueListByRepoOptions{
		State:       state,
		Labels:      opts.Labels,
		ListOptions: gh.ListOptions{PerPage: 100},
	}
	var issues []*provider.Issue
	for {
		page, resp, err := h.client.Issues.ListByRepo(ctx, owner, repo, listOpts)
		if err != nil {
			return nil, fmt.Errorf("listing issues on %s/%s: %w", owner, repo, err)
		}
		for _, is := range page {
			if is.IsPullRequest() {
				continue
			}
			issues = append(issues, &provider.Issue{
				Number:    is.GetNumber(),
				URL:       is.GetHTMLURL(),
				Title:     is.GetTitle(),
				Body:      is.GetBody(),
				State:     is.GetState(),
				UpdatedAt: is.GetUpdatedAt().Time,
			})
			if opts.Limit > 0 && len(issues) >= opts.Limit {
				return issues, nil
			}
		}
		if resp.NextPage == 0 {
			break
		}
		listOpts.ListOptions.Page = resp.NextPage
	}
	return issues, nil
}

// GetPullRequest retrieves a pull request.
func (h *Host) GetPullRequest(ctx context.Context, owner, repo string, number int) (*provider.PullRequest, error) {
	pr, resp, err := h.client.PullRequests.Get(ctx, owner, repo, number)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusNotFound {
			return nil, fmt.Errorf("pull request %s/%s#%d: %w", owner, repo, number, provider.ErrNotFound)
		}
		return nil, fmt.Errorf("getting pull request %s/%s#%d: %w", owner, repo, number, err)
	}
	return mapPullRequest(pr), nil
}

// ListOpenPullRequests lists open PRs, optionally filtered by author login.
func (h *Host) ListOpenPullRequests(ctx context.Context, owner, repo, author string) ([]*provider.PullRequest, error) {
	opts := &gh.PullRequestListOptions{
		State:       "open",
		ListOptions: gh.ListOptions{PerPage: 100},
	}
	var prs []*provider.PullRequest
	for {
		page, resp, err := h.client.PullRequests.List(ctx, owner, repo, opts)
		if err != nil {
			return nil, fmt.Errorf("listing pull requests on %s/%s: %w", owner, repo, err)
		}
		for _, pr := range page {
			if author != "" && pr.GetUser().GetLogin() != author {
				continue
			}
			prs = append(prs, mapPullRequest(pr))
		}
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return prs, nil
}

// CreatePullRequest opens a new pull request.
func (h *Host) CreatePullRequest(ctx context.Context, npr provider.NewPullRequest) (*provider.PullRequest, error) {
	pr, _, err := h.client.PullRequests.Create(ctx, npr.Owner, npr.Repo, &gh.NewPullRequest{
		Title: gh.Ptr(npr.Title),
		Head:  gh.Ptr(npr.Head),
		Base:  gh.Ptr(npr.Base),
		Body:  gh.Ptr(npr.Body),
		Draft: gh.Ptr(npr.Draft),
	})
	if err != nil {
		return nil, fmt.Errorf("creating pull request %s/%s %s→%s: %w", npr.Owner, npr.Repo, npr.Head, npr.Base, err)
	}
	return mapPullRequest(pr), nil
}

// UpdatePullRequestBody replaces the PR description.
func (h *Host) UpdatePullRequestBody(ctx context.Context, owner, repo string, number int, body string) error {
	_, _, err := h.client.PullRequests.Edit(ctx, owner, repo, number, &gh.PullRequest{
		Body: gh.Ptr(body),
	})
	if err != nil {
		return fmt.Errorf("updating body of %s/%s#%d: %w", owner, repo, number, err)
	}
	return nil
}

// SetDraft flips a PR between draft and ready-for-review. The REST API cannot
// do this; both directions are GraphQL mutations keyed by the PR node id.
func (h *Host) SetDraft(ctx context.Context, owner, repo string, number int, draft bool) error {
	pr, _, err := h.client.PullRequests.Get(ctx, owner, repo, number)
	if err != nil {
		return fmt.Errorf("getting pull request for draft flip: %w", err)
	}
	if pr.GetDraft() == draft {
		return nil
	}
	nodeID := pr.GetNodeID()
	gql := h.getGraphQLClient(ctx)

	if draft {
		var m struct {
			ConvertPullRequestToDraft struct {
				PullRequest struct {
					IsDraft githubv4.Boolean
				}
			} `graphql:"convertPullRequestToDraft(input: $input)"`
		}
		input := githubv4.ConvertPullRequestToDraftInput{PullRequestID: githubv4.ID(nodeID)}
		if err := gql.Mutate(ctx, &m, input, nil); err != nil {
			return fmt.Errorf("converting %s/%s#%d to draft: %w", owner, repo, number, err)
		}
		return nil
	}

	var m struct {
		MarkPullRequestReadyForReview struct {
			PullRequest struct {
				IsDraft githubv4.Boolean
			}
		} `graphql:"markPullRequestReadyForReview(input: $input)"`
	}
	input := githubv4.MarkPullRequestReadyForReviewInput{PullRequestID: githubv4.ID(nodeID)}
	if err := gql.Mutate(ctx, &m, input, nil); err != nil {
		return fmt.Errorf("marking %s/%s#%d ready for review: %w", owner, repo, number, err)
	}
	return nil
}

// AddAssignee assigns a user to an issue or PR.
func (h *Host) AddAssignee(ctx context.Context, owner, repo string, number int, login string) error {
	_, _, err := h.client.Issues.AddAssignees(ctx, owner, repo, number, []string{login})
	if err != nil {
		return fmt.Errorf("assigning %s to %s/%s#%d: %w", login, owner, repo, number, err)
	}
	return nil
}

// AddComment posts a comment on an issue or pull request.
func (h *Host) AddComment(ctx context.Context, owner, repo string, number int, body string) error {
	_, _, err := h.client.Issues.CreateComment(ctx, owner, repo, number, &gh.IssueComment{
		Body: gh.Ptr(body),
	})
	if err != nil {
		return fmt.Errorf("commenting on %s/%s#%d: %w", owner, repo, number, err)
	}
	return nil
}

// ListIssueComments lists issue comments created strictly after since.
func (h *Host) ListIssueComments(ctx context.Context, owner, repo string, number int, since time.Time) ([]provider.Comment, error) {
	opts := &gh.IssueListCommentsOptions{
		ListOptions: gh.ListOptions{PerPage: 100},
	}
	if !since.IsZero() {
		opts.Since = &since
	}
	var comments []provider.Comment
	for {
		page, resp, err := h.client.Issues.ListComments(ctx, owner, repo, number, opts)
		if err != nil {
			return nil, fmt.Errorf("listing comments on %s/%s#%d: %w", owner, repo, number, err)
		}
		for _, c := range page {
			created := c.GetCreatedAt().Time
			// The Since parameter is inclusive server-side; the feedback
			// window is strict.
			if !since.IsZero() && !created.After(since) {
				continue
			}
			comments = append(comments, provider.Comment{
				ID:        c.GetID(),
				Author:    c.GetUser().GetLogin(),
				Body:      c.GetBody(),
				CreatedAt: created,
			})
		}
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return comments, nil
}

// ListReviewComments lists PR review comments created strictly after since.
func (h *Host) ListReviewComments(ctx context.Context, owner, repo string, number int, since time.Time) ([]provider.Comment, error) {
	opts := &gh.PullRequestListCommentsOptions{
		ListOptions: gh.ListOptions{PerPage: 100},
	}
	if !since.IsZero() {
		opts.Since = since
	}
	var comments []provider.Comment
	for {
		page, resp, err := h.client.PullRequests.ListComments(ctx, owner, repo, number, opts)
		if err != nil {
			return nil, fmt.Errorf("listing review comments on %s/%s#%d: %w", owner, repo, number, err)
		}
		for _, c := range page {
			created := c.GetCreatedAt().Time
			if !since.IsZero() && !created.After(since) {
				continue
			}
			comments = append(comments, provider.Comment{
				ID:        c.GetID(),
				Author:    c.GetUser().GetLogin(),
				Body:      c.GetBody(),
				CreatedAt: created,
			})
		}
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return comments, nil
}

// LastCommitTime returns the committer timestamp of the PR's newest commit.
func (h *Host) LastCommitTime(ctx context.Context, owner, repo string, number int) (time.Time, error) {
	opts := &gh.ListOptions{PerPage: 100}
	var last time.Time
	for {
		commits, resp, err := h.client.PullRequests.ListCommits(ctx, owner, repo, number, opts)
		if err != nil {
			return time.Time{}, fmt.Errorf("listing commits on %s/%s#%d: %w", owner, repo, number, err)
		}
		for _, c := range commits {
			if t := c.GetCommit().GetCommitter().GetDate().Time; t.After(last) {
				last = t
			}
		}
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return last, nil
}

// GetBranchHead returns the head SHA of a branch, or ErrNotFound while the
// branch has not propagated to the API yet.
func (h *Host) GetBranchHead(ctx context.Context, owner, repo, branch string) (string, error) {
	b, resp, err := h.client.Repositories.GetBranch(ctx, owner, repo, branch, 1)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusNotFound {
			return "", fmt.Errorf("branch %s on %s/%s: %w", branch, owner, repo, provider.ErrNotFound)
		}
		return "", fmt.Errorf("getting branch %s on %s/%s: %w", branch, owner, repo, err)
	}
	return b.GetCommit().GetSHA(), nil
}

// ClosingIssueNumbers queries GitHub's closing-issues relation for the PR.
// This is the server-side "Development" link, only reachable via GraphQL.
func (h *Host) ClosingIssueNumbers(ctx context.Context, owner, repo string, number int) ([]int, error) {
	gql := h.getGraphQLClient(ctx)

	var q struct {
		Repository struct {
			PullRequest struct {
				ClosingIssuesReferences struct {
					Nodes []struct {
						Number githubv4.Int
					}
				} `graphql:"closingIssuesReferences(first: 50)"`
			} `graphql:"pullRequest(number: $number)"`
		} `graphql:"repository(owner: $owner, name: $name)"`
	}
	vars := map[string]any{
		"owner":  githubv4.String(owner),
		"name":   githubv4.String(repo),
		"number": githubv4.Int(number),
	}
	if err := gql.Query(ctx, &q, vars); err != nil {
		return nil, fmt.Errorf("querying closing issues for %s/%s#%d: %w", owner, repo, number, err)
	}
	var numbers []int
	for _, n := range q.Repository.PullRequest.ClosingIssuesReferences.Nodes {
		numbers = append(numbers, int(n.Number))
	}
	return numbers, nil
}

// CreatePaste uploads content as a secret gist and returns its URL.
func (h *Host) CreatePaste(ctx context.Context, name, description, content string) (string, error) {
	gist := &gh.Gist{
		Description: gh.Ptr(description),
		Public:      gh.Ptr(false),
		Files: map[gh.GistFilename]gh.GistFile{
			gh.GistFilename(name): {Content: gh.Ptr(content)},
		},
	}
	created, _, err := h.client.Gists.Create(ctx, gist)
	if err != nil {
		return "", fmt.Errorf("creating gist: %w", err)
	}
	return created.GetHTMLURL(), nil
}

// CommentSizeLimit returns GitHub's comment body limit.
func (h *Host) CommentSizeLimit() int {
	return maxCommentSize
}

// --- Internal helpers ---

// mapRepository converts a GitHub repository to provider.Repository.
func mapRepository(r *gh.Repository) *provider.Repository {
	repo := &provider.Repository{
		Owner:         r.GetOwner().GetLogin(),
		Name:          r.GetName(),
		DefaultBranch: r.GetDefaultBranch(),
		Private:       r.GetPrivate(),
		Fork:          r.GetFork(),
	}
	if parent := r.GetParent(); parent != nil {
		repo.Parent = parent.GetOwner().GetLogin() + "/" + parent.GetName()
	}
	return repo
}

// mapPullRequest converts a GitHub PullRequest to provider.PullRequest.
func mapPullRequest(pr *gh.PullRequest) *provider.PullRequest {
	state := pr.GetState()
	if pr.GetMerged() {
		state = "merged"
	}
	return &provider.PullRequest{
		Number:     pr.GetNumber(),
		URL:        pr.GetHTMLURL(),
		Title:      pr.GetTitle(),
		Body:       pr.GetBody(),
		Branch:     pr.GetHead().GetRef(),
		BaseBranch: pr.GetBase().GetRef(),
		IsDraft:    pr.GetDraft(),
		State:      state,
		Merged:     pr.GetMerged(),
		MergeState: mapMergeState(pr.GetMergeableState()),
		Author:     pr.GetUser().GetLogin(),
		HeadOwner:  pr.GetHead().GetRepo().GetOwner().GetLogin(),
		HeadRepo:   pr.GetHead().GetRepo().GetName(),
		BaseOwner:  pr.GetBase().GetRepo().GetOwner().GetLogin(),
		BaseRepo:   pr.GetBase().GetRepo().GetName(),
		UpdatedAt:  pr.GetUpdatedAt().Time,
	}
}

// mapMergeState translates GitHub's mergeable_state to the canonical set.
func mapMergeState(s string) provider.MergeState {
	switch s {
	case "clean", "has_hooks", "unstable":
		return provider.MergeClean
	case "behind":
		return provider.MergeBehind
	case "blocked", "draft":
		return provider.MergeBlocked
	case "dirty":
		return provider.MergeDirty
	default:
		return provider.MergeUnknown
	}
}

// getGraphQLClient returns (and lazily creates) the GitHub GraphQL client.
// Thread-safe via sync.Once.
func (h *Host) getGraphQLClient(ctx context.Context) *githubv4.Client {
	h.gqlOnce.Do(func() {
		ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: h.token})
		httpClient := oauth2.NewClient(ctx, ts)
		h.gqlClient = githubv4.NewClient(httpClient)
	})
	return h.gqlClient
}

// Verify Host implements provider.Host at compile time.
var _ provider.Host = (*Host)(nil)
