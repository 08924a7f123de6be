package sourcecraft

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/hivemind-dev/solve/internal/provider"
)

// defaultBaseURL is the production Sourcecraft API endpoint.
const defaultBaseURL = "https://sourcecraft.dev/api/v1"

// maxCommentSize is Sourcecraft's comment body limit in bytes.
const maxCommentSize = 32768

// targetKinds maps Sourcecraft URL path segments to canonical kinds.
// Sourcecraft uses "pullrequests" and allows slug ids for issues.
var targetKinds = map[string]provider.Kind{
	"issues":       provider.KindIssue,
	"pullrequests": provider.KindPull,
}

// Host implements provider.Host for Sourcecraft. The platform has no
// published Go SDK, so this is a hand-rolled REST client.
type Host struct {
	token      string
	httpClient *http.Client
	baseURL    string // override for testing
	webBase    string

	userOnce sync.Once
	user     string
	userErr  error
}

// NewHost creates a Sourcecraft host using the given token. baseURL
// overrides the production API endpoint when non-empty.
func NewHost(token, baseURL string) *Host {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &Host{
		token:      token,
		httpClient: &http.Client{Timeout: 60 * time.Second},
		baseURL:    baseURL,
		webBase:    "https://sourcecraft.dev",
	}
}

// Name returns "sourcecraft".
func (h *Host) Name() string {
	return "sourcecraft"
}

// MatchesURL returns true if the URL belongs to Sourcecraft.
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
	return host == "sourcecraft.dev" || host == "www.sourcecraft.dev"
}

// ParseURL parses a Sourcecraft URL into its canonical target form.
func (h *Host) ParseURL(raw string) (*provider.TargetURL, error) {
	return provider.ParseTarget(raw, "sourcecraft", targetKinds)
}

// CurrentUser returns the authenticated login, cached for the process lifetime.
func (h *Host) CurrentUser(ctx context.Context) (string, error) {
	h.userOnce.Do(func() {
		var u apiUser
		if err := h.get(ctx, "/user", &u); err != nil {
			h.userErr = fmt.Errorf("getting authenticated user: %w", err)
			return
		}
		h.user = u.Login
	})
	return h.user, h.userErr
}

// CheckAuthentication verifies the token by fetching the authenticated user.
func (h *Host) CheckAuthentication(ctx context.Context) error {
	if h.token == "" {
		return fmt.Errorf("no Sourcecraft token configured — set SOURCECRAFT_TOKEN")
	}
	if _, err := h.CurrentUser(ctx); err != nil {
		return fmt.Errorf("Sourcecraft authentication failed: %w", err)
	}
	return nil
}

// CheckWritePermission reports whether the current identity can push to owner/repo.
func (h *Host) CheckWritePermission(ctx context.Context, owner, repo string, useFork bool) (bool, error) {
	if useFork {
		return true, nil
	}
	var r apiRepo
	if err := h.get(ctx, fmt.Sprintf("/repos/%s/%s", owner, repo), &r); err != nil {
		return false, err
	}
	return r.Permission == "write" || r.Permission == "admin", nil
}

// GetRepository fetches repository metadata.
func (h *Host) GetRepository(ctx context.Context, owner, repo string) (*provider.Repository, error) {
	var r apiRepo
	if err := h.get(ctx, fmt.Sprintf("/repos/%s/%s", owner, repo), &r); err != nil {
		return nil, err
	}
	return mapRepo(&r), nil
}

// ForkRepository ensures the current identity has a fork of owner/repo.
// Sourcecraft returns 409 when the fork already exists; that is resolved by
// fetching the existing fork.
func (h *Host) ForkRepository(ctx context.Context, owner, repo string) (*provider.Repository, error) {
	var r apiRepo
	err := h.post(ctx, fmt.Sprintf("/repos/%s/%s/forks", owner, repo), nil, &r)
	if err != nil {
		if !strings.Contains(err.Error(), "409") {
			return nil, fmt.Errorf("forking %s/%s: %w", owner, repo, err)
		}
		user, uerr := h.CurrentUser(ctx)
		if uerr != nil {
			return nil, uerr
		}
		return h.GetRepository(ctx, user, repo)
	}
	return mapRepo(&r), nil
}

// CloneURL returns the clone URL for owner/repo.
func (h *Host) CloneURL(owner, repo string, ssh bool) string {
	if ssh {
		return fmt.Sprintf("git@sourcecraft.dev:%s/%s.git", owner, repo)
	}
	return fmt.Sprintf("%s/%s/%s.git", h.webBase, owner, repo)
}

// GetIssue retrieves an issue with all its comments.
func (h *Host) GetIssue(ctx context.Context, owner, repo string, number int) (*provider.Issue, error) {
	var is apiIssue
	if err := h.get(ctx, fmt.Sprintf("/repos/%s/%s/issues/%d", owner, repo, number), &is); err != nil {
		return nil, err
	}
	comments, err := h.ListIssueComments(ctx, owner, repo, number, time.Time{})
	if err != nil {
		return nil, err
	}
	out := mapIssue(&is)
	out.Comments = comments
	return out, nil
}

// ListIssues lists issues matching the filter.
func (h *Host) ListIssues(ctx context.Context, owner, repo string, opts provider.IssueListOptions) ([]*provider.Issue, error) {
	q := url.Values{}
	if opts.State != "" {
		q.Set("state", opts.State)
	}
	if len(opts.Labels) > 0 {
		q.Set("labels", strings.Join(opts.Labels, ","))
	}
	if opts.Limit > 0 {
		q.Set("limit", strconv.Itoa(opts.Limit))
	}
	var issues []apiIssue
	if err := h.get(ctx, fmt.Sprintf("/repos/%s/%s/issues?%s", owner, repo, q.Encode()), &issues); err != nil {
		return nil, err
	}
	out := make([]*provider.Issue, 0, len(issues))
	for i := range issues {
		out = append(out, mapIssue(&issues[i]))
	}
	return out, nil
}

// GetPullRequest retrieves a pull request.
func (h *Host) GetPullRequest(ctx context.Context, owner, repo string, number int) (*provider.PullRequest, error) {
	var pr apiPull
	if err := h.get(ctx, fmt.Sprintf("/repos/%s/%s/pullrequests/%d", owner, repo, number), &pr); err != nil {
		return nil, err
	}
	return mapPull(&pr), nil
}

// ListOpenPullRequests lists open PRs, optionally filtered by author login.
func (h *Host) ListOpenPullRequests(ctx context.Context, owner, repo, author string) ([]*provider.PullRequest, error) {
	var prs []apiPull
	if err := h.get(ctx, fmt.Sprintf("/repos/%s/%s/pullrequests?state=open", owner, repo), &prs); err != nil {
		return nil, err
	}
	var out []*provider.PullRequest
	for i := range prs {
		if author != "" && prs[i].Author.Login != author {
			continue
		}
		out = append(out, mapPull(&prs[i]))
	}
	return out, nil
}

// CreatePullRequest opens a new pull request.
func (h *Host) CreatePullRequest(ctx context.Context, npr provider.NewPullRequest) (*provider.PullRequest, error) {
	headOwner := npr.Owner
	headBranch := npr.Head
	if user, branch, ok := strings.Cut(npr.Head, ":"); ok {
		headOwner, headBranch = user, branch
	}
	body := map[string]any{
		"title": npr.Title,
		"body":  npr.Body,
		"draft": npr.Draft,
		"head":  map[string]string{"owner": headOwner, "branch": headBranch},
		"base":  map[string]string{"branch": npr.Base},
	}
	var pr apiPull
	if err := h.post(ctx, fmt.Sprintf("/repos/%s/%s/pullrequests", npr.Owner, npr.Repo), body, &pr); err != nil {
		return nil, fmt.Errorf("creating pull request on %s/%s: %w", npr.Owner, npr.Repo, err)
	}
	return mapPull(&pr), nil
}

// UpdatePullRequestBody replaces the PR description.
func (h *Host) UpdatePullRequestBody(ctx context.Context, owner, repo string, number int, body string) error {
	return h.patch(ctx, fmt.Sprintf("/repos/%s/%s/pullrequests/%d", owner, repo, number), map[string]any{"body": body})
}

// SetDraft flips a PR between draft and ready-for-review.
func (h *Host) SetDraft(ctx context.Context, owner, repo string, number int, draft bool) error {
	return h.patch(ctx, fmt.Sprintf("/repos/%s/%s/pullrequests/%d", owner, repo, number), map[string]any{"draft": draft})
}

// AddAssignee assigns a user to an issue or PR.
func (h *Host) AddAssignee(ctx context.Context, owner, repo string, number int, login string) error {
	return h.post(ctx, fmt.Sprintf("/repos/%s/%s/issues/%d/assignees", owner, repo, number),
		map[string]any{"assignees": []string{login}}, nil)
}

// AddComment posts a comment on an issue or pull request.
func (h *Host) AddComment(ctx context.Context, owner, repo string, number int, body string) error {
	return h.post(ctx, fmt.Sprintf("/repos/%s/%s/issues/%d/comments", owner, repo, number),
		map[string]any{"body": body}, nil)
}

// ListIssueComments lists issue comments created strictly after since.
func (h *Host) ListIssueComments(ctx context.Context, owner, repo string, number int, since time.Time) ([]provider.Comment, error) {
	return h.listComments(ctx, fmt.Sprintf("/repos/%s/%s/issues/%d/comments", owner, repo, number), since)
}

// ListReviewComments lists PR review comments created strictly after since.
func (h *Host) ListReviewComments(ctx context.Context, owner, repo string, number int, since time.Time) ([]provider.Comment, error) {
	return h.listComments(ctx, fmt.Sprintf("/repos/%s/%s/pullrequests/%d/comments", owner, repo, number), since)
}

func (h *Host) listComments(ctx context.Context, path string, since time.Time) ([]provider.Comment, error) {
	if !since.IsZero() {
		path += "?since=" + url.QueryEscape(since.UTC().Format(time.RFC3339))
	}
	var comments []apiComment
	if err := h.get(ctx, path, &comments); err != nil {
		return nil, err
	}
	var out []provider.Comment
	for _, c := range comments {
		if !since.IsZero() && !c.CreatedAt.After(since) {
			continue
		}
		out = append(out, provider.Comment{
			ID:        c.ID,
			Author:    c.Author.Login,
			Body:      c.Body,
			CreatedAt: c.CreatedAt,
		})
	}
	return out, nil
}

// LastCommitTime returns the committer timestamp of the PR's head commit.
func (h *Host) LastCommitTime(ctx context.Context, owner, repo string, number int) (time.Time, error) {
	var pr apiPull
	if err := h.get(ctx, fmt.Sprintf("/repos/%s/%s/pullrequests/%d", owner, repo, number), &pr); err != nil {
		return time.Time{}, err
	}
	// Sourcecraft bumps updated_at on every push; there is no separate
	// per-commit timestamp endpoint.
	return pr.UpdatedAt, nil
}

// GetBranchHead returns the head SHA of a branch.
func (h *Host) GetBranchHead(ctx context.Context, owner, repo, branch string) (string, error) {
	var b apiBranch
	if err := h.get(ctx, fmt.Sprintf("/repos/%s/%s/branches/%s", owner, repo, url.PathEscape(branch)), &b); err != nil {
		return "", err
	}
	return b.SHA, nil
}

// ClosingIssueNumbers is unsupported: Sourcecraft has no server-side
// closing-issues relation, only the textual reference.
func (h *Host) ClosingIssueNumbers(ctx context.Context, owner, repo string, number int) ([]int, error) {
	return nil, provider.ErrUnsupported
}

// CreatePaste uploads content as a private paste and returns its URL.
func (h *Host) CreatePaste(ctx context.Context, name, description, content string) (string, error) {
	var p apiPaste
	err := h.post(ctx, "/pastes", map[string]any{
		"name":        name,
		"description": description,
		"content":     content,
		"private":     true,
	}, &p)
	if err != nil {
		return "", fmt.Errorf("creating paste: %w", err)
	}
	return p.URL, nil
}

// CommentSizeLimit returns Sourcecraft's comment body limit.
func (h *Host) CommentSizeLimit() int {
	return maxCommentSize
}

// --- HTTP plumbing ---

func (h *Host) get(ctx context.Context, path string, out any) error {
	return h.do(ctx, http.MethodGet, path, nil, out)
}

func (h *Host) post(ctx context.Context, path string, body, out any) error {
	return h.do(ctx, http.MethodPost, path, body, out)
}

func (h *Host) patch(ctx context.Context, path string, body any) error {
	return h.do(ctx, http.MethodPatch, path, body, nil)
}

func (h *Host) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshaling request body: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, h.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+h.token)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := h.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%s %s: %w", method, path, provider.ErrNotFound)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var apiErr apiError
		msg := ""
		if data, rerr := io.ReadAll(io.LimitReader(resp.Body, 4096)); rerr == nil {
			if json.Unmarshal(data, &apiErr) == nil {
				msg = apiErr.Message
			}
		}
		return fmt.Errorf("%s %s: status %d %s", method, path, resp.StatusCode, msg)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding %s %s response: %w", method, path, err)
	}
	return nil
}

// --- Mapping helpers ---

func mapRepo(r *apiRepo) *provider.Repository {
	return &provider.Repository{
		Owner:         r.Owner.Login,
		Name:          r.Name,
		DefaultBranch: r.DefaultBranch,
		Private:       r.Private,
		Fork:          r.Fork,
		Parent:        r.Parent,
	}
}

func mapIssue(is *apiIssue) *provider.Issue {
	return &provider.Issue{
		Number:    is.Number,
		URL:       is.URL,
		Title:     is.Title,
		Body:      is.Body,
		State:     is.State,
		UpdatedAt: is.UpdatedAt,
	}
}

func mapPull(pr *apiPull) *provider.PullRequest {
	return &provider.PullRequest{
		Number:     pr.Number,
		URL:        pr.URL,
		Title:      pr.Title,
		Body:       pr.Body,
		Branch:     pr.Head.Branch,
		BaseBranch: pr.Base.Branch,
		IsDraft:    pr.Draft,
		State:      pr.State,
		Merged:     pr.State == "merged",
		MergeState: mapMergeState(pr.MergeState),
		Author:     pr.Author.Login,
		HeadOwner:  pr.Head.Owner,
		HeadRepo:   pr.Head.Repo,
		BaseOwner:  pr.Base.Owner,
		BaseRepo:   pr.Base.Repo,
		UpdatedAt:  pr.UpdatedAt,
	}
}

func mapMergeState(s string) provider.MergeState {
	switch s {
	case "clean":
		return provider.MergeClean
	case "behind":
		return provider.MergeBehind
	case "blocked":
		return provider.MergeBlocked
	case "conflicts", "dirty":
		return provider.MergeDirty
	default:
		return provider.MergeUnknown
	}
}

// Verify Host implements provider.Host at compile time.
var _ provider.Host = (*Host)(nil)
