package provider

import (
	"context"
	"errors"
	"time"
)

// ErrUnsupported is returned when a host doesn't support a given operation.
var ErrUnsupported = errors.New("operation not supported by this host")

// ErrNotFound is returned when the requested entity does not exist on the host.
var ErrNotFound = errors.New("not found")

// Host is the interface for code-hosting platform backends. Implementations
// handle host-specific API calls for the issue→PR solve lifecycle: entity
// retrieval, PR creation, commenting, forking, and log pastes.
type Host interface {
	// Name returns the short identifier for this host (e.g., "github", "sourcecraft").
	Name() string

	// MatchesURL returns true if the given URL belongs to this host.
	MatchesURL(url string) bool

	// ParseURL parses and classifies a target URL into its canonical form.
	ParseURL(raw string) (*TargetURL, error)

	// CurrentUser returns the login of the authenticated identity.
	CurrentUser(ctx context.Context) (string, error)

	// CheckAuthentication verifies the stored credentials are usable.
	CheckAuthentication(ctx context.Context) error

	// CheckWritePermission reports whether the current identity can push to
	// owner/repo. With useFork set it always succeeds, since pushes go to the
	// identity's own fork.
	CheckWritePermission(ctx context.Context, owner, repo string, useFork bool) (bool, error)

	// GetRepository fetches repository metadata including default branch and visibility.
	GetRepository(ctx context.Context, owner, repo string) (*Repository, error)

	// ForkRepository ensures the current identity has a fork of owner/repo,
	// creating one if missing. An already-existing fork is not an error.
	ForkRepository(ctx context.Context, owner, repo string) (*Repository, error)

	// CloneURL returns the URL used to clone owner/repo.
	CloneURL(owner, repo string, ssh bool) string

	// GetIssue retrieves an issue with its comments.
	GetIssue(ctx context.Context, owner, repo string, number int) (*Issue, error)

	// ListIssues lists issues matching the given filter.
	ListIssues(ctx context.Context, owner, repo string, opts IssueListOptions) ([]*Issue, error)

	// GetPullRequest retrieves a pull request.
	GetPullRequest(ctx context.Context, owner, repo string, number int) (*PullRequest, error)

	// ListOpenPullRequests lists open PRs on owner/repo authored by the given
	// login. Empty author means any author.
	ListOpenPullRequests(ctx context.Context, owner, repo, author string) ([]*PullRequest, error)

	// CreatePullRequest opens a new pull request.
	CreatePullRequest(ctx context.Context, npr NewPullRequest) (*PullRequest, error)

	// UpdatePullRequestBody replaces the PR description.
	UpdatePullRequestBody(ctx context.Context, owner, repo string, number int, body string) error

	// SetDraft flips a PR between draft and ready-for-review.
	SetDraft(ctx context.Context, owner, repo string, number int, draft bool) error

	// AddAssignee assigns a user to an issue or PR. Hosts reject assignees
	// who are not collaborators; callers decide whether that is fatal.
	AddAssignee(ctx context.Context, owner, repo string, number int, login string) error

	// AddComment posts a comment on an issue or pull request.
	AddComment(ctx context.Context, owner, repo string, number int, body string) error

	// ListIssueComments lists issue-level comments created after since.
	// A zero since returns all comments.
	ListIssueComments(ctx context.Context, owner, repo string, number int, since time.Time) ([]Comment, error)

	// ListReviewComments lists PR review (diff) comments created after since.
	ListReviewComments(ctx context.Context, owner, repo string, number int, since time.Time) ([]Comment, error)

	// LastCommitTime returns the committer timestamp of the PR's head commit.
	LastCommitTime(ctx context.Context, owner, repo string, number int) (time.Time, error)

	// GetBranchHead returns the head commit SHA of a branch, or ErrNotFound
	// while the branch is not yet visible on the host.
	GetBranchHead(ctx context.Context, owner, repo, branch string) (string, error)

	// ClosingIssueNumbers returns the issue numbers the host considers linked
	// to the PR via its closing-keyword relation. Hosts without such a
	// relation return ErrUnsupported.
	ClosingIssueNumbers(ctx context.Context, owner, repo string, number int) ([]int, error)

	// CreatePaste uploads content as a host-side paste (gist or equivalent)
	// and returns its URL.
	CreatePaste(ctx context.Context, name, description, content string) (string, error)

	// CommentSizeLimit returns the maximum comment body size in bytes.
	CommentSizeLimit() int
}

// Kind classifies what a target URL points at.
type Kind string

const (
	KindIssue Kind = "issue"
	KindPull  Kind = "pull"
	KindRepo  Kind = "repo"
	KindOwner Kind = "owner"
	KindOther Kind = "other"
)

// TargetURL is the parsed form of the user-supplied URL.
type TargetURL struct {
	// Provider is the host name ("github", "sourcecraft").
	Provider string
	// Kind classifies the target. Only issue and pull targets can enter the
	// solve lifecycle.
	Kind Kind
	// Owner is the user or organization segment.
	Owner string
	// Repo is the repository segment (empty for owner URLs).
	Repo string
	// Number is the numeric entity id, 0 when the host uses slugs.
	Number int
	// Slug is the non-numeric entity id for hosts that use slugs.
	Slug string
	// Normalized is the canonical https URL.
	Normalized string
}

// Repository contains host-side repository metadata.
type Repository struct {
	Owner         string
	Name          string
	DefaultBranch string
	Private       bool
	Fork          bool
	// Parent is "owner/repo" of the upstream when Fork is true.
	Parent string
}

// Issue mirrors the host-side issue entity.
type Issue struct {
	Number    int
	URL       string
	Title     string
	Body      string
	State     string
	UpdatedAt time.Time
	Comments  []Comment
}

// IssueListOptions filters ListIssues.
type IssueListOptions struct {
	State  string // "open", "closed", "all"
	Labels []string
	Limit  int
}

// Comment is a single issue or review comment.
type Comment struct {
	ID        int64
	Author    string
	Body      string
	CreatedAt time.Time
}

// MergeState classifies whether a PR can merge cleanly.
type MergeState string

const (
	MergeClean   MergeState = "clean"
	MergeBehind  MergeState = "behind"
	MergeBlocked MergeState = "blocked"
	MergeDirty   MergeState = "dirty"
	MergeUnknown MergeState = "unknown"
)

// PullRequest is a shallow mirror of the host-side pull request. It is
// refreshed on every read; writes go through the Host.
type PullRequest struct {
	Number     int
	URL        string
	Title      string
	Body       string
	Branch     string // head ref name
	BaseBranch string
	IsDraft    bool
	State      string // "open", "closed", "merged"
	Merged     bool
	MergeState MergeState
	Author     string
	HeadOwner  string // owner of the head repository, for fork detection
	HeadRepo   string
	BaseOwner  string
	BaseRepo   string
	UpdatedAt  time.Time
}

// CrossFork reports whether the PR head lives in a different repository
// than its base.
func (pr *PullRequest) CrossFork() bool {
	return pr.HeadOwner != "" && pr.HeadOwner != pr.BaseOwner
}

// NewPullRequest carries the fields needed to open a PR.
type NewPullRequest struct {
	Owner string // base repository owner
	Repo  string // base repository name
	Head  string // "branch" or "user:branch" for cross-fork heads
	Base  string
	Title string
	Body  string
	Draft bool
}
