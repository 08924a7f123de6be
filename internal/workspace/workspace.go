// Package workspace prepares an isolated clone for an agent session: temp
// directory, clone, fork remotes, and the working branch.
package workspace

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"log/slog"

	"github.com/hivemind-dev/solve/internal/provider"
	"github.com/hivemind-dev/solve/internal/subproc"
)

// ForkRemote is the remote name used for the contributor's fork.
const ForkRemote = "prfork"

// Workspace is a prepared clone ready for an agent session.
type Workspace struct {
	// Dir is the repository root inside the temp directory.
	Dir string
	// Root is the temp directory holding the clone.
	Root string
	// Branch is the checked-out working branch.
	Branch string
	// DefaultBranch is the upstream default branch.
	DefaultBranch string
	// UsingFork reports whether pushes go to a fork remote.
	UsingFork bool
	// ForkOwner is set when UsingFork is true.
	ForkOwner string
}

// PushRemote returns the remote name the session should push to.
func (w *Workspace) PushRemote() string {
	if w.UsingFork {
		return ForkRemote
	}
	return "origin"
}

// Options controls workspace preparation.
type Options struct {
	Host      provider.Host
	Owner     string
	Repo      string
	UseFork   bool
	BaseDir   string // defaults to os.TempDir()
	CloneWith string // "gh" (default) or "git"
	Logger    *slog.Logger
}

// NewDir creates a fresh session directory under base. The prefix is stable
// so resumed sessions can locate prior workspaces.
func NewDir(base string) (string, error) {
	if base == "" {
		base = os.TempDir()
	}
	dir := filepath.Join(base, fmt.Sprintf("gh-issue-solver-%d", time.Now().UnixNano()))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("creating workspace dir: %w", err)
	}
	return dir, nil
}

// FindExisting returns the most recent session directory under base that
// contains a clone of repo, or "" when none exists.
func FindExisting(base, repo string) string {
	if base == "" {
		base = os.TempDir()
	}
	entries, err := os.ReadDir(base)
	if err != nil {
		return ""
	}
	var best string
	for _, e := range entries {
		if !e.IsDir() || !strings.HasPrefix(e.Name(), "gh-issue-solver-") {
			continue
		}
		candidate := filepath.Join(base, e.Name(), repo)
		if info, err := os.Stat(filepath.Join(candidate, ".git")); err == nil && info.IsDir() {
			if e.Name() > filepath.Base(filepath.Dir(best)) || best == "" {
				best = candidate
			}
		}
	}
	return best
}

// BranchName generates a working branch name for an issue: issue-<N>-<8hex>.
// The random suffix avoids collisions across repeated runs on the same issue.
func BranchName(issueNumber int) string {
	buf := make([]byte, 4)
	_, _ = rand.Read(buf)
	return fmt.Sprintf("issue-%d-%s", issueNumber, hex.EncodeToString(buf))
}

// Prepare clones the target repository into a fresh temp directory, wires
// remotes, and verifies the tree is usable. It does not create the working
// branch; call Checkout afterwards.
func Prepare(ctx context.Context, opts Options) (*Workspace, error) {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	cloneOwner := opts.Owner
	usingFork := false
	forkOwner := ""

	if opts.UseFork {
		fork, err := ensureFork(ctx, opts.Host, opts.Owner, opts.Repo, log)
		if err != nil {
			return nil, err
		}
		cloneOwner = fork.Owner
		forkOwner = fork.Owner
		usingFork = true
	}

	root, err := NewDir(opts.BaseDir)
	if err != nil {
		return nil, err
	}

	dir := filepath.Join(root, opts.Repo)
	if err := clone(ctx, opts, cloneOwner, dir, usingFork); err != nil {
		_ = os.RemoveAll(root)
		return nil, err
	}

	if usingFork {
		// origin points at the fork; add the upstream so base-branch reads and
		// PR targeting resolve against the parent repository.
		upstreamURL := opts.Host.CloneURL(opts.Owner, opts.Repo, false)
		if res := git(ctx, dir, "remote", "add", "upstream", upstreamURL); !res.Success() {
			_ = os.RemoveAll(root)
			return nil, gitErr("adding upstream remote", res)
		}
		if res := git(ctx, dir, "fetch", "upstream"); !res.Success() {
			_ = os.RemoveAll(root)
			return nil, gitErr("fetching upstream", res)
		}
		if res := git(ctx, dir, "remote", "add", ForkRemote, opts.Host.CloneURL(forkOwner, opts.Repo, false)); !res.Success() {
			_ = os.RemoveAll(root)
			return nil, gitErr("adding fork remote", res)
		}
	}

	defaultBranch, err := detectDefaultBranch(ctx, opts.Host, opts.Owner, opts.Repo, dir)
	if err != nil {
		_ = os.RemoveAll(root)
		return nil, err
	}

	ws := &Workspace{
		Dir:           dir,
		Root:          root,
		DefaultBranch: defaultBranch,
		UsingFork:     usingFork,
		ForkOwner:     forkOwner,
	}
	if err := ws.VerifyCleanTree(ctx); err != nil {
		_ = os.RemoveAll(root)
		return nil, err
	}
	log.Info("workspace ready", "dir", dir, "default_branch", defaultBranch, "fork", usingFork)
	return ws, nil
}

// Attach wraps an existing clone directory, re-detecting branch state. Used
// by resumed sessions.
func Attach(ctx context.Context, host provider.Host, owner, repo, dir string) (*Workspace, error) {
	if info, err := os.Stat(filepath.Join(dir, ".git")); err != nil || !info.IsDir() {
		return nil, fmt.Errorf("workspace %s is not a git clone", dir)
	}
	defaultBranch, err := detectDefaultBranch(ctx, host, owner, repo, dir)
	if err != nil {
		return nil, err
	}
	branch := ""
	if res := git(ctx, dir, "branch", "--show-current"); res.Success() {
		branch = strings.TrimSpace(res.Stdout)
	}
	usingFork := false
	if res := git(ctx, dir, "remote"); res.Success() {
		usingFork = strings.Contains(res.Stdout, ForkRemote)
	}
	return &Workspace{
		Dir:           dir,
		Root:          filepath.Dir(dir),
		Branch:        branch,
		DefaultBranch: defaultBranch,
		UsingFork:     usingFork,
	}, nil
}

// ensureFork creates (or reuses) the authenticated user's fork and waits for
// it to become cloneable. New forks are populated asynchronously, so the
// existence check backs off before giving up.
func ensureFork(ctx context.Context, host provider.Host, owner, repo string, log *slog.Logger) (*provider.Repository, error) {
	fork, err := host.ForkRepository(ctx, owner, repo)
	if err != nil {
		return nil, fmt.Errorf("forking %s/%s: %w", owner, repo, err)
	}
	delay := 2 * time.Second
	for attempt := 0; attempt < 6; attempt++ {
		if _, err := host.GetRepository(ctx, fork.Owner, fork.Name); err == nil {
			return fork, nil
		}
		log.Debug("fork not visible yet", "attempt", attempt+1, "delay", delay)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return nil, fmt.Errorf("fork %s/%s never became visible", fork.Owner, fork.Name)
}

func clone(ctx context.Context, opts Options, owner, dir string, forked bool) error {
	slug := owner + "/" + opts.Repo
	if opts.CloneWith != "git" {
		res := subproc.Run(ctx, subproc.Command{
			Argv:    []string{"gh", "repo", "clone", slug, dir, "--", "--quiet"},
			Capture: true,
		})
		if res.Success() {
			return nil
		}
		// Fresh forks 404 briefly on clone even after the repo API reports
		// them; retry once after a short wait before falling through.
		if forked {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(5 * time.Second):
			}
			if res := subproc.Run(ctx, subproc.Command{
				Argv:    []string{"gh", "repo", "clone", slug, dir},
				Capture: true,
			}); res.Success() {
				return nil
			}
		}
	}
	url := opts.Host.CloneURL(owner, opts.Repo, false)
	res := subproc.Run(ctx, subproc.Command{
		Argv:    []string{"git", "clone", url, dir},
		Capture: true,
	})
	if !res.Success() {
		return gitErr("cloning "+slug, res)
	}
	return nil
}

// detectDefaultBranch asks the host first and falls back to the clone's
// origin/HEAD. An empty answer is an error; guessing "main" hides real
// misconfiguration.
func detectDefaultBranch(ctx context.Context, host provider.Host, owner, repo, dir string) (string, error) {
	if r, err := host.GetRepository(ctx, owner, repo); err == nil && r.DefaultBranch != "" {
		return r.DefaultBranch, nil
	}
	if res := git(ctx, dir, "symbolic-ref", "refs/remotes/origin/HEAD", "--short"); res.Success() {
		ref := strings.TrimSpace(res.Stdout)
		if _, branch, ok := strings.Cut(ref, "/"); ok && branch != "" {
			return branch, nil
		}
	}
	return "", fmt.Errorf("cannot determine default branch for %s/%s", owner, repo)
}

// VerifyCleanTree fails when the working tree has uncommitted changes.
func (w *Workspace) VerifyCleanTree(ctx context.Context) error {
	res := git(ctx, w.Dir, "status", "--porcelain")
	if !res.Success() {
		return gitErr("checking tree status", res)
	}
	if strings.TrimSpace(res.Stdout) != "" {
		return fmt.Errorf("working tree at %s is not clean:\n%s", w.Dir, strings.TrimSpace(res.Stdout))
	}
	return nil
}

// Checkout switches to branch, creating it from the default branch when it
// does not exist locally, and verifies the switch actually happened.
func (w *Workspace) Checkout(ctx context.Context, branch string) error {
	if res := git(ctx, w.Dir, "checkout", branch); !res.Success() {
		if res := git(ctx, w.Dir, "checkout", "-b", branch); !res.Success() {
			return gitErr("creating branch "+branch, res)
		}
	}
	res := git(ctx, w.Dir, "branch", "--show-current")
	if !res.Success() {
		return gitErr("verifying branch", res)
	}
	if got := strings.TrimSpace(res.Stdout); got != branch {
		return fmt.Errorf("branch checkout did not stick: on %q, wanted %q", got, branch)
	}
	w.Branch = branch
	return nil
}

// CheckoutRemote checks out an existing PR branch, trying the fork remote
// first when one is configured.
func (w *Workspace) CheckoutRemote(ctx context.Context, branch string) error {
	remotes := []string{"origin"}
	if w.UsingFork {
		remotes = []string{ForkRemote, "origin"}
	}
	for _, remote := range remotes {
		_ = git(ctx, w.Dir, "fetch", remote, branch)
	}
	if res := git(ctx, w.Dir, "checkout", branch); res.Success() {
		w.Branch = branch
		return nil
	}
	for _, remote := range remotes {
		if res := git(ctx, w.Dir, "checkout", "-b", branch, remote+"/"+branch); res.Success() {
			w.Branch = branch
			return nil
		}
	}
	return fmt.Errorf("checking out PR branch %q: not found on %s", branch, strings.Join(remotes, ", "))
}

// AddForkRemote wires the fork remote at url, used when continuing someone
// else's cross-fork PR so follow-up commits can be pushed to their fork.
func (w *Workspace) AddForkRemote(ctx context.Context, url string) error {
	if res := git(ctx, w.Dir, "remote", "add", ForkRemote, url); !res.Success() {
		if strings.Contains(res.Stderr, "already exists") {
			return nil
		}
		return gitErr("adding fork remote", res)
	}
	if res := git(ctx, w.Dir, "fetch", ForkRemote); !res.Success() {
		return gitErr("fetching fork remote", res)
	}
	w.UsingFork = true
	return nil
}

// HeadSHA returns the current commit hash.
func (w *Workspace) HeadSHA(ctx context.Context) (string, error) {
	res := git(ctx, w.Dir, "rev-parse", "HEAD")
	if !res.Success() {
		return "", gitErr("reading HEAD", res)
	}
	return strings.TrimSpace(res.Stdout), nil
}

// HasCommitsSince reports whether HEAD moved past base.
func (w *Workspace) HasCommitsSince(ctx context.Context, baseSHA string) (bool, error) {
	head, err := w.HeadSHA(ctx)
	if err != nil {
		return false, err
	}
	return head != baseSHA, nil
}

// Commit stages everything and commits with message. Returns false when
// there was nothing to commit.
func (w *Workspace) Commit(ctx context.Context, message string) (bool, error) {
	if res := git(ctx, w.Dir, "add", "-A"); !res.Success() {
		return false, gitErr("staging changes", res)
	}
	res := git(ctx, w.Dir, "status", "--porcelain")
	if !res.Success() {
		return false, gitErr("checking staged changes", res)
	}
	if strings.TrimSpace(res.Stdout) == "" {
		return false, nil
	}
	if res := git(ctx, w.Dir, "commit", "-m", message); !res.Success() {
		return false, gitErr("committing", res)
	}
	return true, nil
}

// Push pushes the working branch to the push remote. Force must only be set
// for the bootstrap retry after a failed visibility check.
func (w *Workspace) Push(ctx context.Context, force bool) error {
	args := []string{"push", "-u", w.PushRemote(), w.Branch}
	if force {
		args = append(args, "--force")
	}
	res := git(ctx, w.Dir, args...)
	if !res.Success() {
		out := res.Stdout + res.Stderr
		if strings.Contains(out, "Permission") || strings.Contains(out, "403") {
			return fmt.Errorf("push to %s rejected: no write access to the repository.\n"+
				"Re-run with --fork to contribute from a fork, or ask for write access.\n%s",
				w.PushRemote(), strings.TrimSpace(out))
		}
		return gitErr("pushing "+w.Branch, res)
	}
	return nil
}

// Remove deletes the workspace temp directory.
func (w *Workspace) Remove() error {
	return os.RemoveAll(w.Root)
}

func git(ctx context.Context, dir string, args ...string) subproc.Result {
	return subproc.Run(ctx, subproc.Command{
		Argv:    append([]string{"git"}, args...),
		Dir:     dir,
		Capture: true,
	})
}

func gitErr(action string, res subproc.Result) error {
	detail := strings.TrimSpace(res.Stderr)
	if detail == "" {
		detail = strings.TrimSpace(res.Stdout)
	}
	if res.Err != nil {
		return fmt.Errorf("%s: %w: %s", action, res.Err, detail)
	}
	return fmt.Errorf("%s: exit %d: %s", action, res.ExitCode, detail)
}
