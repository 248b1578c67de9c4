package git

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/marcin-skalski/hydra/internal/subprocess"
)

// CmdRunner runs git commands.
type CmdRunner interface {
	Run(ctx context.Context, c subprocess.Cmd) (string, error)
	RunWithRetry(ctx context.Context, c subprocess.Cmd) (string, error)
}

type Options struct {
	Workdir string
	// Repo is the "owner/name" slug.
	Repo string
	// RemoteURL overrides the clone URL derived from Repo.
	RemoteURL  string
	BaseBranch string
}

type Client struct {
	runner CmdRunner
	opts   Options
	logger *slog.Logger

	cloneMu sync.Mutex
}

func NewClient(runner CmdRunner, opts Options, logger *slog.Logger) *Client {
	if opts.BaseBranch == "" {
		opts.BaseBranch = "main"
	}
	if opts.RemoteURL == "" {
		opts.RemoteURL = fmt.Sprintf("https://github.com/%s.git", opts.Repo)
	}
	return &Client{runner: runner, opts: opts, logger: logger}
}

func (c *Client) BaseBranch() string {
	return c.opts.BaseBranch
}

// CloneDir returns the shared clone directory.
func (c *Client) CloneDir() string {
	return filepath.Join(c.opts.Workdir, "clones", slugDir(c.opts.Repo))
}

// WorktreeDir returns the worktree directory for an issue.
func (c *Client) WorktreeDir(issue int) string {
	return filepath.Join(c.opts.Workdir, "worktrees", slugDir(c.opts.Repo), fmt.Sprintf("issue-%d", issue))
}

func slugDir(repo string) string {
	if repo == "" {
		return "repo"
	}
	return strings.ReplaceAll(repo, "/", "-")
}

// EnsureClone clones the repository if missing and fetches otherwise. A
// clone whose fetch fails is removed and cloned again.
func (c *Client) EnsureClone(ctx context.Context) error {
	c.cloneMu.Lock()
	defer c.cloneMu.Unlock()

	dir := c.CloneDir()
	if _, err := os.Stat(filepath.Join(dir, ".git", "HEAD")); err == nil {
		err := c.retry(ctx, dir, "fetch", "origin", "--prune")
		if err == nil {
			return nil
		}
		if subprocess.IsFatal(err) {
			return err
		}
		c.logger.Warn("fetch failed, recloning", "dir", dir, "err", err)
		if rmErr := os.RemoveAll(dir); rmErr != nil {
			return fmt.Errorf("remove broken clone: %w", errors.Join(err, rmErr))
		}
	}

	if err := os.MkdirAll(filepath.Dir(dir), 0o755); err != nil {
		return fmt.Errorf("mkdir clones: %w", err)
	}
	c.logger.Info("cloning repo", "url", c.opts.RemoteURL, "dir", dir)
	if err := c.retry(ctx, "", "clone", c.opts.RemoteURL, dir); err != nil {
		return fmt.Errorf("clone: %w", err)
	}
	return nil
}

// EnsureWorktree returns a worktree for the issue with branch checked out at
// its remote head, creating or recreating it as needed.
func (c *Client) EnsureWorktree(ctx context.Context, issue int, branch string) (string, error) {
	if err := c.EnsureClone(ctx); err != nil {
		return "", err
	}
	cloneDir := c.CloneDir()
	wtDir := c.WorktreeDir(issue)

	if _, err := os.Stat(filepath.Join(wtDir, ".git")); err == nil {
		if err := c.git(ctx, wtDir, "checkout", "-B", branch, "origin/"+branch); err == nil {
			return wtDir, nil
		}
		c.logger.Warn("stale worktree, recreating", "dir", wtDir)
	}
	c.removeWorktree(ctx, wtDir)

	if err := os.MkdirAll(filepath.Dir(wtDir), 0o755); err != nil {
		return "", fmt.Errorf("mkdir worktree parent: %w", err)
	}
	c.logger.Info("adding worktree", "branch", branch, "dir", wtDir)
	if err := c.git(ctx, cloneDir, "worktree", "add", "--force", "-B", branch, wtDir, "origin/"+branch); err != nil {
		return "", fmt.Errorf("add worktree: %w", err)
	}
	_ = c.git(ctx, wtDir, "branch", "--set-upstream-to=origin/"+branch, branch)
	return wtDir, nil
}

// RemoveWorktree deletes the issue's worktree.
func (c *Client) RemoveWorktree(ctx context.Context, issue int) {
	c.removeWorktree(ctx, c.WorktreeDir(issue))
}

func (c *Client) removeWorktree(ctx context.Context, wtDir string) {
	if _, err := os.Stat(wtDir); err != nil {
		return
	}
	if err := c.git(ctx, c.CloneDir(), "worktree", "remove", "--force", wtDir); err != nil {
		_ = os.RemoveAll(wtDir)
	}
	_ = c.git(ctx, c.CloneDir(), "worktree", "prune")
}

// MergeInProgress reports whether dir has an unfinished merge.
func (c *Client) MergeInProgress(ctx context.Context, dir string) (bool, error) {
	out, err := c.output(ctx, dir, "rev-parse", "--git-path", "MERGE_HEAD")
	if err != nil {
		return false, err
	}
	p := strings.TrimSpace(out)
	if !filepath.IsAbs(p) {
		p = filepath.Join(dir, p)
	}
	_, err = os.Stat(p)
	return err == nil, nil
}

// AbortMerge aborts an unfinished merge, if any.
func (c *Client) AbortMerge(ctx context.Context, dir string) error {
	inProgress, err := c.MergeInProgress(ctx, dir)
	if err != nil || !inProgress {
		return err
	}
	return c.git(ctx, dir, "merge", "--abort")
}

// StartMerge merges the latest base branch into dir. clean is false when the
// merge stopped on conflicts, which are left in place.
func (c *Client) StartMerge(ctx context.Context, dir string) (clean bool, err error) {
	base := c.opts.BaseBranch
	if err := c.retry(ctx, dir, "fetch", "origin", base); err != nil {
		return false, fmt.Errorf("fetch %s: %w", base, err)
	}
	mergeErr := c.git(ctx, dir, "merge", "--no-edit", "origin/"+base)
	if mergeErr == nil {
		return true, nil
	}
	conflicts, err := c.ConflictedFiles(ctx, dir)
	if err != nil {
		return false, err
	}
	if len(conflicts) == 0 {
		return false, fmt.Errorf("merge origin/%s: %w", base, mergeErr)
	}
	return false, nil
}

// ConflictedFiles lists paths with unresolved conflicts.
func (c *Client) ConflictedFiles(ctx context.Context, dir string) ([]string, error) {
	out, err := c.output(ctx, dir, "diff", "--name-only", "--diff-filter=U")
	if err != nil {
		return nil, err
	}
	return splitLines(out), nil
}

// CommitMerge concludes a merge whose conflicts have been resolved in the
// working tree.
func (c *Client) CommitMerge(ctx context.Context, dir string) error {
	if err := c.git(ctx, dir, "add", "-A"); err != nil {
		return err
	}
	return c.git(ctx, dir, "commit", "--no-edit")
}

// CommitLogSince returns the one-line log of commits on HEAD not on the base
// branch.
func (c *Client) CommitLogSince(ctx context.Context, dir string) (string, error) {
	out, err := c.output(ctx, dir, "log", "--oneline", "--no-decorate", "origin/"+c.opts.BaseBranch+"..HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

func (c *Client) Push(ctx context.Context, dir, branch string) error {
	return c.retry(ctx, dir, "push", "origin", "HEAD:"+branch)
}

func (c *Client) git(ctx context.Context, dir string, args ...string) error {
	_, err := c.output(ctx, dir, args...)
	return err
}

func (c *Client) output(ctx context.Context, dir string, args ...string) (string, error) {
	c.logger.Debug("exec", "cmd", "git "+strings.Join(args, " "), "dir", dir)
	return c.runner.Run(ctx, subprocess.Cmd{Name: "git", Args: args, Dir: dir})
}

// retry runs a network-bound git command with retry on transient failures.
func (c *Client) retry(ctx context.Context, dir string, args ...string) error {
	c.logger.Debug("exec", "cmd", "git "+strings.Join(args, " "), "dir", dir)
	_, err := c.runner.RunWithRetry(ctx, subprocess.Cmd{Name: "git", Args: args, Dir: dir})
	return err
}

func splitLines(s string) []string {
	var out []string
	for _, line := range strings.Split(s, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			out = append(out, line)
		}
	}
	return out
}
