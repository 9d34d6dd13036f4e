// Package gitops provides the git operations the engine consumes: ref
// resolution, detached worktree management, staging, committing, merging,
// and ref updates. Everything shells out to the git CLI; the Git interface
// exists so the engine and phase executors can run against a fake in tests.
package gitops

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	gerrors "github.com/gantryhq/gantry/internal/errors"
	"github.com/gantryhq/gantry/internal/logging"
)

// DiffStat summarizes the changes between two commits.
type DiffStat struct {
	FilesChanged int
	Insertions   int
	Deletions    int
}

// Git is the set of git operations the engine and phase executors consume.
type Git interface {
	// ResolveRef resolves a ref (branch, tag, SHA) to a full commit SHA.
	ResolveRef(ctx context.Context, ref string) (string, error)

	// CreateDetachedWorktree creates a worktree at path, detached at the
	// given commit. The caller's live checkout is never touched.
	CreateDetachedWorktree(ctx context.Context, path, commit string) error

	// RemoveWorktree removes a worktree, forcing if needed.
	RemoveWorktree(ctx context.Context, path string) error

	// HasUncommittedChanges reports whether a worktree has staged or
	// unstaged changes.
	HasUncommittedChanges(ctx context.Context, worktree string) (bool, error)

	// StageAll stages every change in a worktree.
	StageAll(ctx context.Context, worktree string) error

	// Commit commits staged changes with the given message.
	Commit(ctx context.Context, worktree, message string) error

	// Head returns the commit SHA of a worktree's HEAD.
	Head(ctx context.Context, worktree string) (string, error)

	// Merge merges the given commit into a worktree's HEAD.
	Merge(ctx context.Context, worktree, commit, message string) error

	// UpdateRef fast-forwards a branch ref to the given commit.
	UpdateRef(ctx context.Context, ref, commit string) error

	// CountCommits returns the number of commits in base..head.
	CountCommits(ctx context.Context, worktree, base, head string) (int, error)

	// Diff returns the diff stat between two commits in a worktree.
	Diff(ctx context.Context, worktree, base, head string) (DiffStat, error)
}

// TimingFunc receives the duration of expensive git operations
// (worktree create/remove) for observability.
type TimingFunc func(op string, d time.Duration)

// Runner implements Git by shelling out to the git CLI.
type Runner struct {
	repoDir string
	logger  *logging.Logger
	timing  TimingFunc
}

// Option configures a Runner.
type Option func(*Runner)

// WithLogger sets the logging sink. A nil logger discards.
func WithLogger(logger *logging.Logger) Option {
	return func(r *Runner) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithTiming sets the timing callback for worktree operations.
func WithTiming(f TimingFunc) Option {
	return func(r *Runner) { r.timing = f }
}

// NewRunner creates a Runner rooted at the git repository containing
// repoDir.
func NewRunner(repoDir string, opts ...Option) (*Runner, error) {
	root, err := FindGitRoot(repoDir)
	if err != nil {
		return nil, err
	}
	r := &Runner{repoDir: root, logger: logging.NewNop()}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// RepoDir returns the repository root the runner operates on.
func (r *Runner) RepoDir() string {
	return r.repoDir
}

// FindGitRoot finds the root of the git repository by traversing up from
// startDir. The .git entry can be a directory (normal repo) or a file
// (worktree).
func FindGitRoot(startDir string) (string, error) {
	dir := startDir
	for {
		gitPath := filepath.Join(dir, ".git")
		if info, err := os.Stat(gitPath); err == nil {
			if info.IsDir() || info.Mode().IsRegular() {
				return dir, nil
			}
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return "", fmt.Errorf("not a git repository (or any parent up to mount point): %s", startDir)
		}
		dir = parent
	}
}

// run executes a git command in dir and returns trimmed stdout.
func (r *Runner) run(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir

	output, err := cmd.CombinedOutput()
	if err != nil {
		op := args[0]
		if len(args) > 1 && (op == "worktree" || op == "rev-parse" || op == "update-ref") {
			op = op + " " + args[1]
		}
		return "", gerrors.NewGitError(op, dir, err, string(output))
	}
	return strings.TrimSpace(string(output)), nil
}

func (r *Runner) ResolveRef(ctx context.Context, ref string) (string, error) {
	return r.run(ctx, r.repoDir, "rev-parse", "--verify", ref+"^{commit}")
}

func (r *Runner) CreateDetachedWorktree(ctx context.Context, path, commit string) error {
	start := time.Now()
	_, err := r.run(ctx, r.repoDir, "worktree", "add", "--detach", path, commit)
	if r.timing != nil {
		r.timing("worktree add", time.Since(start))
	}
	if err != nil {
		return err
	}
	r.logger.Debug("worktree created", "path", path, "commit", commit)
	return nil
}

func (r *Runner) RemoveWorktree(ctx context.Context, path string) error {
	start := time.Now()
	_, err := r.run(ctx, r.repoDir, "worktree", "remove", "--force", path)
	if r.timing != nil {
		r.timing("worktree remove", time.Since(start))
	}
	if err != nil {
		// A half-removed worktree leaves metadata behind; clean up
		// manually and prune the reference.
		_ = os.RemoveAll(path)
		_, _ = r.run(ctx, r.repoDir, "worktree", "prune")
		return err
	}
	return nil
}

func (r *Runner) HasUncommittedChanges(ctx context.Context, worktree string) (bool, error) {
	out, err := r.run(ctx, worktree, "status", "--porcelain")
	if err != nil {
		return false, err
	}
	return out != "", nil
}

func (r *Runner) StageAll(ctx context.Context, worktree string) error {
	_, err := r.run(ctx, worktree, "add", "-A")
	return err
}

func (r *Runner) Commit(ctx context.Context, worktree, message string) error {
	_, err := r.run(ctx, worktree, "commit", "-m", message)
	return err
}

func (r *Runner) Head(ctx context.Context, worktree string) (string, error) {
	return r.run(ctx, worktree, "rev-parse", "HEAD")
}

func (r *Runner) Merge(ctx context.Context, worktree, commit, message string) error {
	_, err := r.run(ctx, worktree, "merge", "--no-edit", "-m", message, commit)
	return err
}

func (r *Runner) UpdateRef(ctx context.Context, ref, commit string) error {
	if !strings.HasPrefix(ref, "refs/") {
		ref = "refs/heads/" + ref
	}
	_, err := r.run(ctx, r.repoDir, "update-ref", ref, commit)
	return err
}

func (r *Runner) CountCommits(ctx context.Context, worktree, base, head string) (int, error) {
	out, err := r.run(ctx, worktree, "rev-list", "--count", base+".."+head)
	if err != nil {
		return 0, err
	}
	n, err := strconv.Atoi(out)
	if err != nil {
		return 0, fmt.Errorf("unexpected rev-list output %q: %w", out, err)
	}
	return n, nil
}

func (r *Runner) Diff(ctx context.Context, worktree, base, head string) (DiffStat, error) {
	out, err := r.run(ctx, worktree, "diff", "--shortstat", base, head)
	if err != nil {
		return DiffStat{}, err
	}
	return parseShortStat(out), nil
}

// parseShortStat parses git's --shortstat line, e.g.
// " 3 files changed, 10 insertions(+), 2 deletions(-)".
// An empty line (no changes) yields a zero stat.
func parseShortStat(line string) DiffStat {
	var stat DiffStat
	for _, part := range strings.Split(line, ",") {
		fields := strings.Fields(part)
		if len(fields) < 2 {
			continue
		}
		n, err := strconv.Atoi(fields[0])
		if err != nil {
			continue
		}
		switch {
		case strings.HasPrefix(fields[1], "file"):
			stat.FilesChanged = n
		case strings.HasPrefix(fields[1], "insertion"):
			stat.Insertions = n
		case strings.HasPrefix(fields[1], "deletion"):
			stat.Deletions = n
		}
	}
	return stat
}

// Ensure Runner satisfies the interface at compile time.
var _ Git = (*Runner)(nil)
