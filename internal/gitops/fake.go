package gitops

import (
	"context"
	"fmt"
	"sync"
)

// Fake is an in-memory Git implementation for tests. Refs map to commit
// SHAs, worktrees to their HEAD commit; every call is recorded in Calls.
// Error injection is per-operation via the Fail map.
type Fake struct {
	mu sync.Mutex

	Refs      map[string]string // ref -> commit
	Worktrees map[string]string // path -> HEAD commit
	Dirty     map[string]bool   // worktree path -> has uncommitted changes
	Stats     map[string]DiffStat

	// Fail maps an operation name ("merge", "commit", ...) to the error
	// its next invocations return.
	Fail map[string]error

	Calls []string

	commitSeq int
}

// NewFake creates an empty fake.
func NewFake() *Fake {
	return &Fake{
		Refs:      make(map[string]string),
		Worktrees: make(map[string]string),
		Dirty:     make(map[string]bool),
		Stats:     make(map[string]DiffStat),
		Fail:      make(map[string]error),
	}
}

func (f *Fake) record(format string, args ...any) {
	f.Calls = append(f.Calls, fmt.Sprintf(format, args...))
}

// CallsTo returns how many recorded calls start with the given prefix.
func (f *Fake) CallsTo(prefix string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.Calls {
		if len(c) >= len(prefix) && c[:len(prefix)] == prefix {
			n++
		}
	}
	return n
}

func (f *Fake) nextCommit() string {
	f.commitSeq++
	return fmt.Sprintf("commit-%04d", f.commitSeq)
}

func (f *Fake) ResolveRef(_ context.Context, ref string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("resolve %s", ref)
	if err := f.Fail["resolve"]; err != nil {
		return "", err
	}
	commit, ok := f.Refs[ref]
	if !ok {
		return "", fmt.Errorf("unknown ref %q", ref)
	}
	return commit, nil
}

func (f *Fake) CreateDetachedWorktree(_ context.Context, path, commit string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("worktree-add %s %s", path, commit)
	if err := f.Fail["worktree-add"]; err != nil {
		return err
	}
	f.Worktrees[path] = commit
	return nil
}

func (f *Fake) RemoveWorktree(_ context.Context, path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("worktree-remove %s", path)
	if err := f.Fail["worktree-remove"]; err != nil {
		return err
	}
	delete(f.Worktrees, path)
	return nil
}

func (f *Fake) HasUncommittedChanges(_ context.Context, worktree string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("status %s", worktree)
	if err := f.Fail["status"]; err != nil {
		return false, err
	}
	return f.Dirty[worktree], nil
}

func (f *Fake) StageAll(_ context.Context, worktree string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("stage %s", worktree)
	return f.Fail["stage"]
}

func (f *Fake) Commit(_ context.Context, worktree, message string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("commit %s", worktree)
	if err := f.Fail["commit"]; err != nil {
		return err
	}
	f.Worktrees[worktree] = f.nextCommit()
	f.Dirty[worktree] = false
	return nil
}

func (f *Fake) Head(_ context.Context, worktree string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("head %s", worktree)
	if err := f.Fail["head"]; err != nil {
		return "", err
	}
	commit, ok := f.Worktrees[worktree]
	if !ok {
		return "", fmt.Errorf("unknown worktree %q", worktree)
	}
	return commit, nil
}

func (f *Fake) Merge(_ context.Context, worktree, commit, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("merge %s %s", worktree, commit)
	if err := f.Fail["merge"]; err != nil {
		return err
	}
	f.Worktrees[worktree] = f.nextCommit()
	return nil
}

func (f *Fake) UpdateRef(_ context.Context, ref, commit string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("update-ref %s %s", ref, commit)
	if err := f.Fail["update-ref"]; err != nil {
		return err
	}
	f.Refs[ref] = commit
	return nil
}

func (f *Fake) CountCommits(_ context.Context, worktree, base, head string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("count %s %s..%s", worktree, base, head)
	if err := f.Fail["count"]; err != nil {
		return 0, err
	}
	if base == head {
		return 0, nil
	}
	return 1, nil
}

func (f *Fake) Diff(_ context.Context, worktree, base, head string) (DiffStat, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("diff %s %s..%s", worktree, base, head)
	if err := f.Fail["diff"]; err != nil {
		return DiffStat{}, err
	}
	return f.Stats[worktree], nil
}

var _ Git = (*Fake)(nil)
