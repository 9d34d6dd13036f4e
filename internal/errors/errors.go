// Package errors provides centralized error definitions and error handling
// utilities for the Gantry codebase. It defines domain-specific errors,
// sentinel errors, and classification helpers used across the engine,
// persistence, and git layers.
//
// Phase executors never propagate errors across the phase boundary; they
// return result values. The errors defined here surface from plan authoring,
// the store, and git operations instead.
package errors

import (
	"errors"
	"fmt"
	"strings"
)

// Re-export standard library functions for convenience.
// This allows callers to import only this package for all error handling.
var (
	Is     = errors.Is
	As     = errors.As
	Unwrap = errors.Unwrap
	New    = errors.New
	Join   = errors.Join
)

// -----------------------------------------------------------------------------
// Sentinel Errors
// -----------------------------------------------------------------------------

// Plan-related sentinel errors
var (
	// ErrPlanNotFound indicates that a plan could not be found in the store.
	ErrPlanNotFound = New("plan not found")
	// ErrPlanLocked indicates that a plan is locked by another process.
	ErrPlanLocked = New("plan is locked")
	// ErrPlanCorrupted indicates that stored plan data cannot be parsed.
	ErrPlanCorrupted = New("plan data corrupted")
	// ErrPlanNotRunnable indicates the plan is in a state that cannot be started.
	ErrPlanNotRunnable = New("plan is not runnable")
)

// Node-related sentinel errors
var (
	// ErrNodeNotFound indicates that a node could not be found in a plan.
	ErrNodeNotFound = New("node not found")
	// ErrNodeNotRetryable indicates the node is not in a retryable state.
	ErrNodeNotRetryable = New("node is not retryable")
)

// Store-related sentinel errors
var (
	// ErrNotFound indicates that a requested store entry does not exist.
	ErrNotFound = New("not found")
	// ErrAlreadyExists indicates an attempt to create an entry that exists.
	ErrAlreadyExists = New("already exists")
)

// -----------------------------------------------------------------------------
// Structural Validation Errors
// -----------------------------------------------------------------------------

// CycleError reports a dependency cycle found during plan authoring.
// Path holds the node references forming the cycle, in order, with the
// entry node repeated at the end.
type CycleError struct {
	Path []string
}

// Error renders the cycle as an arrow-joined path, e.g. "a -> b -> c -> a".
func (e *CycleError) Error() string {
	return fmt.Sprintf("dependency cycle detected: %s", strings.Join(e.Path, " -> "))
}

// DanglingDependencyError aggregates every dependency reference that does
// not resolve to a known node. Validation collects all of them rather than
// failing on the first.
type DanglingDependencyError struct {
	// References maps a node reference to the unknown dependencies it names.
	References map[string][]string
}

func (e *DanglingDependencyError) Error() string {
	var parts []string
	for node, deps := range e.References {
		parts = append(parts, fmt.Sprintf("%s -> [%s]", node, strings.Join(deps, ", ")))
	}
	return fmt.Sprintf("unknown dependencies: %s", strings.Join(parts, "; "))
}

// -----------------------------------------------------------------------------
// Domain Error Types
// -----------------------------------------------------------------------------

// GitError represents an error from a git operation.
type GitError struct {
	Op     string // the git operation, e.g. "worktree add"
	Path   string // repository or worktree path
	Output string // trailing command output, if captured
	Err    error
}

func (e *GitError) Error() string {
	msg := fmt.Sprintf("git %s failed", e.Op)
	if e.Path != "" {
		msg += " in " + e.Path
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	if e.Output != "" {
		msg += "\n" + e.Output
	}
	return msg
}

func (e *GitError) Unwrap() error { return e.Err }

// NewGitError creates a GitError for the given operation.
func NewGitError(op, path string, err error, output string) *GitError {
	return &GitError{Op: op, Path: path, Err: err, Output: strings.TrimSpace(output)}
}

// StoreError represents an error from the persistence layer. Callers must
// treat a StoreError from a read as "unknown state": neither success nor
// failure of the underlying entity may be assumed.
type StoreError struct {
	Op  string // e.g. "read metadata", "write spec"
	Key string // store key or path involved
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store %s (%s): %v", e.Op, e.Key, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// NewStoreError creates a StoreError for the given operation and key.
func NewStoreError(op, key string, err error) *StoreError {
	return &StoreError{Op: op, Key: key, Err: err}
}

// -----------------------------------------------------------------------------
// Classification
// -----------------------------------------------------------------------------

// IsRetryable reports whether the error represents a transient condition
// that may succeed on retry. Structural errors (cycles, dangling deps) and
// not-found conditions are never retryable.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var cycleErr *CycleError
	var danglingErr *DanglingDependencyError
	if As(err, &cycleErr) || As(err, &danglingErr) {
		return false
	}
	if Is(err, ErrPlanNotFound) || Is(err, ErrNodeNotFound) || Is(err, ErrNotFound) {
		return false
	}
	var gitErr *GitError
	var storeErr *StoreError
	return As(err, &gitErr) || As(err, &storeErr)
}
