// Package spawn launches the OS processes that carry out node work. It
// runs direct executables and shell commands with merged environments,
// timeouts, and cooperative cancellation, reporting exit codes, captured
// output, and the PID used by the liveness watchdog.
package spawn

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/gantryhq/gantry/internal/errors"
	"github.com/gantryhq/gantry/internal/workspec"
)

// outputTailLimit bounds how much captured stdout/stderr is retained.
const outputTailLimit = 64 * 1024

// Request describes one process launch.
type Request struct {
	// Spec selects what to run. Must be a process or shell spec.
	Spec *workspec.Spec

	// Dir is the working directory, used when the spec carries no cwd of
	// its own. Usually the node's worktree.
	Dir string

	// Env is the base environment (plan-level), merged under the spec's
	// own env entries.
	Env map[string]string

	// OnStart, when set, receives the PID as soon as the process starts.
	// The engine records it for liveness checks.
	OnStart func(pid int)
}

// Result reports the outcome of one process run.
type Result struct {
	// ExitCode is the process exit code; -1 when the process never ran
	// or was killed by a signal.
	ExitCode int

	// Stdout and Stderr hold the captured output tails.
	Stdout string
	Stderr string

	// PID is the process id the run used.
	PID int

	// TimedOut reports that the configured timeout expired.
	TimedOut bool

	// Canceled reports that the surrounding context was canceled.
	Canceled bool

	// Duration is the wall-clock run time.
	Duration time.Duration

	// Err holds the launch or wait error, when one occurred.
	Err error
}

// Success reports whether the run completed with exit code zero.
func (r *Result) Success() bool {
	return r.Err == nil && !r.TimedOut && !r.Canceled && r.ExitCode == 0
}

// Spawner launches processes. Implementations must honor cancellation via
// the context and the spec's timeout.
type Spawner interface {
	Run(ctx context.Context, req Request) *Result
}

// ProcessTable answers liveness probes against the OS process table.
// Injectable so watchdog tests never depend on real PIDs.
type ProcessTable interface {
	// Alive reports whether a process with the given PID exists.
	Alive(pid int) bool
}

// -----------------------------------------------------------------------------
// OS implementations
// -----------------------------------------------------------------------------

// OSSpawner is the Spawner backed by os/exec.
type OSSpawner struct {
	// Shell is the interpreter for shell specs with no explicit kind.
	// Empty means "bash".
	Shell string
}

// Run launches the request's process and blocks until it exits, the
// timeout fires, or the context is canceled.
func (s *OSSpawner) Run(ctx context.Context, req Request) *Result {
	res := &Result{ExitCode: -1}

	spec := req.Spec
	if spec == nil {
		res.Err = errNoSpec
		return res
	}

	runCtx := ctx
	var cancel context.CancelFunc
	if timeout := spec.Timeout(); timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	var cmd *exec.Cmd
	switch spec.Kind {
	case workspec.KindProcess:
		cmd = exec.CommandContext(runCtx, spec.Process.Executable, spec.Process.Args...)
	case workspec.KindShell:
		shell := spec.Shell.ShellKind
		if shell == "" {
			shell = s.Shell
		}
		if shell == "" {
			shell = "bash"
		}
		cmd = exec.CommandContext(runCtx, shell, "-c", spec.Shell.Command)
	default:
		res.Err = errUnsupportedKind
		return res
	}

	cmd.Dir = req.Dir
	if cwd := specCwd(spec); cwd != "" {
		cmd.Dir = cwd
	}
	cmd.Env = mergeEnv(req.Env, specEnv(spec))

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	if err := cmd.Start(); err != nil {
		res.Err = err
		return res
	}

	res.PID = cmd.Process.Pid
	if req.OnStart != nil {
		req.OnStart(res.PID)
	}

	err := cmd.Wait()
	res.Duration = time.Since(start)
	res.Stdout = tail(stdout.Bytes())
	res.Stderr = tail(stderr.Bytes())

	if runCtx.Err() == context.DeadlineExceeded {
		res.TimedOut = true
	}
	if ctx.Err() == context.Canceled {
		res.Canceled = true
	}

	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			res.ExitCode = exitErr.ExitCode()
		} else {
			res.Err = err
		}
		return res
	}

	res.ExitCode = 0
	return res
}

var (
	errNoSpec          = errors.New("spawn: no work spec")
	errUnsupportedKind = errors.New("spawn: spec kind is not spawnable")
)

// OSProcessTable probes the real process table with signal 0.
type OSProcessTable struct{}

func (OSProcessTable) Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}

// -----------------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------------

func specEnv(spec *workspec.Spec) map[string]string {
	switch spec.Kind {
	case workspec.KindProcess:
		return spec.Process.Env
	case workspec.KindShell:
		return spec.Shell.Env
	}
	return nil
}

func specCwd(spec *workspec.Spec) string {
	switch spec.Kind {
	case workspec.KindProcess:
		return spec.Process.Cwd
	case workspec.KindShell:
		return spec.Shell.Cwd
	}
	return ""
}

// mergeEnv layers the spec's env entries over the base env over the
// current process environment.
func mergeEnv(base, overlay map[string]string) []string {
	env := os.Environ()
	for k, v := range base {
		env = append(env, k+"="+v)
	}
	for k, v := range overlay {
		env = append(env, k+"="+v)
	}
	return env
}

func tail(b []byte) string {
	if len(b) <= outputTailLimit {
		return string(b)
	}
	return string(b[len(b)-outputTailLimit:])
}
