// Package agent delegates node work to an external AI coding agent.
// The default implementation shells out to the Claude CLI in one-shot
// print mode and parses its JSON result envelope for the session id and
// usage metrics.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/gantryhq/gantry/internal/spawn"
	"github.com/gantryhq/gantry/internal/workspec"
)

// Request carries one delegation to the agent.
type Request struct {
	// Spec is the agent work spec. Instructions must be non-empty.
	Spec *workspec.AgentSpec

	// Dir is the worktree the agent operates in.
	Dir string

	// Env is the plan-level environment for the agent process.
	Env map[string]string

	// SessionID, when ResumeSession is set on the spec, names the prior
	// session to resume.
	SessionID string

	// OnStart receives the agent process PID for liveness tracking.
	OnStart func(pid int)
}

// Usage aggregates token accounting reported by the agent.
type Usage struct {
	InputTokens         int64   `json:"input_tokens"`
	OutputTokens        int64   `json:"output_tokens"`
	CacheReadTokens     int64   `json:"cache_read_input_tokens"`
	CacheCreationTokens int64   `json:"cache_creation_input_tokens"`
	CostUSD             float64 `json:"cost_usd"`
	Turns               int     `json:"turns"`
}

// Result reports the outcome of one delegation.
type Result struct {
	// Succeeded is true when the agent ran to completion without error.
	Succeeded bool

	// SessionID identifies the agent session, for later resume.
	SessionID string

	// Summary is the agent's final text output.
	Summary string

	// Usage holds token and cost accounting when the agent reported it.
	Usage Usage

	// Stderr is the captured error output tail.
	Stderr string

	// Err holds the launch or protocol error, when one occurred.
	Err error
}

// Delegator runs agent work specs.
type Delegator interface {
	Delegate(ctx context.Context, req Request) *Result
}

// Options configures the CLI delegator.
type Options struct {
	// Command is the agent CLI executable. Empty means "claude".
	Command string

	// SkipPermissions passes the CLI's permission bypass flag. Required
	// for unattended operation inside worktrees.
	SkipPermissions bool

	// DefaultModel is used when the spec carries no model hint.
	DefaultModel string
}

// CLIDelegator runs agent work through the Claude CLI in print mode.
type CLIDelegator struct {
	opts    Options
	spawner spawn.Spawner
}

// NewCLIDelegator creates a delegator. A nil spawner uses the OS spawner.
func NewCLIDelegator(opts Options, spawner spawn.Spawner) *CLIDelegator {
	if opts.Command == "" {
		opts.Command = "claude"
	}
	if spawner == nil {
		spawner = &spawn.OSSpawner{}
	}
	return &CLIDelegator{opts: opts, spawner: spawner}
}

// Delegate runs the agent and parses its result envelope.
func (d *CLIDelegator) Delegate(ctx context.Context, req Request) *Result {
	if req.Spec == nil || strings.TrimSpace(req.Spec.Instructions) == "" {
		return &Result{Err: fmt.Errorf("agent delegation requires instructions")}
	}

	args := d.buildArgs(req)
	proc := &workspec.Spec{
		Kind: workspec.KindProcess,
		Process: &workspec.ProcessSpec{
			Executable: d.opts.Command,
			Args:       args,
		},
	}

	run := d.spawner.Run(ctx, spawn.Request{
		Spec:    proc,
		Dir:     req.Dir,
		Env:     req.Env,
		OnStart: req.OnStart,
	})
	if run.Err != nil {
		return &Result{Err: run.Err, Stderr: run.Stderr}
	}
	if run.Canceled {
		return &Result{Err: context.Canceled, Stderr: run.Stderr}
	}

	res := parseResultEnvelope(run.Stdout)
	res.Stderr = run.Stderr
	if run.ExitCode != 0 {
		res.Succeeded = false
		if res.Err == nil {
			res.Err = fmt.Errorf("agent exited with code %d", run.ExitCode)
		}
	}
	return res
}

// buildArgs assembles the CLI invocation from the spec. The instructions
// travel as the positional prompt argument.
func (d *CLIDelegator) buildArgs(req Request) []string {
	spec := req.Spec
	args := []string{"--print", "--output-format", "json"}

	if d.opts.SkipPermissions {
		args = append(args, "--dangerously-skip-permissions")
	}

	model := spec.Model
	if model == "" {
		model = d.opts.DefaultModel
	}
	if model != "" {
		args = append(args, "--model", model)
	}
	if spec.MaxTurns > 0 {
		args = append(args, "--max-turns", strconv.Itoa(spec.MaxTurns))
	}
	for _, dir := range spec.AllowedFolders {
		args = append(args, "--add-dir", dir)
	}
	if spec.ResumeSession && req.SessionID != "" {
		args = append(args, "--resume", req.SessionID)
	}

	prompt := spec.Instructions
	if len(spec.ContextFiles) > 0 {
		prompt += "\n\nRelevant files:\n"
		for _, f := range spec.ContextFiles {
			prompt += "- " + f + "\n"
		}
	}
	if len(spec.AllowedURLs) > 0 {
		prompt += "\nOnly fetch from these URLs: " + strings.Join(spec.AllowedURLs, ", ") + "\n"
	}

	return append(args, prompt)
}

// resultEnvelope mirrors the CLI's --output-format json document.
type resultEnvelope struct {
	Type       string  `json:"type"`
	Subtype    string  `json:"subtype"`
	IsError    bool    `json:"is_error"`
	Result     string  `json:"result"`
	SessionID  string  `json:"session_id"`
	NumTurns   int     `json:"num_turns"`
	TotalCost  float64 `json:"total_cost_usd"`
	UsageBlock struct {
		InputTokens         int64 `json:"input_tokens"`
		OutputTokens        int64 `json:"output_tokens"`
		CacheReadTokens     int64 `json:"cache_read_input_tokens"`
		CacheCreationTokens int64 `json:"cache_creation_input_tokens"`
	} `json:"usage"`
}

// parseResultEnvelope decodes the CLI's JSON output. Unparseable output
// is treated as a plain-text summary rather than an error so a partially
// working CLI still reports something useful.
func parseResultEnvelope(stdout string) *Result {
	trimmed := strings.TrimSpace(stdout)
	var env resultEnvelope
	if err := json.Unmarshal([]byte(trimmed), &env); err != nil {
		return &Result{Succeeded: true, Summary: trimmed}
	}

	return &Result{
		Succeeded: !env.IsError,
		SessionID: env.SessionID,
		Summary:   env.Result,
		Usage: Usage{
			InputTokens:         env.UsageBlock.InputTokens,
			OutputTokens:        env.UsageBlock.OutputTokens,
			CacheReadTokens:     env.UsageBlock.CacheReadTokens,
			CacheCreationTokens: env.UsageBlock.CacheCreationTokens,
			CostUSD:             env.TotalCost,
			Turns:               env.NumTurns,
		},
	}
}
