// Package workspec defines the work specification model: a closed, tagged
// union describing what a node executes. A spec is exactly one of:
//
//   - process: direct invocation of an executable with arguments
//   - shell: a command string run through a shell
//   - agent: delegation to an external AI coding agent
//
// Legacy freeform strings are upgraded into structured specs by Normalize,
// which is the only place boundary input is interpreted.
package workspec

import (
	"fmt"
	"strings"
	"time"
)

// Kind discriminates the active case of a Spec.
type Kind string

const (
	// KindProcess runs an executable directly, without a shell.
	KindProcess Kind = "process"

	// KindShell runs a command string through a shell interpreter.
	KindShell Kind = "shell"

	// KindAgent delegates the work to an external AI coding agent.
	KindAgent Kind = "agent"
)

// String returns the string representation of the kind.
func (k Kind) String() string {
	return string(k)
}

// IsValid returns true if this is a recognized spec kind.
func (k Kind) IsValid() bool {
	switch k {
	case KindProcess, KindShell, KindAgent:
		return true
	default:
		return false
	}
}

// AgentMarker is the prefix that selects agent delegation when normalizing
// legacy freeform command strings.
const AgentMarker = "agent:"

// DefaultAgentInstructions is used when an agent spec would otherwise have
// empty instructions after normalization.
const DefaultAgentInstructions = "Complete the work described by this node's task."

// ProcessSpec configures direct process invocation.
type ProcessSpec struct {
	// Executable is the program to run. Resolved against PATH when relative.
	Executable string `json:"executable"`

	// Args are passed to the executable verbatim.
	Args []string `json:"args,omitempty"`

	// Env holds additional environment variables for the process.
	// They are merged over the plan-level environment.
	Env map[string]string `json:"env,omitempty"`

	// Cwd is the working directory. Empty means the node's worktree.
	Cwd string `json:"cwd,omitempty"`

	// TimeoutMS bounds execution in milliseconds. Zero means no timeout.
	TimeoutMS int64 `json:"timeout_ms,omitempty"`
}

// ShellSpec configures execution of a command string through a shell.
type ShellSpec struct {
	// Command is the shell command line to run.
	Command string `json:"command"`

	// ShellKind selects the interpreter ("bash", "sh", ...). Empty
	// selects the platform default.
	ShellKind string `json:"shell_kind,omitempty"`

	// Env holds additional environment variables for the command.
	Env map[string]string `json:"env,omitempty"`

	// Cwd is the working directory. Empty means the node's worktree.
	Cwd string `json:"cwd,omitempty"`

	// TimeoutMS bounds execution in milliseconds. Zero means no timeout.
	TimeoutMS int64 `json:"timeout_ms,omitempty"`
}

// AgentSpec configures delegation to an external AI coding agent.
type AgentSpec struct {
	// Instructions is the task prompt handed to the agent.
	// Non-empty after normalization.
	Instructions string `json:"instructions"`

	// InstructionsFile optionally names a companion file holding the
	// instructions. The store extracts long instructions here so the JSON
	// document stays cheap to scan; readers re-hydrate transparently.
	InstructionsFile string `json:"instructions_file,omitempty"`

	// Model optionally hints which model the agent should use.
	Model string `json:"model,omitempty"`

	// ContextFiles lists files to surface to the agent as context.
	ContextFiles []string `json:"context_files,omitempty"`

	// MaxTurns bounds the agent conversation length. Zero means unbounded.
	MaxTurns int `json:"max_turns,omitempty"`

	// AllowedFolders restricts the agent's filesystem access.
	AllowedFolders []string `json:"allowed_folders,omitempty"`

	// AllowedURLs restricts the agent's network access.
	AllowedURLs []string `json:"allowed_urls,omitempty"`

	// ResumeSession requests the agent resume its previous session for
	// this node, when the delegator supports it.
	ResumeSession bool `json:"resume_session,omitempty"`
}

// Spec is the tagged union. Exactly one of Process, Shell, or Agent is
// non-nil, and Kind names that case. Use the constructors or Normalize to
// build specs; Validate checks the invariant.
type Spec struct {
	Kind    Kind         `json:"kind"`
	Process *ProcessSpec `json:"process,omitempty"`
	Shell   *ShellSpec   `json:"shell,omitempty"`
	Agent   *AgentSpec   `json:"agent,omitempty"`
}

// NewProcess creates a process spec.
func NewProcess(executable string, args ...string) *Spec {
	return &Spec{Kind: KindProcess, Process: &ProcessSpec{Executable: executable, Args: args}}
}

// NewShell creates a shell spec.
func NewShell(command string) *Spec {
	return &Spec{Kind: KindShell, Shell: &ShellSpec{Command: command}}
}

// NewAgent creates an agent spec. Empty instructions are replaced with
// DefaultAgentInstructions so the invariant holds by construction.
func NewAgent(instructions string) *Spec {
	if strings.TrimSpace(instructions) == "" {
		instructions = DefaultAgentInstructions
	}
	return &Spec{Kind: KindAgent, Agent: &AgentSpec{Instructions: instructions}}
}

// Validate checks the tagged-union invariant: the Kind is recognized,
// exactly one case is populated, and it is the case Kind names.
func (s *Spec) Validate() error {
	if s == nil {
		return fmt.Errorf("spec is nil")
	}
	if !s.Kind.IsValid() {
		return fmt.Errorf("unknown spec kind %q", s.Kind)
	}

	populated := 0
	if s.Process != nil {
		populated++
	}
	if s.Shell != nil {
		populated++
	}
	if s.Agent != nil {
		populated++
	}
	if populated != 1 {
		return fmt.Errorf("spec must have exactly one case populated, found %d", populated)
	}

	switch s.Kind {
	case KindProcess:
		if s.Process == nil {
			return fmt.Errorf("spec kind is %q but process case is nil", s.Kind)
		}
		if s.Process.Executable == "" {
			return fmt.Errorf("process spec has no executable")
		}
	case KindShell:
		if s.Shell == nil {
			return fmt.Errorf("spec kind is %q but shell case is nil", s.Kind)
		}
		if strings.TrimSpace(s.Shell.Command) == "" {
			return fmt.Errorf("shell spec has no command")
		}
	case KindAgent:
		if s.Agent == nil {
			return fmt.Errorf("spec kind is %q but agent case is nil", s.Kind)
		}
		if strings.TrimSpace(s.Agent.Instructions) == "" && s.Agent.InstructionsFile == "" {
			return fmt.Errorf("agent spec has no instructions")
		}
	}
	return nil
}

// Timeout returns the configured timeout as a duration, or zero when the
// spec carries none. Agent specs have no process-level timeout; the agent
// delegator bounds them via MaxTurns instead.
func (s *Spec) Timeout() time.Duration {
	switch s.Kind {
	case KindProcess:
		if s.Process != nil {
			return time.Duration(s.Process.TimeoutMS) * time.Millisecond
		}
	case KindShell:
		if s.Shell != nil {
			return time.Duration(s.Shell.TimeoutMS) * time.Millisecond
		}
	}
	return 0
}

// DefaultAutoHeal returns the default auto-heal flag for a spec of this
// kind. Process and shell work defaults to true; agent work defaults to
// false because the agent already gets one shot at fixing its own output.
func (k Kind) DefaultAutoHeal() bool {
	return k != KindAgent
}

// Normalize upgrades a legacy freeform string into a structured spec.
// Strings prefixed with AgentMarker become agent specs; everything else
// becomes a shell spec. An empty string returns nil (no work).
//
// Normalization is a pure function applied once at the boundary; the rest
// of the engine only ever sees structured specs.
func Normalize(raw string) *Spec {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil
	}
	if rest, ok := strings.CutPrefix(trimmed, AgentMarker); ok {
		return NewAgent(strings.TrimSpace(rest))
	}
	return &Spec{Kind: KindShell, Shell: &ShellSpec{Command: trimmed}}
}
