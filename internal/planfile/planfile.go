// Package planfile parses operator-authored YAML plan files into the
// engine's plan model. The file format references nodes by producer ID;
// stable node IDs are assigned here, exactly once, and dependency wiring
// is resolved before the plan ever reaches the engine.
package planfile

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/gantryhq/gantry/internal/plan"
	"github.com/gantryhq/gantry/internal/workspec"
)

// File is the parsed plan file, pre-resolution. Node references are still
// producer IDs at this point.
type File struct {
	Name          string            `yaml:"name"`
	BaseBranch    string            `yaml:"base_branch"`
	TargetBranch  string            `yaml:"target_branch"`
	MaxParallel   int               `yaml:"max_parallel"`
	Cleanup       string            `yaml:"cleanup"`
	PauseOnCreate bool              `yaml:"pause_on_create"`
	Env           map[string]string `yaml:"env"`
	Verification  *SpecValue        `yaml:"verification"`
	Nodes         []NodeEntry       `yaml:"nodes"`
}

// NodeEntry is one node in the plan file.
type NodeEntry struct {
	ID               string     `yaml:"id"`
	Name             string     `yaml:"name"`
	Task             string     `yaml:"task"`
	Group            string     `yaml:"group"`
	BaseBranch       string     `yaml:"base_branch"`
	Deps             []string   `yaml:"deps"`
	ExpectsNoChanges bool       `yaml:"expects_no_changes"`
	AutoHeal         *bool      `yaml:"auto_heal"`
	Prechecks        *SpecValue `yaml:"prechecks"`
	Work             *SpecValue `yaml:"work"`
	Postchecks       *SpecValue `yaml:"postchecks"`
}

// SpecValue accepts either a freeform command string or a structured work
// spec mapping. Strings go through workspec.Normalize, so "agent: fix it"
// selects agent delegation and anything else runs through a shell.
type SpecValue struct {
	spec *workspec.Spec
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (v *SpecValue) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		var raw string
		if err := node.Decode(&raw); err != nil {
			return err
		}
		v.spec = workspec.Normalize(raw)
		return nil
	case yaml.MappingNode:
		var structured structuredSpec
		if err := node.Decode(&structured); err != nil {
			return err
		}
		spec, err := structured.toSpec()
		if err != nil {
			return err
		}
		v.spec = spec
		return nil
	default:
		return fmt.Errorf("work spec must be a string or a mapping, got yaml kind %d", node.Kind)
	}
}

// Spec returns the decoded work spec, nil when the value was empty.
func (v *SpecValue) Spec() *workspec.Spec {
	if v == nil {
		return nil
	}
	return v.spec
}

// structuredSpec mirrors the workspec union in YAML form. Exactly one of
// the three cases may be present.
type structuredSpec struct {
	Process *processYAML `yaml:"process"`
	Shell   *shellYAML   `yaml:"shell"`
	Agent   *agentYAML   `yaml:"agent"`
}

type processYAML struct {
	Executable string            `yaml:"executable"`
	Args       []string          `yaml:"args"`
	Env        map[string]string `yaml:"env"`
	Cwd        string            `yaml:"cwd"`
	TimeoutMS  int64             `yaml:"timeout_ms"`
}

type shellYAML struct {
	Command   string            `yaml:"command"`
	ShellKind string            `yaml:"shell_kind"`
	Env       map[string]string `yaml:"env"`
	Cwd       string            `yaml:"cwd"`
	TimeoutMS int64             `yaml:"timeout_ms"`
}

type agentYAML struct {
	Instructions     string   `yaml:"instructions"`
	InstructionsFile string   `yaml:"instructions_file"`
	Model            string   `yaml:"model"`
	ContextFiles     []string `yaml:"context_files"`
	MaxTurns         int      `yaml:"max_turns"`
	AllowedFolders   []string `yaml:"allowed_folders"`
	AllowedURLs      []string `yaml:"allowed_urls"`
}

func (s *structuredSpec) toSpec() (*workspec.Spec, error) {
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
		return nil, fmt.Errorf("work spec mapping must have exactly one of process, shell, agent; found %d", populated)
	}

	var spec *workspec.Spec
	switch {
	case s.Process != nil:
		spec = &workspec.Spec{Kind: workspec.KindProcess, Process: &workspec.ProcessSpec{
			Executable: s.Process.Executable,
			Args:       s.Process.Args,
			Env:        s.Process.Env,
			Cwd:        s.Process.Cwd,
			TimeoutMS:  s.Process.TimeoutMS,
		}}
	case s.Shell != nil:
		spec = &workspec.Spec{Kind: workspec.KindShell, Shell: &workspec.ShellSpec{
			Command:   s.Shell.Command,
			ShellKind: s.Shell.ShellKind,
			Env:       s.Shell.Env,
			Cwd:       s.Shell.Cwd,
			TimeoutMS: s.Shell.TimeoutMS,
		}}
	case s.Agent != nil:
		spec = &workspec.Spec{Kind: workspec.KindAgent, Agent: &workspec.AgentSpec{
			Instructions:     s.Agent.Instructions,
			InstructionsFile: s.Agent.InstructionsFile,
			Model:            s.Agent.Model,
			ContextFiles:     s.Agent.ContextFiles,
			MaxTurns:         s.Agent.MaxTurns,
			AllowedFolders:   s.Agent.AllowedFolders,
			AllowedURLs:      s.Agent.AllowedURLs,
		}}
	}
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	return spec, nil
}

// Load reads and parses a plan file from disk.
func Load(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open plan file: %w", err)
	}
	defer f.Close()
	parsed, err := Parse(f)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return parsed, nil
}

// Parse decodes a plan file from a reader. Unknown fields are rejected so
// a typoed key fails loudly instead of silently dropping configuration.
func Parse(r io.Reader) (*File, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var f File
	if err := dec.Decode(&f); err != nil {
		return nil, err
	}
	if err := f.validate(); err != nil {
		return nil, err
	}
	return &f, nil
}

func (f *File) validate() error {
	if strings.TrimSpace(f.Name) == "" {
		return fmt.Errorf("plan file has no name")
	}
	if strings.TrimSpace(f.BaseBranch) == "" {
		return fmt.Errorf("plan %q has no base_branch", f.Name)
	}
	if strings.TrimSpace(f.TargetBranch) == "" {
		return fmt.Errorf("plan %q has no target_branch", f.Name)
	}
	if len(f.Nodes) == 0 {
		return fmt.Errorf("plan %q has no nodes", f.Name)
	}
	switch f.Cleanup {
	case "", string(plan.CleanupAlways), string(plan.CleanupOnSuccess), string(plan.CleanupNever):
	default:
		return fmt.Errorf("unknown cleanup policy %q", f.Cleanup)
	}

	seen := make(map[string]bool, len(f.Nodes))
	for i, n := range f.Nodes {
		if strings.TrimSpace(n.ID) == "" {
			return fmt.Errorf("node %d has no id", i)
		}
		if seen[n.ID] {
			return fmt.Errorf("duplicate node id %q", n.ID)
		}
		seen[n.ID] = true
	}
	for _, n := range f.Nodes {
		for _, dep := range n.Deps {
			if !seen[dep] {
				return fmt.Errorf("node %q depends on unknown node %q", n.ID, dep)
			}
		}
		if n.BaseBranch != "" && len(n.Deps) > 0 {
			return fmt.Errorf("node %q overrides base_branch but is not a root node", n.ID)
		}
	}
	return nil
}

// Build resolves the file into a plan: stable node IDs are assigned,
// producer-ID dependencies rewritten, groups materialized, and the graph
// validated for cycles.
func (f *File) Build(repoPath, worktreeRoot string) (*plan.Plan, error) {
	p := &plan.Plan{
		ID: plan.NewPlanID(),
		Spec: plan.UserSpec{
			Name:          f.Name,
			BaseBranch:    f.BaseBranch,
			TargetBranch:  f.TargetBranch,
			MaxParallel:   f.MaxParallel,
			Cleanup:       plan.CleanupPolicy(f.Cleanup),
			PauseOnCreate: f.PauseOnCreate,
			Env:           f.Env,
			Verification:  f.Verification.Spec(),
		},
		Nodes:         make(map[string]*plan.Node, len(f.Nodes)),
		ProducerIndex: make(map[string]string, len(f.Nodes)),
		States:        make(map[string]*plan.ExecutionState, len(f.Nodes)),
		RepoPath:      repoPath,
		WorktreeRoot:  worktreeRoot,
	}

	for _, entry := range f.Nodes {
		id := plan.NewNodeID()
		name := entry.Name
		if name == "" {
			name = entry.ID
		}
		node := &plan.Node{
			ID:               id,
			ProducerID:       entry.ID,
			Name:             name,
			Task:             entry.Task,
			Prechecks:        entry.Prechecks.Spec(),
			Work:             entry.Work.Spec(),
			Postchecks:       entry.Postchecks.Spec(),
			BaseBranch:       entry.BaseBranch,
			GroupPath:        entry.Group,
			ExpectsNoChanges: entry.ExpectsNoChanges,
		}
		if entry.AutoHeal != nil {
			node.AutoHeal = *entry.AutoHeal
		} else {
			node.AutoHeal = node.DefaultAutoHeal()
		}
		p.Nodes[id] = node
		p.ProducerIndex[entry.ID] = id
		p.States[id] = &plan.ExecutionState{Status: plan.NodePending}
	}

	// Rewrite producer-ID dependencies to stable node IDs.
	for _, entry := range f.Nodes {
		id := p.ProducerIndex[entry.ID]
		node := p.Nodes[id]
		for _, dep := range entry.Deps {
			node.Dependencies = append(node.Dependencies, p.ProducerIndex[dep])
		}
		sort.Strings(node.Dependencies)
	}

	buildGroups(p)
	p.RebuildEdges()
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

// buildGroups materializes the group hierarchy from node group paths.
// "backend/api" yields groups "backend" and "backend/api" with the node
// attached to the leaf.
func buildGroups(p *plan.Plan) {
	groups := make(map[string]*plan.Group)

	ensure := func(path string) *plan.Group {
		if g, ok := groups[path]; ok {
			return g
		}
		segments := strings.Split(path, "/")
		g := &plan.Group{
			Name: segments[len(segments)-1],
			Path: path,
		}
		if len(segments) > 1 {
			g.Parent = strings.Join(segments[:len(segments)-1], "/")
		}
		groups[path] = g
		return g
	}

	nodeIDs := make([]string, 0, len(p.Nodes))
	for id := range p.Nodes {
		nodeIDs = append(nodeIDs, id)
	}
	sort.Strings(nodeIDs)

	for _, id := range nodeIDs {
		node := p.Nodes[id]
		if node.GroupPath == "" {
			continue
		}
		leaf := ensure(node.GroupPath)
		leaf.NodeIDs = append(leaf.NodeIDs, id)

		// Walk up, creating ancestors and linking children.
		for path := node.GroupPath; ; {
			g := groups[path]
			if g.Parent == "" {
				break
			}
			parent := ensure(g.Parent)
			if !contains(parent.Children, path) {
				parent.Children = append(parent.Children, path)
				sort.Strings(parent.Children)
			}
			path = g.Parent
		}
	}

	if len(groups) > 0 {
		p.Groups = groups
	}
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
