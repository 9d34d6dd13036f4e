package dag

import (
	"strings"
	"testing"

	gerrors "github.com/gantryhq/gantry/internal/errors"
)

func TestDetectCycles(t *testing.T) {
	tests := []struct {
		name    string
		jobs    []Job
		acyclic bool
	}{
		{
			name:    "empty graph",
			jobs:    nil,
			acyclic: true,
		},
		{
			name: "linear chain",
			jobs: []Job{
				{ID: "a"},
				{ID: "b", Dependencies: []string{"a"}},
				{ID: "c", Dependencies: []string{"b"}},
			},
			acyclic: true,
		},
		{
			name: "diamond",
			jobs: []Job{
				{ID: "a"},
				{ID: "b", Dependencies: []string{"a"}},
				{ID: "c", Dependencies: []string{"a"}},
				{ID: "d", Dependencies: []string{"b", "c"}},
			},
			acyclic: true,
		},
		{
			name: "self dependency",
			jobs: []Job{
				{ID: "a", Dependencies: []string{"a"}},
			},
			acyclic: false,
		},
		{
			name: "two node cycle",
			jobs: []Job{
				{ID: "a", Dependencies: []string{"b"}},
				{ID: "b", Dependencies: []string{"a"}},
			},
			acyclic: false,
		},
		{
			name: "cycle behind a healthy prefix",
			jobs: []Job{
				{ID: "root"},
				{ID: "x", Dependencies: []string{"root", "y"}},
				{ID: "y", Dependencies: []string{"z"}},
				{ID: "z", Dependencies: []string{"x"}},
			},
			acyclic: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cycle := DetectCycles(tt.jobs)
			if tt.acyclic && cycle != nil {
				t.Errorf("DetectCycles() = %v, want nil", cycle)
			}
			if !tt.acyclic && cycle == nil {
				t.Error("DetectCycles() = nil, want a cycle")
			}
		})
	}
}

func TestDetectCyclesMessageOrder(t *testing.T) {
	// A 3-node cycle a -> b -> c -> a must produce a message containing all
	// three ids in order.
	jobs := []Job{
		{ID: "a", Dependencies: []string{"b"}},
		{ID: "b", Dependencies: []string{"c"}},
		{ID: "c", Dependencies: []string{"a"}},
	}
	cycle := DetectCycles(jobs)
	if cycle == nil {
		t.Fatal("DetectCycles() = nil, want a cycle")
	}

	msg := FormatCycle(cycle)
	if !strings.Contains(msg, " -> ") {
		t.Errorf("FormatCycle() = %q, want arrow-joined path", msg)
	}

	// First and last entries close the loop.
	if cycle[0] != cycle[len(cycle)-1] {
		t.Errorf("cycle %v does not close on its entry node", cycle)
	}

	// All three ids appear, in dependency order.
	ia := strings.Index(msg, "a")
	ib := strings.Index(msg, "b")
	ic := strings.Index(msg, "c")
	if ia < 0 || ib < 0 || ic < 0 {
		t.Fatalf("FormatCycle() = %q, missing ids", msg)
	}
	if !(ia < ib && ib < ic) {
		t.Errorf("FormatCycle() = %q, ids out of order", msg)
	}
}

func TestValidateDependencies(t *testing.T) {
	jobs := []Job{
		{ID: "a"},
		{ID: "b", Dependencies: []string{"a", "ghost"}},
		{ID: "c", Dependencies: []string{"phantom", "specter"}},
	}

	err := ValidateDependencies(jobs)
	if err == nil {
		t.Fatal("ValidateDependencies() = nil, want aggregated error")
	}

	var dangling *gerrors.DanglingDependencyError
	if !gerrors.As(err, &dangling) {
		t.Fatalf("error type = %T, want *DanglingDependencyError", err)
	}

	// Every dangling reference is collected, not just the first.
	if got := dangling.References["b"]; len(got) != 1 || got[0] != "ghost" {
		t.Errorf("References[b] = %v, want [ghost]", got)
	}
	if got := dangling.References["c"]; len(got) != 2 {
		t.Errorf("References[c] = %v, want two entries", got)
	}

	if err := ValidateDependencies([]Job{{ID: "solo"}}); err != nil {
		t.Errorf("ValidateDependencies(valid) = %v, want nil", err)
	}
}

func TestComputeRootsAndLeaves(t *testing.T) {
	jobs := []Job{
		{ID: "A"},
		{ID: "B", Dependencies: []string{"A"}},
		{ID: "C", Dependencies: []string{"B"}},
	}

	roots, leaves := ComputeRootsAndLeaves(jobs)
	if len(roots) != 1 || roots[0] != "A" {
		t.Errorf("roots = %v, want [A]", roots)
	}
	if len(leaves) != 1 || leaves[0] != "C" {
		t.Errorf("leaves = %v, want [C]", leaves)
	}
}

func TestComputeRootsAndLeavesSingleNode(t *testing.T) {
	// A lone node is both root and leaf.
	roots, leaves := ComputeRootsAndLeaves([]Job{{ID: "only"}})
	if len(roots) != 1 || roots[0] != "only" {
		t.Errorf("roots = %v, want [only]", roots)
	}
	if len(leaves) != 1 || leaves[0] != "only" {
		t.Errorf("leaves = %v, want [only]", leaves)
	}
}

func TestComputeDependents(t *testing.T) {
	jobs := []Job{
		{ID: "a"},
		{ID: "b", Dependencies: []string{"a"}},
		{ID: "c", Dependencies: []string{"a", "b"}},
	}

	deps := ComputeDependents(jobs)
	if got := deps["a"]; len(got) != 2 || got[0] != "b" || got[1] != "c" {
		t.Errorf("dependents[a] = %v, want [b c]", got)
	}
	if got := deps["b"]; len(got) != 1 || got[0] != "c" {
		t.Errorf("dependents[b] = %v, want [c]", got)
	}
	if got, ok := deps["c"]; !ok || got != nil {
		t.Errorf("dependents[c] = %v (present=%v), want present and empty", got, ok)
	}
}
