// Package dag provides pure graph algorithms over a minimal job view of a
// plan: each job has an ID and a list of dependency IDs. The engine and the
// plan authoring layer both operate on this view, so the algorithms stay
// independent of the full node model.
package dag

import (
	"sort"
	"strings"

	gerrors "github.com/gantryhq/gantry/internal/errors"
)

// Job is the minimal view of a node the graph algorithms need.
type Job struct {
	ID           string
	Dependencies []string
}

// DetectCycles searches the dependency graph for a cycle.
// Returns the IDs forming the cycle, in order, with the entry node repeated
// at the end (e.g. [a b c a] for a -> b -> c -> a). Returns nil when the
// graph is acyclic.
func DetectCycles(jobs []Job) []string {
	deps := make(map[string][]string, len(jobs))
	for _, j := range jobs {
		deps[j.ID] = j.Dependencies
	}

	visited := make(map[string]bool)
	onPath := make(map[string]bool)
	parent := make(map[string]string)

	var dfs func(id string) []string
	dfs = func(id string) []string {
		visited[id] = true
		onPath[id] = true

		for _, depID := range deps[id] {
			if !visited[depID] {
				parent[depID] = id
				if cycle := dfs(depID); cycle != nil {
					return cycle
				}
			} else if onPath[depID] {
				// Reconstruct the cycle by walking parents back to the
				// revisited node.
				cycle := []string{depID}
				for current := id; current != depID; current = parent[current] {
					cycle = append([]string{current}, cycle...)
				}
				return append([]string{depID}, cycle...)
			}
		}

		onPath[id] = false
		return nil
	}

	for _, j := range jobs {
		if !visited[j.ID] {
			if cycle := dfs(j.ID); cycle != nil {
				return cycle
			}
		}
	}
	return nil
}

// FormatCycle renders a cycle path as an arrow-joined string suitable for
// direct display, e.g. "a -> b -> c -> a".
func FormatCycle(cycle []string) string {
	return strings.Join(cycle, " -> ")
}

// ValidateDependencies checks that every dependency reference resolves to a
// known job. All dangling references are collected into one aggregated
// error rather than failing on the first. Returns nil when all resolve.
func ValidateDependencies(jobs []Job) error {
	known := make(map[string]bool, len(jobs))
	for _, j := range jobs {
		known[j.ID] = true
	}

	dangling := make(map[string][]string)
	for _, j := range jobs {
		for _, depID := range j.Dependencies {
			if !known[depID] {
				dangling[j.ID] = append(dangling[j.ID], depID)
			}
		}
	}

	if len(dangling) == 0 {
		return nil
	}
	return &gerrors.DanglingDependencyError{References: dangling}
}

// ComputeRootsAndLeaves returns the roots and leaves of the graph.
// A job is a root iff it has zero dependencies; a leaf iff no other job
// names it as a dependency. Both lists are sorted for determinism.
func ComputeRootsAndLeaves(jobs []Job) (roots, leaves []string) {
	dependedOn := make(map[string]bool)
	for _, j := range jobs {
		for _, depID := range j.Dependencies {
			dependedOn[depID] = true
		}
	}

	for _, j := range jobs {
		if len(j.Dependencies) == 0 {
			roots = append(roots, j.ID)
		}
		if !dependedOn[j.ID] {
			leaves = append(leaves, j.ID)
		}
	}

	sort.Strings(roots)
	sort.Strings(leaves)
	return roots, leaves
}

// ComputeDependents builds the reverse-edge map: for each job, the IDs of
// jobs that depend on it. The result covers every job, including those with
// no dependents (mapped to nil). Dependent lists are sorted.
//
// Dependent lists stored on nodes are a derived cache of this map; they are
// recomputed after load or mutation, never hand-maintained.
func ComputeDependents(jobs []Job) map[string][]string {
	dependents := make(map[string][]string, len(jobs))
	for _, j := range jobs {
		if _, ok := dependents[j.ID]; !ok {
			dependents[j.ID] = nil
		}
	}
	for _, j := range jobs {
		for _, depID := range j.Dependencies {
			dependents[depID] = append(dependents[depID], j.ID)
		}
	}
	for id := range dependents {
		sort.Strings(dependents[id])
	}
	return dependents
}
