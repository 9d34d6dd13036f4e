package store

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	gerrors "github.com/gantryhq/gantry/internal/errors"
	"github.com/gantryhq/gantry/internal/plan"
	"github.com/gantryhq/gantry/internal/workspec"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(t.TempDir())
	require.NoError(t, err)
	return s
}

func samplePlan(t *testing.T) *plan.Plan {
	t.Helper()
	p := &plan.Plan{
		ID:            "plan-test1",
		Spec:          plan.UserSpec{Name: "sample", BaseBranch: "main", TargetBranch: "main", MaxParallel: 2},
		Nodes:         make(map[string]*plan.Node),
		ProducerIndex: make(map[string]string),
		States:        make(map[string]*plan.ExecutionState),
		RepoPath:      "/repo",
		WorktreeRoot:  "/repo/.gantry/worktrees",
		Status:        plan.PlanPending,
		CreatedAt:     time.Now().UTC(),
	}

	a := &plan.Node{ID: "node-a111", ProducerID: "a", Name: "a", Work: workspec.NewShell("make a"), AutoHeal: true}
	b := &plan.Node{ID: "node-b222", ProducerID: "b", Name: "b", Dependencies: []string{"node-a111"}, Work: workspec.NewShell("make b"), AutoHeal: true}
	for _, n := range []*plan.Node{a, b} {
		p.Nodes[n.ID] = n
		p.ProducerIndex[n.ProducerID] = n.ID
		p.States[n.ID] = &plan.ExecutionState{Status: plan.NodePending}
	}
	p.RebuildEdges()
	return p
}

func TestMetadataRoundTrip(t *testing.T) {
	s := newTestStore(t)
	p := samplePlan(t)

	require.NoError(t, s.WriteMetadata(Serialize(p, s)))

	meta, err := s.ReadMetadata(p.ID)
	require.NoError(t, err)
	assert.Equal(t, CurrentFormatVersion, meta.FormatVersion)
	assert.Equal(t, p.ID, meta.ID)
	assert.Len(t, meta.Nodes, 2)
}

func TestReadMetadataNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.ReadMetadata("plan-missing")
	assert.ErrorIs(t, err, gerrors.ErrPlanNotFound)
}

func TestAtomicWriteLeavesNoTempFiles(t *testing.T) {
	s := newTestStore(t)
	p := samplePlan(t)
	require.NoError(t, s.WriteMetadata(Serialize(p, s)))

	entries, err := os.ReadDir(filepath.Join(s.PlansDir(), p.ID))
	require.NoError(t, err)
	for _, e := range entries {
		assert.False(t, strings.HasPrefix(e.Name(), ".gantry-tmp-"), "temp file left behind: %s", e.Name())
	}

	// No byte-order mark.
	data, err := os.ReadFile(filepath.Join(s.PlansDir(), p.ID, "plan.json"))
	require.NoError(t, err)
	require.NotEmpty(t, data)
	assert.NotEqual(t, byte(0xEF), data[0], "metadata starts with a BOM")
}

func TestMapperRoundTripStableIDs(t *testing.T) {
	s := newTestStore(t)
	p := samplePlan(t)

	require.NoError(t, s.WriteMetadata(Serialize(p, s)))
	meta, err := s.ReadMetadata(p.ID)
	require.NoError(t, err)

	restored, err := Reconstruct(meta)
	require.NoError(t, err)

	// Identical node ids, dependency edges, and dependents: no ID drift.
	assert.Equal(t, p.ProducerIndex, restored.ProducerIndex)
	for id, orig := range p.Nodes {
		got, ok := restored.Nodes[id]
		require.True(t, ok, "node %s lost in round trip", id)
		assert.Equal(t, orig.Dependencies, got.Dependencies, "dependencies drift for %s", id)
		assert.Equal(t, orig.Dependents, got.Dependents, "dependents drift for %s", id)
	}
	assert.Equal(t, p.Roots, restored.Roots)
	assert.Equal(t, p.Leaves, restored.Leaves)
}

func TestReconstructResolvesProducerIDDeps(t *testing.T) {
	// Pre-finalization metadata may reference dependencies by producer id.
	meta := &PlanMetadata{
		FormatVersion: CurrentFormatVersion,
		ID:            "plan-x",
		ProducerIndex: map[string]string{"a": "node-a", "b": "node-b"},
		Nodes: []NodeMetadata{
			{ID: "node-a", ProducerID: "a", Name: "a", AutoHeal: true},
			{ID: "node-b", ProducerID: "b", Name: "b", Dependencies: []string{"a"}, AutoHeal: true},
		},
	}

	p, err := Reconstruct(meta)
	require.NoError(t, err)
	assert.Equal(t, []string{"node-a"}, p.Nodes["node-b"].Dependencies)
}

func TestReconstructRejectsUnresolvableRef(t *testing.T) {
	meta := &PlanMetadata{
		ID:            "plan-x",
		ProducerIndex: map[string]string{"a": "node-a"},
		Nodes: []NodeMetadata{
			{ID: "node-a", ProducerID: "a", Dependencies: []string{"nope"}},
		},
	}
	_, err := Reconstruct(meta)
	assert.ErrorIs(t, err, gerrors.ErrPlanCorrupted)
}

func TestSpecWriteReadRoundTrip(t *testing.T) {
	s := newTestStore(t)

	spec := workspec.NewShell("go test ./...")
	require.NoError(t, s.WriteSpec("plan-1", "node-1", plan.PhaseWork, spec))

	got, err := s.ReadSpec("plan-1", "node-1", plan.PhaseWork)
	require.NoError(t, err)
	assert.Equal(t, workspec.KindShell, got.Kind)
	assert.Equal(t, "go test ./...", got.Shell.Command)

	assert.True(t, s.SpecExists("plan-1", "node-1", plan.PhaseWork))
	assert.False(t, s.SpecExists("plan-1", "node-1", plan.PhasePrechecks))
}

func TestWriteSpecRejectsNonSpecPhase(t *testing.T) {
	s := newTestStore(t)
	err := s.WriteSpec("plan-1", "node-1", plan.PhaseCommit, workspec.NewShell("x"))
	assert.Error(t, err)
}

func TestLongInstructionsExtractedToCompanionFile(t *testing.T) {
	s := newTestStore(t)

	long := strings.Repeat("Refactor the persistence layer carefully. ", 40)
	spec := workspec.NewAgent(long)
	require.NoError(t, s.WriteSpec("plan-1", "node-1", plan.PhaseWork, spec))

	// The JSON document must not duplicate the instructions inline.
	raw, err := os.ReadFile(s.currentSpecPath("plan-1", "node-1", plan.PhaseWork))
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "Refactor the persistence layer")
	assert.Contains(t, string(raw), "work.instructions.md")

	// The caller's in-memory spec is untouched.
	assert.Equal(t, long, spec.Agent.Instructions)

	// Reads re-hydrate transparently.
	got, err := s.ReadSpec("plan-1", "node-1", plan.PhaseWork)
	require.NoError(t, err)
	assert.Equal(t, long, got.Agent.Instructions)
}

func TestMissingCompanionFileDegradesGracefully(t *testing.T) {
	s := newTestStore(t)

	long := strings.Repeat("Do the thing. ", 60)
	require.NoError(t, s.WriteSpec("plan-1", "node-1", plan.PhaseWork, workspec.NewAgent(long)))

	companion := filepath.Join(s.nodeDir("plan-1", "node-1"), currentDirName, "work.instructions.md")
	require.NoError(t, os.Remove(companion))

	// The reference is returned unresolved, never an error.
	got, err := s.ReadSpec("plan-1", "node-1", plan.PhaseWork)
	require.NoError(t, err)
	assert.Empty(t, got.Agent.Instructions)
	assert.Equal(t, "work.instructions.md", got.Agent.InstructionsFile)
}

func TestSnapshotSpecsForAttempt(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.WriteSpec("plan-1", "node-1", plan.PhaseWork, workspec.NewShell("v1")))
	require.NoError(t, s.SnapshotSpecsForAttempt("plan-1", "node-1", 1))

	// Mutating the current spec after the snapshot must not affect it.
	require.NoError(t, s.WriteSpec("plan-1", "node-1", plan.PhaseWork, workspec.NewShell("v2")))

	got, err := s.ReadSpecForAttempt("plan-1", "node-1", 1, plan.PhaseWork)
	require.NoError(t, err)
	assert.Equal(t, "v1", got.Shell.Command)
}

func TestReadSpecForAttemptFallsBackToNearestSnapshot(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.WriteSpec("plan-1", "node-1", plan.PhaseWork, workspec.NewShell("v1")))
	require.NoError(t, s.SnapshotSpecsForAttempt("plan-1", "node-1", 1))
	require.NoError(t, s.WriteSpec("plan-1", "node-1", plan.PhaseWork, workspec.NewShell("v3")))

	// Attempt 3 has no snapshot; the nearest available one (attempt 1) wins.
	got, err := s.ReadSpecForAttempt("plan-1", "node-1", 3, plan.PhaseWork)
	require.NoError(t, err)
	assert.Equal(t, "v1", got.Shell.Command)

	// A node with no snapshots at all falls back to current.
	require.NoError(t, s.WriteSpec("plan-1", "node-2", plan.PhaseWork, workspec.NewShell("only-current")))
	got, err = s.ReadSpecForAttempt("plan-1", "node-2", 2, plan.PhaseWork)
	require.NoError(t, err)
	assert.Equal(t, "only-current", got.Shell.Command)
}

func TestSerializeProbesStoreForOnDiskSpecs(t *testing.T) {
	s := newTestStore(t)
	p := samplePlan(t)

	// A spec exists on disk for node-a, but the in-memory node lost it
	// (e.g. a reconstructed plan that never loads specs eagerly).
	require.NoError(t, s.WriteSpec(p.ID, "node-a111", plan.PhasePrechecks, workspec.NewShell("lint")))
	p.Nodes["node-a111"].Prechecks = nil

	meta := Serialize(p, s)
	nm := meta.NodeMeta("node-a111")
	require.NotNil(t, nm)
	assert.True(t, nm.HasSpec[plan.PhasePrechecks], "on-disk spec must not be reported as no work")
	assert.True(t, nm.HasSpec[plan.PhaseWork])
	assert.False(t, nm.HasSpec[plan.PhasePostchecks])
}

func TestSerializeSyncTrustsPriorFlags(t *testing.T) {
	s := newTestStore(t)
	p := samplePlan(t)

	require.NoError(t, s.WriteSpec(p.ID, "node-a111", plan.PhasePrechecks, workspec.NewShell("lint")))
	prior := Serialize(p, s)

	// The sync path must not probe the disk; it trusts what was known.
	p.Nodes["node-a111"].Prechecks = nil
	meta := SerializeSync(p, prior)
	nm := meta.NodeMeta("node-a111")
	require.NotNil(t, nm)
	assert.True(t, nm.HasSpec[plan.PhasePrechecks])
}

func TestListAndDeletePlans(t *testing.T) {
	s := newTestStore(t)
	p := samplePlan(t)
	require.NoError(t, s.WriteMetadata(Serialize(p, s)))

	ids, err := s.ListPlans()
	require.NoError(t, err)
	assert.Equal(t, []string{p.ID}, ids)

	require.NoError(t, s.DeletePlan(p.ID))
	assert.False(t, s.PlanExists(p.ID))
	assert.ErrorIs(t, s.DeletePlan(p.ID), gerrors.ErrPlanNotFound)
}

func TestDefinitionLazyAccess(t *testing.T) {
	s := newTestStore(t)
	p := samplePlan(t)
	require.NoError(t, s.WriteSpec(p.ID, "node-a111", plan.PhaseWork, workspec.NewShell("make a")))
	require.NoError(t, s.WriteMetadata(Serialize(p, s)))

	def, err := OpenDefinition(s, p.ID)
	require.NoError(t, err)

	assert.Equal(t, p.ID, def.ID())
	assert.ElementsMatch(t, []string{"node-a111", "node-b222"}, def.NodeIDs())
	assert.True(t, def.HasWork("node-a111", plan.PhaseWork))

	spec, err := def.WorkSpec("node-a111", plan.PhaseWork)
	require.NoError(t, err)
	assert.Equal(t, "make a", spec.Shell.Command)

	// No caching: a store rewrite is visible on the next accessor call.
	require.NoError(t, s.WriteSpec(p.ID, "node-a111", plan.PhaseWork, workspec.NewShell("make a2")))
	spec, err = def.WorkSpec("node-a111", plan.PhaseWork)
	require.NoError(t, err)
	assert.Equal(t, "make a2", spec.Shell.Command)
}
