// Package store implements the on-disk persistence layer. It splits cheap,
// frequently-read plan metadata from expensive, lazily-loaded work
// specifications so listing plans and checking status never pays for large
// payloads.
//
// Layout under the data directory:
//
//	plans/<planID>/plan.json                         plan metadata
//	plans/<planID>/nodes/<nodeID>/current/<phase>.json        mutable spec
//	plans/<planID>/nodes/<nodeID>/current/<phase>.instructions.md
//	plans/<planID>/nodes/<nodeID>/attempts/<n>/<phase>.json   immutable snapshot
//
// All JSON writes are atomic (temp file + rename) and never carry a
// byte-order mark. Long agent instructions are extracted to a companion
// text file referenced by name from the JSON spec, never duplicated inline,
// and re-hydrated transparently on read.
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"

	gerrors "github.com/gantryhq/gantry/internal/errors"
	"github.com/gantryhq/gantry/internal/plan"
	"github.com/gantryhq/gantry/internal/workspec"
)

// instructionsInlineLimit is the size above which agent instructions are
// extracted into a companion file instead of being stored inline.
const instructionsInlineLimit = 512

// currentDirName holds the mutable "current" spec set for a node.
const currentDirName = "current"

// attemptsDirName holds the immutable per-attempt snapshots.
const attemptsDirName = "attempts"

// Store provides atomic metadata and spec persistence rooted at a data
// directory. It is safe for concurrent use within one process; cross-process
// exclusion is the plan lock's job.
type Store struct {
	baseDir string
	mu      sync.RWMutex
}

// New creates a Store rooted at baseDir, creating the directory if needed.
func New(baseDir string) (*Store, error) {
	if err := os.MkdirAll(filepath.Join(baseDir, "plans"), 0755); err != nil {
		return nil, gerrors.NewStoreError("init", baseDir, err)
	}
	return &Store{baseDir: baseDir}, nil
}

// BaseDir returns the store's root directory.
func (s *Store) BaseDir() string {
	return s.baseDir
}

// PlansDir returns the directory containing all plan subdirectories.
func (s *Store) PlansDir() string {
	return filepath.Join(s.baseDir, "plans")
}

func (s *Store) planDir(planID string) string {
	return filepath.Join(s.baseDir, "plans", planID)
}

func (s *Store) metadataPath(planID string) string {
	return filepath.Join(s.planDir(planID), "plan.json")
}

func (s *Store) nodeDir(planID, nodeID string) string {
	return filepath.Join(s.planDir(planID), "nodes", nodeID)
}

func (s *Store) currentSpecPath(planID, nodeID string, phase plan.Phase) string {
	return filepath.Join(s.nodeDir(planID, nodeID), currentDirName, string(phase)+".json")
}

func (s *Store) attemptSpecPath(planID, nodeID string, attempt int, phase plan.Phase) string {
	return filepath.Join(s.nodeDir(planID, nodeID), attemptsDirName, strconv.Itoa(attempt), string(phase)+".json")
}

// -----------------------------------------------------------------------------
// Plan Metadata
// -----------------------------------------------------------------------------

// WriteMetadata atomically persists a plan's metadata document.
func (s *Store) WriteMetadata(meta *PlanMetadata) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return gerrors.NewStoreError("marshal metadata", meta.ID, err)
	}
	path := s.metadataPath(meta.ID)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return gerrors.NewStoreError("write metadata", meta.ID, err)
	}
	if err := atomicWriteFile(path, data); err != nil {
		return gerrors.NewStoreError("write metadata", meta.ID, err)
	}
	return nil
}

// ReadMetadata loads a plan's metadata document.
// Returns ErrPlanNotFound when the plan does not exist.
func (s *Store) ReadMetadata(planID string) (*PlanMetadata, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, err := os.ReadFile(s.metadataPath(planID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", gerrors.ErrPlanNotFound, planID)
		}
		return nil, gerrors.NewStoreError("read metadata", planID, err)
	}

	var meta PlanMetadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", gerrors.ErrPlanCorrupted, planID, err)
	}
	return &meta, nil
}

// ListPlans returns the IDs of every stored plan, sorted.
func (s *Store) ListPlans() ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries, err := os.ReadDir(s.PlansDir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, gerrors.NewStoreError("list plans", s.PlansDir(), err)
	}

	var ids []string
	for _, e := range entries {
		if e.IsDir() {
			ids = append(ids, e.Name())
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// PlanExists reports whether a plan's metadata document exists.
func (s *Store) PlanExists(planID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, err := os.Stat(s.metadataPath(planID))
	return err == nil
}

// DeletePlan removes a plan's entire on-disk tree.
func (s *Store) DeletePlan(planID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	dir := s.planDir(planID)
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return fmt.Errorf("%w: %s", gerrors.ErrPlanNotFound, planID)
	}
	if err := os.RemoveAll(dir); err != nil {
		return gerrors.NewStoreError("delete plan", planID, err)
	}
	return nil
}

// -----------------------------------------------------------------------------
// Node Specs
// -----------------------------------------------------------------------------

// WriteSpec persists a node's work spec for the given phase into the
// node's "current" spec set. Agent instructions above the inline limit are
// extracted to a companion file referenced from the JSON.
func (s *Store) WriteSpec(planID, nodeID string, phase plan.Phase, spec *workspec.Spec) error {
	if !phase.SpecPhase() {
		return fmt.Errorf("phase %s carries no work spec", phase)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.currentSpecPath(planID, nodeID, phase)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return gerrors.NewStoreError("write spec", path, err)
	}

	// Work on a shallow copy so extraction does not mutate the caller's
	// in-memory spec.
	toWrite := *spec
	if spec.Agent != nil && len(spec.Agent.Instructions) > instructionsInlineLimit {
		agentCopy := *spec.Agent
		companion := string(phase) + ".instructions.md"
		companionPath := filepath.Join(filepath.Dir(path), companion)
		if err := atomicWriteFile(companionPath, []byte(agentCopy.Instructions)); err != nil {
			return gerrors.NewStoreError("write instructions", companionPath, err)
		}
		agentCopy.InstructionsFile = companion
		agentCopy.Instructions = ""
		toWrite.Agent = &agentCopy
	}

	data, err := json.MarshalIndent(&toWrite, "", "  ")
	if err != nil {
		return gerrors.NewStoreError("marshal spec", path, err)
	}
	if err := atomicWriteFile(path, data); err != nil {
		return gerrors.NewStoreError("write spec", path, err)
	}
	return nil
}

// ReadSpec loads a node's current work spec for the given phase,
// re-hydrating any extracted instructions. Returns ErrNotFound when no
// spec is stored for that phase.
func (s *Store) ReadSpec(planID, nodeID string, phase plan.Phase) (*workspec.Spec, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.readSpecFile(s.currentSpecPath(planID, nodeID, phase))
}

// SpecExists reports whether a current spec document exists on disk for
// the given node and phase.
func (s *Store) SpecExists(planID, nodeID string, phase plan.Phase) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, err := os.Stat(s.currentSpecPath(planID, nodeID, phase))
	return err == nil
}

// readSpecFile reads and re-hydrates one spec document. Absence of a
// referenced companion file degrades gracefully: the reference is returned
// unresolved, never an error.
func (s *Store) readSpecFile(path string) (*workspec.Spec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", gerrors.ErrNotFound, path)
		}
		return nil, gerrors.NewStoreError("read spec", path, err)
	}

	var spec workspec.Spec
	if err := json.Unmarshal(data, &spec); err != nil {
		return nil, gerrors.NewStoreError("decode spec", path, err)
	}

	if spec.Agent != nil && spec.Agent.InstructionsFile != "" && spec.Agent.Instructions == "" {
		companionPath := filepath.Join(filepath.Dir(path), spec.Agent.InstructionsFile)
		if text, err := os.ReadFile(companionPath); err == nil {
			spec.Agent.Instructions = string(text)
		}
	}
	return &spec, nil
}

// -----------------------------------------------------------------------------
// Attempt Snapshots
// -----------------------------------------------------------------------------

// SnapshotSpecsForAttempt copies the node's current spec set (including
// companion instruction files) into the immutable attempts/<n>/ directory.
// Called before each try so the record of what ran survives later edits.
func (s *Store) SnapshotSpecsForAttempt(planID, nodeID string, attempt int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	srcDir := filepath.Join(s.nodeDir(planID, nodeID), currentDirName)
	dstDir := filepath.Join(s.nodeDir(planID, nodeID), attemptsDirName, strconv.Itoa(attempt))

	entries, err := os.ReadDir(srcDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil // node has no specs; nothing to snapshot
		}
		return gerrors.NewStoreError("snapshot specs", srcDir, err)
	}

	if err := os.MkdirAll(dstDir, 0755); err != nil {
		return gerrors.NewStoreError("snapshot specs", dstDir, err)
	}

	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		data, err := os.ReadFile(filepath.Join(srcDir, e.Name()))
		if err != nil {
			return gerrors.NewStoreError("snapshot specs", e.Name(), err)
		}
		if err := atomicWriteFile(filepath.Join(dstDir, e.Name()), data); err != nil {
			return gerrors.NewStoreError("snapshot specs", e.Name(), err)
		}
	}
	return nil
}

// ReadSpecForAttempt loads the spec snapshot for an attempt. When attempt n
// has no snapshot it falls back to the nearest earlier snapshot, and
// finally to the current spec set.
func (s *Store) ReadSpecForAttempt(planID, nodeID string, attempt int, phase plan.Phase) (*workspec.Spec, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for n := attempt; n >= 1; n-- {
		path := s.attemptSpecPath(planID, nodeID, n, phase)
		if _, err := os.Stat(path); err == nil {
			return s.readSpecFile(path)
		}
	}
	return s.readSpecFile(s.currentSpecPath(planID, nodeID, phase))
}

// AttemptDir returns the snapshot directory for one attempt of a node.
// The directory may not exist yet.
func (s *Store) AttemptDir(planID, nodeID string, attempt int) string {
	return filepath.Join(s.nodeDir(planID, nodeID), attemptsDirName, strconv.Itoa(attempt))
}

// -----------------------------------------------------------------------------
// Atomic Writes
// -----------------------------------------------------------------------------

// atomicWriteFile writes data to path via a temp file in the same
// directory followed by rename. The content is written exactly as given;
// no byte-order mark is ever prepended.
func atomicWriteFile(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".gantry-tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
	}()

	if _, err := tmp.Write(data); err != nil {
		return err
	}
	if err := tmp.Sync(); err != nil {
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}
	return nil
}
