package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	gerrors "github.com/gantryhq/gantry/internal/errors"
	"github.com/gantryhq/gantry/internal/plan"
	"github.com/gantryhq/gantry/internal/workspec"
)

// legacyPlanFile is the version-1 layout: one JSON document per plan at
// plans/<planID>.json with node specs inlined, either as structured specs
// or as freeform command strings.
type legacyPlanFile struct {
	ID            string                          `json:"id"`
	Spec          plan.UserSpec                   `json:"spec"`
	Nodes         []legacyNode                    `json:"nodes"`
	ProducerIndex map[string]string               `json:"producer_id_to_node_id"`
	Groups        map[string]*plan.Group          `json:"groups,omitempty"`
	RepoPath      string                          `json:"repo_path"`
	WorktreeRoot  string                          `json:"worktree_root"`
	BaseCommit    string                          `json:"base_commit,omitempty"`
	States        map[string]*plan.ExecutionState `json:"states,omitempty"`
	Status        plan.PlanStatus                 `json:"status"`
	StateVersion  int64                           `json:"state_version"`
	CreatedAt     time.Time                       `json:"created_at"`
}

type legacyNode struct {
	ID               string          `json:"id"`
	ProducerID       string          `json:"producer_id"`
	Name             string          `json:"name"`
	Task             string          `json:"task,omitempty"`
	Dependencies     []string        `json:"dependencies,omitempty"`
	BaseBranch       string          `json:"base_branch,omitempty"`
	GroupPath        string          `json:"group_path,omitempty"`
	ExpectsNoChanges bool            `json:"expects_no_changes,omitempty"`
	AutoHeal         *bool           `json:"auto_heal,omitempty"`
	Prechecks        json.RawMessage `json:"prechecks,omitempty"`
	Work             json.RawMessage `json:"work,omitempty"`
	Postchecks       json.RawMessage `json:"postchecks,omitempty"`
}

// MigrateLegacyPlans finds version-1 single-file plans under the plans
// directory and migrates each in place into the split layout, extracting
// agent instructions into companion files. Returns the IDs of migrated
// plans. Already-migrated plans are untouched.
func (s *Store) MigrateLegacyPlans() ([]string, error) {
	entries, err := os.ReadDir(s.PlansDir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, gerrors.NewStoreError("migrate", s.PlansDir(), err)
	}

	var migrated []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		planID := strings.TrimSuffix(e.Name(), ".json")
		if err := s.migrateLegacyPlan(planID); err != nil {
			return migrated, fmt.Errorf("migrate plan %s: %w", planID, err)
		}
		migrated = append(migrated, planID)
	}
	return migrated, nil
}

// migrateLegacyPlan converts one single-file plan into the split layout
// and removes the legacy file. The metadata document is written before the
// legacy file is removed, so a crash mid-migration leaves both readable
// rather than neither.
func (s *Store) migrateLegacyPlan(planID string) error {
	legacyPath := filepath.Join(s.PlansDir(), planID+".json")
	data, err := os.ReadFile(legacyPath)
	if err != nil {
		return gerrors.NewStoreError("read legacy plan", legacyPath, err)
	}

	var legacy legacyPlanFile
	if err := json.Unmarshal(data, &legacy); err != nil {
		return fmt.Errorf("%w: %s: %v", gerrors.ErrPlanCorrupted, planID, err)
	}
	if legacy.ID == "" {
		legacy.ID = planID
	}

	meta := &PlanMetadata{
		FormatVersion: CurrentFormatVersion,
		ID:            legacy.ID,
		Spec:          legacy.Spec,
		ProducerIndex: legacy.ProducerIndex,
		Groups:        legacy.Groups,
		RepoPath:      legacy.RepoPath,
		WorktreeRoot:  legacy.WorktreeRoot,
		BaseCommit:    legacy.BaseCommit,
		Status:        legacy.Status,
		StateVersion:  legacy.StateVersion,
		CreatedAt:     legacy.CreatedAt,
	}

	for _, ln := range legacy.Nodes {
		specs := map[plan.Phase]*workspec.Spec{
			plan.PhasePrechecks:  decodeFlexibleSpec(ln.Prechecks),
			plan.PhaseWork:       decodeFlexibleSpec(ln.Work),
			plan.PhasePostchecks: decodeFlexibleSpec(ln.Postchecks),
		}

		autoHeal := true
		if ln.AutoHeal != nil {
			autoHeal = *ln.AutoHeal
		} else if work := specs[plan.PhaseWork]; work != nil {
			autoHeal = work.Kind.DefaultAutoHeal()
		}

		nm := NodeMetadata{
			ID:               ln.ID,
			ProducerID:       ln.ProducerID,
			Name:             ln.Name,
			Task:             ln.Task,
			Dependencies:     ln.Dependencies,
			BaseBranch:       ln.BaseBranch,
			GroupPath:        ln.GroupPath,
			ExpectsNoChanges: ln.ExpectsNoChanges,
			AutoHeal:         autoHeal,
			HasSpec:          make(map[plan.Phase]bool, 3),
			State:            legacy.States[ln.ID],
		}

		for phase, spec := range specs {
			if spec == nil {
				nm.HasSpec[phase] = false
				continue
			}
			if err := s.WriteSpec(legacy.ID, ln.ID, phase, spec); err != nil {
				return err
			}
			nm.HasSpec[phase] = true
		}

		meta.Nodes = append(meta.Nodes, nm)
	}

	if err := s.WriteMetadata(meta); err != nil {
		return err
	}
	if err := os.Remove(legacyPath); err != nil {
		return gerrors.NewStoreError("remove legacy plan", legacyPath, err)
	}
	return nil
}

// decodeFlexibleSpec accepts either a structured spec object or a legacy
// freeform string, which is upgraded through workspec.Normalize. Returns
// nil for absent or empty input.
func decodeFlexibleSpec(raw json.RawMessage) *workspec.Spec {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}

	var freeform string
	if err := json.Unmarshal(raw, &freeform); err == nil {
		return workspec.Normalize(freeform)
	}

	var spec workspec.Spec
	if err := json.Unmarshal(raw, &spec); err != nil {
		return nil
	}
	if spec.Validate() != nil {
		return nil
	}
	return &spec
}
