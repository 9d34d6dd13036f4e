package phase

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/gantryhq/gantry/internal/plan"
)

// EvidenceFileName is the structured justification an operator (or the
// work itself) can leave behind when a node legitimately produces no
// diff. It lives in the worktree scratch directory.
const EvidenceFileName = "evidence.json"

// EvidenceOutcome types the declared reason for an absent diff.
type EvidenceOutcome string

const (
	// OutcomeNoChangesNeeded: the work inspected the tree and nothing
	// required changing.
	OutcomeNoChangesNeeded EvidenceOutcome = "no-changes-needed"

	// OutcomeChangesElsewhere: the work's effect landed outside this
	// worktree (external system, other branch).
	OutcomeChangesElsewhere EvidenceOutcome = "changes-elsewhere"

	// OutcomeVerifiedExisting: the work verified existing behavior
	// rather than modifying it.
	OutcomeVerifiedExisting EvidenceOutcome = "verified-existing"
)

func (o EvidenceOutcome) valid() bool {
	switch o {
	case OutcomeNoChangesNeeded, OutcomeChangesElsewhere, OutcomeVerifiedExisting:
		return true
	}
	return false
}

// Evidence is the parsed justification document.
type Evidence struct {
	Summary string          `json:"summary"`
	Outcome EvidenceOutcome `json:"outcome"`
}

// Commit captures the node's work as a commit. With uncommitted changes
// present it stages and commits them; with the worktree clean it accepts
// the outcome only under one of the recognized justifications: commits
// already made by the work itself, a structured evidence file, the node's
// expectsNoChanges flag, or an AI review judging the absent diff
// legitimate. An unjustified no-diff is a hard failure. Re-running the
// phase on an already-clean, justified worktree succeeds again without
// requiring a new commit.
type Commit struct{}

func (Commit) Phase() plan.Phase { return plan.PhaseCommit }

func (Commit) Execute(ctx context.Context, pc *Context) Result {
	log := pc.Logger().WithPhase(plan.PhaseCommit.String())

	dirty, err := pc.Git.HasUncommittedChanges(ctx, pc.Worktree)
	if err != nil {
		return failure(plan.FailureExecution, "check worktree status: %v", err)
	}

	if dirty {
		if err := pc.Git.StageAll(ctx, pc.Worktree); err != nil {
			return failure(plan.FailureExecution, "stage changes: %v", err)
		}
		msg := fmt.Sprintf("gantry: %s", firstNonEmpty(pc.Node.Name, pc.Node.ID))
		if err := pc.Git.Commit(ctx, pc.Worktree, msg); err != nil {
			return failure(plan.FailureExecution, "commit changes: %v", err)
		}
	}

	head, err := pc.Git.Head(ctx, pc.Worktree)
	if err != nil {
		return failure(plan.FailureExecution, "read worktree head: %v", err)
	}

	// Diff present: the work produced commits, whether the phase made
	// them just now or the work committed as it went.
	if head != pc.BaseCommit {
		res := success()
		res.Commit = head
		res.Summary = diffSummary(ctx, pc, head)
		return res
	}

	// Clean worktree at the base commit: absence of a diff must be
	// explicitly justified, never accepted by default.
	if ev, ok := readEvidence(pc.Worktree); ok {
		log.Info("no diff justified by evidence file", "outcome", ev.Outcome)
		res := success()
		res.Message = ev.Summary
		return res
	}
	if pc.Node.ExpectsNoChanges {
		log.Debug("no diff accepted: node expects no changes")
		return success()
	}
	if pc.ReviewAbsentDiff != nil {
		legitimate, verdict := pc.ReviewAbsentDiff(ctx, pc)
		if legitimate {
			log.Info("no diff judged legitimate by review", "verdict", verdict)
			res := success()
			res.Message = verdict
			return res
		}
		return failure(plan.FailureExecution,
			"node produced no changes and review rejected the outcome: %s", verdict)
	}
	return failure(plan.FailureExecution,
		"node produced no changes and no justification applies (no evidence file, expectsNoChanges unset)")
}

// readEvidence loads and validates the evidence file. A malformed or
// incomplete document does not justify anything.
func readEvidence(worktree string) (Evidence, bool) {
	data, err := os.ReadFile(filepath.Join(worktree, ScratchDirName, EvidenceFileName))
	if err != nil {
		return Evidence{}, false
	}
	var ev Evidence
	if err := json.Unmarshal(data, &ev); err != nil {
		return Evidence{}, false
	}
	if strings.TrimSpace(ev.Summary) == "" || !ev.Outcome.valid() {
		return Evidence{}, false
	}
	return ev, true
}

// diffSummary gathers commit and file-change counts for the node's work.
// Best effort: a stats failure degrades to no summary, never to a phase
// failure.
func diffSummary(ctx context.Context, pc *Context, head string) *plan.WorkSummary {
	summary := &plan.WorkSummary{}
	if n, err := pc.Git.CountCommits(ctx, pc.Worktree, pc.BaseCommit, head); err == nil {
		summary.Commits = n
	}
	if stat, err := pc.Git.Diff(ctx, pc.Worktree, pc.BaseCommit, head); err == nil {
		summary.FilesChanged = stat.FilesChanged
		summary.Insertions = stat.Insertions
		summary.Deletions = stat.Deletions
	}
	return summary
}
