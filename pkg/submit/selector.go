// Package submit carries finished work out of the pipeline: the patch
// submitter selects a domination-free patch set per task, and the
// submission loop walks POVs, patches, SARIF assessments and bundles
// through the scoring API.
package submit

import (
	"context"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/b3yond/bugbuster/pkg/store"
)

// catchAllCoverage is the bug count above which a patch is considered to
// cover a profile even without per-bug repair proof.
const catchAllCoverage = 1000

// maxValidPatches caps live patch candidates per profile.
const maxValidPatches = 3

// Selector is the poll-based patch submitter.
type Selector struct {
	rs     *store.Store
	period time.Duration
	logger zerolog.Logger
}

// NewSelector wires the patch submitter.
func NewSelector(rs *store.Store, logger zerolog.Logger) *Selector {
	return &Selector{rs: rs, period: time.Minute, logger: logger}
}

// Run scans every active task once per period until the context is done.
func (s *Selector) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		tasks, err := s.rs.ActiveTasks(ctx)
		if err != nil {
			s.logger.Warn().Err(err).Msg("failed to list active tasks")
			continue
		}
		for _, task := range tasks {
			if err := s.ScanTask(ctx, &task); err != nil {
				s.logger.Warn().Str("task_id", task.ID).Err(err).Msg("patch scan failed")
			}
		}
	}
}

// ScanTask runs one selection pass for a task, rate-limited by the scan
// interval.
func (s *Selector) ScanTask(ctx context.Context, task *store.Task) error {
	interval := scanInterval(task)
	last, err := s.rs.LastPatchScan(ctx, task.ID)
	if err != nil {
		return err
	}
	if !last.IsZero() && time.Since(last) < interval {
		return nil
	}

	profiles, err := s.rs.AvailableProfiles(ctx, task.ID, maxValidPatches)
	if err != nil {
		return err
	}
	profileIDs := make([]int64, 0, len(profiles))
	for _, p := range profiles {
		profileIDs = append(profileIDs, p.ID)
	}

	patches, err := s.rs.PatchesForProfiles(ctx, profileIDs)
	if err != nil {
		return err
	}

	coverage, err := s.buildCoverage(ctx, profileIDs, patches)
	if err != nil {
		return err
	}

	patchIDs := make([]int64, 0, len(patches))
	for _, p := range patches {
		patchIDs = append(patchIDs, p.ID)
	}
	submitted, err := s.rs.SubmittedPatchIDs(ctx, patchIDs)
	if err != nil {
		return err
	}

	selected := SelectPatches(coverage, submitted)
	if len(selected) > 0 {
		s.logger.Info().Str("task_id", task.ID).Ints64("patches", selected).Msg("patches selected for submission")
	}

	return s.rs.Transaction(ctx, func(tx *gorm.DB) error {
		for _, patchID := range selected {
			if err := s.rs.InsertPatchSubmit(ctx, tx, patchID); err != nil {
				return err
			}
		}
		return s.rs.RecordPatchScan(ctx, tx, task.ID)
	})
}

// scanInterval is the per-task selection cadence: an eighth of the wall
// budget, capped at one hour.
func scanInterval(task *store.Task) time.Duration {
	wall := time.UnixMilli(task.Deadline).Sub(task.CreatedAt)
	if wall <= 0 {
		return time.Hour
	}
	interval := wall / 8
	if interval > time.Hour {
		return time.Hour
	}
	return interval
}

// buildCoverage maps each patch to the set of profiles it covers: the
// profile it was authored for, every profile whose bugs are all repaired
// under it, and any profile where it repairs the catch-all bug count.
func (s *Selector) buildCoverage(ctx context.Context, profileIDs []int64, patches []store.Patch) (map[int64]map[int64]bool, error) {
	profileBugs := make(map[int64][]int64, len(profileIDs))
	for _, profileID := range profileIDs {
		bugs, err := s.rs.BugIDsForProfile(ctx, profileID)
		if err != nil {
			return nil, err
		}
		profileBugs[profileID] = bugs
	}

	coverage := make(map[int64]map[int64]bool, len(patches))
	for _, patch := range patches {
		repaired, err := s.rs.RepairedBugIDs(ctx, patch.ID)
		if err != nil {
			return nil, err
		}
		cov := map[int64]bool{patch.BugProfileID: true}
		for profileID, bugs := range profileBugs {
			if len(bugs) == 0 {
				continue
			}
			fixed := 0
			for _, bugID := range bugs {
				if repaired[bugID] {
					fixed++
				}
			}
			if fixed == len(bugs) || fixed >= catchAllCoverage {
				cov[profileID] = true
			}
		}
		coverage[patch.ID] = cov
	}
	return coverage, nil
}

// SelectPatches picks the patches to submit from a coverage map: prune
// patches whose coverage is a proper subset of another's, then greedily
// keep those adding at least one profile not already covered by a
// submitted patch.
func SelectPatches(coverage map[int64]map[int64]bool, alreadySubmitted map[int64]bool) []int64 {
	covered := make(map[int64]bool)
	for patchID := range alreadySubmitted {
		for profileID := range coverage[patchID] {
			covered[profileID] = true
		}
	}

	ids := make([]int64, 0, len(coverage))
	for patchID := range coverage {
		ids = append(ids, patchID)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	var selected []int64
	for _, patchID := range ids {
		if alreadySubmitted[patchID] || dominated(patchID, coverage) {
			continue
		}
		addsNew := false
		for profileID := range coverage[patchID] {
			if !covered[profileID] {
				addsNew = true
				break
			}
		}
		if !addsNew {
			continue
		}
		selected = append(selected, patchID)
		for profileID := range coverage[patchID] {
			covered[profileID] = true
		}
	}
	return selected
}

// dominated reports whether some other patch covers a proper superset.
func dominated(patchID int64, coverage map[int64]map[int64]bool) bool {
	own := coverage[patchID]
	for otherID, other := range coverage {
		if otherID == patchID || len(other) <= len(own) {
			continue
		}
		subset := true
		for profileID := range own {
			if !other[profileID] {
				subset = false
				break
			}
		}
		if subset {
			return true
		}
	}
	return false
}
