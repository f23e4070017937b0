package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
)

// CreatePatch inserts a patch and the replay results against the
// profile's bugs in one transaction.
func (s *Store) CreatePatch(ctx context.Context, patch *Patch, bugs []PatchBug) error {
	return s.Transaction(ctx, func(tx *gorm.DB) error {
		if err := tx.Create(patch).Error; err != nil {
			return fmt.Errorf("failed to create patch for profile %d: %w", patch.BugProfileID, err)
		}
		for i := range bugs {
			bugs[i].PatchID = patch.ID
			if err := tx.Create(&bugs[i]).Error; err != nil {
				return fmt.Errorf("failed to record patch bug for patch %d: %w", patch.ID, err)
			}
		}
		return nil
	})
}

// PatchByID fetches one patch.
func (s *Store) PatchByID(ctx context.Context, id int64) (*Patch, error) {
	var patch Patch
	err := s.DB(ctx).First(&patch, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch patch %d: %w", id, err)
	}
	return &patch, nil
}

// ValidPatchCount counts the "valid" patches of a profile: patches with no
// PatchStatus row, or whose status does not record failing functionality
// tests.
func (s *Store) ValidPatchCount(ctx context.Context, profileID int64) (int64, error) {
	var count int64
	err := s.DB(ctx).Model(&Patch{}).
		Where("bug_profile_id = ?", profileID).
		Where(`NOT EXISTS (
			SELECT 1 FROM patch_statuses ps
			WHERE ps.patch_id = patches.id AND ps.functionality_tests_passing = ?
		)`, false).
		Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("failed to count valid patches for profile %d: %w", profileID, err)
	}
	return count, nil
}

// AvailableProfiles lists profiles of a task still worth submitting
// patches for: no failed POV status, and fewer than maxValid valid
// patches.
func (s *Store) AvailableProfiles(ctx context.Context, taskID string, maxValid int64) ([]BugProfile, error) {
	profiles, err := s.ProfilesForTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	out := profiles[:0]
	for _, p := range profiles {
		var failed int64
		err := s.DB(ctx).Model(&BugProfileStatus{}).
			Where("bug_profile_id = ? AND status = ?", p.ID, SubmissionFailed).
			Count(&failed).Error
		if err != nil {
			return nil, fmt.Errorf("failed to check failed status for profile %d: %w", p.ID, err)
		}
		if failed > 0 {
			continue
		}
		valid, err := s.ValidPatchCount(ctx, p.ID)
		if err != nil {
			return nil, err
		}
		if valid >= maxValid {
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

// PatchesForProfiles lists all candidate patches authored for any of the
// given profiles.
func (s *Store) PatchesForProfiles(ctx context.Context, profileIDs []int64) ([]Patch, error) {
	if len(profileIDs) == 0 {
		return nil, nil
	}
	var patches []Patch
	err := s.DB(ctx).Where("bug_profile_id IN ?", profileIDs).Order("id").Find(&patches).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list patches: %w", err)
	}
	return patches, nil
}

// RepairedBugIDs returns the set of bugs a patch is recorded to repair.
func (s *Store) RepairedBugIDs(ctx context.Context, patchID int64) (map[int64]bool, error) {
	var ids []int64
	err := s.DB(ctx).Model(&PatchBug{}).
		Where("patch_id = ? AND repaired = ?", patchID, true).
		Pluck("bug_id", &ids).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list repaired bugs for patch %d: %w", patchID, err)
	}
	set := make(map[int64]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}
	return set, nil
}

// SubmittedPatchIDs returns the set of patches already pushed to the
// submission flow among the given candidates.
func (s *Store) SubmittedPatchIDs(ctx context.Context, patchIDs []int64) (map[int64]bool, error) {
	set := make(map[int64]bool)
	if len(patchIDs) == 0 {
		return set, nil
	}
	var ids []int64
	err := s.DB(ctx).Model(&PatchSubmit{}).
		Where("patch_id IN ?", patchIDs).
		Pluck("patch_id", &ids).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list submitted patches: %w", err)
	}
	for _, id := range ids {
		set[id] = true
	}
	return set, nil
}

// InsertPatchSubmit marks a patch as selected for submission.
func (s *Store) InsertPatchSubmit(ctx context.Context, tx *gorm.DB, patchID int64) error {
	if tx == nil {
		tx = s.DB(ctx)
	}
	row := PatchSubmit{PatchID: patchID}
	if err := tx.Create(&row).Error; err != nil {
		return fmt.Errorf("failed to record patch submit for patch %d: %w", patchID, err)
	}
	return nil
}

// LastPatchScan returns when the patch submitter last scanned a task.
func (s *Store) LastPatchScan(ctx context.Context, taskID string) (time.Time, error) {
	var row PatchSubmitTimestamp
	err := s.DB(ctx).Where("task_id = ?", taskID).Order("id DESC").First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return time.Time{}, ErrNotFound
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to fetch last patch scan for task %s: %w", taskID, err)
	}
	return row.CreatedAt, nil
}

// RecordPatchScan stamps a patch submitter scan for a task.
func (s *Store) RecordPatchScan(ctx context.Context, tx *gorm.DB, taskID string) error {
	if tx == nil {
		tx = s.DB(ctx)
	}
	row := PatchSubmitTimestamp{TaskID: taskID}
	if err := tx.Create(&row).Error; err != nil {
		return fmt.Errorf("failed to record patch scan for task %s: %w", taskID, err)
	}
	return nil
}

// InsertPatchStatus records a patch submission verdict.
func (s *Store) InsertPatchStatus(ctx context.Context, patchID int64, status string, functionality *bool) error {
	row := PatchStatus{PatchID: patchID, Status: status, FunctionalityTestsPassing: functionality}
	if err := s.DB(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("failed to record status for patch %d: %w", patchID, err)
	}
	return nil
}

// SubmittablePatch is a patch selected by the submitter together with its
// owning profile and task.
type SubmittablePatch struct {
	Patch
	TaskID string
}

// PatchesPendingSubmission lists patches that were selected via
// PatchSubmit, have no failed PatchStatus yet, and whose profile has a
// passed POV verdict confirming the bug is real.
func (s *Store) PatchesPendingSubmission(ctx context.Context) ([]SubmittablePatch, error) {
	var rows []SubmittablePatch
	err := s.DB(ctx).Model(&Patch{}).
		Select("patches.*, bug_profiles.task_id AS task_id").
		Joins("JOIN patch_submits ON patch_submits.patch_id = patches.id").
		Joins("JOIN bug_profiles ON bug_profiles.id = patches.bug_profile_id").
		Where(`NOT EXISTS (
			SELECT 1 FROM patch_statuses ps WHERE ps.patch_id = patches.id
		)`).
		Where(`EXISTS (
			SELECT 1 FROM bug_profile_statuses bps
			WHERE bps.bug_profile_id = patches.bug_profile_id AND bps.status = ?
		)`, SubmissionPassed).
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list patches pending submission: %w", err)
	}
	return rows, nil
}
