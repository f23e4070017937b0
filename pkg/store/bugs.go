package store

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// CreateBug records a reproducer.
func (s *Store) CreateBug(ctx context.Context, bug *Bug) error {
	if err := s.DB(ctx).Create(bug).Error; err != nil {
		return fmt.Errorf("failed to create bug for task %s: %w", bug.TaskID, err)
	}
	return nil
}

// BugByID fetches one bug.
func (s *Store) BugByID(ctx context.Context, id int64) (*Bug, error) {
	var bug Bug
	err := s.DB(ctx).First(&bug, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch bug %d: %w", id, err)
	}
	return &bug, nil
}

// CreateBugProfile inserts a profile row. Callers hold the new-profile
// advisory lock; the database does not re-check pentuple uniqueness.
func (s *Store) CreateBugProfile(ctx context.Context, profile *BugProfile) error {
	if err := s.DB(ctx).Create(profile).Error; err != nil {
		return fmt.Errorf("failed to create bug profile for task %s: %w", profile.TaskID, err)
	}
	return nil
}

// BugProfileByID fetches one profile.
func (s *Store) BugProfileByID(ctx context.Context, id int64) (*BugProfile, error) {
	var profile BugProfile
	err := s.DB(ctx).First(&profile, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch bug profile %d: %w", id, err)
	}
	return &profile, nil
}

// EnsureBugGroup inserts the (bug, profile) edge if absent. Duplicate
// edges are silently ignored so triage replays stay idempotent.
func (s *Store) EnsureBugGroup(ctx context.Context, bugID, profileID int64, diffOnly bool) error {
	group := BugGroup{BugID: bugID, BugProfileID: profileID, DiffOnly: diffOnly}
	err := s.DB(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&group).Error
	if err != nil {
		return fmt.Errorf("failed to link bug %d to profile %d: %w", bugID, profileID, err)
	}
	return nil
}

// CreateCluster inserts a cluster and its founding membership edge in one
// transaction.
func (s *Store) CreateCluster(ctx context.Context, cluster *BugCluster, founderProfileID int64) error {
	return s.Transaction(ctx, func(tx *gorm.DB) error {
		if err := tx.Create(cluster).Error; err != nil {
			return fmt.Errorf("failed to create cluster for task %s: %w", cluster.TaskID, err)
		}
		edge := BugClusterGroup{BugProfileID: founderProfileID, BugClusterID: cluster.ID}
		if err := tx.Create(&edge).Error; err != nil {
			return fmt.Errorf("failed to link profile %d to cluster %d: %w", founderProfileID, cluster.ID, err)
		}
		return nil
	})
}

// JoinCluster adds a profile to an existing cluster. Each profile belongs
// to exactly one cluster; joining twice is ignored.
func (s *Store) JoinCluster(ctx context.Context, profileID, clusterID int64) error {
	edge := BugClusterGroup{BugProfileID: profileID, BugClusterID: clusterID}
	err := s.DB(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&edge).Error
	if err != nil {
		return fmt.Errorf("failed to join profile %d to cluster %d: %w", profileID, clusterID, err)
	}
	return nil
}

// ClusterIDForProfile returns the cluster a profile belongs to.
func (s *Store) ClusterIDForProfile(ctx context.Context, profileID int64) (int64, error) {
	var edge BugClusterGroup
	err := s.DB(ctx).Where("bug_profile_id = ?", profileID).First(&edge).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("failed to find cluster for profile %d: %w", profileID, err)
	}
	return edge.BugClusterID, nil
}

// SmallestProfileID returns the canonical profile of a cluster: the
// member with the minimum id.
func (s *Store) SmallestProfileID(ctx context.Context, clusterID int64) (int64, error) {
	var minID *int64
	err := s.DB(ctx).Model(&BugClusterGroup{}).
		Where("bug_cluster_id = ?", clusterID).
		Select("MIN(bug_profile_id)").
		Scan(&minID).Error
	if err != nil {
		return 0, fmt.Errorf("failed to find smallest profile in cluster %d: %w", clusterID, err)
	}
	if minID == nil {
		return 0, ErrNotFound
	}
	return *minID, nil
}

// ClusteredProfilesForTask returns every profile of a task that already
// belongs to a cluster, together with its cluster id. The dedup oracle
// compares new profiles against this set.
type ClusteredProfile struct {
	BugProfile
	BugClusterID int64
}

// ClusteredProfilesForTask lists the clustered profiles of a task.
func (s *Store) ClusteredProfilesForTask(ctx context.Context, taskID string) ([]ClusteredProfile, error) {
	var rows []ClusteredProfile
	err := s.DB(ctx).Model(&BugProfile{}).
		Select("bug_profiles.*, bug_cluster_groups.bug_cluster_id").
		Joins("JOIN bug_cluster_groups ON bug_cluster_groups.bug_profile_id = bug_profiles.id").
		Where("bug_profiles.task_id = ?", taskID).
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list clustered profiles for task %s: %w", taskID, err)
	}
	return rows, nil
}

// ClustersForTask lists the cluster ids of a task.
func (s *Store) ClustersForTask(ctx context.Context, taskID string) ([]int64, error) {
	var ids []int64
	err := s.DB(ctx).Model(&BugCluster{}).
		Where("task_id = ?", taskID).
		Order("id").
		Pluck("id", &ids).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list clusters for task %s: %w", taskID, err)
	}
	return ids, nil
}

// BugIDsForProfile lists the bugs grouped under a profile.
func (s *Store) BugIDsForProfile(ctx context.Context, profileID int64) ([]int64, error) {
	var ids []int64
	err := s.DB(ctx).Model(&BugGroup{}).
		Where("bug_profile_id = ?", profileID).
		Order("bug_id").
		Pluck("bug_id", &ids).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list bugs for profile %d: %w", profileID, err)
	}
	return ids, nil
}

// BugsForProfile lists the bugs grouped under a profile, oldest first.
func (s *Store) BugsForProfile(ctx context.Context, profileID int64) ([]Bug, error) {
	var bugs []Bug
	err := s.DB(ctx).
		Joins("JOIN bug_groups ON bug_groups.bug_id = bugs.id").
		Where("bug_groups.bug_profile_id = ?", profileID).
		Order("bugs.id").
		Find(&bugs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list bugs for profile %d: %w", profileID, err)
	}
	return bugs, nil
}

// FirstBugForProfile returns the oldest bug of a profile; the submission
// loop uses it as the POV for the profile.
func (s *Store) FirstBugForProfile(ctx context.Context, profileID int64) (*Bug, error) {
	var bug Bug
	err := s.DB(ctx).
		Joins("JOIN bug_groups ON bug_groups.bug_id = bugs.id").
		Where("bug_groups.bug_profile_id = ?", profileID).
		Order("bugs.id").
		First(&bug).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find POV bug for profile %d: %w", profileID, err)
	}
	return &bug, nil
}

// ProfilesForTask lists all profiles of a task.
func (s *Store) ProfilesForTask(ctx context.Context, taskID string) ([]BugProfile, error) {
	var profiles []BugProfile
	if err := s.DB(ctx).Where("task_id = ?", taskID).Find(&profiles).Error; err != nil {
		return nil, fmt.Errorf("failed to list profiles for task %s: %w", taskID, err)
	}
	return profiles, nil
}

// InsertBugProfileStatus records a POV submission verdict.
func (s *Store) InsertBugProfileStatus(ctx context.Context, profileID int64, status string) error {
	row := BugProfileStatus{BugProfileID: profileID, Status: status}
	if err := s.DB(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("failed to record status for profile %d: %w", profileID, err)
	}
	return nil
}

// LatestBugProfileStatus returns the most recent POV verdict for a
// profile, or ErrNotFound.
func (s *Store) LatestBugProfileStatus(ctx context.Context, profileID int64) (string, error) {
	var row BugProfileStatus
	err := s.DB(ctx).Where("bug_profile_id = ?", profileID).Order("id DESC").First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to fetch status for profile %d: %w", profileID, err)
	}
	return row.Status, nil
}

// InsertSarifResult records a SARIF assessment verdict.
func (s *Store) InsertSarifResult(ctx context.Context, result *SarifResult) error {
	if err := s.DB(ctx).Create(result).Error; err != nil {
		return fmt.Errorf("failed to record sarif result for %s: %w", result.SarifID, err)
	}
	return nil
}

// UnsubmittedSarifResults lists assessment verdicts not yet pushed to the
// scoring API.
func (s *Store) UnsubmittedSarifResults(ctx context.Context) ([]SarifResult, error) {
	var rows []SarifResult
	if err := s.DB(ctx).Where("submitted = ?", false).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to list unsubmitted sarif results: %w", err)
	}
	return rows, nil
}

// MarkSarifResultSubmitted flips the submitted flag.
func (s *Store) MarkSarifResultSubmitted(ctx context.Context, id int64) error {
	err := s.DB(ctx).Model(&SarifResult{}).Where("id = ?", id).Update("submitted", true).Error
	if err != nil {
		return fmt.Errorf("failed to mark sarif result %d submitted: %w", id, err)
	}
	return nil
}

// TaskIDForSarif resolves the owning task of a SARIF report.
func (s *Store) TaskIDForSarif(ctx context.Context, sarifID string) (string, error) {
	var row Sarif
	err := s.DB(ctx).Where("sarif_id = ?", sarifID).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to resolve sarif %s: %w", sarifID, err)
	}
	return row.TaskID, nil
}
