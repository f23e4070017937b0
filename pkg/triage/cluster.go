package triage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/b3yond/bugbuster/pkg/coordstore"
	"github.com/b3yond/bugbuster/pkg/store"
)

// Clusterer assigns a bug profile to a cluster through the dedup oracle
// and keeps the relational rows and the coordination-store cluster record
// in sync. The triage engine runs it inline; the dedup worker runs it for
// profiles handed off via dedup_queue.
type Clusterer struct {
	cs     *coordstore.Store
	rs     *store.Store
	oracle Oracle
	logger zerolog.Logger
}

// NewClusterer wires a clusterer.
func NewClusterer(cs *coordstore.Store, rs *store.Store, oracle Oracle, logger zerolog.Logger) *Clusterer {
	return &Clusterer{cs: cs, rs: rs, oracle: oracle, logger: logger}
}

// Assign resolves cluster membership for a profile that is not yet
// clustered. Returns the cluster id and whether a new cluster was
// founded.
func (c *Clusterer) Assign(ctx context.Context, profile store.BugProfile) (int64, bool, error) {
	existing, err := c.rs.ClusteredProfilesForTask(ctx, profile.TaskID)
	if err != nil {
		return 0, false, err
	}
	decision, err := c.oracle.Decide(ctx, profile, existing)
	if err != nil {
		return 0, false, fmt.Errorf("dedup oracle failed for profile %d: %w", profile.ID, err)
	}

	if decision.IsNew {
		cluster := store.BugCluster{TaskID: profile.TaskID, TriggerPoint: profile.TriggerPoint}
		if err := c.rs.CreateCluster(ctx, &cluster, profile.ID); err != nil {
			return 0, false, err
		}
		if err := c.recordClusterID(ctx, profile.TaskID, cluster.ID); err != nil {
			return 0, false, err
		}
		return cluster.ID, true, nil
	}

	if err := c.rs.JoinCluster(ctx, profile.ID, decision.ClusterID); err != nil {
		return 0, false, err
	}
	return decision.ClusterID, false, nil
}

// recordClusterID appends a cluster id to the task's entry in the global
// bug-clusters hash.
func (c *Clusterer) recordClusterID(ctx context.Context, taskID string, clusterID int64) error {
	var ids []int64
	raw, err := c.cs.HGet(ctx, coordstore.TaskBugClustersKey, taskID)
	if err == nil {
		if err := json.Unmarshal([]byte(raw), &ids); err != nil {
			return fmt.Errorf("corrupt cluster record for task %s: %w", taskID, err)
		}
	} else if !errors.Is(err, coordstore.ErrNotFound) {
		return err
	}
	for _, id := range ids {
		if id == clusterID {
			return nil
		}
	}
	ids = append(ids, clusterID)
	updated, err := json.Marshal(ids)
	if err != nil {
		return fmt.Errorf("failed to encode cluster ids: %w", err)
	}
	return c.cs.HSet(ctx, coordstore.TaskBugClustersKey, taskID, string(updated))
}
