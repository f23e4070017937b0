package worker

import (
	"context"
	"errors"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"github.com/b3yond/bugbuster/pkg/messages"
	"github.com/b3yond/bugbuster/pkg/queuebus"
	"github.com/b3yond/bugbuster/pkg/store"
	"github.com/b3yond/bugbuster/pkg/triage"
)

// DedupStage assigns cluster membership to profiles handed off through
// dedup_queue. The inline triage path covers the common case; this queue
// exists for oracle re-runs and externally created profiles.
type DedupStage struct {
	rs        *store.Store
	clusterer *triage.Clusterer
	logger    zerolog.Logger
}

// NewDedupStage wires the dedup worker.
func NewDedupStage(rs *store.Store, clusterer *triage.Clusterer, logger zerolog.Logger) *DedupStage {
	return &DedupStage{rs: rs, clusterer: clusterer, logger: logger}
}

// Queue implements Stage.
func (s *DedupStage) Queue() string { return queuebus.QueueDedup }

// Handle implements Stage.
func (s *DedupStage) Handle(ctx context.Context, body []byte, headers amqp.Table) error {
	var msg messages.DedupMessage
	if err := messages.Decode(body, &msg); err != nil {
		return err
	}

	profile, err := s.rs.BugProfileByID(ctx, msg.BugProfileID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return messages.Poison("dedup request for unknown profile %d", msg.BugProfileID)
		}
		return err
	}

	if _, err := s.rs.ClusterIDForProfile(ctx, profile.ID); err == nil {
		return ErrSkip
	} else if !errors.Is(err, store.ErrNotFound) {
		return err
	}

	clusterID, isNew, err := s.clusterer.Assign(ctx, *profile)
	if err != nil {
		return err
	}
	s.logger.Info().Int64("profile_id", profile.ID).Int64("cluster_id", clusterID).
		Bool("new_cluster", isNew).Msg("profile clustered")
	return nil
}
