package worker

import (
	"context"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"github.com/b3yond/bugbuster/pkg/coordstore"
	"github.com/b3yond/bugbuster/pkg/messages"
	"github.com/b3yond/bugbuster/pkg/queuebus"
	"github.com/b3yond/bugbuster/pkg/store"
)

// maxValidPatches caps how many live patch candidates a profile carries.
const maxValidPatches = 3

// PatchGenerator fronts the external patch-generation agent. Generate
// returns a unified diff for the profile's defect.
type PatchGenerator interface {
	Generate(ctx context.Context, profile *store.BugProfile, bugs []store.Bug, mode string) (diff string, model string, err error)
}

// PatchVerifier replays a profile's bugs against a candidate patch and
// reports which stopped crashing.
type PatchVerifier interface {
	Verify(ctx context.Context, task *store.Task, profile *store.BugProfile, diff string, bugs []store.Bug) (map[int64]bool, error)
}

// PatchStage turns a patch request into a verified Patch row with
// per-bug repair truth values.
type PatchStage struct {
	cs       *coordstore.Store
	rs       *store.Store
	gen      PatchGenerator
	verifier PatchVerifier
	logger   zerolog.Logger
}

// NewPatchStage wires the patch worker.
func NewPatchStage(cs *coordstore.Store, rs *store.Store, gen PatchGenerator, verifier PatchVerifier, logger zerolog.Logger) *PatchStage {
	return &PatchStage{cs: cs, rs: rs, gen: gen, verifier: verifier, logger: logger}
}

// Queue implements Stage.
func (s *PatchStage) Queue() string { return queuebus.QueuePatch }

// Handle implements Stage.
func (s *PatchStage) Handle(ctx context.Context, body []byte, headers amqp.Table) error {
	var msg messages.PatchMessage
	if err := messages.Decode(body, &msg); err != nil {
		return err
	}
	if msg.PatchMode == messages.PatchModeNone {
		return ErrSkip
	}
	logger := s.logger.With().Int64("profile_id", msg.BugProfileID).Str("mode", msg.PatchMode).Logger()

	profile, err := s.rs.BugProfileByID(ctx, msg.BugProfileID)
	if err != nil {
		return messages.Poison("patch request for unknown profile %d", msg.BugProfileID)
	}
	active, err := TaskActive(ctx, s.cs, profile.TaskID)
	if err != nil {
		return err
	}
	if !active {
		return ErrSkip
	}

	valid, err := s.rs.ValidPatchCount(ctx, profile.ID)
	if err != nil {
		return err
	}
	if valid >= maxValidPatches {
		logger.Debug().Int64("valid", valid).Msg("profile already has enough live patches")
		return ErrSkip
	}

	task, err := s.rs.TaskByID(ctx, profile.TaskID)
	if err != nil {
		return err
	}
	bugs, err := s.rs.BugsForProfile(ctx, profile.ID)
	if err != nil {
		return err
	}
	if len(bugs) == 0 {
		return messages.Poison("profile %d has no bugs to patch against", profile.ID)
	}

	diff, model, err := s.gen.Generate(ctx, profile, bugs, msg.PatchMode)
	if err != nil {
		return err
	}
	if diff == "" {
		logger.Info().Msg("agent produced no patch")
		return ErrSkip
	}

	repaired, err := s.verifier.Verify(ctx, task, profile, diff, bugs)
	if err != nil {
		return err
	}

	patch := &store.Patch{BugProfileID: profile.ID, Patch: diff, Model: model}
	patchBugs := make([]store.PatchBug, 0, len(bugs))
	fixed := 0
	for _, bug := range bugs {
		ok := repaired[bug.ID]
		if ok {
			fixed++
		}
		patchBugs = append(patchBugs, store.PatchBug{BugID: bug.ID, Repaired: ok})
	}
	if err := s.rs.CreatePatch(ctx, patch, patchBugs); err != nil {
		return err
	}
	logger.Info().Int64("patch_id", patch.ID).Int("repaired", fixed).Int("bugs", len(bugs)).Msg("patch recorded")
	return nil
}
