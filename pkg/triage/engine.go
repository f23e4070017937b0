// Package triage replays PoCs across sanitizers and repo states, interns
// crash identities into bug profiles, asks the dedup oracle for cluster
// membership and fans work out to the patch pipeline.
package triage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/b3yond/bugbuster/pkg/build"
	"github.com/b3yond/bugbuster/pkg/coordstore"
	"github.com/b3yond/bugbuster/pkg/messages"
	"github.com/b3yond/bugbuster/pkg/queuebus"
	"github.com/b3yond/bugbuster/pkg/store"
)

// Replayer is the seam between the engine and the build/reproduction
// substrate. Prepare makes the tuple replayable; Replay runs one PoC.
type Replayer interface {
	Prepare(ctx context.Context, t build.Tuple, in build.BuildInput) error
	Harnesses(ctx context.Context, t build.Tuple, project string) ([]string, error)
	Replay(ctx context.Context, t build.Tuple, harness, pocPath string) (string, build.ReplayResult, error)
}

// Publisher is the queue-bus surface the engine needs.
type Publisher interface {
	Publish(ctx context.Context, queue string, body []byte, opts ...queuebus.PublishOption) error
}

// ErrRunnerLost is a retryable condition: the replay container died under
// us and was relaunched; the message should be requeued.
var ErrRunnerLost = errors.New("triage: runner container lost")

// Engine is the triage core.
type Engine struct {
	cs        *coordstore.Store
	rs        *store.Store
	bus       Publisher
	replayer  Replayer
	parser    Parser
	clusterer *Clusterer
	role      string // timeout/OOM routing role of this instance
	lockTTL   time.Duration
	logger    zerolog.Logger
}

// NewEngine wires the triage engine.
func NewEngine(cs *coordstore.Store, rs *store.Store, bus Publisher, replayer Replayer, parser Parser, oracle Oracle, role string, logger zerolog.Logger) *Engine {
	return &Engine{
		cs:        cs,
		rs:        rs,
		bus:       bus,
		replayer:  replayer,
		parser:    parser,
		clusterer: NewClusterer(cs, rs, oracle, logger),
		role:      role,
		lockTTL:   2 * time.Minute,
		logger:    logger,
	}
}

// Handle triages one queue message. fromTimeoutQueue suppresses the
// sender-side timeout forwarding so the processor pool cannot loop.
func (e *Engine) Handle(ctx context.Context, msg *messages.TriageMessage, fromTimeoutQueue bool) error {
	logger := e.logger.With().Str("task_id", msg.TaskID).Int64("bug_id", msg.BugID).Logger()

	status, err := e.cs.Get(ctx, coordstore.TaskStatusKey(msg.TaskID))
	if err != nil && !errors.Is(err, coordstore.ErrNotFound) {
		return err
	}
	if status != coordstore.TaskStatusProcessing && status != coordstore.TaskStatusWaiting {
		logger.Info().Str("status", status).Msg("task not active, skipping triage")
		return nil
	}

	sanitizers := []string{msg.Sanitizer}
	if msg.Sanitizer == "*" {
		sanitizers = build.WildcardSanitizers
	}

	in := build.BuildInput{
		ProjectName: msg.ProjectName,
		Focus:       msg.Focus,
		Repos:       msg.Repo,
		Tooling:     msg.FuzzingTooling,
		Diff:        msg.Diff,
	}

	for _, sanitizer := range sanitizers {
		if !build.KnownSanitizer(sanitizer) {
			logger.Warn().Str("sanitizer", sanitizer).Msg("unknown sanitizer, skipping")
			continue
		}
		if err := e.triageSanitizer(ctx, logger, msg, in, sanitizer, fromTimeoutQueue); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) triageSanitizer(ctx context.Context, logger zerolog.Logger, msg *messages.TriageMessage, in build.BuildInput, sanitizer string, fromTimeoutQueue bool) error {
	base := build.Tuple{TaskID: msg.TaskID, Sanitizer: sanitizer, State: build.StateUnpatched}
	baseOK := true
	if err := e.replayer.Prepare(ctx, base, in); err != nil {
		// For delta tasks a broken base build only disables the gate:
		// the patched state is what counts.
		if msg.TaskType == messages.TaskTypeDelta && errors.Is(err, build.ErrBuildFailed) {
			logger.Warn().Str("sanitizer", sanitizer).Err(err).Msg("base build failed, skipping base gate")
			baseOK = false
		} else {
			return fmt.Errorf("failed to prepare %s: %w", base, err)
		}
	}

	patched := build.Tuple{TaskID: msg.TaskID, Sanitizer: sanitizer, State: build.StatePatched}
	if msg.TaskType == messages.TaskTypeDelta {
		if err := e.replayer.Prepare(ctx, patched, in); err != nil {
			return fmt.Errorf("failed to prepare %s: %w", patched, err)
		}
	}

	harnesses := []string{msg.HarnessName}
	if msg.HarnessName == "*" {
		discoverTuple := base
		if msg.TaskType == messages.TaskTypeDelta {
			discoverTuple = patched
		}
		var err error
		harnesses, err = e.replayer.Harnesses(ctx, discoverTuple, msg.ProjectName)
		if err != nil {
			return fmt.Errorf("failed to discover harnesses: %w", err)
		}
	}

	for _, harness := range harnesses {
		if err := e.triageOne(ctx, logger, msg, sanitizer, harness, base, patched, baseOK, fromTimeoutQueue); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) triageOne(ctx context.Context, logger zerolog.Logger, msg *messages.TriageMessage, sanitizer, harness string, base, patched build.Tuple, baseOK, fromTimeoutQueue bool) error {
	logger = logger.With().Str("sanitizer", sanitizer).Str("harness", harness).Logger()

	var output string
	diffOnly := false

	if msg.TaskType == messages.TaskTypeDelta {
		if baseOK {
			baseOut, baseRes, err := e.replayer.Replay(ctx, base, harness, msg.PocPath)
			if err != nil {
				return err
			}
			switch baseRes {
			case build.ReplayRunnerGone:
				return ErrRunnerLost
			case build.ReplayCrash, build.ReplayTimeout:
				// The defect exists in the base state: not new, not ours.
				logger.Info().Msg("PoC crashes base state, ignoring")
				return nil
			}
			_ = baseOut
		}
		patchedOut, patchedRes, err := e.replayer.Replay(ctx, patched, harness, msg.PocPath)
		if err != nil {
			return err
		}
		if patchedRes == build.ReplayRunnerGone {
			return ErrRunnerLost
		}
		if patchedRes == build.ReplayNoCrash {
			logger.Debug().Msg("PoC does not reproduce on patched state")
			return nil
		}
		output = patchedOut
		diffOnly = true
	} else {
		out, res, err := e.replayer.Replay(ctx, base, harness, msg.PocPath)
		if err != nil {
			return err
		}
		if res == build.ReplayRunnerGone {
			return ErrRunnerLost
		}
		if res == build.ReplayNoCrash {
			logger.Debug().Msg("PoC does not reproduce")
			return nil
		}
		output = out
	}

	report, ok := e.parser.Parse(output)
	if !ok {
		logger.Warn().Msg("crash output matched no sanitizer grammar")
		return nil
	}

	if e.role == "sender" && !fromTimeoutQueue && IsTimeoutOrOOM(report.BugType) {
		return e.forwardToTimeoutPool(ctx, logger, msg)
	}

	return e.dedupAndRecord(ctx, logger, msg, sanitizer, harness, report, diffOnly)
}

// forwardToTimeoutPool hands slow-replay bug types to the dedicated
// processor pool instead of triaging them inline.
func (e *Engine) forwardToTimeoutPool(ctx context.Context, logger zerolog.Logger, msg *messages.TriageMessage) error {
	body, err := messages.Encode(msg)
	if err != nil {
		return err
	}
	if err := e.bus.Publish(ctx, queuebus.QueueTimeout, body, queuebus.WithPriority(queuebus.PriorityMax)); err != nil {
		return err
	}
	logger.Info().Msg("forwarded timeout/OOM bug to processor pool")
	return nil
}

// dedupAndRecord interns the pentuple, persists the profile/group rows
// and fans out to the patch queue.
func (e *Engine) dedupAndRecord(ctx context.Context, logger zerolog.Logger, msg *messages.TriageMessage, sanitizer, harness string, report *Report, diffOnly bool) error {
	pentuple := Pentuple{
		TaskID:       msg.TaskID,
		Harness:      harness,
		Sanitizer:    sanitizer,
		BugType:      report.BugType,
		TriggerPoint: report.TriggerPoint,
	}
	fingerprint := pentuple.Fingerprint()

	lock, err := e.cs.Lock(ctx, coordstore.ProfileLockKey(msg.TaskID, fingerprint), e.lockTTL, 100*time.Millisecond)
	if err != nil {
		return err
	}
	defer lock.Release(ctx)

	var profileID, clusterID int64
	newCluster := false

	cached, err := e.cs.Get(ctx, coordstore.TriageFingerprintKey(msg.TaskID, fingerprint))
	switch {
	case err == nil:
		profileID, err = strconv.ParseInt(cached, 10, 64)
		if err != nil {
			return fmt.Errorf("corrupt fingerprint cache for %s: %w", fingerprint, err)
		}
		if err := e.rs.EnsureBugGroup(ctx, msg.BugID, profileID, diffOnly); err != nil {
			return err
		}
		clusterID, err = e.rs.ClusterIDForProfile(ctx, profileID)
		if err != nil {
			return err
		}
		logger.Info().Int64("profile_id", profileID).Msg("bug joined existing profile")

	case errors.Is(err, coordstore.ErrNotFound):
		profileID, clusterID, newCluster, err = e.createProfile(ctx, msg, pentuple, report, diffOnly)
		if err != nil {
			return err
		}
		logger.Info().Int64("profile_id", profileID).Int64("cluster_id", clusterID).
			Bool("new_cluster", newCluster).Msg("new bug profile")

	default:
		return err
	}

	smallest, err := e.rs.SmallestProfileID(ctx, clusterID)
	if err != nil {
		return err
	}
	if smallest != profileID {
		// Make the PoC reachable from the canonical profile so the
		// patch worker can test candidate patches against it.
		if err := e.rs.EnsureBugGroup(ctx, msg.BugID, smallest, diffOnly); err != nil {
			return err
		}
	}

	if newCluster {
		return e.fanoutNewCluster(ctx, smallest)
	}
	return e.fanoutExisting(ctx)
}

// createProfile inserts the profile under the task-wide creation lock,
// caches the id, eagerly links the founding bug and resolves cluster
// membership through the oracle.
func (e *Engine) createProfile(ctx context.Context, msg *messages.TriageMessage, pentuple Pentuple, report *Report, diffOnly bool) (profileID, clusterID int64, newCluster bool, err error) {
	lock, err := e.cs.Lock(ctx, coordstore.NewProfileLockKey(msg.TaskID), e.lockTTL, 100*time.Millisecond)
	if err != nil {
		return 0, 0, false, err
	}
	defer lock.Release(ctx)

	// Another worker may have created the profile between our fingerprint
	// read and taking this lock.
	fingerprintKey := coordstore.TriageFingerprintKey(msg.TaskID, pentuple.Fingerprint())
	if cached, err := e.cs.Get(ctx, fingerprintKey); err == nil {
		profileID, err = strconv.ParseInt(cached, 10, 64)
		if err != nil {
			return 0, 0, false, fmt.Errorf("corrupt fingerprint cache: %w", err)
		}
		if err := e.rs.EnsureBugGroup(ctx, msg.BugID, profileID, diffOnly); err != nil {
			return 0, 0, false, err
		}
		clusterID, err = e.rs.ClusterIDForProfile(ctx, profileID)
		return profileID, clusterID, false, err
	}

	profile := store.BugProfile{
		TaskID:           msg.TaskID,
		HarnessName:      pentuple.Harness,
		Sanitizer:        pentuple.Sanitizer,
		SanitizerBugType: report.BugType,
		TriggerPoint:     report.TriggerPoint,
		Summary:          report.Summary,
	}
	if err := e.rs.CreateBugProfile(ctx, &profile); err != nil {
		return 0, 0, false, err
	}
	if err := e.cs.Set(ctx, fingerprintKey, strconv.FormatInt(profile.ID, 10), 0); err != nil {
		return 0, 0, false, err
	}
	// Every profile carries at least one bug.
	if err := e.rs.EnsureBugGroup(ctx, msg.BugID, profile.ID, diffOnly); err != nil {
		return 0, 0, false, err
	}

	clusterID, newCluster, err = e.clusterer.Assign(ctx, profile)
	if err != nil {
		return 0, 0, false, err
	}
	return profile.ID, clusterID, newCluster, nil
}

// fanoutNewCluster gives a brand new cluster three independent chances at
// a generic LLM patch attempt.
func (e *Engine) fanoutNewCluster(ctx context.Context, canonicalProfileID int64) error {
	for i := 0; i < 3; i++ {
		body, err := messages.Encode(&messages.PatchMessage{
			BugProfileID: canonicalProfileID,
			PatchMode:    messages.PatchModeGeneric,
		})
		if err != nil {
			return err
		}
		priority := uint8(8 + rand.Intn(3))
		if err := e.bus.Publish(ctx, queuebus.QueuePatch, body, queuebus.WithPriority(priority)); err != nil {
			return err
		}
	}
	return nil
}

// fanoutExisting nudges the patch pipeline for every active cluster of
// every active task at fast priority.
func (e *Engine) fanoutExisting(ctx context.Context) error {
	records, err := e.cs.HGetAll(ctx, coordstore.TaskBugClustersKey)
	if err != nil {
		return err
	}
	for taskID, raw := range records {
		status, err := e.cs.Get(ctx, coordstore.TaskStatusKey(taskID))
		if err != nil || (status != coordstore.TaskStatusProcessing && status != coordstore.TaskStatusWaiting) {
			continue
		}
		var clusterIDs []int64
		if err := json.Unmarshal([]byte(raw), &clusterIDs); err != nil {
			e.logger.Warn().Str("task_id", taskID).Msg("corrupt cluster record, skipping fanout")
			continue
		}
		for _, clusterID := range clusterIDs {
			canonical, err := e.rs.SmallestProfileID(ctx, clusterID)
			if err != nil {
				continue
			}
			body, err := messages.Encode(&messages.PatchMessage{
				BugProfileID: canonical,
				PatchMode:    messages.PatchModeFast,
			})
			if err != nil {
				return err
			}
			priority := uint8(3 + rand.Intn(5))
			if err := e.bus.Publish(ctx, queuebus.QueuePatch, body, queuebus.WithPriority(priority)); err != nil {
				return err
			}
		}
	}
	return nil
}
