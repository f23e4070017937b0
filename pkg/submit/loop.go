package submit

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/b3yond/bugbuster/pkg/coordstore"
	"github.com/b3yond/bugbuster/pkg/store"
)

// Work-set names. The submission loop queues through CS sets instead of
// broker queues so that a half-finished submission survives pod churn.
const (
	submitSetName  = "submitter:work_set"
	confirmSetName = "submitter:confirm_set"
	bundleSetName  = "bundle_queue"
)

// Loop drives the two-phase submission flow: materialize bodies from the
// relational store, create submissions against the scoring API, poll
// verdicts, and pair accepted POVs with accepted patches into bundles.
type Loop struct {
	cs      *coordstore.Store
	rs      *store.Store
	client  *Client
	storage string
	period  time.Duration

	submitSet  *coordstore.WorkSet
	confirmSet *coordstore.WorkSet
	bundleSet  *coordstore.WorkSet

	logger zerolog.Logger
}

// NewLoop wires the submission loop.
func NewLoop(cs *coordstore.Store, rs *store.Store, client *Client, storage string, logger zerolog.Logger) *Loop {
	return &Loop{
		cs:         cs,
		rs:         rs,
		client:     client,
		storage:    storage,
		period:     30 * time.Second,
		submitSet:  cs.NewWorkSet(submitSetName),
		confirmSet: cs.NewWorkSet(confirmSetName),
		bundleSet:  cs.NewWorkSet(bundleSetName),
		logger:     logger,
	}
}

// Run cycles fetch, submit, confirm and bundle until the context is done.
func (l *Loop) Run(ctx context.Context) error {
	ticker := time.NewTicker(l.period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		l.Tick(ctx)
	}
}

// Tick runs one pass of every phase. Phase errors are logged, not fatal;
// a failed member stays in its set and is retried next tick.
func (l *Loop) Tick(ctx context.Context) {
	if err := l.FetchData(ctx); err != nil {
		l.logger.Warn().Err(err).Msg("failed to materialize submissions")
	}
	l.drain(ctx, l.submitSet, l.submitOne)
	l.drain(ctx, l.confirmSet, l.confirmOne)
	l.drain(ctx, l.bundleSet, l.bundleOne)
}

func (l *Loop) drain(ctx context.Context, set *coordstore.WorkSet, fn func(context.Context, string) error) {
	members, err := set.Members(ctx)
	if err != nil {
		l.logger.Warn().Str("set", set.Name()).Err(err).Msg("failed to list work set")
		return
	}
	for _, member := range members {
		if err := fn(ctx, member); err != nil {
			l.logger.Warn().Str("member", member).Err(err).Msg("submission step failed")
		}
	}
}

// FetchData materializes pending POV, patch and SARIF submissions into
// the coordination store and enqueues them. A record already interned is
// in flight and is skipped.
func (l *Loop) FetchData(ctx context.Context) error {
	tasks, err := l.rs.TasksByStatus(ctx, store.TaskStatusProcessing)
	if err != nil {
		return err
	}
	for _, task := range tasks {
		if err := l.fetchPOVs(ctx, task.ID); err != nil {
			l.logger.Warn().Str("task_id", task.ID).Err(err).Msg("failed to collect POVs")
		}
	}
	if err := l.fetchPatches(ctx); err != nil {
		l.logger.Warn().Err(err).Msg("failed to collect patches")
	}
	if err := l.fetchSarifResults(ctx); err != nil {
		l.logger.Warn().Err(err).Msg("failed to collect sarif results")
	}
	return nil
}

func (l *Loop) fetchPOVs(ctx context.Context, taskID string) error {
	profiles, err := l.rs.ProfilesForTask(ctx, taskID)
	if err != nil {
		return err
	}
	for _, profile := range profiles {
		_, err := l.rs.LatestBugProfileStatus(ctx, profile.ID)
		if err == nil {
			continue // already has a verdict
		}
		if !errors.Is(err, store.ErrNotFound) {
			return err
		}
		bug, err := l.rs.FirstBugForProfile(ctx, profile.ID)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return err
		}

		record := &Record{
			Kind:      KindPOV,
			TaskID:    taskID,
			ID:        strconv.FormatInt(bug.ID, 10),
			ProfileID: strconv.FormatInt(profile.ID, 10),
		}
		if interned, err := l.interned(ctx, record.Key()); err != nil || interned {
			if err != nil {
				return err
			}
			continue
		}

		testcase, err := os.ReadFile(l.resolve(bug.Poc))
		if err != nil {
			l.logger.Warn().Str("poc", bug.Poc).Err(err).Msg("unreadable PoC, skipping")
			continue
		}
		body, err := NewPOVBody(testcase, profile.HarnessName, profile.Sanitizer, bug.Architecture)
		if err != nil {
			l.logger.Warn().Int64("bug_id", bug.ID).Err(err).Msg("unsubmittable PoC")
			continue
		}
		record.POV = body
		if err := l.enqueue(ctx, record); err != nil {
			return err
		}
	}
	return nil
}

func (l *Loop) fetchPatches(ctx context.Context) error {
	patches, err := l.rs.PatchesPendingSubmission(ctx)
	if err != nil {
		return err
	}
	for _, patch := range patches {
		record := &Record{
			Kind:      KindPatch,
			TaskID:    patch.TaskID,
			ID:        strconv.FormatInt(patch.ID, 10),
			ProfileID: strconv.FormatInt(patch.BugProfileID, 10),
		}
		if interned, err := l.interned(ctx, record.Key()); err != nil || interned {
			if err != nil {
				return err
			}
			continue
		}
		body, err := NewPatchBody([]byte(patch.Patch.Patch))
		if err != nil {
			l.logger.Warn().Int64("patch_id", patch.ID).Err(err).Msg("unsubmittable patch")
			if serr := l.rs.InsertPatchStatus(ctx, patch.ID, StatusFailed, nil); serr != nil {
				return serr
			}
			continue
		}
		record.Patch = body
		if err := l.enqueue(ctx, record); err != nil {
			return err
		}
	}
	return nil
}

func (l *Loop) fetchSarifResults(ctx context.Context) error {
	results, err := l.rs.UnsubmittedSarifResults(ctx)
	if err != nil {
		return err
	}
	for _, result := range results {
		taskID, err := l.rs.TaskIDForSarif(ctx, result.SarifID)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		profileID := "0"
		if result.BugProfileID != nil {
			profileID = strconv.FormatInt(*result.BugProfileID, 10)
		}
		record := &Record{
			Kind:      KindSarif,
			TaskID:    taskID,
			ID:        strconv.FormatInt(result.ID, 10),
			ProfileID: profileID,
			SarifID:   result.SarifID,
			Sarif:     NewSarifBody(result.Verdict, result.Description),
		}
		if interned, err := l.interned(ctx, record.Key()); err != nil || interned {
			if err != nil {
				return err
			}
			continue
		}
		if err := l.enqueue(ctx, record); err != nil {
			return err
		}
	}
	return nil
}

func (l *Loop) interned(ctx context.Context, key string) (bool, error) {
	_, err := l.cs.Get(ctx, key)
	if errors.Is(err, coordstore.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (l *Loop) enqueue(ctx context.Context, record *Record) error {
	if err := saveRecord(ctx, l.cs, record); err != nil {
		return err
	}
	return l.submitSet.Add(ctx, record.Key())
}

// submitOne creates one submission against the scoring API.
func (l *Loop) submitOne(ctx context.Context, key string) error {
	record, err := loadRecord(ctx, l.cs, key)
	if errors.Is(err, coordstore.ErrNotFound) {
		return l.submitSet.Remove(ctx, key)
	}
	if err != nil {
		return err
	}

	var result *Result
	switch record.Kind {
	case KindPOV:
		result, err = l.client.SubmitPOV(ctx, record.TaskID, record.POV)
	case KindPatch:
		result, err = l.client.SubmitPatch(ctx, record.TaskID, record.Patch)
	case KindSarif:
		result, err = l.client.SubmitSarifAssessment(ctx, record.TaskID, record.SarifID, record.Sarif)
	default:
		l.logger.Error().Str("kind", record.Kind).Msg("dropping submission of unknown kind")
		return l.discard(ctx, l.submitSet, key)
	}
	if err != nil {
		return err
	}

	if record.Kind == KindSarif {
		// SARIF assessments have no confirm phase.
		if result.Status == StatusErrored {
			return nil // retried next tick
		}
		id, _ := strconv.ParseInt(record.ID, 10, 64)
		if err := l.rs.MarkSarifResultSubmitted(ctx, id); err != nil {
			return err
		}
		return l.discard(ctx, l.submitSet, key)
	}

	switch result.Status {
	case StatusAccepted, StatusInconclusive:
		record.SubmissionID = result.SubmissionID()
		if err := saveRecord(ctx, l.cs, record); err != nil {
			return err
		}
		return l.submitSet.Move(ctx, key, l.confirmSet)
	case StatusErrored:
		return nil // server trouble, retried next tick
	default:
		// terminal at creation time
		if err := l.writeStatus(ctx, record, result); err != nil {
			return err
		}
		return l.discard(ctx, l.submitSet, key)
	}
}

// confirmOne polls one in-flight submission's verdict.
func (l *Loop) confirmOne(ctx context.Context, key string) error {
	record, err := loadRecord(ctx, l.cs, key)
	if errors.Is(err, coordstore.ErrNotFound) {
		return l.confirmSet.Remove(ctx, key)
	}
	if err != nil {
		return err
	}

	var result *Result
	switch record.Kind {
	case KindPOV:
		result, err = l.client.ConfirmPOV(ctx, record.TaskID, record.SubmissionID)
	case KindPatch:
		result, err = l.client.ConfirmPatch(ctx, record.TaskID, record.SubmissionID)
	default:
		return l.discard(ctx, l.confirmSet, key)
	}
	if err != nil {
		return err
	}

	switch result.Status {
	case StatusAccepted, StatusInconclusive:
		return nil // still pending
	case StatusErrored:
		if record.Kind == KindPOV {
			// server-side failure: resubmit from scratch
			record.SubmissionID = ""
			if err := saveRecord(ctx, l.cs, record); err != nil {
				return err
			}
			return l.confirmSet.Move(ctx, key, l.submitSet)
		}
	}

	if err := l.writeStatus(ctx, record, result); err != nil {
		return err
	}
	if result.Status == StatusPassed {
		if err := l.recordBundleHalf(ctx, record, result); err != nil {
			return err
		}
	}
	return l.discard(ctx, l.confirmSet, key)
}

// writeStatus persists a terminal verdict into the relational store.
func (l *Loop) writeStatus(ctx context.Context, record *Record, result *Result) error {
	switch record.Kind {
	case KindPOV:
		profileID, err := strconv.ParseInt(record.ProfileID, 10, 64)
		if err != nil {
			return fmt.Errorf("corrupt profile id in record %s: %w", record.Key(), err)
		}
		return l.rs.InsertBugProfileStatus(ctx, profileID, result.Status)
	case KindPatch:
		patchID, err := strconv.ParseInt(record.ID, 10, 64)
		if err != nil {
			return fmt.Errorf("corrupt patch id in record %s: %w", record.Key(), err)
		}
		return l.rs.InsertPatchStatus(ctx, patchID, result.Status, result.FunctionalityTestsPassing)
	}
	return nil
}

// recordBundleHalf stores one side of a POV+patch pair and enqueues the
// bundle once either side lands. The bundle step waits for the other
// half.
func (l *Loop) recordBundleHalf(ctx context.Context, record *Record, result *Result) error {
	switch record.Kind {
	case KindPOV:
		if err := l.cs.Set(ctx, coordstore.BundleProfileKey(record.ProfileID), record.SubmissionID, 0); err != nil {
			return err
		}
	case KindPatch:
		if result.FunctionalityTestsPassing == nil || !*result.FunctionalityTestsPassing {
			return nil
		}
		if err := l.cs.Set(ctx, coordstore.BundlePatchKey(record.ProfileID), record.SubmissionID, 0); err != nil {
			return err
		}
	}
	return l.bundleSet.Add(ctx, coordstore.BundleTaskKey(record.TaskID, record.ProfileID))
}

// bundleOne pairs an accepted POV with an accepted patch. A member with
// only one half recorded stays queued until the other verdict arrives.
func (l *Loop) bundleOne(ctx context.Context, member string) error {
	parts := strings.Split(member, ":")
	if len(parts) != 4 {
		l.logger.Error().Str("member", member).Msg("dropping malformed bundle member")
		return l.bundleSet.Remove(ctx, member)
	}
	taskID, profileID := parts[2], parts[3]

	povID, err := l.cs.Get(ctx, coordstore.BundleProfileKey(profileID))
	if errors.Is(err, coordstore.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	patchID, err := l.cs.Get(ctx, coordstore.BundlePatchKey(profileID))
	if errors.Is(err, coordstore.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	result, err := l.client.SubmitBundle(ctx, taskID, povID, patchID)
	if err != nil {
		return err
	}
	if result.Status == StatusErrored {
		return nil // retried next tick
	}
	l.logger.Info().Str("task_id", taskID).Str("profile_id", profileID).Msg("bundle submitted")
	return l.bundleSet.Remove(ctx, member)
}

// discard removes a member and its interned record.
func (l *Loop) discard(ctx context.Context, set *coordstore.WorkSet, key string) error {
	if err := l.cs.Del(ctx, key); err != nil {
		return err
	}
	return set.Remove(ctx, key)
}

// resolve maps a stored PoC path onto the local shared-storage mount.
func (l *Loop) resolve(path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(l.storage, path)
}
