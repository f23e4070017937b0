package worker

import (
	"context"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/b3yond/bugbuster/pkg/coordstore"
	"github.com/b3yond/bugbuster/pkg/messages"
	"github.com/b3yond/bugbuster/pkg/store"
)

type fakePatchGen struct {
	diff  string
	model string
	calls int
}

func (g *fakePatchGen) Generate(ctx context.Context, profile *store.BugProfile, bugs []store.Bug, mode string) (string, string, error) {
	g.calls++
	return g.diff, g.model, nil
}

type fakeVerifier struct {
	repaired map[int64]bool
}

func (v *fakeVerifier) Verify(ctx context.Context, task *store.Task, profile *store.BugProfile, diff string, bugs []store.Bug) (map[int64]bool, error) {
	return v.repaired, nil
}

func newTestRS(t *testing.T) *store.Store {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	rs := store.NewWithDB(db)
	require.NoError(t, rs.Migrate())
	return rs
}

func seedProfileWithBugs(t *testing.T, rs *store.Store, cs *coordstore.Store, taskID string, bugCount int) (*store.BugProfile, []int64) {
	t.Helper()
	ctx := context.Background()
	task := &store.Task{
		ID:          taskID,
		TaskType:    messages.TaskTypeFull,
		ProjectName: "mock1",
		Focus:       "mock1",
		Deadline:    1900000000000,
		Status:      store.TaskStatusProcessing,
	}
	require.NoError(t, rs.CreateTask(ctx, task, nil))
	require.NoError(t, cs.Set(ctx, coordstore.TaskStatusKey(taskID), coordstore.TaskStatusProcessing, 0))

	profile := &store.BugProfile{
		TaskID:           taskID,
		HarnessName:      "fuzz_parse",
		Sanitizer:        "address",
		SanitizerBugType: "heap-buffer-overflow",
		TriggerPoint:     "parse.c:42",
	}
	require.NoError(t, rs.CreateBugProfile(ctx, profile))

	var bugIDs []int64
	for i := 0; i < bugCount; i++ {
		bug := &store.Bug{TaskID: taskID, Poc: "/crs/poc", HarnessName: "fuzz_parse", Sanitizer: "address"}
		require.NoError(t, rs.CreateBug(ctx, bug))
		require.NoError(t, rs.EnsureBugGroup(ctx, bug.ID, profile.ID, false))
		bugIDs = append(bugIDs, bug.ID)
	}
	return profile, bugIDs
}

func patchMsg(t *testing.T, profileID int64, mode string) []byte {
	t.Helper()
	body, err := messages.Encode(&messages.PatchMessage{BugProfileID: profileID, PatchMode: mode})
	require.NoError(t, err)
	return body
}

func TestPatchStageRecordsVerifiedPatch(t *testing.T) {
	cs := newTestCS(t)
	rs := newTestRS(t)
	ctx := context.Background()
	profile, bugIDs := seedProfileWithBugs(t, rs, cs, "t1", 2)

	gen := &fakePatchGen{diff: "--- a/parse.c\n+++ b/parse.c\n", model: "m1"}
	verifier := &fakeVerifier{repaired: map[int64]bool{bugIDs[0]: true, bugIDs[1]: false}}
	stage := NewPatchStage(cs, rs, gen, verifier, zerolog.Nop())

	require.NoError(t, stage.Handle(ctx, patchMsg(t, profile.ID, messages.PatchModeGeneric), nil))

	patches, err := rs.PatchesForProfiles(ctx, []int64{profile.ID})
	require.NoError(t, err)
	require.Len(t, patches, 1)
	assert.Equal(t, "m1", patches[0].Model)

	repaired, err := rs.RepairedBugIDs(ctx, patches[0].ID)
	require.NoError(t, err)
	assert.True(t, repaired[bugIDs[0]])
	assert.False(t, repaired[bugIDs[1]])
}

func TestPatchStageSkipsSaturatedProfile(t *testing.T) {
	cs := newTestCS(t)
	rs := newTestRS(t)
	ctx := context.Background()
	profile, _ := seedProfileWithBugs(t, rs, cs, "t1", 1)

	for i := 0; i < maxValidPatches; i++ {
		require.NoError(t, rs.CreatePatch(ctx, &store.Patch{BugProfileID: profile.ID, Patch: "d"}, nil))
	}

	gen := &fakePatchGen{diff: "d"}
	stage := NewPatchStage(cs, rs, gen, &fakeVerifier{}, zerolog.Nop())
	err := stage.Handle(ctx, patchMsg(t, profile.ID, messages.PatchModeFast), nil)
	assert.Equal(t, OutcomeAck, Classify(err))
	assert.Zero(t, gen.calls)
}

func TestPatchStageInactiveTaskSkips(t *testing.T) {
	cs := newTestCS(t)
	rs := newTestRS(t)
	ctx := context.Background()
	profile, _ := seedProfileWithBugs(t, rs, cs, "t1", 1)
	require.NoError(t, cs.Set(ctx, coordstore.TaskStatusKey("t1"), coordstore.TaskStatusCanceled, 0))

	gen := &fakePatchGen{diff: "d"}
	stage := NewPatchStage(cs, rs, gen, &fakeVerifier{}, zerolog.Nop())
	err := stage.Handle(ctx, patchMsg(t, profile.ID, messages.PatchModeFast), nil)
	assert.Equal(t, OutcomeAck, Classify(err))
	assert.Zero(t, gen.calls)
}

func TestPatchStageModeNoneSkips(t *testing.T) {
	cs := newTestCS(t)
	rs := newTestRS(t)
	stage := NewPatchStage(cs, rs, &fakePatchGen{}, &fakeVerifier{}, zerolog.Nop())
	err := stage.Handle(context.Background(), patchMsg(t, 1, messages.PatchModeNone), nil)
	assert.Equal(t, OutcomeAck, Classify(err))
}

func TestPatchStageUnknownProfileIsPoison(t *testing.T) {
	cs := newTestCS(t)
	rs := newTestRS(t)
	stage := NewPatchStage(cs, rs, &fakePatchGen{}, &fakeVerifier{}, zerolog.Nop())
	err := stage.Handle(context.Background(), patchMsg(t, 999, messages.PatchModeFast), nil)
	assert.Equal(t, OutcomeDrop, Classify(err))
}
