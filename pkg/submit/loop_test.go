package submit

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/glebarez/sqlite"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/b3yond/bugbuster/pkg/config"
	"github.com/b3yond/bugbuster/pkg/coordstore"
	"github.com/b3yond/bugbuster/pkg/store"
)

func newTestCS(t *testing.T) *coordstore.Store {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return coordstore.NewWithClient(rdb)
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

// scoringStub fakes the competition API. Submission ids are sequential;
// confirm verdicts come from the verdicts map keyed by submission id.
type scoringStub struct {
	t        *testing.T
	next     int
	verdicts map[string]map[string]interface{}
	bundles  []map[string]string
}

func (s *scoringStub) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user, _, ok := r.BasicAuth()
		require.True(s.t, ok)
		require.Equal(s.t, "key-id", user)

		parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
		// v1 / task / <tid> / <kind> [/ <submission id>]
		require.GreaterOrEqual(s.t, len(parts), 4)
		kind := parts[3]

		switch {
		case r.Method == http.MethodPost && kind == "bundle":
			var body map[string]string
			require.NoError(s.t, json.NewDecoder(r.Body).Decode(&body))
			s.bundles = append(s.bundles, body)
			writeJSON(w, map[string]interface{}{"status": "accepted"})
		case r.Method == http.MethodPost:
			s.next++
			id := fmt.Sprintf("S%d", s.next)
			writeJSON(w, map[string]interface{}{"status": "accepted", kind + "_id": id})
		case r.Method == http.MethodGet:
			id := parts[4]
			verdict, ok := s.verdicts[id]
			require.True(s.t, ok, "confirm for unknown submission %s", id)
			writeJSON(w, verdict)
		default:
			http.Error(w, "bad request", http.StatusBadRequest)
		}
	}
}

func writeJSON(w http.ResponseWriter, body map[string]interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(body)
}

type loopFixture struct {
	cs   *coordstore.Store
	rs   *store.Store
	loop *Loop
	stub *scoringStub
}

func newLoopFixture(t *testing.T) *loopFixture {
	t.Helper()
	stub := &scoringStub{t: t, verdicts: map[string]map[string]interface{}{}}
	server := httptest.NewServer(stub.handler())
	t.Cleanup(server.Close)

	cs := newTestCS(t)
	rs := newTestRS(t)
	client := NewClient(config.ScoringConfig{BaseURL: server.URL, KeyID: "key-id", KeyToken: "secret"})
	loop := NewLoop(cs, rs, client, t.TempDir(), zerolog.Nop())
	return &loopFixture{cs: cs, rs: rs, loop: loop, stub: stub}
}

func (f *loopFixture) seedProfileWithBug(t *testing.T, taskID string) *store.BugProfile {
	t.Helper()
	ctx := context.Background()
	task := &store.Task{
		ID:          taskID,
		TaskType:    "full",
		ProjectName: "mock1",
		Focus:       "mock1",
		Deadline:    1900000000000,
		Status:      store.TaskStatusProcessing,
	}
	require.NoError(t, rsCreateTask(f.rs, task))

	profile := &store.BugProfile{
		TaskID:           taskID,
		HarnessName:      "fuzz_parse",
		Sanitizer:        "address",
		SanitizerBugType: "heap-buffer-overflow",
		TriggerPoint:     "parse.c:42",
	}
	require.NoError(t, f.rs.CreateBugProfile(ctx, profile))

	poc := filepath.Join(t.TempDir(), "poc")
	require.NoError(t, os.WriteFile(poc, []byte("crash input"), 0644))
	bug := &store.Bug{TaskID: taskID, Poc: poc, HarnessName: "fuzz_parse", Sanitizer: "address"}
	require.NoError(t, f.rs.CreateBug(ctx, bug))
	require.NoError(t, f.rs.EnsureBugGroup(ctx, bug.ID, profile.ID, false))
	return profile
}

func rsCreateTask(rs *store.Store, task *store.Task) error {
	return rs.CreateTask(context.Background(), task, nil)
}

func TestPOVResubmittedAfterServerError(t *testing.T) {
	f := newLoopFixture(t)
	ctx := context.Background()
	profile := f.seedProfileWithBug(t, "t1")

	// first attempt errors server-side, the retry passes
	f.stub.verdicts["S1"] = map[string]interface{}{"status": "errored"}
	f.stub.verdicts["S2"] = map[string]interface{}{"status": "passed"}

	f.loop.Tick(ctx) // materialize + submit (S1)
	f.loop.Tick(ctx) // confirm errored, key back to submit set
	f.loop.Tick(ctx) // resubmit (S2)
	f.loop.Tick(ctx) // confirm passed

	var statuses []store.BugProfileStatus
	require.NoError(t, f.rs.DB(ctx).Where("bug_profile_id = ?", profile.ID).Find(&statuses).Error)
	require.Len(t, statuses, 1)
	assert.Equal(t, store.SubmissionPassed, statuses[0].Status)

	povID, err := f.cs.Get(ctx, coordstore.BundleProfileKey(fmt.Sprintf("%d", profile.ID)))
	require.NoError(t, err)
	assert.Equal(t, "S2", povID)

	// two POV creates, the retry and nothing more
	assert.Equal(t, 2, f.stub.next)
}

func TestPassedPatchAndPOVBundle(t *testing.T) {
	f := newLoopFixture(t)
	ctx := context.Background()
	profile := f.seedProfileWithBug(t, "t1")
	profileID := fmt.Sprintf("%d", profile.ID)

	// the POV verdict already landed, only the patch flows through
	require.NoError(t, f.rs.InsertBugProfileStatus(ctx, profile.ID, store.SubmissionPassed))
	require.NoError(t, f.cs.Set(ctx, coordstore.BundleProfileKey(profileID), "S9", 0))

	patch := &store.Patch{BugProfileID: profile.ID, Patch: "--- a/parse.c\n+++ b/parse.c\n"}
	require.NoError(t, f.rs.CreatePatch(ctx, patch, nil))
	require.NoError(t, f.rs.InsertPatchSubmit(ctx, nil, patch.ID))

	f.stub.verdicts["S1"] = map[string]interface{}{
		"status":                      "passed",
		"functionality_tests_passing": true,
	}

	f.loop.Tick(ctx) // materialize + submit patch
	f.loop.Tick(ctx) // confirm passed, bundle enqueued and paired

	var statuses []store.PatchStatus
	require.NoError(t, f.rs.DB(ctx).Where("patch_id = ?", patch.ID).Find(&statuses).Error)
	require.Len(t, statuses, 1)
	assert.Equal(t, store.SubmissionPassed, statuses[0].Status)
	require.NotNil(t, statuses[0].FunctionalityTestsPassing)
	assert.True(t, *statuses[0].FunctionalityTestsPassing)

	require.Len(t, f.stub.bundles, 1)
	assert.Equal(t, map[string]string{"pov_id": "S9", "patch_id": "S1"}, f.stub.bundles[0])

	members, err := f.cs.SMembers(ctx, "bundle_queue")
	require.NoError(t, err)
	assert.Empty(t, members)
}

func TestFailedPOVWritesSingleTerminalRow(t *testing.T) {
	f := newLoopFixture(t)
	ctx := context.Background()
	profile := f.seedProfileWithBug(t, "t1")

	f.stub.verdicts["S1"] = map[string]interface{}{"status": "failed"}

	f.loop.Tick(ctx)
	f.loop.Tick(ctx)
	f.loop.Tick(ctx) // no re-materialization after the verdict

	var statuses []store.BugProfileStatus
	require.NoError(t, f.rs.DB(ctx).Where("bug_profile_id = ?", profile.ID).Find(&statuses).Error)
	require.Len(t, statuses, 1)
	assert.Equal(t, store.SubmissionFailed, statuses[0].Status)
	assert.Equal(t, 1, f.stub.next)
}
