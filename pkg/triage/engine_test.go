package triage

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"testing"

	"github.com/glebarez/sqlite"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/alicebob/miniredis/v2"

	"github.com/b3yond/bugbuster/pkg/build"
	"github.com/b3yond/bugbuster/pkg/coordstore"
	"github.com/b3yond/bugbuster/pkg/messages"
	"github.com/b3yond/bugbuster/pkg/queuebus"
	"github.com/b3yond/bugbuster/pkg/store"
)

type fakeReplayer struct {
	mu        sync.Mutex
	prepared  []build.Tuple
	harnesses []string
	// scripted replay verdicts keyed by tuple string
	outputs map[string]string
	results map[string]build.ReplayResult
}

func (f *fakeReplayer) Prepare(ctx context.Context, t build.Tuple, in build.BuildInput) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prepared = append(f.prepared, t)
	return nil
}

func (f *fakeReplayer) Harnesses(ctx context.Context, t build.Tuple, project string) ([]string, error) {
	return f.harnesses, nil
}

func (f *fakeReplayer) Replay(ctx context.Context, t build.Tuple, harness, pocPath string) (string, build.ReplayResult, error) {
	key := t.String()
	return f.outputs[key], f.results[key], nil
}

type published struct {
	queue    string
	body     []byte
	priority uint8
}

type fakePublisher struct {
	mu   sync.Mutex
	sent []published
}

func (f *fakePublisher) Publish(ctx context.Context, queue string, body []byte, opts ...queuebus.PublishOption) error {
	var scratch amqp.Publishing
	for _, opt := range opts {
		opt(&scratch)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, published{queue: queue, body: body, priority: scratch.Priority})
	return nil
}

func (f *fakePublisher) forQueue(queue string) []published {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []published
	for _, p := range f.sent {
		if p.queue == queue {
			out = append(out, p)
		}
	}
	return out
}

type engineFixture struct {
	engine   *Engine
	cs       *coordstore.Store
	rs       *store.Store
	replayer *fakeReplayer
	bus      *fakePublisher
}

func newEngineFixture(t *testing.T, role string, oracle Oracle) *engineFixture {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	cs := coordstore.NewWithClient(rdb)

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	// one in-memory database across all goroutines
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	rs := store.NewWithDB(db)
	require.NoError(t, rs.Migrate())

	replayer := &fakeReplayer{
		outputs: map[string]string{},
		results: map[string]build.ReplayResult{},
	}
	bus := &fakePublisher{}
	engine := NewEngine(cs, rs, bus, replayer, StackParser{}, oracle, role, zerolog.Nop())
	return &engineFixture{engine: engine, cs: cs, rs: rs, replayer: replayer, bus: bus}
}

func (f *engineFixture) seedTask(t *testing.T, id, taskType string) {
	t.Helper()
	ctx := context.Background()
	task := &store.Task{
		ID:          id,
		TaskType:    taskType,
		ProjectName: "mock1",
		Focus:       "mock1",
		Deadline:    1900000000000,
		Status:      store.TaskStatusProcessing,
	}
	require.NoError(t, f.rs.CreateTask(ctx, task, nil))
	require.NoError(t, f.cs.Set(ctx, coordstore.TaskStatusKey(id), coordstore.TaskStatusProcessing, 0))
}

func (f *engineFixture) seedBug(t *testing.T, taskID string) int64 {
	t.Helper()
	bug := &store.Bug{
		TaskID:      taskID,
		Poc:         "/crs/crash_backup/t1/poc-1",
		HarnessName: "fuzz_parse",
		Sanitizer:   "address",
	}
	require.NoError(t, f.rs.CreateBug(context.Background(), bug))
	return bug.ID
}

func triageMsg(taskID, taskType string, bugID int64) *messages.TriageMessage {
	return &messages.TriageMessage{
		BugID:       bugID,
		TaskID:      taskID,
		TaskType:    taskType,
		Sanitizer:   "address",
		HarnessName: "fuzz_parse",
		PocPath:     "/crs/crash_backup/t1/poc-1",
		ProjectName: "mock1",
		Focus:       "mock1",
	}
}

func TestEngineNewProfileFoundsClusterAndFansOut(t *testing.T) {
	f := newEngineFixture(t, "none", NoDedup{})
	ctx := context.Background()
	f.seedTask(t, "t1", messages.TaskTypeFull)
	bugID := f.seedBug(t, "t1")

	base := build.Tuple{TaskID: "t1", Sanitizer: "address", State: build.StateUnpatched}
	f.replayer.outputs[base.String()] = asanDump
	f.replayer.results[base.String()] = build.ReplayCrash

	require.NoError(t, f.engine.Handle(ctx, triageMsg("t1", messages.TaskTypeFull, bugID), false))

	profiles, err := f.rs.ProfilesForTask(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, profiles, 1)
	assert.Equal(t, "AddressSanitizer: heap-buffer-overflow", profiles[0].SanitizerBugType)
	assert.Equal(t, "/src/lib/parse.c:42:9", profiles[0].TriggerPoint)

	// fingerprint interned in the coordination store
	fp := Pentuple{
		TaskID:       "t1",
		Harness:      "fuzz_parse",
		Sanitizer:    "address",
		BugType:      profiles[0].SanitizerBugType,
		TriggerPoint: profiles[0].TriggerPoint,
	}.Fingerprint()
	cached, err := f.cs.Get(ctx, coordstore.TriageFingerprintKey("t1", fp))
	require.NoError(t, err)
	assert.Equal(t, strconv.FormatInt(profiles[0].ID, 10), cached)

	// founding bug linked, cluster created and recorded
	bugIDs, err := f.rs.BugIDsForProfile(ctx, profiles[0].ID)
	require.NoError(t, err)
	assert.Equal(t, []int64{bugID}, bugIDs)

	clusters, err := f.rs.ClustersForTask(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, clusters, 1)

	raw, err := f.cs.HGet(ctx, coordstore.TaskBugClustersKey, "t1")
	require.NoError(t, err)
	var recorded []int64
	require.NoError(t, json.Unmarshal([]byte(raw), &recorded))
	assert.Equal(t, clusters, recorded)

	// a new cluster gets three generic patch attempts at high priority
	patches := f.bus.forQueue(queuebus.QueuePatch)
	require.Len(t, patches, 3)
	for _, p := range patches {
		var msg messages.PatchMessage
		require.NoError(t, json.Unmarshal(p.body, &msg))
		assert.Equal(t, profiles[0].ID, msg.BugProfileID)
		assert.Equal(t, messages.PatchModeGeneric, msg.PatchMode)
		assert.GreaterOrEqual(t, p.priority, uint8(8))
		assert.LessOrEqual(t, p.priority, uint8(10))
	}
}

func TestEngineSecondBugJoinsProfileAndFansOutFast(t *testing.T) {
	f := newEngineFixture(t, "none", NoDedup{})
	ctx := context.Background()
	f.seedTask(t, "t1", messages.TaskTypeFull)
	first := f.seedBug(t, "t1")
	second := f.seedBug(t, "t1")

	base := build.Tuple{TaskID: "t1", Sanitizer: "address", State: build.StateUnpatched}
	f.replayer.outputs[base.String()] = asanDump
	f.replayer.results[base.String()] = build.ReplayCrash

	require.NoError(t, f.engine.Handle(ctx, triageMsg("t1", messages.TaskTypeFull, first), false))
	f.bus.sent = nil
	require.NoError(t, f.engine.Handle(ctx, triageMsg("t1", messages.TaskTypeFull, second), false))

	// still one profile, now carrying both bugs
	profiles, err := f.rs.ProfilesForTask(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, profiles, 1)
	bugIDs, err := f.rs.BugIDsForProfile(ctx, profiles[0].ID)
	require.NoError(t, err)
	assert.Equal(t, []int64{first, second}, bugIDs)

	// known profile nudges the patch pipeline at fast priority
	patches := f.bus.forQueue(queuebus.QueuePatch)
	require.Len(t, patches, 1)
	var msg messages.PatchMessage
	require.NoError(t, json.Unmarshal(patches[0].body, &msg))
	assert.Equal(t, messages.PatchModeFast, msg.PatchMode)
	assert.GreaterOrEqual(t, patches[0].priority, uint8(3))
	assert.LessOrEqual(t, patches[0].priority, uint8(7))
}

// Two workers triaging the same crash identity at once must converge on
// a single profile carrying both bugs; the per-fingerprint and per-task
// creation locks are what prevent a duplicate row.
func TestEngineConcurrentDuplicateCrashesShareOneProfile(t *testing.T) {
	f := newEngineFixture(t, "none", NoDedup{})
	ctx := context.Background()
	f.seedTask(t, "t1", messages.TaskTypeFull)
	first := f.seedBug(t, "t1")
	second := f.seedBug(t, "t1")

	base := build.Tuple{TaskID: "t1", Sanitizer: "address", State: build.StateUnpatched}
	f.replayer.outputs[base.String()] = asanDump
	f.replayer.results[base.String()] = build.ReplayCrash

	var wg sync.WaitGroup
	errs := make(chan error, 2)
	for _, bugID := range []int64{first, second} {
		wg.Add(1)
		go func(id int64) {
			defer wg.Done()
			errs <- f.engine.Handle(ctx, triageMsg("t1", messages.TaskTypeFull, id), false)
		}(bugID)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	profiles, err := f.rs.ProfilesForTask(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, profiles, 1)

	bugIDs, err := f.rs.BugIDsForProfile(ctx, profiles[0].ID)
	require.NoError(t, err)
	assert.ElementsMatch(t, []int64{first, second}, bugIDs)

	clusters, err := f.rs.ClustersForTask(ctx, "t1")
	require.NoError(t, err)
	assert.Len(t, clusters, 1)

	// exactly one worker founded the profile; its fingerprint is interned
	fp := Pentuple{
		TaskID:       "t1",
		Harness:      "fuzz_parse",
		Sanitizer:    "address",
		BugType:      profiles[0].SanitizerBugType,
		TriggerPoint: profiles[0].TriggerPoint,
	}.Fingerprint()
	cached, err := f.cs.Get(ctx, coordstore.TriageFingerprintKey("t1", fp))
	require.NoError(t, err)
	assert.Equal(t, strconv.FormatInt(profiles[0].ID, 10), cached)
}

func TestEngineDeltaBaseCrashIsIgnored(t *testing.T) {
	f := newEngineFixture(t, "none", NoDedup{})
	ctx := context.Background()
	f.seedTask(t, "t1", messages.TaskTypeDelta)
	bugID := f.seedBug(t, "t1")

	base := build.Tuple{TaskID: "t1", Sanitizer: "address", State: build.StateUnpatched}
	patched := build.Tuple{TaskID: "t1", Sanitizer: "address", State: build.StatePatched}
	f.replayer.outputs[base.String()] = asanDump
	f.replayer.results[base.String()] = build.ReplayCrash
	f.replayer.outputs[patched.String()] = asanDump
	f.replayer.results[patched.String()] = build.ReplayCrash

	msg := triageMsg("t1", messages.TaskTypeDelta, bugID)
	msg.Diff = "/crs/src/t1.diff"
	require.NoError(t, f.engine.Handle(ctx, msg, false))

	profiles, err := f.rs.ProfilesForTask(ctx, "t1")
	require.NoError(t, err)
	assert.Empty(t, profiles)
	assert.Empty(t, f.bus.sent)
}

func TestEngineDeltaPatchedOnlyCrashIsDiffOnly(t *testing.T) {
	f := newEngineFixture(t, "none", NoDedup{})
	ctx := context.Background()
	f.seedTask(t, "t1", messages.TaskTypeDelta)
	bugID := f.seedBug(t, "t1")

	base := build.Tuple{TaskID: "t1", Sanitizer: "address", State: build.StateUnpatched}
	patched := build.Tuple{TaskID: "t1", Sanitizer: "address", State: build.StatePatched}
	f.replayer.results[base.String()] = build.ReplayNoCrash
	f.replayer.outputs[patched.String()] = asanDump
	f.replayer.results[patched.String()] = build.ReplayCrash

	msg := triageMsg("t1", messages.TaskTypeDelta, bugID)
	msg.Diff = "/crs/src/t1.diff"
	require.NoError(t, f.engine.Handle(ctx, msg, false))

	profiles, err := f.rs.ProfilesForTask(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, profiles, 1)
	bugIDs, err := f.rs.BugIDsForProfile(ctx, profiles[0].ID)
	require.NoError(t, err)
	assert.Equal(t, []int64{bugID}, bugIDs)

	// both tuples were prepared: base for the gate, patched for the replay
	assert.Contains(t, f.replayer.prepared, base)
	assert.Contains(t, f.replayer.prepared, patched)
}

func TestEngineInactiveTaskIsSkipped(t *testing.T) {
	f := newEngineFixture(t, "none", NoDedup{})
	ctx := context.Background()
	f.seedTask(t, "t1", messages.TaskTypeFull)
	bugID := f.seedBug(t, "t1")
	require.NoError(t, f.cs.Set(ctx, coordstore.TaskStatusKey("t1"), coordstore.TaskStatusCanceled, 0))

	require.NoError(t, f.engine.Handle(ctx, triageMsg("t1", messages.TaskTypeFull, bugID), false))
	assert.Empty(t, f.replayer.prepared)
	assert.Empty(t, f.bus.sent)
}

func TestEngineSenderForwardsTimeoutBugs(t *testing.T) {
	f := newEngineFixture(t, "sender", NoDedup{})
	ctx := context.Background()
	f.seedTask(t, "t1", messages.TaskTypeFull)
	bugID := f.seedBug(t, "t1")

	base := build.Tuple{TaskID: "t1", Sanitizer: "address", State: build.StateUnpatched}
	f.replayer.outputs[base.String()] = timeoutDump
	f.replayer.results[base.String()] = build.ReplayTimeout

	require.NoError(t, f.engine.Handle(ctx, triageMsg("t1", messages.TaskTypeFull, bugID), false))

	// forwarded, not triaged inline
	forwarded := f.bus.forQueue(queuebus.QueueTimeout)
	require.Len(t, forwarded, 1)
	assert.Equal(t, uint8(queuebus.PriorityMax), forwarded[0].priority)
	profiles, err := f.rs.ProfilesForTask(ctx, "t1")
	require.NoError(t, err)
	assert.Empty(t, profiles)

	// the processor side triages the same message instead of re-forwarding
	require.NoError(t, f.engine.Handle(ctx, triageMsg("t1", messages.TaskTypeFull, bugID), true))
	profiles, err = f.rs.ProfilesForTask(ctx, "t1")
	require.NoError(t, err)
	assert.Len(t, profiles, 1)
}
