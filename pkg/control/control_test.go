package control

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/glebarez/sqlite"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/b3yond/bugbuster/pkg/build"
	"github.com/b3yond/bugbuster/pkg/coordstore"
	"github.com/b3yond/bugbuster/pkg/messages"
	"github.com/b3yond/bugbuster/pkg/queuebus"
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

type fakeBus struct {
	published []struct {
		queue string
		body  []byte
	}
	err error
}

func (b *fakeBus) Publish(ctx context.Context, queue string, body []byte, opts ...queuebus.PublishOption) error {
	if b.err != nil {
		return b.err
	}
	b.published = append(b.published, struct {
		queue string
		body  []byte
	}{queue, body})
	return nil
}

type emptyHostPool struct{}

func (emptyHostPool) AllHosts(ctx context.Context) []*build.DockerClient { return nil }

func admitTask(t *testing.T, plane *Plane, id string) {
	t.Helper()
	task := &store.Task{
		ID:          id,
		TaskType:    messages.TaskTypeFull,
		ProjectName: "mock1",
		Focus:       "mock1",
		Deadline:    time.Now().Add(time.Hour).UnixMilli(),
	}
	sources := []store.Source{
		{Type: store.SourceRepo, Path: "/crs/tasks/" + id + "/repo.tar.gz"},
		{Type: store.SourceFuzzTooling, Path: "/crs/tasks/" + id + "/oss-fuzz.tar.gz"},
	}
	require.NoError(t, plane.CreateTask(context.Background(), task, sources))
}

func TestPlaneDispatchesPendingTask(t *testing.T) {
	cs := newTestCS(t)
	rs := newTestRS(t)
	bus := &fakeBus{}
	plane := NewPlane(cs, rs, bus, zerolog.Nop())
	ctx := context.Background()

	admitTask(t, plane, "t1")
	require.NoError(t, plane.DispatchPending(ctx))

	require.Len(t, bus.published, 1)
	assert.Equal(t, queuebus.QueueCorpus, bus.published[0].queue)

	var msg messages.TaskMessage
	require.NoError(t, messages.Decode(bus.published[0].body, &msg))
	assert.Equal(t, "t1", msg.TaskID)
	assert.Equal(t, []string{"/crs/tasks/t1/repo.tar.gz"}, msg.Repo)
	assert.Equal(t, "/crs/tasks/t1/oss-fuzz.tar.gz", msg.FuzzingTooling)

	task, err := rs.TaskByID(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, store.TaskStatusProcessing, task.Status)

	status, err := cs.Get(ctx, coordstore.TaskStatusKey("t1"))
	require.NoError(t, err)
	assert.Equal(t, coordstore.TaskStatusProcessing, status)
}

func TestPlaneErrorsTaskAfterRepeatedDispatchFailures(t *testing.T) {
	cs := newTestCS(t)
	rs := newTestRS(t)
	bus := &fakeBus{err: errors.New("broker down")}
	plane := NewPlane(cs, rs, bus, zerolog.Nop())
	ctx := context.Background()

	admitTask(t, plane, "t1")
	for i := 0; i < maxDispatchFailures; i++ {
		require.NoError(t, plane.DispatchPending(ctx))
	}

	task, err := rs.TaskByID(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, store.TaskStatusErrored, task.Status)

	status, err := cs.Get(ctx, coordstore.TaskStatusKey("t1"))
	require.NoError(t, err)
	assert.Equal(t, coordstore.TaskStatusErrored, status)
}

func TestReaperRetiresExpiredTask(t *testing.T) {
	cs := newTestCS(t)
	rs := newTestRS(t)
	ctx := context.Background()

	task := &store.Task{
		ID:          "t1",
		TaskType:    messages.TaskTypeFull,
		ProjectName: "mock1",
		Focus:       "mock1",
		Deadline:    time.Now().Add(-time.Minute).UnixMilli(),
		Status:      store.TaskStatusProcessing,
	}
	require.NoError(t, rs.CreateTask(ctx, task, nil))
	require.NoError(t, cs.Set(ctx, coordstore.TaskStatusKey("t1"), coordstore.TaskStatusProcessing, 0))
	require.NoError(t, cs.Set(ctx, coordstore.RetryCountKey("t1"), "2", 0))

	reaper := NewReaper(cs, rs, emptyHostPool{}, time.Minute, zerolog.Nop())
	require.NoError(t, reaper.Tick(ctx))

	got, err := rs.TaskByID(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, store.TaskStatusSucceeded, got.Status)

	// swept: residual keys are gone
	_, err = cs.Get(ctx, coordstore.TaskStatusKey("t1"))
	assert.ErrorIs(t, err, coordstore.ErrNotFound)
	_, err = cs.Get(ctx, coordstore.RetryCountKey("t1"))
	assert.ErrorIs(t, err, coordstore.ErrNotFound)
}

func TestReaperLeavesActiveTaskAlone(t *testing.T) {
	cs := newTestCS(t)
	rs := newTestRS(t)
	ctx := context.Background()

	task := &store.Task{
		ID:          "t1",
		TaskType:    messages.TaskTypeFull,
		ProjectName: "mock1",
		Focus:       "mock1",
		Deadline:    time.Now().Add(time.Hour).UnixMilli(),
		Status:      store.TaskStatusProcessing,
	}
	require.NoError(t, rs.CreateTask(ctx, task, nil))
	require.NoError(t, cs.Set(ctx, coordstore.TaskStatusKey("t1"), coordstore.TaskStatusProcessing, 0))

	reaper := NewReaper(cs, rs, emptyHostPool{}, time.Minute, zerolog.Nop())
	require.NoError(t, reaper.Tick(ctx))

	got, err := rs.TaskByID(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, store.TaskStatusProcessing, got.Status)

	status, err := cs.Get(ctx, coordstore.TaskStatusKey("t1"))
	require.NoError(t, err)
	assert.Equal(t, coordstore.TaskStatusProcessing, status)
}
