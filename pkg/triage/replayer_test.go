package triage

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/b3yond/bugbuster/pkg/build"
	"github.com/b3yond/bugbuster/pkg/config"
	"github.com/b3yond/bugbuster/pkg/coordstore"
)

// newCachedReplayer backs a replayer with builds already marked done in
// the coordination store, so Prepare resolves to the shared cache without
// running the helper.
func newCachedReplayer(t *testing.T, taskID, project string, sanitizers []string) *ContainerReplayer {
	t.Helper()
	ctx := context.Background()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	cs := coordstore.NewWithClient(rdb)

	storage := t.TempDir()
	builder := build.NewBuilder(cs, config.BuildConfig{BuildLockTTL: time.Minute}, storage, zerolog.Nop())

	for _, san := range sanitizers {
		tuple := build.Tuple{TaskID: taskID, Sanitizer: san, State: build.StateUnpatched}
		outDir := builder.SharedOutDir(tuple, project)
		require.NoError(t, os.MkdirAll(outDir, 0755))
		require.NoError(t, os.WriteFile(filepath.Join(outDir, "fuzz_parse"), []byte("LLVMFuzzerTestOneInput"), 0755))
		require.NoError(t, cs.Set(ctx, coordstore.BuildStatusKey(taskID, san, build.StateUnpatched), coordstore.BuildStatusDone, 0))
	}
	return NewContainerReplayer(builder, nil, storage, false, zerolog.Nop())
}

// Triage handlers run on concurrent goroutines and share one replayer;
// preparing several tuples at once must not corrupt its build cache.
func TestContainerReplayerConcurrentPrepare(t *testing.T) {
	sanitizers := []string{"address", "memory", "undefined"}
	r := newCachedReplayer(t, "t1", "mock1", sanitizers)
	ctx := context.Background()
	in := build.BuildInput{ProjectName: "mock1", Focus: "mock1"}

	var wg sync.WaitGroup
	errs := make(chan error, len(sanitizers)*4)
	for i := 0; i < 4; i++ {
		for _, san := range sanitizers {
			tuple := build.Tuple{TaskID: "t1", Sanitizer: san, State: build.StateUnpatched}
			wg.Add(1)
			go func(tp build.Tuple) {
				defer wg.Done()
				errs <- r.Prepare(ctx, tp, in)
			}(tuple)
		}
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	for _, san := range sanitizers {
		tuple := build.Tuple{TaskID: "t1", Sanitizer: san, State: build.StateUnpatched}
		harnesses, err := r.Harnesses(ctx, tuple, "mock1")
		require.NoError(t, err)
		assert.Equal(t, []string{"fuzz_parse"}, harnesses)
	}
}

func TestContainerReplayerUnpreparedTuple(t *testing.T) {
	r := newCachedReplayer(t, "t1", "mock1", []string{"address"})
	ctx := context.Background()
	tuple := build.Tuple{TaskID: "t1", Sanitizer: "memory", State: build.StateUnpatched}

	_, err := r.Harnesses(ctx, tuple, "mock1")
	assert.ErrorContains(t, err, "not prepared")

	_, _, err = r.Replay(ctx, tuple, "fuzz_parse", "/poc")
	assert.ErrorContains(t, err, "not prepared")
}
