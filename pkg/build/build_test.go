package build

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/b3yond/bugbuster/pkg/config"
	"github.com/b3yond/bugbuster/pkg/coordstore"
)

func TestClassifyReplay(t *testing.T) {
	assert.Equal(t, ReplayNoCrash, ClassifyReplay("ran 10 inputs", 0))
	assert.Equal(t, ReplayCrash, ClassifyReplay("ERROR: AddressSanitizer: heap-use-after-free", 1))
	assert.Equal(t, ReplayTimeout, ClassifyReplay("", 70))
	assert.Equal(t, ReplayTimeout, ClassifyReplay("==12== libFuzzer: timeout after 25 seconds", 1))
	assert.Equal(t, ReplayRunnerGone, ClassifyReplay("", 137))
	assert.Equal(t, ReplayRunnerGone, ClassifyReplay("Error: No such container: reproducer_triage_runner_pod1", 1))
}

func TestKnownSanitizer(t *testing.T) {
	for _, s := range []string{"address", "memory", "undefined", "thread", "none"} {
		assert.True(t, KnownSanitizer(s))
	}
	assert.False(t, KnownSanitizer("hwaddress"))
	assert.False(t, KnownSanitizer("*"))
	assert.Equal(t, []string{"address", "memory", "undefined"}, WildcardSanitizers)
}

func TestDiscoverHarnesses(t *testing.T) {
	dir := t.TempDir()

	write := func(name string, mode os.FileMode, content string) {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), mode))
	}
	write("fuzz_target", 0755, "\x7fELF...LLVMFuzzerTestOneInput...")
	write("JsonFuzzer", 0755, "PK...fuzzerTestOneInput...")
	write("helper.sh", 0755, "#!/bin/sh\necho hi\n")          // no marker
	write("notes.txt", 0644, "LLVMFuzzerTestOneInput")        // not executable
	write("libcommon.so", 0755, "LLVMFuzzerTestOneInput")     // library
	require.NoError(t, os.Mkdir(filepath.Join(dir, "seeds"), 0755))

	harnesses, err := DiscoverHarnesses(dir)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"fuzz_target", "JsonFuzzer"}, harnesses)
}

func newBuildTestStore(t *testing.T) *coordstore.Store {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return coordstore.NewWithClient(rdb)
}

func TestEnsureBuildWritesDoneOnce(t *testing.T) {
	cs := newBuildTestStore(t)
	ctx := context.Background()
	storage := t.TempDir()

	cfg := config.DefaultConfig().Build
	b := NewBuilder(cs, cfg, storage, zerolog.Nop())

	var helperCalls []string
	b.runHelper = func(ctx context.Context, toolingDir string, args ...string) error {
		helperCalls = append(helperCalls, args[0])
		if args[0] == "build_fuzzers" {
			// simulate a build landing fuzzers in the out dir
			out := filepath.Join(toolingDir, "build", "out", "mock1")
			require.NoError(t, os.MkdirAll(out, 0755))
			require.NoError(t, os.WriteFile(filepath.Join(out, "fuzz_target"), []byte("LLVMFuzzerTestOneInput"), 0755))
		}
		return nil
	}

	tuple := Tuple{TaskID: "t1", Sanitizer: SanitizerAddress, State: StateUnpatched}
	in := BuildInput{ProjectName: "mock1", Focus: "mock1"}

	out, err := b.EnsureBuild(ctx, tuple, in)
	require.NoError(t, err)
	assert.DirExists(t, out)
	assert.Equal(t, []string{"build_image", "build_fuzzers", "check_build"}, helperCalls)

	status, err := cs.Get(ctx, coordstore.BuildStatusKey("t1", SanitizerAddress, StateUnpatched))
	require.NoError(t, err)
	assert.Equal(t, coordstore.BuildStatusDone, status)

	// Second build reuses the cache and never touches the helper.
	helperCalls = nil
	out2, err := b.EnsureBuild(ctx, tuple, in)
	require.NoError(t, err)
	assert.Equal(t, out, out2)
	assert.Empty(t, helperCalls)
}
