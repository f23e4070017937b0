package triage

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/b3yond/bugbuster/pkg/build"
)

// ContainerReplayer is the production Replayer: cached builds through the
// build substrate and PoC replays inside this pod's runner container. The
// pod owns one runner at a time; switching tuples relaunches it with the
// new out directory mounted.
type ContainerReplayer struct {
	builder    *build.Builder
	runner     *build.Runner
	storageDir string
	fuzzerArgs string
	logger     zerolog.Logger

	// mu guards outDirs and serializes runner use: handlers run on
	// concurrent goroutines, and a relaunch for one tuple must not
	// interleave with a replay against another.
	mu      sync.Mutex
	current build.Tuple
	outDirs map[build.Tuple]string
}

// NewContainerReplayer wires the production replayer. slow selects the
// doubled per-input timeout used by the timeout/OOM processor pool.
func NewContainerReplayer(builder *build.Builder, runner *build.Runner, storageDir string, slow bool, logger zerolog.Logger) *ContainerReplayer {
	args := build.FuzzerArgsDefault
	if slow {
		args = build.FuzzerArgsSlow
	}
	return &ContainerReplayer{
		builder:    builder,
		runner:     runner,
		storageDir: storageDir,
		fuzzerArgs: args,
		logger:     logger,
		outDirs:    make(map[build.Tuple]string),
	}
}

// Prepare ensures the tuple's build exists and remembers its out
// directory for later runner launches.
func (r *ContainerReplayer) Prepare(ctx context.Context, t build.Tuple, in build.BuildInput) error {
	outDir, err := r.builder.EnsureBuild(ctx, t, in)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.outDirs[t] = outDir
	r.mu.Unlock()
	return nil
}

// Harnesses discovers fuzzer binaries in the tuple's out directory.
func (r *ContainerReplayer) Harnesses(ctx context.Context, t build.Tuple, project string) ([]string, error) {
	r.mu.Lock()
	outDir, ok := r.outDirs[t]
	r.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("tuple %s not prepared", t)
	}
	return build.DiscoverHarnesses(outDir)
}

// Replay runs one PoC against a harness. pocPath is an absolute path
// under the shared storage root; the runner sees storage mounted at /poc.
func (r *ContainerReplayer) Replay(ctx context.Context, t build.Tuple, harness, pocPath string) (string, build.ReplayResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	outDir, ok := r.outDirs[t]
	if !ok {
		return "", build.ReplayNoCrash, fmt.Errorf("tuple %s not prepared", t)
	}
	if r.current != t {
		if err := r.runner.Ensure(ctx, t, outDir, r.storageDir); err != nil {
			return "", build.ReplayNoCrash, err
		}
		r.current = t
	}

	rel, err := filepath.Rel(r.storageDir, pocPath)
	if err != nil || rel == ".." || strings.HasPrefix(rel, "../") {
		return "", build.ReplayNoCrash, fmt.Errorf("poc path %s is outside storage root", pocPath)
	}

	output, result, err := r.runner.Replay(ctx, harness, rel, r.fuzzerArgs)
	if err != nil {
		return output, result, err
	}
	if result == build.ReplayRunnerGone {
		// Force a relaunch on the next replay.
		r.current = build.Tuple{}
	}
	return output, result, nil
}
