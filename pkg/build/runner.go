package build

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"

	"github.com/b3yond/bugbuster/pkg/config"
	"github.com/b3yond/bugbuster/pkg/coordstore"
)

// Replay verdicts.
type ReplayResult int

const (
	// ReplayNoCrash means the PoC ran clean (exit 0).
	ReplayNoCrash ReplayResult = iota
	// ReplayCrash means the sanitizer aborted the run.
	ReplayCrash
	// ReplayTimeout covers libFuzzer timeouts and exit code 70.
	ReplayTimeout
	// ReplayRunnerGone means the runner container died; the caller
	// should relaunch and retry.
	ReplayRunnerGone
)

// Fuzzer arguments passed to the reproduce entrypoint. The timeout/OOM
// processor pool doubles the per-input timeout.
const (
	FuzzerArgsDefault = "-rss_limit_mb=2560 -timeout=25"
	FuzzerArgsSlow    = "-rss_limit_mb=2560 -timeout=50"
)

// Runner manages the long-lived replay container of one pod for one
// tuple and replays PoCs inside it.
type Runner struct {
	cs       *coordstore.Store
	docker   *DockerClient
	cfg      config.BuildConfig
	instance string
	logger   zerolog.Logger
}

// NewRunner wires a runner manager. instance identifies the pod;
// container names derive from it so pods never collide.
func NewRunner(cs *coordstore.Store, docker *DockerClient, cfg config.BuildConfig, instance string, logger zerolog.Logger) *Runner {
	return &Runner{
		cs:       cs,
		docker:   docker,
		cfg:      cfg,
		instance: instance,
		logger:   logger,
	}
}

// ContainerName is the deterministic runner name for this pod.
func (r *Runner) ContainerName() string {
	return "reproducer_triage_runner_" + r.instance
}

// Ensure makes sure this pod's runner container for the tuple is up,
// mounting the built out directory read-only at /out and a writable PoC
// directory at /poc.
func (r *Runner) Ensure(ctx context.Context, t Tuple, outDir, pocDir string) error {
	statusKey := coordstore.RunnerStatusKey(r.instance, t.TaskID, t.Sanitizer, t.State)
	status, err := r.cs.Get(ctx, statusKey)
	if err != nil && !errors.Is(err, coordstore.ErrNotFound) {
		return err
	}
	if status == coordstore.RunnerStatusLaunched {
		alive, err := r.docker.ContainerExists(ctx, r.ContainerName())
		if err == nil && alive {
			return nil
		}
		// Stale status from a previous pod life; relaunch below.
	}

	if err := r.cs.Set(ctx, statusKey, coordstore.RunnerStatusLaunching, 0); err != nil {
		return err
	}

	// One runner per pod: replace whatever is left from a crash.
	if err := r.docker.StopAndRemove(ctx, r.ContainerName()); err != nil {
		r.logger.Warn().Err(err).Msg("failed to clear stale runner")
	}

	binds := []string{
		outDir + ":/out:ro",
		pocDir + ":/poc",
	}
	env := []string{"HELPER=True"}
	cmd := []string{"sleep", "infinity"}
	if err := r.docker.RunDetached(ctx, r.ContainerName(), r.cfg.RunnerImage, env, binds, cmd); err != nil {
		return fmt.Errorf("failed to launch runner for %s: %w", t, err)
	}

	if err := r.cs.Set(ctx, statusKey, coordstore.RunnerStatusLaunched, 0); err != nil {
		return err
	}
	r.logger.Info().Str("tuple", t.String()).Str("container", r.ContainerName()).Msg("runner launched")
	return nil
}

// Replay runs one PoC against a harness inside the runner and classifies
// the outcome. pocPath is container-relative (under /poc).
func (r *Runner) Replay(ctx context.Context, harness, pocPath, fuzzerArgs string) (string, ReplayResult, error) {
	if fuzzerArgs == "" {
		fuzzerArgs = FuzzerArgsDefault
	}
	replayCtx, cancel := context.WithTimeout(ctx, r.cfg.ReplayTimeout)
	defer cancel()

	env := []string{
		"TESTCASE=" + filepath.Join("/poc", pocPath),
		"FUZZER_ARGS=" + fuzzerArgs,
	}
	cmd := []string{"reproduce", harness, "-runs=10"}
	output, exitCode, err := r.docker.Exec(replayCtx, r.ContainerName(), env, cmd)
	if err != nil {
		if strings.Contains(err.Error(), "No such container") {
			return output, ReplayRunnerGone, nil
		}
		return output, ReplayNoCrash, fmt.Errorf("failed to replay %s: %w", pocPath, err)
	}

	return output, ClassifyReplay(output, exitCode), nil
}

// ClassifyReplay maps a reproduce invocation's output and exit code to a
// verdict.
func ClassifyReplay(output string, exitCode int) ReplayResult {
	switch {
	case exitCode == 0:
		return ReplayNoCrash
	case exitCode == 137 || strings.Contains(output, "No such container"):
		return ReplayRunnerGone
	case exitCode == 70 || strings.Contains(output, "libFuzzer: timeout after"):
		return ReplayTimeout
	default:
		return ReplayCrash
	}
}

// Teardown removes the runner container and its status key.
func (r *Runner) Teardown(ctx context.Context, t Tuple) error {
	if err := r.docker.StopAndRemove(ctx, r.ContainerName()); err != nil {
		return err
	}
	return r.cs.Del(ctx, coordstore.RunnerStatusKey(r.instance, t.TaskID, t.Sanitizer, t.State))
}
