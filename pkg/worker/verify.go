package worker

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/rs/zerolog"

	"github.com/b3yond/bugbuster/pkg/build"
	"github.com/b3yond/bugbuster/pkg/config"
	"github.com/b3yond/bugbuster/pkg/coordstore"
	"github.com/b3yond/bugbuster/pkg/messages"
	"github.com/b3yond/bugbuster/pkg/store"
)

// BRSVerifier verifies candidate patches by building the patched tree in
// a throwaway workspace and replaying every PoC of the profile inside a
// short-lived runner container. Candidate builds are never cached; each
// verification owns its workspace.
type BRSVerifier struct {
	cs       *coordstore.Store
	rs       *store.Store
	docker   *build.DockerClient
	cfg      config.BuildConfig
	storage  string
	instance string
	logger   zerolog.Logger

	// runHelper is swappable in tests.
	runHelper func(ctx context.Context, toolingDir string, args ...string) error
}

// NewBRSVerifier wires the production patch verifier.
func NewBRSVerifier(cs *coordstore.Store, rs *store.Store, docker *build.DockerClient, cfg config.BuildConfig, storage, instance string, logger zerolog.Logger) *BRSVerifier {
	v := &BRSVerifier{
		cs:       cs,
		rs:       rs,
		docker:   docker,
		cfg:      cfg,
		storage:  storage,
		instance: instance,
		logger:   logger,
	}
	v.runHelper = v.execHelper
	return v
}

// Verify implements PatchVerifier.
func (v *BRSVerifier) Verify(ctx context.Context, task *store.Task, profile *store.BugProfile, diff string, bugs []store.Bug) (map[int64]bool, error) {
	wsRoot, err := os.MkdirTemp("", "patch-verify-")
	if err != nil {
		return nil, fmt.Errorf("failed to create verify workspace: %w", err)
	}
	defer os.RemoveAll(wsRoot)

	ws, err := build.NewWorkspace(wsRoot, task.Focus)
	if err != nil {
		return nil, err
	}

	sources, tooling, taskDiff, err := v.taskInputs(ctx, task)
	if err != nil {
		return nil, err
	}
	if err := ws.ExtractSources(ctx, sources, tooling); err != nil {
		return nil, err
	}
	if task.TaskType == messages.TaskTypeDelta && taskDiff != "" {
		if err := ws.ApplyDiff(ctx, taskDiff); err != nil {
			return nil, err
		}
	}

	// The candidate diff applies on top of the task's repo state.
	diffFile := filepath.Join(wsRoot, "candidate.diff")
	if err := os.WriteFile(diffFile, []byte(diff), 0644); err != nil {
		return nil, fmt.Errorf("failed to write candidate diff: %w", err)
	}
	if err := ws.ApplyDiff(ctx, diffFile); err != nil {
		return nil, fmt.Errorf("candidate diff does not apply: %w", err)
	}

	if err := v.runHelper(ctx, ws.ToolingDir(), "build_image", "--pull", task.ProjectName); err != nil {
		return nil, fmt.Errorf("%w: %v", build.ErrBuildFailed, err)
	}
	if err := v.runHelper(ctx, ws.ToolingDir(),
		"build_fuzzers", "-e", "SANITIZER="+profile.Sanitizer, "--clean",
		task.ProjectName, ws.FocusDir()); err != nil {
		return nil, fmt.Errorf("%w: %v", build.ErrBuildFailed, err)
	}

	outDir := ws.OutDir(task.ProjectName)
	tuple := build.Tuple{TaskID: task.ID, Sanitizer: profile.Sanitizer, State: "candidate"}
	runner := build.NewRunner(v.cs, v.docker, v.cfg, v.instance+"_verify", v.logger)
	if err := runner.Ensure(ctx, tuple, outDir, v.storage); err != nil {
		return nil, err
	}
	defer func() {
		if err := runner.Teardown(context.Background(), tuple); err != nil {
			v.logger.Warn().Err(err).Msg("failed to tear down verify runner")
		}
	}()

	repaired := make(map[int64]bool, len(bugs))
	for _, bug := range bugs {
		rel, err := filepath.Rel(v.storage, bug.Poc)
		if err != nil {
			v.logger.Warn().Str("poc", bug.Poc).Msg("PoC outside storage root, skipping")
			continue
		}
		_, result, err := runner.Replay(ctx, profile.HarnessName, rel, "")
		if err != nil {
			return nil, err
		}
		repaired[bug.ID] = result == build.ReplayNoCrash
	}
	return repaired, nil
}

// taskInputs resolves the task's archive paths from its Source rows.
func (v *BRSVerifier) taskInputs(ctx context.Context, task *store.Task) (repos []string, tooling, diff string, err error) {
	repoRows, err := v.rs.SourcesForTask(ctx, task.ID, store.SourceRepo)
	if err != nil {
		return nil, "", "", err
	}
	for _, row := range repoRows {
		repos = append(repos, row.Path)
	}
	toolingRows, err := v.rs.SourcesForTask(ctx, task.ID, store.SourceFuzzTooling)
	if err != nil {
		return nil, "", "", err
	}
	if len(toolingRows) > 0 {
		tooling = toolingRows[0].Path
	}
	diffRows, err := v.rs.SourcesForTask(ctx, task.ID, store.SourceDiff)
	if err != nil {
		return nil, "", "", err
	}
	if len(diffRows) > 0 {
		diff = diffRows[0].Path
	}
	return repos, tooling, diff, nil
}

// execHelper invokes the OSS-Fuzz helper script.
func (v *BRSVerifier) execHelper(ctx context.Context, toolingDir string, args ...string) error {
	helper := filepath.Join(toolingDir, v.cfg.HelperPath)
	cmd := exec.CommandContext(ctx, "python3", append([]string{helper}, args...)...)
	cmd.Dir = toolingDir
	cmd.Env = os.Environ()
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("helper %v failed: %w (output: %s)", args, err, string(out))
	}
	return nil
}
