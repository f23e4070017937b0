// Package build is the build/reproduction substrate: per
// (task, sanitizer, repo state) build caches guarded by distributed
// locks, long-lived runner containers, PoC replays and the remote Docker
// fleet.
package build

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/b3yond/bugbuster/pkg/config"
	"github.com/b3yond/bugbuster/pkg/coordstore"
)

// Repo states of a tuple.
const (
	StateUnpatched = "unpatched"
	StatePatched   = "patched"
)

// Sanitizers accepted by the pipeline.
const (
	SanitizerAddress   = "address"
	SanitizerMemory    = "memory"
	SanitizerUndefined = "undefined"
	SanitizerThread    = "thread"
	SanitizerNone      = "none"
)

// WildcardSanitizers is the replay set for sanitizer "*".
var WildcardSanitizers = []string{SanitizerAddress, SanitizerMemory, SanitizerUndefined}

// KnownSanitizer reports whether a sanitizer value is in the closed set.
func KnownSanitizer(s string) bool {
	switch s {
	case SanitizerAddress, SanitizerMemory, SanitizerUndefined, SanitizerThread, SanitizerNone:
		return true
	}
	return false
}

// Tuple identifies one build: a task, a sanitizer and a repo state.
type Tuple struct {
	TaskID    string
	Sanitizer string
	State     string
}

func (t Tuple) String() string {
	return fmt.Sprintf("%s/%s/%s", t.TaskID, t.Sanitizer, t.State)
}

// BuildInput carries the archives a build needs.
type BuildInput struct {
	ProjectName string
	Focus       string
	Repos       []string
	Tooling     string
	Diff        string
}

// ErrBuildFailed marks a helper failure. Delta-mode base builds tolerate
// it; everything else propagates.
var ErrBuildFailed = errors.New("build: helper build failed")

// Builder produces cached build environments.
type Builder struct {
	cs      *coordstore.Store
	cfg     config.BuildConfig
	storage string
	logger  zerolog.Logger

	// runHelper is swappable in tests.
	runHelper func(ctx context.Context, toolingDir string, args ...string) error
}

// NewBuilder wires a builder against the coordination store and the
// shared storage root.
func NewBuilder(cs *coordstore.Store, cfg config.BuildConfig, storageDir string, logger zerolog.Logger) *Builder {
	b := &Builder{
		cs:      cs,
		cfg:     cfg,
		storage: storageDir,
		logger:  logger,
	}
	b.runHelper = b.execHelper
	return b
}

// CacheDir is the local workspace for a tuple.
func (b *Builder) CacheDir(t Tuple) string {
	return filepath.Join(b.storage, "build_cache", t.TaskID, t.Sanitizer, t.State)
}

// SharedOutDir is where the built fuzzers of a tuple are published for
// other pods.
func (b *Builder) SharedOutDir(t Tuple, project string) string {
	return filepath.Join(b.storage, "public_build", t.TaskID, t.Sanitizer, t.State, project)
}

// EnsureBuild makes the tuple's build available, reusing the shared cache
// when another worker already finished it. Returns the out directory
// holding the built fuzzers.
//
// Protocol: take the tuple's build lock, read the build status key; on
// "done" reuse the cache, otherwise mark "building", build, publish the
// out directory and write "done". The sentinel is only written on
// success, so a worker that dies mid-build lets the next lock holder
// rebuild.
func (b *Builder) EnsureBuild(ctx context.Context, t Tuple, in BuildInput) (string, error) {
	logger := b.logger.With().Str("tuple", t.String()).Logger()

	lock, err := b.cs.Lock(ctx, coordstore.BuildLockKey(t.TaskID, t.Sanitizer, t.State), b.cfg.BuildLockTTL, time.Second)
	if err != nil {
		return "", fmt.Errorf("failed to take build lock for %s: %w", t, err)
	}
	defer lock.Release(ctx)

	statusKey := coordstore.BuildStatusKey(t.TaskID, t.Sanitizer, t.State)
	status, err := b.cs.Get(ctx, statusKey)
	if err != nil && !errors.Is(err, coordstore.ErrNotFound) {
		return "", err
	}
	sharedOut := b.SharedOutDir(t, in.ProjectName)
	if status == coordstore.BuildStatusDone {
		logger.Debug().Msg("reusing cached build")
		return sharedOut, nil
	}

	if err := b.cs.Set(ctx, statusKey, coordstore.BuildStatusBuilding, 0); err != nil {
		return "", err
	}

	ws, err := NewWorkspace(b.CacheDir(t), in.Focus)
	if err != nil {
		return "", err
	}
	if err := ws.ExtractSources(ctx, in.Repos, in.Tooling); err != nil {
		return "", err
	}
	if t.State == StatePatched {
		if in.Diff == "" {
			return "", fmt.Errorf("patched build for %s has no diff", t.TaskID)
		}
		if err := ws.ApplyDiff(ctx, in.Diff); err != nil {
			return "", err
		}
	}

	logger.Info().Msg("building project image and fuzzers")
	if err := b.runHelper(ctx, ws.ToolingDir(), "build_image", "--pull", in.ProjectName); err != nil {
		return "", fmt.Errorf("%w: %v", ErrBuildFailed, err)
	}
	if err := b.runHelper(ctx, ws.ToolingDir(),
		"build_fuzzers", "-e", "SANITIZER="+t.Sanitizer, "--clean",
		in.ProjectName, ws.FocusDir()); err != nil {
		return "", fmt.Errorf("%w: %v", ErrBuildFailed, err)
	}
	if err := b.runHelper(ctx, ws.ToolingDir(),
		"check_build", "--sanitizer", t.Sanitizer, in.ProjectName); err != nil {
		// Some harnesses failing check_build is tolerated; the replay
		// path skips harnesses that did not land in the out dir.
		logger.Warn().Err(err).Msg("check_build reported failures, continuing")
	}

	if err := CopyTree(ctx, ws.OutDir(in.ProjectName), sharedOut); err != nil {
		return "", err
	}
	if err := b.cs.Set(ctx, statusKey, coordstore.BuildStatusDone, 0); err != nil {
		return "", err
	}
	logger.Info().Str("out", sharedOut).Msg("build published")
	return sharedOut, nil
}

// execHelper invokes the OSS-Fuzz helper script inside the extracted
// tooling directory.
func (b *Builder) execHelper(ctx context.Context, toolingDir string, args ...string) error {
	helper := filepath.Join(toolingDir, b.cfg.HelperPath)
	cmd := exec.CommandContext(ctx, "python3", append([]string{helper}, args...)...)
	cmd.Dir = toolingDir
	cmd.Env = os.Environ()
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("helper %v failed: %w (output: %s)", args, err, truncate(string(out), 2048))
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
