package build

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// harness entrypoint markers searched for inside candidate binaries.
const (
	markerClike = "LLVMFuzzerTestOneInput"
	markerJVM   = "fuzzerTestOneInput"
)

// Workspace is the on-disk layout of one (task, sanitizer, state) build:
// extracted repos under Root/<focus>, fuzz tooling under Root/fuzz-tooling,
// build output under OutDir.
type Workspace struct {
	Root  string
	Focus string
}

// NewWorkspace creates the cache directory for a tuple.
func NewWorkspace(root, focus string) (*Workspace, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("failed to create workspace %s: %w", root, err)
	}
	return &Workspace{Root: root, Focus: focus}, nil
}

// ToolingDir is where the fuzz tooling archive is extracted.
func (w *Workspace) ToolingDir() string {
	return filepath.Join(w.Root, "fuzz-tooling")
}

// FocusDir is the target repo checkout.
func (w *Workspace) FocusDir() string {
	return filepath.Join(w.Root, w.Focus)
}

// OutDir is where built fuzzers land for a project.
func (w *Workspace) OutDir(project string) string {
	return filepath.Join(w.ToolingDir(), "build", "out", project)
}

// ExtractArchive untars an archive into a directory below the workspace.
func (w *Workspace) ExtractArchive(ctx context.Context, archive, dest string) error {
	target := filepath.Join(w.Root, dest)
	if err := os.MkdirAll(target, 0755); err != nil {
		return fmt.Errorf("failed to create %s: %w", target, err)
	}
	cmd := exec.CommandContext(ctx, "tar", "-xf", archive, "-C", target, "--strip-components=1")
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("failed to extract %s: %w (output: %s)", archive, err, string(out))
	}
	return nil
}

// ExtractSources lays out the repos and tooling for a task. Repos land
// under the focus directory, the tooling under fuzz-tooling.
func (w *Workspace) ExtractSources(ctx context.Context, repos []string, tooling string) error {
	for _, repo := range repos {
		if err := w.ExtractArchive(ctx, repo, w.Focus); err != nil {
			return err
		}
	}
	if tooling != "" {
		if err := w.ExtractArchive(ctx, tooling, "fuzz-tooling"); err != nil {
			return err
		}
	}
	return nil
}

// ApplyDiff applies a unified diff to the focus checkout. Patched builds
// of delta tasks run this before invoking the helper.
func (w *Workspace) ApplyDiff(ctx context.Context, diffPath string) error {
	diff, err := os.ReadFile(diffPath)
	if err != nil {
		return fmt.Errorf("failed to read diff %s: %w", diffPath, err)
	}
	cmd := exec.CommandContext(ctx, "patch", "--batch", "--no-backup-if-mismatch", "-p1")
	cmd.Dir = w.FocusDir()
	cmd.Stdin = bytes.NewReader(diff)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("failed to apply diff in %s: %w (output: %s)", w.FocusDir(), err, string(out))
	}
	return nil
}

// DiscoverHarnesses lists the fuzz targets in a build-out directory:
// executable regular files whose contents carry a harness entrypoint
// marker. Used when a message names harness "*".
func DiscoverHarnesses(outDir string) ([]string, error) {
	entries, err := os.ReadDir(outDir)
	if err != nil {
		return nil, fmt.Errorf("failed to read build out dir %s: %w", outDir, err)
	}

	var harnesses []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil || info.Mode()&0111 == 0 {
			continue
		}
		name := entry.Name()
		if strings.HasSuffix(name, ".o") || strings.HasSuffix(name, ".a") ||
			strings.HasSuffix(name, ".so") || strings.HasPrefix(name, "jazzer") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(outDir, name))
		if err != nil {
			continue
		}
		if bytes.Contains(data, []byte(markerClike)) || bytes.Contains(data, []byte(markerJVM)) {
			harnesses = append(harnesses, name)
		}
	}
	return harnesses, nil
}

// CopyTree copies a directory recursively. Build outputs are copied into
// shared storage with it; cp -a keeps the executable bits.
func CopyTree(ctx context.Context, src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return fmt.Errorf("failed to create %s: %w", filepath.Dir(dst), err)
	}
	cmd := exec.CommandContext(ctx, "cp", "-a", src, dst)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("failed to copy %s to %s: %w (output: %s)", src, dst, err, string(out))
	}
	return nil
}
