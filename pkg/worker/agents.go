package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/b3yond/bugbuster/pkg/build"
	"github.com/b3yond/bugbuster/pkg/store"
)

// The LLM-backed agents (seed generation, patching, dedup judging) live
// outside this process. These adapters front them as subprocesses with a
// small JSON protocol: request on stdin, response on stdout.

// Seedgen strategy names, passed to the agent as a subcommand argument.
const (
	StrategyGeneric = "generic"
	StrategyMinimal = "minimal"
	StrategyCodex   = "codex"
	StrategyMCP     = "mcp"
)

// NewSeedGenerators returns the full strategy set fronting one agent
// binary. An empty path yields no generators; the seedgen stage then
// only forwards corpora.
func NewSeedGenerators(bin string) []SeedGenerator {
	if bin == "" {
		return nil
	}
	return []SeedGenerator{
		&CommandSeedGenerator{name: StrategyGeneric, bin: bin},
		&CommandSeedGenerator{name: StrategyMinimal, bin: bin},
		&CommandSeedGenerator{name: StrategyCodex, bin: bin},
		&CommandSeedGenerator{name: StrategyMCP, bin: bin, savesBugs: true},
	}
}

// CommandSeedGenerator runs one strategy of the external seedgen agent.
type CommandSeedGenerator struct {
	name      string
	bin       string
	savesBugs bool
}

// Name implements SeedGenerator.
func (g *CommandSeedGenerator) Name() string { return g.name }

// SavesBugs implements BugSaver. Only the MCP strategy feeds its seeds
// into triage directly.
func (g *CommandSeedGenerator) SavesBugs() bool { return g.savesBugs }

// Generate implements SeedGenerator. The agent writes seed files into
// outDir; whatever lands there is the result.
func (g *CommandSeedGenerator) Generate(ctx context.Context, model, project, harness, outDir string) ([]string, error) {
	cmd := exec.CommandContext(ctx, g.bin, "seedgen",
		"--strategy", g.name,
		"--model", model,
		"--project", project,
		"--harness", harness,
		"--out", outDir,
	)
	if out, err := cmd.CombinedOutput(); err != nil {
		return nil, fmt.Errorf("seedgen agent failed: %w (output: %s)", err, string(out))
	}

	var seeds []string
	err := filepath.WalkDir(outDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			seeds = append(seeds, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list generated seeds: %w", err)
	}
	return seeds, nil
}

// patchRequest is what the patch agent reads on stdin.
type patchRequest struct {
	Mode    string            `json:"mode"`
	Profile store.BugProfile  `json:"profile"`
	Bugs    []store.Bug       `json:"bugs"`
}

// patchResponse is what the patch agent writes on stdout.
type patchResponse struct {
	Patch string `json:"patch"`
	Model string `json:"model"`
}

// CommandPatchGenerator fronts the external patch agent.
type CommandPatchGenerator struct {
	bin string
}

// NewCommandPatchGenerator wires the patch agent adapter.
func NewCommandPatchGenerator(bin string) *CommandPatchGenerator {
	return &CommandPatchGenerator{bin: bin}
}

// Generate implements PatchGenerator.
func (g *CommandPatchGenerator) Generate(ctx context.Context, profile *store.BugProfile, bugs []store.Bug, mode string) (string, string, error) {
	request, err := json.Marshal(patchRequest{Mode: mode, Profile: *profile, Bugs: bugs})
	if err != nil {
		return "", "", fmt.Errorf("failed to encode patch request: %w", err)
	}

	cmd := exec.CommandContext(ctx, g.bin, "patch")
	cmd.Stdin = bytes.NewReader(request)
	out, err := cmd.Output()
	if err != nil {
		return "", "", fmt.Errorf("patch agent failed: %w", err)
	}

	var response patchResponse
	if err := json.Unmarshal(out, &response); err != nil {
		return "", "", fmt.Errorf("undecodable patch agent response: %w", err)
	}
	return response.Patch, response.Model, nil
}

// dedupRequest is what the dedup judge reads on stdin.
type dedupRequest struct {
	Profile    store.BugProfile        `json:"profile"`
	Candidates []store.ClusteredProfile `json:"candidates"`
}

// dedupResponse carries the judge's verdict: the index of the matching
// candidate, or -1 for a new defect.
type dedupResponse struct {
	MatchIndex int `json:"match_index"`
}

// CommandJudge fronts the external dedup judge.
type CommandJudge struct {
	bin string
}

// NewCommandJudge wires the dedup judge adapter.
func NewCommandJudge(bin string) *CommandJudge {
	return &CommandJudge{bin: bin}
}

// CommandSlicer fronts the external reachability analysis: it builds the
// project bitcode and prints one reachable function per line.
type CommandSlicer struct {
	bin string
}

// NewCommandSlicer wires the slicer adapter.
func NewCommandSlicer(bin string) *CommandSlicer {
	return &CommandSlicer{bin: bin}
}

// Slice implements Slicer.
func (s *CommandSlicer) Slice(ctx context.Context, ws *build.Workspace, project, target string) ([]string, error) {
	cmd := exec.CommandContext(ctx, s.bin, "slice",
		"--project", project,
		"--src", ws.Root,
		"--focus", ws.Focus,
		"--target", target,
	)
	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("slicer failed: %w", err)
	}

	var functions []string
	for _, line := range strings.Split(string(out), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			functions = append(functions, line)
		}
	}
	return functions, nil
}

// SameDefect implements triage.Judge.
func (j *CommandJudge) SameDefect(ctx context.Context, profile store.BugProfile, candidates []store.ClusteredProfile) (int, error) {
	request, err := json.Marshal(dedupRequest{Profile: profile, Candidates: candidates})
	if err != nil {
		return -1, fmt.Errorf("failed to encode dedup request: %w", err)
	}

	cmd := exec.CommandContext(ctx, j.bin, "dedup")
	cmd.Stdin = bytes.NewReader(request)
	out, err := cmd.Output()
	if err != nil {
		return -1, fmt.Errorf("dedup judge failed: %w", err)
	}

	var response dedupResponse
	if err := json.Unmarshal(out, &response); err != nil {
		return -1, fmt.Errorf("undecodable dedup judge response: %w", err)
	}
	return response.MatchIndex, nil
}
