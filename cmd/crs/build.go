package main

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/b3yond/bugbuster/pkg/build"
	"github.com/b3yond/bugbuster/pkg/config"
	"github.com/b3yond/bugbuster/pkg/coordstore"
	"github.com/b3yond/bugbuster/pkg/logging"
)

var buildCmd = &cobra.Command{
	Use:   "build <project> <src> <task_id>",
	Args:  cobra.ExactArgs(3),
	Short: "Build a project's fuzzers and publish their artifact paths",
	Long: `Builds the project image and fuzzers with the OSS-Fuzz helper, then
records the built harness paths in the coordination store so pipeline
stages (cmin in particular) can find them.`,
	RunE: runBuild,
}

var reproduceCmd = &cobra.Command{
	Use:   "reproduce <task_id> <project> <harness> <testcase>",
	Args:  cobra.ExactArgs(4),
	Short: "Replay a testcase against a built harness",
	Long: `Runs the OSS-Fuzz helper's reproduce entrypoint. Exits zero when the
testcase does not crash, non-zero when it reproduces a crash or the
replay itself fails.`,
	RunE: runReproduce,
}

func init() {
	buildCmd.Flags().String("oss-fuzz", "", "path to the OSS-Fuzz checkout (or OSS_FUZZ_PATH)")
	buildCmd.Flags().String("engine", "libfuzzer", "fuzzing engine (libfuzzer, afl, cmin)")
	buildCmd.Flags().String("sanitizer", "none", "sanitizer to build with")
	buildCmd.Flags().Bool("skip-check", false, "skip the check_build pass")

	reproduceCmd.Flags().String("oss-fuzz", "", "path to the OSS-Fuzz checkout (or OSS_FUZZ_PATH)")
	reproduceCmd.Flags().String("artifact-path", "", "directory to copy crash artifacts into")
}

func ossFuzzPath(cmd *cobra.Command) (string, error) {
	path, _ := cmd.Flags().GetString("oss-fuzz")
	if path == "" {
		path = os.Getenv("OSS_FUZZ_PATH")
	}
	if path == "" {
		return "", fmt.Errorf("--oss-fuzz or OSS_FUZZ_PATH is required")
	}
	return path, nil
}

func runHelper(ctx context.Context, cfg *config.Config, ossFuzz string, args ...string) error {
	helper := filepath.Join(ossFuzz, cfg.Build.HelperPath)
	c := exec.CommandContext(ctx, "python3", append([]string{helper}, args...)...)
	c.Dir = ossFuzz
	c.Stdout = os.Stdout
	c.Stderr = os.Stderr
	return c.Run()
}

func runBuild(cmd *cobra.Command, args []string) error {
	project, src, taskID := args[0], args[1], args[2]
	engine, _ := cmd.Flags().GetString("engine")
	sanitizer, _ := cmd.Flags().GetString("sanitizer")
	skipCheck, _ := cmd.Flags().GetBool("skip-check")

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	logging.Init("crs.build", logging.Config{Level: cfg.Framework.LogLevel, Format: logging.Format(cfg.Framework.LogFormat)})

	ossFuzz, err := ossFuzzPath(cmd)
	if err != nil {
		return err
	}
	ctx := cmd.Context()

	if err := runHelper(ctx, cfg, ossFuzz, "build_image", "--pull", project); err != nil {
		return fmt.Errorf("build_image failed: %w", err)
	}

	buildArgs := []string{"build_fuzzers"}
	if engine == "afl" {
		buildArgs = append(buildArgs, "--engine", "afl")
	}
	if engine == "cmin" {
		buildArgs = append(buildArgs, "-e", "AFL_GEN_HASH=1")
	}
	buildArgs = append(buildArgs, "-e", "SANITIZER="+sanitizer, "--clean", project, src)
	if err := runHelper(ctx, cfg, ossFuzz, buildArgs...); err != nil {
		return fmt.Errorf("build_fuzzers failed: %w", err)
	}

	if !skipCheck {
		if err := runHelper(ctx, cfg, ossFuzz, "check_build", "--sanitizer", sanitizer, project); err != nil {
			return fmt.Errorf("check_build failed: %w", err)
		}
	}

	// publish harness artifact paths so the pipeline can pick them up
	outDir := filepath.Join(ossFuzz, "build", "out", project)
	harnesses, err := build.DiscoverHarnesses(outDir)
	if err != nil {
		return fmt.Errorf("failed to discover harnesses: %w", err)
	}
	cs, err := coordstore.New(cfg.Redis)
	if err != nil {
		return fmt.Errorf("failed to connect to coordination store: %w", err)
	}
	defer cs.Close()
	for _, harness := range harnesses {
		key := coordstore.ArtifactKey(taskID, harness, sanitizer, engine)
		if err := cs.Set(ctx, key, filepath.Join(outDir, harness), 0); err != nil {
			return fmt.Errorf("failed to publish artifact for %s: %w", harness, err)
		}
		fmt.Printf("published %s\n", key)
	}
	fmt.Printf("built %d harnesses for %s\n", len(harnesses), project)
	return nil
}

func runReproduce(cmd *cobra.Command, args []string) error {
	_, project, harness, testcase := args[0], args[1], args[2], args[3]
	artifactPath, _ := cmd.Flags().GetString("artifact-path")

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	ossFuzz, err := ossFuzzPath(cmd)
	if err != nil {
		return err
	}

	repArgs := []string{"reproduce", project, harness, testcase}
	if err := runHelper(cmd.Context(), cfg, ossFuzz, repArgs...); err != nil {
		// a crashing testcase exits non-zero; keep the artifact around
		if artifactPath != "" {
			if cerr := build.CopyTree(cmd.Context(), filepath.Dir(testcase), artifactPath); cerr != nil {
				fmt.Fprintf(os.Stderr, "failed to copy artifacts: %v\n", cerr)
			}
		}
		return fmt.Errorf("testcase reproduced a crash: %w", err)
	}
	fmt.Println("no crash reproduced")
	return nil
}
