package worker

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"github.com/b3yond/bugbuster/pkg/build"
	"github.com/b3yond/bugbuster/pkg/coordstore"
	"github.com/b3yond/bugbuster/pkg/messages"
	"github.com/b3yond/bugbuster/pkg/queuebus"
	"github.com/b3yond/bugbuster/pkg/store"
)

// BuildProvider is the build-substrate surface stages depend on.
type BuildProvider interface {
	EnsureBuild(ctx context.Context, t build.Tuple, in build.BuildInput) (string, error)
}

// CorpusStage grabs the project's shipped seed corpora, publishes one
// cmin message per harness and forwards the task to seed generation.
// Non-JVM seeds are additionally recorded as potential bugs so triage
// can replay them.
type CorpusStage struct {
	cs       *coordstore.Store
	rs       *store.Store
	bus      Publisher
	builder  BuildProvider
	storage  string
	instance string
	logger   zerolog.Logger
}

// NewCorpusStage wires the corpus worker.
func NewCorpusStage(cs *coordstore.Store, rs *store.Store, bus Publisher, builder BuildProvider, storage, instance string, logger zerolog.Logger) *CorpusStage {
	return &CorpusStage{
		cs:       cs,
		rs:       rs,
		bus:      bus,
		builder:  builder,
		storage:  storage,
		instance: instance,
		logger:   logger,
	}
}

// Queue implements Stage.
func (s *CorpusStage) Queue() string { return queuebus.QueueCorpus }

// Handle implements Stage.
func (s *CorpusStage) Handle(ctx context.Context, body []byte, headers amqp.Table) error {
	var msg messages.TaskMessage
	if err := messages.Decode(body, &msg); err != nil {
		return err
	}
	logger := s.logger.With().Str("task_id", msg.TaskID).Logger()

	active, err := TaskActive(ctx, s.cs, msg.TaskID)
	if err != nil {
		return err
	}
	if !active {
		logger.Info().Msg("task no longer active, skipping corpus grab")
		return ErrSkip
	}

	tuple := build.Tuple{TaskID: msg.TaskID, Sanitizer: build.SanitizerAddress, State: build.StateUnpatched}
	outDir, err := s.builder.EnsureBuild(ctx, tuple, build.BuildInput{
		ProjectName: msg.ProjectName,
		Focus:       msg.Focus,
		Repos:       msg.Repo,
		Tooling:     msg.FuzzingTooling,
		Diff:        msg.Diff,
	})
	if err != nil {
		return err
	}

	harnesses, err := build.DiscoverHarnesses(outDir)
	if err != nil {
		return err
	}
	jvm := isJVMBuild(outDir)

	for _, harness := range harnesses {
		tarball, seedFiles, err := s.grabCorpus(ctx, msg.TaskID, harness, outDir)
		if err != nil {
			logger.Warn().Str("harness", harness).Err(err).Msg("corpus grab failed, continuing")
			continue
		}

		seed := &store.Seed{
			TaskID:      msg.TaskID,
			Path:        tarball,
			HarnessName: harness,
			Fuzzer:      "corpus",
			Instance:    s.instance,
		}
		if err := s.rs.CreateSeed(ctx, seed); err != nil {
			return err
		}

		cminBody, err := messages.Encode(&messages.CminMessage{
			TaskID:  msg.TaskID,
			Harness: harness,
			Seeds:   tarball,
		})
		if err != nil {
			return err
		}
		if err := s.bus.Publish(ctx, queuebus.QueueCmin, cminBody); err != nil {
			return err
		}

		if !jvm {
			for _, file := range seedFiles {
				bug := &store.Bug{
					TaskID:      msg.TaskID,
					Poc:         file,
					HarnessName: harness,
					Sanitizer:   "*",
				}
				if err := s.rs.CreateBug(ctx, bug); err != nil {
					return err
				}
			}
		}
		logger.Info().Str("harness", harness).Int("seeds", len(seedFiles)).Msg("corpus grabbed")
	}

	// Seed generation runs on the same task payload once the corpus
	// baseline exists.
	if err := s.bus.Publish(ctx, queuebus.QueueSeedgen, body); err != nil {
		return err
	}
	return nil
}

// grabCorpus collects the shipped seed corpus of one harness into the
// shared corpus subtree and returns the tarball path plus the individual
// seed files.
func (s *CorpusStage) grabCorpus(ctx context.Context, taskID, harness, outDir string) (string, []string, error) {
	corpusDir := filepath.Join(s.storage, "corpus", taskID, harness)
	if err := os.MkdirAll(corpusDir, 0755); err != nil {
		return "", nil, fmt.Errorf("failed to create corpus dir: %w", err)
	}

	zipPath := filepath.Join(outDir, harness+"_seed_corpus.zip")
	if _, err := os.Stat(zipPath); err == nil {
		cmd := exec.CommandContext(ctx, "unzip", "-o", "-q", zipPath, "-d", corpusDir)
		if out, err := cmd.CombinedOutput(); err != nil {
			return "", nil, fmt.Errorf("failed to extract %s: %w (output: %s)", zipPath, err, string(out))
		}
	}

	var seedFiles []string
	err := filepath.WalkDir(corpusDir, func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		seedFiles = append(seedFiles, path)
		return nil
	})
	if err != nil {
		return "", nil, fmt.Errorf("failed to walk corpus dir: %w", err)
	}

	tarball := filepath.Join(s.storage, "corpus", taskID, harness+"_corpus.tar.gz")
	cmd := exec.CommandContext(ctx, "tar", "-czf", tarball, "-C", corpusDir, ".")
	if out, err := cmd.CombinedOutput(); err != nil {
		return "", nil, fmt.Errorf("failed to build corpus tarball: %w (output: %s)", err, string(out))
	}
	return tarball, seedFiles, nil
}

// isJVMBuild detects Jazzer projects by the driver the build drops into
// the out directory.
func isJVMBuild(outDir string) bool {
	_, err := os.Stat(filepath.Join(outDir, "jazzer_driver"))
	return err == nil
}
