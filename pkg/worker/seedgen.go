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

// SeedGenerator is one seed-generation strategy. Implementations front
// external LLM agents; Generate drops seed files into outDir and returns
// their paths.
type SeedGenerator interface {
	Name() string
	Generate(ctx context.Context, model, project, harness, outDir string) ([]string, error)
}

// BugSaver is implemented by generators whose seeds should be recorded
// as potential bugs for triage (the MCP-adapter strategy).
type BugSaver interface {
	SavesBugs() bool
}

// SeedgenStage runs every configured generation strategy across every
// configured model and harness, persisting each result set as a Seed row
// and forwarding non-JVM corpora to cmin.
type SeedgenStage struct {
	cs         *coordstore.Store
	rs         *store.Store
	bus        Publisher
	builder    BuildProvider
	storage    string
	instance   string
	models     []string
	generators []SeedGenerator
	logger     zerolog.Logger
}

// NewSeedgenStage wires the seedgen worker.
func NewSeedgenStage(cs *coordstore.Store, rs *store.Store, bus Publisher, builder BuildProvider, storage, instance string, models []string, generators []SeedGenerator, logger zerolog.Logger) *SeedgenStage {
	return &SeedgenStage{
		cs:         cs,
		rs:         rs,
		bus:        bus,
		builder:    builder,
		storage:    storage,
		instance:   instance,
		models:     models,
		generators: generators,
		logger:     logger,
	}
}

// Queue implements Stage.
func (s *SeedgenStage) Queue() string { return queuebus.QueueSeedgen }

// Handle implements Stage.
func (s *SeedgenStage) Handle(ctx context.Context, body []byte, headers amqp.Table) error {
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

	models := s.models
	if len(models) == 0 {
		models = []string{"default"}
	}

	for _, model := range models {
		for _, gen := range s.generators {
			for _, harness := range harnesses {
				if err := s.runStrategy(ctx, logger, &msg, gen, model, harness, jvm); err != nil {
					// One strategy failing must not starve the rest.
					logger.Warn().Str("strategy", gen.Name()).Str("model", model).
						Str("harness", harness).Err(err).Msg("seed generation failed")
				}
			}
		}
	}
	return nil
}

func (s *SeedgenStage) runStrategy(ctx context.Context, logger zerolog.Logger, msg *messages.TaskMessage, gen SeedGenerator, model, harness string, jvm bool) error {
	resultDir := filepath.Join(s.storage, "seedgen", msg.TaskID, model, gen.Name(), harness)
	if err := os.MkdirAll(resultDir, 0755); err != nil {
		return fmt.Errorf("failed to create result dir: %w", err)
	}

	seeds, err := gen.Generate(ctx, model, msg.ProjectName, harness, resultDir)
	if err != nil {
		return err
	}
	if len(seeds) == 0 {
		return nil
	}

	tarball := resultDir + ".tar.gz"
	cmd := exec.CommandContext(ctx, "tar", "-czf", tarball, "-C", resultDir, ".")
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("failed to pack seeds: %w (output: %s)", err, string(out))
	}

	seed := &store.Seed{
		TaskID:      msg.TaskID,
		Path:        tarball,
		HarnessName: harness,
		Fuzzer:      "seedgen:" + gen.Name(),
		Instance:    model,
	}
	if err := s.rs.CreateSeed(ctx, seed); err != nil {
		return err
	}

	if saver, ok := gen.(BugSaver); ok && saver.SavesBugs() {
		for _, file := range seeds {
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

	if !jvm {
		body, err := messages.Encode(&messages.CminMessage{
			TaskID:  msg.TaskID,
			Harness: harness,
			Seeds:   tarball,
		})
		if err != nil {
			return err
		}
		if err := s.bus.Publish(ctx, queuebus.QueueCmin, body); err != nil {
			return err
		}
	}
	logger.Info().Str("strategy", gen.Name()).Str("model", model).
		Str("harness", harness).Int("seeds", len(seeds)).Msg("seeds generated")
	return nil
}
