package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"github.com/b3yond/bugbuster/pkg/build"
	"github.com/b3yond/bugbuster/pkg/coordstore"
	"github.com/b3yond/bugbuster/pkg/messages"
	"github.com/b3yond/bugbuster/pkg/queuebus"
	"github.com/b3yond/bugbuster/pkg/store"
)

// DirectedStage runs allowlist-guided fuzzing for one task: it requests
// a slice, builds the instrumented target, launches one master and N
// slave fuzzers per harness on a fleet host, and runs a crash observer
// plus a seed syncer until the task leaves the active states.
type DirectedStage struct {
	cs        *coordstore.Store
	rs        *store.Store
	bus       Publisher
	builder   BuildProvider
	fleet     *build.Fleet
	storage   string
	instance  string
	image     string
	slaves    int
	sliceWait time.Duration
	tick      time.Duration
	logger    zerolog.Logger
}

// NewDirectedStage wires the directed-fuzzing worker.
func NewDirectedStage(cs *coordstore.Store, rs *store.Store, bus Publisher, builder BuildProvider, fleet *build.Fleet, storage, instance, image string, slaves int, monitorInterval time.Duration, logger zerolog.Logger) *DirectedStage {
	if slaves < 1 {
		slaves = 1
	}
	if monitorInterval <= 0 {
		monitorInterval = time.Minute
	}
	return &DirectedStage{
		cs:        cs,
		rs:        rs,
		bus:       bus,
		builder:   builder,
		fleet:     fleet,
		storage:   storage,
		instance:  instance,
		image:     image,
		slaves:    slaves,
		sliceWait: 30 * time.Minute,
		tick:      monitorInterval,
		logger:    logger,
	}
}

// Queue implements Stage.
func (s *DirectedStage) Queue() string { return queuebus.QueueDirected }

// Handle implements Stage. The handler holds the message for the whole
// fuzzing campaign; prefetch bounds how many campaigns one pod runs.
func (s *DirectedStage) Handle(ctx context.Context, body []byte, headers amqp.Table) error {
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

	allowlist, err := s.requestSlice(ctx, logger, &msg)
	if err != nil {
		return err
	}

	tuple := build.Tuple{TaskID: msg.TaskID, Sanitizer: build.SanitizerAddress, State: build.StateUnpatched}
	in := build.BuildInput{
		ProjectName: msg.ProjectName,
		Focus:       msg.Focus,
		Repos:       msg.Repo,
		Tooling:     msg.FuzzingTooling,
		Diff:        msg.Diff,
	}
	outDir, err := s.builder.EnsureBuild(ctx, tuple, in)
	if err != nil {
		return err
	}
	harnesses, err := build.DiscoverHarnesses(outDir)
	if err != nil {
		return err
	}
	if len(harnesses) == 0 {
		logger.Warn().Msg("no harnesses discovered, nothing to fuzz")
		return ErrSkip
	}

	host, err := s.fleet.PickHost(ctx)
	if err != nil {
		return fmt.Errorf("failed to pick fuzzing host: %w", err)
	}
	defer host.Close()

	syncDir := filepath.Join(s.storage, "directed", msg.TaskID)
	launched, err := s.launchFuzzers(ctx, host, &msg, outDir, syncDir, harnesses, allowlist)
	if err != nil {
		s.stopContainers(host, launched)
		return err
	}
	logger.Info().Int("containers", len(launched)).Msg("fuzzing campaign launched")

	s.observe(ctx, logger, &msg, syncDir, harnesses)

	s.stopContainers(host, launched)
	return nil
}

// requestSlice publishes a slice request and polls for the result. A
// missing or empty slice degrades to undirected fuzzing.
func (s *DirectedStage) requestSlice(ctx context.Context, logger zerolog.Logger, msg *messages.TaskMessage) (string, error) {
	sliceID := uuid.NewString()
	body, err := messages.Encode(&messages.SliceMessage{
		TaskID:         msg.TaskID,
		SliceID:        sliceID,
		IsSarif:        msg.SarifSlicePath != "",
		ProjectName:    msg.ProjectName,
		Focus:          msg.Focus,
		Repo:           msg.Repo,
		FuzzingTooling: msg.FuzzingTooling,
		Diff:           msg.Diff,
		SliceTarget:    msg.SarifSlicePath,
	})
	if err != nil {
		return "", err
	}
	if err := s.bus.Publish(ctx, queuebus.QueueSlice, body); err != nil {
		return "", err
	}

	deadline := time.Now().Add(s.sliceWait)
	for time.Now().Before(deadline) {
		slice, err := s.rs.DirectedSliceBySliceID(ctx, sliceID)
		if err == nil {
			return slice.Path, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return "", err
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(10 * time.Second):
		}
	}
	logger.Warn().Str("slice_id", sliceID).Msg("slice result never arrived, fuzzing undirected")
	return NoSliceResults, nil
}

// launchFuzzers starts master plus slaves per harness and returns the
// container names it managed to start.
func (s *DirectedStage) launchFuzzers(ctx context.Context, host *build.DockerClient, msg *messages.TaskMessage, outDir, syncDir string, harnesses []string, allowlist string) ([]string, error) {
	var launched []string
	for _, harness := range harnesses {
		harnessSync := filepath.Join(syncDir, harness)
		if err := os.MkdirAll(harnessSync, 0755); err != nil {
			return launched, fmt.Errorf("failed to create sync dir: %w", err)
		}

		for i := 0; i <= s.slaves; i++ {
			role := "-M"
			name := fmt.Sprintf("directed_%s_%s_master", msg.TaskID, harness)
			fuzzerID := "master"
			if i > 0 {
				role = "-S"
				fuzzerID = fmt.Sprintf("slave%d", i)
				name = fmt.Sprintf("directed_%s_%s_%s", msg.TaskID, harness, fuzzerID)
			}

			env := []string{
				"HELPER=True",
				"FUZZING_ENGINE=afl",
				"SANITIZER=address",
				"AFL_ROLE=" + role + " " + fuzzerID,
			}
			if allowlist != NoSliceResults {
				env = append(env, "AFL_LLVM_ALLOWLIST=/allowlist/functions.txt")
			}
			binds := []string{
				outDir + ":/out:ro",
				harnessSync + ":/sync",
			}
			if allowlist != NoSliceResults {
				binds = append(binds, filepath.Dir(allowlist)+":/allowlist:ro")
			}
			cmd := []string{"run_fuzzer", harness, "-sync_dir=/sync", "-sync_id=" + fuzzerID}

			if err := host.RunDetached(ctx, name, s.image, env, binds, cmd); err != nil {
				return launched, fmt.Errorf("failed to launch fuzzer %s: %w", name, err)
			}
			launched = append(launched, name)
		}
	}
	return launched, nil
}

// observe watches the sync directories for crashes until the task leaves
// the active states, forwarding each new PoC to triage.
func (s *DirectedStage) observe(ctx context.Context, logger zerolog.Logger, msg *messages.TaskMessage, syncDir string, harnesses []string) {
	seen := make(map[string]bool)
	synced := make(map[string]int)
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		active, err := TaskActive(ctx, s.cs, msg.TaskID)
		if err != nil {
			logger.Warn().Err(err).Msg("failed to read task status")
			continue
		}
		if !active {
			logger.Info().Msg("task left active states, stopping campaign")
			return
		}

		for _, harness := range harnesses {
			crashes, err := filepath.Glob(filepath.Join(syncDir, harness, "*", "crashes", "*"))
			if err != nil {
				continue
			}
			for _, crash := range crashes {
				base := filepath.Base(crash)
				if seen[crash] || base == "README.txt" {
					continue
				}
				seen[crash] = true
				if err := s.forwardCrash(ctx, msg, harness, crash); err != nil {
					logger.Warn().Str("crash", crash).Err(err).Msg("failed to forward crash")
					delete(seen, crash)
				}
			}

			if err := s.syncSeeds(ctx, msg, syncDir, harness, synced); err != nil {
				logger.Warn().Str("harness", harness).Err(err).Msg("failed to sync seeds")
			}
		}
	}
}

// syncSeeds pushes newly discovered fuzzer inputs to shared storage once
// per growth of the master queue, recording a Seed row other fuzzer
// instances can pick up.
func (s *DirectedStage) syncSeeds(ctx context.Context, msg *messages.TaskMessage, syncDir, harness string, synced map[string]int) error {
	queueDir := filepath.Join(syncDir, harness, "master", "queue")
	entries, err := os.ReadDir(queueDir)
	if err != nil {
		return nil // queue not populated yet
	}
	if len(entries) <= synced[harness] {
		return nil
	}

	archiveDir := filepath.Join(s.storage, "seed_archive", msg.TaskID)
	if err := os.MkdirAll(archiveDir, 0755); err != nil {
		return fmt.Errorf("failed to create seed archive dir: %w", err)
	}
	tarball := filepath.Join(archiveDir, fmt.Sprintf("%s_%d.tar.gz", harness, time.Now().Unix()))
	cmd := exec.CommandContext(ctx, "tar", "-czf", tarball, "-C", queueDir, ".")
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("failed to pack seeds: %w (output: %s)", err, string(out))
	}

	seed := &store.Seed{
		TaskID:      msg.TaskID,
		Path:        tarball,
		HarnessName: harness,
		Fuzzer:      "directed",
		Instance:    s.instance,
	}
	if err := s.rs.CreateSeed(ctx, seed); err != nil {
		return err
	}
	synced[harness] = len(entries)
	return nil
}

// forwardCrash copies the crash to shared storage, records a Bug row and
// publishes it to triage at top priority.
func (s *DirectedStage) forwardCrash(ctx context.Context, msg *messages.TaskMessage, harness, crash string) error {
	backupDir := filepath.Join(s.storage, "crash_backup", "directed", msg.TaskID, msg.ProjectName)
	if err := os.MkdirAll(backupDir, 0755); err != nil {
		return fmt.Errorf("failed to create crash backup dir: %w", err)
	}
	backup := filepath.Join(backupDir, uuid.NewString())
	data, err := os.ReadFile(crash)
	if err != nil {
		return fmt.Errorf("failed to read crash: %w", err)
	}
	if err := os.WriteFile(backup, data, 0644); err != nil {
		return fmt.Errorf("failed to back up crash: %w", err)
	}

	bug := &store.Bug{
		TaskID:      msg.TaskID,
		Poc:         backup,
		HarnessName: harness,
		Sanitizer:   build.SanitizerAddress,
	}
	if err := s.rs.CreateBug(ctx, bug); err != nil {
		return err
	}

	body, err := messages.Encode(&messages.TriageMessage{
		BugID:          bug.ID,
		TaskID:         msg.TaskID,
		TaskType:       msg.TaskType,
		Sanitizer:      build.SanitizerAddress,
		HarnessName:    harness,
		PocPath:        backup,
		ProjectName:    msg.ProjectName,
		Focus:          msg.Focus,
		Repo:           msg.Repo,
		FuzzingTooling: msg.FuzzingTooling,
		Diff:           msg.Diff,
	})
	if err != nil {
		return err
	}
	return s.bus.Publish(ctx, queuebus.QueueTriage, body, queuebus.WithPriority(queuebus.PriorityMax))
}

// stopContainers best-effort tears down launched fuzzers.
func (s *DirectedStage) stopContainers(host *build.DockerClient, names []string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	for _, name := range names {
		if err := host.StopAndRemove(ctx, name); err != nil {
			s.logger.Warn().Str("container", name).Err(err).Msg("failed to stop fuzzer")
		}
	}
}
