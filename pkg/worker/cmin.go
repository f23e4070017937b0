package worker

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"github.com/b3yond/bugbuster/pkg/coordstore"
	"github.com/b3yond/bugbuster/pkg/messages"
	"github.com/b3yond/bugbuster/pkg/queuebus"
)

// cminSentinel precedes the feature lines in the harness output.
const cminSentinel = "acd: generate cmin corpus by features in"

// CminStage thins a seed corpus to a feature-minimal cover. The harness
// binary (built with the cmin engine) emits one line per coverage
// feature; new features are interned into the coordination store so the
// cover only ever grows.
type CminStage struct {
	cs        *coordstore.Store
	storage   string
	waitDelay time.Duration
	logger    zerolog.Logger

	// runCmin is swappable in tests.
	runCmin func(ctx context.Context, binary, seedsDir string) (string, error)
}

// NewCminStage wires the cmin worker.
func NewCminStage(cs *coordstore.Store, storage string, logger zerolog.Logger) *CminStage {
	s := &CminStage{
		cs:        cs,
		storage:   storage,
		waitDelay: 5 * time.Second,
		logger:    logger,
	}
	s.runCmin = runCminBinary
	return s
}

// Queue implements Stage.
func (s *CminStage) Queue() string { return queuebus.QueueCmin }

// Handle implements Stage.
func (s *CminStage) Handle(ctx context.Context, body []byte, headers amqp.Table) error {
	var msg messages.CminMessage
	if err := messages.Decode(body, &msg); err != nil {
		return err
	}
	logger := s.logger.With().Str("task_id", msg.TaskID).Str("harness", msg.Harness).Logger()

	artifact, err := s.cs.Get(ctx, coordstore.ArtifactKey(msg.TaskID, msg.Harness, "none", "cmin"))
	if errors.Is(err, coordstore.ErrNotFound) {
		if _, ferr := s.cs.Get(ctx, coordstore.CminFailedKey(msg.TaskID)); ferr == nil {
			logger.Warn().Msg("cmin build failed for good, dropping corpus")
			return ErrSkip
		}
		// The cmin-engine build has not landed yet; wait briefly before
		// sending the message back to the tail.
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.waitDelay):
		}
		return fmt.Errorf("cmin artifact for %s/%s not ready", msg.TaskID, msg.Harness)
	}
	if err != nil {
		return err
	}

	seedsDir, err := os.MkdirTemp("", "cmin-seeds-")
	if err != nil {
		return fmt.Errorf("failed to create seeds dir: %w", err)
	}
	defer os.RemoveAll(seedsDir)
	cmd := exec.CommandContext(ctx, "tar", "-xzf", msg.Seeds, "-C", seedsDir)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("failed to extract seeds %s: %w (output: %s)", msg.Seeds, err, string(out))
	}

	output, err := s.runCmin(ctx, artifact, seedsDir)
	if err != nil {
		return fmt.Errorf("failed to run cmin harness: %w", err)
	}

	features := ParseCminOutput(output)
	var added []string
	for feature, file := range features {
		ok, err := s.cs.SetNX(ctx, coordstore.CminFileKey(msg.TaskID, msg.Harness, feature), file, 0)
		if err != nil {
			return err
		}
		if ok {
			added = append(added, strconv.FormatInt(feature, 10))
		}
	}
	if len(added) > 0 {
		if _, err := s.cs.SAdd(ctx, coordstore.CminFeaturesKey(msg.TaskID, msg.Harness), added...); err != nil {
			return err
		}
	}
	logger.Info().Int("features", len(features)).Int("new", len(added)).Msg("cmin pass recorded")
	return nil
}

// ParseCminOutput extracts the feature→filename mapping from the harness
// output. Lines before the sentinel are ignored.
func ParseCminOutput(output string) map[int64]string {
	features := make(map[int64]string)
	seen := false
	scanner := bufio.NewScanner(strings.NewReader(output))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !seen {
			seen = strings.Contains(line, cminSentinel)
			continue
		}
		rest, ok := strings.CutPrefix(line, "clustercmin:")
		if !ok {
			continue
		}
		featureStr, filename, ok := strings.Cut(rest, ":")
		if !ok || filename == "" {
			continue
		}
		feature, err := strconv.ParseInt(featureStr, 10, 64)
		if err != nil {
			continue
		}
		features[feature] = filename
	}
	return features
}

// runCminBinary executes the cmin-engine harness over a seed directory.
// The feature lines land on stderr mixed with libFuzzer noise.
func runCminBinary(ctx context.Context, binary, seedsDir string) (string, error) {
	cmd := exec.CommandContext(ctx, binary, "-runs=0", seedsDir)
	cmd.Env = append(os.Environ(), "AFL_GEN_HASH=1")
	out, err := cmd.CombinedOutput()
	if err != nil {
		return string(out), fmt.Errorf("harness exited: %w", err)
	}
	return string(out), nil
}
