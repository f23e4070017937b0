package worker

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"github.com/b3yond/bugbuster/pkg/build"
	"github.com/b3yond/bugbuster/pkg/messages"
	"github.com/b3yond/bugbuster/pkg/queuebus"
	"github.com/b3yond/bugbuster/pkg/store"
)

// NoSliceResults is the literal recorded when the slicing pass finds no
// reachable functions; downstream fuzzers fall back to undirected mode.
const NoSliceResults = "/no_results"

// Slicer computes the set of functions reachable from a diff or a SARIF
// target. The bitcode build and reachability analysis live behind this
// seam.
type Slicer interface {
	Slice(ctx context.Context, ws *build.Workspace, project, target string) ([]string, error)
}

// SliceStage builds the project sources, runs the slicing pass and
// records the function list under the slice id the requester polls.
type SliceStage struct {
	rs      *store.Store
	slicer  Slicer
	storage string
	queue   string
	logger  zerolog.Logger
}

// NewSliceStage wires a slice worker. queue selects slice_queue or its
// R18 variant; both carry the same payload.
func NewSliceStage(rs *store.Store, slicer Slicer, storage, queue string, logger zerolog.Logger) *SliceStage {
	if queue == "" {
		queue = queuebus.QueueSlice
	}
	return &SliceStage{
		rs:      rs,
		slicer:  slicer,
		storage: storage,
		queue:   queue,
		logger:  logger,
	}
}

// Queue implements Stage.
func (s *SliceStage) Queue() string { return s.queue }

// Handle implements Stage.
func (s *SliceStage) Handle(ctx context.Context, body []byte, headers amqp.Table) error {
	var msg messages.SliceMessage
	if err := messages.Decode(body, &msg); err != nil {
		return err
	}
	logger := s.logger.With().Str("task_id", msg.TaskID).Str("slice_id", msg.SliceID).Logger()

	wsRoot, err := os.MkdirTemp("", "slice-")
	if err != nil {
		return fmt.Errorf("failed to create slice workspace: %w", err)
	}
	defer os.RemoveAll(wsRoot)

	ws, err := build.NewWorkspace(wsRoot, msg.Focus)
	if err != nil {
		return err
	}
	if err := ws.ExtractSources(ctx, msg.Repo, msg.FuzzingTooling); err != nil {
		return err
	}
	if msg.Diff != "" {
		if err := ws.ApplyDiff(ctx, msg.Diff); err != nil {
			return err
		}
	}

	target := msg.SliceTarget
	if target == "" {
		target = msg.Diff
	}
	functions, err := s.slicer.Slice(ctx, ws, msg.ProjectName, target)
	if err != nil {
		return fmt.Errorf("failed to slice %s: %w", msg.SliceID, err)
	}

	resultPath := NoSliceResults
	if len(functions) > 0 {
		dir := filepath.Join(s.storage, "slice_results", msg.SliceID)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create slice result dir: %w", err)
		}
		resultPath = filepath.Join(dir, "functions.txt")
		content := strings.Join(functions, "\n") + "\n"
		if err := os.WriteFile(resultPath, []byte(content), 0644); err != nil {
			return fmt.Errorf("failed to write slice result: %w", err)
		}
	}

	if msg.IsSarif {
		err = s.rs.CreateSarifSlice(ctx, &store.SarifSlice{SarifID: msg.SliceID, Path: resultPath})
	} else {
		err = s.rs.CreateDirectedSlice(ctx, &store.DirectedSlice{
			SliceID: msg.SliceID,
			TaskID:  msg.TaskID,
			Path:    resultPath,
		})
	}
	if err != nil {
		return err
	}
	logger.Info().Int("functions", len(functions)).Str("result", resultPath).Msg("slice recorded")
	return nil
}
