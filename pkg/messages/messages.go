// Package messages defines the JSON payloads exchanged over the stage
// queues. Each queue has one fixed schema; unknown fields are preserved by
// consumers that forward messages downstream.
package messages

import (
	"encoding/json"
	"fmt"
)

// Task types.
const (
	TaskTypeFull  = "full"
	TaskTypeDelta = "delta"
)

// Patch generation modes carried on patch_queue.
const (
	PatchModeGeneric = "generic"
	PatchModeFast    = "fast"
	PatchModeNone    = "none"
)

// PoisonError marks a message that can never be processed: the stage nacks
// it without requeue.
type PoisonError struct {
	Reason string
}

func (e *PoisonError) Error() string {
	return "poison message: " + e.Reason
}

// Poison builds a PoisonError.
func Poison(format string, args ...interface{}) error {
	return &PoisonError{Reason: fmt.Sprintf(format, args...)}
}

// TaskMessage is the payload of corpus_queue, seedgen_queue and
// directed_queue.
type TaskMessage struct {
	TaskID         string   `json:"task_id"`
	TaskType       string   `json:"task_type"`
	ProjectName    string   `json:"project_name"`
	Focus          string   `json:"focus"`
	Repo           []string `json:"repo"`
	FuzzingTooling string   `json:"fuzzing_tooling"`
	Diff           string   `json:"diff,omitempty"`
	SarifSlicePath string   `json:"sarif_slice_path,omitempty"`
}

// Validate checks the required fields.
func (m *TaskMessage) Validate() error {
	if m.TaskID == "" {
		return Poison("task message without task_id")
	}
	if m.TaskType != TaskTypeFull && m.TaskType != TaskTypeDelta {
		return Poison("task %s has unknown task_type %q", m.TaskID, m.TaskType)
	}
	if m.ProjectName == "" || m.Focus == "" {
		return Poison("task %s missing project_name or focus", m.TaskID)
	}
	return nil
}

// CminMessage is the payload of cmin_queue.
type CminMessage struct {
	TaskID  string `json:"task_id"`
	Harness string `json:"harness"`
	Seeds   string `json:"seeds"`
}

// Validate checks the required fields.
func (m *CminMessage) Validate() error {
	if m.TaskID == "" || m.Harness == "" || m.Seeds == "" {
		return Poison("cmin message missing task_id, harness or seeds")
	}
	return nil
}

// SliceMessage is the payload of slice_queue / slice_queue_R18.
type SliceMessage struct {
	TaskID         string   `json:"task_id"`
	SliceID        string   `json:"slice_id"`
	IsSarif        bool     `json:"is_sarif"`
	ProjectName    string   `json:"project_name"`
	Focus          string   `json:"focus"`
	Repo           []string `json:"repo"`
	FuzzingTooling string   `json:"fuzzing_tooling"`
	Diff           string   `json:"diff,omitempty"`
	SliceTarget    string   `json:"slice_target,omitempty"`
}

// Validate checks the required fields.
func (m *SliceMessage) Validate() error {
	if m.TaskID == "" || m.SliceID == "" {
		return Poison("slice message missing task_id or slice_id")
	}
	return nil
}

// TriageMessage is the payload of triage_queue and timeout_queue. The
// sanitizer and harness fields accept the wildcard "*".
type TriageMessage struct {
	BugID          int64    `json:"bug_id"`
	TaskID         string   `json:"task_id"`
	TaskType       string   `json:"task_type"`
	Sanitizer      string   `json:"sanitizer"`
	HarnessName    string   `json:"harness_name"`
	PocPath        string   `json:"poc_path"`
	ProjectName    string   `json:"project_name"`
	Focus          string   `json:"focus"`
	Repo           []string `json:"repo"`
	FuzzingTooling string   `json:"fuzzing_tooling"`
	Diff           string   `json:"diff,omitempty"`
}

// Validate checks the required fields.
func (m *TriageMessage) Validate() error {
	if m.TaskID == "" {
		return Poison("triage message without task_id")
	}
	if m.BugID == 0 {
		return Poison("triage message for task %s without bug_id", m.TaskID)
	}
	if m.PocPath == "" {
		return Poison("triage message for bug %d without poc_path", m.BugID)
	}
	if m.HarnessName == "" || m.Sanitizer == "" {
		return Poison("triage message for bug %d missing harness_name or sanitizer", m.BugID)
	}
	return nil
}

// DedupMessage is the payload of dedup_queue.
type DedupMessage struct {
	TaskID         string   `json:"task_id"`
	TaskType       string   `json:"task_type"`
	ProjectName    string   `json:"project_name"`
	Focus          string   `json:"focus"`
	Repo           []string `json:"repo"`
	FuzzTooling    string   `json:"fuzz_tooling"`
	Diff           string   `json:"diff,omitempty"`
	BugProfileID   int64    `json:"bug_profile_id"`
}

// Validate checks the required fields.
func (m *DedupMessage) Validate() error {
	if m.TaskID == "" || m.BugProfileID == 0 {
		return Poison("dedup message missing task_id or bug_profile_id")
	}
	return nil
}

// PatchMessage is the payload of patch_queue.
type PatchMessage struct {
	BugProfileID int64  `json:"bug_profile_id"`
	PatchMode    string `json:"patch_mode"`
}

// Validate checks the required fields.
func (m *PatchMessage) Validate() error {
	if m.BugProfileID == 0 {
		return Poison("patch message without bug_profile_id")
	}
	switch m.PatchMode {
	case PatchModeGeneric, PatchModeFast, PatchModeNone:
		return nil
	default:
		return Poison("patch message for profile %d has unknown patch_mode %q", m.BugProfileID, m.PatchMode)
	}
}

// Encode marshals a message to its wire form.
func Encode(m interface{}) ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to encode message: %w", err)
	}
	return data, nil
}

// Decode unmarshals a wire payload into m and validates it. Malformed
// JSON and failed validation are both poison.
func Decode(data []byte, m interface{ Validate() error }) error {
	if err := json.Unmarshal(data, m); err != nil {
		return Poison("undecodable payload: %v", err)
	}
	return m.Validate()
}
