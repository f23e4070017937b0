package store

import "time"

// Task statuses and types. Enum columns are closed sets; writes with
// unknown values fail validation before reaching the database.
const (
	TaskStatusPending    = "pending"
	TaskStatusWaiting    = "waiting"
	TaskStatusProcessing = "processing"
	TaskStatusCanceled   = "canceled"
	TaskStatusErrored    = "errored"
	TaskStatusSucceeded  = "succeeded"
	TaskStatusFailed     = "failed"
)

// Submission statuses shared by PatchStatus and BugProfileStatus.
const (
	SubmissionAccepted         = "accepted"
	SubmissionPassed           = "passed"
	SubmissionFailed           = "failed"
	SubmissionDeadlineExceeded = "deadline_exceeded"
	SubmissionErrored          = "errored"
	SubmissionInconclusive     = "inconclusive"
)

// Source types.
const (
	SourceRepo        = "repo"
	SourceFuzzTooling = "fuzz_tooling"
	SourceDiff        = "diff"
)

// Task is the top-level unit of work. It owns every dependent row;
// deleting a task cascades through the whole subtree.
type Task struct {
	ID          string `gorm:"primaryKey"`
	TaskType    string `gorm:"not null"`
	ProjectName string `gorm:"not null"`
	Focus       string `gorm:"not null"`
	Deadline    int64  `gorm:"not null"` // epoch millis
	Status      string `gorm:"not null;index"`
	Metadata    string
	CreatedAt   time.Time
}

// Source is one input archive of a task.
type Source struct {
	ID        int64  `gorm:"primaryKey"`
	TaskID    string `gorm:"index;not null"`
	Task      Task   `gorm:"constraint:OnDelete:CASCADE"`
	Type      string `gorm:"not null"`
	Path      string `gorm:"not null"`
	SHA256    string
	CreatedAt time.Time
}

// Seed is a corpus tarball produced by one of the seed-generating stages.
type Seed struct {
	ID          int64  `gorm:"primaryKey"`
	TaskID      string `gorm:"index;not null"`
	Task        Task   `gorm:"constraint:OnDelete:CASCADE"`
	Path        string `gorm:"not null"`
	HarnessName string `gorm:"not null"` // "*" means corpus-wide
	Fuzzer      string `gorm:"not null"`
	Instance    string
	Coverage    float64
	Metrics     string
	CreatedAt   time.Time
}

// Bug is a single reproducer (PoC file).
type Bug struct {
	ID           int64  `gorm:"primaryKey"`
	TaskID       string `gorm:"index;not null"`
	Task         Task   `gorm:"constraint:OnDelete:CASCADE"`
	Architecture string
	Poc          string `gorm:"not null"`
	HarnessName  string `gorm:"not null"`
	Sanitizer    string `gorm:"not null"`
	SarifReport  string
	CreatedAt    time.Time
}

// BugProfile is the semantic crash identity within a task, keyed by the
// (harness, sanitizer, bug type, trigger point) pentuple. Uniqueness is
// enforced by the triage engine under an advisory lock rather than a
// database constraint, because the pentuple hash lives in the
// coordination store.
type BugProfile struct {
	ID               int64  `gorm:"primaryKey"`
	TaskID           string `gorm:"index;not null"`
	Task             Task   `gorm:"constraint:OnDelete:CASCADE"`
	HarnessName      string `gorm:"not null"`
	Sanitizer        string `gorm:"not null"`
	SanitizerBugType string `gorm:"not null"`
	TriggerPoint     string `gorm:"not null"`
	Summary          string
	CreatedAt        time.Time
}

// BugGroup links a Bug to a BugProfile. diff_only marks bugs that only
// reproduce on the patched repo state of a delta task.
type BugGroup struct {
	ID           int64      `gorm:"primaryKey"`
	BugID        int64      `gorm:"not null;uniqueIndex:idx_bug_profile_edge"`
	Bug          Bug        `gorm:"constraint:OnDelete:CASCADE"`
	BugProfileID int64      `gorm:"not null;uniqueIndex:idx_bug_profile_edge;index"`
	BugProfile   BugProfile `gorm:"constraint:OnDelete:CASCADE"`
	DiffOnly     bool
	CreatedAt    time.Time
}

// BugCluster groups profiles judged to share one underlying defect.
type BugCluster struct {
	ID           int64  `gorm:"primaryKey"`
	TaskID       string `gorm:"index;not null"`
	Task         Task   `gorm:"constraint:OnDelete:CASCADE"`
	TriggerPoint string
	CreatedAt    time.Time
}

// BugClusterGroup links a BugProfile to its cluster. The schema is shaped
// many-to-many but each profile belongs to exactly one cluster.
type BugClusterGroup struct {
	ID           int64      `gorm:"primaryKey"`
	BugProfileID int64      `gorm:"not null;uniqueIndex"`
	BugProfile   BugProfile `gorm:"constraint:OnDelete:CASCADE"`
	BugClusterID int64      `gorm:"not null;index"`
	BugCluster   BugCluster `gorm:"constraint:OnDelete:CASCADE"`
	CreatedAt    time.Time
}

// Patch is one candidate fix authored for a profile.
type Patch struct {
	ID           int64      `gorm:"primaryKey"`
	BugProfileID int64      `gorm:"index;not null"`
	BugProfile   BugProfile `gorm:"constraint:OnDelete:CASCADE"`
	Patch        string     `gorm:"not null"`
	Model        string
	CreatedAt    time.Time
}

// PatchBug records whether a specific PoC stops crashing under a patch.
type PatchBug struct {
	ID        int64 `gorm:"primaryKey"`
	PatchID   int64 `gorm:"not null;uniqueIndex:idx_patch_bug_edge"`
	Patch     Patch `gorm:"constraint:OnDelete:CASCADE"`
	BugID     int64 `gorm:"not null;uniqueIndex:idx_patch_bug_edge"`
	Bug       Bug   `gorm:"constraint:OnDelete:CASCADE"`
	Repaired  bool
	CreatedAt time.Time
}

// PatchStatus is the scoring verdict for a submitted patch.
type PatchStatus struct {
	ID                        int64  `gorm:"primaryKey"`
	PatchID                   int64  `gorm:"index;not null"`
	Patch                     Patch  `gorm:"constraint:OnDelete:CASCADE"`
	Status                    string `gorm:"not null"`
	FunctionalityTestsPassing *bool
	CreatedAt                 time.Time
}

// BugProfileStatus is the scoring verdict for a submitted POV.
type BugProfileStatus struct {
	ID           int64      `gorm:"primaryKey"`
	BugProfileID int64      `gorm:"index;not null"`
	BugProfile   BugProfile `gorm:"constraint:OnDelete:CASCADE"`
	Status       string     `gorm:"not null"`
	CreatedAt    time.Time
}

// PatchSubmit marks a patch as pushed into the external submission flow.
type PatchSubmit struct {
	ID        int64 `gorm:"primaryKey"`
	PatchID   int64 `gorm:"index;not null"`
	Patch     Patch `gorm:"constraint:OnDelete:CASCADE"`
	CreatedAt time.Time
}

// PatchSubmitTimestamp rate-limits patch submitter scans per task.
type PatchSubmitTimestamp struct {
	ID        int64  `gorm:"primaryKey"`
	TaskID    string `gorm:"index;not null"`
	Task      Task   `gorm:"constraint:OnDelete:CASCADE"`
	CreatedAt time.Time
}

// Sarif stores a raw static-analysis payload attached to a task.
type Sarif struct {
	ID        int64  `gorm:"primaryKey"`
	TaskID    string `gorm:"index;not null"`
	Task      Task   `gorm:"constraint:OnDelete:CASCADE"`
	SarifID   string `gorm:"uniqueIndex;not null"`
	Report    string
	CreatedAt time.Time
}

// SarifResult stores the assessment verdict for a SARIF report.
type SarifResult struct {
	ID           int64  `gorm:"primaryKey"`
	SarifID      string `gorm:"index;not null"`
	Verdict      string `gorm:"not null"` // correct or incorrect
	BugProfileID *int64
	Description  string
	Submitted    bool `gorm:"index"`
	CreatedAt    time.Time
}

// SarifSlice points at the function list reachable from a SARIF target.
type SarifSlice struct {
	ID        int64  `gorm:"primaryKey"`
	SarifID   string `gorm:"index;not null"`
	Path      string `gorm:"not null"`
	CreatedAt time.Time
}

// DirectedSlice points at the function list reachable from the task diff.
type DirectedSlice struct {
	ID        int64  `gorm:"primaryKey"`
	SliceID   string `gorm:"uniqueIndex;not null"`
	TaskID    string `gorm:"index;not null"`
	Task      Task   `gorm:"constraint:OnDelete:CASCADE"`
	Path      string `gorm:"not null"`
	CreatedAt time.Time
}

// allModels drives migration, in dependency order.
func allModels() []interface{} {
	return []interface{}{
		&Task{}, &Source{}, &Seed{}, &Bug{},
		&BugProfile{}, &BugGroup{}, &BugCluster{}, &BugClusterGroup{},
		&Patch{}, &PatchBug{}, &PatchStatus{}, &BugProfileStatus{},
		&PatchSubmit{}, &PatchSubmitTimestamp{},
		&Sarif{}, &SarifResult{}, &SarifSlice{}, &DirectedSlice{},
	}
}
