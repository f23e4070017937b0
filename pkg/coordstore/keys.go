package coordstore

import "fmt"

// Key namespaces shared by every worker. All keys use ":" as separator;
// nothing outside this file builds a raw key string.
const (
	// TaskBugClustersKey is a hash mapping task id to a JSON array of
	// cluster ids owned by that task.
	TaskBugClustersKey = "global:task_bug_clusters"

	// DindHostsKey is the set of remote docker-over-tcp hosts available
	// for builds and fuzzer launches.
	DindHostsKey = "dind:hosts"

	// FuzzletsKey is the set of JSON descriptors announcing built
	// harness/engine artifacts.
	FuzzletsKey = "b3fuzz:fuzzlets"
)

// Task status values written under TaskStatusKey.
const (
	TaskStatusPending    = "pending"
	TaskStatusWaiting    = "waiting"
	TaskStatusProcessing = "processing"
	TaskStatusCanceled   = "canceled"
	TaskStatusErrored    = "errored"
	TaskStatusSucceeded  = "succeeded"
	TaskStatusFailed     = "failed"
)

// Build status sentinels written under BuildStatusKey.
const (
	BuildStatusBuilding = "building"
	BuildStatusDone     = "done"
)

// Runner status sentinels written under RunnerStatusKey.
const (
	RunnerStatusLaunching = "launching"
	RunnerStatusLaunched  = "launched"
)

// TaskStatusKey holds the canonical status of a task.
func TaskStatusKey(taskID string) string {
	return "global:task_status:" + taskID
}

// TaskMetadataKey holds the opaque JSON metadata blob attached to a task,
// replicated onto telemetry spans.
func TaskMetadataKey(taskID string) string {
	return "global:task_metadata:" + taskID
}

// TriageFingerprintKey interns the bug profile id assigned to a pentuple
// fingerprint within a task.
func TriageFingerprintKey(taskID, fingerprint string) string {
	return fmt.Sprintf("triage:%s:%s", taskID, fingerprint)
}

// BuildStatusKey tracks the shared build cache state for a
// (task, sanitizer, repo state) tuple.
func BuildStatusKey(taskID, sanitizer, state string) string {
	return fmt.Sprintf("triage:global:%s:%s:%s:build_status", taskID, sanitizer, state)
}

// BuildLockKey guards the build of a (task, sanitizer, repo state) tuple.
func BuildLockKey(taskID, sanitizer, state string) string {
	return fmt.Sprintf("lock:triage:global:%s:%s:%s:build", taskID, sanitizer, state)
}

// RunnerStatusKey tracks the per-pod runner container for a tuple.
func RunnerStatusKey(instance, taskID, sanitizer, state string) string {
	return fmt.Sprintf("triage:%s:%s:%s:%s:runner_status", instance, taskID, sanitizer, state)
}

// ProfileLockKey serializes BugGroup inserts for one fingerprint.
func ProfileLockKey(taskID, fingerprint string) string {
	return fmt.Sprintf("lock:triage:%s:%s", taskID, fingerprint)
}

// NewProfileLockKey serializes BugProfile creation within a task.
func NewProfileLockKey(taskID string) string {
	return fmt.Sprintf("lock:triage:%s:new_profile", taskID)
}

// ArtifactKey holds the shared-storage path of a built harness.
func ArtifactKey(taskID, harness, sanitizer, engine string) string {
	return fmt.Sprintf("artifacts:%s:%s:%s:%s:after", taskID, harness, sanitizer, engine)
}

// CminFailedKey marks that the cmin build for a task failed for good.
func CminFailedKey(taskID string) string {
	return fmt.Sprintf("artifacts:%s:cmin:failed", taskID)
}

// CminFileKey maps one coverage feature to its minimized corpus file.
func CminFileKey(taskID, harness string, feature int64) string {
	return fmt.Sprintf("clustercmin:file:%s:%s:%d", taskID, harness, feature)
}

// CminFeaturesKey is the set of coverage features observed for a
// (task, harness) pair.
func CminFeaturesKey(taskID, harness string) string {
	return fmt.Sprintf("clustercmin:features:%s:%s", taskID, harness)
}

// SubmissionKey interns a materialized submission body.
func SubmissionKey(kind, taskID, id, profile string) string {
	return fmt.Sprintf("submitter:%s:%s:%s:%s", kind, taskID, id, profile)
}

// BundleProfileKey stores the accepted POV submission id for a profile.
func BundleProfileKey(profileID string) string {
	return "submitter:bundle:bug_profile:" + profileID
}

// BundlePatchKey stores the accepted patch submission id for a profile.
func BundlePatchKey(profileID string) string {
	return "submitter:bundle:patch:" + profileID
}

// BundleTaskKey enqueues a bundle for a (task, profile) pair.
func BundleTaskKey(taskID, profileID string) string {
	return fmt.Sprintf("submitter:bundle:%s:%s", taskID, profileID)
}

// RetryCountKey counts workflow-level retries for a task.
func RetryCountKey(taskID string) string {
	return "workflow_retry_count:" + taskID
}
