package triage

import (
	"crypto/md5"
	"encoding/hex"
	"strings"
)

// Pentuple is the semantic identity of a crash category. Two PoCs with
// the same pentuple intern to the same BugProfile.
type Pentuple struct {
	TaskID       string
	Harness      string
	Sanitizer    string
	BugType      string
	TriggerPoint string
}

// Fingerprint hashes the pentuple to the stable short id used as the
// coordination store interning key.
func (p Pentuple) Fingerprint() string {
	joined := strings.Join([]string{p.TaskID, p.Harness, p.Sanitizer, p.BugType, p.TriggerPoint}, "|")
	sum := md5.Sum([]byte(joined))
	return hex.EncodeToString(sum[:])
}

// Timeout and OOM bug types get routed to a dedicated processor pool
// instead of the regular dedup/patch path.
const (
	BugTypeTimeout     = "Timeout"
	BugTypeOutOfMemory = "out-of-memory"
)

// IsTimeoutOrOOM reports whether a bug type belongs to the slow-replay
// class.
func IsTimeoutOrOOM(bugType string) bool {
	if bugType == BugTypeTimeout || bugType == BugTypeOutOfMemory {
		return true
	}
	lower := strings.ToLower(bugType)
	return strings.Contains(lower, "timeout") || strings.Contains(lower, "out-of-memory")
}
