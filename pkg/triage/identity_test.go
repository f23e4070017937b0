package triage

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFingerprintStable(t *testing.T) {
	p := Pentuple{
		TaskID:       "task-1",
		Harness:      "fuzz_parse",
		Sanitizer:    "address",
		BugType:      "AddressSanitizer: heap-buffer-overflow",
		TriggerPoint: "/src/lib/parse.c:42:9",
	}
	fp := p.Fingerprint()
	assert.Len(t, fp, 32)
	assert.Equal(t, fp, p.Fingerprint())
}

func TestFingerprintSensitiveToEveryField(t *testing.T) {
	base := Pentuple{
		TaskID:       "task-1",
		Harness:      "fuzz_parse",
		Sanitizer:    "address",
		BugType:      "heap-buffer-overflow",
		TriggerPoint: "parse.c:42",
	}
	variants := []Pentuple{
		{TaskID: "task-2", Harness: base.Harness, Sanitizer: base.Sanitizer, BugType: base.BugType, TriggerPoint: base.TriggerPoint},
		{TaskID: base.TaskID, Harness: "fuzz_other", Sanitizer: base.Sanitizer, BugType: base.BugType, TriggerPoint: base.TriggerPoint},
		{TaskID: base.TaskID, Harness: base.Harness, Sanitizer: "memory", BugType: base.BugType, TriggerPoint: base.TriggerPoint},
		{TaskID: base.TaskID, Harness: base.Harness, Sanitizer: base.Sanitizer, BugType: "use-after-free", TriggerPoint: base.TriggerPoint},
		{TaskID: base.TaskID, Harness: base.Harness, Sanitizer: base.Sanitizer, BugType: base.BugType, TriggerPoint: "parse.c:43"},
	}
	for _, v := range variants {
		assert.NotEqual(t, base.Fingerprint(), v.Fingerprint())
	}
}

func TestIsTimeoutOrOOM(t *testing.T) {
	cases := []struct {
		bugType string
		want    bool
	}{
		{BugTypeTimeout, true},
		{BugTypeOutOfMemory, true},
		{"libFuzzer: timeout", true},
		{"libFuzzer: out-of-memory", true},
		{"AddressSanitizer: heap-buffer-overflow", false},
		{"Java Exception: java.lang.NullPointerException", false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, IsTimeoutOrOOM(tc.bugType), tc.bugType)
	}
}
