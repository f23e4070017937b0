package triage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const asanDump = `INFO: Seed: 12345
==1433==ERROR: AddressSanitizer: heap-buffer-overflow on address 0x602000000011 at pc 0x0000004f1b23
READ of size 4 at 0x602000000011 thread T0
    #0 0x4f1b23 in ParseHeader /src/lib/parse.c:42:9
    #1 0x4f2a10 in HandleRequest /src/lib/server.c:118:5
    #2 0x4f3000 in LLVMFuzzerTestOneInput /src/fuzz/fuzz_parse.c:12:3
SUMMARY: AddressSanitizer: heap-buffer-overflow /src/lib/parse.c:42:9 in ParseHeader
`

const jazzerDump = `INFO: Instrumented 412 classes
== Java Exception: com.code_intelligence.jazzer.api.FuzzerSecurityIssueHigh: OS Command Injection
	at jaz.Zer.reportFinding(Zer.java:108)
	at org.example.Exec.run(Exec.java:31)
	at ExecFuzzer.fuzzerTestOneInput(ExecFuzzer.java:14)
`

const timeoutDump = `INFO: Seed: 999
==77== ERROR: libFuzzer: timeout after 25 seconds
    #0 0x51aa00 in SlowLoop /src/lib/loop.c:9:2
    #1 0x51bb00 in LLVMFuzzerTestOneInput /src/fuzz/fuzz_loop.c:8:3
`

func TestStackParserASAN(t *testing.T) {
	report, ok := StackParser{}.Parse(asanDump)
	require.True(t, ok)
	assert.Equal(t, "AddressSanitizer: heap-buffer-overflow", report.BugType)
	assert.Equal(t, "/src/lib/parse.c:42:9", report.TriggerPoint)
	assert.Equal(t, "ParseHeader <- HandleRequest <- LLVMFuzzerTestOneInput", report.Summary)
}

func TestStackParserJazzerSecurityIssue(t *testing.T) {
	report, ok := StackParser{}.Parse(jazzerDump)
	require.True(t, ok)
	assert.Equal(t, "FuzzerSecurityIssueHigh: OS Command Injection", report.BugType)
	assert.Equal(t, "jaz.Zer.reportFinding(Zer.java:108)", report.TriggerPoint)
	assert.Contains(t, report.Summary, "org.example.Exec.run(Exec.java:31)")
}

func TestStackParserTimeout(t *testing.T) {
	report, ok := StackParser{}.Parse(timeoutDump)
	require.True(t, ok)
	assert.Equal(t, BugTypeTimeout, report.BugType)
	assert.Equal(t, "/src/lib/loop.c:9:2", report.TriggerPoint)
	assert.True(t, IsTimeoutOrOOM(report.BugType))
}

func TestStackParserRejectsCleanOutput(t *testing.T) {
	_, ok := StackParser{}.Parse("INFO: Seed: 1\nDone 10 runs in 0 second(s)\n")
	assert.False(t, ok)
}

func TestStackParserRejectsBugTypeWithoutFrames(t *testing.T) {
	_, ok := StackParser{}.Parse("==1==ERROR: AddressSanitizer: SEGV on unknown address\n")
	assert.False(t, ok)
}
