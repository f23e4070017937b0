package messages

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeTriageMessage(t *testing.T) {
	payload := []byte(`{
		"bug_id": 12,
		"task_id": "t1",
		"task_type": "delta",
		"sanitizer": "*",
		"harness_name": "fuzz_target",
		"poc_path": "/crs/crash_backup/prime/t1/poc",
		"project_name": "mock1",
		"focus": "mock1",
		"repo": ["/crs/src/mock1.tar.gz"],
		"fuzzing_tooling": "/crs/src/oss-fuzz.tar.gz"
	}`)

	var m TriageMessage
	require.NoError(t, Decode(payload, &m))
	assert.Equal(t, int64(12), m.BugID)
	assert.Equal(t, "*", m.Sanitizer)
	assert.Equal(t, TaskTypeDelta, m.TaskType)
}

func TestDecodeMissingFieldsIsPoison(t *testing.T) {
	var m TriageMessage
	err := Decode([]byte(`{"task_id":"t1"}`), &m)
	var poison *PoisonError
	assert.True(t, errors.As(err, &poison))
}

func TestDecodeMalformedJSONIsPoison(t *testing.T) {
	var m CminMessage
	err := Decode([]byte(`{not json`), &m)
	var poison *PoisonError
	assert.True(t, errors.As(err, &poison))
}

func TestTaskMessageValidation(t *testing.T) {
	m := TaskMessage{TaskID: "t1", TaskType: "incremental", ProjectName: "p", Focus: "p"}
	assert.Error(t, m.Validate())
	m.TaskType = TaskTypeFull
	assert.NoError(t, m.Validate())
}

func TestPatchMessageValidation(t *testing.T) {
	m := PatchMessage{BugProfileID: 7, PatchMode: "aggressive"}
	assert.Error(t, m.Validate())
	m.PatchMode = PatchModeFast
	assert.NoError(t, m.Validate())
}

func TestEncodeRoundTrip(t *testing.T) {
	in := PatchMessage{BugProfileID: 3, PatchMode: PatchModeGeneric}
	data, err := Encode(&in)
	require.NoError(t, err)

	var out PatchMessage
	require.NoError(t, Decode(data, &out))
	assert.Equal(t, in, out)
}
