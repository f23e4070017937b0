package submit

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/b3yond/bugbuster/pkg/coordstore"
)

// Submission kinds. The kind picks the scoring API endpoint and the
// status table the verdict lands in.
const (
	KindPOV   = "pov"
	KindPatch = "patch"
	KindSarif = "sarif"
)

// Record is a materialized submission: everything needed to create and
// confirm one POV, patch or SARIF submission, interned in the
// coordination store so any submitter pod can carry it forward.
type Record struct {
	Kind         string     `json:"kind"`
	TaskID       string     `json:"task_id"`
	ID           string     `json:"id"` // bug, patch or sarif-result row id
	ProfileID    string     `json:"profile_id"`
	SubmissionID string     `json:"submission_id,omitempty"`
	POV          *POVBody   `json:"pov,omitempty"`
	Patch        *PatchBody `json:"patch,omitempty"`
	Sarif        *SarifBody `json:"sarif,omitempty"`
	SarifID      string     `json:"sarif_id,omitempty"`
}

// Key returns the coordination-store key this record lives under. The key
// doubles as the work-set member, so a record is always reachable from
// its queue entry.
func (r *Record) Key() string {
	return coordstore.SubmissionKey(r.Kind, r.TaskID, r.ID, r.ProfileID)
}

func (r *Record) encode() (string, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return "", fmt.Errorf("failed to encode submission record: %w", err)
	}
	return string(data), nil
}

// saveRecord interns a record under its key.
func saveRecord(ctx context.Context, cs *coordstore.Store, r *Record) error {
	data, err := r.encode()
	if err != nil {
		return err
	}
	return cs.Set(ctx, r.Key(), data, 0)
}

// loadRecord fetches the record behind a work-set member.
func loadRecord(ctx context.Context, cs *coordstore.Store, key string) (*Record, error) {
	data, err := cs.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	var r Record
	if err := json.Unmarshal([]byte(data), &r); err != nil {
		return nil, fmt.Errorf("failed to decode submission record %s: %w", key, err)
	}
	return &r, nil
}
