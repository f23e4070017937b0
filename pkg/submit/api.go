package submit

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/b3yond/bugbuster/pkg/config"
	"github.com/b3yond/bugbuster/pkg/store"
)

// Payload size caps enforced before submission.
const (
	MaxPOVSize       = 2 << 20  // raw testcase bytes
	MaxPatchSize     = 100 << 10
	MaxSarifDescSize = 128 << 10
)

// Submission statuses the scoring API returns. They mirror the enum in
// pkg/store so verdicts persist without translation.
const (
	StatusAccepted         = store.SubmissionAccepted
	StatusPassed           = store.SubmissionPassed
	StatusFailed           = store.SubmissionFailed
	StatusDeadlineExceeded = store.SubmissionDeadlineExceeded
	StatusErrored          = store.SubmissionErrored
	StatusInconclusive     = store.SubmissionInconclusive
)

// Result is the scoring API's answer to a create or confirm call.
type Result struct {
	Status                    string `json:"status"`
	POVID                     string `json:"pov_id,omitempty"`
	PatchID                   string `json:"patch_id,omitempty"`
	FunctionalityTestsPassing *bool  `json:"functionality_tests_passing,omitempty"`
}

// SubmissionID returns whichever id field the API populated.
func (r Result) SubmissionID() string {
	if r.POVID != "" {
		return r.POVID
	}
	return r.PatchID
}

// Client talks to the competition scoring API with basic auth.
type Client struct {
	base  string
	keyID string
	token string
	http  *http.Client
}

// NewClient builds a scoring API client from config.
func NewClient(cfg config.ScoringConfig) *Client {
	return &Client{
		base:  strings.TrimRight(cfg.BaseURL, "/"),
		keyID: cfg.KeyID,
		token: cfg.KeyToken,
		http:  &http.Client{Timeout: 30 * time.Second},
	}
}

// POVBody is the create payload for a proof of vulnerability.
type POVBody struct {
	Testcase     string `json:"testcase"` // base64
	FuzzerName   string `json:"fuzzer_name"`
	Sanitizer    string `json:"sanitizer"`
	Architecture string `json:"architecture"`
}

// NewPOVBody encodes a raw testcase, rejecting oversized PoCs.
func NewPOVBody(testcase []byte, harness, sanitizer, arch string) (*POVBody, error) {
	if len(testcase) > MaxPOVSize {
		return nil, fmt.Errorf("testcase is %d bytes, cap is %d", len(testcase), MaxPOVSize)
	}
	if arch == "" {
		arch = "x86_64"
	}
	return &POVBody{
		Testcase:     base64.StdEncoding.EncodeToString(testcase),
		FuzzerName:   harness,
		Sanitizer:    sanitizer,
		Architecture: arch,
	}, nil
}

// PatchBody is the create payload for a patch.
type PatchBody struct {
	Patch string `json:"patch"` // base64
}

// NewPatchBody encodes a unified diff, rejecting oversized patches.
func NewPatchBody(diff []byte) (*PatchBody, error) {
	if len(diff) > MaxPatchSize {
		return nil, fmt.Errorf("patch is %d bytes, cap is %d", len(diff), MaxPatchSize)
	}
	return &PatchBody{Patch: base64.StdEncoding.EncodeToString(diff)}, nil
}

// SarifBody is the broadcast-SARIF-assessment payload.
type SarifBody struct {
	Assessment  string `json:"assessment"` // correct or incorrect
	Description string `json:"description"`
}

// NewSarifBody truncates overlong descriptions instead of failing: the
// verdict matters more than its prose.
func NewSarifBody(assessment, description string) *SarifBody {
	if len(description) > MaxSarifDescSize {
		description = description[:MaxSarifDescSize]
	}
	return &SarifBody{Assessment: assessment, Description: description}
}

// SubmitPOV creates a POV submission.
func (c *Client) SubmitPOV(ctx context.Context, taskID string, body *POVBody) (*Result, error) {
	return c.post(ctx, fmt.Sprintf("%s/v1/task/%s/pov/", c.base, taskID), body)
}

// SubmitPatch creates a patch submission.
func (c *Client) SubmitPatch(ctx context.Context, taskID string, body *PatchBody) (*Result, error) {
	return c.post(ctx, fmt.Sprintf("%s/v1/task/%s/patch/", c.base, taskID), body)
}

// SubmitSarifAssessment submits a SARIF verdict. No confirmation phase.
func (c *Client) SubmitSarifAssessment(ctx context.Context, taskID, sarifID string, body *SarifBody) (*Result, error) {
	return c.post(ctx, fmt.Sprintf("%s/v1/task/%s/broadcast-sarif-assessment/%s/", c.base, taskID, sarifID), body)
}

// SubmitBundle pairs an accepted POV with an accepted patch.
func (c *Client) SubmitBundle(ctx context.Context, taskID, povID, patchID string) (*Result, error) {
	body := map[string]string{"pov_id": povID, "patch_id": patchID}
	return c.post(ctx, fmt.Sprintf("%s/v1/task/%s/bundle/", c.base, taskID), body)
}

// ConfirmPOV polls a POV submission's verdict.
func (c *Client) ConfirmPOV(ctx context.Context, taskID, submissionID string) (*Result, error) {
	return c.get(ctx, fmt.Sprintf("%s/v1/task/%s/pov/%s/", c.base, taskID, submissionID))
}

// ConfirmPatch polls a patch submission's verdict.
func (c *Client) ConfirmPatch(ctx context.Context, taskID, submissionID string) (*Result, error) {
	return c.get(ctx, fmt.Sprintf("%s/v1/task/%s/patch/%s/", c.base, taskID, submissionID))
}

func (c *Client) post(ctx context.Context, url string, body interface{}) (*Result, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to encode submission: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req)
}

func (c *Client) get(ctx context.Context, url string) (*Result, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	return c.do(req)
}

func (c *Client) do(req *http.Request) (*Result, error) {
	req.SetBasicAuth(c.keyID, c.token)
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("scoring API request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read scoring API response: %w", err)
	}
	if resp.StatusCode >= 500 {
		// Server trouble is a retryable "errored" verdict, not a hard
		// failure.
		return &Result{Status: StatusErrored}, nil
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("scoring API rejected %s %s: %d %s", req.Method, req.URL.Path, resp.StatusCode, string(data))
	}

	var result Result
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("undecodable scoring API response: %w", err)
	}
	return &result, nil
}
