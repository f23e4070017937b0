package triage

import (
	"context"
	"regexp"
	"strings"

	"github.com/b3yond/bugbuster/pkg/store"
)

// Decision is the dedup oracle's verdict for a new profile.
type Decision struct {
	ClusterID int64
	IsNew     bool
}

// Oracle decides cluster membership for a freshly created profile given
// the task's already-clustered profiles. Implementations may be local
// heuristics or fronts for an external LLM judge; the engine only relies
// on this contract.
type Oracle interface {
	Decide(ctx context.Context, profile store.BugProfile, existing []store.ClusteredProfile) (Decision, error)
}

// NoDedup clusters nothing: every profile founds its own cluster.
type NoDedup struct{}

// Decide implements Oracle.
func (NoDedup) Decide(ctx context.Context, profile store.BugProfile, existing []store.ClusteredProfile) (Decision, error) {
	return Decision{IsNew: true}, nil
}

// SummaryOracle joins profiles whose bug type matches and whose
// normalized stack summaries are equal, in the clusterfuzz style of
// comparing crash states.
type SummaryOracle struct{}

var addrRe = regexp.MustCompile(`0x[0-9a-f]+`)

func normalizeSummary(s string) string {
	s = addrRe.ReplaceAllString(s, "ADDR")
	return strings.TrimSpace(s)
}

// Decide implements Oracle.
func (SummaryOracle) Decide(ctx context.Context, profile store.BugProfile, existing []store.ClusteredProfile) (Decision, error) {
	want := normalizeSummary(profile.Summary)
	for _, other := range existing {
		if other.ID == profile.ID {
			continue
		}
		if other.SanitizerBugType != profile.SanitizerBugType {
			continue
		}
		if normalizeSummary(other.Summary) == want {
			return Decision{ClusterID: other.BugClusterID}, nil
		}
	}
	return Decision{IsNew: true}, nil
}

// Judge is an external dedup decision procedure (the LLM-backed judge
// behind dedup_queue). It sees rendered profile descriptions and answers
// with the index of the matching profile, or -1 for a new defect.
type Judge interface {
	SameDefect(ctx context.Context, profile store.BugProfile, candidates []store.ClusteredProfile) (int, error)
}

// JudgeOracle adapts a Judge to the Oracle contract.
type JudgeOracle struct {
	Judge Judge
}

// Decide implements Oracle. A judge failure degrades to "new cluster";
// over-splitting is recoverable downstream, silently merging distinct
// defects is not.
func (o JudgeOracle) Decide(ctx context.Context, profile store.BugProfile, existing []store.ClusteredProfile) (Decision, error) {
	if len(existing) == 0 {
		return Decision{IsNew: true}, nil
	}
	idx, err := o.Judge.SameDefect(ctx, profile, existing)
	if err != nil || idx < 0 || idx >= len(existing) {
		return Decision{IsNew: true}, nil
	}
	return Decision{ClusterID: existing[idx].BugClusterID}, nil
}

// NewOracle picks the oracle for a configured dedup method.
func NewOracle(method string, judge Judge) Oracle {
	switch method {
	case "clusterfuzz":
		return SummaryOracle{}
	case "codex":
		if judge != nil {
			return JudgeOracle{Judge: judge}
		}
		return NoDedup{}
	default:
		return NoDedup{}
	}
}
