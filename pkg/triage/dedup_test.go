package triage

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/b3yond/bugbuster/pkg/store"
)

func clustered(id, clusterID int64, bugType, summary string) store.ClusteredProfile {
	return store.ClusteredProfile{
		BugProfile: store.BugProfile{
			ID:               id,
			SanitizerBugType: bugType,
			Summary:          summary,
		},
		BugClusterID: clusterID,
	}
}

func TestNoDedupAlwaysNew(t *testing.T) {
	existing := []store.ClusteredProfile{
		clustered(1, 10, "heap-buffer-overflow", "ParseHeader <- main"),
	}
	d, err := NoDedup{}.Decide(context.Background(), store.BugProfile{ID: 2}, existing)
	require.NoError(t, err)
	assert.True(t, d.IsNew)
}

func TestSummaryOracleJoinsNormalizedMatch(t *testing.T) {
	existing := []store.ClusteredProfile{
		clustered(1, 10, "heap-buffer-overflow", "ParseHeader 0xdeadbeef <- main"),
		clustered(2, 11, "use-after-free", "Free <- main"),
	}
	profile := store.BugProfile{
		ID:               3,
		SanitizerBugType: "heap-buffer-overflow",
		Summary:          "ParseHeader 0x1234 <- main",
	}
	d, err := SummaryOracle{}.Decide(context.Background(), profile, existing)
	require.NoError(t, err)
	assert.False(t, d.IsNew)
	assert.Equal(t, int64(10), d.ClusterID)
}

func TestSummaryOracleBugTypeMustMatch(t *testing.T) {
	existing := []store.ClusteredProfile{
		clustered(1, 10, "heap-buffer-overflow", "ParseHeader <- main"),
	}
	profile := store.BugProfile{
		ID:               2,
		SanitizerBugType: "use-after-free",
		Summary:          "ParseHeader <- main",
	}
	d, err := SummaryOracle{}.Decide(context.Background(), profile, existing)
	require.NoError(t, err)
	assert.True(t, d.IsNew)
}

type scriptedJudge struct {
	idx int
	err error
}

func (j scriptedJudge) SameDefect(ctx context.Context, profile store.BugProfile, candidates []store.ClusteredProfile) (int, error) {
	return j.idx, j.err
}

func TestJudgeOracleJoins(t *testing.T) {
	existing := []store.ClusteredProfile{
		clustered(1, 10, "a", ""),
		clustered(2, 11, "b", ""),
	}
	d, err := JudgeOracle{Judge: scriptedJudge{idx: 1}}.Decide(context.Background(), store.BugProfile{ID: 3}, existing)
	require.NoError(t, err)
	assert.False(t, d.IsNew)
	assert.Equal(t, int64(11), d.ClusterID)
}

func TestJudgeOracleDegradesToNew(t *testing.T) {
	existing := []store.ClusteredProfile{clustered(1, 10, "a", "")}

	for _, judge := range []scriptedJudge{
		{idx: 0, err: errors.New("judge unavailable")},
		{idx: -1},
		{idx: 5},
	} {
		d, err := JudgeOracle{Judge: judge}.Decide(context.Background(), store.BugProfile{ID: 2}, existing)
		require.NoError(t, err)
		assert.True(t, d.IsNew)
	}
}

func TestNewOracleSelection(t *testing.T) {
	assert.IsType(t, SummaryOracle{}, NewOracle("clusterfuzz", nil))
	assert.IsType(t, NoDedup{}, NewOracle("codex", nil))
	assert.IsType(t, JudgeOracle{}, NewOracle("codex", scriptedJudge{}))
	assert.IsType(t, NoDedup{}, NewOracle("none", nil))
	assert.IsType(t, NoDedup{}, NewOracle("", nil))
}
