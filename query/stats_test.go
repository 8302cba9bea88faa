package query

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"contractflow/lifecycle"
)

var t0 = time.Date(2026, 2, 2, 8, 0, 0, 0, time.UTC)

func at(h int) time.Time { return t0.Add(time.Duration(h) * time.Hour) }

func TestStageDurations(t *testing.T) {
	changes := []StatusChange{
		{ContractID: "a", Seq: 1, Status: lifecycle.StatusDraft, At: at(0)},
		{ContractID: "a", Seq: 2, Status: lifecycle.StatusPendingApproval, At: at(1)},
		{ContractID: "a", Seq: 3, Status: lifecycle.StatusApproved, At: at(3)},
		{ContractID: "a", Seq: 4, Status: lifecycle.StatusSent, At: at(4)},
		// A partial signature keeps the contract in sent.
		{ContractID: "a", Seq: 5, Status: lifecycle.StatusSent, At: at(5)},
		{ContractID: "a", Seq: 6, Status: lifecycle.StatusSigned, At: at(6)},
		{ContractID: "b", Seq: 1, Status: lifecycle.StatusDraft, At: at(0)},
	}

	got := StageDurations(changes, at(10))
	assert.Equal(t, []time.Duration{time.Hour, 10 * time.Hour}, got[lifecycle.StatusDraft])
	assert.Equal(t, []time.Duration{2 * time.Hour}, got[lifecycle.StatusPendingApproval])
	assert.Equal(t, []time.Duration{time.Hour}, got[lifecycle.StatusApproved])
	assert.Equal(t, []time.Duration{2 * time.Hour}, got[lifecycle.StatusSent])
	assert.Equal(t, []time.Duration{4 * time.Hour}, got[lifecycle.StatusSigned], "open stage runs until now")
	assert.NotContains(t, got, lifecycle.StatusExpired)

	stats := TimeInStage(changes, at(10))
	draft := stats[lifecycle.StatusDraft]
	assert.Equal(t, 2, draft.Count)
	assert.InDelta(t, 5.5*3600, draft.AverageSeconds, 0.001)
	assert.InDelta(t, 3600, draft.P50Seconds, 0.001)
	assert.InDelta(t, 36000, draft.P95Seconds, 0.001)
}

func TestStageDurations_Empty(t *testing.T) {
	assert.Empty(t, StageDurations(nil, t0))
	assert.Equal(t, StageStats{}, Summarize(nil))
}

func TestStageDurations_ClockSkewNeverNegative(t *testing.T) {
	changes := []StatusChange{
		{ContractID: "a", Seq: 1, Status: lifecycle.StatusDraft, At: at(5)},
	}
	got := StageDurations(changes, at(1))
	require.Len(t, got[lifecycle.StatusDraft], 1)
	assert.Equal(t, time.Duration(0), got[lifecycle.StatusDraft][0])
}

func TestSummarize_NearestRank(t *testing.T) {
	var ds []time.Duration
	for i := 10; i >= 1; i-- {
		ds = append(ds, time.Duration(i)*time.Second)
	}
	s := Summarize(ds)
	assert.Equal(t, 10, s.Count)
	assert.InDelta(t, 5.5, s.AverageSeconds, 1e-9)
	assert.InDelta(t, 5, s.P50Seconds, 1e-9)
	assert.InDelta(t, 9, s.P90Seconds, 1e-9)
	assert.InDelta(t, 10, s.P95Seconds, 1e-9)

	one := Summarize([]time.Duration{3 * time.Second})
	assert.InDelta(t, 3, one.P50Seconds, 1e-9)
	assert.InDelta(t, 3, one.P95Seconds, 1e-9)
}
