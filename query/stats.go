package query

import (
	"math"
	"sort"
	"time"

	"contractflow/lifecycle"
)

// StatusChange is one event of a contract's log reduced to the status it
// left the contract in.
type StatusChange struct {
	ContractID string
	Seq        int
	Status     lifecycle.Status
	At         time.Time
}

// StageStats summarizes how long contracts stayed in one status.
type StageStats struct {
	Count          int     `json:"count"`
	AverageSeconds float64 `json:"averageSeconds"`
	P50Seconds     float64 `json:"p50Seconds"`
	P90Seconds     float64 `json:"p90Seconds"`
	P95Seconds     float64 `json:"p95Seconds"`
}

// Stats is the result of GetLifecycleStats.
type Stats struct {
	Total       int                             `json:"total"`
	Counts      map[lifecycle.Status]int        `json:"counts"`
	TimeInStage map[lifecycle.Status]StageStats `json:"timeInStage"`
}

// StageDurations measures every stage visited in changes, which must be
// grouped by contract and ordered by seq. A stage starts at the event that
// entered a status and ends at the next event that changed it; the current
// stage of each contract ends at now. Events that keep the status, such as
// partial signatures, extend the running stage.
func StageDurations(changes []StatusChange, now time.Time) map[lifecycle.Status][]time.Duration {
	out := map[lifecycle.Status][]time.Duration{}
	var (
		contract string
		status   lifecycle.Status
		entered  time.Time
		open     bool
	)
	closeStage := func(at time.Time) {
		if !open {
			return
		}
		d := at.Sub(entered)
		if d < 0 {
			d = 0
		}
		out[status] = append(out[status], d)
	}
	for _, ch := range changes {
		if !open || ch.ContractID != contract {
			closeStage(now)
			contract, status, entered, open = ch.ContractID, ch.Status, ch.At, true
			continue
		}
		if ch.Status == status {
			continue
		}
		closeStage(ch.At)
		status, entered = ch.Status, ch.At
	}
	closeStage(now)
	return out
}

// Summarize reduces durations to count, mean and nearest-rank percentiles.
func Summarize(durations []time.Duration) StageStats {
	if len(durations) == 0 {
		return StageStats{}
	}
	secs := make([]float64, len(durations))
	var sum float64
	for i, d := range durations {
		secs[i] = d.Seconds()
		sum += secs[i]
	}
	sort.Float64s(secs)
	return StageStats{
		Count:          len(secs),
		AverageSeconds: sum / float64(len(secs)),
		P50Seconds:     nearestRank(secs, 50),
		P90Seconds:     nearestRank(secs, 90),
		P95Seconds:     nearestRank(secs, 95),
	}
}

func nearestRank(sorted []float64, p float64) float64 {
	rank := int(math.Ceil(p / 100 * float64(len(sorted))))
	if rank < 1 {
		rank = 1
	}
	return sorted[rank-1]
}

// TimeInStage combines StageDurations and Summarize.
func TimeInStage(changes []StatusChange, now time.Time) map[lifecycle.Status]StageStats {
	out := map[lifecycle.Status]StageStats{}
	for status, ds := range StageDurations(changes, now) {
		out[status] = Summarize(ds)
	}
	return out
}
