// File: internal/results/summary.go
// Description: Aggregates per-run results into a batch summary for the caller.

package results

import (
	"io"
	"sort"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/formrelay/formrelay-cli/api/schemas"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Summary is the aggregate view of a finished batch.
type Summary struct {
	Total   int `json:"total"`
	Success int `json:"success"`
	Failed  int `json:"failed"`
	Errors  int `json:"errors"`
	Stalled int `json:"stalled"`

	P50 time.Duration `json:"p50"`
	P90 time.Duration `json:"p90"`
	P99 time.Duration `json:"p99"`
}

// Summarize folds a result set into counts and timing percentiles.
func Summarize(results []schemas.Result) Summary {
	s := Summary{Total: len(results)}
	durations := make([]time.Duration, 0, len(results))

	for _, r := range results {
		switch r.Status {
		case schemas.StatusSuccess:
			s.Success++
		case schemas.StatusFailed:
			s.Failed++
		default:
			s.Errors++
		}
		if r.Stalled {
			s.Stalled++
		}
		durations = append(durations, r.Duration)
	}

	if len(durations) > 0 {
		sort.Slice(durations, func(i, j int) bool { return durations[i] < durations[j] })
		s.P50 = percentile(durations, 50)
		s.P90 = percentile(durations, 90)
		s.P99 = percentile(durations, 99)
	}
	return s
}

// percentile reads the nearest-rank percentile from a sorted slice.
func percentile(sorted []time.Duration, p int) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	rank := (p*len(sorted) + 99) / 100
	if rank < 1 {
		rank = 1
	}
	if rank > len(sorted) {
		rank = len(sorted)
	}
	return sorted[rank-1]
}

// Report is the JSON document written to the result sink.
type Report struct {
	Summary   Summary          `json:"summary"`
	Results   []schemas.Result `json:"results"`
	Generated time.Time        `json:"generated"`
}

// Write encodes the report for the batch caller's result sink.
func Write(w io.Writer, results []schemas.Result) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(Report{
		Summary:   Summarize(results),
		Results:   results,
		Generated: time.Now().UTC(),
	})
}
