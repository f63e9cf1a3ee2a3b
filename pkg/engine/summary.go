package engine

import (
	"errors"
	"time"

	"ledger-client/pkg/ledger"
)

// Summary aggregates the outcome of a batch run.
type Summary struct {
	Total     int
	Confirmed int
	Failed    int
	Expired   int
	Invalid   int
	Attempts  int

	// AverageTime is the mean submission-to-terminal time of confirmed transfers.
	AverageTime time.Duration
	// TotalTime is the wall-clock duration of the run.
	TotalTime time.Duration
}

// Summarize aggregates records. total is the run's wall-clock time.
func Summarize(records []Record, total time.Duration) Summary {
	s := Summary{Total: len(records), TotalTime: total}

	var confirmedTime time.Duration
	for _, rec := range records {
		s.Attempts += rec.Attempts
		switch rec.State {
		case Confirmed:
			s.Confirmed++
			confirmedTime += rec.Elapsed()
		case Failed:
			s.Failed++
			if errors.Is(rec.Reason, ledger.ErrInvalidIntent) {
				s.Invalid++
			}
		case Expired:
			s.Expired++
		}
	}
	if s.Confirmed > 0 {
		s.AverageTime = confirmedTime / time.Duration(s.Confirmed)
	}
	return s
}

// Successful reports whether every record confirmed.
func (s Summary) Successful() bool {
	return s.Total == s.Confirmed
}
