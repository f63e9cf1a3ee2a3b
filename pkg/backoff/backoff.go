// Package backoff provides retry delay schedules for submissions and
// stream reconnects.
package backoff

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"time"
)

// Schedule determines how long to wait before a retry.
type Schedule interface {
	// Delay returns the wait before retry number attempt (1-based).
	Delay(attempt int) time.Duration
}

// Fixed waits the same duration before every retry.
type Fixed struct {
	Interval time.Duration
}

// Delay returns the fixed interval.
func (s Fixed) Delay(attempt int) time.Duration {
	return s.Interval
}

// ExponentialSchedule doubles the delay on every retry, up to Max.
// With Jitter set, the returned delay is drawn from [delay/2, delay].
type ExponentialSchedule struct {
	Base   time.Duration
	Max    time.Duration
	Jitter bool
}

// Delay returns Base * 2^(attempt-1), capped at Max when Max is positive
// and saturating at the largest Duration otherwise.
func (s ExponentialSchedule) Delay(attempt int) time.Duration {
	if s.Base <= 0 {
		return 0
	}
	limit := s.Max
	if limit <= 0 {
		limit = math.MaxInt64
	}

	d := min(s.Base, limit)
	for i := 1; i < attempt && d < limit; i++ {
		if d > limit/2 {
			d = limit
			break
		}
		d *= 2
	}

	if s.Jitter && d > 1 {
		half := d / 2
		d = half + time.Duration(rand.Int64N(int64(d-half+1)))
	}
	return d
}

// Custom uses explicit delays for each retry, repeating the last one once
// the list runs out.
type Custom struct {
	Delays []time.Duration
}

// Delay returns the configured delay for attempt.
func (s Custom) Delay(attempt int) time.Duration {
	if len(s.Delays) == 0 {
		return 0
	}
	if attempt < 1 {
		attempt = 1
	}
	if attempt > len(s.Delays) {
		return s.Delays[len(s.Delays)-1]
	}
	return s.Delays[attempt-1]
}

// Sleep waits for d or until ctx is done, whichever comes first.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("backoff interrupted: %w", ctx.Err())
	}
}
