package backoff

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"
)

func TestFixed(t *testing.T) {
	s := Fixed{Interval: 50 * time.Millisecond}
	for attempt := 1; attempt <= 5; attempt++ {
		if got := s.Delay(attempt); got != 50*time.Millisecond {
			t.Errorf("attempt %d: got %v, want 50ms", attempt, got)
		}
	}
}

func TestExponentialSchedule(t *testing.T) {
	tests := []struct {
		name    string
		base    time.Duration
		max     time.Duration
		attempt int
		want    time.Duration
	}{
		{"first retry", 100 * time.Millisecond, 0, 1, 100 * time.Millisecond},
		{"second retry", 100 * time.Millisecond, 0, 2, 200 * time.Millisecond},
		{"fourth retry", 100 * time.Millisecond, 0, 4, 800 * time.Millisecond},
		{"capped", 100 * time.Millisecond, time.Second, 10, time.Second},
		{"zero attempt", 100 * time.Millisecond, 0, 0, 100 * time.Millisecond},
		{"zero base", 0, time.Second, 3, 0},
		{"base above max", 3 * time.Second, time.Second, 1, time.Second},
		{"saturates uncapped", time.Hour, 0, 100, time.Duration(math.MaxInt64)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := ExponentialSchedule{Base: tt.base, Max: tt.max}
			if got := s.Delay(tt.attempt); got != tt.want {
				t.Errorf("Delay(%d) = %v, want %v", tt.attempt, got, tt.want)
			}
		})
	}
}

func TestExponentialScheduleJitterBounds(t *testing.T) {
	s := ExponentialSchedule{Base: 100 * time.Millisecond, Max: 2 * time.Second, Jitter: true}

	for attempt := 1; attempt <= 8; attempt++ {
		ceiling := (ExponentialSchedule{Base: s.Base, Max: s.Max}).Delay(attempt)
		for i := 0; i < 50; i++ {
			got := s.Delay(attempt)
			if got < ceiling/2 || got > ceiling {
				t.Fatalf("attempt %d: delay %v outside [%v, %v]", attempt, got, ceiling/2, ceiling)
			}
		}
	}
}

func TestCustom(t *testing.T) {
	s := Custom{Delays: []time.Duration{time.Millisecond, 5 * time.Millisecond, 20 * time.Millisecond}}

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, time.Millisecond},
		{1, time.Millisecond},
		{2, 5 * time.Millisecond},
		{3, 20 * time.Millisecond},
		{7, 20 * time.Millisecond},
	}
	for _, tt := range tests {
		if got := s.Delay(tt.attempt); got != tt.want {
			t.Errorf("Delay(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}

	if got := (Custom{}).Delay(3); got != 0 {
		t.Errorf("empty schedule: got %v, want 0", got)
	}
}

func TestSleep(t *testing.T) {
	if err := Sleep(context.Background(), time.Millisecond); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	start := time.Now()
	err := Sleep(ctx, time.Minute)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if time.Since(start) > time.Second {
		t.Fatal("Sleep did not return promptly on cancel")
	}

	if err := Sleep(ctx, 0); !errors.Is(err, context.Canceled) {
		t.Fatalf("zero sleep on canceled ctx: got %v", err)
	}
}
