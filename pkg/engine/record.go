package engine

import (
	"fmt"
	"time"

	"ledger-client/pkg/ledger"
)

// State is a transaction's position in its lifecycle.
type State int

const (
	Pending State = iota
	Submitted
	Confirmed
	Failed
	Expired
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Submitted:
		return "submitted"
	case Confirmed:
		return "confirmed"
	case Failed:
		return "failed"
	case Expired:
		return "expired"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Terminal reports whether no further transition can happen from s.
func (s State) Terminal() bool {
	return s == Confirmed || s == Failed || s == Expired
}

// MarshalText implements encoding.TextMarshaler.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// ParseState parses the text form of a State.
func ParseState(s string) (State, error) {
	for st := Pending; st <= Expired; st++ {
		if st.String() == s {
			return st, nil
		}
	}
	return Pending, fmt.Errorf("engine: unknown state %q", s)
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *State) UnmarshalText(text []byte) error {
	st, err := ParseState(string(text))
	if err != nil {
		return err
	}
	*s = st
	return nil
}

func canTransition(from, to State) bool {
	switch from {
	case Pending:
		return to != Pending
	case Submitted:
		return to != Pending
	default:
		return false
	}
}

// Transition is one entry of a record's state history.
type Transition struct {
	State State
	At    time.Time
}

// Record tracks one transfer intent through a batch run.
type Record struct {
	Index  int
	Intent ledger.TransferIntent

	// Signature is the transaction that confirmed, or the latest one signed.
	Signature ledger.Signature
	// Signatures lists every transaction signed for the intent, oldest
	// first. A new one is only signed after the previous one expired.
	Signatures []ledger.Signature
	State     State
	// Reason is set when State is Failed or Expired.
	Reason   error
	Attempts int

	FirstSubmittedAt time.Time
	LastSubmittedAt  time.Time
	LastCheckedAt    time.Time
	FinishedAt       time.Time
	ConfirmedSlot    uint64

	// Advisory holds the outcome of the balance pre-check, if it flagged anything.
	Advisory string

	History []Transition
}

func newRecord(index int, intent ledger.TransferIntent, now time.Time) Record {
	return Record{
		Index:   index,
		Intent:  intent,
		State:   Pending,
		History: []Transition{{State: Pending, At: now}},
	}
}

// transition moves the record to a new state; it refuses to leave a
// terminal state or to go back to Pending.
func (r *Record) transition(to State, reason error, now time.Time) bool {
	if !canTransition(r.State, to) {
		return false
	}
	r.State = to
	r.History = append(r.History, Transition{State: to, At: now})
	if to.Terminal() {
		r.Reason = reason
		r.FinishedAt = now
	}
	return true
}

func (r *Record) signed(sig ledger.Signature) {
	r.Signature = sig
	r.Signatures = append(r.Signatures, sig)
}

func (r *Record) submitted(sig ledger.Signature, now time.Time) {
	r.Signature = sig
	if r.FirstSubmittedAt.IsZero() {
		r.FirstSubmittedAt = now
	}
	r.LastSubmittedAt = now
	r.transition(Submitted, nil, now)
}

func (r *Record) confirm(sig ledger.Signature, slot uint64, now time.Time) {
	if r.transition(Confirmed, nil, now) {
		r.Signature = sig
		r.ConfirmedSlot = slot
	}
}

func (r *Record) fail(reason error, now time.Time) {
	r.transition(Failed, reason, now)
}

func (r *Record) expire(cause error, now time.Time) {
	reason := ledger.ErrExpired
	if cause != nil {
		reason = fmt.Errorf("%w: %w", ledger.ErrExpired, cause)
	}
	r.transition(Expired, reason, now)
}

// Elapsed is the time from the first submission to the terminal state,
// or zero if the record was never submitted or is not finished.
func (r Record) Elapsed() time.Duration {
	if r.FirstSubmittedAt.IsZero() || r.FinishedAt.IsZero() {
		return 0
	}
	return r.FinishedAt.Sub(r.FirstSubmittedAt)
}

// ReasonText returns the failure reason as text, or "".
func (r Record) ReasonText() string {
	if r.Reason == nil {
		return ""
	}
	return r.Reason.Error()
}
