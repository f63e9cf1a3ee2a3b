package ledgertest

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"ledger-client/pkg/ledger"
)

// ErrFeedExhausted is returned by a ScriptedFeed with no more steps and
// HoldOpen unset.
var ErrFeedExhausted = errors.New("ledgertest: feed exhausted")

// Step is one scripted Recv result: either an event or an error.
type Step struct {
	Event ledger.RawEvent
	Err   error
}

// ScriptedFeed replays a fixed list of steps.
// When the script is exhausted it either blocks until ctx is done or Close
// is called (HoldOpen), or fails with ErrFeedExhausted wrapped in ErrTransport.
type ScriptedFeed struct {
	HoldOpen bool

	mu     sync.Mutex
	steps  []Step
	closed bool
	done   chan struct{}
}

// NewScriptedFeed creates a feed that replays steps in order.
func NewScriptedFeed(holdOpen bool, steps ...Step) *ScriptedFeed {
	return &ScriptedFeed{
		HoldOpen: holdOpen,
		steps:    steps,
		done:     make(chan struct{}),
	}
}

// Recv implements ledger.Feed.
func (f *ScriptedFeed) Recv(ctx context.Context) (ledger.RawEvent, error) {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return ledger.RawEvent{}, fmt.Errorf("%w: feed closed", ledger.ErrTransport)
	}
	if len(f.steps) > 0 {
		step := f.steps[0]
		f.steps = f.steps[1:]
		f.mu.Unlock()
		return step.Event, step.Err
	}
	f.mu.Unlock()

	if !f.HoldOpen {
		return ledger.RawEvent{}, fmt.Errorf("%w: %v", ledger.ErrTransport, ErrFeedExhausted)
	}

	select {
	case <-ctx.Done():
		return ledger.RawEvent{}, ctx.Err()
	case <-f.done:
		return ledger.RawEvent{}, fmt.Errorf("%w: feed closed", ledger.ErrTransport)
	}
}

// Close implements ledger.Feed.
func (f *ScriptedFeed) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.done)
	}
	return nil
}

// Closed reports whether Close was called.
func (f *ScriptedFeed) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// BlockEvent builds a block-committed raw event with the given transport sequence.
func BlockEvent(seq, slot uint64) ledger.RawEvent {
	parent := slot
	if slot > 0 {
		parent = slot - 1
	}
	payload, err := ledger.EncodePayload(ledger.BlockCommitted{Slot: slot, Parent: parent})
	if err != nil {
		panic(err)
	}
	return ledger.RawEvent{Seq: seq, Kind: ledger.KindBlockCommitted, Payload: payload}
}

// AccountEvent builds an account-changed raw event.
func AccountEvent(seq uint64, account ledger.AccountID, lamports, slot uint64) ledger.RawEvent {
	payload, err := ledger.EncodePayload(ledger.AccountChanged{Account: account, Lamports: lamports, Slot: slot})
	if err != nil {
		panic(err)
	}
	return ledger.RawEvent{Seq: seq, Kind: ledger.KindAccountChanged, Payload: payload}
}

// Blocks returns steps delivering block events for each sequence number,
// using the sequence number as the slot.
func Blocks(seqs ...uint64) []Step {
	steps := make([]Step, len(seqs))
	for i, seq := range seqs {
		steps[i] = Step{Event: BlockEvent(seq, seq)}
	}
	return steps
}

// FeedSequence returns a SubscribeFunc that hands out feeds in order and
// fails with ErrTransport once they run out.
func FeedSequence(feeds ...ledger.Feed) func(ctx context.Context, filter ledger.Filter) (ledger.Feed, error) {
	var mu sync.Mutex
	return func(ctx context.Context, filter ledger.Filter) (ledger.Feed, error) {
		mu.Lock()
		defer mu.Unlock()
		if len(feeds) == 0 {
			return nil, fmt.Errorf("%w: no more feeds", ledger.ErrTransport)
		}
		f := feeds[0]
		feeds = feeds[1:]
		return f, nil
	}
}
