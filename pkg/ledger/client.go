package ledger

import (
	"context"
)

// BalanceSource reads account balances from the ledger.
type BalanceSource interface {
	// GetBalance returns the balance and the height it was read at.
	// Failures match ErrLookup; unknown accounts match ErrAccountNotFound.
	GetBalance(ctx context.Context, account AccountID) (Balance, error)
}

// Submitter builds, submits and tracks transfer transactions.
// Failures are *SubmissionError values classified as rejected or transient.
type Submitter interface {
	// SignAndBuild produces a signed transaction for the intent.
	SignAndBuild(ctx context.Context, intent TransferIntent) (SignedTx, error)

	// Submit sends a signed transaction and returns its identifier.
	Submit(ctx context.Context, tx SignedTx) (Signature, error)

	// GetStatus returns the ledger's current view of a submitted transaction.
	GetStatus(ctx context.Context, sig Signature) (Status, error)
}

// Subscriber opens push subscriptions to ledger updates.
type Subscriber interface {
	// Subscribe opens a raw event feed starting at the current network head.
	// Failures match ErrTransport.
	Subscribe(ctx context.Context, filter Filter) (Feed, error)
}

// Client is the full ledger RPC capability consumed by this module.
type Client interface {
	BalanceSource
	Submitter
	Subscriber
}

// Feed is a raw, connection-scoped stream of ledger events.
// Recv blocks until an event arrives, the feed fails, or ctx is done.
type Feed interface {
	Recv(ctx context.Context) (RawEvent, error)
	Close() error
}

// EventKind identifies the type of an update event.
type EventKind string

const (
	KindBlockCommitted EventKind = "block-committed"
	KindAccountChanged EventKind = "account-changed"
)

// RawEvent is an undecoded event as delivered by the transport.
// Seq is monotonic per connection and starts wherever the server starts.
type RawEvent struct {
	Seq     uint64
	Kind    EventKind
	Payload []byte
}

// Filter selects which events a subscription receives.
type Filter struct {
	// Blocks subscribes to block-committed events.
	Blocks bool
	// Accounts subscribes to account-changed events for these accounts.
	Accounts []AccountID
}

// Wants reports whether the filter selects the event kind at all.
func (f Filter) Wants(kind EventKind) bool {
	switch kind {
	case KindBlockCommitted:
		return f.Blocks
	case KindAccountChanged:
		return len(f.Accounts) > 0
	}
	return false
}

// Empty reports whether the filter selects nothing.
func (f Filter) Empty() bool {
	return !f.Blocks && len(f.Accounts) == 0
}
