package stream

import (
	"fmt"
	"time"

	"ledger-client/pkg/ledger"
)

// Marker kinds. They never come from the transport.
const (
	// KindOverflow reports events dropped under OverflowDropOldest.
	KindOverflow ledger.EventKind = "overflow"
	// KindResync follows a reconnect; events between the two connections
	// may be missing.
	KindResync ledger.EventKind = "resync"
)

// UpdateEvent is one delivered event.
// Seq is assigned at delivery and is exactly one more than the previous
// event's, markers included. SourceSeq is the transport's sequence number
// and is zero for markers.
type UpdateEvent struct {
	Seq        uint64
	SourceSeq  uint64
	Kind       ledger.EventKind
	Block      *ledger.BlockCommitted
	Account    *ledger.AccountChanged
	Dropped    int
	ReceivedAt time.Time
}

// IsMarker reports whether the event was synthesized by the client.
func (e UpdateEvent) IsMarker() bool {
	return e.Kind == KindOverflow || e.Kind == KindResync
}

func (e UpdateEvent) String() string {
	switch e.Kind {
	case ledger.KindBlockCommitted:
		return fmt.Sprintf("#%d block slot=%d parent=%d", e.Seq, e.Block.Slot, e.Block.Parent)
	case ledger.KindAccountChanged:
		return fmt.Sprintf("#%d account %s lamports=%d slot=%d", e.Seq, e.Account.Account.Short(), e.Account.Lamports, e.Account.Slot)
	case KindOverflow:
		return fmt.Sprintf("#%d overflow dropped=%d", e.Seq, e.Dropped)
	default:
		return fmt.Sprintf("#%d %s", e.Seq, e.Kind)
	}
}

// decode turns a raw transport event into an UpdateEvent.
func decode(raw ledger.RawEvent, now time.Time) (UpdateEvent, error) {
	ev := UpdateEvent{SourceSeq: raw.Seq, Kind: raw.Kind, ReceivedAt: now}

	switch raw.Kind {
	case ledger.KindBlockCommitted:
		b, err := ledger.DecodeBlock(raw.Payload)
		if err != nil {
			return ev, err
		}
		ev.Block = &b
	case ledger.KindAccountChanged:
		a, err := ledger.DecodeAccount(raw.Payload)
		if err != nil {
			return ev, err
		}
		ev.Account = &a
	default:
		return ev, fmt.Errorf("stream: unknown event kind %q", raw.Kind)
	}
	return ev, nil
}
