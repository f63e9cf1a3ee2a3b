package stream

import (
	"fmt"
	"strings"
)

// State is the connection state of a subscription.
type State int

const (
	Disconnected State = iota
	Connecting
	Streaming
	Reconnecting
	Draining
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Streaming:
		return "streaming"
	case Reconnecting:
		return "reconnecting"
	case Draining:
		return "draining"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// validTransition reports whether the state machine allows from -> to.
func validTransition(from, to State) bool {
	switch from {
	case Disconnected:
		return to == Connecting
	case Connecting:
		return to == Streaming || to == Reconnecting || to == Draining
	case Streaming:
		return to == Reconnecting || to == Draining
	case Reconnecting:
		return to == Connecting || to == Draining
	case Draining:
		return to == Disconnected
	}
	return false
}

// OverflowPolicy decides what a full event queue does with a new event.
type OverflowPolicy int

const (
	// OverflowBlock makes the transport read wait for the consumer.
	OverflowBlock OverflowPolicy = iota
	// OverflowDropOldest discards the oldest buffered event and reports the
	// loss with an overflow marker.
	OverflowDropOldest
)

func (p OverflowPolicy) String() string {
	switch p {
	case OverflowBlock:
		return "block"
	case OverflowDropOldest:
		return "drop-oldest"
	default:
		return fmt.Sprintf("overflow(%d)", int(p))
	}
}

// ParseOverflowPolicy parses "block" or "drop-oldest".
func ParseOverflowPolicy(s string) (OverflowPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "block":
		return OverflowBlock, nil
	case "drop-oldest", "drop_oldest", "drop":
		return OverflowDropOldest, nil
	}
	return OverflowBlock, fmt.Errorf("stream: unknown overflow policy %q", s)
}
