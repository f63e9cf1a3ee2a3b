package ledger

import (
	"fmt"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// BlockCommitted is the payload of a block-committed event.
type BlockCommitted struct {
	Slot   uint64 `json:"slot"`
	Parent uint64 `json:"parent"`
	Root   uint64 `json:"root"`
}

// AccountChanged is the payload of an account-changed event.
type AccountChanged struct {
	Account  AccountID `json:"account"`
	Lamports uint64    `json:"lamports"`
	Slot     uint64    `json:"slot"`
}

// Balance returns the change as a balance observation.
func (a AccountChanged) Balance() Balance {
	return Balance{Amount: a.Lamports, Height: a.Slot}
}

// PeekAccount returns the base58 account key of an account-changed payload
// without decoding the rest of it. ok is false when the key is missing or
// not a string; the payload may still be malformed when ok is true.
func PeekAccount(payload []byte) (key string, ok bool) {
	v := json.Get(payload, "account")
	if v.ValueType() != jsoniter.StringValue {
		return "", false
	}
	return v.ToString(), true
}

// EncodePayload serializes an event payload for a RawEvent.
func EncodePayload(v interface{}) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("ledger: encode payload: %w", err)
	}
	return data, nil
}

// DecodeBlock decodes a block-committed payload.
func DecodeBlock(payload []byte) (BlockCommitted, error) {
	var b BlockCommitted
	if err := json.Unmarshal(payload, &b); err != nil {
		return b, fmt.Errorf("ledger: decode block payload: %w", err)
	}
	return b, nil
}

// DecodeAccount decodes an account-changed payload.
func DecodeAccount(payload []byte) (AccountChanged, error) {
	var a AccountChanged
	if err := json.Unmarshal(payload, &a); err != nil {
		return a, fmt.Errorf("ledger: decode account payload: %w", err)
	}
	if a.Account.IsZero() {
		return a, fmt.Errorf("ledger: decode account payload: missing account")
	}
	return a, nil
}
