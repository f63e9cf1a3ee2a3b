package ledger

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/mr-tron/base58"
)

// AccountIDLength is the byte length of an account public key.
const AccountIDLength = 32

// LamportsPerSOL converts base units to whole coins for display.
const LamportsPerSOL = 1_000_000_000

// AccountID is an opaque, fixed-length public account identifier.
// The zero value is not a valid account.
type AccountID [AccountIDLength]byte

// ParseAccountID decodes a base58 account identifier.
func ParseAccountID(s string) (AccountID, error) {
	var id AccountID

	s = strings.TrimSpace(s)
	if s == "" {
		return id, fmt.Errorf("%w: empty account id", ErrInvalidIntent)
	}

	raw, err := base58.Decode(s)
	if err != nil {
		return id, fmt.Errorf("%w: account id %q: %v", ErrInvalidIntent, s, err)
	}
	if len(raw) != AccountIDLength {
		return id, fmt.Errorf("%w: account id %q has %d bytes, want %d", ErrInvalidIntent, s, len(raw), AccountIDLength)
	}

	copy(id[:], raw)
	return id, nil
}

// MustParseAccountID is like ParseAccountID but panics on error.
// Intended for tests and constants.
func MustParseAccountID(s string) AccountID {
	id, err := ParseAccountID(s)
	if err != nil {
		panic(err)
	}
	return id
}

// AccountIDFromBytes copies b into an AccountID.
func AccountIDFromBytes(b []byte) (AccountID, error) {
	var id AccountID
	if len(b) != AccountIDLength {
		return id, fmt.Errorf("%w: account id has %d bytes, want %d", ErrInvalidIntent, len(b), AccountIDLength)
	}
	copy(id[:], b)
	return id, nil
}

// IsZero reports whether id is the zero (malformed) identifier.
func (id AccountID) IsZero() bool {
	return id == AccountID{}
}

// String returns the base58 form.
func (id AccountID) String() string {
	return base58.Encode(id[:])
}

// Short returns an abbreviated form for logs and tables.
func (id AccountID) Short() string {
	s := id.String()
	if len(s) <= 10 {
		return s
	}
	return s[:4] + ".." + s[len(s)-4:]
}

// Compare orders identifiers by byte value.
func (id AccountID) Compare(other AccountID) int {
	return bytes.Compare(id[:], other[:])
}

// MarshalText implements encoding.TextMarshaler.
func (id AccountID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (id *AccountID) UnmarshalText(text []byte) error {
	parsed, err := ParseAccountID(string(text))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// Balance is an amount in base units observed at a ledger height (slot).
type Balance struct {
	Amount uint64 `json:"amount"`
	Height uint64 `json:"height"`
}

// NewerThan reports whether b was observed strictly after other.
func (b Balance) NewerThan(other Balance) bool {
	return b.Height > other.Height
}

// SOL returns the amount in whole coins.
func (b Balance) SOL() float64 {
	return float64(b.Amount) / LamportsPerSOL
}

// TransferIntent is a caller-supplied request to move Amount from Source to
// Destination. It is immutable once handed to the engine.
type TransferIntent struct {
	Source        AccountID `json:"source"`
	Destination   AccountID `json:"destination"`
	Amount        int64     `json:"amount"`
	CorrelationID string    `json:"correlation_id,omitempty"`
}

// Validate checks the intent's structure. It never touches the network.
func (t TransferIntent) Validate() error {
	switch {
	case t.Source.IsZero():
		return fmt.Errorf("%w: missing source account", ErrInvalidIntent)
	case t.Destination.IsZero():
		return fmt.Errorf("%w: missing destination account", ErrInvalidIntent)
	case t.Source == t.Destination:
		return fmt.Errorf("%w: source and destination are the same account", ErrInvalidIntent)
	case t.Amount <= 0:
		return fmt.Errorf("%w: amount must be positive, got %d", ErrInvalidIntent, t.Amount)
	}
	return nil
}

// Signature identifies a submitted transaction.
type Signature string

func (s Signature) String() string {
	return string(s)
}

// SignedTx is a built and signed transaction ready for submission.
// Raw is opaque to everything except the ledger client that produced it.
// Submitting the same SignedTx again is idempotent: the ledger executes a
// signature at most once.
type SignedTx struct {
	Signature Signature
	Raw       []byte
	// ValidUntil is the last block height the transaction can land at,
	// or zero when the ledger does not say.
	ValidUntil uint64
}

// TxStatus is the ledger's view of a submitted transaction.
type TxStatus int

const (
	// TxUnknown means the ledger has no record of the signature (yet).
	TxUnknown TxStatus = iota
	// TxProcessing means the transaction landed but is below the target commitment.
	TxProcessing
	// TxConfirmed means the transaction executed successfully at the target commitment.
	TxConfirmed
	// TxFailed means the transaction executed and failed on chain.
	TxFailed
	// TxExpired means the ledger never executed the transaction and never
	// will: its validity window has passed.
	TxExpired
)

func (s TxStatus) String() string {
	switch s {
	case TxUnknown:
		return "unknown"
	case TxProcessing:
		return "processing"
	case TxConfirmed:
		return "confirmed"
	case TxFailed:
		return "failed"
	case TxExpired:
		return "expired"
	default:
		return "invalid"
	}
}

// AccountBalance pairs an account with a balance.
type AccountBalance struct {
	Account AccountID
	Balance Balance
}

// Status is the result of a status poll.
type Status struct {
	State TxStatus
	Slot  uint64
	// Err is the on-chain failure for TxFailed.
	Err error
	// Balances holds post-transaction balances when the ledger reports them.
	Balances []AccountBalance
}
