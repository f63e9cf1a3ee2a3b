package config

import (
	"errors"
	"fmt"
	"math"
	"os"

	"ledger-client/pkg/ledger"

	"gopkg.in/yaml.v3"
)

// TransferDescriptor is one entry of a transfer file:
//
//	- from_pk: <base58 secret key>
//	  to: <base58 account>
//	  amount_lamp: 5000
type TransferDescriptor struct {
	FromPK        string `yaml:"from_pk"`
	To            string `yaml:"to"`
	AmountLamp    uint64 `yaml:"amount_lamp"`
	CorrelationID string `yaml:"correlation_id,omitempty"`
}

// StreamDescriptor selects what the stream command subscribes to.
type StreamDescriptor struct {
	Blocks   bool     `yaml:"blocks"`
	Accounts []string `yaml:"accounts"`
}

// BalanceLine is one entry of the balances output file.
type BalanceLine struct {
	Pubkey  string `yaml:"pubkey"`
	Balance uint64 `yaml:"balance"`
}

// KeyLoader registers a base58 secret key and returns its account.
type KeyLoader interface {
	AddBase58(encoded string) (ledger.AccountID, error)
}

func readYAML(path string, out interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}

// LoadWallets reads a YAML list of base58 accounts.
func LoadWallets(path string) ([]ledger.AccountID, error) {
	var raw []string
	if err := readYAML(path, &raw); err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("%s: no wallets", path)
	}

	ids := make([]ledger.AccountID, 0, len(raw))
	for i, s := range raw {
		id, err := ledger.ParseAccountID(s)
		if err != nil {
			return nil, fmt.Errorf("%s: wallet %d: %w", path, i, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// LoadTransfers reads a YAML list of transfer descriptors.
func LoadTransfers(path string) ([]TransferDescriptor, error) {
	var descs []TransferDescriptor
	if err := readYAML(path, &descs); err != nil {
		return nil, err
	}
	return descs, nil
}

// Intents turns descriptors into transfer intents, one per descriptor and
// in the same order. Secret keys are registered with keys. A descriptor
// that cannot be decoded still yields an intent, with the offending field
// left at its zero value, so the engine reports it as invalid in place.
// The returned error joins every decoding problem and is informational.
func Intents(descs []TransferDescriptor, keys KeyLoader) ([]ledger.TransferIntent, error) {
	intents := make([]ledger.TransferIntent, len(descs))
	var errs []error

	for i, d := range descs {
		intent := ledger.TransferIntent{CorrelationID: d.CorrelationID}
		if intent.CorrelationID == "" {
			intent.CorrelationID = fmt.Sprintf("transfer-%d", i)
		}

		if src, err := keys.AddBase58(d.FromPK); err != nil {
			errs = append(errs, fmt.Errorf("transfer %d: from_pk: %w", i, err))
		} else {
			intent.Source = src
		}

		if dst, err := ledger.ParseAccountID(d.To); err != nil {
			errs = append(errs, fmt.Errorf("transfer %d: to: %w", i, err))
		} else {
			intent.Destination = dst
		}

		if d.AmountLamp > math.MaxInt64 {
			errs = append(errs, fmt.Errorf("transfer %d: amount_lamp %d out of range", i, d.AmountLamp))
		} else {
			intent.Amount = int64(d.AmountLamp)
		}

		intents[i] = intent
	}
	return intents, errors.Join(errs...)
}

// LoadStream reads a stream descriptor.
func LoadStream(path string) (StreamDescriptor, error) {
	var d StreamDescriptor
	if err := readYAML(path, &d); err != nil {
		return StreamDescriptor{}, err
	}
	return d, nil
}

// Filter converts the descriptor to a ledger filter.
func (d StreamDescriptor) Filter() (ledger.Filter, error) {
	f := ledger.Filter{Blocks: d.Blocks}
	for i, s := range d.Accounts {
		id, err := ledger.ParseAccountID(s)
		if err != nil {
			return ledger.Filter{}, fmt.Errorf("account %d: %w", i, err)
		}
		f.Accounts = append(f.Accounts, id)
	}
	if f.Empty() {
		return ledger.Filter{}, errors.New("stream descriptor selects nothing")
	}
	return f, nil
}

// WriteBalances writes lines as YAML to path.
func WriteBalances(path string, lines []BalanceLine) error {
	data, err := yaml.Marshal(lines)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
