package solana

import (
	"fmt"
	"slices"
	"sync"

	"ledger-client/pkg/ledger"

	sol "github.com/gagliardetto/solana-go"
)

// Keyring holds the private keys the client may sign with, indexed by the
// account they control.
type Keyring struct {
	mu   sync.RWMutex
	keys map[ledger.AccountID]sol.PrivateKey
}

// NewKeyring creates an empty keyring.
func NewKeyring() *Keyring {
	return &Keyring{keys: make(map[ledger.AccountID]sol.PrivateKey)}
}

// Add stores key and returns the account it controls.
func (k *Keyring) Add(key sol.PrivateKey) ledger.AccountID {
	id := ledger.AccountID(key.PublicKey())

	k.mu.Lock()
	defer k.mu.Unlock()
	k.keys[id] = key
	return id
}

// AddBase58 decodes a base58 private key and stores it.
func (k *Keyring) AddBase58(encoded string) (ledger.AccountID, error) {
	key, err := sol.PrivateKeyFromBase58(encoded)
	if err != nil {
		return ledger.AccountID{}, fmt.Errorf("%w: private key: %v", ledger.ErrInvalidIntent, err)
	}
	if len(key) != 64 {
		return ledger.AccountID{}, fmt.Errorf("%w: private key has %d bytes, want 64", ledger.ErrInvalidIntent, len(key))
	}
	return k.Add(key), nil
}

// Has reports whether the keyring can sign for id.
func (k *Keyring) Has(id ledger.AccountID) bool {
	k.mu.RLock()
	defer k.mu.RUnlock()
	_, ok := k.keys[id]
	return ok
}

// Accounts returns the signing accounts in byte order.
func (k *Keyring) Accounts() []ledger.AccountID {
	k.mu.RLock()
	ids := make([]ledger.AccountID, 0, len(k.keys))
	for id := range k.keys {
		ids = append(ids, id)
	}
	k.mu.RUnlock()

	slices.SortFunc(ids, ledger.AccountID.Compare)
	return ids
}

// Len returns the number of keys.
func (k *Keyring) Len() int {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return len(k.keys)
}

// signer is the lookup solana-go calls for each required signature.
func (k *Keyring) signer(pub sol.PublicKey) *sol.PrivateKey {
	k.mu.RLock()
	defer k.mu.RUnlock()
	key, ok := k.keys[ledger.AccountID(pub)]
	if !ok {
		return nil
	}
	return &key
}
