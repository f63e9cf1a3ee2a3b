package stream

import (
	"sync"

	"ledger-client/pkg/ledger"

	"github.com/bits-and-blooms/bloom/v3"
)

// eventFilter applies a ledger.Filter client-side in two stages. admit runs
// on the raw event: the account key is peeked from the payload and tested
// against a bloom filter of watched keys, so most foreign account events
// are dropped before the JSON and base58 decode. match runs on the decoded
// event and settles bloom false positives with the exact set.
type eventFilter struct {
	blocks   bool
	accounts map[ledger.AccountID]struct{}
	bloom    *bloom.BloomFilter

	mu             sync.Mutex
	totalQueries   uint64
	bloomRejected  uint64
	falsePositives uint64
}

func newEventFilter(f ledger.Filter) *eventFilter {
	n := uint(len(f.Accounts))
	if n == 0 {
		n = 1
	}

	ef := &eventFilter{
		blocks:   f.Blocks,
		accounts: make(map[ledger.AccountID]struct{}, len(f.Accounts)),
		bloom:    bloom.NewWithEstimates(n, 0.01),
	}
	for _, id := range f.Accounts {
		ef.accounts[id] = struct{}{}
		ef.bloom.AddString(id.String())
	}
	return ef
}

// admit reports whether raw is worth decoding. Unwanted block events and
// account events whose key misses the bloom filter are skipped. A payload
// without a readable key is admitted so decode can reject it.
func (ef *eventFilter) admit(raw ledger.RawEvent) bool {
	switch raw.Kind {
	case ledger.KindBlockCommitted:
		return ef.blocks
	case ledger.KindAccountChanged:
		ef.mu.Lock()
		defer ef.mu.Unlock()

		ef.totalQueries++
		key, ok := ledger.PeekAccount(raw.Payload)
		if ok && !ef.bloom.TestString(key) {
			ef.bloomRejected++
			return false
		}
	}
	return true
}

// match reports whether a decoded ev is wanted. Markers always are.
func (ef *eventFilter) match(ev UpdateEvent) bool {
	switch ev.Kind {
	case ledger.KindBlockCommitted:
		return ef.blocks
	case ledger.KindAccountChanged:
		if _, ok := ef.accounts[ev.Account.Account]; ok {
			return true
		}
		ef.mu.Lock()
		ef.falsePositives++
		ef.mu.Unlock()
		return false
	}
	return true
}

// FilterStats reports client-side filter activity. TotalQueries counts
// account events seen, BloomRejected those dropped before decoding and
// FalsePositives those decoded and then dropped.
type FilterStats struct {
	TotalQueries   uint64
	BloomRejected  uint64
	FalsePositives uint64
}

func (ef *eventFilter) stats() FilterStats {
	ef.mu.Lock()
	defer ef.mu.Unlock()
	return FilterStats{
		TotalQueries:   ef.totalQueries,
		BloomRejected:  ef.bloomRejected,
		FalsePositives: ef.falsePositives,
	}
}
