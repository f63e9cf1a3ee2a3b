package stream

import (
	"testing"
	"time"

	"ledger-client/pkg/ledger"
	"ledger-client/pkg/ledger/ledgertest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func accountEvent(id ledger.AccountID) UpdateEvent {
	return UpdateEvent{
		Kind:    ledger.KindAccountChanged,
		Account: &ledger.AccountChanged{Account: id, Lamports: 1, Slot: 1},
	}
}

func TestEventFilter_Match(t *testing.T) {
	watched := ledgertest.Account(1)
	other := ledgertest.Account(2)

	tests := []struct {
		name   string
		filter ledger.Filter
		event  UpdateEvent
		want   bool
	}{
		{"block wanted", ledger.Filter{Blocks: true}, blockEvent(1), true},
		{"block not wanted", ledger.Filter{Accounts: []ledger.AccountID{watched}}, blockEvent(1), false},
		{"watched account", ledger.Filter{Accounts: []ledger.AccountID{watched}}, accountEvent(watched), true},
		{"other account", ledger.Filter{Accounts: []ledger.AccountID{watched}}, accountEvent(other), false},
		{"no accounts", ledger.Filter{Blocks: true}, accountEvent(watched), false},
		{"overflow marker", ledger.Filter{}, UpdateEvent{Kind: KindOverflow, Dropped: 3}, true},
		{"resync marker", ledger.Filter{}, UpdateEvent{Kind: KindResync}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, newEventFilter(tt.filter).match(tt.event))
		})
	}
}

func TestEventFilter_Admit(t *testing.T) {
	watched := ledgertest.Account(1)
	other := ledgertest.Account(2)
	ef := newEventFilter(ledger.Filter{Accounts: []ledger.AccountID{watched}})

	assert.True(t, ef.admit(ledgertest.AccountEvent(1, watched, 5, 1)))
	assert.False(t, ef.admit(ledgertest.BlockEvent(2, 1)))
	// No readable key: left for decode to reject.
	assert.True(t, ef.admit(ledger.RawEvent{Seq: 3, Kind: ledger.KindAccountChanged, Payload: []byte(`{not json`)}))

	blocks := newEventFilter(ledger.Filter{Blocks: true})
	assert.True(t, blocks.admit(ledgertest.BlockEvent(1, 1)))
	assert.False(t, blocks.admit(ledgertest.AccountEvent(2, other, 5, 1)))
}

func TestEventFilter_Stats(t *testing.T) {
	watched := ledgertest.Account(1)
	ef := newEventFilter(ledger.Filter{Accounts: []ledger.AccountID{watched}})

	seq := uint64(0)
	pass := func(raw ledger.RawEvent) bool {
		if !ef.admit(raw) {
			return false
		}
		ev, err := decode(raw, time.Now())
		require.NoError(t, err)
		return ef.match(ev)
	}

	for i := 0; i < 3; i++ {
		seq++
		assert.True(t, pass(ledgertest.AccountEvent(seq, watched, 1, seq)))
	}
	for n := byte(10); n < 60; n++ {
		seq++
		assert.False(t, pass(ledgertest.AccountEvent(seq, ledgertest.Account(n), 1, seq)))
	}
	seq++
	pass(ledgertest.BlockEvent(seq, seq))

	stats := ef.stats()
	assert.Equal(t, uint64(53), stats.TotalQueries)
	// Every foreign account is turned away before or after decoding,
	// never admitted.
	assert.Equal(t, uint64(50), stats.BloomRejected+stats.FalsePositives)
	assert.Greater(t, stats.BloomRejected, uint64(0))
}
