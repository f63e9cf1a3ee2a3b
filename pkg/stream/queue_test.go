package stream

import (
	"context"
	"errors"
	"testing"
	"time"

	"ledger-client/pkg/ledger"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func blockEvent(src uint64) UpdateEvent {
	return UpdateEvent{
		SourceSeq: src,
		Kind:      ledger.KindBlockCommitted,
		Block:     &ledger.BlockCommitted{Slot: src},
	}
}

func TestQueue_BlockingPolicyBlocksProducerAtCapacity(t *testing.T) {
	const n = 4
	q := newQueue(n, OverflowBlock, nil)
	ctx := context.Background()

	for i := uint64(1); i <= n; i++ {
		require.NoError(t, q.push(ctx, blockEvent(i)))
	}

	pushed := make(chan error, 1)
	go func() { pushed <- q.push(ctx, blockEvent(n+1)) }()

	select {
	case <-pushed:
		t.Fatal("push beyond capacity should block")
	case <-time.After(50 * time.Millisecond):
	}

	ev, err := q.pop(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), ev.SourceSeq)

	select {
	case err := <-pushed:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("producer not released after a consume")
	}

	for want := uint64(2); want <= n+1; want++ {
		ev, err := q.pop(ctx)
		require.NoError(t, err)
		assert.Equal(t, want, ev.SourceSeq)
		assert.Equal(t, want, ev.Seq)
	}
}

func TestQueue_BlockedProducerHonorsContext(t *testing.T) {
	q := newQueue(1, OverflowBlock, nil)
	require.NoError(t, q.push(context.Background(), blockEvent(1)))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := q.push(ctx, blockEvent(2))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestQueue_DropOldestEmitsSingleMarker(t *testing.T) {
	const n = 3
	q := newQueue(n, OverflowDropOldest, nil)
	ctx := context.Background()

	for i := uint64(1); i <= n+1; i++ {
		require.NoError(t, q.push(ctx, blockEvent(i)))
	}

	ev, err := q.pop(ctx)
	require.NoError(t, err)
	assert.Equal(t, KindOverflow, ev.Kind)
	assert.Equal(t, 1, ev.Dropped)
	assert.Equal(t, uint64(1), ev.Seq)

	var got []uint64
	for i := 0; i < n; i++ {
		ev, err := q.pop(ctx)
		require.NoError(t, err)
		assert.Equal(t, ledger.KindBlockCommitted, ev.Kind)
		assert.Equal(t, uint64(i+2), ev.Seq)
		got = append(got, ev.SourceSeq)
	}
	assert.Equal(t, []uint64{2, 3, 4}, got)
	assert.True(t, q.empty())
}

func TestQueue_DropOldestAccumulatesDrops(t *testing.T) {
	q := newQueue(2, OverflowDropOldest, nil)
	ctx := context.Background()

	for i := uint64(1); i <= 7; i++ {
		require.NoError(t, q.push(ctx, blockEvent(i)))
	}

	ev, err := q.pop(ctx)
	require.NoError(t, err)
	assert.Equal(t, KindOverflow, ev.Kind)
	assert.Equal(t, 5, ev.Dropped)

	ev, err = q.pop(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(6), ev.SourceSeq)
}

func TestQueue_CloseDrainsThenEnds(t *testing.T) {
	var depths []int
	q := newQueue(4, OverflowBlock, func(d int) { depths = append(depths, d) })
	ctx := context.Background()

	require.NoError(t, q.push(ctx, blockEvent(1)))
	require.NoError(t, q.push(ctx, blockEvent(2)))
	q.close()

	assert.True(t, errors.Is(q.push(ctx, blockEvent(3)), errQueueClosed))

	for want := uint64(1); want <= 2; want++ {
		ev, err := q.pop(ctx)
		require.NoError(t, err)
		assert.Equal(t, want, ev.SourceSeq)
	}
	_, err := q.pop(ctx)
	assert.ErrorIs(t, err, errQueueClosed)
	assert.Equal(t, []int{1, 2, 1, 0}, depths)
}

func TestQueue_CloseWakesWaitingConsumer(t *testing.T) {
	q := newQueue(1, OverflowBlock, nil)

	result := make(chan error, 1)
	go func() {
		_, err := q.pop(context.Background())
		result <- err
	}()

	time.Sleep(10 * time.Millisecond)
	q.close()

	select {
	case err := <-result:
		assert.ErrorIs(t, err, errQueueClosed)
	case <-time.After(time.Second):
		t.Fatal("consumer not woken by close")
	}
}
