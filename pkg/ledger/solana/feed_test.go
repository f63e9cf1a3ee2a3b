package solana

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"ledger-client/pkg/ledger"
	"ledger-client/pkg/ledger/ledgertest"

	"github.com/gagliardetto/solana-go/rpc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedReader returns slots from a channel, then err.
func scriptedReader(slots <-chan uint64, err error) reader {
	return func(ctx context.Context) (ledger.EventKind, []byte, error) {
		select {
		case <-ctx.Done():
			return "", nil, ctx.Err()
		case s, ok := <-slots:
			if !ok {
				return "", nil, err
			}
			payload, perr := ledger.EncodePayload(ledger.BlockCommitted{Slot: s})
			return ledger.KindBlockCommitted, payload, perr
		}
	}
}

func TestFeed_NumbersEventsPerConnection(t *testing.T) {
	slots := make(chan uint64, 3)
	slots <- 100
	slots <- 103
	slots <- 104

	var released atomic.Bool
	f := newFeed([]reader{scriptedReader(slots, nil)}, func() { released.Store(true) })

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	for want := uint64(1); want <= 3; want++ {
		ev, err := f.Recv(ctx)
		require.NoError(t, err)
		assert.Equal(t, want, ev.Seq)
		assert.Equal(t, ledger.KindBlockCommitted, ev.Kind)
	}

	require.NoError(t, f.Close())
	assert.True(t, released.Load())

	_, err := f.Recv(ctx)
	assert.ErrorIs(t, err, ledger.ErrTransport)
	require.NoError(t, f.Close())
}

func TestFeed_ReaderErrorIsTransport(t *testing.T) {
	slots := make(chan uint64)
	close(slots)
	f := newFeed([]reader{scriptedReader(slots, errors.New("websocket: close 1006"))}, nil)
	defer f.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := f.Recv(ctx)
	assert.ErrorIs(t, err, ledger.ErrTransport)
}

func TestFeed_RecvHonorsContext(t *testing.T) {
	f := newFeed([]reader{scriptedReader(make(chan uint64), nil)}, nil)
	defer f.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := f.Recv(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

// fakeConn implements wsConn.
type fakeConn struct {
	slotErr  error
	accounts []ledger.AccountID
	unsubs   atomic.Int32
	closed   atomic.Bool
	slotFeed chan uint64
}

func (c *fakeConn) slots() (reader, func(), error) {
	if c.slotErr != nil {
		return nil, nil, c.slotErr
	}
	return scriptedReader(c.slotFeed, nil), func() { c.unsubs.Add(1) }, nil
}

func (c *fakeConn) account(id ledger.AccountID, _ rpc.CommitmentType) (reader, func(), error) {
	c.accounts = append(c.accounts, id)
	return scriptedReader(make(chan uint64), nil), func() { c.unsubs.Add(1) }, nil
}

func (c *fakeConn) Close() { c.closed.Store(true) }

func TestSubscribe_OpensOneSubscriptionPerSelector(t *testing.T) {
	conn := &fakeConn{slotFeed: make(chan uint64, 1)}
	conn.slotFeed <- 55

	c := newClient(&fakeRPC{}, Config{RPCURL: "http://x"}, nil)
	c.dial = func(_ context.Context, url string) (wsConn, error) {
		assert.Equal(t, "ws://x", url)
		return conn, nil
	}

	a, b := ledgertest.Account(1), ledgertest.Account(2)
	feed, err := c.Subscribe(context.Background(), ledger.Filter{Blocks: true, Accounts: []ledger.AccountID{a, b}})
	require.NoError(t, err)
	assert.Equal(t, []ledger.AccountID{a, b}, conn.accounts)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	ev, err := feed.Recv(ctx)
	require.NoError(t, err)
	block, err := ledger.DecodeBlock(ev.Payload)
	require.NoError(t, err)
	assert.Equal(t, uint64(55), block.Slot)

	require.NoError(t, feed.Close())
	assert.Equal(t, int32(3), conn.unsubs.Load())
	assert.True(t, conn.closed.Load())
}

func TestSubscribe_Failures(t *testing.T) {
	c := newClient(&fakeRPC{}, Config{RPCURL: "http://x"}, nil)

	c.dial = func(context.Context, string) (wsConn, error) {
		return nil, errors.New("dial tcp: connection refused")
	}
	_, err := c.Subscribe(context.Background(), ledger.Filter{Blocks: true})
	assert.ErrorIs(t, err, ledger.ErrTransport)

	conn := &fakeConn{slotErr: errors.New("subscription rejected")}
	c.dial = func(context.Context, string) (wsConn, error) { return conn, nil }
	_, err = c.Subscribe(context.Background(), ledger.Filter{Blocks: true})
	assert.ErrorIs(t, err, ledger.ErrTransport)
	assert.True(t, conn.closed.Load())

	_, err = c.Subscribe(context.Background(), ledger.Filter{})
	assert.ErrorIs(t, err, ledger.ErrTransport)
}

func TestKeyring(t *testing.T) {
	keys := NewKeyring()
	assert.Equal(t, 0, keys.Len())

	key := newKey(t)
	id, err := keys.AddBase58(key.String())
	require.NoError(t, err)
	assert.Equal(t, ledger.AccountID(key.PublicKey()), id)
	assert.True(t, keys.Has(id))
	assert.Equal(t, []ledger.AccountID{id}, keys.Accounts())

	signer := keys.signer(key.PublicKey())
	require.NotNil(t, signer)
	assert.Equal(t, key, *signer)
	assert.Nil(t, keys.signer(newKey(t).PublicKey()))

	_, err = keys.AddBase58("garbage!")
	assert.ErrorIs(t, err, ledger.ErrInvalidIntent)
}
