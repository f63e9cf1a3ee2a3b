package solana

import (
	"context"
	"fmt"
	"sync"

	"ledger-client/pkg/ledger"

	sol "github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/gagliardetto/solana-go/rpc/ws"
)

// reader blocks for the next notification of one pubsub subscription and
// returns it as an encoded payload.
type reader func(ctx context.Context) (ledger.EventKind, []byte, error)

// wsConn is one websocket connection able to open subscriptions.
type wsConn interface {
	slots() (reader, func(), error)
	account(id ledger.AccountID, commitment rpc.CommitmentType) (reader, func(), error)
	Close()
}

type dialer func(ctx context.Context, url string) (wsConn, error)

func dialWebsocket(ctx context.Context, url string) (wsConn, error) {
	c, err := ws.Connect(ctx, url)
	if err != nil {
		return nil, err
	}
	return &pubsub{Client: c}, nil
}

// pubsub adapts *ws.Client to wsConn.
type pubsub struct {
	*ws.Client
}

func (p *pubsub) slots() (reader, func(), error) {
	sub, err := p.SlotSubscribe()
	if err != nil {
		return nil, nil, err
	}
	read := func(ctx context.Context) (ledger.EventKind, []byte, error) {
		res, err := sub.Recv(ctx)
		if err != nil {
			return "", nil, err
		}
		payload, err := ledger.EncodePayload(ledger.BlockCommitted{
			Slot:   res.Slot,
			Parent: res.Parent,
			Root:   res.Root,
		})
		return ledger.KindBlockCommitted, payload, err
	}
	return read, sub.Unsubscribe, nil
}

func (p *pubsub) account(id ledger.AccountID, commitment rpc.CommitmentType) (reader, func(), error) {
	sub, err := p.AccountSubscribe(sol.PublicKey(id), commitment)
	if err != nil {
		return nil, nil, err
	}
	read := func(ctx context.Context) (ledger.EventKind, []byte, error) {
		res, err := sub.Recv(ctx)
		if err != nil {
			return "", nil, err
		}
		payload, err := ledger.EncodePayload(ledger.AccountChanged{
			Account:  id,
			Lamports: res.Value.Lamports,
			Slot:     res.Context.Slot,
		})
		return ledger.KindAccountChanged, payload, err
	}
	return read, sub.Unsubscribe, nil
}

type feedItem struct {
	kind    ledger.EventKind
	payload []byte
	err     error
}

// feed merges the readers of one connection into a single ledger.Feed and
// numbers events in arrival order.
type feed struct {
	items   chan feedItem
	done    chan struct{}
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	once    sync.Once
	release func()

	seq uint64
}

func newFeed(readers []reader, release func()) *feed {
	ctx, cancel := context.WithCancel(context.Background())
	f := &feed{
		items:   make(chan feedItem),
		done:    make(chan struct{}),
		cancel:  cancel,
		release: release,
	}
	for _, r := range readers {
		f.wg.Add(1)
		go f.read(ctx, r)
	}
	return f
}

func (f *feed) read(ctx context.Context, r reader) {
	defer f.wg.Done()
	for {
		kind, payload, err := r(ctx)
		select {
		case f.items <- feedItem{kind: kind, payload: payload, err: err}:
		case <-ctx.Done():
			return
		}
		if err != nil {
			return
		}
	}
}

// Recv implements ledger.Feed. It must not be called concurrently.
func (f *feed) Recv(ctx context.Context) (ledger.RawEvent, error) {
	select {
	case <-ctx.Done():
		return ledger.RawEvent{}, ctx.Err()
	case <-f.done:
		return ledger.RawEvent{}, fmt.Errorf("%w: feed closed", ledger.ErrTransport)
	case it := <-f.items:
		if it.err != nil {
			return ledger.RawEvent{}, fmt.Errorf("%w: %w", ledger.ErrTransport, it.err)
		}
		f.seq++
		return ledger.RawEvent{Seq: f.seq, Kind: it.kind, Payload: it.payload}, nil
	}
}

// Close implements ledger.Feed.
func (f *feed) Close() error {
	f.once.Do(func() {
		close(f.done)
		f.cancel()
		if f.release != nil {
			f.release()
		}
		f.wg.Wait()
	})
	return nil
}
