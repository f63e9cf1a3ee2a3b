// Package ledgertest provides hook-based ledger test doubles.
package ledgertest

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"ledger-client/pkg/ledger"
)

// Client is a mock implementation of ledger.Client for testing.
// Set the hook fields to customize behavior; unset hooks succeed with
// deterministic defaults. Call counters are safe for concurrent use.
type Client struct {
	GetBalanceFunc   func(ctx context.Context, account ledger.AccountID) (ledger.Balance, error)
	SignAndBuildFunc func(ctx context.Context, intent ledger.TransferIntent) (ledger.SignedTx, error)
	SubmitFunc       func(ctx context.Context, tx ledger.SignedTx) (ledger.Signature, error)
	GetStatusFunc    func(ctx context.Context, sig ledger.Signature) (ledger.Status, error)
	SubscribeFunc    func(ctx context.Context, filter ledger.Filter) (ledger.Feed, error)

	getBalanceCalls int64
	buildCalls      int64
	submitCalls     int64
	statusCalls     int64
	subscribeCalls  int64
	seq             int64
}

// GetBalance implements ledger.BalanceSource.
func (c *Client) GetBalance(ctx context.Context, account ledger.AccountID) (ledger.Balance, error) {
	atomic.AddInt64(&c.getBalanceCalls, 1)
	if c.GetBalanceFunc != nil {
		return c.GetBalanceFunc(ctx, account)
	}
	return ledger.Balance{}, ledger.ErrAccountNotFound
}

// SignAndBuild implements ledger.Submitter.
// The default signature is derived from the correlation id and a counter.
func (c *Client) SignAndBuild(ctx context.Context, intent ledger.TransferIntent) (ledger.SignedTx, error) {
	atomic.AddInt64(&c.buildCalls, 1)
	if c.SignAndBuildFunc != nil {
		return c.SignAndBuildFunc(ctx, intent)
	}
	n := atomic.AddInt64(&c.seq, 1)
	return ledger.SignedTx{
		Signature: ledger.Signature(fmt.Sprintf("%s#%d", intent.CorrelationID, n)),
	}, nil
}

// Submit implements ledger.Submitter.
func (c *Client) Submit(ctx context.Context, tx ledger.SignedTx) (ledger.Signature, error) {
	atomic.AddInt64(&c.submitCalls, 1)
	if c.SubmitFunc != nil {
		return c.SubmitFunc(ctx, tx)
	}
	return tx.Signature, nil
}

// GetStatus implements ledger.Submitter. Defaults to confirmed.
func (c *Client) GetStatus(ctx context.Context, sig ledger.Signature) (ledger.Status, error) {
	atomic.AddInt64(&c.statusCalls, 1)
	if c.GetStatusFunc != nil {
		return c.GetStatusFunc(ctx, sig)
	}
	return ledger.Status{State: ledger.TxConfirmed, Slot: 1}, nil
}

// Subscribe implements ledger.Subscriber.
func (c *Client) Subscribe(ctx context.Context, filter ledger.Filter) (ledger.Feed, error) {
	atomic.AddInt64(&c.subscribeCalls, 1)
	if c.SubscribeFunc != nil {
		return c.SubscribeFunc(ctx, filter)
	}
	return nil, fmt.Errorf("%w: no feed configured", ledger.ErrTransport)
}

// GetBalanceCalls returns the number of GetBalance calls.
func (c *Client) GetBalanceCalls() int { return int(atomic.LoadInt64(&c.getBalanceCalls)) }

// SignAndBuildCalls returns the number of SignAndBuild calls.
func (c *Client) SignAndBuildCalls() int { return int(atomic.LoadInt64(&c.buildCalls)) }

// SubmitCalls returns the number of Submit calls.
func (c *Client) SubmitCalls() int { return int(atomic.LoadInt64(&c.submitCalls)) }

// GetStatusCalls returns the number of GetStatus calls.
func (c *Client) GetStatusCalls() int { return int(atomic.LoadInt64(&c.statusCalls)) }

// SubscribeCalls returns the number of Subscribe calls.
func (c *Client) SubscribeCalls() int { return int(atomic.LoadInt64(&c.subscribeCalls)) }

// NetworkCalls returns the total number of calls that would hit the network.
func (c *Client) NetworkCalls() int {
	return c.GetBalanceCalls() + c.SignAndBuildCalls() + c.SubmitCalls() + c.GetStatusCalls() + c.SubscribeCalls()
}

// Balances is a concurrency-safe in-memory balance table usable as a
// GetBalanceFunc.
type Balances struct {
	mu   sync.Mutex
	data map[ledger.AccountID]ledger.Balance
}

// NewBalances creates an empty balance table.
func NewBalances() *Balances {
	return &Balances{data: make(map[ledger.AccountID]ledger.Balance)}
}

// Set stores a balance.
func (b *Balances) Set(account ledger.AccountID, bal ledger.Balance) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.data[account] = bal
}

// Get is shaped like ledger.BalanceSource.GetBalance.
func (b *Balances) Get(_ context.Context, account ledger.AccountID) (ledger.Balance, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	bal, ok := b.data[account]
	if !ok {
		return ledger.Balance{}, ledger.ErrAccountNotFound
	}
	return bal, nil
}

// Account returns a deterministic non-zero account id for tests.
func Account(n byte) ledger.AccountID {
	var id ledger.AccountID
	id[0] = n
	id[ledger.AccountIDLength-1] = 0xAA
	return id
}
