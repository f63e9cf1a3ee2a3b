// Package solana implements ledger.Client against a Solana JSON-RPC node
// and its websocket pubsub endpoint.
package solana

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"ledger-client/pkg/ledger"
	"ledger-client/pkg/logging"

	sol "github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/system"
	"github.com/gagliardetto/solana-go/rpc"
	"go.uber.org/zap"
)

// Config configures the adapter.
type Config struct {
	// RPCURL is the HTTP JSON-RPC endpoint.
	RPCURL string

	// WSURL is the pubsub endpoint. Derived from RPCURL when empty.
	WSURL string

	// Commitment is the level reads and confirmations target.
	Commitment rpc.CommitmentType

	// SkipPreflight disables node-side simulation on submit.
	SkipPreflight bool
}

// DefaultConfig returns a config for rpcURL at confirmed commitment.
func DefaultConfig(rpcURL string) Config {
	return Config{
		RPCURL:     rpcURL,
		Commitment: rpc.CommitmentConfirmed,
	}
}

// rpcAPI is the subset of *rpc.Client the adapter calls.
type rpcAPI interface {
	GetAccountInfoWithOpts(ctx context.Context, account sol.PublicKey, opts *rpc.GetAccountInfoOpts) (*rpc.GetAccountInfoResult, error)
	GetLatestBlockhash(ctx context.Context, commitment rpc.CommitmentType) (*rpc.GetLatestBlockhashResult, error)
	SendRawTransactionWithOpts(ctx context.Context, rawTx []byte, opts rpc.TransactionOpts) (sol.Signature, error)
	GetSignatureStatuses(ctx context.Context, searchTransactionHistory bool, transactionSignatures ...sol.Signature) (*rpc.GetSignatureStatusesResult, error)
	GetTransaction(ctx context.Context, txSig sol.Signature, opts *rpc.GetTransactionOpts) (*rpc.GetTransactionResult, error)
	GetBlockHeight(ctx context.Context, commitment rpc.CommitmentType) (uint64, error)
}

// Client is a ledger.Client backed by a Solana node.
type Client struct {
	rpc        rpcAPI
	wsURL      string
	commitment rpc.CommitmentType
	preflight  bool
	keys       *Keyring
	dial       dialer
	logger     *logging.Logger

	// validity maps signatures we built to the last block height they
	// can land at.
	mu       sync.Mutex
	validity map[ledger.Signature]uint64
}

var _ ledger.Client = (*Client)(nil)

// New creates a client. keys may be nil for read-only use.
func New(config Config, keys *Keyring) (*Client, error) {
	if config.RPCURL == "" {
		return nil, errors.New("solana: rpc url is required")
	}
	return newClient(rpc.New(config.RPCURL), config, keys), nil
}

func newClient(api rpcAPI, config Config, keys *Keyring) *Client {
	if config.Commitment == "" {
		config.Commitment = rpc.CommitmentConfirmed
	}
	if config.WSURL == "" {
		config.WSURL = websocketURL(config.RPCURL)
	}
	if keys == nil {
		keys = NewKeyring()
	}
	return &Client{
		rpc:        api,
		wsURL:      config.WSURL,
		commitment: config.Commitment,
		preflight:  !config.SkipPreflight,
		keys:       keys,
		dial:       dialWebsocket,
		logger:     logging.Named("solana"),
		validity:   make(map[ledger.Signature]uint64),
	}
}

// websocketURL maps an http(s) RPC endpoint to its pubsub endpoint.
func websocketURL(rpcURL string) string {
	switch {
	case strings.HasPrefix(rpcURL, "https://"):
		return "wss://" + strings.TrimPrefix(rpcURL, "https://")
	case strings.HasPrefix(rpcURL, "http://"):
		return "ws://" + strings.TrimPrefix(rpcURL, "http://")
	}
	return rpcURL
}

// Keys returns the signing keyring.
func (c *Client) Keys() *Keyring {
	return c.keys
}

// GetBalance reads the account's lamports at the configured commitment.
// Accounts the node does not know match ledger.ErrAccountNotFound.
func (c *Client) GetBalance(ctx context.Context, account ledger.AccountID) (ledger.Balance, error) {
	var zero uint64
	res, err := c.rpc.GetAccountInfoWithOpts(ctx, sol.PublicKey(account), &rpc.GetAccountInfoOpts{
		Commitment: c.commitment,
		DataSlice:  &rpc.DataSlice{Offset: &zero, Length: &zero},
	})
	if err != nil {
		if errors.Is(err, rpc.ErrNotFound) {
			return ledger.Balance{}, fmt.Errorf("%w: %s", ledger.ErrAccountNotFound, account)
		}
		return ledger.Balance{}, fmt.Errorf("%w: get account %s: %w", ledger.ErrLookup, account, err)
	}
	if res == nil || res.Value == nil {
		return ledger.Balance{}, fmt.Errorf("%w: %s", ledger.ErrAccountNotFound, account)
	}
	return ledger.Balance{Amount: res.Value.Lamports, Height: res.Context.Slot}, nil
}

// SignAndBuild builds a system-program transfer against a fresh blockhash
// and signs it with the source account's key.
func (c *Client) SignAndBuild(ctx context.Context, intent ledger.TransferIntent) (ledger.SignedTx, error) {
	if !c.keys.Has(intent.Source) {
		return ledger.SignedTx{}, ledger.Rejected(fmt.Errorf("no signing key for %s", intent.Source))
	}

	bh, err := c.rpc.GetLatestBlockhash(ctx, c.commitment)
	if err != nil {
		return ledger.SignedTx{}, classify(fmt.Errorf("latest blockhash: %w", err))
	}
	if bh == nil || bh.Value == nil {
		return ledger.SignedTx{}, ledger.Transient(errors.New("latest blockhash: empty response"))
	}

	from := sol.PublicKey(intent.Source)
	to := sol.PublicKey(intent.Destination)
	tx, err := sol.NewTransaction(
		[]sol.Instruction{system.NewTransferInstruction(uint64(intent.Amount), from, to).Build()},
		bh.Value.Blockhash,
		sol.TransactionPayer(from),
	)
	if err != nil {
		return ledger.SignedTx{}, ledger.Rejected(fmt.Errorf("build transaction: %w", err))
	}
	if _, err := tx.Sign(c.keys.signer); err != nil {
		return ledger.SignedTx{}, ledger.Rejected(fmt.Errorf("sign transaction: %w", err))
	}
	raw, err := tx.MarshalBinary()
	if err != nil {
		return ledger.SignedTx{}, ledger.Rejected(fmt.Errorf("encode transaction: %w", err))
	}

	signed := ledger.SignedTx{
		Signature:  ledger.Signature(tx.Signatures[0].String()),
		Raw:        raw,
		ValidUntil: bh.Value.LastValidBlockHeight,
	}
	c.mu.Lock()
	c.validity[signed.Signature] = signed.ValidUntil
	c.mu.Unlock()
	return signed, nil
}

// Submit sends a signed transaction. Resending one that already executed
// succeeds with its signature.
func (c *Client) Submit(ctx context.Context, tx ledger.SignedTx) (ledger.Signature, error) {
	sig, err := c.rpc.SendRawTransactionWithOpts(ctx, tx.Raw, rpc.TransactionOpts{
		SkipPreflight:       !c.preflight,
		PreflightCommitment: c.commitment,
	})
	if err != nil {
		if alreadyProcessed(err) && tx.Signature != "" {
			return tx.Signature, nil
		}
		return "", classify(err)
	}
	return ledger.Signature(sig.String()), nil
}

// GetStatus polls the signature status. Once the transaction reaches the
// target commitment its post-balances are fetched on a best-effort basis.
// A transaction built by this client that is still unknown after its last
// valid block height reports TxExpired.
func (c *Client) GetStatus(ctx context.Context, signature ledger.Signature) (ledger.Status, error) {
	sig, err := sol.SignatureFromBase58(string(signature))
	if err != nil {
		return ledger.Status{}, ledger.Rejected(fmt.Errorf("malformed signature %q: %w", signature, err))
	}

	st, err := c.signatureStatus(ctx, sig)
	if err != nil {
		return ledger.Status{}, err
	}
	if st == nil {
		return c.unknownStatus(ctx, signature, sig)
	}

	if st.Err != nil {
		c.forget(signature)
		return ledger.Status{
			State: ledger.TxFailed,
			Slot:  st.Slot,
			Err:   ledger.Rejected(fmt.Errorf("transaction failed: %v", st.Err)),
		}, nil
	}
	if !reached(st.ConfirmationStatus, c.commitment) {
		return ledger.Status{State: ledger.TxProcessing, Slot: st.Slot}, nil
	}

	c.forget(signature)
	status := ledger.Status{State: ledger.TxConfirmed, Slot: st.Slot}
	status.Balances = c.postBalances(ctx, sig)
	return status, nil
}

func (c *Client) signatureStatus(ctx context.Context, sig sol.Signature) (*rpc.SignatureStatusesResult, error) {
	res, err := c.rpc.GetSignatureStatuses(ctx, true, sig)
	if err != nil {
		if errors.Is(err, rpc.ErrNotFound) {
			return nil, nil
		}
		return nil, ledger.Transient(fmt.Errorf("signature status: %w", err))
	}
	if res == nil || len(res.Value) == 0 {
		return nil, nil
	}
	return res.Value[0], nil
}

// unknownStatus decides between TxUnknown and TxExpired for a signature the
// node has no status for. The status is read again after the height check
// so a transaction landing in between is not reported expired.
func (c *Client) unknownStatus(ctx context.Context, signature ledger.Signature, sig sol.Signature) (ledger.Status, error) {
	c.mu.Lock()
	validUntil, ok := c.validity[signature]
	c.mu.Unlock()
	if !ok || validUntil == 0 {
		return ledger.Status{State: ledger.TxUnknown}, nil
	}

	height, err := c.rpc.GetBlockHeight(ctx, c.commitment)
	if err != nil {
		return ledger.Status{}, ledger.Transient(fmt.Errorf("block height: %w", err))
	}
	if height <= validUntil {
		return ledger.Status{State: ledger.TxUnknown}, nil
	}

	st, err := c.signatureStatus(ctx, sig)
	if err != nil {
		return ledger.Status{}, err
	}
	if st != nil {
		return ledger.Status{State: ledger.TxProcessing, Slot: st.Slot}, nil
	}
	c.forget(signature)
	c.logger.Debug("transaction expired",
		zap.Stringer("signature", sig),
		zap.Uint64("valid_until", validUntil),
		zap.Uint64("height", height),
	)
	return ledger.Status{State: ledger.TxExpired}, nil
}

func (c *Client) forget(signature ledger.Signature) {
	c.mu.Lock()
	delete(c.validity, signature)
	c.mu.Unlock()
}

// reached reports whether got satisfies the target commitment.
func reached(got rpc.ConfirmationStatusType, target rpc.CommitmentType) bool {
	switch got {
	case rpc.ConfirmationStatusFinalized:
		return true
	case rpc.ConfirmationStatusConfirmed:
		return target != rpc.CommitmentFinalized
	case rpc.ConfirmationStatusProcessed:
		return target == rpc.CommitmentProcessed
	}
	return false
}

func (c *Client) postBalances(ctx context.Context, sig sol.Signature) []ledger.AccountBalance {
	var version uint64
	res, err := c.rpc.GetTransaction(ctx, sig, &rpc.GetTransactionOpts{
		Encoding:                       sol.EncodingBase64,
		Commitment:                     c.commitment,
		MaxSupportedTransactionVersion: &version,
	})
	if err != nil || res == nil || res.Meta == nil || res.Transaction == nil {
		c.logger.Debug("post balances unavailable", zap.Stringer("signature", sig), zap.Error(err))
		return nil
	}
	tx, err := res.Transaction.GetTransaction()
	if err != nil || tx == nil {
		c.logger.Debug("transaction decode failed", zap.Stringer("signature", sig), zap.Error(err))
		return nil
	}
	return pairBalances(tx.Message.AccountKeys, res.Meta.PostBalances, res.Slot)
}

// pairBalances zips static account keys with post-balances. Keys loaded
// from lookup tables have no static entry and are skipped.
func pairBalances(keys []sol.PublicKey, post []uint64, slot uint64) []ledger.AccountBalance {
	n := min(len(keys), len(post))
	if n == 0 {
		return nil
	}
	out := make([]ledger.AccountBalance, n)
	for i := range n {
		out[i] = ledger.AccountBalance{
			Account: ledger.AccountID(keys[i]),
			Balance: ledger.Balance{Amount: post[i], Height: slot},
		}
	}
	return out
}

// Subscribe opens a websocket connection with a slot subscription (when
// blocks are wanted) and one account subscription per filtered account.
func (c *Client) Subscribe(ctx context.Context, filter ledger.Filter) (ledger.Feed, error) {
	if filter.Empty() {
		return nil, fmt.Errorf("%w: empty filter", ledger.ErrTransport)
	}
	conn, err := c.dial(ctx, c.wsURL)
	if err != nil {
		return nil, fmt.Errorf("%w: connect %s: %w", ledger.ErrTransport, c.wsURL, err)
	}

	var readers []reader
	var unsubs []func()
	fail := func(err error) (ledger.Feed, error) {
		for _, u := range unsubs {
			u()
		}
		conn.Close()
		return nil, fmt.Errorf("%w: %w", ledger.ErrTransport, err)
	}

	if filter.Blocks {
		r, unsub, err := conn.slots()
		if err != nil {
			return fail(fmt.Errorf("slot subscribe: %w", err))
		}
		readers = append(readers, r)
		unsubs = append(unsubs, unsub)
	}
	for _, id := range filter.Accounts {
		r, unsub, err := conn.account(id, c.commitment)
		if err != nil {
			return fail(fmt.Errorf("account subscribe %s: %w", id, err))
		}
		readers = append(readers, r)
		unsubs = append(unsubs, unsub)
	}

	c.logger.Debug("subscribed",
		zap.Bool("blocks", filter.Blocks),
		zap.Int("accounts", len(filter.Accounts)),
	)
	return newFeed(readers, func() {
		for _, u := range unsubs {
			u()
		}
		conn.Close()
	}), nil
}
