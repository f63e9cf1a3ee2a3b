package solana

import (
	"context"
	"errors"
	"testing"

	"ledger-client/pkg/ledger"

	sol "github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/gagliardetto/solana-go/rpc/jsonrpc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRPC implements rpcAPI with hook functions.
type fakeRPC struct {
	accountInfo func(ctx context.Context, account sol.PublicKey, opts *rpc.GetAccountInfoOpts) (*rpc.GetAccountInfoResult, error)
	blockhash   func(ctx context.Context, commitment rpc.CommitmentType) (*rpc.GetLatestBlockhashResult, error)
	send        func(ctx context.Context, rawTx []byte, opts rpc.TransactionOpts) (sol.Signature, error)
	statuses    func(ctx context.Context, search bool, sigs ...sol.Signature) (*rpc.GetSignatureStatusesResult, error)
	transaction func(ctx context.Context, sig sol.Signature, opts *rpc.GetTransactionOpts) (*rpc.GetTransactionResult, error)
	height      func(ctx context.Context, commitment rpc.CommitmentType) (uint64, error)
}

func (f *fakeRPC) GetAccountInfoWithOpts(ctx context.Context, account sol.PublicKey, opts *rpc.GetAccountInfoOpts) (*rpc.GetAccountInfoResult, error) {
	return f.accountInfo(ctx, account, opts)
}

func (f *fakeRPC) GetLatestBlockhash(ctx context.Context, commitment rpc.CommitmentType) (*rpc.GetLatestBlockhashResult, error) {
	return f.blockhash(ctx, commitment)
}

func (f *fakeRPC) SendRawTransactionWithOpts(ctx context.Context, rawTx []byte, opts rpc.TransactionOpts) (sol.Signature, error) {
	return f.send(ctx, rawTx, opts)
}

func (f *fakeRPC) GetSignatureStatuses(ctx context.Context, search bool, sigs ...sol.Signature) (*rpc.GetSignatureStatusesResult, error) {
	return f.statuses(ctx, search, sigs...)
}

func (f *fakeRPC) GetTransaction(ctx context.Context, sig sol.Signature, opts *rpc.GetTransactionOpts) (*rpc.GetTransactionResult, error) {
	if f.transaction == nil {
		return nil, rpc.ErrNotFound
	}
	return f.transaction(ctx, sig, opts)
}

func (f *fakeRPC) GetBlockHeight(ctx context.Context, commitment rpc.CommitmentType) (uint64, error) {
	return f.height(ctx, commitment)
}

func fixedBlockhash() *rpc.GetLatestBlockhashResult {
	var h sol.Hash
	h[0] = 42
	return &rpc.GetLatestBlockhashResult{Value: &rpc.LatestBlockhashResult{Blockhash: h, LastValidBlockHeight: 100}}
}

func newKey(t *testing.T) sol.PrivateKey {
	t.Helper()
	key, err := sol.NewRandomPrivateKey()
	require.NoError(t, err)
	return key
}

func TestGetBalance(t *testing.T) {
	account := ledger.AccountID(newKey(t).PublicKey())

	t.Run("found", func(t *testing.T) {
		api := &fakeRPC{accountInfo: func(_ context.Context, pk sol.PublicKey, opts *rpc.GetAccountInfoOpts) (*rpc.GetAccountInfoResult, error) {
			assert.Equal(t, sol.PublicKey(account), pk)
			assert.Equal(t, rpc.CommitmentConfirmed, opts.Commitment)
			res := &rpc.GetAccountInfoResult{Value: &rpc.Account{Lamports: 2_500_000_000}}
			res.Context.Slot = 812
			return res, nil
		}}
		c := newClient(api, Config{RPCURL: "http://localhost:8899"}, nil)

		bal, err := c.GetBalance(context.Background(), account)
		require.NoError(t, err)
		assert.Equal(t, ledger.Balance{Amount: 2_500_000_000, Height: 812}, bal)
	})

	t.Run("not found", func(t *testing.T) {
		api := &fakeRPC{accountInfo: func(context.Context, sol.PublicKey, *rpc.GetAccountInfoOpts) (*rpc.GetAccountInfoResult, error) {
			return nil, rpc.ErrNotFound
		}}
		c := newClient(api, Config{RPCURL: "http://localhost:8899"}, nil)

		_, err := c.GetBalance(context.Background(), account)
		assert.ErrorIs(t, err, ledger.ErrAccountNotFound)
		assert.ErrorIs(t, err, ledger.ErrLookup)
	})

	t.Run("unreachable", func(t *testing.T) {
		api := &fakeRPC{accountInfo: func(context.Context, sol.PublicKey, *rpc.GetAccountInfoOpts) (*rpc.GetAccountInfoResult, error) {
			return nil, errors.New("dial tcp: connection refused")
		}}
		c := newClient(api, Config{RPCURL: "http://localhost:8899"}, nil)

		_, err := c.GetBalance(context.Background(), account)
		assert.ErrorIs(t, err, ledger.ErrLookup)
		assert.NotErrorIs(t, err, ledger.ErrAccountNotFound)
	})
}

func TestSignAndBuild(t *testing.T) {
	key := newKey(t)
	keys := NewKeyring()
	source := keys.Add(key)
	dest := ledger.AccountID(newKey(t).PublicKey())

	api := &fakeRPC{blockhash: func(context.Context, rpc.CommitmentType) (*rpc.GetLatestBlockhashResult, error) {
		return fixedBlockhash(), nil
	}}
	c := newClient(api, Config{RPCURL: "http://localhost:8899"}, keys)

	signed, err := c.SignAndBuild(context.Background(), ledger.TransferIntent{
		Source:      source,
		Destination: dest,
		Amount:      1_000,
	})
	require.NoError(t, err)
	require.NotEmpty(t, signed.Raw)

	tx, err := sol.TransactionFromBytes(signed.Raw)
	require.NoError(t, err)
	require.NoError(t, tx.VerifySignatures())
	assert.Equal(t, ledger.Signature(tx.Signatures[0].String()), signed.Signature)
	assert.Equal(t, fixedBlockhash().Value.Blockhash, tx.Message.RecentBlockhash)
	assert.Equal(t, sol.PublicKey(source), tx.Message.AccountKeys[0])
	assert.Equal(t, uint64(100), signed.ValidUntil)
}

func TestSignAndBuild_Errors(t *testing.T) {
	keys := NewKeyring()
	source := keys.Add(newKey(t))
	intent := ledger.TransferIntent{
		Source:      source,
		Destination: ledger.AccountID(newKey(t).PublicKey()),
		Amount:      5,
	}

	t.Run("unknown signer is rejected", func(t *testing.T) {
		c := newClient(&fakeRPC{}, Config{RPCURL: "http://x"}, NewKeyring())
		_, err := c.SignAndBuild(context.Background(), intent)
		assert.True(t, ledger.IsRejected(err))
	})

	t.Run("blockhash failure is transient", func(t *testing.T) {
		api := &fakeRPC{blockhash: func(context.Context, rpc.CommitmentType) (*rpc.GetLatestBlockhashResult, error) {
			return nil, jsonrpc.NewHTTPError(503, errors.New("service unavailable"))
		}}
		c := newClient(api, Config{RPCURL: "http://x"}, keys)
		_, err := c.SignAndBuild(context.Background(), intent)
		assert.True(t, ledger.IsTransient(err))
	})
}

func TestSubmit_Classification(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		rejected  bool
		transient bool
	}{
		{"insufficient funds", &jsonrpc.RPCError{Code: -32002, Message: "Transaction simulation failed: Attempt to debit an account but found no record of a prior credit."}, true, false},
		{"expired blockhash", &jsonrpc.RPCError{Code: -32002, Message: "Transaction simulation failed: Blockhash not found"}, false, true},
		{"bad signature", &jsonrpc.RPCError{Code: -32003, Message: "Transaction signature verification failure"}, true, false},
		{"node unhealthy", &jsonrpc.RPCError{Code: -32005, Message: "Node is unhealthy"}, false, true},
		{"rate limited", jsonrpc.NewHTTPError(429, errors.New("too many requests")), false, true},
		{"bad request", jsonrpc.NewHTTPError(400, errors.New("bad request")), true, false},
		{"network", errors.New("connection reset by peer"), false, true},
		{"deadline", context.DeadlineExceeded, false, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			api := &fakeRPC{send: func(context.Context, []byte, rpc.TransactionOpts) (sol.Signature, error) {
				return sol.Signature{}, tt.err
			}}
			c := newClient(api, Config{RPCURL: "http://x"}, nil)

			_, err := c.Submit(context.Background(), ledger.SignedTx{Raw: []byte{1}})
			require.Error(t, err)
			assert.ErrorIs(t, err, ledger.ErrSubmission)
			assert.Equal(t, tt.rejected, ledger.IsRejected(err))
			assert.Equal(t, tt.transient, ledger.IsTransient(err))
			assert.Equal(t, tt.name == "expired blockhash", errors.Is(err, ledger.ErrTxExpired))
		})
	}
}

func TestSubmit_AlreadyProcessedIsIdempotent(t *testing.T) {
	api := &fakeRPC{send: func(context.Context, []byte, rpc.TransactionOpts) (sol.Signature, error) {
		return sol.Signature{}, &jsonrpc.RPCError{Code: -32002, Message: "Transaction simulation failed: This transaction has already been processed"}
	}}
	c := newClient(api, Config{RPCURL: "http://x"}, nil)

	got, err := c.Submit(context.Background(), ledger.SignedTx{Signature: "sigA", Raw: []byte{1}})
	require.NoError(t, err)
	assert.Equal(t, ledger.Signature("sigA"), got)
}

func TestSubmit_Success(t *testing.T) {
	var sig sol.Signature
	sig[0] = 7
	api := &fakeRPC{send: func(_ context.Context, raw []byte, opts rpc.TransactionOpts) (sol.Signature, error) {
		assert.Equal(t, []byte{1, 2, 3}, raw)
		assert.False(t, opts.SkipPreflight)
		return sig, nil
	}}
	c := newClient(api, Config{RPCURL: "http://x"}, nil)

	got, err := c.Submit(context.Background(), ledger.SignedTx{Raw: []byte{1, 2, 3}})
	require.NoError(t, err)
	assert.Equal(t, ledger.Signature(sig.String()), got)
}

func TestGetStatus(t *testing.T) {
	var sig sol.Signature
	sig[1] = 9
	statusOf := func(st *rpc.SignatureStatusesResult) *fakeRPC {
		return &fakeRPC{statuses: func(context.Context, bool, ...sol.Signature) (*rpc.GetSignatureStatusesResult, error) {
			return &rpc.GetSignatureStatusesResult{Value: []*rpc.SignatureStatusesResult{st}}, nil
		}}
	}

	tests := []struct {
		name  string
		api   *fakeRPC
		state ledger.TxStatus
	}{
		{"unknown", statusOf(nil), ledger.TxUnknown},
		{"processed", statusOf(&rpc.SignatureStatusesResult{Slot: 5, ConfirmationStatus: rpc.ConfirmationStatusProcessed}), ledger.TxProcessing},
		{"confirmed", statusOf(&rpc.SignatureStatusesResult{Slot: 6, ConfirmationStatus: rpc.ConfirmationStatusConfirmed}), ledger.TxConfirmed},
		{"finalized", statusOf(&rpc.SignatureStatusesResult{Slot: 7, ConfirmationStatus: rpc.ConfirmationStatusFinalized}), ledger.TxConfirmed},
		{"failed", statusOf(&rpc.SignatureStatusesResult{Slot: 8, Err: map[string]any{"InstructionError": []any{0, "Custom"}}}), ledger.TxFailed},
		{"not found", &fakeRPC{statuses: func(context.Context, bool, ...sol.Signature) (*rpc.GetSignatureStatusesResult, error) {
			return nil, rpc.ErrNotFound
		}}, ledger.TxUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newClient(tt.api, Config{RPCURL: "http://x"}, nil)
			st, err := c.GetStatus(context.Background(), ledger.Signature(sig.String()))
			require.NoError(t, err)
			assert.Equal(t, tt.state, st.State)
			if tt.state == ledger.TxFailed {
				assert.True(t, ledger.IsRejected(st.Err))
			}
		})
	}
}

func TestGetStatus_ExpiresAfterLastValidHeight(t *testing.T) {
	keys := NewKeyring()
	source := keys.Add(newKey(t))
	intent := ledger.TransferIntent{Source: source, Destination: ledger.AccountID(newKey(t).PublicKey()), Amount: 5}

	var (
		height  uint64 = 90
		landed  bool
		lookups int
	)
	api := &fakeRPC{
		blockhash: func(context.Context, rpc.CommitmentType) (*rpc.GetLatestBlockhashResult, error) {
			return fixedBlockhash(), nil
		},
		statuses: func(context.Context, bool, ...sol.Signature) (*rpc.GetSignatureStatusesResult, error) {
			lookups++
			// The transaction shows up between the height read and the
			// second status read.
			if landed && lookups%2 == 0 {
				return &rpc.GetSignatureStatusesResult{Value: []*rpc.SignatureStatusesResult{{Slot: 101, ConfirmationStatus: rpc.ConfirmationStatusProcessed}}}, nil
			}
			return &rpc.GetSignatureStatusesResult{Value: []*rpc.SignatureStatusesResult{nil}}, nil
		},
		height: func(context.Context, rpc.CommitmentType) (uint64, error) {
			return height, nil
		},
	}
	c := newClient(api, Config{RPCURL: "http://x"}, keys)

	signed, err := c.SignAndBuild(context.Background(), intent)
	require.NoError(t, err)

	st, err := c.GetStatus(context.Background(), signed.Signature)
	require.NoError(t, err)
	assert.Equal(t, ledger.TxUnknown, st.State, "still within its validity window")

	height = 101
	landed = true
	lookups = 0
	st, err = c.GetStatus(context.Background(), signed.Signature)
	require.NoError(t, err)
	assert.Equal(t, ledger.TxProcessing, st.State, "landed just before the window closed")

	landed = false
	st, err = c.GetStatus(context.Background(), signed.Signature)
	require.NoError(t, err)
	assert.Equal(t, ledger.TxExpired, st.State)

	// Signatures this client did not build are never declared expired.
	var foreign sol.Signature
	foreign[3] = 1
	st, err = c.GetStatus(context.Background(), ledger.Signature(foreign.String()))
	require.NoError(t, err)
	assert.Equal(t, ledger.TxUnknown, st.State)
}

func TestGetStatus_Errors(t *testing.T) {
	c := newClient(&fakeRPC{}, Config{RPCURL: "http://x"}, nil)
	_, err := c.GetStatus(context.Background(), "not-base58-0OIl")
	assert.True(t, ledger.IsRejected(err))

	api := &fakeRPC{statuses: func(context.Context, bool, ...sol.Signature) (*rpc.GetSignatureStatusesResult, error) {
		return nil, errors.New("i/o timeout")
	}}
	c = newClient(api, Config{RPCURL: "http://x"}, nil)
	var sig sol.Signature
	_, err = c.GetStatus(context.Background(), ledger.Signature(sig.String()))
	assert.True(t, ledger.IsTransient(err))
}

func TestReached(t *testing.T) {
	assert.True(t, reached(rpc.ConfirmationStatusConfirmed, rpc.CommitmentConfirmed))
	assert.False(t, reached(rpc.ConfirmationStatusConfirmed, rpc.CommitmentFinalized))
	assert.True(t, reached(rpc.ConfirmationStatusFinalized, rpc.CommitmentFinalized))
	assert.False(t, reached(rpc.ConfirmationStatusProcessed, rpc.CommitmentConfirmed))
	assert.True(t, reached(rpc.ConfirmationStatusProcessed, rpc.CommitmentProcessed))
	assert.False(t, reached("", rpc.CommitmentConfirmed))
}

func TestPairBalances(t *testing.T) {
	a := newKey(t).PublicKey()
	b := newKey(t).PublicKey()
	sys := sol.SystemProgramID

	got := pairBalances([]sol.PublicKey{a, b, sys}, []uint64{90, 10}, 44)
	require.Len(t, got, 2)
	assert.Equal(t, ledger.AccountID(a), got[0].Account)
	assert.Equal(t, ledger.Balance{Amount: 90, Height: 44}, got[0].Balance)
	assert.Equal(t, ledger.Balance{Amount: 10, Height: 44}, got[1].Balance)

	assert.Nil(t, pairBalances(nil, []uint64{1}, 1))
}

func TestWebsocketURL(t *testing.T) {
	assert.Equal(t, "wss://api.devnet.solana.com", websocketURL("https://api.devnet.solana.com"))
	assert.Equal(t, "ws://127.0.0.1:8899", websocketURL("http://127.0.0.1:8899"))
	assert.Equal(t, "ws://already", websocketURL("ws://already"))

	_, err := New(Config{}, nil)
	assert.Error(t, err)
}
