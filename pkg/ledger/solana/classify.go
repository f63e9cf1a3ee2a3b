package solana

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"ledger-client/pkg/ledger"

	"github.com/gagliardetto/solana-go/rpc/jsonrpc"
)

// JSON-RPC error codes returned by validator nodes.
const (
	codeInvalidRequest        = -32600
	codeInvalidParams         = -32602
	codePreflightFailure      = -32002
	codeSignatureVerification = -32003
	codeUnsupportedVersion    = -32015
)

// classify turns an RPC failure on the submission path into a
// *ledger.SubmissionError. Anything the node refused on the merits of the
// transaction is rejected; everything else (network, rate limits, node
// health, an expired blockhash) is transient.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return ledger.Transient(err)
	}

	var rpcErr *jsonrpc.RPCError
	if errors.As(err, &rpcErr) {
		switch rpcErr.Code {
		case codePreflightFailure:
			if blockhashExpired(rpcErr.Message) {
				return ledger.Transient(fmt.Errorf("%w: %w", ledger.ErrTxExpired, rpcErrorf(rpcErr)))
			}
			return ledger.Rejected(rpcErrorf(rpcErr))
		case codeInvalidRequest, codeInvalidParams, codeSignatureVerification, codeUnsupportedVersion:
			return ledger.Rejected(rpcErrorf(rpcErr))
		}
		return ledger.Transient(rpcErrorf(rpcErr))
	}

	var httpErr *jsonrpc.HTTPError
	if errors.As(err, &httpErr) {
		if httpErr.Code >= 400 && httpErr.Code < 500 &&
			httpErr.Code != http.StatusTooManyRequests && httpErr.Code != http.StatusRequestTimeout {
			return ledger.Rejected(err)
		}
		return ledger.Transient(err)
	}

	return ledger.Transient(err)
}

// alreadyProcessed reports whether the node refused a resend because the
// same signature already executed.
func alreadyProcessed(err error) bool {
	var rpcErr *jsonrpc.RPCError
	if !errors.As(err, &rpcErr) {
		return false
	}
	return strings.Contains(strings.ToLower(rpcErr.Message), "already been processed")
}

func blockhashExpired(msg string) bool {
	msg = strings.ToLower(msg)
	return strings.Contains(msg, "blockhash not found") || strings.Contains(msg, "block height exceeded")
}

// rpcError keeps the node's message readable; the library's own Error()
// dumps the whole struct.
type rpcError struct {
	code int
	msg  string
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.code, e.msg)
}

func rpcErrorf(e *jsonrpc.RPCError) error {
	return &rpcError{code: e.Code, msg: e.Message}
}
