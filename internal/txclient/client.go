// Package txclient implements the L7 transaction client (spec.md §4.7): a
// helper around the mempool socket and the block-executed notifier that lets
// a caller submit an UpdateMethod and await its outcome, with configurable
// wait and retry behavior. Grounded on the teacher's pattern of a thin client
// wrapping a socket plus a correlation ID for traceable resubmission,
// generalized here to the node's notifier-based receipt delivery instead of
// a request/response RPC.
package txclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"lightning/internal/crypto"
	"lightning/internal/types"
)

// ErrTimeout is returned when WaitReceipt's window elapses with no matching
// receipt (spec.md §4.7 ExecuteTransactionError::Timeout).
var ErrTimeout = errors.New("txclient: timed out waiting for receipt")

// Signer produces a signature over digest for the client's sender identity.
// Its concrete implementation depends on the sender's SenderKind (ECDSA,
// Ed25519, or BLS), kept out of this package the same way internal/executor
// keeps verification behind a switch on SenderKind rather than this client
// depending on every key type directly.
type Signer interface {
	Sign(digest []byte) ([]byte, error)
}

// WaitMode selects how Submit waits for an outcome (spec.md §4.7).
type WaitMode uint8

const (
	WaitNone WaitMode = iota
	WaitReceipt
)

// RetryKind selects which reverts trigger an automatic resubmission.
type RetryKind uint8

const (
	RetryNever RetryKind = iota
	RetryAnyError
	RetryOnlyWith
	RetryAlwaysExcept
)

// RetryPolicy pairs a RetryKind with the revert codes OnlyWith/AlwaysExcept
// need (spec.md §4.7).
type RetryPolicy struct {
	Kind  RetryKind
	Codes []types.RevertCode
}

func (p RetryPolicy) shouldRetry(code types.RevertCode) bool {
	switch p.Kind {
	case RetryNever:
		return false
	case RetryAnyError:
		return true
	case RetryOnlyWith:
		return containsCode(p.Codes, code)
	case RetryAlwaysExcept:
		return !containsCode(p.Codes, code)
	default:
		return false
	}
}

func containsCode(codes []types.RevertCode, code types.RevertCode) bool {
	for _, c := range codes {
		if c == code {
			return true
		}
	}
	return false
}

// SubmitOptions configures one Submit call. For WaitReceipt, WaitCtx should
// carry the receipt-wait deadline via context.WithTimeout; Submit falls back
// to the call's own ctx when WaitCtx is nil.
type SubmitOptions struct {
	Wait    WaitMode
	WaitCtx context.Context
	Retry   RetryPolicy
}

// Client implements spec.md §4.7. One Client serves one sender identity.
type Client struct {
	producer types.MempoolProducer
	notifier types.Notifier
	signer   Signer
	sender   types.Sender
	chainID  uint64
	log      *logrus.Logger

	resyncNonce func(ctx context.Context) (uint64, error)

	mu    sync.Mutex
	nonce uint64 // next nonce to use
}

// New constructs a Client. startNonce is the sender's on-chain nonce + 1
// (spec.md §4.7). resyncNonce re-reads the on-chain nonce on InvalidNonce;
// callers typically wire it to a query.Surface lookup.
func New(producer types.MempoolProducer, notifier types.Notifier, signer Signer, sender types.Sender, chainID uint64, startNonce uint64, resyncNonce func(ctx context.Context) (uint64, error), log *logrus.Logger) *Client {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Client{
		producer: producer, notifier: notifier, signer: signer, sender: sender,
		chainID: chainID, nonce: startNonce, resyncNonce: resyncNonce, log: log,
	}
}

// Submit signs and submits method, then honors opts.Wait/opts.Retry.
func (c *Client) Submit(ctx context.Context, method types.UpdateMethod, opts SubmitOptions) (*types.TxReceipt, error) {
	correlationID := uuid.New().String()
	log := c.log.WithField("correlation_id", correlationID)

	for {
		req, txHash, err := c.buildAndSign(method)
		if err != nil {
			return nil, err
		}
		log = log.WithField("nonce", req.Nonce)

		if err := c.producer.Submit(ctx, req); err != nil {
			return nil, fmt.Errorf("txclient: submit: %w", err)
		}
		log.Debug("txclient: submitted transaction")

		if opts.Wait == WaitNone {
			c.bumpNonceOptimistically(req.Nonce)
			return nil, nil
		}

		waitCtx := ctx
		if opts.WaitCtx != nil {
			waitCtx = opts.WaitCtx
		}
		receipt, err := c.awaitReceipt(waitCtx, txHash)
		if err != nil {
			return nil, err
		}
		c.bumpNonceOptimistically(req.Nonce)

		if receipt.Response.Success {
			return receipt, nil
		}

		code := receipt.Response.Revert
		log.WithField("revert", code.String()).Debug("txclient: transaction reverted")

		if code == types.RevertInvalidNonce && c.resyncNonce != nil {
			fresh, rerr := c.resyncNonce(ctx)
			if rerr == nil {
				c.mu.Lock()
				c.nonce = fresh
				c.mu.Unlock()
			}
		}

		if !opts.Retry.shouldRetry(code) {
			return receipt, nil
		}
		log.Debug("txclient: retrying per policy")
	}
}

func (c *Client) buildAndSign(method types.UpdateMethod) (types.TransactionRequest, types.TxHash, error) {
	c.mu.Lock()
	nonce := c.nonce
	c.mu.Unlock()

	payload, err := json.Marshal(method)
	if err != nil {
		return types.TransactionRequest{}, types.TxHash{}, fmt.Errorf("txclient: encode method payload: %w", err)
	}
	digest, err := crypto.TransactionDigest(c.sender, c.chainID, nonce, method.Name(), payload)
	if err != nil {
		return types.TransactionRequest{}, types.TxHash{}, fmt.Errorf("txclient: digest: %w", err)
	}
	sig, err := c.signer.Sign(digest[:])
	if err != nil {
		return types.TransactionRequest{}, types.TxHash{}, fmt.Errorf("txclient: sign: %w", err)
	}
	req := types.TransactionRequest{
		Sender: c.sender, ChainID: c.chainID, Nonce: nonce, Method: method, Signature: sig,
	}
	return req, digest, nil
}

// bumpNonceOptimistically advances the local nonce past used if nothing has
// since resynced it ahead already.
func (c *Client) bumpNonceOptimistically(used uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.nonce == used {
		c.nonce = used + 1
	}
}

func (c *Client) awaitReceipt(ctx context.Context, txHash types.TxHash) (*types.TxReceipt, error) {
	events, unsubscribe := c.notifier.SubscribeBlockExecuted()
	defer unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return nil, ErrTimeout
		case resp, ok := <-events:
			if !ok {
				return nil, ErrTimeout
			}
			for i := range resp.Receipts {
				if resp.Receipts[i].TxHash == txHash {
					r := resp.Receipts[i]
					return &r, nil
				}
			}
		}
	}
}
