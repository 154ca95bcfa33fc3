package txclient

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"lightning/internal/crypto"
	"lightning/internal/types"
)

type fakeProducer struct {
	mu  sync.Mutex
	got []types.TransactionRequest
}

func (f *fakeProducer) Submit(_ context.Context, tx types.TransactionRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.got = append(f.got, tx)
	return nil
}

func (f *fakeProducer) last() types.TransactionRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.got[len(f.got)-1]
}

type fakeNotifier struct {
	mu   sync.Mutex
	subs []chan types.BlockExecutionResponse
}

func (n *fakeNotifier) NotifyBlockExecuted(resp types.BlockExecutionResponse) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, ch := range n.subs {
		ch <- resp
	}
}
func (n *fakeNotifier) NotifyEpochChanged(types.EpochChangedEvent) {}

func (n *fakeNotifier) SubscribeBlockExecuted() (<-chan types.BlockExecutionResponse, func()) {
	ch := make(chan types.BlockExecutionResponse, 4)
	n.mu.Lock()
	n.subs = append(n.subs, ch)
	n.mu.Unlock()
	return ch, func() {}
}
func (n *fakeNotifier) SubscribeEpochChanged() (<-chan types.EpochChangedEvent, func()) {
	ch := make(chan types.EpochChangedEvent)
	return ch, func() {}
}

type seedSigner struct{ seed [32]byte }

func (s seedSigner) Sign(digest []byte) ([]byte, error) {
	return crypto.Ed25519Sign(s.seed, digest), nil
}

func TestSubmitWaitNoneAdvancesNonce(t *testing.T) {
	producer := &fakeProducer{}
	notifier := &fakeNotifier{}
	sender := types.Sender{Kind: types.SenderNodeMain, Node: 1}
	c := New(producer, notifier, seedSigner{}, sender, 7, 3, nil, nil)

	_, err := c.Submit(context.Background(), types.UpdateMethod{OptIn: &struct{}{}}, SubmitOptions{Wait: WaitNone})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if got := producer.last().Nonce; got != 3 {
		t.Fatalf("expected first submission to use nonce 3, got %d", got)
	}

	_, err = c.Submit(context.Background(), types.UpdateMethod{OptOut: &struct{}{}}, SubmitOptions{Wait: WaitNone})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if got := producer.last().Nonce; got != 4 {
		t.Fatalf("expected second submission to use nonce 4, got %d", got)
	}
}

func TestSubmitWaitReceiptReturnsMatchingReceipt(t *testing.T) {
	producer := &fakeProducer{}
	notifier := &fakeNotifier{}
	sender := types.Sender{Kind: types.SenderNodeMain, Node: 1}
	c := New(producer, notifier, seedSigner{}, sender, 7, 0, nil, nil)

	done := make(chan *types.TxReceipt, 1)
	go func() {
		r, err := c.Submit(context.Background(), types.UpdateMethod{OptIn: &struct{}{}}, SubmitOptions{Wait: WaitReceipt})
		if err != nil {
			t.Errorf("Submit: %v", err)
		}
		done <- r
	}()

	deadline := time.After(2 * time.Second)
	for {
		producer.mu.Lock()
		n := len(producer.got)
		producer.mu.Unlock()
		if n > 0 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("submission never arrived")
		case <-time.After(time.Millisecond):
		}
	}

	payload, err := json.Marshal(producer.last().Method)
	if err != nil {
		t.Fatalf("marshal method: %v", err)
	}
	txHash, err := crypto.TransactionDigest(sender, 7, 0, "OptIn", payload)
	if err != nil {
		t.Fatalf("digest: %v", err)
	}
	resp := types.BlockExecutionResponse{
		BlockNumber: 1,
		Receipts: []types.TxReceipt{
			{TxHash: txHash, BlockNumber: 1, Response: types.ExecutionResponse{Success: true}},
		},
	}

	// The client subscribes after Submit returns from producer.Submit, so
	// retry the notification until the subscription is in place or the
	// overall deadline expires.
	overall := time.After(2 * time.Second)
	for {
		notifier.NotifyBlockExecuted(resp)
		select {
		case r := <-done:
			if r == nil || !r.Response.Success {
				t.Fatalf("expected a successful receipt, got %+v", r)
			}
			return
		case <-overall:
			t.Fatal("timed out waiting for Submit to return")
		case <-time.After(20 * time.Millisecond):
		}
	}
}

func TestSubmitTimesOutWithNoReceipt(t *testing.T) {
	producer := &fakeProducer{}
	notifier := &fakeNotifier{}
	sender := types.Sender{Kind: types.SenderNodeMain, Node: 1}
	c := New(producer, notifier, seedSigner{}, sender, 7, 0, nil, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := c.Submit(context.Background(), types.UpdateMethod{OptIn: &struct{}{}}, SubmitOptions{Wait: WaitReceipt, WaitCtx: ctx})
	if err != ErrTimeout {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
}

func TestRetryPolicies(t *testing.T) {
	never := RetryPolicy{Kind: RetryNever}
	if never.shouldRetry(types.RevertInvalidNonce) {
		t.Fatal("RetryNever must never retry")
	}
	any := RetryPolicy{Kind: RetryAnyError}
	if !any.shouldRetry(types.RevertInsufficientBalance) {
		t.Fatal("RetryAnyError must retry on any revert")
	}
	only := RetryPolicy{Kind: RetryOnlyWith, Codes: []types.RevertCode{types.RevertInvalidNonce}}
	if !only.shouldRetry(types.RevertInvalidNonce) || only.shouldRetry(types.RevertInsufficientBalance) {
		t.Fatal("RetryOnlyWith must retry only listed codes")
	}
	except := RetryPolicy{Kind: RetryAlwaysExcept, Codes: []types.RevertCode{types.RevertInsufficientBalance}}
	if except.shouldRetry(types.RevertInsufficientBalance) || !except.shouldRetry(types.RevertInvalidNonce) {
		t.Fatal("RetryAlwaysExcept must retry everything but the listed codes")
	}
}
