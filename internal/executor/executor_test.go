package executor

import (
	"encoding/json"
	"testing"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"lightning/internal/crypto"
	"lightning/internal/merklize"
	"lightning/internal/state"
	"lightning/internal/storage"
	"lightning/internal/types"
)

func newOwner(t *testing.T) (*types.Address, func(digest types.TxHash) []byte) {
	t.Helper()
	key, err := ethcrypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate ecdsa key: %v", err)
	}
	addr := types.Address(ethcrypto.PubkeyToAddress(key.PublicKey))
	sign := func(digest types.TxHash) []byte {
		sig, err := ethcrypto.Sign(digest[:], key)
		if err != nil {
			t.Fatalf("sign: %v", err)
		}
		return sig
	}
	return &addr, sign
}

func newTestExecutor(t *testing.T) (*Executor, *storage.Engine, *state.Schema) {
	t.Helper()
	e, err := storage.New(storage.Config{})
	if err != nil {
		t.Fatalf("storage.New: %v", err)
	}
	tree, err := merklize.Open(e)
	if err != nil {
		t.Fatalf("merklize.Open: %v", err)
	}
	schema, err := state.Open(e)
	if err != nil {
		t.Fatalf("state.Open: %v", err)
	}
	ex := New(e, tree, schema, DefaultParams(), 7, nil, nil)
	return ex, e, schema
}

func buildTx(t *testing.T, addr types.Address, sign func(types.TxHash) []byte, chainID, nonce uint64, method types.UpdateMethod) types.TransactionRequest {
	t.Helper()
	payload, err := json.Marshal(method)
	if err != nil {
		t.Fatalf("marshal method: %v", err)
	}
	digest, err := crypto.TransactionDigest(types.Sender{Kind: types.SenderAccountOwner, Account: addr}, chainID, nonce, method.Name(), payload)
	if err != nil {
		t.Fatalf("digest: %v", err)
	}
	return types.TransactionRequest{
		Sender:    types.Sender{Kind: types.SenderAccountOwner, Account: addr},
		ChainID:   chainID,
		Nonce:     nonce,
		Method:    method,
		Signature: sign(digest),
	}
}

func TestExecuteBlockDepositThenTransferSucceeds(t *testing.T) {
	ex, _, schema := newTestExecutor(t)
	addrPtr, sign := newOwner(t)
	addr := *addrPtr
	toPtr, _ := newOwner(t)
	to := *toPtr

	depositTx := buildTx(t, addr, sign, 7, 1, types.UpdateMethod{Deposit: &types.DepositRequest{Token: types.TokenFLK, Amount: "100"}})
	transferTx := buildTx(t, addr, sign, 7, 2, types.UpdateMethod{Transfer: &types.TransferRequest{Token: types.TokenFLK, To: to, Amount: "40"}})

	resp, err := ex.ExecuteBlock(types.Block{BlockNumber: 1, Transactions: []types.TransactionRequest{depositTx, transferTx}})
	if err != nil {
		t.Fatalf("ExecuteBlock: %v", err)
	}
	if len(resp.Receipts) != 2 {
		t.Fatalf("want 2 receipts, got %d", len(resp.Receipts))
	}
	for i, r := range resp.Receipts {
		if !r.Response.Success {
			t.Fatalf("receipt %d reverted: %v", i, r.Response.Revert)
		}
	}

	var fromAcct, toAcct state.Account
	err = ex.engine.View(func(rtx *storage.ReadCtx) error {
		var ok bool
		var verr error
		fromAcct, ok, verr = schema.Account.Get(rtx, addr)
		if verr != nil || !ok {
			return verr
		}
		toAcct, _, verr = schema.Account.Get(rtx, to)
		return verr
	})
	if err != nil {
		t.Fatalf("read accounts: %v", err)
	}
	if fromAcct.FLKBalance.Cmp(state.HpFixedFromUint64(60, 18)) != 0 {
		t.Fatalf("sender balance = %+v, want 60", fromAcct.FLKBalance)
	}
	if toAcct.FLKBalance.Cmp(state.HpFixedFromUint64(40, 18)) != 0 {
		t.Fatalf("recipient balance = %+v, want 40", toAcct.FLKBalance)
	}
}

func TestExecuteBlockRevertsInsufficientBalanceWithoutStateChange(t *testing.T) {
	ex, _, schema := newTestExecutor(t)
	addrPtr, sign := newOwner(t)
	addr := *addrPtr
	toPtr, _ := newOwner(t)
	to := *toPtr

	tx := buildTx(t, addr, sign, 7, 1, types.UpdateMethod{Transfer: &types.TransferRequest{Token: types.TokenFLK, To: to, Amount: "1"}})
	resp, err := ex.ExecuteBlock(types.Block{BlockNumber: 1, Transactions: []types.TransactionRequest{tx}})
	if err != nil {
		t.Fatalf("ExecuteBlock: %v", err)
	}
	if resp.Receipts[0].Response.Success {
		t.Fatal("expected a revert, got success")
	}
	if resp.Receipts[0].Response.Revert != types.RevertInsufficientBalance {
		t.Fatalf("got revert %v, want RevertInsufficientBalance", resp.Receipts[0].Response.Revert)
	}

	var acct state.Account
	var ok bool
	if err := ex.engine.View(func(rtx *storage.ReadCtx) error {
		var verr error
		acct, ok, verr = schema.Account.Get(rtx, addr)
		return verr
	}); err != nil {
		t.Fatalf("read account: %v", err)
	}
	if !ok || acct.Nonce != 1 {
		t.Fatalf("expected sender nonce bumped to 1 despite revert, got %+v (ok=%v)", acct, ok)
	}
}

func TestExecuteBlockRejectsReplayedDigest(t *testing.T) {
	ex, _, _ := newTestExecutor(t)
	addrPtr, sign := newOwner(t)
	addr := *addrPtr

	tx := buildTx(t, addr, sign, 7, 1, types.UpdateMethod{Deposit: &types.DepositRequest{Token: types.TokenFLK, Amount: "10"}})
	if _, err := ex.ExecuteBlock(types.Block{BlockNumber: 1, Transactions: []types.TransactionRequest{tx}}); err != nil {
		t.Fatalf("ExecuteBlock: %v", err)
	}

	resp, err := ex.ExecuteBlock(types.Block{BlockNumber: 2, Transactions: []types.TransactionRequest{tx}})
	if err != nil {
		t.Fatalf("ExecuteBlock replay: %v", err)
	}
	if resp.Receipts[0].Response.Success {
		t.Fatal("expected replay to revert")
	}
	if resp.Receipts[0].Response.Revert != types.RevertAlreadyExecuted {
		t.Fatalf("got revert %v, want RevertAlreadyExecuted", resp.Receipts[0].Response.Revert)
	}
}

func TestExecuteBlockRejectsWrongNonce(t *testing.T) {
	ex, _, _ := newTestExecutor(t)
	addrPtr, sign := newOwner(t)
	addr := *addrPtr

	tx := buildTx(t, addr, sign, 7, 5, types.UpdateMethod{Deposit: &types.DepositRequest{Token: types.TokenFLK, Amount: "10"}})
	resp, err := ex.ExecuteBlock(types.Block{BlockNumber: 1, Transactions: []types.TransactionRequest{tx}})
	if err != nil {
		t.Fatalf("ExecuteBlock: %v", err)
	}
	if resp.Receipts[0].Response.Revert != types.RevertInvalidNonce {
		t.Fatalf("got revert %v, want RevertInvalidNonce", resp.Receipts[0].Response.Revert)
	}
}

func TestExecuteBlockRejectsWrongChainID(t *testing.T) {
	ex, _, _ := newTestExecutor(t)
	addrPtr, sign := newOwner(t)
	addr := *addrPtr

	tx := buildTx(t, addr, sign, 99, 1, types.UpdateMethod{Deposit: &types.DepositRequest{Token: types.TokenFLK, Amount: "10"}})
	resp, err := ex.ExecuteBlock(types.Block{BlockNumber: 1, Transactions: []types.TransactionRequest{tx}})
	if err != nil {
		t.Fatalf("ExecuteBlock: %v", err)
	}
	if resp.Receipts[0].Response.Revert != types.RevertInvalidSignature {
		t.Fatalf("got revert %v, want RevertInvalidSignature for chain id mismatch", resp.Receipts[0].Response.Revert)
	}
}
