package query

import (
	"encoding/json"
	"testing"

	"lightning/internal/merklize"
	"lightning/internal/state"
	"lightning/internal/storage"
	"lightning/internal/types"
)

func tmpSurface(t *testing.T) (*Surface, *storage.Engine, *state.Schema) {
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
	s, err := New(e, tree, schema, 16)
	if err != nil {
		t.Fatalf("query.New: %v", err)
	}
	return s, e, schema
}

func TestAccountDefaultsToZeroValue(t *testing.T) {
	s, _, _ := tmpSurface(t)
	acct, err := s.Account(types.Address{0x01})
	if err != nil {
		t.Fatalf("Account: %v", err)
	}
	if !acct.FLKBalance.IsZero() {
		t.Fatal("expected zero-valued account for unknown address")
	}
}

func TestAccountReflectsCommittedWrite(t *testing.T) {
	s, e, schema := tmpSurface(t)
	addr := types.Address{0x02}
	want := state.Account{FLKBalance: state.HpFixedFromUint64(42, 18), StablesBalance: state.NewHpFixed(6)}
	if err := e.Update(func(wtx *storage.WriteCtx) error { return schema.Account.Set(wtx, addr, want) }); err != nil {
		t.Fatalf("Update: %v", err)
	}
	got, err := s.Account(addr)
	if err != nil {
		t.Fatalf("Account: %v", err)
	}
	if got.FLKBalance.Cmp(want.FLKBalance) != 0 {
		t.Fatalf("expected cached/refetched balance to match commit, got %+v", got.FLKBalance)
	}
}

func TestAccountCacheInvalidation(t *testing.T) {
	s, e, schema := tmpSurface(t)
	addr := types.Address{0x03}
	first := state.Account{FLKBalance: state.HpFixedFromUint64(1, 18), StablesBalance: state.NewHpFixed(6)}
	if err := e.Update(func(wtx *storage.WriteCtx) error { return schema.Account.Set(wtx, addr, first) }); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if _, err := s.Account(addr); err != nil {
		t.Fatalf("Account: %v", err)
	}

	second := state.Account{FLKBalance: state.HpFixedFromUint64(2, 18), StablesBalance: state.NewHpFixed(6)}
	if err := e.Update(func(wtx *storage.WriteCtx) error { return schema.Account.Set(wtx, addr, second) }); err != nil {
		t.Fatalf("Update: %v", err)
	}
	s.InvalidateAccount(addr)

	got, err := s.Account(addr)
	if err != nil {
		t.Fatalf("Account: %v", err)
	}
	if got.FLKBalance.Cmp(second.FLKBalance) != 0 {
		t.Fatal("expected invalidated cache to refetch the second write")
	}
}

func TestStateProofExclusionThenInclusion(t *testing.T) {
	s, e, schema := tmpSurface(t)
	addr := types.Address{0x04}

	key, err := json.Marshal(addr)
	if err != nil {
		t.Fatalf("marshal key: %v", err)
	}
	val, proof, err := s.StateProof("account", key)
	if err != nil {
		t.Fatalf("StateProof: %v", err)
	}
	if val != nil {
		t.Fatal("expected exclusion proof before any write")
	}
	if !merklize.VerifyProof(s.StateRoot(), "account", key, proof) {
		t.Fatal("exclusion proof failed to verify")
	}

	acct := state.Account{FLKBalance: state.HpFixedFromUint64(7, 18), StablesBalance: state.NewHpFixed(6)}
	if err := e.Update(func(wtx *storage.WriteCtx) error { return schema.Account.Set(wtx, addr, acct) }); err != nil {
		t.Fatalf("Update: %v", err)
	}

	val2, proof2, err := s.StateProof("account", key)
	if err != nil {
		t.Fatalf("StateProof: %v", err)
	}
	if val2 == nil {
		t.Fatal("expected inclusion proof after write")
	}
	if !merklize.VerifyProof(s.StateRoot(), "account", key, proof2) {
		t.Fatal("inclusion proof failed to verify against new root")
	}
}
