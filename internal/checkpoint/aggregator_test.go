package checkpoint

import (
	"path/filepath"
	"testing"

	"lightning/internal/crypto"
	"lightning/internal/storage"
	"lightning/internal/types"
)

type fakeView struct {
	active []types.NodeIndex
	keys   map[types.NodeIndex]types.ConsensusPublicKey
}

func (f *fakeView) ActiveNodeSet(types.Epoch) ([]types.NodeIndex, error) { return f.active, nil }

func (f *fakeView) ConsensusKey(n types.NodeIndex) (types.ConsensusPublicKey, bool, error) {
	pk, ok := f.keys[n]
	return pk, ok, nil
}

func tmpStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := OpenStore(storage.Config{WALPath: filepath.Join(dir, "wal.log"), SnapshotPath: filepath.Join(dir, "snap.json")})
	if err != nil {
		t.Fatalf("OpenStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func mustSecret(t *testing.T, seed byte) *crypto.BLSSecretKey {
	t.Helper()
	var s [32]byte
	s[0] = seed
	sk, err := crypto.NewBLSSecretKeyFromSeed(s)
	if err != nil {
		t.Fatalf("bls secret key: %v", err)
	}
	return sk
}

func TestAggregatorReachesSupermajority(t *testing.T) {
	store := tmpStore(t)
	epoch := types.Epoch(7)
	prev := types.Hash{0x22}
	next := types.Hash{0x21, 0x0}
	var digest types.Hash

	secrets := make(map[types.NodeIndex]*crypto.BLSSecretKey)
	keys := make(map[types.NodeIndex]types.ConsensusPublicKey)
	for i := types.NodeIndex(0); i < 4; i++ {
		sk := mustSecret(t, byte(i+1))
		secrets[i] = sk
		keys[i] = sk.PublicKey()
	}
	view := &fakeView{active: []types.NodeIndex{0, 1, 2, 3}, keys: keys}
	agg := NewAggregator(store, view)

	msg, err := crypto.AttestationDigest(epoch, prev, next, digest)
	if err != nil {
		t.Fatalf("digest: %v", err)
	}

	for i := types.NodeIndex(0); i < 3; i++ {
		att := Attestation{
			Epoch: epoch, PreviousStateRoot: prev, NextStateRoot: next, Digest: digest,
			NodeID: i, Signature: secrets[i].Sign(msg),
		}
		if err := agg.HandleAttestation(att); err != nil {
			t.Fatalf("handle attestation %d: %v", i, err)
		}
	}

	header, ok, err := store.AggregateFor(epoch)
	if err != nil {
		t.Fatalf("AggregateFor: %v", err)
	}
	if !ok {
		t.Fatal("expected aggregate header to have formed with 3 of 4 active nodes attesting")
	}
	if header.NextStateRoot != next {
		t.Fatalf("unexpected next root: %s", header.NextStateRoot)
	}
	if len(header.Nodes) != 3 {
		t.Fatalf("expected 3 member nodes, got %d", len(header.Nodes))
	}

	aggPub, err := crypto.AggregatePublicKeys([][48]byte{keys[0], keys[1], keys[2]})
	if err != nil {
		t.Fatalf("aggregate pubkeys: %v", err)
	}
	valid, err := crypto.VerifyAggregatedBLS(aggPub, header.Signature, msg)
	if err != nil {
		t.Fatalf("verify aggregate: %v", err)
	}
	if !valid {
		t.Fatal("aggregate signature failed to verify against aggregate public key")
	}
}

func TestAggregatorRejectsUnknownAttester(t *testing.T) {
	store := tmpStore(t)
	view := &fakeView{active: []types.NodeIndex{0, 1, 2}, keys: map[types.NodeIndex]types.ConsensusPublicKey{}}
	agg := NewAggregator(store, view)

	att := Attestation{Epoch: 1, NodeID: 0, Signature: []byte("bogus")}
	if err := agg.HandleAttestation(att); err != nil {
		t.Fatalf("expected silent rejection, got error: %v", err)
	}
	if _, ok, _ := store.AggregateFor(1); ok {
		t.Fatal("expected no aggregate from an unknown attester")
	}
}

func TestAggregatorBelowThresholdProducesNoAggregate(t *testing.T) {
	store := tmpStore(t)
	epoch := types.Epoch(2)
	sk := mustSecret(t, 9)
	view := &fakeView{active: []types.NodeIndex{0, 1, 2, 3}, keys: map[types.NodeIndex]types.ConsensusPublicKey{0: sk.PublicKey()}}
	agg := NewAggregator(store, view)

	msg, _ := crypto.AttestationDigest(epoch, types.Hash{}, types.Hash{1}, types.Hash{})
	att := Attestation{Epoch: epoch, NextStateRoot: types.Hash{1}, NodeID: 0, Signature: sk.Sign(msg)}
	if err := agg.HandleAttestation(att); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if _, ok, _ := store.AggregateFor(epoch); ok {
		t.Fatal("one of four active nodes should not reach supermajority")
	}
}
