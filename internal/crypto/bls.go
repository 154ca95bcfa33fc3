// Package crypto wraps the node's two signature schemes — Ed25519 for
// node-main identity and BLS12-381 for consensus/checkpoint signing and
// aggregation — plus the canonical digests the executor and checkpointer
// hash and sign. Adapted from the teacher's core/security.go, which wires
// the same herumi/bls-eth-go-binary package for validator signatures and
// multi-sig aggregation.
package crypto

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"sync"

	bls "github.com/herumi/bls-eth-go-binary/bls"
)

var blsInitOnce sync.Once
var blsInitErr error

func initBLS() error {
	blsInitOnce.Do(func() {
		blsInitErr = bls.Init(bls.BLS12_381)
		if blsInitErr == nil {
			blsInitErr = bls.SetETHmode(bls.EthModeDraft07)
		}
	})
	return blsInitErr
}

// BLSSecretKey wraps a validator's consensus secret key.
type BLSSecretKey struct {
	sk bls.SecretKey
}

// NewBLSSecretKeyFromSeed derives a deterministic secret key from a 32-byte
// seed. Used by tests and by the keystore adapter at startup.
func NewBLSSecretKeyFromSeed(seed [32]byte) (*BLSSecretKey, error) {
	if err := initBLS(); err != nil {
		return nil, err
	}
	var sk bls.SecretKey
	sk.SetByCSPRNG()
	// Deterministic re-derivation for reproducible tests: the seed bytes are
	// passed unhashed to the library as little-endian key material.
	if err := sk.SetLittleEndian(seed[:]); err != nil {
		return nil, fmt.Errorf("bls secret key from seed: %w", err)
	}
	return &BLSSecretKey{sk: sk}, nil
}

// PublicKey returns the compressed 48-byte public key.
func (k *BLSSecretKey) PublicKey() [48]byte {
	var out [48]byte
	copy(out[:], k.sk.GetPublicKey().Serialize())
	return out
}

// Sign signs msg, returning a compressed 96-byte signature.
func (k *BLSSecretKey) Sign(msg []byte) []byte {
	return k.sk.SignByte(msg).Serialize()
}

// VerifyBLS checks a single compressed signature against a compressed
// public key for msg.
func VerifyBLS(pubKey [48]byte, msg, sig []byte) (bool, error) {
	if err := initBLS(); err != nil {
		return false, err
	}
	var pk bls.PublicKey
	if err := pk.Deserialize(pubKey[:]); err != nil {
		return false, fmt.Errorf("deserialize bls pubkey: %w", err)
	}
	var s bls.Sign
	if err := s.Deserialize(sig); err != nil {
		return false, fmt.Errorf("deserialize bls sig: %w", err)
	}
	return s.VerifyByte(&pk, msg), nil
}

// AggregateBLS merges compressed signatures produced over the *same*
// message by distinct signers into a single compressed aggregate signature
// (spec.md §4.5/§8.1 invariant 8).
func AggregateBLS(sigs [][]byte) ([]byte, error) {
	if err := initBLS(); err != nil {
		return nil, err
	}
	if len(sigs) == 0 {
		return nil, errors.New("crypto: no signatures to aggregate")
	}
	var agg bls.Sign
	for i, raw := range sigs {
		var s bls.Sign
		if err := s.Deserialize(raw); err != nil {
			return nil, fmt.Errorf("aggregate sig %d: %w", i, err)
		}
		if i == 0 {
			agg = s
		} else {
			agg.Add(&s)
		}
	}
	return agg.Serialize(), nil
}

// AggregatePublicKeys merges compressed public keys. Used only where a
// fast-path single-key check against a combined key is wanted; the
// checkpointer instead verifies each member individually before aggregating
// signatures, since it must know exactly which nodes signed.
func AggregatePublicKeys(pubKeys [][48]byte) ([48]byte, error) {
	var out [48]byte
	if err := initBLS(); err != nil {
		return out, err
	}
	if len(pubKeys) == 0 {
		return out, errors.New("crypto: no public keys to aggregate")
	}
	var agg bls.PublicKey
	for i, raw := range pubKeys {
		var pk bls.PublicKey
		if err := pk.Deserialize(raw[:]); err != nil {
			return out, fmt.Errorf("aggregate pubkey %d: %w", i, err)
		}
		if i == 0 {
			agg = pk
		} else {
			agg.Add(&pk)
		}
	}
	copy(out[:], agg.Serialize())
	return out, nil
}

// VerifyAggregatedBLS verifies an aggregate signature produced by
// AggregateBLS against the aggregate of the signers' public keys, for a
// single shared message (all checkpoint attesters sign the identical
// canonical digest).
func VerifyAggregatedBLS(aggPubKey [48]byte, aggSig, msg []byte) (bool, error) {
	return VerifyBLS(aggPubKey, msg, aggSig)
}

// Ed25519Sign/Verify are thin re-exports kept here so callers only import
// one crypto package for a node's two schemes.
func Ed25519Sign(seed [32]byte, msg []byte) []byte {
	priv := ed25519.NewKeyFromSeed(seed[:])
	return ed25519.Sign(priv, msg)
}

func Ed25519Verify(pub ed25519.PublicKey, msg, sig []byte) bool {
	return ed25519.Verify(pub, msg, sig)
}
