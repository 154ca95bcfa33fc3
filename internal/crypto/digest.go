package crypto

import (
	"github.com/ethereum/go-ethereum/rlp"
	"lukechampine.com/blake3"

	"lightning/internal/types"
)

// rlpSender/rlpMethod mirror types.Sender/UpdateMethod in a shape RLP can
// encode deterministically (RLP has no notion of a Go pointer-tagged union,
// so the method is flattened to its name string + opaque JSON payload).
type rlpSender struct {
	Kind    uint8
	Account [20]byte
	Node    uint32
}

type txDigestInput struct {
	Sender  rlpSender
	ChainID uint64
	Nonce   uint64
	Method  string // types.UpdateMethod.Name(); binds the digest to the method kind
	Payload []byte // canonical JSON of the concrete request, bound into the hash
}

// The domain* prefixes below are written ahead of each digest's input so that
// transaction digests, attestation digests, and state-tree key hashes never
// collide even if their pre-image bytes happen to coincide.
var (
	domainTx          = []byte("lightning/tx\x00")
	domainAttestation = []byte("lightning/checkpoint-attestation\x00")
	domainStateKey    = []byte("lightning/state-key\x00")
)

// TransactionDigest computes the domain-separated hash over
// {sender, chain_id, nonce, method} per spec.md §6.3. payloadJSON is the
// canonical (deterministic key order) JSON encoding of the method's concrete
// request struct, produced by the caller with encoding/json, which emits
// struct fields in declaration order and is therefore stable across runs.
func TransactionDigest(s types.Sender, chainID, nonce uint64, methodName string, payloadJSON []byte) (types.TxHash, error) {
	in := txDigestInput{
		Sender: rlpSender{
			Kind:    uint8(s.Kind),
			Account: s.Account,
			Node:    uint32(s.Node),
		},
		ChainID: chainID,
		Nonce:   nonce,
		Method:  methodName,
		Payload: payloadJSON,
	}
	enc, err := rlp.EncodeToBytes(&in)
	if err != nil {
		return types.TxHash{}, err
	}
	h := blake3.New(32, nil)
	h.Write(domainTx)
	h.Write(enc)
	var out types.TxHash
	copy(out[:], h.Sum(nil))
	return out, nil
}

type attestationDigestInput struct {
	Epoch             uint64
	PreviousStateRoot [32]byte
	NextStateRoot     [32]byte
	Digest            [32]byte
}

// AttestationDigest computes the hash over
// {epoch, previous_state_root, next_state_root, digest} with the signature
// field zeroed, per spec.md §6.3. This is the message every checkpoint
// attester signs and every verifier recomputes.
func AttestationDigest(epoch types.Epoch, previousRoot, nextRoot, blockDigest types.Hash) ([]byte, error) {
	in := attestationDigestInput{
		Epoch:             uint64(epoch),
		PreviousStateRoot: previousRoot,
		NextStateRoot:     nextRoot,
		Digest:            blockDigest,
	}
	enc, err := rlp.EncodeToBytes(&in)
	if err != nil {
		return nil, err
	}
	h := blake3.New(32, nil)
	h.Write(domainAttestation)
	h.Write(enc)
	return h.Sum(nil), nil
}

// StateKeyHash computes hash(state_key) = hash(table_name_bytes ||
// serialized_key_bytes) per spec.md §6.3, used by the merklize layer to
// locate a row in the authenticated trie.
func StateKeyHash(table string, serializedKey []byte) types.Hash {
	h := blake3.New(32, nil)
	h.Write(domainStateKey)
	h.Write([]byte(table))
	h.Write(serializedKey)
	var out types.Hash
	copy(out[:], h.Sum(nil))
	return out
}

// ValueHash computes hash(value) for a merklized leaf.
func ValueHash(value []byte) types.Hash {
	h := blake3.Sum256(value)
	return types.Hash(h)
}

// Blake3 computes a plain, undomained blake3-256 digest, used for
// content-registry URIs (table uri_to_node/node_to_uri) where the hash is an
// external content identifier, not an internal protocol digest.
func Blake3(data []byte) types.Hash {
	return types.Hash(blake3.Sum256(data))
}
