// Package types holds the shared domain vocabulary used across every layer
// of the core: addresses, hashes, node/epoch identifiers, and the block and
// transaction envelopes the executor consumes. Nothing in this package talks
// to storage; it only defines shapes.
package types

import (
	"encoding/hex"
	"fmt"
)

// Hash is a 32-byte digest, used for state roots, transaction hashes, and
// content-registry URIs (blake3 in every case; see internal/crypto).
type Hash [32]byte

func (h Hash) String() string { return hex.EncodeToString(h[:]) }

func (h Hash) IsZero() bool { return h == Hash{} }

func (h Hash) MarshalText() ([]byte, error) { return marshalHexText(h[:]) }

func (h *Hash) UnmarshalText(text []byte) error { return unmarshalHexText(text, h[:]) }

// HashFromBytes copies b into a Hash, zero-padding or truncating is never
// performed silently: b must be exactly 32 bytes.
func HashFromBytes(b []byte) (Hash, error) {
	var h Hash
	if len(b) != 32 {
		return h, fmt.Errorf("hash: want 32 bytes, got %d", len(b))
	}
	copy(h[:], b)
	return h, nil
}

// Address is a 20-byte account-owner address (secp256k1/ECDSA derived).
type Address [20]byte

func (a Address) String() string { return "0x" + hex.EncodeToString(a[:]) }

func (a Address) IsZero() bool { return a == Address{} }

func (a Address) MarshalText() ([]byte, error) { return marshalHexText(a[:]) }

func (a *Address) UnmarshalText(text []byte) error { return unmarshalHexText(text, a[:]) }

// NodeIndex identifies a node in the `node` table. Node indices are assigned
// sequentially and never reused.
type NodeIndex uint32

// Epoch is a monotonically increasing epoch number.
type Epoch uint64

// ServiceID identifies a row in the `service` table.
type ServiceID uint32

// NodePublicKey is a node's Ed25519 "main" public key (network identity).
type NodePublicKey [32]byte

func (k NodePublicKey) String() string                  { return "0x" + hex.EncodeToString(k[:]) }
func (k NodePublicKey) MarshalText() ([]byte, error)     { return marshalHexText(k[:]) }
func (k *NodePublicKey) UnmarshalText(text []byte) error { return unmarshalHexText(text, k[:]) }

// ConsensusPublicKey is a node's BLS12-381 public key, used for checkpoint
// attestation and committee-beacon signatures. Serialized compressed form.
type ConsensusPublicKey [48]byte

func (k ConsensusPublicKey) String() string                  { return "0x" + hex.EncodeToString(k[:]) }
func (k ConsensusPublicKey) MarshalText() ([]byte, error)     { return marshalHexText(k[:]) }
func (k *ConsensusPublicKey) UnmarshalText(text []byte) error { return unmarshalHexText(text, k[:]) }

// ClientPublicKey identifies an off-chain client permitted to submit
// delivery acknowledgements on an account's behalf.
type ClientPublicKey [32]byte

func (k ClientPublicKey) String() string                  { return "0x" + hex.EncodeToString(k[:]) }
func (k ClientPublicKey) MarshalText() ([]byte, error)     { return marshalHexText(k[:]) }
func (k *ClientPublicKey) UnmarshalText(text []byte) error { return unmarshalHexText(text, k[:]) }

// TxHash is the domain-separated digest of a TransactionRequest (see
// internal/crypto.TransactionDigest).
type TxHash Hash

func (h TxHash) String() string                  { return "0x" + hex.EncodeToString(h[:]) }
func (h TxHash) MarshalText() ([]byte, error)     { return marshalHexText(h[:]) }
func (h *TxHash) UnmarshalText(text []byte) error { return unmarshalHexText(text, h[:]) }

// marshalHexText and unmarshalHexText back every fixed-size identifier's
// MarshalText/UnmarshalText, so addresses, node keys, and hashes read and
// write as 0x-prefixed hex in JSON, YAML, and log output instead of raw byte
// arrays (go-ethereum's common.Address convention).
func marshalHexText(b []byte) ([]byte, error) {
	out := make([]byte, 2+hex.EncodedLen(len(b)))
	copy(out, "0x")
	hex.Encode(out[2:], b)
	return out, nil
}

func unmarshalHexText(text []byte, into []byte) error {
	s := string(text)
	if len(s) >= 2 && (s[0:2] == "0x" || s[0:2] == "0X") {
		s = s[2:]
	}
	decoded, err := hex.DecodeString(s)
	if err != nil {
		return fmt.Errorf("types: invalid hex %q: %w", text, err)
	}
	if len(decoded) != len(into) {
		return fmt.Errorf("types: want %d bytes, got %d", len(into), len(decoded))
	}
	copy(into, decoded)
	return nil
}

// CommodityType enumerates the billable resources nodes deliver.
type CommodityType uint8

const (
	CommodityBandwidth CommodityType = iota
	CommodityCompute
	CommodityStorage
)

// SenderKind distinguishes the cryptographic scheme (and therefore the
// authorization class) of a transaction's signer.
type SenderKind uint8

const (
	SenderAccountOwner SenderKind = iota // ECDSA (secp256k1)
	SenderNodeMain                       // Ed25519
	SenderNodeConsensus                  // BLS12-381
)

// Sender identifies who signed a TransactionRequest.
type Sender struct {
	Kind    SenderKind
	Account Address   // valid when Kind == SenderAccountOwner
	Node    NodeIndex // valid when Kind != SenderAccountOwner and the node exists
}

// Block is an ordered sequence of transactions delivered by the mempool
// socket (spec.md §6.1). Its digest and DAG coordinates are opaque to the
// executor; only transaction order matters.
type Block struct {
	Transactions  []TransactionRequest
	Digest        Hash
	SubDAGIndex   uint64
	SubDAGRound   uint64
	BlockNumber   uint64
	Timestamp     int64 // ms since Unix epoch, consensus-provided
}

// TransactionRequest is a single signed state-transition request.
type TransactionRequest struct {
	Sender    Sender
	ChainID   uint64
	Nonce     uint64
	Method    UpdateMethod
	Signature []byte
}

// The request's domain-separated digest (spec.md §6.3) is computed by
// internal/crypto.TransactionDigest, which keeps hashing/serialization
// concerns out of this package.

// TxReceipt is the deterministic outcome of executing one TransactionRequest.
type TxReceipt struct {
	TxHash      TxHash
	BlockNumber uint64
	Response    ExecutionResponse
}

// ExecutionResponse is either a success payload or a structured revert.
type ExecutionResponse struct {
	Success bool
	Data    []byte     // opaque success payload, method-specific
	Revert  RevertCode // valid when !Success
}

// BlockExecutionResponse is returned to the mempool driver for each executed
// block (spec.md §6.1).
type BlockExecutionResponse struct {
	BlockNumber uint64
	ChangeEpoch bool
	Receipts    []TxReceipt
}
