package crypto

import (
	"fmt"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"lightning/internal/types"
)

// VerifyECDSA recovers the secp256k1 public key from sig over hash and
// reports whether it derives the account-owner address claimed by the
// sender (spec.md §4.3 sender kind "Account-owner (ECDSA)"). sig is the
// 65-byte [R || S || V] recoverable signature go-ethereum's crypto package
// produces and consumes, reused here since the node's wire format already
// depends on it for RLP.
func VerifyECDSA(claimed types.Address, hash [32]byte, sig []byte) (bool, error) {
	pub, err := ethcrypto.SigToPub(hash[:], sig)
	if err != nil {
		return false, fmt.Errorf("crypto: recover ecdsa pubkey: %w", err)
	}
	recovered := ethcrypto.PubkeyToAddress(*pub)
	return types.Address(recovered) == claimed, nil
}
