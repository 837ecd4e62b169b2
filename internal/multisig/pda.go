package multisig

import (
	"fmt"

	"github.com/gagliardetto/solana-go"
)

// SignerAddress derives the PDA that signs on behalf of a multisig.
func SignerAddress(multisig, programID solana.PublicKey) (solana.PublicKey, uint8, error) {
	addr, bump, err := solana.FindProgramAddress([][]byte{multisig.Bytes()}, programID)
	if err != nil {
		return solana.PublicKey{}, 0, fmt.Errorf("failed to derive multisig signer: %w", err)
	}
	return addr, bump, nil
}

// MustSignerAddress is SignerAddress for the deployed program ID; it panics
// on derivation failure, which cannot happen for a 32-byte seed.
func MustSignerAddress(multisig solana.PublicKey) solana.PublicKey {
	addr, _, err := SignerAddress(multisig, ProgramID)
	if err != nil {
		panic(err)
	}
	return addr
}

func signerSeeds(multisig solana.PublicKey, nonce uint8) [][]byte {
	return [][]byte{multisig.Bytes(), {nonce}}
}
