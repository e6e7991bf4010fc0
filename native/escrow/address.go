package escrow

import (
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// Address derivation is a pure function of stable inputs so any party or
// observer can recompute an escrow's record and vault addresses without a
// lookup table. The seed tags namespace the derivations against each other.
const (
	escrowSeed = "escrow"
	vaultSeed  = "vault"

	// MaxIDLength is the hard ceiling on escrow identifier seeds. It is a
	// platform limit of the addressing scheme, enforced once here, not a
	// business rule.
	MaxIDLength = 32
)

// ValidateID checks the escrow identifier against the seed length bounds.
func ValidateID(escrowID string) error {
	if len(escrowID) == 0 {
		return ErrIDTooShort
	}
	if len(escrowID) > MaxIDLength {
		return ErrIDTooLong
	}
	return nil
}

// DeriveAddress computes the record address for (escrowID, buyer, seller).
// Same inputs always yield the same address; the identifier length is
// validated before any derivation is attempted.
func DeriveAddress(escrowID string, buyer, seller [20]byte) ([32]byte, error) {
	if err := ValidateID(escrowID); err != nil {
		return [32]byte{}, err
	}
	return ethcrypto.Keccak256Hash([]byte(escrowSeed), []byte(escrowID), buyer[:], seller[:]), nil
}

// DeriveVaultAddress computes the native-currency custody account for the
// escrow record address.
func DeriveVaultAddress(escrowAddr [32]byte) [20]byte {
	hash := ethcrypto.Keccak256(append([]byte(vaultSeed), escrowAddr[:]...))
	var out [20]byte
	copy(out[:], hash[12:])
	return out
}

// DeriveTokenVaultAddress computes the canonical custody account for the
// escrow record address under the given mint.
func DeriveTokenVaultAddress(escrowAddr [32]byte, mint AssetRef) [20]byte {
	seed := make([]byte, 0, len(vaultSeed)+len(escrowAddr)+len(mint))
	seed = append(seed, vaultSeed...)
	seed = append(seed, escrowAddr[:]...)
	seed = append(seed, mint[:]...)
	hash := ethcrypto.Keccak256(seed)
	var out [20]byte
	copy(out[:], hash[12:])
	return out
}

// vaultFor selects the custody account for the escrow under the given asset.
func vaultFor(escrowAddr [32]byte, asset AssetRef) [20]byte {
	if asset.Native() {
		return DeriveVaultAddress(escrowAddr)
	}
	return DeriveTokenVaultAddress(escrowAddr, asset)
}
