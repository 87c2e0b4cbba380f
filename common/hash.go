package common

import (
	"fmt"
	"math/big"

	"github.com/consensys/gnark-crypto/ecc/bn254/fr/mimc"
	"github.com/iden3/go-iden3-crypto/poseidon"
)

// Hasher is a field element hash function used by the merkle accumulator and
// the note commitments
type Hasher interface {
	// Hash returns the hash of the inputs.  Every input must be a canonical
	// field element.
	Hash(inputs ...*big.Int) (*big.Int, error)
	// Name identifies the hash function in the configuration
	Name() string
}

const (
	// HasherPoseidon is the circom compatible Poseidon hash
	HasherPoseidon = "poseidon"
	// HasherMiMC is the MiMC-BN254 hash
	HasherMiMC = "mimc"
)

// PoseidonHasher hashes with the iden3 Poseidon implementation
type PoseidonHasher struct{}

// Hash implements Hasher
func (PoseidonHasher) Hash(inputs ...*big.Int) (*big.Int, error) {
	h, err := poseidon.Hash(inputs)
	if err != nil {
		return nil, Wrap(err)
	}
	return h, nil
}

// Name implements Hasher
func (PoseidonHasher) Name() string { return HasherPoseidon }

// MiMCHasher hashes with the gnark-crypto MiMC-BN254 sponge
type MiMCHasher struct{}

// Hash implements Hasher
func (MiMCHasher) Hash(inputs ...*big.Int) (*big.Int, error) {
	h := mimc.NewMiMC()
	for _, in := range inputs {
		if !CheckInField(in) {
			return nil, Wrap(ErrNotInFF)
		}
		b := FieldToBytes32BE(in)
		if _, err := h.Write(b[:]); err != nil {
			return nil, Wrap(err)
		}
	}
	return new(big.Int).SetBytes(h.Sum(nil)), nil
}

// Name implements Hasher
func (MiMCHasher) Name() string { return HasherMiMC }

// NewHasher returns the Hasher identified by name
func NewHasher(name string) (Hasher, error) {
	switch name {
	case HasherPoseidon, "":
		return PoseidonHasher{}, nil
	case HasherMiMC:
		return MiMCHasher{}, nil
	default:
		return nil, Wrap(fmt.Errorf("unknown hasher %q", name))
	}
}

// Poseidon is a shortcut for PoseidonHasher{}.Hash
func Poseidon(inputs ...*big.Int) (*big.Int, error) {
	return PoseidonHasher{}.Hash(inputs...)
}
