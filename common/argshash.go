package common

import (
	"crypto/sha256"
	"math/big"
)

// ArgsHash computes the argument binding digest of a batch tree update:
//
//	sha256(BE32(oldRoot) || BE32(newRoot) || BE4(pathIndices) || BE32(leaf_0) || ...)
//
// where every field element is reduced mod P before being encoded, and the
// resulting digest is read as a big endian integer and reduced mod P.  The
// proof producer and the ledger verifier must agree on this layout byte by
// byte.
func ArgsHash(oldRoot, newRoot *big.Int, pathIndices uint32, leaves []*big.Int) *big.Int {
	h := sha256.New()
	oldRootBytes := FieldToBytes32BE(oldRoot)
	newRootBytes := FieldToBytes32BE(newRoot)
	pathIndicesBytes := Uint32ToBytes4(pathIndices)
	h.Write(oldRootBytes[:])
	h.Write(newRootBytes[:])
	h.Write(pathIndicesBytes[:])
	for _, leaf := range leaves {
		leafBytes := FieldToBytes32BE(leaf)
		h.Write(leafBytes[:])
	}
	return ReduceField(new(big.Int).SetBytes(h.Sum(nil)))
}

// CheckArgsHash recomputes the digest and returns ErrDigestMismatch if it
// differs from expected
func CheckArgsHash(expected, oldRoot, newRoot *big.Int, pathIndices uint32,
	leaves []*big.Int) error {
	if expected == nil {
		return Wrap(ErrDigestMismatch)
	}
	if ArgsHash(oldRoot, newRoot, pathIndices, leaves).Cmp(expected) != 0 {
		return Wrap(ErrDigestMismatch)
	}
	return nil
}
