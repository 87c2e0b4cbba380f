package common

import (
	"encoding/binary"
	"fmt"
	"math/big"

	"github.com/consensys/gnark-crypto/ecc/bn254/fr"
)

// FieldBytesLen is the length of the fixed width encoding of a field element
const FieldBytesLen = 32

// FieldModulus returns the prime P of the scalar field of the proving system
// (BN254).  A new *big.Int is returned on every call.
func FieldModulus() *big.Int {
	return fr.Modulus()
}

var fieldModulus = fr.Modulus()

// CheckInField returns true if 0 <= x < P
func CheckInField(x *big.Int) bool {
	return x != nil && x.Sign() >= 0 && x.Cmp(fieldModulus) < 0
}

// ReduceField returns x mod P as a new *big.Int.  Negative values are mapped
// to their positive representative.
func ReduceField(x *big.Int) *big.Int {
	return new(big.Int).Mod(x, fieldModulus)
}

// FieldToBytes32BE encodes x mod P as 32 big endian bytes
func FieldToBytes32BE(x *big.Int) [FieldBytesLen]byte {
	var out [FieldBytesLen]byte
	ReduceField(x).FillBytes(out[:])
	return out
}

// FieldToBytes32LE encodes x mod P as 32 little endian bytes
func FieldToBytes32LE(x *big.Int) [FieldBytesLen]byte {
	out := FieldToBytes32BE(x)
	for i, j := 0, FieldBytesLen-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}

// FieldFromBytesBE decodes a 32 byte big endian value, returning ErrNotInFF
// if it is not a canonical field element
func FieldFromBytesBE(b []byte) (*big.Int, error) {
	if len(b) != FieldBytesLen {
		return nil, Wrap(fmt.Errorf("invalid field element length %d, expected %d",
			len(b), FieldBytesLen))
	}
	x := new(big.Int).SetBytes(b)
	if !CheckInField(x) {
		return nil, Wrap(ErrNotInFF)
	}
	return x, nil
}

// FieldFromBytesLE decodes a 32 byte little endian value, returning
// ErrNotInFF if it is not a canonical field element
func FieldFromBytesLE(b []byte) (*big.Int, error) {
	if len(b) != FieldBytesLen {
		return nil, Wrap(fmt.Errorf("invalid field element length %d, expected %d",
			len(b), FieldBytesLen))
	}
	be := make([]byte, FieldBytesLen)
	for i := range b {
		be[FieldBytesLen-1-i] = b[i]
	}
	return FieldFromBytesBE(be)
}

// Uint32ToBytes4 encodes v as 4 big endian bytes
func Uint32ToBytes4(v uint32) [4]byte {
	var out [4]byte
	binary.BigEndian.PutUint32(out[:], v)
	return out
}

// Uint64ToBytes8 encodes v as 8 big endian bytes
func Uint64ToBytes8(v uint64) [8]byte {
	var out [8]byte
	binary.BigEndian.PutUint64(out[:], v)
	return out
}

// CopyBigInt returns a copy of the big int
func CopyBigInt(a *big.Int) *big.Int {
	if a == nil {
		return nil
	}
	return new(big.Int).Set(a)
}

// CopyBigInts returns a deep copy of a slice of big ints
func CopyBigInts(as []*big.Int) []*big.Int {
	out := make([]*big.Int, len(as))
	for i := range as {
		out[i] = CopyBigInt(as[i])
	}
	return out
}
