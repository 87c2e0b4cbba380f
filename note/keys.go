package note

import (
	"math/big"

	"github.com/iden3/go-iden3-crypto/babyjub"
)

// Keypair is the key material of a note owner.  The spending key signs swaps
// and is the private input of spend proofs, the viewing key is its scalar
// and only allows decrypting memos.
type Keypair struct {
	SpendingKey babyjub.PrivateKey
	ViewingKey  *big.Int
	PublicKey   *babyjub.PublicKey
}

// NewKeypair generates a random Keypair
func NewKeypair() *Keypair {
	return KeypairFromPrivateKey(babyjub.NewRandPrivKey())
}

// KeypairFromPrivateKey derives the viewing and public keys of sk
func KeypairFromPrivateKey(sk babyjub.PrivateKey) *Keypair {
	return &Keypair{
		SpendingKey: sk,
		ViewingKey:  sk.Scalar().BigInt(),
		PublicKey:   sk.Public(),
	}
}

// PackPublicKey returns the 32 byte compressed encoding of pk
func PackPublicKey(pk *babyjub.PublicKey) [32]byte {
	return pk.Compress()
}

// UnpackPublicKey decodes a compressed public key
func UnpackPublicKey(b [32]byte) (*babyjub.PublicKey, error) {
	pkComp := babyjub.PublicKeyComp(b)
	return pkComp.Decompress()
}
