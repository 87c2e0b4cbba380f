package note

import (
	"crypto/sha256"
	"io"
	"math/big"

	"shielded-pool/common"

	"github.com/iden3/go-iden3-crypto/babyjub"
	"golang.org/x/crypto/chacha20"
	"golang.org/x/crypto/hkdf"
)

const (
	memoFields = 6
	// MemoLen is the length of every encrypted memo: the packed ephemeral
	// public key followed by six 32 byte fields
	MemoLen = common.FieldBytesLen + memoFields*common.FieldBytesLen
)

var memoKeyInfo = []byte("shielded-pool note memo")

// memoCipher derives the stream cipher keyed by the packed ECDH shared point
func memoCipher(shared *babyjub.Point) (*chacha20.Cipher, error) {
	packed := shared.Compress()
	key := make([]byte, chacha20.KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, packed[:], nil, memoKeyInfo), key); err != nil {
		return nil, common.Wrap(err)
	}
	// every memo uses a fresh ephemeral key, so the nonce can be fixed
	var nonce [chacha20.NonceSize]byte
	c, err := chacha20.NewUnauthenticatedCipher(key, nonce[:])
	if err != nil {
		return nil, common.Wrap(err)
	}
	return c, nil
}

// Encrypt returns the memo that lets the owner of recipient recover the note
func (n *Note) Encrypt(recipient *babyjub.PublicKey) ([]byte, error) {
	ephemeral := babyjub.NewRandPrivKey()
	esk := ephemeral.Scalar().BigInt()
	epk := babyjub.NewPoint().Mul(esk, babyjub.B8)
	shared := babyjub.NewPoint().Mul(esk, recipient.Point())

	chainID := new(big.Int).SetUint64(n.ChainID)
	plaintext := make([]byte, 0, memoFields*common.FieldBytesLen)
	for _, v := range []*big.Int{n.AssetID, n.TokenID, n.Amount, chainID} {
		b := common.FieldToBytes32BE(v)
		plaintext = append(plaintext, b[:]...)
	}
	owner := PackPublicKey(n.Owner)
	plaintext = append(plaintext, owner[:]...)
	blinding := common.FieldToBytes32BE(n.Blinding)
	plaintext = append(plaintext, blinding[:]...)

	c, err := memoCipher(shared)
	if err != nil {
		return nil, common.Wrap(err)
	}
	packedEpk := epk.Compress()
	memo := make([]byte, MemoLen)
	copy(memo, packedEpk[:])
	c.XORKeyStream(memo[common.FieldBytesLen:], plaintext)
	return memo, nil
}

// Decrypt tries to recover a note from memo with viewingKey.  The plaintext
// is only accepted if it recomputes commitment, any failure is reported as
// no match so that every memo can be probed while scanning.
func Decrypt(viewingKey *big.Int, commitment *big.Int, memo []byte) (*Note, bool) {
	if len(memo) != MemoLen || viewingKey == nil || commitment == nil {
		return nil, false
	}
	var packedEpk [32]byte
	copy(packedEpk[:], memo[:common.FieldBytesLen])
	epk, err := babyjub.NewPoint().Decompress(packedEpk)
	if err != nil {
		return nil, false
	}
	shared := babyjub.NewPoint().Mul(viewingKey, epk)
	c, err := memoCipher(shared)
	if err != nil {
		return nil, false
	}
	plaintext := make([]byte, MemoLen-common.FieldBytesLen)
	c.XORKeyStream(plaintext, memo[common.FieldBytesLen:])

	field := func(i int) []byte {
		return plaintext[i*common.FieldBytesLen : (i+1)*common.FieldBytesLen]
	}
	values := make([]*big.Int, 4)
	for i := range values {
		if values[i], err = common.FieldFromBytesBE(field(i)); err != nil {
			return nil, false
		}
	}
	if !values[3].IsUint64() {
		return nil, false
	}
	var packedOwner [32]byte
	copy(packedOwner[:], field(4))
	owner, err := UnpackPublicKey(packedOwner)
	if err != nil {
		return nil, false
	}
	blinding, err := common.FieldFromBytesBE(field(5))
	if err != nil {
		return nil, false
	}
	n := &Note{
		AssetID:  values[0],
		TokenID:  values[1],
		Amount:   values[2],
		ChainID:  values[3].Uint64(),
		Owner:    owner,
		Blinding: blinding,
	}
	recomputed, err := n.Commitment()
	if err != nil || recomputed.Cmp(commitment) != 0 {
		return nil, false
	}
	return n, true
}

// Decrypt tries to recover a note with the viewing key of k, attaching k to
// the note on success
func (k *Keypair) Decrypt(commitment *big.Int, memo []byte) (*Note, bool) {
	n, ok := Decrypt(k.ViewingKey, commitment, memo)
	if !ok {
		return nil, false
	}
	if PackPublicKey(n.Owner) == PackPublicKey(k.PublicKey) {
		n.Key = k
	}
	return n, true
}
