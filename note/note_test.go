package note

import (
	"math/big"
	"testing"

	"shielded-pool/common"
	"shielded-pool/log"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	log.Init("debug", []string{"stdout"})
}

func newTestNote(t *testing.T, amount int64) (*Note, *Keypair) {
	key := NewKeypair()
	n, err := NewNote(1, key, big.NewInt(3), big.NewInt(0), big.NewInt(amount))
	require.NoError(t, err)
	return n, key
}

func TestCommitmentStable(t *testing.T) {
	n, _ := newTestNote(t, 100)
	c1, err := n.Commitment()
	require.NoError(t, err)
	c2, err := n.Commitment()
	require.NoError(t, err)
	assert.Equal(t, c1, c2)
	assert.True(t, common.CheckInField(c1))

	partial, err := n.PartialCommitment()
	require.NoError(t, err)
	inner, err := common.Poseidon(n.Blinding)
	require.NoError(t, err)
	expectedPartial, err := common.Poseidon(big.NewInt(1), n.Owner.X, n.Owner.Y, inner)
	require.NoError(t, err)
	assert.Equal(t, expectedPartial, partial)
	expected, err := common.Poseidon(big.NewInt(3), big.NewInt(0), big.NewInt(100), partial)
	require.NoError(t, err)
	assert.Equal(t, expected, c1)
}

func TestBlindingIsFresh(t *testing.T) {
	key := NewKeypair()
	n1, err := NewNote(1, key, big.NewInt(3), big.NewInt(0), big.NewInt(5))
	require.NoError(t, err)
	n2, err := NewNote(1, key, big.NewInt(3), big.NewInt(0), big.NewInt(5))
	require.NoError(t, err)
	c1, err := n1.Commitment()
	require.NoError(t, err)
	c2, err := n2.Commitment()
	require.NoError(t, err)
	assert.NotEqual(t, c1, c2)
}

func TestNullifierRequiresIndex(t *testing.T) {
	n, _ := newTestNote(t, 100)
	_, err := n.Nullifier()
	assert.Equal(t, common.ErrNoTreeIndex, common.Unwrap(err))

	require.NoError(t, n.SetIndex(7))
	nf1, err := n.Nullifier()
	require.NoError(t, err)
	nf2, err := n.Nullifier()
	require.NoError(t, err)
	assert.Equal(t, nf1, nf2)

	commitment, err := n.Commitment()
	require.NoError(t, err)
	expected, err := common.Poseidon(commitment, big.NewInt(7))
	require.NoError(t, err)
	assert.Equal(t, expected, nf1)

	require.NoError(t, n.SetIndex(7))
	assert.Error(t, n.SetIndex(8))
}

func TestNotInFieldAmount(t *testing.T) {
	_, err := NewNote(1, NewKeypair(), big.NewInt(1), big.NewInt(0), common.FieldModulus())
	assert.Equal(t, common.ErrNotInFF, common.Unwrap(err))
}

func TestEncryptDecrypt(t *testing.T) {
	n, key := newTestNote(t, 12345)
	commitment, err := n.Commitment()
	require.NoError(t, err)
	memo, err := n.Encrypt(key.PublicKey)
	require.NoError(t, err)
	assert.Equal(t, MemoLen, len(memo))

	dec, ok := key.Decrypt(commitment, memo)
	require.True(t, ok)
	assert.Equal(t, n.AssetID, dec.AssetID)
	assert.Equal(t, n.TokenID, dec.TokenID)
	assert.Equal(t, n.Amount, dec.Amount)
	assert.Equal(t, n.ChainID, dec.ChainID)
	assert.Equal(t, n.Blinding, dec.Blinding)
	assert.Equal(t, PackPublicKey(n.Owner), PackPublicKey(dec.Owner))
	assert.Equal(t, key, dec.Key)

	// other viewing keys get no match
	other := NewKeypair()
	_, ok = other.Decrypt(commitment, memo)
	assert.False(t, ok)

	// a different commitment is not authenticated
	_, ok = key.Decrypt(new(big.Int).Add(commitment, big.NewInt(1)), memo)
	assert.False(t, ok)

	// tampered or truncated memos
	tampered := append([]byte{}, memo...)
	tampered[100] ^= 0xff
	_, ok = key.Decrypt(commitment, tampered)
	assert.False(t, ok)
	_, ok = key.Decrypt(commitment, memo[:MemoLen-1])
	assert.False(t, ok)

	// every memo uses a fresh ephemeral key
	memo2, err := n.Encrypt(key.PublicKey)
	require.NoError(t, err)
	assert.NotEqual(t, memo[:32], memo2[:32])
	dec, ok = key.Decrypt(commitment, memo2)
	require.True(t, ok)
	assert.Equal(t, n.Amount, dec.Amount)
}

func TestEncryptToThirdParty(t *testing.T) {
	// sender encrypts a note owned by the recipient
	recipient := NewKeypair()
	n, err := NewNoteFor(5, recipient.PublicKey, big.NewInt(1), big.NewInt(2), big.NewInt(3))
	require.NoError(t, err)
	commitment, err := n.Commitment()
	require.NoError(t, err)
	memo, err := n.Encrypt(recipient.PublicKey)
	require.NoError(t, err)
	dec, ok := recipient.Decrypt(commitment, memo)
	require.True(t, ok)
	assert.Equal(t, recipient, dec.Key)
}

func TestDummyNote(t *testing.T) {
	valued, _ := newTestNote(t, 1000000)
	dummy, err := NewDummyNote(1, big.NewInt(3), big.NewInt(0))
	require.NoError(t, err)
	assert.True(t, dummy.IsDummy())
	assert.False(t, valued.IsDummy())

	dc, err := dummy.Commitment()
	require.NoError(t, err)
	assert.True(t, common.CheckInField(dc))

	valuedMemo, err := valued.Encrypt(valued.Owner)
	require.NoError(t, err)
	dummyMemo, err := dummy.Encrypt(dummy.Owner)
	require.NoError(t, err)
	assert.Equal(t, len(valuedMemo), len(dummyMemo))

	_, ok := dummy.Key.Decrypt(dc, dummyMemo)
	assert.True(t, ok)

	input, err := NewDummyInput(1, big.NewInt(3), big.NewInt(0))
	require.NoError(t, err)
	nf, err := input.Nullifier()
	require.NoError(t, err)
	assert.True(t, common.CheckInField(nf))
}

func TestSignature(t *testing.T) {
	key := NewKeypair()
	msg := big.NewInt(987654321)
	sig := key.Sign(msg)
	require.NoError(t, VerifySignature(key.PublicKey, msg, sig))

	err := VerifySignature(key.PublicKey, big.NewInt(1), sig)
	assert.Equal(t, common.ErrInvalidSignature, common.Unwrap(err))
	err = VerifySignature(NewKeypair().PublicKey, msg, sig)
	assert.Equal(t, common.ErrInvalidSignature, common.Unwrap(err))
}
