/*
Package note implements the UTXO notes of the pool: their commitments,
nullifiers and encrypted memos.

	innerPartialCommitment = H(blinding)
	partialCommitment      = H(chainID, pk.x, pk.y, innerPartialCommitment)
	commitment             = H(assetID, tokenID, amount, partialCommitment)
	nullifier              = H(commitment, treeIndex)

where H is Poseidon.  The nullifier is only defined once the note has been
inserted in the tree.
*/
package note

import (
	"crypto/rand"
	"fmt"
	"math/big"

	"shielded-pool/common"

	"github.com/iden3/go-iden3-crypto/babyjub"
)

// Note is a private UTXO
type Note struct {
	ChainID  uint64
	Owner    *babyjub.PublicKey
	Blinding *big.Int
	AssetID  *big.Int
	TokenID  *big.Int
	Amount   *big.Int
	// Key is the owner key pair, only known for notes owned locally
	Key *Keypair

	index *uint64
}

// RandomBlinding returns a uniformly random field element
func RandomBlinding() (*big.Int, error) {
	b, err := rand.Int(rand.Reader, common.FieldModulus())
	if err != nil {
		return nil, common.Wrap(err)
	}
	return b, nil
}

// NewNote creates a note owned by key with a fresh blinding
func NewNote(chainID uint64, key *Keypair, assetID, tokenID, amount *big.Int) (*Note, error) {
	n, err := NewNoteFor(chainID, key.PublicKey, assetID, tokenID, amount)
	if err != nil {
		return nil, common.Wrap(err)
	}
	n.Key = key
	return n, nil
}

// NewNoteFor creates a note paying to owner with a fresh blinding
func NewNoteFor(chainID uint64, owner *babyjub.PublicKey, assetID, tokenID,
	amount *big.Int) (*Note, error) {
	for _, v := range []*big.Int{assetID, tokenID, amount} {
		if !common.CheckInField(v) {
			return nil, common.Wrap(common.ErrNotInFF)
		}
	}
	blinding, err := RandomBlinding()
	if err != nil {
		return nil, common.Wrap(err)
	}
	return &Note{
		ChainID:  chainID,
		Owner:    owner,
		Blinding: blinding,
		AssetID:  new(big.Int).Set(assetID),
		TokenID:  new(big.Int).Set(tokenID),
		Amount:   new(big.Int).Set(amount),
	}, nil
}

// InnerPartialCommitment returns H(blinding)
func (n *Note) InnerPartialCommitment() (*big.Int, error) {
	return common.Poseidon(n.Blinding)
}

// PartialCommitment returns H(chainID, pk.x, pk.y, H(blinding))
func (n *Note) PartialCommitment() (*big.Int, error) {
	inner, err := n.InnerPartialCommitment()
	if err != nil {
		return nil, common.Wrap(err)
	}
	return common.Poseidon(new(big.Int).SetUint64(n.ChainID), n.Owner.X, n.Owner.Y, inner)
}

// Commitment returns the leaf inserted in the tree for this note
func (n *Note) Commitment() (*big.Int, error) {
	partial, err := n.PartialCommitment()
	if err != nil {
		return nil, common.Wrap(err)
	}
	return common.DepositCommitment(n.AssetID, n.TokenID, n.Amount, partial)
}

// SetIndex assigns the tree index of the note once its commitment is
// inserted.  The index can only be assigned once.
func (n *Note) SetIndex(index uint64) error {
	if n.index != nil && *n.index != index {
		return common.Wrap(fmt.Errorf("note already has tree index %d", *n.index))
	}
	n.index = &index
	return nil
}

// Index returns the tree index and whether it has been assigned
func (n *Note) Index() (uint64, bool) {
	if n.index == nil {
		return 0, false
	}
	return *n.index, true
}

// Nullifier returns H(commitment, treeIndex), or ErrNoTreeIndex if the note
// has not been inserted yet
func (n *Note) Nullifier() (*big.Int, error) {
	if n.index == nil {
		return nil, common.Wrap(common.ErrNoTreeIndex)
	}
	commitment, err := n.Commitment()
	if err != nil {
		return nil, common.Wrap(err)
	}
	return common.Poseidon(commitment, new(big.Int).SetUint64(*n.index))
}

// IsDummy returns true for notes that carry no value
func (n *Note) IsDummy() bool {
	return n.Amount.Sign() == 0
}
