package note

import (
	"math/big"

	"shielded-pool/common"
)

// NewDummyNote returns a zero amount note owned by a fresh random key.  It is
// used to pad the inputs and outputs of a transaction to the circuit arity,
// its commitment, nullifier and memo have the same shape as any other note.
func NewDummyNote(chainID uint64, assetID, tokenID *big.Int) (*Note, error) {
	n, err := NewNote(chainID, NewKeypair(), assetID, tokenID, big.NewInt(0))
	if err != nil {
		return nil, common.Wrap(err)
	}
	return n, nil
}

// NewDummyInput returns a dummy note usable as a spent input: it is given
// index 0 so its nullifier is defined, and the circuit skips the inclusion
// check for zero amounts.
func NewDummyInput(chainID uint64, assetID, tokenID *big.Int) (*Note, error) {
	n, err := NewDummyNote(chainID, assetID, tokenID)
	if err != nil {
		return nil, common.Wrap(err)
	}
	if err := n.SetIndex(0); err != nil {
		return nil, common.Wrap(err)
	}
	return n, nil
}
