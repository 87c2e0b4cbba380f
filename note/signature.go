package note

import (
	"math/big"

	"shielded-pool/common"

	"github.com/iden3/go-iden3-crypto/babyjub"
)

// Sign signs msgHash with the spending key (EdDSA over Poseidon)
func (k *Keypair) Sign(msgHash *big.Int) babyjub.SignatureComp {
	return k.SpendingKey.SignPoseidon(msgHash).Compress()
}

// VerifySignature checks that sig is a signature of msgHash by pk, returning
// ErrInvalidSignature otherwise
func VerifySignature(pk *babyjub.PublicKey, msgHash *big.Int, sig babyjub.SignatureComp) error {
	s, err := sig.Decompress()
	if err != nil {
		return common.Wrapf(common.ErrInvalidSignature, "decompress: %v", err)
	}
	if !pk.VerifyPoseidon(msgHash, s) {
		return common.Wrap(common.ErrInvalidSignature)
	}
	return nil
}
