package transact

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"shielded-pool/common"
	"shielded-pool/coordinator/prover"
	"shielded-pool/log"
	"shielded-pool/note"

	"github.com/iden3/go-iden3-crypto/babyjub"
)

// SwapLeg is the side of one party of a swap.  The party spends Spend, gets
// Change back in the same asset and Receive in the asset of the other party.
type SwapLeg struct {
	Spend     *note.Note
	Change    *note.Note
	Receive   *note.Note
	Signature babyjub.SignatureComp
}

// SwapParams are the two legs of a swap and its validity window
type SwapParams struct {
	Alice  SwapLeg
	Bob    SwapLeg
	T      time.Time
	TPrime time.Time
}

// SwapBundle is a proved swap ready for submission
type SwapBundle struct {
	Nullifiers [2]*big.Int
	// Commitments are aliceChange, aliceReceive, bobChange, bobReceive
	Commitments   [4]*big.Int
	MessageHash   *big.Int
	CircuitInputs *common.SwapInputs
	Proof         *prover.Proof
	PublicSignals []*big.Int
}

// SwapMessageHash is the message both parties sign:
// Poseidon(aliceChange, aliceReceive, bobChange, bobReceive, t, tPrime)
func SwapMessageHash(aliceChange, aliceReceive, bobChange, bobReceive *big.Int,
	t, tPrime int64) (*big.Int, error) {
	h, err := common.Poseidon(aliceChange, aliceReceive, bobChange, bobReceive,
		big.NewInt(t), big.NewInt(tPrime))
	if err != nil {
		return nil, common.Wrap(err)
	}
	return h, nil
}

// SwapCommitments returns the commitments bound by the swap message hash in
// signing order
func SwapCommitments(params *SwapParams) ([4]*big.Int, error) {
	var commitments [4]*big.Int
	for i, n := range []*note.Note{params.Alice.Change, params.Alice.Receive,
		params.Bob.Change, params.Bob.Receive} {
		c, err := n.Commitment()
		if err != nil {
			return commitments, common.Wrap(err)
		}
		commitments[i] = c
	}
	return commitments, nil
}

// SignSwap returns the signature of key over the message hash of params
func SignSwap(key *note.Keypair, params *SwapParams) (babyjub.SignatureComp, error) {
	commitments, err := SwapCommitments(params)
	if err != nil {
		return babyjub.SignatureComp{}, common.Wrap(err)
	}
	msgHash, err := SwapMessageHash(commitments[0], commitments[1], commitments[2],
		commitments[3], params.T.Unix(), params.TPrime.Unix())
	if err != nil {
		return babyjub.SignatureComp{}, common.Wrap(err)
	}
	return key.Sign(msgHash), nil
}

// checkBalance checks that leg gives away exactly what other receives
func checkBalance(leg, other *SwapLeg) error {
	spend := leg.Spend
	for _, n := range []*note.Note{leg.Change, other.Receive} {
		if n.AssetID.Cmp(spend.AssetID) != 0 || n.TokenID.Cmp(spend.TokenID) != 0 {
			return common.Wrapf(common.ErrUnbalanced, "asset (%v, %v) paid from a note of (%v, %v)",
				n.AssetID, n.TokenID, spend.AssetID, spend.TokenID)
		}
	}
	out := new(big.Int).Add(leg.Change.Amount, other.Receive.Amount)
	if out.Cmp(spend.Amount) != 0 {
		return common.Wrapf(common.ErrUnbalanced, "spent %v, paid %v", spend.Amount, out)
	}
	owner := leg.Change.Owner
	if owner == nil || owner.X.Cmp(spend.Owner.X) != 0 || owner.Y.Cmp(spend.Owner.Y) != 0 {
		return common.Wrap(fmt.Errorf("change not owned by the spender"))
	}
	return nil
}

func (a *Assembler) legInputs(leg *SwapLeg) (common.SwapLegInputs, error) {
	path, err := a.spendPath(leg.Spend)
	if err != nil {
		return common.SwapLegInputs{}, common.Wrap(err)
	}
	sig, err := leg.Signature.Decompress()
	if err != nil {
		return common.SwapLegInputs{}, common.Wrapf(common.ErrInvalidSignature, "decompress: %v", err)
	}
	spend := leg.Spend
	return common.SwapLegInputs{
		SpendAmount:       common.CopyBigInt(spend.Amount),
		SpendBlinding:     common.CopyBigInt(spend.Blinding),
		SpendAssetID:      common.CopyBigInt(spend.AssetID),
		SpendTokenID:      common.CopyBigInt(spend.TokenID),
		SpendPrivateKey:   spend.Key.SpendingKey.Scalar().BigInt(),
		SpendPathIndices:  big.NewInt(int64(path.Index)),
		SpendPathElements: path.PathElements,
		ChangeAmount:      common.CopyBigInt(leg.Change.Amount),
		ChangeBlinding:    common.CopyBigInt(leg.Change.Blinding),
		ReceiveAmount:     common.CopyBigInt(leg.Receive.Amount),
		ReceiveBlinding:   common.CopyBigInt(leg.Receive.Blinding),
		ReceiveAssetID:    common.CopyBigInt(leg.Receive.AssetID),
		ReceiveTokenID:    common.CopyBigInt(leg.Receive.TokenID),
		PublicKeyX:        common.CopyBigInt(spend.Owner.X),
		PublicKeyY:        common.CopyBigInt(spend.Owner.Y),
		SignatureR8X:      common.CopyBigInt(sig.R8.X),
		SignatureR8Y:      common.CopyBigInt(sig.R8.Y),
		SignatureS:        common.CopyBigInt(sig.S),
	}, nil
}

// Swap assembles and proves an atomic two party swap.  Both signatures must
// be over the same message hash, the current time must be inside [T, TPrime]
// and both spends must be unused.  As for Transact, the nullifiers stay
// pending until ConfirmSwap or ReleaseSwap.
func (a *Assembler) Swap(ctx context.Context, params SwapParams) (*SwapBundle, error) {
	legs := []*SwapLeg{&params.Alice, &params.Bob}
	for _, leg := range legs {
		if leg.Spend == nil || leg.Change == nil || leg.Receive == nil {
			return nil, common.Wrap(fmt.Errorf("incomplete swap leg"))
		}
	}
	if params.TPrime.Before(params.T) {
		return nil, common.Wrapf(common.ErrSwapExpired, "empty window [%v, %v]",
			params.T.Unix(), params.TPrime.Unix())
	}
	now := a.cfg.Now()
	t, tPrime := params.T.Unix(), params.TPrime.Unix()
	if now.Unix() < t || now.Unix() > tPrime {
		return nil, common.Wrapf(common.ErrSwapExpired, "now %v, window [%v, %v]",
			now.Unix(), t, tPrime)
	}
	if err := checkBalance(&params.Alice, &params.Bob); err != nil {
		return nil, common.Wrap(err)
	}
	if err := checkBalance(&params.Bob, &params.Alice); err != nil {
		return nil, common.Wrap(err)
	}

	commitments, err := SwapCommitments(&params)
	if err != nil {
		return nil, common.Wrap(err)
	}
	msgHash, err := SwapMessageHash(commitments[0], commitments[1], commitments[2],
		commitments[3], t, tPrime)
	if err != nil {
		return nil, common.Wrap(err)
	}
	for _, leg := range legs {
		if err := note.VerifySignature(leg.Spend.Owner, msgHash, leg.Signature); err != nil {
			return nil, common.Wrap(err)
		}
	}

	var nullifiers [2]*big.Int
	for i, leg := range legs {
		if nullifiers[i], err = leg.Spend.Nullifier(); err != nil {
			return nil, common.Wrap(err)
		}
	}
	alice, err := a.legInputs(&params.Alice)
	if err != nil {
		return nil, common.Wrap(err)
	}
	bob, err := a.legInputs(&params.Bob)
	if err != nil {
		return nil, common.Wrap(err)
	}
	roots, err := a.roots(ctx)
	if err != nil {
		return nil, common.Wrap(err)
	}
	in := &common.SwapInputs{
		AliceSpendNullifier:    nullifiers[0],
		BobSpendNullifier:      nullifiers[1],
		SwapMessageHash:        msgHash,
		AliceChangeCommitment:  commitments[0],
		AliceReceiveCommitment: commitments[1],
		BobChangeCommitment:    commitments[2],
		BobReceiveCommitment:   commitments[3],
		T:                      big.NewInt(t),
		TPrime:                 big.NewInt(tPrime),
		CurrentTimestamp:       big.NewInt(now.Unix()),
		ChainID:                new(big.Int).Set(a.chainID),
		Roots:                  roots,
		Alice:                  alice,
		Bob:                    bob,
	}

	a.mu.Lock()
	if err := a.checkUnspent(ctx, nullifiers[:]); err != nil {
		a.mu.Unlock()
		return nil, common.Wrap(err)
	}
	a.hold(nullifiers[:])
	a.mu.Unlock()

	proof, signals, err := a.prove(ctx, in)
	if err != nil {
		a.release(nullifiers[:])
		return nil, common.Wrap(err)
	}
	log.Debugw("Assembler: swap proved", "t", t, "tPrime", tPrime, "root", roots[0])
	return &SwapBundle{
		Nullifiers:    nullifiers,
		Commitments:   commitments,
		MessageHash:   msgHash,
		CircuitInputs: in,
		Proof:         proof,
		PublicSignals: signals,
	}, nil
}

// ConfirmSwap records the two spends of an accepted swap
func (a *Assembler) ConfirmSwap(bundle *SwapBundle) error {
	return common.Wrap(a.confirm(bundle.Nullifiers[:]))
}

// ReleaseSwap drops the pending nullifiers of a swap that was not accepted
func (a *Assembler) ReleaseSwap(bundle *SwapBundle) {
	a.release(bundle.Nullifiers[:])
}
