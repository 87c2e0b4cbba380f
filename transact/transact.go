package transact

import (
	"context"
	"fmt"
	"math/big"

	"shielded-pool/common"
	"shielded-pool/coordinator/prover"
	"shielded-pool/eth"
	"shielded-pool/log"
	"shielded-pool/note"

	ethCommon "github.com/ethereum/go-ethereum/common"
)

const (
	// SmallArity is the number of inputs of the small transact circuit
	SmallArity = 2
	// LargeArity is the number of inputs of the large transact circuit
	LargeArity = 16
	// OutputArity is the number of outputs of both transact circuits
	OutputArity = 2
)

// TransactParams are the notes and public values of a transact
type TransactParams struct {
	// Inputs are owned notes with a tree index, at most LargeArity
	Inputs []*note.Note
	// Outputs are the created notes, at most OutputArity
	Outputs []*note.Note
	// AssetID and TokenID identify the asset moved by the transaction,
	// every note must hold it
	AssetID   *big.Int
	TokenID   *big.Int
	Fee       *big.Int
	Refund    *big.Int
	Recipient ethCommon.Address
	Relayer   ethCommon.Address
}

// TransactBundle is a proved transact ready for submission
type TransactBundle struct {
	// Inputs and Outputs are padded with dummy notes to the circuit arity
	Inputs        []*note.Note
	Outputs       []*note.Note
	Nullifiers    []*big.Int
	Commitments   [OutputArity]*big.Int
	Roots         []*big.Int
	ExtAmount     *big.Int
	PublicAmount  *big.Int
	ExtData       common.ExtData
	ExtDataHash   *big.Int
	CircuitInputs *common.TransactInputs
	Proof         *prover.Proof
	PublicSignals []*big.Int
}

// Args returns the arguments of the transact call of the ledger
func (b *TransactBundle) Args() *eth.TransactArgs {
	return &eth.TransactArgs{
		Proof:             b.Proof,
		Roots:             common.CopyBigInts(b.Roots),
		InputNullifiers:   common.CopyBigInts(b.Nullifiers),
		OutputCommitments: b.Commitments,
		PublicAmount:      common.CopyBigInt(b.PublicAmount),
		ExtDataHash:       common.CopyBigInt(b.ExtDataHash),
		AssetID:           common.CopyBigInt(b.CircuitInputs.PublicAssetID),
		TokenID:           common.CopyBigInt(b.CircuitInputs.PublicTokenID),
		ExtData:           b.ExtData,
	}
}

// Arity returns the number of inputs of the circuit that proves n real
// inputs
func Arity(n int) (int, error) {
	switch {
	case n <= SmallArity:
		return SmallArity, nil
	case n <= LargeArity:
		return LargeArity, nil
	}
	return 0, common.Wrap(fmt.Errorf("%d inputs, at most %d are supported", n, LargeArity))
}

func sameAsset(n *note.Note, assetID, tokenID *big.Int) bool {
	return n.AssetID.Cmp(assetID) == 0 && n.TokenID.Cmp(tokenID) == 0
}

func orZero(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return v
}

// padded returns the real notes followed by dummy notes up to arity
func (a *Assembler) padded(notes []*note.Note, arity int, dummy func(uint64, *big.Int,
	*big.Int) (*note.Note, error), assetID, tokenID *big.Int) ([]*note.Note, error) {
	out := make([]*note.Note, 0, arity)
	out = append(out, notes...)
	for len(out) < arity {
		d, err := dummy(a.cfg.ChainID, assetID, tokenID)
		if err != nil {
			return nil, common.Wrap(err)
		}
		out = append(out, d)
	}
	return out, nil
}

// Transact assembles and proves a transact.  The nullifiers of the inputs
// are checked against the confirmed and pending spends before proving, and
// held as pending until ConfirmTransact or Release is called with the
// returned bundle.
func (a *Assembler) Transact(ctx context.Context, params TransactParams) (*TransactBundle, error) {
	if params.AssetID == nil || params.TokenID == nil {
		return nil, common.Wrap(fmt.Errorf("transact asset not set"))
	}
	if len(params.Outputs) > OutputArity {
		return nil, common.Wrap(fmt.Errorf("%d outputs, at most %d are supported",
			len(params.Outputs), OutputArity))
	}
	arity, err := Arity(len(params.Inputs))
	if err != nil {
		return nil, common.Wrap(err)
	}
	fee := orZero(params.Fee)
	refund := orZero(params.Refund)
	if fee.Sign() < 0 || refund.Sign() < 0 {
		return nil, common.Wrap(fmt.Errorf("negative fee or refund"))
	}
	for _, n := range append(append([]*note.Note{}, params.Inputs...), params.Outputs...) {
		if !sameAsset(n, params.AssetID, params.TokenID) {
			return nil, common.Wrap(fmt.Errorf("note of asset (%v, %v) in a transact of (%v, %v)",
				n.AssetID, n.TokenID, params.AssetID, params.TokenID))
		}
		if n.ChainID != a.cfg.ChainID {
			return nil, common.Wrap(fmt.Errorf("note of chain %d in a transact of chain %d",
				n.ChainID, a.cfg.ChainID))
		}
	}
	token := ethCommon.Address{}
	if a.cfg.Assets != nil {
		asset, err := a.cfg.Assets.AssetByID(ctx, params.AssetID, params.TokenID)
		if err != nil {
			return nil, common.Wrap(err)
		}
		token = asset.Wrapped
	}

	inputs, err := a.padded(params.Inputs, arity, note.NewDummyInput, params.AssetID,
		params.TokenID)
	if err != nil {
		return nil, common.Wrap(err)
	}
	outputs, err := a.padded(params.Outputs, OutputArity, note.NewDummyNote, params.AssetID,
		params.TokenID)
	if err != nil {
		return nil, common.Wrap(err)
	}

	in := &common.TransactInputs{
		PublicAssetID: common.CopyBigInt(params.AssetID),
		PublicTokenID: common.CopyBigInt(params.TokenID),
		ChainID:       new(big.Int).Set(a.chainID),
	}
	sumIn := big.NewInt(0)
	for i, n := range inputs {
		nullifier, err := n.Nullifier()
		if err != nil {
			return nil, common.Wrap(err)
		}
		index, _ := n.Index()
		pathElements := a.zeroPath()
		if i < len(params.Inputs) {
			path, err := a.spendPath(n)
			if err != nil {
				return nil, common.Wrap(err)
			}
			pathElements = path.PathElements
		}
		sumIn.Add(sumIn, n.Amount)
		in.InputNullifier = append(in.InputNullifier, nullifier)
		in.InAmount = append(in.InAmount, common.CopyBigInt(n.Amount))
		in.InBlinding = append(in.InBlinding, common.CopyBigInt(n.Blinding))
		in.InAssetID = append(in.InAssetID, common.CopyBigInt(n.AssetID))
		in.InTokenID = append(in.InTokenID, common.CopyBigInt(n.TokenID))
		in.InPrivateKey = append(in.InPrivateKey, n.Key.SpendingKey.Scalar().BigInt())
		in.InPathIndices = append(in.InPathIndices, new(big.Int).SetUint64(index))
		in.InPathElements = append(in.InPathElements, pathElements)
	}

	var commitments [OutputArity]*big.Int
	var memos [OutputArity][]byte
	sumOut := big.NewInt(0)
	for i, n := range outputs {
		if commitments[i], err = n.Commitment(); err != nil {
			return nil, common.Wrap(err)
		}
		if memos[i], err = n.Encrypt(n.Owner); err != nil {
			return nil, common.Wrap(err)
		}
		sumOut.Add(sumOut, n.Amount)
		in.OutputCommitment = append(in.OutputCommitment, commitments[i])
		in.OutChainID = append(in.OutChainID, new(big.Int).SetUint64(n.ChainID))
		in.OutPublicKeyX = append(in.OutPublicKeyX, common.CopyBigInt(n.Owner.X))
		in.OutPublicKeyY = append(in.OutPublicKeyY, common.CopyBigInt(n.Owner.Y))
		in.OutAmount = append(in.OutAmount, common.CopyBigInt(n.Amount))
		in.OutBlinding = append(in.OutBlinding, common.CopyBigInt(n.Blinding))
		in.OutAssetID = append(in.OutAssetID, common.CopyBigInt(n.AssetID))
		in.OutTokenID = append(in.OutTokenID, common.CopyBigInt(n.TokenID))
	}

	// extAmount = fee + outputs - inputs, publicAmount = extAmount - fee
	extAmount := new(big.Int).Add(fee, sumOut)
	extAmount.Sub(extAmount, sumIn)
	in.PublicAmount = common.ReduceField(new(big.Int).Sub(extAmount, fee))

	extData := common.ExtData{
		Recipient:        params.Recipient,
		ExtAmount:        extAmount,
		Relayer:          params.Relayer,
		Fee:              new(big.Int).Set(fee),
		Refund:           new(big.Int).Set(refund),
		Token:            token,
		EncryptedOutput1: memos[0],
		EncryptedOutput2: memos[1],
	}
	if in.ExtDataHash, err = extData.Hash(); err != nil {
		return nil, common.Wrap(err)
	}
	if in.Roots, err = a.roots(ctx); err != nil {
		return nil, common.Wrap(err)
	}

	a.mu.Lock()
	if err := a.checkUnspent(ctx, in.InputNullifier); err != nil {
		a.mu.Unlock()
		return nil, common.Wrap(err)
	}
	a.hold(in.InputNullifier)
	a.mu.Unlock()

	proof, signals, err := a.prove(ctx, in)
	if err != nil {
		a.release(in.InputNullifier)
		return nil, common.Wrap(err)
	}
	log.Debugw("Assembler: transact proved", "circuit", in.Circuit(), "extAmount", extAmount,
		"root", in.Roots[0])
	return &TransactBundle{
		Inputs:        inputs,
		Outputs:       outputs,
		Nullifiers:    common.CopyBigInts(in.InputNullifier),
		Commitments:   commitments,
		Roots:         common.CopyBigInts(in.Roots),
		ExtAmount:     common.CopyBigInt(extAmount),
		PublicAmount:  common.CopyBigInt(in.PublicAmount),
		ExtData:       extData,
		ExtDataHash:   common.CopyBigInt(in.ExtDataHash),
		CircuitInputs: in,
		Proof:         proof,
		PublicSignals: signals,
	}, nil
}

// ConfirmTransact is called once the ledger accepted the bundle.  The input
// nullifiers are recorded as spent and the outputs that the batch tree
// updater already inserted are given their tree index.
func (a *Assembler) ConfirmTransact(bundle *TransactBundle) error {
	if err := a.confirm(bundle.Nullifiers); err != nil {
		return common.Wrap(err)
	}
	if _, err := a.Locate(bundle.Outputs...); err != nil {
		return common.Wrap(err)
	}
	return nil
}

// Release drops the pending nullifiers of a bundle that the ledger rejected
// or that was never submitted
func (a *Assembler) Release(bundle *TransactBundle) {
	a.release(bundle.Nullifiers)
}
