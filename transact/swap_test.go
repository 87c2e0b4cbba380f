package transact

import (
	"context"
	"math/big"
	"testing"
	"time"

	"shielded-pool/accumulator"
	"shielded-pool/common"
	"shielded-pool/note"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var swapNow = time.Unix(1700000000, 0)

type swapFixture struct {
	a          *Assembler
	tree       *accumulator.Accumulator
	alice, bob *note.Keypair
	params     SwapParams
}

func noteOf(t *testing.T, key *note.Keypair, asset int64, amount int64) *note.Note {
	n, err := note.NewNote(chainID, key, big.NewInt(asset), tokenID, big.NewInt(amount))
	require.NoError(t, err)
	return n
}

// newSwapFixture builds a swap where alice gives 6 of asset 1 for 3 of
// asset 2
func newSwapFixture(t *testing.T) *swapFixture {
	tree := newTree(t)
	a, err := NewAssembler(Config{ChainID: chainID, Tree: tree, Prover: newMockProver(),
		Now: func() time.Time { return swapNow }})
	require.NoError(t, err)
	f := &swapFixture{a: a, tree: tree, alice: note.NewKeypair(), bob: note.NewKeypair()}

	aliceSpend := noteOf(t, f.alice, 1, 10)
	bobSpend := noteOf(t, f.bob, 2, 5)
	for _, n := range []*note.Note{aliceSpend, bobSpend} {
		commitment, err := n.Commitment()
		require.NoError(t, err)
		require.NoError(t, tree.Insert(commitment))
	}
	located, err := a.Locate(aliceSpend, bobSpend)
	require.NoError(t, err)
	require.Equal(t, 2, located)

	f.params = SwapParams{
		Alice: SwapLeg{
			Spend:   aliceSpend,
			Change:  noteOf(t, f.alice, 1, 4),
			Receive: noteOf(t, f.alice, 2, 3),
		},
		Bob: SwapLeg{
			Spend:   bobSpend,
			Change:  noteOf(t, f.bob, 2, 2),
			Receive: noteOf(t, f.bob, 1, 6),
		},
		T:      swapNow.Add(-time.Minute),
		TPrime: swapNow.Add(time.Minute),
	}
	f.sign(t)
	return f
}

func (f *swapFixture) sign(t *testing.T) {
	var err error
	f.params.Alice.Signature, err = SignSwap(f.alice, &f.params)
	require.NoError(t, err)
	f.params.Bob.Signature, err = SignSwap(f.bob, &f.params)
	require.NoError(t, err)
}

func TestSwap(t *testing.T) {
	ctx := context.Background()
	f := newSwapFixture(t)
	bundle, err := f.a.Swap(ctx, f.params)
	require.NoError(t, err)

	commitments, err := SwapCommitments(&f.params)
	require.NoError(t, err)
	assert.Equal(t, commitments, bundle.Commitments)
	msgHash, err := SwapMessageHash(commitments[0], commitments[1], commitments[2],
		commitments[3], f.params.T.Unix(), f.params.TPrime.Unix())
	require.NoError(t, err)
	assert.Equal(t, msgHash, bundle.MessageHash)

	in := bundle.CircuitInputs
	assert.Equal(t, common.CircuitSwap, in.Circuit())
	assert.Equal(t, big.NewInt(swapNow.Unix()), in.CurrentTimestamp)
	assert.Equal(t, []*big.Int{f.tree.Root()}, in.Roots)
	assert.Equal(t, in.PublicSignals(), bundle.PublicSignals)
	aliceNullifier, err := f.params.Alice.Spend.Nullifier()
	require.NoError(t, err)
	assert.Equal(t, aliceNullifier, bundle.Nullifiers[0])
	assert.Equal(t, big.NewInt(1), in.Bob.SpendPathIndices)
	assert.Equal(t, f.params.Alice.Spend.Owner.X, in.Alice.PublicKeyX)

	// both spends are pending, then spent
	_, err = f.a.Swap(ctx, f.params)
	assert.Equal(t, common.ErrDoubleSpend, common.Unwrap(err))
	require.NoError(t, f.a.ConfirmSwap(bundle))
	_, err = f.a.Swap(ctx, f.params)
	assert.Equal(t, common.ErrDoubleSpend, common.Unwrap(err))
}

func TestSwapRelease(t *testing.T) {
	ctx := context.Background()
	f := newSwapFixture(t)
	bundle, err := f.a.Swap(ctx, f.params)
	require.NoError(t, err)
	f.a.ReleaseSwap(bundle)
	_, err = f.a.Swap(ctx, f.params)
	require.NoError(t, err)
}

func TestSwapWindow(t *testing.T) {
	ctx := context.Background()
	f := newSwapFixture(t)

	// the bounds are inclusive
	f.params.T = swapNow
	f.params.TPrime = swapNow
	f.sign(t)
	bundle, err := f.a.Swap(ctx, f.params)
	require.NoError(t, err)
	f.a.ReleaseSwap(bundle)

	f.params.T = swapNow.Add(-2 * time.Minute)
	f.params.TPrime = swapNow.Add(-time.Minute)
	f.sign(t)
	_, err = f.a.Swap(ctx, f.params)
	assert.Equal(t, common.ErrSwapExpired, common.Unwrap(err))

	f.params.T = swapNow.Add(time.Second)
	f.params.TPrime = swapNow.Add(time.Minute)
	f.sign(t)
	_, err = f.a.Swap(ctx, f.params)
	assert.Equal(t, common.ErrSwapExpired, common.Unwrap(err))
}

func TestSwapSignatures(t *testing.T) {
	ctx := context.Background()
	f := newSwapFixture(t)

	// bob signs with a key that does not own his spend
	var err error
	f.params.Bob.Signature, err = SignSwap(f.alice, &f.params)
	require.NoError(t, err)
	_, err = f.a.Swap(ctx, f.params)
	assert.Equal(t, common.ErrInvalidSignature, common.Unwrap(err))

	// the signatures do not cover a changed window
	f.sign(t)
	f.params.TPrime = f.params.TPrime.Add(time.Second)
	_, err = f.a.Swap(ctx, f.params)
	assert.Equal(t, common.ErrInvalidSignature, common.Unwrap(err))
}

func TestSwapBalance(t *testing.T) {
	ctx := context.Background()
	f := newSwapFixture(t)
	f.params.Bob.Receive = noteOf(t, f.bob, 1, 7)
	f.sign(t)
	_, err := f.a.Swap(ctx, f.params)
	assert.Equal(t, common.ErrUnbalanced, common.Unwrap(err))

	f = newSwapFixture(t)
	f.params.Alice.Change = noteOf(t, f.alice, 2, 4)
	f.sign(t)
	_, err = f.a.Swap(ctx, f.params)
	assert.Equal(t, common.ErrUnbalanced, common.Unwrap(err))
}
