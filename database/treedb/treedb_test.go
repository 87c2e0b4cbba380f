package treedb

import (
	"math/big"
	"os"
	"testing"

	"shielded-pool/common"
	"shielded-pool/log"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var deleteme []string

func init() {
	log.Init("debug", []string{"stdout"})
}

func TestMain(m *testing.M) {
	exitVal := m.Run()
	for _, dir := range deleteme {
		if err := os.RemoveAll(dir); err != nil {
			panic(err)
		}
	}
	os.Exit(exitVal)
}

func newTestTreeDB(t *testing.T, typ TypeTreeDB) *TreeDB {
	dir, err := os.MkdirTemp("", "tmpdb")
	require.NoError(t, err)
	deleteme = append(deleteme, dir)
	tdb, err := NewTreeDB(Config{Path: dir, Keep: 128, Type: typ})
	require.NoError(t, err)
	return tdb
}

func bigs(vs ...int64) []*big.Int {
	out := make([]*big.Int, len(vs))
	for i, v := range vs {
		out[i] = big.NewInt(v)
	}
	return out
}

func TestAddLeavesAndCheckpoints(t *testing.T) {
	tdb := newTestTreeDB(t, TypeSynchronizer)
	defer tdb.Close()

	require.NoError(t, tdb.AddLeaves(0, bigs(1, 2, 3, 4), big.NewInt(100)))
	require.NoError(t, tdb.MakeCheckpoint())
	assert.Equal(t, common.BatchNum(1), tdb.CurrentBatch())

	require.NoError(t, tdb.AddLeaves(4, bigs(5, 6, 7, 8), big.NewInt(200)))
	require.NoError(t, tdb.MakeCheckpoint())

	// out of order insertion is rejected
	assert.Error(t, tdb.AddLeaves(4, bigs(9), big.NewInt(300)))

	leaves, err := tdb.Leaves()
	require.NoError(t, err)
	assert.Equal(t, bigs(1, 2, 3, 4, 5, 6, 7, 8), leaves)
	history, err := tdb.DepositHistory()
	require.NoError(t, err)
	assert.Equal(t, 8, len(history))
	assert.Equal(t, big.NewInt(100), history[3])
	assert.Equal(t, big.NewInt(200), history[4])

	leaf, err := tdb.Leaf(5)
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(6), leaf)
	_, err = tdb.Leaf(8)
	assert.Equal(t, common.ErrIndexOutOfRange, common.Unwrap(err))

	// reset to the first batch drops the second insertion
	require.NoError(t, tdb.Reset(1))
	assert.Equal(t, uint64(4), tdb.NextLeaf())
	leaves, err = tdb.Leaves()
	require.NoError(t, err)
	assert.Equal(t, bigs(1, 2, 3, 4), leaves)

	require.NoError(t, tdb.Reset(0))
	assert.Equal(t, uint64(0), tdb.NextLeaf())
}

func TestNullifiers(t *testing.T) {
	tdb := newTestTreeDB(t, TypeSynchronizer)
	defer tdb.Close()

	emptyRoot := tdb.NullifierRoot()
	nf := big.NewInt(123456789)
	spent, err := tdb.IsSpent(nf)
	require.NoError(t, err)
	assert.False(t, spent)

	require.NoError(t, tdb.AddNullifier(nf))
	spent, err = tdb.IsSpent(nf)
	require.NoError(t, err)
	assert.True(t, spent)
	assert.NotEqual(t, emptyRoot, tdb.NullifierRoot())

	err = tdb.AddNullifier(nf)
	assert.Equal(t, common.ErrDoubleSpend, common.Unwrap(err))

	require.NoError(t, tdb.MakeCheckpoint())
	spent, err = tdb.LastIsSpent(nf)
	require.NoError(t, err)
	assert.True(t, spent)

	// the nullifier tree follows the checkpoints
	rootAt1 := tdb.NullifierRoot()
	require.NoError(t, tdb.AddNullifier(big.NewInt(42)))
	require.NoError(t, tdb.Reset(1))
	assert.Equal(t, rootAt1, tdb.NullifierRoot())
	spent, err = tdb.IsSpent(big.NewInt(42))
	require.NoError(t, err)
	assert.False(t, spent)
}

func TestLocalTreeDBResetFromSynchronizer(t *testing.T) {
	syncDB := newTestTreeDB(t, TypeSynchronizer)
	defer syncDB.Close()
	require.NoError(t, syncDB.AddLeaves(0, bigs(1, 2, 3, 4), big.NewInt(10)))
	require.NoError(t, syncDB.MakeCheckpoint())

	dir, err := os.MkdirTemp("", "tmpdb")
	require.NoError(t, err)
	deleteme = append(deleteme, dir)
	local, err := NewLocalTreeDB(Config{Path: dir, Keep: 128, Type: TypeBatchBuilder}, syncDB)
	require.NoError(t, err)
	defer local.Close()
	assert.Equal(t, uint64(0), local.NextLeaf())

	require.NoError(t, local.Reset(1, true))
	assert.Equal(t, uint64(4), local.NextLeaf())
	leaves, err := local.Leaves()
	require.NoError(t, err)
	assert.Equal(t, bigs(1, 2, 3, 4), leaves)
	exists, err := local.CheckpointExists(1)
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestBlockCheckpoints(t *testing.T) {
	tdb := newTestTreeDB(t, TypeSynchronizer)
	defer tdb.Close()

	require.NoError(t, tdb.CommitBlock(1, false))
	require.NoError(t, tdb.AddLeaves(0, bigs(1, 2, 3, 4), big.NewInt(100)))
	require.NoError(t, tdb.CommitBlock(2, true))
	require.NoError(t, tdb.CommitBlock(3, false))
	require.NoError(t, tdb.AddNullifier(big.NewInt(77)))
	require.NoError(t, tdb.CommitBlock(4, true))
	require.NoError(t, tdb.CommitBlock(5, false))
	assert.Equal(t, common.BatchNum(2), tdb.CurrentBatch())

	expected := map[int64]common.BatchNum{0: 0, 1: 0, 2: 1, 3: 1, 4: 2, 5: 2, 9: 2}
	for blockNum, checkpoint := range expected {
		got, err := tdb.BlockCheckpoint(blockNum)
		require.NoError(t, err)
		assert.Equal(t, checkpoint, got, "block %d", blockNum)
	}

	// back to the state at block 3
	checkpoint, err := tdb.BlockCheckpoint(3)
	require.NoError(t, err)
	require.NoError(t, tdb.Reset(checkpoint))
	spent, err := tdb.IsSpent(big.NewInt(77))
	require.NoError(t, err)
	assert.False(t, spent)
	assert.Equal(t, uint64(4), tdb.NextLeaf())
	got, err := tdb.BlockCheckpoint(3)
	require.NoError(t, err)
	assert.Equal(t, common.BatchNum(1), got)
}
