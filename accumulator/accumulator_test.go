package accumulator

import (
	"math/big"
	"sync"
	"testing"

	"shielded-pool/common"
	"shielded-pool/log"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	log.Init("debug", []string{"stdout"})
}

func leaves(from, n int) []*big.Int {
	out := make([]*big.Int, n)
	for i := range out {
		out[i] = big.NewInt(int64(from + i + 1))
	}
	return out
}

func newTestAccumulator(t *testing.T, height int) *Accumulator {
	acc, err := New(Config{Height: height})
	require.NoError(t, err)
	return acc
}

func TestNewInvalidHeight(t *testing.T) {
	_, err := New(Config{Height: 0})
	assert.Error(t, err)
	_, err = New(Config{Height: MaxHeight + 1})
	assert.Error(t, err)
	_, err = New(Config{Height: 4, ZeroValue: common.FieldModulus()})
	assert.Equal(t, common.ErrNotInFF, common.Unwrap(err))
}

func TestZeroHashes(t *testing.T) {
	acc := newTestAccumulator(t, 3)
	zeros := acc.Zeros()
	require.Equal(t, 4, len(zeros))
	assert.Equal(t, DefaultZeroValue, zeros[0])
	for i := 1; i < len(zeros); i++ {
		h, err := common.Poseidon(zeros[i-1], zeros[i-1])
		require.NoError(t, err)
		assert.Equal(t, h, zeros[i])
	}
	// empty tree root is the top zero hash
	assert.Equal(t, zeros[3], acc.Root())
	assert.Equal(t, uint64(8), acc.Capacity())
}

func TestRootTwoLeaves(t *testing.T) {
	acc := newTestAccumulator(t, 2)
	a, b := big.NewInt(11), big.NewInt(22)
	require.NoError(t, acc.Insert(a))
	require.NoError(t, acc.Insert(b))

	zeros := acc.Zeros()
	ab, err := common.Poseidon(a, b)
	require.NoError(t, err)
	expected, err := common.Poseidon(ab, zeros[1])
	require.NoError(t, err)
	assert.Equal(t, expected, acc.Root())
}

func TestBulkInsertMatchesInsert(t *testing.T) {
	for _, hasherName := range []string{common.HasherPoseidon, common.HasherMiMC} {
		hasher, err := common.NewHasher(hasherName)
		require.NoError(t, err)
		for _, n := range []int{1, 2, 3, 4, 5, 7, 8, 13, 16} {
			seq, err := New(Config{Height: 4, Hasher: hasher})
			require.NoError(t, err)
			bulk, err := New(Config{Height: 4, Hasher: hasher})
			require.NoError(t, err)

			values := leaves(0, n)
			for _, v := range values {
				require.NoError(t, seq.Insert(v))
			}
			require.NoError(t, bulk.BulkInsert(values))
			assert.Equal(t, seq.Root(), bulk.Root(), "%s n=%d", hasherName, n)
			assert.Equal(t, n, bulk.Len())
		}
	}
}

func TestBulkInsertOnNonEmptyTree(t *testing.T) {
	seq := newTestAccumulator(t, 5)
	bulk := newTestAccumulator(t, 5)
	values := leaves(0, 19)
	for _, v := range values {
		require.NoError(t, seq.Insert(v))
	}
	// uneven chunks starting at odd and even offsets
	require.NoError(t, bulk.BulkInsert(values[:3]))
	require.NoError(t, bulk.BulkInsert(values[3:8]))
	require.NoError(t, bulk.Insert(values[8]))
	require.NoError(t, bulk.BulkInsert(values[9:19]))
	assert.Equal(t, seq.Root(), bulk.Root())

	for i := range values {
		p1, err := seq.Path(i)
		require.NoError(t, err)
		p2, err := bulk.Path(i)
		require.NoError(t, err)
		assert.Equal(t, p1, p2)
	}
}

func TestCapacity(t *testing.T) {
	acc := newTestAccumulator(t, 2)
	for _, v := range leaves(0, 4) {
		require.NoError(t, acc.Insert(v))
	}
	err := acc.Insert(big.NewInt(100))
	assert.Equal(t, common.ErrCapacityExceeded, common.Unwrap(err))
	assert.Equal(t, 4, acc.Len())

	bulk := newTestAccumulator(t, 2)
	err = bulk.BulkInsert(leaves(0, 5))
	assert.Equal(t, common.ErrCapacityExceeded, common.Unwrap(err))
	assert.Equal(t, 0, bulk.Len())
	assert.Equal(t, bulk.Zeros()[2], bulk.Root())
	require.NoError(t, bulk.BulkInsert(leaves(0, 4)))
	assert.Equal(t, acc.Root(), bulk.Root())
}

func TestNotInField(t *testing.T) {
	acc := newTestAccumulator(t, 3)
	err := acc.Insert(common.FieldModulus())
	assert.Equal(t, common.ErrNotInFF, common.Unwrap(err))
	err = acc.BulkInsert([]*big.Int{big.NewInt(1), big.NewInt(-1)})
	assert.Equal(t, common.ErrNotInFF, common.Unwrap(err))
	assert.Equal(t, 0, acc.Len())
}

func TestPathInclusion(t *testing.T) {
	acc := newTestAccumulator(t, 4)
	values := leaves(0, 11)
	require.NoError(t, acc.BulkInsert(values))
	root := acc.Root()
	for i, v := range values {
		path, err := acc.Path(i)
		require.NoError(t, err)
		assert.Equal(t, v, path.Element)
		assert.Equal(t, root, path.Root)
		assert.Equal(t, 4, len(path.PathElements))
		assert.Equal(t, uint8(i%2), path.PathIndices[0])
		ok, err := VerifyPath(acc.Hasher(), path)
		require.NoError(t, err)
		assert.True(t, ok, "leaf %d", i)
	}

	// a tampered sibling does not reproduce the root
	path, err := acc.Path(3)
	require.NoError(t, err)
	path.PathElements[1] = big.NewInt(42)
	ok, err := VerifyPath(acc.Hasher(), path)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = acc.Path(-1)
	assert.Equal(t, common.ErrIndexOutOfRange, common.Unwrap(err))
	_, err = acc.Path(11)
	assert.Equal(t, common.ErrIndexOutOfRange, common.Unwrap(err))
}

func TestIndexOfAndElement(t *testing.T) {
	acc := newTestAccumulator(t, 3)
	require.NoError(t, acc.BulkInsert([]*big.Int{big.NewInt(5), big.NewInt(6), big.NewInt(5)}))
	assert.Equal(t, 0, acc.IndexOf(big.NewInt(5)))
	assert.Equal(t, 1, acc.IndexOf(big.NewInt(6)))
	assert.Equal(t, -1, acc.IndexOf(big.NewInt(7)))

	e, err := acc.Element(2)
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(5), e)
	_, err = acc.Element(3)
	assert.Equal(t, common.ErrIndexOutOfRange, common.Unwrap(err))
}

func TestUpdate(t *testing.T) {
	acc := newTestAccumulator(t, 3)
	require.NoError(t, acc.BulkInsert(leaves(0, 5)))
	require.NoError(t, acc.Update(2, big.NewInt(99)))

	expected := newTestAccumulator(t, 3)
	values := leaves(0, 5)
	values[2] = big.NewInt(99)
	require.NoError(t, expected.BulkInsert(values))
	assert.Equal(t, expected.Root(), acc.Root())

	err := acc.Update(5, big.NewInt(1))
	assert.Equal(t, common.ErrIndexOutOfRange, common.Unwrap(err))
}

func TestSnapshotRestore(t *testing.T) {
	acc := newTestAccumulator(t, 5)
	require.NoError(t, acc.BulkInsert(leaves(0, 6)))
	snapshot := acc.Snapshot()
	pathBefore, err := acc.Path(5)
	require.NoError(t, err)

	require.NoError(t, acc.BulkInsert(leaves(6, 8)))
	assert.NotEqual(t, snapshot.Root, acc.Root())

	require.NoError(t, acc.Restore(snapshot))
	assert.Equal(t, 6, acc.Len())
	assert.Equal(t, snapshot.Root, acc.Root())
	pathAfter, err := acc.Path(5)
	require.NoError(t, err)
	assert.Equal(t, pathBefore, pathAfter)

	// inserting after a restore behaves as if the rolled back leaves never
	// existed
	require.NoError(t, acc.BulkInsert(leaves(100, 3)))
	expected := newTestAccumulator(t, 5)
	require.NoError(t, expected.BulkInsert(append(leaves(0, 6), leaves(100, 3)...)))
	assert.Equal(t, expected.Root(), acc.Root())

	require.NoError(t, acc.Truncate(0))
	assert.Equal(t, acc.Zeros()[5], acc.Root())
	assert.Error(t, acc.Truncate(1))
}

func TestRestoreDetectsModifiedLeaves(t *testing.T) {
	acc := newTestAccumulator(t, 3)
	require.NoError(t, acc.BulkInsert(leaves(0, 3)))
	snapshot := acc.Snapshot()
	require.NoError(t, acc.Insert(big.NewInt(50)))
	require.NoError(t, acc.Update(0, big.NewInt(51)))
	assert.Error(t, acc.Restore(snapshot))
}

func TestConcurrentInsert(t *testing.T) {
	acc := newTestAccumulator(t, 8)
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for _, v := range leaves(w*16, 16) {
				require.NoError(t, acc.Insert(v))
				_ = acc.Root()
			}
		}(w)
	}
	wg.Wait()
	assert.Equal(t, 128, acc.Len())
	for i := 0; i < acc.Len(); i += 17 {
		path, err := acc.Path(i)
		require.NoError(t, err)
		ok, err := VerifyPath(acc.Hasher(), path)
		require.NoError(t, err)
		assert.True(t, ok)
	}
}
