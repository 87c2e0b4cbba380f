package kvdb

import (
	"fmt"
	"os"
	"path"
	"testing"

	"shielded-pool/common"

	"github.com/iden3/go-merkletree/db"
	"github.com/iden3/go-merkletree/db/pebble"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func addLeaves(t *testing.T, k *KVDB, n uint64) {
	tx, err := k.DB().NewTx()
	require.NoError(t, err)
	for i := k.NextLeaf; i < k.NextLeaf+n; i++ {
		require.NoError(t, tx.Put([]byte(fmt.Sprintf("leaf%d", i)), []byte{byte(i)}))
	}
	require.NoError(t, k.SetNextLeaf(tx, k.NextLeaf+n))
	require.NoError(t, tx.Commit())
}

func TestCheckpointAndReset(t *testing.T) {
	dir := t.TempDir()
	k, err := NewKVDB(Config{Path: dir})
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		addLeaves(t, k, 4)
		require.NoError(t, k.MakeCheckpoint())
	}
	assert.Equal(t, common.BatchNum(5), k.CurrentBatch)
	assert.Equal(t, uint64(20), k.NextLeaf)
	for bn := common.BatchNum(1); bn <= 5; bn++ {
		exists, err := k.CheckpointExists(bn)
		require.NoError(t, err)
		assert.True(t, exists)
	}

	require.NoError(t, k.Reset(3))
	assert.Equal(t, common.BatchNum(3), k.CurrentBatch)
	assert.Equal(t, uint64(12), k.NextLeaf)
	_, err = k.DB().Get([]byte("leaf12"))
	assert.Equal(t, db.ErrNotFound, common.Unwrap(err))
	exists, err := k.CheckpointExists(4)
	require.NoError(t, err)
	assert.False(t, exists)

	require.NoError(t, k.Reset(0))
	assert.Equal(t, common.BatchNum(0), k.CurrentBatch)
	assert.Equal(t, uint64(0), k.NextLeaf)
	k.Close()
}

func TestReopenRestoresLastBatch(t *testing.T) {
	dir := t.TempDir()
	k, err := NewKVDB(Config{Path: dir})
	require.NoError(t, err)
	addLeaves(t, k, 4)
	require.NoError(t, k.MakeCheckpoint())
	// leaves without a checkpoint are discarded on reopen
	addLeaves(t, k, 4)
	k.Close()

	k, err = NewKVDB(Config{Path: dir})
	require.NoError(t, err)
	defer k.Close()
	assert.Equal(t, common.BatchNum(1), k.CurrentBatch)
	assert.Equal(t, uint64(4), k.NextLeaf)
}

func TestDeleteOldCheckpoints(t *testing.T) {
	dir := t.TempDir()
	k, err := NewKVDB(Config{Path: dir, Keep: 2})
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		addLeaves(t, k, 1)
		require.NoError(t, k.MakeCheckpoint())
	}
	require.NoError(t, k.DeleteOldCheckpoints())
	list, err := k.listCheckpoints()
	require.NoError(t, err)
	assert.Equal(t, []common.BatchNum{4, 5}, list)
	k.Close()
}

func TestCheckpointGap(t *testing.T) {
	dir := t.TempDir()
	k, err := NewKVDB(Config{Path: dir})
	require.NoError(t, err)
	defer k.Close()
	for i := 0; i < 3; i++ {
		addLeaves(t, k, 1)
		require.NoError(t, k.MakeCheckpoint())
	}
	require.NoError(t, os.RemoveAll(path.Join(dir, fmt.Sprintf("%s%d", PathBatchNum, 2))))
	_, err = k.listCheckpoints()
	assert.Error(t, err)
}

func TestLastRead(t *testing.T) {
	k, err := NewKVDB(Config{Path: t.TempDir()})
	require.NoError(t, err)
	defer k.Close()
	addLeaves(t, k, 2)

	// the last copy only sees checkpointed data
	require.NoError(t, k.LastRead(func(sto *pebble.Storage) error {
		_, err := sto.Get([]byte("leaf0"))
		assert.Equal(t, db.ErrNotFound, common.Unwrap(err))
		return nil
	}))
	require.NoError(t, k.MakeCheckpoint())
	require.NoError(t, k.LastRead(func(sto *pebble.Storage) error {
		v, err := sto.Get([]byte("leaf1"))
		require.NoError(t, err)
		assert.Equal(t, []byte{1}, v)
		return nil
	}))

	noLast, err := NewKVDB(Config{Path: t.TempDir(), NoLast: true})
	require.NoError(t, err)
	defer noLast.Close()
	err = noLast.LastRead(func(*pebble.Storage) error { return nil })
	assert.Equal(t, ErrNoLast, common.Unwrap(err))
}

func TestResetFromSynchronizer(t *testing.T) {
	syncKV, err := NewKVDB(Config{Path: t.TempDir()})
	require.NoError(t, err)
	defer syncKV.Close()
	for i := 0; i < 3; i++ {
		addLeaves(t, syncKV, 4)
		require.NoError(t, syncKV.MakeCheckpoint())
	}

	local, err := NewKVDB(Config{Path: t.TempDir(), NoLast: true})
	require.NoError(t, err)
	defer local.Close()
	addLeaves(t, local, 1)
	require.NoError(t, local.MakeCheckpoint())

	require.NoError(t, local.ResetFromSynchronizer(2, syncKV))
	assert.Equal(t, common.BatchNum(2), local.CurrentBatch)
	assert.Equal(t, uint64(8), local.NextLeaf)
	exists, err := local.CheckpointExists(1)
	require.NoError(t, err)
	assert.False(t, exists)
	exists, err = local.CheckpointExists(2)
	require.NoError(t, err)
	assert.True(t, exists)

	// new batches follow the copied checkpoint
	addLeaves(t, local, 4)
	require.NoError(t, local.MakeCheckpoint())
	assert.Equal(t, common.BatchNum(3), local.CurrentBatch)

	assert.Error(t, local.ResetFromSynchronizer(9, syncKV))
	assert.Error(t, local.ResetFromSynchronizer(1, nil))
}
