package synchronizer

import (
	"context"
	"fmt"
	"math/big"
	"os"
	"testing"

	"shielded-pool/accumulator"
	"shielded-pool/common"
	"shielded-pool/database/treedb"
	"shielded-pool/log"
	"shielded-pool/test"

	ethCommon "github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var deleteme []string

var pool = ethCommon.HexToAddress("0x00000000000000000000000000000000000000aa")

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

type failingBlockStore struct {
	*MemoryBlockStore
	fail bool
}

func (f *failingBlockStore) AddBlock(block *common.Block) error {
	if f.fail {
		return common.Wrap(fmt.Errorf("block store unavailable"))
	}
	return f.MemoryBlockStore.AddBlock(block)
}

type testSync struct {
	ledger *test.Ledger
	treeDB *treedb.TreeDB
	blocks *failingBlockStore
	sync   *Synchronizer
}

func syncConfig(setup *test.LedgerSetup) Config {
	return Config{
		StatsUpdateBlockNumDiffThreshold: 100,
		StatsUpdateFrequencyDivider:      10,
		Tree: accumulator.Config{
			Height: setup.Height,
			Hasher: setup.Hasher,
		},
	}
}

func newTestSync(t *testing.T) *testSync {
	dir, err := os.MkdirTemp("", "tmpdb")
	require.NoError(t, err)
	deleteme = append(deleteme, dir)
	treeDB, err := treedb.NewTreeDB(treedb.Config{Path: dir, Keep: 128,
		Type: treedb.TypeSynchronizer})
	require.NoError(t, err)

	setup := test.NewLedgerSetupExample()
	ledger, err := test.NewLedger(true, test.NewFakeTimer(0), setup)
	require.NoError(t, err)
	blocks := &failingBlockStore{MemoryBlockStore: NewMemoryBlockStore()}
	s, err := NewSynchronizer(pool, ledger, blocks, treeDB, syncConfig(setup))
	require.NoError(t, err)
	return &testSync{ledger: ledger, treeDB: treeDB, blocks: blocks, sync: s}
}

func syncAll(t *testing.T, s *Synchronizer) []*common.BlockData {
	var synced []*common.BlockData
	for {
		blockData, discarded, err := s.Sync(context.Background(), nil)
		require.NoError(t, err)
		require.Nil(t, discarded)
		if blockData == nil {
			return synced
		}
		synced = append(synced, blockData)
	}
}

func enqueueAndInsert(t *testing.T, ledger *test.Ledger, from, n int64) {
	for i := from; i < from+n; i++ {
		ledger.CtlEnqueue(big.NewInt(i))
	}
	require.NoError(t, ledger.CtlInsertLeaves(int(n)))
}

func TestSyncInsertionsAndNullifiers(t *testing.T) {
	ts := newTestSync(t)
	defer ts.treeDB.Close()
	ctx := context.Background()

	synced := syncAll(t, ts.sync)
	require.Equal(t, 1, len(synced))
	assert.Equal(t, int64(1), synced[0].Block.Num)
	assert.Equal(t, 0, ts.sync.Tree().Len())

	enqueueAndInsert(t, ts.ledger, 1, 4)
	synced = syncAll(t, ts.sync)
	require.Equal(t, 1, len(synced))
	require.Equal(t, 1, len(synced[0].Insertions))
	assert.Equal(t, 4, ts.sync.Tree().Len())
	root, err := ts.ledger.Root(ctx)
	require.NoError(t, err)
	assert.Equal(t, root, ts.sync.Tree().Root())
	assert.Equal(t, uint64(4), ts.treeDB.NextLeaf())
	history, err := ts.treeDB.DepositHistory()
	require.NoError(t, err)
	assert.Equal(t, root, history[3])

	nullifier := big.NewInt(424242)
	require.NoError(t, ts.ledger.CtlSpend(nullifier))
	ts.ledger.CtlMineBlock()
	synced = syncAll(t, ts.sync)
	require.Equal(t, 1, len(synced))
	assert.Equal(t, []*big.Int{nullifier}, synced[0].Nullifiers)
	spent, err := ts.sync.IsSpent(ctx, nullifier)
	require.NoError(t, err)
	assert.True(t, spent)

	stats := ts.sync.Stats()
	assert.True(t, stats.Synced())
	assert.Equal(t, int64(3), stats.Sync.LastBlock.Num)
	assert.Equal(t, int64(2), stats.Sync.LastInsertionBlock)
	assert.Equal(t, uint64(4), stats.Sync.Leaves)
	assert.Equal(t, root, stats.Sync.Root)
}

func TestSyncReorg(t *testing.T) {
	ts := newTestSync(t)
	defer ts.treeDB.Close()
	ctx := context.Background()

	enqueueAndInsert(t, ts.ledger, 1, 4)
	nullifier := big.NewInt(7)
	require.NoError(t, ts.ledger.CtlSpend(nullifier))
	enqueueAndInsert(t, ts.ledger, 5, 2)
	synced := syncAll(t, ts.sync)
	require.Equal(t, 3, len(synced))
	assert.Equal(t, 6, ts.sync.Tree().Len())

	// Replace block 3 by one without events
	ts.ledger.CtlRollback()
	ts.ledger.CtlMineBlock()
	ts.ledger.CtlMineBlock()

	blockData, discarded, err := ts.sync.Sync(ctx, nil)
	require.NoError(t, err)
	assert.Nil(t, blockData)
	require.NotNil(t, discarded)
	assert.Equal(t, int64(1), *discarded)

	assert.Equal(t, 4, ts.sync.Tree().Len())
	spent, err := ts.treeDB.IsSpent(nullifier)
	require.NoError(t, err)
	assert.False(t, spent)
	last, err := ts.blocks.GetLastBlock()
	require.NoError(t, err)
	assert.Equal(t, int64(2), last.Num)

	synced = syncAll(t, ts.sync)
	require.Equal(t, 2, len(synced))
	assert.Equal(t, int64(4), synced[1].Block.Num)
	root, err := ts.ledger.Root(ctx)
	require.NoError(t, err)
	assert.Equal(t, root, ts.sync.Tree().Root())
}

func TestSyncResetOnError(t *testing.T) {
	ts := newTestSync(t)
	defer ts.treeDB.Close()
	syncAll(t, ts.sync)

	enqueueAndInsert(t, ts.ledger, 1, 4)
	ts.blocks.fail = true
	_, _, err := ts.sync.Sync(context.Background(), nil)
	require.Error(t, err)
	// The events were applied but the block was not stored
	assert.Equal(t, 0, ts.sync.Tree().Len())
	assert.Equal(t, uint64(0), ts.treeDB.NextLeaf())

	ts.blocks.fail = false
	synced := syncAll(t, ts.sync)
	require.Equal(t, 1, len(synced))
	assert.Equal(t, 4, ts.sync.Tree().Len())
}

func TestSyncRestart(t *testing.T) {
	ts := newTestSync(t)
	defer ts.treeDB.Close()

	enqueueAndInsert(t, ts.ledger, 1, 4)
	ts.ledger.CtlMineBlock()
	syncAll(t, ts.sync)

	s, err := NewSynchronizer(pool, ts.ledger, ts.blocks, ts.treeDB,
		syncConfig(test.NewLedgerSetupExample()))
	require.NoError(t, err)
	assert.Equal(t, 4, s.Tree().Len())
	assert.Equal(t, ts.sync.Tree().Root(), s.Tree().Root())
	assert.Equal(t, int64(3), s.Stats().Sync.LastBlock.Num)
}

func TestMemoryBlockStore(t *testing.T) {
	blocks := NewMemoryBlockStore()
	_, err := blocks.GetLastBlock()
	require.Error(t, err)

	for _, block := range test.GenBlocks(1, 5) {
		block := block
		require.NoError(t, blocks.AddBlock(&block))
	}
	block := test.GenBlocks(2, 3)[0]
	assert.Error(t, blocks.AddBlock(&block))

	require.NoError(t, blocks.Reorg(2))
	last, err := blocks.GetLastBlock()
	require.NoError(t, err)
	assert.Equal(t, int64(2), last.Num)
	_, err = blocks.GetBlock(3)
	assert.Error(t, err)
}
