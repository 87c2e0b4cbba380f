package coordinator

import (
	"context"
	"math/big"
	"os"
	"testing"
	"time"

	"shielded-pool/accumulator"
	"shielded-pool/batchbuilder"
	"shielded-pool/common"
	"shielded-pool/coordinator/prover"
	"shielded-pool/database/treedb"
	"shielded-pool/log"
	"shielded-pool/synchronizer"
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

func newDir(t *testing.T) string {
	dir, err := os.MkdirTemp("", "tmpdb")
	require.NoError(t, err)
	deleteme = append(deleteme, dir)
	return dir
}

type memoryBatchStore struct {
	batches []common.Batch
}

func (m *memoryBatchStore) AddBatch(batch *common.Batch) error {
	batch.ItemID = int64(len(m.batches) + 1)
	m.batches = append(m.batches, *batch)
	return nil
}

func (m *memoryBatchStore) UpdateBatch(batch *common.Batch) error {
	m.batches[batch.ItemID-1] = *batch
	return nil
}

type testPool struct {
	ledger  *test.Ledger
	sync    *synchronizer.Synchronizer
	updater *batchbuilder.BatchTreeUpdater
	cfg     PoolConfig
}

func newTestPool(t *testing.T) *testPool {
	ctx := context.Background()
	setup := test.NewLedgerSetupExample()
	ledger, err := test.NewLedger(true, test.NewFakeTimer(0), setup)
	require.NoError(t, err)

	syncDB, err := treedb.NewTreeDB(treedb.Config{Path: newDir(t), Keep: 128,
		Type: treedb.TypeSynchronizer})
	require.NoError(t, err)
	treeCfg := accumulator.Config{Height: setup.Height, Hasher: setup.Hasher}
	sync, err := synchronizer.NewSynchronizer(pool, ledger, synchronizer.NewMemoryBlockStore(),
		syncDB, synchronizer.Config{Tree: treeCfg})
	require.NoError(t, err)

	localDB, err := treedb.NewLocalTreeDB(treedb.Config{Path: newDir(t), Keep: 128,
		Type: treedb.TypeBatchBuilder}, syncDB)
	require.NoError(t, err)
	tree, err := accumulator.New(treeCfg)
	require.NoError(t, err)
	provers := prover.NewProversPool(1)
	provers.Add(ctx, prover.NewMockClient(0))
	updater, err := batchbuilder.NewBatchTreeUpdater(batchbuilder.Config{Pool: pool,
		Tree: tree, Prover: provers, TreeDB: localDB})
	require.NoError(t, err)

	return &testPool{
		ledger:  ledger,
		sync:    sync,
		updater: updater,
		cfg: PoolConfig{
			Pool:       pool,
			BatchSizes: []common.BatchSize{common.BatchSize4, common.BatchSize8},
			Updater:    updater,
			Queue:      ledger,
			Ledger:     ledger,
			SyncTreeDB: syncDB,
		},
	}
}

func (tp *testPool) enqueue(from, n int64) {
	for i := from; i < from+n; i++ {
		tp.ledger.CtlEnqueue(big.NewInt(1000 + i))
	}
	tp.ledger.CtlMineBlock()
}

func (tp *testPool) syncAll(t *testing.T) {
	for {
		blockData, discarded, err := tp.sync.Sync(context.Background(), nil)
		require.NoError(t, err)
		require.Nil(t, discarded)
		if blockData == nil {
			return
		}
	}
}

func testConfig() Config {
	return Config{
		MaxPendingBatches:      2,
		ForgeRetryInterval:     10 * time.Millisecond,
		SyncRetryInterval:      10 * time.Millisecond,
		EthClientAttempts:      2,
		EthClientAttemptsDelay: 10 * time.Millisecond,
	}
}

func TestSelectBatchSize(t *testing.T) {
	sizes := []common.BatchSize{common.BatchSize32, common.BatchSize16,
		common.BatchSize8, common.BatchSize4}
	testCases := []struct {
		start     uint64
		available uint64
		flush     bool
		height    int
		size      common.BatchSize
		ok        bool
	}{
		{start: 0, available: 40, height: 20, size: common.BatchSize32, ok: true},
		{start: 0, available: 20, height: 20, ok: false},
		{start: 0, available: 20, flush: true, height: 20, size: common.BatchSize16, ok: true},
		{start: 16, available: 20, height: 20, size: common.BatchSize16, ok: true},
		{start: 4, available: 100, height: 20, size: common.BatchSize4, ok: true},
		{start: 8, available: 7, flush: true, height: 20, size: common.BatchSize4, ok: true},
		{start: 0, available: 3, flush: true, height: 20, ok: false},
		// sizes that do not fit in the tree are ignored
		{start: 0, available: 40, height: 3, size: common.BatchSize8, ok: true},
	}
	for _, tc := range testCases {
		size, ok := selectBatchSize(sizes, tc.height, tc.start, tc.available, tc.flush)
		assert.Equal(t, tc.ok, ok, "start %d available %d", tc.start, tc.available)
		assert.Equal(t, tc.size, size, "start %d available %d", tc.start, tc.available)
	}
}

func TestNewCoordinatorConfig(t *testing.T) {
	tp := newTestPool(t)
	_, err := NewCoordinator(testConfig(), []PoolConfig{tp.cfg, tp.cfg}, nil)
	assert.Error(t, err)

	cfg := tp.cfg
	cfg.BatchSizes = []common.BatchSize{common.BatchSize(6)}
	_, err = NewCoordinator(testConfig(), []PoolConfig{cfg}, nil)
	assert.Equal(t, common.ErrInvalidBatchSize, common.Unwrap(err))

	cfg.BatchSizes = nil
	c, err := NewCoordinator(testConfig(), []PoolConfig{cfg}, nil)
	require.NoError(t, err)
	assert.Equal(t, []common.BatchSize{common.BatchSize32, common.BatchSize16,
		common.BatchSize8, common.BatchSize4}, c.pools[pool].batchSizes)
}

func TestHandleMsgUnknownPool(t *testing.T) {
	tp := newTestPool(t)
	c, err := NewCoordinator(testConfig(), []PoolConfig{tp.cfg}, nil)
	require.NoError(t, err)
	err = c.handleMsg(context.Background(), MsgSyncBlock{Pool: ethCommon.Address{}})
	assert.Equal(t, common.ErrUnrecognizedPool, common.Unwrap(err))
}

func proveBatch(t *testing.T, tp *testPool, size common.BatchSize) *BatchInfo {
	ctx := context.Background()
	start := uint64(tp.updater.Tree().Len())
	leaves := make([]*big.Int, size)
	for i := range leaves {
		var err error
		leaves[i], err = tp.ledger.Queue(ctx, start+uint64(i))
		require.NoError(t, err)
	}
	bp, err := tp.updater.GenerateProof(ctx, size, leaves)
	require.NoError(t, err)
	return &BatchInfo{
		PipelineNum: 1,
		Pool:        pool,
		BatchNum:    1,
		BatchSize:   size,
		StartIndex:  start,
		BatchProof:  bp,
		Debug:       Debug{StartTimestamp: time.Now(), Status: StatusProof},
	}
}

func TestTxManagerConfirmBatch(t *testing.T) {
	ctx := context.Background()
	tp := newTestPool(t)
	tp.enqueue(0, 4)
	history := &memoryBatchStore{}
	c, err := NewCoordinator(testConfig(), []PoolConfig{tp.cfg}, history)
	require.NoError(t, err)

	batchInfo := proveBatch(t, tp, common.BatchSize4)
	require.NoError(t, c.txManager.handleBatch(ctx, batchInfo))

	root, err := tp.ledger.Root(ctx)
	require.NoError(t, err)
	assert.Equal(t, root, tp.updater.Tree().Root())
	assert.Equal(t, 0, tp.updater.Pending())
	assert.Equal(t, common.BatchNum(1), c.txManager.lastSuccessBatch(pool))

	require.Equal(t, 1, len(history.batches))
	assert.Equal(t, string(StatusMined), history.batches[0].Status)
	assert.Equal(t, root, history.batches[0].NewRoot)
	assert.Equal(t, batchInfo.TxResult.TxHash, history.batches[0].EthTxHash)

	recent := c.txManager.recentBatches(pool)
	require.Equal(t, 1, len(recent))
	assert.Equal(t, StatusMined, recent[0].Debug.Status)
	assert.Equal(t, 1, recent[0].Debug.Attempts)
}

func TestTxManagerStaleRoot(t *testing.T) {
	ctx := context.Background()
	tp := newTestPool(t)
	tp.enqueue(0, 8)
	c, err := NewCoordinator(testConfig(), []PoolConfig{tp.cfg}, nil)
	require.NoError(t, err)

	batchInfo := proveBatch(t, tp, common.BatchSize4)
	// Another updater inserts the queued commitments first
	require.NoError(t, tp.ledger.CtlInsertLeaves(4))

	err = c.txManager.handleBatch(ctx, batchInfo)
	assert.Equal(t, common.ErrStaleRoot, common.Unwrap(err))
	assert.True(t, batchInfo.Fail)
	assert.Equal(t, StatusFailed, batchInfo.Debug.Status)
	assert.Equal(t, 0, tp.updater.Pending())
	assert.Equal(t, 0, tp.updater.Tree().Len())

	msg := <-c.msgCh
	stop, ok := msg.(MsgStopPipeline)
	require.True(t, ok)
	assert.Equal(t, pool, stop.Pool)
	assert.Equal(t, common.BatchNum(1), stop.FailedBatchNum)

	// Later batches of the failed pipeline are discarded
	next := proveBatch(t, tp, common.BatchSize4)
	require.NoError(t, c.txManager.handleBatch(ctx, next))
	assert.Equal(t, StatusProof, next.Debug.Status)
	require.NoError(t, tp.updater.Rollback(next.BatchProof))
}

func TestCoordinatorInsertsQueue(t *testing.T) {
	ctx := context.Background()
	tp := newTestPool(t)
	c, err := NewCoordinator(testConfig(), []PoolConfig{tp.cfg}, nil)
	require.NoError(t, err)
	c.Start()
	defer c.Stop()

	tp.enqueue(0, 12)
	require.Eventually(t, func() bool {
		tp.syncAll(t)
		c.SendMsg(ctx, MsgSyncBlock{Pool: pool, Stats: *tp.sync.Stats()})
		leaves, err := tp.ledger.LeafCount(ctx)
		require.NoError(t, err)
		return leaves == 12
	}, 5*time.Second, 20*time.Millisecond)

	tp.syncAll(t)
	root, err := tp.ledger.Root(ctx)
	require.NoError(t, err)
	assert.Equal(t, root, tp.sync.Tree().Root())

	require.Eventually(t, func() bool {
		statuses, err := c.Status()
		require.NoError(t, err)
		require.Equal(t, 1, len(statuses))
		status := statuses[0]
		return status.Leaves == 12 && status.PendingBatches == 0 &&
			len(status.RecentBatches) == 2 &&
			status.RecentBatches[1].Debug.Status == StatusMined
	}, 5*time.Second, 20*time.Millisecond)

	statuses, err := c.Status()
	require.NoError(t, err)
	assert.Equal(t, common.BatchSize8, statuses[0].RecentBatches[0].BatchSize)
	assert.Equal(t, common.BatchSize4, statuses[0].RecentBatches[1].BatchSize)
	assert.Equal(t, root, statuses[0].Root)
	assert.NotZero(t, statuses[0].PipelineNum)
}
