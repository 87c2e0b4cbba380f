package queuedb

import (
	"context"
	"database/sql"
	"math"
	"math/big"
	"os"
	"testing"
	"time"

	"shielded-pool/common"
	"shielded-pool/database"
	"shielded-pool/log"
	"shielded-pool/test"

	ethCommon "github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var queueDB *QueueDB

func TestMain(m *testing.M) {
	log.Init("debug", []string{"stdout"})
	db, err := database.InitTestSQLDB()
	if err != nil {
		log.Warnw("skipping QueueDB tests, no test database", "err", err)
		os.Exit(0)
	}
	apiConnCon := database.NewAPIConnectionController(1, time.Second)
	queueDB = NewQueueDB(db, db, apiConnCon)

	result := m.Run()
	if err := db.Close(); err != nil {
		log.Error("Error closing the queue DB", err)
	}
	os.Exit(result)
}

var (
	poolA = ethCommon.HexToAddress("0x00000000000000000000000000000000000000aa")
	poolB = ethCommon.HexToAddress("0x00000000000000000000000000000000000000bb")
)

func newDeposit(pool ethCommon.Address, i int64) *common.QueuedDeposit {
	return test.GenDeposit(pool, test.GenAssets(1)[0], i)
}

func TestDepositQueue(t *testing.T) {
	test.WipeDB(queueDB.DB())
	ctx := context.Background()

	next, err := queueDB.NextIndex(ctx, poolA)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), next)

	for i := int64(0); i < 5; i++ {
		index, err := queueDB.AppendDeposit(ctx, newDeposit(poolA, i))
		require.NoError(t, err)
		assert.Equal(t, uint64(i), index)
	}
	index, err := queueDB.AppendDeposit(ctx, newDeposit(poolB, 0))
	require.NoError(t, err)
	assert.Equal(t, uint64(0), index)

	next, err = queueDB.NextIndex(ctx, poolA)
	require.NoError(t, err)
	assert.Equal(t, uint64(5), next)

	d, err := queueDB.GetDeposit(ctx, poolA, 3)
	require.NoError(t, err)
	expected := newDeposit(poolA, 3)
	expected.QueueIndex = 3
	expected.ItemID = d.ItemID
	assert.Equal(t, expected, d)

	_, err = queueDB.GetDeposit(ctx, poolA, 5)
	assert.Equal(t, common.ErrIndexOutOfRange, common.Unwrap(err))

	// range queries stop at the end of the queue
	deposits, err := queueDB.GetDeposits(ctx, poolA, 3, 10)
	require.NoError(t, err)
	require.Equal(t, 2, len(deposits))
	assert.Equal(t, uint64(3), deposits[0].QueueIndex)
	assert.Equal(t, uint64(4), deposits[1].QueueIndex)
	deposits, err = queueDB.GetDeposits(ctx, poolA, 1, math.MaxUint64)
	require.NoError(t, err)
	require.Equal(t, 4, len(deposits))
	assert.Equal(t, uint64(1), deposits[0].QueueIndex)
	deposits, err = queueDB.GetDeposits(ctx, poolA, math.MaxUint64, 1)
	require.NoError(t, err)
	assert.Equal(t, 0, len(deposits))

	deposits, err = queueDB.GetDepositsAPI(ctx, poolB, 0, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, len(deposits))
}

func TestAssets(t *testing.T) {
	test.WipeDB(queueDB.DB())
	assets := []common.Asset{
		{AssetID: big.NewInt(1), TokenID: big.NewInt(0),
			Wrapped: ethCommon.BigToAddress(big.NewInt(2)), Unwrapped: ethCommon.BigToAddress(big.NewInt(1)),
			Symbol: "WETH"},
		{AssetID: big.NewInt(2), TokenID: big.NewInt(5),
			Wrapped: ethCommon.BigToAddress(big.NewInt(4)), Unwrapped: ethCommon.BigToAddress(big.NewInt(3)),
			Symbol: "NFT"},
	}
	require.NoError(t, queueDB.AddAssets(assets))
	dbAssets, err := queueDB.GetAssets()
	require.NoError(t, err)
	assert.Equal(t, assets, dbAssets)
}

func TestBatchHistoryAndReorg(t *testing.T) {
	test.WipeDB(queueDB.DB())
	blocks := test.GenBlocks(1, 3)
	require.NoError(t, queueDB.AddBlocks(poolA, blocks))
	lastBlock, err := queueDB.GetLastBlock(poolA)
	require.NoError(t, err)
	assert.Equal(t, int64(2), lastBlock.Num)

	for i := 0; i < 2; i++ {
		batch := &common.Batch{
			Pool:        poolA,
			BatchNum:    common.BatchNum(i + 1),
			StartIndex:  uint64(4 * i),
			Size:        4,
			OldRoot:     big.NewInt(int64(10 + i)),
			NewRoot:     big.NewInt(int64(11 + i)),
			PathIndices: int64(i),
			ArgsHash:    big.NewInt(int64(99 + i)),
			EthBlockNum: int64(i + 1),
			Status:      "pending",
			Timestamp:   time.Date(2024, 1, 1, 0, 0, i, 0, time.UTC),
		}
		require.NoError(t, queueDB.AddBatch(batch))
		assert.NotEqual(t, int64(0), batch.ItemID)
		batch.Status = "mined"
		batch.GasUsed = 21000
		require.NoError(t, queueDB.UpdateBatch(batch))
	}
	batches, err := queueDB.GetBatchesAPI(poolA)
	require.NoError(t, err)
	require.Equal(t, 2, len(batches))
	assert.Equal(t, "mined", batches[1].Status)
	assert.Equal(t, uint64(21000), batches[1].GasUsed)

	require.NoError(t, queueDB.Reorg(poolA, 1))
	last, err := queueDB.GetLastBatch(poolA)
	require.NoError(t, err)
	assert.Equal(t, common.BatchNum(1), last.BatchNum)
	lastBlock, err = queueDB.GetLastBlock(poolA)
	require.NoError(t, err)
	assert.Equal(t, int64(1), lastBlock.Num)
}

func TestBlockStore(t *testing.T) {
	test.WipeDB(queueDB.DB())
	blocksA := queueDB.BlockStore(poolA)
	blocksB := queueDB.BlockStore(poolB)
	_, err := blocksA.GetLastBlock()
	assert.Equal(t, sql.ErrNoRows, common.Unwrap(err))

	for _, block := range test.GenBlocks(1, 4) {
		block := block
		require.NoError(t, blocksA.AddBlock(&block))
	}
	for _, block := range test.GenBlocks(1, 2) {
		block := block
		require.NoError(t, blocksB.AddBlock(&block))
	}
	block, err := blocksA.GetBlock(2)
	require.NoError(t, err)
	assert.Equal(t, test.GenBlocks(2, 3)[0].Hash, block.Hash)

	require.NoError(t, blocksA.Reorg(1))
	last, err := blocksA.GetLastBlock()
	require.NoError(t, err)
	assert.Equal(t, int64(1), last.Num)
	_, err = blocksA.GetBlock(2)
	assert.Equal(t, sql.ErrNoRows, common.Unwrap(err))
	last, err = blocksB.GetLastBlock()
	require.NoError(t, err)
	assert.Equal(t, int64(1), last.Num)
}
