package queuedb

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"time"

	"shielded-pool/common"
	"shielded-pool/database"

	ethCommon "github.com/ethereum/go-ethereum/common"
	"github.com/jmoiron/sqlx"
	"github.com/russross/meddler"
)

// QueueDB persists the deposit queues of the pools, the registered assets
// and the batch history
type QueueDB struct {
	dbRead     *sqlx.DB
	dbWrite    *sqlx.DB
	apiConnCon *database.APIConnectionController
}

// NewQueueDB initialize the DB
func NewQueueDB(dbRead, dbWrite *sqlx.DB, apiConnCon *database.APIConnectionController) *QueueDB {
	return &QueueDB{
		dbRead:     dbRead,
		dbWrite:    dbWrite,
		apiConnCon: apiConnCon,
	}
}

// DB returns a pointer to the QueueDB.db. This method should be used only
// for internal testing purposes.
func (qdb *QueueDB) DB() *sqlx.DB {
	return qdb.dbWrite
}

// poolBlock is a synced block of a pool, as stored in the block table
type poolBlock struct {
	Pool      ethCommon.Address `meddler:"pool_addr"`
	Num       int64             `meddler:"eth_block_num"`
	Timestamp time.Time         `meddler:"timestamp,utctime"`
	Hash      ethCommon.Hash    `meddler:"hash"`
}

func newPoolBlock(pool ethCommon.Address, block *common.Block) poolBlock {
	return poolBlock{Pool: pool, Num: block.Num, Timestamp: block.Timestamp, Hash: block.Hash}
}

// AddBlock insert a synced block of a pool into the DB
func (qdb *QueueDB) AddBlock(pool ethCommon.Address, block *common.Block) error {
	return qdb.addBlock(qdb.dbWrite, pool, block)
}
func (qdb *QueueDB) addBlock(d meddler.DB, pool ethCommon.Address, block *common.Block) error {
	row := newPoolBlock(pool, block)
	return common.Wrap(meddler.Insert(d, "block", &row))
}

// AddBlocks inserts synced blocks of a pool into the DB
func (qdb *QueueDB) AddBlocks(pool ethCommon.Address, blocks []common.Block) error {
	rows := make([]poolBlock, len(blocks))
	for i := range blocks {
		rows[i] = newPoolBlock(pool, &blocks[i])
	}
	return common.Wrap(database.BulkInsert(
		qdb.dbWrite,
		`INSERT INTO block (
			pool_addr,
			eth_block_num,
			timestamp,
			hash
		) VALUES %s;`,
		rows,
	))
}

// GetBlock retrieve a synced block of a pool by its number
func (qdb *QueueDB) GetBlock(pool ethCommon.Address, blockNum int64) (*common.Block, error) {
	block := &common.Block{}
	err := meddler.QueryRow(
		qdb.dbRead, block,
		`SELECT eth_block_num, timestamp, hash FROM block
		WHERE pool_addr = $1 AND eth_block_num = $2;`,
		pool, blockNum,
	)
	return block, common.Wrap(err)
}

// GetLastBlock retrieve the synced block of a pool with the highest block
// number from the DB
func (qdb *QueueDB) GetLastBlock(pool ethCommon.Address) (*common.Block, error) {
	block := &common.Block{}
	err := meddler.QueryRow(
		qdb.dbRead, block,
		`SELECT eth_block_num, timestamp, hash FROM block
		WHERE pool_addr = $1 ORDER BY eth_block_num DESC LIMIT 1;`,
		pool,
	)
	return block, common.Wrap(err)
}

// Reorg deletes all the information of a pool that was added into the DB
// after the lastValidBlock.  If lastValidBlock is negative, all block
// information of the pool is deleted.
func (qdb *QueueDB) Reorg(pool ethCommon.Address, lastValidBlock int64) error {
	txn, err := qdb.dbWrite.Beginx()
	if err != nil {
		return common.Wrap(err)
	}
	defer func() {
		if err != nil {
			database.Rollback(txn)
		}
	}()
	if _, err = txn.Exec("DELETE FROM pool_batch WHERE pool_addr = $1 AND eth_block_num > $2;",
		pool, lastValidBlock); err != nil {
		return common.Wrap(err)
	}
	if _, err = txn.Exec("DELETE FROM block WHERE pool_addr = $1 AND eth_block_num > $2;",
		pool, lastValidBlock); err != nil {
		return common.Wrap(err)
	}
	return common.Wrap(txn.Commit())
}

// BlockStore returns the synced blocks of pool
func (qdb *QueueDB) BlockStore(pool ethCommon.Address) *BlockStore {
	return &BlockStore{qdb: qdb, pool: pool}
}

// BlockStore is the view of the synced blocks of a single pool
type BlockStore struct {
	qdb  *QueueDB
	pool ethCommon.Address
}

// AddBlock stores a synced block
func (b *BlockStore) AddBlock(block *common.Block) error { return b.qdb.AddBlock(b.pool, block) }

// GetBlock returns a synced block
func (b *BlockStore) GetBlock(blockNum int64) (*common.Block, error) {
	return b.qdb.GetBlock(b.pool, blockNum)
}

// GetLastBlock returns the last synced block, sql.ErrNoRows if there is none
func (b *BlockStore) GetLastBlock() (*common.Block, error) { return b.qdb.GetLastBlock(b.pool) }

// Reorg discards the blocks after lastValidBlock
func (b *BlockStore) Reorg(lastValidBlock int64) error { return b.qdb.Reorg(b.pool, lastValidBlock) }

// AddAssets inserts assets into the registry
func (qdb *QueueDB) AddAssets(assets []common.Asset) error {
	return common.Wrap(database.BulkInsert(
		qdb.dbWrite,
		`INSERT INTO asset (
			asset_id,
			token_id,
			wrapped_addr,
			unwrapped_addr,
			symbol
		) VALUES %s;`,
		assets,
	))
}

// GetAssets returns every registered asset
func (qdb *QueueDB) GetAssets() ([]common.Asset, error) {
	var assets []*common.Asset
	err := meddler.QueryAll(
		qdb.dbRead, &assets,
		`SELECT asset_id, token_id, wrapped_addr, unwrapped_addr, symbol
		FROM asset ORDER BY item_id;`,
	)
	return database.SlicePtrsToSlice(assets).([]common.Asset), common.Wrap(err)
}

// AppendDeposit stores deposit at the next index of its pool queue, which
// is written to deposit.QueueIndex and returned.  Concurrent appends to the
// same pool are serialized by the (pool_addr, queue_index) uniqueness
// constraint: the loser fails instead of leaving a gap.
func (qdb *QueueDB) AppendDeposit(ctx context.Context, deposit *common.QueuedDeposit) (uint64, error) {
	txn, err := qdb.dbWrite.BeginTxx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return 0, common.Wrap(err)
	}
	defer func() {
		if err != nil {
			database.Rollback(txn)
		}
	}()
	var next uint64
	if next, err = qdb.nextIndex(txn, deposit.Pool); err != nil {
		return 0, common.Wrap(err)
	}
	deposit.QueueIndex = next
	if deposit.Timestamp.IsZero() {
		deposit.Timestamp = time.Now().UTC()
	}
	if err = meddler.Insert(txn, "queued_deposit", deposit); err != nil {
		return 0, common.Wrap(err)
	}
	if err = txn.Commit(); err != nil {
		return 0, common.Wrap(err)
	}
	return next, nil
}

// NextIndex returns the index that the next deposit of pool will take
func (qdb *QueueDB) NextIndex(ctx context.Context, pool ethCommon.Address) (uint64, error) {
	return qdb.nextIndex(qdb.dbRead, pool)
}

func (qdb *QueueDB) nextIndex(d sqlx.Queryer, pool ethCommon.Address) (uint64, error) {
	row := d.QueryRowx(
		`SELECT COALESCE(MAX(queue_index) + 1, 0) FROM queued_deposit WHERE pool_addr = $1;`,
		pool,
	)
	var next uint64
	return next, common.Wrap(row.Scan(&next))
}

// GetDeposit returns the deposit at index of the pool queue
func (qdb *QueueDB) GetDeposit(ctx context.Context, pool ethCommon.Address,
	index uint64) (*common.QueuedDeposit, error) {
	deposit := &common.QueuedDeposit{}
	err := meddler.QueryRow(
		qdb.dbRead, deposit,
		`SELECT * FROM queued_deposit WHERE pool_addr = $1 AND queue_index = $2;`,
		pool, index,
	)
	if err == sql.ErrNoRows {
		return nil, common.Wrap(common.ErrIndexOutOfRange)
	}
	return deposit, common.Wrap(err)
}

// GetDeposits returns up to count deposits of the pool queue starting at
// start, in index order
func (qdb *QueueDB) GetDeposits(ctx context.Context, pool ethCommon.Address,
	start, count uint64) ([]common.QueuedDeposit, error) {
	return qdb.getDeposits(qdb.dbRead, pool, start, count)
}

func (qdb *QueueDB) getDeposits(d meddler.DB, pool ethCommon.Address,
	start, count uint64) ([]common.QueuedDeposit, error) {
	// postgres BIGINT can't hold larger indices
	if start > math.MaxInt64 {
		return []common.QueuedDeposit{}, nil
	}
	if count > math.MaxInt64 {
		count = math.MaxInt64
	}
	var deposits []*common.QueuedDeposit
	err := meddler.QueryAll(
		d, &deposits,
		`SELECT * FROM queued_deposit
		WHERE pool_addr = $1 AND queue_index >= $2
		ORDER BY queue_index LIMIT $3;`,
		pool, int64(start), int64(count),
	)
	return database.SlicePtrsToSlice(deposits).([]common.QueuedDeposit), common.Wrap(err)
}

// AddBatch inserts a batch of the history
func (qdb *QueueDB) AddBatch(batch *common.Batch) error {
	return common.Wrap(meddler.Insert(qdb.dbWrite, "pool_batch", batch))
}

// UpdateBatch updates a batch of the history previously inserted
func (qdb *QueueDB) UpdateBatch(batch *common.Batch) error {
	if batch.ItemID == 0 {
		return common.Wrap(fmt.Errorf("batch %d of pool %v was not inserted",
			batch.BatchNum, batch.Pool))
	}
	return common.Wrap(meddler.Update(qdb.dbWrite, "pool_batch", batch))
}

// GetBatches returns the batch history of a pool in start index order
func (qdb *QueueDB) GetBatches(pool ethCommon.Address) ([]common.Batch, error) {
	var batches []*common.Batch
	err := meddler.QueryAll(
		qdb.dbRead, &batches,
		`SELECT * FROM pool_batch WHERE pool_addr = $1 ORDER BY start_index, batch_num;`,
		pool,
	)
	return database.SlicePtrsToSlice(batches).([]common.Batch), common.Wrap(err)
}

// GetLastBatch returns the batch with the highest batch number of a pool
func (qdb *QueueDB) GetLastBatch(pool ethCommon.Address) (*common.Batch, error) {
	batch := &common.Batch{}
	err := meddler.QueryRow(
		qdb.dbRead, batch,
		`SELECT * FROM pool_batch WHERE pool_addr = $1 ORDER BY batch_num DESC LIMIT 1;`,
		pool,
	)
	return batch, common.Wrap(err)
}
