package synchronizer

import (
	"context"
	"database/sql"
	"fmt"
	"math/big"
	"sync"
	"time"

	"shielded-pool/accumulator"
	"shielded-pool/common"
	"shielded-pool/database/treedb"
	"shielded-pool/eth"
	"shielded-pool/log"
	"shielded-pool/metric"

	"github.com/ethereum/go-ethereum"
	ethCommon "github.com/ethereum/go-ethereum/common"
)

// BlockStore persists the synced blocks of a pool.  It is written last in
// every Sync, so it is the source of consistency of the synchronizer.
type BlockStore interface {
	AddBlock(block *common.Block) error
	GetBlock(blockNum int64) (*common.Block, error)
	// GetLastBlock returns sql.ErrNoRows when no block has been synced
	GetLastBlock() (*common.Block, error)
	Reorg(lastValidBlock int64) error
}

// Stats of the synchronizer
type Stats struct {
	Eth struct {
		UpdateBlockNumDiffThreshold uint16
		UpdateFrequencyDivider      uint16
		FirstBlockNum               int64
		LastBlock                   common.Block
	}
	Sync struct {
		Updated   time.Time
		LastBlock common.Block
		// Leaves is the number of leaves of the synced tree
		Leaves uint64
		Root   *big.Int
		// LastInsertionBlock is the last block in which leaves were
		// inserted
		LastInsertionBlock int64
	}
}

// Synced returns true if the Synchronizer is up to date with the last ethereum block
func (s *Stats) Synced() bool {
	return s.Eth.LastBlock.Num == s.Sync.LastBlock.Num
}

// StatsHolder stores stats and that allows reading and writing them
// concurrently
type StatsHolder struct {
	Stats
	rw sync.RWMutex
}

// NewStatsHolder creates a new StatsHolder
func NewStatsHolder(firstBlockNum int64, updateBlockNumDiffThreshold uint16, updateFrequencyDivider uint16) *StatsHolder {
	stats := Stats{}
	stats.Eth.UpdateBlockNumDiffThreshold = updateBlockNumDiffThreshold
	stats.Eth.UpdateFrequencyDivider = updateFrequencyDivider
	stats.Eth.FirstBlockNum = firstBlockNum
	stats.Sync.Root = big.NewInt(0)
	return &StatsHolder{Stats: stats}
}

// UpdateSync updates the synchronizer stats
func (s *StatsHolder) UpdateSync(lastBlock *common.Block, leaves uint64, root *big.Int,
	lastInsertionBlock *int64) {
	now := time.Now()
	s.rw.Lock()
	s.Sync.LastBlock = *lastBlock
	s.Sync.Leaves = leaves
	s.Sync.Root = common.CopyBigInt(root)
	if lastInsertionBlock != nil {
		s.Sync.LastInsertionBlock = *lastInsertionBlock
	}
	s.Sync.Updated = now
	s.rw.Unlock()
}

// UpdateEth updates the ethereum stats
func (s *StatsHolder) UpdateEth(ctx context.Context, ledger eth.Ledger) error {
	lastBlock, err := ledger.LastBlock(ctx)
	if err != nil {
		return common.Wrap(err)
	}
	s.rw.Lock()
	s.Eth.LastBlock = *lastBlock
	s.rw.Unlock()
	return nil
}

// CopyStats returns a copy of the inner Stats
func (s *StatsHolder) CopyStats() *Stats {
	s.rw.RLock()
	sCopy := s.Stats
	sCopy.Sync.Root = common.CopyBigInt(s.Sync.Root)
	s.rw.RUnlock()
	return &sCopy
}

func (s *StatsHolder) blocksPerc() float64 {
	syncLastBlockNum := s.Sync.LastBlock.Num
	if s.Sync.LastBlock.Num == 0 {
		syncLastBlockNum = s.Eth.FirstBlockNum - 1
	}
	total := s.Eth.LastBlock.Num - (s.Eth.FirstBlockNum - 1)
	if total <= 0 {
		return 100.0
	}
	return float64(syncLastBlockNum-(s.Eth.FirstBlockNum-1)) * 100.0 / float64(total)
}

// Config is the Synchronizer configuration
type Config struct {
	StatsUpdateBlockNumDiffThreshold uint16
	StatsUpdateFrequencyDivider      uint16
	// StartBlockNum is the block in which the pool was deployed.  1 is
	// used if 0.
	StartBlockNum int64
	// Tree is the shape of the pool tree
	Tree accumulator.Config
}

// Synchronizer follows the events of a pool, keeping a TreeDB and a mirror
// of the pool tree with the confirmed leaves and the spent nullifiers
type Synchronizer struct {
	pool             ethCommon.Address
	ledger           eth.Ledger
	blocks           BlockStore
	treeDB           *treedb.TreeDB
	tree             *accumulator.Accumulator
	cfg              Config
	startBlockNum    int64
	stats            *StatsHolder
	resetStateFailed bool
}

// NewSynchronizer creates a new Synchronizer
func NewSynchronizer(
	pool ethCommon.Address,
	ledger eth.Ledger,
	blocks BlockStore,
	treeDB *treedb.TreeDB,
	cfg Config,
) (*Synchronizer, error) {
	if treeDB.Type() != treedb.TypeSynchronizer {
		return nil, common.Wrap(fmt.Errorf("TreeDB of type %v, expected %v",
			treeDB.Type(), treedb.TypeSynchronizer))
	}
	tree, err := accumulator.New(cfg.Tree)
	if err != nil {
		return nil, common.Wrap(err)
	}
	startBlockNum := cfg.StartBlockNum
	if startBlockNum == 0 {
		startBlockNum = 1
	}
	stats := NewStatsHolder(startBlockNum, cfg.StatsUpdateBlockNumDiffThreshold,
		cfg.StatsUpdateFrequencyDivider)
	s := &Synchronizer{
		pool:          pool,
		ledger:        ledger,
		blocks:        blocks,
		treeDB:        treeDB,
		tree:          tree,
		cfg:           cfg,
		startBlockNum: startBlockNum,
		stats:         stats,
	}
	return s, s.init()
}

// Pool returns the address of the synced pool
func (s *Synchronizer) Pool() ethCommon.Address {
	return s.pool
}

// TreeDB returns the inner TreeDB
func (s *Synchronizer) TreeDB() *treedb.TreeDB {
	return s.treeDB
}

// Tree returns the mirror of the confirmed pool tree
func (s *Synchronizer) Tree() *accumulator.Accumulator {
	return s.tree
}

// Stats returns a copy of the Synchronizer Stats.  It is safe to call Stats()
// during a Sync call
func (s *Synchronizer) Stats() *Stats {
	return s.stats.CopyStats()
}

// IsSpent returns true if the nullifier has been synced.  It reads the last
// checkpoint so it is safe to call during a Sync call.
func (s *Synchronizer) IsSpent(ctx context.Context, nullifier *big.Int) (bool, error) {
	return s.treeDB.LastIsSpent(nullifier)
}

func (s *Synchronizer) lastBlock() (*common.Block, error) {
	lastBlock, err := s.blocks.GetLastBlock()
	if common.Unwrap(err) == sql.ErrNoRows {
		return &common.Block{}, nil
	} else if err != nil {
		return nil, common.Wrap(err)
	}
	return lastBlock, nil
}

func (s *Synchronizer) resetIntermediateState() error {
	lastBlock, err := s.lastBlock()
	if err != nil {
		return common.Wrap(err)
	}
	if err := s.resetState(lastBlock); err != nil {
		s.resetStateFailed = true
		return common.Wrapf(err, "resetState at block %v", lastBlock.Num)
	}
	s.resetStateFailed = false
	return nil
}

// Sync attempts to synchronize an ethereum block starting from lastSavedBlock.
// If lastSavedBlock is nil, the lastSavedBlock value is obtained from the
// BlockStore.  If a block is synced, it will be returned and also stored.  If
// a reorg is detected, the number of discarded blocks will be returned and no
// synchronization will be made.
func (s *Synchronizer) Sync(ctx context.Context,
	lastSavedBlock *common.Block) (blockData *common.BlockData, discarded *int64, err error) {
	if s.resetStateFailed {
		if err := s.resetIntermediateState(); err != nil {
			return nil, nil, common.Wrap(err)
		}
	}

	var nextBlockNum int64 // next block number to sync
	if lastSavedBlock == nil {
		lastSavedBlock, err = s.lastBlock()
		if err != nil {
			return nil, nil, common.Wrap(err)
		}
		// If we don't have any stored block, we must do a full sync
		// starting from the startBlockNum
		if lastSavedBlock.Num == 0 {
			nextBlockNum = s.startBlockNum
			lastSavedBlock = nil
		}
	}
	if lastSavedBlock != nil {
		nextBlockNum = lastSavedBlock.Num + 1
		if lastSavedBlock.Num < s.startBlockNum {
			return nil, nil, common.Wrap(
				fmt.Errorf("lastSavedBlock (%v) < startBlockNum (%v)",
					lastSavedBlock.Num, s.startBlockNum))
		}
	}

	blockData, err = s.ledger.EventsByBlock(ctx, nextBlockNum)
	if common.Unwrap(err) == ethereum.NotFound {
		return nil, nil, nil
	} else if err != nil {
		return nil, nil, common.Wrapf(err, "EventsByBlock %v", nextBlockNum)
	}
	ethBlock := &blockData.Block
	log.Debugw("ethBlock", "pool", s.pool.Hex(), "num", ethBlock.Num,
		"parent", ethBlock.ParentHash.String(), "hash", ethBlock.Hash.String())

	// While having more blocks to sync than UpdateBlockNumDiffThreshold, UpdateEth will be called once in
	// UpdateFrequencyDivider blocks
	if nextBlockNum+int64(s.stats.Eth.UpdateBlockNumDiffThreshold) >= s.stats.Eth.LastBlock.Num ||
		s.stats.Eth.UpdateFrequencyDivider == 0 ||
		nextBlockNum%int64(s.stats.Eth.UpdateFrequencyDivider) == 0 {
		if err := s.stats.UpdateEth(ctx, s.ledger); err != nil {
			return nil, nil, common.Wrap(err)
		}
	}

	// Check that the obtained ethBlock.ParentHash == prevEthBlock.Hash; if not, reorg!
	if lastSavedBlock != nil && lastSavedBlock.Hash != ethBlock.ParentHash {
		log.Debugw("Reorg Detected", "pool", s.pool.Hex(),
			"blockNum", ethBlock.Num,
			"block.parent(got)", ethBlock.ParentHash, "parent.hash(exp)", lastSavedBlock.Hash)
		lastDBBlockNum, err := s.reorg(ctx, lastSavedBlock)
		if err != nil {
			return nil, nil, common.Wrap(err)
		}
		discarded := lastSavedBlock.Num - lastDBBlockNum
		metric.Reorgs.WithLabelValues(s.pool.Hex()).Inc()
		return nil, &discarded, nil
	}

	defer func() {
		// If there was an error during sync, reset to the last block
		// in the BlockStore because the BlockStore is written last in
		// the Sync method.  This allows resetting the TreeDB in the
		// case the events were applied but the block was not stored.
		if err != nil {
			if err2 := s.resetIntermediateState(); err2 != nil {
				log.Errorw("sync revert", "err", err2)
			}
		}
	}()

	changed, err := s.applyEvents(blockData)
	if err != nil {
		return nil, nil, common.Wrap(err)
	}
	if err := s.treeDB.CommitBlock(ethBlock.Num, changed); err != nil {
		return nil, nil, common.Wrap(err)
	}
	if err := s.blocks.AddBlock(ethBlock); err != nil {
		return nil, nil, common.Wrap(err)
	}

	var lastInsertionBlock *int64
	if len(blockData.Insertions) > 0 {
		lastInsertionBlock = &ethBlock.Num
	}
	s.stats.UpdateSync(ethBlock, uint64(s.tree.Len()), s.tree.Root(), lastInsertionBlock)

	metric.LastBlockNum.WithLabelValues(s.pool.Hex()).Set(float64(ethBlock.Num))
	metric.EthLastBlockNum.WithLabelValues(s.pool.Hex()).Set(float64(s.stats.Eth.LastBlock.Num))
	metric.SyncedLeaves.WithLabelValues(s.pool.Hex()).Set(float64(s.tree.Len()))

	log.Debugw("Synced block",
		"pool", s.pool.Hex(),
		"syncLastBlockNum", ethBlock.Num,
		"syncBlocksPerc", s.stats.blocksPerc(),
		"ethLastBlockNum", s.stats.Eth.LastBlock.Num,
		"insertions", len(blockData.Insertions),
		"nullifiers", len(blockData.Nullifiers),
	)
	return blockData, nil, nil
}

// applyEvents applies the insertions and the nullifiers of a block to the
// tree mirror and the TreeDB.  Returns true if the state changed.
func (s *Synchronizer) applyEvents(blockData *common.BlockData) (bool, error) {
	for _, insertion := range blockData.Insertions {
		if insertion.StartIndex != uint64(s.tree.Len()) {
			return false, common.Wrap(fmt.Errorf("insertion at %v, synced leaves %v",
				insertion.StartIndex, s.tree.Len()))
		}
		if err := s.tree.BulkInsert(insertion.Leaves); err != nil {
			return false, common.Wrap(err)
		}
		if root := s.tree.Root(); root.Cmp(insertion.NewRoot) != 0 {
			return false, common.Wrap(fmt.Errorf("synced root (%v) != insertion root (%v)",
				root, insertion.NewRoot))
		}
		if err := s.treeDB.AddLeaves(insertion.StartIndex, insertion.Leaves,
			insertion.NewRoot); err != nil {
			return false, common.Wrap(err)
		}
		log.Debugw("Synced insertion", "pool", s.pool.Hex(), "start", insertion.StartIndex,
			"leaves", len(insertion.Leaves), "root", insertion.NewRoot)
	}
	for _, nullifier := range blockData.Nullifiers {
		if err := s.treeDB.AddNullifier(nullifier); err != nil {
			return false, common.Wrapf(err, "nullifier %v", nullifier)
		}
	}
	return len(blockData.Insertions) > 0 || len(blockData.Nullifiers) > 0, nil
}

// reorg manages a reorg, updating the BlockStore and the TreeDB as needed.
// Keeps checking previous blocks from the BlockStore against the blockchain
// until a block hash match is found.  All future blocks in the BlockStore
// and corresponding checkpoints in the TreeDB are discarded.  Returns the
// last valid blockNum from the BlockStore.
func (s *Synchronizer) reorg(ctx context.Context, uncleBlock *common.Block) (int64, error) {
	blockNum := uncleBlock.Num

	block := &common.Block{Num: s.startBlockNum - 1}
	for ; blockNum >= s.startBlockNum; blockNum-- {
		ethData, err := s.ledger.EventsByBlock(ctx, blockNum)
		if err != nil {
			return 0, common.Wrapf(err, "EventsByBlock %v", blockNum)
		}
		dbBlock, err := s.blocks.GetBlock(blockNum)
		if err != nil {
			return 0, common.Wrapf(err, "GetBlock %v", blockNum)
		}
		if dbBlock.Hash == ethData.Block.Hash {
			log.Debugf("Found valid block: %v", blockNum)
			block = dbBlock
			break
		}
	}
	total := uncleBlock.Num - block.Num
	log.Debugw("Discarding blocks", "pool", s.pool.Hex(), "total", total,
		"from", uncleBlock.Num, "to", block.Num+1)

	if err := s.blocks.Reorg(block.Num); err != nil {
		return 0, common.Wrap(err)
	}

	if err := s.resetState(block); err != nil {
		s.resetStateFailed = true
		return 0, common.Wrap(err)
	}
	s.resetStateFailed = false

	return block.Num, nil
}

func (s *Synchronizer) init() error {
	// Update stats parameters so that they have valid values before the
	// first Sync call
	if err := s.stats.UpdateEth(context.Background(), s.ledger); err != nil {
		return common.Wrap(err)
	}
	lastBlock, err := s.lastBlock()
	if err != nil {
		return common.Wrap(err)
	}
	if err := s.resetState(lastBlock); err != nil {
		s.resetStateFailed = true
		return common.Wrap(err)
	}
	s.resetStateFailed = false

	log.Infow("Sync init block",
		"pool", s.pool.Hex(),
		"syncLastBlock", s.stats.Sync.LastBlock.Num,
		"ethFirstBlockNum", s.stats.Eth.FirstBlockNum,
		"ethLastBlock", s.stats.Eth.LastBlock.Num,
		"leaves", s.stats.Sync.Leaves,
	)
	return nil
}

// resetState sets the TreeDB to the checkpoint holding the state at block
// and rebuilds the tree mirror from it
func (s *Synchronizer) resetState(block *common.Block) error {
	checkpoint, err := s.treeDB.BlockCheckpoint(block.Num)
	if err != nil {
		return common.Wrap(err)
	}
	if err := s.treeDB.Reset(checkpoint); err != nil {
		return common.Wrapf(err, "treeDB.Reset %v", checkpoint)
	}
	leaves, err := s.treeDB.Leaves()
	if err != nil {
		return common.Wrap(err)
	}
	if err := s.tree.Truncate(0); err != nil {
		return common.Wrap(err)
	}
	if err := s.tree.BulkInsert(leaves); err != nil {
		return common.Wrap(err)
	}
	s.stats.UpdateSync(block, uint64(len(leaves)), s.tree.Root(), nil)
	return nil
}
