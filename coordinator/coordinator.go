/*
Package coordinator handles all the logic related to appending the queued
commitments of the pools to their trees in proven batches.

Every pool has its own pipeline, so that batches of different pools are
proven in parallel, while batches of the same pool are proven one after the
other on top of the speculative mirror kept by its BatchTreeUpdater.

The Coordinator begins with every pipeline stopped.  The main Coordinator
goroutine keeps listening for synchronizer events sent by the node package.
The pipeline of a pool is started once its synchronizer is up to date with
the ledger, and it is stopped on reorgs and failures, to be started again
from the synchronized state.

The Pipeline consists of two goroutines.  The first one is in charge of
selecting the queued commitments of the next batch, applying them to the
mirror and calculating the batch proof.  The batch size is chosen among the
allowed sizes so that the batch starts aligned in the tree; smaller batches
are only forged after ForgeDelay.  The second goroutine verifies the proof
and sends the result to the TxManager.  All the batch information moves
between functions and goroutines via the BatchInfo struct.

Finally, the TxManager contains a single goroutine that submits the proven
batches to the ledger in the order they were proven.  A confirmed batch is
committed in the mirror; a failed one is rolled back and the Coordinator is
signaled to stop the pipeline of the pool, dropping every batch proven on
top of it.
*/
package coordinator

import (
	"context"
	"fmt"
	"math/big"
	"os"
	"reflect"
	"sort"
	"sync"
	"time"

	"shielded-pool/batchbuilder"
	"shielded-pool/common"
	"shielded-pool/database/treedb"
	"shielded-pool/eth"
	"shielded-pool/log"
	"shielded-pool/synchronizer"

	ethCommon "github.com/ethereum/go-ethereum/common"
	"github.com/mitchellh/copystructure"
)

var errSkipBatchByPolicy = fmt.Errorf("skip batch by policy")

const (
	queueLen         = 16
	recentBatches    = 32
	longWaitDuration = 999 * time.Hour
	zeroDuration     = 0 * time.Second
)

func init() {
	copystructure.Copiers[reflect.TypeOf(big.Int{})] =
		func(raw interface{}) (interface{}, error) {
			in := raw.(big.Int)
			out := new(big.Int).Set(&in)
			return *out, nil
		}
}

// Config contains the Coordinator configuration
type Config struct {
	// MaxPendingBatches is the maximum number of proven batches of a pool
	// waiting for confirmation
	MaxPendingBatches int
	// ForgeDelay is the delay after which a batch smaller than the
	// largest aligned batch size is forged.  If set to 0s, the
	// coordinator will forge as soon as a batch can be filled.
	ForgeDelay time.Duration
	// ForgeRetryInterval is the waiting interval between calls forge a
	// batch after an error
	ForgeRetryInterval time.Duration
	// SyncRetryInterval is the waiting interval between calls to the main
	// handler of a synced block after an error
	SyncRetryInterval time.Duration
	// EthClientAttempts is the number of attempts to do an eth client RPC
	// call before giving up
	EthClientAttempts int
	// EthClientAttemptsDelay is delay between attempts do do an eth client
	// RPC call
	EthClientAttemptsDelay time.Duration
	// DebugBatchPath if set, specifies the path where batchInfo is stored
	// in JSON in every step/update of the pipeline
	DebugBatchPath string
}

func (c *Config) debugBatchStore(batchInfo *BatchInfo) {
	if c.DebugBatchPath != "" {
		if err := batchInfo.DebugStore(c.DebugBatchPath); err != nil {
			log.Warnw("Error storing debug BatchInfo",
				"path", c.DebugBatchPath, "err", err)
		}
	}
}

// PoolConfig contains the components the Coordinator uses to update the
// tree of a pool
type PoolConfig struct {
	Pool ethCommon.Address
	// BatchSizes are the batch sizes the pool has a verifier for
	BatchSizes []common.BatchSize
	Updater    *batchbuilder.BatchTreeUpdater
	// Queue is read to fill the batches
	Queue  batchbuilder.QueueSource
	Ledger eth.Ledger
	// SyncTreeDB is the TreeDB of the synchronizer of the pool, used to
	// reset the mirror of the Updater
	SyncTreeDB *treedb.TreeDB
}

type poolState struct {
	cfg        PoolConfig
	batchSizes []common.BatchSize
	pipeline   *Pipeline
	stats      synchronizer.Stats
	// lastNonFailedBatchNum is the batch before the first failed one of
	// the last stopped pipeline
	lastNonFailedBatchNum common.BatchNum
}

// Coordinator implements the Coordinator type
type Coordinator struct {
	// State
	pipelineNum int // Pipeline sequential number.  The first pipeline is 1
	pools       map[ethCommon.Address]*poolState
	order       []ethCommon.Address
	started     bool
	rw          sync.RWMutex

	cfg Config

	msgCh  chan interface{}
	ctx    context.Context
	wg     sync.WaitGroup
	cancel context.CancelFunc

	txManager *TxManager
}

// MsgSyncBlock indicates an update to the Synchronizer stats of a pool
type MsgSyncBlock struct {
	Pool  ethCommon.Address
	Stats synchronizer.Stats
}

// MsgSyncReorg indicates a reorg in a pool
type MsgSyncReorg struct {
	Pool  ethCommon.Address
	Stats synchronizer.Stats
}

// MsgStopPipeline indicates a signal to reset the pipeline of a pool
type MsgStopPipeline struct {
	Pool   ethCommon.Address
	Reason string
	// FailedBatchNum indicates the first batchNum that failed in the
	// pipeline.  If FailedBatchNum is 0, it should be ignored.
	FailedBatchNum common.BatchNum
}

// NewCoordinator creates a new Coordinator.  history, if not nil, stores
// every batch sent to the ledger.
func NewCoordinator(cfg Config, pools []PoolConfig, history BatchStore) (*Coordinator, error) {
	if cfg.DebugBatchPath != "" {
		if err := os.MkdirAll(cfg.DebugBatchPath, 0744); err != nil {
			return nil, common.Wrap(err)
		}
	}
	if cfg.MaxPendingBatches <= 0 {
		cfg.MaxPendingBatches = 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := Coordinator{
		pools:  make(map[ethCommon.Address]*poolState, len(pools)),
		cfg:    cfg,
		msgCh:  make(chan interface{}, queueLen),
		ctx:    ctx,
		cancel: cancel,
	}
	c.txManager = NewTxManager(&cfg, &c, history)
	for _, pc := range pools {
		if _, ok := c.pools[pc.Pool]; ok {
			return nil, common.Wrap(fmt.Errorf("pool %v configured twice", pc.Pool.Hex()))
		}
		if pc.Updater == nil || pc.Queue == nil || pc.Ledger == nil || pc.SyncTreeDB == nil {
			return nil, common.Wrap(fmt.Errorf("incomplete configuration of pool %v",
				pc.Pool.Hex()))
		}
		sizes := make([]common.BatchSize, 0, len(pc.BatchSizes))
		for _, bs := range pc.BatchSizes {
			if !bs.Valid() {
				return nil, common.Wrapf(common.ErrInvalidBatchSize, "pool %v, size %v",
					pc.Pool.Hex(), bs)
			}
			sizes = append(sizes, bs)
		}
		if len(sizes) == 0 {
			sizes = append(sizes, common.BatchSizes...)
		}
		sort.Slice(sizes, func(i, j int) bool { return sizes[i] > sizes[j] })
		ps := &poolState{cfg: pc, batchSizes: sizes}
		// Set Eth LastBlockNum to -1 in stats so that stats.Synced() is
		// guaranteed to return false before it's updated with a real stats
		ps.stats.Eth.LastBlock.Num = -1
		c.pools[pc.Pool] = ps
		c.order = append(c.order, pc.Pool)
		c.txManager.addPool(pc.Pool, pc.Ledger, pc.Updater)
	}
	return &c, nil
}

// SendMsg is a thread safe method to pass a message to the Coordinator
func (c *Coordinator) SendMsg(ctx context.Context, msg interface{}) {
	select {
	case c.msgCh <- msg:
	case <-ctx.Done():
	}
}

func (c *Coordinator) getPool(pool ethCommon.Address) (*poolState, error) {
	ps, ok := c.pools[pool]
	if !ok {
		return nil, common.Wrapf(common.ErrUnrecognizedPool, "pool %v", pool.Hex())
	}
	return ps, nil
}

// syncStats starts the pipeline of the pool once the synchronizer is up to
// date, or forwards the stats to the running pipeline
func (c *Coordinator) syncStats(ctx context.Context, ps *poolState) error {
	if !ps.stats.Synced() {
		return nil
	}
	if ps.pipeline != nil {
		ps.pipeline.SetSyncStats(ctx, &ps.stats)
		return nil
	}
	batchNum := c.txManager.lastSuccessBatch(ps.cfg.Pool)
	if ps.lastNonFailedBatchNum > batchNum {
		batchNum = ps.lastNonFailedBatchNum
	}
	c.rw.Lock()
	pipeline := c.newPipeline(ps)
	c.rw.Unlock()
	if err := pipeline.Start(batchNum, &ps.stats); err != nil {
		return common.Wrap(err)
	}
	c.rw.Lock()
	ps.pipeline = pipeline
	c.rw.Unlock()
	log.Infow("Coordinator: pipeline started", "pool", ps.cfg.Pool.Hex(),
		"pipeline", pipeline.num, "batch", batchNum,
		"block", ps.stats.Sync.LastBlock.Num)
	return nil
}

func (c *Coordinator) stopPipeline(ctx context.Context, ps *poolState, reason string) {
	if ps.pipeline == nil {
		return
	}
	log.Infow("Coordinator: stopping pipeline", "pool", ps.cfg.Pool.Hex(),
		"pipeline", ps.pipeline.num, "reason", reason)
	ps.pipeline.Stop(ctx)
	c.txManager.DiscardPipeline(ctx, ps.cfg.Pool, ps.pipeline.num)
	c.rw.Lock()
	ps.pipeline = nil
	c.rw.Unlock()
}

func (c *Coordinator) setStats(ps *poolState, stats *synchronizer.Stats) {
	c.rw.Lock()
	ps.stats = *stats
	c.rw.Unlock()
}

func (c *Coordinator) handleMsg(ctx context.Context, msg interface{}) error {
	switch msg := msg.(type) {
	case MsgSyncBlock:
		ps, err := c.getPool(msg.Pool)
		if err != nil {
			return common.Wrap(err)
		}
		c.setStats(ps, &msg.Stats)
		if err := c.syncStats(ctx, ps); err != nil {
			return common.Wrap(err)
		}
	case MsgSyncReorg:
		ps, err := c.getPool(msg.Pool)
		if err != nil {
			return common.Wrap(err)
		}
		c.setStats(ps, &msg.Stats)
		c.stopPipeline(ctx, ps, "reorg")
		if err := c.syncStats(ctx, ps); err != nil {
			return common.Wrap(err)
		}
	case MsgStopPipeline:
		ps, err := c.getPool(msg.Pool)
		if err != nil {
			return common.Wrap(err)
		}
		if msg.FailedBatchNum > 0 {
			ps.lastNonFailedBatchNum = msg.FailedBatchNum - 1
		}
		c.stopPipeline(ctx, ps, msg.Reason)
		// The pipeline is started again by the next synced block or
		// by the retry timer
		return common.Wrap(fmt.Errorf("pipeline of %v stopped: %v", msg.Pool.Hex(),
			msg.Reason))
	default:
		log.Fatalw("Coordinator Unexpected Coordinator msg", "msg", msg)
	}
	return nil
}

// Start the coordinator
func (c *Coordinator) Start() {
	if c.started {
		log.Fatal("Coordinator already started")
	}
	c.started = true
	c.wg.Add(1)
	go func() {
		c.txManager.Run(c.ctx)
		c.wg.Done()
	}()

	c.wg.Add(1)
	go func() {
		timer := time.NewTimer(longWaitDuration)
		for {
			select {
			case <-c.ctx.Done():
				log.Info("Coordinator done")
				c.wg.Done()
				return
			case msg := <-c.msgCh:
				if err := c.handleMsg(c.ctx, msg); c.ctx.Err() != nil {
					continue
				} else if err != nil {
					log.Errorw("Coordinator.handleMsg", "err", err)
					if !timer.Stop() {
						select {
						case <-timer.C:
						default:
						}
					}
					timer.Reset(c.cfg.SyncRetryInterval)
					continue
				}
			case <-timer.C:
				timer.Reset(longWaitDuration)
				for _, pool := range c.order {
					ps := c.pools[pool]
					if err := c.syncStats(c.ctx, ps); c.ctx.Err() != nil {
						break
					} else if err != nil {
						log.Errorw("Coordinator.syncStats", "pool", pool.Hex(), "err", err)
						timer.Reset(c.cfg.SyncRetryInterval)
					}
				}
			}
		}
	}()
}

const stopCtxTimeout = 200 * time.Millisecond

// Stop the coordinator
func (c *Coordinator) Stop() {
	if !c.started {
		log.Fatal("Coordinator already stopped")
	}
	c.started = false
	log.Infow("Stopping Coordinator...")
	c.cancel()
	c.wg.Wait()
	ctx, cancel := context.WithTimeout(context.Background(), stopCtxTimeout)
	defer cancel()
	for _, pool := range c.order {
		ps := c.pools[pool]
		if ps.pipeline != nil {
			ps.pipeline.Stop(ctx)
			ps.pipeline = nil
		}
	}
}

// PoolStatus is a snapshot of the batch updates of a pool
type PoolStatus struct {
	Pool ethCommon.Address
	// PipelineNum is the number of the running pipeline, 0 if stopped
	PipelineNum      int
	Stats            synchronizer.Stats
	Leaves           int
	Root             *big.Int
	PendingBatches   int
	LastSuccessBatch common.BatchNum
	RecentBatches    []BatchInfo
}

// Status returns a snapshot of every pool, in configuration order
func (c *Coordinator) Status() ([]PoolStatus, error) {
	c.rw.RLock()
	statuses := make([]PoolStatus, 0, len(c.order))
	for _, pool := range c.order {
		ps := c.pools[pool]
		status := PoolStatus{Pool: pool, Stats: ps.stats}
		if ps.pipeline != nil {
			status.PipelineNum = ps.pipeline.num
		}
		statuses = append(statuses, status)
	}
	c.rw.RUnlock()

	for i := range statuses {
		ps := c.pools[statuses[i].Pool]
		statsCopy, err := copystructure.Copy(statuses[i].Stats)
		if err != nil {
			return nil, common.Wrap(err)
		}
		statuses[i].Stats = statsCopy.(synchronizer.Stats)
		statuses[i].Leaves = ps.cfg.Updater.Tree().Len()
		statuses[i].Root = ps.cfg.Updater.Tree().Root()
		statuses[i].PendingBatches = ps.cfg.Updater.Pending()
		statuses[i].LastSuccessBatch = c.txManager.lastSuccessBatch(statuses[i].Pool)
		statuses[i].RecentBatches = c.txManager.recentBatches(statuses[i].Pool)
	}
	return statuses, nil
}
