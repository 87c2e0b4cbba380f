package coordinator

import (
	"context"
	"fmt"
	"math/big"
	"strconv"
	"sync"
	"time"

	"shielded-pool/batchbuilder"
	"shielded-pool/common"
	"shielded-pool/database/treedb"
	"shielded-pool/log"
	"shielded-pool/metric"
	"shielded-pool/synchronizer"

	ethCommon "github.com/ethereum/go-ethereum/common"
)

type state struct {
	batchNum      common.BatchNum
	lastForgeTime time.Time
}

// Pipeline manages the batch updates of a pool: it selects the queued
// commitments of the next batch, proves them and hands them to the
// TxManager
type Pipeline struct {
	num        int
	pool       ethCommon.Address
	cfg        Config
	batchSizes []common.BatchSize

	// state
	state         state
	started       bool
	rw            sync.RWMutex
	errAtBatchNum common.BatchNum

	updater    *batchbuilder.BatchTreeUpdater
	queue      batchbuilder.QueueSource
	syncTreeDB *treedb.TreeDB
	coord      *Coordinator
	txManager  *TxManager

	stats   synchronizer.Stats
	statsCh chan synchronizer.Stats

	ctx    context.Context
	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// newPipeline creates a new Pipeline for a pool
func (c *Coordinator) newPipeline(ps *poolState) *Pipeline {
	c.pipelineNum++
	return &Pipeline{
		num:        c.pipelineNum,
		pool:       ps.cfg.Pool,
		cfg:        c.cfg,
		batchSizes: ps.batchSizes,
		updater:    ps.cfg.Updater,
		queue:      ps.cfg.Queue,
		syncTreeDB: ps.cfg.SyncTreeDB,
		coord:      c,
		txManager:  c.txManager,
		statsCh:    make(chan synchronizer.Stats, queueLen),
	}
}

// reset pipeline state.  The mirror of the BatchTreeUpdater is always reset
// from the synchronizer checkpoint of the last synced block, dropping every
// pending batch.
func (p *Pipeline) reset(batchNum common.BatchNum, stats *synchronizer.Stats) error {
	p.state = state{
		batchNum:      batchNum,
		lastForgeTime: time.Now(),
	}
	p.stats = *stats

	checkpoint, err := p.syncTreeDB.BlockCheckpoint(stats.Sync.LastBlock.Num)
	if err != nil {
		return common.Wrap(err)
	}
	if err := p.updater.ResetFromDB(checkpoint, true); err != nil {
		return common.Wrap(err)
	}
	if root := p.updater.Tree().Root(); stats.Sync.Root != nil && stats.Sync.Root.Sign() != 0 &&
		root.Cmp(stats.Sync.Root) != 0 {
		return common.Wrapf(common.ErrStaleRoot, "mirror root %v, synced root %v",
			root, stats.Sync.Root)
	}
	log.Infow("Pipeline: reset", "pool", p.pool.Hex(), "pipeline", p.num,
		"checkpoint", checkpoint, "leaves", p.updater.Tree().Len())
	return nil
}

// SetSyncStats is a thread safe method to set the synchronizer Stats
func (p *Pipeline) SetSyncStats(ctx context.Context, stats *synchronizer.Stats) {
	select {
	case p.statsCh <- *stats:
	case <-ctx.Done():
	}
}

func (p *Pipeline) getErrAtBatchNum() common.BatchNum {
	p.rw.RLock()
	defer p.rw.RUnlock()
	return p.errAtBatchNum
}

func (p *Pipeline) setErrAtBatchNum(batchNum common.BatchNum) {
	p.rw.Lock()
	defer p.rw.Unlock()
	p.errAtBatchNum = batchNum
}

// selectBatchSize returns the largest batch size of sizes (sorted in
// decreasing order) that starts aligned at start, fits the tree and can be
// filled with the available queued items.  A size smaller than the largest
// aligned one is only returned if flush is true, so that small batches are
// only forged after waiting for more deposits.
func selectBatchSize(sizes []common.BatchSize, height int, start, available uint64,
	flush bool) (common.BatchSize, bool) {
	var maxAligned common.BatchSize
	for _, bs := range sizes {
		if bs.Height() > height || start%uint64(bs) != 0 {
			continue
		}
		if maxAligned == 0 {
			maxAligned = bs
		}
		if uint64(bs) > available {
			continue
		}
		if bs != maxAligned && !flush {
			return 0, false
		}
		return bs, true
	}
	return 0, false
}

// handleForgeBatch selects the queued commitments of the next batch and
// proves them.  The batch is pending in the mirror when this returns
// without error.
func (p *Pipeline) handleForgeBatch(ctx context.Context,
	batchNum common.BatchNum) (batchInfo *BatchInfo, err error) {
	if p.updater.Pending() >= p.cfg.MaxPendingBatches {
		return nil, common.Wrap(errSkipBatchByPolicy)
	}
	tree := p.updater.Tree()
	start := uint64(tree.Len())
	nextIndex, err := p.queue.NextIndex(ctx)
	if err != nil {
		return nil, common.Wrap(err)
	}
	if nextIndex <= start {
		return nil, common.Wrap(errSkipBatchByPolicy)
	}
	available := nextIndex - start
	flush := time.Since(p.state.lastForgeTime) >= p.cfg.ForgeDelay
	batchSize, ok := selectBatchSize(p.batchSizes, tree.Height(), start, available, flush)
	if !ok {
		log.Debugw("Pipeline: not enough queued items", "pool", p.pool.Hex(),
			"start", start, "available", available)
		return nil, common.Wrap(errSkipBatchByPolicy)
	}
	leaves := make([]*big.Int, batchSize)
	for i := range leaves {
		if leaves[i], err = p.queue.Queue(ctx, start+uint64(i)); err != nil {
			return nil, common.Wrap(err)
		}
	}

	now := time.Now()
	batchInfo = &BatchInfo{
		PipelineNum: p.num,
		Pool:        p.pool,
		BatchNum:    batchNum,
		BatchSize:   batchSize,
		StartIndex:  start,
		ProofStart:  now,
		Debug: Debug{
			StartTimestamp: now,
			Status:         StatusPending,
			StartBlockNum:  p.stats.Sync.LastBlock.Num,
			QueueLen:       available,
		},
	}
	p.cfg.debugBatchStore(batchInfo)

	bp, err := p.updater.GenerateProof(ctx, batchSize, leaves)
	metric.MeasureDuration(metric.WaitServerProof, batchInfo.ProofStart,
		string(batchSize.Circuit()), strconv.Itoa(p.num))
	if err != nil {
		return nil, common.Wrap(err)
	}
	batchInfo.BatchProof = bp
	batchInfo.Debug.Status = StatusProof
	p.cfg.debugBatchStore(batchInfo)
	log.Infow("Pipeline: batch proof calculated", "pool", p.pool.Hex(), "batch", batchNum,
		"start", start, "size", int(batchSize))
	return batchInfo, nil
}

// checkProof verifies the proof of a batch before it is sent to the ledger
func (p *Pipeline) checkProof(batchInfo *BatchInfo) error {
	if err := p.updater.Verify(batchInfo.BatchProof); err != nil {
		return common.Wrap(err)
	}
	return nil
}

// Start the forging pipeline
func (p *Pipeline) Start(batchNum common.BatchNum, stats *synchronizer.Stats) error {
	if p.started {
		log.Fatal("Pipeline already started")
	}
	p.started = true

	if err := p.reset(batchNum, stats); err != nil {
		return common.Wrap(err)
	}
	p.ctx, p.cancel = context.WithCancel(context.Background())

	queueSize := 1
	batchChSentServerProof := make(chan *BatchInfo, queueSize)

	p.wg.Add(1)
	go func() {
		timer := time.NewTimer(zeroDuration)
		for {
			select {
			case <-p.ctx.Done():
				log.Info("Pipeline forgeBatch loop done")
				p.wg.Done()
				return
			case stats := <-p.statsCh:
				p.stats = stats
			case <-timer.C:
				timer.Reset(p.cfg.ForgeRetryInterval)
				// Once errAtBatchNum != 0, we stop forging
				// batches because there's been an error and we
				// wait for the pipeline to be stopped.
				if p.getErrAtBatchNum() != 0 {
					continue
				}
				batchNum = p.state.batchNum + 1
				batchInfo, err := p.handleForgeBatch(p.ctx, batchNum)
				if p.ctx.Err() != nil {
					continue
				} else if common.Unwrap(err) == errSkipBatchByPolicy {
					continue
				} else if err != nil {
					log.Errorw("Pipeline.handleForgeBatch", "pool", p.pool.Hex(), "err", err)
					p.setErrAtBatchNum(batchNum)
					p.coord.SendMsg(p.ctx, MsgStopPipeline{
						Pool: p.pool,
						Reason: fmt.Sprintf(
							"Pipeline.handleForgeBatch: %v", err),
						FailedBatchNum: batchNum,
					})
					continue
				}
				p.state.lastForgeTime = time.Now()

				p.state.batchNum = batchNum
				select {
				case batchChSentServerProof <- batchInfo:
				case <-p.ctx.Done():
				}
				if !timer.Stop() {
					<-timer.C
				}
				timer.Reset(zeroDuration)
			}
		}
	}()

	p.wg.Add(1)
	go func() {
		for {
			select {
			case <-p.ctx.Done():
				log.Info("Pipeline checkProofSend loop done")
				p.wg.Done()
				return
			case batchInfo := <-batchChSentServerProof:
				// Once errAtBatchNum != 0, we stop sending
				// batches because there's been an error and we
				// wait for the pipeline to be stopped.
				if p.getErrAtBatchNum() != 0 {
					continue
				}
				if err := p.checkProof(batchInfo); err != nil {
					log.Errorw("Pipeline.checkProof", "pool", p.pool.Hex(), "err", err)
					p.setErrAtBatchNum(batchInfo.BatchNum)
					p.coord.SendMsg(p.ctx, MsgStopPipeline{
						Pool: p.pool,
						Reason: fmt.Sprintf(
							"Pipeline.checkProof: %v", err),
						FailedBatchNum: batchInfo.BatchNum,
					})
					continue
				}
				p.txManager.AddBatch(p.ctx, batchInfo)
			}
		}
	}()
	return nil
}

// Stop the forging pipeline
func (p *Pipeline) Stop(ctx context.Context) {
	if !p.started {
		log.Fatal("Pipeline already stopped")
	}
	p.started = false
	log.Infow("Stopping Pipeline...", "pool", p.pool.Hex(), "pipeline", p.num)
	p.cancel()
	p.wg.Wait()
}
