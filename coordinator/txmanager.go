package coordinator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"shielded-pool/batchbuilder"
	"shielded-pool/common"
	"shielded-pool/eth"
	"shielded-pool/log"
	"shielded-pool/metric"

	ethCommon "github.com/ethereum/go-ethereum/common"
	"github.com/mitchellh/copystructure"
)

// BatchStore persists the batch history
type BatchStore interface {
	AddBatch(batch *common.Batch) error
	UpdateBatch(batch *common.Batch) error
}

type txPool struct {
	ledger  eth.Ledger
	updater *batchbuilder.BatchTreeUpdater
	// minPipelineNum is the lowest pipeline whose batches are still sent
	minPipelineNum int
	// lastSuccessBatch stores the last BatchNum confirmed by the ledger
	lastSuccessBatch common.BatchNum
	// recent batches, the last one at the end
	recent []*BatchInfo
}

type discardPipeline struct {
	pool        ethCommon.Address
	pipelineNum int
}

// TxManager handles everything related to ledger transactions:  It submits
// the proven batches of every pool in the order they were proven, waits for
// their confirmation and commits or rolls back the mirror of the pool.
type TxManager struct {
	cfg     Config
	coord   *Coordinator // Used only to send messages to stop the pipeline
	history BatchStore
	batchCh chan *BatchInfo

	discardPipelineCh chan discardPipeline

	pools map[ethCommon.Address]*txPool
	rw    sync.RWMutex
}

// NewTxManager creates a new TxManager
func NewTxManager(cfg *Config, coord *Coordinator, history BatchStore) *TxManager {
	return &TxManager{
		cfg:               *cfg,
		coord:             coord,
		history:           history,
		batchCh:           make(chan *BatchInfo, queueLen),
		discardPipelineCh: make(chan discardPipeline, queueLen),
		pools:             make(map[ethCommon.Address]*txPool),
	}
}

// addPool registers the ledger and the updater of a pool
func (t *TxManager) addPool(pool ethCommon.Address, ledger eth.Ledger,
	updater *batchbuilder.BatchTreeUpdater) {
	t.rw.Lock()
	defer t.rw.Unlock()
	t.pools[pool] = &txPool{ledger: ledger, updater: updater}
}

// AddBatch is a thread safe method to pass a new batch TxManager to be sent to
// the ledger
func (t *TxManager) AddBatch(ctx context.Context, batchInfo *BatchInfo) {
	select {
	case t.batchCh <- batchInfo:
	case <-ctx.Done():
	}
}

// DiscardPipeline is a thread safe method to notify about a discarded
// pipeline that must be stopped.  Batches of that pipeline or previous ones
// still queued are dropped.
func (t *TxManager) DiscardPipeline(ctx context.Context, pool ethCommon.Address, pipelineNum int) {
	select {
	case t.discardPipelineCh <- discardPipeline{pool: pool, pipelineNum: pipelineNum}:
	case <-ctx.Done():
	}
}

// Run the TxManager
func (t *TxManager) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			log.Info("TxManager done")
			return
		case discarded := <-t.discardPipelineCh:
			t.rw.Lock()
			if p, ok := t.pools[discarded.pool]; ok && discarded.pipelineNum >= p.minPipelineNum {
				p.minPipelineNum = discarded.pipelineNum + 1
			}
			t.rw.Unlock()
		case batchInfo := <-t.batchCh:
			if err := t.handleBatch(ctx, batchInfo); ctx.Err() != nil {
				continue
			} else if err != nil {
				log.Errorw("TxManager.handleBatch", "pool", batchInfo.Pool.Hex(),
					"start", batchInfo.StartIndex, "err", err)
			}
		}
	}
}

func (t *TxManager) getPool(pool ethCommon.Address) (*txPool, error) {
	t.rw.RLock()
	defer t.rw.RUnlock()
	p, ok := t.pools[pool]
	if !ok {
		return nil, common.Wrapf(common.ErrUnrecognizedPool, "pool %v", pool.Hex())
	}
	return p, nil
}

func (t *TxManager) handleBatch(ctx context.Context, batchInfo *BatchInfo) error {
	p, err := t.getPool(batchInfo.Pool)
	if err != nil {
		return common.Wrap(err)
	}
	t.rw.RLock()
	discarded := batchInfo.PipelineNum < p.minPipelineNum
	t.rw.RUnlock()
	if discarded {
		log.Debugw("TxManager: discarding batch of a stopped pipeline",
			"pool", batchInfo.Pool.Hex(), "pipeline", batchInfo.PipelineNum,
			"start", batchInfo.StartIndex)
		return nil
	}
	res, err := t.sendBatch(ctx, p, batchInfo)
	if ctx.Err() != nil {
		return common.Wrap(ctx.Err())
	}
	if err != nil {
		t.failBatch(ctx, p, batchInfo, err)
		return common.Wrap(err)
	}
	return t.confirmBatch(p, batchInfo, res)
}

// sendBatch submits a batch, retrying transient errors up to
// EthClientAttempts times.  A stale root, a rejected proof or a rejected
// batch are never retried.
func (t *TxManager) sendBatch(ctx context.Context, p *txPool,
	batchInfo *BatchInfo) (*eth.TxResult, error) {
	bp := batchInfo.BatchProof
	root, err := p.ledger.Root(ctx)
	if err != nil {
		return nil, common.Wrap(err)
	}
	if root.Cmp(bp.OldRoot) != 0 {
		return nil, common.Wrapf(common.ErrStaleRoot, "ledger root %v, batch old root %v",
			root, bp.OldRoot)
	}

	batchInfo.Debug.Status = StatusSent
	batchInfo.Debug.SendTimestamp = time.Now()
	batchInfo.Debug.StartToSendDelay = batchInfo.Debug.SendTimestamp.Sub(
		batchInfo.Debug.StartTimestamp).Seconds()
	t.cfg.debugBatchStore(batchInfo)
	t.storeHistory(batchInfo, true)
	t.record(p, batchInfo)

	attempts := t.cfg.EthClientAttempts
	if attempts <= 0 {
		attempts = 1
	}
	var res *eth.TxResult
	for attempt := 0; attempt < attempts; attempt++ {
		batchInfo.Debug.Attempts++
		res, err = p.ledger.BatchInsert(ctx, bp.InsertArgs())
		if err == nil {
			return res, nil
		}
		if ctx.Err() != nil || !retriable(err) {
			return nil, common.Wrap(err)
		}
		log.Warnw("TxManager: BatchInsert", "pool", batchInfo.Pool.Hex(), "attempt", attempt,
			"err", err)
		select {
		case <-ctx.Done():
			return nil, common.Wrap(common.ErrDone)
		case <-time.After(t.cfg.EthClientAttemptsDelay):
		}
	}
	return nil, common.Wrapf(err, "reached max attempts for BatchInsert")
}

// retriable returns false for the errors returned by a ledger that has
// checked and rejected the batch
func retriable(err error) bool {
	if common.IsDefect(err) || common.IsRecoverable(err) {
		return false
	}
	switch common.Unwrap(err) {
	case common.ErrInvalidBatchSize, common.ErrNotEnoughQueued, common.ErrNotInFF:
		return false
	}
	return true
}

func (t *TxManager) confirmBatch(p *txPool, batchInfo *BatchInfo, res *eth.TxResult) error {
	now := time.Now()
	batchInfo.TxResult = res
	batchInfo.Debug.Status = StatusMined
	batchInfo.Debug.MineBlockNum = res.BlockNum
	batchInfo.Debug.StartToMineDelay = now.Sub(batchInfo.Debug.StartTimestamp).Seconds()
	batchInfo.Debug.SendToMineDelay = now.Sub(batchInfo.Debug.SendTimestamp).Seconds()
	if err := p.updater.Commit(batchInfo.BatchProof, res); err != nil {
		return common.Wrap(err)
	}
	t.rw.Lock()
	p.lastSuccessBatch = batchInfo.BatchNum
	t.rw.Unlock()
	t.cfg.debugBatchStore(batchInfo)
	t.storeHistory(batchInfo, false)
	t.record(p, batchInfo)
	log.Infow("TxManager: batch mined", "pool", batchInfo.Pool.Hex(),
		"batch", batchInfo.BatchNum, "start", batchInfo.StartIndex,
		"block", res.BlockNum, "gasUsed", res.GasUsed)
	return nil
}

func (t *TxManager) failBatch(ctx context.Context, p *txPool, batchInfo *BatchInfo, err error) {
	batchInfo.Fail = true
	batchInfo.Debug.Status = StatusFailed
	batchInfo.Debug.Err = err.Error()
	p.updater.Metrics().Failure(metric.FailureReason(err))
	if common.IsDefect(err) {
		log.Errorw("TxManager: ledger rejected the batch proof", "pool", batchInfo.Pool.Hex(),
			"start", batchInfo.StartIndex, "argsHash", batchInfo.BatchProof.ArgsHash, "err", err)
	}
	if rerr := p.updater.Rollback(batchInfo.BatchProof); rerr != nil {
		log.Warnw("TxManager: rollback", "pool", batchInfo.Pool.Hex(), "err", rerr)
	}
	t.cfg.debugBatchStore(batchInfo)
	t.storeHistory(batchInfo, false)
	t.record(p, batchInfo)

	t.rw.Lock()
	if batchInfo.PipelineNum >= p.minPipelineNum {
		p.minPipelineNum = batchInfo.PipelineNum + 1
	}
	t.rw.Unlock()
	t.coord.SendMsg(ctx, MsgStopPipeline{
		Pool:           batchInfo.Pool,
		Reason:         fmt.Sprintf("TxManager: batch at %d failed: %v", batchInfo.StartIndex, err),
		FailedBatchNum: batchInfo.BatchNum,
	})
}

// storeHistory adds the batch to the history when it is sent and updates
// it afterwards
func (t *TxManager) storeHistory(batchInfo *BatchInfo, add bool) {
	if t.history == nil {
		return
	}
	batch := batchInfo.History()
	var err error
	if add || batchInfo.history == nil {
		err = t.history.AddBatch(batch)
	} else {
		batch.ItemID = batchInfo.history.ItemID
		err = t.history.UpdateBatch(batch)
	}
	if err != nil {
		log.Warnw("TxManager: batch history", "pool", batchInfo.Pool.Hex(),
			"start", batchInfo.StartIndex, "err", err)
		return
	}
	batchInfo.history = batch
}

// record keeps a snapshot of the batch in the recent batches of the pool
func (t *TxManager) record(p *txPool, batchInfo *BatchInfo) {
	snapshotRaw, err := copystructure.Copy(batchInfo)
	if err != nil {
		log.Warnw("TxManager: batch snapshot", "err", err)
		return
	}
	snapshot := snapshotRaw.(*BatchInfo)
	t.rw.Lock()
	defer t.rw.Unlock()
	for i, b := range p.recent {
		if b.PipelineNum == snapshot.PipelineNum && b.BatchNum == snapshot.BatchNum {
			p.recent[i] = snapshot
			return
		}
	}
	p.recent = append(p.recent, snapshot)
	if len(p.recent) > recentBatches {
		p.recent = p.recent[len(p.recent)-recentBatches:]
	}
}

// recentBatches returns the snapshots of the last batches sent for pool
func (t *TxManager) recentBatches(pool ethCommon.Address) []BatchInfo {
	t.rw.RLock()
	defer t.rw.RUnlock()
	p, ok := t.pools[pool]
	if !ok {
		return nil
	}
	batches := make([]BatchInfo, len(p.recent))
	for i, b := range p.recent {
		batches[i] = *b
	}
	return batches
}

// lastSuccessBatch returns the last batch confirmed for pool
func (t *TxManager) lastSuccessBatch(pool ethCommon.Address) common.BatchNum {
	t.rw.RLock()
	defer t.rw.RUnlock()
	if p, ok := t.pools[pool]; ok {
		return p.lastSuccessBatch
	}
	return 0
}
