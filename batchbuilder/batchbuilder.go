/*
Package batchbuilder implements the BatchTreeUpdater: the component that
appends queued commitments to the tree of a pool in fixed size batches,
proving every transition.

The updater owns a speculative mirror of the pool tree.  A batch is first
applied to the mirror, then proven and submitted.  The mirror is committed
once the ledger confirms the batch and rolled back to the old root
otherwise, so after any failure it matches the last confirmed root again.

Batches of a pool must be confirmed in strictly increasing start index
order.  Several proven batches may be pending at the same time, each one
built on top of the previous one; rolling one back drops every later one.
*/
package batchbuilder

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"shielded-pool/accumulator"
	"shielded-pool/common"
	"shielded-pool/coordinator/prover"
	"shielded-pool/database/treedb"
	"shielded-pool/eth"
	"shielded-pool/log"
	"shielded-pool/metric"

	ethCommon "github.com/ethereum/go-ethereum/common"
)

// QueueSource is the ordered queue the leaves of a batch are read from
type QueueSource interface {
	// NextIndex returns the next free index of the queue
	NextIndex(ctx context.Context) (uint64, error)
	// Queue returns the leaf queued at index
	Queue(ctx context.Context, index uint64) (*big.Int, error)
}

// Submitter sends a batch to the ledger and waits until it is confirmed
type Submitter interface {
	BatchInsert(ctx context.Context, args *eth.BatchInsertArgs) (*eth.TxResult, error)
}

// Verifier checks a proof against its public signals
type Verifier interface {
	Verify(circuit common.CircuitID, publicSignals []*big.Int, proof *prover.Proof) (bool, error)
}

// Config of a BatchTreeUpdater
type Config struct {
	Pool ethCommon.Address
	// Tree is the mirror of the pool tree
	Tree *accumulator.Accumulator
	// Prover proves the batch update circuits
	Prover prover.Prover
	// Verifier, if set, is used to check every proof before it is
	// submitted
	Verifier Verifier
	// Metrics of the pool.  An unregistered collector is created if nil.
	Metrics *metric.PoolMetrics
	// TreeDB, if set, persists every committed batch
	TreeDB *treedb.LocalTreeDB
}

// BatchProof is a proven batch update, ready to be submitted
type BatchProof struct {
	Pool          ethCommon.Address
	BatchSize     common.BatchSize
	StartIndex    uint64
	OldRoot       *big.Int
	NewRoot       *big.Int
	PathIndices   uint32
	PathElements  []*big.Int
	Leaves        []*big.Int
	ArgsHash      *big.Int
	Inputs        *common.BatchUpdateInputs
	Proof         *prover.Proof
	PublicSignals []*big.Int
	ProofDuration time.Duration
}

// BatchHeight returns log2 of the batch size
func (bp *BatchProof) BatchHeight() uint32 {
	return uint32(bp.BatchSize.Height())
}

// InsertArgs returns the arguments of the ledger batchInsert call
func (bp *BatchProof) InsertArgs() *eth.BatchInsertArgs {
	return &eth.BatchInsertArgs{
		Proof:       bp.Proof,
		ArgsHash:    bp.ArgsHash,
		OldRoot:     bp.OldRoot,
		NewRoot:     bp.NewRoot,
		PathIndices: bp.PathIndices,
		Leaves:      bp.Leaves,
		BatchHeight: bp.BatchHeight(),
	}
}

// BatchTreeUpdater proves and applies batch updates of the tree of a pool
type BatchTreeUpdater struct {
	pool     ethCommon.Address
	tree     *accumulator.Accumulator
	prover   prover.Prover
	verifier Verifier
	metrics  *metric.PoolMetrics
	treeDB   *treedb.LocalTreeDB
	history  map[uint64]*big.Int
	pending  []*BatchProof
	mutex    sync.Mutex
}

// NewBatchTreeUpdater creates a BatchTreeUpdater.  If a TreeDB is
// configured and the tree is empty, the tree is loaded from the TreeDB.
func NewBatchTreeUpdater(cfg Config) (*BatchTreeUpdater, error) {
	if cfg.Tree == nil {
		return nil, common.Wrap(fmt.Errorf("batch tree updater without tree"))
	}
	if cfg.Prover == nil {
		return nil, common.Wrap(fmt.Errorf("batch tree updater without prover"))
	}
	metrics := cfg.Metrics
	if metrics == nil {
		var err error
		if metrics, err = metric.NewPoolMetrics(cfg.Pool.Hex(), nil); err != nil {
			return nil, common.Wrap(err)
		}
	}
	b := &BatchTreeUpdater{
		pool:     cfg.Pool,
		tree:     cfg.Tree,
		prover:   cfg.Prover,
		verifier: cfg.Verifier,
		metrics:  metrics,
		treeDB:   cfg.TreeDB,
		history:  make(map[uint64]*big.Int),
	}
	if b.treeDB != nil && b.tree.Len() == 0 {
		if err := b.loadTreeDB(); err != nil {
			return nil, common.Wrap(err)
		}
	}
	b.metrics.SetLeaves(b.tree.Len())
	return b, nil
}

// Pool returns the address of the pool the tree mirrors
func (b *BatchTreeUpdater) Pool() ethCommon.Address {
	return b.pool
}

// Tree returns the mirror.  It includes the leaves of pending batches.
func (b *BatchTreeUpdater) Tree() *accumulator.Accumulator {
	return b.tree
}

// Metrics returns the metrics collector of the pool
func (b *BatchTreeUpdater) Metrics() *metric.PoolMetrics {
	return b.metrics
}

// GenerateProof applies leaves to the mirror and proves the transition.
// The batch stays pending until Commit or Rollback is called.  On failure
// the mirror is left as it was.
func (b *BatchTreeUpdater) GenerateProof(ctx context.Context, batchSize common.BatchSize,
	leaves []*big.Int) (*BatchProof, error) {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	return b.generateProof(ctx, batchSize, leaves)
}

func (b *BatchTreeUpdater) generateProof(ctx context.Context, batchSize common.BatchSize,
	leaves []*big.Int) (*BatchProof, error) {
	if !batchSize.Valid() {
		return nil, common.Wrapf(common.ErrInvalidBatchSize, "batch size %d", int(batchSize))
	}
	if len(leaves) != int(batchSize) {
		return nil, common.Wrapf(common.ErrInvalidBatchSize, "%d leaves for batch size %d",
			len(leaves), int(batchSize))
	}
	snapshot := b.tree.Snapshot()
	if snapshot.Len%int(batchSize) != 0 {
		return nil, common.Wrapf(common.ErrInvalidBatchSize,
			"start index %d is not a multiple of batch size %d", snapshot.Len, int(batchSize))
	}
	if b.tree.Height() < batchSize.Height() {
		return nil, common.Wrapf(common.ErrInvalidBatchSize,
			"batch size %d does not fit a tree of height %d", int(batchSize), b.tree.Height())
	}

	if err := b.tree.BulkInsert(leaves); err != nil {
		return nil, common.Wrap(err)
	}
	bp, err := b.prove(ctx, batchSize, snapshot, leaves)
	if err != nil {
		if rerr := b.tree.Restore(snapshot); rerr != nil {
			log.Errorw("BatchTreeUpdater: restore mirror", "pool", b.pool.Hex(), "err", rerr)
		}
		return nil, common.Wrap(err)
	}
	b.pending = append(b.pending, bp)
	return bp, nil
}

func (b *BatchTreeUpdater) prove(ctx context.Context, batchSize common.BatchSize,
	snapshot accumulator.Snapshot, leaves []*big.Int) (*BatchProof, error) {
	newRoot := b.tree.Root()
	path, err := b.tree.Path(snapshot.Len + len(leaves) - 1)
	if err != nil {
		return nil, common.Wrap(err)
	}
	height := batchSize.Height()
	pathElements := path.PathElements[height:]
	var pathIndices uint32
	for i, bit := range path.PathIndices[height:] {
		pathIndices |= uint32(bit) << uint(i)
	}
	argsHash := common.ArgsHash(snapshot.Root, newRoot, pathIndices, leaves)
	inputs := &common.BatchUpdateInputs{
		BatchSize:    batchSize,
		ArgsHash:     argsHash,
		OldRoot:      common.CopyBigInt(snapshot.Root),
		NewRoot:      newRoot,
		PathIndices:  pathIndices,
		PathElements: pathElements,
		Leaves:       common.CopyBigInts(leaves),
	}

	start := time.Now()
	proof, publicSignals, err := b.prover.Prove(ctx, inputs)
	if err != nil {
		return nil, common.Wrap(err)
	}
	duration := time.Since(start)
	b.metrics.ObserveProof(inputs.Circuit(), duration)
	if len(publicSignals) != 1 || publicSignals[0] == nil || publicSignals[0].Cmp(argsHash) != 0 {
		log.Errorw("BatchTreeUpdater: prover public signals do not match the args hash",
			"pool", b.pool.Hex(), "argsHash", argsHash, "publicSignals", publicSignals)
		return nil, common.Wrapf(common.ErrDigestMismatch, "public signals %v", publicSignals)
	}
	log.Debugw("BatchTreeUpdater: batch proven", "pool", b.pool.Hex(), "start", snapshot.Len,
		"size", int(batchSize), "newRoot", newRoot, "duration", duration)

	return &BatchProof{
		Pool:          b.pool,
		BatchSize:     batchSize,
		StartIndex:    uint64(snapshot.Len),
		OldRoot:       inputs.OldRoot,
		NewRoot:       newRoot,
		PathIndices:   pathIndices,
		PathElements:  pathElements,
		Leaves:        inputs.Leaves,
		ArgsHash:      argsHash,
		Inputs:        inputs,
		Proof:         proof,
		PublicSignals: publicSignals,
		ProofDuration: duration,
	}, nil
}

// BatchInsert reads the next batchSize leaves from queue, proves them and
// submits the batch, waiting for its confirmation.  The mirror is committed
// if the ledger accepts the batch and rolled back otherwise.
func (b *BatchTreeUpdater) BatchInsert(ctx context.Context, batchSize common.BatchSize,
	queue QueueSource, submitter Submitter) (*BatchProof, *eth.TxResult, error) {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	if !batchSize.Valid() {
		return nil, nil, common.Wrapf(common.ErrInvalidBatchSize, "batch size %d", int(batchSize))
	}
	start := uint64(b.tree.Len())
	nextIndex, err := queue.NextIndex(ctx)
	if err != nil {
		return nil, nil, common.Wrap(err)
	}
	if start+uint64(batchSize) > nextIndex {
		return nil, nil, common.Wrapf(common.ErrNotEnoughQueued,
			"need %d items from %d, queue next index %d", int(batchSize), start, nextIndex)
	}
	leaves := make([]*big.Int, batchSize)
	for i := range leaves {
		if leaves[i], err = queue.Queue(ctx, start+uint64(i)); err != nil {
			return nil, nil, common.Wrap(err)
		}
	}

	bp, err := b.generateProof(ctx, batchSize, leaves)
	if err != nil {
		b.metrics.Failure(metric.FailureReason(err))
		return nil, nil, common.Wrap(err)
	}
	if err := b.verify(bp); err != nil {
		b.metrics.Failure(metric.FailureReason(err))
		if rbErr := b.rollback(bp); rbErr != nil {
			log.Errorw("BatchTreeUpdater: rollback after verification", "err", rbErr)
		}
		return nil, nil, common.Wrap(err)
	}

	submitStart := time.Now()
	res, err := submitter.BatchInsert(ctx, bp.InsertArgs())
	if err != nil {
		b.metrics.Failure(metric.FailureReason(err))
		if common.IsDefect(err) {
			log.Errorw("BatchTreeUpdater: ledger rejected the batch", "pool", b.pool.Hex(),
				"start", bp.StartIndex, "argsHash", bp.ArgsHash, "err", err)
		}
		if rbErr := b.rollback(bp); rbErr != nil {
			log.Errorw("BatchTreeUpdater: rollback after submission", "err", rbErr)
		}
		return nil, nil, common.Wrap(err)
	}
	if err := b.commit(bp, res, time.Since(submitStart)); err != nil {
		return nil, nil, common.Wrap(err)
	}
	return bp, res, nil
}

// Verify checks the proof of bp with the configured Verifier.  Without
// Verifier every proof is accepted.
func (b *BatchTreeUpdater) Verify(bp *BatchProof) error {
	return b.verify(bp)
}

func (b *BatchTreeUpdater) verify(bp *BatchProof) error {
	if b.verifier == nil {
		return nil
	}
	if err := common.CheckArgsHash(bp.ArgsHash, bp.OldRoot, bp.NewRoot, bp.PathIndices,
		bp.Leaves); err != nil {
		log.Errorw("BatchTreeUpdater: args hash mismatch", "pool", b.pool.Hex(),
			"start", bp.StartIndex, "err", err)
		return common.Wrap(err)
	}
	ok, err := b.verifier.Verify(bp.Inputs.Circuit(), []*big.Int{bp.ArgsHash}, bp.Proof)
	if err != nil {
		log.Errorw("BatchTreeUpdater: proof verification failed", "pool", b.pool.Hex(),
			"start", bp.StartIndex, "circuit", bp.Inputs.Circuit(), "err", err)
		return common.Wrap(err)
	}
	if !ok {
		log.Warnw("BatchTreeUpdater: no verifying key, proof not checked",
			"circuit", bp.Inputs.Circuit())
	}
	return nil
}

// Commit marks bp as confirmed by the ledger.  Pending batches must be
// committed in the order they were generated.  res may be nil.
func (b *BatchTreeUpdater) Commit(bp *BatchProof, res *eth.TxResult) error {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	return b.commit(bp, res, 0)
}

func (b *BatchTreeUpdater) commit(bp *BatchProof, res *eth.TxResult, submit time.Duration) error {
	if len(b.pending) == 0 || b.pending[0] != bp {
		return common.Wrap(fmt.Errorf("batch at %d is not the oldest pending batch", bp.StartIndex))
	}
	// persisted first so that a failed write leaves bp pending
	if b.treeDB != nil {
		if err := b.treeDB.AddLeaves(bp.StartIndex, bp.Leaves, bp.NewRoot); err != nil {
			return common.Wrap(err)
		}
		if err := b.treeDB.MakeCheckpoint(); err != nil {
			return common.Wrap(err)
		}
	}
	b.pending = b.pending[1:]
	for i := range bp.Leaves {
		b.history[bp.StartIndex+uint64(i)] = bp.NewRoot
	}
	var gasUsed uint64
	if res != nil {
		gasUsed = res.GasUsed
	}
	b.metrics.ObserveBatch(int(bp.BatchSize), bp.ProofDuration, submit, gasUsed)
	b.metrics.SetLeaves(b.tree.Len())
	log.Infow("BatchTreeUpdater: batch confirmed", "pool", b.pool.Hex(), "start", bp.StartIndex,
		"size", int(bp.BatchSize), "newRoot", bp.NewRoot)
	return nil
}

// Rollback discards bp and every batch generated after it, restoring the
// mirror to the old root of bp
func (b *BatchTreeUpdater) Rollback(bp *BatchProof) error {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	return b.rollback(bp)
}

func (b *BatchTreeUpdater) rollback(bp *BatchProof) error {
	pos := -1
	for i := range b.pending {
		if b.pending[i] == bp {
			pos = i
			break
		}
	}
	if pos == -1 {
		return common.Wrap(fmt.Errorf("batch at %d is not pending", bp.StartIndex))
	}
	b.pending = b.pending[:pos]
	err := b.tree.Restore(accumulator.Snapshot{Len: int(bp.StartIndex), Root: bp.OldRoot})
	if err != nil {
		log.Errorw("BatchTreeUpdater: rollback", "pool", b.pool.Hex(), "start", bp.StartIndex,
			"err", err)
		return common.Wrap(err)
	}
	log.Infow("BatchTreeUpdater: batch rolled back", "pool", b.pool.Hex(),
		"start", bp.StartIndex, "root", bp.OldRoot)
	return nil
}

// Pending returns the number of proven batches waiting for confirmation
func (b *BatchTreeUpdater) Pending() int {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	return len(b.pending)
}

// DepositHistory returns, for every confirmed leaf index, the root of the
// tree right after the batch that inserted it was confirmed
func (b *BatchTreeUpdater) DepositHistory() map[uint64]*big.Int {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	history := make(map[uint64]*big.Int, len(b.history))
	for k, v := range b.history {
		history[k] = common.CopyBigInt(v)
	}
	return history
}

// Reset rebuilds the mirror from a replay of the ledger, dropping every
// pending batch
func (b *BatchTreeUpdater) Reset(leaves []*big.Int, history map[uint64]*big.Int) error {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	return b.reset(leaves, history)
}

func (b *BatchTreeUpdater) reset(leaves []*big.Int, history map[uint64]*big.Int) error {
	b.pending = nil
	if err := b.tree.Truncate(0); err != nil {
		return common.Wrap(err)
	}
	if err := b.tree.BulkInsert(leaves); err != nil {
		return common.Wrap(err)
	}
	b.history = make(map[uint64]*big.Int, len(history))
	for k, v := range history {
		b.history[k] = common.CopyBigInt(v)
	}
	b.metrics.SetLeaves(b.tree.Len())
	log.Infow("BatchTreeUpdater: mirror reset", "pool", b.pool.Hex(), "leaves", len(leaves),
		"root", b.tree.Root())
	return nil
}

// ResetFromDB resets the TreeDB to batchNum, copying the synchronizer
// state if fromSynchronizer is true, and rebuilds the mirror from it
func (b *BatchTreeUpdater) ResetFromDB(batchNum common.BatchNum, fromSynchronizer bool) error {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	if b.treeDB == nil {
		return common.Wrap(fmt.Errorf("batch tree updater without TreeDB"))
	}
	if err := b.treeDB.Reset(batchNum, fromSynchronizer); err != nil {
		return common.Wrap(err)
	}
	return b.loadTreeDB()
}

func (b *BatchTreeUpdater) loadTreeDB() error {
	leaves, err := b.treeDB.Leaves()
	if err != nil {
		return common.Wrap(err)
	}
	history, err := b.treeDB.DepositHistory()
	if err != nil {
		return common.Wrap(err)
	}
	return b.reset(leaves, history)
}
