package test

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math/big"
	"reflect"
	"sync"
	"time"

	"shielded-pool/accumulator"
	"shielded-pool/common"
	"shielded-pool/coordinator/prover"
	"shielded-pool/eth"
	"shielded-pool/log"

	"github.com/ethereum/go-ethereum"
	ethCommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/mitchellh/copystructure"
)

func init() {
	log.Init("debug", []string{"stdout"})
	copystructure.Copiers[reflect.TypeOf(big.Int{})] =
		func(raw interface{}) (interface{}, error) {
			in := raw.(big.Int)
			out := new(big.Int).Set(&in)
			return *out, nil
		}
}

// PoolState is the state of the pool contract at a block
type PoolState struct {
	Leaves []*big.Int
	// Roots is the root history, the last one is the current root
	Roots      []*big.Int
	Queue      []*big.Int
	Nullifiers map[string]bool
}

// PoolBlock stores all the data related to the pool contract from an
// ethereum block
type PoolBlock struct {
	State  PoolState
	Events common.BlockData
	// Txs maps the transactions of the block to their gas used
	Txs map[ethCommon.Hash]uint64
}

// EthereumBlock stores all the generic data related to the an ethereum block
type EthereumBlock struct {
	BlockNum   int64
	Time       int64
	Hash       ethCommon.Hash
	ParentHash ethCommon.Hash
	Nonce      uint64
}

// Block represents a ethereum block
type Block struct {
	Pool *PoolBlock
	Eth  *EthereumBlock
}

func (b *Block) copy() *Block {
	bCopyRaw, err := copystructure.Copy(b)
	if err != nil {
		panic(err)
	}
	bCopy := bCopyRaw.(*Block)
	return bCopy
}

// Next prepares the successive block.
func (b *Block) Next() *Block {
	blockNext := b.copy()
	blockNext.Pool.Events = common.BlockData{}
	blockNext.Pool.Txs = make(map[ethCommon.Hash]uint64)

	blockNext.Eth.BlockNum = b.Eth.BlockNum + 1
	blockNext.Eth.ParentHash = b.Eth.Hash
	return blockNext
}

// Verifier checks a proof against its public signals
type Verifier interface {
	Verify(circuit common.CircuitID, publicSignals []*big.Int, proof *prover.Proof) (bool, error)
}

// LedgerSetup is used to initialize the pool contract of the test Ledger
type LedgerSetup struct {
	Height    int
	Hasher    common.Hasher
	ZeroValue *big.Int
	ChainID   *big.Int
	// Verifier, if set, checks every proof
	Verifier Verifier
	// AutoMine mines a block after every successful transaction
	AutoMine        bool
	RootHistorySize int
}

// NewLedgerSetupExample returns a LedgerSetup example with a height 5
// Poseidon tree that mines every transaction
//
//nolint:gomnd
func NewLedgerSetupExample() *LedgerSetup {
	return &LedgerSetup{
		Height:          5,
		Hasher:          common.PoseidonHasher{},
		ChainID:         big.NewInt(1337),
		AutoMine:        true,
		RootHistorySize: 30,
	}
}

// Timer is an interface to simulate a source of time, useful to advance time
// virtually.
type Timer interface {
	Time() int64
}

// FakeTimer is a Timer that only moves when told to
type FakeTimer struct {
	now int64
}

// NewFakeTimer returns a FakeTimer at unix time now
func NewFakeTimer(now int64) *FakeTimer {
	return &FakeTimer{now: now}
}

// Time implements Timer
func (t *FakeTimer) Time() int64 {
	return t.now
}

// Add moves the timer forward
func (t *FakeTimer) Add(d time.Duration) {
	t.now += int64(d / time.Second)
}

// Ledger implements the eth.Ledger interface for a single pool, allowing to
// manipulate the values for testing, working with deterministic results.
type Ledger struct {
	rw          *sync.RWMutex
	log         bool
	setup       *LedgerSetup
	blocks      map[int64]*Block
	blockNum    int64 // last mined block num
	maxBlockNum int64 // highest block num calculated
	timer       Timer
	hasher      hasher
}

// NewLedger returns a new test Ledger with an empty pool mined at block 1
func NewLedger(l bool, timer Timer, setup *LedgerSetup) (*Ledger, error) {
	c := &Ledger{
		rw:     &sync.RWMutex{},
		log:    l,
		setup:  setup,
		blocks: make(map[int64]*Block),
		timer:  timer,
	}
	emptyRoot, err := c.computeRoot(nil)
	if err != nil {
		return nil, common.Wrap(err)
	}
	blockCurrent := &Block{
		Pool: &PoolBlock{
			State: PoolState{
				Leaves:     []*big.Int{},
				Roots:      []*big.Int{emptyRoot},
				Queue:      []*big.Int{},
				Nullifiers: make(map[string]bool),
			},
			Txs: make(map[ethCommon.Hash]uint64),
		},
		Eth: &EthereumBlock{
			BlockNum: 0,
			Time:     timer.Time(),
			Hash:     c.hasher.Next(),
		},
	}
	c.blocks[0] = blockCurrent
	c.blocks[1] = blockCurrent.Next()
	c.CtlMineBlock()
	return c, nil
}

//
// Mock Control
//

func (c *Ledger) computeRoot(leaves []*big.Int) (*big.Int, error) {
	acc, err := accumulator.New(accumulator.Config{
		Height:    c.setup.Height,
		ZeroValue: c.setup.ZeroValue,
		Hasher:    c.setup.Hasher,
	})
	if err != nil {
		return nil, common.Wrap(err)
	}
	if err := acc.BulkInsert(leaves); err != nil {
		return nil, common.Wrap(err)
	}
	return acc.Root(), nil
}

func (c *Ledger) setNextBlock(block *Block) {
	c.blocks[c.blockNum+1] = block
}

func (c *Ledger) revertIfErr(err error, block *Block) {
	if err != nil {
		log.Infow("TestLedger revert", "block", block.Eth.BlockNum, "err", err)
		c.setNextBlock(block)
	}
}

// Debugw calls log.Debugw if c.log is true
func (c *Ledger) Debugw(template string, kv ...interface{}) {
	if c.log {
		log.Debugw(template, kv...)
	}
}

type hasher struct {
	counter uint64
}

// Next returns the next hash
func (h *hasher) Next() ethCommon.Hash {
	var hash ethCommon.Hash
	binary.LittleEndian.PutUint64(hash[:], h.counter)
	h.counter++
	return hash
}

func (c *Ledger) nextBlock() *Block {
	return c.blocks[c.blockNum+1]
}

func (c *Ledger) currentBlock() *Block {
	return c.blocks[c.blockNum]
}

// CtlMineBlock moves one block forward
func (c *Ledger) CtlMineBlock() {
	c.rw.Lock()
	defer c.rw.Unlock()
	c.mineBlock()
}

func (c *Ledger) mineBlock() {
	blockCurrent := c.nextBlock()
	c.blockNum++
	c.maxBlockNum = c.blockNum
	blockCurrent.Eth.Time = c.timer.Time()
	blockCurrent.Eth.Hash = c.hasher.Next()

	blockNext := blockCurrent.Next()
	c.blocks[c.blockNum+1] = blockNext
	c.Debugw("TestLedger mined block", "blockNum", c.blockNum)
}

// CtlRollback discards the last mined block.  Use this to replace a mined
// block to simulate reorgs.
func (c *Ledger) CtlRollback() {
	c.rw.Lock()
	defer c.rw.Unlock()

	if c.blockNum == 0 {
		panic("Can't rollback at blockNum = 0")
	}
	delete(c.blocks, c.blockNum+1) // delete next block
	delete(c.blocks, c.blockNum)   // delete current block
	c.blockNum--
	blockCurrent := c.blocks[c.blockNum]
	blockNext := blockCurrent.Next()
	c.blocks[c.blockNum+1] = blockNext
}

// CtlLastBlock returns the last block without checks
func (c *Ledger) CtlLastBlock() *common.Block {
	c.rw.RLock()
	defer c.rw.RUnlock()
	return c.ethBlock(c.blockNum)
}

func (c *Ledger) ethBlock(blockNum int64) *common.Block {
	block := c.blocks[blockNum]
	return &common.Block{
		Num:        blockNum,
		Timestamp:  time.Unix(block.Eth.Time, 0),
		Hash:       block.Eth.Hash,
		ParentHash: block.Eth.ParentHash,
	}
}

// CtlEnqueue appends commitments to the deposit queue of the pool in the
// next block
func (c *Ledger) CtlEnqueue(commitments ...*big.Int) uint64 {
	c.rw.Lock()
	defer c.rw.Unlock()
	s := &c.nextBlock().Pool.State
	s.Queue = append(s.Queue, common.CopyBigInts(commitments)...)
	return uint64(len(s.Queue))
}

// CtlInsertLeaves inserts the next n queued commitments in the pool tree
// without any proof, as another updater of the same pool would do.  The
// block is mined.
func (c *Ledger) CtlInsertLeaves(n int) error {
	c.rw.Lock()
	defer c.rw.Unlock()
	s := &c.nextBlock().Pool.State
	start := len(s.Leaves)
	if start+n > len(s.Queue) {
		return common.Wrap(common.ErrNotEnoughQueued)
	}
	if err := c.insert(c.nextBlock(), uint64(start), s.Queue[start:start+n],
		ethCommon.Hash{}); err != nil {
		return common.Wrap(err)
	}
	c.mineBlock()
	return nil
}

// CtlSpend records nullifiers in the next block without any proof, as a
// transaction of another client would do
func (c *Ledger) CtlSpend(nullifiers ...*big.Int) error {
	c.rw.Lock()
	defer c.rw.Unlock()
	next := c.nextBlock()
	s := &next.Pool.State
	for _, nullifier := range nullifiers {
		if s.Nullifiers[nullifier.String()] {
			return common.Wrapf(common.ErrDoubleSpend, "nullifier %v", nullifier)
		}
		s.Nullifiers[nullifier.String()] = true
		next.Pool.Events.Nullifiers = append(next.Pool.Events.Nullifiers,
			common.CopyBigInt(nullifier))
	}
	return nil
}

func (c *Ledger) insert(block *Block, start uint64, leaves []*big.Int, txHash ethCommon.Hash) error {
	s := &block.Pool.State
	all := append(common.CopyBigInts(s.Leaves), leaves...)
	root, err := c.computeRoot(all)
	if err != nil {
		return common.Wrap(err)
	}
	s.Leaves = all
	s.Roots = append(s.Roots, root)
	if c.setup.RootHistorySize > 0 && len(s.Roots) > c.setup.RootHistorySize {
		s.Roots = s.Roots[len(s.Roots)-c.setup.RootHistorySize:]
	}
	block.Pool.Events.Insertions = append(block.Pool.Events.Insertions, common.Insertion{
		StartIndex: start,
		Leaves:     common.CopyBigInts(leaves),
		NewRoot:    root,
		TxHash:     txHash,
	})
	return nil
}

type transactionData struct {
	Name  string
	Value interface{}
}

func (c *Ledger) newTransaction(name string, value interface{}) *types.Transaction {
	eth := c.nextBlock().Eth
	nonce := eth.Nonce
	eth.Nonce++
	data, err := json.Marshal(transactionData{name, value})
	if err != nil {
		panic(err)
	}
	return types.NewTransaction(nonce, ethCommon.Address{}, nil, 0, nil,
		data)
}

func (c *Ledger) finishTx(tx *types.Transaction, gasUsed uint64) *eth.TxResult {
	next := c.nextBlock()
	next.Pool.Txs[tx.Hash()] = gasUsed
	res := &eth.TxResult{
		TxHash:   tx.Hash(),
		BlockNum: next.Eth.BlockNum,
		GasUsed:  gasUsed,
	}
	if c.setup.AutoMine {
		c.mineBlock()
	}
	return res
}

//
// Ledger
//

// Root implements eth.Ledger
func (c *Ledger) Root(ctx context.Context) (*big.Int, error) {
	c.rw.RLock()
	defer c.rw.RUnlock()
	roots := c.currentBlock().Pool.State.Roots
	return common.CopyBigInt(roots[len(roots)-1]), nil
}

// LeafCount implements eth.Ledger
func (c *Ledger) LeafCount(ctx context.Context) (uint64, error) {
	c.rw.RLock()
	defer c.rw.RUnlock()
	return uint64(len(c.currentBlock().Pool.State.Leaves)), nil
}

// NextIndex implements eth.Ledger
func (c *Ledger) NextIndex(ctx context.Context) (uint64, error) {
	c.rw.RLock()
	defer c.rw.RUnlock()
	return uint64(len(c.currentBlock().Pool.State.Queue)), nil
}

// Queue implements eth.Ledger
func (c *Ledger) Queue(ctx context.Context, index uint64) (*big.Int, error) {
	c.rw.RLock()
	defer c.rw.RUnlock()
	queue := c.currentBlock().Pool.State.Queue
	if index >= uint64(len(queue)) {
		return nil, common.Wrap(common.ErrIndexOutOfRange)
	}
	return common.CopyBigInt(queue[index]), nil
}

// IsSpent implements eth.Ledger
func (c *Ledger) IsSpent(ctx context.Context, nullifier *big.Int) (bool, error) {
	c.rw.RLock()
	defer c.rw.RUnlock()
	return c.currentBlock().Pool.State.Nullifiers[nullifier.String()], nil
}

// LastBlock implements eth.Ledger
func (c *Ledger) LastBlock(ctx context.Context) (*common.Block, error) {
	c.rw.RLock()
	defer c.rw.RUnlock()

	if c.blockNum < c.maxBlockNum {
		panic("blockNum has decreased.  " +
			"After a rollback you must mine to reach the same or higher blockNum")
	}
	return c.ethBlock(c.blockNum), nil
}

// EventsByBlock implements eth.Ledger
func (c *Ledger) EventsByBlock(ctx context.Context, blockNum int64) (*common.BlockData, error) {
	c.rw.RLock()
	defer c.rw.RUnlock()

	if blockNum > c.blockNum {
		return nil, common.Wrap(ethereum.NotFound)
	}
	block, ok := c.blocks[blockNum]
	if !ok {
		return nil, common.Wrap(fmt.Errorf("Block %v doesn't exist", blockNum))
	}
	data := block.copy().Pool.Events
	data.Block = *c.ethBlock(blockNum)
	return &data, nil
}

// BatchInsert implements eth.Ledger.  It checks the batch the way the pool
// contract does: the old root must be the current root, the leaves must be
// the next queued commitments and the args hash must match them.
func (c *Ledger) BatchInsert(ctx context.Context, args *eth.BatchInsertArgs) (res *eth.TxResult,
	err error) {
	c.rw.Lock()
	defer c.rw.Unlock()
	cpy := c.nextBlock().copy()
	defer func() { c.revertIfErr(err, cpy) }()

	next := c.nextBlock()
	s := &next.Pool.State
	if current := s.Roots[len(s.Roots)-1]; current.Cmp(args.OldRoot) != 0 {
		return nil, common.Wrapf(common.ErrStaleRoot, "pool root %v, batch old root %v",
			current, args.OldRoot)
	}
	batchSize, err := common.ParseBatchSize(1 << args.BatchHeight)
	if err != nil || len(args.Leaves) != int(batchSize) {
		return nil, common.Wrapf(common.ErrInvalidBatchSize, "height %d with %d leaves",
			args.BatchHeight, len(args.Leaves))
	}
	start := uint64(len(s.Leaves))
	if args.StartIndex() != start {
		return nil, common.Wrap(fmt.Errorf("batch starts at %d but the tree has %d leaves",
			args.StartIndex(), start))
	}
	if start+uint64(batchSize) > uint64(len(s.Queue)) {
		return nil, common.Wrap(common.ErrNotEnoughQueued)
	}
	for i, leaf := range args.Leaves {
		if s.Queue[start+uint64(i)].Cmp(leaf) != 0 {
			return nil, common.Wrap(fmt.Errorf("leaf %d is not the queued commitment", i))
		}
	}
	if err := common.CheckArgsHash(args.ArgsHash, args.OldRoot, args.NewRoot, args.PathIndices,
		args.Leaves); err != nil {
		return nil, common.Wrap(err)
	}
	if c.setup.Verifier != nil {
		if _, err := c.setup.Verifier.Verify(batchSize.Circuit(), []*big.Int{args.ArgsHash},
			args.Proof); err != nil {
			return nil, common.Wrap(err)
		}
	}
	tx := c.newTransaction("batchInsert", args)
	if err := c.insert(next, start, args.Leaves, tx.Hash()); err != nil {
		return nil, common.Wrap(err)
	}
	// a valid proof can not exist for a wrong new root
	if newRoot := s.Roots[len(s.Roots)-1]; newRoot.Cmp(args.NewRoot) != 0 {
		return nil, common.Wrapf(common.ErrProofVerificationFailed,
			"new root %v, computed %v", args.NewRoot, newRoot)
	}
	//nolint:gomnd
	return c.finishTx(tx, 200000+uint64(len(args.Leaves))*25000), nil
}

// Transact implements eth.Ledger.  The output commitments are appended to
// the deposit queue.
func (c *Ledger) Transact(ctx context.Context, args *eth.TransactArgs) (res *eth.TxResult,
	err error) {
	c.rw.Lock()
	defer c.rw.Unlock()
	cpy := c.nextBlock().copy()
	defer func() { c.revertIfErr(err, cpy) }()

	next := c.nextBlock()
	s := &next.Pool.State
	if len(args.Roots) == 0 || !containsBigInt(s.Roots, args.Roots[0]) {
		return nil, common.Wrap(common.ErrStaleRoot)
	}
	seen := make(map[string]bool, len(args.InputNullifiers))
	for _, nullifier := range args.InputNullifiers {
		if s.Nullifiers[nullifier.String()] || seen[nullifier.String()] {
			return nil, common.Wrapf(common.ErrDoubleSpend, "nullifier %v", nullifier)
		}
		seen[nullifier.String()] = true
	}
	extDataHash, err := args.ExtData.Hash()
	if err != nil {
		return nil, common.Wrap(err)
	}
	if args.ExtDataHash == nil || extDataHash.Cmp(args.ExtDataHash) != 0 {
		return nil, common.Wrap(common.ErrDigestMismatch)
	}
	if c.setup.Verifier != nil {
		inputs := &common.TransactInputs{
			PublicAmount:     args.PublicAmount,
			ExtDataHash:      args.ExtDataHash,
			PublicAssetID:    args.AssetID,
			PublicTokenID:    args.TokenID,
			InputNullifier:   args.InputNullifiers,
			OutputCommitment: args.OutputCommitments[:],
			ChainID:          c.setup.ChainID,
			Roots:            args.Roots,
		}
		if _, err := c.setup.Verifier.Verify(inputs.Circuit(), inputs.PublicSignals(),
			args.Proof); err != nil {
			return nil, common.Wrap(err)
		}
	}
	tx := c.newTransaction("transact", args)
	for _, nullifier := range args.InputNullifiers {
		s.Nullifiers[nullifier.String()] = true
		next.Pool.Events.Nullifiers = append(next.Pool.Events.Nullifiers,
			common.CopyBigInt(nullifier))
	}
	s.Queue = append(s.Queue, common.CopyBigInts(args.OutputCommitments[:])...)
	//nolint:gomnd
	return c.finishTx(tx, 300000+uint64(len(args.InputNullifiers))*10000), nil
}

func containsBigInt(set []*big.Int, v *big.Int) bool {
	if v == nil {
		return false
	}
	for _, e := range set {
		if e.Cmp(v) == 0 {
			return true
		}
	}
	return false
}
