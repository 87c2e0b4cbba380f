package treedb

import (
	"fmt"
	"math/big"

	"shielded-pool/common"
	"shielded-pool/database/kvdb"
	"shielded-pool/log"

	"github.com/iden3/go-merkletree"
	"github.com/iden3/go-merkletree/db"
	"github.com/iden3/go-merkletree/db/pebble"
)

const (
	// TypeSynchronizer defines a TreeDB used by the Synchronizer, that
	// follows the ledger events
	TypeSynchronizer = "synchronizer"
	// TypeBatchBuilder defines a TreeDB used by a BatchTreeUpdater, that
	// is reset from the synchronizer TreeDB
	TypeBatchBuilder = "batchbuilder"
	// DefaultNullifierLevels is the number of levels of the nullifier
	// sparse merkle tree
	DefaultNullifierLevels = 64
)

// Config of the TreeDB
type Config struct {
	// Path where the checkpoints will be stored
	Path string
	// Keep is the number of old checkpoints to keep.  If 0, all
	// checkpoints are kept.
	Keep int
	// NoLast skips having an opened DB with a checkpoint to the last
	// batchNum for thread-safe reads.
	NoLast bool
	// Type of TreeDB
	Type TypeTreeDB
	// NullifierLevels is the number of levels of the nullifier tree.
	// DefaultNullifierLevels is used if 0.
	NullifierLevels int
}

var (
	// PrefixKeyLeaf is the key prefix of the leaves, indexed by their
	// position
	PrefixKeyLeaf = []byte("l:")
	// PrefixKeyHistory is the key prefix of the root recorded when the
	// leaf at an index was confirmed
	PrefixKeyHistory = []byte("h:")
	// PrefixKeyNullifier is the key prefix of the spent nullifier markers
	PrefixKeyNullifier = []byte("n:")
	// PrefixKeyMTNullifier is the key prefix for the nullifier merkle
	// tree in the db
	PrefixKeyMTNullifier = []byte("mn:")
	// PrefixKeyBlock is the key prefix of the checkpoint that holds the
	// state at a synced block
	PrefixKeyBlock = []byte("b:")
)

// TypeTreeDB determines the type of TreeDB
type TypeTreeDB string

// TreeDB persists the confirmed leaves of a pool tree, the deposit history
// and the set of spent nullifiers, with a checkpoint per confirmed batch
type TreeDB struct {
	cfg           Config
	db            *kvdb.KVDB
	NullifierTree *merkletree.MerkleTree
}

// Last is a consistent view of the last checkpoint
type Last struct {
	db db.Storage
}

// LocalTreeDB is a TreeDB that can be reset from the synchronizer TreeDB
type LocalTreeDB struct {
	*TreeDB
	synchronizerTreeDB *TreeDB
}

func indexKey(prefix []byte, index uint64) []byte {
	b := common.Uint64ToBytes8(index)
	return append(append([]byte{}, prefix...), b[:]...)
}

func fieldKey(prefix []byte, v *big.Int) []byte {
	b := common.FieldToBytes32BE(v)
	return append(append([]byte{}, prefix...), b[:]...)
}

func getField(sto db.Storage, key []byte) (*big.Int, error) {
	b, err := sto.Get(key)
	if err != nil {
		return nil, common.Wrap(err)
	}
	return common.FieldFromBytesBE(b)
}

// NewTreeDB opens or creates a TreeDB
func NewTreeDB(cfg Config) (*TreeDB, error) {
	if cfg.NullifierLevels == 0 {
		cfg.NullifierLevels = DefaultNullifierLevels
	}
	kv, err := kvdb.NewKVDB(kvdb.Config{Path: cfg.Path, Keep: cfg.Keep, NoLast: cfg.NoLast})
	if err != nil {
		return nil, common.Wrap(err)
	}
	mt, err := merkletree.NewMerkleTree(kv.StorageWithPrefix(PrefixKeyMTNullifier),
		cfg.NullifierLevels)
	if err != nil {
		return nil, common.Wrap(err)
	}
	return &TreeDB{
		cfg:           cfg,
		db:            kv,
		NullifierTree: mt,
	}, nil
}

// Type returns the TreeDB configured Type
func (t *TreeDB) Type() TypeTreeDB {
	return t.cfg.Type
}

// NextLeaf returns the number of confirmed leaves
func (t *TreeDB) NextLeaf() uint64 {
	return t.db.NextLeaf
}

// AddLeaves stores a confirmed insertion of leaves starting at startIndex,
// recording root as the deposit history of every one of them
func (t *TreeDB) AddLeaves(startIndex uint64, leaves []*big.Int, root *big.Int) error {
	if startIndex != t.db.NextLeaf {
		return common.Wrap(fmt.Errorf("leaves start at %d but the tree has %d leaves",
			startIndex, t.db.NextLeaf))
	}
	tx, err := t.db.DB().NewTx()
	if err != nil {
		return common.Wrap(err)
	}
	defer tx.Close()
	rootBytes := common.FieldToBytes32BE(root)
	for i, leaf := range leaves {
		index := startIndex + uint64(i)
		leafBytes := common.FieldToBytes32BE(leaf)
		if err := tx.Put(indexKey(PrefixKeyLeaf, index), leafBytes[:]); err != nil {
			return common.Wrap(err)
		}
		if err := tx.Put(indexKey(PrefixKeyHistory, index), rootBytes[:]); err != nil {
			return common.Wrap(err)
		}
	}
	prevNextLeaf := t.db.NextLeaf
	if err := t.db.SetNextLeaf(tx, startIndex+uint64(len(leaves))); err != nil {
		return common.Wrap(err)
	}
	if err := tx.Commit(); err != nil {
		t.db.NextLeaf = prevNextLeaf
		return common.Wrap(err)
	}
	return nil
}

// Leaf returns the leaf at index
func (t *TreeDB) Leaf(index uint64) (*big.Int, error) {
	if index >= t.db.NextLeaf {
		return nil, common.Wrap(common.ErrIndexOutOfRange)
	}
	return getField(t.db.DB(), indexKey(PrefixKeyLeaf, index))
}

// Leaves returns every confirmed leaf in order
func (t *TreeDB) Leaves() ([]*big.Int, error) {
	leaves := make([]*big.Int, t.db.NextLeaf)
	for i := range leaves {
		leaf, err := getField(t.db.DB(), indexKey(PrefixKeyLeaf, uint64(i)))
		if err != nil {
			return nil, common.Wrap(err)
		}
		leaves[i] = leaf
	}
	return leaves, nil
}

// DepositHistory returns the root recorded for every confirmed leaf index
func (t *TreeDB) DepositHistory() (map[uint64]*big.Int, error) {
	history := make(map[uint64]*big.Int, t.db.NextLeaf)
	for i := uint64(0); i < t.db.NextLeaf; i++ {
		root, err := getField(t.db.DB(), indexKey(PrefixKeyHistory, i))
		if err != nil {
			return nil, common.Wrap(err)
		}
		history[i] = root
	}
	return history, nil
}

// AddNullifier records a spent nullifier, returning ErrDoubleSpend if it
// was already recorded
func (t *TreeDB) AddNullifier(nullifier *big.Int) error {
	if !common.CheckInField(nullifier) {
		return common.Wrap(common.ErrNotInFF)
	}
	spent, err := t.IsSpent(nullifier)
	if err != nil {
		return common.Wrap(err)
	}
	if spent {
		return common.Wrap(common.ErrDoubleSpend)
	}
	if err := t.NullifierTree.Add(nullifier, big.NewInt(1)); err != nil {
		if common.Unwrap(err) == merkletree.ErrEntryIndexAlreadyExists {
			return common.Wrap(common.ErrDoubleSpend)
		}
		return common.Wrap(err)
	}
	tx, err := t.db.DB().NewTx()
	if err != nil {
		return common.Wrap(err)
	}
	defer tx.Close()
	if err := tx.Put(fieldKey(PrefixKeyNullifier, nullifier), []byte{1}); err != nil {
		return common.Wrap(err)
	}
	return common.Wrap(tx.Commit())
}

// IsSpent returns true if the nullifier has been recorded
func (t *TreeDB) IsSpent(nullifier *big.Int) (bool, error) {
	return isSpent(t.db.DB(), nullifier)
}

func isSpent(sto db.Storage, nullifier *big.Int) (bool, error) {
	_, err := sto.Get(fieldKey(PrefixKeyNullifier, nullifier))
	if common.Unwrap(err) == db.ErrNotFound {
		return false, nil
	}
	if err != nil {
		return false, common.Wrap(err)
	}
	return true, nil
}

// NullifierRoot returns the root of the nullifier tree
func (t *TreeDB) NullifierRoot() *big.Int {
	return t.NullifierTree.Root().BigInt()
}

// LastRead is a thread-safe method to query the last checkpoint of the
// TreeDB via the Last type methods
func (t *TreeDB) LastRead(fn func(tdbLast *Last) error) error {
	return t.db.LastRead(
		func(db *pebble.Storage) error {
			return fn(&Last{
				db: db,
			})
		},
	)
}

// IsSpent returns true if the nullifier was recorded at the last checkpoint
func (l *Last) IsSpent(nullifier *big.Int) (bool, error) {
	return isSpent(l.db, nullifier)
}

// DB returns the underlying storage of Last
func (l *Last) DB() db.Storage {
	return l.db
}

// LastIsSpent is a thread-safe IsSpent over the last checkpoint
func (t *TreeDB) LastIsSpent(nullifier *big.Int) (bool, error) {
	var spent bool
	if err := t.LastRead(func(last *Last) error {
		var err error
		spent, err = last.IsSpent(nullifier)
		return err
	}); err != nil {
		return false, common.Wrap(err)
	}
	return spent, nil
}

// MakeCheckpoint advances the current BatchNum and stores a checkpoint of
// the current state
func (t *TreeDB) MakeCheckpoint() error {
	log.Debugw("Making TreeDB checkpoint", "batch", t.CurrentBatch()+1, "type", t.cfg.Type)
	return t.db.MakeCheckpoint()
}

// CommitBlock records the state of a synced block.  If the block changed
// the state a checkpoint is made, otherwise the block shares the current
// checkpoint.
func (t *TreeDB) CommitBlock(blockNum int64, changed bool) error {
	checkpoint := t.CurrentBatch()
	if changed {
		checkpoint++
	}
	tx, err := t.db.DB().NewTx()
	if err != nil {
		return common.Wrap(err)
	}
	defer tx.Close()
	if err := tx.Put(indexKey(PrefixKeyBlock, uint64(blockNum)), checkpoint.Bytes()); err != nil {
		return common.Wrap(err)
	}
	if err := tx.Commit(); err != nil {
		return common.Wrap(err)
	}
	if changed {
		return t.MakeCheckpoint()
	}
	return nil
}

// BlockCheckpoint returns the checkpoint holding the state at blockNum: the
// one recorded for the last committed block not after blockNum, or 0.
func (t *TreeDB) BlockCheckpoint(blockNum int64) (common.BatchNum, error) {
	for n := blockNum; n >= 0; n-- {
		b, err := t.db.DB().Get(indexKey(PrefixKeyBlock, uint64(n)))
		if common.Unwrap(err) == db.ErrNotFound {
			continue
		} else if err != nil {
			return 0, common.Wrap(err)
		}
		return common.BatchNumFromBytes(b)
	}
	return 0, nil
}

// CurrentBatch returns the current in-memory CurrentBatch of the TreeDB
func (t *TreeDB) CurrentBatch() common.BatchNum {
	return t.db.CurrentBatch
}

// Reset resets the TreeDB to the checkpoint at the given batchNum
func (t *TreeDB) Reset(batchNum common.BatchNum) error {
	log.Debugw("Making TreeDB Reset", "batch", batchNum, "type", t.cfg.Type)
	if err := t.db.Reset(batchNum); err != nil {
		return common.Wrap(err)
	}
	return t.reopenNullifierTree()
}

func (t *TreeDB) reopenNullifierTree() error {
	mt, err := merkletree.NewMerkleTree(t.db.StorageWithPrefix(PrefixKeyMTNullifier),
		t.NullifierTree.MaxLevels())
	if err != nil {
		return common.Wrap(err)
	}
	t.NullifierTree = mt
	return nil
}

// DeleteOldCheckpoints deletes old checkpoints when there are more than
// `cfg.Keep` checkpoints
func (t *TreeDB) DeleteOldCheckpoints() error {
	return t.db.DeleteOldCheckpoints()
}

// Close closes the TreeDB
func (t *TreeDB) Close() {
	t.db.Close()
}

// NewLocalTreeDB returns a new LocalTreeDB connected to the given
// synchronizerDB
func NewLocalTreeDB(cfg Config, synchronizerDB *TreeDB) (*LocalTreeDB, error) {
	cfg.NoLast = true
	t, err := NewTreeDB(cfg)
	if err != nil {
		return nil, common.Wrap(err)
	}
	return &LocalTreeDB{
		t,
		synchronizerDB,
	}, nil
}

// CheckpointExists returns true if the checkpoint exists
func (l *LocalTreeDB) CheckpointExists(batchNum common.BatchNum) (bool, error) {
	return l.db.CheckpointExists(batchNum)
}

// Reset performs a reset in the LocalTreeDB.  If fromSynchronizer is true,
// it copies the state of the synchronizer TreeDB at batchNum, otherwise it
// uses its own checkpoints.
func (l *LocalTreeDB) Reset(batchNum common.BatchNum, fromSynchronizer bool) error {
	if fromSynchronizer {
		log.Debugw("Making TreeDB ResetFromSynchronizer", "batch", batchNum, "type", l.cfg.Type)
		if err := l.db.ResetFromSynchronizer(batchNum, l.synchronizerTreeDB.db); err != nil {
			return common.Wrap(err)
		}
		return l.reopenNullifierTree()
	}
	return l.TreeDB.Reset(batchNum)
}
