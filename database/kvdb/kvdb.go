/*
Package kvdb implements a pebble key value store with a checkpoint per
confirmed batch.  The "current" store is the one being written, "BatchNumN"
directories hold the state right after batch N was confirmed and "last" is
an opened copy of the newest checkpoint that can be read concurrently.

Besides the user keys, every store holds the number of the batch it
reflects and the number of tree leaves stored up to it.
*/
package kvdb

import (
	"encoding/binary"
	"fmt"
	"os"
	"path"
	"sort"
	"strings"
	"sync"

	"shielded-pool/common"
	"shielded-pool/log"

	"github.com/iden3/go-merkletree/db"
	"github.com/iden3/go-merkletree/db/pebble"
)

const (
	// PathBatchNum is the prefix of the checkpoint directories
	PathBatchNum = "BatchNum"
	// PathCurrent is the directory of the store being written
	PathCurrent = "current"
	// PathLast is the directory of the copy of the newest checkpoint
	PathLast = "last"
)

var (
	keyCurrentBatch = []byte("k:currentbatch")
	keyNextLeaf     = []byte("k:nextleaf")
	// ErrNoLast is returned by LastRead when the KVDB keeps no last copy
	ErrNoLast = fmt.Errorf("no last checkpoint")
)

// Config of the KVDB
type Config struct {
	// Path where the current store and the checkpoints live
	Path string
	// Keep is the number of checkpoints to keep, 0 keeps them all
	Keep int
	// NoLast disables the concurrently readable copy of the newest
	// checkpoint
	NoLast bool
}

// KVDB is a pebble store with numbered checkpoints
type KVDB struct {
	cfg Config
	db  *pebble.Storage
	// NextLeaf is the number of leaves stored at CurrentBatch
	NextLeaf     uint64
	CurrentBatch common.BatchNum
	// a checkpoint may be copied by its owner and by a local copy of the
	// store at the same time
	copyMutex  sync.Mutex
	purgeMutex sync.Mutex
	wg         sync.WaitGroup
	last       *last
}

// last keeps the newest checkpoint opened for readers
type last struct {
	db  *pebble.Storage
	dir string
	rw  sync.RWMutex
}

// replace swaps the opened copy for a copy of src, or for an empty store if
// src is nil
func (l *last) replace(src func(dest string) error) error {
	l.rw.Lock()
	defer l.rw.Unlock()
	if l.db != nil {
		l.db.Close()
		l.db = nil
	}
	if err := os.RemoveAll(l.dir); err != nil {
		return common.Wrap(err)
	}
	if src != nil {
		if err := src(l.dir); err != nil {
			return common.Wrap(err)
		}
	}
	sto, err := pebble.NewPebbleStorage(l.dir, false)
	if err != nil {
		return common.Wrap(err)
	}
	l.db = sto
	return nil
}

func (l *last) close() {
	l.rw.Lock()
	defer l.rw.Unlock()
	if l.db != nil {
		l.db.Close()
		l.db = nil
	}
}

// NewKVDB opens the KVDB at cfg.Path, resetting the current store to the
// checkpoint of the last stored batch
func NewKVDB(cfg Config) (*KVDB, error) {
	sto, err := pebble.NewPebbleStorage(path.Join(cfg.Path, PathCurrent), false)
	if err != nil {
		return nil, common.Wrap(err)
	}
	k := &KVDB{cfg: cfg, db: sto}
	if !cfg.NoLast {
		k.last = &last{dir: path.Join(cfg.Path, PathLast)}
	}
	batchNum, _, err := k.readCounters()
	if err != nil {
		return nil, common.Wrap(err)
	}
	if err := k.Reset(batchNum); err != nil {
		return nil, common.Wrap(err)
	}
	return k, nil
}

func (k *KVDB) checkpointDir(batchNum common.BatchNum) string {
	return path.Join(k.cfg.Path, fmt.Sprintf("%s%d", PathBatchNum, batchNum))
}

// readCounters reads the batch number and the leaf count of the current
// store
func (k *KVDB) readCounters() (common.BatchNum, uint64, error) {
	var batchNum common.BatchNum
	b, err := k.db.Get(keyCurrentBatch)
	switch {
	case common.Unwrap(err) == db.ErrNotFound:
	case err != nil:
		return 0, 0, common.Wrap(err)
	default:
		if batchNum, err = common.BatchNumFromBytes(b); err != nil {
			return 0, 0, common.Wrap(err)
		}
	}
	b, err = k.db.Get(keyNextLeaf)
	if common.Unwrap(err) == db.ErrNotFound {
		return batchNum, 0, nil
	} else if err != nil {
		return 0, 0, common.Wrap(err)
	}
	if len(b) != 8 {
		return 0, 0, common.Wrap(fmt.Errorf("invalid next leaf length %d", len(b)))
	}
	return batchNum, binary.BigEndian.Uint64(b), nil
}

// openCurrent replaces the current store with a copy of src (an empty one
// if src is nil) and loads its counters
func (k *KVDB) openCurrent(src func(dest string) error) error {
	if k.db != nil {
		k.db.Close()
		k.db = nil
	}
	currentDir := path.Join(k.cfg.Path, PathCurrent)
	if err := os.RemoveAll(currentDir); err != nil {
		return common.Wrap(err)
	}
	if src != nil {
		if err := src(currentDir); err != nil {
			return common.Wrap(err)
		}
	}
	sto, err := pebble.NewPebbleStorage(currentDir, false)
	if err != nil {
		return common.Wrap(err)
	}
	k.db = sto
	k.CurrentBatch, k.NextLeaf, err = k.readCounters()
	return common.Wrap(err)
}

// LastRead calls fn with the store of the last checkpoint while holding its
// read lock
func (k *KVDB) LastRead(fn func(db *pebble.Storage) error) error {
	if k.last == nil {
		return common.Wrap(ErrNoLast)
	}
	k.last.rw.RLock()
	defer k.last.rw.RUnlock()
	return fn(k.last.db)
}

// DB returns the current store
func (k *KVDB) DB() *pebble.Storage {
	return k.db
}

// StorageWithPrefix returns the current store restricted to prefix
func (k *KVDB) StorageWithPrefix(prefix []byte) db.Storage {
	return k.db.WithPrefix(prefix)
}

// Reset moves the current store back to the checkpoint of batchNum,
// deleting the newer checkpoints.  Batch 0 is the empty store.
func (k *KVDB) Reset(batchNum common.BatchNum) error {
	list, err := k.listCheckpoints()
	if err != nil {
		return common.Wrap(err)
	}
	// newest first, so that a concurrent listing never sees a gap
	for i := len(list) - 1; i >= 0 && list[i] > batchNum; i-- {
		if err := k.deleteCheckpoint(list[i]); err != nil {
			return common.Wrap(err)
		}
	}
	var src func(string) error
	if batchNum > 0 {
		src = func(dest string) error { return k.copyCheckpoint(batchNum, dest) }
	}
	if err := k.openCurrent(src); err != nil {
		return common.Wrap(err)
	}
	if k.last != nil {
		if err := k.last.replace(src); err != nil {
			return common.Wrap(err)
		}
	}
	return nil
}

// ResetFromSynchronizer replaces every checkpoint with the one of batchNum
// taken from synchronizerKVDB, and moves the current store to it
func (k *KVDB) ResetFromSynchronizer(batchNum common.BatchNum, synchronizerKVDB *KVDB) error {
	if synchronizerKVDB == nil {
		return common.Wrap(fmt.Errorf("synchronizerKVDB can not be nil"))
	}
	list, err := k.listCheckpoints()
	if err != nil {
		return common.Wrap(err)
	}
	for i := len(list) - 1; i >= 0; i-- {
		if err := k.deleteCheckpoint(list[i]); err != nil {
			return common.Wrap(err)
		}
	}
	if batchNum == 0 {
		if err := k.openCurrent(nil); err != nil {
			return common.Wrap(err)
		}
		if k.last != nil {
			return common.Wrap(k.last.replace(nil))
		}
		return nil
	}
	if err := synchronizerKVDB.copyCheckpoint(batchNum, k.checkpointDir(batchNum)); err != nil {
		return common.Wrap(err)
	}
	src := func(dest string) error { return k.copyCheckpoint(batchNum, dest) }
	if err := k.openCurrent(src); err != nil {
		return common.Wrap(err)
	}
	if k.last != nil {
		return common.Wrap(k.last.replace(src))
	}
	return nil
}

// SetNextLeaf stores the number of leaves in tx.  The value is committed
// together with the leaves it accounts for.
func (k *KVDB) SetNextLeaf(tx db.Tx, nextLeaf uint64) error {
	b := common.Uint64ToBytes8(nextLeaf)
	if err := tx.Put(keyNextLeaf, b[:]); err != nil {
		return common.Wrap(err)
	}
	k.NextLeaf = nextLeaf
	return nil
}

// listCheckpoints returns the sorted batch numbers of the checkpoints.
// Checkpoints are only removed from the start (old ones) or the end
// (resets), so a gap means the directory was tampered with.
func (k *KVDB) listCheckpoints() ([]common.BatchNum, error) {
	files, err := os.ReadDir(k.cfg.Path)
	if err != nil {
		return nil, common.Wrap(err)
	}
	checkpoints := []common.BatchNum{}
	for _, file := range files {
		if !file.IsDir() || !strings.HasPrefix(file.Name(), PathBatchNum) {
			continue
		}
		var bn common.BatchNum
		if _, err := fmt.Sscanf(file.Name(), PathBatchNum+"%d", &bn); err != nil {
			return nil, common.Wrap(err)
		}
		checkpoints = append(checkpoints, bn)
	}
	sort.Slice(checkpoints, func(i, j int) bool { return checkpoints[i] < checkpoints[j] })
	for i := 1; i < len(checkpoints); i++ {
		if checkpoints[i] != checkpoints[i-1]+1 {
			log.Errorw("gap between checkpoints", "path", k.cfg.Path, "checkpoints", checkpoints)
			return nil, common.Wrap(fmt.Errorf("checkpoint gap at %v", checkpoints[i]))
		}
	}
	return checkpoints, nil
}

func (k *KVDB) deleteCheckpoint(batchNum common.BatchNum) error {
	return common.Wrap(os.RemoveAll(k.checkpointDir(batchNum)))
}

// copyCheckpoint copies the checkpoint of batchNum to dest, replacing dest
func (k *KVDB) copyCheckpoint(batchNum common.BatchNum, dest string) error {
	source := k.checkpointDir(batchNum)
	if _, err := os.Stat(source); err != nil {
		return common.Wrapf(err, "checkpoint of batch %d", batchNum)
	}
	k.copyMutex.Lock()
	defer k.copyMutex.Unlock()
	if err := os.RemoveAll(dest); err != nil {
		return common.Wrap(err)
	}
	sto, err := pebble.NewPebbleStorage(source, false)
	if err != nil {
		return common.Wrap(err)
	}
	defer sto.Close()
	return common.Wrap(sto.Pebble().Checkpoint(dest))
}

// MakeCheckpoint advances CurrentBatch and stores a checkpoint of the
// current store for it.  Checkpoints beyond Keep are deleted in the
// background.
func (k *KVDB) MakeCheckpoint() error {
	k.CurrentBatch++
	tx, err := k.db.NewTx()
	if err != nil {
		return common.Wrap(err)
	}
	if err := tx.Put(keyCurrentBatch, k.CurrentBatch.Bytes()); err != nil {
		return common.Wrap(err)
	}
	if err := tx.Commit(); err != nil {
		return common.Wrap(err)
	}

	dir := k.checkpointDir(k.CurrentBatch)
	if err := os.RemoveAll(dir); err != nil {
		return common.Wrap(err)
	}
	if err := k.db.Pebble().Checkpoint(dir); err != nil {
		return common.Wrap(err)
	}
	if k.last != nil {
		batchNum := k.CurrentBatch
		if err := k.last.replace(func(dest string) error {
			return k.copyCheckpoint(batchNum, dest)
		}); err != nil {
			return common.Wrap(err)
		}
	}

	k.wg.Add(1)
	go func() {
		defer k.wg.Done()
		if err := k.DeleteOldCheckpoints(); err != nil {
			log.Errorw("delete old checkpoints failed", "path", k.cfg.Path, "err", err)
		}
	}()
	return nil
}

// DeleteOldCheckpoints deletes the oldest checkpoints beyond cfg.Keep
func (k *KVDB) DeleteOldCheckpoints() error {
	k.purgeMutex.Lock()
	defer k.purgeMutex.Unlock()
	list, err := k.listCheckpoints()
	if err != nil {
		return common.Wrap(err)
	}
	if k.cfg.Keep <= 0 || len(list) <= k.cfg.Keep {
		return nil
	}
	for _, bn := range list[:len(list)-k.cfg.Keep] {
		if err := k.deleteCheckpoint(bn); err != nil {
			return common.Wrap(err)
		}
	}
	return nil
}

// Close the stores, waiting for the pending checkpoint deletions
func (k *KVDB) Close() {
	k.wg.Wait()
	if k.db != nil {
		k.db.Close()
		k.db = nil
	}
	if k.last != nil {
		k.last.close()
	}
}

// CheckpointExists returns true if there is a checkpoint of batchNum
func (k *KVDB) CheckpointExists(batchNum common.BatchNum) (bool, error) {
	if _, err := os.Stat(k.checkpointDir(batchNum)); os.IsNotExist(err) {
		return false, nil
	} else if err != nil {
		return false, common.Wrap(err)
	}
	return true, nil
}
