package common

import (
	"encoding/binary"
	"fmt"
	"math/big"
	"time"

	ethCommon "github.com/ethereum/go-ethereum/common"
)

const batchNumBytesLen = 4

// BatchNum is the sequential number of a confirmed batch tree update of a
// pool.  It is also the checkpoint number of the persisted mirror.
type BatchNum uint32

// Bytes returns a byte array of length 4 representing the BatchNum
func (bn BatchNum) Bytes() []byte {
	var batchNumBytes [batchNumBytesLen]byte
	binary.BigEndian.PutUint32(batchNumBytes[:], uint32(bn))
	return batchNumBytes[:]
}

// BatchNumFromBytes returns BatchNum from a []byte
func BatchNumFromBytes(b []byte) (BatchNum, error) {
	if len(b) != batchNumBytesLen {
		return 0,
			Wrap(fmt.Errorf("can not parse BatchNumFromBytes, bytes len %d, expected %d",
				len(b), batchNumBytesLen))
	}
	batchNum := binary.BigEndian.Uint32(b[:batchNumBytesLen])
	return BatchNum(batchNum), nil
}

// BigInt returns a *big.Int representing the BatchNum
func (bn BatchNum) BigInt() *big.Int {
	return big.NewInt(int64(bn))
}

// BatchSize is the number of leaves inserted by one batch tree update.  Only
// the values declared below are valid, each of them has its own proving and
// verifying key pair.
type BatchSize int

const (
	// BatchSize4 inserts 4 leaves, batch height 2
	BatchSize4 BatchSize = 4
	// BatchSize8 inserts 8 leaves, batch height 3
	BatchSize8 BatchSize = 8
	// BatchSize16 inserts 16 leaves, batch height 4
	BatchSize16 BatchSize = 16
	// BatchSize32 inserts 32 leaves, batch height 5
	BatchSize32 BatchSize = 32
)

// BatchSizes lists the supported batch sizes in increasing order
var BatchSizes = []BatchSize{BatchSize4, BatchSize8, BatchSize16, BatchSize32}

// ParseBatchSize returns the BatchSize for n, or ErrInvalidBatchSize
func ParseBatchSize(n int) (BatchSize, error) {
	switch BatchSize(n) {
	case BatchSize4, BatchSize8, BatchSize16, BatchSize32:
		return BatchSize(n), nil
	}
	return 0, Wrapf(ErrInvalidBatchSize, "batch size %d", n)
}

// Valid returns true if bs is one of the supported batch sizes
func (bs BatchSize) Valid() bool {
	_, err := ParseBatchSize(int(bs))
	return err == nil
}

// Height returns log2 of the batch size, the number of bottom tree levels
// fully determined by the batch
func (bs BatchSize) Height() int {
	switch bs {
	case BatchSize4:
		return 2
	case BatchSize8:
		return 3
	case BatchSize16:
		return 4
	case BatchSize32:
		return 5
	}
	return 0
}

// Circuit returns the id of the batch update circuit for this size
func (bs BatchSize) Circuit() CircuitID {
	return CircuitID(fmt.Sprintf("batch-%d", int(bs)))
}

// Batch is a batch tree update as stored in the batch history
type Batch struct {
	ItemID      int64             `meddler:"item_id,pk"`
	Pool        ethCommon.Address `meddler:"pool_addr"`
	BatchNum    BatchNum          `meddler:"batch_num"`
	StartIndex  uint64            `meddler:"start_index"`
	Size        int               `meddler:"batch_size"`
	OldRoot     *big.Int          `meddler:"old_root,bigint"`
	NewRoot     *big.Int          `meddler:"new_root,bigint"`
	PathIndices int64             `meddler:"path_indices"`
	ArgsHash    *big.Int          `meddler:"args_hash,bigint"`
	EthTxHash   ethCommon.Hash    `meddler:"eth_tx_hash"`
	EthBlockNum int64             `meddler:"eth_block_num"`
	GasUsed     uint64            `meddler:"gas_used"`
	Status      string            `meddler:"status"`
	Timestamp   time.Time         `meddler:"timestamp,utctime"`
}
