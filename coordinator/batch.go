package coordinator

import (
	"encoding/json"
	"fmt"
	"os"
	"path"
	"time"

	"shielded-pool/batchbuilder"
	"shielded-pool/common"
	"shielded-pool/eth"

	ethCommon "github.com/ethereum/go-ethereum/common"
)

// Status is used to mark the status of the batch
type Status string

const (
	// StatusPending marks the batch as selected but not proven yet
	StatusPending Status = "pending"
	// StatusProof marks the batch as proof calculated
	StatusProof Status = "proof"
	// StatusSent marks the batch as sent to the ledger
	StatusSent Status = "sent"
	// StatusMined marks the batch as confirmed by the ledger
	StatusMined Status = "mined"
	// StatusFailed marks the batch as failed
	StatusFailed Status = "failed"
)

// Debug information related to the Batch
type Debug struct {
	// StartTimestamp of is the time of batch start
	StartTimestamp time.Time
	// SendTimestamp  the time of batch sent to the ledger
	SendTimestamp time.Time
	// Status of the Batch
	Status Status
	// StartBlockNum is the synced blockNum when the Batch was started
	StartBlockNum int64
	// MineBlockNum is the blockNum in which the batch was mined
	MineBlockNum int64
	// Attempts is the number of times the batch has been submitted
	Attempts int
	// QueueLen is the number of queued items not in the tree when the
	// batch was started
	QueueLen uint64
	// StartToSendDelay is the delay between starting a batch and sending
	// it to the ledger, in seconds
	StartToSendDelay float64
	// StartToMineDelay is the delay between starting a batch and having
	// it mined in seconds
	StartToMineDelay float64
	// SendToMineDelay is the delay between sending a batch and having it
	// mined in seconds
	SendToMineDelay float64
	// Err is the reason of a failure
	Err string
}

// BatchInfo contans the Batch information
type BatchInfo struct {
	PipelineNum int
	Pool        ethCommon.Address
	BatchNum    common.BatchNum
	BatchSize   common.BatchSize
	StartIndex  uint64
	ProofStart  time.Time
	BatchProof  *batchbuilder.BatchProof `json:"-"`
	TxResult    *eth.TxResult
	// Fail is true if the ledger rejected the batch or a previous batch
	// of the same pipeline failed
	Fail  bool
	Debug Debug

	history *common.Batch
}

// History returns the batch history entry of the batch
func (b *BatchInfo) History() *common.Batch {
	batch := &common.Batch{
		Pool:       b.Pool,
		BatchNum:   b.BatchNum,
		StartIndex: b.StartIndex,
		Size:       int(b.BatchSize),
		Status:     string(b.Debug.Status),
		Timestamp:  b.Debug.StartTimestamp.UTC(),
	}
	if bp := b.BatchProof; bp != nil {
		batch.OldRoot = bp.OldRoot
		batch.NewRoot = bp.NewRoot
		batch.PathIndices = int64(bp.PathIndices)
		batch.ArgsHash = bp.ArgsHash
	}
	if b.TxResult != nil {
		batch.EthTxHash = b.TxResult.TxHash
		batch.EthBlockNum = b.TxResult.BlockNum
		batch.GasUsed = b.TxResult.GasUsed
	}
	return batch
}

// DebugStore is a debug function to store the BatchInfo as a json text file in
// storePath.  The filename contains the pool address, the batch start index
// and the status.
func (b *BatchInfo) DebugStore(storePath string) error {
	batchJSON, err := json.MarshalIndent(b, "", "  ")
	if err != nil {
		return common.Wrap(err)
	}
	// nolint reason: hardcoded 1_000_000 is the number of nanoseconds in a
	// millisecond
	//nolint:gomnd
	filename := fmt.Sprintf("%s-%08d-%s.%03d.json", b.Pool.Hex(), b.StartIndex,
		b.Debug.StartTimestamp.Format("20060102T150405"),
		b.Debug.StartTimestamp.Nanosecond()/1_000_000)
	// nolint reason: 0640 allows rw to owner and r to group
	//nolint:gosec
	if err = os.WriteFile(path.Join(storePath, filename), batchJSON, 0640); err != nil {
		return common.Wrap(err)
	}
	return nil
}
