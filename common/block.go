package common

import (
	"math/big"
	"time"

	ethCommon "github.com/ethereum/go-ethereum/common"
)

// Block represents a ledger block
type Block struct {
	Num        int64          `meddler:"eth_block_num"`
	Timestamp  time.Time      `meddler:"timestamp,utctime"`
	Hash       ethCommon.Hash `meddler:"hash"`
	ParentHash ethCommon.Hash `meddler:"-" json:"-"`
}

// Insertion is a confirmed append of leaves to the pool tree, as logged by
// the ledger
type Insertion struct {
	StartIndex uint64
	Leaves     []*big.Int
	NewRoot    *big.Int
	TxHash     ethCommon.Hash
}

// BlockData contains the pool events of a Block, in log order
type BlockData struct {
	Block      Block
	Insertions []Insertion
	Nullifiers []*big.Int
}
