package eth

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"shielded-pool/common"
	"shielded-pool/coordinator/prover"
	Pool "shielded-pool/eth/contracts/pool"
	"shielded-pool/log"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	ethCommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
)

const (
	batchInsertGasLimit = 1500000
	transactGasLimit    = 2000000
)

// BatchInsertArgs are the arguments of the batchInsert entry point of a pool
type BatchInsertArgs struct {
	Proof       *prover.Proof
	ArgsHash    *big.Int
	OldRoot     *big.Int
	NewRoot     *big.Int
	PathIndices uint32
	Leaves      []*big.Int
	BatchHeight uint32
}

// StartIndex returns the index of the first leaf of the batch
func (a *BatchInsertArgs) StartIndex() uint64 {
	return uint64(a.PathIndices) << a.BatchHeight
}

// TransactArgs are the arguments of the transact entry point of a pool
type TransactArgs struct {
	Proof             *prover.Proof
	Roots             []*big.Int
	InputNullifiers   []*big.Int
	OutputCommitments [2]*big.Int
	PublicAmount      *big.Int
	ExtDataHash       *big.Int
	AssetID           *big.Int
	TokenID           *big.Int
	ExtData           common.ExtData
}

// TxResult is the outcome of a mined transaction
type TxResult struct {
	TxHash   ethCommon.Hash
	BlockNum int64
	GasUsed  uint64
}

// Ledger is the interface to the on-chain pool.  The queue methods read the
// deposit queue the pool keeps on chain.
type Ledger interface {
	// Root returns the current root of the pool tree
	Root(ctx context.Context) (*big.Int, error)
	// LeafCount returns the number of leaves of the pool tree
	LeafCount(ctx context.Context) (uint64, error)
	// NextIndex returns the next free index of the deposit queue
	NextIndex(ctx context.Context) (uint64, error)
	// Queue returns the commitment queued at index
	Queue(ctx context.Context, index uint64) (*big.Int, error)
	// BatchInsert submits a batch update and waits until it is mined
	BatchInsert(ctx context.Context, args *BatchInsertArgs) (*TxResult, error)
	// Transact submits a transaction and waits until it is mined
	Transact(ctx context.Context, args *TransactArgs) (*TxResult, error)
	// IsSpent returns true if the nullifier has been recorded
	IsSpent(ctx context.Context, nullifier *big.Int) (bool, error)
	// LastBlock returns the last block of the chain
	LastBlock(ctx context.Context) (*common.Block, error)
	// EventsByBlock returns the pool events of a block
	EventsByBlock(ctx context.Context, blockNum int64) (*common.BlockData, error)
}

var (
	logBatchInsertion = crypto.Keccak256Hash([]byte(
		"BatchInsertion(uint256,uint256[],uint256)"))
	logNewNullifier = crypto.Keccak256Hash([]byte(
		"NewNullifier(uint256)"))
)

// PoolClient is the implementation of the Ledger interface for a deployed
// pool contract
type PoolClient struct {
	client      *EthereumClient
	address     ethCommon.Address
	pool        *Pool.Pool
	contractAbi abi.ABI
}

// NewPoolClient creates a new PoolClient
func NewPoolClient(client *EthereumClient, address ethCommon.Address) (*PoolClient, error) {
	contractAbi, err := abi.JSON(strings.NewReader(Pool.PoolABI))
	if err != nil {
		return nil, common.Wrap(err)
	}
	pool, err := Pool.NewPool(address, client.Client())
	if err != nil {
		return nil, common.Wrap(err)
	}
	return &PoolClient{
		client:      client,
		address:     address,
		pool:        pool,
		contractAbi: contractAbi,
	}, nil
}

// Address returns the address of the pool contract
func (c *PoolClient) Address() ethCommon.Address {
	return c.address
}

func callOpts(ctx context.Context) *bind.CallOpts {
	opts := newCallOpts()
	opts.Context = ctx
	return opts
}

// Root implements Ledger
func (c *PoolClient) Root(ctx context.Context) (*big.Int, error) {
	root, err := c.pool.GetLastRoot(callOpts(ctx))
	if err != nil {
		return nil, common.Wrap(err)
	}
	return root, nil
}

// LeafCount implements Ledger
func (c *PoolClient) LeafCount(ctx context.Context) (uint64, error) {
	n, err := c.pool.NextIndex(callOpts(ctx))
	if err != nil {
		return 0, common.Wrap(err)
	}
	return uint64(n), nil
}

// NextIndex implements Ledger
func (c *PoolClient) NextIndex(ctx context.Context) (uint64, error) {
	n, err := c.pool.QueueLength(callOpts(ctx))
	if err != nil {
		return 0, common.Wrap(err)
	}
	return n.Uint64(), nil
}

// Queue implements Ledger
func (c *PoolClient) Queue(ctx context.Context, index uint64) (*big.Int, error) {
	leaf, err := c.pool.Queue(callOpts(ctx), new(big.Int).SetUint64(index))
	if err != nil {
		return nil, common.Wrap(err)
	}
	return leaf, nil
}

// IsSpent implements Ledger
func (c *PoolClient) IsSpent(ctx context.Context, nullifier *big.Int) (bool, error) {
	spent, err := c.pool.IsSpent(callOpts(ctx), nullifier)
	if err != nil {
		return false, common.Wrap(err)
	}
	return spent, nil
}

// LastBlock implements Ledger
func (c *PoolClient) LastBlock(ctx context.Context) (*common.Block, error) {
	return c.client.EthBlockByNumber(ctx, -1)
}

// checkRoot returns ErrStaleRoot if the pool root is no longer oldRoot
func (c *PoolClient) checkRoot(ctx context.Context, oldRoot *big.Int) error {
	root, err := c.Root(ctx)
	if err != nil {
		return common.Wrap(err)
	}
	if root.Cmp(oldRoot) != 0 {
		return common.Wrapf(common.ErrStaleRoot, "pool root %v, batch old root %v", root, oldRoot)
	}
	return nil
}

// BatchInsert implements Ledger.  A rejected batch whose old root is no
// longer the pool root fails with ErrStaleRoot.
func (c *PoolClient) BatchInsert(ctx context.Context, args *BatchInsertArgs) (*TxResult, error) {
	if err := c.checkRoot(ctx, args.OldRoot); err != nil {
		return nil, common.Wrap(err)
	}
	tx, err := c.client.CallAuth(ctx, batchInsertGasLimit,
		func(ec *ethclient.Client, auth *bind.TransactOpts) (*types.Transaction, error) {
			return c.pool.BatchInsert(auth, args.Proof.Bytes(), args.ArgsHash, args.OldRoot,
				args.NewRoot, args.PathIndices, args.Leaves, args.BatchHeight)
		})
	if err != nil {
		return nil, c.batchError(ctx, args, err)
	}
	receipt, err := c.client.WaitReceipt(ctx, tx)
	if err != nil {
		return nil, c.batchError(ctx, args, err)
	}
	log.Infow("batch inserted", "pool", c.address.Hex(), "tx", tx.Hash().Hex(),
		"startIndex", args.StartIndex(), "leaves", len(args.Leaves), "gasUsed", receipt.GasUsed)
	return &TxResult{
		TxHash:   tx.Hash(),
		BlockNum: receipt.BlockNumber.Int64(),
		GasUsed:  receipt.GasUsed,
	}, nil
}

func (c *PoolClient) batchError(ctx context.Context, args *BatchInsertArgs, err error) error {
	if rootErr := c.checkRoot(ctx, args.OldRoot); common.Unwrap(rootErr) == common.ErrStaleRoot {
		return rootErr
	}
	return common.Wrap(err)
}

// Transact implements Ledger.  Spent input nullifiers fail with
// ErrDoubleSpend before anything is sent.
func (c *PoolClient) Transact(ctx context.Context, args *TransactArgs) (*TxResult, error) {
	for _, nullifier := range args.InputNullifiers {
		spent, err := c.IsSpent(ctx, nullifier)
		if err != nil {
			return nil, common.Wrap(err)
		}
		if spent {
			return nil, common.Wrapf(common.ErrDoubleSpend, "nullifier %v", nullifier)
		}
	}
	publicInputs := Pool.PublicInputs{
		Roots:             args.Roots,
		InputNullifiers:   args.InputNullifiers,
		OutputCommitments: args.OutputCommitments,
		PublicAmount:      args.PublicAmount,
		ExtDataHash:       args.ExtDataHash,
		AssetID:           args.AssetID,
		TokenID:           args.TokenID,
	}
	extData := Pool.ExtData(args.ExtData)
	tx, err := c.client.CallAuth(ctx, transactGasLimit,
		func(ec *ethclient.Client, auth *bind.TransactOpts) (*types.Transaction, error) {
			return c.pool.Transact(auth, args.Proof.Bytes(), publicInputs, extData)
		})
	if err != nil {
		return nil, common.Wrap(err)
	}
	receipt, err := c.client.WaitReceipt(ctx, tx)
	if err != nil {
		return nil, common.Wrap(err)
	}
	return &TxResult{
		TxHash:   tx.Hash(),
		BlockNum: receipt.BlockNumber.Int64(),
		GasUsed:  receipt.GasUsed,
	}, nil
}

// EventsByBlock implements Ledger.  The block is returned even if the pool
// emitted nothing in it.
func (c *PoolClient) EventsByBlock(ctx context.Context, blockNum int64) (*common.BlockData, error) {
	block, err := c.client.EthBlockByNumber(ctx, blockNum)
	if err != nil {
		return nil, common.Wrap(err)
	}
	blockHash := block.Hash
	query := ethereum.FilterQuery{
		BlockHash: &blockHash,
		Addresses: []ethCommon.Address{
			c.address,
		},
		Topics: [][]ethCommon.Hash{},
	}
	logs, err := c.client.client.FilterLogs(ctx, query)
	if err != nil {
		return nil, common.Wrap(err)
	}
	data := &common.BlockData{Block: *block}
	for _, vLog := range logs {
		if vLog.BlockHash != blockHash {
			log.Errorw("Block hash mismatch", "expected", blockHash.String(), "got", vLog.BlockHash.String())
			return nil, common.Wrap(ErrBlockHashMismatchEvent)
		}
		switch vLog.Topics[0] {
		case logBatchInsertion:
			var aux struct {
				Leaves  []*big.Int
				NewRoot *big.Int
			}
			if err := c.contractAbi.UnpackIntoInterface(&aux, "BatchInsertion", vLog.Data); err != nil {
				return nil, common.Wrap(err)
			}
			if len(vLog.Topics) < 2 {
				return nil, common.Wrap(fmt.Errorf("BatchInsertion without start index topic"))
			}
			data.Insertions = append(data.Insertions, common.Insertion{
				StartIndex: new(big.Int).SetBytes(vLog.Topics[1][:]).Uint64(),
				Leaves:     aux.Leaves,
				NewRoot:    aux.NewRoot,
				TxHash:     vLog.TxHash,
			})
		case logNewNullifier:
			var aux struct {
				Nullifier *big.Int
			}
			if err := c.contractAbi.UnpackIntoInterface(&aux, "NewNullifier", vLog.Data); err != nil {
				return nil, common.Wrap(err)
			}
			data.Nullifiers = append(data.Nullifiers, aux.Nullifier)
		}
	}
	return data, nil
}
