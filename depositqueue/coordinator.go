/*
Package depositqueue implements the deposit queues that decouple the
custody of funds from the batched insertion of their commitments.

Each pool has its own queue with dense, strictly increasing indices.  The
coordinator never tracks which indices have already been inserted in a tree:
a BatchTreeUpdater consumes the queue starting at the leaf count of its own
mirror, which is always lower or equal than the queue next index.
*/
package depositqueue

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"shielded-pool/common"
	"shielded-pool/log"

	ethCommon "github.com/ethereum/go-ethereum/common"
)

// DepositRequest is a deposit submitted by a user
type DepositRequest struct {
	Pool      ethCommon.Address `json:"pool" binding:"required"`
	Depositor ethCommon.Address `json:"depositor" binding:"required"`
	// Token is the unwrapped token being deposited
	Token  ethCommon.Address `json:"token" binding:"required"`
	Amount *big.Int          `json:"amount" binding:"required"`
	// PartialCommitment is H(chainID, pk.x, pk.y, H(blinding)) of the note
	// being created
	PartialCommitment *big.Int `json:"partialCommitment" binding:"required"`
}

// QueueCoordinator validates deposits and appends them to the queue of
// their pool
type QueueCoordinator struct {
	storage   Storage
	assets    AssetRegistry
	pools     PoolRegistry
	custodian Custodian
	// custody and append happen in the same order for every deposit
	mutex sync.Mutex
}

// NewQueueCoordinator creates a QueueCoordinator.  A NopCustodian is used
// if custodian is nil.
func NewQueueCoordinator(storage Storage, assets AssetRegistry, pools PoolRegistry,
	custodian Custodian) *QueueCoordinator {
	if custodian == nil {
		custodian = NopCustodian{}
	}
	return &QueueCoordinator{
		storage:   storage,
		assets:    assets,
		pools:     pools,
		custodian: custodian,
	}
}

func (c *QueueCoordinator) checkPool(ctx context.Context, pool ethCommon.Address) error {
	ok, err := c.pools.Recognizes(ctx, pool)
	if err != nil {
		return common.Wrap(err)
	}
	if !ok {
		return common.Wrap(common.ErrUnrecognizedPool)
	}
	return nil
}

// Enqueue validates the deposit, takes custody of the funds and stores the
// deposit at the next index of the pool queue
func (c *QueueCoordinator) Enqueue(ctx context.Context, req *DepositRequest) (*common.QueuedDeposit, error) {
	if err := c.checkPool(ctx, req.Pool); err != nil {
		return nil, common.Wrap(err)
	}
	asset, err := c.assets.AssetByUnwrapped(ctx, req.Token)
	if err != nil {
		return nil, common.Wrap(err)
	}
	accepted, err := c.pools.Accepts(ctx, req.Pool, asset.Wrapped)
	if err != nil {
		return nil, common.Wrap(err)
	}
	if !accepted {
		return nil, common.Wrapf(common.ErrUnregisteredAsset,
			"pool %v does not hold %v", req.Pool.Hex(), asset.Wrapped.Hex())
	}
	if req.Amount == nil || req.Amount.Sign() <= 0 {
		return nil, common.Wrap(fmt.Errorf("deposit amount must be positive"))
	}
	commitment, err := common.DepositCommitment(asset.AssetID, asset.TokenID, req.Amount,
		req.PartialCommitment)
	if err != nil {
		return nil, common.Wrap(err)
	}
	deposit := &common.QueuedDeposit{
		Pool:              req.Pool,
		Depositor:         req.Depositor,
		UnwrappedToken:    asset.Unwrapped,
		WrappedToken:      asset.Wrapped,
		AssetID:           new(big.Int).Set(asset.AssetID),
		TokenID:           new(big.Int).Set(asset.TokenID),
		Amount:            new(big.Int).Set(req.Amount),
		PartialCommitment: new(big.Int).Set(req.PartialCommitment),
		Commitment:        commitment,
	}

	c.mutex.Lock()
	defer c.mutex.Unlock()
	if err := c.custodian.TakeCustody(ctx, deposit); err != nil {
		return nil, common.Wrap(err)
	}
	index, err := c.storage.AppendDeposit(ctx, deposit)
	if err != nil {
		log.Errorw("QueueCoordinator: deposit in custody could not be queued",
			"pool", req.Pool.Hex(), "depositor", req.Depositor.Hex(), "err", err)
		return nil, common.Wrap(err)
	}
	log.Debugw("QueueCoordinator: deposit queued", "pool", req.Pool.Hex(),
		"index", index, "commitment", commitment)
	return deposit, nil
}

// RangeQuery returns up to count deposits of the pool queue starting at
// start.  Less than count deposits are returned when the queue ends first.
func (c *QueueCoordinator) RangeQuery(ctx context.Context, pool ethCommon.Address,
	start, count uint64) ([]common.QueuedDeposit, error) {
	if err := c.checkPool(ctx, pool); err != nil {
		return nil, common.Wrap(err)
	}
	deposits, err := c.storage.GetDeposits(ctx, pool, start, count)
	if err != nil {
		return nil, common.Wrap(err)
	}
	return deposits, nil
}

// NextIndex returns the index of the next deposit of the pool
func (c *QueueCoordinator) NextIndex(ctx context.Context, pool ethCommon.Address) (uint64, error) {
	if err := c.checkPool(ctx, pool); err != nil {
		return 0, common.Wrap(err)
	}
	return c.storage.NextIndex(ctx, pool)
}

// Queue returns the deposit at index of the pool queue
func (c *QueueCoordinator) Queue(ctx context.Context, pool ethCommon.Address,
	index uint64) (*common.QueuedDeposit, error) {
	if err := c.checkPool(ctx, pool); err != nil {
		return nil, common.Wrap(err)
	}
	return c.storage.GetDeposit(ctx, pool, index)
}

// Source returns the queue of pool as seen by a BatchTreeUpdater
func (c *QueueCoordinator) Source(pool ethCommon.Address) *Source {
	return &Source{coordinator: c, pool: pool}
}

// Source is the queue of a single pool
type Source struct {
	coordinator *QueueCoordinator
	pool        ethCommon.Address
}

// NextIndex returns the index of the next deposit
func (s *Source) NextIndex(ctx context.Context) (uint64, error) {
	return s.coordinator.NextIndex(ctx, s.pool)
}

// Queue returns the commitment queued at index
func (s *Source) Queue(ctx context.Context, index uint64) (*big.Int, error) {
	deposit, err := s.coordinator.Queue(ctx, s.pool, index)
	if err != nil {
		return nil, common.Wrap(err)
	}
	return deposit.Commitment, nil
}
