package common

import (
	"math/big"
	"time"

	ethCommon "github.com/ethereum/go-ethereum/common"
)

// Asset is an entry of the asset registry: a (assetID, tokenID) pair and the
// wrapped and unwrapped token contracts it corresponds to
type Asset struct {
	AssetID   *big.Int          `json:"assetId" meddler:"asset_id,bigint"`
	TokenID   *big.Int          `json:"tokenId" meddler:"token_id,bigint"`
	Wrapped   ethCommon.Address `json:"wrapped" meddler:"wrapped_addr"`
	Unwrapped ethCommon.Address `json:"unwrapped" meddler:"unwrapped_addr"`
	Symbol    string            `json:"symbol" meddler:"symbol"`
}

// QueuedDeposit is a deposit waiting in the queue of a pool to be inserted
// in its tree by a batch update
type QueuedDeposit struct {
	ItemID int64             `json:"-" meddler:"item_id,pk"`
	Pool   ethCommon.Address `json:"pool" meddler:"pool_addr"`
	// QueueIndex is dense and strictly increasing per pool
	QueueIndex     uint64            `json:"queueIndex" meddler:"queue_index"`
	Depositor      ethCommon.Address `json:"depositor" meddler:"depositor_addr"`
	UnwrappedToken ethCommon.Address `json:"unwrappedToken" meddler:"unwrapped_addr"`
	WrappedToken   ethCommon.Address `json:"wrappedToken" meddler:"wrapped_addr"`
	AssetID        *big.Int          `json:"assetId" meddler:"asset_id,bigint"`
	TokenID        *big.Int          `json:"tokenId" meddler:"token_id,bigint"`
	Amount         *big.Int          `json:"amount" meddler:"amount,bigint"`
	// PartialCommitment is contributed by the depositor, it hides the owner
	// and blinding of the note
	PartialCommitment *big.Int `json:"partialCommitment" meddler:"partial_commitment,bigint"`
	// Commitment is the leaf that will be inserted
	Commitment *big.Int  `json:"commitment" meddler:"commitment,bigint"`
	Timestamp  time.Time `json:"timestamp" meddler:"timestamp,utctime"`
}

// DepositCommitment computes the leaf of a deposit from its public fields and
// the depositor partial commitment
func DepositCommitment(assetID, tokenID, amount, partialCommitment *big.Int) (*big.Int, error) {
	for _, v := range []*big.Int{assetID, tokenID, amount, partialCommitment} {
		if !CheckInField(v) {
			return nil, Wrap(ErrNotInFF)
		}
	}
	return Poseidon(assetID, tokenID, amount, partialCommitment)
}
