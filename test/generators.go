package test

import (
	"math/big"
	"time"

	"shielded-pool/common"

	ethCommon "github.com/ethereum/go-ethereum/common"
)

// WARNING: the generators in this file don't follow the protocol, the
// commitments are not derived from the deposit values.  They are intended to
// check that the parsers between struct <==> DB are correct.

// GenBlocks generates block from, to block numbers. WARNING: This is meant for DB/API testing, and
// may not be fully consistent with the protocol.
func GenBlocks(from, to int64) []common.Block {
	var blocks []common.Block
	for i := from; i < to; i++ {
		blocks = append(blocks, common.Block{
			Num: i,
			//nolint:gomnd
			Timestamp: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC).Add(time.Second * 12 * time.Duration(i)),
			Hash:      ethCommon.BigToHash(big.NewInt(i)),
		})
	}
	return blocks
}

// GenAssets generates an asset per (assetID, tokenID=0) pair from 1 to n.
// The unwrapped token of asset i has address 2i-1 and the wrapped one 2i.
func GenAssets(n int) []common.Asset {
	assets := make([]common.Asset, 0, n)
	for i := int64(1); i <= int64(n); i++ {
		assets = append(assets, common.Asset{
			AssetID:   big.NewInt(i),
			TokenID:   big.NewInt(0),
			Unwrapped: ethCommon.BigToAddress(big.NewInt(2*i - 1)),
			Wrapped:   ethCommon.BigToAddress(big.NewInt(2 * i)),
		})
	}
	return assets
}

// GenDeposit generates the i-th deposit of pool for asset
func GenDeposit(pool ethCommon.Address, asset common.Asset, i int64) *common.QueuedDeposit {
	return &common.QueuedDeposit{
		Pool:              pool,
		Depositor:         ethCommon.BigToAddress(big.NewInt(1000 + i)),
		UnwrappedToken:    asset.Unwrapped,
		WrappedToken:      asset.Wrapped,
		AssetID:           common.CopyBigInt(asset.AssetID),
		TokenID:           common.CopyBigInt(asset.TokenID),
		Amount:            big.NewInt(100 + i),
		PartialCommitment: big.NewInt(7 + i),
		Commitment:        big.NewInt(9 + i),
		Timestamp:         time.Date(2024, 1, 1, 0, 0, int(i), 0, time.UTC),
	}
}

// GenDeposits generates n deposits of pool, cycling through assets
func GenDeposits(pool ethCommon.Address, assets []common.Asset, n int) []*common.QueuedDeposit {
	deposits := make([]*common.QueuedDeposit, n)
	for i := range deposits {
		deposits[i] = GenDeposit(pool, assets[i%len(assets)], int64(i))
	}
	return deposits
}
