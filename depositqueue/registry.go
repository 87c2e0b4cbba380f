package depositqueue

import (
	"context"
	"math/big"
	"sync"

	"shielded-pool/common"

	ethCommon "github.com/ethereum/go-ethereum/common"
)

// AssetRegistry resolves the wrapped asset of an unwrapped token and back
type AssetRegistry interface {
	// AssetByUnwrapped returns the asset whose unwrapped token is token
	AssetByUnwrapped(ctx context.Context, token ethCommon.Address) (*common.Asset, error)
	// AssetByID returns the asset identified by (assetID, tokenID)
	AssetByID(ctx context.Context, assetID, tokenID *big.Int) (*common.Asset, error)
}

// PoolRegistry tells which pools exist and which wrapped tokens each of
// them accepts
type PoolRegistry interface {
	// Recognizes returns true if pool is a known pool
	Recognizes(ctx context.Context, pool ethCommon.Address) (bool, error)
	// Accepts returns ErrUnrecognizedPool for unknown pools and false if
	// the pool does not hold the wrapped token
	Accepts(ctx context.Context, pool, wrappedToken ethCommon.Address) (bool, error)
}

// Custodian takes custody of the unwrapped funds of a deposit.  Custody is
// a ledger concern, the coordinator only orders it before queueing.
type Custodian interface {
	TakeCustody(ctx context.Context, deposit *common.QueuedDeposit) error
}

// NopCustodian accepts every deposit
type NopCustodian struct{}

// TakeCustody implements Custodian
func (NopCustodian) TakeCustody(context.Context, *common.QueuedDeposit) error { return nil }

// StaticRegistry is an in-memory AssetRegistry and PoolRegistry loaded
// from configuration
type StaticRegistry struct {
	assets []common.Asset
	pools  map[ethCommon.Address]map[ethCommon.Address]bool
	rw     sync.RWMutex
}

// NewStaticRegistry creates a registry with the given assets and no pools
func NewStaticRegistry(assets []common.Asset) *StaticRegistry {
	return &StaticRegistry{
		assets: append([]common.Asset{}, assets...),
		pools:  make(map[ethCommon.Address]map[ethCommon.Address]bool),
	}
}

// AddPool registers a pool accepting the given wrapped tokens
func (r *StaticRegistry) AddPool(pool ethCommon.Address, wrappedTokens ...ethCommon.Address) {
	r.rw.Lock()
	defer r.rw.Unlock()
	accepted, ok := r.pools[pool]
	if !ok {
		accepted = make(map[ethCommon.Address]bool)
		r.pools[pool] = accepted
	}
	for _, token := range wrappedTokens {
		accepted[token] = true
	}
}

// AddAsset registers an asset
func (r *StaticRegistry) AddAsset(asset common.Asset) {
	r.rw.Lock()
	defer r.rw.Unlock()
	r.assets = append(r.assets, asset)
}

// Assets returns the registered assets
func (r *StaticRegistry) Assets() []common.Asset {
	r.rw.RLock()
	defer r.rw.RUnlock()
	return append([]common.Asset{}, r.assets...)
}

// AssetByUnwrapped implements AssetRegistry
func (r *StaticRegistry) AssetByUnwrapped(ctx context.Context,
	token ethCommon.Address) (*common.Asset, error) {
	r.rw.RLock()
	defer r.rw.RUnlock()
	for i := range r.assets {
		if r.assets[i].Unwrapped == token {
			asset := r.assets[i]
			return &asset, nil
		}
	}
	return nil, common.Wrap(common.ErrUnregisteredAsset)
}

// AssetByID implements AssetRegistry
func (r *StaticRegistry) AssetByID(ctx context.Context, assetID, tokenID *big.Int) (*common.Asset, error) {
	r.rw.RLock()
	defer r.rw.RUnlock()
	for i := range r.assets {
		if r.assets[i].AssetID.Cmp(assetID) == 0 && r.assets[i].TokenID.Cmp(tokenID) == 0 {
			asset := r.assets[i]
			return &asset, nil
		}
	}
	return nil, common.Wrap(common.ErrUnregisteredAsset)
}

// Accepts implements PoolRegistry
func (r *StaticRegistry) Accepts(ctx context.Context, pool, wrappedToken ethCommon.Address) (bool, error) {
	r.rw.RLock()
	defer r.rw.RUnlock()
	accepted, ok := r.pools[pool]
	if !ok {
		return false, common.Wrap(common.ErrUnrecognizedPool)
	}
	return accepted[wrappedToken], nil
}

// Recognizes implements PoolRegistry
func (r *StaticRegistry) Recognizes(ctx context.Context, pool ethCommon.Address) (bool, error) {
	r.rw.RLock()
	defer r.rw.RUnlock()
	_, ok := r.pools[pool]
	return ok, nil
}
