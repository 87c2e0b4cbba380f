package transact

import (
	"context"
	"math/big"
	"sync"

	"shielded-pool/common"
)

// NullifierSet records the nullifiers of confirmed spends.  AddNullifier
// returns ErrDoubleSpend for a recorded nullifier.  treedb.TreeDB implements
// it with a persisted sparse merkle tree.
type NullifierSet interface {
	IsSpent(nullifier *big.Int) (bool, error)
	AddNullifier(nullifier *big.Int) error
}

// SpentChecker asks the ledger whether a nullifier has been recorded.
// eth.Ledger implements it.
type SpentChecker interface {
	IsSpent(ctx context.Context, nullifier *big.Int) (bool, error)
}

// MemoryNullifierSet is a NullifierSet kept in memory
type MemoryNullifierSet struct {
	spent map[string]struct{}
	rw    sync.RWMutex
}

// NewMemoryNullifierSet creates an empty MemoryNullifierSet
func NewMemoryNullifierSet() *MemoryNullifierSet {
	return &MemoryNullifierSet{spent: make(map[string]struct{})}
}

// IsSpent implements NullifierSet
func (s *MemoryNullifierSet) IsSpent(nullifier *big.Int) (bool, error) {
	s.rw.RLock()
	defer s.rw.RUnlock()
	_, ok := s.spent[nullifier.String()]
	return ok, nil
}

// AddNullifier implements NullifierSet, returning ErrDoubleSpend if the
// nullifier was already recorded
func (s *MemoryNullifierSet) AddNullifier(nullifier *big.Int) error {
	s.rw.Lock()
	defer s.rw.Unlock()
	if _, ok := s.spent[nullifier.String()]; ok {
		return common.Wrap(common.ErrDoubleSpend)
	}
	s.spent[nullifier.String()] = struct{}{}
	return nil
}

// Len returns the number of spent nullifiers
func (s *MemoryNullifierSet) Len() int {
	s.rw.RLock()
	defer s.rw.RUnlock()
	return len(s.spent)
}
