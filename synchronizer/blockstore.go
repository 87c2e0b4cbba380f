package synchronizer

import (
	"database/sql"
	"fmt"
	"sync"

	"shielded-pool/common"
)

// MemoryBlockStore is a BlockStore that keeps the synced blocks in memory
type MemoryBlockStore struct {
	blocks []common.Block
	rw     sync.RWMutex
}

// NewMemoryBlockStore creates an empty MemoryBlockStore
func NewMemoryBlockStore() *MemoryBlockStore {
	return &MemoryBlockStore{}
}

// AddBlock implements BlockStore
func (m *MemoryBlockStore) AddBlock(block *common.Block) error {
	m.rw.Lock()
	defer m.rw.Unlock()
	if n := len(m.blocks); n > 0 && m.blocks[n-1].Num >= block.Num {
		return common.Wrap(fmt.Errorf("block %v after block %v", block.Num, m.blocks[n-1].Num))
	}
	m.blocks = append(m.blocks, *block)
	return nil
}

// GetBlock implements BlockStore
func (m *MemoryBlockStore) GetBlock(blockNum int64) (*common.Block, error) {
	m.rw.RLock()
	defer m.rw.RUnlock()
	for i := range m.blocks {
		if m.blocks[i].Num == blockNum {
			block := m.blocks[i]
			return &block, nil
		}
	}
	return nil, common.Wrap(sql.ErrNoRows)
}

// GetLastBlock implements BlockStore
func (m *MemoryBlockStore) GetLastBlock() (*common.Block, error) {
	m.rw.RLock()
	defer m.rw.RUnlock()
	if len(m.blocks) == 0 {
		return nil, common.Wrap(sql.ErrNoRows)
	}
	block := m.blocks[len(m.blocks)-1]
	return &block, nil
}

// Reorg implements BlockStore
func (m *MemoryBlockStore) Reorg(lastValidBlock int64) error {
	m.rw.Lock()
	defer m.rw.Unlock()
	i := len(m.blocks)
	for i > 0 && m.blocks[i-1].Num > lastValidBlock {
		i--
	}
	m.blocks = m.blocks[:i]
	return nil
}
