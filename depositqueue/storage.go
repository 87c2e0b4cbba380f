package depositqueue

import (
	"context"
	"sync"
	"time"

	"shielded-pool/common"

	ethCommon "github.com/ethereum/go-ethereum/common"
)

// Storage holds the queues of every pool
type Storage interface {
	// AppendDeposit stores deposit at the next index of its pool queue
	// and returns that index
	AppendDeposit(ctx context.Context, deposit *common.QueuedDeposit) (uint64, error)
	NextIndex(ctx context.Context, pool ethCommon.Address) (uint64, error)
	// GetDeposit returns ErrIndexOutOfRange for indices not yet populated
	GetDeposit(ctx context.Context, pool ethCommon.Address, index uint64) (*common.QueuedDeposit, error)
	// GetDeposits returns up to count deposits starting at start
	GetDeposits(ctx context.Context, pool ethCommon.Address, start, count uint64) ([]common.QueuedDeposit, error)
}

// MemoryStorage is a Storage kept in memory
type MemoryStorage struct {
	queues map[ethCommon.Address][]common.QueuedDeposit
	rw     sync.RWMutex
}

// NewMemoryStorage creates an empty MemoryStorage
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{queues: make(map[ethCommon.Address][]common.QueuedDeposit)}
}

// AppendDeposit implements Storage
func (s *MemoryStorage) AppendDeposit(ctx context.Context, deposit *common.QueuedDeposit) (uint64, error) {
	s.rw.Lock()
	defer s.rw.Unlock()
	queue := s.queues[deposit.Pool]
	deposit.QueueIndex = uint64(len(queue))
	deposit.ItemID = int64(len(queue)) + 1
	if deposit.Timestamp.IsZero() {
		deposit.Timestamp = time.Now().UTC()
	}
	s.queues[deposit.Pool] = append(queue, *deposit)
	return deposit.QueueIndex, nil
}

// NextIndex implements Storage
func (s *MemoryStorage) NextIndex(ctx context.Context, pool ethCommon.Address) (uint64, error) {
	s.rw.RLock()
	defer s.rw.RUnlock()
	return uint64(len(s.queues[pool])), nil
}

// GetDeposit implements Storage
func (s *MemoryStorage) GetDeposit(ctx context.Context, pool ethCommon.Address,
	index uint64) (*common.QueuedDeposit, error) {
	s.rw.RLock()
	defer s.rw.RUnlock()
	queue := s.queues[pool]
	if index >= uint64(len(queue)) {
		return nil, common.Wrap(common.ErrIndexOutOfRange)
	}
	deposit := queue[index]
	return &deposit, nil
}

// GetDeposits implements Storage
func (s *MemoryStorage) GetDeposits(ctx context.Context, pool ethCommon.Address,
	start, count uint64) ([]common.QueuedDeposit, error) {
	s.rw.RLock()
	defer s.rw.RUnlock()
	queue := s.queues[pool]
	if start >= uint64(len(queue)) {
		return []common.QueuedDeposit{}, nil
	}
	end := uint64(len(queue))
	if count < end-start {
		end = start + count
	}
	return append([]common.QueuedDeposit{}, queue[start:end]...), nil
}
