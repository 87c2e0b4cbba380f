package queuedb

import (
	"context"

	"shielded-pool/common"

	ethCommon "github.com/ethereum/go-ethereum/common"
)

// GetDepositsAPI returns a range of a pool queue, limiting the number of
// concurrent SQL connections used by the API
func (qdb *QueueDB) GetDepositsAPI(ctx context.Context, pool ethCommon.Address,
	start, count uint64) ([]common.QueuedDeposit, error) {
	if qdb.apiConnCon != nil {
		cancel, err := qdb.apiConnCon.Acquire()
		defer cancel()
		if err != nil {
			return nil, common.Wrap(err)
		}
		defer qdb.apiConnCon.Release()
	}
	return qdb.getDeposits(qdb.dbRead, pool, start, count)
}

// GetBatchesAPI returns the batch history of a pool, limiting the number of
// concurrent SQL connections used by the API
func (qdb *QueueDB) GetBatchesAPI(pool ethCommon.Address) ([]common.Batch, error) {
	if qdb.apiConnCon != nil {
		cancel, err := qdb.apiConnCon.Acquire()
		defer cancel()
		if err != nil {
			return nil, common.Wrap(err)
		}
		defer qdb.apiConnCon.Release()
	}
	return qdb.GetBatches(pool)
}
