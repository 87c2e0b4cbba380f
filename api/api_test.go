package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"

	"shielded-pool/accumulator"
	"shielded-pool/common"
	"shielded-pool/coordinator"
	"shielded-pool/depositqueue"
	"shielded-pool/log"
	"shielded-pool/synchronizer"

	ethCommon "github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	log.Init("debug", []string{"stdout"})
	gin.SetMode(gin.TestMode)
}

var (
	pool  = ethCommon.HexToAddress("0x0000000000000000000000000000000000000a01")
	asset = common.Asset{
		AssetID:   big.NewInt(1),
		TokenID:   big.NewInt(0),
		Unwrapped: ethCommon.HexToAddress("0x0000000000000000000000000000000000000c01"),
		Wrapped:   ethCommon.HexToAddress("0x0000000000000000000000000000000000000d01"),
		Symbol:    "USDC",
	}
)

type testPoolView struct {
	tree  *accumulator.Accumulator
	stats synchronizer.Stats
	spent map[string]bool
}

func (v *testPoolView) Tree() *accumulator.Accumulator { return v.tree }

func (v *testPoolView) Stats() *synchronizer.Stats {
	stats := v.stats
	return &stats
}

func (v *testPoolView) IsSpent(ctx context.Context, nullifier *big.Int) (bool, error) {
	return v.spent[nullifier.String()], nil
}

type testStatus struct {
	statuses []coordinator.PoolStatus
}

func (s *testStatus) Status() ([]coordinator.PoolStatus, error) {
	return s.statuses, nil
}

type testBatches struct {
	batches []common.Batch
}

func (b *testBatches) GetBatchesAPI(p ethCommon.Address) ([]common.Batch, error) {
	return b.batches, nil
}

type testSetup struct {
	server *gin.Engine
	view   *testPoolView
	queue  *depositqueue.QueueCoordinator
}

func newTestSetup(t *testing.T) *testSetup {
	tree, err := accumulator.New(accumulator.Config{Height: 4})
	require.NoError(t, err)
	require.NoError(t, tree.BulkInsert([]*big.Int{big.NewInt(11), big.NewInt(12), big.NewInt(13)}))
	view := &testPoolView{tree: tree, spent: map[string]bool{"77": true}}
	view.stats.Eth.LastBlock.Num = 9
	view.stats.Sync.LastBlock.Num = 9

	registry := depositqueue.NewStaticRegistry([]common.Asset{asset})
	registry.AddPool(pool, asset.Wrapped)
	queue := depositqueue.NewQueueCoordinator(depositqueue.NewMemoryStorage(), registry,
		registry, nil)

	status := &testStatus{statuses: []coordinator.PoolStatus{{
		Pool:        pool,
		PipelineNum: 2,
		Leaves:      3,
		Root:        tree.Root(),
		RecentBatches: []coordinator.BatchInfo{{
			BatchNum:  1,
			BatchSize: common.BatchSize4,
			Debug:     coordinator.Debug{Status: coordinator.StatusMined},
		}},
	}}}
	batches := &testBatches{batches: []common.Batch{{
		Pool: pool, BatchNum: 1, Size: 4, OldRoot: big.NewInt(1), NewRoot: big.NewInt(2),
		ArgsHash: big.NewInt(3), Status: string(coordinator.StatusMined),
	}}}

	server := gin.New()
	_, err = NewAPI(Config{
		Version:     "test",
		Server:      server,
		Pools:       map[ethCommon.Address]PoolView{pool: view},
		Coordinator: status,
		Queue:       queue,
		Batches:     batches,
	})
	require.NoError(t, err)
	return &testSetup{server: server, view: view, queue: queue}
}

func (s *testSetup) do(t *testing.T, method, path string, body interface{}, res interface{}) int {
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.server.ServeHTTP(w, req)
	if res != nil && w.Code == http.StatusOK {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), res))
	}
	return w.Code
}

func TestNewAPIWithoutPools(t *testing.T) {
	_, err := NewAPI(Config{Server: gin.New()})
	assert.Error(t, err)
}

func TestGetPool(t *testing.T) {
	s := newTestSetup(t)
	var res poolResponse
	require.Equal(t, http.StatusOK, s.do(t, "GET", "/v1/pools/"+pool.Hex(), nil, &res))
	assert.Equal(t, pool, res.Pool)
	assert.Equal(t, 3, res.Leaves)
	assert.Equal(t, 4, res.Height)
	assert.Equal(t, encodeField(s.view.tree.Root()), res.Root)
	assert.True(t, res.Synced)

	assert.Equal(t, http.StatusNotFound,
		s.do(t, "GET", "/v1/pools/0x0000000000000000000000000000000000000a02", nil, nil))
	assert.Equal(t, http.StatusBadRequest, s.do(t, "GET", "/v1/pools/pool", nil, nil))
	assert.Equal(t, http.StatusNotFound, s.do(t, "GET", "/v1/unknown", nil, nil))
}

func TestGetPath(t *testing.T) {
	s := newTestSetup(t)
	var res pathResponse
	require.Equal(t, http.StatusOK, s.do(t, "GET", "/v1/pools/"+pool.Hex()+"/paths/2", nil, &res))
	assert.Equal(t, 2, res.Index)
	assert.Equal(t, encodeField(big.NewInt(13)), res.Element)
	require.Equal(t, 4, len(res.PathElements))
	assert.Equal(t, []uint8{0, 1, 0, 0}, res.PathIndices)

	path, err := s.view.tree.Path(2)
	require.NoError(t, err)
	ok, err := accumulator.VerifyPath(s.view.tree.Hasher(), path)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, encodeFields(path.PathElements), res.PathElements)

	assert.Equal(t, http.StatusNotFound,
		s.do(t, "GET", "/v1/pools/"+pool.Hex()+"/paths/3", nil, nil))
	assert.Equal(t, http.StatusBadRequest,
		s.do(t, "GET", "/v1/pools/"+pool.Hex()+"/paths/-1", nil, nil))
}

func TestGetNullifier(t *testing.T) {
	s := newTestSetup(t)
	var res nullifierResponse
	require.Equal(t, http.StatusOK,
		s.do(t, "GET", "/v1/pools/"+pool.Hex()+"/nullifiers/77", nil, &res))
	assert.True(t, res.Spent)
	require.Equal(t, http.StatusOK,
		s.do(t, "GET", "/v1/pools/"+pool.Hex()+"/nullifiers/0x4e", nil, &res))
	assert.False(t, res.Spent)
	assert.Equal(t, encodeField(big.NewInt(78)), res.Nullifier)

	assert.Equal(t, http.StatusBadRequest,
		s.do(t, "GET", "/v1/pools/"+pool.Hex()+"/nullifiers/xyz", nil, nil))
	assert.Equal(t, http.StatusBadRequest, s.do(t, "GET",
		fmt.Sprintf("/v1/pools/%s/nullifiers/%s", pool.Hex(), common.FieldModulus().String()),
		nil, nil))
}

func TestDeposits(t *testing.T) {
	s := newTestSetup(t)
	depositor := ethCommon.HexToAddress("0x0000000000000000000000000000000000000e01")
	for i := int64(1); i <= 3; i++ {
		var res depositResponse
		body := map[string]interface{}{
			"pool":              pool,
			"depositor":         depositor,
			"token":             asset.Unwrapped,
			"amount":            100 * i,
			"partialCommitment": 7 * i,
		}
		require.Equal(t, http.StatusOK, s.do(t, "POST", "/v1/deposits", body, &res))
		assert.Equal(t, uint64(i-1), res.QueueIndex)
		assert.Equal(t, asset.Wrapped, res.WrappedToken)
		commitment, err := common.DepositCommitment(asset.AssetID, asset.TokenID,
			big.NewInt(100*i), big.NewInt(7*i))
		require.NoError(t, err)
		assert.Equal(t, encodeField(commitment), res.Commitment)
	}

	// unknown token
	body := map[string]interface{}{
		"pool": pool, "depositor": depositor, "token": asset.Wrapped,
		"amount": 1, "partialCommitment": 1,
	}
	assert.Equal(t, http.StatusBadRequest, s.do(t, "POST", "/v1/deposits", body, nil))
	// missing fields
	assert.Equal(t, http.StatusBadRequest, s.do(t, "POST", "/v1/deposits",
		map[string]interface{}{"pool": pool}, nil))

	var queue queueResponse
	require.Equal(t, http.StatusOK,
		s.do(t, "GET", "/v1/pools/"+pool.Hex()+"/queue?start=1&count=5", nil, &queue))
	assert.Equal(t, uint64(3), queue.NextIndex)
	require.Equal(t, 2, len(queue.Deposits))
	assert.Equal(t, uint64(1), queue.Deposits[0].QueueIndex)
	assert.Equal(t, "300", queue.Deposits[1].Amount)

	require.Equal(t, http.StatusOK,
		s.do(t, "GET", "/v1/pools/"+pool.Hex()+"/queue", nil, &queue))
	assert.Equal(t, 3, len(queue.Deposits))
	assert.Equal(t, http.StatusBadRequest,
		s.do(t, "GET", "/v1/pools/"+pool.Hex()+"/queue?count=0", nil, nil))
	assert.Equal(t, http.StatusBadRequest,
		s.do(t, "GET", "/v1/pools/"+pool.Hex()+"/queue?count=5000", nil, nil))
}

func TestStatusAndBatches(t *testing.T) {
	s := newTestSetup(t)
	var statuses []statusResponse
	require.Equal(t, http.StatusOK, s.do(t, "GET", "/v1/status", nil, &statuses))
	require.Equal(t, 1, len(statuses))
	assert.Equal(t, 2, statuses[0].PipelineNum)
	require.Equal(t, 1, len(statuses[0].RecentBatches))
	assert.Equal(t, string(coordinator.StatusMined), statuses[0].RecentBatches[0].Status)

	var batches []batchResponse
	require.Equal(t, http.StatusOK,
		s.do(t, "GET", "/v1/pools/"+pool.Hex()+"/batches", nil, &batches))
	require.Equal(t, 1, len(batches))
	assert.Equal(t, encodeField(big.NewInt(2)), batches[0].NewRoot)

	var health healthResponse
	require.Equal(t, http.StatusOK, s.do(t, "GET", "/v1/health", nil, &health))
	assert.True(t, health.Synced)
	assert.Equal(t, "test", health.Version)

	assert.Equal(t, http.StatusOK, s.do(t, "GET", "/metrics", nil, nil))
}
