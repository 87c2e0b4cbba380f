package api

import (
	"database/sql"
	"fmt"
	"math/big"
	"net/http"
	"strconv"

	"shielded-pool/common"
	"shielded-pool/log"

	ethCommon "github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
)

type errorMsg struct {
	Message string `json:"message"`
}

// retBadReq writes a bad request response
func retBadReq(err error, c *gin.Context) {
	log.Warnw("Bad request", "err", err, "path", c.Request.URL.Path)
	c.JSON(http.StatusBadRequest, errorMsg{Message: err.Error()})
}

// retSQLErr writes the response of an error returned by a pool component,
// hiding the internal errors
func retSQLErr(err error, c *gin.Context) {
	switch common.Unwrap(err) {
	case sql.ErrNoRows, common.ErrUnrecognizedPool, common.ErrIndexOutOfRange:
		c.JSON(http.StatusNotFound, errorMsg{Message: common.Unwrap(err).Error()})
	case common.ErrNotInFF, common.ErrUnregisteredAsset, common.ErrCapacityExceeded:
		retBadReq(err, c)
	default:
		log.Errorw("API error", "err", err, "path", c.Request.URL.Path)
		c.JSON(http.StatusInternalServerError, errorMsg{Message: "internal error"})
	}
}

// encodeField encodes a field element as a 0x prefixed 32 bytes big endian
// hex string
func encodeField(x *big.Int) string {
	if x == nil {
		return ""
	}
	b := common.FieldToBytes32BE(x)
	return ethCommon.BytesToHash(b[:]).Hex()
}

func encodeFields(xs []*big.Int) []string {
	out := make([]string, len(xs))
	for i, x := range xs {
		out[i] = encodeField(x)
	}
	return out
}

// parseField accepts a field element in decimal or in 0x prefixed hex
func parseField(s string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(s, 0)
	if !ok {
		return nil, common.Wrap(fmt.Errorf("invalid field element %q", s))
	}
	if !common.CheckInField(v) {
		return nil, common.Wrap(common.ErrNotInFF)
	}
	return v, nil
}

// parsePool returns the pool of the :pool parameter, responding with an
// error and returning false if it is not served
func (a *API) parsePool(c *gin.Context) (ethCommon.Address, PoolView, bool) {
	param := c.Param("pool")
	if !ethCommon.IsHexAddress(param) {
		retBadReq(fmt.Errorf("invalid pool address %q", param), c)
		return ethCommon.Address{}, nil, false
	}
	pool := ethCommon.HexToAddress(param)
	view, ok := a.pools[pool]
	if !ok {
		c.JSON(http.StatusNotFound, errorMsg{Message: common.ErrUnrecognizedPool.Error()})
		return pool, nil, false
	}
	return pool, view, true
}

type healthResponse struct {
	Version string `json:"version"`
	Pools   int    `json:"pools"`
	Synced  bool   `json:"synced"`
}

func (a *API) getHealth(c *gin.Context) {
	synced := true
	for _, view := range a.pools {
		synced = synced && view.Stats().Synced()
	}
	c.JSON(http.StatusOK, healthResponse{Version: a.version, Pools: len(a.pools), Synced: synced})
}

type poolResponse struct {
	Pool         ethCommon.Address `json:"pool"`
	Height       int               `json:"height"`
	Leaves       int               `json:"leaves"`
	Root         string            `json:"root"`
	LastBlockNum int64             `json:"lastBlockNumber"`
	EthBlockNum  int64             `json:"ethBlockNumber"`
	Synced       bool              `json:"synced"`
}

func (a *API) getPool(c *gin.Context) {
	pool, view, ok := a.parsePool(c)
	if !ok {
		return
	}
	stats := view.Stats()
	tree := view.Tree()
	c.JSON(http.StatusOK, poolResponse{
		Pool:         pool,
		Height:       tree.Height(),
		Leaves:       tree.Len(),
		Root:         encodeField(tree.Root()),
		LastBlockNum: stats.Sync.LastBlock.Num,
		EthBlockNum:  stats.Eth.LastBlock.Num,
		Synced:       stats.Synced(),
	})
}

type pathResponse struct {
	Index        int      `json:"index"`
	Element      string   `json:"element"`
	Root         string   `json:"root"`
	PathElements []string `json:"pathElements"`
	PathIndices  []uint8  `json:"pathIndices"`
}

func (a *API) getPath(c *gin.Context) {
	_, view, ok := a.parsePool(c)
	if !ok {
		return
	}
	index, err := strconv.Atoi(c.Param("index"))
	if err != nil || index < 0 {
		retBadReq(fmt.Errorf("invalid leaf index %q", c.Param("index")), c)
		return
	}
	path, err := view.Tree().Path(index)
	if err != nil {
		retSQLErr(err, c)
		return
	}
	c.JSON(http.StatusOK, pathResponse{
		Index:        path.Index,
		Element:      encodeField(path.Element),
		Root:         encodeField(path.Root),
		PathElements: encodeFields(path.PathElements),
		PathIndices:  path.PathIndices,
	})
}

type nullifierResponse struct {
	Nullifier string `json:"nullifier"`
	Spent     bool   `json:"spent"`
}

func (a *API) getNullifier(c *gin.Context) {
	_, view, ok := a.parsePool(c)
	if !ok {
		return
	}
	nullifier, err := parseField(c.Param("nullifier"))
	if err != nil {
		retBadReq(err, c)
		return
	}
	spent, err := view.IsSpent(c.Request.Context(), nullifier)
	if err != nil {
		retSQLErr(err, c)
		return
	}
	c.JSON(http.StatusOK, nullifierResponse{Nullifier: encodeField(nullifier), Spent: spent})
}

type batchResponse struct {
	BatchNum    common.BatchNum `json:"batchNum"`
	StartIndex  uint64          `json:"startIndex"`
	Size        int             `json:"size"`
	OldRoot     string          `json:"oldRoot"`
	NewRoot     string          `json:"newRoot"`
	ArgsHash    string          `json:"argsHash"`
	EthTxHash   ethCommon.Hash  `json:"ethereumTxHash"`
	EthBlockNum int64           `json:"ethereumBlockNum"`
	Status      string          `json:"status"`
}

type statusResponse struct {
	Pool             ethCommon.Address `json:"pool"`
	PipelineNum      int               `json:"pipelineNum"`
	Synced           bool              `json:"synced"`
	Leaves           int               `json:"leaves"`
	Root             string            `json:"root"`
	PendingBatches   int               `json:"pendingBatches"`
	LastSuccessBatch common.BatchNum   `json:"lastSuccessBatch"`
	RecentBatches    []batchResponse   `json:"recentBatches"`
}

func (a *API) getStatus(c *gin.Context) {
	statuses, err := a.coord.Status()
	if err != nil {
		retSQLErr(err, c)
		return
	}
	res := make([]statusResponse, len(statuses))
	for i, status := range statuses {
		batches := make([]batchResponse, len(status.RecentBatches))
		for j, batch := range status.RecentBatches {
			batches[j] = batchResponse{
				BatchNum:   batch.BatchNum,
				StartIndex: batch.StartIndex,
				Size:       int(batch.BatchSize),
				Status:     string(batch.Debug.Status),
			}
			if batch.TxResult != nil {
				batches[j].EthTxHash = batch.TxResult.TxHash
				batches[j].EthBlockNum = batch.TxResult.BlockNum
			}
		}
		res[i] = statusResponse{
			Pool:             status.Pool,
			PipelineNum:      status.PipelineNum,
			Synced:           status.Stats.Synced(),
			Leaves:           status.Leaves,
			Root:             encodeField(status.Root),
			PendingBatches:   status.PendingBatches,
			LastSuccessBatch: status.LastSuccessBatch,
			RecentBatches:    batches,
		}
	}
	c.JSON(http.StatusOK, res)
}

func (a *API) getBatches(c *gin.Context) {
	pool, _, ok := a.parsePool(c)
	if !ok {
		return
	}
	batches, err := a.batches.GetBatchesAPI(pool)
	if err != nil {
		retSQLErr(err, c)
		return
	}
	res := make([]batchResponse, len(batches))
	for i, batch := range batches {
		res[i] = batchResponse{
			BatchNum:    batch.BatchNum,
			StartIndex:  batch.StartIndex,
			Size:        batch.Size,
			OldRoot:     encodeField(batch.OldRoot),
			NewRoot:     encodeField(batch.NewRoot),
			ArgsHash:    encodeField(batch.ArgsHash),
			EthTxHash:   batch.EthTxHash,
			EthBlockNum: batch.EthBlockNum,
			Status:      batch.Status,
		}
	}
	c.JSON(http.StatusOK, res)
}
