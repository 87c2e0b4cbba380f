package api

import (
	"net/http"

	"shielded-pool/common"
	"shielded-pool/depositqueue"

	ethCommon "github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
)

// maxQueueRange is the maximum number of deposits returned by a queue query
const maxQueueRange = 1024

type queueQuery struct {
	Start uint64 `form:"start"`
	Count uint64 `form:"count" validate:"required,min=1,max=1024"`
}

type depositResponse struct {
	Pool              ethCommon.Address `json:"pool"`
	QueueIndex        uint64            `json:"queueIndex"`
	Depositor         ethCommon.Address `json:"depositor"`
	UnwrappedToken    ethCommon.Address `json:"unwrappedToken"`
	WrappedToken      ethCommon.Address `json:"wrappedToken"`
	AssetID           string            `json:"assetId"`
	TokenID           string            `json:"tokenId"`
	Amount            string            `json:"amount"`
	PartialCommitment string            `json:"partialCommitment"`
	Commitment        string            `json:"commitment"`
}

func newDepositResponse(d *common.QueuedDeposit) depositResponse {
	return depositResponse{
		Pool:              d.Pool,
		QueueIndex:        d.QueueIndex,
		Depositor:         d.Depositor,
		UnwrappedToken:    d.UnwrappedToken,
		WrappedToken:      d.WrappedToken,
		AssetID:           d.AssetID.String(),
		TokenID:           d.TokenID.String(),
		Amount:            d.Amount.String(),
		PartialCommitment: encodeField(d.PartialCommitment),
		Commitment:        encodeField(d.Commitment),
	}
}

func (a *API) postDeposit(c *gin.Context) {
	var req depositqueue.DepositRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		retBadReq(err, c)
		return
	}
	if _, ok := a.pools[req.Pool]; !ok {
		c.JSON(http.StatusNotFound, errorMsg{Message: common.ErrUnrecognizedPool.Error()})
		return
	}
	deposit, err := a.queue.Enqueue(c.Request.Context(), &req)
	if err != nil {
		retSQLErr(err, c)
		return
	}
	c.JSON(http.StatusOK, newDepositResponse(deposit))
}

type queueResponse struct {
	NextIndex uint64            `json:"nextIndex"`
	Deposits  []depositResponse `json:"deposits"`
}

func (a *API) getQueue(c *gin.Context) {
	pool, _, ok := a.parsePool(c)
	if !ok {
		return
	}
	query := queueQuery{Count: maxQueueRange}
	if err := c.ShouldBindQuery(&query); err != nil {
		retBadReq(err, c)
		return
	}
	if err := a.validate.Struct(query); err != nil {
		retBadReq(err, c)
		return
	}
	ctx := c.Request.Context()
	nextIndex, err := a.queue.NextIndex(ctx, pool)
	if err != nil {
		retSQLErr(err, c)
		return
	}
	deposits, err := a.queue.RangeQuery(ctx, pool, query.Start, query.Count)
	if err != nil {
		retSQLErr(err, c)
		return
	}
	res := queueResponse{NextIndex: nextIndex, Deposits: make([]depositResponse, len(deposits))}
	for i := range deposits {
		res.Deposits[i] = newDepositResponse(&deposits[i])
	}
	c.JSON(http.StatusOK, res)
}
