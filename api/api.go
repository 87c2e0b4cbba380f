/*
Package api implements the HTTP interface of the pool node.

The pool endpoints read the synchronized mirror of every pool tree, so the
paths they return are always against a root confirmed by the ledger.  The
deposit endpoints are only served when the node runs the off chain deposit
queue.
*/
package api

import (
	"context"
	"errors"
	"math/big"

	"shielded-pool/accumulator"
	"shielded-pool/common"
	"shielded-pool/coordinator"
	"shielded-pool/depositqueue"
	"shielded-pool/metric"
	"shielded-pool/synchronizer"

	ethCommon "github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PoolView is the synchronized state of a pool
type PoolView interface {
	Tree() *accumulator.Accumulator
	Stats() *synchronizer.Stats
	IsSpent(ctx context.Context, nullifier *big.Int) (bool, error)
}

// StatusSource gives the status of the pipelines of the pools
type StatusSource interface {
	Status() ([]coordinator.PoolStatus, error)
}

// DepositQueue is the off chain deposit queue
type DepositQueue interface {
	Enqueue(ctx context.Context, req *depositqueue.DepositRequest) (*common.QueuedDeposit, error)
	RangeQuery(ctx context.Context, pool ethCommon.Address, start, count uint64) ([]common.QueuedDeposit, error)
	NextIndex(ctx context.Context, pool ethCommon.Address) (uint64, error)
}

// BatchHistory gives the submitted batches of a pool
type BatchHistory interface {
	GetBatchesAPI(pool ethCommon.Address) ([]common.Batch, error)
}

// Config wraps the parameters needed to start the API
type Config struct {
	Version string
	Server  *gin.Engine
	Pools   map[ethCommon.Address]PoolView
	// Coordinator, if set, enables the status endpoint
	Coordinator StatusSource
	// Queue, if set, enables the deposit endpoints
	Queue DepositQueue
	// Batches, if set, enables the batch history endpoint
	Batches BatchHistory
}

// API serves HTTP requests to allow external interaction with the pool node
type API struct {
	version  string
	pools    map[ethCommon.Address]PoolView
	coord    StatusSource
	queue    DepositQueue
	batches  BatchHistory
	validate *validator.Validate
}

// NewAPI sets the endpoints and the appropriate handlers, but doesn't start the server
func NewAPI(setup Config) (*API, error) {
	if setup.Server == nil {
		return nil, common.Wrap(errors.New("cannot serve the API without a server"))
	}
	if len(setup.Pools) == 0 {
		return nil, common.Wrap(errors.New("cannot serve the API without pools"))
	}
	a := &API{
		version:  setup.Version,
		pools:    setup.Pools,
		coord:    setup.Coordinator,
		queue:    setup.Queue,
		batches:  setup.Batches,
		validate: validator.New(),
	}

	middleware, err := metric.PrometheusMiddleware()
	if err != nil {
		return nil, common.Wrap(err)
	}
	setup.Server.Use(middleware)
	setup.Server.NoRoute(a.noRoute)
	setup.Server.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := setup.Server.Group("/v1")
	v1.GET("/health", a.getHealth)
	v1.GET("/pools/:pool", a.getPool)
	v1.GET("/pools/:pool/paths/:index", a.getPath)
	v1.GET("/pools/:pool/nullifiers/:nullifier", a.getNullifier)
	if a.coord != nil {
		v1.GET("/status", a.getStatus)
	}
	if a.batches != nil {
		v1.GET("/pools/:pool/batches", a.getBatches)
	}
	if a.queue != nil {
		v1.POST("/deposits", a.postDeposit)
		v1.GET("/pools/:pool/queue", a.getQueue)
	}
	return a, nil
}

func (a *API) noRoute(c *gin.Context) {
	c.JSON(404, errorMsg{Message: "404 page not found"})
}
