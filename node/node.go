/*
Package node does the initialization of all the required objects to run the
synchronizers, the coordinator and the API of a set of shielded pools.

The Node runs one goroutine per pool that periodically calls the
`Synchronizer.Sync` function of the pool, allowing the synchronization of
one block at a time.  After every call to `Synchronizer.Sync`, the Node
sends a message to the Coordinator to notify it about the new synced block
or reorg of the pool, and publishes the root updates of the synced block
when a publisher is configured.
*/
package node

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"shielded-pool/accumulator"
	"shielded-pool/api"
	"shielded-pool/batchbuilder"
	"shielded-pool/common"
	"shielded-pool/config"
	"shielded-pool/coordinator"
	"shielded-pool/coordinator/prover"
	dbUtils "shielded-pool/database"
	"shielded-pool/database/queuedb"
	"shielded-pool/database/treedb"
	"shielded-pool/depositqueue"
	"shielded-pool/eth"
	"shielded-pool/log"
	"shielded-pool/proposal"
	"shielded-pool/synchronizer"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/accounts/keystore"
	ethCommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"
	"github.com/russross/meddler"
	"golang.org/x/sync/errgroup"
)

// poolNode holds the per pool objects of the Node
type poolNode struct {
	pool     ethCommon.Address
	sync     *synchronizer.Synchronizer
	syncDB   *treedb.TreeDB
	localDB  *treedb.LocalTreeDB
	proposer *proposal.Proposer
}

// Node is the pool node
type Node struct {
	nodeAPI *NodeAPI
	// Coordinator
	coord *coordinator.Coordinator
	// Synchronizers
	pools     []*poolNode
	publisher *proposal.NatsPublisher

	// General
	cfg          *config.Node
	sqlConnRead  *sqlx.DB
	sqlConnWrite *sqlx.DB
	queueDB      *queuedb.QueueDB
	ctx          context.Context
	wg           sync.WaitGroup
	cancel       context.CancelFunc
}

// NodeAPI holds the node http API
type NodeAPI struct { //nolint:golint
	api          *api.API
	engine       *gin.Engine
	addr         string
	readtimeout  time.Duration
	writetimeout time.Duration
}

// NewNodeAPI creates a new NodeAPI (which internally calls api.NewAPI)
func NewNodeAPI(addr string, cfgAPI *config.Node, apiConfig api.Config) (*NodeAPI, error) {
	_api, err := api.NewAPI(apiConfig)
	if err != nil {
		return nil, common.Wrap(err)
	}
	return &NodeAPI{
		addr:         addr,
		api:          _api,
		engine:       apiConfig.Server,
		readtimeout:  cfgAPI.API.ReadTimeout.Duration,
		writetimeout: cfgAPI.API.WriteTimeout.Duration,
	}, nil
}

// Run starts the http server of the NodeAPI.  To stop it, pass a context
// with cancellation.
func (a *NodeAPI) Run(ctx context.Context) error {
	server := &http.Server{
		Addr:           a.addr,
		Handler:        a.engine,
		ReadTimeout:    a.readtimeout,
		WriteTimeout:   a.writetimeout,
		MaxHeaderBytes: 1 << 20,
	}
	go func() {
		log.Infof("NodeAPI is ready at %v", a.addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Listen: %s\n", err)
		}
	}()

	<-ctx.Done()
	log.Info("Stopping NodeAPI...")
	ctxTimeout, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctxTimeout); err != nil {
		return common.Wrap(err)
	}
	log.Info("NodeAPI done")
	return nil
}

// Check if a directory exists and is empty
func isDirectoryEmpty(path string) (bool, error) {
	dirEntries, err := os.ReadDir(path)
	if err != nil {
		if os.IsNotExist(err) {
			return true, nil // Directory doesn't exist, treat as empty
		}
		return false, common.Wrap(err)
	}
	return len(dirEntries) == 0, nil
}

// InitSQLDBs opens the write SQL connection, and the read one if it is
// configured in a different host
func InitSQLDBs(cfg *config.Node) (dbRead, dbWrite *sqlx.DB, err error) {
	dbWrite, err = dbUtils.InitSQLDB(
		cfg.PostgreSQL.PortWrite,
		cfg.PostgreSQL.HostWrite,
		cfg.PostgreSQL.UserWrite,
		cfg.PostgreSQL.PasswordWrite,
		cfg.PostgreSQL.NameWrite,
	)
	if err != nil {
		return nil, nil, common.Wrapf(err, "dbUtils.InitSQLDB")
	}
	if cfg.PostgreSQL.HostRead == "" {
		return dbWrite, dbWrite, nil
	}
	dbRead, err = dbUtils.InitSQLDB(
		cfg.PostgreSQL.PortRead,
		cfg.PostgreSQL.HostRead,
		cfg.PostgreSQL.UserRead,
		cfg.PostgreSQL.PasswordRead,
		cfg.PostgreSQL.NameRead,
	)
	if err != nil {
		return nil, nil, common.Wrapf(err, "dbUtils.InitSQLDB")
	}
	return dbRead, dbWrite, nil
}

// newEthClient opens the forger account keystore and connects to the
// ethereum node
func newEthClient(cfg *config.Node) (*eth.Client, error) {
	ethClient, err := ethclient.Dial(cfg.Web3.URL)
	if err != nil {
		return nil, common.Wrap(err)
	}
	ksCfg := cfg.Coordinator.EthClient.Keystore
	scryptN := keystore.StandardScryptN
	scryptP := keystore.StandardScryptP
	if cfg.Coordinator.Debug.LightScrypt {
		scryptN = keystore.LightScryptN
		scryptP = keystore.LightScryptP
	}
	keyStore := keystore.NewKeyStore(ksCfg.Path, scryptN, scryptP)

	isEmpty, err := isDirectoryEmpty(ksCfg.Path)
	if err != nil {
		return nil, common.Wrap(err)
	}
	if isEmpty {
		// Create a new account if keystore is empty
		account, err := keyStore.NewAccount(ksCfg.Password)
		if err != nil {
			return nil, common.Wrap(err)
		}
		log.Infof("New account created: %s", account.Address.Hex())
	}

	forgerAddress := cfg.Coordinator.ForgerAddress
	forgerBalance, err := ethClient.BalanceAt(context.TODO(), forgerAddress, nil)
	if err != nil {
		return nil, common.Wrap(err)
	}
	log.Infow("forger ethereum account balance", "addr", forgerAddress, "balance", forgerBalance)

	// Unlock the forger account in the keystore to send the batch updates
	if !keyStore.HasAddress(forgerAddress) {
		return nil, common.Wrap(fmt.Errorf(
			"ethereum keystore doesn't have the key for address %v", forgerAddress))
	}
	forgerAccount := &accounts.Account{Address: forgerAddress}
	if err := keyStore.Unlock(*forgerAccount, ksCfg.Password); err != nil {
		return nil, common.Wrap(err)
	}
	log.Infow("Forger ethereum account unlocked in the keystore", "addr", forgerAddress)

	pools := make([]ethCommon.Address, len(cfg.Pools))
	for i, pool := range cfg.Pools {
		pools[i] = pool.Address
	}
	return eth.NewClient(ethClient, forgerAccount, keyStore, &eth.ClientConfig{
		Ethereum: eth.EthereumConfig{
			CallGasLimit:   cfg.Coordinator.EthClient.CallGasLimit,
			GasPriceDiv:    cfg.Coordinator.EthClient.GasPriceDiv,
			ReceiptTimeout: cfg.Coordinator.EthClient.ReceiptTimeout.Duration,
		},
		Pools: pools,
	})
}

// NewProverRegistry creates the provers of the configured circuits
func NewProverRegistry(ctx context.Context, cfg []config.Prover) (*prover.Registry, error) {
	registry := prover.NewRegistry()
	for _, proverCfg := range cfg {
		var clients []prover.Client
		if proverCfg.Mock {
			clients = append(clients, prover.NewMockClient(proverCfg.MockDelay.Duration))
		}
		for _, url := range proverCfg.URLs {
			clients = append(clients,
				prover.NewProofServerClient(url, proverCfg.PollInterval.Duration))
		}
		if len(clients) == 0 {
			return nil, common.Wrap(fmt.Errorf("no proof server for circuit %v",
				proverCfg.Circuit))
		}
		provers := prover.NewProversPool(len(clients))
		for _, client := range clients {
			provers.Add(ctx, client)
		}
		var vk *prover.VerifyingKey
		if proverCfg.VerifyingKey != "" {
			var err error
			if vk, err = prover.LoadVerifyingKey(proverCfg.VerifyingKey); err != nil {
				return nil, common.Wrapf(err, "circuit %v", proverCfg.Circuit)
			}
		}
		registry.Register(common.CircuitID(proverCfg.Circuit), provers, vk)
		log.Infow("Prover registered", "circuit", proverCfg.Circuit,
			"servers", len(clients), "verify", vk != nil)
	}
	return registry, nil
}

// NewQueueCoordinator creates the off chain deposit queue, backed by the SQL
// database.  The configured assets are added to the database registry if
// they are not there yet.
func NewQueueCoordinator(cfg *config.Node,
	queueDB *queuedb.QueueDB) (*depositqueue.QueueCoordinator, error) {
	stored, err := queueDB.GetAssets()
	if err != nil {
		return nil, common.Wrap(err)
	}
	registry := depositqueue.NewStaticRegistry(stored)
	var missing []common.Asset
	for _, asset := range cfg.CommonAssets() {
		if _, err := registry.AssetByID(context.Background(), asset.AssetID,
			asset.TokenID); err == nil {
			continue
		}
		registry.AddAsset(asset)
		missing = append(missing, asset)
	}
	if len(missing) > 0 {
		if err := queueDB.AddAssets(missing); err != nil {
			return nil, common.Wrap(err)
		}
	}
	for _, pool := range cfg.Pools {
		if pool.Queue == config.QueueCoordinator {
			registry.AddPool(pool.Address, pool.WrappedTokens...)
		}
	}
	return depositqueue.NewQueueCoordinator(queueDB, registry, registry, nil), nil
}

// NewNode creates a Node
func NewNode(cfg *config.Node, version string) (*Node, error) {
	meddler.Debug = cfg.Debug.MeddlerLogs
	ctx, cancel := context.WithCancel(context.Background())
	n, err := newNode(ctx, cfg, version)
	if err != nil {
		cancel()
		return nil, common.Wrap(err)
	}
	n.ctx = ctx
	n.cancel = cancel
	return n, nil
}

func newNode(ctx context.Context, cfg *config.Node, version string) (*Node, error) {
	dbRead, dbWrite, err := InitSQLDBs(cfg)
	if err != nil {
		return nil, common.Wrap(err)
	}
	apiConnCon := dbUtils.NewAPIConnectionController(
		cfg.API.MaxSQLConnections,
		cfg.API.SQLConnectionTimeout.Duration,
	)
	queueDB := queuedb.NewQueueDB(dbRead, dbWrite, apiConnCon)

	client, err := newEthClient(cfg)
	if err != nil {
		return nil, common.Wrap(err)
	}
	chainID, err := client.EthChainID()
	if err != nil {
		return nil, common.Wrap(err)
	}
	if !chainID.IsInt64() {
		return nil, common.Wrap(fmt.Errorf("chainID cannot be represented as int64"))
	}

	provers, err := NewProverRegistry(ctx, cfg.Provers)
	if err != nil {
		return nil, common.Wrap(err)
	}

	var queueCoord *depositqueue.QueueCoordinator
	for _, pool := range cfg.Pools {
		if pool.Queue == config.QueueCoordinator {
			if queueCoord, err = NewQueueCoordinator(cfg, queueDB); err != nil {
				return nil, common.Wrap(err)
			}
			break
		}
	}

	var publisher *proposal.NatsPublisher
	if cfg.Nats.URL != "" {
		publisher, err = proposal.NewNatsPublisher(proposal.NatsConfig{
			URL:            cfg.Nats.URL,
			Stream:         cfg.Nats.Stream,
			Subject:        cfg.Nats.Subject,
			ConnectTimeout: cfg.Nats.ConnectTimeout.Duration,
			ReconnectWait:  cfg.Nats.ReconnectWait.Duration,
			MaxAge:         cfg.Nats.MaxAge.Duration,
		})
		if err != nil {
			return nil, common.Wrap(err)
		}
	} else {
		log.Info("NATS not configured, root updates will not be published")
	}

	pools := make([]*poolNode, 0, len(cfg.Pools))
	poolCfgs := make([]coordinator.PoolConfig, 0, len(cfg.Pools))
	views := make(map[ethCommon.Address]api.PoolView, len(cfg.Pools))
	for i := range cfg.Pools {
		poolCfg := &cfg.Pools[i]
		pn, coordCfg, err := newPoolNode(cfg, poolCfg, client, queueDB, queueCoord,
			provers)
		if err != nil {
			return nil, common.Wrapf(err, "pool %v", poolCfg.Address.Hex())
		}
		if publisher != nil {
			// the root of the empty tree is the zero hash of the top level
			tree := pn.sync.Tree()
			pn.proposer, err = proposal.NewProposer(proposal.Config{
				ChainID:   chainID.Int64(),
				Subject:   cfg.Nats.Subject,
				EmptyRoot: tree.Zeros()[tree.Height()],
			}, poolCfg.Address, pn.syncDB, publisher)
			if err != nil {
				return nil, common.Wrap(err)
			}
		}
		pools = append(pools, pn)
		poolCfgs = append(poolCfgs, *coordCfg)
		views[poolCfg.Address] = pn.sync
	}

	coord, err := coordinator.NewCoordinator(
		coordinator.Config{
			MaxPendingBatches:      cfg.Coordinator.MaxPendingBatches,
			ForgeDelay:             cfg.Coordinator.ForgeDelay.Duration,
			ForgeRetryInterval:     cfg.Coordinator.ForgeRetryInterval.Duration,
			SyncRetryInterval:      cfg.Coordinator.SyncRetryInterval.Duration,
			EthClientAttempts:      cfg.Coordinator.EthClient.Attempts,
			EthClientAttemptsDelay: cfg.Coordinator.EthClient.AttemptsDelay.Duration,
			DebugBatchPath:         cfg.Coordinator.Debug.BatchPath,
		},
		poolCfgs,
		queueDB,
	)
	if err != nil {
		return nil, common.Wrap(err)
	}

	var nodeAPI *NodeAPI
	if cfg.API.Address != "" {
		if cfg.Debug.GinDebugMode {
			gin.SetMode(gin.DebugMode)
		} else {
			gin.SetMode(gin.ReleaseMode)
		}
		apiCfg := api.Config{
			Version:     version,
			Server:      gin.Default(),
			Pools:       views,
			Coordinator: coord,
			Batches:     queueDB,
		}
		if queueCoord != nil {
			apiCfg.Queue = queueCoord
		}
		nodeAPI, err = NewNodeAPI(cfg.API.Address, cfg, apiCfg)
		if err != nil {
			return nil, common.Wrap(err)
		}
	}

	return &Node{
		nodeAPI:      nodeAPI,
		coord:        coord,
		pools:        pools,
		publisher:    publisher,
		cfg:          cfg,
		sqlConnRead:  dbRead,
		sqlConnWrite: dbWrite,
		queueDB:      queueDB,
	}, nil
}

// newPoolNode creates the synchronizer and the batch tree updater of a pool
func newPoolNode(cfg *config.Node, poolCfg *config.Pool, client *eth.Client,
	queueDB *queuedb.QueueDB, queueCoord *depositqueue.QueueCoordinator,
	provers *prover.Registry) (*poolNode, *coordinator.PoolConfig, error) {
	ledger := client.Pool(poolCfg.Address)
	if ledger == nil {
		return nil, nil, common.Wrap(common.ErrUnrecognizedPool)
	}
	hasher, err := common.NewHasher(poolCfg.Hasher)
	if err != nil {
		return nil, nil, common.Wrap(err)
	}
	treeCfg := accumulator.Config{
		Height:    poolCfg.TreeHeight,
		ZeroValue: poolCfg.ZeroValue,
		Hasher:    hasher,
	}
	dir := filepath.Join(cfg.TreeDB.Path, poolCfg.Address.Hex())
	syncDB, err := treedb.NewTreeDB(treedb.Config{
		Path: filepath.Join(dir, "synchronizer"),
		Keep: cfg.TreeDB.Keep,
		Type: treedb.TypeSynchronizer,
	})
	if err != nil {
		return nil, nil, common.Wrap(err)
	}
	sync, err := synchronizer.NewSynchronizer(poolCfg.Address, ledger,
		queueDB.BlockStore(poolCfg.Address), syncDB, synchronizer.Config{
			StatsUpdateBlockNumDiffThreshold: cfg.Synchronizer.StatsUpdateBlockNumDiffThreshold,
			StatsUpdateFrequencyDivider:      cfg.Synchronizer.StatsUpdateFrequencyDivider,
			StartBlockNum:                    poolCfg.StartBlockNum,
			Tree:                             treeCfg,
		})
	if err != nil {
		return nil, nil, common.Wrap(err)
	}

	localDB, err := treedb.NewLocalTreeDB(treedb.Config{
		Path: filepath.Join(dir, "batchbuilder"),
		Keep: cfg.TreeDB.Keep,
		Type: treedb.TypeBatchBuilder,
	}, syncDB)
	if err != nil {
		return nil, nil, common.Wrap(err)
	}
	tree, err := accumulator.New(treeCfg)
	if err != nil {
		return nil, nil, common.Wrap(err)
	}
	updater, err := batchbuilder.NewBatchTreeUpdater(batchbuilder.Config{
		Pool:     poolCfg.Address,
		Tree:     tree,
		Prover:   provers,
		Verifier: provers,
		TreeDB:   localDB,
	})
	if err != nil {
		return nil, nil, common.Wrap(err)
	}

	var queue batchbuilder.QueueSource = ledger
	if poolCfg.Queue == config.QueueCoordinator {
		queue = queueCoord.Source(poolCfg.Address)
	}
	batchSizes, err := poolCfg.ParsedBatchSizes()
	if err != nil {
		return nil, nil, common.Wrap(err)
	}
	log.Infow("Pool configured", "pool", poolCfg.Address.Hex(), "height", poolCfg.TreeHeight,
		"hasher", poolCfg.Hasher, "queue", poolCfg.Queue, "batchSizes", batchSizes)
	return &poolNode{
			pool:    poolCfg.Address,
			sync:    sync,
			syncDB:  syncDB,
			localDB: localDB,
		}, &coordinator.PoolConfig{
			Pool:       poolCfg.Address,
			BatchSizes: batchSizes,
			Updater:    updater,
			Queue:      queue,
			Ledger:     ledger,
			SyncTreeDB: syncDB,
		}, nil
}

func (n *Node) handleNewBlock(ctx context.Context, pn *poolNode, stats *synchronizer.Stats,
	blockData *common.BlockData) error {
	n.coord.SendMsg(ctx, coordinator.MsgSyncBlock{
		Pool:  pn.pool,
		Stats: *stats,
	})
	if pn.proposer == nil || blockData == nil {
		return nil
	}
	if _, err := pn.proposer.Propose(ctx, blockData); err != nil {
		return common.Wrap(err)
	}
	return nil
}

func (n *Node) handleReorg(ctx context.Context, pn *poolNode, stats *synchronizer.Stats) {
	n.coord.SendMsg(ctx, coordinator.MsgSyncReorg{
		Pool:  pn.pool,
		Stats: *stats,
	})
}

// syncLoopFn attempts to synchronize a block of the pool.  It returns the
// last synced block and the time to wait before the next attempt.
func (n *Node) syncLoopFn(ctx context.Context, pn *poolNode, lastBlock *common.Block) (*common.Block,
	time.Duration, error) {
	blockData, discarded, err := pn.sync.Sync(ctx, lastBlock)
	stats := pn.sync.Stats()
	if err != nil {
		// case: error
		return nil, n.cfg.Synchronizer.SyncLoopInterval.Duration, common.Wrap(err)
	} else if discarded != nil {
		// case: reorg
		log.Infow("Synchronizer.Sync reorg", "pool", pn.pool.Hex(), "discarded", *discarded)
		n.handleReorg(ctx, pn, stats)
		return nil, time.Duration(0), nil
	} else if blockData != nil {
		// case: new block
		if err := n.handleNewBlock(ctx, pn, stats, blockData); err != nil {
			return &blockData.Block, n.cfg.Synchronizer.SyncLoopInterval.Duration,
				common.Wrap(err)
		}
		return &blockData.Block, time.Duration(0), nil
	}
	// case: no block
	return lastBlock, n.cfg.Synchronizer.SyncLoopInterval.Duration, nil
}

// StartSynchronizers starts the synchronizer loop of every pool
func (n *Node) StartSynchronizers() {
	log.Info("Starting Synchronizers...")
	// Notify the coordinator with the loaded state of every synchronizer
	// in order to quickly start the pipelines instead of waiting for the
	// next block
	var g errgroup.Group
	for _, pn := range n.pools {
		pn := pn
		g.Go(func() error {
			return n.handleNewBlock(n.ctx, pn, pn.sync.Stats(), nil)
		})
	}
	if err := g.Wait(); err != nil {
		log.Fatalw("Node.handleNewBlock", "err", err)
	}

	for _, pn := range n.pools {
		n.wg.Add(1)
		go func(pn *poolNode) {
			defer n.wg.Done()
			var err error
			var lastBlock *common.Block
			waitDuration := time.Duration(0)
			for {
				select {
				case <-n.ctx.Done():
					log.Infow("Synchronizer done", "pool", pn.pool.Hex())
					return
				case <-time.After(waitDuration):
					if lastBlock, waitDuration, err = n.syncLoopFn(n.ctx, pn,
						lastBlock); err != nil {
						if n.ctx.Err() != nil {
							continue
						}
						if common.Unwrap(err) == eth.ErrBlockHashMismatchEvent {
							log.Warnw("Synchronizer.Sync", "pool", pn.pool.Hex(), "err", err)
						} else {
							log.Errorw("Synchronizer.Sync", "pool", pn.pool.Hex(), "err", err)
						}
					}
				}
			}
		}(pn)
	}
}

// StartNodeAPI starts the NodeAPI
func (n *Node) StartNodeAPI() {
	log.Info("Starting NodeAPI...")
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		// Do not return until the server is stopped
		if err := n.nodeAPI.Run(n.ctx); err != nil {
			log.Fatalw("NodeAPI.Run", "err", err)
		}
	}()
}

// Start the node
func (n *Node) Start() {
	log.Info("Starting node...")
	n.coord.Start()
	n.StartSynchronizers()
	if n.nodeAPI != nil {
		n.StartNodeAPI()
	}
}

// Stop the node
func (n *Node) Stop() {
	log.Infow("Stopping node...")
	n.cancel()
	n.wg.Wait()
	log.Info("Stopping Coordinator...")
	n.coord.Stop()

	if n.publisher != nil {
		n.publisher.Close()
	}
	// Close kv DBs
	for _, pn := range n.pools {
		pn.localDB.Close()
		pn.syncDB.Close()
	}
	if err := n.sqlConnRead.Close(); err != nil {
		log.Errorw("sqlConnRead.Close", "err", err)
	}
	if n.sqlConnWrite != n.sqlConnRead {
		if err := n.sqlConnWrite.Close(); err != nil {
			log.Errorw("sqlConnWrite.Close", "err", err)
		}
	}
}
