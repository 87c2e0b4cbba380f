package config

import (
	"fmt"
	"math/big"
	"time"

	"shielded-pool/common"

	ethCommon "github.com/ethereum/go-ethereum/common"
	"github.com/go-playground/validator"
)

const (
	// QueueLedger reads the leaves of the batches from the queue kept by
	// the pool contract
	QueueLedger = "ledger"
	// QueueCoordinator reads the leaves of the batches from the deposit
	// queue kept in the SQL database
	QueueCoordinator = "coordinator"
)

// Duration is a wrapper type that parses time duration from text.
type Duration struct {
	time.Duration
}

// UnmarshalText unmarshalls time duration from text.
func (d *Duration) UnmarshalText(data []byte) error {
	duration, err := time.ParseDuration(string(data))
	if err != nil {
		return common.Wrap(err)
	}
	d.Duration = duration
	return nil
}

// PostgreSQL is the configuration of the read and write SQL connections.  If
// HostRead is empty the write connection is also used to read.
type PostgreSQL struct {
	PortWrite     int    `validate:"required"`
	HostWrite     string `validate:"required" env:"POOLNODE_POSTGRESQL_HOSTWRITE"`
	UserWrite     string `validate:"required" env:"POOLNODE_POSTGRESQL_USERWRITE"`
	PasswordWrite string `validate:"required" env:"POOLNODE_POSTGRESQL_PASSWORDWRITE"`
	NameWrite     string `validate:"required" env:"POOLNODE_POSTGRESQL_NAMEWRITE"`
	PortRead      int
	HostRead      string `env:"POOLNODE_POSTGRESQL_HOSTREAD"`
	UserRead      string `env:"POOLNODE_POSTGRESQL_USERREAD"`
	PasswordRead  string `env:"POOLNODE_POSTGRESQL_PASSWORDREAD"`
	NameRead      string `env:"POOLNODE_POSTGRESQL_NAMEREAD"`
}

// Pool is the configuration of one shielded pool
type Pool struct {
	Address ethCommon.Address `validate:"required"`
	// StartBlockNum is the block in which the pool contract was deployed
	StartBlockNum int64
	// TreeHeight is the height of the pool tree
	TreeHeight int `validate:"required,min=2,max=32"`
	// ZeroValue is the empty leaf, the default one is used if not set
	ZeroValue *big.Int
	Hasher    string `validate:"omitempty,oneof=poseidon mimc"`
	// BatchSizes enabled for the pool, all if empty
	BatchSizes []int
	// Queue is where the queued leaves are read from, ledger or
	// coordinator
	Queue string `validate:"required,oneof=ledger coordinator"`
	// WrappedTokens accepted in the deposits of the pool
	WrappedTokens []ethCommon.Address
}

// Asset is an entry of the asset registry
type Asset struct {
	AssetID   *big.Int          `validate:"required"`
	TokenID   *big.Int          `validate:"required"`
	Wrapped   ethCommon.Address `validate:"required"`
	Unwrapped ethCommon.Address `validate:"required"`
	Symbol    string
}

// Prover is the configuration of the provers of one circuit
type Prover struct {
	// Circuit is the circuit identifier, as batch-4 or transact-2x2
	Circuit string `validate:"required"`
	// URLs of the proof servers
	URLs         []string
	PollInterval Duration
	// VerifyingKey is the path of the snarkjs verification key of the
	// circuit.  Proofs are not verified locally if empty.
	VerifyingKey string
	// Mock replaces the proof servers by a mock that returns dummy
	// proofs after MockDelay
	Mock      bool
	MockDelay Duration
}

// Coordinator is the coordinator configuration
type Coordinator struct {
	// ForgerAddress is the address of the account used to send the batch
	// updates
	ForgerAddress ethCommon.Address `validate:"required"`
	// MaxPendingBatches is the maximum number of proven batches of a pool
	// waiting to be submitted
	MaxPendingBatches int
	// ForgeDelay is the time to wait for more deposits before inserting
	// a batch smaller than the largest enabled size
	ForgeDelay Duration
	// ForgeRetryInterval is the waiting interval between calls to the
	// forge function after an error
	ForgeRetryInterval Duration
	// SyncRetryInterval is the waiting interval between restarts of a
	// stopped pipeline
	SyncRetryInterval Duration
	EthClient         struct {
		// Attempts is the number of attempts to do an eth client RPC
		// call before giving up
		Attempts int `validate:"required"`
		// AttemptsDelay is delay between attempts do do an eth client
		// RPC call
		AttemptsDelay Duration
		CallGasLimit  uint64
		GasPriceDiv   uint64
		// ReceiptTimeout is the time waited for the receipt of a sent
		// transaction
		ReceiptTimeout Duration
		Keystore       struct {
			Path     string `validate:"required" env:"POOLNODE_KEYSTORE_PATH"`
			Password string `validate:"required" env:"POOLNODE_KEYSTORE_PASSWORD"`
		}
	}
	Debug struct {
		// BatchPath if set, specifies the path where batchInfo is
		// stored in JSON in every step/update of the pipeline
		BatchPath string
		// LightScrypt if set, uses light parameters for the ethereum
		// keystore encryption algorithm.
		LightScrypt bool
	}
}

// Node is the configuration of the pool node
type Node struct {
	Log struct {
		Level string   `validate:"required,oneof=debug info warn error"`
		Out   []string `validate:"required"`
	}
	PostgreSQL PostgreSQL
	Web3       struct {
		URL string `validate:"required" env:"POOLNODE_WEB3_URL"`
	}
	Pools        []Pool   `validate:"required,min=1,dive"`
	Assets       []Asset  `validate:"dive"`
	Provers      []Prover `validate:"dive"`
	Coordinator  Coordinator
	Synchronizer struct {
		// SyncLoopInterval is the interval between attempts to
		// synchronize a new block from the ledger
		SyncLoopInterval                 Duration
		StatsUpdateBlockNumDiffThreshold uint16 `validate:"required"`
		StatsUpdateFrequencyDivider      uint16 `validate:"required"`
	}
	TreeDB struct {
		// Path where the tree checkpoints of every pool are stored
		Path string `validate:"required"`
		// Keep is the number of checkpoints to keep
		Keep int `validate:"required"`
	}
	API struct {
		// Address where the API will listen, disabled if empty
		Address              string
		MaxSQLConnections    int `validate:"required"`
		SQLConnectionTimeout Duration
		ReadTimeout          Duration
		WriteTimeout         Duration
	}
	Nats struct {
		// URL of the NATS server, root updates are not published if
		// empty
		URL            string `env:"POOLNODE_NATS_URL"`
		Stream         string
		Subject        string
		ConnectTimeout Duration
		ReconnectWait  Duration
		MaxAge         Duration
	}
	Debug struct {
		// MeddlerLogs enables meddler debug mode, where unused columns
		// and struct fields will be logged
		MeddlerLogs bool
		// GinDebugMode sets Gin-Gonic (the web framework) to run in
		// debug mode
		GinDebugMode bool
	}
}

// DefaultValues of the node configuration
const DefaultValues = `
[Log]
Level = "info"
Out = ["stdout"]

[PostgreSQL]
PortWrite = 5432
HostWrite = "localhost"
UserWrite = "pool"
NameWrite = "pool"

[Coordinator]
MaxPendingBatches = 2
ForgeDelay = "10s"
ForgeRetryInterval = "500ms"
SyncRetryInterval = "1s"

[Coordinator.EthClient]
Attempts = 5
AttemptsDelay = "500ms"
CallGasLimit = 3000000
GasPriceDiv = 100
ReceiptTimeout = "2m"

[Synchronizer]
SyncLoopInterval = "1s"
StatsUpdateBlockNumDiffThreshold = 100
StatsUpdateFrequencyDivider = 100

[TreeDB]
Path = "/tmp/poolnode/treedb"
Keep = 128

[API]
MaxSQLConnections = 10
SQLConnectionTimeout = "2s"
ReadTimeout = "30s"
WriteTimeout = "30s"

[Nats]
Stream = "POOL_ROOTS"
ConnectTimeout = "5s"
ReconnectWait = "2s"
MaxAge = "168h"
`

// ParsedBatchSizes returns the enabled batch sizes of the pool
func (p *Pool) ParsedBatchSizes() ([]common.BatchSize, error) {
	sizes := make([]common.BatchSize, len(p.BatchSizes))
	for i, n := range p.BatchSizes {
		size, err := common.ParseBatchSize(n)
		if err != nil {
			return nil, common.Wrap(err)
		}
		sizes[i] = size
	}
	return sizes, nil
}

// CommonAssets returns the configured assets as common.Asset
func (n *Node) CommonAssets() []common.Asset {
	assets := make([]common.Asset, len(n.Assets))
	for i, a := range n.Assets {
		assets[i] = common.Asset{
			AssetID:   a.AssetID,
			TokenID:   a.TokenID,
			Wrapped:   a.Wrapped,
			Unwrapped: a.Unwrapped,
			Symbol:    a.Symbol,
		}
	}
	return assets
}

func (n *Node) check() error {
	seen := make(map[ethCommon.Address]bool, len(n.Pools))
	for i := range n.Pools {
		pool := &n.Pools[i]
		if seen[pool.Address] {
			return common.Wrap(fmt.Errorf("duplicated pool %v", pool.Address.Hex()))
		}
		seen[pool.Address] = true
		if _, err := pool.ParsedBatchSizes(); err != nil {
			return common.Wrapf(err, "pool %v", pool.Address.Hex())
		}
	}
	for name, d := range map[string]Duration{
		"Coordinator.ForgeRetryInterval":      n.Coordinator.ForgeRetryInterval,
		"Coordinator.SyncRetryInterval":       n.Coordinator.SyncRetryInterval,
		"Coordinator.EthClient.AttemptsDelay": n.Coordinator.EthClient.AttemptsDelay,
		"Synchronizer.SyncLoopInterval":       n.Synchronizer.SyncLoopInterval,
	} {
		if d.Duration <= 0 {
			return common.Wrap(fmt.Errorf("%v must be positive", name))
		}
	}
	if n.PostgreSQL.HostRead != "" && n.PostgreSQL.HostRead == n.PostgreSQL.HostWrite {
		return common.Wrap(fmt.Errorf(
			"PostgreSQL.HostRead and PostgreSQL.HostWrite must be different"))
	}
	return nil
}

// LoadNode loads the Node configuration from path
func LoadNode(path string) (*Node, error) {
	var cfg Node
	if err := LoadConfig(path, DefaultValues, &cfg, envSections(&cfg)...); err != nil {
		return nil, common.Wrap(err)
	}
	validate := validator.New()
	if err := validate.Struct(cfg); err != nil {
		return nil, common.Wrap(fmt.Errorf("error validating configuration file: %v", err))
	}
	if err := cfg.check(); err != nil {
		return nil, common.Wrap(err)
	}
	return &cfg, nil
}

// envSections are the parts of the configuration that can be overwritten by
// environment variables
func envSections(cfg *Node) []interface{} {
	return []interface{}{
		&cfg.PostgreSQL,
		&cfg.Web3,
		&cfg.Coordinator.EthClient.Keystore,
		&cfg.Nats,
	}
}
