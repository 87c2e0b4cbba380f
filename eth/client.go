package eth

import (
	"shielded-pool/common"

	"github.com/ethereum/go-ethereum/accounts"
	ethKeystore "github.com/ethereum/go-ethereum/accounts/keystore"
	ethCommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
)

// Client is used to interact with Ethereum and the pool smart contracts.
type Client struct {
	EthereumClient
	pools map[ethCommon.Address]*PoolClient
}

// ClientConfig is the configuration of the Client
type ClientConfig struct {
	Ethereum EthereumConfig
	Pools    []ethCommon.Address
}

// NewClient creates a new Client to interact with Ethereum and the pool smart contracts.
func NewClient(client *ethclient.Client, account *accounts.Account, ks *ethKeystore.KeyStore,
	cfg *ClientConfig) (*Client, error) {
	ethereumClient, err := NewEthereumClient(client, account, ks, &cfg.Ethereum)
	if err != nil {
		return nil, common.Wrap(err)
	}
	pools := make(map[ethCommon.Address]*PoolClient, len(cfg.Pools))
	for _, address := range cfg.Pools {
		poolClient, err := NewPoolClient(ethereumClient, address)
		if err != nil {
			return nil, common.Wrap(err)
		}
		pools[address] = poolClient
	}
	return &Client{
		EthereumClient: *ethereumClient,
		pools:          pools,
	}, nil
}

// Pool returns the client of the pool at address, or nil if the pool is not
// configured
func (c *Client) Pool(address ethCommon.Address) *PoolClient {
	return c.pools[address]
}
