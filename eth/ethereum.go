package eth

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"shielded-pool/common"
	"shielded-pool/log"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	ethKeystore "github.com/ethereum/go-ethereum/accounts/keystore"
	ethCommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
)

// ErrAccountNil is used when the calls can not be made because the account is nil
var ErrAccountNil = fmt.Errorf("Authorized calls can't be made when the account is nil")

// ErrBlockHashMismatchEvent is used when there's a block hash mismatch
// beetween different events of the same block
var ErrBlockHashMismatchEvent = fmt.Errorf("block hash mismatch in event log")

// ErrTxReverted is used when a mined transaction has a failed status
var ErrTxReverted = fmt.Errorf("transaction reverted")

const (
	defaultCallGasLimit   = 300000
	defaultGasPriceDiv    = 100
	defaultReceiptTimeout = 60 * time.Second
)

// EthereumInterface is the interface to Ethereum
type EthereumInterface interface {
	EthLastBlock() (int64, error)
	EthBlockByNumber(context.Context, int64) (*common.Block, error)
	EthAddress() (*ethCommon.Address, error)
	EthChainID() (*big.Int, error)
	EthTransactionReceipt(context.Context, ethCommon.Hash) (*types.Receipt, error)
	EthSuggestGasPrice(ctx context.Context) (*big.Int, error)
	EthKeyStore() *ethKeystore.KeyStore
}

// EthereumConfig defines the configuration parameters of the EthereumClient
type EthereumConfig struct {
	CallGasLimit   uint64
	GasPriceDiv    uint64
	ReceiptTimeout time.Duration
}

// EthereumClient is an ethereum client to call Smart Contract methods and check blockchain information.
type EthereumClient struct {
	client  *ethclient.Client
	chainID *big.Int
	account *accounts.Account
	ks      *ethKeystore.KeyStore
	config  *EthereumConfig
	opts    *bind.CallOpts
}

// NewEthereumClient creates a EthereumClient instance.  The account is not
// mandatory (it can be nil).  If the account is nil, CallAuth will fail with
// ErrAccountNil.
func NewEthereumClient(client *ethclient.Client, account *accounts.Account,
	ks *ethKeystore.KeyStore, config *EthereumConfig) (*EthereumClient, error) {
	if config == nil {
		config = &EthereumConfig{}
	}
	if config.CallGasLimit == 0 {
		config.CallGasLimit = defaultCallGasLimit
	}
	if config.GasPriceDiv == 0 {
		config.GasPriceDiv = defaultGasPriceDiv
	}
	if config.ReceiptTimeout == 0 {
		config.ReceiptTimeout = defaultReceiptTimeout
	}
	c := &EthereumClient{
		client:  client,
		account: account,
		ks:      ks,
		config:  config,
		opts:    newCallOpts(),
	}
	chainID, err := c.EthChainID()
	if err != nil {
		return nil, common.Wrap(err)
	}
	c.chainID = chainID
	return c, nil
}

// EthChainID returns the ChainID of the ethereum network
func (c *EthereumClient) EthChainID() (*big.Int, error) {
	if c.chainID != nil {
		return c.chainID, nil
	}
	chainID, err := c.client.ChainID(context.Background())
	if err != nil {
		return nil, common.Wrap(err)
	}
	return chainID, nil
}

// EthKeyStore returns the keystore in the EthereumClient
func (c *EthereumClient) EthKeyStore() *ethKeystore.KeyStore {
	return c.ks
}

// EthAddress returns the ethereum address of the account loaded into the EthereumClient
func (c *EthereumClient) EthAddress() (*ethCommon.Address, error) {
	if c.account == nil {
		return nil, common.Wrap(ErrAccountNil)
	}
	return &c.account.Address, nil
}

// EthSuggestGasPrice retrieves the currently suggested gas price to allow a
// timely execution of a transaction
func (c *EthereumClient) EthSuggestGasPrice(ctx context.Context) (*big.Int, error) {
	gasPrice, err := c.client.SuggestGasPrice(ctx)
	if err != nil {
		return nil, common.Wrap(err)
	}
	return gasPrice, nil
}

// CallAuth performs a Smart Contract method call that requires authorization.
// This call requires a valid account with Ether that can be spend during the
// call.
func (c *EthereumClient) CallAuth(ctx context.Context, gasLimit uint64,
	fn func(*ethclient.Client, *bind.TransactOpts) (*types.Transaction, error)) (*types.Transaction, error) {
	if c.account == nil {
		return nil, common.Wrap(ErrAccountNil)
	}

	gasPrice, err := c.EthSuggestGasPrice(ctx)
	if err != nil {
		return nil, common.Wrap(err)
	}
	inc := new(big.Int).Set(gasPrice)
	inc.Div(inc, new(big.Int).SetUint64(c.config.GasPriceDiv))
	gasPrice.Add(gasPrice, inc)
	log.Debugw("Transaction metadata", "gasPrice", gasPrice)

	auth, err := bind.NewKeyStoreTransactorWithChainID(c.ks, *c.account, c.chainID)
	if err != nil {
		return nil, common.Wrap(err)
	}
	auth.Context = ctx
	auth.Value = big.NewInt(0) // in wei
	if gasLimit == 0 {
		auth.GasLimit = c.config.CallGasLimit // in units
	} else {
		auth.GasLimit = gasLimit // in units
	}
	auth.GasPrice = gasPrice

	tx, err := fn(c.client, auth)
	if tx != nil {
		log.Debugw("Transaction", "tx", tx.Hash().Hex(), "nonce", tx.Nonce())
	}
	return tx, common.Wrap(err)
}

// WaitReceipt waits until tx is mined and returns its receipt.  A receipt
// with a failed status is returned together with ErrTxReverted.
func (c *EthereumClient) WaitReceipt(ctx context.Context, tx *types.Transaction) (*types.Receipt, error) {
	ctx, cancel := context.WithTimeout(ctx, c.config.ReceiptTimeout)
	defer cancel()
	receipt, err := bind.WaitMined(ctx, c.client, tx)
	if err != nil {
		if ctx.Err() != nil {
			return nil, common.Wrap(fmt.Errorf("timeout waiting receipt of %v: %v",
				tx.Hash().Hex(), err))
		}
		return nil, common.Wrap(err)
	}
	if receipt.Status == types.ReceiptStatusFailed {
		return receipt, common.Wrap(ErrTxReverted)
	}
	return receipt, nil
}

// EthTransactionReceipt returns the transaction receipt of the given txHash
func (c *EthereumClient) EthTransactionReceipt(ctx context.Context,
	txHash ethCommon.Hash) (*types.Receipt, error) {
	receipt, err := c.client.TransactionReceipt(ctx, txHash)
	if err != nil {
		return nil, common.Wrap(err)
	}
	return receipt, nil
}

// EthLastBlock returns the last block number in the blockchain
func (c *EthereumClient) EthLastBlock() (int64, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
	defer cancel()
	header, err := c.client.HeaderByNumber(ctx, nil)
	if err != nil {
		return 0, common.Wrap(err)
	}
	return header.Number.Int64(), nil
}

// EthBlockByNumber internally calls ethclient.Client HeaderByNumber and
// returns *common.Block.  If number == -1, the latests known block is
// returned.
func (c *EthereumClient) EthBlockByNumber(ctx context.Context, number int64) (*common.Block, error) {
	blockNum := big.NewInt(number)
	if number == -1 {
		blockNum = nil
	}
	header, err := c.client.HeaderByNumber(ctx, blockNum)
	if err != nil {
		return nil, common.Wrap(err)
	}
	b := &common.Block{
		Num:        header.Number.Int64(),
		Timestamp:  time.Unix(int64(header.Time), 0),
		ParentHash: header.ParentHash,
		Hash:       header.Hash(),
	}
	return b, nil
}

// Client returns the internal ethclient.Client
func (c *EthereumClient) Client() *ethclient.Client {
	return c.client
}

func newCallOpts() *bind.CallOpts {
	return &bind.CallOpts{
		Pending: false,
	}
}
