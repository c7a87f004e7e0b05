package chain

import (
	"PerpKeeper/internal/network"
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/rs/zerolog"
)

var ErrUnknownContract = errors.New("unknown contract")

// Config holds what the chain adapter needs to sign and resolve contracts.
type Config struct {
	DataStore  string // DataStore contract address
	PrivateKey string // hex, with or without 0x
	ChainID    int64  // 0 = ask the node
}

// Receipt is the outcome of a mined transaction.
type Receipt struct {
	TxHash      string
	Success     bool
	BlockNumber uint64
	GasUsed     uint64
}

// Client talks to the protocol contracts through whichever RPC endpoint the
// selector currently points at. Connections are cached per endpoint and
// contract addresses are resolved once through DataStore.getAddress.
type Client struct {
	selector  *network.Selector
	dataStore common.Address
	key       *ecdsa.PrivateKey
	from      common.Address
	abis      map[string]abi.ABI

	mu        sync.Mutex
	chainID   *big.Int
	conns     map[string]*ethclient.Client
	addresses map[string]common.Address

	logger zerolog.Logger
}

func NewClient(cfg Config, selector *network.Selector, logger zerolog.Logger) (*Client, error) {
	if !common.IsHexAddress(cfg.DataStore) {
		return nil, fmt.Errorf("invalid DataStore address %q", cfg.DataStore)
	}

	key, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.PrivateKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid private key: %w", err)
	}

	abis, err := parseABIs()
	if err != nil {
		return nil, err
	}

	c := &Client{
		selector:  selector,
		dataStore: common.HexToAddress(cfg.DataStore),
		key:       key,
		from:      crypto.PubkeyToAddress(key.PublicKey),
		abis:      abis,
		conns:     make(map[string]*ethclient.Client),
		addresses: make(map[string]common.Address),
		logger:    logger,
	}
	if cfg.ChainID > 0 {
		c.chainID = big.NewInt(cfg.ChainID)
	}
	return c, nil
}

// From returns the signing address.
func (c *Client) From() common.Address {
	return c.from
}

// dial returns the cached connection for the current endpoint.
func (c *Client) dial(ctx context.Context) (*ethclient.Client, error) {
	endpoint := c.selector.Current()

	c.mu.Lock()
	conn, ok := c.conns[endpoint]
	c.mu.Unlock()
	if ok {
		return conn, nil
	}

	conn, err := ethclient.DialContext(ctx, endpoint)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", endpoint, err)
	}

	c.mu.Lock()
	if existing, ok := c.conns[endpoint]; ok {
		c.mu.Unlock()
		conn.Close()
		return existing, nil
	}
	c.conns[endpoint] = conn
	c.mu.Unlock()

	c.logger.Info().Str("endpoint", endpoint).Msg("connected to rpc endpoint")
	return conn, nil
}

// Address resolves a logical contract name through the DataStore.
func (c *Client) Address(ctx context.Context, name string) (common.Address, error) {
	if name == ContractDataStore {
		return c.dataStore, nil
	}

	c.mu.Lock()
	addr, ok := c.addresses[name]
	c.mu.Unlock()
	if ok {
		return addr, nil
	}

	conn, err := c.dial(ctx)
	if err != nil {
		return common.Address{}, err
	}
	ds := bind.NewBoundContract(c.dataStore, c.abis[ContractDataStore], conn, conn, conn)

	var out []interface{}
	if err := ds.Call(&bind.CallOpts{Context: ctx}, &out, "getAddress", name); err != nil {
		return common.Address{}, fmt.Errorf("resolve %s: %w", name, err)
	}
	addr = *abi.ConvertType(out[0], new(common.Address)).(*common.Address)
	if addr == (common.Address{}) {
		return common.Address{}, fmt.Errorf("%w: %s not registered", ErrUnknownContract, name)
	}

	c.mu.Lock()
	c.addresses[name] = addr
	c.mu.Unlock()

	c.logger.Debug().Str("contract", name).Str("address", addr.Hex()).Msg("contract resolved")
	return addr, nil
}

// Contract returns a handle bound to the current endpoint for a logical name.
func (c *Client) Contract(ctx context.Context, name string) (*bind.BoundContract, error) {
	parsed, ok := c.abis[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownContract, name)
	}
	conn, err := c.dial(ctx)
	if err != nil {
		return nil, err
	}
	addr, err := c.Address(ctx, name)
	if err != nil {
		return nil, err
	}
	return bind.NewBoundContract(addr, parsed, conn, conn, conn), nil
}

func (c *Client) call(ctx context.Context, name, method string, args ...interface{}) ([]interface{}, error) {
	contract, err := c.Contract(ctx, name)
	if err != nil {
		return nil, err
	}
	var out []interface{}
	if err := contract.Call(&bind.CallOpts{Context: ctx}, &out, method, args...); err != nil {
		return nil, fmt.Errorf("%s.%s: %w", name, method, err)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%s.%s: empty result", name, method)
	}
	return out, nil
}

func (c *Client) chain(ctx context.Context, conn *ethclient.Client) (*big.Int, error) {
	c.mu.Lock()
	id := c.chainID
	c.mu.Unlock()
	if id != nil {
		return id, nil
	}

	id, err := conn.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("chain id: %w", err)
	}
	c.mu.Lock()
	c.chainID = id
	c.mu.Unlock()
	return id, nil
}

// transact signs and sends method on contract name, then blocks until the
// transaction is mined or ctx ends.
func (c *Client) transact(ctx context.Context, name, method string, value *big.Int, args ...interface{}) (*Receipt, error) {
	contract, err := c.Contract(ctx, name)
	if err != nil {
		return nil, err
	}
	conn, err := c.dial(ctx)
	if err != nil {
		return nil, err
	}
	chainID, err := c.chain(ctx, conn)
	if err != nil {
		return nil, err
	}

	opts, err := bind.NewKeyedTransactorWithChainID(c.key, chainID)
	if err != nil {
		return nil, fmt.Errorf("transactor: %w", err)
	}
	opts.Context = ctx
	opts.Value = value

	tx, err := contract.Transact(opts, method, args...)
	if err != nil {
		return nil, fmt.Errorf("%s.%s: %w", name, method, err)
	}
	c.logger.Info().Str("method", method).Str("tx", tx.Hash().Hex()).Msg("transaction sent")

	receipt, err := bind.WaitMined(ctx, conn, tx)
	if err != nil {
		return nil, fmt.Errorf("wait %s: %w", tx.Hash().Hex(), err)
	}

	return &Receipt{
		TxHash:      tx.Hash().Hex(),
		Success:     receipt.Status == types.ReceiptStatusSuccessful,
		BlockNumber: receipt.BlockNumber.Uint64(),
		GasUsed:     receipt.GasUsed,
	}, nil
}

// Close drops every cached connection.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for endpoint, conn := range c.conns {
		conn.Close()
		delete(c.conns, endpoint)
	}
}
