package chain

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// OrderTuple is OrderStore's order struct as decoded from the chain.
// Field names follow the ABI component names.
type OrderTuple struct {
	OrderId       *big.Int
	User          common.Address
	Asset         common.Address
	Market        string
	Margin        *big.Int
	Size          *big.Int
	Price         *big.Int
	Fee           *big.Int
	IsLong        bool
	OrderType     uint8
	IsReduceOnly  bool
	Timestamp     *big.Int
	Expiry        *big.Int
	CancelOrderId *big.Int
}

// PositionTuple is PositionStore's position struct.
type PositionTuple struct {
	User           common.Address
	Asset          common.Address
	Market         string
	IsLong         bool
	Size           *big.Int
	Margin         *big.Int
	FundingTracker *big.Int
	Price          *big.Int
	Timestamp      *big.Int
}

// MarketTuple is MarketStore's market struct.
type MarketTuple struct {
	Name                    string
	Category                string
	ChainlinkFeed           common.Address
	MaxLeverage             *big.Int
	MaxDeviation            *big.Int
	Fee                     *big.Int
	LiqThreshold            *big.Int
	FundingFactor           *big.Int
	MinOrderAge             *big.Int
	PythMaxAge              *big.Int
	PythFeed                [32]byte
	AllowChainlinkExecution bool
	IsClosed                bool
	IsReduceOnly            bool
}

func (c *Client) count(ctx context.Context, contract, method string) (int64, error) {
	out, err := c.call(ctx, contract, method)
	if err != nil {
		return 0, err
	}
	return (*abi.ConvertType(out[0], new(*big.Int)).(**big.Int)).Int64(), nil
}

func (c *Client) MarketOrderCount(ctx context.Context) (int64, error) {
	return c.count(ctx, ContractOrderStore, "getMarketOrderCount")
}

// MarketOrders reads the first length market orders.
func (c *Client) MarketOrders(ctx context.Context, length int64) ([]OrderTuple, error) {
	out, err := c.call(ctx, ContractOrderStore, "getMarketOrders", big.NewInt(length))
	if err != nil {
		return nil, err
	}
	return *abi.ConvertType(out[0], new([]OrderTuple)).(*[]OrderTuple), nil
}

func (c *Client) TriggerOrderCount(ctx context.Context) (int64, error) {
	return c.count(ctx, ContractOrderStore, "getTriggerOrderCount")
}

// TriggerOrders reads one page of trigger orders.
func (c *Client) TriggerOrders(ctx context.Context, length, offset int64) ([]OrderTuple, error) {
	out, err := c.call(ctx, ContractOrderStore, "getTriggerOrders", big.NewInt(length), big.NewInt(offset))
	if err != nil {
		return nil, err
	}
	return *abi.ConvertType(out[0], new([]OrderTuple)).(*[]OrderTuple), nil
}

func (c *Client) PositionCount(ctx context.Context) (int64, error) {
	return c.count(ctx, ContractPositionStore, "getPositionCount")
}

// Positions reads one page of positions.
func (c *Client) Positions(ctx context.Context, length, offset int64) ([]PositionTuple, error) {
	out, err := c.call(ctx, ContractPositionStore, "getPositions", big.NewInt(length), big.NewInt(offset))
	if err != nil {
		return nil, err
	}
	return *abi.ConvertType(out[0], new([]PositionTuple)).(*[]PositionTuple), nil
}

func (c *Client) MarketList(ctx context.Context) ([]string, error) {
	out, err := c.call(ctx, ContractMarketStore, "getMarketList")
	if err != nil {
		return nil, err
	}
	return *abi.ConvertType(out[0], new([]string)).(*[]string), nil
}

// Markets reads the market structs for names, in order.
func (c *Client) Markets(ctx context.Context, names []string) ([]MarketTuple, error) {
	out, err := c.call(ctx, ContractMarketStore, "getMany", names)
	if err != nil {
		return nil, err
	}
	return *abi.ConvertType(out[0], new([]MarketTuple)).(*[]MarketTuple), nil
}

// FundingTrackers reads the trackers for parallel asset/market slices.
func (c *Client) FundingTrackers(ctx context.Context, assets, markets []string) ([]*big.Int, error) {
	a, err := toAddresses(assets)
	if err != nil {
		return nil, err
	}
	out, err := c.call(ctx, ContractFundingStore, "getFundingTrackers", a, markets)
	if err != nil {
		return nil, err
	}
	return *abi.ConvertType(out[0], new([]*big.Int)).(*[]*big.Int), nil
}
