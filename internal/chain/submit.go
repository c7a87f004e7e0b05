package chain

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// UpdateFee asks the Pyth contract what posting data costs.
func (c *Client) UpdateFee(ctx context.Context, data [][]byte) (*big.Int, error) {
	out, err := c.call(ctx, ContractPyth, "getUpdateFee", data)
	if err != nil {
		return nil, err
	}
	return *abi.ConvertType(out[0], new(*big.Int)).(**big.Int), nil
}

// ExecuteOrders submits one Processor.executeOrders batch paying fee.
func (c *Client) ExecuteOrders(ctx context.Context, ids []int64, data [][]byte, fee *big.Int) (*Receipt, error) {
	orderIDs := make([]*big.Int, len(ids))
	for i, id := range ids {
		orderIDs[i] = big.NewInt(id)
	}
	return c.transact(ctx, ContractProcessor, "executeOrders", fee, orderIDs, data)
}

// LiquidatePositions submits one Processor.liquidatePositions batch. The
// three slices are parallel (user, asset, market) triples.
func (c *Client) LiquidatePositions(ctx context.Context, users, assets, markets []string, data [][]byte, fee *big.Int) (*Receipt, error) {
	if len(users) != len(assets) || len(users) != len(markets) {
		return nil, fmt.Errorf("liquidation batch: mismatched lengths %d/%d/%d", len(users), len(assets), len(markets))
	}
	u, err := toAddresses(users)
	if err != nil {
		return nil, err
	}
	a, err := toAddresses(assets)
	if err != nil {
		return nil, err
	}
	return c.transact(ctx, ContractProcessor, "liquidatePositions", fee, u, a, markets, data)
}

// UpdateGlobalUPLs publishes per-asset unrealized P/L to the Pool.
func (c *Client) UpdateGlobalUPLs(ctx context.Context, assets []string, upls []*big.Int) (*Receipt, error) {
	if len(assets) != len(upls) {
		return nil, fmt.Errorf("upl batch: mismatched lengths %d/%d", len(assets), len(upls))
	}
	a, err := toAddresses(assets)
	if err != nil {
		return nil, err
	}
	return c.transact(ctx, ContractPool, "setGlobalUPLs", nil, a, upls)
}

func toAddresses(in []string) ([]common.Address, error) {
	out := make([]common.Address, len(in))
	for i, s := range in {
		if !common.IsHexAddress(s) {
			return nil, fmt.Errorf("invalid address %q", s)
		}
		out[i] = common.HexToAddress(s)
	}
	return out, nil
}
