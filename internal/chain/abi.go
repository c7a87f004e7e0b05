package chain

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

// Logical contract names resolved through DataStore.getAddress.
const (
	ContractDataStore     = "DataStore"
	ContractProcessor     = "Processor"
	ContractPyth          = "Pyth"
	ContractOrderStore    = "OrderStore"
	ContractPositionStore = "PositionStore"
	ContractMarketStore   = "MarketStore"
	ContractFundingStore  = "FundingStore"
	ContractPool          = "Pool"
)

const orderTuple = `{"type":"tuple[]","name":"","components":[
	{"name":"orderId","type":"uint256"},
	{"name":"user","type":"address"},
	{"name":"asset","type":"address"},
	{"name":"market","type":"string"},
	{"name":"margin","type":"uint256"},
	{"name":"size","type":"uint256"},
	{"name":"price","type":"uint256"},
	{"name":"fee","type":"uint256"},
	{"name":"isLong","type":"bool"},
	{"name":"orderType","type":"uint8"},
	{"name":"isReduceOnly","type":"bool"},
	{"name":"timestamp","type":"uint256"},
	{"name":"expiry","type":"uint256"},
	{"name":"cancelOrderId","type":"uint256"}]}`

const positionTuple = `{"type":"tuple[]","name":"","components":[
	{"name":"user","type":"address"},
	{"name":"asset","type":"address"},
	{"name":"market","type":"string"},
	{"name":"isLong","type":"bool"},
	{"name":"size","type":"uint256"},
	{"name":"margin","type":"uint256"},
	{"name":"fundingTracker","type":"int256"},
	{"name":"price","type":"uint256"},
	{"name":"timestamp","type":"uint256"}]}`

const marketTuple = `{"type":"tuple[]","name":"","components":[
	{"name":"name","type":"string"},
	{"name":"category","type":"string"},
	{"name":"chainlinkFeed","type":"address"},
	{"name":"maxLeverage","type":"uint256"},
	{"name":"maxDeviation","type":"uint256"},
	{"name":"fee","type":"uint256"},
	{"name":"liqThreshold","type":"uint256"},
	{"name":"fundingFactor","type":"uint256"},
	{"name":"minOrderAge","type":"uint256"},
	{"name":"pythMaxAge","type":"uint256"},
	{"name":"pythFeed","type":"bytes32"},
	{"name":"allowChainlinkExecution","type":"bool"},
	{"name":"isClosed","type":"bool"},
	{"name":"isReduceOnly","type":"bool"}]}`

func view(name, inputs, outputs string) string {
	return fmt.Sprintf(`{"type":"function","name":%q,"stateMutability":"view","inputs":[%s],"outputs":[%s]}`, name, inputs, outputs)
}

func mutating(name, inputs, mutability string) string {
	return fmt.Sprintf(`{"type":"function","name":%q,"stateMutability":%q,"inputs":[%s],"outputs":[]}`, name, mutability, inputs)
}

const (
	uintOut = `{"name":"","type":"uint256"}`
	lenIn   = `{"name":"length","type":"uint256"}`
	offIn   = `{"name":"offset","type":"uint256"}`
	dataIn  = `{"name":"priceUpdateData","type":"bytes[]"}`
)

var abiSources = map[string]string{
	ContractDataStore: view("getAddress", `{"name":"key","type":"string"}`, `{"name":"","type":"address"}`),
	ContractPyth:      view("getUpdateFee", `{"name":"updateData","type":"bytes[]"}`, `{"name":"feeAmount","type":"uint256"}`),
	ContractProcessor: strings.Join([]string{
		mutating("executeOrders", `{"name":"orderIds","type":"uint256[]"},`+dataIn, "payable"),
		mutating("liquidatePositions", `{"name":"users","type":"address[]"},{"name":"assets","type":"address[]"},{"name":"markets","type":"string[]"},`+dataIn, "payable"),
	}, ","),
	ContractOrderStore: strings.Join([]string{
		view("getMarketOrderCount", "", uintOut),
		view("getMarketOrders", lenIn, orderTuple),
		view("getTriggerOrderCount", "", uintOut),
		view("getTriggerOrders", lenIn+","+offIn, orderTuple),
	}, ","),
	ContractPositionStore: strings.Join([]string{
		view("getPositionCount", "", uintOut),
		view("getPositions", lenIn+","+offIn, positionTuple),
	}, ","),
	ContractMarketStore: strings.Join([]string{
		view("getMarketList", "", `{"name":"","type":"string[]"}`),
		view("getMany", `{"name":"markets","type":"string[]"}`, marketTuple),
	}, ","),
	ContractFundingStore: view("getFundingTrackers", `{"name":"assets","type":"address[]"},{"name":"markets","type":"string[]"}`, `{"name":"","type":"int256[]"}`),
	ContractPool:         mutating("setGlobalUPLs", `{"name":"assets","type":"address[]"},{"name":"upls","type":"int256[]"}`, "nonpayable"),
}

// parseABIs parses every contract interface the keeper talks to.
func parseABIs() (map[string]abi.ABI, error) {
	out := make(map[string]abi.ABI, len(abiSources))
	for name, src := range abiSources {
		parsed, err := abi.JSON(strings.NewReader("[" + src + "]"))
		if err != nil {
			return nil, fmt.Errorf("parse %s abi: %w", name, err)
		}
		out[name] = parsed
	}
	return out, nil
}
