package chain

import (
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

const (
	positionManagerABIJSON = `[
{"inputs":[{"internalType":"address","name":"owner","type":"address"}],"name":"balanceOf","outputs":[{"internalType":"uint256","name":"","type":"uint256"}],"stateMutability":"view","type":"function"},
{"inputs":[{"internalType":"address","name":"owner","type":"address"},{"internalType":"uint256","name":"index","type":"uint256"}],"name":"tokenOfOwnerByIndex","outputs":[{"internalType":"uint256","name":"","type":"uint256"}],"stateMutability":"view","type":"function"},
{"inputs":[{"internalType":"uint256","name":"tokenId","type":"uint256"}],"name":"positions","outputs":[
 {"internalType":"uint96","name":"nonce","type":"uint96"},
 {"internalType":"address","name":"operator","type":"address"},
 {"internalType":"address","name":"token0","type":"address"},
 {"internalType":"address","name":"token1","type":"address"},
 {"internalType":"uint24","name":"fee","type":"uint24"},
 {"internalType":"int24","name":"tickLower","type":"int24"},
 {"internalType":"int24","name":"tickUpper","type":"int24"},
 {"internalType":"uint128","name":"liquidity","type":"uint128"},
 {"internalType":"uint256","name":"feeGrowthInside0LastX128","type":"uint256"},
 {"internalType":"uint256","name":"feeGrowthInside1LastX128","type":"uint256"},
 {"internalType":"uint128","name":"tokensOwed0","type":"uint128"},
 {"internalType":"uint128","name":"tokensOwed1","type":"uint128"}],"stateMutability":"view","type":"function"}
]`

	factoryABIJSON = `[{"inputs":[{"internalType":"address","name":"tokenA","type":"address"},{"internalType":"address","name":"tokenB","type":"address"},{"internalType":"uint24","name":"fee","type":"uint24"}],"name":"getPool","outputs":[{"internalType":"address","name":"pool","type":"address"}],"stateMutability":"view","type":"function"}]`

	poolABIJSON = `[{"inputs":[],"name":"slot0","outputs":[
 {"internalType":"uint160","name":"sqrtPriceX96","type":"uint160"},
 {"internalType":"int24","name":"tick","type":"int24"},
 {"internalType":"uint16","name":"observationIndex","type":"uint16"},
 {"internalType":"uint16","name":"observationCardinality","type":"uint16"},
 {"internalType":"uint16","name":"observationCardinalityNext","type":"uint16"},
 {"internalType":"uint8","name":"feeProtocol","type":"uint8"},
 {"internalType":"bool","name":"unlocked","type":"bool"}],"stateMutability":"view","type":"function"}]`

	erc20ABIJSON = `[{"inputs":[],"name":"decimals","outputs":[{"internalType":"uint8","name":"","type":"uint8"}],"stateMutability":"view","type":"function"}]`
)

var (
	positionManagerABI abi.ABI
	factoryABI         abi.ABI
	poolABI            abi.ABI
	erc20ABI           abi.ABI

	// TransferTopic is keccak256("Transfer(address,address,uint256)").
	TransferTopic = crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))
)

func init() {
	positionManagerABI = mustParse("position manager", positionManagerABIJSON)
	factoryABI = mustParse("factory", factoryABIJSON)
	poolABI = mustParse("pool", poolABIJSON)
	erc20ABI = mustParse("erc20", erc20ABIJSON)
}

func mustParse(name, raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic("failed to parse " + name + " ABI: " + err.Error())
	}
	return parsed
}

// AddressTopic left-pads an address into a log topic.
func AddressTopic(addr common.Address) common.Hash {
	return common.BytesToHash(common.LeftPadBytes(addr.Bytes(), 32))
}
