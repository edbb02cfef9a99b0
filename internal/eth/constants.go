package eth

import (
	"encoding/hex"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

const ArbitrumOneChainID uint64 = 42161

// public Arbitrum One endpoints, tried in order
var ArbitrumOneRPCs = []string{
	"https://arb1.arbitrum.io/rpc",
	"https://arbitrum-one.public.blastapi.io",
	"https://rpc.ankr.com/arbitrum",
}

// Token addresses: Arbitrum One
var (
	WETHAddress = common.HexToAddress("0x82aF49447D8a07e3bd95BD0d56f35241523fBab1")
	USDCAddress = common.HexToAddress("0xaf88d065e77c8cC2239327C5EDb3A432268e5831")
	USDTAddress = common.HexToAddress("0xFd086bC7CD5C481DCC9C85ebE478A1C0b69FCbb9")
	ARBAddress  = common.HexToAddress("0x912CE59144191C1204E64559FE8253a0e49E6548")
)

const (
	WETHDecimals = 18
	USDCDecimals = 6
	USDTDecimals = 6
	ARBDecimals  = 18
)

// TokenInfo bundles address + decimals for easy lookup
type TokenInfo struct {
	Address  common.Address
	Decimals int
	Symbol   string
	IsCore   bool
}

// KnownTokens: lookup by symbol string
var KnownTokens = map[string]TokenInfo{
	"WETH": {WETHAddress, WETHDecimals, "WETH", true},
	"USDC": {USDCAddress, USDCDecimals, "USDC", true},
	"USDT": {USDTAddress, USDTDecimals, "USDT", true},
	"ARB":  {ARBAddress, ARBDecimals, "ARB", false},
}

const (
	DexTypeUniswapV3 = "uniswap_v3"
	DexTypeAlgebra   = "algebra"
)

// DEXConfig: quoter for pricing, factory + init code hash to derive pool addresses
type DEXConfig struct {
	ID           string
	Type         string
	Quoter       common.Address
	Factory      common.Address
	InitCodeHash [32]byte
	FeeTiers     []uint32
	GasEstimate  uint64 // used when the quoter does not report gas
	Verified     bool
}

// KnownDEXes: concentrated liquidity venues on Arbitrum One
var KnownDEXes = []DEXConfig{
	{
		ID:           "uniswap_v3",
		Type:         DexTypeUniswapV3,
		Quoter:       common.HexToAddress("0x61fFE014bA17989E743c5F6cB21bF9697530B21e"),
		Factory:      common.HexToAddress("0x1F98431c8aD98523631AE4a59f267346ea31F984"),
		InitCodeHash: hexToBytes32("e34f199b19b2b4f47f68442619d555527d244f78a3297ea89325f843f87b8b54"),
		FeeTiers:     []uint32{500, 3000},
		GasEstimate:  150000,
		Verified:     true,
	},
	{
		ID:           "sushiswap_v3",
		Type:         DexTypeUniswapV3,
		Quoter:       common.HexToAddress("0x0524E833cCD057e4d7A296e3aaAb9f7675964Ce1"),
		Factory:      common.HexToAddress("0x1af415a1EbA07a4986a52B6f2e7dE7003D82231e"),
		InitCodeHash: hexToBytes32("e34f199b19b2b4f47f68442619d555527d244f78a3297ea89325f843f87b8b54"),
		FeeTiers:     []uint32{500, 3000},
		GasEstimate:  150000,
		Verified:     true,
	},
	{
		ID:          "camelot_v3",
		Type:        DexTypeAlgebra,
		Quoter:      common.HexToAddress("0x0Fc73040b26E9bC8514fA028D998E73A254Fa76E"),
		GasEstimate: 180000,
		Verified:    false,
	},
}

func DEXByID(id string) (DEXConfig, bool) {
	for _, d := range KnownDEXes {
		if d.ID == id {
			return d, true
		}
	}
	return DEXConfig{}, false
}

var poolKeyArgs = abi.Arguments{
	{Type: mustType("address")},
	{Type: mustType("address")},
	{Type: mustType("uint24")},
}

// ComputePoolAddress derives a v3 pool address with CREATE2.
// token order does not matter, the lower address is always token0.
func ComputePoolAddress(factory common.Address, initCodeHash [32]byte, tokenA, tokenB common.Address, fee uint32) (common.Address, error) {
	token0, token1 := tokenA, tokenB
	if strings.ToLower(token0.Hex()) > strings.ToLower(token1.Hex()) {
		token0, token1 = token1, token0
	}
	encoded, err := poolKeyArgs.Pack(token0, token1, new(big.Int).SetUint64(uint64(fee)))
	if err != nil {
		return common.Address{}, err
	}
	salt := crypto.Keccak256Hash(encoded)
	return crypto.CreateAddress2(factory, salt, initCodeHash[:]), nil
}

func mustType(t string) abi.Type {
	typ, err := abi.NewType(t, "", nil)
	if err != nil {
		panic(err)
	}
	return typ
}

func hexToBytes32(s string) [32]byte {
	var out [32]byte
	b, err := hex.DecodeString(strings.TrimPrefix(s, "0x"))
	if err != nil || len(b) != 32 {
		panic("invalid bytes32 hex: " + s)
	}
	copy(out[:], b)
	return out
}

// Uniswap V3 QuoterV2, quoteExactInputSingle only (selector c6a5026a)
const QuoterV2ABI = `[{
	"inputs": [{
		"components": [
			{"internalType": "address", "name": "tokenIn", "type": "address"},
			{"internalType": "address", "name": "tokenOut", "type": "address"},
			{"internalType": "uint256", "name": "amountIn", "type": "uint256"},
			{"internalType": "uint24", "name": "fee", "type": "uint24"},
			{"internalType": "uint160", "name": "sqrtPriceLimitX96", "type": "uint160"}
		],
		"internalType": "struct IQuoterV2.QuoteExactInputSingleParams",
		"name": "params",
		"type": "tuple"
	}],
	"name": "quoteExactInputSingle",
	"outputs": [
		{"internalType": "uint256", "name": "amountOut", "type": "uint256"},
		{"internalType": "uint160", "name": "sqrtPriceX96After", "type": "uint160"},
		{"internalType": "uint32", "name": "initializedTicksCrossed", "type": "uint32"},
		{"internalType": "uint256", "name": "gasEstimate", "type": "uint256"}
	],
	"stateMutability": "nonpayable",
	"type": "function"
}]`

// Algebra quoter (Camelot V3), selector 2d9ebd1d. no ticks or gas in the answer
const AlgebraQuoterABI = `[{
	"inputs": [
		{"internalType": "address", "name": "tokenIn", "type": "address"},
		{"internalType": "address", "name": "tokenOut", "type": "address"},
		{"internalType": "uint256", "name": "amountIn", "type": "uint256"},
		{"internalType": "uint160", "name": "limitSqrtPrice", "type": "uint160"}
	],
	"name": "quoteExactInputSingle",
	"outputs": [
		{"internalType": "uint256", "name": "amountOut", "type": "uint256"},
		{"internalType": "uint16", "name": "fee", "type": "uint16"}
	],
	"stateMutability": "nonpayable",
	"type": "function"
}]`
