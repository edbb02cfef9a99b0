package arbitrage

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"github.com/pulkyeet/spread-scanner/internal/errcode"
	"github.com/pulkyeet/spread-scanner/internal/eth"
)

// ContractCaller runs eth_call at a pinned block. *eth.Client satisfies it.
type ContractCaller interface {
	CallContract(ctx context.Context, to common.Address, data []byte, block uint64) (eth.CallResult, error)
}

// ChainQuoter prices pools through their on-chain quoter contracts.
type ChainQuoter struct {
	caller  ContractCaller
	v3      abi.ABI
	algebra abi.ABI
	now     func() time.Time
}

func NewChainQuoter(caller ContractCaller) (*ChainQuoter, error) {
	v3, err := abi.JSON(strings.NewReader(eth.QuoterV2ABI))
	if err != nil {
		return nil, fmt.Errorf("parse quoter v2 abi: %w", err)
	}
	algebra, err := abi.JSON(strings.NewReader(eth.AlgebraQuoterABI))
	if err != nil {
		return nil, fmt.Errorf("parse algebra quoter abi: %w", err)
	}
	return &ChainQuoter{caller: caller, v3: v3, algebra: algebra, now: time.Now}, nil
}

// field names follow the tuple components, abi matches them by camel case
type quoteExactInputSingleParams struct {
	TokenIn           common.Address
	TokenOut          common.Address
	AmountIn          *big.Int
	Fee               *big.Int
	SqrtPriceLimitX96 *big.Int
}

func (q *ChainQuoter) GetQuote(ctx context.Context, req QuoteRequest) (Quote, error) {
	pool := req.Pool
	if req.AmountIn == nil || req.AmountIn.Sign() <= 0 {
		return Quote{}, errcode.New(errcode.QuoteInvalidParams, "amount in must be positive").
			WithDetail("pool", pool.FitnessKey())
	}
	if pool.Quoter == (common.Address{}) {
		return Quote{}, errcode.New(errcode.InfraBadAddress, "pool has no quoter address").
			WithDetail("dex_id", pool.DexID)
	}

	size := req.Size
	if size == nil {
		size = req.AmountIn
	}

	tokenIn, tokenOut := pool.Base, pool.Counter
	if req.Direction == Buy {
		tokenIn, tokenOut = pool.Counter, pool.Base
	}

	quote := Quote{
		Pool:        pool,
		Direction:   req.Direction,
		TokenIn:     tokenIn,
		TokenOut:    tokenOut,
		Size:        new(big.Int).Set(size),
		AmountIn:    new(big.Int).Set(req.AmountIn),
		BlockNumber: req.Block,
		TimestampMs: q.now().UnixMilli(),
		GasEstimate: pool.GasEstimate,
	}

	switch pool.DexType {
	case eth.DexTypeUniswapV3:
		return q.quoteV3(ctx, quote)
	case eth.DexTypeAlgebra:
		return q.quoteAlgebra(ctx, quote)
	default:
		return Quote{}, errcode.New(errcode.DexUnsupportedType, "no quoter for dex type").
			WithDetail("dex_type", pool.DexType)
	}
}

func (q *ChainQuoter) quoteV3(ctx context.Context, quote Quote) (Quote, error) {
	data, err := q.v3.Pack("quoteExactInputSingle", quoteExactInputSingleParams{
		TokenIn:           quote.TokenIn.Address,
		TokenOut:          quote.TokenOut.Address,
		AmountIn:          quote.AmountIn,
		Fee:               new(big.Int).SetUint64(uint64(quote.Pool.Fee)),
		SqrtPriceLimitX96: new(big.Int),
	})
	if err != nil {
		return Quote{}, errcode.Wrap(errcode.QuoteInvalidParams, err, "pack quoteExactInputSingle")
	}

	res, err := q.caller.CallContract(ctx, quote.Pool.Quoter, data, quote.BlockNumber)
	if err != nil {
		return Quote{}, fmt.Errorf("quote %s: %w", quote.Key(), err)
	}
	if len(res.Data) == 0 {
		return Quote{}, errcode.New(errcode.QuoteRevert, "empty quoter response").
			WithDetail("pool", quote.Pool.FitnessKey())
	}

	unpacked, err := q.v3.Unpack("quoteExactInputSingle", res.Data)
	if err != nil {
		return Quote{}, errcode.Wrap(errcode.InfraBadABI, err, "unpack quoteExactInputSingle")
	}
	if len(unpacked) < 4 {
		return Quote{}, errcode.New(errcode.InfraBadABI, fmt.Sprintf("unexpected unpack result length: %d", len(unpacked)))
	}

	amountOut, ok := unpacked[0].(*big.Int)
	if !ok {
		return Quote{}, errcode.New(errcode.InfraBadABI, "amountOut type assertion failed")
	}
	ticks, ok := unpacked[2].(uint32)
	if !ok {
		return Quote{}, errcode.New(errcode.InfraBadABI, "initializedTicksCrossed type assertion failed")
	}
	gas, ok := unpacked[3].(*big.Int)
	if !ok {
		return Quote{}, errcode.New(errcode.InfraBadABI, "gasEstimate type assertion failed")
	}

	quote.AmountOut = amountOut
	quote.TicksCrossed = &ticks
	if gas.IsUint64() && gas.Uint64() > 0 {
		quote.GasEstimate = gas.Uint64()
	}
	quote.LatencyMs = res.LatencyMs
	quote.Endpoint = res.Endpoint
	return quote, nil
}

// Algebra pools have a dynamic fee and report no tick movement.
func (q *ChainQuoter) quoteAlgebra(ctx context.Context, quote Quote) (Quote, error) {
	data, err := q.algebra.Pack("quoteExactInputSingle",
		quote.TokenIn.Address, quote.TokenOut.Address, quote.AmountIn, new(big.Int))
	if err != nil {
		return Quote{}, errcode.Wrap(errcode.QuoteInvalidParams, err, "pack algebra quoteExactInputSingle")
	}

	res, err := q.caller.CallContract(ctx, quote.Pool.Quoter, data, quote.BlockNumber)
	if err != nil {
		return Quote{}, fmt.Errorf("quote %s: %w", quote.Key(), err)
	}
	if len(res.Data) == 0 {
		return Quote{}, errcode.New(errcode.QuoteRevert, "empty algebra quoter response").
			WithDetail("pool", quote.Pool.FitnessKey())
	}

	unpacked, err := q.algebra.Unpack("quoteExactInputSingle", res.Data)
	if err != nil {
		return Quote{}, errcode.Wrap(errcode.InfraBadABI, err, "unpack algebra quoteExactInputSingle")
	}
	if len(unpacked) < 2 {
		return Quote{}, errcode.New(errcode.InfraBadABI, fmt.Sprintf("unexpected unpack result length: %d", len(unpacked)))
	}
	amountOut, ok := unpacked[0].(*big.Int)
	if !ok {
		return Quote{}, errcode.New(errcode.InfraBadABI, "amountOut type assertion failed")
	}

	quote.AmountOut = amountOut
	quote.TicksCrossed = nil
	quote.LatencyMs = res.LatencyMs
	quote.Endpoint = res.Endpoint
	return quote, nil
}
