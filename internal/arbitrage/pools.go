package arbitrage

import (
	"fmt"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"github.com/pulkyeet/spread-scanner/internal/errcode"
	"github.com/pulkyeet/spread-scanner/internal/eth"
)

// TokenBySymbol resolves a registry token for chainID.
func TokenBySymbol(chainID uint64, symbol string) (Token, error) {
	info, ok := eth.KnownTokens[strings.ToUpper(symbol)]
	if !ok {
		return Token{}, errcode.New(errcode.TokenDecimalsMissing, "token not in registry").
			WithDetail("symbol", symbol)
	}
	return Token{
		ChainID:  chainID,
		Address:  info.Address,
		Symbol:   info.Symbol,
		Decimals: int32(info.Decimals),
		IsCore:   info.IsCore,
		Status:   TokenVerified,
	}, nil
}

// ParsePair splits "WETH/USDC" into base and counter tokens.
func ParsePair(chainID uint64, pair string) (Token, Token, error) {
	parts := strings.Split(pair, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return Token{}, Token{}, errcode.New(errcode.ValidationBadInput, "pair must look like BASE/COUNTER").
			WithDetail("pair", pair)
	}
	base, err := TokenBySymbol(chainID, parts[0])
	if err != nil {
		return Token{}, Token{}, err
	}
	counter, err := TokenBySymbol(chainID, parts[1])
	if err != nil {
		return Token{}, Token{}, err
	}
	if base.Address == counter.Address {
		return Token{}, Token{}, errcode.New(errcode.ValidationBadInput, "pair repeats a token").
			WithDetail("pair", pair)
	}
	return base, counter, nil
}

// BuildPools expands every pair across every dex and fee tier in the registry.
// v3 pool addresses come from CREATE2; algebra pools are addressed by their
// quoter only and carry fee 0 (the fee is dynamic).
func BuildPools(chainID uint64, pairs, dexIDs []string) ([]Pool, error) {
	var pools []Pool
	for _, pair := range pairs {
		base, counter, err := ParsePair(chainID, pair)
		if err != nil {
			return nil, err
		}
		for _, id := range dexIDs {
			dex, ok := eth.DEXByID(id)
			if !ok {
				return nil, errcode.New(errcode.DexAdapterNotFound, "dex not in registry").WithDetail("dex_id", id)
			}
			switch dex.Type {
			case eth.DexTypeUniswapV3:
				for _, fee := range dex.FeeTiers {
					addr, err := eth.ComputePoolAddress(dex.Factory, dex.InitCodeHash, base.Address, counter.Address, fee)
					if err != nil {
						return nil, fmt.Errorf("derive %s pool %s/%d: %w", dex.ID, pair, fee, err)
					}
					pools = append(pools, newPool(chainID, dex, addr, base, counter, fee))
				}
			case eth.DexTypeAlgebra:
				pools = append(pools, newPool(chainID, dex, common.Address{}, base, counter, 0))
			default:
				return nil, errcode.New(errcode.DexUnsupportedType, "no quoter for dex type").
					WithDetail("dex_type", dex.Type)
			}
		}
	}
	sort.SliceStable(pools, func(i, j int) bool { return pools[i].FitnessKey() < pools[j].FitnessKey() })
	return pools, nil
}

func newPool(chainID uint64, dex eth.DEXConfig, addr common.Address, base, counter Token, fee uint32) Pool {
	return Pool{
		ChainID:     chainID,
		DexID:       dex.ID,
		DexType:     dex.Type,
		Address:     addr,
		Quoter:      dex.Quoter,
		Base:        base,
		Counter:     counter,
		Fee:         fee,
		Status:      PoolActive,
		Verified:    dex.Verified,
		GasEstimate: dex.GasEstimate,
	}
}
