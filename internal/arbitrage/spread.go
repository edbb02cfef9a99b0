package arbitrage

import (
	"fmt"
	"math/big"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"

	"github.com/pulkyeet/spread-scanner/internal/errcode"
)

// GasContext is what a cycle knows about gas when it builds spreads.
type GasContext struct {
	GasPriceWei *big.Int
	// numeraire per native token (ETH priced in USDC on Arbitrum)
	NativePrice    decimal.Decimal
	NativeDecimals int32
	// numeraire per counter token, 1 when the counter token is the numeraire
	CounterPrice decimal.Decimal
}

// GasCostWei is (buyGas+sellGas)*gasPrice with overflow checks.
func GasCostWei(buyGas, sellGas uint64, gasPriceWei *big.Int) (*big.Int, error) {
	if gasPriceWei == nil || gasPriceWei.Sign() < 0 {
		return nil, fmt.Errorf("gas price must be non-negative")
	}
	price, overflow := uint256.FromBig(gasPriceWei)
	if overflow {
		return nil, fmt.Errorf("gas price overflows 256 bits")
	}
	units, carry := new(uint256.Int).AddOverflow(uint256.NewInt(buyGas), uint256.NewInt(sellGas))
	if carry {
		return nil, fmt.Errorf("gas units overflow")
	}
	cost, overflow := new(uint256.Int).MulOverflow(units, price)
	if overflow {
		return nil, fmt.Errorf("gas cost overflows 256 bits")
	}
	return cost.ToBig(), nil
}

// SpreadID is deterministic from content so fan-out order never changes it.
func SpreadID(buy, sell Quote) string {
	return fmt.Sprintf("%s_%s_%s_%d_%d_%s",
		buy.Pool.PairKey(), buy.Pool.DexID, sell.Pool.DexID, buy.Pool.Fee, sell.Pool.Fee, buy.Size.String())
}

func OpportunityID(spreadID string, block uint64) string {
	return fmt.Sprintf("opp_%s_%d", spreadID, block)
}

// BuildSpread prices buying on one pool and selling on another at the same size.
// Plausibility, confidence and the executability flags are set later by classification.
func BuildSpread(buy, sell Quote, gas GasContext) (Spread, error) {
	if buy.Direction != Buy || sell.Direction != Sell {
		return Spread{}, errcode.New(errcode.ValidationBadInput, "spread needs a BUY leg and a SELL leg").
			WithDetail("buy_direction", string(buy.Direction)).
			WithDetail("sell_direction", string(sell.Direction))
	}
	if buy.Pool.PairKey() != sell.Pool.PairKey() {
		return Spread{}, errcode.New(errcode.ValidationBadInput, "legs quote different pairs").
			WithDetail("buy_pair", buy.Pool.PairKey()).
			WithDetail("sell_pair", sell.Pool.PairKey())
	}
	if buy.Pool.FitnessKey() == sell.Pool.FitnessKey() {
		return Spread{}, errcode.New(errcode.ValidationBadInput, "legs quote the same pool").
			WithDetail("pool", buy.Pool.FitnessKey())
	}
	if buy.Size == nil || sell.Size == nil || buy.Size.Cmp(sell.Size) != 0 {
		return Spread{}, errcode.New(errcode.ValidationBadInput, "legs quote different sizes")
	}
	if buy.BlockNumber != sell.BlockNumber {
		return Spread{}, errcode.New(errcode.QuoteStaleBlock, "legs quote different blocks").
			WithDetail("buy_block", buy.BlockNumber).
			WithDetail("sell_block", sell.BlockNumber)
	}

	buyPrice, err := buy.ImpliedPrice()
	if err != nil {
		return Spread{}, errcode.Wrap(errcode.QuoteZeroOutput, err, "buy leg")
	}
	sellPrice, err := sell.ImpliedPrice()
	if err != nil {
		return Spread{}, errcode.Wrap(errcode.QuoteZeroOutput, err, "sell leg")
	}

	gasWei, err := GasCostWei(buy.GasEstimate, sell.GasEstimate, gas.GasPriceWei)
	if err != nil {
		return Spread{}, errcode.Wrap(errcode.ValidationBadInput, err, "gas cost")
	}

	counterPrice := gas.CounterPrice
	if counterPrice.IsZero() {
		counterPrice = decimal.NewFromInt(1)
	}
	nativeDecimals := gas.NativeDecimals
	if nativeDecimals == 0 {
		nativeDecimals = 18
	}

	notional := ToUnits(buy.Size, buy.Pool.Base.Decimals).Mul(buyPrice).Mul(counterPrice)
	gasNumeraire := NumeraireValue(gasWei, nativeDecimals, gas.NativePrice)

	spreadBps := Bps(buyPrice, sellPrice)
	gasBps := decimal.Zero
	if notional.IsPositive() {
		gasBps = gasNumeraire.Mul(bpsDenominator).DivRound(notional, priceScale)
	}
	net := spreadBps.Sub(gasBps)

	id := SpreadID(buy, sell)
	return Spread{
		ID:                id,
		OpportunityID:     OpportunityID(id, buy.BlockNumber),
		Pair:              buy.Pool.Pair(),
		BlockNumber:       buy.BlockNumber,
		BuyLeg:            buy,
		SellLeg:           sell,
		BuyPrice:          buyPrice,
		SellPrice:         sellPrice,
		SpreadBps:         spreadBps,
		GasCostWei:        gasWei,
		GasCostBps:        gasBps,
		NetPnlBps:         net,
		AmountInNumeraire: notional,
		NetPnlNumeraire:   PnlFromBps(notional, net),
		Profitable:        net.IsPositive(),
	}, nil
}
