package arbitrage

import (
	"math/big"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestToUnitsIsExact(t *testing.T) {
	wei, ok := new(big.Int).SetString("1234567890123456789", 10)
	require.True(t, ok)
	assert.Equal(t, "1.234567890123456789", ToUnits(wei, 18).String())
	assert.Equal(t, "2500", ToUnits(usdcUnits(2500), 6).String())
	assert.True(t, ToUnits(nil, 18).IsZero())

	assert.Equal(t, "2500000000", FromUnits(decimal.RequireFromString("2500.0000009"), 6).String())
}

func TestMoneyFormatting(t *testing.T) {
	d := decimal.RequireFromString("1234.5678905")
	assert.Equal(t, "1234.567891", FormatMoney(d))
	assert.Equal(t, "1234.57", FormatMoneyShort(d))
	assert.Equal(t, "-0.500000", FormatMoney(decimal.RequireFromString("-0.5")))
	assert.Equal(t, "0.000000", FormatMoney(decimal.Zero))
}

func TestBpsAndDeviation(t *testing.T) {
	assert.Equal(t, "100.00", FormatBps(Bps(decimal.NewFromInt(100), decimal.NewFromInt(101))))
	assert.True(t, Bps(decimal.Zero, decimal.NewFromInt(1)).IsZero())

	// 5000 against a 3500 anchor
	assert.Equal(t, int64(4285), DeviationBps(decimal.NewFromInt(5000), decimal.NewFromInt(3500)))
	assert.Equal(t, int64(142), DeviationBps(decimal.NewFromInt(3550), decimal.NewFromInt(3500)))
	assert.Equal(t, int64(0), DeviationBps(decimal.NewFromInt(1), decimal.Zero))
}

func TestNumeraireConversion(t *testing.T) {
	// 1 ETH at 2500 USDC
	assert.Equal(t, "2500.000000", FormatMoney(NumeraireValue(oneETH(), 18, decimal.NewFromInt(2500))))
	// 10 bps of 2500
	assert.Equal(t, "2.500000", FormatMoney(PnlFromBps(decimal.NewFromInt(2500), decimal.NewFromInt(10))))
}

func TestImpliedPriceIsQuotePerBase(t *testing.T) {
	pool := testPool("uniswap_v3", 500)
	sell := sellQuote(pool, 3500, 1)
	buy := buyQuote(pool, 3510, 1)

	sp, err := sell.ImpliedPrice()
	require.NoError(t, err)
	bp, err := buy.ImpliedPrice()
	require.NoError(t, err)
	assert.Equal(t, "3500", sp.String())
	assert.Equal(t, "3510", bp.String())

	sell.AmountOut = big.NewInt(0)
	_, err = sell.ImpliedPrice()
	assert.Error(t, err)
}
