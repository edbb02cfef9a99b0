package arbitrage

import (
	"math/big"

	"github.com/shopspring/decimal"
)

const (
	priceScale = 18
	moneyScale = 6
	bpsScale   = 2
)

var bpsDenominator = decimal.NewFromInt(10000)

// ToUnits converts a smallest-unit integer into whole token units, exactly.
func ToUnits(amount *big.Int, decimals int32) decimal.Decimal {
	if amount == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(amount, -decimals)
}

// FromUnits converts whole units back to the smallest unit, truncating dust.
func FromUnits(units decimal.Decimal, decimals int32) *big.Int {
	return units.Shift(decimals).Truncate(0).BigInt()
}

// Bps returns (to-from)/from in basis points, unrounded.
func Bps(from, to decimal.Decimal) decimal.Decimal {
	if from.IsZero() {
		return decimal.Zero
	}
	return to.Sub(from).Mul(bpsDenominator).DivRound(from, priceScale)
}

// DeviationBps is |value-anchor|/anchor in whole basis points (truncated).
func DeviationBps(value, anchor decimal.Decimal) int64 {
	if anchor.IsZero() {
		return 0
	}
	return value.Sub(anchor).Abs().Mul(bpsDenominator).DivRound(anchor, priceScale).IntPart()
}

// FormatMoney renders a numeraire amount with 6 decimals, half away from zero.
func FormatMoney(d decimal.Decimal) string {
	return d.StringFixed(moneyScale)
}

// FormatMoneyShort is the 2 decimal display form.
func FormatMoneyShort(d decimal.Decimal) string {
	return d.StringFixed(2)
}

func FormatBps(d decimal.Decimal) string {
	return d.StringFixed(bpsScale)
}

func FormatPrice(d decimal.Decimal) string {
	return d.StringFixed(moneyScale)
}

// NumeraireValue prices amount (smallest units of a token with decimals) at price numeraire per token.
func NumeraireValue(amount *big.Int, decimals int32, price decimal.Decimal) decimal.Decimal {
	return ToUnits(amount, decimals).Mul(price)
}

// PnlFromBps is notional * bps / 10000.
func PnlFromBps(notional, bps decimal.Decimal) decimal.Decimal {
	return notional.Mul(bps).Div(bpsDenominator)
}
