package truth

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pulkyeet/spread-scanner/internal/arbitrage"
)

const block uint64 = 250_000_000

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func ticksPtr(n uint32) *uint32 { return &n }

// spread builds an already-priced WETH/USDC spread; gas and net in bps.
func spread(id string, spreadBps, gasBps string) arbitrage.Spread {
	leg := func(dex string, dir arbitrage.Direction) arbitrage.Quote {
		return arbitrage.Quote{
			Pool: arbitrage.Pool{
				DexID: dex, Fee: 500, Verified: true,
				Base:    arbitrage.Token{Symbol: "WETH", Decimals: 18},
				Counter: arbitrage.Token{Symbol: "USDC", Decimals: 6},
			},
			Direction:    dir,
			BlockNumber:  block,
			LatencyMs:    50,
			TicksCrossed: ticksPtr(2),
		}
	}
	s := arbitrage.Spread{
		ID:                id,
		Pair:              "WETH/USDC",
		BlockNumber:       block,
		BuyLeg:            leg("uniswap_v3", arbitrage.Buy),
		SellLeg:           leg("sushiswap_v3", arbitrage.Sell),
		SpreadBps:         d(spreadBps),
		GasCostBps:        d(gasBps),
		AmountInNumeraire: d("3500"),
	}
	s.NetPnlBps = s.SpreadBps.Sub(s.GasCostBps)
	s.NetPnlNumeraire = arbitrage.PnlFromBps(s.AmountInNumeraire, s.NetPnlBps)
	s.Profitable = s.NetPnlBps.IsPositive()
	return s
}

func healthy() ConfidenceInputs {
	return ConfidenceInputs{PinnedBlock: block, RPCSuccessRate: decimal.NewFromInt(1)}
}

func confidence(s arbitrage.Spread, in ConfidenceInputs) decimal.Decimal {
	c, _ := CalculateConfidence(&s, in, DefaultPolicy())
	return c
}

func TestConfidenceBreakdown(t *testing.T) {
	s := spread("a", "100", "10")
	c, b := CalculateConfidence(&s, healthy(), DefaultPolicy())

	for _, k := range []string{KeyFreshness, KeyTicks, KeyVerification, KeyProfitability, KeyGasEfficiency, KeyRPCHealth, KeyPlausibility, KeyFinal} {
		require.Contains(t, b, k)
		assert.False(t, b[k].IsNegative(), k)
		assert.False(t, b[k].GreaterThan(decimal.NewFromInt(1)), k)
	}
	assert.Equal(t, "0.98", c.String())
	assert.True(t, b[KeyFinal].Equal(c))
	assert.Equal(t, "0.9000", b.Strings()[KeyTicks])
}

func TestConfidenceMovesTheRightWay(t *testing.T) {
	base := confidence(spread("a", "100", "10"), healthy())

	many := spread("a", "100", "10")
	many.SellLeg.TicksCrossed = ticksPtr(18)
	assert.True(t, confidence(many, healthy()).LessThan(base), "more ticks")

	slow := spread("a", "100", "10")
	slow.BuyLeg.LatencyMs = 1050
	slow.SellLeg.LatencyMs = 1050
	assert.True(t, confidence(slow, healthy()).LessThan(base), "slower legs")

	stale := spread("a", "100", "10")
	stale.SellLeg.BlockNumber = block - 1
	assert.True(t, confidence(stale, healthy()).LessThan(base), "leg off the pinned block")

	flaky := healthy()
	flaky.RPCSuccessRate = d("0.5")
	assert.True(t, confidence(spread("a", "100", "10"), flaky).LessThan(base), "rpc health")

	failing := healthy()
	failing.SellPoolFailureRate = decimal.NewFromInt(1)
	assert.Equal(t, "0.49", confidence(spread("a", "100", "10"), failing).String())

	unverified := spread("a", "100", "10")
	unverified.SellLeg.Pool.Verified = false
	assert.True(t, confidence(unverified, healthy()).LessThanOrEqual(d("0.5")))
}

func TestImplausibleSpread(t *testing.T) {
	assert.True(t, Plausibility(d("800")).LessThan(d("0.5")))
	assert.Equal(t, "1", Plausibility(d("100")).String())
	assert.Equal(t, "0.5", Plausibility(d("500")).String())

	s := spread("huge", "800", "1")
	Classify(&s, healthy(), DefaultPolicy())
	assert.False(t, s.Plausible)
	assert.True(t, s.Profitable)
	assert.False(t, s.EconomicExecutable)
	assert.False(t, s.ExecutionReady)
	assert.True(t, s.Confidence.LessThanOrEqual(d("0.5")))
	assert.Contains(t, s.BlockedReason, "implausible")
}

// gas eats the whole spread: never ready whatever else looks good
func TestScenarioEUnprofitableNeverReady(t *testing.T) {
	s := spread("e", "20", "25")
	Classify(&s, healthy(), DefaultPolicy())

	assert.Equal(t, "-5.00", arbitrage.FormatBps(s.NetPnlBps))
	assert.False(t, s.Profitable)
	assert.False(t, s.EconomicExecutable)
	assert.False(t, s.ExecutionReady)
	assert.True(t, s.Confidence.LessThanOrEqual(d("0.3")))
	assert.Contains(t, s.BlockedReason, "unprofitable")
}

func TestClassifyReady(t *testing.T) {
	s := spread("ok", "100", "10")
	Classify(&s, healthy(), DefaultPolicy())
	assert.True(t, s.ExecutionReady)
	assert.True(t, s.EconomicExecutable)
	assert.Empty(t, s.BlockedReason)

	// unverified dex: economically fine, blocked from execution
	s = spread("unverified", "100", "10")
	s.SellLeg.Pool.Verified = false
	s.SellLeg.Pool.DexID = "camelot_v3"
	Classify(&s, healthy(), DefaultPolicy())
	assert.True(t, s.EconomicExecutable)
	assert.False(t, s.ExecutionReady)
	assert.Contains(t, s.BlockedReason, "camelot_v3")

	// below the minimum confidence
	p := DefaultPolicy()
	p.MinConfidence = d("0.99")
	s = spread("strict", "100", "10")
	Classify(&s, healthy(), p)
	assert.True(t, s.EconomicExecutable)
	assert.False(t, s.ExecutionReady)
	assert.Contains(t, s.BlockedReason, "confidence")
}

func TestReadyImpliesEconomic(t *testing.T) {
	for _, c := range [][2]string{{"100", "10"}, {"20", "25"}, {"800", "1"}, {"499", "400"}, {"5", "0"}} {
		s := spread("x", c[0], c[1])
		Classify(&s, healthy(), DefaultPolicy())
		if s.ExecutionReady {
			assert.True(t, s.EconomicExecutable, c)
			assert.True(t, s.Profitable, c)
		}
		if s.EconomicExecutable != s.ExecutionReady {
			assert.NotEmpty(t, s.BlockedReason, c)
		}
		assert.False(t, s.Confidence.IsNegative())
		assert.False(t, s.Confidence.GreaterThan(decimal.NewFromInt(1)))
	}
}
