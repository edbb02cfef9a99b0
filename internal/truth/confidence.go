package truth

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/pulkyeet/spread-scanner/internal/arbitrage"
)

// confidence components, in breakdown order
const (
	KeyFreshness     = "freshness"
	KeyTicks         = "ticks"
	KeyVerification  = "verification"
	KeyProfitability = "profitability"
	KeyGasEfficiency = "gas_efficiency"
	KeyRPCHealth     = "rpc_health"
	KeyPlausibility  = "plausibility"
	KeyFinal         = "final"
)

var (
	one  = decimal.NewFromInt(1)
	half = decimal.RequireFromString("0.5")

	weights = []struct {
		key string
		w   decimal.Decimal
	}{
		{KeyFreshness, decimal.RequireFromString("0.15")},
		{KeyTicks, decimal.RequireFromString("0.10")},
		{KeyVerification, decimal.RequireFromString("0.20")},
		{KeyProfitability, decimal.RequireFromString("0.15")},
		{KeyGasEfficiency, decimal.RequireFromString("0.10")},
		{KeyRPCHealth, decimal.RequireFromString("0.15")},
		{KeyPlausibility, decimal.RequireFromString("0.15")},
	}

	capNotExecutable = half
	capUnprofitable  = decimal.RequireFromString("0.3")
)

// Breakdown maps component name to its [0,1] score, plus "final".
type Breakdown map[string]decimal.Decimal

// Strings renders every component with 4 decimals.
func (b Breakdown) Strings() map[string]string {
	out := make(map[string]string, len(b))
	for k, v := range b {
		out[k] = v.StringFixed(4)
	}
	return out
}

// ConfidenceInputs is everything outside the spread that moves its confidence.
type ConfidenceInputs struct {
	PinnedBlock uint64
	// success rate of the endpoints that served the legs
	RPCSuccessRate decimal.Decimal
	// recent failure rate of each leg's pool
	BuyPoolFailureRate  decimal.Decimal
	SellPoolFailureRate decimal.Decimal
}

// Policy holds the execution thresholds.
type Policy struct {
	MinConfidence         decimal.Decimal
	MaxPlausibleSpreadBps decimal.Decimal
	// latency at which freshness is still perfect, and where it reaches zero
	FreshLatencyMs int64
	StaleLatencyMs int64
	// ticks crossed where the ticks component reaches zero
	MaxTicks int64
	// net bps at which profitability is perfect
	TargetNetBps decimal.Decimal
}

func DefaultPolicy() Policy {
	return Policy{
		MinConfidence:         half,
		MaxPlausibleSpreadBps: decimal.NewFromInt(500),
		FreshLatencyMs:        100,
		StaleLatencyMs:        2000,
		MaxTicks:              20,
		TargetNetBps:          decimal.NewFromInt(50),
	}
}

func clamp01(d decimal.Decimal) decimal.Decimal {
	if d.IsNegative() {
		return decimal.Zero
	}
	if d.GreaterThan(one) {
		return one
	}
	return d
}

// Plausibility is 1 up to 100 bps, falls linearly to 0.5 at 500 bps, then
// decays as 0.4*500/spread. huge spreads are bad data far more often than money.
func Plausibility(spreadBps decimal.Decimal) decimal.Decimal {
	s := spreadBps.Abs()
	lo := decimal.NewFromInt(100)
	hi := decimal.NewFromInt(500)
	switch {
	case s.LessThanOrEqual(lo):
		return one
	case s.LessThanOrEqual(hi):
		return one.Sub(half.Mul(s.Sub(lo)).Div(hi.Sub(lo)))
	default:
		return decimal.RequireFromString("0.4").Mul(hi).DivRound(s, 8)
	}
}

func freshness(s *arbitrage.Spread, in ConfidenceInputs, p Policy) decimal.Decimal {
	latency := (s.BuyLeg.LatencyMs + s.SellLeg.LatencyMs) / 2
	score := one
	if latency > p.FreshLatencyMs {
		span := p.StaleLatencyMs - p.FreshLatencyMs
		if span <= 0 {
			score = decimal.Zero
		} else {
			score = one.Sub(decimal.NewFromInt(latency - p.FreshLatencyMs).Div(decimal.NewFromInt(span)))
		}
	}
	if in.PinnedBlock != 0 && (s.BuyLeg.BlockNumber != in.PinnedBlock || s.SellLeg.BlockNumber != in.PinnedBlock) {
		score = score.Mul(half)
	}
	return clamp01(score)
}

// ticks scores the worse leg. a protocol without tick data scores neutral.
func ticks(s *arbitrage.Spread, p Policy) decimal.Decimal {
	var worst int64 = -1
	for _, t := range []*uint32{s.BuyLeg.TicksCrossed, s.SellLeg.TicksCrossed} {
		if t != nil && int64(*t) > worst {
			worst = int64(*t)
		}
	}
	if worst < 0 {
		return decimal.RequireFromString("0.8")
	}
	if p.MaxTicks <= 0 {
		return one
	}
	return clamp01(one.Sub(decimal.NewFromInt(worst).Div(decimal.NewFromInt(p.MaxTicks))))
}

func verification(s *arbitrage.Spread) decimal.Decimal {
	switch {
	case s.BuyLeg.Pool.Verified && s.SellLeg.Pool.Verified:
		return one
	case s.BuyLeg.Pool.Verified || s.SellLeg.Pool.Verified:
		return half
	default:
		return decimal.Zero
	}
}

func profitability(s *arbitrage.Spread, p Policy) decimal.Decimal {
	if !s.NetPnlBps.IsPositive() || !p.TargetNetBps.IsPositive() {
		return decimal.Zero
	}
	return clamp01(s.NetPnlBps.Div(p.TargetNetBps))
}

func gasEfficiency(s *arbitrage.Spread) decimal.Decimal {
	if !s.SpreadBps.IsPositive() {
		return decimal.Zero
	}
	return clamp01(one.Sub(s.GasCostBps.DivRound(s.SpreadBps, 8)))
}

// CalculateConfidence scores a spread in [0,1]. the weighted sum is damped by
// the worse pool's recent failure rate and then hard capped.
func CalculateConfidence(s *arbitrage.Spread, in ConfidenceInputs, p Policy) (decimal.Decimal, Breakdown) {
	b := Breakdown{
		KeyFreshness:     freshness(s, in, p),
		KeyTicks:         ticks(s, p),
		KeyVerification:  verification(s),
		KeyProfitability: profitability(s, p),
		KeyGasEfficiency: gasEfficiency(s),
		KeyRPCHealth:     clamp01(in.RPCSuccessRate),
		KeyPlausibility:  clamp01(Plausibility(s.SpreadBps)),
	}

	score := decimal.Zero
	for _, w := range weights {
		score = score.Add(b[w.key].Mul(w.w))
	}

	failure := decimal.Max(clamp01(in.BuyPoolFailureRate), clamp01(in.SellPoolFailureRate))
	score = score.Mul(one.Sub(failure.Div(decimal.NewFromInt(2))))

	plausible := s.SpreadBps.LessThanOrEqual(p.MaxPlausibleSpreadBps)
	if !(s.BuyLeg.Pool.Verified && s.SellLeg.Pool.Verified && s.Profitable && plausible) {
		score = decimal.Min(score, capNotExecutable)
	}
	if !s.NetPnlBps.IsPositive() {
		score = decimal.Min(score, capUnprofitable)
	}

	score = clamp01(score).Round(4)
	b[KeyFinal] = score
	return score, b
}

// Classify fills in plausibility, confidence and the two executability flags.
// BlockedReason is set whenever the spread is not execution ready.
func Classify(s *arbitrage.Spread, in ConfidenceInputs, p Policy) {
	s.Plausible = s.SpreadBps.LessThanOrEqual(p.MaxPlausibleSpreadBps)
	s.Profitable = s.NetPnlBps.IsPositive()

	score, b := CalculateConfidence(s, in, p)
	s.Confidence = score
	s.ConfidenceBreakdown = b

	s.EconomicExecutable = s.Profitable && s.Plausible
	s.ExecutionReady = s.EconomicExecutable &&
		s.BuyLeg.Pool.Verified && s.SellLeg.Pool.Verified &&
		s.Confidence.GreaterThanOrEqual(p.MinConfidence)
	s.BlockedReason = blockedReason(s, p)
}

func blockedReason(s *arbitrage.Spread, p Policy) string {
	switch {
	case s.ExecutionReady:
		return ""
	case !s.Profitable:
		return fmt.Sprintf("unprofitable: net %s bps", arbitrage.FormatBps(s.NetPnlBps))
	case !s.Plausible:
		return fmt.Sprintf("implausible spread: %s bps above %s", arbitrage.FormatBps(s.SpreadBps), arbitrage.FormatBps(p.MaxPlausibleSpreadBps))
	case !s.BuyLeg.Pool.Verified:
		return fmt.Sprintf("buy leg dex %s not verified for execution", s.BuyLeg.Pool.DexID)
	case !s.SellLeg.Pool.Verified:
		return fmt.Sprintf("sell leg dex %s not verified for execution", s.SellLeg.Pool.DexID)
	default:
		return fmt.Sprintf("confidence %s below %s", s.Confidence.StringFixed(4), p.MinConfidence.StringFixed(4))
	}
}
