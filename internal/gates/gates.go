// Package gates decides whether a single quote, and a curve of quotes from
// one pool, can be trusted enough to build a spread from.
//
// Every function here is pure: the same quote against the same thresholds
// gives the same results. Retrying is left to the caller.
package gates

import (
	"math/big"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/pulkyeet/spread-scanner/internal/arbitrage"
	"github.com/pulkyeet/spread-scanner/internal/errcode"
)

// Result is one gate verdict. Code is empty iff Passed.
type Result struct {
	Passed               bool           `json:"passed"`
	Code                 errcode.Code   `json:"reject_code,omitempty"`
	Details              map[string]any `json:"details,omitempty"`
	RequiresSecondAnchor bool           `json:"requires_second_anchor"`
}

func pass() Result { return Result{Passed: true} }

func reject(code errcode.Code, details map[string]any) Result {
	return Result{Code: code, Details: details}
}

// Anchor carries the reference prices a quote is checked against. zero means absent.
type Anchor struct {
	Price  decimal.Decimal
	Second decimal.Decimal
	// implied price of the same pool at its smallest size
	Reference decimal.Decimal
}

type Engine struct {
	th Thresholds
}

func NewEngine(th Thresholds) *Engine {
	return &Engine{th: th}
}

func (e *Engine) Thresholds() Thresholds { return e.th }

// ApplySingleQuoteGates returns the failed gates only; empty means the quote passed.
// a zero output short-circuits every other gate.
func (e *Engine) ApplySingleQuoteGates(q arbitrage.Quote, anchor Anchor, isAnchorDex bool, pinnedBlock uint64) []Result {
	if q.AmountOut != nil && q.AmountOut.Sign() == 0 {
		return []Result{reject(errcode.QuoteZeroOutput, map[string]any{
			"amount_in": q.AmountIn.String(),
			"dex_id":    q.Pool.DexID,
			"fee":       q.Pool.Fee,
		})}
	}
	if r, ok := malformed(q); ok {
		return []Result{r}
	}

	pair := q.Pool.PairKey()
	vol := e.th.Classify(q.Pool.Pair())
	price, _ := q.ImpliedPrice()

	results := []Result{
		e.gasGate(q),
		e.ticksGate(q, vol),
		freshnessGate(q, pinnedBlock),
		e.priceSanityGate(q, price, anchor, isAnchorDex, pair, vol),
		slippageSanityGate(q, price, anchor.Reference),
	}
	failed := results[:0]
	for _, r := range results {
		if !r.Passed {
			failed = append(failed, r)
		}
	}
	return failed
}

// Primary picks the reject that represents a quote: the first failure in gate order.
func Primary(results []Result) Result {
	for _, r := range results {
		if !r.Passed {
			return r
		}
	}
	return pass()
}

func malformed(q arbitrage.Quote) (Result, bool) {
	if q.AmountIn == nil || q.AmountOut == nil || q.Size == nil {
		return reject(errcode.InternalCodeError, map[string]any{"reason": "quote missing amounts"}), true
	}
	if q.AmountIn.Sign() <= 0 || q.AmountOut.Sign() < 0 {
		return reject(errcode.InternalCodeError, map[string]any{
			"reason":     "non-positive amounts",
			"amount_in":  q.AmountIn.String(),
			"amount_out": q.AmountOut.String(),
		}), true
	}
	return Result{}, false
}

func (e *Engine) gasGate(q arbitrage.Quote) Result {
	ceiling := e.th.GasCeiling(q.Size)
	if ceiling == 0 || q.GasEstimate <= ceiling {
		return pass()
	}
	return reject(errcode.QuoteGasTooHigh, map[string]any{
		"gas_estimate": q.GasEstimate,
		"max_gas":      ceiling,
		"size":         q.Size.String(),
		"dex_id":       q.Pool.DexID,
		"fee":          q.Pool.Fee,
	})
}

// ticksGate passes quotes from protocols that do not report ticks.
func (e *Engine) ticksGate(q arbitrage.Quote, vol Volatility) Result {
	if q.TicksCrossed == nil {
		return pass()
	}
	limit := e.th.TicksLimit(q.Size, vol)
	if uint64(*q.TicksCrossed) <= limit {
		return pass()
	}
	return reject(errcode.TicksCrossedTooMany, map[string]any{
		"ticks_crossed": *q.TicksCrossed,
		"max_ticks":     limit,
		"size":          q.Size.String(),
		"pair_type":     string(vol),
	})
}

func freshnessGate(q arbitrage.Quote, pinnedBlock uint64) Result {
	if q.BlockNumber == pinnedBlock {
		return pass()
	}
	return reject(errcode.QuoteStaleBlock, map[string]any{
		"quote_block":  q.BlockNumber,
		"pinned_block": pinnedBlock,
		"timestamp_ms": q.TimestampMs,
	})
}

func (e *Engine) priceSanityGate(q arbitrage.Quote, price decimal.Decimal, anchor Anchor, isAnchorDex bool, pair string, vol Volatility) Result {
	if isAnchorDex {
		return pass()
	}
	if !anchor.Price.IsPositive() {
		return reject(errcode.PriceAnchorMissing, map[string]any{
			"pair":        pair,
			"dex_id":      q.Pool.DexID,
			"fee":         q.Pool.Fee,
			"quote_price": arbitrage.FormatPrice(price),
		})
	}

	limits := e.th.DeviationFor(vol)
	deviation := arbitrage.DeviationBps(price, anchor.Price)
	details := map[string]any{
		"pair":                 pair,
		"deviation_bps":        deviation,
		"max_deviation_bps_l1": limits.Coarse,
		"max_deviation_bps_l2": limits.Fine,
		"quote_price":          arbitrage.FormatPrice(price),
		"anchor_price":         arbitrage.FormatPrice(anchor.Price),
		"dex_id":               q.Pool.DexID,
		"fee":                  q.Pool.Fee,
		"size":                 q.Size.String(),
	}

	if deviation > limits.Coarse {
		details["reason"] = "deviation_above_l1"
		return reject(errcode.PriceSanityFailed, details)
	}
	if deviation <= limits.Fine {
		return pass()
	}

	if anchor.Second.IsPositive() {
		second := arbitrage.DeviationBps(price, anchor.Second)
		if second <= limits.Fine {
			return Result{Passed: true, Details: map[string]any{
				"confirmed_by_second_anchor": true,
				"deviation_to_primary":       deviation,
				"deviation_to_second":        second,
			}}
		}
		details["deviation_to_second"] = second
		details["second_anchor_price"] = arbitrage.FormatPrice(anchor.Second)
	}
	details["reason"] = "deviation_between_l2_l1"
	r := reject(errcode.PriceSanityFailed, details)
	r.RequiresSecondAnchor = true
	return r
}

// slippageBps is how much worse price is than reference, in whole bps.
// negative means a bigger trade got a better price.
func slippageBps(dir arbitrage.Direction, reference, price decimal.Decimal) int64 {
	if !reference.IsPositive() {
		return 0
	}
	diff := reference.Sub(price)
	if dir == arbitrage.Buy {
		diff = price.Sub(reference)
	}
	return diff.Mul(decimal.NewFromInt(10000)).DivRound(reference, 18).IntPart()
}

func slippageSanityGate(q arbitrage.Quote, price, reference decimal.Decimal) Result {
	s := slippageBps(q.Direction, reference, price)
	if s >= 0 {
		return pass()
	}
	return reject(errcode.QuoteInconsistent, map[string]any{
		"reason":          "negative_slippage",
		"slippage_bps":    s,
		"reference_price": arbitrage.FormatPrice(reference),
		"quote_price":     arbitrage.FormatPrice(price),
	})
}

// CurveResult is a curve gate failure for Quotes[Index].
type CurveResult struct {
	Result
	Index int `json:"index"`
}

// ApplyCurveGates checks every pool/direction curve across increasing sizes.
// the larger quote of a failing step is the one rejected.
func (e *Engine) ApplyCurveGates(quotes []arbitrage.Quote) []CurveResult {
	groups := make(map[string][]int)
	var order []string
	for i, q := range quotes {
		k := q.Pool.FitnessKey() + "|" + string(q.Direction)
		if _, ok := groups[k]; !ok {
			order = append(order, k)
		}
		groups[k] = append(groups[k], i)
	}
	sort.Strings(order)

	var out []CurveResult
	for _, k := range order {
		idx := groups[k]
		sort.SliceStable(idx, func(a, b int) bool { return sizeOf(quotes[idx[a]]).Cmp(sizeOf(quotes[idx[b]])) < 0 })
		out = append(out, e.curve(quotes, idx)...)
	}
	sort.SliceStable(out, func(a, b int) bool { return out[a].Index < out[b].Index })
	return out
}

func sizeOf(q arbitrage.Quote) *big.Int {
	if q.Size == nil {
		return new(big.Int)
	}
	return q.Size
}

func (e *Engine) curve(quotes []arbitrage.Quote, idx []int) []CurveResult {
	if len(idx) < 2 {
		return nil
	}
	var out []CurveResult
	prev := idx[0]
	for _, cur := range idx[1:] {
		small, large := quotes[prev], quotes[cur]
		if r := e.curveStep(small, large); !r.Passed {
			out = append(out, CurveResult{Result: r, Index: cur})
			continue
		}
		prev = cur
	}
	return out
}

func (e *Engine) curveStep(small, large arbitrage.Quote) Result {
	if large.AmountIn.Cmp(small.AmountIn) > 0 && large.AmountOut.Cmp(small.AmountOut) < 0 {
		return reject(errcode.QuoteInconsistent, map[string]any{
			"reason":          "amount_out decreased with larger amount_in",
			"prev_amount_in":  small.AmountIn.String(),
			"prev_amount_out": small.AmountOut.String(),
			"curr_amount_in":  large.AmountIn.String(),
			"curr_amount_out": large.AmountOut.String(),
		})
	}

	ps, err := small.ImpliedPrice()
	if err != nil {
		return pass()
	}
	pl, err := large.ImpliedPrice()
	if err != nil {
		return pass()
	}
	s := slippageBps(large.Direction, ps, pl)
	details := map[string]any{
		"slippage_bps":     s,
		"max_slippage_bps": e.th.MaxSlippageBps,
		"size_small":       sizeOf(small).String(),
		"size_large":       sizeOf(large).String(),
		"price_small":      arbitrage.FormatPrice(ps),
		"price_large":      arbitrage.FormatPrice(pl),
	}
	if s < 0 {
		details["reason"] = "negative_slippage"
		return reject(errcode.QuoteInconsistent, details)
	}
	if e.th.MaxSlippageBps > 0 && s > e.th.MaxSlippageBps {
		return reject(errcode.SlippageTooHigh, details)
	}
	return pass()
}
