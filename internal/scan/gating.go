package scan

import (
	"log/slog"
	"math/big"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/pulkyeet/spread-scanner/internal/arbitrage"
	"github.com/pulkyeet/spread-scanner/internal/errcode"
	"github.com/pulkyeet/spread-scanner/internal/gates"
	"github.com/pulkyeet/spread-scanner/internal/truth"
)

func anchorKey(pairKey string, size *big.Int) string {
	return pairKey + "|" + size.String()
}

// anchors picks, per pair and size, the anchor dex SELL quote with the lowest
// fee that clears its own gates. the next fee tier becomes the second anchor.
func (o *Orchestrator) anchors(sells []*attempt, block uint64) map[string]gates.Anchor {
	cands := make(map[string][]arbitrage.Quote)
	for _, a := range sells {
		if a.err != nil || a.job.pool.DexID != o.cfg.Scan.AnchorDex {
			continue
		}
		if len(o.engine.ApplySingleQuoteGates(a.quote, gates.Anchor{}, true, block)) > 0 {
			continue
		}
		k := anchorKey(a.job.pool.PairKey(), a.job.size)
		cands[k] = append(cands[k], a.quote)
	}

	out := make(map[string]gates.Anchor, len(cands))
	for k, qs := range cands {
		sort.SliceStable(qs, func(i, j int) bool { return qs[i].Pool.Fee < qs[j].Pool.Fee })
		var anchor gates.Anchor
		for _, q := range qs {
			p, err := q.ImpliedPrice()
			if err != nil {
				continue
			}
			if anchor.Price.IsZero() {
				anchor.Price = p
			} else if anchor.Second.IsZero() {
				anchor.Second = p
				break
			}
		}
		if anchor.Price.IsPositive() {
			out[k] = anchor
		}
	}
	return out
}

// nativePrice is the numeraire price of the gas token: the anchor price of
// WETH/<numeraire> at the smallest size when scanned, else the fallback.
func (o *Orchestrator) nativePrice(anchors map[string]gates.Anchor) decimal.Decimal {
	pk := arbitrage.PairKey(nativeSymbol, o.cfg.Scan.Numeraire)
	for _, size := range o.ladder {
		if a, ok := anchors[anchorKey(pk, size)]; ok {
			return a.Price
		}
	}
	return o.cfg.NativePriceFallback()
}

const nativeSymbol = "WETH"

// counterPrice is the numeraire price of one counter token.
func (o *Orchestrator) counterPrice(counter string, native decimal.Decimal) decimal.Decimal {
	if counter == nativeSymbol && o.cfg.Scan.Numeraire != nativeSymbol {
		return native
	}
	// stables and the numeraire itself count at par
	return decimal.NewFromInt(1)
}

// gate runs the single-quote gates on every fetched quote, then the curve
// gates on the survivors. every fetched attempt leaves with a status.
func (o *Orchestrator) gate(attempts []*attempt, anchors map[string]gates.Anchor, block uint64) {
	refs := make(map[string]decimal.Decimal)
	smallest := make(map[string]*big.Int)
	for _, a := range attempts {
		if a.err != nil || a.quote.AmountOut == nil || a.quote.AmountOut.Sign() <= 0 {
			continue
		}
		k := a.job.pool.FitnessKey() + "|" + string(a.job.dir)
		if s, ok := smallest[k]; ok && s.Cmp(a.job.size) <= 0 {
			continue
		}
		p, err := a.quote.ImpliedPrice()
		if err != nil {
			continue
		}
		smallest[k] = a.job.size
		refs[k] = p
	}

	var survivors []*attempt
	for _, a := range attempts {
		if a.err != nil {
			continue
		}
		anchor := anchors[anchorKey(a.job.pool.PairKey(), a.job.size)]
		anchor.Reference = refs[a.job.pool.FitnessKey()+"|"+string(a.job.dir)]
		isAnchorDex := a.job.pool.DexID == o.cfg.Scan.AnchorDex

		fails := o.engine.ApplySingleQuoteGates(a.quote, anchor, isAnchorDex, block)
		if len(fails) > 0 {
			r := gates.Primary(fails)
			a.code, a.details = r.Code, r.Details
			a.status = statusOf(r.Code)
			if a.status == statusFetchFailed {
				a.status = statusRejected
			}
			continue
		}
		a.status = statusPassed
		survivors = append(survivors, a)
	}

	quotes := make([]arbitrage.Quote, len(survivors))
	for i, a := range survivors {
		quotes[i] = a.quote
	}
	for _, cr := range o.engine.ApplyCurveGates(quotes) {
		a := survivors[cr.Index]
		a.status = statusRejected
		a.code, a.details = cr.Code, cr.Details
	}
}

// learn feeds the cycle's outcomes into pool fitness and the pool quarantine.
// fetch failures are the endpoint's fault and leave fitness alone.
func (o *Orchestrator) learn(attempts []*attempt, log *slog.Logger) {
	for _, a := range attempts {
		key := a.job.pool.FitnessKey()
		switch a.status {
		case statusPassed:
			o.fitness.RecordSuccess(key, a.job.size)
			o.quarantine.RecordSuccess(key)
			continue
		case statusRejected, statusCodeError:
			o.fitness.RecordFailure(key, a.job.size, a.code)
		}
		if o.quarantine.RecordFailure(key, a.code) {
			log.Warn("pool quarantined",
				slog.String("pool", key),
				slog.String("code", string(a.code)))
		}
	}
}

func rpcMetrics(attempts []*attempt) truth.RPCHealthMetrics {
	var m truth.RPCHealthMetrics
	for _, a := range attempts {
		switch {
		case a.err == nil:
			m.RecordSuccess(a.quote.LatencyMs)
		case a.status == statusFetchFailed:
			m.RecordFailure()
		case answeredCodes[a.code]:
			m.RecordSuccess(0)
		}
	}
	return m
}

// buildSpreads pairs every passed BUY with every passed SELL of the same pair
// and size on another dex.
func (o *Orchestrator) buildSpreads(attempts []*attempt, gasPrice *big.Int, native decimal.Decimal, log *slog.Logger) []arbitrage.Spread {
	type legs struct{ buys, sells []arbitrage.Quote }
	groups := make(map[string]*legs)
	var order []string
	for _, a := range attempts {
		if a.status != statusPassed {
			continue
		}
		k := anchorKey(a.job.pool.PairKey(), a.job.size)
		g, ok := groups[k]
		if !ok {
			g = &legs{}
			groups[k] = g
			order = append(order, k)
		}
		if a.job.dir == arbitrage.Buy {
			g.buys = append(g.buys, a.quote)
		} else {
			g.sells = append(g.sells, a.quote)
		}
	}
	sort.Strings(order)

	var spreads []arbitrage.Spread
	for _, k := range order {
		g := groups[k]
		for _, buy := range g.buys {
			for _, sell := range g.sells {
				if buy.Pool.DexID == sell.Pool.DexID {
					continue
				}
				sp, err := arbitrage.BuildSpread(buy, sell, arbitrage.GasContext{
					GasPriceWei:    gasPrice,
					NativePrice:    native,
					NativeDecimals: 18,
					CounterPrice:   o.counterPrice(buy.Pool.Counter.Symbol, native),
				})
				if err != nil {
					log.Debug("spread skipped",
						slog.String("buy", buy.Key()),
						slog.String("sell", sell.Key()),
						slog.String("code", string(errcode.CodeOf(err))))
					continue
				}
				spreads = append(spreads, sp)
			}
		}
	}
	sort.SliceStable(spreads, func(i, j int) bool { return spreads[i].ID < spreads[j].ID })
	return spreads
}

// classify scores every spread. the rpc input is the weaker of the two
// endpoints that served the legs, or the cycle rate when unknown.
func (o *Orchestrator) classify(spreads []arbitrage.Spread, block uint64, cycleRate decimal.Decimal, endpointRates map[string]decimal.Decimal) {
	rateOf := func(url string) decimal.Decimal {
		if r, ok := endpointRates[url]; ok {
			return r
		}
		return cycleRate
	}
	for i := range spreads {
		s := &spreads[i]
		in := truth.ConfidenceInputs{
			PinnedBlock:         block,
			RPCSuccessRate:      decimal.Min(rateOf(s.BuyLeg.Endpoint), rateOf(s.SellLeg.Endpoint)),
			BuyPoolFailureRate:  o.fitness.FailureRate(s.BuyLeg.Pool.FitnessKey()),
			SellPoolFailureRate: o.fitness.FailureRate(s.SellLeg.Pool.FitnessKey()),
		}
		truth.Classify(s, in, o.policy)
	}
}
