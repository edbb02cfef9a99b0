package gates

import (
	"math/big"
	"sort"
	"strings"
)

type Volatility string

const (
	Normal   Volatility = "normal"
	Volatile Volatility = "volatile"
	Stable   Volatility = "stable"
)

// SizeLimit applies to every trade size >= MinSize, up to the next entry.
type SizeLimit struct {
	MinSize *big.Int
	Limit   uint64
}

// DeviationLimits are the two price sanity levels in bps.
// above Coarse always rejects; between Fine and Coarse needs a second anchor.
type DeviationLimits struct {
	Coarse int64
	Fine   int64
}

// Thresholds holds every tunable gate table. the shapes are fixed,
// the numbers come from configuration.
type Thresholds struct {
	GasCeilings    []SizeLimit
	TickLimits     map[Volatility][]SizeLimit
	Deviation      map[Volatility]DeviationLimits
	MaxSlippageBps int64

	VolatilePairs []string
	StablePairs   []string
}

func wei(exp int64) *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(exp), nil)
}

// StandardLadder is the 0.01 / 0.1 / 1 base-token retry ladder.
func StandardLadder() []*big.Int {
	return []*big.Int{wei(16), wei(17), wei(18)}
}

func DefaultThresholds() Thresholds {
	return Thresholds{
		GasCeilings: []SizeLimit{
			{wei(16), 200_000},
			{wei(17), 300_000},
			{wei(18), 500_000},
			{wei(19), 800_000},
		},
		TickLimits: map[Volatility][]SizeLimit{
			Normal:   {{wei(16), 3}, {wei(17), 5}, {wei(18), 10}, {wei(19), 20}},
			Volatile: {{wei(16), 5}, {wei(17), 8}, {wei(18), 15}, {wei(19), 25}},
			Stable:   {{wei(16), 2}, {wei(17), 3}, {wei(18), 5}, {wei(19), 10}},
		},
		Deviation: map[Volatility]DeviationLimits{
			Normal:   {Coarse: 2500, Fine: 1500},
			Stable:   {Coarse: 2500, Fine: 1500},
			Volatile: {Coarse: 4000, Fine: 2500},
		},
		MaxSlippageBps: 500,
		VolatilePairs:  []string{"WETH/ARB", "WETH/LINK", "WETH/UNI", "WETH/GMX", "WETH/MAGIC", "WETH/PENDLE", "WETH/GRAIL"},
		StablePairs:    []string{"USDC/USDT", "USDC/DAI", "USDT/DAI", "USDC/FRAX", "USDC/USDE"},
	}
}

// Classify buckets a pair by volatility. either token order matches.
func (t *Thresholds) Classify(pair string) Volatility {
	if pair == "" {
		return Normal
	}
	p := strings.ToUpper(pair)
	if containsPair(t.StablePairs, p) {
		return Stable
	}
	if containsPair(t.VolatilePairs, p) {
		return Volatile
	}
	return Normal
}

func containsPair(list []string, pair string) bool {
	reversed := pair
	if parts := strings.SplitN(pair, "/", 2); len(parts) == 2 {
		reversed = parts[1] + "/" + parts[0]
	}
	for _, candidate := range list {
		c := strings.ToUpper(candidate)
		if c == pair || c == reversed {
			return true
		}
	}
	return false
}

// GasCeiling is the gas limit for a trade size. sizes below the smallest bucket get the tightest limit.
func (t *Thresholds) GasCeiling(size *big.Int) uint64 {
	return lookup(t.GasCeilings, size)
}

func (t *Thresholds) TicksLimit(size *big.Int, vol Volatility) uint64 {
	limits, ok := t.TickLimits[vol]
	if !ok {
		limits = t.TickLimits[Normal]
	}
	return lookup(limits, size)
}

func (t *Thresholds) DeviationFor(vol Volatility) DeviationLimits {
	if d, ok := t.Deviation[vol]; ok {
		return d
	}
	return t.Deviation[Normal]
}

func lookup(limits []SizeLimit, size *big.Int) uint64 {
	if len(limits) == 0 {
		return 0
	}
	sorted := make([]SizeLimit, len(limits))
	copy(sorted, limits)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].MinSize.Cmp(sorted[j].MinSize) < 0 })

	limit := sorted[0].Limit
	for _, l := range sorted {
		if size != nil && size.Cmp(l.MinSize) >= 0 {
			limit = l.Limit
		}
	}
	return limit
}
