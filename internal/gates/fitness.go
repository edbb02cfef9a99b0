package gates

import (
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/pulkyeet/spread-scanner/internal/errcode"
)

const (
	// failures at the smallest size before a pool is written off
	unfitAfter = 3
	// repeated gas/ticks rejects at one size before the ceiling steps down
	strikesToStepDown = 2
	// consecutive successes at the ceiling before it steps back up
	successesToStepUp = 3
	// outcomes kept per pool for the failure rate
	outcomeWindow = 20
)

type poolFitnessState struct {
	ceiling     *big.Int // nil means no limit learned yet
	minFailures int
	strikes     map[string]int
	atCeiling   int
	outcomes    []bool // true = failure, oldest first
	unfitAt     time.Time
}

// PoolFitness learns, per pair/dex/fee, which trade sizes a pool can serve
// and how often it fails. safe for concurrent use.
type PoolFitness struct {
	mu     sync.Mutex
	ladder []*big.Int
	pools  map[string]*poolFitnessState

	// zero reprobe: an unfit pool stays unfit for the life of the process
	reprobe time.Duration
	now     func() time.Time
}

func NewPoolFitness(ladder []*big.Int) *PoolFitness {
	if len(ladder) == 0 {
		ladder = StandardLadder()
	}
	sorted := make([]*big.Int, len(ladder))
	for i, a := range ladder {
		sorted[i] = new(big.Int).Set(a)
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Cmp(sorted[j]) < 0 })
	return &PoolFitness{ladder: sorted, pools: make(map[string]*poolFitnessState)}
}

// SetReprobe lets an unfit pool back in at the smallest size once after has
// passed since it was written off.
func (f *PoolFitness) SetReprobe(after time.Duration, now func() time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if now == nil {
		now = time.Now
	}
	f.reprobe, f.now = after, now
}

func (f *PoolFitness) state(key string) *poolFitnessState {
	s, ok := f.pools[key]
	if !ok {
		s = &poolFitnessState{strikes: make(map[string]int)}
		f.pools[key] = s
	}
	return s
}

func (s *poolFitnessState) push(failed bool) {
	s.outcomes = append(s.outcomes, failed)
	if len(s.outcomes) > outcomeWindow {
		s.outcomes = s.outcomes[len(s.outcomes)-outcomeWindow:]
	}
}

func (f *PoolFitness) RecordSuccess(key string, amount *big.Int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := f.state(key)
	s.push(false)
	delete(s.strikes, amount.String())
	if f.isMin(amount) {
		s.minFailures = 0
	}
	if s.ceiling != nil && amount.Cmp(s.ceiling) >= 0 {
		s.atCeiling++
		if s.atCeiling >= successesToStepUp {
			s.ceiling = f.larger(s.ceiling)
			s.atCeiling = 0
		}
	}
}

// RecordFailure counts any reject. only size-driven codes move the ceiling.
func (f *PoolFitness) RecordFailure(key string, amount *big.Int, code errcode.Code) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := f.state(key)
	s.push(true)
	s.atCeiling = 0

	if code != errcode.QuoteGasTooHigh && code != errcode.TicksCrossedTooMany {
		return
	}
	if f.isMin(amount) {
		s.minFailures++
		if s.minFailures == unfitAfter && f.now != nil {
			s.unfitAt = f.now()
		}
		return
	}
	k := amount.String()
	s.strikes[k]++
	if s.strikes[k] < strikesToStepDown {
		return
	}
	delete(s.strikes, k)
	if smaller := f.SuggestSmallerAmount(amount); smaller != nil {
		if s.ceiling == nil || smaller.Cmp(s.ceiling) < 0 {
			s.ceiling = smaller
		}
	}
}

// MaxAmount is the largest size worth quoting on the pool; nil means no limit.
func (f *PoolFitness) MaxAmount(key string) *big.Int {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.pools[key]
	if !ok || s.ceiling == nil {
		return nil
	}
	return new(big.Int).Set(s.ceiling)
}

// Sizes lists the ladder rungs worth quoting on the pool, smallest first:
// none while it is unfit, everything up to its learned ceiling otherwise.
func (f *PoolFitness) Sizes(key string) []*big.Int {
	if !f.IsFit(key) {
		return nil
	}
	ceiling := f.MaxAmount(key)
	if ceiling == nil {
		out := make([]*big.Int, len(f.ladder))
		for i, a := range f.ladder {
			out[i] = new(big.Int).Set(a)
		}
		return out
	}
	down := f.RetryAmounts(ceiling)
	out := make([]*big.Int, 0, len(down)+1)
	for i := len(down) - 1; i >= 0; i-- {
		out = append(out, down[i])
	}
	return append(out, ceiling)
}

// IsFit reports whether the pool is still quoted. with a reprobe window set,
// an unfit pool comes back capped at the smallest size, one failure away
// from being written off again.
func (f *PoolFitness) IsFit(key string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.pools[key]
	if !ok || s.minFailures < unfitAfter {
		return true
	}
	if f.reprobe <= 0 || f.now == nil || f.now().Before(s.unfitAt.Add(f.reprobe)) {
		return false
	}
	s.minFailures = unfitAfter - 1
	s.ceiling = new(big.Int).Set(f.ladder[0])
	s.strikes = make(map[string]int)
	s.atCeiling = 0
	return true
}

// FailureRate is the share of failures among the pool's recent outcomes.
func (f *PoolFitness) FailureRate(key string) decimal.Decimal {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.pools[key]
	if !ok || len(s.outcomes) == 0 {
		return decimal.Zero
	}
	failed := 0
	for _, o := range s.outcomes {
		if o {
			failed++
		}
	}
	return decimal.NewFromInt(int64(failed)).DivRound(decimal.NewFromInt(int64(len(s.outcomes))), 4)
}

// SuggestSmallerAmount is one ladder rung below amount's bracket, nil at the bottom.
func (f *PoolFitness) SuggestSmallerAmount(amount *big.Int) *big.Int {
	bracket := -1
	for i, a := range f.ladder {
		if amount.Cmp(a) >= 0 {
			bracket = i
		}
	}
	if bracket > 0 {
		return new(big.Int).Set(f.ladder[bracket-1])
	}
	return nil
}

// RetryAmounts lists the ladder sizes below start, largest first.
func (f *PoolFitness) RetryAmounts(start *big.Int) []*big.Int {
	var out []*big.Int
	for i := len(f.ladder) - 1; i >= 0; i-- {
		if f.ladder[i].Cmp(start) < 0 {
			out = append(out, new(big.Int).Set(f.ladder[i]))
		}
	}
	return out
}

func (f *PoolFitness) isMin(amount *big.Int) bool {
	return amount.Cmp(f.ladder[0]) <= 0
}

// larger returns the next rung up, or nil once the top is reached (no limit).
func (f *PoolFitness) larger(amount *big.Int) *big.Int {
	for _, a := range f.ladder {
		if a.Cmp(amount) > 0 {
			return new(big.Int).Set(a)
		}
	}
	return nil
}
