// Package scan runs one scan cycle end to end: pin a block, fetch a ladder of
// quotes across every configured pool, gate them, build and score cross-dex
// spreads, feed the paper session and emit the cycle's artifacts.
package scan

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/pulkyeet/spread-scanner/internal/arbitrage"
	"github.com/pulkyeet/spread-scanner/internal/artifacts"
	"github.com/pulkyeet/spread-scanner/internal/config"
	"github.com/pulkyeet/spread-scanner/internal/errcode"
	"github.com/pulkyeet/spread-scanner/internal/eth"
	"github.com/pulkyeet/spread-scanner/internal/gates"
	"github.com/pulkyeet/spread-scanner/internal/paper"
	"github.com/pulkyeet/spread-scanner/internal/storage"
	"github.com/pulkyeet/spread-scanner/internal/truth"
)

// ErrBlockPinFailed aborts a cycle before any quote is requested.
var ErrBlockPinFailed = errcode.New(errcode.InfraBlockPinFailed, "could not pin a block for the cycle")

// Chain is the part of the rpc client a cycle needs besides quoting.
type Chain interface {
	BlockNumber(ctx context.Context) (uint64, error)
	GetGasPrice(ctx context.Context) (*big.Int, int64, error)
	Health() []eth.EndpointHealth
}

type Deps struct {
	Chain  Chain
	Quoter arbitrage.Quoter
	// optional
	Sink    artifacts.Sink
	Session *paper.Session
	History *storage.HistoryDB
	Now     func() time.Time
}

type Orchestrator struct {
	cfg    *config.Config
	deps   Deps
	logger *slog.Logger

	pools      []arbitrage.Pool
	ladder     []*big.Int
	engine     *gates.Engine
	fitness    *gates.PoolFitness
	quarantine *gates.Quarantine
	policy     truth.Policy
}

// CycleResult is everything one cycle produced.
type CycleResult struct {
	CycleID          string
	Block            uint64
	GasPriceWei      *big.Int
	GasPriceFallback bool
	Stats            truth.CycleStats
	Spreads          []arbitrage.Spread
	Report           *truth.TruthReport
	Snapshot         *Snapshot
	ArtifactKeys     []string
	ArtifactErrors   []error
	Duration         time.Duration
}

func NewOrchestrator(cfg *config.Config, deps Deps, logger *slog.Logger) (*Orchestrator, error) {
	if cfg == nil {
		return nil, errors.New("scan: config is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if deps.Chain == nil || deps.Quoter == nil {
		return nil, errors.New("scan: chain and quoter are required")
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}

	pools, err := arbitrage.BuildPools(cfg.Chain.ChainID, cfg.Scan.Pairs, cfg.Scan.Dexes)
	if err != nil {
		return nil, fmt.Errorf("build pools: %w", err)
	}

	ladder := cfg.SizeLadder()
	fitness := gates.NewPoolFitness(ladder)
	// written-off pools get another look on the quarantine schedule
	fitness.SetReprobe(cfg.Quarantine.Duration.Duration, deps.Now)
	return &Orchestrator{
		cfg:        cfg,
		deps:       deps,
		logger:     logger.With("component", "scan"),
		pools:      pools,
		ladder:     ladder,
		engine:     gates.NewEngine(cfg.GateThresholds()),
		fitness:    fitness,
		quarantine: gates.NewQuarantine(cfg.Quarantine.Threshold, cfg.Quarantine.Duration.Duration, deps.Now),
		policy:     cfg.ConfidencePolicy(),
	}, nil
}

func (o *Orchestrator) Pools() []arbitrage.Pool        { return o.pools }
func (o *Orchestrator) Quarantine() *gates.Quarantine { return o.quarantine }
func (o *Orchestrator) Fitness() *gates.PoolFitness   { return o.fitness }

// RunCycle scans every active pool at one pinned block. only a failed block
// pin is an error; everything past it ends up in the result and its report.
func (o *Orchestrator) RunCycle(ctx context.Context) (*CycleResult, error) {
	started := o.deps.Now()
	res := &CycleResult{CycleID: uuid.NewString()}
	log := o.logger.With("cycle_id", res.CycleID)

	block, err := o.deps.Chain.BlockNumber(ctx)
	if err != nil {
		log.Error("block pin failed", slog.Any("err", err))
		return nil, fmt.Errorf("%w: %w", ErrBlockPinFailed, err)
	}
	res.Block = block
	log = log.With("block", block)

	gasPrice, _, err := o.deps.Chain.GetGasPrice(ctx)
	if err != nil || gasPrice == nil || gasPrice.Sign() <= 0 {
		gasPrice = o.cfg.GasPriceFallback()
		res.GasPriceFallback = true
		log.Warn("gas price unavailable, using fallback",
			slog.String("gas_price_wei", gasPrice.String()),
			slog.Any("err", err))
	}
	res.GasPriceWei = gasPrice

	cctx, cancel := context.WithTimeout(ctx, o.cfg.Scan.Deadline.Duration)
	defer cancel()

	active, quarantined := o.activePools()

	sells := o.fetch(cctx, o.sellJobs(active, block))
	anchors := o.anchors(sells, block)
	buyJobs, skipped := o.buyJobs(active, anchors, block)
	if skipped > 0 {
		log.Debug("buy quotes skipped without an anchor", slog.Int("count", skipped))
	}
	attempts := append(sells, o.fetch(cctx, buyJobs)...)
	sortAttempts(attempts)

	o.gate(attempts, anchors, block)
	o.learn(attempts, log)

	rpc := rpcMetrics(attempts)
	hist := make(map[errcode.Code]int)
	for _, a := range attempts {
		if a.status != statusPassed {
			hist[a.code]++
		}
	}

	native := o.nativePrice(anchors)
	spreads := o.buildSpreads(attempts, gasPrice, native, log)
	endpoints := o.deps.Chain.Health()
	o.classify(spreads, block, rpc.SuccessRate(), endpointRates(endpoints))
	res.Spreads = spreads

	if o.deps.Session != nil {
		o.revalidate(spreads, block, log)
		o.recordPaper(spreads, log)
	}

	res.Stats = o.cycleStats(attempts, active, quarantined, hist)
	res.Report = truth.BuildTruthReport(truth.ReportInput{
		Timestamp:       started,
		ChainID:         o.cfg.Chain.ChainID,
		Block:           block,
		RunMode:         truth.RunModeRegistryReal,
		Numeraire:       o.cfg.Scan.Numeraire,
		NotionalCapital: o.cfg.NotionalCapital(),
		TopN:            o.cfg.Scan.TopN,
		Stats:           res.Stats,
		RPC:             rpc,
		Endpoints:       endpoints,
		Spreads:         spreads,
		Paper:           o.paperTotals(),
		Quarantine:      o.quarantineBrief(),
	})
	for _, v := range res.Report.InvariantViolations {
		log.Warn("invariant violation", slog.String("violation", v))
	}

	res.Snapshot = o.snapshot(res, started, attempts, anchors, native)
	o.emit(ctx, res, started, attempts, log)

	res.Duration = o.deps.Now().Sub(started)
	o.recordHistory(res, started, log)

	log.Info("cycle complete",
		slog.Int("quotes", res.Stats.QuotesAttempted),
		slog.Int("fetched", res.Stats.QuotesFetched),
		slog.Int("passed", res.Stats.QuotesPassedGates),
		slog.Int("rejected", res.Stats.QuotesRejectedByGates),
		slog.Int("code_errors", res.Stats.QuotesCodeErrors),
		slog.Int("spreads", len(spreads)),
		slog.Int("execution_ready", res.Report.Stats.ExecutionReadyCount),
		slog.String("signal_pnl", res.Report.PnL.SignalPnl),
		slog.Int("quarantined_pools", quarantined),
		slog.Duration("took", res.Duration))
	return res, nil
}

// activePools drops quarantined pools for this cycle. the pool's own status
// is reported as QUARANTINED in the snapshot.
func (o *Orchestrator) activePools() ([]arbitrage.Pool, int) {
	active := make([]arbitrage.Pool, 0, len(o.pools))
	skipped := 0
	for _, p := range o.pools {
		if o.quarantine.IsQuarantined(p.FitnessKey()) {
			skipped++
			continue
		}
		active = append(active, p)
	}
	return active, skipped
}

func (o *Orchestrator) sellJobs(pools []arbitrage.Pool, block uint64) []job {
	var jobs []job
	for _, p := range pools {
		for _, size := range o.fitness.Sizes(p.FitnessKey()) {
			jobs = append(jobs, job{pool: p, dir: arbitrage.Sell, size: size, amountIn: size, block: block})
		}
	}
	return jobs
}

// buyJobs sizes every BUY leg in counter tokens: size * anchor price.
// without an anchor there is no way to size the leg and it is skipped.
func (o *Orchestrator) buyJobs(pools []arbitrage.Pool, anchors map[string]gates.Anchor, block uint64) ([]job, int) {
	var jobs []job
	skipped := 0
	for _, p := range pools {
		for _, size := range o.fitness.Sizes(p.FitnessKey()) {
			anchor, ok := anchors[anchorKey(p.PairKey(), size)]
			if !ok {
				skipped++
				continue
			}
			units := arbitrage.ToUnits(size, p.Base.Decimals).Mul(anchor.Price)
			amountIn := arbitrage.FromUnits(units, p.Counter.Decimals)
			if amountIn.Sign() <= 0 {
				skipped++
				continue
			}
			jobs = append(jobs, job{pool: p, dir: arbitrage.Buy, size: size, amountIn: amountIn, block: block})
		}
	}
	return jobs, skipped
}

func endpointRates(hs []eth.EndpointHealth) map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal, len(hs))
	for _, h := range hs {
		if h.TotalRequests > 0 {
			out[h.URL] = h.SuccessRate()
		}
	}
	return out
}

// revalidate follows up every WOULD_EXECUTE decision old enough. a spread
// that did not come back this cycle would not execute.
func (o *Orchestrator) revalidate(spreads []arbitrage.Spread, block uint64, log *slog.Logger) {
	byID := make(map[string]arbitrage.Spread, len(spreads))
	for _, sp := range spreads {
		byID[sp.ID] = sp
	}
	for _, t := range o.deps.Session.PendingRevalidation(block, o.cfg.Paper.RevalidateBlocks) {
		wouldStill, newBps := false, decimal.Zero
		if sp, ok := byID[t.SpreadID]; ok {
			newBps = sp.NetPnlBps
			wouldStill = sp.ExecutionReady && sp.NetPnlBps.IsPositive()
		}
		if _, err := o.deps.Session.Revalidate(t.SpreadID, t.BlockNumber, block, wouldStill, newBps); err != nil {
			log.Error("paper revalidation failed", slog.String("spread_id", t.SpreadID), slog.Any("err", err))
		}
	}
}

func (o *Orchestrator) recordPaper(spreads []arbitrage.Spread, log *slog.Logger) {
	for _, sp := range spreads {
		t := paper.TradeFromSpread(sp, o.cfg.Chain.ChainID, o.cfg.Scan.Numeraire)
		if _, err := o.deps.Session.RecordTrade(&t); err != nil {
			log.Error("paper decision failed", slog.String("spread_id", sp.ID), slog.Any("err", err))
		}
	}
}

func (o *Orchestrator) paperTotals() truth.PaperTotals {
	if o.deps.Session == nil {
		return truth.PaperTotals{WouldExecutePnl: decimal.Zero, CorrectedPnl: decimal.Zero}
	}
	st := o.deps.Session.Stats()
	return truth.PaperTotals{
		SessionID:        o.deps.Session.ID(),
		TotalDecisions:   st.Decisions,
		WouldExecute:     st.WouldExecute,
		Blocked:          st.BlockedExec,
		Corrections:      st.GatesChanged,
		WouldExecutePnl:  st.WouldExecutePnl,
		CorrectedPnl:     st.CorrectedPnl,
		CooldownSkipped:  st.CooldownSkipped,
		RevalidatedCount: st.Revalidated,
	}
}

func (o *Orchestrator) quarantineBrief() *truth.QuarantineBrief {
	st := o.quarantine.Stats()
	return &truth.QuarantineBrief{
		Total:   st.TotalQuarantines,
		Active:  st.Active,
		Tracked: st.Tracked,
		Keys:    st.ActiveKeys,
	}
}

func (o *Orchestrator) cycleStats(attempts []*attempt, active []arbitrage.Pool, quarantined int, hist map[errcode.Code]int) truth.CycleStats {
	st := truth.CycleStats{
		QuotesAttempted:  len(attempts),
		ChainsActive:     1,
		PoolsScanned:     len(active),
		PoolsQuarantined: quarantined,
		ConfiguredDexes:  append([]string(nil), o.cfg.Scan.Dexes...),
		RejectHistogram:  hist,
	}
	pairs := make(map[string]bool)
	withQuotes := make(map[string]bool)
	passed := make(map[string]bool)
	for _, a := range attempts {
		pairs[a.job.pool.PairKey()] = true
		switch a.status {
		case statusFetchFailed:
			st.QuotesFetchFailed++
			continue
		case statusPassed:
			st.QuotesPassedGates++
			passed[a.job.pool.DexID] = true
		case statusRejected:
			st.QuotesRejectedByGates++
		case statusCodeError:
			st.QuotesCodeErrors++
		}
		st.QuotesFetched++
		if a.err == nil {
			withQuotes[a.job.pool.DexID] = true
		}
	}
	st.PairsCovered = len(pairs)
	st.DexesWithQuotes = keys(withQuotes)
	st.DexesPassedGates = keys(passed)
	return st
}

func keys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func (o *Orchestrator) recordHistory(res *CycleResult, started time.Time, log *slog.Logger) {
	if o.deps.History == nil {
		return
	}
	reportKey := ""
	for _, k := range res.ArtifactKeys {
		if k == artifacts.TruthReportKey(started) {
			reportKey = k
		}
	}
	err := o.deps.History.RecordCycle(storage.CycleRecord{
		CycleID:             res.CycleID,
		StartedAt:           started.UTC().Format(time.RFC3339),
		ChainID:             o.cfg.Chain.ChainID,
		BlockNumber:         res.Block,
		DurationMs:          res.Duration.Milliseconds(),
		QuotesAttempted:     res.Stats.QuotesAttempted,
		QuotesFetched:       res.Stats.QuotesFetched,
		QuotesPassed:        res.Stats.QuotesPassedGates,
		QuotesRejected:      res.Stats.QuotesRejectedByGates,
		QuotesCodeErrors:    res.Stats.QuotesCodeErrors,
		SpreadsTotal:        res.Report.Stats.TotalSpreads,
		SpreadsProfitable:   res.Report.Stats.ProfitableSpreads,
		SpreadsReady:        res.Report.Stats.ExecutionReadyCount,
		SignalPnl:           res.Report.PnL.SignalPnl,
		InvariantViolations: len(res.Report.InvariantViolations),
		ReportKey:           reportKey,
	})
	if err != nil {
		log.Error("record cycle", slog.Any("err", err))
	}
}
