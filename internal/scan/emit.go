package scan

import (
	"context"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/pulkyeet/spread-scanner/internal/arbitrage"
	"github.com/pulkyeet/spread-scanner/internal/artifacts"
	"github.com/pulkyeet/spread-scanner/internal/gates"
	"github.com/pulkyeet/spread-scanner/internal/truth"
)

// Snapshot is the full picture of one cycle, written to snapshots/.
type Snapshot struct {
	CycleID        string              `json:"cycle_id"`
	RunMode        string              `json:"run_mode"`
	Timestamp      string              `json:"timestamp"`
	ChainID        uint64              `json:"chain_id"`
	PinnedBlock    uint64              `json:"pinned_block"`
	GasPriceWei    string              `json:"gas_price_wei"`
	GasPriceSource string              `json:"gas_price_source"`
	NativePrice    string              `json:"native_price"`
	Anchors        map[string]string   `json:"anchors"`
	Pools          []PoolStatus        `json:"pools"`
	Stats          truth.ReportStats   `json:"stats"`
	SamplePassed   []QuoteSample       `json:"sample_passed"`
	SampleRejects  []QuoteSample       `json:"sample_rejects"`
	InfraSamples   []QuoteSample       `json:"infra_samples"`
	Spreads        []truth.Opportunity `json:"spreads"`
}

type PoolStatus struct {
	Key      string `json:"key"`
	DexID    string `json:"dex_id"`
	Pair     string `json:"pair"`
	Fee      uint32 `json:"fee"`
	Address  string `json:"pool_address"`
	Status   string `json:"status"`
	Verified bool   `json:"verified"`
	// learned size ceiling, empty when unlimited
	MaxSize string `json:"max_size"`
}

// QuoteSample is one attempt as it appears in the snapshot samples.
type QuoteSample struct {
	Key          string         `json:"key"`
	DexID        string         `json:"dex_id"`
	Pair         string         `json:"pair"`
	Fee          uint32         `json:"fee"`
	Direction    string         `json:"direction"`
	Size         string         `json:"size"`
	AmountIn     string         `json:"amount_in"`
	AmountOut    string         `json:"amount_out,omitempty"`
	ImpliedPrice string         `json:"implied_price,omitempty"`
	LatencyMs    int64          `json:"latency_ms"`
	Endpoint     string         `json:"endpoint,omitempty"`
	Status       string         `json:"status"`
	RejectCode   string         `json:"reject_code,omitempty"`
	Error        string         `json:"error,omitempty"`
	Details      map[string]any `json:"details,omitempty"`
}

// RejectHistogram is the standalone histogram artifact.
type RejectHistogram struct {
	RunMode       string              `json:"run_mode"`
	Timestamp     string              `json:"timestamp"`
	ChainID       uint64              `json:"chain_id"`
	CurrentBlock  uint64              `json:"current_block"`
	QuotesTotal   int                 `json:"quotes_total"`
	QuotesFetched int                 `json:"quotes_fetched"`
	GatesPassed   int                 `json:"gates_passed"`
	GatesRejected int                 `json:"gates_rejected"`
	CodeErrors    int                 `json:"code_errors"`
	FetchFailed   int                 `json:"fetch_failed"`
	Histogram     map[string]int      `json:"histogram"`
	GateBreakdown map[string]int      `json:"gate_breakdown"`
	TopRejects    []truth.RejectCount `json:"top_rejects"`
}

const defaultSampleLimit = 10

func (a *attempt) sample() QuoteSample {
	p := a.job.pool
	s := QuoteSample{
		Key:        a.job.key(),
		DexID:      p.DexID,
		Pair:       p.Pair(),
		Fee:        p.Fee,
		Direction:  string(a.job.dir),
		Size:       a.job.size.String(),
		AmountIn:   a.job.amountIn.String(),
		LatencyMs:  a.quote.LatencyMs,
		Endpoint:   a.quote.Endpoint,
		Status:     string(a.status),
		RejectCode: string(a.code),
		Details:    a.details,
	}
	if a.quote.AmountOut != nil {
		s.AmountOut = a.quote.AmountOut.String()
	}
	if price, err := a.quote.ImpliedPrice(); err == nil {
		s.ImpliedPrice = arbitrage.FormatPrice(price)
	}
	if a.err != nil {
		s.Error = a.err.Error()
	}
	return s
}

func (o *Orchestrator) snapshot(res *CycleResult, ts time.Time, attempts []*attempt, anchors map[string]gates.Anchor, native decimal.Decimal) *Snapshot {
	limit := o.cfg.Scan.SampleLimit
	if limit <= 0 {
		limit = defaultSampleLimit
	}
	source := "rpc"
	if res.GasPriceFallback {
		source = "fallback"
	}

	snap := &Snapshot{
		CycleID:        res.CycleID,
		RunMode:        truth.RunModeRegistryReal,
		Timestamp:      ts.UTC().Format(time.RFC3339),
		ChainID:        o.cfg.Chain.ChainID,
		PinnedBlock:    res.Block,
		GasPriceWei:    res.GasPriceWei.String(),
		GasPriceSource: source,
		NativePrice:    arbitrage.FormatPrice(native),
		Anchors:        make(map[string]string, len(anchors)),
		Stats:          res.Report.Stats,
		SamplePassed:   []QuoteSample{},
		SampleRejects:  []QuoteSample{},
		InfraSamples:   []QuoteSample{},
		Spreads:        make([]truth.Opportunity, 0, len(res.Spreads)),
	}
	for k, a := range anchors {
		snap.Anchors[k] = arbitrage.FormatPrice(a.Price)
	}
	for _, p := range o.pools {
		maxSize := ""
		if m := o.fitness.MaxAmount(p.FitnessKey()); m != nil {
			maxSize = m.String()
		}
		status := arbitrage.PoolActive
		if o.quarantine.IsQuarantined(p.FitnessKey()) {
			status = arbitrage.PoolQuarantined
		}
		snap.Pools = append(snap.Pools, PoolStatus{
			Key:      p.FitnessKey(),
			DexID:    p.DexID,
			Pair:     p.Pair(),
			Fee:      p.Fee,
			Address:  p.Address.Hex(),
			Status:   string(status),
			Verified: p.Verified,
			MaxSize:  maxSize,
		})
	}
	for _, a := range attempts {
		switch {
		case a.status == statusPassed:
			if len(snap.SamplePassed) < limit {
				snap.SamplePassed = append(snap.SamplePassed, a.sample())
			}
		case a.status == statusFetchFailed:
			if len(snap.InfraSamples) < limit {
				snap.InfraSamples = append(snap.InfraSamples, a.sample())
			}
		default:
			if len(snap.SampleRejects) < limit {
				snap.SampleRejects = append(snap.SampleRejects, a.sample())
			}
		}
	}
	for _, sp := range truth.RankOpportunities(res.Spreads) {
		snap.Spreads = append(snap.Spreads, truth.NewOpportunity(sp))
	}
	for i := range snap.Spreads {
		snap.Spreads[i].Rank = i + 1
	}
	return snap
}

func (o *Orchestrator) histogram(res *CycleResult, ts time.Time) RejectHistogram {
	return RejectHistogram{
		RunMode:       truth.RunModeRegistryReal,
		Timestamp:     ts.UTC().Format(time.RFC3339),
		ChainID:       o.cfg.Chain.ChainID,
		CurrentBlock:  res.Block,
		QuotesTotal:   res.Stats.QuotesAttempted,
		QuotesFetched: res.Stats.QuotesFetched,
		GatesPassed:   res.Stats.QuotesPassedGates,
		GatesRejected: res.Stats.QuotesRejectedByGates,
		CodeErrors:    res.Stats.QuotesCodeErrors,
		FetchFailed:   res.Stats.QuotesFetchFailed,
		Histogram:     res.Report.RejectHistogram,
		GateBreakdown: res.Report.GateBreakdown,
		TopRejects:    truth.TopRejects(res.Stats.RejectHistogram, o.cfg.Scan.SampleLimit),
	}
}

func tapeRows(cycleID string, block uint64, ts time.Time, attempts []*attempt) []artifacts.TapeRow {
	rows := make([]artifacts.TapeRow, 0, len(attempts))
	for _, a := range attempts {
		p := a.job.pool
		row := artifacts.TapeRow{
			CycleID:     cycleID,
			BlockNumber: int64(block),
			TimestampMs: ts.UnixMilli(),
			Pair:        p.Pair(),
			DexID:       p.DexID,
			Fee:         int32(p.Fee),
			Pool:        p.Address.Hex(),
			Direction:   string(a.job.dir),
			Size:        a.job.size.String(),
			AmountIn:    a.job.amountIn.String(),
			GasEstimate: int64(a.quote.GasEstimate),
			LatencyMs:   a.quote.LatencyMs,
			Endpoint:    a.quote.Endpoint,
			Status:      string(a.status),
			RejectCode:  string(a.code),
		}
		if a.quote.AmountOut != nil {
			row.AmountOut = a.quote.AmountOut.String()
		}
		if price, err := a.quote.ImpliedPrice(); err == nil {
			row.ImpliedPrice = arbitrage.FormatPrice(price)
		}
		if a.quote.TicksCrossed != nil {
			t := int32(*a.quote.TicksCrossed)
			row.TicksCrossed = &t
		}
		rows = append(rows, row)
	}
	return rows
}

// emit writes the cycle's artifacts. a failed write is logged and kept on the
// result, it never fails the cycle.
func (o *Orchestrator) emit(ctx context.Context, res *CycleResult, ts time.Time, attempts []*attempt, log *slog.Logger) {
	if o.deps.Sink == nil {
		return
	}
	put := func(key string, v any) {
		if err := artifacts.WriteJSON(ctx, o.deps.Sink, key, v); err != nil {
			res.ArtifactErrors = append(res.ArtifactErrors, err)
			log.Error("write artifact", slog.String("key", key), slog.Any("err", err))
			return
		}
		res.ArtifactKeys = append(res.ArtifactKeys, key)
	}
	put(artifacts.SnapshotKey(ts), res.Snapshot)
	put(artifacts.HistogramKey(ts), o.histogram(res, ts))
	put(artifacts.TruthReportKey(ts), res.Report)

	if !o.cfg.Output.Tape {
		return
	}
	key, err := artifacts.PutTape(ctx, o.deps.Sink, ts, tapeRows(res.CycleID, res.Block, ts, attempts))
	if err != nil {
		res.ArtifactErrors = append(res.ArtifactErrors, err)
		log.Error("write quote tape", slog.Any("err", err))
		return
	}
	res.ArtifactKeys = append(res.ArtifactKeys, key)
}
