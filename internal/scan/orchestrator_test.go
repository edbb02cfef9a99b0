package scan

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pulkyeet/spread-scanner/internal/arbitrage"
	"github.com/pulkyeet/spread-scanner/internal/artifacts"
	"github.com/pulkyeet/spread-scanner/internal/config"
	"github.com/pulkyeet/spread-scanner/internal/errcode"
	"github.com/pulkyeet/spread-scanner/internal/eth"
	"github.com/pulkyeet/spread-scanner/internal/paper"
	"github.com/pulkyeet/spread-scanner/internal/truth"
)

var testNow = time.Date(2026, 1, 12, 10, 30, 5, 0, time.UTC)

func fixedNow() time.Time { return testNow }

type fakeChain struct {
	block    uint64
	blockErr error
	gasPrice *big.Int
	gasErr   error
}

func (c *fakeChain) BlockNumber(context.Context) (uint64, error) {
	return c.block, c.blockErr
}

func (c *fakeChain) GetGasPrice(context.Context) (*big.Int, int64, error) {
	if c.gasErr != nil {
		return nil, 0, c.gasErr
	}
	return c.gasPrice, 5, nil
}

func (c *fakeChain) Health() []eth.EndpointHealth { return nil }

// fakeQuoter prices every pool of a dex at a flat USDC-per-WETH price per direction.
type fakeQuoter struct {
	mu     sync.Mutex
	prices map[string]int64 // dex|DIRECTION -> whole USDC per WETH
	fail   map[string]error // pool fitness key -> error
	slow   map[string]bool  // dex|DIRECTION -> block until ctx is done
	calls  atomic.Int64
}

func newFakeQuoter() *fakeQuoter {
	return &fakeQuoter{
		prices: map[string]int64{
			"uniswap_v3|SELL":   3000,
			"uniswap_v3|BUY":    3000,
			"sushiswap_v3|SELL": 3030,
			"sushiswap_v3|BUY":  3040,
		},
		fail: map[string]error{},
		slow: map[string]bool{},
	}
}

func (f *fakeQuoter) setPrice(dex string, dir arbitrage.Direction, price int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prices[dex+"|"+string(dir)] = price
}

func (f *fakeQuoter) GetQuote(ctx context.Context, req arbitrage.QuoteRequest) (arbitrage.Quote, error) {
	f.calls.Add(1)
	f.mu.Lock()
	price := f.prices[req.Pool.DexID+"|"+string(req.Direction)]
	err := f.fail[req.Pool.FitnessKey()]
	slow := f.slow[req.Pool.DexID+"|"+string(req.Direction)]
	f.mu.Unlock()

	if slow {
		<-ctx.Done()
		return arbitrage.Quote{}, ctx.Err()
	}
	if err != nil {
		return arbitrage.Quote{}, err
	}

	ticks := uint32(2)
	q := arbitrage.Quote{
		Pool:         req.Pool,
		Direction:    req.Direction,
		Size:         req.Size,
		AmountIn:     req.AmountIn,
		BlockNumber:  req.Block,
		TimestampMs:  testNow.UnixMilli(),
		GasEstimate:  150000,
		TicksCrossed: &ticks,
		LatencyMs:    20,
		Endpoint:     "https://rpc.test",
	}
	scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(12), nil)
	if req.Direction == arbitrage.Sell {
		q.TokenIn, q.TokenOut = req.Pool.Base, req.Pool.Counter
		// wei * price / 1e12 = usdc units
		out := new(big.Int).Mul(req.AmountIn, big.NewInt(price))
		q.AmountOut = out.Quo(out, scale)
	} else {
		q.TokenIn, q.TokenOut = req.Pool.Counter, req.Pool.Base
		out := new(big.Int).Mul(req.AmountIn, scale)
		q.AmountOut = out.Quo(out, big.NewInt(price))
	}
	return q, nil
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Defaults()
	cfg.Scan.Pairs = []string{"WETH/USDC"}
	cfg.Scan.Dexes = []string{"uniswap_v3", "sushiswap_v3"}
	cfg.Scan.AnchorDex = "uniswap_v3"
	cfg.Scan.Sizes = []string{"1000000000000000000"}
	cfg.Scan.Concurrency = 4
	cfg.Output.Dir = t.TempDir()
	cfg.Paper.Dir = t.TempDir()
	return &cfg
}

func newTestOrchestrator(t *testing.T, cfg *config.Config, chain *fakeChain, q *fakeQuoter, deps Deps) *Orchestrator {
	t.Helper()
	deps.Chain = chain
	deps.Quoter = q
	deps.Now = fixedNow
	o, err := NewOrchestrator(cfg, deps, nil)
	require.NoError(t, err)
	return o
}

func liveChain(block uint64) *fakeChain {
	return &fakeChain{block: block, gasPrice: big.NewInt(10_000_000)}
}

func TestRunCycleBlockPinFailure(t *testing.T) {
	q := newFakeQuoter()
	chain := &fakeChain{blockErr: errors.New("all endpoints down")}
	o := newTestOrchestrator(t, testConfig(t), chain, q, Deps{})

	res, err := o.RunCycle(context.Background())
	require.Error(t, err)
	assert.Nil(t, res)
	assert.ErrorIs(t, err, ErrBlockPinFailed)
	assert.Equal(t, errcode.InfraBlockPinFailed, errcode.CodeOf(err))
	assert.Zero(t, q.calls.Load())
}

func TestRunCycleBuildsSpreads(t *testing.T) {
	o := newTestOrchestrator(t, testConfig(t), liveChain(100), newFakeQuoter(), Deps{})
	require.Len(t, o.Pools(), 4)

	res, err := o.RunCycle(context.Background())
	require.NoError(t, err)

	assert.Equal(t, uint64(100), res.Block)
	assert.False(t, res.GasPriceFallback)
	assert.Equal(t, 8, res.Stats.QuotesAttempted)
	assert.Equal(t, 8, res.Stats.QuotesFetched)
	assert.Equal(t, 8, res.Stats.QuotesPassedGates)
	assert.Empty(t, res.Stats.RejectHistogram)
	assert.Equal(t, []string{"sushiswap_v3", "uniswap_v3"}, res.Stats.DexesPassedGates)

	// two fee tiers on each side, both orientations
	require.Len(t, res.Spreads, 8)
	ready := 0
	for _, sp := range res.Spreads {
		assert.NotEqual(t, sp.BuyLeg.Pool.DexID, sp.SellLeg.Pool.DexID)
		if !sp.ExecutionReady {
			assert.NotEmpty(t, sp.BlockedReason)
			continue
		}
		ready++
		assert.Equal(t, "uniswap_v3", sp.BuyLeg.Pool.DexID)
		assert.Equal(t, "100.00", arbitrage.FormatBps(sp.SpreadBps))
		assert.Equal(t, "99.97", arbitrage.FormatBps(sp.NetPnlBps))
		assert.Equal(t, "3000.000000", arbitrage.FormatMoney(sp.AmountInNumeraire))
	}
	assert.Equal(t, 4, ready)

	r := res.Report
	assert.Empty(t, r.InvariantViolations)
	assert.Equal(t, 4, r.Stats.ExecutionReadyCount)
	assert.Equal(t, "1.0000", r.Stats.GatePassRate)
	require.NotEmpty(t, r.TopOpportunities)
	assert.Equal(t, 1, r.TopOpportunities[0].Rank)
	assert.True(t, r.TopOpportunities[0].ExecutionReady)

	snap := res.Snapshot
	assert.Equal(t, "rpc", snap.GasPriceSource)
	assert.Equal(t, "3000.000000", snap.NativePrice)
	assert.Len(t, snap.SamplePassed, 8)
	assert.Empty(t, snap.SampleRejects)
	assert.Len(t, snap.Spreads, 8)
}

func TestRunCycleCountsFetchFailures(t *testing.T) {
	q := newFakeQuoter()
	q.fail["USDC/WETH_sushiswap_v3_3000"] = errcode.New(errcode.InfraRPCError, "upstream 502")
	o := newTestOrchestrator(t, testConfig(t), liveChain(100), q, Deps{})

	res, err := o.RunCycle(context.Background())
	require.NoError(t, err)

	st := res.Stats
	assert.Equal(t, 8, st.QuotesAttempted)
	assert.Equal(t, 2, st.QuotesFetchFailed)
	assert.Equal(t, 6, st.QuotesFetched)
	assert.Equal(t, st.QuotesFetched, st.QuotesPassedGates+st.QuotesRejectedByGates+st.QuotesCodeErrors)
	assert.Equal(t, 2, st.RejectHistogram[errcode.InfraRPCError])

	assert.Empty(t, res.Report.InvariantViolations)
	assert.Equal(t, 2, res.Report.RejectHistogram[string(errcode.InfraRPCError)])
	assert.Len(t, res.Snapshot.InfraSamples, 2)
	assert.Len(t, res.Spreads, 4)

	// rpc errors are not the pool's fault
	assert.False(t, o.Quarantine().IsQuarantined("USDC/WETH_sushiswap_v3_3000"))
}

func TestRunCycleGasPriceFallback(t *testing.T) {
	chain := liveChain(100)
	chain.gasErr = errors.New("timeout")
	cfg := testConfig(t)
	o := newTestOrchestrator(t, cfg, chain, newFakeQuoter(), Deps{})

	res, err := o.RunCycle(context.Background())
	require.NoError(t, err)
	assert.True(t, res.GasPriceFallback)
	assert.Equal(t, cfg.GasPriceFallback().String(), res.GasPriceWei.String())
	assert.Equal(t, "fallback", res.Snapshot.GasPriceSource)
}

func TestRevertingPoolIsQuarantined(t *testing.T) {
	q := newFakeQuoter()
	q.fail["USDC/WETH_sushiswap_v3_3000"] = errcode.New(errcode.QuoteRevert, "execution reverted")
	o := newTestOrchestrator(t, testConfig(t), liveChain(100), q, Deps{})

	res, err := o.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, res.Stats.QuotesRejectedByGates)
	assert.Equal(t, 2, res.Stats.RejectHistogram[errcode.QuoteRevert])
	assert.False(t, o.Quarantine().IsQuarantined("USDC/WETH_sushiswap_v3_3000"))

	_, err = o.RunCycle(context.Background())
	require.NoError(t, err)
	assert.True(t, o.Quarantine().IsQuarantined("USDC/WETH_sushiswap_v3_3000"))

	res, err = o.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Stats.PoolsQuarantined)
	assert.Equal(t, 3, res.Stats.PoolsScanned)
	assert.Equal(t, 6, res.Stats.QuotesAttempted)
	require.NotNil(t, res.Report.Quarantine)
	assert.Equal(t, []string{"USDC/WETH_sushiswap_v3_3000"}, res.Report.Quarantine.Keys)

	var quarantined []string
	for _, p := range res.Snapshot.Pools {
		if p.Status == string(arbitrage.PoolQuarantined) {
			quarantined = append(quarantined, p.Key)
		}
	}
	assert.Equal(t, []string{"USDC/WETH_sushiswap_v3_3000"}, quarantined)
}

func TestPaperSessionCooldownAndRevalidation(t *testing.T) {
	cfg := testConfig(t)
	sess, err := paper.NewSession(paper.SessionConfig{
		Dir:             cfg.Paper.Dir,
		SessionID:       "paper_test",
		CooldownBlocks:  10,
		SimulateBlocked: true,
		Now:             fixedNow,
	}, nil, nil)
	require.NoError(t, err)

	chain := liveChain(100)
	q := newFakeQuoter()
	o := newTestOrchestrator(t, cfg, chain, q, Deps{Session: sess})

	res, err := o.RunCycle(context.Background())
	require.NoError(t, err)
	st := sess.Stats()
	assert.Equal(t, 8, st.Decisions)
	assert.Equal(t, 4, st.WouldExecute)
	assert.Equal(t, 4, st.Unprofitable)
	assert.Equal(t, "119.964000", arbitrage.FormatMoney(st.WouldExecutePnl))
	assert.Equal(t, 4, res.Report.PnL.PaperWouldExecute)

	// next block the sell side has closed the gap
	chain.block = 101
	q.setPrice("sushiswap_v3", arbitrage.Sell, 3000)
	res, err = o.RunCycle(context.Background())
	require.NoError(t, err)

	st = sess.Stats()
	assert.Equal(t, 8, st.Decisions, "same spreads inside the cooldown are not decided again")
	assert.Equal(t, 8, st.CooldownSkipped)
	assert.Equal(t, 4, st.Revalidated)
	assert.Equal(t, 4, st.GatesChanged)
	assert.True(t, st.CorrectedPnl.IsZero())
	assert.Equal(t, 4, res.Report.PnL.PaperCorrections)
	assert.Equal(t, "0.000000", res.Report.PnL.CorrectedPnl)

	trades, revals, err := paper.ReadLedger(sess.LedgerPath())
	require.NoError(t, err)
	assert.Len(t, trades, 8)
	require.Len(t, revals, 4)
	for _, r := range revals {
		assert.Equal(t, paper.GatesChanged, r.Outcome)
		assert.Equal(t, uint64(100), r.OriginalBlock)
		assert.Equal(t, uint64(101), r.RevalidationBlock)
	}
}

func TestRunCycleWritesArtifacts(t *testing.T) {
	cfg := testConfig(t)
	cfg.Output.Tape = true
	sink, err := artifacts.NewFileSink(cfg.Output.Dir)
	require.NoError(t, err)
	o := newTestOrchestrator(t, cfg, liveChain(100), newFakeQuoter(), Deps{Sink: sink})

	res, err := o.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Empty(t, res.ArtifactErrors)
	assert.Equal(t, []string{
		artifacts.SnapshotKey(testNow),
		artifacts.HistogramKey(testNow),
		artifacts.TruthReportKey(testNow),
		artifacts.TapeKey(testNow),
	}, res.ArtifactKeys)

	b, err := os.ReadFile(sink.Path(artifacts.TruthReportKey(testNow)))
	require.NoError(t, err)
	var report truth.TruthReport
	require.NoError(t, json.Unmarshal(b, &report))
	assert.Equal(t, truth.SchemaVersion, report.SchemaVersion)
	assert.Equal(t, uint64(100), report.CurrentBlock)
	assert.Equal(t, 8, report.Stats.QuotesAttempted)

	b, err = os.ReadFile(sink.Path(artifacts.HistogramKey(testNow)))
	require.NoError(t, err)
	var hist RejectHistogram
	require.NoError(t, json.Unmarshal(b, &hist))
	assert.Equal(t, 8, hist.QuotesTotal)
	assert.Equal(t, 8, hist.GatesPassed)

	rows, err := artifacts.ReadTapeFile(sink.Path(artifacts.TapeKey(testNow)))
	require.NoError(t, err)
	require.Len(t, rows, 8)
	for _, row := range rows {
		assert.Equal(t, res.CycleID, row.CycleID)
		assert.Equal(t, int64(100), row.BlockNumber)
		assert.Equal(t, string(statusPassed), row.Status)
		require.NotNil(t, row.TicksCrossed)
		assert.Equal(t, int32(2), *row.TicksCrossed)
	}
}

func TestDeadlineAbandonsSlowQuotes(t *testing.T) {
	cfg := testConfig(t)
	cfg.Scan.Deadline.Duration = 100 * time.Millisecond
	q := newFakeQuoter()
	q.slow["sushiswap_v3|BUY"] = true
	o := newTestOrchestrator(t, cfg, liveChain(100), q, Deps{})

	start := time.Now()
	res, err := o.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 5*time.Second)

	st := res.Stats
	assert.Equal(t, 8, st.QuotesAttempted)
	assert.Equal(t, 2, st.QuotesFetchFailed)
	assert.Equal(t, 6, st.QuotesPassedGates)
	assert.Equal(t, 2, st.RejectHistogram[errcode.InfraRPCTimeout])
	// only the uniswap buys survived to pair with the sushiswap sells
	assert.Len(t, res.Spreads, 4)
	assert.Empty(t, res.Report.InvariantViolations)
}

func TestNewOrchestratorRejectsBadInput(t *testing.T) {
	_, err := NewOrchestrator(nil, Deps{}, nil)
	require.Error(t, err)

	cfg := testConfig(t)
	_, err = NewOrchestrator(cfg, Deps{}, nil)
	require.Error(t, err)

	cfg.Scan.Pairs = []string{"WETH/DOGE"}
	_, err = NewOrchestrator(cfg, Deps{Chain: liveChain(1), Quoter: newFakeQuoter()}, nil)
	require.Error(t, err)
}
