package paper

import (
	"bufio"
	"encoding/json"
	"math/big"
	"os"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pulkyeet/spread-scanner/internal/arbitrage"
)

var fixedNow = func() time.Time { return time.Date(2026, 1, 12, 10, 0, 0, 0, time.UTC) }

func newSession(t *testing.T, cooldown uint64, simulateBlocked bool) *Session {
	t.Helper()
	s, err := NewSession(SessionConfig{
		Dir:             t.TempDir(),
		SessionID:       "test_session",
		CooldownBlocks:  cooldown,
		SimulateBlocked: simulateBlocked,
		Now:             fixedNow,
	}, nil, nil)
	require.NoError(t, err)
	return s
}

// trade is a 1 WETH decision at 2500 USDC, net bps as given
func trade(spreadID string, block uint64, netBps int64, ready bool) *Trade {
	notional := decimal.NewFromInt(2500)
	bps := decimal.NewFromInt(netBps)
	return &Trade{
		SpreadID:           spreadID,
		OpportunityID:      arbitrage.OpportunityID(spreadID, block),
		BlockNumber:        block,
		ChainID:            42161,
		Pair:               "WETH/USDC",
		BuyDex:             "uniswap_v3",
		SellDex:            "sushiswap_v3",
		BuyFee:             500,
		SellFee:            500,
		AmountIn:           "1000000000000000000",
		NetPnlBps:          arbitrage.FormatBps(bps),
		Numeraire:          "USDC",
		AmountInNum:        arbitrage.FormatMoney(notional),
		ExpectedPnl:        arbitrage.FormatMoney(arbitrage.PnlFromBps(notional, bps)),
		Profitable:         netBps > 0,
		EconomicExecutable: netBps > 0,
		ExecutionReady:     ready && netBps > 0,
	}
}

func record(t *testing.T, s *Session, tr *Trade) bool {
	t.Helper()
	ok, err := s.RecordTrade(tr)
	require.NoError(t, err)
	return ok
}

func TestScenarioCCooldown(t *testing.T) {
	s := newSession(t, 10, true)
	assert.False(t, s.IsOnCooldown("s", 100))

	assert.True(t, record(t, s, trade("s", 100, 10, true)))
	assert.True(t, s.IsOnCooldown("s", 101))

	second := trade("s", 101, 10, true)
	assert.False(t, record(t, s, second))
	assert.Equal(t, Cooldown, second.Outcome)
	assert.Equal(t, 1, s.Stats().CooldownSkipped)
	assert.Equal(t, 1, s.Stats().Decisions)

	assert.True(t, s.IsOnCooldown("s", 109))
	assert.False(t, s.IsOnCooldown("s", 110))
	assert.True(t, record(t, s, trade("s", 110, 10, true)))

	trades, err := s.LoadTrades()
	require.NoError(t, err)
	assert.Len(t, trades, 2, "the cooldown decision is never persisted")
}

func TestOutcomes(t *testing.T) {
	s := newSession(t, 5, true)

	ready := trade("ready", 100, 10, true)
	record(t, s, ready)
	assert.Equal(t, WouldExecute, ready.Outcome)

	blocked := trade("blocked", 100, 10, false)
	record(t, s, blocked)
	assert.Equal(t, BlockedExec, blocked.Outcome)

	// Scenario E: ready flags do not matter once the pnl is not positive
	loss := trade("loss", 100, -5, true)
	loss.ExecutionReady = true
	record(t, s, loss)
	assert.Equal(t, Unprofitable, loss.Outcome)

	zero := trade("zero", 100, 0, true)
	record(t, s, zero)
	assert.Equal(t, Unprofitable, zero.Outcome)

	st := s.Stats()
	assert.Equal(t, 1, st.WouldExecute)
	assert.Equal(t, 1, st.BlockedExec)
	assert.Equal(t, 2, st.Unprofitable)
	assert.Equal(t, "2.500000", arbitrage.FormatMoney(st.WouldExecutePnl))
	assert.Equal(t, "10", st.TotalPnlBps.String(), "only WOULD_EXECUTE adds pnl")
}

func TestBlockedNotPersistedWithoutSimulation(t *testing.T) {
	s := newSession(t, 5, false)
	blocked := trade("blocked", 100, 10, false)
	assert.False(t, record(t, s, blocked))
	assert.Equal(t, BlockedExec, blocked.Outcome)
	assert.Equal(t, 1, s.Stats().BlockedExec)

	trades, err := s.LoadTrades()
	require.NoError(t, err)
	assert.Empty(t, trades)
}

func TestLedgerIsJSONL(t *testing.T) {
	s := newSession(t, 5, true)
	record(t, s, trade("spread_1", 100, 10, true))
	record(t, s, trade("spread_2", 200, 10, true))

	f, err := os.Open(s.LedgerPath())
	require.NoError(t, err)
	defer f.Close()

	var lines []map[string]any
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var m map[string]any
		require.NoError(t, json.Unmarshal(sc.Bytes(), &m))
		lines = append(lines, m)
	}
	require.Len(t, lines, 2)
	assert.Equal(t, "decision", lines[0]["record_type"])
	assert.Equal(t, "spread_1", lines[0]["spread_id"])
	assert.Equal(t, "2.500000", lines[0]["expected_pnl_numeraire"])
	assert.Equal(t, "2500.000000", lines[0]["amount_in_numeraire"])
	assert.Equal(t, "opp_spread_1_100", lines[0]["opportunity_id"])
	assert.Equal(t, "2026-01-12T10:00:00Z", lines[0]["timestamp"])
}

func TestRevalidation(t *testing.T) {
	s := newSession(t, 5, true)
	record(t, s, trade("keep", 100, 190, true))
	record(t, s, trade("flip", 100, 190, true))
	record(t, s, trade("blocked", 100, 190, false))

	assert.Empty(t, s.PendingRevalidation(100, 1), "no new block yet")
	pending := s.PendingRevalidation(102, 1)
	require.Len(t, pending, 2)
	assert.Equal(t, "flip", pending[0].SpreadID)
	assert.Equal(t, "keep", pending[1].SpreadID)

	ok, err := s.Revalidate("keep", 100, 105, true, decimal.NewFromInt(180))
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.Revalidate("flip", 100, 105, false, decimal.NewFromInt(-10))
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.Revalidate("flip", 100, 106, false, decimal.NewFromInt(-10))
	require.NoError(t, err)
	assert.False(t, ok, "a decision is revalidated once")

	st := s.Stats()
	assert.Equal(t, 2, st.Revalidated)
	assert.Equal(t, 1, st.GatesChanged)
	assert.Equal(t, 1, st.WouldExecute)
	assert.Equal(t, "95.000000", arbitrage.FormatMoney(st.WouldExecutePnl))
	assert.Equal(t, "47.500000", arbitrage.FormatMoney(st.CorrectedPnl))
	assert.Empty(t, s.PendingRevalidation(200, 1))

	trades, err := s.LoadTrades()
	require.NoError(t, err)
	require.Len(t, trades, 3)
	flip := trades[1]
	assert.Equal(t, WouldExecute, flip.Outcome, "the original decision is never rewritten")
	require.NotNil(t, flip.Revalidation)
	assert.Equal(t, GatesChanged, flip.Revalidation.Outcome)
	assert.Equal(t, uint64(105), flip.Revalidation.RevalidationBlock)
	assert.Equal(t, "-10.00", flip.Revalidation.NewNetPnlBps)
	assert.Equal(t, "-2.500000", flip.Revalidation.NewPnl)
	assert.True(t, trades[0].Revalidation.WouldStillExecute)
	assert.Nil(t, trades[2].Revalidation)
}

func TestResumeRebuildsState(t *testing.T) {
	dir := t.TempDir()
	cfg := SessionConfig{Dir: dir, SessionID: "resume", CooldownBlocks: 10, SimulateBlocked: true, Now: fixedNow}
	s, err := NewSession(cfg, nil, nil)
	require.NoError(t, err)
	record(t, s, trade("a", 100, 10, true))
	record(t, s, trade("b", 100, 10, true))
	_, err = s.Revalidate("b", 100, 101, false, decimal.NewFromInt(-1))
	require.NoError(t, err)

	again, err := NewSession(cfg, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, again.Stats().Decisions)
	assert.Equal(t, 1, again.Stats().GatesChanged)
	assert.True(t, again.IsOnCooldown("a", 105))
	pending := again.PendingRevalidation(110, 1)
	require.Len(t, pending, 1)
	assert.Equal(t, "a", pending[0].SpreadID)
	assert.Equal(t, s.Summary(), again.Summary())

	trades, err := again.LoadTrades()
	require.NoError(t, err)
	require.Len(t, trades, 2)
	for _, tr := range trades {
		assert.Equal(t, "2500.000000", tr.AmountInNum)
		assert.Equal(t, "2.500000", tr.ExpectedPnl)
		assert.Equal(t, "10.00", tr.NetPnlBps)
	}
	require.NotNil(t, trades[1].Revalidation)
	assert.Equal(t, "2.500000", trades[1].Revalidation.OriginalPnl)
	assert.Equal(t, "-0.250000", trades[1].Revalidation.NewPnl)
	assert.Equal(t, "-1.00", trades[1].Revalidation.NewNetPnlBps)
	assert.Equal(t, "5.000000", arbitrage.FormatMoney(again.Stats().WouldExecutePnl))
	assert.Equal(t, "2.500000", arbitrage.FormatMoney(again.Stats().CorrectedPnl))
}

type recorder struct {
	decisions []Trade
	revals    []Revalidation
}

func (r *recorder) RecordDecision(t Trade) error         { r.decisions = append(r.decisions, t); return nil }
func (r *recorder) RecordRevalidation(v Revalidation) error { r.revals = append(r.revals, v); return nil }

func TestRecorderMirrorsLedger(t *testing.T) {
	rec := &recorder{}
	s, err := NewSession(SessionConfig{Dir: t.TempDir(), SessionID: "m", Now: fixedNow}, rec, nil)
	require.NoError(t, err)
	record(t, s, trade("a", 100, 10, true))
	record(t, s, trade("a", 101, 10, true))
	_, err = s.Revalidate("a", 100, 102, true, decimal.NewFromInt(9))
	require.NoError(t, err)

	require.Len(t, rec.decisions, 1)
	assert.Equal(t, "m", rec.decisions[0].SessionID)
	require.Len(t, rec.revals, 1)
	assert.Equal(t, WouldExecute, rec.revals[0].Outcome)
}

func TestTradeFromSpread(t *testing.T) {
	size := new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)
	sp := arbitrage.Spread{
		ID:                "USDC/WETH_uniswap_v3_sushiswap_v3_500_500_1000000000000000000",
		OpportunityID:     "opp_x_100",
		Pair:              "WETH/USDC",
		BlockNumber:       100,
		BuyLeg:            arbitrage.Quote{Pool: arbitrage.Pool{DexID: "uniswap_v3", Fee: 500, Verified: true}, Size: size},
		SellLeg:           arbitrage.Quote{Pool: arbitrage.Pool{DexID: "sushiswap_v3", Fee: 500, Verified: true}, Size: size},
		BuyPrice:          decimal.NewFromInt(2500),
		SellPrice:         decimal.RequireFromString("2502.5"),
		SpreadBps:         decimal.NewFromInt(10),
		GasCostBps:        decimal.Zero,
		GasCostWei:        big.NewInt(0),
		NetPnlBps:         decimal.NewFromInt(10),
		AmountInNumeraire: arbitrage.NumeraireValue(size, 18, decimal.NewFromInt(2500)),
		Confidence:        decimal.RequireFromString("0.8"),
		Profitable:        true,
		ExecutionReady:    true,
	}
	sp.NetPnlNumeraire = arbitrage.PnlFromBps(sp.AmountInNumeraire, sp.NetPnlBps)

	tr := TradeFromSpread(sp, 42161, "USDC")
	assert.Equal(t, "2500.000000", tr.AmountInNum)
	assert.Equal(t, "2.500000", tr.ExpectedPnl)
	assert.Equal(t, "2502.500000", tr.SellPrice)
	assert.Equal(t, "1000000000000000000", tr.AmountIn)
	assert.Equal(t, "0.8000", tr.Confidence)
	assert.Equal(t, WouldExecute, Classify(&tr))
}

func TestOutcomeFollowsExactFlagsNotRoundedBps(t *testing.T) {
	size := new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)
	net := decimal.RequireFromString("0.004")
	sp := arbitrage.Spread{
		ID:                 "USDC/WETH_uniswap_v3_sushiswap_v3_500_500_1000000000000000000",
		OpportunityID:      "opp_thin_100",
		Pair:               "WETH/USDC",
		BlockNumber:        100,
		BuyLeg:             arbitrage.Quote{Pool: arbitrage.Pool{DexID: "uniswap_v3", Fee: 500}, Size: size},
		SellLeg:            arbitrage.Quote{Pool: arbitrage.Pool{DexID: "sushiswap_v3", Fee: 500}, Size: size},
		NetPnlBps:          net,
		AmountInNumeraire:  decimal.NewFromInt(2500),
		NetPnlNumeraire:    arbitrage.PnlFromBps(decimal.NewFromInt(2500), net),
		Confidence:         decimal.RequireFromString("0.9"),
		Profitable:         true,
		EconomicExecutable: true,
		ExecutionReady:     true,
	}

	tr := TradeFromSpread(sp, 42161, "USDC")
	assert.Equal(t, "0.00", tr.NetPnlBps)
	assert.True(t, tr.Profitable)

	s := newSession(t, 5, true)
	assert.True(t, record(t, s, &tr))
	assert.Equal(t, WouldExecute, tr.Outcome)
	assert.Equal(t, 1, s.Stats().WouldExecute)
	assert.Zero(t, s.Stats().Unprofitable)

	trades, err := s.LoadTrades()
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.True(t, trades[0].Profitable)
	assert.Equal(t, WouldExecute, trades[0].Outcome)
}
