// Package truth turns one scan cycle into a self-checking report: the
// numbers in it must agree with each other, and when they do not the
// disagreement is written into the report instead of being hidden.
package truth

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/pulkyeet/spread-scanner/internal/arbitrage"
	"github.com/pulkyeet/spread-scanner/internal/errcode"
	"github.com/pulkyeet/spread-scanner/internal/eth"
)

// SchemaVersion changes whenever a report field is added, removed or renamed.
const SchemaVersion = "3.1.0"

const (
	RunModeRegistryReal = "REGISTRY_REAL"
	ExecutionModePaper  = "paper"
	LiveExecution       = "disabled: paper trading only, no transactions are sent"

	DefaultTopN = 10
)

// CycleStats are the raw counters of one cycle.
type CycleStats struct {
	QuotesAttempted       int
	QuotesFetched         int
	QuotesFetchFailed     int
	QuotesPassedGates     int
	QuotesRejectedByGates int
	QuotesCodeErrors      int

	ChainsActive     int
	PairsCovered     int
	PoolsScanned     int
	PoolsQuarantined int

	ConfiguredDexes  []string
	DexesWithQuotes  []string
	DexesPassedGates []string

	RejectHistogram map[errcode.Code]int
}

// PaperTotals is the paper session's running account, as of this cycle.
type PaperTotals struct {
	SessionID        string
	TotalDecisions   int
	WouldExecute     int
	Blocked          int
	Corrections      int
	WouldExecutePnl  decimal.Decimal
	CorrectedPnl     decimal.Decimal
	CooldownSkipped  int
	RevalidatedCount int
}

type ReportInput struct {
	Timestamp       time.Time
	ChainID         uint64
	Block           uint64
	RunMode         string
	Numeraire       string
	NotionalCapital decimal.Decimal
	TopN            int

	Stats     CycleStats
	RPC       RPCHealthMetrics
	Endpoints []eth.EndpointHealth
	Spreads   []arbitrage.Spread
	Paper     PaperTotals
	// optional
	Quarantine *QuarantineBrief
}

type ReportStats struct {
	QuotesAttempted       int    `json:"quotes_attempted"`
	QuotesFetched         int    `json:"quotes_fetched"`
	QuotesFetchFailed     int    `json:"quotes_fetch_failed"`
	QuotesPassedGates     int    `json:"quotes_passed_gates"`
	QuotesRejectedByGates int    `json:"quotes_rejected_by_gates"`
	QuotesCodeErrors      int    `json:"quotes_code_errors"`
	GatePassRate          string `json:"gate_pass_rate"`

	TotalSpreads            int `json:"total_spreads"`
	ProfitableSpreads       int `json:"profitable_spreads"`
	ExecutableSpreads       int `json:"executable_spreads"`
	EconomicExecutableCount int `json:"economic_executable_count"`
	ExecutionReadyCount     int `json:"execution_ready_count"`
	BlockedSpreads          int `json:"blocked_spreads"`
	DuplicateSpreads        int `json:"duplicate_spreads"`
	PoolsQuarantined        int `json:"pools_quarantined"`
}

// Opportunity is the serialized form of a ranked spread. every field is always present.
type Opportunity struct {
	Rank                int               `json:"rank"`
	SpreadID            string            `json:"spread_id"`
	OpportunityID       string            `json:"opportunity_id"`
	Pair                string            `json:"pair"`
	BlockNumber         uint64            `json:"block_number"`
	BuyDex              string            `json:"buy_dex"`
	SellDex             string            `json:"sell_dex"`
	BuyFee              uint32            `json:"buy_fee"`
	SellFee             uint32            `json:"sell_fee"`
	AmountIn            string            `json:"amount_in"`
	AmountInNumeraire   string            `json:"amount_in_numeraire"`
	BuyPrice            string            `json:"buy_price"`
	SellPrice           string            `json:"sell_price"`
	SpreadBps           string            `json:"spread_bps"`
	GasCostBps          string            `json:"gas_cost_bps"`
	GasCostWei          string            `json:"gas_cost_wei"`
	NetPnlBps           string            `json:"net_pnl_bps"`
	NetPnlNumeraire     string            `json:"net_pnl_numeraire"`
	Profitable          bool              `json:"is_profitable"`
	Plausible           bool              `json:"plausible"`
	Confidence          string            `json:"confidence"`
	ConfidenceBreakdown map[string]string `json:"confidence_breakdown"`
	EconomicExecutable  bool              `json:"economic_executable"`
	ExecutionReady      bool              `json:"execution_ready"`
	BlockedReason       string            `json:"blocked_reason"`
	ExecutionMode       string            `json:"execution_mode"`
	LiveExecution       string            `json:"live_execution"`
}

// NewOpportunity serializes a spread at the fixed money/bps/confidence scales.
func NewOpportunity(s arbitrage.Spread) Opportunity {
	breakdown := map[string]string{}
	for k, v := range s.ConfidenceBreakdown {
		breakdown[k] = v.StringFixed(4)
	}
	gas := "0"
	if s.GasCostWei != nil {
		gas = s.GasCostWei.String()
	}
	amount := "0"
	if s.BuyLeg.Size != nil {
		amount = s.BuyLeg.Size.String()
	}
	return Opportunity{
		SpreadID:            s.ID,
		OpportunityID:       s.OpportunityID,
		Pair:                s.Pair,
		BlockNumber:         s.BlockNumber,
		BuyDex:              s.BuyLeg.Pool.DexID,
		SellDex:             s.SellLeg.Pool.DexID,
		BuyFee:              s.BuyLeg.Pool.Fee,
		SellFee:             s.SellLeg.Pool.Fee,
		AmountIn:            amount,
		AmountInNumeraire:   arbitrage.FormatMoney(s.AmountInNumeraire),
		BuyPrice:            arbitrage.FormatPrice(s.BuyPrice),
		SellPrice:           arbitrage.FormatPrice(s.SellPrice),
		SpreadBps:           arbitrage.FormatBps(s.SpreadBps),
		GasCostBps:          arbitrage.FormatBps(s.GasCostBps),
		GasCostWei:          gas,
		NetPnlBps:           arbitrage.FormatBps(s.NetPnlBps),
		NetPnlNumeraire:     arbitrage.FormatMoney(s.NetPnlNumeraire),
		Profitable:          s.Profitable,
		Plausible:           s.Plausible,
		Confidence:          s.Confidence.StringFixed(4),
		ConfidenceBreakdown: breakdown,
		EconomicExecutable:  s.EconomicExecutable,
		ExecutionReady:      s.ExecutionReady,
		BlockedReason:       s.BlockedReason,
		ExecutionMode:       ExecutionModePaper,
		LiveExecution:       LiveExecution,
	}
}

type PnLSection struct {
	Numeraire          string `json:"numeraire"`
	SignalPnl          string `json:"signal_pnl"`
	SignalPnlBps       string `json:"signal_pnl_bps"`
	WouldExecutePnl    string `json:"would_execute_pnl"`
	CorrectedPnl       string `json:"corrected_pnl"`
	NotionalCapital    string `json:"notional_capital"`
	NormalizedPnlBps   string `json:"normalized_pnl_bps"`
	PaperSessionID     string `json:"paper_session_id"`
	PaperDecisions     int    `json:"paper_decisions"`
	PaperWouldExecute  int    `json:"paper_would_execute"`
	PaperBlocked       int    `json:"paper_blocked"`
	PaperCorrections   int    `json:"paper_corrections"`
	PaperRevalidations int    `json:"paper_revalidations"`
}

type TruthReport struct {
	SchemaVersion       string           `json:"schema_version"`
	RunMode             string           `json:"run_mode"`
	Timestamp           string           `json:"timestamp"`
	ChainID             uint64           `json:"chain_id"`
	CurrentBlock        uint64           `json:"current_block"`
	Health              HealthSection    `json:"health"`
	Stats               ReportStats      `json:"stats"`
	GateBreakdown       map[string]int   `json:"gate_breakdown"`
	DexCoverage         DexCoverage      `json:"dex_coverage"`
	RejectHistogram     map[string]int   `json:"reject_histogram"`
	TopOpportunities    []Opportunity    `json:"top_opportunities"`
	PnL                 PnLSection       `json:"pnl"`
	InvariantViolations []string         `json:"invariant_violations"`
	Quarantine          *QuarantineBrief `json:"quarantine,omitempty"`
}

// QuarantineBrief mirrors the pool quarantine counters.
type QuarantineBrief struct {
	Total   int      `json:"total"`
	Active  int      `json:"active"`
	Tracked int      `json:"tracked"`
	Keys    []string `json:"keys"`
}

// DedupeSpreads keeps one spread per id, the one from the latest block (later
// entries win ties). an id shared by two different pairs is reported back as a violation.
func DedupeSpreads(spreads []arbitrage.Spread) ([]arbitrage.Spread, int, []string) {
	byID := make(map[string]int, len(spreads))
	var out []arbitrage.Spread
	var violations []string
	dupes := 0
	for _, s := range spreads {
		i, ok := byID[s.ID]
		if !ok {
			byID[s.ID] = len(out)
			out = append(out, s)
			continue
		}
		dupes++
		if out[i].Pair != s.Pair {
			violations = append(violations, fmt.Sprintf("spread id %s collides across pairs %s and %s", s.ID, out[i].Pair, s.Pair))
		}
		if s.BlockNumber >= out[i].BlockNumber {
			out[i] = s
		}
	}
	return out, dupes, violations
}

// RankOpportunities sorts by profitable, net pnl in numeraire, net bps,
// confidence (all descending) and then spread id ascending. the order is total.
func RankOpportunities(spreads []arbitrage.Spread) []arbitrage.Spread {
	out := make([]arbitrage.Spread, len(spreads))
	copy(out, spreads)
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Profitable != b.Profitable {
			return a.Profitable
		}
		if c := a.NetPnlNumeraire.Cmp(b.NetPnlNumeraire); c != 0 {
			return c > 0
		}
		if c := a.NetPnlBps.Cmp(b.NetPnlBps); c != 0 {
			return c > 0
		}
		if c := a.Confidence.Cmp(b.Confidence); c != 0 {
			return c > 0
		}
		return a.ID < b.ID
	})
	return out
}

func rate(num, den int) decimal.Decimal {
	if den <= 0 {
		return decimal.Zero
	}
	return decimal.NewFromInt(int64(num)).DivRound(decimal.NewFromInt(int64(den)), 4)
}

// BuildTruthReport assembles and validates the cycle report. it never fails:
// broken invariants end up in InvariantViolations.
func BuildTruthReport(in ReportInput) *TruthReport {
	if in.RunMode == "" {
		in.RunMode = RunModeRegistryReal
	}
	if in.TopN <= 0 {
		in.TopN = DefaultTopN
	}
	var violations []string

	hist := in.Stats.RejectHistogram
	if hist == nil {
		hist = map[errcode.Code]int{}
	}
	for code := range hist {
		if !code.Valid() {
			violations = append(violations, fmt.Sprintf("reject histogram carries unknown code %q", code))
		}
	}

	rpc := in.RPC
	if rpc.Reconcile(hist) {
		violations = append(violations, fmt.Sprintf("INFRA_RPC_ERROR=%d with no failed rpc requests tracked; reconciled", hist[errcode.InfraRPCError]))
	}

	spreads, dupes, collisions := DedupeSpreads(in.Spreads)
	violations = append(violations, collisions...)

	st := ReportStats{
		QuotesAttempted:       in.Stats.QuotesAttempted,
		QuotesFetched:         in.Stats.QuotesFetched,
		QuotesFetchFailed:     in.Stats.QuotesFetchFailed,
		QuotesPassedGates:     in.Stats.QuotesPassedGates,
		QuotesRejectedByGates: in.Stats.QuotesRejectedByGates,
		QuotesCodeErrors:      in.Stats.QuotesCodeErrors,
		TotalSpreads:          len(spreads),
		DuplicateSpreads:      dupes,
		PoolsQuarantined:      in.Stats.PoolsQuarantined,
	}
	st.GatePassRate = rate(st.QuotesPassedGates, st.QuotesFetched).StringFixed(4)

	signal := decimal.Zero
	signalNotional := decimal.Zero
	for _, s := range spreads {
		if s.Profitable {
			st.ProfitableSpreads++
		}
		if s.EconomicExecutable {
			st.EconomicExecutableCount++
		}
		if s.ExecutionReady {
			st.ExecutionReadyCount++
			signal = signal.Add(s.NetPnlNumeraire)
			signalNotional = signalNotional.Add(s.AmountInNumeraire)
		}
		if s.EconomicExecutable && !s.ExecutionReady {
			st.BlockedSpreads++
		}
	}
	st.ExecutableSpreads = st.ExecutionReadyCount

	ranked := RankOpportunities(spreads)
	if len(ranked) > in.TopN {
		ranked = ranked[:in.TopN]
	}
	opps := make([]Opportunity, 0, len(ranked))
	for i, s := range ranked {
		o := NewOpportunity(s)
		o.Rank = i + 1
		opps = append(opps, o)
	}

	signalBps := decimal.Zero
	if signalNotional.IsPositive() {
		signalBps = signal.Mul(decimal.NewFromInt(10000)).DivRound(signalNotional, 8)
	}
	capital := in.NotionalCapital
	if !capital.IsPositive() {
		capital = decimal.NewFromInt(10000)
	}
	corrected := in.Paper.CorrectedPnl

	report := &TruthReport{
		SchemaVersion:   SchemaVersion,
		RunMode:         in.RunMode,
		Timestamp:       in.Timestamp.UTC().Format(time.RFC3339),
		ChainID:         in.ChainID,
		CurrentBlock:    in.Block,
		Health:          BuildHealthSection(in.Stats, hist, rpc, in.Endpoints),
		Stats:           st,
		GateBreakdown:   BuildGateBreakdown(hist),
		DexCoverage:     BuildDexCoverage(in.Stats.ConfiguredDexes, in.Stats.DexesWithQuotes, in.Stats.DexesPassedGates),
		RejectHistogram: histogramStrings(hist),
		PnL: PnLSection{
			Numeraire:          in.Numeraire,
			SignalPnl:          arbitrage.FormatMoney(signal),
			SignalPnlBps:       arbitrage.FormatBps(signalBps),
			WouldExecutePnl:    arbitrage.FormatMoney(in.Paper.WouldExecutePnl),
			CorrectedPnl:       arbitrage.FormatMoney(corrected),
			NotionalCapital:    arbitrage.FormatMoney(capital),
			NormalizedPnlBps:   arbitrage.FormatBps(corrected.Mul(decimal.NewFromInt(10000)).DivRound(capital, 8)),
			PaperSessionID:     in.Paper.SessionID,
			PaperDecisions:     in.Paper.TotalDecisions,
			PaperWouldExecute:  in.Paper.WouldExecute,
			PaperBlocked:       in.Paper.Blocked,
			PaperCorrections:   in.Paper.Corrections,
			PaperRevalidations: in.Paper.RevalidatedCount,
		},
		TopOpportunities:    opps,
		InvariantViolations: violations,
		Quarantine:          in.Quarantine,
	}
	report.InvariantViolations = append(report.InvariantViolations, report.validateSpreads(spreads)...)
	report.InvariantViolations = append(report.InvariantViolations, report.Validate()...)
	if report.InvariantViolations == nil {
		report.InvariantViolations = []string{}
	}
	return report
}

// Validate checks the count invariants of the report and returns every violation found.
func (r *TruthReport) Validate() []string {
	var v []string
	st := r.Stats
	if st.QuotesFetched != st.QuotesAttempted-st.QuotesFetchFailed {
		v = append(v, fmt.Sprintf("quotes_fetched %d != attempted %d - fetch_failed %d", st.QuotesFetched, st.QuotesAttempted, st.QuotesFetchFailed))
	}
	if sum := st.QuotesPassedGates + st.QuotesRejectedByGates + st.QuotesCodeErrors; sum != st.QuotesFetched {
		v = append(v, fmt.Sprintf("passed %d + rejected %d + code_errors %d = %d != fetched %d",
			st.QuotesPassedGates, st.QuotesRejectedByGates, st.QuotesCodeErrors, sum, st.QuotesFetched))
	}
	gpr, err := decimal.NewFromString(st.GatePassRate)
	if err != nil || gpr.IsNegative() || gpr.GreaterThan(one) {
		v = append(v, fmt.Sprintf("gate_pass_rate %s outside [0,1]", st.GatePassRate))
	}
	if !(st.ExecutableSpreads <= st.ProfitableSpreads && st.ProfitableSpreads <= st.TotalSpreads) {
		v = append(v, fmt.Sprintf("executable %d <= profitable %d <= total %d does not hold", st.ExecutableSpreads, st.ProfitableSpreads, st.TotalSpreads))
	}
	if st.ExecutionReadyCount > st.EconomicExecutableCount {
		v = append(v, fmt.Sprintf("execution_ready %d > economic_executable %d", st.ExecutionReadyCount, st.EconomicExecutableCount))
	}
	if r.SchemaVersion == "" {
		v = append(v, "schema_version missing")
	}
	if r.Health.RPCInfraErrors > 0 && r.Health.RPCTotalRequests == 0 {
		v = append(v, "INFRA_RPC_ERROR rejects with zero rpc requests")
	}
	return v
}

func (r *TruthReport) validateSpreads(spreads []arbitrage.Spread) []string {
	var v []string
	for _, s := range spreads {
		if s.ExecutionReady && !s.EconomicExecutable {
			v = append(v, fmt.Sprintf("spread %s execution ready but not economic executable", s.ID))
		}
		if s.ExecutionReady && !s.Profitable {
			v = append(v, fmt.Sprintf("spread %s execution ready but not profitable", s.ID))
		}
		if s.EconomicExecutable != s.ExecutionReady && s.BlockedReason == "" {
			v = append(v, fmt.Sprintf("spread %s blocked without a reason", s.ID))
		}
		if !s.NetPnlBps.IsPositive() && s.Confidence.GreaterThan(capUnprofitable) {
			v = append(v, fmt.Sprintf("spread %s unprofitable with confidence %s", s.ID, s.Confidence.StringFixed(4)))
		}
	}
	return v
}

func histogramStrings(hist map[errcode.Code]int) map[string]int {
	out := make(map[string]int, len(hist))
	for k, n := range hist {
		out[string(k)] = n
	}
	return out
}

// BuildGateBreakdown folds the histogram into the four canonical categories.
func BuildGateBreakdown(hist map[errcode.Code]int) map[string]int {
	out := make(map[string]int, 4)
	for _, k := range errcode.Categories() {
		out[k] = 0
	}
	for code, n := range hist {
		out[CategoryOf(code)] += n
	}
	return out
}

// CategoryOf maps a reject code to revert, slippage, infra or other.
func CategoryOf(code errcode.Code) string {
	return code.Category()
}

type DexCoverage struct {
	ConfiguredDexes  int      `json:"configured_dexes"`
	DexesActive      int      `json:"dexes_active"`
	DexesPassedGates int      `json:"dexes_passed_gates"`
	Configured       []string `json:"configured"`
	Active           []string `json:"active"`
	Passed           []string `json:"passed"`
}

func uniqueSorted(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := []string{}
	for _, s := range in {
		if s != "" && !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	sort.Strings(out)
	return out
}

func BuildDexCoverage(configured, withQuotes, passedGates []string) DexCoverage {
	c := uniqueSorted(configured)
	a := uniqueSorted(withQuotes)
	p := uniqueSorted(passedGates)
	return DexCoverage{
		ConfiguredDexes:  len(c),
		DexesActive:      len(a),
		DexesPassedGates: len(p),
		Configured:       c,
		Active:           a,
		Passed:           p,
	}
}

// RejectCount serializes as a ["CODE", n] pair.
type RejectCount struct {
	Code  errcode.Code
	Count int
}

func (r RejectCount) MarshalJSON() ([]byte, error) {
	return json.Marshal([]any{r.Code, r.Count})
}

func (r *RejectCount) UnmarshalJSON(b []byte) error {
	var pair []json.RawMessage
	if err := json.Unmarshal(b, &pair); err != nil {
		return err
	}
	if len(pair) != 2 {
		return fmt.Errorf("reject count: want 2 elements, got %d", len(pair))
	}
	if err := json.Unmarshal(pair[0], &r.Code); err != nil {
		return err
	}
	return json.Unmarshal(pair[1], &r.Count)
}

// TopRejects returns the limit most frequent codes, ties broken by code.
func TopRejects(hist map[errcode.Code]int, limit int) []RejectCount {
	out := make([]RejectCount, 0, len(hist))
	for code, n := range hist {
		if n > 0 {
			out = append(out, RejectCount{Code: code, Count: n})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return strings.Compare(string(out[i].Code), string(out[j].Code)) < 0
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}
