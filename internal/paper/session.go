// Package paper keeps the append-only ledger of what the scanner would have
// traded. nothing here sends a transaction.
package paper

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/shopspring/decimal"

	"github.com/pulkyeet/spread-scanner/internal/arbitrage"
)

type Outcome string

const (
	WouldExecute Outcome = "WOULD_EXECUTE"
	BlockedExec  Outcome = "BLOCKED_EXEC"
	Unprofitable Outcome = "UNPROFITABLE"
	Cooldown     Outcome = "COOLDOWN"
	GatesChanged Outcome = "GATES_CHANGED"
)

const (
	RecordDecision     = "decision"
	RecordRevalidation = "revalidation"

	DefaultCooldownBlocks = 10
	defaultCooldownSize   = 4096
)

// Trade is one decision line of the ledger. written once, never rewritten.
type Trade struct {
	RecordType    string `json:"record_type"`
	SessionID     string `json:"session_id"`
	SpreadID      string `json:"spread_id"`
	OpportunityID string `json:"opportunity_id"`
	BlockNumber   uint64 `json:"block_number"`
	Timestamp     string `json:"timestamp"`
	ChainID       uint64 `json:"chain_id"`

	Pair     string `json:"pair"`
	BuyDex   string `json:"buy_dex"`
	SellDex  string `json:"sell_dex"`
	BuyFee   uint32 `json:"buy_fee"`
	SellFee  uint32 `json:"sell_fee"`
	AmountIn string `json:"amount_in_wei"`

	BuyPrice    string `json:"buy_price"`
	SellPrice   string `json:"sell_price"`
	SpreadBps   string `json:"spread_bps"`
	GasCostBps  string `json:"gas_cost_bps"`
	GasCostWei  string `json:"gas_cost_wei"`
	NetPnlBps   string `json:"net_pnl_bps"`
	Confidence  string `json:"confidence"`
	Numeraire   string `json:"numeraire"`
	AmountInNum string `json:"amount_in_numeraire"`
	ExpectedPnl string `json:"expected_pnl_numeraire"`

	BuyVerified        bool    `json:"buy_verified"`
	SellVerified       bool    `json:"sell_verified"`
	Profitable         bool    `json:"profitable"`
	EconomicExecutable bool    `json:"economic_executable"`
	ExecutionReady     bool    `json:"execution_ready"`
	BlockedReason      string  `json:"blocked_reason"`
	Outcome            Outcome `json:"outcome"`

	// attached when loading the ledger, never serialized with the decision
	Revalidation *Revalidation `json:"-"`
}

// Revalidation is the follow-up line for a WOULD_EXECUTE decision.
type Revalidation struct {
	RecordType        string  `json:"record_type"`
	SessionID         string  `json:"session_id"`
	SpreadID          string  `json:"spread_id"`
	OpportunityID     string  `json:"opportunity_id"`
	OriginalBlock     uint64  `json:"original_block"`
	RevalidationBlock uint64  `json:"revalidation_block"`
	Timestamp         string  `json:"timestamp"`
	WouldStillExecute bool    `json:"would_still_execute"`
	OriginalNetPnlBps string  `json:"original_net_pnl_bps"`
	NewNetPnlBps      string  `json:"new_net_pnl_bps"`
	OriginalPnl       string  `json:"original_pnl_numeraire"`
	NewPnl            string  `json:"new_pnl_numeraire"`
	Outcome           Outcome `json:"outcome"`
}

// Recorder mirrors ledger lines somewhere else (the history db). optional.
type Recorder interface {
	RecordDecision(t Trade) error
	RecordRevalidation(r Revalidation) error
}

type SessionConfig struct {
	Dir            string
	SessionID      string // empty: a fresh id
	CooldownBlocks uint64
	// when false, BLOCKED_EXEC decisions are counted but not written
	SimulateBlocked bool
	// how many spread ids the cooldown index remembers
	CooldownCapacity int
	Now              func() time.Time
}

type Stats struct {
	Decisions       int
	WouldExecute    int
	BlockedExec     int
	Unprofitable    int
	CooldownSkipped int

	Revalidated     int
	StillExecutable int
	GatesChanged    int

	// expected pnl of every WOULD_EXECUTE decision as taken
	WouldExecutePnl decimal.Decimal
	// WouldExecutePnl minus the trades revalidation proved wrong
	CorrectedPnl decimal.Decimal
	TotalPnlBps  decimal.Decimal
}

type Session struct {
	mu     sync.Mutex
	cfg    SessionConfig
	path   string
	rec    Recorder
	logger *slog.Logger

	lastSeen  *lru.Cache[string, uint64]
	pending   map[string]*Trade // spreadID@block -> WOULD_EXECUTE decision awaiting revalidation
	stats     Stats
	startedAt time.Time
}

func NewSessionID(now time.Time) string {
	return fmt.Sprintf("paper_%s_%s", now.UTC().Format("20060102_150405"), uuid.NewString()[:8])
}

// NewSession opens (or resumes) the ledger <dir>/<session>.jsonl.
func NewSession(cfg SessionConfig, rec Recorder, logger *slog.Logger) (*Session, error) {
	if cfg.Dir == "" {
		return nil, errors.New("paper session: ledger dir is required")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.CooldownBlocks == 0 {
		cfg.CooldownBlocks = DefaultCooldownBlocks
	}
	if cfg.CooldownCapacity <= 0 {
		cfg.CooldownCapacity = defaultCooldownSize
	}
	if cfg.SessionID == "" {
		cfg.SessionID = NewSessionID(cfg.Now())
	}
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create ledger dir: %w", err)
	}
	cache, err := lru.New[string, uint64](cfg.CooldownCapacity)
	if err != nil {
		return nil, fmt.Errorf("cooldown index: %w", err)
	}

	s := &Session{
		cfg:       cfg,
		path:      filepath.Join(cfg.Dir, cfg.SessionID+".jsonl"),
		rec:       rec,
		logger:    logger.With("component", "paper", "session", cfg.SessionID),
		lastSeen:  cache,
		pending:   make(map[string]*Trade),
		startedAt: cfg.Now(),
		stats:     Stats{WouldExecutePnl: decimal.Zero, CorrectedPnl: decimal.Zero, TotalPnlBps: decimal.Zero},
	}
	if err := s.resume(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Session) ID() string         { return s.cfg.SessionID }
func (s *Session) LedgerPath() string { return s.path }

func pendingKey(spreadID string, block uint64) string {
	return fmt.Sprintf("%s@%d", spreadID, block)
}

// resume replays an existing ledger into the cooldown index, stats and pending set.
func (s *Session) resume() error {
	trades, revals, err := ReadLedger(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	for i := range trades {
		t := trades[i]
		s.apply(&t)
	}
	for _, r := range revals {
		s.applyRevalidation(r)
	}
	s.logger.Info("resumed paper session",
		slog.Int("decisions", len(trades)),
		slog.Int("revalidations", len(revals)),
		slog.Int("pending", len(s.pending)))
	return nil
}

// IsOnCooldown reports whether spreadID was recorded fewer than CooldownBlocks blocks before block.
func (s *Session) IsOnCooldown(spreadID string, block uint64) bool {
	last, ok := s.lastSeen.Get(spreadID)
	if !ok {
		return false
	}
	return block < last || block-last < s.cfg.CooldownBlocks
}

// Classify picks the decision outcome from the spread's exact flags, never
// from the rounded bps string.
func Classify(t *Trade) Outcome {
	switch {
	case !t.Profitable:
		return Unprofitable
	case t.ExecutionReady:
		return WouldExecute
	default:
		// economically executable but blocked, or profitable yet implausible
		return BlockedExec
	}
}

// RecordTrade classifies t, sets its outcome and appends it to the ledger.
// it returns false when the decision was not persisted (cooldown, or a
// blocked decision while SimulateBlocked is off).
func (s *Session) RecordTrade(t *Trade) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.IsOnCooldown(t.SpreadID, t.BlockNumber) {
		t.Outcome = Cooldown
		s.stats.CooldownSkipped++
		s.logger.Debug("paper trade on cooldown", slog.String("spread_id", t.SpreadID), slog.Uint64("block", t.BlockNumber))
		return false, nil
	}

	t.RecordType = RecordDecision
	t.SessionID = s.cfg.SessionID
	if t.Timestamp == "" {
		t.Timestamp = s.cfg.Now().UTC().Format(time.RFC3339)
	}
	t.Outcome = Classify(t)

	if t.Outcome == BlockedExec && !s.cfg.SimulateBlocked {
		s.stats.BlockedExec++
		return false, nil
	}

	if err := s.appendLine(t); err != nil {
		return false, err
	}
	s.apply(t)

	if s.rec != nil {
		if err := s.rec.RecordDecision(*t); err != nil {
			s.logger.Warn("mirror paper decision", slog.String("spread_id", t.SpreadID), slog.Any("err", err))
		}
	}
	s.logger.Info("paper trade",
		slog.String("outcome", string(t.Outcome)),
		slog.String("spread_id", t.SpreadID),
		slog.String("pnl", moneyShort(t.ExpectedPnl)),
		slog.String("amount", moneyShort(t.AmountInNum)),
		slog.String("numeraire", t.Numeraire))
	return true, nil
}

func moneyShort(s string) string {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return s
	}
	return arbitrage.FormatMoneyShort(d)
}

// apply folds a persisted decision into the in-memory state.
func (s *Session) apply(t *Trade) {
	s.lastSeen.Add(t.SpreadID, t.BlockNumber)
	s.stats.Decisions++
	switch t.Outcome {
	case WouldExecute:
		s.stats.WouldExecute++
		pnl := parseOrZero(t.ExpectedPnl)
		s.stats.WouldExecutePnl = s.stats.WouldExecutePnl.Add(pnl)
		s.stats.CorrectedPnl = s.stats.CorrectedPnl.Add(pnl)
		s.stats.TotalPnlBps = s.stats.TotalPnlBps.Add(parseOrZero(t.NetPnlBps))
		cp := *t
		s.pending[pendingKey(t.SpreadID, t.BlockNumber)] = &cp
	case BlockedExec:
		s.stats.BlockedExec++
	case Unprofitable:
		s.stats.Unprofitable++
	}
}

func (s *Session) applyRevalidation(r Revalidation) {
	key := pendingKey(r.SpreadID, r.OriginalBlock)
	t, ok := s.pending[key]
	if !ok {
		return
	}
	delete(s.pending, key)
	s.stats.Revalidated++
	if r.WouldStillExecute {
		s.stats.StillExecutable++
		return
	}
	s.stats.GatesChanged++
	s.stats.WouldExecute--
	s.stats.CorrectedPnl = s.stats.CorrectedPnl.Sub(parseOrZero(t.ExpectedPnl))
}

func sortTrades(ts []Trade) {
	sort.Slice(ts, func(i, j int) bool {
		if ts[i].BlockNumber != ts[j].BlockNumber {
			return ts[i].BlockNumber < ts[j].BlockNumber
		}
		return ts[i].SpreadID < ts[j].SpreadID
	})
}

func parseOrZero(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

// PendingRevalidation lists WOULD_EXECUTE decisions at least minBlocks old
// that were not revalidated yet, oldest first.
func (s *Session) PendingRevalidation(current, minBlocks uint64) []Trade {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Trade
	for _, t := range s.pending {
		if current >= t.BlockNumber+minBlocks {
			out = append(out, *t)
		}
	}
	sortTrades(out)
	return out
}

// Revalidate writes the follow-up for the decision (spreadID, originalBlock).
// when the trade would no longer execute, the revalidation carries
// GATES_CHANGED and the cumulative pnl is corrected. returns false when
// there is no pending decision to revalidate.
func (s *Session) Revalidate(spreadID string, originalBlock, block uint64, wouldStill bool, newNetPnlBps decimal.Decimal) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.pending[pendingKey(spreadID, originalBlock)]
	if !ok || block <= originalBlock {
		return false, nil
	}
	notional := parseOrZero(t.AmountInNum)
	r := Revalidation{
		RecordType:        RecordRevalidation,
		SessionID:         s.cfg.SessionID,
		SpreadID:          spreadID,
		OpportunityID:     t.OpportunityID,
		OriginalBlock:     originalBlock,
		RevalidationBlock: block,
		Timestamp:         s.cfg.Now().UTC().Format(time.RFC3339),
		WouldStillExecute: wouldStill,
		OriginalNetPnlBps: t.NetPnlBps,
		NewNetPnlBps:      arbitrage.FormatBps(newNetPnlBps),
		OriginalPnl:       t.ExpectedPnl,
		NewPnl:            arbitrage.FormatMoney(arbitrage.PnlFromBps(notional, newNetPnlBps)),
		Outcome:           WouldExecute,
	}
	if !wouldStill {
		r.Outcome = GatesChanged
	}
	if err := s.appendLine(r); err != nil {
		return false, err
	}
	s.applyRevalidation(r)

	if s.rec != nil {
		if err := s.rec.RecordRevalidation(r); err != nil {
			s.logger.Warn("mirror revalidation", slog.String("spread_id", spreadID), slog.Any("err", err))
		}
	}
	s.logger.Info("paper revalidation",
		slog.String("spread_id", spreadID),
		slog.Uint64("original_block", originalBlock),
		slog.Uint64("block", block),
		slog.Bool("would_still_execute", wouldStill),
		slog.String("new_net_pnl_bps", r.NewNetPnlBps))
	return true, nil
}

func (s *Session) appendLine(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode ledger line: %w", err)
	}
	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open ledger: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(append(b, '\n')); err != nil {
		return fmt.Errorf("append ledger: %w", err)
	}
	return f.Sync()
}

// LoadTrades reads this session's decisions back, each with its revalidation attached.
func (s *Session) LoadTrades() ([]Trade, error) {
	trades, revals, err := ReadLedger(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return Attach(trades, revals), nil
}

// Attach links every revalidation to its decision.
func Attach(trades []Trade, revals []Revalidation) []Trade {
	idx := make(map[string]int, len(trades))
	for i, t := range trades {
		idx[pendingKey(t.SpreadID, t.BlockNumber)] = i
	}
	for i := range revals {
		if j, ok := idx[pendingKey(revals[i].SpreadID, revals[i].OriginalBlock)]; ok {
			r := revals[i]
			trades[j].Revalidation = &r
		}
	}
	return trades
}

// ReadLedger parses a JSONL ledger into its decision and revalidation lines.
func ReadLedger(path string) ([]Trade, []Revalidation, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	defer f.Close()

	var (
		trades []Trade
		revals []Revalidation
	)
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	line := 0
	for sc.Scan() {
		line++
		b := sc.Bytes()
		if len(b) == 0 {
			continue
		}
		var head struct {
			RecordType string `json:"record_type"`
		}
		if err := json.Unmarshal(b, &head); err != nil {
			return nil, nil, fmt.Errorf("%s:%d: %w", path, line, err)
		}
		switch head.RecordType {
		case RecordRevalidation:
			var r Revalidation
			if err := json.Unmarshal(b, &r); err != nil {
				return nil, nil, fmt.Errorf("%s:%d: %w", path, line, err)
			}
			revals = append(revals, r)
		default:
			var t Trade
			if err := json.Unmarshal(b, &t); err != nil {
				return nil, nil, fmt.Errorf("%s:%d: %w", path, line, err)
			}
			trades = append(trades, t)
		}
	}
	return trades, revals, sc.Err()
}

func (s *Session) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

type Summary struct {
	SessionID       string `json:"session_id"`
	Ledger          string `json:"ledger"`
	StartedAt       string `json:"started_at"`
	CooldownBlocks  uint64 `json:"cooldown_blocks"`
	SimulateBlocked bool   `json:"simulate_blocked"`
	Pending         int    `json:"pending_revalidation"`

	Decisions       int    `json:"decisions"`
	WouldExecute    int    `json:"would_execute"`
	BlockedExec     int    `json:"blocked_exec"`
	Unprofitable    int    `json:"unprofitable"`
	CooldownSkipped int    `json:"cooldown_skipped"`
	Revalidated     int    `json:"revalidated"`
	StillExecutable int    `json:"still_executable"`
	GatesChanged    int    `json:"gates_changed"`
	WouldExecutePnl string `json:"would_execute_pnl"`
	CorrectedPnl    string `json:"corrected_pnl"`
	TotalPnlBps     string `json:"total_pnl_bps"`
}

func (s *Session) Summary() Summary {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.stats
	return Summary{
		SessionID:       s.cfg.SessionID,
		Ledger:          s.path,
		StartedAt:       s.startedAt.UTC().Format(time.RFC3339),
		CooldownBlocks:  s.cfg.CooldownBlocks,
		SimulateBlocked: s.cfg.SimulateBlocked,
		Pending:         len(s.pending),
		Decisions:       st.Decisions,
		WouldExecute:    st.WouldExecute,
		BlockedExec:     st.BlockedExec,
		Unprofitable:    st.Unprofitable,
		CooldownSkipped: st.CooldownSkipped,
		Revalidated:     st.Revalidated,
		StillExecutable: st.StillExecutable,
		GatesChanged:    st.GatesChanged,
		WouldExecutePnl: arbitrage.FormatMoney(st.WouldExecutePnl),
		CorrectedPnl:    arbitrage.FormatMoney(st.CorrectedPnl),
		TotalPnlBps:     arbitrage.FormatBps(st.TotalPnlBps),
	}
}

// TradeFromSpread turns a classified spread into an unrecorded decision.
func TradeFromSpread(sp arbitrage.Spread, chainID uint64, numeraire string) Trade {
	gas := "0"
	if sp.GasCostWei != nil {
		gas = sp.GasCostWei.String()
	}
	amount := "0"
	if sp.BuyLeg.Size != nil {
		amount = sp.BuyLeg.Size.String()
	}
	return Trade{
		SpreadID:           sp.ID,
		OpportunityID:      sp.OpportunityID,
		BlockNumber:        sp.BlockNumber,
		ChainID:            chainID,
		Pair:               sp.Pair,
		BuyDex:             sp.BuyLeg.Pool.DexID,
		SellDex:            sp.SellLeg.Pool.DexID,
		BuyFee:             sp.BuyLeg.Pool.Fee,
		SellFee:            sp.SellLeg.Pool.Fee,
		AmountIn:           amount,
		BuyPrice:           arbitrage.FormatPrice(sp.BuyPrice),
		SellPrice:          arbitrage.FormatPrice(sp.SellPrice),
		SpreadBps:          arbitrage.FormatBps(sp.SpreadBps),
		GasCostBps:         arbitrage.FormatBps(sp.GasCostBps),
		GasCostWei:         gas,
		NetPnlBps:          arbitrage.FormatBps(sp.NetPnlBps),
		Confidence:         sp.Confidence.StringFixed(4),
		Numeraire:          numeraire,
		AmountInNum:        arbitrage.FormatMoney(sp.AmountInNumeraire),
		ExpectedPnl:        arbitrage.FormatMoney(sp.NetPnlNumeraire),
		BuyVerified:        sp.BuyLeg.Pool.Verified,
		SellVerified:       sp.SellLeg.Pool.Verified,
		Profitable:         sp.Profitable,
		EconomicExecutable: sp.EconomicExecutable,
		ExecutionReady:     sp.ExecutionReady,
		BlockedReason:      sp.BlockedReason,
	}
}
