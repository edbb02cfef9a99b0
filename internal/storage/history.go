package storage

import (
	"database/sql"
	_ "embed"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/pulkyeet/spread-scanner/internal/paper"
)

//go:embed schema.sql
var schema string

// HistoryDB mirrors cycle summaries and paper decisions into sqlite so totals
// survive across sessions. the JSONL ledger stays the source of truth.
type HistoryDB struct {
	db *sql.DB
}

func NewHistoryDB(dbPath string) (*HistoryDB, error) {
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create history dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open history db: %w", err)
	}
	// sqlite allows one writer; the orchestrator and the paper session share this handle
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialise schema: %w", err)
	}
	return &HistoryDB{db: db}, nil
}

func (h *HistoryDB) Close() error {
	return h.db.Close()
}

// CycleRecord is the summary row of one scan cycle.
type CycleRecord struct {
	CycleID             string
	StartedAt           string
	ChainID             uint64
	BlockNumber         uint64
	DurationMs          int64
	QuotesAttempted     int
	QuotesFetched       int
	QuotesPassed        int
	QuotesRejected      int
	QuotesCodeErrors    int
	SpreadsTotal        int
	SpreadsProfitable   int
	SpreadsReady        int
	SignalPnl           string
	InvariantViolations int
	ReportKey           string
}

func (h *HistoryDB) RecordCycle(c CycleRecord) error {
	_, err := h.db.Exec(`
		INSERT OR REPLACE INTO cycles
		(cycle_id, started_at, chain_id, block_number, duration_ms,
		 quotes_attempted, quotes_fetched, quotes_passed, quotes_rejected, quotes_code_errors,
		 spreads_total, spreads_profitable, spreads_ready, signal_pnl, invariant_violations, report_key)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		c.CycleID, c.StartedAt, c.ChainID, c.BlockNumber, c.DurationMs,
		c.QuotesAttempted, c.QuotesFetched, c.QuotesPassed, c.QuotesRejected, c.QuotesCodeErrors,
		c.SpreadsTotal, c.SpreadsProfitable, c.SpreadsReady, c.SignalPnl, c.InvariantViolations, c.ReportKey,
	)
	return err
}

const insertDecision = `
	INSERT OR IGNORE INTO paper_decisions
	(session_id, spread_id, block_number, opportunity_id, recorded_at, pair, buy_dex, sell_dex,
	 amount_in_wei, net_pnl_bps, numeraire, expected_pnl, outcome, blocked_reason)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`

func decisionArgs(t paper.Trade) []any {
	return []any{
		t.SessionID, t.SpreadID, t.BlockNumber, t.OpportunityID, t.Timestamp, t.Pair, t.BuyDex, t.SellDex,
		t.AmountIn, t.NetPnlBps, t.Numeraire, t.ExpectedPnl, string(t.Outcome), t.BlockedReason,
	}
}

// RecordDecision implements paper.Recorder.
func (h *HistoryDB) RecordDecision(t paper.Trade) error {
	_, err := h.db.Exec(insertDecision, decisionArgs(t)...)
	return err
}

// BatchRecordDecisions imports many decisions in one transaction, e.g. a whole ledger.
func (h *HistoryDB) BatchRecordDecisions(trades []paper.Trade) error {
	if len(trades) == 0 {
		return nil
	}
	tx, err := h.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(insertDecision)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, t := range trades {
		if _, err := stmt.Exec(decisionArgs(t)...); err != nil {
			return fmt.Errorf("insert decision %s: %w", t.SpreadID, err)
		}
	}
	return tx.Commit()
}

// RecordRevalidation implements paper.Recorder.
func (h *HistoryDB) RecordRevalidation(r paper.Revalidation) error {
	_, err := h.db.Exec(`
		INSERT OR REPLACE INTO revalidations
		(session_id, spread_id, original_block, revalidation_block, recorded_at,
		 would_still_execute, new_net_pnl_bps, original_pnl, new_pnl, outcome)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		r.SessionID, r.SpreadID, r.OriginalBlock, r.RevalidationBlock, r.Timestamp,
		r.WouldStillExecute, r.NewNetPnlBps, r.OriginalPnl, r.NewPnl, string(r.Outcome),
	)
	return err
}

// Totals are lifetime figures across every session in the database.
type Totals struct {
	Cycles       int64
	Sessions     int64
	Decisions    int64
	ByOutcome    map[paper.Outcome]int64
	Revalidated  int64
	GatesChanged int64
	// sum of WOULD_EXECUTE expected pnl, and the same minus GATES_CHANGED trades
	WouldExecutePnl decimal.Decimal
	CorrectedPnl    decimal.Decimal
}

// sumDecimals adds text columns in Go; SUM() in sqlite would go through REAL.
func (h *HistoryDB) sumDecimals(query string, args ...any) (decimal.Decimal, error) {
	rows, err := h.db.Query(query, args...)
	if err != nil {
		return decimal.Zero, err
	}
	defer rows.Close()

	total := decimal.Zero
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return decimal.Zero, err
		}
		d, err := decimal.NewFromString(s)
		if err != nil {
			return decimal.Zero, fmt.Errorf("bad money value %q: %w", s, err)
		}
		total = total.Add(d)
	}
	return total, rows.Err()
}

func (h *HistoryDB) LifetimeTotals() (Totals, error) {
	t := Totals{ByOutcome: make(map[paper.Outcome]int64)}

	if err := h.db.QueryRow("SELECT COUNT(*) FROM cycles").Scan(&t.Cycles); err != nil {
		return t, err
	}
	if err := h.db.QueryRow("SELECT COUNT(DISTINCT session_id), COUNT(*) FROM paper_decisions").Scan(&t.Sessions, &t.Decisions); err != nil {
		return t, err
	}

	rows, err := h.db.Query("SELECT outcome, COUNT(*) FROM paper_decisions GROUP BY outcome")
	if err != nil {
		return t, err
	}
	for rows.Next() {
		var (
			o string
			n int64
		)
		if err := rows.Scan(&o, &n); err != nil {
			rows.Close()
			return t, err
		}
		t.ByOutcome[paper.Outcome(o)] = n
	}
	rows.Close()

	if err := h.db.QueryRow(
		"SELECT COUNT(*), COALESCE(SUM(CASE WHEN outcome = ? THEN 1 ELSE 0 END), 0) FROM revalidations",
		string(paper.GatesChanged),
	).Scan(&t.Revalidated, &t.GatesChanged); err != nil {
		return t, err
	}

	if t.WouldExecutePnl, err = h.sumDecimals(
		"SELECT expected_pnl FROM paper_decisions WHERE outcome = ?", string(paper.WouldExecute),
	); err != nil {
		return t, err
	}
	lost, err := h.sumDecimals(`
		SELECT d.expected_pnl FROM paper_decisions d
		JOIN revalidations r
		  ON r.session_id = d.session_id AND r.spread_id = d.spread_id AND r.original_block = d.block_number
		WHERE r.outcome = ?`, string(paper.GatesChanged))
	if err != nil {
		return t, err
	}
	t.CorrectedPnl = t.WouldExecutePnl.Sub(lost)
	return t, nil
}

// GetStats returns row counts per table, for logging.
func (h *HistoryDB) GetStats() (map[string]int64, error) {
	stats := make(map[string]int64)
	for _, table := range []string{"cycles", "paper_decisions", "revalidations"} {
		var count int64
		if err := h.db.QueryRow("SELECT COUNT(*) FROM " + table).Scan(&count); err != nil {
			return nil, err
		}
		stats[table+"_entries"] = count
	}
	return stats, nil
}
