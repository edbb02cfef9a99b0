package main

import (
	"flag"
	"fmt"
	"os"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/pulkyeet/spread-scanner/internal/arbitrage"
	"github.com/pulkyeet/spread-scanner/internal/paper"
	"github.com/pulkyeet/spread-scanner/internal/storage"
)

func main() {
	var (
		ledger = flag.String("ledger", "", "Path to a paper session ledger (.jsonl)")
		dbPath = flag.String("db", "data/history.db", "Path to the history database, empty to skip")
		top    = flag.Int("top", 10, "How many decisions to list")
	)
	flag.Parse()

	if *ledger == "" && *dbPath == "" {
		fmt.Println("Error: pass -ledger, -db or both")
		os.Exit(1)
	}

	if *ledger != "" {
		if err := printLedger(*ledger, *top); err != nil {
			fmt.Printf("Failed to read ledger: %v\n", err)
			os.Exit(1)
		}
	}
	if *dbPath != "" {
		if err := printLifetime(*dbPath); err != nil {
			fmt.Printf("Failed to read history: %v\n", err)
			os.Exit(1)
		}
	}
}

func printLedger(path string, top int) error {
	trades, revals, err := paper.ReadLedger(path)
	if err != nil {
		return err
	}
	trades = paper.Attach(trades, revals)

	counts := make(map[paper.Outcome]int)
	expected, corrected := decimal.Zero, decimal.Zero
	for _, t := range trades {
		counts[t.Outcome]++
		if t.Outcome != paper.WouldExecute {
			continue
		}
		pnl, err := decimal.NewFromString(t.ExpectedPnl)
		if err != nil {
			continue
		}
		expected = expected.Add(pnl)
		if t.Revalidation == nil || t.Revalidation.WouldStillExecute {
			corrected = corrected.Add(pnl)
		}
	}
	numeraire := ""
	if len(trades) > 0 {
		numeraire = trades[0].Numeraire
	}

	fmt.Printf("\nPaper ledger %s\n", path)
	fmt.Println("========================================")
	fmt.Printf("Decisions:      %d\n", len(trades))
	for _, o := range []paper.Outcome{paper.WouldExecute, paper.BlockedExec, paper.Unprofitable} {
		fmt.Printf("  %-14s %d\n", o, counts[o])
	}
	fmt.Printf("Revalidations:  %d\n", len(revals))
	fmt.Printf("Expected PnL:   %s %s\n", arbitrage.FormatMoney(expected), numeraire)
	fmt.Printf("Corrected PnL:  %s %s\n", arbitrage.FormatMoney(corrected), numeraire)

	sort.SliceStable(trades, func(i, j int) bool {
		a, _ := decimal.NewFromString(trades[i].ExpectedPnl)
		b, _ := decimal.NewFromString(trades[j].ExpectedPnl)
		return a.GreaterThan(b)
	})
	if len(trades) > top {
		trades = trades[:top]
	}
	if len(trades) > 0 {
		fmt.Println("\nBest decisions:")
	}
	for _, t := range trades {
		status := string(t.Outcome)
		if t.Revalidation != nil {
			status += " -> " + string(t.Revalidation.Outcome)
		}
		fmt.Printf("  block %d  %-10s %s/%d -> %s/%d  net %s bps  pnl %s  %s\n",
			t.BlockNumber, t.Pair, t.BuyDex, t.BuyFee, t.SellDex, t.SellFee, t.NetPnlBps, t.ExpectedPnl, status)
	}
	return nil
}

func printLifetime(path string) error {
	if _, err := os.Stat(path); err != nil {
		return err
	}
	db, err := storage.NewHistoryDB(path)
	if err != nil {
		return err
	}
	defer db.Close()

	t, err := db.LifetimeTotals()
	if err != nil {
		return err
	}
	fmt.Printf("\nLifetime (%s)\n", path)
	fmt.Println("========================================")
	fmt.Printf("Cycles:         %d\n", t.Cycles)
	fmt.Printf("Sessions:       %d\n", t.Sessions)
	fmt.Printf("Decisions:      %d\n", t.Decisions)
	outcomes := make([]string, 0, len(t.ByOutcome))
	for o := range t.ByOutcome {
		outcomes = append(outcomes, string(o))
	}
	sort.Strings(outcomes)
	for _, o := range outcomes {
		fmt.Printf("  %-14s %d\n", o, t.ByOutcome[paper.Outcome(o)])
	}
	fmt.Printf("Revalidated:    %d (%d gates changed)\n", t.Revalidated, t.GatesChanged)
	fmt.Printf("Expected PnL:   %s\n", arbitrage.FormatMoney(t.WouldExecutePnl))
	fmt.Printf("Corrected PnL:  %s\n", arbitrage.FormatMoney(t.CorrectedPnl))
	return nil
}
