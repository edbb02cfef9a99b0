package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/pulkyeet/spread-scanner/internal/arbitrage"
	"github.com/pulkyeet/spread-scanner/internal/artifacts"
	"github.com/pulkyeet/spread-scanner/internal/config"
	"github.com/pulkyeet/spread-scanner/internal/eth"
	"github.com/pulkyeet/spread-scanner/internal/paper"
	"github.com/pulkyeet/spread-scanner/internal/scan"
	"github.com/pulkyeet/spread-scanner/internal/storage"
)

func main() {
	var (
		cfgPath = flag.String("config", "", "Path to TOML config (defaults apply when empty)")
		loop    = flag.Bool("loop", false, "Keep scanning on the configured schedule until interrupted")
		check   = flag.Bool("check", false, "Validate the config and exit")
	)
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if *check {
		fmt.Println("config ok")
		return
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, *loop, logger); err != nil {
		logger.Error("scanner stopped", slog.Any("err", err))
		os.Exit(1)
	}
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}

func run(ctx context.Context, cfg *config.Config, loop bool, logger *slog.Logger) error {
	client, err := eth.NewClient(ctx, cfg.Chain.RPCURLs, cfg.RPCOptions(), logger)
	if err != nil {
		return fmt.Errorf("rpc client: %w", err)
	}
	defer client.Close()
	defer logRPCTotals(client, logger)

	quoter, err := arbitrage.NewChainQuoter(client)
	if err != nil {
		return err
	}

	fileSink, err := artifacts.NewFileSink(cfg.Output.Dir)
	if err != nil {
		return err
	}
	sink := artifacts.Multi{fileSink}

	var s3Sink *artifacts.S3Sink
	if cfg.S3.Enabled {
		s3Sink, err = artifacts.NewS3Sink(ctx, cfg.S3Sink())
		if err != nil {
			return fmt.Errorf("s3 sink: %w", err)
		}
		sink = append(sink, s3Sink)
	}

	var history *storage.HistoryDB
	if cfg.Output.HistoryDB != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.Output.HistoryDB), 0o755); err != nil {
			return err
		}
		history, err = storage.NewHistoryDB(cfg.Output.HistoryDB)
		if err != nil {
			return fmt.Errorf("history db: %w", err)
		}
		defer history.Close()
	}

	var session *paper.Session
	if cfg.Paper.Enabled {
		var rec paper.Recorder
		if history != nil {
			rec = history
		}
		session, err = paper.NewSession(cfg.PaperSession(), rec, logger)
		if err != nil {
			return err
		}
		defer closeSession(session, s3Sink, logger)
	}

	orch, err := scan.NewOrchestrator(cfg, scan.Deps{
		Chain:   client,
		Quoter:  quoter,
		Sink:    sink,
		Session: session,
		History: history,
	}, logger)
	if err != nil {
		return err
	}

	logger.Info("scanner ready",
		slog.Uint64("chain_id", cfg.Chain.ChainID),
		slog.Int("pools", len(orch.Pools())),
		slog.Any("pairs", cfg.Scan.Pairs),
		slog.Any("dexes", cfg.Scan.Dexes),
		slog.Bool("paper", session != nil),
		slog.Bool("s3", s3Sink != nil))

	if !loop {
		res, err := orch.RunCycle(ctx)
		if err != nil {
			return err
		}
		printSummary(res)
		return nil
	}
	return schedule(ctx, cfg.Scan.Schedule, orch, logger)
}

// schedule runs a cycle on every tick until ctx is done. a cycle still
// running when the next tick fires makes that tick a no-op.
func schedule(ctx context.Context, expr string, orch *scan.Orchestrator, logger *slog.Logger) error {
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	_, err := c.AddFunc(expr, func() {
		if _, err := orch.RunCycle(ctx); err != nil {
			if errors.Is(err, scan.ErrBlockPinFailed) {
				logger.Warn("cycle skipped", slog.Any("err", err))
				return
			}
			logger.Error("cycle failed", slog.Any("err", err))
		}
	})
	if err != nil {
		return fmt.Errorf("schedule %q: %w", expr, err)
	}

	logger.Info("scheduled", slog.String("schedule", expr))
	c.Start()
	<-ctx.Done()

	logger.Info("shutting down, waiting for the running cycle")
	<-c.Stop().Done()
	return nil
}

func logRPCTotals(client *eth.Client, logger *slog.Logger) {
	st := client.Stats()
	logger.Info("rpc totals",
		slog.Int64("requests", st.TotalRequests),
		slog.Int64("succeeded", st.SuccessCount),
		slog.Int64("failed", st.FailureCount),
		slog.String("success_rate", st.SuccessRate.StringFixed(4)),
		slog.Int64("avg_latency_ms", st.AvgLatencyMs),
		slog.Any("endpoints", st.Endpoints))
}

func closeSession(s *paper.Session, s3Sink *artifacts.S3Sink, logger *slog.Logger) {
	logger.Info("paper session closed", slog.Any("summary", s.Summary()))

	trades, err := s.LoadTrades()
	if err != nil {
		logger.Error("read paper ledger", slog.Any("err", err))
	}
	for _, t := range trades {
		if t.Revalidation != nil && t.Revalidation.Outcome == paper.GatesChanged {
			logger.Info("paper decision did not hold",
				slog.String("spread_id", t.SpreadID),
				slog.Uint64("block", t.BlockNumber),
				slog.Uint64("revalidated_at", t.Revalidation.RevalidationBlock),
				slog.String("expected_pnl", t.ExpectedPnl),
				slog.String("new_pnl", t.Revalidation.NewPnl))
		}
	}

	if s3Sink == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	key := artifacts.LedgerKey(s.ID())
	if err := s3Sink.UploadFile(ctx, key, s.LedgerPath(), artifacts.ContentTypeJSONL); err != nil {
		logger.Error("upload paper ledger", slog.String("key", key), slog.Any("err", err))
	}
}

func printSummary(res *scan.CycleResult) {
	r := res.Report
	fmt.Printf("\nCycle %s @ block %d (%s)\n", res.CycleID, res.Block, res.Duration.Round(time.Millisecond))
	fmt.Println("========================================")
	fmt.Printf("Quotes:   %d attempted, %d fetched, %d passed, %d rejected, %d code errors\n",
		r.Stats.QuotesAttempted, r.Stats.QuotesFetched, r.Stats.QuotesPassedGates,
		r.Stats.QuotesRejectedByGates, r.Stats.QuotesCodeErrors)
	fmt.Printf("Spreads:  %d total, %d profitable, %d execution ready\n",
		r.Stats.TotalSpreads, r.Stats.ProfitableSpreads, r.Stats.ExecutionReadyCount)
	fmt.Printf("Signal:   %s %s (%s bps)\n", r.PnL.SignalPnl, r.PnL.Numeraire, r.PnL.SignalPnlBps)

	if len(r.TopOpportunities) > 0 {
		fmt.Println("\nTop opportunities:")
		for _, o := range r.TopOpportunities {
			fmt.Printf("  #%d %-10s buy %s/%d sell %s/%d  net %s bps  conf %s  %s\n",
				o.Rank, o.Pair, o.BuyDex, o.BuyFee, o.SellDex, o.SellFee, o.NetPnlBps, o.Confidence, readiness(o.ExecutionReady, o.BlockedReason))
		}
	}
	if len(r.InvariantViolations) > 0 {
		fmt.Println("\nInvariant violations:")
		for _, v := range r.InvariantViolations {
			fmt.Printf("  - %s\n", v)
		}
	}
	for _, k := range res.ArtifactKeys {
		fmt.Printf("wrote %s\n", k)
	}
}

func readiness(ready bool, reason string) string {
	if ready {
		return "READY"
	}
	return "blocked: " + reason
}
