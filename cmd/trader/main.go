// KIS Day Trader — an automated day-trading engine for the Korean stock
// market using the Korea Investment & Securities open API.
//
// Architecture:
//
//	main.go              — entry point: loads config, wires subsystems, waits for SIGINT/SIGTERM
//	engine/              — orchestrator: monitor loop, subscription queue, cron-driven daily lifecycle
//	scanner/             — pre-market universe scan and intraday additions via KIS ranking APIs
//	strategy/            — pure analyzers: buy scoring, sell rules, position sizing, market phases
//	executor/            — order lifecycle: place, cancel, execution-notice reconciliation, recovery
//	broker/              — KIS REST client (auth, quotes, charts, rankings, orders, balance)
//	gateway/             — KIS WebSocket feed: contracts, orderbook, execution notices
//	store/               — concurrent per-symbol state store; analyzers read immutable snapshots
//	risk/                — daily limits: position count, loss cap, consecutive losses, emergency stop
//	journal/             — SQLite persistence of scans, orders, and daily summaries
//	notify/              — Telegram trade notifications
//	api/                 — read-only localhost status server (/health, /api/snapshot, /ws)
//
// How it trades:
//
//	Before the open the scanner ranks the universe and picks a watchlist.
//	The gateway streams realtime ticks into the store; every few seconds the
//	monitor loop scores each symbol and the executor places limit orders.
//	Execution notices flow back through the same gateway, positions are
//	flattened before the close, and every decision lands in the journal.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"kis-daytrader/internal/api"
	"kis-daytrader/internal/broker"
	"kis-daytrader/internal/config"
	"kis-daytrader/internal/engine"
	"kis-daytrader/internal/executor"
	"kis-daytrader/internal/gateway"
	"kis-daytrader/internal/journal"
	"kis-daytrader/internal/notify"
	"kis-daytrader/internal/risk"
	"kis-daytrader/internal/scanner"
	"kis-daytrader/internal/store"
	"kis-daytrader/internal/strategy"
	"kis-daytrader/internal/symbols"
)

func main() {
	// .env is optional; real deployments export the variables directly.
	_ = godotenv.Load()

	cfgPath := flag.String("config", "configs/config.ini", "path to the INI config file")
	flag.Parse()
	if p := os.Getenv("KIS_CONFIG"); p != "" && !flagPassed("config") {
		*cfgPath = p
	}

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", *cfgPath)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.Logging)

	if err := run(cfg, logger); err != nil && err != context.Canceled {
		logger.Error("trader exited with error", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dir, err := symbols.Load(cfg.Symbols.Path, cfg.Symbols.MarketFilter)
	if err != nil {
		return fmt.Errorf("load symbol universe: %w", err)
	}
	logger.Info("symbol universe loaded", "symbols", dir.Len(), "filter", cfg.Symbols.MarketFilter)

	auth := broker.NewAuth(cfg.KIS, logger)
	client := broker.NewClient(cfg.KIS, auth, logger)
	gw := gateway.New(cfg.KIS, cfg.Perf, auth, logger)

	st := store.New(cfg.Perf.MaxPremarketSelectedStocks, cfg.Perf.MaxIntradaySelectedStocks,
		cfg.Perf.CacheTTL(), logger)
	rm := risk.NewManager(cfg.Risk, logger)
	flow := strategy.NewFlowTracker(5*time.Minute, cfg.Perf.WeakContractStrengthThreshold)

	var jrnl *journal.Journal
	if cfg.Database.Path != "" {
		jrnl, err = journal.Open(cfg.Database.Path, logger)
		if err != nil {
			return fmt.Errorf("open journal: %w", err)
		}
		defer jrnl.Close()
	}

	var scanJournal scanner.ScanJournal
	if jrnl != nil {
		scanJournal = jrnl
	}
	sc := scanner.New(client, st, dir, scanJournal, cfg, logger)

	ex := executor.New(client, st, rm, cfg.Risk, cfg.Perf, logger)
	ex.SetGateway(gw)
	ex.SetSchedule(cfg.Schedule)
	if jrnl != nil {
		ex.SetJournal(jrnl)
	}

	var notifier *notify.Telegram
	if cfg.Telegram.Enabled {
		notifier = notify.New(cfg.Telegram, logger)
		ex.SetNotifier(notifier)
	}

	opts := engine.Options{Journal: jrnl}
	if notifier != nil {
		opts.Notifier = notifier
	}

	eng := engine.New(cfg, gw, client, sc, ex, rm, st, flow, opts, logger)
	gw.OnContract(eng.HandleContract)
	gw.OnQuote(eng.HandleQuote)
	gw.OnNotice(eng.HandleNotice)

	if cfg.API.Enabled {
		srv := api.NewServer(cfg, eng, logger)
		srv.Start()
		eng.SetHub(srv.Hub())
		defer func() {
			shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutCtx); err != nil {
				logger.Error("status api shutdown failed", "error", err)
			}
		}()
	}

	if cfg.KIS.DryRun {
		logger.Warn("DRY-RUN MODE — no real orders will be placed")
	}
	logger.Info("day trader starting",
		"account", cfg.KIS.CANO(),
		"demo", cfg.KIS.Demo,
		"dry_run", cfg.KIS.DryRun,
		"max_positions", cfg.Risk.MaxPositions,
		"trading_mode", cfg.Strategy.TradingMode,
	)

	return eng.Run(ctx)
}

func newLogger(cfg config.LoggingConfig) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Level)}
	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func flagPassed(name string) bool {
	passed := false
	flag.Visit(func(f *flag.Flag) {
		if f.Name == name {
			passed = true
		}
	})
	return passed
}
