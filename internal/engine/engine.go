// Package engine is the orchestrator of the trading day.
//
// It wires together all subsystems:
//
//  1. Scanner picks the pre-market watchlist and proposes intraday additions.
//  2. Gateway streams realtime contracts, quotes, and execution notices.
//  3. The store holds per-symbol state; analyzers read snapshots from it.
//  4. The monitor loop evaluates every tracked symbol each tick and hands
//     decisions to the executor.
//  5. Cron drives the daily lifecycle: pre-open scan, flatten, summary.
//
// Lifecycle: New() → Run(ctx) → [runs until signal] → ctx cancel → cleanup.
package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"kis-daytrader/internal/api"
	"kis-daytrader/internal/broker"
	"kis-daytrader/internal/config"
	"kis-daytrader/internal/executor"
	"kis-daytrader/internal/journal"
	"kis-daytrader/internal/risk"
	"kis-daytrader/internal/scanner"
	"kis-daytrader/internal/store"
	"kis-daytrader/internal/strategy"
	"kis-daytrader/pkg/types"

	"github.com/robfig/cron/v3"
)

// Feed is the realtime gateway surface the engine drives.
type Feed interface {
	Run(ctx context.Context) error
	Subscribe(code string) bool
	Unsubscribe(code string)
	HasCapacity(n int) bool
	SlotsUsed() int
	Subscribed() []string
	IsHealthy() bool
	FrameErrors() int64
	SafeCleanup()
}

// Accounts fetches the cash position used for sizing.
type Accounts interface {
	Balance(ctx context.Context) (*broker.BalanceInfo, error)
}

// Notifier mirrors notify.Telegram's surface.
type Notifier interface {
	Notify(text string)
	Notifyf(format string, args ...any)
}

// subRequest is one pending websocket subscription with its retry count.
type subRequest struct {
	code     string
	attempts int
}

// Engine owns the trading-day lifecycle and the monitor loop.
type Engine struct {
	cfg      *config.Config
	feed     Feed
	accounts Accounts
	scanner  *scanner.Scanner
	exec     *executor.Executor
	risk     *risk.Manager
	store    *store.Store
	flow     *strategy.FlowTracker
	journal  *journal.Journal // nil disables persistence
	notifier Notifier         // nil disables
	hub      *api.Hub         // nil when the API is off
	logger   *slog.Logger

	cron *cron.Cron
	now  func() time.Time

	subMu   sync.Mutex
	pending []subRequest

	balMu        sync.Mutex
	availCash    float64
	totalValue   float64
	balFetchedAt time.Time

	summaryMu   sync.Mutex
	summaryDone bool
	scannedAt   time.Time

	wg sync.WaitGroup
}

// Options carries the optional collaborators.
type Options struct {
	Journal  *journal.Journal
	Notifier Notifier
	Hub      *api.Hub
}

func New(cfg *config.Config, feed Feed, accounts Accounts, sc *scanner.Scanner,
	ex *executor.Executor, rm *risk.Manager, st *store.Store,
	flow *strategy.FlowTracker, opts Options, logger *slog.Logger) *Engine {

	return &Engine{
		cfg:      cfg,
		feed:     feed,
		accounts: accounts,
		scanner:  sc,
		exec:     ex,
		risk:     rm,
		store:    st,
		flow:     flow,
		journal:  opts.Journal,
		notifier: opts.Notifier,
		hub:      opts.Hub,
		logger:   logger.With("component", "engine"),
		cron:     cron.New(cron.WithLocation(strategy.KST)),
		now:      time.Now,
	}
}

// SetHub wires the status-stream hub after the API server is built; the
// server needs the engine as its state provider, so the hub arrives late.
func (e *Engine) SetHub(h *api.Hub) { e.hub = h }

// HandleContract is the gateway's contract-tick callback. It must stay
// quick: a store write, a flow-window append, nothing else.
func (e *Engine) HandleContract(t types.ContractTick) {
	if e.store.ApplyContract(t) {
		e.flow.Observe(t)
	}
}

// HandleQuote is the gateway's orderbook callback.
func (e *Engine) HandleQuote(q types.QuoteTick) {
	e.store.ApplyOrderbook(q.Code, q)
}

// HandleNotice is the gateway's execution-notice callback.
func (e *Engine) HandleNotice(n types.ExecutionNotice) {
	e.exec.ProcessNotice(n)
}

// Run starts the gateway, schedules the daily jobs, and blocks in the
// monitor loop until the context is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	e.logger.Info("engine starting",
		"dry_run", e.cfg.KIS.DryRun, "demo", e.cfg.KIS.Demo)
	e.notifyf("trading engine started (dry_run=%v)", e.cfg.KIS.DryRun)

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if err := e.feed.Run(ctx); err != nil && ctx.Err() == nil {
			e.logger.Error("gateway stopped", "error", err)
			e.risk.TriggerEmergencyStop("gateway_failure")
		}
	}()

	e.scheduleJobs(ctx)
	e.cron.Start()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.intradayScanWorker(ctx)
	}()

	// If the process starts mid-session with an empty watchlist, scan now.
	if e.store.Len() == 0 && strategy.PhaseAt(e.now(), e.cfg.Schedule).Trading() {
		e.runPreMarketScan(ctx)
	}

	e.monitorLoop(ctx)

	cronCtx := e.cron.Stop()
	<-cronCtx.Done()
	e.feed.SafeCleanup()
	e.wg.Wait()

	e.logger.Info("engine stopped")
	e.notifyf("trading engine stopped")
	return ctx.Err()
}

// QueueSubscription enqueues a symbol for websocket subscription; the
// monitor loop drains the queue in batches.
func (e *Engine) QueueSubscription(code string) {
	e.subMu.Lock()
	defer e.subMu.Unlock()
	for _, r := range e.pending {
		if r.code == code {
			return
		}
	}
	e.pending = append(e.pending, subRequest{code: code})
}

// balance returns the cached account balance, refreshing it at most once
// per minute. Falls back to the last known values on error.
func (e *Engine) balance(ctx context.Context) (cash, total float64) {
	e.balMu.Lock()
	defer e.balMu.Unlock()

	if time.Since(e.balFetchedAt) < time.Minute && e.balFetchedAt != (time.Time{}) {
		return e.availCash, e.totalValue
	}
	info, err := e.accounts.Balance(ctx)
	if err != nil {
		e.logger.Warn("balance refresh failed", "error", err)
		return e.availCash, e.totalValue
	}
	e.availCash = info.AvailableCash
	e.totalValue = info.TotalValue
	e.balFetchedAt = time.Now()
	return e.availCash, e.totalValue
}

func (e *Engine) notifyf(format string, args ...any) {
	if e.notifier != nil {
		e.notifier.Notifyf(format, args...)
	}
}

// StockSnapshots implements api.StateProvider.
func (e *Engine) StockSnapshots() []store.Snapshot {
	codes := e.store.Codes()
	out := make([]store.Snapshot, 0, len(codes))
	for _, code := range codes {
		if snap := e.store.Snapshot(code); snap != nil {
			out = append(out, *snap)
		}
	}
	return out
}

// RiskStats implements api.StateProvider.
func (e *Engine) RiskStats() risk.Stats { return e.risk.Snapshot() }

// GatewayStatus implements api.StateProvider.
func (e *Engine) GatewayStatus() api.GatewayStatus {
	return api.GatewayStatus{
		Healthy:     e.feed.IsHealthy(),
		SlotsUsed:   e.feed.SlotsUsed(),
		Subscribed:  len(e.feed.Subscribed()),
		FrameErrors: e.feed.FrameErrors(),
	}
}

// MarketPhase implements api.StateProvider.
func (e *Engine) MarketPhase() string {
	return string(strategy.PhaseAt(e.now(), e.cfg.Schedule))
}
