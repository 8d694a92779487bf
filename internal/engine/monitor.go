package engine

import (
	"context"
	"time"

	"kis-daytrader/internal/api"
	"kis-daytrader/internal/journal"
	"kis-daytrader/internal/strategy"
	"kis-daytrader/pkg/types"
)

const subscribeMaxAttempts = 3

// monitorLoop is the single-threaded decision loop. Analyzer calls run
// synchronously here; broker calls block the tick (acceptable at this
// cadence), and realtime ingest continues on the gateway goroutine.
func (e *Engine) monitorLoop(ctx context.Context) {
	var lastReport time.Time

	for {
		phase := strategy.PhaseAt(e.now(), e.cfg.Schedule)

		e.processSubscriptions()

		if phase.Trading() {
			e.evaluateAll(ctx, phase)
			e.exec.RecoverStaleOrders(ctx)
		}

		if now := e.now(); now.Sub(lastReport) >= time.Minute {
			e.minuteReport(phase)
			lastReport = now
		}
		e.maybeDailySummary()

		interval := e.tickInterval()
		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
		case <-e.store.Updates():
			// Fresh data: still honor a minimum pause so a tick storm
			// cannot turn the loop into a busy spin.
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
		}
	}
}

// tickInterval picks fast or normal cadence: fast when at least
// high_volatility_position_ratio of tracked symbols are moving more than
// volatility_threshold percent.
func (e *Engine) tickInterval() time.Duration {
	codes := e.store.Codes()
	if len(codes) == 0 {
		return e.cfg.Perf.NormalInterval()
	}

	hot := 0
	for _, code := range codes {
		snap := e.store.Snapshot(code)
		if snap == nil {
			continue
		}
		rate := snap.RT.PriceChangeRate
		if rate < 0 {
			rate = -rate
		}
		if rate >= e.cfg.Perf.VolatilityThreshold {
			hot++
		}
	}
	if float64(hot) >= e.cfg.Perf.HighVolatilityPositionRatio*float64(len(codes)) && hot > 0 {
		return e.cfg.Perf.FastInterval()
	}
	return e.cfg.Perf.NormalInterval()
}

// processSubscriptions drains one batch of pending subscribe requests.
// Each request gets three attempts before it is dropped.
func (e *Engine) processSubscriptions() {
	batch := e.cfg.Perf.WebsocketSubscriptionBatchSize
	if batch <= 0 {
		batch = 5
	}

	e.subMu.Lock()
	n := len(e.pending)
	if n == 0 {
		e.subMu.Unlock()
		return
	}
	if n > batch {
		n = batch
	}
	work := make([]subRequest, n)
	copy(work, e.pending[:n])
	e.pending = e.pending[n:]
	e.subMu.Unlock()

	var retry []subRequest
	for _, req := range work {
		if e.feed.Subscribe(req.code) {
			continue
		}
		req.attempts++
		if req.attempts >= subscribeMaxAttempts {
			e.logger.Error("subscription dropped after retries", "code", req.code)
			continue
		}
		retry = append(retry, req)
	}
	if len(retry) > 0 {
		e.subMu.Lock()
		e.pending = append(e.pending, retry...)
		e.subMu.Unlock()
	}
}

// evaluateAll walks every tracked symbol once: exits first for held
// positions, then entries for watchers. A single symbol's failure never
// stops the pass.
func (e *Engine) evaluateAll(ctx context.Context, phase types.MarketPhase) {
	for _, code := range e.store.Codes() {
		snap := e.store.Snapshot(code)
		if snap == nil {
			continue
		}

		switch {
		case snap.Status.Held():
			sc := strategy.SellContext{
				Phase:    phase,
				Now:      e.now(),
				Flow:     e.flow,
				ExitTime: e.exitTimeForPhase(),
			}
			reason := strategy.AnalyzeSell(snap, sc, e.cfg.Risk, e.cfg.Perf)
			if reason == "" {
				continue
			}
			// Orders in flight settle through notices or recovery first.
			if snap.Status != types.Bought {
				continue
			}
			e.exec.ExecuteSell(ctx, code, 0, reason)

		case snap.Status == types.Watching:
			decision := strategy.AnalyzeBuy(snap, phase, e.now(), e.cfg.Perf)
			if !decision.Buy {
				continue
			}
			price := snap.RT.CurrentPrice
			cash, total := e.balance(ctx)
			highVol := snap.RT.Volatility >= e.cfg.Perf.VolatilityThreshold
			open := len(e.store.ByStatus(types.BuyOrdered, types.PartialBought,
				types.Bought, types.SellOrdered, types.PartialSold))
			qty := strategy.PositionSize(price, cash, total, phase, highVol, open, e.cfg.Risk, e.cfg.Perf)
			if qty <= 0 {
				continue
			}
			e.logger.Info("buy signal",
				"code", code, "score", decision.Score, "momentum", decision.Momentum,
				"reason", decision.Reason, "qty", qty)
			e.exec.ExecuteBuy(ctx, code, price, qty)
		}
	}
}

// exitTimeForPhase returns the flatten cutoff only in day-trading mode.
func (e *Engine) exitTimeForPhase() string {
	if !e.cfg.Strategy.IsDayTrading() {
		return ""
	}
	return e.cfg.ExitTime()
}

// minuteReport logs the once-a-minute status line.
func (e *Engine) minuteReport(phase types.MarketPhase) {
	stats := e.risk.Snapshot()
	held := e.store.ByStatus(types.Bought, types.PartialBought, types.SellOrdered, types.PartialSold)
	e.logger.Info("status",
		"phase", string(phase),
		"tracked", e.store.Len(),
		"positions", len(held),
		"trades", stats.Trades,
		"pnl", stats.RealizedPnL,
		"gateway_healthy", e.feed.IsHealthy(),
	)
}

// intradayScanWorker periodically proposes additional symbols during the
// active session, keeping the scan's REST calls off the monitor thread.
func (e *Engine) intradayScanWorker(ctx context.Context) {
	every := time.Duration(e.cfg.Perf.IntradayScanIntervalMinutes) * time.Minute
	if every <= 0 {
		every = 30 * time.Minute
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		phase := strategy.PhaseAt(e.now(), e.cfg.Schedule)
		if phase == types.PhaseClosed || phase == types.PhaseClosing {
			continue
		}

		room := e.cfg.Perf.MaxTotalObservableStocks - e.store.Len()
		if room > e.cfg.Perf.MaxIntradaySelectedStocks {
			room = e.cfg.Perf.MaxIntradaySelectedStocks
		}
		if room <= 0 || !e.feed.HasCapacity(1) {
			continue
		}

		for _, c := range e.scanner.IntradayScanAdditionalStocks(ctx, room) {
			if !e.feed.HasCapacity(1) {
				break
			}
			if e.store.AddIntradayStock(c.Code, c.Name, c.Price, c.Score, c.Reasons, nil) {
				e.QueueSubscription(c.Code)
			}
		}
	}
}

// runPreMarketScan resets the day's state and builds the watchlist.
func (e *Engine) runPreMarketScan(ctx context.Context) {
	e.risk.Reset()
	e.exec.ResetDedup()

	if !e.scanner.RunPreMarketScan(ctx) {
		e.logger.Warn("pre-market scan selected nothing")
		return
	}
	e.summaryMu.Lock()
	e.summaryDone = false
	e.scannedAt = e.now()
	e.summaryMu.Unlock()

	codes := e.store.Codes()
	for _, code := range codes {
		e.QueueSubscription(code)
	}
	e.logger.Info("watchlist ready", "symbols", len(codes))
	e.notifyf("pre-market scan done: %d symbols selected", len(codes))
}

// flattenAll sells every held position at market-chasing limits and
// force-cancels whatever is still pending. Used at the day-trading exit
// cutoff.
func (e *Engine) flattenAll(ctx context.Context) {
	e.exec.ForceCancelAllPendingOrders(ctx)
	for _, snap := range e.store.ByStatus(types.Bought) {
		e.exec.ExecuteSell(ctx, snap.Code, 0, strategy.SellExitTime)
	}
}

// maybeDailySummary emits the end-of-day report once after the close.
func (e *Engine) maybeDailySummary() {
	now := e.now().In(strategy.KST)
	if now.Hour() < 16 {
		return
	}

	e.summaryMu.Lock()
	if e.summaryDone {
		e.summaryMu.Unlock()
		return
	}
	e.summaryDone = true
	e.summaryMu.Unlock()

	e.emitDailySummary(now)
}

func (e *Engine) emitDailySummary(now time.Time) {
	stats := e.risk.Snapshot()
	avgPnL := 0.0
	if stats.Trades > 0 {
		avgPnL = stats.RealizedPnL / float64(stats.Trades)
	}

	e.logger.Info("daily summary",
		"trades", stats.Trades,
		"wins", stats.Wins,
		"losses", stats.Losses,
		"win_rate", stats.WinRate,
		"pnl", stats.RealizedPnL,
		"max_drawdown", stats.MaxDrawdown,
	)

	if e.journal != nil {
		e.journal.RecordDailySummary(journal.DailySummary{
			Date:              now,
			ScannedCount:      e.store.Len(),
			ExecutedCount:     stats.Trades,
			TotalPnL:          stats.RealizedPnL,
			WinCount:          stats.Wins,
			LossCount:         stats.Losses,
			WinRate:           stats.WinRate,
			MaxPositionCount:  stats.OpenPositions,
			AvgHoldingMinutes: e.risk.AvgHoldingMinutes(),
		})
		e.journal.RecordDailyMetrics(journal.DailyMetrics{
			Date:        now,
			Trades:      stats.Trades,
			WinRate:     stats.WinRate,
			TotalPnL:    stats.RealizedPnL,
			AvgPnL:      avgPnL,
			MaxDrawdown: stats.MaxDrawdown,
			Params: map[string]any{
				"stop_loss_rate":   e.cfg.Risk.StopLossRate,
				"take_profit_rate": e.cfg.Risk.TakeProfitRate,
				"max_positions":    e.cfg.Risk.MaxPositions,
			},
		})
	}
	if e.hub != nil {
		e.hub.PublishSummary(api.SummaryEvent{
			TradeDate:   now.Format("2006-01-02"),
			Trades:      stats.Trades,
			WinRate:     stats.WinRate,
			TotalPnL:    stats.RealizedPnL,
			MaxDrawdown: stats.MaxDrawdown,
		})
	}
	e.notifyf("daily summary: %d trades, win rate %.1f%%, P&L %.0f KRW",
		stats.Trades, stats.WinRate, stats.RealizedPnL)
}
