package executor

import (
	"kis-daytrader/internal/risk"
	"kis-daytrader/internal/store"
	"kis-daytrader/pkg/types"
)

// ProcessNotice folds one execution notice into the store. It runs on the
// gateway read goroutine, so everything here is a handful of map and lock
// operations; journal and notifier calls are the only fan-out.
//
// Only actual executions pass the gate: exec_yn must be "2" with positive
// price and quantity, the symbol must be tracked, and replays of the same
// (order_no, exec_time, exec_qty) are dropped.
func (e *Executor) ProcessNotice(n types.ExecutionNotice) {
	if n.ExecYN != "2" || n.ExecQty <= 0 || n.ExecPrice <= 0 {
		return
	}
	if !e.store.Has(n.StockCode) {
		return
	}

	key := n.DedupKey()
	e.mu.Lock()
	if e.seen[key] {
		e.mu.Unlock()
		e.logger.Debug("duplicate execution notice dropped", "code", n.StockCode, "key", key)
		return
	}
	e.seen[key] = true
	e.mu.Unlock()

	switch n.Side {
	case types.SideBuy:
		e.applyBuyFill(n)
	case types.SideSell:
		e.applySellFill(n)
	}
}

// applyBuyFill aggregates a buy execution: weighted-average price, fill
// counters, and the PARTIAL_BOUGHT/BOUGHT transition land in one critical
// section so filled_qty never exceeds ordered_qty observably.
func (e *Executor) applyBuyFill(n types.ExecutionNotice) {
	snap := e.store.Snapshot(n.StockCode)
	if snap == nil || !snap.Status.PendingBuy() {
		e.logger.Warn("buy fill for symbol with no open buy order",
			"code", n.StockCode, "order_no", n.OrderNo)
		return
	}

	filledNew := snap.Trade.FilledQty + n.ExecQty
	next := types.PartialBought
	if filledNew >= snap.Trade.OrderedQty {
		next = types.Bought
	}

	now := e.now()
	var final store.TradeInfo
	ok := e.store.ChangeStatus(n.StockCode, next, "buy_execution", func(ti *store.TradeInfo) {
		avg := store.WeightedAvg(ti.AvgExecPrice, ti.FilledQty, n.ExecPrice, n.ExecQty)
		ti.FilledQty += n.ExecQty
		if ti.FilledQty > ti.OrderedQty {
			ti.FilledQty = ti.OrderedQty
		}
		ti.RemainingQty = ti.OrderedQty - ti.FilledQty
		ti.AvgExecPrice = avg
		ti.ExecutionAt = now
		ti.BuyPrice = avg
		ti.BuyQuantity = ti.FilledQty
		if ti.BoughtAt.IsZero() {
			ti.BoughtAt = now
		}
		final = *ti
	})
	if !ok {
		return
	}

	e.logger.Info("buy executed",
		"code", n.StockCode, "exec_price", n.ExecPrice, "exec_qty", n.ExecQty,
		"status", string(next))
	if next == types.Bought {
		if e.journal != nil {
			e.journal.RecordBuyExecution(final.BuyOrderNo, final.AvgExecPrice, now)
		}
		e.notify("FILLED " + snap.Name + " (" + n.StockCode + ")")
	}
}

// applySellFill aggregates a sell execution and, on the terminal fill,
// realizes P&L, records the trade with the risk ledger, journals the sell
// row, and drops the realtime subscriptions.
func (e *Executor) applySellFill(n types.ExecutionNotice) {
	snap := e.store.Snapshot(n.StockCode)
	if snap == nil || !snap.Status.PendingSell() {
		e.logger.Warn("sell fill for symbol with no open sell order",
			"code", n.StockCode, "order_no", n.OrderNo)
		return
	}

	filledNew := snap.Trade.FilledQty + n.ExecQty
	next := types.PartialSold
	if filledNew >= snap.Trade.OrderedQty {
		next = types.Sold
	}

	now := e.now()
	var final store.TradeInfo
	ok := e.store.ChangeStatus(n.StockCode, next, "sell_execution", func(ti *store.TradeInfo) {
		avg := store.WeightedAvg(ti.AvgExecPrice, ti.FilledQty, n.ExecPrice, n.ExecQty)
		ti.FilledQty += n.ExecQty
		if ti.FilledQty > ti.OrderedQty {
			ti.FilledQty = ti.OrderedQty
		}
		ti.RemainingQty = ti.OrderedQty - ti.FilledQty
		ti.AvgExecPrice = avg
		ti.ExecutionAt = now
		if ti.BuyPrice > 0 {
			ti.RealizedPnL = (avg - ti.BuyPrice) * float64(ti.FilledQty)
			ti.RealizedPnLRate = (avg - ti.BuyPrice) / ti.BuyPrice * 100
		}
		final = *ti
	})
	if !ok {
		return
	}

	e.logger.Info("sell executed",
		"code", n.StockCode, "exec_price", n.ExecPrice, "exec_qty", n.ExecQty,
		"status", string(next))

	if next != types.Sold {
		return
	}

	holding := final.HoldingMinutes(now)
	e.risk.RecordTrade(risk.TradeRecord{
		Code:       n.StockCode,
		BuyPrice:   final.BuyPrice,
		SellPrice:  final.AvgExecPrice,
		Quantity:   final.FilledQty,
		PnLRate:    final.RealizedPnLRate,
		Reason:     final.SellReason,
		HoldingMin: holding,
		ClosedAt:   now,
	})
	if e.journal != nil {
		e.journal.RecordSellOrder(SellOrder{
			Code: n.StockCode, Name: snap.Name,
			OrderNo: final.SellOrderNo, OrgNo: final.SellOrgNo,
			Price: final.AvgExecPrice, Qty: final.FilledQty,
			Reason: final.SellReason, PnL: final.RealizedPnL,
			PnLRate: final.RealizedPnLRate, HoldingMinutes: holding,
			Source: sourceOf(snap), Phase: e.phaseAt(now), At: now,
		})
	}
	e.notify("SOLD " + snap.Name + " (" + n.StockCode + ") " + final.SellReason)
	if e.gateway != nil {
		e.gateway.Unsubscribe(n.StockCode)
	}
}

// ResetDedup clears the replay filter for a new session.
func (e *Executor) ResetDedup() {
	e.mu.Lock()
	e.seen = make(map[string]bool)
	e.mu.Unlock()
}
