package executor

import (
	"context"
	"time"

	"kis-daytrader/pkg/types"
)

// RecoverStaleOrders sweeps symbols whose open order has outlived
// stuck_order_timeout_minutes, attempts a broker cancel, and restores the
// prior phase regardless of the cancel outcome (a cancel that lands after
// the restore just produces a harmless broker-side no-op; a fill that
// lands first is reconciled by the notice processor's dedup-and-aggregate
// path). Returns the number of symbols recovered. A zero timeout disables
// the sweep entirely.
func (e *Executor) RecoverStaleOrders(ctx context.Context) int {
	timeout := e.perfCfg.StuckOrderTimeout()
	if timeout <= 0 {
		return 0
	}
	now := e.now()
	recovered := 0

	for _, snap := range e.store.ByStatus(types.BuyOrdered, types.PartialBought) {
		if snap.Trade.BuyOrderAt.IsZero() || now.Sub(snap.Trade.BuyOrderAt) < timeout {
			continue
		}
		e.logger.Warn("stale buy order, recovering",
			"code", snap.Code, "order_no", snap.Trade.BuyOrderNo,
			"age", now.Sub(snap.Trade.BuyOrderAt).Round(time.Second))
		e.tryCancel(ctx, snap.Trade.BuyOrgNo, snap.Trade.BuyOrderNo)
		e.restoreAfterCancel(snap.Code, types.SideBuy, "stale_order_recovery")
		recovered++
	}

	for _, snap := range e.store.ByStatus(types.SellOrdered, types.PartialSold) {
		if snap.Trade.SellOrderAt.IsZero() || now.Sub(snap.Trade.SellOrderAt) < timeout {
			continue
		}
		e.logger.Warn("stale sell order, recovering",
			"code", snap.Code, "order_no", snap.Trade.SellOrderNo,
			"age", now.Sub(snap.Trade.SellOrderAt).Round(time.Second))
		e.tryCancel(ctx, snap.Trade.SellOrgNo, snap.Trade.SellOrderNo)
		e.restoreAfterCancel(snap.Code, types.SideSell, "stale_order_recovery")
		recovered++
	}

	if recovered > 0 {
		e.mu.Lock()
		e.recovered += int64(recovered)
		e.mu.Unlock()
	}
	return recovered
}

// ForceCancelAllPendingOrders is the emergency path: cancel every open
// order on both sides immediately, ignoring the stale timeout.
func (e *Executor) ForceCancelAllPendingOrders(ctx context.Context) int {
	cancelled := 0
	for _, snap := range e.store.ByStatus(types.BuyOrdered, types.PartialBought) {
		e.tryCancel(ctx, snap.Trade.BuyOrgNo, snap.Trade.BuyOrderNo)
		e.restoreAfterCancel(snap.Code, types.SideBuy, "force_cancel")
		cancelled++
	}
	for _, snap := range e.store.ByStatus(types.SellOrdered, types.PartialSold) {
		e.tryCancel(ctx, snap.Trade.SellOrgNo, snap.Trade.SellOrderNo)
		e.restoreAfterCancel(snap.Code, types.SideSell, "force_cancel")
		cancelled++
	}
	if cancelled > 0 {
		e.logger.Warn("force-cancelled all pending orders", "count", cancelled)
	}
	return cancelled
}

// tryCancel issues the broker cancel and records the outcome. Failure is
// noted but never blocks the status restore.
func (e *Executor) tryCancel(ctx context.Context, orgNo, orderNo string) {
	if orderNo == "" {
		return
	}
	ack, err := e.broker.CancelOrder(ctx, orgNo, orderNo)
	if err != nil || !ack.Accepted() {
		e.countCancel(false)
		e.logger.Warn("recovery cancel failed", "order_no", orderNo, "error", err)
		return
	}
	e.countCancel(true)
}

// Recoveries reports the cumulative stale-order recovery count.
func (e *Executor) Recoveries() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.recovered
}
