package executor

import (
	"context"
	"math"
	"testing"
	"time"

	"kis-daytrader/internal/store"
	"kis-daytrader/pkg/types"
)

func buyNotice(code string, qty int64, price float64, execTime, orderNo string) types.ExecutionNotice {
	return types.ExecutionNotice{
		StockCode: code, Side: types.SideBuy, ExecYN: "2",
		ExecQty: qty, ExecPrice: price, ExecTime: execTime, OrderNo: orderNo,
	}
}

func sellNotice(code string, qty int64, price float64, execTime, orderNo string) types.ExecutionNotice {
	return types.ExecutionNotice{
		StockCode: code, Side: types.SideSell, ExecYN: "2",
		ExecQty: qty, ExecPrice: price, ExecTime: execTime, OrderNo: orderNo,
	}
}

func TestBuyFillsAggregateWeightedAverage(t *testing.T) {
	t.Parallel()
	e, _, st := newTestExecutor(t)
	addWatching(t, st, "005930", 10000)

	if !e.ExecuteBuy(context.Background(), "005930", 10000, 10) {
		t.Fatal("buy failed")
	}

	e.ProcessNotice(buyNotice("005930", 4, 10000, "093001", "ORD1"))
	snap := st.Snapshot("005930")
	if snap.Status != types.PartialBought {
		t.Fatalf("status after first fill = %s, want PARTIAL_BOUGHT", snap.Status)
	}
	if snap.Trade.FilledQty != 4 || snap.Trade.RemainingQty != 6 {
		t.Errorf("counters = %d/%d, want 4/6", snap.Trade.FilledQty, snap.Trade.RemainingQty)
	}

	e.ProcessNotice(buyNotice("005930", 6, 10050, "093004", "ORD1"))
	snap = st.Snapshot("005930")
	if snap.Status != types.Bought {
		t.Fatalf("status after final fill = %s, want BOUGHT", snap.Status)
	}
	// (4×10000 + 6×10050) / 10 = 10030
	if math.Abs(snap.Trade.BuyPrice-10030) > 0.001 {
		t.Errorf("BuyPrice = %v, want 10030", snap.Trade.BuyPrice)
	}
	if snap.Trade.BuyQuantity != 10 || snap.Trade.RemainingQty != 0 {
		t.Errorf("quantity = %d remaining = %d", snap.Trade.BuyQuantity, snap.Trade.RemainingQty)
	}
	if snap.Trade.BoughtAt.IsZero() {
		t.Error("BoughtAt not set")
	}
}

func TestDuplicateNoticeDropped(t *testing.T) {
	t.Parallel()
	e, _, st := newTestExecutor(t)
	addWatching(t, st, "005930", 10000)

	if !e.ExecuteBuy(context.Background(), "005930", 10000, 10) {
		t.Fatal("buy failed")
	}

	n := buyNotice("005930", 4, 10000, "093001", "ORD1")
	e.ProcessNotice(n)
	e.ProcessNotice(n) // broker replay

	snap := st.Snapshot("005930")
	if snap.Trade.FilledQty != 4 {
		t.Errorf("FilledQty = %d, want 4 (replay must not double-count)", snap.Trade.FilledQty)
	}
}

func TestNonExecutionNoticesIgnored(t *testing.T) {
	t.Parallel()
	e, _, st := newTestExecutor(t)
	addWatching(t, st, "005930", 10000)

	if !e.ExecuteBuy(context.Background(), "005930", 10000, 10) {
		t.Fatal("buy failed")
	}

	accepted := buyNotice("005930", 10, 10000, "093000", "ORD1")
	accepted.ExecYN = "1" // acceptance echo, not an execution
	e.ProcessNotice(accepted)
	e.ProcessNotice(buyNotice("005930", 0, 10000, "093001", "ORD1"))
	e.ProcessNotice(buyNotice("999999", 10, 10000, "093002", "ORDX")) // untracked

	if snap := st.Snapshot("005930"); snap.Trade.FilledQty != 0 {
		t.Errorf("FilledQty = %d, want 0", snap.Trade.FilledQty)
	}
}

func TestSellFillRealizesPnLAndUnsubscribes(t *testing.T) {
	t.Parallel()
	e, _, st := newTestExecutor(t)
	unsub := &fakeUnsub{}
	e.SetGateway(unsub)
	addWatching(t, st, "005930", 10000)
	moveToBought(t, st, "005930", 10000, 10)
	st.UpdatePrice("005930", 10300)

	if !e.ExecuteSell(context.Background(), "005930", 0, "take_profit") {
		t.Fatal("sell failed")
	}
	e.ProcessNotice(sellNotice("005930", 10, 10300, "141000", "S1"))

	snap := st.Snapshot("005930")
	if snap.Status != types.Sold {
		t.Fatalf("status = %s, want SOLD", snap.Status)
	}
	// Gross P&L: (10300 − 10000) × 10 = 3000.
	if math.Abs(snap.Trade.RealizedPnL-3000) > 0.001 {
		t.Errorf("RealizedPnL = %v, want 3000", snap.Trade.RealizedPnL)
	}
	if math.Abs(snap.Trade.RealizedPnLRate-3.0) > 0.001 {
		t.Errorf("RealizedPnLRate = %v, want 3.0", snap.Trade.RealizedPnLRate)
	}

	if len(unsub.codes) != 1 || unsub.codes[0] != "005930" {
		t.Errorf("unsubscribed = %v, want [005930]", unsub.codes)
	}
	if e.risk.Snapshot().Trades != 1 {
		t.Error("risk ledger did not record the closed trade")
	}
	if st.SoldAt("005930").IsZero() {
		t.Error("SoldAt not stamped")
	}
}

func TestPartialSellStaysPartialSold(t *testing.T) {
	t.Parallel()
	e, _, st := newTestExecutor(t)
	unsub := &fakeUnsub{}
	e.SetGateway(unsub)
	addWatching(t, st, "005930", 10000)
	moveToBought(t, st, "005930", 10000, 10)
	st.UpdatePrice("005930", 10300)

	if !e.ExecuteSell(context.Background(), "005930", 0, "take_profit") {
		t.Fatal("sell failed")
	}
	e.ProcessNotice(sellNotice("005930", 3, 10300, "141000", "S1"))

	snap := st.Snapshot("005930")
	if snap.Status != types.PartialSold {
		t.Fatalf("status = %s, want PARTIAL_SOLD", snap.Status)
	}
	if len(unsub.codes) != 0 {
		t.Error("unsubscribed before the position fully closed")
	}
	if e.risk.Snapshot().Trades != 0 {
		t.Error("risk ledger recorded a still-open trade")
	}
}

func TestRecoverStaleBuyOrder(t *testing.T) {
	t.Parallel()
	e, broker, st := newTestExecutor(t)
	addWatching(t, st, "005930", 70000)
	addWatching(t, st, "000660", 120000)

	if !e.ExecuteBuy(context.Background(), "005930", 70000, 10) {
		t.Fatal("buy failed")
	}
	if !e.ExecuteBuy(context.Background(), "000660", 120000, 5) {
		t.Fatal("buy failed")
	}

	// Age only the first order past the 3-minute timeout.
	st.ChangeStatus("005930", types.BuyOrdered, "test", func(ti *store.TradeInfo) {
		ti.BuyOrderAt = time.Now().Add(-5 * time.Minute)
	})

	if got := e.RecoverStaleOrders(context.Background()); got != 1 {
		t.Fatalf("recovered = %d, want 1", got)
	}
	if snap := st.Snapshot("005930"); snap.Status != types.Watching {
		t.Errorf("stale order status = %s, want WATCHING", snap.Status)
	}
	if snap := st.Snapshot("000660"); snap.Status != types.BuyOrdered {
		t.Errorf("fresh order status = %s, want BUY_ORDERED untouched", snap.Status)
	}
	if len(broker.cancelled) != 1 {
		t.Errorf("cancels issued = %d, want 1", len(broker.cancelled))
	}
	if e.Recoveries() != 1 {
		t.Errorf("Recoveries = %d, want 1", e.Recoveries())
	}
}

func TestRecoverStaleSellRestoresBought(t *testing.T) {
	t.Parallel()
	e, _, st := newTestExecutor(t)
	addWatching(t, st, "005930", 70000)
	moveToBought(t, st, "005930", 69000, 10)
	st.UpdatePrice("005930", 70000)

	if !e.ExecuteSell(context.Background(), "005930", 0, "stop_loss") {
		t.Fatal("sell failed")
	}
	st.ChangeStatus("005930", types.SellOrdered, "test", func(ti *store.TradeInfo) {
		ti.SellOrderAt = time.Now().Add(-10 * time.Minute)
	})

	if got := e.RecoverStaleOrders(context.Background()); got != 1 {
		t.Fatalf("recovered = %d, want 1", got)
	}
	snap := st.Snapshot("005930")
	if snap.Status != types.Bought {
		t.Errorf("status = %s, want BOUGHT", snap.Status)
	}
	if snap.Trade.BuyQuantity != 10 {
		t.Errorf("BuyQuantity = %d, want 10 (nothing sold)", snap.Trade.BuyQuantity)
	}
}

func TestRecoveryDisabledByZeroTimeout(t *testing.T) {
	t.Parallel()
	e, _, st := newTestExecutor(t)
	e.perfCfg.StuckOrderTimeoutMinutes = 0
	addWatching(t, st, "005930", 70000)

	if !e.ExecuteBuy(context.Background(), "005930", 70000, 10) {
		t.Fatal("buy failed")
	}
	st.ChangeStatus("005930", types.BuyOrdered, "test", func(ti *store.TradeInfo) {
		ti.BuyOrderAt = time.Now().Add(-time.Hour)
	})

	if got := e.RecoverStaleOrders(context.Background()); got != 0 {
		t.Errorf("recovered = %d, want 0 with timeout disabled", got)
	}
}

func TestForceCancelAllPendingOrders(t *testing.T) {
	t.Parallel()
	e, broker, st := newTestExecutor(t)
	addWatching(t, st, "005930", 70000)
	addWatching(t, st, "000660", 120000)
	moveToBought(t, st, "000660", 119000, 5)
	st.UpdatePrice("000660", 120000)

	if !e.ExecuteBuy(context.Background(), "005930", 70000, 10) {
		t.Fatal("buy failed")
	}
	if !e.ExecuteSell(context.Background(), "000660", 0, "exit_time") {
		t.Fatal("sell failed")
	}

	if got := e.ForceCancelAllPendingOrders(context.Background()); got != 2 {
		t.Fatalf("cancelled = %d, want 2", got)
	}
	if snap := st.Snapshot("005930"); snap.Status != types.Watching {
		t.Errorf("buy side = %s, want WATCHING", snap.Status)
	}
	if snap := st.Snapshot("000660"); snap.Status != types.Bought {
		t.Errorf("sell side = %s, want BOUGHT", snap.Status)
	}
	if len(broker.cancelled) != 2 {
		t.Errorf("broker cancels = %d, want 2", len(broker.cancelled))
	}
}
