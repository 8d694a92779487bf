package engine

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"kis-daytrader/internal/broker"
	"kis-daytrader/internal/config"
	"kis-daytrader/internal/executor"
	"kis-daytrader/internal/risk"
	"kis-daytrader/internal/store"
	"kis-daytrader/internal/strategy"
	"kis-daytrader/pkg/types"
)

type fakeFeed struct {
	mu         sync.Mutex
	subscribed []string
	failLeft   map[string]int // remaining Subscribe failures per code
	healthy    bool
}

func newFakeFeed() *fakeFeed {
	return &fakeFeed{failLeft: make(map[string]int), healthy: true}
}

func (f *fakeFeed) Run(ctx context.Context) error { <-ctx.Done(); return ctx.Err() }

func (f *fakeFeed) Subscribe(code string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failLeft[code] > 0 {
		f.failLeft[code]--
		return false
	}
	f.subscribed = append(f.subscribed, code)
	return true
}

func (f *fakeFeed) Unsubscribe(code string) {}
func (f *fakeFeed) HasCapacity(n int) bool  { return true }

func (f *fakeFeed) SlotsUsed() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subscribed)
}

func (f *fakeFeed) Subscribed() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.subscribed...)
}

func (f *fakeFeed) IsHealthy() bool    { return f.healthy }
func (f *fakeFeed) FrameErrors() int64 { return 0 }
func (f *fakeFeed) SafeCleanup()       {}

type fakeAccounts struct {
	mu    sync.Mutex
	calls int
	info  broker.BalanceInfo
	err   error
}

func (f *fakeAccounts) Balance(ctx context.Context) (*broker.BalanceInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	info := f.info
	return &info, nil
}

type fakeNotifier struct {
	mu   sync.Mutex
	msgs []string
}

func (f *fakeNotifier) Notify(text string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs = append(f.msgs, text)
}

func (f *fakeNotifier) Notifyf(format string, args ...any) { f.Notify(format) }

func (f *fakeNotifier) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.msgs)
}

type fakeOrderBroker struct {
	mu     sync.Mutex
	placed []types.Side
}

func (f *fakeOrderBroker) PlaceOrder(ctx context.Context, side types.Side, code string, qty int64, price float64) (types.OrderAck, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.placed = append(f.placed, side)
	return types.OrderAck{RtCd: "0", OrderNo: "ORD1"}, nil
}

func (f *fakeOrderBroker) CancelOrder(ctx context.Context, orgNo, orderNo string) (types.OrderAck, error) {
	return types.OrderAck{RtCd: "0"}, nil
}

func testEngineConfig() *config.Config {
	return &config.Config{
		Strategy: config.StrategyConfig{TradingMode: "day", NextDayForceSell: true},
		Schedule: config.ScheduleConfig{
			MarketOpenTime:    "09:00",
			MarketCloseTime:   "15:30",
			PreMarketScanTime: "08:30",
		},
		Risk: config.RiskConfig{
			StopLossRate:    -2,
			TakeProfitRate:  3,
			MaxPositions:    5,
			MaxDailyLoss:    -500000,
			MaxPositionSize: 2000000,
		},
		Perf: config.PerfConfig{
			FastMonitoringInterval:         3,
			NormalMonitoringInterval:       10,
			WebsocketSubscriptionBatchSize: 2,
			VolatilityThreshold:            3,
			HighVolatilityPositionRatio:    0.5,
		},
	}
}

func newTestEngine(t *testing.T) (*Engine, *fakeFeed, *fakeOrderBroker, *store.Store) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := testEngineConfig()
	st := store.New(15, 4, time.Millisecond, logger)
	rm := risk.NewManager(cfg.Risk, logger)
	ob := &fakeOrderBroker{}
	ex := executor.New(ob, st, rm, cfg.Risk, cfg.Perf, logger)
	feed := newFakeFeed()
	flow := strategy.NewFlowTracker(5*time.Minute, 90)

	e := New(cfg, feed, &fakeAccounts{info: broker.BalanceInfo{AvailableCash: 10_000_000, TotalValue: 12_000_000}},
		nil, ex, rm, st, flow, Options{}, logger)
	return e, feed, ob, st
}

func addTracked(t *testing.T, st *store.Store, code string, price float64) {
	t.Helper()
	day0 := types.OHLCV{Close: price, High: price, Low: price}
	if !st.AddSelectedStock(code, "테스트종목", day0, 80, nil) {
		t.Fatalf("AddSelectedStock(%s) failed", code)
	}
	st.UpdatePrice(code, price)
}

func holdPosition(t *testing.T, st *store.Store, code string, buyPrice float64, qty int64) {
	t.Helper()
	st.ChangeStatus(code, types.BuyOrdered, "test", func(ti *store.TradeInfo) {
		ti.OrderedQty = qty
		ti.RemainingQty = qty
		ti.BuyOrderNo = "B1"
		ti.BuyOrderAt = time.Now()
	})
	st.ChangeStatus(code, types.Bought, "test", func(ti *store.TradeInfo) {
		ti.BuyPrice = buyPrice
		ti.BuyQuantity = qty
		ti.FilledQty = qty
		ti.RemainingQty = 0
		ti.BoughtAt = time.Now()
	})
}

func TestCronSpec(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "08:30", want: "30 8 * * MON-FRI"},
		{in: "15:10", want: "10 15 * * MON-FRI"},
		{in: "09:00", want: "0 9 * * MON-FRI"},
		{in: "25:00", wantErr: true},
		{in: "garbage", wantErr: true},
	}
	for _, tt := range tests {
		got, err := cronSpec(tt.in)
		if tt.wantErr {
			if err == nil {
				t.Errorf("cronSpec(%q) accepted invalid input", tt.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("cronSpec(%q): %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("cronSpec(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestQueueSubscriptionDeduplicates(t *testing.T) {
	t.Parallel()
	e, feed, _, _ := newTestEngine(t)

	e.QueueSubscription("005930")
	e.QueueSubscription("005930")
	e.processSubscriptions()

	if got := feed.Subscribed(); len(got) != 1 {
		t.Errorf("subscribed = %v, want one entry", got)
	}
}

func TestProcessSubscriptionsDrainsInBatches(t *testing.T) {
	t.Parallel()
	e, feed, _, _ := newTestEngine(t)

	for _, code := range []string{"005930", "051910", "000660"} {
		e.QueueSubscription(code)
	}

	e.processSubscriptions()
	if got := len(feed.Subscribed()); got != 2 {
		t.Fatalf("after first batch subscribed = %d, want 2", got)
	}
	e.processSubscriptions()
	if got := len(feed.Subscribed()); got != 3 {
		t.Fatalf("after second batch subscribed = %d, want 3", got)
	}
}

func TestProcessSubscriptionsDropsAfterRetries(t *testing.T) {
	t.Parallel()
	e, feed, _, _ := newTestEngine(t)
	feed.failLeft["005930"] = 10 // never succeeds

	e.QueueSubscription("005930")
	for i := 0; i < subscribeMaxAttempts; i++ {
		e.processSubscriptions()
	}

	e.subMu.Lock()
	left := len(e.pending)
	e.subMu.Unlock()
	if left != 0 {
		t.Errorf("pending = %d after max retries, want 0 (dropped)", left)
	}
	if got := feed.Subscribed(); len(got) != 0 {
		t.Errorf("subscribed = %v, want none", got)
	}
}

func TestProcessSubscriptionsRetriesTransientFailure(t *testing.T) {
	t.Parallel()
	e, feed, _, _ := newTestEngine(t)
	feed.failLeft["005930"] = 1 // fails once, then sticks

	e.QueueSubscription("005930")
	e.processSubscriptions()
	if got := len(feed.Subscribed()); got != 0 {
		t.Fatalf("subscribed after failing pass = %d, want 0", got)
	}
	e.processSubscriptions()
	if got := feed.Subscribed(); len(got) != 1 || got[0] != "005930" {
		t.Errorf("subscribed = %v, want [005930]", got)
	}
}

func TestTickIntervalAdaptsToVolatility(t *testing.T) {
	t.Parallel()
	e, _, _, st := newTestEngine(t)

	addTracked(t, st, "005930", 70000)
	addTracked(t, st, "051910", 400000)

	if got := e.tickInterval(); got != 10*time.Second {
		t.Fatalf("calm interval = %v, want 10s", got)
	}

	// One of two symbols moving 5% hits the 0.5 hot ratio.
	st.ApplyContract(types.ContractTick{Code: "005930", Price: 73500, ChangeRate: 5})
	if got := e.tickInterval(); got != 3*time.Second {
		t.Errorf("hot interval = %v, want 3s", got)
	}
}

func TestTickIntervalEmptyWatchlist(t *testing.T) {
	t.Parallel()
	e, _, _, _ := newTestEngine(t)
	if got := e.tickInterval(); got != 10*time.Second {
		t.Errorf("interval = %v, want 10s", got)
	}
}

func TestBalanceIsCached(t *testing.T) {
	t.Parallel()
	e, _, _, _ := newTestEngine(t)
	acct := e.accounts.(*fakeAccounts)

	cash, total := e.balance(context.Background())
	if cash != 10_000_000 || total != 12_000_000 {
		t.Fatalf("balance = %v/%v", cash, total)
	}
	e.balance(context.Background())
	if acct.calls != 1 {
		t.Errorf("accounts called %d times within TTL, want 1", acct.calls)
	}
}

func TestBalanceFallsBackOnError(t *testing.T) {
	t.Parallel()
	e, _, _, _ := newTestEngine(t)
	acct := e.accounts.(*fakeAccounts)

	e.balance(context.Background())

	acct.err = context.DeadlineExceeded
	e.balMu.Lock()
	e.balFetchedAt = time.Time{} // force a refresh attempt
	e.balMu.Unlock()

	cash, total := e.balance(context.Background())
	if cash != 10_000_000 || total != 12_000_000 {
		t.Errorf("fallback balance = %v/%v, want last known values", cash, total)
	}
}

func TestEvaluateAllSellsHeldOnClosing(t *testing.T) {
	t.Parallel()
	e, _, ob, st := newTestEngine(t)

	addTracked(t, st, "005930", 70000)
	holdPosition(t, st, "005930", 70000, 10)
	st.UpdatePrice("005930", 70500)

	e.evaluateAll(context.Background(), types.PhaseClosing)

	ob.mu.Lock()
	defer ob.mu.Unlock()
	if len(ob.placed) != 1 || ob.placed[0] != types.SideSell {
		t.Fatalf("placed = %v, want one sell", ob.placed)
	}
	if snap := st.Snapshot("005930"); snap.Status != types.SellOrdered {
		t.Errorf("status = %s, want SELL_ORDERED", snap.Status)
	}
}

func TestEvaluateAllSkipsPendingOrders(t *testing.T) {
	t.Parallel()
	e, _, ob, st := newTestEngine(t)

	addTracked(t, st, "005930", 70000)
	st.ChangeStatus("005930", types.BuyOrdered, "test", func(ti *store.TradeInfo) {
		ti.OrderedQty = 10
		ti.RemainingQty = 10
		ti.BuyOrderAt = time.Now()
	})

	e.evaluateAll(context.Background(), types.PhaseClosing)

	ob.mu.Lock()
	defer ob.mu.Unlock()
	if len(ob.placed) != 0 {
		t.Errorf("placed = %v, orders in flight must settle first", ob.placed)
	}
}

func TestFlattenAllSellsEveryPosition(t *testing.T) {
	t.Parallel()
	e, _, ob, st := newTestEngine(t)

	for _, code := range []string{"005930", "051910"} {
		addTracked(t, st, code, 70000)
		holdPosition(t, st, code, 70000, 5)
		st.UpdatePrice(code, 70500)
	}

	e.flattenAll(context.Background())

	ob.mu.Lock()
	defer ob.mu.Unlock()
	if len(ob.placed) != 2 {
		t.Fatalf("placed %d orders, want 2", len(ob.placed))
	}
	for _, code := range []string{"005930", "051910"} {
		if snap := st.Snapshot(code); snap.Status != types.SellOrdered {
			t.Errorf("%s status = %s, want SELL_ORDERED", code, snap.Status)
		}
		if snap := st.Snapshot(code); snap.Trade.SellReason != strategy.SellExitTime {
			t.Errorf("%s reason = %q, want %q", code, snap.Trade.SellReason, strategy.SellExitTime)
		}
	}
}

func TestDailySummaryEmitsOnce(t *testing.T) {
	t.Parallel()
	e, _, _, _ := newTestEngine(t)
	n := &fakeNotifier{}
	e.notifier = n
	e.now = func() time.Time {
		return time.Date(2025, 3, 14, 16, 10, 0, 0, strategy.KST)
	}

	e.maybeDailySummary()
	e.maybeDailySummary()

	if got := n.count(); got != 1 {
		t.Errorf("summary notifications = %d, want 1", got)
	}
}

func TestDailySummaryWaitsForClose(t *testing.T) {
	t.Parallel()
	e, _, _, _ := newTestEngine(t)
	n := &fakeNotifier{}
	e.notifier = n
	e.now = func() time.Time {
		return time.Date(2025, 3, 14, 14, 0, 0, 0, strategy.KST)
	}

	e.maybeDailySummary()
	if got := n.count(); got != 0 {
		t.Errorf("summary fired mid-session, notifications = %d", got)
	}
}

func TestHandleContractFeedsStore(t *testing.T) {
	t.Parallel()
	e, _, _, st := newTestEngine(t)
	addTracked(t, st, "005930", 70000)

	e.HandleContract(types.ContractTick{Code: "005930", Price: 71000})

	if got := st.Snapshot("005930").RT.CurrentPrice; got != 71000 {
		t.Errorf("price = %v, want 71000", got)
	}
}
