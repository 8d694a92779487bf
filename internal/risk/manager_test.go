package risk

import (
	"io"
	"log/slog"
	"math"
	"testing"
	"time"

	"kis-daytrader/internal/config"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testRiskConfig() config.RiskConfig {
	return config.RiskConfig{
		StopLossRate:         -2.0,
		TakeProfitRate:       3.0,
		MaxPositions:         5,
		MaxDailyLoss:         -100_000,
		MaxDailyTrades:       10,
		ConsecutiveLossLimit: 3,
	}
}

func closedTrade(code string, buy, sell float64, qty int64) TradeRecord {
	return TradeRecord{
		Code:      code,
		BuyPrice:  buy,
		SellPrice: sell,
		Quantity:  qty,
		PnLRate:   (sell - buy) / buy * 100,
		Reason:    "take_profit",
		ClosedAt:  time.Now(),
	}
}

func TestRecordTradeGrossPnL(t *testing.T) {
	t.Parallel()
	m := NewManager(testRiskConfig(), testLogger())

	m.RecordTrade(closedTrade("005930", 70000, 71000, 10))

	got := m.RealizedPnL()
	if got != 10000 {
		t.Errorf("RealizedPnL = %v, want 10000", got)
	}
	snap := m.Snapshot()
	if snap.Trades != 1 || snap.Wins != 1 || snap.Losses != 0 {
		t.Errorf("counters = %d/%d/%d, want 1/1/0", snap.Trades, snap.Wins, snap.Losses)
	}
}

func TestRecordTradeAppliesCommissionAndTax(t *testing.T) {
	t.Parallel()
	cfg := testRiskConfig()
	cfg.CommissionRate = 0.00015 // both legs
	cfg.TaxRate = 0.0020         // sell leg only
	m := NewManager(cfg, testLogger())

	// Gross: (71000-70000)*10 = 10000.
	// Commission: (710000+700000)*0.00015 = 211.5
	// Tax: 710000*0.0020 = 1420
	m.RecordTrade(closedTrade("005930", 70000, 71000, 10))

	want := 10000.0 - 211.5 - 1420.0
	if got := m.RealizedPnL(); math.Abs(got-want) > 0.001 {
		t.Errorf("net RealizedPnL = %v, want %v", got, want)
	}

	rec := m.Recent(1)[0]
	if g, _ := rec.GrossPnL.Float64(); g != 10000 {
		t.Errorf("GrossPnL = %v, want 10000 (gross stays gross)", g)
	}
}

func TestConsecutiveLossLatch(t *testing.T) {
	t.Parallel()
	m := NewManager(testRiskConfig(), testLogger())

	m.RecordTrade(closedTrade("000001", 10000, 9900, 10))
	m.RecordTrade(closedTrade("000002", 10000, 9900, 10))
	if m.EmergencyStopped() {
		t.Fatal("latched after 2 losses, limit is 3")
	}

	m.RecordTrade(closedTrade("000003", 10000, 9900, 10))
	if !m.EmergencyStopped() {
		t.Fatal("not latched after 3 consecutive losses")
	}

	ok, reason := m.CanBuy(0)
	if ok || reason != "consecutive_losses" {
		t.Errorf("CanBuy = %v %q, want blocked by consecutive_losses", ok, reason)
	}

	// A later win must not clear the latch.
	m.RecordTrade(closedTrade("000004", 10000, 11000, 10))
	if !m.EmergencyStopped() {
		t.Error("latch cleared by a winning trade")
	}
}

func TestWinResetsConsecutiveCount(t *testing.T) {
	t.Parallel()
	m := NewManager(testRiskConfig(), testLogger())

	m.RecordTrade(closedTrade("000001", 10000, 9900, 10))
	m.RecordTrade(closedTrade("000002", 10000, 9900, 10))
	m.RecordTrade(closedTrade("000003", 10000, 10500, 10)) // win
	m.RecordTrade(closedTrade("000004", 10000, 9900, 10))
	m.RecordTrade(closedTrade("000005", 10000, 9900, 10))

	if m.EmergencyStopped() {
		t.Error("latched, but losses were never 3 in a row")
	}
}

func TestDailyLossGuard(t *testing.T) {
	t.Parallel()
	cfg := testRiskConfig()
	cfg.ConsecutiveLossLimit = 0 // isolate the loss guard
	m := NewManager(cfg, testLogger())

	m.RecordTrade(closedTrade("000001", 10000, 9000, 50)) // -50,000
	if ok, _ := m.CanBuy(0); !ok {
		t.Fatal("blocked at -50k, limit is -100k")
	}

	m.RecordTrade(closedTrade("000002", 10000, 9000, 60)) // -60,000, total -110k
	ok, reason := m.CanBuy(0)
	if ok || reason != "max_daily_loss" {
		t.Errorf("CanBuy = %v %q, want blocked by max_daily_loss", ok, reason)
	}
}

func TestMaxPositionsAndDailyTrades(t *testing.T) {
	t.Parallel()
	m := NewManager(testRiskConfig(), testLogger())

	if ok, _ := m.CanBuy(4); !ok {
		t.Error("blocked at 4 positions, limit is 5")
	}
	ok, reason := m.CanBuy(5)
	if ok || reason != "max_positions" {
		t.Errorf("CanBuy(5) = %v %q, want blocked by max_positions", ok, reason)
	}

	for i := 0; i < 10; i++ {
		m.RecordTrade(closedTrade("000001", 10000, 10100, 1))
	}
	ok, reason = m.CanBuy(0)
	if ok || reason != "max_daily_trades" {
		t.Errorf("CanBuy = %v %q, want blocked by max_daily_trades", ok, reason)
	}
}

func TestRecentWinRateAndRing(t *testing.T) {
	t.Parallel()
	m := NewManager(testRiskConfig(), testLogger())

	// 6 wins, 4 losses.
	for i := 0; i < 6; i++ {
		m.RecordTrade(closedTrade("000001", 10000, 10100, 1))
	}
	for i := 0; i < 4; i++ {
		m.RecordTrade(closedTrade("000002", 10000, 9900, 1))
	}
	if got := m.RecentWinRate(); got != 60 {
		t.Errorf("RecentWinRate = %v, want 60", got)
	}

	recent := m.Recent(3)
	if len(recent) != 3 {
		t.Fatalf("Recent(3) len = %d", len(recent))
	}
	if recent[0].Code != "000002" {
		t.Errorf("newest record code = %q, want 000002", recent[0].Code)
	}
}

func TestRingBounded(t *testing.T) {
	t.Parallel()
	cfg := testRiskConfig()
	cfg.ConsecutiveLossLimit = 0
	cfg.MaxDailyTrades = 0
	m := NewManager(cfg, testLogger())

	// 60 losses then 50 wins: the 50-deep window holds only the wins.
	for i := 0; i < 60; i++ {
		m.RecordTrade(closedTrade("000001", 10000, 9990, 1))
	}
	for i := 0; i < 50; i++ {
		m.RecordTrade(closedTrade("000002", 10000, 10100, 1))
	}
	if got := m.RecentWinRate(); got != 100 {
		t.Errorf("RecentWinRate after window rollover = %v, want 100", got)
	}
	if got := len(m.Recent(200)); got != 50 {
		t.Errorf("Recent(200) len = %d, want 50", got)
	}
}

func TestMaxDrawdown(t *testing.T) {
	t.Parallel()
	cfg := testRiskConfig()
	cfg.ConsecutiveLossLimit = 0
	cfg.MaxDailyLoss = 0
	m := NewManager(cfg, testLogger())

	m.RecordTrade(closedTrade("000001", 10000, 10500, 10)) // +5,000 peak
	m.RecordTrade(closedTrade("000002", 10000, 9700, 10))  // -3,000
	m.RecordTrade(closedTrade("000003", 10000, 9800, 10))  // -2,000 → equity 0
	m.RecordTrade(closedTrade("000004", 10000, 10900, 10)) // +9,000 → new peak

	if got := m.Snapshot().MaxDrawdown; got != 5000 {
		t.Errorf("MaxDrawdown = %v, want 5000", got)
	}
}

func TestTriggerEmergencyStop(t *testing.T) {
	t.Parallel()
	m := NewManager(testRiskConfig(), testLogger())

	m.TriggerEmergencyStop("gateway_down")
	ok, reason := m.CanBuy(0)
	if ok || reason != "gateway_down" {
		t.Errorf("CanBuy = %v %q, want blocked by gateway_down", ok, reason)
	}

	// First reason wins.
	m.TriggerEmergencyStop("second")
	if _, reason := m.CanBuy(0); reason != "gateway_down" {
		t.Errorf("latch reason overwritten: %q", reason)
	}
}

func TestResetClearsLatchAndLedger(t *testing.T) {
	t.Parallel()
	m := NewManager(testRiskConfig(), testLogger())

	m.RecordTrade(closedTrade("000001", 10000, 9000, 100))
	m.TriggerEmergencyStop("operator")
	m.Reset()

	if m.EmergencyStopped() {
		t.Error("latch survived Reset")
	}
	if got := m.RealizedPnL(); got != 0 {
		t.Errorf("RealizedPnL after Reset = %v", got)
	}
	if ok, _ := m.CanBuy(0); !ok {
		t.Error("CanBuy blocked after Reset")
	}
	if got := m.Snapshot().Trades; got != 0 {
		t.Errorf("Trades after Reset = %d", got)
	}
}
