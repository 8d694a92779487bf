// Package risk keeps the day's trade statistics and enforces the hard
// limits that block new entries.
//
// Money flows through shopspring decimals: realized P&L accumulates over
// dozens of trades and float drift in the daily-loss guard is not
// acceptable. The manager latches an emergency stop on consecutive
// losses or an explicit trigger; the latch holds until the next session
// reset.
package risk

import (
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"kis-daytrader/internal/config"
)

// ringSize bounds the recent-trade window for the win-rate statistic.
const ringSize = 50

// TradeRecord is one closed round trip.
type TradeRecord struct {
	Code       string
	BuyPrice   float64
	SellPrice  float64
	Quantity   int64
	GrossPnL   decimal.Decimal // (sell − buy) × qty, before costs
	NetPnL     decimal.Decimal // gross minus commission and tax
	PnLRate    float64
	Reason     string
	HoldingMin float64
	ClosedAt   time.Time
}

// Stats is the aggregate view the monitor logs and the API serves.
type Stats struct {
	Trades        int
	Wins          int
	Losses        int
	WinRate       float64 // recent window, percent
	RealizedPnL   float64 // net, KRW
	MaxDrawdown   float64 // worst equity-curve dip, KRW
	EmergencyStop bool
	StopReason    string
	OpenPositions int
}

// Manager tracks realized results and answers "may I buy" questions.
type Manager struct {
	cfg    config.RiskConfig
	logger *slog.Logger

	mu            sync.Mutex
	ring          [ringSize]TradeRecord
	ringLen       int
	ringNext      int
	trades        int
	wins          int
	losses        int
	consecutive   int // consecutive losses
	realized      decimal.Decimal
	equityPeak    decimal.Decimal
	maxDrawdown   decimal.Decimal
	emergencyStop bool
	stopReason    string
	openPositions int
}

func NewManager(cfg config.RiskConfig, logger *slog.Logger) *Manager {
	return &Manager{
		cfg:    cfg,
		logger: logger.With("component", "risk"),
	}
}

// RecordTrade ingests one closed trade, applying commission and tax to
// the sell leg when configured. Gross P&L stays untouched for reporting.
func (m *Manager) RecordTrade(rec TradeRecord) {
	gross := decimal.NewFromFloat(rec.SellPrice - rec.BuyPrice).
		Mul(decimal.NewFromInt(rec.Quantity))
	rec.GrossPnL = gross

	sellValue := decimal.NewFromFloat(rec.SellPrice).Mul(decimal.NewFromInt(rec.Quantity))
	buyValue := decimal.NewFromFloat(rec.BuyPrice).Mul(decimal.NewFromInt(rec.Quantity))
	costs := sellValue.Add(buyValue).Mul(decimal.NewFromFloat(m.cfg.CommissionRate)).
		Add(sellValue.Mul(decimal.NewFromFloat(m.cfg.TaxRate)))
	rec.NetPnL = gross.Sub(costs)

	m.mu.Lock()
	defer m.mu.Unlock()

	m.ring[m.ringNext] = rec
	m.ringNext = (m.ringNext + 1) % ringSize
	if m.ringLen < ringSize {
		m.ringLen++
	}

	m.trades++
	if rec.NetPnL.IsPositive() {
		m.wins++
		m.consecutive = 0
	} else {
		m.losses++
		m.consecutive++
	}

	m.realized = m.realized.Add(rec.NetPnL)
	if m.realized.GreaterThan(m.equityPeak) {
		m.equityPeak = m.realized
	}
	if dd := m.equityPeak.Sub(m.realized); dd.GreaterThan(m.maxDrawdown) {
		m.maxDrawdown = dd
	}

	m.logger.Info("trade recorded",
		"code", rec.Code,
		"net_pnl", rec.NetPnL.StringFixed(0),
		"pnl_rate", rec.PnLRate,
		"reason", rec.Reason,
		"consecutive_losses", m.consecutive,
	)

	if m.cfg.ConsecutiveLossLimit > 0 && m.consecutive >= m.cfg.ConsecutiveLossLimit {
		m.latchLocked("consecutive_losses")
	}
	if m.dailyLossBreachedLocked() {
		m.latchLocked("max_daily_loss")
	}
}

// dailyLossBreachedLocked compares net realized P&L to the (negative)
// max_daily_loss limit.
func (m *Manager) dailyLossBreachedLocked() bool {
	if m.cfg.MaxDailyLoss >= 0 {
		return false
	}
	return m.realized.LessThanOrEqual(decimal.NewFromFloat(m.cfg.MaxDailyLoss))
}

// TriggerEmergencyStop latches the stop for an external reason (gateway
// failure, operator action).
func (m *Manager) TriggerEmergencyStop(reason string) {
	m.mu.Lock()
	m.latchLocked(reason)
	m.mu.Unlock()
}

func (m *Manager) latchLocked(reason string) {
	if m.emergencyStop {
		return
	}
	m.emergencyStop = true
	m.stopReason = reason
	m.logger.Error("EMERGENCY STOP latched", "reason", reason)
}

// CanBuy reports whether a new entry is allowed and the blocking reason
// when not. Position count arrives from the store.
func (m *Manager) CanBuy(openPositions int) (bool, string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.openPositions = openPositions

	switch {
	case m.emergencyStop:
		return false, m.stopReason
	case m.cfg.MaxPositions > 0 && openPositions >= m.cfg.MaxPositions:
		return false, "max_positions"
	case m.cfg.MaxDailyTrades > 0 && m.trades >= m.cfg.MaxDailyTrades:
		return false, "max_daily_trades"
	case m.dailyLossBreachedLocked():
		return false, "max_daily_loss"
	default:
		return true, ""
	}
}

// EmergencyStopped reports the latch state.
func (m *Manager) EmergencyStopped() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.emergencyStop
}

// RecentWinRate is the win percentage over the bounded ring.
func (m *Manager) RecentWinRate() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.recentWinRateLocked()
}

func (m *Manager) recentWinRateLocked() float64 {
	if m.ringLen == 0 {
		return 0
	}
	wins := 0
	for i := 0; i < m.ringLen; i++ {
		if m.ring[i].NetPnL.IsPositive() {
			wins++
		}
	}
	return float64(wins) / float64(m.ringLen) * 100
}

// RealizedPnL is the day's net realized total.
func (m *Manager) RealizedPnL() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, _ := m.realized.Float64()
	return f
}

// Snapshot returns the aggregate stats.
func (m *Manager) Snapshot() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	pnl, _ := m.realized.Float64()
	dd, _ := m.maxDrawdown.Float64()
	return Stats{
		Trades:        m.trades,
		Wins:          m.wins,
		Losses:        m.losses,
		WinRate:       m.recentWinRateLocked(),
		RealizedPnL:   pnl,
		MaxDrawdown:   dd,
		EmergencyStop: m.emergencyStop,
		StopReason:    m.stopReason,
		OpenPositions: m.openPositions,
	}
}

// Recent returns up to n most recent records, newest first.
func (m *Manager) Recent(n int) []TradeRecord {
	m.mu.Lock()
	defer m.mu.Unlock()

	if n > m.ringLen {
		n = m.ringLen
	}
	out := make([]TradeRecord, 0, n)
	for i := 0; i < n; i++ {
		idx := (m.ringNext - 1 - i + ringSize*2) % ringSize
		out = append(out, m.ring[idx])
	}
	return out
}

// AvgHoldingMinutes over the ring window.
func (m *Manager) AvgHoldingMinutes() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ringLen == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < m.ringLen; i++ {
		sum += m.ring[i].HoldingMin
	}
	return sum / float64(m.ringLen)
}

// Reset clears everything for a new session, including the latch.
func (m *Manager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	*m = Manager{cfg: m.cfg, logger: m.logger}
	m.logger.Info("risk ledger reset")
}
