package api

import (
	"time"

	"kis-daytrader/internal/config"
	"kis-daytrader/internal/risk"
	"kis-daytrader/internal/store"
)

// TradingSnapshot is the complete state served by /api/snapshot and
// pushed to stream clients on connect.
type TradingSnapshot struct {
	Timestamp time.Time `json:"timestamp"`
	Phase     string    `json:"market_phase"`

	Stocks []StockStatus `json:"stocks"`

	Risk    RiskStatus    `json:"risk"`
	Gateway GatewayStatus `json:"gateway"`
	Config  ConfigSummary `json:"config"`
}

// StockStatus is one tracked symbol's row.
type StockStatus struct {
	Code       string  `json:"code"`
	Name       string  `json:"name"`
	Status     string  `json:"status"`
	Score      float64 `json:"score"`
	IsIntraday bool    `json:"is_intraday"`

	Price            float64   `json:"price"`
	ChangeRate       float64   `json:"change_rate"`
	ContractStrength float64   `json:"contract_strength"`
	BuyRatio         float64   `json:"buy_ratio"`
	Volume           int64     `json:"volume"`
	VIActive         bool      `json:"vi_active"`
	LastUpdated      time.Time `json:"last_updated"`

	BuyPrice          float64 `json:"buy_price,omitempty"`
	Quantity          int64   `json:"quantity,omitempty"`
	UnrealizedPnL     float64 `json:"unrealized_pnl,omitempty"`
	UnrealizedPnLRate float64 `json:"unrealized_pnl_rate,omitempty"`
	StopLossPrice     float64 `json:"stop_loss_price,omitempty"`
	TargetPrice       float64 `json:"target_price,omitempty"`
	SellReason        string  `json:"sell_reason,omitempty"`
}

// RiskStatus mirrors the risk ledger for the dashboard.
type RiskStatus struct {
	Trades        int     `json:"trades"`
	Wins          int     `json:"wins"`
	Losses        int     `json:"losses"`
	WinRate       float64 `json:"win_rate"`
	RealizedPnL   float64 `json:"realized_pnl"`
	MaxDrawdown   float64 `json:"max_drawdown"`
	EmergencyStop bool    `json:"emergency_stop"`
	StopReason    string  `json:"stop_reason,omitempty"`
	OpenPositions int     `json:"open_positions"`
}

// GatewayStatus reports realtime-feed health.
type GatewayStatus struct {
	Healthy     bool  `json:"healthy"`
	SlotsUsed   int   `json:"slots_used"`
	Subscribed  int   `json:"subscribed"`
	FrameErrors int64 `json:"frame_errors"`
}

// ConfigSummary is the subset of configuration worth showing.
type ConfigSummary struct {
	StopLossRate   float64 `json:"stop_loss_rate"`
	TakeProfitRate float64 `json:"take_profit_rate"`
	MaxPositions   int     `json:"max_positions"`
	MaxDailyLoss   float64 `json:"max_daily_loss"`
	MaxDailyTrades int     `json:"max_daily_trades"`

	FastInterval   string `json:"fast_interval"`
	NormalInterval string `json:"normal_interval"`
	ExitTime       string `json:"day_trading_exit_time"`

	DryRun bool `json:"dry_run"`
	Demo   bool `json:"demo"`
}

// NewConfigSummary extracts the dashboard view of the configuration.
func NewConfigSummary(cfg *config.Config) ConfigSummary {
	return ConfigSummary{
		StopLossRate:   cfg.Risk.StopLossRate,
		TakeProfitRate: cfg.Risk.TakeProfitRate,
		MaxPositions:   cfg.Risk.MaxPositions,
		MaxDailyLoss:   cfg.Risk.MaxDailyLoss,
		MaxDailyTrades: cfg.Risk.MaxDailyTrades,
		FastInterval:   cfg.Perf.FastInterval().String(),
		NormalInterval: cfg.Perf.NormalInterval().String(),
		ExitTime:       cfg.ExitTime(),
		DryRun:         cfg.KIS.DryRun,
		Demo:           cfg.KIS.Demo,
	}
}

// newRiskStatus converts the ledger stats.
func newRiskStatus(s risk.Stats) RiskStatus {
	return RiskStatus{
		Trades:        s.Trades,
		Wins:          s.Wins,
		Losses:        s.Losses,
		WinRate:       s.WinRate,
		RealizedPnL:   s.RealizedPnL,
		MaxDrawdown:   s.MaxDrawdown,
		EmergencyStop: s.EmergencyStop,
		StopReason:    s.StopReason,
		OpenPositions: s.OpenPositions,
	}
}

// newStockStatus flattens one store snapshot.
func newStockStatus(s store.Snapshot) StockStatus {
	row := StockStatus{
		Code:             s.Code,
		Name:             s.Name,
		Status:           string(s.Status),
		Score:            s.Score,
		IsIntraday:       s.IsIntraday,
		Price:            s.RT.CurrentPrice,
		ChangeRate:       s.RT.PriceChangeRate,
		ContractStrength: s.RT.ContractStrength,
		BuyRatio:         s.RT.BuyRatio,
		Volume:           s.RT.TodayVolume,
		VIActive:         s.RT.VIActive,
		LastUpdated:      s.RT.LastUpdated,
	}
	if s.Status.Held() {
		row.BuyPrice = s.Trade.BuyPrice
		row.Quantity = s.Trade.BuyQuantity
		row.UnrealizedPnL = s.Trade.UnrealizedPnL
		row.UnrealizedPnLRate = s.Trade.UnrealizedPnLRate
		row.StopLossPrice = s.Trade.StopLossPrice
		row.TargetPrice = s.Trade.TargetPrice
		row.SellReason = s.Trade.SellReason
	}
	return row
}
