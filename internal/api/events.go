package api

import "time"

// StreamEvent wraps every message pushed over /ws.
type StreamEvent struct {
	Type      string    `json:"type"` // "snapshot", "order", "execution", "status", "summary"
	Timestamp time.Time `json:"timestamp"`
	Code      string    `json:"code,omitempty"`
	Data      any       `json:"data"`
}

// OrderEvent announces an order placed or cancelled.
type OrderEvent struct {
	Side    string  `json:"side"` // "buy" or "sell"
	Status  string  `json:"status"`
	OrderNo string  `json:"order_no"`
	Price   float64 `json:"price"`
	Qty     int64   `json:"qty"`
	Reason  string  `json:"reason,omitempty"`
}

// ExecutionEvent announces a fill.
type ExecutionEvent struct {
	Side      string  `json:"side"`
	ExecPrice float64 `json:"exec_price"`
	ExecQty   int64   `json:"exec_qty"`
	Status    string  `json:"status"` // resulting trading status
	PnL       float64 `json:"pnl,omitempty"`
	PnLRate   float64 `json:"pnl_rate,omitempty"`
}

// StatusChangeEvent announces a trading-status transition.
type StatusChangeEvent struct {
	From   string `json:"from"`
	To     string `json:"to"`
	Reason string `json:"reason"`
}

// SummaryEvent carries the end-of-day report.
type SummaryEvent struct {
	TradeDate   string  `json:"trade_date"`
	Trades      int     `json:"trades"`
	WinRate     float64 `json:"win_rate"`
	TotalPnL    float64 `json:"total_pnl"`
	MaxDrawdown float64 `json:"max_drawdown"`
}

func newEvent(typ, code string, data any) StreamEvent {
	return StreamEvent{Type: typ, Timestamp: time.Now(), Code: code, Data: data}
}
