// Package journal persists scan results, orders, and daily summaries to
// a local SQLite file. Every write is best-effort: a journal failure is
// logged and swallowed so persistence problems can never block trading.
package journal

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite"

	"kis-daytrader/internal/executor"
	"kis-daytrader/internal/scanner"
	"kis-daytrader/pkg/types"
)

// Journal is the SQLite-backed trade journal. It satisfies both
// scanner.ScanJournal and executor.Journal.
type Journal struct {
	db     *sql.DB
	logger *slog.Logger
}

var (
	_ scanner.ScanJournal = (*Journal)(nil)
	_ executor.Journal    = (*Journal)(nil)
)

// Open creates or opens the journal database and applies the schema.
// Pass ":memory:" for an ephemeral journal.
func Open(path string, logger *slog.Logger) (*Journal, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open journal db: %w", err)
	}
	// One writer at a time keeps modernc's locking simple.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("journal pragma: %w", err)
		}
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("journal schema: %w", err)
	}
	return &Journal{db: db, logger: logger.With("component", "journal")}, nil
}

// Close flushes and closes the database.
func (j *Journal) Close() error { return j.db.Close() }

const schema = `
CREATE TABLE IF NOT EXISTS pre_market_scans (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	scan_date TEXT NOT NULL,
	scan_time TEXT NOT NULL,
	stock_code TEXT NOT NULL,
	stock_name TEXT,
	selection_score REAL,
	selection_criteria TEXT,
	pattern_score REAL,
	pattern_names TEXT,
	rsi REAL,
	macd REAL,
	sma_20 REAL,
	yesterday_close REAL,
	yesterday_volume INTEGER,
	market_cap REAL
);
CREATE TABLE IF NOT EXISTS intraday_scans (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	scan_date TEXT NOT NULL,
	scan_time TEXT NOT NULL,
	stock_code TEXT NOT NULL,
	stock_name TEXT,
	selection_score REAL,
	selection_criteria TEXT,
	scan_reason TEXT,
	current_price REAL,
	volume_spike_ratio REAL,
	price_change_rate REAL,
	contract_strength REAL,
	buy_ratio REAL
);
CREATE TABLE IF NOT EXISTS buy_orders (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	order_date TEXT NOT NULL,
	order_time TEXT NOT NULL,
	execution_time TEXT,
	stock_code TEXT NOT NULL,
	stock_name TEXT,
	order_id TEXT,
	order_orgno TEXT,
	order_status TEXT,
	order_price REAL,
	execution_price REAL,
	quantity INTEGER,
	total_amount REAL,
	target_price REAL,
	stop_loss_price REAL,
	selection_score REAL,
	selection_source TEXT,
	market_phase TEXT
);
CREATE TABLE IF NOT EXISTS sell_orders (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	order_date TEXT NOT NULL,
	order_time TEXT NOT NULL,
	execution_time TEXT,
	stock_code TEXT NOT NULL,
	stock_name TEXT,
	order_id TEXT,
	order_orgno TEXT,
	order_status TEXT,
	execution_price REAL,
	quantity INTEGER,
	total_amount REAL,
	sell_reason TEXT,
	realized_pnl REAL,
	realized_pnl_rate REAL,
	holding_minutes REAL,
	selection_source TEXT,
	market_phase TEXT
);
CREATE TABLE IF NOT EXISTS daily_summaries (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	trade_date TEXT NOT NULL UNIQUE,
	scanned_count INTEGER,
	buy_order_count INTEGER,
	sell_order_count INTEGER,
	executed_count INTEGER,
	total_pnl REAL,
	win_count INTEGER,
	loss_count INTEGER,
	win_rate REAL,
	total_investment REAL,
	max_position_count INTEGER,
	avg_holding_minutes REAL
);
CREATE TABLE IF NOT EXISTS metrics_daily (
	trade_date TEXT PRIMARY KEY,
	trades INTEGER,
	win_rate REAL,
	total_pnl REAL,
	avg_pnl REAL,
	max_drawdown REAL,
	params_json TEXT
);
`

// jsonList marshals a string slice for a JSON column, empty list on error.
func jsonList(ss []string) string {
	b, err := json.Marshal(ss)
	if err != nil {
		return "[]"
	}
	return string(b)
}

func (j *Journal) exec(table, query string, args ...any) {
	if _, err := j.db.Exec(query, args...); err != nil {
		j.logger.Error("journal write failed", "table", table, "error", err)
	}
}

// RecordPreMarketScan stores one qualified pre-open candidate.
func (j *Journal) RecordPreMarketScan(rec scanner.PreMarketResult) {
	at := rec.ScannedAt
	if at.IsZero() {
		at = time.Now()
	}
	j.exec("pre_market_scans", `
		INSERT INTO pre_market_scans (
			scan_date, scan_time, stock_code, stock_name, selection_score,
			selection_criteria, pattern_score, pattern_names, rsi, macd,
			sma_20, yesterday_close, yesterday_volume, market_cap
		) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		at.Format("2006-01-02"), at.Format("15:04:05"),
		rec.Code, rec.Name, rec.Score,
		jsonList(rec.Criteria), rec.PatternScore, jsonList(rec.PatternNames),
		rec.RSI, rec.MACD, rec.SMA20,
		rec.YesterdayBar.Close, rec.YesterdayBar.Volume, rec.MarketCap,
	)
}

// RecordIntradayScan stores one intraday addition with its trigger signals.
func (j *Journal) RecordIntradayScan(c types.Candidate, rt scanner.IntradaySignals) {
	at := c.At
	if at.IsZero() {
		at = time.Now()
	}
	j.exec("intraday_scans", `
		INSERT INTO intraday_scans (
			scan_date, scan_time, stock_code, stock_name, selection_score,
			selection_criteria, scan_reason, current_price, volume_spike_ratio,
			price_change_rate, contract_strength, buy_ratio
		) VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		at.Format("2006-01-02"), at.Format("15:04:05"),
		c.Code, c.Name, c.Score,
		jsonList([]string{c.Reasons}), c.Reasons, rt.Price,
		rt.VolumeSpikeRatio, rt.ChangeRate, rt.ContractStrength, rt.BuyRatio,
	)
}

// RecordBuyOrder stores a placed buy order row. Execution fields stay
// empty until the terminal fill notice arrives.
func (j *Journal) RecordBuyOrder(o executor.BuyOrder) {
	at := o.At
	if at.IsZero() {
		at = time.Now()
	}
	j.exec("buy_orders", `
		INSERT INTO buy_orders (
			order_date, order_time, stock_code, stock_name, order_id,
			order_orgno, order_status, order_price, quantity, total_amount,
			target_price, stop_loss_price, selection_score,
			selection_source, market_phase
		) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		at.Format("2006-01-02"), at.Format("15:04:05"),
		o.Code, o.Name, o.OrderNo, o.OrgNo, "ordered",
		o.Price, o.Qty, o.Price*float64(o.Qty),
		o.TargetPrice, o.StopLossPrice, o.Score, o.Source, o.Phase,
	)
}

// RecordBuyExecution marks a buy row executed once its terminal fill lands.
func (j *Journal) RecordBuyExecution(orderNo string, price float64, at time.Time) {
	j.exec("buy_orders", `
		UPDATE buy_orders
		SET order_status = 'executed', execution_time = ?, execution_price = ?
		WHERE order_id = ?`,
		at.Format("15:04:05"), price, orderNo,
	)
}

// RecordSellOrder stores the terminal sell row with realized P&L.
func (j *Journal) RecordSellOrder(o executor.SellOrder) {
	at := o.At
	if at.IsZero() {
		at = time.Now()
	}
	j.exec("sell_orders", `
		INSERT INTO sell_orders (
			order_date, order_time, execution_time, stock_code, stock_name,
			order_id, order_orgno, order_status, execution_price, quantity,
			total_amount, sell_reason, realized_pnl, realized_pnl_rate,
			holding_minutes, selection_source, market_phase
		) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		at.Format("2006-01-02"), at.Format("15:04:05"), at.Format("15:04:05"),
		o.Code, o.Name, o.OrderNo, o.OrgNo, "executed",
		o.Price, o.Qty, o.Price*float64(o.Qty),
		o.Reason, o.PnL, o.PnLRate,
		o.HoldingMinutes, o.Source, o.Phase,
	)
}

// DailySummary is the end-of-day aggregate row.
type DailySummary struct {
	Date              time.Time
	ScannedCount      int
	BuyOrderCount     int
	SellOrderCount    int
	ExecutedCount     int
	TotalPnL          float64
	WinCount          int
	LossCount         int
	WinRate           float64
	TotalInvestment   float64
	MaxPositionCount  int
	AvgHoldingMinutes float64
}

// RecordDailySummary upserts the day's summary (one row per trade date).
func (j *Journal) RecordDailySummary(s DailySummary) {
	j.exec("daily_summaries", `
		INSERT INTO daily_summaries (
			trade_date, scanned_count, buy_order_count, sell_order_count,
			executed_count, total_pnl, win_count, loss_count, win_rate,
			total_investment, max_position_count, avg_holding_minutes
		) VALUES (?,?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT(trade_date) DO UPDATE SET
			scanned_count=excluded.scanned_count,
			buy_order_count=excluded.buy_order_count,
			sell_order_count=excluded.sell_order_count,
			executed_count=excluded.executed_count,
			total_pnl=excluded.total_pnl,
			win_count=excluded.win_count,
			loss_count=excluded.loss_count,
			win_rate=excluded.win_rate,
			total_investment=excluded.total_investment,
			max_position_count=excluded.max_position_count,
			avg_holding_minutes=excluded.avg_holding_minutes`,
		s.Date.Format("2006-01-02"), s.ScannedCount, s.BuyOrderCount,
		s.SellOrderCount, s.ExecutedCount, s.TotalPnL, s.WinCount,
		s.LossCount, s.WinRate, s.TotalInvestment, s.MaxPositionCount,
		s.AvgHoldingMinutes,
	)
}

// DailyMetrics feeds the offline parameter-tuning loop.
type DailyMetrics struct {
	Date        time.Time
	Trades      int
	WinRate     float64
	TotalPnL    float64
	AvgPnL      float64
	MaxDrawdown float64
	Params      map[string]any
}

// RecordDailyMetrics upserts the day's tuning-input row.
func (j *Journal) RecordDailyMetrics(m DailyMetrics) {
	params, err := json.Marshal(m.Params)
	if err != nil {
		params = []byte("{}")
	}
	j.exec("metrics_daily", `
		INSERT INTO metrics_daily (
			trade_date, trades, win_rate, total_pnl, avg_pnl, max_drawdown, params_json
		) VALUES (?,?,?,?,?,?,?)
		ON CONFLICT(trade_date) DO UPDATE SET
			trades=excluded.trades,
			win_rate=excluded.win_rate,
			total_pnl=excluded.total_pnl,
			avg_pnl=excluded.avg_pnl,
			max_drawdown=excluded.max_drawdown,
			params_json=excluded.params_json`,
		m.Date.Format("2006-01-02"), m.Trades, m.WinRate,
		m.TotalPnL, m.AvgPnL, m.MaxDrawdown, string(params),
	)
}
