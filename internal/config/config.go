// Package config defines all configuration for the day-trading engine.
// Config is loaded from an INI file (default: configs/config.ini) with
// credentials overridable via KIS_* / TELEGRAM_* environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level configuration. Section names map directly to the
// INI file structure.
type Config struct {
	KIS      KISConfig      `mapstructure:"kis"`
	Strategy StrategyConfig `mapstructure:"trading_strategy"`
	Risk     RiskConfig     `mapstructure:"risk_management"`
	Schedule ScheduleConfig `mapstructure:"market_schedule"`
	Perf     PerfConfig     `mapstructure:"performance"`
	Symbols  SymbolsConfig  `mapstructure:"symbols"`
	Database DatabaseConfig `mapstructure:"database"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Telegram TelegramConfig `mapstructure:"telegram"`
	API      APIConfig      `mapstructure:"api"`
}

// KISConfig holds broker endpoints and credentials. AppKey/AppSecret identify
// the registered app; AccountNo is the "XXXXXXXX-XX" cash account; HtsID is
// the login id used to subscribe the execution-notice stream.
type KISConfig struct {
	BaseURL        string `mapstructure:"base_url"`
	WSURL          string `mapstructure:"ws_url"`
	AppKey         string `mapstructure:"app_key"`
	AppSecret      string `mapstructure:"app_secret"`
	AccountNo      string `mapstructure:"account_no"`
	HtsID          string `mapstructure:"hts_id"`
	Demo           bool   `mapstructure:"demo"`
	DryRun         bool   `mapstructure:"dry_run"`
	TokenCachePath string `mapstructure:"token_cache_path"`
}

// CANO returns the 8-digit account body.
func (k KISConfig) CANO() string {
	if i := strings.Index(k.AccountNo, "-"); i > 0 {
		return k.AccountNo[:i]
	}
	return k.AccountNo
}

// AcntPrdtCd returns the 2-digit account product code (defaults to "01").
func (k KISConfig) AcntPrdtCd() string {
	if i := strings.Index(k.AccountNo, "-"); i >= 0 && i+1 < len(k.AccountNo) {
		return k.AccountNo[i+1:]
	}
	return "01"
}

// StrategyConfig selects the operating mode of the trading day.
//
//   - TradingMode "day" disables the time-of-day target adjustments that only
//     make sense for multi-day holds.
//   - DayTradingExitTime is the HH:MM cutoff after which positions are
//     flattened instead of held overnight.
//   - TestMode forces is-market-hours true on weekdays (paper sessions).
//   - NextDayForceSell flattens any BOUGHT symbol at day end.
type StrategyConfig struct {
	TradingMode        string `mapstructure:"trading_mode"`
	DayTradingExitTime string `mapstructure:"day_trading_exit_time"`
	TestMode           bool   `mapstructure:"test_mode"`
	NextDayForceSell   bool   `mapstructure:"next_day_force_sell"`
}

// IsDayTrading reports whether intraday flatten rules apply.
func (s StrategyConfig) IsDayTrading() bool { return s.TradingMode == "day" }

// RiskConfig sets position sizing and the hard limits that block new buys.
// Rates are percentages: StopLossRate -2.0 means stop at -2% from entry.
type RiskConfig struct {
	StopLossRate   float64 `mapstructure:"stop_loss_rate"`
	TakeProfitRate float64 `mapstructure:"take_profit_rate"`

	BaseInvestmentAmount float64 `mapstructure:"base_investment_amount"`
	PositionSizeRatio    float64 `mapstructure:"position_size_ratio"`
	UseAccountRatio      bool    `mapstructure:"use_account_ratio"`
	ConservativeRatio    float64 `mapstructure:"conservative_ratio"`

	MaxPositions    int     `mapstructure:"max_positions"`
	MaxDailyLoss    float64 `mapstructure:"max_daily_loss"`
	MaxPositionSize float64 `mapstructure:"max_position_size"`
	MaxDailyTrades  int     `mapstructure:"max_daily_trades"`

	CommissionRate float64 `mapstructure:"commission_rate"`
	TaxRate        float64 `mapstructure:"tax_rate"`

	EmergencyStopLossRate        float64 `mapstructure:"emergency_stop_loss_rate"`
	EmergencyVolatilityThreshold float64 `mapstructure:"emergency_volatility_threshold"`
	ConsecutiveLossLimit         int     `mapstructure:"consecutive_loss_limit"`

	TrailingStopRatio            float64 `mapstructure:"trailing_stop_ratio"`
	RapidDeclineFromBuyThreshold float64 `mapstructure:"rapid_decline_from_buy_threshold"`
	LimitUpProfitRate            float64 `mapstructure:"limit_up_profit_rate"`

	MaxHoldingDays              int `mapstructure:"max_holding_days"`
	LongHoldMinutes             int `mapstructure:"long_hold_minutes"`
	MinHoldingMinutesBeforeSell int `mapstructure:"min_holding_minutes_before_sell"`
}

// ScheduleConfig drives market-phase derivation from the KST wall clock.
type ScheduleConfig struct {
	MarketOpenTime     string `mapstructure:"market_open_time"`
	MarketCloseTime    string `mapstructure:"market_close_time"`
	DayTradingExitTime string `mapstructure:"day_trading_exit_time"`
	PreMarketScanTime  string `mapstructure:"pre_market_scan_time"`
}

// PerfConfig tunes cadence, capacity, caching, and every analyzer/scanner
// threshold. All *_interval values are seconds, *_minutes values minutes.
type PerfConfig struct {
	CacheTTLSeconds  float64 `mapstructure:"cache_ttl_seconds"`
	EnableCacheDebug bool    `mapstructure:"enable_cache_debug"`

	FastMonitoringInterval   int `mapstructure:"fast_monitoring_interval"`
	NormalMonitoringInterval int `mapstructure:"normal_monitoring_interval"`

	WebsocketMaxConnections        int `mapstructure:"websocket_max_connections"`
	ConnectionsPerStock            int `mapstructure:"connections_per_stock"`
	SystemConnections              int `mapstructure:"system_connections"`
	WebsocketSubscriptionBatchSize int `mapstructure:"websocket_subscription_batch_size"`

	MaxPremarketSelectedStocks int `mapstructure:"max_premarket_selected_stocks"`
	MaxIntradaySelectedStocks  int `mapstructure:"max_intraday_selected_stocks"`
	MaxTotalObservableStocks   int `mapstructure:"max_total_observable_stocks"`

	IntradayScanIntervalMinutes int `mapstructure:"intraday_scan_interval_minutes"`
	StuckOrderTimeoutMinutes    int `mapstructure:"stuck_order_timeout_minutes"`

	HighVolatilityPositionRatio float64 `mapstructure:"high_volatility_position_ratio"`
	VolatilityThreshold         float64 `mapstructure:"volatility_threshold"`

	// Buy analyzer pre-filters and phase thresholds.
	MinBidAskRatioForBuy      float64 `mapstructure:"min_bid_ask_ratio_for_buy"`
	MinBuyRatioForBuy         float64 `mapstructure:"min_buy_ratio_for_buy"`
	MinContractStrengthForBuy float64 `mapstructure:"min_contract_strength_for_buy"`
	MaxPriceChangeRateForBuy  float64 `mapstructure:"max_price_change_rate_for_buy"`
	MinLiquidityScoreForBuy   float64 `mapstructure:"min_liquidity_score_for_buy"`
	MaxSpreadRatioForBuy      float64 `mapstructure:"max_spread_ratio_for_buy"`

	BuyScoreOpeningThreshold  float64 `mapstructure:"buy_score_opening_threshold"`
	BuyScoreActiveThreshold   float64 `mapstructure:"buy_score_active_threshold"`
	BuyScoreLunchThreshold    float64 `mapstructure:"buy_score_lunch_threshold"`
	BuyScorePreCloseThreshold float64 `mapstructure:"buy_score_pre_close_threshold"`

	MinMomentumOpening  float64 `mapstructure:"min_momentum_opening"`
	MinMomentumActive   float64 `mapstructure:"min_momentum_active"`
	MinMomentumLunch    float64 `mapstructure:"min_momentum_lunch"`
	MinMomentumPreClose float64 `mapstructure:"min_momentum_pre_close"`

	// Sell analyzer thresholds.
	WeakContractStrengthThreshold     float64 `mapstructure:"weak_contract_strength_threshold"`
	VeryWeakContractStrengthThreshold float64 `mapstructure:"very_weak_contract_strength_threshold"`
	WeakStrengthMinutes               int     `mapstructure:"weak_strength_minutes"`
	LowBuyRatioThreshold              float64 `mapstructure:"low_buy_ratio_threshold"`
	AskPressureRatio                  float64 `mapstructure:"ask_pressure_ratio"`
	AskPressureMaxProfit              float64 `mapstructure:"ask_pressure_max_profit"`
	LowBidInterestRatio               float64 `mapstructure:"low_bid_interest_ratio"`
	SpreadWideningRatio               float64 `mapstructure:"spread_widening_ratio"`
	VolumeDryUpRatio                  float64 `mapstructure:"volume_dry_up_ratio"`
	LowTurnoverThreshold              float64 `mapstructure:"low_turnover_threshold"`
	SameTimeVolumeDeviation           float64 `mapstructure:"same_time_volume_deviation"`
	SellDominanceThreshold            float64 `mapstructure:"sell_dominance_threshold"`
	SellDominanceMinutes              int     `mapstructure:"sell_dominance_minutes"`
	VolatilityPullbackThreshold       float64 `mapstructure:"volatility_pullback_threshold"`

	// Scanner gates.
	MinTradingValue               float64 `mapstructure:"min_trading_value"`
	MinOvernightTradingValue      float64 `mapstructure:"min_overnight_trading_value"`
	OpeningPatternScoreThreshold  float64 `mapstructure:"opening_pattern_score_threshold"`
	IntradayMinScore              float64 `mapstructure:"intraday_min_score"`
	ScanCandidateLimit            int     `mapstructure:"scan_candidate_limit"`
	ReIncludeSoldStocks           bool    `mapstructure:"re_include_sold_stocks"`
	ReincludeCooldownMinutes      int     `mapstructure:"reinclude_cooldown_minutes"`
	UsePullbackScanner            bool    `mapstructure:"use_pullback_scanner"`
}

// CacheTTL converts the configured seconds into a duration (default 2s).
func (p PerfConfig) CacheTTL() time.Duration {
	if p.CacheTTLSeconds <= 0 {
		return 2 * time.Second
	}
	return time.Duration(p.CacheTTLSeconds * float64(time.Second))
}

// FastInterval is the monitor cadence under high volatility.
func (p PerfConfig) FastInterval() time.Duration {
	if p.FastMonitoringInterval <= 0 {
		return 3 * time.Second
	}
	return time.Duration(p.FastMonitoringInterval) * time.Second
}

// NormalInterval is the default monitor cadence.
func (p PerfConfig) NormalInterval() time.Duration {
	if p.NormalMonitoringInterval <= 0 {
		return 10 * time.Second
	}
	return time.Duration(p.NormalMonitoringInterval) * time.Second
}

// StuckOrderTimeout returns zero when recovery is disabled (0 means "never").
func (p PerfConfig) StuckOrderTimeout() time.Duration {
	if p.StuckOrderTimeoutMinutes <= 0 {
		return 0
	}
	return time.Duration(p.StuckOrderTimeoutMinutes) * time.Minute
}

// BuyScoreThreshold returns the phase-dependent composite floor.
func (p PerfConfig) BuyScoreThreshold(phase string) float64 {
	switch phase {
	case "opening":
		return p.BuyScoreOpeningThreshold
	case "lunch":
		return p.BuyScoreLunchThreshold
	case "pre_close":
		return p.BuyScorePreCloseThreshold
	default:
		return p.BuyScoreActiveThreshold
	}
}

// MinMomentum returns the phase-dependent momentum floor.
func (p PerfConfig) MinMomentum(phase string) float64 {
	switch phase {
	case "opening":
		return p.MinMomentumOpening
	case "lunch":
		return p.MinMomentumLunch
	case "pre_close":
		return p.MinMomentumPreClose
	default:
		return p.MinMomentumActive
	}
}

// SymbolsConfig points at the static universe document.
type SymbolsConfig struct {
	Path         string `mapstructure:"path"`
	MarketFilter string `mapstructure:"market_filter"`
}

// DatabaseConfig sets where the trade journal is persisted.
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// TelegramConfig enables trade notifications. Token and chat id come from
// TELEGRAM_BOT_TOKEN / TELEGRAM_CHAT_ID; the section only toggles the feature.
type TelegramConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`
}

// APIConfig controls the local read-only status server.
type APIConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// Load reads config from an INI file with env var overrides.
// Credentials use env vars: KIS_APP_KEY, KIS_APP_SECRET, KIS_ACCOUNT_NO,
// KIS_HTS_ID, TELEGRAM_BOT_TOKEN, TELEGRAM_CHAT_ID.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("ini")
	v.SetEnvPrefix("KIS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Override credentials from env
	if key := os.Getenv("KIS_APP_KEY"); key != "" {
		cfg.KIS.AppKey = key
	}
	if secret := os.Getenv("KIS_APP_SECRET"); secret != "" {
		cfg.KIS.AppSecret = secret
	}
	if acct := os.Getenv("KIS_ACCOUNT_NO"); acct != "" {
		cfg.KIS.AccountNo = acct
	}
	if hts := os.Getenv("KIS_HTS_ID"); hts != "" {
		cfg.KIS.HtsID = hts
	}
	if tok := os.Getenv("TELEGRAM_BOT_TOKEN"); tok != "" {
		cfg.Telegram.BotToken = tok
	}
	if chat := os.Getenv("TELEGRAM_CHAT_ID"); chat != "" {
		cfg.Telegram.ChatID = chat
	}
	if os.Getenv("KIS_DRY_RUN") == "true" || os.Getenv("KIS_DRY_RUN") == "1" {
		cfg.KIS.DryRun = true
	}

	return &cfg, nil
}

// ExitTime returns the effective day-trading exit cutoff: the strategy
// section overrides the schedule section when both are set.
func (c *Config) ExitTime() string {
	if c.Strategy.DayTradingExitTime != "" {
		return c.Strategy.DayTradingExitTime
	}
	if c.Schedule.DayTradingExitTime != "" {
		return c.Schedule.DayTradingExitTime
	}
	return "15:00"
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("kis.base_url", "https://openapi.koreainvestment.com:9443")
	v.SetDefault("kis.ws_url", "ws://ops.koreainvestment.com:21000")
	v.SetDefault("kis.token_cache_path", "data/token.json")

	v.SetDefault("trading_strategy.trading_mode", "day")
	v.SetDefault("trading_strategy.day_trading_exit_time", "14:50")

	v.SetDefault("risk_management.stop_loss_rate", -2.0)
	v.SetDefault("risk_management.take_profit_rate", 3.0)
	v.SetDefault("risk_management.base_investment_amount", 1000000)
	v.SetDefault("risk_management.position_size_ratio", 0.1)
	v.SetDefault("risk_management.conservative_ratio", 0.5)
	v.SetDefault("risk_management.max_positions", 5)
	v.SetDefault("risk_management.max_daily_loss", -500000)
	v.SetDefault("risk_management.max_position_size", 2000000)
	v.SetDefault("risk_management.max_daily_trades", 30)
	v.SetDefault("risk_management.emergency_stop_loss_rate", -3.0)
	v.SetDefault("risk_management.emergency_volatility_threshold", 4.0)
	v.SetDefault("risk_management.consecutive_loss_limit", 3)
	v.SetDefault("risk_management.trailing_stop_ratio", 1.5)
	v.SetDefault("risk_management.rapid_decline_from_buy_threshold", 2.5)
	v.SetDefault("risk_management.limit_up_profit_rate", 20.0)
	v.SetDefault("risk_management.max_holding_days", 1)
	v.SetDefault("risk_management.long_hold_minutes", 90)
	v.SetDefault("risk_management.min_holding_minutes_before_sell", 5)

	v.SetDefault("market_schedule.market_open_time", "09:00")
	v.SetDefault("market_schedule.market_close_time", "15:30")
	v.SetDefault("market_schedule.pre_market_scan_time", "08:30")

	v.SetDefault("performance.cache_ttl_seconds", 2.0)
	v.SetDefault("performance.fast_monitoring_interval", 3)
	v.SetDefault("performance.normal_monitoring_interval", 10)
	v.SetDefault("performance.websocket_max_connections", 41)
	v.SetDefault("performance.connections_per_stock", 2)
	v.SetDefault("performance.system_connections", 3)
	v.SetDefault("performance.websocket_subscription_batch_size", 5)
	v.SetDefault("performance.max_premarket_selected_stocks", 15)
	v.SetDefault("performance.max_intraday_selected_stocks", 4)
	v.SetDefault("performance.max_total_observable_stocks", 19)
	v.SetDefault("performance.intraday_scan_interval_minutes", 30)
	v.SetDefault("performance.stuck_order_timeout_minutes", 3)
	v.SetDefault("performance.high_volatility_position_ratio", 0.3)
	v.SetDefault("performance.volatility_threshold", 3.0)

	v.SetDefault("performance.min_bid_ask_ratio_for_buy", 1.2)
	v.SetDefault("performance.min_buy_ratio_for_buy", 55.0)
	v.SetDefault("performance.min_contract_strength_for_buy", 110.0)
	v.SetDefault("performance.max_price_change_rate_for_buy", 8.0)
	v.SetDefault("performance.min_liquidity_score_for_buy", 4.0)
	v.SetDefault("performance.max_spread_ratio_for_buy", 0.3)
	v.SetDefault("performance.buy_score_opening_threshold", 75)
	v.SetDefault("performance.buy_score_active_threshold", 70)
	v.SetDefault("performance.buy_score_lunch_threshold", 80)
	v.SetDefault("performance.buy_score_pre_close_threshold", 85)
	v.SetDefault("performance.min_momentum_opening", 18)
	v.SetDefault("performance.min_momentum_active", 15)
	v.SetDefault("performance.min_momentum_lunch", 20)
	v.SetDefault("performance.min_momentum_pre_close", 22)

	v.SetDefault("performance.weak_contract_strength_threshold", 85.0)
	v.SetDefault("performance.very_weak_contract_strength_threshold", 70.0)
	v.SetDefault("performance.weak_strength_minutes", 5)
	v.SetDefault("performance.low_buy_ratio_threshold", 35.0)
	v.SetDefault("performance.ask_pressure_ratio", 2.5)
	v.SetDefault("performance.ask_pressure_max_profit", 0.5)
	v.SetDefault("performance.low_bid_interest_ratio", 0.4)
	v.SetDefault("performance.spread_widening_ratio", 0.8)
	v.SetDefault("performance.volume_dry_up_ratio", 0.3)
	v.SetDefault("performance.low_turnover_threshold", 0.5)
	v.SetDefault("performance.same_time_volume_deviation", -50.0)
	v.SetDefault("performance.sell_dominance_threshold", 0.65)
	v.SetDefault("performance.sell_dominance_minutes", 3)
	v.SetDefault("performance.volatility_pullback_threshold", 2.5)

	v.SetDefault("performance.min_trading_value", 1000000000)
	v.SetDefault("performance.min_overnight_trading_value", 500000000)
	v.SetDefault("performance.opening_pattern_score_threshold", 60.0)
	v.SetDefault("performance.intraday_min_score", 55.0)
	v.SetDefault("performance.scan_candidate_limit", 200)
	v.SetDefault("performance.reinclude_cooldown_minutes", 30)

	v.SetDefault("symbols.path", "data/kospi_symbols.json")
	v.SetDefault("symbols.market_filter", "KOSPI")
	v.SetDefault("database.path", "data/trading.db")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("api.port", 8090)
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	if !c.KIS.DryRun {
		if c.KIS.AppKey == "" {
			return fmt.Errorf("kis.app_key is required (set KIS_APP_KEY)")
		}
		if c.KIS.AppSecret == "" {
			return fmt.Errorf("kis.app_secret is required (set KIS_APP_SECRET)")
		}
		if c.KIS.AccountNo == "" {
			return fmt.Errorf("kis.account_no is required (set KIS_ACCOUNT_NO)")
		}
	}
	if c.KIS.BaseURL == "" {
		return fmt.Errorf("kis.base_url is required")
	}
	if c.KIS.WSURL == "" {
		return fmt.Errorf("kis.ws_url is required")
	}
	if c.Risk.MaxPositions <= 0 {
		return fmt.Errorf("risk_management.max_positions must be > 0")
	}
	if c.Risk.MaxPositionSize <= 0 {
		return fmt.Errorf("risk_management.max_position_size must be > 0")
	}
	if c.Risk.MaxDailyLoss >= 0 {
		return fmt.Errorf("risk_management.max_daily_loss must be negative (a loss)")
	}
	if c.Risk.StopLossRate >= 0 {
		return fmt.Errorf("risk_management.stop_loss_rate must be negative")
	}
	if c.Risk.TakeProfitRate <= 0 {
		return fmt.Errorf("risk_management.take_profit_rate must be > 0")
	}
	if c.Perf.ConnectionsPerStock <= 0 {
		return fmt.Errorf("performance.connections_per_stock must be > 0")
	}
	maxSlots := c.Perf.MaxTotalObservableStocks*c.Perf.ConnectionsPerStock + c.Perf.SystemConnections
	if maxSlots > c.Perf.WebsocketMaxConnections {
		return fmt.Errorf("performance.max_total_observable_stocks (%d) exceeds websocket capacity: %d slots needed, %d available",
			c.Perf.MaxTotalObservableStocks, maxSlots, c.Perf.WebsocketMaxConnections)
	}
	if c.Perf.MaxPremarketSelectedStocks+c.Perf.MaxIntradaySelectedStocks > c.Perf.MaxTotalObservableStocks {
		return fmt.Errorf("premarket (%d) + intraday (%d) selections exceed max_total_observable_stocks (%d)",
			c.Perf.MaxPremarketSelectedStocks, c.Perf.MaxIntradaySelectedStocks, c.Perf.MaxTotalObservableStocks)
	}
	if _, err := ParseHHMM(c.Schedule.MarketOpenTime); err != nil {
		return fmt.Errorf("market_schedule.market_open_time: %w", err)
	}
	if _, err := ParseHHMM(c.Schedule.MarketCloseTime); err != nil {
		return fmt.Errorf("market_schedule.market_close_time: %w", err)
	}
	if _, err := ParseHHMM(c.ExitTime()); err != nil {
		return fmt.Errorf("day_trading_exit_time: %w", err)
	}
	return nil
}

// ParseHHMM parses "HH:MM" into minutes since midnight.
func ParseHHMM(s string) (int, error) {
	var h, m int
	if _, err := fmt.Sscanf(s, "%d:%d", &h, &m); err != nil {
		return 0, fmt.Errorf("invalid time %q (want HH:MM)", s)
	}
	if h < 0 || h > 23 || m < 0 || m > 59 {
		return 0, fmt.Errorf("time %q out of range", s)
	}
	return h*60 + m, nil
}
