package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.ini")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

const sampleINI = `
[kis]
app_key = test-app-key
app_secret = test-app-secret
account_no = 12345678-01
hts_id = testuser
dry_run = false

[trading_strategy]
trading_mode = day
day_trading_exit_time = 14:50
next_day_force_sell = true

[risk_management]
stop_loss_rate = -2.0
take_profit_rate = 3.0
base_investment_amount = 1000000
max_positions = 5
max_daily_loss = -500000
max_position_size = 2000000

[market_schedule]
market_open_time = 09:00
market_close_time = 15:30

[performance]
cache_ttl_seconds = 2.0
websocket_max_connections = 41
connections_per_stock = 2
system_connections = 3
max_premarket_selected_stocks = 15
max_intraday_selected_stocks = 4
max_total_observable_stocks = 19
`

func TestLoad(t *testing.T) {
	path := writeConfig(t, sampleINI)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.KIS.AppKey != "test-app-key" {
		t.Errorf("app_key = %q, want test-app-key", cfg.KIS.AppKey)
	}
	if cfg.KIS.CANO() != "12345678" {
		t.Errorf("CANO() = %q, want 12345678", cfg.KIS.CANO())
	}
	if cfg.KIS.AcntPrdtCd() != "01" {
		t.Errorf("AcntPrdtCd() = %q, want 01", cfg.KIS.AcntPrdtCd())
	}
	if !cfg.Strategy.IsDayTrading() {
		t.Error("trading_mode day should report IsDayTrading")
	}
	if cfg.Risk.StopLossRate != -2.0 {
		t.Errorf("stop_loss_rate = %v, want -2.0", cfg.Risk.StopLossRate)
	}
	if cfg.Perf.MaxTotalObservableStocks != 19 {
		t.Errorf("max_total_observable_stocks = %d, want 19", cfg.Perf.MaxTotalObservableStocks)
	}

	// Defaults fill unlisted keys.
	if cfg.Perf.StuckOrderTimeoutMinutes != 3 {
		t.Errorf("stuck_order_timeout_minutes default = %d, want 3", cfg.Perf.StuckOrderTimeoutMinutes)
	}
	if cfg.Schedule.MarketOpenTime != "09:00" {
		t.Errorf("market_open_time = %q, want 09:00", cfg.Schedule.MarketOpenTime)
	}

	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func TestLoadEnvOverride(t *testing.T) {
	path := writeConfig(t, sampleINI)

	t.Setenv("KIS_APP_KEY", "env-key")
	t.Setenv("TELEGRAM_BOT_TOKEN", "env-token")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.KIS.AppKey != "env-key" {
		t.Errorf("app_key = %q, want env override env-key", cfg.KIS.AppKey)
	}
	if cfg.Telegram.BotToken != "env-token" {
		t.Errorf("telegram token = %q, want env-token", cfg.Telegram.BotToken)
	}
}

func TestValidateRejections(t *testing.T) {
	path := writeConfig(t, sampleINI)
	base, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"missing app key", func(c *Config) { c.KIS.AppKey = "" }},
		{"positive daily loss", func(c *Config) { c.Risk.MaxDailyLoss = 100 }},
		{"positive stop loss", func(c *Config) { c.Risk.StopLossRate = 1.0 }},
		{"zero positions", func(c *Config) { c.Risk.MaxPositions = 0 }},
		{"capacity overflow", func(c *Config) { c.Perf.MaxTotalObservableStocks = 100 }},
		{"selection overflow", func(c *Config) { c.Perf.MaxPremarketSelectedStocks = 30 }},
		{"bad open time", func(c *Config) { c.Schedule.MarketOpenTime = "nine" }},
	}

	for _, tt := range tests {
		cfg := *base
		tt.mutate(&cfg)
		if err := cfg.Validate(); err == nil {
			t.Errorf("%s: Validate accepted invalid config", tt.name)
		}
	}
}

func TestValidateDryRunSkipsCredentials(t *testing.T) {
	path := writeConfig(t, sampleINI)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	cfg.KIS.DryRun = true
	cfg.KIS.AppKey = ""
	cfg.KIS.AppSecret = ""
	cfg.KIS.AccountNo = ""

	if err := cfg.Validate(); err != nil {
		t.Errorf("dry-run config should not require credentials: %v", err)
	}
}

func TestExitTimePrecedence(t *testing.T) {
	t.Parallel()

	c := &Config{}
	c.Schedule.DayTradingExitTime = "15:00"
	if got := c.ExitTime(); got != "15:00" {
		t.Errorf("ExitTime() = %q, want schedule value 15:00", got)
	}
	c.Strategy.DayTradingExitTime = "14:50"
	if got := c.ExitTime(); got != "14:50" {
		t.Errorf("ExitTime() = %q, want strategy override 14:50", got)
	}
}

func TestParseHHMM(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in      string
		want    int
		wantErr bool
	}{
		{"09:00", 540, false},
		{"15:30", 930, false},
		{"00:00", 0, false},
		{"23:59", 1439, false},
		{"24:00", 0, true},
		{"09:60", 0, true},
		{"morning", 0, true},
	}

	for _, tt := range tests {
		got, err := ParseHHMM(tt.in)
		if tt.wantErr {
			if err == nil {
				t.Errorf("ParseHHMM(%q) accepted invalid input", tt.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseHHMM(%q): %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseHHMM(%q) = %d, want %d", tt.in, got, tt.want)
		}
	}
}
