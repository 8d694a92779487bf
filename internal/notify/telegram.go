// Package notify sends best-effort trade notifications over the Telegram
// Bot API. A missing token disables the notifier entirely; send failures
// are logged and never propagated to trading code.
package notify

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/go-resty/resty/v2"

	"kis-daytrader/internal/config"
)

const defaultAPIBase = "https://api.telegram.org"

// Telegram posts messages to one chat.
type Telegram struct {
	http    *resty.Client
	token   string
	chatID  string
	enabled bool
	logger  *slog.Logger
}

// New builds the notifier. Disabled (but safe to call) when the section
// is off or the token/chat id are unset.
func New(cfg config.TelegramConfig, logger *slog.Logger) *Telegram {
	t := &Telegram{
		token:   cfg.BotToken,
		chatID:  cfg.ChatID,
		enabled: cfg.Enabled && cfg.BotToken != "" && cfg.ChatID != "",
		logger:  logger.With("component", "notify"),
	}
	t.http = resty.New().
		SetBaseURL(defaultAPIBase).
		SetTimeout(5 * time.Second)
	if !t.enabled {
		t.logger.Info("telegram notifications disabled")
	}
	return t
}

// SetBaseURL overrides the API host (tests).
func (t *Telegram) SetBaseURL(url string) { t.http.SetBaseURL(url) }

// Enabled reports whether messages will actually be sent.
func (t *Telegram) Enabled() bool { return t.enabled }

// Notify sends one plain-text message. Fire-and-forget: errors are logged
// at warn level and dropped.
func (t *Telegram) Notify(text string) {
	if !t.enabled || text == "" {
		return
	}

	resp, err := t.http.R().
		SetFormData(map[string]string{
			"chat_id": t.chatID,
			"text":    text,
		}).
		Post(fmt.Sprintf("/bot%s/sendMessage", t.token))
	if err != nil {
		t.logger.Warn("telegram send failed", "error", err)
		return
	}
	if resp.IsError() {
		t.logger.Warn("telegram send rejected",
			"status", resp.StatusCode(), "body", resp.String())
	}
}

// Notifyf formats and sends.
func (t *Telegram) Notifyf(format string, args ...any) {
	t.Notify(fmt.Sprintf(format, args...))
}
