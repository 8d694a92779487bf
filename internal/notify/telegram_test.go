package notify

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"kis-daytrader/internal/config"
)

func TestNotifySendsMessage(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	var gotPath, gotText, gotChat string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.ParseForm()
		mu.Lock()
		gotPath = r.URL.Path
		gotText = r.FormValue("text")
		gotChat = r.FormValue("chat_id")
		mu.Unlock()
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	n := New(config.TelegramConfig{Enabled: true, BotToken: "123:abc", ChatID: "42"},
		slog.New(slog.NewTextHandler(io.Discard, nil)))
	n.SetBaseURL(srv.URL)

	n.Notify("BUY 삼성전자 (005930)")

	mu.Lock()
	defer mu.Unlock()
	if gotPath != "/bot123:abc/sendMessage" {
		t.Errorf("path = %q", gotPath)
	}
	if gotText != "BUY 삼성전자 (005930)" || gotChat != "42" {
		t.Errorf("form = %q / %q", gotText, gotChat)
	}
}

func TestDisabledWithoutToken(t *testing.T) {
	t.Parallel()

	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	defer srv.Close()

	n := New(config.TelegramConfig{Enabled: true}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	n.SetBaseURL(srv.URL)

	if n.Enabled() {
		t.Error("Enabled() = true without a token")
	}
	n.Notify("should be dropped")
	if called {
		t.Error("request sent while disabled")
	}
}

func TestSendFailureDoesNotPanic(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"ok":false,"description":"Unauthorized"}`, http.StatusUnauthorized)
	}))
	defer srv.Close()

	n := New(config.TelegramConfig{Enabled: true, BotToken: "bad", ChatID: "42"},
		slog.New(slog.NewTextHandler(io.Discard, nil)))
	n.SetBaseURL(srv.URL)

	n.Notify("message") // must swallow the 401
	n.Notifyf("pnl %d", 29250)
}
