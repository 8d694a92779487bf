// Package api exposes a read-only localhost status server: /health,
// /api/snapshot for the full trading state, and /ws for a live event
// stream. Disabled by default; it is operational tooling, not a control
// surface — no endpoint mutates engine state.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"kis-daytrader/internal/config"
)

// Server owns the HTTP listener and the stream hub.
type Server struct {
	hub      *Hub
	handlers *Handlers
	server   *http.Server
	logger   *slog.Logger
}

func NewServer(cfg *config.Config, provider StateProvider, logger *slog.Logger) *Server {
	hub := NewHub(logger)
	handlers := NewHandlers(provider, cfg, hub, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("/health", handlers.HandleHealth)
	mux.HandleFunc("/api/snapshot", handlers.HandleSnapshot)
	mux.HandleFunc("/ws", handlers.HandleStream)

	return &Server{
		hub:      hub,
		handlers: handlers,
		server: &http.Server{
			Addr:         fmt.Sprintf("127.0.0.1:%d", cfg.API.Port),
			Handler:      mux,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		logger: logger.With("component", "api-server"),
	}
}

// Hub returns the event hub for publishers.
func (s *Server) Hub() *Hub { return s.hub }

// Start runs the hub and listener in the background.
func (s *Server) Start() {
	go s.hub.Run()
	go func() {
		s.logger.Info("status api listening", "addr", s.server.Addr)
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("status api stopped", "error", err)
		}
	}()
}

// Shutdown drains the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}
