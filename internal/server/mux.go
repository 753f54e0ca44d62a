// Package server provides HTTP server construction for clinic-sync.
package server

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/alexjbarnes/clinic-sync/internal/auth"
)

// Health reports the sync engine's state for /healthz.
type Health struct {
	ConversationID int64  `json:"conversation_id,omitempty"`
	Transport      string `json:"transport"`
	Unread         int    `json:"unread"`
}

// MuxConfig holds dependencies for building the HTTP mux.
type MuxConfig struct {
	Store          *auth.Store
	MCPHandler     http.Handler
	MetricsHandler http.Handler
	Health         func() Health
	Logger         *slog.Logger
}

// NewMux builds the HTTP mux with the MCP, metrics and health endpoints.
// Only the MCP endpoint requires authentication.
func NewMux(cfg MuxConfig) *http.ServeMux {
	mux := http.NewServeMux()

	if cfg.MetricsHandler != nil {
		mux.Handle("GET /metrics", cfg.MetricsHandler)
	}

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		h := Health{Transport: "closed"}
		if cfg.Health != nil {
			h = cfg.Health()
		}

		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "no-store")

		if err := json.NewEncoder(w).Encode(h); err != nil {
			cfg.Logger.Debug("healthz: writing response", slog.String("error", err.Error()))
		}
	})

	authMiddleware := auth.Middleware(cfg.Store, cfg.Logger)
	mux.Handle("/mcp", authMiddleware(cfg.MCPHandler))

	return mux
}
