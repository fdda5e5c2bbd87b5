package api

import (
	"database/sql"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/pgrealtime/pgrealtime/internal/livequery"
)

// SetupRoutes wires the demo HTTP surface: a WebSocket endpoint for the
// subscribe/unsubscribe/current protocol, plus static files served from
// ./web — the core package has no HTTP dependency at all.
func SetupRoutes(db *sql.DB, sys *livequery.System, log *zap.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(LoggingMiddleware(log))

	ws := &WSHandler{DB: db, System: sys, Log: log}
	r.Get("/ws", ws.HandleWS)

	fs := http.FileServer(http.Dir("web"))
	r.Handle("/*", fs)

	return r
}
