package api

import (
	"database/sql"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/pgrealtime/pgrealtime/internal/livequery"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// WSHandler is the illustrative demo subscriber surface: a thin WebSocket
// protocol (subscribe/unsubscribe/current) layered directly over a
// livequery.System. It is not part of the core live-query machinery — a
// caller embedding this package is free to drive Subscribe/Unsubscribe from
// anything, a CLI, a gRPC handler, a cron job.
type WSHandler struct {
	DB     *sql.DB
	System *livequery.System
	Log    *zap.Logger
}

func (h *WSHandler) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.Log.Warn("ws upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	send := func(msgType string, payload any) error {
		return conn.WriteJSON(map[string]any{"type": msgType, "data": payload})
	}

	clientKey := uuid.NewString()
	active := make(map[string]*livequery.Handle) // system-generated subscription id -> handle

	defer func() {
		for id, handle := range active {
			handle.Unwatch(clientKey)
			h.System.Unsubscribe(id)
		}
	}()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}

		var req struct {
			Type string `json:"type"`
			SQL  string `json:"sql"`
			ID   string `json:"id"`
		}
		if err := json.Unmarshal(msg, &req); err != nil {
			send("error", map[string]string{"error": "invalid JSON"})
			continue
		}

		switch strings.ToLower(req.Type) {
		case "subscribe":
			if req.SQL == "" {
				send("error", map[string]string{"error": "missing sql"})
				continue
			}
			handle, err := h.System.Subscribe(r.Context(), "", h.DB, req.SQL, livequery.SubscribeOptions{})
			if err != nil {
				send("error", map[string]string{"error": err.Error()})
				continue
			}
			active[handle.ID()] = handle
			handle.Watch(clientKey, func(old, new []map[string]any) {
				send("update", map[string]any{"id": handle.ID(), "rows": new})
			})
			send("subscribed", map[string]any{"id": handle.ID(), "rows": handle.Current()})

		case "unsubscribe":
			handle, ok := active[req.ID]
			if !ok {
				send("error", map[string]string{"error": "unknown subscription id"})
				continue
			}
			handle.Unwatch(clientKey)
			h.System.Unsubscribe(req.ID)
			delete(active, req.ID)
			send("unsubscribed", map[string]string{"id": req.ID})

		case "current":
			handle, ok := active[req.ID]
			if !ok {
				send("error", map[string]string{"error": "unknown subscription id"})
				continue
			}
			send("current", map[string]any{"id": req.ID, "rows": handle.Current()})

		default:
			send("error", map[string]string{"error": "unknown message type"})
		}
	}
}
