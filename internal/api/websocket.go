package api

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/studyrooms/backend/internal/gateway"
)

// upgrader allows any origin: the rooms themselves carry no credentials to
// protect, and the spec's HTTP surface is explicitly public/unauthenticated.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// handleUpgrade implements the `/room/{id}` persistent-connection entry
// point: it upgrades the HTTP connection and hands it to a fresh
// gateway.Connection, which owns the handshake (join-frame wait,
// Rooms.Verify) and the rest of the connection's lifecycle. This handler
// never touches Rooms itself; by the time a client opens this endpoint it
// has already joined via POST /rooms/{id}/join.
func (r *Router) handleUpgrade(w http.ResponseWriter, req *http.Request) {
	roomID := req.PathValue("id")

	conn, err := upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.deps.Logger.Error(req.Context(), "websocket upgrade failed: %v", err)
		return
	}

	gw := gateway.New(r.deps.Gateway, conn, uuid.New())
	gw.Run(req.Context(), roomID)
}
