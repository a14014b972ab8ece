package hub

import (
	"log"
	"net/http"

	"lexcollab/internal/middleware"

	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/attribute"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// TODO: restrict to the practice-management frontend origins once
		// the deployment domains are settled.
		return true
	},
}

// WebSocketHandler upgrades HTTP requests into collaboration connections.
type WebSocketHandler struct {
	hub *Hub
}

// NewWebSocketHandler returns the upgrade handler for a hub.
func NewWebSocketHandler(h *Hub) *WebSocketHandler {
	return &WebSocketHandler{hub: h}
}

// HandleCollaboration upgrades the connection and starts its pumps. User
// identity rides the query string; joining a document happens afterwards
// over the collaboration:join event.
func (h *WebSocketHandler) HandleCollaboration(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	userID := r.URL.Query().Get("user_id")
	userName := r.URL.Query().Get("user_name")
	if userID == "" {
		userID = "anonymous"
	}
	if userName == "" {
		userName = "Anonymous"
	}

	ctx, span := middleware.StartSpan(ctx, "Hub.Connect",
		attribute.String("user.id", userID),
	)
	defer span.End()

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("hub: websocket upgrade failed: %v", err)
		middleware.AddSpanError(ctx, err)
		return
	}

	conn := newConn(h.hub, ws, userID, userName)
	go conn.writePump()
	go conn.readPump(ctx)

	log.Printf("✓ Collaboration connection established (user: %s)", userName)
}
