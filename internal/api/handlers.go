package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"lexcollab/internal/hub"
	"lexcollab/internal/middleware"
	"lexcollab/internal/repository"

	"github.com/gorilla/mux"
)

const defaultHistoryLimit = 50

// Handler serves the read-only admin API next to the websocket endpoint.
type Handler struct {
	hub      *hub.Hub
	ws       *hub.WebSocketHandler
	sessions *repository.SessionRepo
	locks    *repository.LockAuditRepo
}

// NewHandler wires the API with its dependencies. sessions and locks may be
// nil when the server runs without a database.
func NewHandler(h *hub.Hub, ws *hub.WebSocketHandler, sessions *repository.SessionRepo, locks *repository.LockAuditRepo) *Handler {
	return &Handler{hub: h, ws: ws, sessions: sessions, locks: locks}
}

// ActiveSessions lists the rooms currently live on this hub instance.
func (h *Handler) ActiveSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.hub.Rooms())
}

// SessionHistory lists past memberships for a document.
func (h *Handler) SessionHistory(w http.ResponseWriter, r *http.Request) {
	if h.sessions == nil {
		writeError(w, http.StatusServiceUnavailable, "session history requires a database")
		return
	}
	documentID := mux.Vars(r)["id"]
	records, err := h.sessions.HistoryForDocument(r.Context(), documentID, historyLimit(r))
	if err != nil {
		middleware.AddSpanError(r.Context(), err)
		writeError(w, http.StatusInternalServerError, "failed to load session history")
		return
	}
	writeJSON(w, http.StatusOK, records)
}

// LockHistory lists the lock audit trail for a document.
func (h *Handler) LockHistory(w http.ResponseWriter, r *http.Request) {
	if h.locks == nil {
		writeError(w, http.StatusServiceUnavailable, "lock history requires a database")
		return
	}
	documentID := mux.Vars(r)["id"]
	entries, err := h.locks.ForDocument(r.Context(), documentID, historyLimit(r))
	if err != nil {
		middleware.AddSpanError(r.Context(), err)
		writeError(w, http.StatusInternalServerError, "failed to load lock history")
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

// HandleCollaborationWebSocket upgrades a client into the hub.
func (h *Handler) HandleCollaborationWebSocket(w http.ResponseWriter, r *http.Request) {
	h.ws.HandleCollaboration(w, r)
}

func historyLimit(r *http.Request) int {
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= 500 {
			return n
		}
	}
	return defaultHistoryLimit
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
