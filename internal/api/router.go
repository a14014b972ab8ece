package api

import (
	"net/http"

	"lexcollab/internal/middleware"

	"github.com/gorilla/mux"
)

func SetupRoutes(h *Handler) *mux.Router {
	r := mux.NewRouter()

	r.Use(middleware.TracingMiddleware)
	r.Use(middleware.ErrorRecoveryMiddleware)
	r.Use(middleware.CORSMiddleware)

	api := r.PathPrefix("/api").Subrouter()

	api.HandleFunc("/sessions", h.ActiveSessions).Methods("GET")
	api.HandleFunc("/documents/{id}/sessions", h.SessionHistory).Methods("GET")
	api.HandleFunc("/documents/{id}/locks", h.LockHistory).Methods("GET")

	api.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok"}`))
	}).Methods("GET")

	// WebSocket endpoint for collaboration clients
	r.HandleFunc("/ws/collab", h.HandleCollaborationWebSocket)

	return r
}
