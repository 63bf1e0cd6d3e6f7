// Package api provides HTTP handlers for the operational surface of the chat
// server.
package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/parley-chat/parley/internal/chat"
	"github.com/parley-chat/parley/internal/store"
)

// Handler serves readiness and stats endpoints.
type Handler struct {
	repo store.Repository
	svc  *chat.Service
}

// NewHandler creates a new Handler.
func NewHandler(repo store.Repository, svc *chat.Service) *Handler {
	return &Handler{repo: repo, svc: svc}
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

// RegisterRoutes mounts the operational endpoints.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/api/ready", h.handleReady)
	r.Get("/api/stats", h.handleStats)
}

func (h *Handler) handleReady(w http.ResponseWriter, r *http.Request) {
	if err := h.repo.Ping(r.Context()); err != nil {
		Error(w, http.StatusServiceUnavailable, "database unreachable")
		return
	}
	JSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type statsResponse struct {
	OnlineUsers      int       `json:"online_users"`
	Connections      int       `json:"connections"`
	AwaitingApproval int64     `json:"awaiting_approval"`
	Timestamp        time.Time `json:"timestamp"`
}

func (h *Handler) handleStats(w http.ResponseWriter, r *http.Request) {
	awaiting, err := h.svc.AwaitingApproval(r.Context())
	if err != nil {
		Error(w, http.StatusInternalServerError, "failed to count pending approvals")
		return
	}

	registry := h.svc.Registry()
	JSON(w, http.StatusOK, statsResponse{
		OnlineUsers:      registry.OnlineUsers(),
		Connections:      registry.ConnectionCount(),
		AwaitingApproval: awaiting,
		Timestamp:        time.Now().UTC(),
	})
}
