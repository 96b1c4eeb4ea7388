package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/netops/dispatcherd/internal/dispatcher"
	"github.com/netops/dispatcherd/internal/logger"
)

// AdminHandler handles admin introspection requests (SPEC_FULL.md §6.1).
// GET /admin/workers is intentionally absent: spec.md has no notion of a
// registered, independently-alive worker process to query — workers are
// goroutines local to a WorkQueue, not a standalone entity.
type AdminHandler struct {
	dispatcher *dispatcher.OrderDispatcher
}

// NewAdminHandler creates a new admin handler.
func NewAdminHandler(d *dispatcher.OrderDispatcher) *AdminHandler {
	return &AdminHandler{dispatcher: d}
}

// GetQueues handles GET /admin/queues
func (h *AdminHandler) GetQueues(w http.ResponseWriter, r *http.Request) {
	stats := h.dispatcher.QueueStats()

	h.respondJSON(w, http.StatusOK, map[string]interface{}{
		"queues": stats,
		"count":  len(stats),
	})
}

// HealthCheck handles GET /admin/health
func (h *AdminHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	h.respondJSON(w, http.StatusOK, map[string]interface{}{
		"status": "healthy",
	})
}

func (h *AdminHandler) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Error().Err(err).Msg("Failed to encode JSON response")
	}
}
