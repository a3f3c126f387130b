// Package maintenance exposes scheduled housekeeping endpoints. They are
// meant for a cron caller holding CRON_SECRET and are hidden (404) when no
// secret is configured.
package maintenance

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"

	"school-portal/internal/auth"
	"school-portal/internal/observability"
)

type CleanupHandler struct {
	service    *auth.Service
	logger     *observability.Logger
	cronSecret string
}

func NewCleanupHandler(service *auth.Service, logger *observability.Logger, cronSecret string) *CleanupHandler {
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	return &CleanupHandler{
		service:    service,
		logger:     logger,
		cronSecret: strings.TrimSpace(cronSecret),
	}
}

// Prune drops expired throttle entries.
func (h *CleanupHandler) Prune(w http.ResponseWriter, r *http.Request) {
	if !h.authorize(w, r) {
		return
	}

	result := h.service.PruneLoginThrottling(r.Context())

	h.logger.Info("login_throttle_pruned", map[string]any{
		"deleted_ip_entries":      result.DeletedIPEntries,
		"deleted_account_entries": result.DeletedAccountEntries,
	})

	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"result": result,
	})
}

// ResetLoginThrottling clears every IP and account counter, lifting all
// active lockouts.
func (h *CleanupHandler) ResetLoginThrottling(w http.ResponseWriter, r *http.Request) {
	if !h.authorize(w, r) {
		return
	}

	if err := h.service.ResetLoginThrottling(r.Context()); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "reset failed"})
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *CleanupHandler) authorize(w http.ResponseWriter, r *http.Request) bool {
	if h.cronSecret == "" {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
		return false
	}

	authHeader := strings.TrimSpace(r.Header.Get("Authorization"))
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || !h.secretMatches(strings.TrimSpace(parts[1])) {
		h.logger.Warn("maintenance_unauthorized", map[string]any{"path": r.URL.Path, "ip": observability.ClientIP(r)})
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		return false
	}
	return true
}

func (h *CleanupHandler) secretMatches(presented string) bool {
	return subtle.ConstantTimeCompare([]byte(presented), []byte(h.cronSecret)) == 1
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
