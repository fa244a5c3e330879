package handler

import (
	"net/http"
	"time"
)

// StatusHandler serves the process mode and uptime.
type StatusHandler struct {
	mode      string
	address   string
	startedAt time.Time
}

// NewStatusHandler creates a StatusHandler. address is the signing wallet,
// empty when the process does not sign.
func NewStatusHandler(mode, address string, startedAt time.Time) *StatusHandler {
	return &StatusHandler{mode: mode, address: address, startedAt: startedAt}
}

// GetStatus responds with the current mode, signer address and uptime.
// GET /api/status
func (h *StatusHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"mode":           h.mode,
		"signer":         h.address,
		"uptime_seconds": int64(time.Since(h.startedAt).Seconds()),
	})
}
