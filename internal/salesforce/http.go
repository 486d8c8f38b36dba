package salesforce

import (
	"encoding/json"
	"errors"
	"net/http"
)

type Handler struct {
	syncer *Syncer
}

func NewHandler(s *Syncer) *Handler {
	return &Handler{syncer: s}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func statusFor(err error) int {
	if errors.Is(err, ErrNotConfigured) {
		return http.StatusBadRequest
	}
	return http.StatusBadGateway
}

// POST /api/sync/push
func (h *Handler) Push(w http.ResponseWriter, r *http.Request) {
	res, err := h.syncer.Push(r.Context())
	if err != nil {
		writeJSON(w, statusFor(err), res)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// POST /api/sync/pull
func (h *Handler) Pull(w http.ResponseWriter, r *http.Request) {
	res, err := h.syncer.Pull(r.Context())
	if err != nil {
		writeJSON(w, statusFor(err), res)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// GET /api/sync/status
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"configured": h.syncer.Configured(),
		"last":       h.syncer.Status(),
	})
}
