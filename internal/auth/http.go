package auth

import (
	"encoding/json"
	"net/http"
	"strings"
)

type Handler struct {
	service *Service
}

func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]any{"error": msg})
}

// GET /api/session
func (h *Handler) Session(w http.ResponseWriter, r *http.Request) {
	m, ok := MemberFromContext(r.Context())
	if !ok {
		m, ok = h.service.Resolve(r)
	}
	if !ok {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "member": nil})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":        true,
		"member":    m,
		"isManager": h.service.roster.IsManager(m.ID),
	})
}

// POST /api/session  {"memberId": "..."}
func (h *Handler) SelectMember(w http.ResponseWriter, r *http.Request) {
	var in struct {
		MemberID string `json:"memberId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeErr(w, http.StatusBadRequest, "bad json")
		return
	}
	m, ok := h.service.roster.Member(strings.TrimSpace(in.MemberID))
	if !ok {
		writeErr(w, http.StatusBadRequest, "unknown member")
		return
	}
	h.service.SetMemberCookie(w, m.ID)
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "member": m})
}

// DELETE /api/session
func (h *Handler) Clear(w http.ResponseWriter, r *http.Request) {
	h.service.ClearMemberCookie(w)
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}
