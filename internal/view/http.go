package view

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/kay0530/weekly-task-manager/internal/roster"
)

type Handler struct {
	src Source
}

func NewHandler(src Source) *Handler {
	return &Handler{src: src}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// BoardFilterFrom reads ?category, ?taskType and ?sort.
func BoardFilterFrom(r *http.Request) BoardFilter {
	q := r.URL.Query()
	return BoardFilter{
		Category: strings.TrimSpace(q.Get("category")),
		TaskType: strings.TrimSpace(q.Get("taskType")),
		Sort:     strings.TrimSpace(q.Get("sort")),
	}
}

// ArchiveFilterFrom reads ?member, ?category and ?q.
func ArchiveFilterFrom(r *http.Request) ArchiveFilter {
	q := r.URL.Query()
	return ArchiveFilter{
		Member:   strings.TrimSpace(q.Get("member")),
		Category: strings.TrimSpace(q.Get("category")),
		Query:    strings.TrimSpace(q.Get("q")),
	}
}

// GET /api/views/dashboard
func (h *Handler) Dashboard(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, BuildDashboard(h.src))
}

// GET /api/views/members/{id}
func (h *Handler) Member(w http.ResponseWriter, r *http.Request) {
	b, err := BuildMemberBoard(h.src, r.PathValue("id"), BoardFilterFrom(r))
	if errors.Is(err, roster.ErrUnknownMember) {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "not found"})
		return
	}
	writeJSON(w, http.StatusOK, b)
}

// GET /api/views/trash
func (h *Handler) Trash(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, BuildTrash(h.src))
}

// GET /api/views/archive
func (h *Handler) Archive(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, BuildArchive(h.src, ArchiveFilterFrom(r)))
}
