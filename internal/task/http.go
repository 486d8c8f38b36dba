package task

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/kay0530/weekly-task-manager/internal/model"
	"github.com/kay0530/weekly-task-manager/internal/roster"
	"github.com/kay0530/weekly-task-manager/internal/storage"
)

type Handler struct {
	store     *Store
	logger    *slog.Logger
	heartbeat time.Duration
}

func NewHandler(store *Store, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{store: store, logger: logger, heartbeat: 25 * time.Second}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]any{"error": msg})
}

func decodeJSON(r *http.Request, out any) error {
	dec := json.NewDecoder(r.Body)
	return dec.Decode(out)
}

// StatusFor maps store and storage errors to HTTP status codes.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrInvalidInput), errors.Is(err, ErrMalformedImport), errors.Is(err, ErrNoDueDate),
		errors.Is(err, roster.ErrUnknownMember), errors.Is(err, roster.ErrUnknownCategory), errors.Is(err, roster.ErrUnknownTaskType):
		return http.StatusBadRequest
	case errors.Is(err, ErrNotComplete), errors.Is(err, ErrMixedMembers), errors.Is(err, ErrNotRoutine):
		return http.StatusConflict
	case errors.Is(err, ErrAttachmentTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, storage.ErrUnavailable):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func (h *Handler) writeStoreErr(w http.ResponseWriter, r *http.Request, err error) {
	code := StatusFor(err)
	if code >= 500 {
		h.logger.Error("task request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	}
	if code == http.StatusNotFound {
		writeErr(w, code, "not found")
		return
	}
	writeErr(w, code, err.Error())
}

func taskID(r *http.Request) model.TaskID {
	return model.TaskID(strings.TrimSpace(r.PathValue("id")))
}

// GET /api/tasks?member=&category=
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	member := strings.TrimSpace(q.Get("member"))
	category := strings.TrimSpace(q.Get("category"))

	var ts []model.Task
	switch {
	case member != "":
		ts = h.store.TasksByMember(member)
		if category != "" {
			kept := ts[:0]
			for _, t := range ts {
				if t.Category == category {
					kept = append(kept, t)
				}
			}
			ts = kept
		}
	case category != "":
		ts = h.store.TasksByCategory(category)
	default:
		ts = h.store.Tasks()
	}
	writeJSON(w, http.StatusOK, ts)
}

// POST /api/tasks
func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	var in Input
	if err := decodeJSON(r, &in); err != nil {
		writeErr(w, http.StatusBadRequest, "bad json")
		return
	}
	t, err := h.store.AddTask(r.Context(), in)
	if err != nil {
		h.writeStoreErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, t)
}

// GET /api/tasks/{id}
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	t, err := h.store.Get(taskID(r))
	if err != nil {
		h.writeStoreErr(w, r, err)
		return
	}
	delta, ok := h.store.ProgressDelta(t)
	resp := map[string]any{"task": t, "delta": nil}
	if ok {
		resp["delta"] = delta
	}
	writeJSON(w, http.StatusOK, resp)
}

// PATCH /api/tasks/{id}
func (h *Handler) Update(w http.ResponseWriter, r *http.Request) {
	var p Patch
	if err := decodeJSON(r, &p); err != nil {
		writeErr(w, http.StatusBadRequest, "bad json")
		return
	}
	t, err := h.store.UpdateTask(r.Context(), taskID(r), p)
	if err != nil {
		h.writeStoreErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// DELETE /api/tasks/{id}
func (h *Handler) Delete(w http.ResponseWriter, r *http.Request) {
	if err := h.store.DeleteTask(r.Context(), taskID(r)); err != nil {
		h.writeStoreErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// POST /api/tasks/{id}/archive
func (h *Handler) Archive(w http.ResponseWriter, r *http.Request) {
	if err := h.store.ArchiveTask(r.Context(), taskID(r)); err != nil {
		h.writeStoreErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// POST /api/tasks/{id}/toggle
func (h *Handler) Toggle(w http.ResponseWriter, r *http.Request) {
	t, err := h.store.ToggleRoutine(r.Context(), taskID(r))
	if err != nil {
		h.writeStoreErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// PUT /api/tasks/order
func (h *Handler) Reorder(w http.ResponseWriter, r *http.Request) {
	var in struct {
		IDs []string `json:"ids"`
	}
	if err := decodeJSON(r, &in); err != nil {
		writeErr(w, http.StatusBadRequest, "bad json")
		return
	}
	ids := make([]model.TaskID, 0, len(in.IDs))
	for _, s := range in.IDs {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		ids = append(ids, model.TaskID(s))
	}
	if err := h.store.ReorderTasks(r.Context(), ids); err != nil {
		h.writeStoreErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "count": len(ids)})
}

type rejectedFile struct {
	Name  string `json:"name"`
	Error string `json:"error"`
}

// POST /api/tasks/{id}/attachments (multipart, any number of "file" parts)
//
// Each part is read up to the per-file limit plus one byte; oversized
// files are rejected individually and the rest are still stored.
func (h *Handler) UploadAttachments(w http.ResponseWriter, r *http.Request) {
	id := taskID(r)
	if _, err := h.store.Get(id); err != nil {
		h.writeStoreErr(w, r, err)
		return
	}
	mr, err := r.MultipartReader()
	if err != nil {
		writeErr(w, http.StatusBadRequest, "expected multipart/form-data")
		return
	}

	limit := h.store.AttachmentLimit()
	var (
		added    []model.Attachment
		rejected []rejectedFile
	)
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			writeErr(w, http.StatusBadRequest, "bad multipart body")
			return
		}
		name := part.FileName()
		if name == "" {
			_ = part.Close()
			continue
		}
		a, rej, err := h.readAttachment(r, id, part, limit)
		_ = part.Close()
		if err != nil {
			h.writeStoreErr(w, r, err)
			return
		}
		if rej != nil {
			rejected = append(rejected, *rej)
			continue
		}
		added = append(added, a)
	}

	if len(added) == 0 && len(rejected) == 0 {
		writeErr(w, http.StatusBadRequest, "no files")
		return
	}
	if added == nil {
		added = []model.Attachment{}
	}
	if rejected == nil {
		rejected = []rejectedFile{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"attachments": added, "rejected": rejected})
}

func (h *Handler) readAttachment(r *http.Request, id model.TaskID, part *multipart.Part, limit int64) (model.Attachment, *rejectedFile, error) {
	name := part.FileName()
	data, err := io.ReadAll(io.LimitReader(part, limit+1))
	if err != nil {
		return model.Attachment{}, nil, fmt.Errorf("%w: read %q: %v", ErrInvalidInput, name, err)
	}
	if int64(len(data)) > limit {
		_, _ = io.Copy(io.Discard, part)
		return model.Attachment{}, &rejectedFile{Name: name, Error: fmt.Sprintf("file exceeds %d bytes", limit)}, nil
	}
	a, err := h.store.AddAttachment(r.Context(), id, name, part.Header.Get("Content-Type"), data)
	if errors.Is(err, ErrAttachmentTooLarge) || errors.Is(err, ErrInvalidInput) {
		return model.Attachment{}, &rejectedFile{Name: name, Error: err.Error()}, nil
	}
	return a, nil, err
}

// GET /api/tasks/{id}/attachments/{attachmentId}
func (h *Handler) DownloadAttachment(w http.ResponseWriter, r *http.Request) {
	a, err := h.store.Attachment(taskID(r), r.PathValue("attachmentId"))
	if err != nil {
		h.writeStoreErr(w, r, err)
		return
	}
	data, err := DecodeAttachment(a)
	if err != nil {
		h.logger.Error("attachment decode failed", "task_id", taskID(r), "attachment_id", a.ID, "error", err)
		writeErr(w, http.StatusInternalServerError, "attachment is corrupt")
		return
	}
	ctype := a.Type
	if ctype == "" {
		ctype = "application/octet-stream"
	}
	w.Header().Set("Content-Type", ctype)
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": a.Name}))
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

// DELETE /api/tasks/{id}/attachments/{attachmentId}
func (h *Handler) RemoveAttachment(w http.ResponseWriter, r *http.Request) {
	if err := h.store.RemoveAttachment(r.Context(), taskID(r), r.PathValue("attachmentId")); err != nil {
		h.writeStoreErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// GET /api/tasks/{id}/calendar.ics
func (h *Handler) Calendar(w http.ResponseWriter, r *http.Request) {
	t, err := h.store.Get(taskID(r))
	if err != nil {
		h.writeStoreErr(w, r, err)
		return
	}
	ics, err := BuildTaskCalendarICS(t, h.store.Now())
	if err != nil {
		h.writeStoreErr(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "text/calendar; charset=utf-8")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="task-%s.ics"`, t.ID))
	_, _ = io.WriteString(w, ics)
}

// GET /api/trash
func (h *Handler) Trash(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.store.Deleted())
}

// POST /api/trash/{id}/restore
func (h *Handler) RestoreTrash(w http.ResponseWriter, r *http.Request) {
	t, err := h.store.RestoreFromTrash(r.Context(), taskID(r))
	if err != nil {
		h.writeStoreErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// DELETE /api/trash/{id}
func (h *Handler) Purge(w http.ResponseWriter, r *http.Request) {
	if err := h.store.PermanentlyDelete(r.Context(), taskID(r)); err != nil {
		h.writeStoreErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// DELETE /api/trash
func (h *Handler) EmptyTrash(w http.ResponseWriter, r *http.Request) {
	n, err := h.store.EmptyTrash(r.Context())
	if err != nil {
		h.writeStoreErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "removed": n})
}

// GET /api/archive?q=
func (h *Handler) ArchiveList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.store.SearchArchive(r.URL.Query().Get("q")))
}

// POST /api/archive/{id}/restore
func (h *Handler) RestoreArchive(w http.ResponseWriter, r *http.Request) {
	t, err := h.store.RestoreFromArchive(r.Context(), taskID(r))
	if err != nil {
		h.writeStoreErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// GET /api/snapshots
func (h *Handler) Snapshots(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"currentWeek": h.store.CurrentWeek(),
		"snapshots":   h.store.Snapshots(),
	})
}

// POST /api/snapshots {"week":"2026-W07","savedBy":""}
func (h *Handler) SaveSnapshot(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Week    string `json:"week"`
		SavedBy string `json:"savedBy"`
	}
	if r.ContentLength != 0 {
		if err := decodeJSON(r, &in); err != nil && err != io.EOF {
			writeErr(w, http.StatusBadRequest, "bad json")
			return
		}
	}
	week := strings.TrimSpace(in.Week)
	if week == "" {
		week = h.store.CurrentWeek()
	}
	snap, err := h.store.SaveWeeklySnapshot(r.Context(), week, strings.TrimSpace(in.SavedBy))
	if err != nil {
		h.writeStoreErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"week": week, "snapshot": snap})
}

// GET /api/export
func (h *Handler) Export(w http.ResponseWriter, r *http.Request) {
	name := fmt.Sprintf("weekly-tasks-%s.json", h.store.Now().Format("20060102-150405"))
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, name))
	if err := h.store.ExportJSON(w); err != nil {
		h.logger.Error("export failed", "error", err)
	}
}

// POST /api/import?mode=replace|merge
func (h *Handler) Import(w http.ResponseWriter, r *http.Request) {
	mode, err := ParseImportMode(r.URL.Query().Get("mode"))
	if err != nil {
		h.writeStoreErr(w, r, err)
		return
	}
	res, err := h.store.ImportJSON(r.Context(), r.Body, mode)
	if err != nil {
		h.writeStoreErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// GET /api/events streams store changes as server-sent events.
func (h *Handler) Events(w http.ResponseWriter, r *http.Request) {
	rc := http.NewResponseController(w)
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	if err := rc.Flush(); err != nil {
		h.logger.Warn("event stream unsupported", "error", err)
		return
	}

	changes := make(chan Change, 16)
	unsubscribe := h.store.Subscribe(func(c Change) {
		select {
		case changes <- c:
		default:
		}
	})
	defer unsubscribe()

	_, _ = fmt.Fprintf(w, "event: hello\ndata: {\"week\":%q}\n\n", h.store.CurrentWeek())
	_ = rc.Flush()

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			if _, err := io.WriteString(w, ": ping\n\n"); err != nil {
				return
			}
			_ = rc.Flush()
		case c := <-changes:
			b, _ := json.Marshal(c)
			if _, err := fmt.Fprintf(w, "event: change\ndata: %s\n\n", b); err != nil {
				return
			}
			_ = rc.Flush()
		}
	}
}
