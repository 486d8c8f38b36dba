package task

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kay0530/weekly-task-manager/internal/model"
)

func newTestMux(t *testing.T, s *Store) *http.ServeMux {
	t.Helper()
	h := NewHandler(s, nil)
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/tasks", h.List)
	mux.HandleFunc("POST /api/tasks", h.Create)
	mux.HandleFunc("PUT /api/tasks/order", h.Reorder)
	mux.HandleFunc("GET /api/tasks/{id}", h.Get)
	mux.HandleFunc("PATCH /api/tasks/{id}", h.Update)
	mux.HandleFunc("DELETE /api/tasks/{id}", h.Delete)
	mux.HandleFunc("POST /api/tasks/{id}/archive", h.Archive)
	mux.HandleFunc("POST /api/tasks/{id}/toggle", h.Toggle)
	mux.HandleFunc("POST /api/tasks/{id}/attachments", h.UploadAttachments)
	mux.HandleFunc("GET /api/tasks/{id}/attachments/{attachmentId}", h.DownloadAttachment)
	mux.HandleFunc("DELETE /api/tasks/{id}/attachments/{attachmentId}", h.RemoveAttachment)
	mux.HandleFunc("GET /api/tasks/{id}/calendar.ics", h.Calendar)
	mux.HandleFunc("GET /api/trash", h.Trash)
	mux.HandleFunc("POST /api/trash/{id}/restore", h.RestoreTrash)
	mux.HandleFunc("DELETE /api/trash/{id}", h.Purge)
	mux.HandleFunc("DELETE /api/trash", h.EmptyTrash)
	mux.HandleFunc("GET /api/archive", h.ArchiveList)
	mux.HandleFunc("POST /api/archive/{id}/restore", h.RestoreArchive)
	mux.HandleFunc("GET /api/snapshots", h.Snapshots)
	mux.HandleFunc("POST /api/snapshots", h.SaveSnapshot)
	mux.HandleFunc("GET /api/export", h.Export)
	mux.HandleFunc("POST /api/import", h.Import)
	mux.HandleFunc("GET /api/events", h.Events)
	return mux
}

func jsonReq(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rdr io.Reader
	if body != nil {
		switch v := body.(type) {
		case string:
			rdr = strings.NewReader(v)
		default:
			b, err := json.Marshal(v)
			require.NoError(t, err)
			rdr = bytes.NewReader(b)
		}
	}
	req := httptest.NewRequest(method, path, rdr)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestHTTP_TaskLifecycle(t *testing.T) {
	env := newTestStore(t)
	mux := newTestMux(t, env.store)

	rr := jsonReq(t, mux, http.MethodPost, "/api/tasks", map[string]any{
		"memberId": "tago", "category": "oandm", "title": "HTTP task", "progress": 150,
	})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	var created model.Task
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &created))
	assert.Equal(t, 100, created.Progress)

	rr = jsonReq(t, mux, http.MethodPatch, "/api/tasks/"+string(created.ID), map[string]any{"title": "renamed"})
	require.Equal(t, http.StatusOK, rr.Code)

	rr = jsonReq(t, mux, http.MethodGet, "/api/tasks/"+string(created.ID), nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var got struct {
		Task  model.Task `json:"task"`
		Delta *int       `json:"delta"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &got))
	assert.Equal(t, "renamed", got.Task.Title)
	assert.Nil(t, got.Delta)

	rr = jsonReq(t, mux, http.MethodGet, "/api/tasks?member=tago", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var list []model.Task
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &list))
	assert.Len(t, list, 1)

	rr = jsonReq(t, mux, http.MethodDelete, "/api/tasks/"+string(created.ID), nil)
	require.Equal(t, http.StatusOK, rr.Code)
	rr = jsonReq(t, mux, http.MethodDelete, "/api/tasks/"+string(created.ID), nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = jsonReq(t, mux, http.MethodGet, "/api/trash", nil)
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &list))
	assert.Len(t, list, 1)

	rr = jsonReq(t, mux, http.MethodPost, "/api/trash/"+string(created.ID)+"/restore", nil)
	require.Equal(t, http.StatusOK, rr.Code)

	rr = jsonReq(t, mux, http.MethodPost, "/api/tasks/"+string(created.ID)+"/archive", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	rr = jsonReq(t, mux, http.MethodGet, "/api/archive?q=renamed", nil)
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &list))
	assert.Len(t, list, 1)
}

func TestHTTP_ErrorMapping(t *testing.T) {
	env := newTestStore(t)
	mux := newTestMux(t, env.store)
	a := env.add(t, "tago", "a")
	b := env.add(t, "osawa", "b")

	rr := jsonReq(t, mux, http.MethodPost, "/api/tasks", `{"memberId":`)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = jsonReq(t, mux, http.MethodPost, "/api/tasks", map[string]any{"memberId": "ghost", "category": "oandm"})
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = jsonReq(t, mux, http.MethodPost, "/api/tasks/"+string(a.ID)+"/archive", nil)
	assert.Equal(t, http.StatusConflict, rr.Code)

	rr = jsonReq(t, mux, http.MethodPut, "/api/tasks/order", map[string]any{"ids": []string{string(a.ID), string(b.ID)}})
	assert.Equal(t, http.StatusConflict, rr.Code)

	rr = jsonReq(t, mux, http.MethodGet, "/api/tasks/nope", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = jsonReq(t, mux, http.MethodPost, "/api/import", `[1,2`)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = jsonReq(t, mux, http.MethodPost, "/api/import?mode=sideways", `{}`)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = jsonReq(t, mux, http.MethodGet, "/api/tasks/"+string(a.ID)+"/calendar.ics", nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestHTTP_UploadRejectsOversizedFilesIndividually(t *testing.T) {
	env := newTestStore(t, func(o *Options) { o.AttachmentMaxBytes = 16 })
	mux := newTestMux(t, env.store)
	tk := env.add(t, "tago", "files")

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	small, err := mw.CreateFormFile("file", "small.txt")
	require.NoError(t, err)
	_, _ = small.Write([]byte("hello"))
	big, err := mw.CreateFormFile("file", "big.txt")
	require.NoError(t, err)
	_, _ = big.Write(bytes.Repeat([]byte("x"), 17))
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/tasks/"+string(tk.ID)+"/attachments", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	var resp struct {
		Attachments []model.Attachment `json:"attachments"`
		Rejected    []rejectedFile     `json:"rejected"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	require.Len(t, resp.Attachments, 1)
	assert.Equal(t, "small.txt", resp.Attachments[0].Name)
	require.Len(t, resp.Rejected, 1)
	assert.Equal(t, "big.txt", resp.Rejected[0].Name)

	attPath := "/api/tasks/" + string(tk.ID) + "/attachments/" + resp.Attachments[0].ID
	rr = jsonReq(t, mux, http.MethodGet, attPath, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "hello", rr.Body.String())
	assert.Equal(t, `attachment; filename=small.txt`, rr.Header().Get("Content-Disposition"))

	rr = jsonReq(t, mux, http.MethodDelete, attPath, nil)
	assert.Equal(t, http.StatusOK, rr.Code)

	rr = jsonReq(t, mux, http.MethodGet, attPath, nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestHTTP_SnapshotsAndExport(t *testing.T) {
	env := newTestStore(t)
	mux := newTestMux(t, env.store)
	env.add(t, "tago", "snap")

	rr := jsonReq(t, mux, http.MethodPost, "/api/snapshots", nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Contains(t, rr.Body.String(), `"week":"2026-W09"`)

	rr = jsonReq(t, mux, http.MethodGet, "/api/export", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Header().Get("Content-Disposition"), "weekly-tasks-20260225-090000.json")
	var doc model.Document
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &doc))
	assert.Len(t, doc.Tasks, 1)
	assert.Contains(t, doc.WeekSnapshots, "2026-W09")

	other := newTestStore(t)
	otherMux := newTestMux(t, other.store)
	rr = jsonReq(t, otherMux, http.MethodPost, "/api/import?mode=merge", rr.Body.String())
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Len(t, other.store.Tasks(), 1)
}

func TestHTTP_EventsStreamsChanges(t *testing.T) {
	env := newTestStore(t)
	srv := httptest.NewServer(newTestMux(t, env.store))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/events", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	sc := bufio.NewScanner(resp.Body)
	require.True(t, sc.Scan())
	assert.Equal(t, "event: hello", sc.Text())

	env.add(t, "tago", "streamed")

	found := false
	for sc.Scan() {
		if strings.HasPrefix(sc.Text(), "data: ") && strings.Contains(sc.Text(), `"op":"task_created"`) {
			found = true
			break
		}
	}
	assert.True(t, found)
}
