package serverapp

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/kay0530/weekly-task-manager/internal/auth"
	"github.com/kay0530/weekly-task-manager/internal/clock"
	"github.com/kay0530/weekly-task-manager/internal/config"
	"github.com/kay0530/weekly-task-manager/internal/httpmw"
	"github.com/kay0530/weekly-task-manager/internal/report"
	"github.com/kay0530/weekly-task-manager/internal/roster"
	"github.com/kay0530/weekly-task-manager/internal/salesforce"
	"github.com/kay0530/weekly-task-manager/internal/server"
	"github.com/kay0530/weekly-task-manager/internal/storage"
	"github.com/kay0530/weekly-task-manager/internal/task"
	"github.com/kay0530/weekly-task-manager/internal/telemetry"
	"github.com/kay0530/weekly-task-manager/internal/view"
	"github.com/kay0530/weekly-task-manager/internal/week"
	staticfiles "github.com/kay0530/weekly-task-manager/static"
)

type Options struct {
	Config *config.Config
	// Backend overrides the configured storage backend.
	Backend storage.Backend
	// Roster overrides cfg.Roster.Path.
	Roster *roster.Roster
	Clock  clock.Clock
	Logger *slog.Logger
}

// App is one assembled server: the HTTP handler plus the long-lived parts
// the process has to run and close.
type App struct {
	Handler http.Handler
	Store   *task.Store
	Syncer  *salesforce.Syncer
	Events  *telemetry.MemoryRepository
	Metrics *telemetry.Metrics
	Routes  *server.RouteRegistry

	backend storage.Backend
}

func New(ctx context.Context, opts Options) (*App, error) {
	if opts.Config == nil {
		return nil, errors.New("config is required")
	}
	cfg := opts.Config
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real{}
	}
	logger := opts.Logger

	rost := opts.Roster
	if rost == nil {
		if cfg.Roster.Path != "" {
			r, err := roster.Load(cfg.Roster.Path)
			if err != nil {
				return nil, err
			}
			rost = r
		} else {
			rost = roster.Default()
		}
	}

	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}

	backend := opts.Backend
	if backend == nil {
		backend, err = OpenBackend(ctx, cfg, logger)
		if err != nil {
			return nil, err
		}
	}

	metrics := telemetry.NewMetrics()
	events := telemetry.NewMemoryRepository(cfg.Tasks.EventLogCapacity)
	events.SetClock(opts.Clock)
	recorder := telemetry.Counting{Next: events, Metrics: metrics}

	store, err := task.NewStore(ctx, task.Options{
		Backend:                backend,
		Roster:                 rost,
		Clock:                  opts.Clock,
		Events:                 recorder,
		Metrics:                metrics,
		Logger:                 logger.With("component", "task_store"),
		Location:               loc,
		AllowArchiveIncomplete: !cfg.ArchiveRequiresComplete(),
		AttachmentMaxBytes:     cfg.Tasks.AttachmentMaxBytes,
	})
	if err != nil {
		_ = backend.Close()
		return nil, err
	}

	var sfClient *salesforce.Client
	sfCfg := SalesforceConfig(cfg)
	if sfCfg.Configured() {
		sfClient, err = salesforce.NewClient(ctx, sfCfg, logger.With("component", "salesforce"))
		if err != nil {
			_ = backend.Close()
			return nil, err
		}
	} else {
		logger.Info("salesforce sync disabled: no credentials configured")
	}
	syncer := salesforce.NewSyncer(sfClient, store, recorder, opts.Clock, logger.With("component", "salesforce"))

	pages, err := server.NewPages(store, logger)
	if err != nil {
		_ = backend.Close()
		return nil, err
	}

	app := &App{
		Store:   store,
		Syncer:  syncer,
		Events:  events,
		Metrics: metrics,
		Routes:  &server.RouteRegistry{},
		backend: backend,
	}

	authService := auth.NewService(rost, logger, cfg.Server.SecureCookie)
	logSecurityHints(logger, cfg)

	mux := http.NewServeMux()
	rr := app.Routes
	mux.Handle("GET /static/", http.StripPrefix("/static/", staticfiles.Handler(cfg.Server.StaticDir)))

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"ok":      true,
			"service": "weekly-task-manager",
			"time":    opts.Clock.Now().UTC().Format(time.RFC3339),
		})
	})
	mux.HandleFunc("GET /readyz", func(w http.ResponseWriter, r *http.Request) {
		if err := store.Ping(r.Context()); err != nil {
			logger.Warn("readiness check failed", "error", err)
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{
				"ok":    false,
				"error": "task storage unavailable",
			})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"ok":      true,
			"service": "weekly-task-manager",
			"backend": cfg.Storage.Backend,
			"time":    opts.Clock.Now().UTC().Format(time.RFC3339),
		})
	})
	mux.Handle("GET /metrics", metrics.Handler())

	authHandler := auth.NewHandler(authService)
	server.Handle(mux, rr, "GET /api/session", "Acting member", "", authHandler.Session)
	server.Handle(mux, rr, "POST /api/session", "Select acting member", `{"memberId":"tago"}`, authHandler.SelectMember)
	server.Handle(mux, rr, "DELETE /api/session", "Clear acting member", "", authHandler.Clear)
	server.Handle(mux, rr, "GET /api/roster", "Members, categories, task types, priorities", "", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, rost)
	})

	th := task.NewHandler(store, logger)
	server.Handle(mux, rr, "GET /api/tasks", "List active tasks (?member, ?category)", "", th.List)
	server.Handle(mux, rr, "POST /api/tasks", "Create task", `{"memberId":"tago","category":"oandm","title":"Meter swap","priority":4}`, th.Create)
	server.Handle(mux, rr, "PUT /api/tasks/order", "Reorder one member's tasks", `{"ids":["id1","id2"]}`, th.Reorder)
	server.Handle(mux, rr, "GET /api/tasks/{id}", "Task with progress delta", "", th.Get)
	server.Handle(mux, rr, "PATCH /api/tasks/{id}", "Update task", `{"progress":60,"done":"<b>Visited</b> site"}`, th.Update)
	server.Handle(mux, rr, "DELETE /api/tasks/{id}", "Move task to trash", "", th.Delete)
	server.Handle(mux, rr, "POST /api/tasks/{id}/archive", "Archive completed task", "", th.Archive)
	server.Handle(mux, rr, "POST /api/tasks/{id}/toggle", "Toggle routine task completion", "", th.Toggle)
	server.Handle(mux, rr, "POST /api/tasks/{id}/attachments", "Upload attachments (multipart)", "", th.UploadAttachments)
	server.Handle(mux, rr, "GET /api/tasks/{id}/attachments/{attachmentId}", "Download attachment", "", th.DownloadAttachment)
	server.Handle(mux, rr, "DELETE /api/tasks/{id}/attachments/{attachmentId}", "Remove attachment", "", th.RemoveAttachment)
	server.Handle(mux, rr, "GET /api/tasks/{id}/calendar.ics", "Due date as iCalendar", "", th.Calendar)

	server.Handle(mux, rr, "GET /api/trash", "Deleted tasks", "", th.Trash)
	server.Handle(mux, rr, "POST /api/trash/{id}/restore", "Restore from trash", "", th.RestoreTrash)
	server.Handle(mux, rr, "DELETE /api/trash/{id}", "Delete permanently", "", th.Purge)
	server.Handle(mux, rr, "DELETE /api/trash", "Empty trash (manager)", "", authService.RequireManager(http.HandlerFunc(th.EmptyTrash)).ServeHTTP)

	server.Handle(mux, rr, "GET /api/archive", "Archived tasks (?q)", "", th.ArchiveList)
	server.Handle(mux, rr, "POST /api/archive/{id}/restore", "Restore from archive", "", th.RestoreArchive)

	server.Handle(mux, rr, "GET /api/snapshots", "Week snapshots", "", th.Snapshots)
	server.Handle(mux, rr, "POST /api/snapshots", "Save week snapshot", `{"week":"2026-W09"}`, th.SaveSnapshot)
	server.Handle(mux, rr, "GET /api/export", "Export all data", "", th.Export)
	server.Handle(mux, rr, "POST /api/import", "Import data (?mode=replace|merge)", `{"tasks":[],"weekSnapshots":{}}`, th.Import)
	server.Handle(mux, rr, "GET /api/events", "Server-sent change stream", "", th.Events)

	vh := view.NewHandler(store)
	server.Handle(mux, rr, "GET /api/views/dashboard", "Dashboard view model", "", vh.Dashboard)
	server.Handle(mux, rr, "GET /api/views/members/{id}", "Member board (?category, ?taskType, ?sort)", "", vh.Member)
	server.Handle(mux, rr, "GET /api/views/trash", "Trash view model", "", vh.Trash)
	server.Handle(mux, rr, "GET /api/views/archive", "Archive view model (?member, ?category, ?q)", "", vh.Archive)

	server.Handle(mux, rr, "GET /api/reports/weekly", "Weekly report as markdown (?week)", "", func(w http.ResponseWriter, r *http.Request) {
		key := strings.TrimSpace(r.URL.Query().Get("week"))
		if key == "" {
			key = store.CurrentWeek()
		}
		md, err := report.Weekly(store, key)
		if err != nil {
			if errors.Is(err, week.ErrInvalidKey) {
				writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
				return
			}
			logger.Error("weekly report failed", "week", key, "error", err)
			writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "internal server error"})
			return
		}
		w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
		_, _ = w.Write([]byte(md))
	})

	server.Handle(mux, rr, "GET /api/activity", "Activity log and stats (?days, ?type)", "", func(w http.ResponseWriter, r *http.Request) {
		days := 7
		if v := r.URL.Query().Get("days"); v != "" {
			if n, err := parsePositive(v); err == nil {
				days = n
			}
		}
		since := opts.Clock.Now().AddDate(0, 0, -days)
		var types []telemetry.EventType
		for _, t := range r.URL.Query()["type"] {
			types = append(types, telemetry.EventType(t))
		}
		evs, err := events.GetEvents(since, types)
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
			return
		}
		stats, err := telemetry.CalculateStats(evs, since)
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"events": evs, "stats": stats})
	})

	sh := salesforce.NewHandler(syncer)
	server.Handle(mux, rr, "POST /api/sync/push", "Push active tasks to Salesforce", "", sh.Push)
	server.Handle(mux, rr, "POST /api/sync/pull", "Replace active tasks from Salesforce", "", sh.Pull)
	server.Handle(mux, rr, "GET /api/sync/status", "Last sync result", "", sh.Status)

	server.Handle(mux, rr, "GET /{$}", "Dashboard page", "", pages.Dashboard)
	server.Handle(mux, rr, "GET /members/{id}", "Member board page", "", pages.Member)
	server.Handle(mux, rr, "GET /trash", "Trash page", "", pages.Trash)
	server.Handle(mux, rr, "GET /archive", "Archive page", "", pages.Archive)
	server.RegisterAdminUI(mux, rr, cfg.Server.Addr)

	app.Handler = httpmw.Chain(
		authService.Identify(mux),
		httpmw.WithRequestID,
		httpmw.WithAccessLog(logger),
		httpmw.WithMetrics(metrics),
		httpmw.WithRecover(logger),
	)
	return app, nil
}

// Run follows the backend's change feed until ctx is done.
func (a *App) Run(ctx context.Context) error {
	return a.Store.Run(ctx)
}

func (a *App) Close() error {
	return a.backend.Close()
}

// SalesforceConfig maps the salesforce config section to the client's.
func SalesforceConfig(cfg *config.Config) salesforce.Config {
	sf := cfg.Salesforce
	return salesforce.Config{
		InstanceURL:  sf.InstanceURL,
		APIVersion:   sf.APIVersion,
		Object:       sf.Object,
		AccessToken:  sf.AccessToken,
		ClientID:     sf.ClientID,
		ClientSecret: sf.ClientSecret,
		RefreshToken: sf.RefreshToken,
		Timeout:      sf.Timeout,
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func parsePositive(s string) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, err
	}
	if n <= 0 {
		return 0, errors.New("not a positive integer")
	}
	return n, nil
}

func logSecurityHints(logger *slog.Logger, cfg *config.Config) {
	env := strings.ToLower(strings.TrimSpace(os.Getenv("WTM_ENV")))
	if (env == "production" || env == "prod") && !cfg.Server.SecureCookie {
		logger.Warn("WTM_ENV is production but server.secure_cookie is false", "env", env)
	}
}
