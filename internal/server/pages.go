package server

import (
	"bytes"
	"errors"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"

	"github.com/kay0530/weekly-task-manager/internal/auth"
	"github.com/kay0530/weekly-task-manager/internal/richtext"
	"github.com/kay0530/weekly-task-manager/internal/roster"
	"github.com/kay0530/weekly-task-manager/internal/view"
	"github.com/kay0530/weekly-task-manager/internal/week"
)

// Pages renders the server-side HTML views. Mutations happen through the
// JSON API from static/js/app.js.
type Pages struct {
	src    view.Source
	logger *slog.Logger
	tmpl   map[string]*template.Template
}

type pageData struct {
	Title     string
	Week      string
	WeekLabel string
	Roster    *roster.Roster
	Acting    string
	IsManager bool
	View      any
}

func NewPages(src view.Source, logger *slog.Logger) (*Pages, error) {
	if logger == nil {
		logger = slog.Default()
	}
	r := src.Roster()
	funcs := template.FuncMap{
		"signed": func(v int) string { return fmt.Sprintf("%+d", v) },
		// Narrative fields are sanitized on write; plain text is escaped here.
		"rich": func(s string) template.HTML {
			if richtext.IsHTML(s) {
				return template.HTML(richtext.Sanitize(s))
			}
			return template.HTML(richtext.PlainTextToHTML(s))
		},
		"memberName": func(id string) string {
			if m, ok := r.Member(id); ok {
				return m.NameJa
			}
			return id
		},
	}

	p := &Pages{src: src, logger: logger, tmpl: map[string]*template.Template{}}
	for _, name := range []string{"dashboard", "member", "trash", "archive"} {
		t, err := template.New(name).Funcs(funcs).ParseFS(templatesFS, "templates/layout.html", "templates/"+name+".html")
		if err != nil {
			return nil, fmt.Errorf("parse %s template: %w", name, err)
		}
		p.tmpl[name] = t
	}
	return p, nil
}

func (p *Pages) render(w http.ResponseWriter, r *http.Request, name, title string, v any) {
	current := p.src.CurrentWeek()
	data := pageData{
		Title:     title,
		Week:      current,
		WeekLabel: week.Label(current),
		Roster:    p.src.Roster(),
		View:      v,
	}
	if m, ok := auth.MemberFromContext(r.Context()); ok {
		data.Acting = m.ID
		data.IsManager = m.Role == roster.RoleManager
	}

	var buf bytes.Buffer
	if err := p.tmpl[name].ExecuteTemplate(&buf, "layout", data); err != nil {
		p.logger.Error("render page failed", "page", name, "error", err)
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = buf.WriteTo(w)
}

// GET /{$}
func (p *Pages) Dashboard(w http.ResponseWriter, r *http.Request) {
	p.render(w, r, "dashboard", "ダッシュボード", view.BuildDashboard(p.src))
}

// GET /members/{id}
func (p *Pages) Member(w http.ResponseWriter, r *http.Request) {
	b, err := view.BuildMemberBoard(p.src, r.PathValue("id"), view.BoardFilterFrom(r))
	if errors.Is(err, roster.ErrUnknownMember) {
		http.NotFound(w, r)
		return
	}
	p.render(w, r, "member", b.Member.NameJa, b)
}

// GET /trash
func (p *Pages) Trash(w http.ResponseWriter, r *http.Request) {
	p.render(w, r, "trash", "ゴミ箱", view.BuildTrash(p.src))
}

// GET /archive
func (p *Pages) Archive(w http.ResponseWriter, r *http.Request) {
	p.render(w, r, "archive", "アーカイブ", view.BuildArchive(p.src, view.ArchiveFilterFrom(r)))
}
