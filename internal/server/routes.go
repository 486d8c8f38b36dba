package server

import (
	"net/http"
	"sort"
	"strings"
	"sync"
)

// RouteDoc describes one registered route for the admin listing.
type RouteDoc struct {
	Method      string `json:"method"`
	Pattern     string `json:"pattern"`
	Area        string `json:"area"`
	Summary     string `json:"summary,omitempty"`
	ExampleBody string `json:"example_body,omitempty"`
}

type RouteRegistry struct {
	mu     sync.Mutex
	routes []RouteDoc
}

// routeArea groups /api/<area>/... routes; anything else is a page.
func routeArea(pattern string) string {
	rest, ok := strings.CutPrefix(pattern, "/api/")
	if !ok {
		if strings.HasPrefix(pattern, "/_/") {
			return "admin"
		}
		return "pages"
	}
	area, _, _ := strings.Cut(rest, "/")
	return area
}

func (rr *RouteRegistry) Add(doc RouteDoc) {
	if doc.Area == "" {
		doc.Area = routeArea(doc.Pattern)
	}
	rr.mu.Lock()
	rr.routes = append(rr.routes, doc)
	rr.mu.Unlock()
}

// List returns routes in registration order, optionally limited to one area.
func (rr *RouteRegistry) List(area string) []RouteDoc {
	rr.mu.Lock()
	defer rr.mu.Unlock()
	out := make([]RouteDoc, 0, len(rr.routes))
	for _, d := range rr.routes {
		if area == "" || d.Area == area {
			out = append(out, d)
		}
	}
	return out
}

func (rr *RouteRegistry) Areas() []string {
	seen := map[string]bool{}
	var out []string
	for _, d := range rr.List("") {
		if !seen[d.Area] {
			seen[d.Area] = true
			out = append(out, d.Area)
		}
	}
	sort.Strings(out)
	return out
}

// Handle registers h on mux and documents it. methodAndPattern uses the
// ServeMux "METHOD /path" form.
func Handle(mux *http.ServeMux, rr *RouteRegistry, methodAndPattern, summary, exampleBody string, h http.HandlerFunc) {
	method, pattern, ok := strings.Cut(methodAndPattern, " ")
	if !ok {
		method, pattern = "", methodAndPattern
	}
	rr.Add(RouteDoc{Method: method, Pattern: pattern, Summary: summary, ExampleBody: exampleBody})
	mux.Handle(methodAndPattern, h)
}
