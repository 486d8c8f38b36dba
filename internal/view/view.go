// Package view builds the read models behind the dashboard, member boards,
// trash and archive pages. Everything here is derived; nothing is stored.
package view

import (
	"sort"
	"strings"
	"time"

	"github.com/kay0530/weekly-task-manager/internal/model"
	"github.com/kay0530/weekly-task-manager/internal/richtext"
	"github.com/kay0530/weekly-task-manager/internal/roster"
	"github.com/kay0530/weekly-task-manager/internal/week"
)

// Source is the read side of the task store.
type Source interface {
	Roster() *roster.Roster
	Now() time.Time
	CurrentWeek() string
	Tasks() []model.Task
	TasksByMember(memberID string) []model.Task
	Deleted() []model.Task
	SearchArchive(query string) []model.Task
	ProgressDeltaAt(t model.Task, current string) (int, bool)
}

type Summary struct {
	Count           int `json:"count"`
	AvgProgress     int `json:"avgProgress"`
	Completed       int `json:"completed"`
	HasIssues       int `json:"hasIssues"`
	HasConsultation int `json:"hasConsultation"`
}

type MemberSummary struct {
	Member roster.Member `json:"member"`
	Summary
}

type CategorySummary struct {
	Category    roster.Category `json:"category"`
	Count       int             `json:"count"`
	AvgProgress int             `json:"avgProgress"`
}

type Dashboard struct {
	Week       string            `json:"week"`
	WeekLabel  string            `json:"weekLabel"`
	Totals     Summary           `json:"totals"`
	Members    []MemberSummary   `json:"members"`
	Categories []CategorySummary `json:"categories"`
}

// Card is a task decorated for display.
type Card struct {
	model.Task
	Delta         *int   `json:"delta"`
	CategoryLabel string `json:"categoryLabel"`
	CategoryColor string `json:"categoryColor"`
	PriorityLabel string `json:"priorityLabel"`
	Overdue       bool   `json:"overdue"`
}

func summarize(ts []model.Task) Summary {
	var s Summary
	total := 0
	for _, t := range ts {
		s.Count++
		total += t.Progress
		if t.Progress >= 100 {
			s.Completed++
		}
		if strings.TrimSpace(richtext.Text(t.Issues)) != "" {
			s.HasIssues++
		}
		if strings.TrimSpace(richtext.Text(t.Consultation)) != "" {
			s.HasConsultation++
		}
	}
	s.AvgProgress = Average(total, s.Count)
	return s
}

// Average divides rounding half away from zero; 0 for no items.
func Average(sum, n int) int {
	if n == 0 {
		return 0
	}
	if sum >= 0 {
		return (2*sum + n) / (2 * n)
	}
	return -((-2*sum + n) / (2 * n))
}

func BuildDashboard(src Source) Dashboard {
	r := src.Roster()
	all := src.Tasks()
	current := src.CurrentWeek()

	byMember := map[string][]model.Task{}
	byCategory := map[string][]model.Task{}
	for _, t := range all {
		byMember[t.MemberID] = append(byMember[t.MemberID], t)
		byCategory[t.Category] = append(byCategory[t.Category], t)
	}

	d := Dashboard{
		Week:       current,
		WeekLabel:  week.Label(current),
		Totals:     summarize(all),
		Members:    make([]MemberSummary, 0, len(r.Members)),
		Categories: make([]CategorySummary, 0, len(r.Categories)),
	}
	for _, m := range r.Members {
		d.Members = append(d.Members, MemberSummary{Member: m, Summary: summarize(byMember[m.ID])})
	}
	for _, c := range r.Categories {
		s := summarize(byCategory[c.ID])
		d.Categories = append(d.Categories, CategorySummary{Category: c, Count: s.Count, AvgProgress: s.AvgProgress})
	}
	return d
}

func decorate(src Source, r *roster.Roster, t model.Task, current, today string) Card {
	c := Card{Task: t, PriorityLabel: r.PriorityLabel(t.Priority)}
	if d, ok := src.ProgressDeltaAt(t, current); ok {
		c.Delta = &d
	}
	c.CategoryLabel = t.Category
	if cat, ok := r.Category(t.Category); ok {
		c.CategoryLabel, c.CategoryColor = cat.Label, cat.Color
	}
	c.Overdue = t.DueDate != "" && t.DueDate < today && t.Progress < 100
	return c
}

const (
	SortDefault  = "default"
	SortPriority = "priority"
	SortDueDate  = "dueDate"
	SortProgress = "progress"
)

type BoardFilter struct {
	Category string `json:"category,omitempty"`
	TaskType string `json:"taskType,omitempty"`
	Sort     string `json:"sort"`
}

type MemberBoard struct {
	Member    roster.Member `json:"member"`
	Week      string        `json:"week"`
	WeekLabel string        `json:"weekLabel"`
	Filter    BoardFilter   `json:"filter"`
	Summary   Summary       `json:"summary"`
	Tasks     []Card        `json:"tasks"`
}

// BuildMemberBoard lists a member's active tasks. The summary covers all of
// them; the card list honors the filter.
func BuildMemberBoard(src Source, memberID string, f BoardFilter) (MemberBoard, error) {
	r := src.Roster()
	m, ok := r.Member(memberID)
	if !ok {
		return MemberBoard{}, roster.ErrUnknownMember
	}
	if f.Sort == "" {
		f.Sort = SortDefault
	}
	current := src.CurrentWeek()
	today := src.Now().Format("2006-01-02")

	all := src.TasksByMember(memberID)
	b := MemberBoard{
		Member:    m,
		Week:      current,
		WeekLabel: week.Label(current),
		Filter:    f,
		Summary:   summarize(all),
		Tasks:     []Card{},
	}
	for _, t := range all {
		if f.Category != "" && t.Category != f.Category {
			continue
		}
		if f.TaskType != "" && t.TaskType != f.TaskType {
			continue
		}
		b.Tasks = append(b.Tasks, decorate(src, r, t, current, today))
	}
	sortCards(b.Tasks, f.Sort)
	return b, nil
}

// sortCards keeps board order as the tie breaker; cards arrive in it.
func sortCards(cs []Card, mode string) {
	switch mode {
	case SortPriority:
		sort.SliceStable(cs, func(i, j int) bool { return cs[i].Priority > cs[j].Priority })
	case SortDueDate:
		sort.SliceStable(cs, func(i, j int) bool {
			a, b := cs[i].DueDate, cs[j].DueDate
			if a == "" || b == "" {
				return a != "" && b == ""
			}
			return a < b
		})
	case SortProgress:
		sort.SliceStable(cs, func(i, j int) bool { return cs[i].Progress > cs[j].Progress })
	}
}

type TrashItem struct {
	Card
	DaysInTrash int `json:"daysInTrash"`
}

type Trash struct {
	Count int         `json:"count"`
	Items []TrashItem `json:"items"`
}

func BuildTrash(src Source) Trash {
	r := src.Roster()
	now := src.Now()
	current := src.CurrentWeek()
	today := now.Format("2006-01-02")

	deleted := src.Deleted()
	out := Trash{Count: len(deleted), Items: make([]TrashItem, 0, len(deleted))}
	for _, t := range deleted {
		item := TrashItem{Card: decorate(src, r, t, current, today)}
		item.Overdue = false
		if t.DeletedAt != nil {
			item.DaysInTrash = int(now.Sub(*t.DeletedAt) / (24 * time.Hour))
		}
		out.Items = append(out.Items, item)
	}
	return out
}

type ArchiveFilter struct {
	Member   string `json:"member,omitempty"`
	Category string `json:"category,omitempty"`
	Query    string `json:"query,omitempty"`
}

type Archive struct {
	Filter ArchiveFilter `json:"filter"`
	Count  int           `json:"count"`
	Items  []Card        `json:"items"`
}

func BuildArchive(src Source, f ArchiveFilter) Archive {
	r := src.Roster()
	current := src.CurrentWeek()
	out := Archive{Filter: f, Items: []Card{}}
	for _, t := range src.SearchArchive(f.Query) {
		if f.Member != "" && t.MemberID != f.Member {
			continue
		}
		if f.Category != "" && t.Category != f.Category {
			continue
		}
		c := decorate(src, r, t, current, "")
		out.Items = append(out.Items, c)
	}
	out.Count = len(out.Items)
	return out
}
