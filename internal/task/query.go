package task

import (
	"sort"
	"strings"
	"time"

	"github.com/kay0530/weekly-task-manager/internal/model"
	"github.com/kay0530/weekly-task-manager/internal/richtext"
)

// Tasks returns every active task in board order.
func (s *Store) Tasks() []model.Task {
	out := s.collect(func(t model.Task) bool { return t.Status == model.StatusActive })
	SortByOrder(out)
	return out
}

// TasksByMember returns a member's active tasks by displayOrder. Tasks
// without an order come last, oldest first.
func (s *Store) TasksByMember(memberID string) []model.Task {
	out := s.collect(func(t model.Task) bool {
		return t.Status == model.StatusActive && t.MemberID == memberID
	})
	SortByOrder(out)
	return out
}

func (s *Store) TasksByCategory(categoryID string) []model.Task {
	out := s.collect(func(t model.Task) bool {
		return t.Status == model.StatusActive && t.Category == categoryID
	})
	SortByOrder(out)
	return out
}

// Deleted returns the trash, most recently deleted first.
func (s *Store) Deleted() []model.Task {
	out := s.collect(func(t model.Task) bool { return t.Status == model.StatusDeleted })
	sort.SliceStable(out, func(i, j int) bool {
		return newerFirst(out[i].DeletedAt, out[j].DeletedAt, out[i], out[j])
	})
	return out
}

// Archived returns the archive, most recently archived first.
func (s *Store) Archived() []model.Task {
	out := s.collect(func(t model.Task) bool { return t.Status == model.StatusArchived })
	sort.SliceStable(out, func(i, j int) bool {
		return newerFirst(out[i].ArchivedAt, out[j].ArchivedAt, out[i], out[j])
	})
	return out
}

// SearchArchive matches query against title, done and completion notes,
// ignoring case and markup. An empty query returns the whole archive.
func (s *Store) SearchArchive(query string) []model.Task {
	all := s.Archived()
	q := strings.ToLower(strings.TrimSpace(query))
	if q == "" {
		return all
	}
	out := all[:0]
	for _, t := range all {
		hay := strings.ToLower(t.Title + "\n" + richtext.Text(t.Done) + "\n" + richtext.Text(t.CompletionNotes))
		if strings.Contains(hay, q) {
			out = append(out, t)
		}
	}
	return out
}

func (s *Store) collect(keep func(model.Task) bool) []model.Task {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		if keep(t) {
			out = append(out, t.Clone())
		}
	}
	return out
}

// SortByOrder sorts by displayOrder; unordered tasks (0) go last by
// createdAt, then id.
func SortByOrder(ts []model.Task) {
	sort.SliceStable(ts, func(i, j int) bool {
		a, b := ts[i], ts[j]
		if (a.DisplayOrder == 0) != (b.DisplayOrder == 0) {
			return a.DisplayOrder != 0
		}
		if a.DisplayOrder != b.DisplayOrder {
			return a.DisplayOrder < b.DisplayOrder
		}
		return olderFirst(a, b)
	})
}

func olderFirst(a, b model.Task) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

func newerFirst(ta, tb *time.Time, a, b model.Task) bool {
	var x, y time.Time
	if ta != nil {
		x = *ta
	}
	if tb != nil {
		y = *tb
	}
	if !x.Equal(y) {
		return x.After(y)
	}
	return a.ID < b.ID
}
