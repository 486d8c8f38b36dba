// Package report renders the weekly status report as markdown.
package report

import (
	"fmt"
	"sort"
	"strings"

	"github.com/kay0530/weekly-task-manager/internal/model"
	"github.com/kay0530/weekly-task-manager/internal/richtext"
	"github.com/kay0530/weekly-task-manager/internal/roster"
	"github.com/kay0530/weekly-task-manager/internal/view"
	"github.com/kay0530/weekly-task-manager/internal/week"
)

// Source is the read side of the task store.
type Source interface {
	Roster() *roster.Roster
	Tasks() []model.Task
	ProgressDeltaAt(t model.Task, current string) (int, bool)
}

var narrative = []struct {
	label string
	get   func(model.Task) string
}{
	{"実施したこと", func(t model.Task) string { return t.Done }},
	{"出来なかったこと", func(t model.Task) string { return t.NotDone }},
	{"理由", func(t model.Task) string { return t.NotDoneReason }},
	{"課題", func(t model.Task) string { return t.Issues }},
	{"相談事項", func(t model.Task) string { return t.Consultation }},
}

// Weekly builds the report for weekKey, members in roster order.
func Weekly(src Source, weekKey string) (string, error) {
	if !week.Valid(weekKey) {
		return "", fmt.Errorf("report: %w: %q", week.ErrInvalidKey, weekKey)
	}
	r := src.Roster()
	if r == nil {
		r = roster.Default()
	}

	byMember := map[string][]model.Task{}
	for _, t := range src.Tasks() {
		byMember[t.MemberID] = append(byMember[t.MemberID], t)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "# 週次報告 %s (%s)\n", week.Label(weekKey), weekKey)

	seen := map[string]bool{}
	for _, m := range r.Members {
		seen[m.ID] = true
		if err := writeMember(&b, src, r, m.NameJa, byMember[m.ID], weekKey); err != nil {
			return "", err
		}
	}

	var unknown []string
	for id := range byMember {
		if !seen[id] {
			unknown = append(unknown, id)
		}
	}
	sort.Strings(unknown)
	for _, id := range unknown {
		if err := writeMember(&b, src, r, id, byMember[id], weekKey); err != nil {
			return "", err
		}
	}
	return b.String(), nil
}

func writeMember(b *strings.Builder, src Source, r *roster.Roster, name string, tasks []model.Task, weekKey string) error {
	fmt.Fprintf(b, "\n## %s\n", name)
	if len(tasks) == 0 {
		b.WriteString("\nタスクなし\n")
		return nil
	}

	total := 0
	for _, t := range tasks {
		total += t.Progress
	}
	fmt.Fprintf(b, "\n%d件 / 平均進捗 %d%%\n", len(tasks), view.Average(total, len(tasks)))

	for _, t := range tasks {
		title := strings.TrimSpace(t.Title)
		if title == "" {
			title = "(無題)"
		}
		category := t.Category
		if c, ok := r.Category(t.Category); ok {
			category = c.Label
		}
		fmt.Fprintf(b, "\n### %s [%s]\n\n", title, category)

		progress := fmt.Sprintf("%d%%", t.Progress)
		if d, ok := src.ProgressDeltaAt(t, weekKey); ok {
			progress += fmt.Sprintf(" (%+d)", d)
		}
		fmt.Fprintf(b, "- 進捗: %s\n", progress)
		if label := r.PriorityLabel(t.Priority); label != "" {
			fmt.Fprintf(b, "- 優先度: %s\n", label)
		}
		if t.DueDate != "" {
			fmt.Fprintf(b, "- 期限: %s\n", t.DueDate)
		}

		for _, f := range narrative {
			raw := f.get(t)
			if strings.TrimSpace(raw) == "" {
				continue
			}
			md, err := richtext.ToMarkdown(raw)
			if err != nil {
				return fmt.Errorf("report: task %s %s: %w", t.ID, f.label, err)
			}
			if md == "" {
				continue
			}
			fmt.Fprintf(b, "\n**%s**\n\n%s\n", f.label, md)
		}
	}
	return nil
}
