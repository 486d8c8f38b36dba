package task

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kay0530/weekly-task-manager/internal/model"
	"github.com/kay0530/weekly-task-manager/internal/richtext"
)

const icsDateLayout = "20060102"

var ErrNoDueDate = errors.New("task due date required for calendar export")

// BuildTaskCalendarICS builds an all-day iCalendar event on the task's due
// date.
func BuildTaskCalendarICS(t model.Task, now time.Time) (string, error) {
	dueRaw := strings.TrimSpace(t.DueDate)
	if dueRaw == "" {
		return "", ErrNoDueDate
	}
	due, err := time.Parse(dueDateLayout, dueRaw)
	if err != nil {
		return "", fmt.Errorf("%w: dueDate must be YYYY-MM-DD", ErrInvalidInput)
	}
	end := due.AddDate(0, 0, 1)

	title := strings.TrimSpace(t.Title)
	if title == "" {
		title = "(Untitled)"
	}

	uid := fmt.Sprintf("task-%s@weekly-task-manager", strings.TrimSpace(string(t.ID)))
	if strings.TrimSpace(string(t.ID)) == "" {
		uid = fmt.Sprintf("task-export-%d@weekly-task-manager", now.UnixNano())
	}

	lines := []string{
		"BEGIN:VCALENDAR",
		"VERSION:2.0",
		"PRODID:-//Weekly Task Manager//Task Export//EN",
		"CALSCALE:GREGORIAN",
		"METHOD:PUBLISH",
		"BEGIN:VEVENT",
		"UID:" + escapeICSText(uid),
		"DTSTAMP:" + now.UTC().Format("20060102T150405Z"),
		"SUMMARY:" + escapeICSText(title),
		"DTSTART;VALUE=DATE:" + due.Format(icsDateLayout),
		"DTEND;VALUE=DATE:" + end.Format(icsDateLayout),
	}
	if desc := calendarDescription(t); desc != "" {
		lines = append(lines, "DESCRIPTION:"+escapeICSText(desc))
	}
	if len(t.RelatedURLs) > 0 {
		lines = append(lines, "URL:"+t.RelatedURLs[0].URL)
	}
	lines = append(lines, "END:VEVENT", "END:VCALENDAR", "")

	return strings.Join(lines, "\r\n"), nil
}

func calendarDescription(t model.Task) string {
	parts := []string{fmt.Sprintf("Progress: %d%%", t.Progress)}
	if done := strings.TrimSpace(richtext.Text(t.Done)); done != "" {
		parts = append(parts, "Done: "+done)
	}
	if issues := strings.TrimSpace(richtext.Text(t.Issues)); issues != "" {
		parts = append(parts, "Issues: "+issues)
	}
	return strings.Join(parts, "\n")
}

func escapeICSText(s string) string {
	repl := strings.NewReplacer(
		"\\", "\\\\",
		";", "\\;",
		",", "\\,",
		"\r\n", "\\n",
		"\n", "\\n",
		"\r", "\\n",
	)
	return repl.Replace(s)
}
