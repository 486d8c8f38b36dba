package model

import (
	"time"
)

type TaskID string

type Status string

const (
	StatusActive   Status = "active"
	StatusDeleted  Status = "deleted"
	StatusArchived Status = "archived"
)

func (s Status) Valid() bool {
	switch s {
	case StatusActive, StatusDeleted, StatusArchived:
		return true
	}
	return false
}

const (
	TaskTypeProject = "project"
	TaskTypeRoutine = "routine"
)

const (
	MinPriority     = 1
	MaxPriority     = 5
	DefaultPriority = 3
)

type RelatedURL struct {
	Label string `json:"label"`
	URL   string `json:"url"`
}

// Attachment is stored inline; Data is a base64 data URL.
type Attachment struct {
	ID      string    `json:"id"`
	Name    string    `json:"name"`
	Size    int64     `json:"size"`
	Type    string    `json:"type"`
	Data    string    `json:"data"`
	AddedAt time.Time `json:"addedAt"`
}

type WeekEntry struct {
	Progress int `json:"progress"`
}

type Task struct {
	ID       TaskID `json:"id"`
	MemberID string `json:"memberId"`
	Category string `json:"category"`
	TaskType string `json:"taskType"`
	Title    string `json:"title"`
	Priority int    `json:"priority"`
	DueDate  string `json:"dueDate,omitempty"`
	Progress int    `json:"progress"`

	Done            string `json:"done"`
	NotDone         string `json:"notDone"`
	NotDoneReason   string `json:"notDoneReason"`
	Issues          string `json:"issues"`
	Consultation    string `json:"consultation"`
	CompletionNotes string `json:"completionNotes"`
	Remarks         string `json:"remarks"`

	RelatedURLs []RelatedURL `json:"relatedUrls"`
	Attachments []Attachment `json:"attachments"`

	Status       Status `json:"status"`
	DisplayOrder int    `json:"displayOrder,omitempty"`

	WeeklyHistory map[string]WeekEntry `json:"weeklyHistory"`

	CreatedAt  time.Time  `json:"createdAt"`
	UpdatedAt  time.Time  `json:"updatedAt"`
	DeletedAt  *time.Time `json:"deletedAt,omitempty"`
	ArchivedAt *time.Time `json:"archivedAt,omitempty"`
}

// Normalize replaces nil collections with empty ones so the JSON shape is
// stable, and fills defaults for records written by older clients.
func (t *Task) Normalize() {
	if t.RelatedURLs == nil {
		t.RelatedURLs = []RelatedURL{}
	}
	if t.Attachments == nil {
		t.Attachments = []Attachment{}
	}
	if t.WeeklyHistory == nil {
		t.WeeklyHistory = map[string]WeekEntry{}
	}
	if t.TaskType == "" {
		t.TaskType = TaskTypeProject
	}
	if t.Priority == 0 {
		t.Priority = DefaultPriority
	}
	t.Priority = ClampPriority(t.Priority)
	t.Progress = ClampProgress(t.Progress)
}

// Clone returns a deep copy so callers cannot mutate store state.
func (t Task) Clone() Task {
	out := t
	if t.RelatedURLs != nil {
		out.RelatedURLs = append([]RelatedURL(nil), t.RelatedURLs...)
	}
	if t.Attachments != nil {
		out.Attachments = append([]Attachment(nil), t.Attachments...)
	}
	if t.WeeklyHistory != nil {
		out.WeeklyHistory = make(map[string]WeekEntry, len(t.WeeklyHistory))
		for k, v := range t.WeeklyHistory {
			out.WeeklyHistory[k] = v
		}
	}
	if t.DeletedAt != nil {
		v := *t.DeletedAt
		out.DeletedAt = &v
	}
	if t.ArchivedAt != nil {
		v := *t.ArchivedAt
		out.ArchivedAt = &v
	}
	return out
}

func ClampProgress(p int) int {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}

func ClampPriority(p int) int {
	if p < MinPriority {
		return MinPriority
	}
	if p > MaxPriority {
		return MaxPriority
	}
	return p
}
