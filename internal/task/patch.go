package task

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/kay0530/weekly-task-manager/internal/model"
	"github.com/kay0530/weekly-task-manager/internal/richtext"
	"github.com/kay0530/weekly-task-manager/internal/telemetry"
)

const dueDateLayout = "2006-01-02"

// Input creates a task. MemberID and Category are required.
type Input struct {
	MemberID string `json:"memberId"`
	Category string `json:"category"`
	TaskType string `json:"taskType"`
	Title    string `json:"title"`
	Priority int    `json:"priority"`
	DueDate  string `json:"dueDate"`
	Progress int    `json:"progress"`

	Done            string `json:"done"`
	NotDone         string `json:"notDone"`
	NotDoneReason   string `json:"notDoneReason"`
	Issues          string `json:"issues"`
	Consultation    string `json:"consultation"`
	CompletionNotes string `json:"completionNotes"`
	Remarks         string `json:"remarks"`

	RelatedURLs []model.RelatedURL `json:"relatedUrls"`
}

// Patch represents a partial update.
// nil pointer => "no change"
// empty DueDate => clear
type Patch struct {
	MemberID *string `json:"memberId,omitempty"`
	Category *string `json:"category,omitempty"`
	TaskType *string `json:"taskType,omitempty"`
	Title    *string `json:"title,omitempty"`
	Priority *int    `json:"priority,omitempty"`
	DueDate  *string `json:"dueDate,omitempty"`
	Progress *int    `json:"progress,omitempty"`

	Done            *string `json:"done,omitempty"`
	NotDone         *string `json:"notDone,omitempty"`
	NotDoneReason   *string `json:"notDoneReason,omitempty"`
	Issues          *string `json:"issues,omitempty"`
	Consultation    *string `json:"consultation,omitempty"`
	CompletionNotes *string `json:"completionNotes,omitempty"`
	Remarks         *string `json:"remarks,omitempty"`

	RelatedURLs *[]model.RelatedURL `json:"relatedUrls,omitempty"`
}

func (s *Store) validateClassification(memberID, category, taskType string) error {
	if strings.TrimSpace(memberID) == "" {
		return fmt.Errorf("%w: memberId is required", ErrInvalidInput)
	}
	if strings.TrimSpace(category) == "" {
		return fmt.Errorf("%w: category is required", ErrInvalidInput)
	}
	if taskType != "" && taskType != model.TaskTypeProject && taskType != model.TaskTypeRoutine {
		return fmt.Errorf("%w: taskType %q", ErrInvalidInput, taskType)
	}
	if s.roster != nil {
		if err := s.roster.Validate(memberID, category, taskType); err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidInput, err)
		}
	}
	return nil
}

func normalizeDueDate(v string) (string, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return "", nil
	}
	if _, err := time.Parse(dueDateLayout, v); err != nil {
		return "", fmt.Errorf("%w: dueDate must be YYYY-MM-DD", ErrInvalidInput)
	}
	return v, nil
}

// normalizeURLs drops entries without a URL and defaults the label.
func normalizeURLs(in []model.RelatedURL) ([]model.RelatedURL, error) {
	out := make([]model.RelatedURL, 0, len(in))
	for _, u := range in {
		raw := strings.TrimSpace(u.URL)
		if raw == "" {
			continue
		}
		parsed, err := url.Parse(raw)
		if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
			return nil, fmt.Errorf("%w: related url %q must be http(s)", ErrInvalidInput, raw)
		}
		label := strings.TrimSpace(u.Label)
		if label == "" {
			label = raw
		}
		out = append(out, model.RelatedURL{Label: label, URL: raw})
	}
	return out, nil
}

func sanitizeNarrative(t *model.Task) {
	t.Done = richtext.Sanitize(t.Done)
	t.NotDone = richtext.Sanitize(t.NotDone)
	t.NotDoneReason = richtext.Sanitize(t.NotDoneReason)
	t.Issues = richtext.Sanitize(t.Issues)
	t.Consultation = richtext.Sanitize(t.Consultation)
	t.CompletionNotes = richtext.Sanitize(t.CompletionNotes)
	t.Remarks = richtext.Sanitize(t.Remarks)
}

// AddTask creates an active task at the end of its member's order.
func (s *Store) AddTask(ctx context.Context, in Input) (model.Task, error) {
	if err := s.validateClassification(in.MemberID, in.Category, in.TaskType); err != nil {
		return model.Task{}, err
	}
	due, err := normalizeDueDate(in.DueDate)
	if err != nil {
		return model.Task{}, err
	}
	urls, err := normalizeURLs(in.RelatedURLs)
	if err != nil {
		return model.Task{}, err
	}

	now := s.clock.Now()
	t := model.Task{
		ID:              model.TaskID(s.newID()),
		MemberID:        in.MemberID,
		Category:        in.Category,
		TaskType:        in.TaskType,
		Title:           strings.TrimSpace(in.Title),
		Priority:        in.Priority,
		DueDate:         due,
		Progress:        in.Progress,
		Done:            in.Done,
		NotDone:         in.NotDone,
		NotDoneReason:   in.NotDoneReason,
		Issues:          in.Issues,
		Consultation:    in.Consultation,
		CompletionNotes: in.CompletionNotes,
		Remarks:         in.Remarks,
		RelatedURLs:     urls,
		Attachments:     []model.Attachment{},
		Status:          model.StatusActive,
		WeeklyHistory:   map[string]model.WeekEntry{},
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	t.Normalize()
	sanitizeNarrative(&t)

	s.mu.Lock()
	t.DisplayOrder = s.nextOrderLocked(t.MemberID, "")
	err = s.putLocked(ctx, "add_task", t)
	s.mu.Unlock()
	if err != nil {
		return model.Task{}, err
	}

	s.after(ctx, telemetry.EventTaskCreated, t.ID, telemetry.EventMetadata{"member_id": t.MemberID, "category": t.Category})
	return t.Clone(), nil
}

// UpdateTask merges patch into a task of any status. Status never changes.
func (s *Store) UpdateTask(ctx context.Context, id model.TaskID, p Patch) (model.Task, error) {
	s.mu.Lock()
	t, ok := s.tasks[id]
	if !ok {
		s.mu.Unlock()
		return model.Task{}, ErrNotFound
	}
	t = t.Clone()
	prevMember := t.MemberID

	if err := s.applyPatch(&t, p); err != nil {
		s.mu.Unlock()
		return model.Task{}, err
	}
	if t.MemberID != prevMember && t.Status == model.StatusActive {
		t.DisplayOrder = s.nextOrderLocked(t.MemberID, t.ID)
	}
	t.UpdatedAt = s.clock.Now()

	err := s.putLocked(ctx, "update_task", t)
	s.mu.Unlock()
	if err != nil {
		return model.Task{}, err
	}

	s.after(ctx, telemetry.EventTaskUpdated, t.ID, telemetry.EventMetadata{"member_id": t.MemberID})
	return t.Clone(), nil
}

func (s *Store) applyPatch(t *model.Task, p Patch) error {
	member, category, taskType := t.MemberID, t.Category, t.TaskType
	if p.MemberID != nil {
		member = strings.TrimSpace(*p.MemberID)
	}
	if p.Category != nil {
		category = strings.TrimSpace(*p.Category)
	}
	if p.TaskType != nil {
		taskType = strings.TrimSpace(*p.TaskType)
	}
	if p.MemberID != nil || p.Category != nil || p.TaskType != nil {
		if err := s.validateClassification(member, category, taskType); err != nil {
			return err
		}
	}
	t.MemberID, t.Category = member, category
	if taskType != "" {
		t.TaskType = taskType
	}

	if p.Title != nil {
		t.Title = strings.TrimSpace(*p.Title)
	}
	if p.Priority != nil {
		t.Priority = model.ClampPriority(*p.Priority)
	}
	if p.DueDate != nil {
		due, err := normalizeDueDate(*p.DueDate)
		if err != nil {
			return err
		}
		t.DueDate = due
	}
	if p.Progress != nil {
		t.Progress = model.ClampProgress(*p.Progress)
	}
	if p.RelatedURLs != nil {
		urls, err := normalizeURLs(*p.RelatedURLs)
		if err != nil {
			return err
		}
		t.RelatedURLs = urls
	}

	setText := func(dst *string, src *string) {
		if src != nil {
			*dst = richtext.Sanitize(*src)
		}
	}
	setText(&t.Done, p.Done)
	setText(&t.NotDone, p.NotDone)
	setText(&t.NotDoneReason, p.NotDoneReason)
	setText(&t.Issues, p.Issues)
	setText(&t.Consultation, p.Consultation)
	setText(&t.CompletionNotes, p.CompletionNotes)
	setText(&t.Remarks, p.Remarks)
	return nil
}
