package task

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"strings"

	"github.com/kay0530/weekly-task-manager/internal/model"
	"github.com/kay0530/weekly-task-manager/internal/telemetry"
)

// AttachmentLimit is the per-file cap in bytes.
func (s *Store) AttachmentLimit() int64 { return s.attachmentMaxBytes }

// AddAttachment stores data inline as a base64 data URL. An empty
// contentType is sniffed from the data.
func (s *Store) AddAttachment(ctx context.Context, id model.TaskID, name, contentType string, data []byte) (model.Attachment, error) {
	if int64(len(data)) > s.attachmentMaxBytes {
		return model.Attachment{}, fmt.Errorf("%w: %q is %d bytes, limit %d", ErrAttachmentTooLarge, name, len(data), s.attachmentMaxBytes)
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return model.Attachment{}, fmt.Errorf("%w: attachment name is required", ErrInvalidInput)
	}
	if contentType == "" {
		contentType = http.DetectContentType(data)
	}

	s.mu.Lock()
	t, ok := s.tasks[id]
	if !ok {
		s.mu.Unlock()
		return model.Attachment{}, ErrNotFound
	}
	t = t.Clone()
	now := s.clock.Now()
	a := model.Attachment{
		ID:      s.newID(),
		Name:    name,
		Size:    int64(len(data)),
		Type:    contentType,
		Data:    "data:" + contentType + ";base64," + base64.StdEncoding.EncodeToString(data),
		AddedAt: now,
	}
	t.Attachments = append(t.Attachments, a)
	t.UpdatedAt = now
	err := s.putLocked(ctx, "add_attachment", t)
	s.mu.Unlock()
	if err != nil {
		return model.Attachment{}, err
	}

	s.after(ctx, telemetry.EventAttachmentAdded, id, telemetry.EventMetadata{"name": name, "size": a.Size})
	return a, nil
}

func (s *Store) RemoveAttachment(ctx context.Context, id model.TaskID, attachmentID string) error {
	s.mu.Lock()
	t, ok := s.tasks[id]
	if !ok {
		s.mu.Unlock()
		return ErrNotFound
	}
	t = t.Clone()
	kept := t.Attachments[:0]
	found := false
	for _, a := range t.Attachments {
		if a.ID == attachmentID {
			found = true
			continue
		}
		kept = append(kept, a)
	}
	if !found {
		s.mu.Unlock()
		return fmt.Errorf("%w: attachment %s", ErrNotFound, attachmentID)
	}
	t.Attachments = kept
	t.UpdatedAt = s.clock.Now()
	err := s.putLocked(ctx, "remove_attachment", t)
	s.mu.Unlock()
	if err != nil {
		return err
	}

	s.after(ctx, telemetry.EventAttachmentRemoved, id, telemetry.EventMetadata{"attachment_id": attachmentID})
	return nil
}

// Attachment looks up one attachment of task id.
func (s *Store) Attachment(id model.TaskID, attachmentID string) (model.Attachment, error) {
	t, err := s.Get(id)
	if err != nil {
		return model.Attachment{}, err
	}
	for _, a := range t.Attachments {
		if a.ID == attachmentID {
			return a, nil
		}
	}
	return model.Attachment{}, fmt.Errorf("%w: attachment %s", ErrNotFound, attachmentID)
}

// DecodeAttachment returns the raw bytes of a stored data URL.
func DecodeAttachment(a model.Attachment) ([]byte, error) {
	_, payload, ok := strings.Cut(a.Data, ";base64,")
	if !ok {
		return nil, fmt.Errorf("attachment %s: not a base64 data url", a.ID)
	}
	return base64.StdEncoding.DecodeString(payload)
}
