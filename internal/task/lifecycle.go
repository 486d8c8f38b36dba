package task

import (
	"context"
	"fmt"

	"github.com/kay0530/weekly-task-manager/internal/model"
	"github.com/kay0530/weekly-task-manager/internal/telemetry"
)

// DeleteTask moves an active task to the trash.
func (s *Store) DeleteTask(ctx context.Context, id model.TaskID) error {
	s.mu.Lock()
	t, err := s.getWithStatusLocked(id, model.StatusActive)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	now := s.clock.Now()
	t.Status = model.StatusDeleted
	t.DeletedAt = &now
	t.ArchivedAt = nil
	t.UpdatedAt = now
	err = s.putLocked(ctx, "delete_task", t)
	s.mu.Unlock()
	if err != nil {
		return err
	}

	s.after(ctx, telemetry.EventTaskDeleted, id, telemetry.EventMetadata{"member_id": t.MemberID})
	return nil
}

// ArchiveTask moves a completed active task to the archive.
func (s *Store) ArchiveTask(ctx context.Context, id model.TaskID) error {
	s.mu.Lock()
	t, err := s.getWithStatusLocked(id, model.StatusActive)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	if t.Progress < 100 && !s.allowArchiveIncomplete {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s is at %d%%", ErrNotComplete, id, t.Progress)
	}
	now := s.clock.Now()
	t.Status = model.StatusArchived
	t.ArchivedAt = &now
	t.DeletedAt = nil
	t.UpdatedAt = now
	err = s.putLocked(ctx, "archive_task", t)
	s.mu.Unlock()
	if err != nil {
		return err
	}

	s.after(ctx, telemetry.EventTaskArchived, id, telemetry.EventMetadata{"member_id": t.MemberID})
	return nil
}

func (s *Store) RestoreFromTrash(ctx context.Context, id model.TaskID) (model.Task, error) {
	return s.restore(ctx, id, model.StatusDeleted, "restore_trash")
}

func (s *Store) RestoreFromArchive(ctx context.Context, id model.TaskID) (model.Task, error) {
	return s.restore(ctx, id, model.StatusArchived, "restore_archive")
}

func (s *Store) restore(ctx context.Context, id model.TaskID, from model.Status, op string) (model.Task, error) {
	s.mu.Lock()
	t, err := s.getWithStatusLocked(id, from)
	if err != nil {
		s.mu.Unlock()
		return model.Task{}, err
	}
	t.Status = model.StatusActive
	t.DeletedAt = nil
	t.ArchivedAt = nil
	t.UpdatedAt = s.clock.Now()
	t.DisplayOrder = s.nextOrderLocked(t.MemberID, t.ID)
	err = s.putLocked(ctx, op, t)
	s.mu.Unlock()
	if err != nil {
		return model.Task{}, err
	}

	s.after(ctx, telemetry.EventTaskRestored, id, telemetry.EventMetadata{"member_id": t.MemberID, "from": string(from)})
	return t.Clone(), nil
}

// PermanentlyDelete removes a trashed task for good.
func (s *Store) PermanentlyDelete(ctx context.Context, id model.TaskID) error {
	s.mu.Lock()
	t, err := s.getWithStatusLocked(id, model.StatusDeleted)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	err = s.removeLocked(ctx, "purge_task", id)
	s.mu.Unlock()
	if err != nil {
		return err
	}

	s.after(ctx, telemetry.EventTaskPurged, id, telemetry.EventMetadata{"member_id": t.MemberID})
	return nil
}

// EmptyTrash purges every trashed task and returns how many were removed.
// On a storage failure the tasks removed so far stay removed.
func (s *Store) EmptyTrash(ctx context.Context) (int, error) {
	s.mu.Lock()
	var ids []model.TaskID
	for id, t := range s.tasks {
		if t.Status == model.StatusDeleted {
			ids = append(ids, id)
		}
	}
	removed := 0
	var firstErr error
	for _, id := range ids {
		if err := s.removeLocked(ctx, "empty_trash", id); err != nil {
			firstErr = err
			break
		}
		removed++
	}
	s.mu.Unlock()

	if removed > 0 || firstErr == nil {
		s.after(ctx, telemetry.EventTrashEmptied, "", telemetry.EventMetadata{"count": removed})
	}
	return removed, firstErr
}

// ReorderTasks assigns displayOrder 1..N following ids. All ids must be
// active tasks of one member.
func (s *Store) ReorderTasks(ctx context.Context, ids []model.TaskID) error {
	if len(ids) == 0 {
		return nil
	}

	s.mu.Lock()
	seen := make(map[model.TaskID]bool, len(ids))
	member := ""
	for i, id := range ids {
		if seen[id] {
			s.mu.Unlock()
			return fmt.Errorf("%w: duplicate id %s", ErrInvalidInput, id)
		}
		seen[id] = true
		t, err := s.getWithStatusLocked(id, model.StatusActive)
		if err != nil {
			s.mu.Unlock()
			return err
		}
		if i == 0 {
			member = t.MemberID
		} else if t.MemberID != member {
			s.mu.Unlock()
			return fmt.Errorf("%w: %s belongs to %s, not %s", ErrMixedMembers, id, t.MemberID, member)
		}
	}

	now := s.clock.Now()
	var err error
	for i, id := range ids {
		t := s.tasks[id].Clone()
		if t.DisplayOrder == i+1 {
			continue
		}
		t.DisplayOrder = i + 1
		t.UpdatedAt = now
		if err = s.putLocked(ctx, "reorder_tasks", t); err != nil {
			break
		}
	}
	s.mu.Unlock()
	if err != nil {
		return err
	}

	s.after(ctx, telemetry.EventTasksReordered, "", telemetry.EventMetadata{"member_id": member, "count": len(ids)})
	return nil
}

// ToggleRoutine flips a routine task between 0 and 100 percent.
func (s *Store) ToggleRoutine(ctx context.Context, id model.TaskID) (model.Task, error) {
	s.mu.Lock()
	t, err := s.getWithStatusLocked(id, model.StatusActive)
	if err != nil {
		s.mu.Unlock()
		return model.Task{}, err
	}
	if t.TaskType != model.TaskTypeRoutine {
		s.mu.Unlock()
		return model.Task{}, fmt.Errorf("%w: %s", ErrNotRoutine, id)
	}
	if t.Progress >= 100 {
		t.Progress = 0
	} else {
		t.Progress = 100
	}
	t.UpdatedAt = s.clock.Now()
	err = s.putLocked(ctx, "toggle_routine", t)
	s.mu.Unlock()
	if err != nil {
		return model.Task{}, err
	}

	s.after(ctx, telemetry.EventTaskUpdated, id, telemetry.EventMetadata{"member_id": t.MemberID, "progress": t.Progress})
	return t.Clone(), nil
}
