package task

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/kay0530/weekly-task-manager/internal/model"
	"github.com/kay0530/weekly-task-manager/internal/storage"
	"github.com/kay0530/weekly-task-manager/internal/telemetry"
	"github.com/kay0530/weekly-task-manager/internal/week"
)

type ImportMode string

const (
	// ImportReplace swaps out each status partition present in the document.
	ImportReplace ImportMode = "replace"
	// ImportMerge upserts by id and never removes anything.
	ImportMerge ImportMode = "merge"
)

// ParseImportMode maps "" to ImportReplace.
func ParseImportMode(v string) (ImportMode, error) {
	switch ImportMode(strings.ToLower(strings.TrimSpace(v))) {
	case "", ImportReplace:
		return ImportReplace, nil
	case ImportMerge:
		return ImportMerge, nil
	}
	return "", fmt.Errorf("%w: import mode %q", ErrInvalidInput, v)
}

type ImportResult struct {
	Mode      ImportMode `json:"mode"`
	Active    int        `json:"active"`
	Deleted   int        `json:"deleted"`
	Archived  int        `json:"archived"`
	Snapshots int        `json:"snapshots"`
	Removed   int        `json:"removed"`
}

// MigrationChunkSize bounds how many legacy records are written per batch.
const MigrationChunkSize = 500

// ImportJSON decodes a Document from r and imports it.
func (s *Store) ImportJSON(ctx context.Context, r io.Reader, mode ImportMode) (ImportResult, error) {
	var doc model.Document
	dec := json.NewDecoder(r)
	if err := dec.Decode(&doc); err != nil {
		return ImportResult{}, fmt.Errorf("%w: %v", ErrMalformedImport, err)
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return ImportResult{}, fmt.Errorf("%w: trailing data after document", ErrMalformedImport)
	}
	return s.Import(ctx, doc, mode)
}

// Import writes doc into the store. The document is validated up front;
// if it is malformed nothing is written.
func (s *Store) Import(ctx context.Context, doc model.Document, mode ImportMode) (ImportResult, error) {
	if mode == "" {
		mode = ImportReplace
	}
	if mode != ImportReplace && mode != ImportMerge {
		return ImportResult{}, fmt.Errorf("%w: import mode %q", ErrInvalidInput, mode)
	}
	for key := range doc.WeekSnapshots {
		if !week.Valid(key) {
			return ImportResult{}, fmt.Errorf("%w: snapshot key %q", ErrMalformedImport, key)
		}
	}

	now := s.clock.Now()
	incoming := map[model.TaskID]model.Task{}
	var order []model.TaskID
	buckets := []struct {
		tasks  []model.Task
		status model.Status
	}{
		{doc.Tasks, model.StatusActive},
		{doc.DeletedTasks, model.StatusDeleted},
		{doc.ArchivedTasks, model.StatusArchived},
	}
	for _, b := range buckets {
		for _, t := range b.tasks {
			for key := range t.WeeklyHistory {
				if !week.Valid(key) {
					return ImportResult{}, fmt.Errorf("%w: task %s history key %q", ErrMalformedImport, t.ID, key)
				}
			}
			t = s.prepareImported(t.Clone(), b.status, now)
			if _, dup := incoming[t.ID]; !dup {
				order = append(order, t.ID)
			}
			incoming[t.ID] = t
		}
	}

	res := ImportResult{Mode: mode}

	s.mu.Lock()
	var err error
	if mode == ImportReplace {
		replaced := map[model.Status]bool{
			model.StatusActive:   doc.Tasks != nil,
			model.StatusDeleted:  doc.DeletedTasks != nil,
			model.StatusArchived: doc.ArchivedTasks != nil,
		}
		for _, id := range sortedIDs(s.tasks) {
			t := s.tasks[id]
			if _, keep := incoming[id]; keep || !replaced[t.Status] {
				continue
			}
			if err = s.removeLocked(ctx, "import", id); err != nil {
				break
			}
			res.Removed++
		}
		if err == nil && doc.WeekSnapshots != nil {
			for key := range s.snapshots {
				if _, keep := doc.WeekSnapshots[key]; keep {
					continue
				}
				if err = s.backend.DeleteSnapshot(ctx, key); err != nil {
					s.countStorageError("import")
					err = fmt.Errorf("import snapshot %s: %w", key, storage.Wrap("import", err))
					break
				}
				delete(s.snapshots, key)
				s.gen++
			}
		}
	}
	if err == nil {
		for _, id := range order {
			t := incoming[id]
			if err = s.putLocked(ctx, "import", t); err != nil {
				break
			}
			switch t.Status {
			case model.StatusActive:
				res.Active++
			case model.StatusDeleted:
				res.Deleted++
			case model.StatusArchived:
				res.Archived++
			}
		}
	}
	if err == nil {
		for _, key := range sortedKeys(doc.WeekSnapshots) {
			snap := doc.WeekSnapshots[key].Clone()
			if err = s.putSnapshotLocked(ctx, key, snap); err != nil {
				break
			}
			res.Snapshots++
		}
	}
	s.mu.Unlock()

	s.logger.Info("data imported", "mode", mode, "active", res.Active, "deleted", res.Deleted,
		"archived", res.Archived, "snapshots", res.Snapshots, "removed", res.Removed)
	s.after(ctx, telemetry.EventDataImported, "", telemetry.EventMetadata{
		"mode": string(mode), "active": res.Active, "deleted": res.Deleted,
		"archived": res.Archived, "snapshots": res.Snapshots,
	})
	return res, err
}

// prepareImported tags status, backfills ids and timestamps, and clears
// timestamps that contradict the status.
func (s *Store) prepareImported(t model.Task, status model.Status, now time.Time) model.Task {
	if strings.TrimSpace(string(t.ID)) == "" {
		t.ID = model.TaskID(s.newID())
	}
	t.Status = status
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	if t.UpdatedAt.IsZero() {
		t.UpdatedAt = now
	}
	switch status {
	case model.StatusActive:
		t.DeletedAt, t.ArchivedAt = nil, nil
	case model.StatusDeleted:
		t.ArchivedAt = nil
		if t.DeletedAt == nil {
			n := now
			t.DeletedAt = &n
		}
	case model.StatusArchived:
		t.DeletedAt = nil
		if t.ArchivedAt == nil {
			n := now
			t.ArchivedAt = &n
		}
	}
	t.Normalize()
	sanitizeNarrative(&t)
	return t
}

// Export returns the full state. Buckets are sorted by createdAt then id.
func (s *Store) Export() model.Document {
	s.mu.RLock()
	defer s.mu.RUnlock()

	doc := model.Document{
		Tasks:         []model.Task{},
		DeletedTasks:  []model.Task{},
		ArchivedTasks: []model.Task{},
		WeekSnapshots: make(map[string]model.WeekSnapshot, len(s.snapshots)),
	}
	for _, t := range s.tasks {
		switch t.Status {
		case model.StatusActive:
			doc.Tasks = append(doc.Tasks, t.Clone())
		case model.StatusDeleted:
			doc.DeletedTasks = append(doc.DeletedTasks, t.Clone())
		case model.StatusArchived:
			doc.ArchivedTasks = append(doc.ArchivedTasks, t.Clone())
		}
	}
	for _, bucket := range [][]model.Task{doc.Tasks, doc.DeletedTasks, doc.ArchivedTasks} {
		sort.Slice(bucket, func(i, j int) bool { return olderFirst(bucket[i], bucket[j]) })
	}
	for k, v := range s.snapshots {
		doc.WeekSnapshots[k] = v.Clone()
	}
	now := s.clock.Now()
	doc.ExportedAt = &now
	return doc
}

func (s *Store) ExportJSON(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(s.Export())
}

// ReplaceActive swaps the active partition for tasks. Trash and archive are
// kept, except that an incoming id found there becomes active again. It
// returns how many previously active tasks were dropped.
func (s *Store) ReplaceActive(ctx context.Context, tasks []model.Task) (int, error) {
	now := s.clock.Now()
	incoming := make(map[model.TaskID]model.Task, len(tasks))
	order := make([]model.TaskID, 0, len(tasks))
	for _, t := range tasks {
		t = s.prepareImported(t.Clone(), model.StatusActive, now)
		if _, dup := incoming[t.ID]; !dup {
			order = append(order, t.ID)
		}
		incoming[t.ID] = t
	}

	s.mu.Lock()
	dropped := 0
	var err error
	for _, id := range sortedIDs(s.tasks) {
		if s.tasks[id].Status != model.StatusActive {
			continue
		}
		if _, keep := incoming[id]; keep {
			continue
		}
		if err = s.removeLocked(ctx, "replace_active", id); err != nil {
			break
		}
		dropped++
	}
	if err == nil {
		for _, id := range order {
			if err = s.putLocked(ctx, "replace_active", incoming[id]); err != nil {
				break
			}
		}
	}
	s.mu.Unlock()

	s.after(ctx, telemetry.EventDataImported, "", telemetry.EventMetadata{"mode": "replace_active", "active": len(order), "removed": dropped})
	return dropped, err
}

// Migrate imports a dump of the legacy single-user storage once. It
// returns the marker and whether anything was written; a store that
// already carries a marker, or an empty dump, is left alone.
func (s *Store) Migrate(ctx context.Context, legacy model.LegacyDump) (model.MigrationMarker, bool, error) {
	existing, err := s.backend.Migration(ctx)
	if err != nil {
		s.countStorageError("migration")
		return model.MigrationMarker{}, false, fmt.Errorf("read migration marker: %w", storage.Wrap("migration", err))
	}
	if existing != nil {
		s.logger.Info("legacy migration already done", "migrated_at", existing.MigratedAt)
		return *existing, false, nil
	}
	if legacy.Empty() {
		return model.MigrationMarker{}, false, nil
	}

	now := s.clock.Now()
	var all []model.Task
	for _, b := range []struct {
		tasks  []model.Task
		status model.Status
	}{
		{legacy.Tasks, model.StatusActive},
		{legacy.Deleted, model.StatusDeleted},
		{legacy.Archived, model.StatusArchived},
	} {
		for _, t := range b.tasks {
			all = append(all, s.prepareImported(t.Clone(), b.status, now))
		}
	}

	marker := model.MigrationMarker{MigratedAt: now}
	for start := 0; start < len(all); start += MigrationChunkSize {
		if err := ctx.Err(); err != nil {
			return marker, marker.TaskCount > 0, err
		}
		end := min(start+MigrationChunkSize, len(all))
		s.mu.Lock()
		for _, t := range all[start:end] {
			if err = s.putLocked(ctx, "migrate", t); err != nil {
				break
			}
			marker.TaskCount++
			switch t.Status {
			case model.StatusActive:
				marker.ActiveTasks++
			case model.StatusDeleted:
				marker.DeletedTasks++
			case model.StatusArchived:
				marker.ArchivedTasks++
			}
		}
		s.mu.Unlock()
		if err != nil {
			return marker, marker.TaskCount > 0, err
		}
		s.logger.Info("legacy migration chunk written", "written", marker.TaskCount, "total", len(all))
	}

	s.mu.Lock()
	for _, key := range sortedKeys(legacy.Snapshots) {
		if !week.Valid(key) {
			s.logger.Warn("legacy snapshot skipped", "week", key)
			continue
		}
		snap := legacy.Snapshots[key].Clone()
		snap.SavedBy = "migration"
		snap.SavedAt = now
		if err = s.putSnapshotLocked(ctx, key, snap); err != nil {
			break
		}
		marker.SnapshotCount++
	}
	s.mu.Unlock()
	if err != nil {
		return marker, true, err
	}

	if err := s.backend.PutMigration(ctx, marker); err != nil {
		s.countStorageError("migration")
		return marker, true, fmt.Errorf("write migration marker: %w", storage.Wrap("migration", err))
	}

	s.logger.Info("legacy migration complete", "tasks", marker.TaskCount, "snapshots", marker.SnapshotCount)
	s.after(ctx, telemetry.EventLegacyMigrated, "", telemetry.EventMetadata{
		"tasks": marker.TaskCount, "snapshots": marker.SnapshotCount,
	})
	return marker, true, nil
}

func sortedIDs(m map[model.TaskID]model.Task) []model.TaskID {
	ids := make([]model.TaskID, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func sortedKeys(m map[string]model.WeekSnapshot) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
