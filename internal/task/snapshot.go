package task

import (
	"context"
	"fmt"
	"sort"

	"github.com/kay0530/weekly-task-manager/internal/auth"
	"github.com/kay0530/weekly-task-manager/internal/model"
	"github.com/kay0530/weekly-task-manager/internal/telemetry"
	"github.com/kay0530/weekly-task-manager/internal/week"
)

// SaveWeeklySnapshot records every active task under weekKey, both in the
// snapshot collection and in each task's weeklyHistory. An empty weekKey
// means the current week; an empty savedBy means the acting member.
// Saving the same week again overwrites it.
func (s *Store) SaveWeeklySnapshot(ctx context.Context, weekKey, savedBy string) (model.WeekSnapshot, error) {
	if weekKey == "" {
		weekKey = s.CurrentWeek()
	}
	if !week.Valid(weekKey) {
		return model.WeekSnapshot{}, fmt.Errorf("%w: week key %q", ErrInvalidInput, weekKey)
	}
	if savedBy == "" {
		savedBy = auth.ActorFromContext(ctx)
	}

	s.mu.Lock()
	now := s.clock.Now()
	snap := model.WeekSnapshot{
		SavedBy: savedBy,
		SavedAt: now,
		Tasks:   map[model.TaskID]model.SnapshotEntry{},
	}
	var active []model.Task
	for _, t := range s.tasks {
		if t.Status == model.StatusActive {
			active = append(active, t)
			snap.Tasks[t.ID] = model.EntryFromTask(t)
		}
	}
	sort.Slice(active, func(i, j int) bool { return active[i].ID < active[j].ID })

	if err := s.putSnapshotLocked(ctx, weekKey, snap); err != nil {
		s.mu.Unlock()
		return model.WeekSnapshot{}, err
	}
	var err error
	for _, t := range active {
		t = t.Clone()
		t.WeeklyHistory[weekKey] = model.WeekEntry{Progress: t.Progress}
		t.UpdatedAt = now
		if err = s.putLocked(ctx, "save_snapshot", t); err != nil {
			break
		}
	}
	s.mu.Unlock()
	if err != nil {
		return model.WeekSnapshot{}, err
	}

	s.logger.Info("weekly snapshot saved", "week", weekKey, "tasks", len(snap.Tasks), "saved_by", savedBy)
	s.after(ctx, telemetry.EventSnapshotSaved, "", telemetry.EventMetadata{"week": weekKey, "count": len(snap.Tasks)})
	return snap.Clone(), nil
}

// Snapshots returns every saved week keyed by week key.
func (s *Store) Snapshots() map[string]model.WeekSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]model.WeekSnapshot, len(s.snapshots))
	for k, v := range s.snapshots {
		out[k] = v.Clone()
	}
	return out
}

// ProgressDelta compares a task's progress with the most recent week before
// the current one. ok is false when no earlier record exists.
func (s *Store) ProgressDelta(t model.Task) (delta int, ok bool) {
	return s.ProgressDeltaAt(t, s.CurrentWeek())
}

func (s *Store) ProgressDeltaAt(t model.Task, current string) (delta int, ok bool) {
	if prev, found := latestBefore(historyKeys(t.WeeklyHistory), current); found {
		return t.Progress - t.WeeklyHistory[prev].Progress, true
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.snapshots))
	for k, snap := range s.snapshots {
		if _, has := snap.Tasks[t.ID]; has {
			keys = append(keys, k)
		}
	}
	if prev, found := latestBefore(keys, current); found {
		return t.Progress - s.snapshots[prev].Tasks[t.ID].Progress, true
	}
	return 0, false
}

func historyKeys(h map[string]model.WeekEntry) []string {
	keys := make([]string, 0, len(h))
	for k := range h {
		keys = append(keys, k)
	}
	return keys
}

// latestBefore returns the greatest key lexicographically below current.
func latestBefore(keys []string, current string) (string, bool) {
	best, found := "", false
	for _, k := range keys {
		if k < current && (!found || k > best) {
			best, found = k, true
		}
	}
	return best, found
}
