package model

import (
	"encoding/json"
	"time"
)

// SnapshotEntry is the per-task copy kept in a week snapshot.
type SnapshotEntry struct {
	Progress      int    `json:"progress"`
	Done          string `json:"done"`
	NotDone       string `json:"notDone"`
	NotDoneReason string `json:"notDoneReason"`
	Issues        string `json:"issues"`
	Consultation  string `json:"consultation"`
}

func EntryFromTask(t Task) SnapshotEntry {
	return SnapshotEntry{
		Progress:      t.Progress,
		Done:          t.Done,
		NotDone:       t.NotDone,
		NotDoneReason: t.NotDoneReason,
		Issues:        t.Issues,
		Consultation:  t.Consultation,
	}
}

type WeekSnapshot struct {
	SavedBy string                   `json:"savedBy"`
	SavedAt time.Time                `json:"savedAt"`
	Tasks   map[TaskID]SnapshotEntry `json:"tasks"`
}

type weekSnapshotJSON WeekSnapshot

// UnmarshalJSON accepts both the nested form and the flat legacy form in
// which task entries sit next to savedBy/savedAt at the top level.
func (s *WeekSnapshot) UnmarshalJSON(b []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	if _, nested := raw["tasks"]; nested {
		var v weekSnapshotJSON
		if err := json.Unmarshal(b, &v); err != nil {
			return err
		}
		*s = WeekSnapshot(v)
		if s.Tasks == nil {
			s.Tasks = map[TaskID]SnapshotEntry{}
		}
		return nil
	}

	out := WeekSnapshot{Tasks: map[TaskID]SnapshotEntry{}}
	for k, v := range raw {
		switch k {
		case "savedBy":
			if err := json.Unmarshal(v, &out.SavedBy); err != nil {
				return err
			}
		case "savedAt":
			if err := json.Unmarshal(v, &out.SavedAt); err != nil {
				return err
			}
		default:
			var e SnapshotEntry
			if err := json.Unmarshal(v, &e); err != nil {
				return err
			}
			out.Tasks[TaskID(k)] = e
		}
	}
	*s = out
	return nil
}

func (s WeekSnapshot) Clone() WeekSnapshot {
	out := s
	out.Tasks = make(map[TaskID]SnapshotEntry, len(s.Tasks))
	for k, v := range s.Tasks {
		out.Tasks[k] = v
	}
	return out
}

// MigrationMarker records the one-time import from legacy device storage.
type MigrationMarker struct {
	MigratedAt    time.Time `json:"migratedAt"`
	TaskCount     int       `json:"taskCount"`
	SnapshotCount int       `json:"snapshotCount"`
	ActiveTasks   int       `json:"activeTasks"`
	DeletedTasks  int       `json:"deletedTasks"`
	ArchivedTasks int       `json:"archivedTasks"`
}
