package model

import "time"

// Document is the import/export JSON shape. Any bucket may be absent;
// absence (nil, or JSON null) is distinct from an empty list.
type Document struct {
	Tasks         []Task                  `json:"tasks"`
	DeletedTasks  []Task                  `json:"deletedTasks"`
	ArchivedTasks []Task                  `json:"archivedTasks"`
	WeekSnapshots map[string]WeekSnapshot `json:"weekSnapshots"`
	ExportedAt    *time.Time              `json:"exportedAt,omitempty"`
}

// LegacyDump is the device-storage layout of the original single-user
// client, keyed by its storage keys.
type LegacyDump struct {
	Tasks     []Task                  `json:"wtm-tasks"`
	Deleted   []Task                  `json:"wtm-deleted"`
	Archived  []Task                  `json:"wtm-archived"`
	Snapshots map[string]WeekSnapshot `json:"wtm-snapshots"`
}

func (d LegacyDump) Empty() bool {
	return len(d.Tasks) == 0 && len(d.Deleted) == 0 && len(d.Archived) == 0 && len(d.Snapshots) == 0
}
