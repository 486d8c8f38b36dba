package telemetry

import "time"

type EventType string

const (
	EventTaskCreated       EventType = "task_created"
	EventTaskUpdated       EventType = "task_updated"
	EventTaskDeleted       EventType = "task_deleted"
	EventTaskArchived      EventType = "task_archived"
	EventTaskRestored      EventType = "task_restored"
	EventTaskPurged        EventType = "task_purged"
	EventTrashEmptied      EventType = "trash_emptied"
	EventTasksReordered    EventType = "tasks_reordered"
	EventSnapshotSaved     EventType = "snapshot_saved"
	EventAttachmentAdded   EventType = "attachment_added"
	EventAttachmentRemoved EventType = "attachment_removed"
	EventDataImported      EventType = "data_imported"
	EventLegacyMigrated    EventType = "legacy_migrated"
	EventSyncPush          EventType = "sync_push"
	EventSyncPull          EventType = "sync_pull"
)

type Event struct {
	ID        int       `json:"id"`
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Metadata  string    `json:"metadata"`
}

type EventMetadata map[string]interface{}

// Recorder is what the task store and sync client write to.
type Recorder interface {
	RecordEvent(eventType EventType, metadata EventMetadata) error
}

// Discard drops every event.
type Discard struct{}

func (Discard) RecordEvent(EventType, EventMetadata) error { return nil }
