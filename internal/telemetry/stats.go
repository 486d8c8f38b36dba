package telemetry

import (
	"encoding/json"
	"time"
)

type Stats struct {
	Period          string            `json:"period"`
	EventCounts     map[EventType]int `json:"event_counts"`
	TasksCreated    int               `json:"tasks_created"`
	TasksArchived   int               `json:"tasks_archived"`
	SnapshotsSaved  int               `json:"snapshots_saved"`
	SyncFailures    int               `json:"sync_failures"`
	ActivityByActor map[string]int    `json:"activity_by_actor"`
	ChangesByMember map[string]int    `json:"changes_by_member"`
}

// CalculateStats summarizes activity since the given time.
func CalculateStats(events []Event, since time.Time) (Stats, error) {
	stats := Stats{
		Period:          since.Format("2006-01-02"),
		EventCounts:     make(map[EventType]int),
		ActivityByActor: make(map[string]int),
		ChangesByMember: make(map[string]int),
	}

	for _, event := range events {
		stats.EventCounts[event.Type]++

		var metadata EventMetadata
		if err := json.Unmarshal([]byte(event.Metadata), &metadata); err != nil {
			continue
		}
		if actor, ok := metadata["actor"].(string); ok && actor != "" {
			stats.ActivityByActor[actor]++
		}
		if member, ok := metadata["member_id"].(string); ok && member != "" {
			stats.ChangesByMember[member]++
		}

		switch event.Type {
		case EventTaskCreated:
			stats.TasksCreated++
		case EventTaskArchived:
			stats.TasksArchived++
		case EventSnapshotSaved:
			stats.SnapshotsSaved++
		case EventSyncPush, EventSyncPull:
			if result, ok := metadata["result"].(string); ok && result == "error" {
				stats.SyncFailures++
			}
		}
	}
	return stats, nil
}
