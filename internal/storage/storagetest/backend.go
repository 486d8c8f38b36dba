// Package storagetest holds the conformance checks shared by backends.
package storagetest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kay0530/weekly-task-manager/internal/model"
	"github.com/kay0530/weekly-task-manager/internal/storage"
)

// Task builds a normalized task owned by tago.
func Task(id string, status model.Status) model.Task {
	t := model.Task{
		ID:        model.TaskID(id),
		MemberID:  "tago",
		Category:  "other",
		Title:     "task " + id,
		Status:    status,
		CreatedAt: time.Date(2026, 2, 23, 9, 0, 0, 0, time.UTC),
		UpdatedAt: time.Date(2026, 2, 23, 9, 0, 0, 0, time.UTC),
	}
	t.Normalize()
	return t
}

// Exercise runs the behaviour every backend must share. The backend must
// start empty.
func Exercise(t *testing.T, b storage.Backend) {
	t.Helper()
	ctx := context.Background()

	require.NoError(t, b.Ping(ctx))

	st, err := b.Load(ctx)
	require.NoError(t, err)
	assert.Empty(t, st.Tasks)
	assert.Empty(t, st.Snapshots)

	require.NoError(t, b.PutTask(ctx, Task("a", model.StatusActive)))
	require.NoError(t, b.PutTask(ctx, Task("b", model.StatusDeleted)))

	updated := Task("a", model.StatusActive)
	updated.Progress = 40
	require.NoError(t, b.PutTask(ctx, updated))

	snap := model.WeekSnapshot{
		SavedBy: "tanaka_k",
		SavedAt: time.Date(2026, 2, 27, 9, 0, 0, 0, time.UTC),
		Tasks:   map[model.TaskID]model.SnapshotEntry{"a": {Progress: 40}},
	}
	require.NoError(t, b.PutSnapshot(ctx, "2026-W09", snap))
	require.NoError(t, b.PutSnapshot(ctx, "2026-W08", snap))
	require.NoError(t, b.DeleteSnapshot(ctx, "2026-W08"))

	st, err = b.Load(ctx)
	require.NoError(t, err)
	require.Len(t, st.Tasks, 2)
	assert.Equal(t, 40, st.Tasks["a"].Progress)
	assert.Equal(t, model.StatusDeleted, st.Tasks["b"].Status)
	require.Len(t, st.Snapshots, 1)
	assert.Equal(t, 40, st.Snapshots["2026-W09"].Tasks["a"].Progress)
	assert.Equal(t, "tanaka_k", st.Snapshots["2026-W09"].SavedBy)

	require.NoError(t, b.DeleteTask(ctx, "b"))
	require.NoError(t, b.DeleteTask(ctx, "missing"))
	st, err = b.Load(ctx)
	require.NoError(t, err)
	assert.Len(t, st.Tasks, 1)

	m, err := b.Migration(ctx)
	require.NoError(t, err)
	assert.Nil(t, m)
	require.NoError(t, b.PutMigration(ctx, model.MigrationMarker{TaskCount: 3, ActiveTasks: 2, DeletedTasks: 1}))
	m, err = b.Migration(ctx)
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.Equal(t, 3, m.TaskCount)
}
