package sqlitestore

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kay0530/weekly-task-manager/internal/model"
	"github.com/kay0530/weekly-task-manager/internal/storage"
	"github.com/kay0530/weekly-task-manager/internal/storage/storagetest"
)

func TestRepo_Conformance(t *testing.T) {
	r, err := Open(filepath.Join(t.TempDir(), "wtm.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })

	storagetest.Exercise(t, r)
}

func TestRepo_ReopenKeepsData(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "wtm.db")

	r, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, r.PutTask(ctx, storagetest.Task("a", model.StatusArchived)))
	require.NoError(t, r.Close())

	r, err = Open(path)
	require.NoError(t, err)
	defer r.Close()

	st, err := r.Load(ctx)
	require.NoError(t, err)
	require.Contains(t, st.Tasks, model.TaskID("a"))
	assert.Equal(t, model.StatusArchived, st.Tasks["a"].Status)

	var status string
	require.NoError(t, r.db.QueryRow(`SELECT status FROM tasks WHERE id = 'a'`).Scan(&status))
	assert.Equal(t, "archived", status)
}

func TestRepo_ClosedIsUnavailable(t *testing.T) {
	r, err := Open(filepath.Join(t.TempDir(), "wtm.db"))
	require.NoError(t, err)
	require.NoError(t, r.Close())

	err = r.PutTask(context.Background(), storagetest.Task("a", model.StatusActive))
	assert.ErrorIs(t, err, storage.ErrUnavailable)
}
