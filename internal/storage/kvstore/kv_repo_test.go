package kvstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kay0530/weekly-task-manager/internal/model"
	"github.com/kay0530/weekly-task-manager/internal/roster"
	"github.com/kay0530/weekly-task-manager/internal/storage"
	"github.com/kay0530/weekly-task-manager/internal/storage/storagetest"
	"github.com/kay0530/weekly-task-manager/internal/task"
)

const testPrefix = "WTMTEST"

// openEmbedded starts an in-process JetStream server owned by the Repo.
func openEmbedded(t *testing.T) *Repo {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	r, err := Open(ctx, Options{Embedded: true, StoreDir: t.TempDir(), BucketPrefix: testPrefix})
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })
	return r
}

// openPeer is a second client on the same server and buckets.
func openPeer(t *testing.T, r *Repo) *Repo {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	p, err := Open(ctx, Options{URL: r.ns.ClientURL(), BucketPrefix: testPrefix})
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })
	return p
}

func nextChange(t *testing.T, changes <-chan storage.Change) storage.Change {
	t.Helper()
	select {
	case c := <-changes:
		return c
	case <-time.After(5 * time.Second):
		t.Fatal("watch did not report a change")
	}
	return storage.Change{}
}

func TestRepo_Conformance(t *testing.T) {
	storagetest.Exercise(t, openEmbedded(t))
}

func TestRepo_WatchReportsOtherClientsOnly(t *testing.T) {
	r := openEmbedded(t)
	peer := openPeer(t, r)
	ctx := context.Background()

	changes := make(chan storage.Change, 16)
	stop, err := r.Watch(ctx, func(c storage.Change) { changes <- c })
	require.NoError(t, err)
	defer stop()

	// Own writes come back on the watch first; they must be skipped.
	require.NoError(t, r.PutTask(ctx, storagetest.Task("own", model.StatusActive)))
	require.NoError(t, peer.PutTask(ctx, storagetest.Task("w1", model.StatusActive)))

	c := nextChange(t, changes)
	assert.Equal(t, storage.CollectionTasks, c.Collection)
	assert.Equal(t, "w1", c.Key)
	assert.False(t, c.Deleted)

	require.NoError(t, r.DeleteTask(ctx, "own"))
	require.NoError(t, peer.DeleteTask(ctx, "w1"))

	c = nextChange(t, changes)
	assert.Equal(t, "w1", c.Key)
	assert.True(t, c.Deleted)

	require.NoError(t, peer.PutSnapshot(ctx, "2026-W09", model.WeekSnapshot{SavedBy: "tanaka_k"}))
	c = nextChange(t, changes)
	assert.Equal(t, storage.CollectionSnapshots, c.Collection)
	assert.Equal(t, "2026-W09", c.Key)
}

func TestStoreRun_FollowsPeerWrites(t *testing.T) {
	r := openEmbedded(t)
	peer := openPeer(t, r)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reader, err := task.NewStore(ctx, task.Options{Backend: r, Roster: roster.Default()})
	require.NoError(t, err)
	writer, err := task.NewStore(ctx, task.Options{Backend: peer, Roster: roster.Default()})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- reader.Run(ctx) }()

	// Keep writing until the reader's watch is live.
	require.Eventually(t, func() bool {
		if _, err := writer.AddTask(ctx, task.Input{MemberID: "tago", Category: "oandm", Title: "from peer"}); err != nil {
			return false
		}
		return len(reader.Tasks()) > 0
	}, 5*time.Second, 50*time.Millisecond)

	// The reader's own edits survive its reloads and reach the peer.
	first := reader.Tasks()[0]
	title := "edited locally"
	_, err = reader.UpdateTask(ctx, first.ID, task.Patch{Title: &title})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		st, err := peer.Load(ctx)
		return err == nil && st.Tasks[first.ID].Title == title
	}, 5*time.Second, 20*time.Millisecond)
	got, err := reader.Get(first.ID)
	require.NoError(t, err)
	assert.Equal(t, title, got.Title)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
