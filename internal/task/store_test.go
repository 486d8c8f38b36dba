package task

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kay0530/weekly-task-manager/internal/auth"
	"github.com/kay0530/weekly-task-manager/internal/clock"
	"github.com/kay0530/weekly-task-manager/internal/model"
	"github.com/kay0530/weekly-task-manager/internal/roster"
	"github.com/kay0530/weekly-task-manager/internal/storage"
	"github.com/kay0530/weekly-task-manager/internal/telemetry"
)

// Wednesday of 2026-W09.
var testNow = time.Date(2026, 2, 25, 9, 0, 0, 0, time.UTC)

type testEnv struct {
	store   *Store
	clock   *clock.Fake
	backend *storage.MemoryRepo
	events  *telemetry.MemoryRepository
}

func newTestStore(t *testing.T, mutate ...func(*Options)) testEnv {
	t.Helper()
	env := testEnv{
		clock:   clock.NewFake(testNow),
		backend: storage.NewMemoryRepo(),
		events:  telemetry.NewMemoryRepository(100),
	}
	seq := 0
	opts := Options{
		Backend: env.backend,
		Roster:  roster.Default(),
		Clock:   env.clock,
		Events:  env.events,
		NewID: func() string {
			seq++
			return "t" + string(rune('a'+seq-1))
		},
	}
	for _, m := range mutate {
		m(&opts)
	}
	s, err := NewStore(context.Background(), opts)
	require.NoError(t, err)
	env.store = s
	return env
}

func (e testEnv) add(t *testing.T, member, title string) model.Task {
	t.Helper()
	tk, err := e.store.AddTask(context.Background(), Input{MemberID: member, Category: "oandm", Title: title})
	require.NoError(t, err)
	return tk
}

func intp(v int) *int       { return &v }
func strp(v string) *string { return &v }

func TestAddTask_Defaults(t *testing.T) {
	env := newTestStore(t)

	tk := env.add(t, "tago", "")
	assert.Equal(t, model.StatusActive, tk.Status)
	assert.Equal(t, model.TaskTypeProject, tk.TaskType)
	assert.Equal(t, model.DefaultPriority, tk.Priority)
	assert.Equal(t, 0, tk.Progress)
	assert.Empty(t, tk.WeeklyHistory)
	assert.Equal(t, testNow, tk.CreatedAt)
	assert.Equal(t, testNow, tk.UpdatedAt)
	assert.Equal(t, 1, tk.DisplayOrder)

	second := env.add(t, "tago", "second")
	other := env.add(t, "osawa", "other member")
	assert.Equal(t, 2, second.DisplayOrder)
	assert.Equal(t, 1, other.DisplayOrder)
}

func TestAddTask_Validation(t *testing.T) {
	env := newTestStore(t)
	ctx := context.Background()

	_, err := env.store.AddTask(ctx, Input{Category: "oandm"})
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = env.store.AddTask(ctx, Input{MemberID: "nobody", Category: "oandm"})
	assert.ErrorIs(t, err, ErrInvalidInput)
	assert.ErrorIs(t, err, roster.ErrUnknownMember)

	_, err = env.store.AddTask(ctx, Input{MemberID: "tago", Category: "oandm", DueDate: "03/01/2026"})
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = env.store.AddTask(ctx, Input{MemberID: "tago", Category: "oandm", RelatedURLs: []model.RelatedURL{{URL: "javascript:alert(1)"}}})
	assert.ErrorIs(t, err, ErrInvalidInput)

	assert.Empty(t, env.store.Tasks())
}

func TestAddTask_SanitizesNarrative(t *testing.T) {
	env := newTestStore(t)

	tk, err := env.store.AddTask(context.Background(), Input{
		MemberID: "tago",
		Category: "oandm",
		Done:     `<b onclick="x()">shipped</b><script>alert(1)</script>`,
		Issues:   "A & B < C",
	})
	require.NoError(t, err)
	assert.Equal(t, "<b>shipped</b>", tk.Done)
	assert.Equal(t, "A & B < C", tk.Issues)
}

func TestUpdateTask_ClampsProgress(t *testing.T) {
	env := newTestStore(t)
	ctx := context.Background()
	tk := env.add(t, "tago", "clamp")

	env.clock.Advance(time.Hour)
	got, err := env.store.UpdateTask(ctx, tk.ID, Patch{Progress: intp(150)})
	require.NoError(t, err)
	assert.Equal(t, 100, got.Progress)
	assert.Equal(t, testNow.Add(time.Hour), got.UpdatedAt)
	assert.Equal(t, testNow, got.CreatedAt)

	got, err = env.store.UpdateTask(ctx, tk.ID, Patch{Progress: intp(-10)})
	require.NoError(t, err)
	assert.Equal(t, 0, got.Progress)

	got, err = env.store.UpdateTask(ctx, tk.ID, Patch{Priority: intp(9)})
	require.NoError(t, err)
	assert.Equal(t, model.MaxPriority, got.Priority)
}

func TestUpdateTask_FieldsAndStatus(t *testing.T) {
	env := newTestStore(t)
	ctx := context.Background()
	tk, err := env.store.AddTask(ctx, Input{MemberID: "tago", Category: "oandm", Title: "a", DueDate: "2026-03-01"})
	require.NoError(t, err)
	require.NoError(t, env.store.DeleteTask(ctx, tk.ID))

	got, err := env.store.UpdateTask(ctx, tk.ID, Patch{Title: strp("renamed"), DueDate: strp("")})
	require.NoError(t, err)
	assert.Equal(t, "renamed", got.Title)
	assert.Equal(t, "", got.DueDate)
	assert.Equal(t, model.StatusDeleted, got.Status)

	_, err = env.store.UpdateTask(ctx, "missing", Patch{Title: strp("x")})
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = env.store.UpdateTask(ctx, tk.ID, Patch{Category: strp("nope")})
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestUpdateTask_MemberChangeAppendsToOrder(t *testing.T) {
	env := newTestStore(t)
	env.add(t, "osawa", "o1")
	env.add(t, "osawa", "o2")
	moved := env.add(t, "tago", "moving")

	got, err := env.store.UpdateTask(context.Background(), moved.ID, Patch{MemberID: strp("osawa")})
	require.NoError(t, err)
	assert.Equal(t, 3, got.DisplayOrder)
	assert.Len(t, env.store.TasksByMember("osawa"), 3)
	assert.Empty(t, env.store.TasksByMember("tago"))
}

func statusOf(t *testing.T, s *Store, id model.TaskID) model.Status {
	t.Helper()
	tk, err := s.Get(id)
	require.NoError(t, err)
	return tk.Status
}

func TestDeleteAndRestore_RoundTrip(t *testing.T) {
	env := newTestStore(t)
	ctx := context.Background()
	tk := env.add(t, "tago", "round trip")
	env.add(t, "tago", "stays")

	env.clock.Advance(time.Minute)
	require.NoError(t, env.store.DeleteTask(ctx, tk.ID))
	assert.Equal(t, model.StatusDeleted, statusOf(t, env.store, tk.ID))
	assert.Len(t, env.store.Deleted(), 1)
	assert.Len(t, env.store.Tasks(), 1)
	assert.Empty(t, env.store.Archived())

	trashed := env.store.Deleted()[0]
	require.NotNil(t, trashed.DeletedAt)
	assert.Equal(t, testNow.Add(time.Minute), *trashed.DeletedAt)

	assert.ErrorIs(t, env.store.DeleteTask(ctx, tk.ID), ErrNotFound)

	restored, err := env.store.RestoreFromTrash(ctx, tk.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusActive, restored.Status)
	assert.Nil(t, restored.DeletedAt)
	assert.Equal(t, 3, restored.DisplayOrder)
	assert.Empty(t, env.store.Deleted())
	assert.Len(t, env.store.Tasks(), 2)

	_, err = env.store.RestoreFromTrash(ctx, tk.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPermanentDelete(t *testing.T) {
	env := newTestStore(t)
	ctx := context.Background()
	tk := env.add(t, "tago", "gone")

	assert.ErrorIs(t, env.store.PermanentlyDelete(ctx, tk.ID), ErrNotFound)

	require.NoError(t, env.store.DeleteTask(ctx, tk.ID))
	require.NoError(t, env.store.PermanentlyDelete(ctx, tk.ID))

	_, err := env.store.Get(tk.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	st, err := env.backend.Load(ctx)
	require.NoError(t, err)
	assert.NotContains(t, st.Tasks, tk.ID)
}

func TestEmptyTrash(t *testing.T) {
	env := newTestStore(t)
	ctx := context.Background()
	a := env.add(t, "tago", "a")
	b := env.add(t, "tago", "b")
	keep := env.add(t, "tago", "keep")
	require.NoError(t, env.store.DeleteTask(ctx, a.ID))
	require.NoError(t, env.store.DeleteTask(ctx, b.ID))

	n, err := env.store.EmptyTrash(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Empty(t, env.store.Deleted())
	assert.Equal(t, model.StatusActive, statusOf(t, env.store, keep.ID))
}

func TestArchive(t *testing.T) {
	env := newTestStore(t)
	ctx := context.Background()
	tk := env.add(t, "tago", "archive me")

	assert.ErrorIs(t, env.store.ArchiveTask(ctx, tk.ID), ErrNotComplete)

	_, err := env.store.UpdateTask(ctx, tk.ID, Patch{Progress: intp(100)})
	require.NoError(t, err)
	require.NoError(t, env.store.ArchiveTask(ctx, tk.ID))
	assert.Equal(t, model.StatusArchived, statusOf(t, env.store, tk.ID))
	assert.Empty(t, env.store.Tasks())

	restored, err := env.store.RestoreFromArchive(ctx, tk.ID)
	require.NoError(t, err)
	assert.Nil(t, restored.ArchivedAt)
	assert.Equal(t, model.StatusActive, restored.Status)
}

func TestArchive_IncompleteAllowed(t *testing.T) {
	env := newTestStore(t, func(o *Options) { o.AllowArchiveIncomplete = true })
	tk := env.add(t, "tago", "half done")
	require.NoError(t, env.store.ArchiveTask(context.Background(), tk.ID))
	assert.Len(t, env.store.Archived(), 1)
}

func TestSearchArchive(t *testing.T) {
	env := newTestStore(t, func(o *Options) { o.AllowArchiveIncomplete = true })
	ctx := context.Background()
	a, err := env.store.AddTask(ctx, Input{MemberID: "tago", Category: "oandm", Title: "Meter swap", CompletionNotes: "<b>Closed</b> with vendor"})
	require.NoError(t, err)
	b := env.add(t, "tago", "Report")
	require.NoError(t, env.store.ArchiveTask(ctx, a.ID))
	require.NoError(t, env.store.ArchiveTask(ctx, b.ID))

	assert.Len(t, env.store.SearchArchive(""), 2)
	hits := env.store.SearchArchive("VENDOR")
	require.Len(t, hits, 1)
	assert.Equal(t, a.ID, hits[0].ID)
	assert.Empty(t, env.store.SearchArchive("b>"))
}

func TestReorderTasks(t *testing.T) {
	env := newTestStore(t)
	ctx := context.Background()
	a := env.add(t, "tago", "a")
	b := env.add(t, "tago", "b")
	c := env.add(t, "tago", "c")
	other := env.add(t, "osawa", "x")

	require.NoError(t, env.store.ReorderTasks(ctx, []model.TaskID{c.ID, a.ID, b.ID}))
	got := env.store.TasksByMember("tago")
	require.Len(t, got, 3)
	assert.Equal(t, []model.TaskID{c.ID, a.ID, b.ID}, []model.TaskID{got[0].ID, got[1].ID, got[2].ID})
	assert.Equal(t, []int{1, 2, 3}, []int{got[0].DisplayOrder, got[1].DisplayOrder, got[2].DisplayOrder})

	assert.ErrorIs(t, env.store.ReorderTasks(ctx, []model.TaskID{a.ID, other.ID}), ErrMixedMembers)
	assert.ErrorIs(t, env.store.ReorderTasks(ctx, []model.TaskID{a.ID, "missing"}), ErrNotFound)

	require.NoError(t, env.store.DeleteTask(ctx, b.ID))
	assert.ErrorIs(t, env.store.ReorderTasks(ctx, []model.TaskID{b.ID}), ErrNotFound)
}

func TestSortByOrder_LegacyTasksLast(t *testing.T) {
	ts := []model.Task{
		{ID: "legacy-new", CreatedAt: testNow.Add(time.Hour)},
		{ID: "second", DisplayOrder: 2},
		{ID: "legacy-old", CreatedAt: testNow},
		{ID: "first", DisplayOrder: 1},
	}
	SortByOrder(ts)
	var ids []model.TaskID
	for _, tk := range ts {
		ids = append(ids, tk.ID)
	}
	assert.Equal(t, []model.TaskID{"first", "second", "legacy-old", "legacy-new"}, ids)
}

func TestToggleRoutine(t *testing.T) {
	env := newTestStore(t)
	ctx := context.Background()
	routine, err := env.store.AddTask(ctx, Input{MemberID: "tago", Category: "operation", TaskType: model.TaskTypeRoutine})
	require.NoError(t, err)
	project := env.add(t, "tago", "project")

	got, err := env.store.ToggleRoutine(ctx, routine.ID)
	require.NoError(t, err)
	assert.Equal(t, 100, got.Progress)
	got, err = env.store.ToggleRoutine(ctx, routine.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, got.Progress)

	_, err = env.store.ToggleRoutine(ctx, project.ID)
	assert.ErrorIs(t, err, ErrNotRoutine)
}

func TestSaveWeeklySnapshot_OverwritesWithinWeek(t *testing.T) {
	env := newTestStore(t)
	ctx := auth.WithMember(context.Background(), roster.Member{ID: "tanaka_k"})
	tk := env.add(t, "tago", "snap")
	trashed := env.add(t, "tago", "trashed")
	require.NoError(t, env.store.DeleteTask(ctx, trashed.ID))

	_, err := env.store.UpdateTask(ctx, tk.ID, Patch{Progress: intp(40), Done: strp("first pass")})
	require.NoError(t, err)
	snap, err := env.store.SaveWeeklySnapshot(ctx, "", "")
	require.NoError(t, err)
	assert.Equal(t, "tanaka_k", snap.SavedBy)
	assert.Equal(t, 40, snap.Tasks[tk.ID].Progress)
	assert.NotContains(t, snap.Tasks, trashed.ID)

	_, err = env.store.UpdateTask(ctx, tk.ID, Patch{Progress: intp(70)})
	require.NoError(t, err)
	_, err = env.store.SaveWeeklySnapshot(ctx, "2026-W09", "manual")
	require.NoError(t, err)

	all := env.store.Snapshots()
	require.Len(t, all, 1)
	assert.Equal(t, 70, all["2026-W09"].Tasks[tk.ID].Progress)
	assert.Equal(t, "first pass", all["2026-W09"].Tasks[tk.ID].Done)
	assert.Equal(t, "manual", all["2026-W09"].SavedBy)

	got, err := env.store.Get(tk.ID)
	require.NoError(t, err)
	assert.Equal(t, model.WeekEntry{Progress: 70}, got.WeeklyHistory["2026-W09"])

	_, err = env.store.SaveWeeklySnapshot(ctx, "2026-W60", "")
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestProgressDelta(t *testing.T) {
	env := newTestStore(t)
	ctx := context.Background()

	tk := model.Task{ID: "x", Progress: 50, WeeklyHistory: map[string]model.WeekEntry{
		"2026-W07": {Progress: 10},
		"2026-W08": {Progress: 20},
		"2026-W09": {Progress: 45},
	}}
	d, ok := env.store.ProgressDelta(tk)
	require.True(t, ok)
	assert.Equal(t, 30, d)

	// Only the current week recorded: no delta, not zero.
	tk.WeeklyHistory = map[string]model.WeekEntry{"2026-W09": {Progress: 50}}
	_, ok = env.store.ProgressDelta(tk)
	assert.False(t, ok)

	// Falls back to the latest earlier snapshot holding the task.
	tracked := env.add(t, "tago", "with snapshot")
	_, err := env.store.UpdateTask(ctx, tracked.ID, Patch{Progress: intp(20)})
	require.NoError(t, err)
	_, err = env.store.SaveWeeklySnapshot(ctx, "2026-W05", "")
	require.NoError(t, err)
	cur, err := env.store.Get(tracked.ID)
	require.NoError(t, err)
	cur.WeeklyHistory = nil
	cur.Progress = 65
	d, ok = env.store.ProgressDelta(cur)
	require.True(t, ok)
	assert.Equal(t, 45, d)
}

func TestExportImport_RoundTrip(t *testing.T) {
	src := newTestStore(t, func(o *Options) { o.AllowArchiveIncomplete = true })
	ctx := context.Background()
	a := src.add(t, "tago", "active")
	b := src.add(t, "osawa", "deleted")
	c := src.add(t, "mochizuki", "archived")
	require.NoError(t, src.store.DeleteTask(ctx, b.ID))
	require.NoError(t, src.store.ArchiveTask(ctx, c.ID))
	_, err := src.store.SaveWeeklySnapshot(ctx, "", "tester")
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, src.store.ExportJSON(&buf))

	dst := newTestStore(t)
	res, err := dst.store.ImportJSON(ctx, &buf, ImportReplace)
	require.NoError(t, err)
	assert.Equal(t, ImportResult{Mode: ImportReplace, Active: 1, Deleted: 1, Archived: 1, Snapshots: 1}, res)

	want, got := src.store.Export(), dst.store.Export()
	assert.Equal(t, want.Tasks, got.Tasks)
	assert.Equal(t, want.DeletedTasks, got.DeletedTasks)
	assert.Equal(t, want.ArchivedTasks, got.ArchivedTasks)
	assert.Equal(t, want.WeekSnapshots, got.WeekSnapshots)
	assert.Equal(t, a.ID, got.Tasks[0].ID)
}

func TestImport_MalformedWritesNothing(t *testing.T) {
	env := newTestStore(t)
	ctx := context.Background()
	env.add(t, "tago", "existing")

	_, err := env.store.ImportJSON(ctx, strings.NewReader(`{"tasks": [`), ImportReplace)
	assert.ErrorIs(t, err, ErrMalformedImport)

	_, err = env.store.ImportJSON(ctx, strings.NewReader(`{"tasks": [], "weekSnapshots": {"not-a-week": {"tasks": {}}}}`), ImportReplace)
	assert.ErrorIs(t, err, ErrMalformedImport)

	_, err = env.store.ImportJSON(ctx, strings.NewReader(`{"tasks":[]}garbage`), ImportReplace)
	assert.ErrorIs(t, err, ErrMalformedImport)
	_, err = env.store.ImportJSON(ctx, strings.NewReader(`{"tasks":[]} {"tasks":[]}`), ImportReplace)
	assert.ErrorIs(t, err, ErrMalformedImport)

	assert.Len(t, env.store.Tasks(), 1)
}

func TestImport_ReplaceOnlyPresentBuckets(t *testing.T) {
	env := newTestStore(t)
	ctx := context.Background()
	active := env.add(t, "tago", "replaced")
	trashed := env.add(t, "tago", "kept in trash")
	require.NoError(t, env.store.DeleteTask(ctx, trashed.ID))

	doc := `{"tasks":[{"id":"imported","memberId":"osawa","category":"other","title":"new","progress":120}]}`
	res, err := env.store.ImportJSON(ctx, strings.NewReader(doc), ImportReplace)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Removed)

	_, err = env.store.Get(active.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, model.StatusDeleted, statusOf(t, env.store, trashed.ID))

	imported, err := env.store.Get("imported")
	require.NoError(t, err)
	assert.Equal(t, 100, imported.Progress)
	assert.Equal(t, testNow, imported.CreatedAt)
	assert.NotNil(t, imported.WeeklyHistory)
}

func TestImport_Merge(t *testing.T) {
	env := newTestStore(t)
	ctx := context.Background()
	existing := env.add(t, "tago", "kept")

	doc := `{"deletedTasks":[{"id":"old","memberId":"tago","category":"other","title":"was deleted"}]}`
	res, err := env.store.ImportJSON(ctx, strings.NewReader(doc), ImportMerge)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Deleted)
	assert.Equal(t, 0, res.Removed)

	assert.Equal(t, model.StatusActive, statusOf(t, env.store, existing.ID))
	old, err := env.store.Get("old")
	require.NoError(t, err)
	assert.Equal(t, model.StatusDeleted, old.Status)
	require.NotNil(t, old.DeletedAt)
	assert.Equal(t, testNow, *old.DeletedAt)
}

func TestAttachment_SizeCap(t *testing.T) {
	env := newTestStore(t)
	ctx := context.Background()
	tk := env.add(t, "tago", "files")

	ok := bytes.Repeat([]byte("a"), 2*1024*1024)
	a, err := env.store.AddAttachment(ctx, tk.ID, "max.bin", "application/octet-stream", ok)
	require.NoError(t, err)
	assert.Equal(t, int64(2097152), a.Size)

	_, err = env.store.AddAttachment(ctx, tk.ID, "over.bin", "application/octet-stream", append(ok, 'b'))
	assert.ErrorIs(t, err, ErrAttachmentTooLarge)

	got, err := env.store.Get(tk.ID)
	require.NoError(t, err)
	require.Len(t, got.Attachments, 1)
	raw, err := DecodeAttachment(got.Attachments[0])
	require.NoError(t, err)
	assert.Len(t, raw, 2097152)

	require.NoError(t, env.store.RemoveAttachment(ctx, tk.ID, a.ID))
	assert.ErrorIs(t, env.store.RemoveAttachment(ctx, tk.ID, a.ID), ErrNotFound)
}

func TestMigrate_RunsOnce(t *testing.T) {
	env := newTestStore(t)
	ctx := context.Background()

	_, done, err := env.store.Migrate(ctx, model.LegacyDump{})
	require.NoError(t, err)
	assert.False(t, done)

	legacy := model.LegacyDump{
		Tasks:    []model.Task{{ID: "l1", MemberID: "tago", Category: "oandm", Progress: 30}},
		Deleted:  []model.Task{{ID: "l2", MemberID: "tago", Category: "oandm"}},
		Archived: []model.Task{{ID: "l3", MemberID: "osawa", Category: "other", Progress: 100}},
		Snapshots: map[string]model.WeekSnapshot{
			"2026-W08": {Tasks: map[model.TaskID]model.SnapshotEntry{"l1": {Progress: 10}}},
		},
	}
	marker, done, err := env.store.Migrate(ctx, legacy)
	require.NoError(t, err)
	assert.True(t, done)
	assert.Equal(t, 3, marker.TaskCount)
	assert.Equal(t, 1, marker.ActiveTasks)
	assert.Equal(t, 1, marker.DeletedTasks)
	assert.Equal(t, 1, marker.ArchivedTasks)
	assert.Equal(t, 1, marker.SnapshotCount)
	assert.Equal(t, "migration", env.store.Snapshots()["2026-W08"].SavedBy)

	d, ok := env.store.ProgressDelta(env.store.Tasks()[0])
	require.True(t, ok)
	assert.Equal(t, 20, d)

	_, done, err = env.store.Migrate(ctx, legacy)
	require.NoError(t, err)
	assert.False(t, done)
}

func TestReplaceActive(t *testing.T) {
	env := newTestStore(t)
	ctx := context.Background()
	env.add(t, "tago", "dropped")
	trashed := env.add(t, "tago", "revived")
	require.NoError(t, env.store.DeleteTask(ctx, trashed.ID))

	dropped, err := env.store.ReplaceActive(ctx, []model.Task{
		{ID: "sf1", MemberID: "osawa", Category: "other", Title: "from crm", Progress: 40},
		{ID: trashed.ID, MemberID: "tago", Category: "oandm", Title: "revived"},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, dropped)

	active := env.store.Tasks()
	assert.Len(t, active, 2)
	assert.Empty(t, env.store.Deleted())
}

type flakyBackend struct {
	storage.Backend
	fail bool
}

func (f *flakyBackend) PutTask(ctx context.Context, t model.Task) error {
	if f.fail {
		return errors.New("disk full")
	}
	return f.Backend.PutTask(ctx, t)
}

func TestStorageFailure_LeavesStateUntouched(t *testing.T) {
	fb := &flakyBackend{Backend: storage.NewMemoryRepo()}
	s, err := NewStore(context.Background(), Options{Backend: fb, Roster: roster.Default(), Clock: clock.NewFake(testNow)})
	require.NoError(t, err)
	ctx := context.Background()

	tk, err := s.AddTask(ctx, Input{MemberID: "tago", Category: "oandm", Title: "before"})
	require.NoError(t, err)

	fb.fail = true
	_, err = s.UpdateTask(ctx, tk.ID, Patch{Title: strp("after")})
	require.Error(t, err)
	assert.ErrorIs(t, err, storage.ErrUnavailable)
	assert.Equal(t, http.StatusServiceUnavailable, StatusFor(err))

	got, err := s.Get(tk.ID)
	require.NoError(t, err)
	assert.Equal(t, "before", got.Title)

	_, err = s.AddTask(ctx, Input{MemberID: "tago", Category: "oandm"})
	assert.ErrorIs(t, err, storage.ErrUnavailable)
	assert.Len(t, s.Tasks(), 1)
}

func TestRun_ReloadsOnBackendChange(t *testing.T) {
	backend := storage.NewMemoryRepo()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	writer, err := NewStore(ctx, Options{Backend: backend, Roster: roster.Default()})
	require.NoError(t, err)
	reader, err := NewStore(ctx, Options{Backend: backend, Roster: roster.Default()})
	require.NoError(t, err)

	changes := make(chan Change, 8)
	unsubscribe := reader.Subscribe(func(c Change) {
		select {
		case changes <- c:
		default:
		}
	})
	defer unsubscribe()

	done := make(chan error, 1)
	go func() { done <- reader.Run(ctx) }()

	// Keep writing until the reader's watch is registered and reloads.
	require.Eventually(t, func() bool {
		if _, err := writer.AddTask(ctx, Input{MemberID: "tago", Category: "oandm"}); err != nil {
			return false
		}
		return len(reader.Tasks()) > 0
	}, 2*time.Second, 20*time.Millisecond)

	select {
	case c := <-changes:
		assert.Equal(t, "reload", c.Op)
	case <-time.After(time.Second):
		t.Fatal("subscriber not notified")
	}

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

// slowLoadBackend reads the state first and returns it late, the way a
// remote store lists keys and then fetches each one.
type slowLoadBackend struct {
	*storage.MemoryRepo
	delay time.Duration
}

func (b *slowLoadBackend) Load(ctx context.Context) (storage.State, error) {
	st, err := b.MemoryRepo.Load(ctx)
	time.Sleep(b.delay)
	return st, err
}

func TestRun_ReloadDoesNotLoseLocalWrites(t *testing.T) {
	backend := &slowLoadBackend{MemoryRepo: storage.NewMemoryRepo(), delay: 5 * time.Millisecond}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s, err := NewStore(ctx, Options{Backend: backend, Roster: roster.Default(), Clock: clock.NewFake(testNow)})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	var ids []model.TaskID
	for i := 0; i < 20; i++ {
		tk, err := s.AddTask(ctx, Input{MemberID: "tago", Category: "oandm", Title: "x"})
		require.NoError(t, err)
		ids = append(ids, tk.ID)

		_, err = s.UpdateTask(ctx, tk.ID, Patch{Progress: intp(10)})
		require.NoError(t, err)
		time.Sleep(2 * time.Millisecond)
		_, err = s.UpdateTask(ctx, tk.ID, Patch{Title: strp(fmt.Sprintf("title-%d", i))})
		require.NoError(t, err)
		time.Sleep(5 * time.Millisecond)
		_, err = s.UpdateTask(ctx, tk.ID, Patch{Priority: intp(5)})
		require.NoError(t, err)
	}
	time.Sleep(30 * time.Millisecond)

	st, err := backend.MemoryRepo.Load(ctx)
	require.NoError(t, err)
	for i, id := range ids {
		stored := st.Tasks[id]
		assert.Equal(t, fmt.Sprintf("title-%d", i), stored.Title, "backend title of %s", id)
		assert.Equal(t, 10, stored.Progress)
		assert.Equal(t, 5, stored.Priority)

		mem, err := s.Get(id)
		require.NoError(t, err)
		assert.Equal(t, stored.Title, mem.Title)
	}

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestEvents_RecordActor(t *testing.T) {
	env := newTestStore(t)
	ctx := auth.WithMember(context.Background(), roster.Member{ID: "osawa"})
	_, err := env.store.AddTask(ctx, Input{MemberID: "osawa", Category: "other"})
	require.NoError(t, err)

	events, err := env.events.GetEvents(time.Time{}, []telemetry.EventType{telemetry.EventTaskCreated})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Contains(t, events[0].Metadata, `"actor":"osawa"`)
}

func TestBuildTaskCalendarICS(t *testing.T) {
	_, err := BuildTaskCalendarICS(model.Task{ID: "x"}, testNow)
	assert.ErrorIs(t, err, ErrNoDueDate)

	ics, err := BuildTaskCalendarICS(model.Task{ID: "x", Title: "Report, final", DueDate: "2026-03-02", Progress: 40}, testNow)
	require.NoError(t, err)
	assert.Contains(t, ics, "DTSTART;VALUE=DATE:20260302\r\n")
	assert.Contains(t, ics, "DTEND;VALUE=DATE:20260303\r\n")
	assert.Contains(t, ics, "SUMMARY:Report\\, final\r\n")
	assert.Contains(t, ics, "UID:task-x@weekly-task-manager\r\n")
}
