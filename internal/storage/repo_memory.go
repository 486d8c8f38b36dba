package storage

import (
	"context"
	"sync"

	"github.com/kay0530/weekly-task-manager/internal/model"
)

// MemoryRepo keeps documents in process memory. Several stores may share
// one MemoryRepo; each sees the others' writes through Watch.
type MemoryRepo struct {
	mu        sync.RWMutex
	tasks     map[model.TaskID]model.Task
	snapshots map[string]model.WeekSnapshot
	migration *model.MigrationMarker

	watchMu  sync.Mutex
	watchers map[int]func(Change)
	nextID   int
}

func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{
		tasks:     map[model.TaskID]model.Task{},
		snapshots: map[string]model.WeekSnapshot{},
		watchers:  map[int]func(Change){},
	}
}

func (r *MemoryRepo) Load(_ context.Context) (State, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	st := NewState()
	for id, t := range r.tasks {
		st.Tasks[id] = t.Clone()
	}
	for k, s := range r.snapshots {
		st.Snapshots[k] = s.Clone()
	}
	return st, nil
}

func (r *MemoryRepo) PutTask(_ context.Context, t model.Task) error {
	r.mu.Lock()
	r.tasks[t.ID] = t.Clone()
	r.mu.Unlock()
	r.notify(Change{Collection: CollectionTasks, Key: string(t.ID)})
	return nil
}

func (r *MemoryRepo) DeleteTask(_ context.Context, id model.TaskID) error {
	r.mu.Lock()
	delete(r.tasks, id)
	r.mu.Unlock()
	r.notify(Change{Collection: CollectionTasks, Key: string(id), Deleted: true})
	return nil
}

func (r *MemoryRepo) PutSnapshot(_ context.Context, weekKey string, s model.WeekSnapshot) error {
	r.mu.Lock()
	r.snapshots[weekKey] = s.Clone()
	r.mu.Unlock()
	r.notify(Change{Collection: CollectionSnapshots, Key: weekKey})
	return nil
}

func (r *MemoryRepo) DeleteSnapshot(_ context.Context, weekKey string) error {
	r.mu.Lock()
	delete(r.snapshots, weekKey)
	r.mu.Unlock()
	r.notify(Change{Collection: CollectionSnapshots, Key: weekKey, Deleted: true})
	return nil
}

func (r *MemoryRepo) Migration(_ context.Context) (*model.MigrationMarker, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.migration == nil {
		return nil, nil
	}
	m := *r.migration
	return &m, nil
}

func (r *MemoryRepo) PutMigration(_ context.Context, m model.MigrationMarker) error {
	r.mu.Lock()
	r.migration = &m
	r.mu.Unlock()
	r.notify(Change{Collection: CollectionMeta, Key: "migration"})
	return nil
}

func (r *MemoryRepo) Ping(context.Context) error { return nil }

func (r *MemoryRepo) Close() error { return nil }

func (r *MemoryRepo) Watch(_ context.Context, onChange func(Change)) (func(), error) {
	r.watchMu.Lock()
	id := r.nextID
	r.nextID++
	r.watchers[id] = onChange
	r.watchMu.Unlock()

	return func() {
		r.watchMu.Lock()
		delete(r.watchers, id)
		r.watchMu.Unlock()
	}, nil
}

func (r *MemoryRepo) notify(c Change) {
	r.watchMu.Lock()
	fns := make([]func(Change), 0, len(r.watchers))
	for _, fn := range r.watchers {
		fns = append(fns, fn)
	}
	r.watchMu.Unlock()

	for _, fn := range fns {
		fn(c)
	}
}
