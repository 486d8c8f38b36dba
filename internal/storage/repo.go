// Package storage is the persistence adapter for tasks, week snapshots and
// the legacy migration marker. Backends store whole documents keyed by id.
package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/kay0530/weekly-task-manager/internal/model"
)

// ErrUnavailable matches every backend failure (write rejected, disk full,
// server offline). Callers test for it with errors.Is.
var ErrUnavailable = errors.New("storage unavailable")

// Error wraps a backend failure with the operation that caused it.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("storage unavailable: %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool { return target == ErrUnavailable }

// Wrap returns nil for a nil err.
func Wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	var se *Error
	if errors.As(err, &se) {
		return err
	}
	return &Error{Op: op, Err: err}
}

// Collections naming the persisted document groups.
const (
	CollectionTasks     = "tasks"
	CollectionSnapshots = "weekSnapshots"
	CollectionMeta      = "meta"
)

// State is a full read of a backend.
type State struct {
	Tasks     map[model.TaskID]model.Task
	Snapshots map[string]model.WeekSnapshot
}

func NewState() State {
	return State{
		Tasks:     map[model.TaskID]model.Task{},
		Snapshots: map[string]model.WeekSnapshot{},
	}
}

type Backend interface {
	Load(ctx context.Context) (State, error)
	PutTask(ctx context.Context, t model.Task) error
	DeleteTask(ctx context.Context, id model.TaskID) error
	PutSnapshot(ctx context.Context, weekKey string, s model.WeekSnapshot) error
	DeleteSnapshot(ctx context.Context, weekKey string) error
	// Migration returns nil when no marker has been written.
	Migration(ctx context.Context) (*model.MigrationMarker, error)
	PutMigration(ctx context.Context, m model.MigrationMarker) error
	Ping(ctx context.Context) error
	Close() error
}

// Change describes one document written by any client of the backend.
type Change struct {
	Collection string
	Key        string
	Deleted    bool
}

// Watcher is implemented by backends that push changes made elsewhere.
// onChange runs on the watcher's goroutine; stop releases the watch.
type Watcher interface {
	Watch(ctx context.Context, onChange func(Change)) (stop func(), err error)
}
