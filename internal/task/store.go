// Package task holds the task store: the single owner of tasks and week
// snapshots. Every mutation goes through the store so that status and
// timestamp invariants hold regardless of the backend in use.
package task

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kay0530/weekly-task-manager/internal/auth"
	"github.com/kay0530/weekly-task-manager/internal/clock"
	"github.com/kay0530/weekly-task-manager/internal/model"
	"github.com/kay0530/weekly-task-manager/internal/roster"
	"github.com/kay0530/weekly-task-manager/internal/storage"
	"github.com/kay0530/weekly-task-manager/internal/telemetry"
	"github.com/kay0530/weekly-task-manager/internal/week"
)

var (
	ErrNotFound           = errors.New("task not found")
	ErrInvalidInput       = errors.New("invalid task input")
	ErrNotComplete        = errors.New("task progress must be 100 to archive")
	ErrMixedMembers       = errors.New("reorder ids belong to more than one member")
	ErrNotRoutine         = errors.New("task is not a routine task")
	ErrAttachmentTooLarge = errors.New("attachment exceeds size limit")
	ErrMalformedImport    = errors.New("malformed import document")
)

// MaxAttachmentBytes is the hard per-file attachment cap (2 MiB).
const MaxAttachmentBytes int64 = 2 * 1024 * 1024

type Options struct {
	Backend storage.Backend
	// Roster validates member and category ids. Nil disables validation.
	Roster *roster.Roster
	Clock  clock.Clock
	Events telemetry.Recorder
	// Metrics is optional.
	Metrics *telemetry.Metrics
	Logger  *slog.Logger
	// Location decides which ISO week "now" falls in.
	Location *time.Location
	NewID    func() string

	AllowArchiveIncomplete bool
	AttachmentMaxBytes     int64
}

// Change is delivered to subscribers after every mutation and reload.
type Change struct {
	Op     string       `json:"op"`
	TaskID model.TaskID `json:"taskId,omitempty"`
	At     time.Time    `json:"at"`
}

type Store struct {
	mu        sync.RWMutex
	tasks     map[model.TaskID]model.Task
	snapshots map[string]model.WeekSnapshot
	// gen counts local writes; a reload that raced one is discarded.
	gen       uint64

	backend  storage.Backend
	roster   *roster.Roster
	clock    clock.Clock
	events   telemetry.Recorder
	metrics  *telemetry.Metrics
	logger   *slog.Logger
	location *time.Location
	newID    func() string

	allowArchiveIncomplete bool
	attachmentMaxBytes     int64

	subMu   sync.Mutex
	subs    map[int]func(Change)
	nextSub int
}

// NewStore loads the current state from the backend.
func NewStore(ctx context.Context, opts Options) (*Store, error) {
	if opts.Backend == nil {
		return nil, errors.New("task store: backend is required")
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real{}
	}
	if opts.Events == nil {
		opts.Events = telemetry.Discard{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.NewID == nil {
		opts.NewID = func() string { return uuid.NewString() }
	}
	if opts.AttachmentMaxBytes <= 0 {
		opts.AttachmentMaxBytes = MaxAttachmentBytes
	}

	s := &Store{
		tasks:                  map[model.TaskID]model.Task{},
		snapshots:              map[string]model.WeekSnapshot{},
		backend:                opts.Backend,
		roster:                 opts.Roster,
		clock:                  opts.Clock,
		events:                 opts.Events,
		metrics:                opts.Metrics,
		logger:                 opts.Logger,
		location:               opts.Location,
		newID:                  opts.NewID,
		allowArchiveIncomplete: opts.AllowArchiveIncomplete,
		attachmentMaxBytes:     opts.AttachmentMaxBytes,
		subs:                   map[int]func(Change){},
	}
	if err := s.Reload(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) Roster() *roster.Roster { return s.roster }

func (s *Store) Now() time.Time { return s.clock.Now() }

// CurrentWeek is the ISO week key of the store's clock.
func (s *Store) CurrentWeek() string {
	return week.Key(s.clock.Now().In(s.location))
}

// Reload replaces in-memory state wholesale with the backend's.
func (s *Store) Reload(ctx context.Context) error {
	_, err := s.reload(ctx)
	return err
}

// reload reports false when a local write landed while the backend was
// being read; the loaded state is then older than memory and is dropped.
func (s *Store) reload(ctx context.Context) (bool, error) {
	s.mu.RLock()
	gen := s.gen
	s.mu.RUnlock()

	st, err := s.backend.Load(ctx)
	if err != nil {
		s.countStorageError("load")
		return false, fmt.Errorf("load state: %w", storage.Wrap("load", err))
	}
	for id, t := range st.Tasks {
		t.Normalize()
		if !t.Status.Valid() {
			t.Status = model.StatusActive
		}
		st.Tasks[id] = t
	}

	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		return false, nil
	}
	s.tasks = st.Tasks
	s.snapshots = st.Snapshots
	s.observeLocked()
	s.mu.Unlock()

	s.publish(Change{Op: "reload", At: s.clock.Now()})
	return true, nil
}

// Run follows the backend's change feed until ctx is done. Each change
// triggers a full reload. Backends without a feed make Run a wait.
func (s *Store) Run(ctx context.Context) error {
	w, ok := s.backend.(storage.Watcher)
	if !ok {
		<-ctx.Done()
		return nil
	}

	signal := make(chan struct{}, 1)
	poke := func() {
		select {
		case signal <- struct{}{}:
		default:
		}
	}
	stop, err := w.Watch(ctx, func(storage.Change) { poke() })
	if err != nil {
		return fmt.Errorf("watch backend: %w", err)
	}
	defer stop()

	s.logger.Info("task store subscribed to backend changes")
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-signal:
			applied, err := s.reload(ctx)
			if err != nil {
				s.logger.Warn("reload after backend change failed", "error", err)
				continue
			}
			if !applied {
				s.logger.Debug("reload raced a local write, retrying")
				poke()
			}
		}
	}
}

// Subscribe registers fn for every Change. fn must not block for long.
func (s *Store) Subscribe(fn func(Change)) (unsubscribe func()) {
	s.subMu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	s.subMu.Unlock()

	return func() {
		s.subMu.Lock()
		delete(s.subs, id)
		s.subMu.Unlock()
	}
}

func (s *Store) publish(c Change) {
	s.subMu.Lock()
	fns := make([]func(Change), 0, len(s.subs))
	for _, fn := range s.subs {
		fns = append(fns, fn)
	}
	s.subMu.Unlock()

	for _, fn := range fns {
		fn(c)
	}
}

// Ping checks the backend.
func (s *Store) Ping(ctx context.Context) error {
	return s.backend.Ping(ctx)
}

func (s *Store) putLocked(ctx context.Context, op string, t model.Task) error {
	if err := s.backend.PutTask(ctx, t); err != nil {
		s.countStorageError(op)
		return fmt.Errorf("%s %s: %w", op, t.ID, storage.Wrap(op, err))
	}
	s.tasks[t.ID] = t
	s.gen++
	return nil
}

func (s *Store) removeLocked(ctx context.Context, op string, id model.TaskID) error {
	if err := s.backend.DeleteTask(ctx, id); err != nil {
		s.countStorageError(op)
		return fmt.Errorf("%s %s: %w", op, id, storage.Wrap(op, err))
	}
	delete(s.tasks, id)
	s.gen++
	return nil
}

func (s *Store) putSnapshotLocked(ctx context.Context, key string, snap model.WeekSnapshot) error {
	if err := s.backend.PutSnapshot(ctx, key, snap); err != nil {
		s.countStorageError("save_snapshot")
		return fmt.Errorf("save snapshot %s: %w", key, storage.Wrap("save snapshot", err))
	}
	s.snapshots[key] = snap
	s.gen++
	return nil
}

func (s *Store) countStorageError(op string) {
	if s.metrics != nil {
		s.metrics.StorageErrors.WithLabelValues(op).Inc()
	}
}

func (s *Store) observeLocked() {
	if s.metrics == nil {
		return
	}
	n := 0
	for _, t := range s.tasks {
		if t.Status == model.StatusActive {
			n++
		}
	}
	s.metrics.ActiveTasks.Set(float64(n))
}

// after records the event and notifies subscribers. It must be called
// without s.mu held.
func (s *Store) after(ctx context.Context, ev telemetry.EventType, id model.TaskID, meta telemetry.EventMetadata) {
	if meta == nil {
		meta = telemetry.EventMetadata{}
	}
	meta["actor"] = auth.ActorFromContext(ctx)
	if id != "" {
		meta["task_id"] = string(id)
	}
	if err := s.events.RecordEvent(ev, meta); err != nil {
		s.logger.Warn("record event failed", "event", ev, "error", err)
	}

	s.mu.Lock()
	s.observeLocked()
	s.mu.Unlock()

	s.publish(Change{Op: string(ev), TaskID: id, At: s.clock.Now()})
}

// Get returns a task in any status.
func (s *Store) Get(id model.TaskID) (model.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[id]
	if !ok {
		return model.Task{}, ErrNotFound
	}
	return t.Clone(), nil
}

func (s *Store) getWithStatusLocked(id model.TaskID, status model.Status) (model.Task, error) {
	t, ok := s.tasks[id]
	if !ok || t.Status != status {
		return model.Task{}, fmt.Errorf("%w: no %s task %s", ErrNotFound, status, id)
	}
	return t.Clone(), nil
}

// nextOrderLocked is one past the highest displayOrder among the member's
// active tasks, excluding skip.
func (s *Store) nextOrderLocked(memberID string, skip model.TaskID) int {
	highest := 0
	for _, t := range s.tasks {
		if t.ID == skip || t.Status != model.StatusActive || t.MemberID != memberID {
			continue
		}
		if t.DisplayOrder > highest {
			highest = t.DisplayOrder
		}
	}
	return highest + 1
}
