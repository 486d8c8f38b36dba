package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/kay0530/weekly-task-manager/internal/model"
)

const stateFileName = "state.json"

type fileState struct {
	Tasks         map[model.TaskID]model.Task   `json:"tasks"`
	WeekSnapshots map[string]model.WeekSnapshot `json:"weekSnapshots"`
	Migration     *model.MigrationMarker        `json:"migration,omitempty"`
}

func newFileState() fileState {
	return fileState{
		Tasks:         map[model.TaskID]model.Task{},
		WeekSnapshots: map[string]model.WeekSnapshot{},
	}
}

// FileRepo persists the whole document set as one JSON file. Every write
// rewrites the file through a temp file and rename.
type FileRepo struct {
	mu        sync.RWMutex
	path      string
	s         fileState
	lastWrite []byte

	logger   *slog.Logger
	debounce time.Duration
}

func NewFileRepo(dataDir string, logger *slog.Logger) (*FileRepo, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, Wrap("create data dir", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	r := &FileRepo{
		path:     filepath.Join(dataDir, stateFileName),
		s:        newFileState(),
		logger:   logger,
		debounce: 150 * time.Millisecond,
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, err := r.loadLocked(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *FileRepo) Path() string { return r.path }

// loadLocked reads the file into memory and returns the raw bytes read.
func (r *FileRepo) loadLocked() ([]byte, error) {
	b, err := os.ReadFile(r.path)
	if err != nil {
		if os.IsNotExist(err) {
			r.s = newFileState()
			return nil, nil
		}
		return nil, Wrap("read state", err)
	}

	loaded := newFileState()
	if len(bytes.TrimSpace(b)) > 0 {
		if err := json.Unmarshal(b, &loaded); err != nil {
			return nil, fmt.Errorf("decode %s: %w", r.path, err)
		}
	}
	if loaded.Tasks == nil {
		loaded.Tasks = map[model.TaskID]model.Task{}
	}
	if loaded.WeekSnapshots == nil {
		loaded.WeekSnapshots = map[string]model.WeekSnapshot{}
	}
	r.s = loaded
	return b, nil
}

func (r *FileRepo) saveLocked() error {
	b, err := json.MarshalIndent(r.s, "", "  ")
	if err != nil {
		return err
	}
	if err := writeFileAtomic(r.path, b, 0o644); err != nil {
		return Wrap("write state", err)
	}
	r.lastWrite = b
	return nil
}

func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".wtm-tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	ok := false
	defer func() {
		if !ok {
			_ = os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpPath, perm); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return err
	}
	ok = true
	return nil
}

func (r *FileRepo) Load(_ context.Context) (State, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	st := NewState()
	for id, t := range r.s.Tasks {
		st.Tasks[id] = t.Clone()
	}
	for k, s := range r.s.WeekSnapshots {
		st.Snapshots[k] = s.Clone()
	}
	return st, nil
}

func (r *FileRepo) PutTask(_ context.Context, t model.Task) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	prev, had := r.s.Tasks[t.ID]
	r.s.Tasks[t.ID] = t.Clone()
	if err := r.saveLocked(); err != nil {
		if had {
			r.s.Tasks[t.ID] = prev
		} else {
			delete(r.s.Tasks, t.ID)
		}
		return err
	}
	return nil
}

func (r *FileRepo) DeleteTask(_ context.Context, id model.TaskID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	prev, had := r.s.Tasks[id]
	if !had {
		return nil
	}
	delete(r.s.Tasks, id)
	if err := r.saveLocked(); err != nil {
		r.s.Tasks[id] = prev
		return err
	}
	return nil
}

func (r *FileRepo) PutSnapshot(_ context.Context, weekKey string, s model.WeekSnapshot) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	prev, had := r.s.WeekSnapshots[weekKey]
	r.s.WeekSnapshots[weekKey] = s.Clone()
	if err := r.saveLocked(); err != nil {
		if had {
			r.s.WeekSnapshots[weekKey] = prev
		} else {
			delete(r.s.WeekSnapshots, weekKey)
		}
		return err
	}
	return nil
}

func (r *FileRepo) DeleteSnapshot(_ context.Context, weekKey string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	prev, had := r.s.WeekSnapshots[weekKey]
	if !had {
		return nil
	}
	delete(r.s.WeekSnapshots, weekKey)
	if err := r.saveLocked(); err != nil {
		r.s.WeekSnapshots[weekKey] = prev
		return err
	}
	return nil
}

func (r *FileRepo) Migration(_ context.Context) (*model.MigrationMarker, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.s.Migration == nil {
		return nil, nil
	}
	m := *r.s.Migration
	return &m, nil
}

func (r *FileRepo) PutMigration(_ context.Context, m model.MigrationMarker) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	prev := r.s.Migration
	r.s.Migration = &m
	if err := r.saveLocked(); err != nil {
		r.s.Migration = prev
		return err
	}
	return nil
}

func (r *FileRepo) Ping(context.Context) error {
	info, err := os.Stat(filepath.Dir(r.path))
	if err != nil {
		return Wrap("stat data dir", err)
	}
	if !info.IsDir() {
		return Wrap("stat data dir", errors.New("not a directory"))
	}
	return nil
}

func (r *FileRepo) Close() error { return nil }

// Watch reports edits to the state file made by other processes. Writes
// made through this repo are recognized and not reported.
func (r *FileRepo) Watch(ctx context.Context, onChange func(Change)) (func(), error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, Wrap("watch state", err)
	}
	if err := fsw.Add(filepath.Dir(r.path)); err != nil {
		_ = fsw.Close()
		return nil, Wrap("watch state", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		r.watchLoop(ctx, fsw, onChange)
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			_ = fsw.Close()
			<-done
		})
	}, nil
}

func (r *FileRepo) watchLoop(ctx context.Context, fsw *fsnotify.Watcher, onChange func(Change)) {
	ticker := time.NewTicker(r.debounce)
	defer ticker.Stop()

	pending := false
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-fsw.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != r.path {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) || event.Has(fsnotify.Remove) {
				pending = true
			}
		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			r.logger.Warn("state file watcher error", "path", r.path, "error", err)
		case <-ticker.C:
			if !pending {
				continue
			}
			pending = false
			if r.reloadFromDisk() {
				onChange(Change{Collection: CollectionTasks})
			}
		}
	}
}

// reloadFromDisk reports whether the file held content this repo did not
// write itself.
func (r *FileRepo) reloadFromDisk() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, err := os.ReadFile(r.path)
	if err != nil && !os.IsNotExist(err) {
		r.logger.Warn("state file reload failed", "path", r.path, "error", err)
		return false
	}
	if err == nil && bytes.Equal(b, r.lastWrite) {
		return false
	}
	if _, err := r.loadLocked(); err != nil {
		r.logger.Warn("state file reload failed", "path", r.path, "error", err)
		return false
	}
	return true
}
