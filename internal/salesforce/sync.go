package salesforce

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/kay0530/weekly-task-manager/internal/auth"
	"github.com/kay0530/weekly-task-manager/internal/clock"
	"github.com/kay0530/weekly-task-manager/internal/model"
	"github.com/kay0530/weekly-task-manager/internal/telemetry"
)

const (
	StatusIdle    = "idle"
	StatusSuccess = "success"
	StatusError   = "error"
)

// Result describes the last sync run.
type Result struct {
	Direction string     `json:"direction,omitempty"`
	Status    string     `json:"status"`
	Message   string     `json:"message"`
	Count     int        `json:"count"`
	At        *time.Time `json:"at,omitempty"`
}

// Tasks is the part of the task store the syncer needs.
type Tasks interface {
	Tasks() []model.Task
	ReplaceActive(ctx context.Context, tasks []model.Task) (int, error)
}

type Syncer struct {
	client *Client
	tasks  Tasks
	events telemetry.Recorder
	clock  clock.Clock
	logger *slog.Logger

	mu   sync.Mutex
	last Result
}

// NewSyncer accepts a nil client; every run then fails with
// ErrNotConfigured.
func NewSyncer(client *Client, tasks Tasks, events telemetry.Recorder, clk clock.Clock, logger *slog.Logger) *Syncer {
	if events == nil {
		events = telemetry.Discard{}
	}
	if clk == nil {
		clk = clock.Real{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Syncer{
		client: client,
		tasks:  tasks,
		events: events,
		clock:  clk,
		logger: logger,
		last:   Result{Status: StatusIdle},
	}
}

func (s *Syncer) Configured() bool { return s.client != nil }

func (s *Syncer) Status() Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

// Push upserts every active task. The first rejected record aborts the run.
func (s *Syncer) Push(ctx context.Context) (Result, error) {
	if s.client == nil {
		return s.finish(ctx, "push", 0, ErrNotConfigured)
	}
	tasks := s.tasks.Tasks()
	for i, t := range tasks {
		if err := s.client.Upsert(ctx, RecordFromTask(t)); err != nil {
			title := strings.TrimSpace(t.Title)
			if title == "" {
				title = untitled
			}
			return s.finish(ctx, "push", i, fmt.Errorf("sync failed for task %q: %w", title, err))
		}
	}
	return s.finish(ctx, "push", len(tasks), nil)
}

// Pull replaces the active task list with the object's records.
func (s *Syncer) Pull(ctx context.Context) (Result, error) {
	if s.client == nil {
		return s.finish(ctx, "pull", 0, ErrNotConfigured)
	}
	records, err := s.client.Query(ctx)
	if err != nil {
		return s.finish(ctx, "pull", 0, fmt.Errorf("fetch from salesforce: %w", err))
	}

	now := s.clock.Now()
	tasks := make([]model.Task, 0, len(records))
	for _, r := range records {
		if strings.TrimSpace(r.ExternalID) == "" {
			s.logger.Warn("salesforce record without external id skipped", "name", r.Name)
			continue
		}
		tasks = append(tasks, r.Task(now))
	}

	s.logger.Warn("salesforce pull replaces local active tasks",
		"local_active", len(s.tasks.Tasks()), "incoming", len(tasks))
	dropped, err := s.tasks.ReplaceActive(ctx, tasks)
	if err != nil {
		return s.finish(ctx, "pull", 0, fmt.Errorf("replace active tasks: %w", err))
	}
	if dropped > 0 {
		s.logger.Warn("local tasks dropped by salesforce pull", "dropped", dropped)
	}
	return s.finish(ctx, "pull", len(tasks), nil)
}

func (s *Syncer) finish(ctx context.Context, direction string, count int, err error) (Result, error) {
	now := s.clock.Now()
	res := Result{Direction: direction, Status: StatusSuccess, Count: count, At: &now}
	if err != nil {
		res.Status = StatusError
		res.Message = err.Error()
		s.logger.Error("salesforce sync failed", "direction", direction, "error", err)
	} else if direction == "push" {
		res.Message = fmt.Sprintf("%d tasks pushed to Salesforce", count)
	} else {
		res.Message = fmt.Sprintf("%d tasks imported from Salesforce", count)
	}

	s.mu.Lock()
	s.last = res
	s.mu.Unlock()

	ev := telemetry.EventSyncPush
	if direction == "pull" {
		ev = telemetry.EventSyncPull
	}
	_ = s.events.RecordEvent(ev, telemetry.EventMetadata{
		"result": res.Status,
		"count":  count,
		"actor":  auth.ActorFromContext(ctx),
	})
	return res, err
}
