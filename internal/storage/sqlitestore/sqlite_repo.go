// Package sqlitestore keeps task documents in a local SQLite database.
package sqlitestore

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/kay0530/weekly-task-manager/internal/model"
	"github.com/kay0530/weekly-task-manager/internal/storage"
)

//go:embed schema.sql
var schemaSQL string

const migrationKey = "migration"

// Repo stores each document as a JSON body. status and member_id are
// copied into columns for ad-hoc queries against the file.
type Repo struct {
	db *sql.DB
}

func Open(dbPath string) (*Repo, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, storage.Wrap("create database directory", err)
	}

	db, err := sql.Open("sqlite3", dbPath+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, storage.Wrap("open database", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, storage.Wrap("initialize schema", err)
	}
	return &Repo{db: db}, nil
}

func (r *Repo) Load(ctx context.Context) (storage.State, error) {
	st := storage.NewState()

	rows, err := r.db.QueryContext(ctx, `SELECT body FROM tasks`)
	if err != nil {
		return storage.State{}, storage.Wrap("query tasks", err)
	}
	defer rows.Close()
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return storage.State{}, storage.Wrap("scan task", err)
		}
		var t model.Task
		if err := json.Unmarshal([]byte(body), &t); err != nil {
			return storage.State{}, fmt.Errorf("decode task: %w", err)
		}
		st.Tasks[t.ID] = t
	}
	if err := rows.Err(); err != nil {
		return storage.State{}, storage.Wrap("iterate tasks", err)
	}

	snapRows, err := r.db.QueryContext(ctx, `SELECT week_key, body FROM week_snapshots`)
	if err != nil {
		return storage.State{}, storage.Wrap("query snapshots", err)
	}
	defer snapRows.Close()
	for snapRows.Next() {
		var key, body string
		if err := snapRows.Scan(&key, &body); err != nil {
			return storage.State{}, storage.Wrap("scan snapshot", err)
		}
		var s model.WeekSnapshot
		if err := json.Unmarshal([]byte(body), &s); err != nil {
			return storage.State{}, fmt.Errorf("decode snapshot %s: %w", key, err)
		}
		st.Snapshots[key] = s
	}
	if err := snapRows.Err(); err != nil {
		return storage.State{}, storage.Wrap("iterate snapshots", err)
	}
	return st, nil
}

func (r *Repo) PutTask(ctx context.Context, t model.Task) error {
	body, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshal task: %w", err)
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO tasks (id, status, member_id, body, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			member_id = excluded.member_id,
			body = excluded.body,
			updated_at = excluded.updated_at`,
		string(t.ID), string(t.Status), t.MemberID, string(body), t.UpdatedAt.UTC().Format(time.RFC3339Nano))
	return storage.Wrap("put task", err)
}

func (r *Repo) DeleteTask(ctx context.Context, id model.TaskID) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, string(id))
	return storage.Wrap("delete task", err)
}

func (r *Repo) PutSnapshot(ctx context.Context, weekKey string, s model.WeekSnapshot) error {
	body, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO week_snapshots (week_key, body, saved_at)
		VALUES (?, ?, ?)
		ON CONFLICT(week_key) DO UPDATE SET body = excluded.body, saved_at = excluded.saved_at`,
		weekKey, string(body), s.SavedAt.UTC().Format(time.RFC3339Nano))
	return storage.Wrap("put snapshot", err)
}

func (r *Repo) DeleteSnapshot(ctx context.Context, weekKey string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM week_snapshots WHERE week_key = ?`, weekKey)
	return storage.Wrap("delete snapshot", err)
}

func (r *Repo) Migration(ctx context.Context) (*model.MigrationMarker, error) {
	var body string
	err := r.db.QueryRowContext(ctx, `SELECT body FROM meta WHERE key = ?`, migrationKey).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, storage.Wrap("get migration marker", err)
	}
	var m model.MigrationMarker
	if err := json.Unmarshal([]byte(body), &m); err != nil {
		return nil, fmt.Errorf("decode migration marker: %w", err)
	}
	return &m, nil
}

func (r *Repo) PutMigration(ctx context.Context, m model.MigrationMarker) error {
	body, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal migration marker: %w", err)
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO meta (key, body) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET body = excluded.body`, migrationKey, string(body))
	return storage.Wrap("put migration marker", err)
}

func (r *Repo) Ping(ctx context.Context) error {
	return storage.Wrap("ping", r.db.PingContext(ctx))
}

func (r *Repo) Close() error {
	return r.db.Close()
}
