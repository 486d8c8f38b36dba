// Package kvstore is a NATS JetStream key-value backend. It is the shared
// remote store: every server connected to the same buckets sees the
// others' writes through Watch.
package kvstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/kay0530/weekly-task-manager/internal/model"
	"github.com/kay0530/weekly-task-manager/internal/storage"
)

const (
	DefaultBucketPrefix = "WTM"
	migrationKey        = "migration"
)

type Options struct {
	URL          string
	BucketPrefix string
	// Embedded starts an in-process JetStream server instead of dialing URL.
	Embedded bool
	// StoreDir holds the embedded server's JetStream files.
	StoreDir string
	Logger   *slog.Logger
}

// Repo stores each task, snapshot and marker as one KV entry.
type Repo struct {
	ns        *server.Server
	nc        *nats.Conn
	tasks     jetstream.KeyValue
	snapshots jetstream.KeyValue
	meta      jetstream.KeyValue
	logger    *slog.Logger

	// Revisions written through this Repo, so Watch can skip its own echo.
	mu         sync.Mutex
	watching   int
	ownPuts    map[string]uint64
	ownDeletes map[string]int
}

func startEmbedded(storeDir string) (*server.Server, error) {
	ns, err := server.NewServer(&server.Options{
		Host:      "127.0.0.1",
		Port:      -1,
		JetStream: true,
		StoreDir:  storeDir,
		NoLog:     true,
		NoSigs:    true,
	})
	if err != nil {
		return nil, fmt.Errorf("create embedded nats server: %w", err)
	}
	go ns.Start()
	if !ns.ReadyForConnections(5 * time.Second) {
		ns.Shutdown()
		return nil, errors.New("embedded nats server failed to start")
	}
	return ns, nil
}

// Open connects to NATS and creates the buckets when missing.
func Open(ctx context.Context, opts Options) (*Repo, error) {
	if opts.URL == "" {
		opts.URL = nats.DefaultURL
	}
	if opts.BucketPrefix == "" {
		opts.BucketPrefix = DefaultBucketPrefix
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	var ns *server.Server
	if opts.Embedded {
		var err error
		if ns, err = startEmbedded(opts.StoreDir); err != nil {
			return nil, err
		}
		opts.URL = ns.ClientURL()
		opts.Logger.Info("embedded nats server started", "url", opts.URL, "store_dir", opts.StoreDir)
	}
	shutdown := func() {
		if ns != nil {
			ns.Shutdown()
		}
	}

	nc, err := nats.Connect(opts.URL, nats.Name("weekly-task-manager"))
	if err != nil {
		shutdown()
		return nil, storage.Wrap("connect nats", err)
	}
	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		shutdown()
		return nil, storage.Wrap("jetstream", err)
	}

	r, err := New(ctx, js, opts.BucketPrefix, opts.Logger)
	if err != nil {
		nc.Close()
		shutdown()
		return nil, err
	}
	r.nc = nc
	r.ns = ns
	return r, nil
}

// New uses an existing JetStream context. Close does not close its
// connection.
func New(ctx context.Context, js jetstream.JetStream, prefix string, logger *slog.Logger) (*Repo, error) {
	if logger == nil {
		logger = slog.Default()
	}
	tasks, err := getOrCreateBucket(ctx, js, prefix+"_TASKS")
	if err != nil {
		return nil, storage.Wrap("create tasks bucket", err)
	}
	snapshots, err := getOrCreateBucket(ctx, js, prefix+"_SNAPSHOTS")
	if err != nil {
		return nil, storage.Wrap("create snapshots bucket", err)
	}
	meta, err := getOrCreateBucket(ctx, js, prefix+"_META")
	if err != nil {
		return nil, storage.Wrap("create meta bucket", err)
	}
	return &Repo{
		tasks:      tasks,
		snapshots:  snapshots,
		meta:       meta,
		logger:     logger,
		ownPuts:    map[string]uint64{},
		ownDeletes: map[string]int{},
	}, nil
}

func getOrCreateBucket(ctx context.Context, js jetstream.JetStream, name string) (jetstream.KeyValue, error) {
	kv, err := js.KeyValue(ctx, name)
	if err == nil {
		return kv, nil
	}
	if !errors.Is(err, jetstream.ErrBucketNotFound) {
		return nil, err
	}
	return js.CreateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      name,
		Description: fmt.Sprintf("weekly task manager %s", strings.ToLower(name)),
		History:     5,
	})
}

func (r *Repo) Load(ctx context.Context) (storage.State, error) {
	st := storage.NewState()

	err := readAll(ctx, r.tasks, func(key string, value []byte) error {
		var t model.Task
		if err := json.Unmarshal(value, &t); err != nil {
			r.logger.Warn("skipping undecodable task", "key", key, "error", err)
			return nil
		}
		st.Tasks[t.ID] = t
		return nil
	})
	if err != nil {
		return storage.State{}, storage.Wrap("load tasks", err)
	}

	err = readAll(ctx, r.snapshots, func(key string, value []byte) error {
		var s model.WeekSnapshot
		if err := json.Unmarshal(value, &s); err != nil {
			r.logger.Warn("skipping undecodable snapshot", "key", key, "error", err)
			return nil
		}
		st.Snapshots[key] = s
		return nil
	})
	if err != nil {
		return storage.State{}, storage.Wrap("load snapshots", err)
	}
	return st, nil
}

func readAll(ctx context.Context, kv jetstream.KeyValue, fn func(key string, value []byte) error) error {
	keys, err := kv.Keys(ctx)
	if err != nil {
		if errors.Is(err, jetstream.ErrNoKeysFound) {
			return nil
		}
		return err
	}
	for _, key := range keys {
		entry, err := kv.Get(ctx, key)
		if err != nil {
			if errors.Is(err, jetstream.ErrKeyNotFound) {
				continue
			}
			return err
		}
		if err := fn(key, entry.Value()); err != nil {
			return err
		}
	}
	return nil
}

func (r *Repo) PutTask(ctx context.Context, t model.Task) error {
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshal task: %w", err)
	}
	if err := r.put(ctx, r.tasks, storage.CollectionTasks, string(t.ID), data); err != nil {
		return storage.Wrap("put task", err)
	}
	return nil
}

func (r *Repo) DeleteTask(ctx context.Context, id model.TaskID) error {
	if err := r.delete(ctx, r.tasks, storage.CollectionTasks, string(id)); err != nil && !errors.Is(err, jetstream.ErrKeyNotFound) {
		return storage.Wrap("delete task", err)
	}
	return nil
}

func (r *Repo) PutSnapshot(ctx context.Context, weekKey string, s model.WeekSnapshot) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	if err := r.put(ctx, r.snapshots, storage.CollectionSnapshots, weekKey, data); err != nil {
		return storage.Wrap("put snapshot", err)
	}
	return nil
}

func (r *Repo) DeleteSnapshot(ctx context.Context, weekKey string) error {
	if err := r.delete(ctx, r.snapshots, storage.CollectionSnapshots, weekKey); err != nil && !errors.Is(err, jetstream.ErrKeyNotFound) {
		return storage.Wrap("delete snapshot", err)
	}
	return nil
}

// put holds r.mu across the write so follow cannot see the revision
// before it is recorded.
func (r *Repo) put(ctx context.Context, kv jetstream.KeyValue, collection, key string, data []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rev, err := kv.Put(ctx, key, data)
	if err != nil {
		return err
	}
	if r.watching > 0 {
		r.ownPuts[collection+"/"+key] = rev
	}
	return nil
}

func (r *Repo) delete(ctx context.Context, kv jetstream.KeyValue, collection, key string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := kv.Delete(ctx, key); err != nil {
		return err
	}
	if r.watching > 0 {
		r.ownDeletes[collection+"/"+key]++
	}
	return nil
}

// ownEcho reports whether entry is this Repo's own write coming back.
func (r *Repo) ownEcho(collection string, entry jetstream.KeyValueEntry) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := collection + "/" + entry.Key()
	if entry.Operation() == jetstream.KeyValuePut {
		if rev, ok := r.ownPuts[key]; ok && rev == entry.Revision() {
			delete(r.ownPuts, key)
			return true
		}
		return false
	}
	if n := r.ownDeletes[key]; n > 0 {
		if n == 1 {
			delete(r.ownDeletes, key)
		} else {
			r.ownDeletes[key] = n - 1
		}
		return true
	}
	return false
}

func (r *Repo) Migration(ctx context.Context) (*model.MigrationMarker, error) {
	entry, err := r.meta.Get(ctx, migrationKey)
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return nil, nil
		}
		return nil, storage.Wrap("get migration marker", err)
	}
	var m model.MigrationMarker
	if err := json.Unmarshal(entry.Value(), &m); err != nil {
		return nil, fmt.Errorf("decode migration marker: %w", err)
	}
	return &m, nil
}

func (r *Repo) PutMigration(ctx context.Context, m model.MigrationMarker) error {
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal migration marker: %w", err)
	}
	if _, err := r.meta.Put(ctx, migrationKey, data); err != nil {
		return storage.Wrap("put migration marker", err)
	}
	return nil
}

func (r *Repo) Ping(ctx context.Context) error {
	if r.nc != nil && !r.nc.IsConnected() {
		return storage.Wrap("ping", errors.New("nats disconnected"))
	}
	if _, err := r.meta.Status(ctx); err != nil {
		return storage.Wrap("ping", err)
	}
	return nil
}

func (r *Repo) Close() error {
	if r.nc != nil {
		r.nc.Close()
	}
	if r.ns != nil {
		r.ns.Shutdown()
		r.ns.WaitForShutdown()
	}
	return nil
}

// Watch follows the task and snapshot buckets. The initial replay of
// existing values is skipped, and so are writes made through this Repo;
// only other clients' updates are reported.
func (r *Repo) Watch(ctx context.Context, onChange func(storage.Change)) (func(), error) {
	ctx, cancel := context.WithCancel(ctx)
	unwatch := func() {
		r.mu.Lock()
		r.watching--
		if r.watching == 0 {
			clear(r.ownPuts)
			clear(r.ownDeletes)
		}
		r.mu.Unlock()
	}

	taskWatcher, err := r.tasks.WatchAll(ctx, jetstream.UpdatesOnly())
	if err != nil {
		cancel()
		return nil, storage.Wrap("watch tasks", err)
	}
	snapWatcher, err := r.snapshots.WatchAll(ctx, jetstream.UpdatesOnly())
	if err != nil {
		_ = taskWatcher.Stop()
		cancel()
		return nil, storage.Wrap("watch snapshots", err)
	}
	r.mu.Lock()
	r.watching++
	r.mu.Unlock()

	var wg sync.WaitGroup
	wg.Add(2)
	go r.follow(ctx, &wg, taskWatcher, storage.CollectionTasks, onChange)
	go r.follow(ctx, &wg, snapWatcher, storage.CollectionSnapshots, onChange)

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			wg.Wait()
			unwatch()
		})
	}, nil
}

func (r *Repo) follow(ctx context.Context, wg *sync.WaitGroup, w jetstream.KeyWatcher, collection string, onChange func(storage.Change)) {
	defer wg.Done()
	defer w.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case entry, ok := <-w.Updates():
			if !ok {
				return
			}
			// nil marks the end of the initial replay
			if entry == nil || r.ownEcho(collection, entry) {
				continue
			}
			onChange(storage.Change{
				Collection: collection,
				Key:        entry.Key(),
				Deleted:    entry.Operation() != jetstream.KeyValuePut,
			})
		}
	}
}
