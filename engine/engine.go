// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package engine ties the replica, the operation queue, realtime feeds and
// backups together behind a per-table API.
//
// Every mutation is applied to the local replica first. While online, and
// when nothing is already queued for the table, it is sent straight to the
// remote store; otherwise it lands in the durable queue and is replayed by
// the next flush. Realtime events and flush responses go through the same
// last-write-wins merge, so their order does not matter.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pouriaabedi0073-sys/volleyball-club-sub000/backup"
	"github.com/pouriaabedi0073-sys/volleyball-club-sub000/coordinator"
	"github.com/pouriaabedi0073-sys/volleyball-club-sub000/internal/auth"
	"github.com/pouriaabedi0073-sys/volleyball-club-sub000/localstore"
	"github.com/pouriaabedi0073-sys/volleyball-club-sub000/observe"
	"github.com/pouriaabedi0073-sys/volleyball-club-sub000/queue"
	"github.com/pouriaabedi0073-sys/volleyball-club-sub000/realtime"
	"github.com/pouriaabedi0073-sys/volleyball-club-sub000/record"
	"github.com/pouriaabedi0073-sys/volleyball-club-sub000/replica"
	"github.com/pouriaabedi0073-sys/volleyball-club-sub000/retry"
	"github.com/pouriaabedi0073-sys/volleyball-club-sub000/transport"
)

// DefaultFlushInterval is how often the background loop drains the queue.
const DefaultFlushInterval = 30 * time.Second

var (
	ErrUnknownTable     = errors.New("unknown table")
	ErrNotFound         = errors.New("record not found")
	ErrMissingPartition = errors.New("record has no partition key")
	ErrOffline          = errors.New("engine is offline")
)

// TableConfig describes one synchronized table.
type TableConfig struct {
	Name string
	// ConflictKey lists the upsert conflict columns; defaults to id.
	ConflictKey []string
	// PartitionKey scopes the table to Config.Group: it is filled on create,
	// filters reloads and realtime channels, and is required on inbound rows.
	PartitionKey string
}

// Config configures an Engine. Zero values fall back to package defaults.
type Config struct {
	DeviceID string
	Group    string
	Tables   []TableConfig

	Retry          retry.Policy
	LockTimeout    time.Duration // coordinator.DefaultTimeout when zero
	FlushInterval  time.Duration // DefaultFlushInterval when zero, disabled when negative
	BackupInterval time.Duration // scheduled backups are disabled when zero

	// Namespace prefixes every durable key so several engines can share a
	// store.
	Namespace    string
	BackupTable  string
	BackupTables []string
	PruneRPC     string
	KeepBackups  int
	Codec        backup.Codec

	Logger *slog.Logger
	Now    func() time.Time
	Sleep  func(ctx context.Context, d time.Duration) error
}

// Status is the summary exposed to UIs.
type Status struct {
	Online          bool   `json:"online"`
	Syncing         bool   `json:"syncing"`
	LastError       string `json:"last_error,omitempty"`
	QueueLength     int    `json:"queue_length"`
	DeadLetters     int    `json:"dead_letters"`
	PendingBackups  int    `json:"pending_backups"`
	DeadBackups     int    `json:"dead_backups"`
	LastBackupID    string `json:"last_backup_id,omitempty"`
	LastBackupError string `json:"last_backup_error,omitempty"`
}

// Engine is the offline-first sync engine for one device.
type Engine struct {
	cfg        Config
	store      localstore.Store
	keys       localstore.Keys
	remote     transport.Transport
	replica    *replica.Store
	queue      *queue.Queue
	backups    *backup.Manager
	subscriber *realtime.Subscriber
	bus        *observe.Bus
	logger     *slog.Logger
	now        func() time.Time
	tables     map[string]*Table

	online  atomic.Bool
	syncing atomic.Int32

	mu      sync.Mutex
	lastErr error
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	kick      chan struct{}
	reconnect chan struct{}
}

// Open builds an engine over store and remote and loads the durable replica.
// connector may be nil when no realtime feed is available. The engine starts
// online; background loops run only after Start.
func Open(ctx context.Context, store localstore.Store, remote transport.Transport, connector realtime.Connector, cfg Config) (*Engine, error) {
	if store == nil || remote == nil {
		return nil, fmt.Errorf("store and remote transport are required")
	}
	if len(cfg.Tables) == 0 {
		return nil, fmt.Errorf("at least one table must be configured")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Sleep == nil {
		cfg.Sleep = retry.Sleep
	}
	if cfg.FlushInterval == 0 {
		cfg.FlushInterval = DefaultFlushInterval
	}
	if cfg.Retry.MaxAttempts == 0 && cfg.Retry.BaseDelay == 0 {
		cfg.Retry = retry.DefaultPolicy()
	}

	e := &Engine{
		cfg:       cfg,
		store:     store,
		keys:      localstore.DefaultKeys(cfg.Namespace),
		remote:    remote,
		replica:   replica.NewStore(),
		bus:       observe.NewBus(cfg.Logger),
		logger:    cfg.Logger,
		now:       cfg.Now,
		tables:    make(map[string]*Table, len(cfg.Tables)),
		kick:      make(chan struct{}, 1),
		reconnect: make(chan struct{}, 1),
	}
	e.online.Store(true)
	e.bus.Subscribe(observe.SinkFunc(e.track))

	conflictKeys := make(map[string][]string, len(cfg.Tables))
	rtTables := make([]realtime.Table, 0, len(cfg.Tables))
	for _, tc := range cfg.Tables {
		if tc.Name == "" {
			return nil, fmt.Errorf("table name must not be empty")
		}
		if _, dup := e.tables[tc.Name]; dup {
			return nil, fmt.Errorf("table %s configured twice", tc.Name)
		}
		if len(tc.ConflictKey) == 0 {
			tc.ConflictKey = []string{record.FieldID}
		}
		e.tables[tc.Name] = &Table{e: e, cfg: tc}
		conflictKeys[tc.Name] = tc.ConflictKey
		rtTables = append(rtTables, realtime.Table{Name: tc.Name, PartitionKey: tc.PartitionKey})
	}

	e.queue = queue.New(queue.Config{
		Store:  store,
		Keys:   e.keys,
		Policy: cfg.Retry,
		Lock: coordinator.New(coordinator.Config{
			Store: store, Key: e.keys.FlushLock, Timeout: cfg.LockTimeout, Bus: e.bus, Logger: e.logger, Now: cfg.Now,
		}),
		Merger: e.replica,
		ConflictKey: func(table string) []string {
			if key, ok := conflictKeys[table]; ok {
				return key
			}
			return []string{record.FieldID}
		},
		Bus:    e.bus,
		Logger: e.logger,
		Sleep:  cfg.Sleep,
		Now:    cfg.Now,
	})

	e.backups = backup.NewManager(backup.Config{
		Store:     store,
		Keys:      e.keys,
		Source:    e.replica,
		Transport: remote,
		Tables:    cfg.BackupTables,
		DeviceID:  cfg.DeviceID,
		Group:     cfg.Group,
		Table:     cfg.BackupTable,
		PruneRPC:  cfg.PruneRPC,
		Keep:      cfg.KeepBackups,
		Codec:     cfg.Codec,
		Policy:    cfg.Retry,
		Lock: coordinator.New(coordinator.Config{
			Store: store, Key: e.keys.BackupLock, Timeout: cfg.LockTimeout, Bus: e.bus, Logger: e.logger, Now: cfg.Now,
		}),
		Bus:    e.bus,
		Logger: e.logger,
		Now:    cfg.Now,
		Sleep:  cfg.Sleep,
	})

	e.subscriber = realtime.NewSubscriber(realtime.Config{
		Connector: connector,
		Merger:    e.replica,
		Tables:    rtTables,
		Partition: cfg.Group,
		OnChange: func(table string, res replica.MergeResult) {
			if res.Changed() {
				e.persist(context.Background())
			}
		},
		Bus:    e.bus,
		Logger: e.logger,
		Now:    cfg.Now,
	})

	res, err := e.replica.Load(ctx, store, e.keys.Replica)
	if err != nil {
		return nil, fmt.Errorf("failed to load replica: %w", err)
	}
	e.logger.Info("sync engine opened", "device_id", cfg.DeviceID, "group", cfg.Group,
		"tables", len(cfg.Tables), "records", res.Inserted)
	return e, nil
}

// Table returns the API for a configured table.
func (e *Engine) Table(name string) (*Table, error) {
	t, ok := e.tables[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTable, name)
	}
	return t, nil
}

// Events returns the bus carrying queue, realtime, backup and lock events.
func (e *Engine) Events() *observe.Bus { return e.bus }

// Replica returns the in-memory replica shared by every table.
func (e *Engine) Replica() *replica.Store { return e.replica }

func (e *Engine) Queue() *queue.Queue { return e.queue }

func (e *Engine) Backups() *backup.Manager { return e.backups }

// Online reports the last connectivity state given to SetOnline.
func (e *Engine) Online() bool { return e.online.Load() }

// SetOnline records connectivity. Going from offline to online flushes the
// queue, recreates realtime channels and reloads every table; when the
// background loops run this happens on the loop, otherwise before SetOnline
// returns.
func (e *Engine) SetOnline(ctx context.Context, online bool) {
	was := e.online.Swap(online)
	if online == was {
		return
	}
	if !online {
		e.logger.Info("connectivity lost")
		return
	}
	e.logger.Info("connectivity restored")

	e.mu.Lock()
	running := e.cancel != nil
	e.mu.Unlock()
	if running {
		select {
		case e.reconnect <- struct{}{}:
		default:
		}
		return
	}
	e.handleReconnect(ctx)
}

// Flush drains the operation queue once. It fails with ErrOffline while the
// engine is offline.
func (e *Engine) Flush(ctx context.Context) (queue.FlushResult, error) {
	if !e.online.Load() {
		return queue.FlushResult{}, ErrOffline
	}
	e.syncing.Add(1)
	defer e.syncing.Add(-1)

	res, err := e.queue.Flush(e.remoteCtx(ctx), e.remote)
	if res.Succeeded > 0 {
		e.persist(ctx)
	}
	if err != nil {
		e.setLastError(err)
		return res, err
	}
	if res.LockHeld {
		e.logger.Debug("flush skipped, lock held elsewhere")
	}
	return res, nil
}

// BackupNow snapshots the replica and uploads it, parking it locally when
// the upload fails.
func (e *Engine) BackupNow(ctx context.Context, force bool) (backup.Result, error) {
	e.persist(ctx)
	res, err := e.backups.CreateBackup(e.remoteCtx(ctx), force)
	if err != nil {
		e.setLastError(err)
	}
	return res, err
}

// Restore merges a backup into the replica and persists the result.
func (e *Engine) Restore(ctx context.Context, target backup.Target) (backup.RestoreResult, error) {
	res, err := e.backups.Restore(e.remoteCtx(ctx), target)
	if err != nil {
		return res, err
	}
	e.persist(ctx)
	return res, nil
}

// FlushBackups uploads parked snapshots.
func (e *Engine) FlushBackups(ctx context.Context) (backup.DrainResult, error) {
	if !e.online.Load() {
		return backup.DrainResult{}, ErrOffline
	}
	return e.backups.FlushPending(e.remoteCtx(ctx))
}

// SyncStatus summarizes connectivity, activity and durable queue sizes.
func (e *Engine) SyncStatus(ctx context.Context) (Status, error) {
	st := Status{
		Online:  e.online.Load(),
		Syncing: e.syncing.Load() > 0,
	}
	e.mu.Lock()
	if e.lastErr != nil {
		st.LastError = e.lastErr.Error()
	}
	e.mu.Unlock()

	var err error
	if st.QueueLength, err = e.queue.Len(ctx); err != nil {
		return st, err
	}
	dead, err := e.queue.DeadLetters(ctx)
	if err != nil {
		return st, err
	}
	st.DeadLetters = len(dead)
	pending, err := e.backups.Pending(ctx)
	if err != nil {
		return st, err
	}
	st.PendingBackups = len(pending)
	deadBackups, err := e.backups.DeadLetters(ctx)
	if err != nil {
		return st, err
	}
	st.DeadBackups = len(deadBackups)
	last, err := e.backups.LastBackup(ctx)
	if err != nil {
		return st, err
	}
	if last != nil {
		st.LastBackupID = last.ID
		st.LastBackupError = last.LastError
	}
	return st, nil
}

// DeadLetterOps lists operations that exhausted their attempts.
func (e *Engine) DeadLetterOps(ctx context.Context) ([]queue.DeadLetter, error) {
	return e.queue.DeadLetters(ctx)
}

// RequeueOp moves a dead-lettered operation back to the queue with a fresh
// attempt budget and schedules a flush.
func (e *Engine) RequeueOp(ctx context.Context, id string) (queue.Operation, error) {
	op, err := e.queue.Requeue(ctx, id)
	if err != nil {
		return op, err
	}
	e.requestFlush()
	return op, nil
}

// PurgeOp discards a dead-lettered operation.
func (e *Engine) PurgeOp(ctx context.Context, id string) error {
	return e.queue.PurgeDeadLetter(ctx, id)
}

// DeadLetterBackups lists snapshots whose upload exhausted its attempts.
func (e *Engine) DeadLetterBackups(ctx context.Context) ([]backup.DeadBackup, error) {
	return e.backups.DeadLetters(ctx)
}

// RequeueBackup moves a dead-lettered snapshot back to the pending store.
func (e *Engine) RequeueBackup(ctx context.Context, id string) (backup.PendingBackup, error) {
	return e.backups.Requeue(ctx, id)
}

// PurgeBackup discards a dead-lettered snapshot.
func (e *Engine) PurgeBackup(ctx context.Context, id string) error {
	return e.backups.PurgeDeadLetter(ctx, id)
}

// remoteCtx tags outgoing calls with the device id.
func (e *Engine) remoteCtx(ctx context.Context) context.Context {
	if e.cfg.DeviceID == "" {
		return ctx
	}
	return auth.WithDeviceID(ctx, e.cfg.DeviceID)
}

// persist writes the durable replica copy; failures are logged only.
func (e *Engine) persist(ctx context.Context) {
	if err := e.replica.Save(context.WithoutCancel(ctx), e.store, e.keys.Replica); err != nil {
		e.logger.Warn("failed to persist replica", "error", err)
	}
}

func (e *Engine) setLastError(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.lastErr = err
}

// track keeps LastError in step with the event stream.
func (e *Engine) track(_ context.Context, ev observe.Event) {
	switch ev.Kind {
	case observe.KindFlushFailure, observe.KindDeadLetter, observe.KindBackupPending, observe.KindBackupDeadLetter:
		if ev.Err != nil {
			e.setLastError(ev.Err)
		}
	case observe.KindFlushSuccess, observe.KindBackupSuccess:
		e.setLastError(nil)
	}
}
