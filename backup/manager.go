// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package backup snapshots the local replica, uploads snapshots to the remote
// store, keeps failed uploads in a durable pending store and restores
// snapshots back into the replica by merging.
package backup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/pouriaabedi0073-sys/volleyball-club-sub000/coordinator"
	"github.com/pouriaabedi0073-sys/volleyball-club-sub000/localstore"
	"github.com/pouriaabedi0073-sys/volleyball-club-sub000/observe"
	"github.com/pouriaabedi0073-sys/volleyball-club-sub000/record"
	"github.com/pouriaabedi0073-sys/volleyball-club-sub000/replica"
	"github.com/pouriaabedi0073-sys/volleyball-club-sub000/retry"
	"github.com/pouriaabedi0073-sys/volleyball-club-sub000/transport"
)

// Reasons reported by CreateBackup when no upload happened.
const (
	ReasonNoChange       = "no-change"
	ReasonAlreadyPending = "already-pending"
	ReasonStoredLocal    = "stored-local"
)

// Remote backup row columns.
const (
	ColumnID           = "id"
	ColumnPath         = "path"
	ColumnGroup        = "group_id"
	ColumnDeviceID     = "device_id"
	ColumnCreatedAt    = "created_at"
	ColumnHash         = "hash"
	ColumnSize         = "size"
	ColumnEncoding     = "encoding"
	ColumnPayload      = "payload"
	DefaultTable       = "backups"
	DefaultPruneRPC    = "prune_backups"
	DefaultKeepBackups = 10
)

var (
	// ErrNoBackup is returned by Restore when no matching backup exists.
	ErrNoBackup = errors.New("no backup found")
	// ErrNotFound is returned for unknown pending or dead-lettered backups.
	ErrNotFound = errors.New("backup not found")
)

// Source is the replica as the backup manager needs it.
type Source interface {
	Snapshot() map[string][]record.Record
	Empty() bool
	Merge(table string, recs ...record.Record) replica.MergeResult
}

// Config wires a Manager to the replica, the durable store and the remote.
type Config struct {
	Store     localstore.Store
	Keys      localstore.Keys
	Source    Source
	Transport transport.Transport
	// Tables limits snapshots to these tables; empty means every table.
	Tables   []string
	DeviceID string
	Group    string
	Table    string // remote table, DefaultTable when empty
	PruneRPC string // DefaultPruneRPC when empty; "-" disables pruning
	Keep     int    // backups kept by the prune procedure
	Codec    Codec
	Policy   retry.Policy
	Lock     *coordinator.Coordinator
	Bus      *observe.Bus
	Logger   *slog.Logger
	Now      func() time.Time
	Sleep    func(ctx context.Context, d time.Duration) error
}

// Result describes one backup attempt. StoredLocal distinguishes a snapshot
// parked in the pending store from a real upload.
type Result struct {
	OK          bool
	StoredLocal bool
	Reason      string
	ID          string
	Path        string
	Hash        string
	Err         error
}

// LastBackup is the persisted record of the most recent upload.
type LastBackup struct {
	ID            string    `json:"id"`
	Path          string    `json:"path"`
	Hash          string    `json:"hash"`
	At            time.Time `json:"at"`
	LastAttemptAt time.Time `json:"last_attempt_at,omitempty"`
	LastError     string    `json:"last_error,omitempty"`
}

// Manager creates, parks, uploads and restores snapshots.
type Manager struct {
	cfg    Config
	codec  Codec
	policy retry.Policy
	lock   *coordinator.Coordinator
	logger *slog.Logger
	now    func() time.Time
	sleep  func(ctx context.Context, d time.Duration) error
}

// NewManager fills defaults for the remote table, prune procedure, codec and lock.
func NewManager(cfg Config) *Manager {
	if cfg.Keys.PendingBackups == "" {
		cfg.Keys = localstore.DefaultKeys("")
	}
	if cfg.Table == "" {
		cfg.Table = DefaultTable
	}
	if cfg.PruneRPC == "" {
		cfg.PruneRPC = DefaultPruneRPC
	}
	if cfg.Keep <= 0 {
		cfg.Keep = DefaultKeepBackups
	}
	m := &Manager{
		cfg:    cfg,
		codec:  cfg.Codec,
		policy: cfg.Policy.Normalize(),
		lock:   cfg.Lock,
		logger: cfg.Logger,
		now:    cfg.Now,
		sleep:  cfg.Sleep,
	}
	if m.codec == nil {
		m.codec = JSONCodec{}
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	if m.now == nil {
		m.now = time.Now
	}
	if m.sleep == nil {
		m.sleep = retry.Sleep
	}
	if m.lock == nil {
		m.lock = coordinator.New(coordinator.Config{Store: cfg.Store, Key: cfg.Keys.BackupLock, Bus: cfg.Bus, Logger: m.logger})
	}
	return m
}

// CreateSnapshot captures the replica. When the in-memory replica is empty
// the durable copy is used instead.
func (m *Manager) CreateSnapshot(ctx context.Context) (*Snapshot, error) {
	tables := m.cfg.Source.Snapshot()
	if m.cfg.Source.Empty() {
		var persisted map[string][]record.Record
		ok, err := localstore.GetJSON(ctx, m.cfg.Store, m.cfg.Keys.Replica, &persisted)
		if err != nil {
			return nil, fmt.Errorf("failed to read durable replica: %w", err)
		}
		if ok {
			tables = persisted
		}
	}
	meta := Meta{CreatedAt: m.now().UTC(), DeviceID: m.cfg.DeviceID, Group: m.cfg.Group}
	return NewSnapshot(tables, m.cfg.Tables, meta), nil
}

// CreateBackup snapshots and uploads. Unless force is set, a snapshot whose
// content matches the last successful upload is skipped with ReasonNoChange.
// Any upload failure parks the snapshot in the pending store and returns a
// Result with StoredLocal set; the returned error is reserved for failures to
// build or park the snapshot.
func (m *Manager) CreateBackup(ctx context.Context, force bool) (Result, error) {
	snap, err := m.CreateSnapshot(ctx)
	if err != nil {
		return Result{}, err
	}
	hash, err := snap.Hash()
	if err != nil {
		return Result{}, err
	}

	if !force {
		last, err := m.LastBackup(ctx)
		if err != nil {
			return Result{}, err
		}
		if last != nil && last.Hash == hash {
			return Result{Reason: ReasonNoChange, ID: last.ID, Path: last.Path, Hash: hash}, nil
		}
		pending, err := m.Pending(ctx)
		if err != nil {
			return Result{}, err
		}
		for _, p := range pending {
			if p.Hash == hash {
				return Result{StoredLocal: true, Reason: ReasonAlreadyPending, ID: p.ID, Path: p.Path, Hash: hash}, nil
			}
		}
	}

	id := uuid.NewString()
	path := m.path(ctx, id)
	row, err := m.row(snap, id, path, hash)
	if err != nil {
		return Result{}, err
	}

	if upErr := m.upload(ctx, row); upErr != nil {
		pb := PendingBackup{ID: id, Path: path, Hash: hash, CreatedAt: snap.Meta.CreatedAt, LastError: upErr.Error(), Row: row}
		if err := m.park(ctx, pb, upErr); err != nil {
			return Result{}, err
		}
		m.logger.Warn("backup stored locally", "id", id, "path", path, "error", upErr)
		m.cfg.Bus.Emit(ctx, observe.Event{Kind: observe.KindBackupPending, ID: id, Detail: path, Err: upErr})
		return Result{StoredLocal: true, Reason: ReasonStoredLocal, ID: id, Path: path, Hash: hash, Err: upErr}, nil
	}

	m.succeeded(ctx, id, path, hash, snap.Meta.CreatedAt)
	return Result{OK: true, ID: id, Path: path, Hash: hash}, nil
}

// LastBackup returns the record of the last upload, or nil.
func (m *Manager) LastBackup(ctx context.Context) (*LastBackup, error) {
	var last LastBackup
	ok, err := localstore.GetJSON(ctx, m.cfg.Store, m.cfg.Keys.LastBackup, &last)
	if err != nil || !ok {
		return nil, err
	}
	return &last, nil
}

func (m *Manager) path(ctx context.Context, id string) string {
	owner := m.cfg.Group
	if owner == "" {
		if u, err := m.cfg.Transport.CurrentUser(ctx); err == nil && u.ID != "" {
			owner = u.ID
		} else {
			owner = "anonymous"
		}
	}
	device := m.cfg.DeviceID
	if device == "" {
		device = "unknown-device"
	}
	return fmt.Sprintf("%s/%s/%s.snapshot", owner, device, id)
}

func (m *Manager) row(snap *Snapshot, id, path, hash string) (record.Record, error) {
	payload, encoding, size, err := Encode(m.codec, snap)
	if err != nil {
		return nil, err
	}
	created := record.Timestamp(snap.Meta.CreatedAt)
	return record.Record{
		ColumnID:                 id,
		ColumnPath:               path,
		ColumnGroup:              m.cfg.Group,
		ColumnDeviceID:           m.cfg.DeviceID,
		ColumnCreatedAt:          created,
		record.FieldLastModified: created,
		ColumnHash:               hash,
		ColumnSize:               size,
		ColumnEncoding:           encoding,
		ColumnPayload:            payload,
	}, nil
}

// upload requires a live session before writing the row.
func (m *Manager) upload(ctx context.Context, row record.Record) error {
	if _, err := m.cfg.Transport.Session(ctx); err != nil {
		return err
	}
	if _, err := m.cfg.Transport.Insert(ctx, m.cfg.Table, row); err != nil {
		return err
	}
	return nil
}

func (m *Manager) succeeded(ctx context.Context, id, path, hash string, createdAt time.Time) {
	now := m.now().UTC()
	err := localstore.UpdateJSON(ctx, m.cfg.Store, m.cfg.Keys.LastBackup, func(last *LastBackup) error {
		if last.ID != "" && last.At.After(createdAt) {
			// a newer snapshot already landed
			last.LastAttemptAt = now
			last.LastError = ""
			return nil
		}
		*last = LastBackup{ID: id, Path: path, Hash: hash, At: createdAt, LastAttemptAt: now}
		return nil
	})
	if err != nil {
		m.logger.Warn("failed to record backup metadata", "id", id, "error", err)
	}
	m.cfg.Bus.Emit(ctx, observe.Event{Kind: observe.KindBackupSuccess, ID: id, Detail: path})
	m.prune(ctx)
}

// prune asks the remote store to drop old backups. Failures are logged only.
func (m *Manager) prune(ctx context.Context) {
	if m.cfg.PruneRPC == "-" {
		return
	}
	args := map[string]any{
		ColumnGroup:    m.cfg.Group,
		ColumnDeviceID: m.cfg.DeviceID,
		"keep":         m.cfg.Keep,
	}
	if _, err := m.cfg.Transport.Call(ctx, m.cfg.PruneRPC, args); err != nil {
		m.logger.Warn("backup prune failed", "rpc", m.cfg.PruneRPC, "error", err)
	}
}

func (m *Manager) noteFailure(ctx context.Context, cause error) {
	now := m.now().UTC()
	err := localstore.UpdateJSON(ctx, m.cfg.Store, m.cfg.Keys.LastBackup, func(last *LastBackup) error {
		last.LastAttemptAt = now
		last.LastError = cause.Error()
		return nil
	})
	if err != nil {
		m.logger.Warn("failed to record backup failure", "error", err)
	}
}
