// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/pouriaabedi0073-sys/volleyball-club-sub000/queue"
	"github.com/pouriaabedi0073-sys/volleyball-club-sub000/record"
	"github.com/pouriaabedi0073-sys/volleyball-club-sub000/transport"
)

// Table is the create/update/remove/reload surface of one table.
type Table struct {
	e   *Engine
	cfg TableConfig
}

func (t *Table) Name() string { return t.cfg.Name }

// Get returns the local copy of a record.
func (t *Table) Get(id string) (record.Record, bool) {
	return t.e.replica.Get(t.cfg.Name, id)
}

// List returns the local records, most recently inserted first.
func (t *Table) List() []record.Record {
	return t.e.replica.List(t.cfg.Name)
}

// Create stores a new record. A missing id is generated, a missing
// last_modified is stamped and a missing partition key is filled from the
// engine's group.
func (t *Table) Create(ctx context.Context, obj record.Record) (record.Record, error) {
	rec := obj.Clone()
	if rec == nil {
		rec = record.Record{}
	}
	if !rec.Has(record.FieldID) {
		rec[record.FieldID] = uuid.NewString()
	}
	if !rec.HasLastModified() {
		rec.Touch(t.e.now())
	}
	if err := t.scope(rec); err != nil {
		return nil, err
	}
	t.e.replica.Merge(t.cfg.Name, rec)
	return t.write(ctx, queue.TypeCreate, rec)
}

// Update overlays patch on the local record and stamps a fresh
// last_modified. The record must exist locally. The stamp is never older
// than the local copy's, so a row stamped by a clock ahead of ours still
// takes the patch.
func (t *Table) Update(ctx context.Context, id string, patch record.Record) (record.Record, error) {
	local, ok := t.e.replica.Get(t.cfg.Name, id)
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", ErrNotFound, t.cfg.Name, id)
	}
	rec := local.Overlay(patch)
	rec[record.FieldID] = id
	delete(rec, record.FieldDeleted)
	stamp := t.e.now()
	if prev := local.LastModified(); !stamp.After(prev) {
		stamp = prev.Add(time.Millisecond)
	}
	rec.Touch(stamp)
	if err := t.scope(rec); err != nil {
		return nil, err
	}
	t.e.replica.Merge(t.cfg.Name, rec)
	return t.write(ctx, queue.TypeUpdate, rec)
}

// Remove deletes the record locally and remotely. Removing an unknown id is
// not an error.
func (t *Table) Remove(ctx context.Context, id string) error {
	if id == "" {
		return record.ErrMissingID
	}
	t.e.replica.Merge(t.cfg.Name, record.Tombstone(id))
	_, err := t.write(ctx, queue.TypeDelete, record.Record{record.FieldID: id})
	return err
}

// Reload replaces the local view with the remote table: remote rows are
// merged, and local rows the remote no longer has are dropped unless a
// queued operation still refers to them.
func (t *Table) Reload(ctx context.Context) ([]record.Record, error) {
	filter := transport.Filter{}
	if t.cfg.PartitionKey != "" && t.e.cfg.Group != "" {
		filter[t.cfg.PartitionKey] = t.e.cfg.Group
	}
	rows, err := t.e.remote.Select(t.e.remoteCtx(ctx), t.cfg.Name, filter)
	if err != nil {
		t.e.setLastError(err)
		return nil, fmt.Errorf("failed to reload %s: %w", t.cfg.Name, err)
	}
	pending, err := t.e.queue.PendingIDs(ctx, t.cfg.Name)
	if err != nil {
		return nil, err
	}

	res := t.e.replica.Merge(t.cfg.Name, rows...)
	remote := make(map[string]bool, len(rows))
	for _, r := range rows {
		remote[r.ID()] = true
	}
	dropped := 0
	for _, local := range t.e.replica.List(t.cfg.Name) {
		id := local.ID()
		if !remote[id] && !pending[id] && t.e.replica.Remove(t.cfg.Name, id) {
			dropped++
		}
	}
	t.e.persist(ctx)
	t.e.logger.Debug("table reloaded", "table", t.cfg.Name, "remote", len(rows),
		"inserted", res.Inserted, "updated", res.Updated, "stale", res.Stale, "dropped", dropped)
	return t.e.replica.List(t.cfg.Name), nil
}

func (t *Table) scope(rec record.Record) error {
	pk := t.cfg.PartitionKey
	if pk == "" || rec.Has(pk) {
		return nil
	}
	if t.e.cfg.Group == "" {
		return fmt.Errorf("%w: %s.%s", ErrMissingPartition, t.cfg.Name, pk)
	}
	rec[pk] = t.e.cfg.Group
	return nil
}

// write sends the mutation directly when online and nothing is queued for
// the table, and queues it otherwise. A failed direct send is queued too, so
// the caller only sees errors from the durable store.
func (t *Table) write(ctx context.Context, typ queue.Type, rec record.Record) (record.Record, error) {
	e := t.e
	op := queue.Operation{Type: typ, Table: t.cfg.Name, Payload: rec}

	if e.online.Load() {
		pending, err := e.queue.PendingIDs(ctx, t.cfg.Name)
		if err != nil {
			return nil, err
		}
		if len(pending) == 0 {
			resp, sendErr := e.queue.Send(e.remoteCtx(ctx), e.remote, op)
			if sendErr == nil {
				if resp != nil && !resp.IsDeleted() {
					e.replica.Merge(t.cfg.Name, resp)
				}
				e.persist(ctx)
				return t.result(typ, rec), nil
			}
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			e.setLastError(sendErr)
			e.logger.Warn("remote write failed, queueing", "table", t.cfg.Name, "id", rec.ID(),
				"type", typ, "kind", transport.Classify(sendErr), "error", sendErr)
		}
	}

	if _, err := e.queue.Enqueue(ctx, op); err != nil {
		return nil, err
	}
	e.persist(ctx)
	e.requestFlush()
	return t.result(typ, rec), nil
}

func (t *Table) result(typ queue.Type, sent record.Record) record.Record {
	if typ == queue.TypeDelete {
		return nil
	}
	if cur, ok := t.e.replica.Get(t.cfg.Name, sent.ID()); ok {
		return cur
	}
	return sent.Clone()
}
