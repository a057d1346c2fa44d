// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package replica holds the in-memory copy of every synchronized table and
// the last-write-wins merge that all change sources funnel through.
package replica

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/pouriaabedi0073-sys/volleyball-club-sub000/localstore"
	"github.com/pouriaabedi0073-sys/volleyball-club-sub000/record"
)

// MergeResult counts what a Merge call did to the table.
type MergeResult struct {
	Inserted int
	Updated  int
	Deleted  int
	Stale    int
	Rejected int
}

// Changed reports whether the merge modified the table.
func (r MergeResult) Changed() bool {
	return r.Inserted+r.Updated+r.Deleted > 0
}

func (r *MergeResult) add(o MergeResult) {
	r.Inserted += o.Inserted
	r.Updated += o.Updated
	r.Deleted += o.Deleted
	r.Stale += o.Stale
	r.Rejected += o.Rejected
}

type table struct {
	rows map[string]record.Record
	seq  map[string]uint64 // insertion sequence, newest first in List
}

// Store is safe for concurrent use.
type Store struct {
	mu     sync.RWMutex
	tables map[string]*table
	next   uint64
}

// NewStore returns an empty replica.
func NewStore() *Store {
	return &Store{tables: make(map[string]*table)}
}

func (s *Store) tableLocked(name string) *table {
	t, ok := s.tables[name]
	if !ok {
		t = &table{rows: make(map[string]record.Record), seq: make(map[string]uint64)}
		s.tables[name] = t
	}
	return t
}

// Merge applies incoming records to the named table:
//   - a tombstone removes the local record regardless of timestamps;
//   - an unknown id is inserted;
//   - otherwise the incoming record wins when its last_modified is not older
//     than the local one, and the result is local fields overlaid by incoming.
//
// Records without an id are rejected. Merge is idempotent.
func (s *Store) Merge(tableName string, incoming ...record.Record) MergeResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	var res MergeResult
	t := s.tableLocked(tableName)
	for _, rec := range incoming {
		res.add(s.mergeOneLocked(t, rec))
	}
	return res
}

func (s *Store) mergeOneLocked(t *table, rec record.Record) MergeResult {
	id := rec.ID()
	if id == "" {
		return MergeResult{Rejected: 1}
	}
	local, exists := t.rows[id]
	if rec.IsDeleted() {
		if !exists {
			return MergeResult{}
		}
		delete(t.rows, id)
		delete(t.seq, id)
		return MergeResult{Deleted: 1}
	}
	if !exists {
		s.next++
		t.rows[id] = rec.Clone()
		t.seq[id] = s.next
		return MergeResult{Inserted: 1}
	}
	if rec.LastModified().Before(local.LastModified()) {
		return MergeResult{Stale: 1}
	}
	t.rows[id] = local.Overlay(rec)
	return MergeResult{Updated: 1}
}

// Remove drops a record without tombstone semantics. It reports whether the
// record existed.
func (s *Store) Remove(tableName, id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tables[tableName]
	if !ok {
		return false
	}
	if _, ok := t.rows[id]; !ok {
		return false
	}
	delete(t.rows, id)
	delete(t.seq, id)
	return true
}

// Get returns a copy of the record.
func (s *Store) Get(tableName, id string) (record.Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tables[tableName]
	if !ok {
		return nil, false
	}
	r, ok := t.rows[id]
	if !ok {
		return nil, false
	}
	return r.Clone(), true
}

// List returns copies of the table's records, most recently inserted first.
func (s *Store) List(tableName string) []record.Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tables[tableName]
	if !ok {
		return nil
	}
	return t.listLocked()
}

func (t *table) listLocked() []record.Record {
	ids := make([]string, 0, len(t.rows))
	for id := range t.rows {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return t.seq[ids[i]] > t.seq[ids[j]] })
	out := make([]record.Record, 0, len(ids))
	for _, id := range ids {
		out = append(out, t.rows[id].Clone())
	}
	return out
}

// Len returns the number of live records in the table.
func (s *Store) Len(tableName string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if t, ok := s.tables[tableName]; ok {
		return len(t.rows)
	}
	return 0
}

// Empty reports whether no table holds any record.
func (s *Store) Empty() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, t := range s.tables {
		if len(t.rows) > 0 {
			return false
		}
	}
	return true
}

// Snapshot returns a copy of every table.
func (s *Store) Snapshot() map[string][]record.Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string][]record.Record, len(s.tables))
	for name, t := range s.tables {
		out[name] = t.listLocked()
	}
	return out
}

// Save writes the durable copy of every table to key.
func (s *Store) Save(ctx context.Context, kv localstore.Store, key string) error {
	if err := localstore.PutJSON(ctx, kv, key, s.Snapshot()); err != nil {
		return fmt.Errorf("failed to save replica: %w", err)
	}
	return nil
}

// Load merges the durable copy at key into the store. Missing copies are not
// an error.
func (s *Store) Load(ctx context.Context, kv localstore.Store, key string) (MergeResult, error) {
	var tables map[string][]record.Record
	ok, err := localstore.GetJSON(ctx, kv, key, &tables)
	if err != nil {
		return MergeResult{}, fmt.Errorf("failed to load replica: %w", err)
	}
	var res MergeResult
	if !ok {
		return res, nil
	}
	for name, rows := range tables {
		// oldest first so List order survives the round trip
		for i := len(rows) - 1; i >= 0; i-- {
			res.add(s.Merge(name, rows[i]))
		}
	}
	return res, nil
}
