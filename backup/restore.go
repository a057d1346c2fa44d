// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package backup

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/pouriaabedi0073-sys/volleyball-club-sub000/record"
	"github.com/pouriaabedi0073-sys/volleyball-club-sub000/replica"
	"github.com/pouriaabedi0073-sys/volleyball-club-sub000/transport"
)

// Target selects what Restore applies: an in-hand snapshot, a remote backup
// by id, or (zero value) the latest remote backup for the group.
type Target struct {
	Snapshot *Snapshot
	ID       string
}

// Latest is the Target for the newest backup of the group.
var Latest = Target{}

// RestoreResult reports what merging the snapshot did per table.
type RestoreResult struct {
	ID     string
	Tables map[string]replica.MergeResult
}

// Restore merges a snapshot into the replica with last-write-wins, so local
// changes newer than the snapshot survive.
func (m *Manager) Restore(ctx context.Context, target Target) (RestoreResult, error) {
	snap, id := target.Snapshot, target.ID
	if snap == nil {
		row, err := m.fetch(ctx, target.ID)
		if err != nil {
			return RestoreResult{}, err
		}
		id = row.String(ColumnID)
		if snap, err = Decode(row.String(ColumnPayload), row.String(ColumnEncoding)); err != nil {
			return RestoreResult{}, fmt.Errorf("failed to decode backup %s: %w", id, err)
		}
	}

	res := RestoreResult{ID: id, Tables: make(map[string]replica.MergeResult, len(snap.Tables))}
	for table, rows := range snap.Tables {
		res.Tables[table] = m.cfg.Source.Merge(table, rows...)
	}
	m.logger.Info("backup restored", "id", id, "tables", len(res.Tables), "rows", snap.Rows())
	return res, nil
}

// List returns remote backups for the group, newest first, without payloads.
func (m *Manager) List(ctx context.Context) ([]record.Record, error) {
	rows, err := m.cfg.Transport.Select(ctx, m.cfg.Table, m.groupFilter())
	if err != nil {
		return nil, fmt.Errorf("failed to list backups: %w", err)
	}
	sortNewestFirst(rows)
	out := make([]record.Record, 0, len(rows))
	for _, r := range rows {
		r = r.Clone()
		delete(r, ColumnPayload)
		out = append(out, r)
	}
	return out, nil
}

func (m *Manager) groupFilter() transport.Filter {
	if m.cfg.Group == "" {
		return transport.Filter{ColumnDeviceID: m.cfg.DeviceID}
	}
	return transport.Filter{ColumnGroup: m.cfg.Group}
}

func (m *Manager) fetch(ctx context.Context, id string) (record.Record, error) {
	filter := m.groupFilter()
	if id != "" {
		filter = transport.Filter{ColumnID: id}
	}
	rows, err := m.cfg.Transport.Select(ctx, m.cfg.Table, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch backup: %w", err)
	}
	if len(rows) == 0 {
		return nil, ErrNoBackup
	}
	sortNewestFirst(rows)
	return rows[0], nil
}

func sortNewestFirst(rows []record.Record) {
	sort.SliceStable(rows, func(i, j int) bool {
		return createdAt(rows[i]).After(createdAt(rows[j]))
	})
}

func createdAt(r record.Record) time.Time {
	t, _ := record.ParseTimestamp(r[ColumnCreatedAt])
	return t
}
