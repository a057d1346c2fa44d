// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package backup

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/pouriaabedi0073-sys/volleyball-club-sub000/record"
)

// FormatVersion is written into every snapshot.
const FormatVersion = 1

// Meta describes where and when a snapshot was taken.
type Meta struct {
	CreatedAt time.Time `json:"created_at"`
	DeviceID  string    `json:"device_id"`
	Group     string    `json:"group"`
	Format    int       `json:"format"`
}

// Snapshot is a serialized image of every synchronized table.
type Snapshot struct {
	Tables map[string][]record.Record `json:"tables"`
	Meta   Meta                       `json:"meta"`
}

// NewSnapshot copies tables, keeping only the named ones when names is
// non-empty, and orders each table's rows by id.
func NewSnapshot(tables map[string][]record.Record, names []string, meta Meta) *Snapshot {
	out := make(map[string][]record.Record)
	include := func(name string) bool { return true }
	if len(names) > 0 {
		set := make(map[string]bool, len(names))
		for _, n := range names {
			set[n] = true
			out[n] = []record.Record{}
		}
		include = func(name string) bool { return set[name] }
	}
	for name, rows := range tables {
		if !include(name) {
			continue
		}
		cp := make([]record.Record, 0, len(rows))
		for _, r := range rows {
			cp = append(cp, r.Clone())
		}
		sort.Slice(cp, func(i, j int) bool { return cp[i].ID() < cp[j].ID() })
		out[name] = cp
	}
	if meta.Format == 0 {
		meta.Format = FormatVersion
	}
	return &Snapshot{Tables: out, Meta: meta}
}

// Hash fingerprints the snapshot content. Creation time and device are left
// out so an unchanged state hashes the same on every run.
func (s *Snapshot) Hash() (string, error) {
	content := struct {
		Group  string                     `json:"group"`
		Tables map[string][]record.Record `json:"tables"`
	}{Group: s.Meta.Group, Tables: s.Tables}
	raw, err := json.Marshal(content)
	if err != nil {
		return "", fmt.Errorf("failed to hash snapshot: %w", err)
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:]), nil
}

// Rows returns the number of records across all tables.
func (s *Snapshot) Rows() int {
	n := 0
	for _, rows := range s.Tables {
		n += len(rows)
	}
	return n
}
