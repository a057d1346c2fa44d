// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package realtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pouriaabedi0073-sys/volleyball-club-sub000/observe"
	"github.com/pouriaabedi0073-sys/volleyball-club-sub000/record"
	"github.com/pouriaabedi0073-sys/volleyball-club-sub000/replica"
)

var (
	// ErrMissingID rejects events whose effective record has no id.
	ErrMissingID = errors.New("event record has no id")
	// ErrMissingPartition rejects events outside any partition.
	ErrMissingPartition = errors.New("event record has no partition key")
	// ErrUnknownTable rejects events for tables that are not synchronized.
	ErrUnknownTable = errors.New("event for unknown table")
)

// Merger is the replica side of event handling.
type Merger interface {
	Merge(table string, recs ...record.Record) replica.MergeResult
}

// Table is a synchronized table as seen by the subscriber.
type Table struct {
	Name string
	// PartitionKey, when set, must be present on every event record and
	// scopes the subscription to the configured partition value.
	PartitionKey string
}

// Config configures a Subscriber.
type Config struct {
	Connector Connector
	Merger    Merger
	Tables    []Table
	// Partition is the value partitioned tables are filtered on (the group).
	Partition string
	// OnResubscribe runs after channels are re-established; the engine uses it
	// to reload every table.
	OnResubscribe func(ctx context.Context) error
	// OnChange runs after an accepted event was merged.
	OnChange func(table string, res replica.MergeResult)
	Bus      *observe.Bus
	Logger   *slog.Logger
	Now      func() time.Time
}

// Subscriber owns one channel per table.
type Subscriber struct {
	cfg    Config
	tables map[string]Table
	logger *slog.Logger
	now    func() time.Time

	mu       sync.Mutex
	channels map[string]Channel
}

// NewSubscriber returns a subscriber; channels open on Start.
func NewSubscriber(cfg Config) *Subscriber {
	s := &Subscriber{
		cfg:      cfg,
		tables:   make(map[string]Table, len(cfg.Tables)),
		logger:   cfg.Logger,
		now:      cfg.Now,
		channels: make(map[string]Channel),
	}
	for _, t := range cfg.Tables {
		s.tables[t.Name] = t
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

// Start opens a channel for every table that does not have one yet.
func (s *Subscriber) Start(ctx context.Context) error {
	if s.cfg.Connector == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var errs []error
	for _, t := range s.cfg.Tables {
		if _, ok := s.channels[t.Name]; ok {
			continue
		}
		sub := Subscription{Table: t.Name}
		if t.PartitionKey != "" {
			sub.Column, sub.Value = t.PartitionKey, s.cfg.Partition
		}
		ch, err := s.cfg.Connector.Subscribe(ctx, sub)
		if err != nil {
			errs = append(errs, fmt.Errorf("subscribe %s: %w", t.Name, err))
			continue
		}
		table := t.Name
		ch.OnChange(func(ev ChangeEvent) {
			if ev.Table == "" {
				ev.Table = table
			}
			_ = s.Handle(context.Background(), ev)
		})
		s.channels[t.Name] = ch
	}
	return errors.Join(errs...)
}

// Close tears every channel down.
func (s *Subscriber) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []error
	for name, ch := range s.channels {
		if err := ch.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", name, err))
		}
		delete(s.channels, name)
	}
	return errors.Join(errs...)
}

// Resubscribe replaces every channel and then runs OnResubscribe so state
// missed while disconnected is reconciled by a full reload.
func (s *Subscriber) Resubscribe(ctx context.Context) error {
	if err := s.Close(ctx); err != nil {
		s.logger.Warn("failed to close realtime channels", "error", err)
	}
	if err := s.Start(ctx); err != nil {
		return err
	}
	if s.cfg.OnResubscribe != nil {
		return s.cfg.OnResubscribe(ctx)
	}
	return nil
}

// Subscribed returns the names of tables with an open channel.
func (s *Subscriber) Subscribed() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.channels))
	for _, t := range s.cfg.Tables {
		if _, ok := s.channels[t.Name]; ok {
			out = append(out, t.Name)
		}
	}
	return out
}

// Handle validates one event and merges it. Deletes use the pre-change
// record; records without last_modified are stamped with the receipt time.
// Rejected events are logged and reported, never merged.
func (s *Subscriber) Handle(ctx context.Context, ev ChangeEvent) error {
	if ev.ReceivedAt.IsZero() {
		ev.ReceivedAt = s.now()
	}
	t, ok := s.tables[ev.Table]
	if !ok {
		return s.reject(ctx, ev, "", ErrUnknownTable)
	}

	var rec record.Record
	if ev.Type == EventDelete {
		rec = ev.Old.Clone()
	} else {
		rec = ev.New.Clone()
	}
	if rec.ID() == "" {
		return s.reject(ctx, ev, "", ErrMissingID)
	}
	if t.PartitionKey != "" && !rec.Has(t.PartitionKey) {
		return s.reject(ctx, ev, rec.ID(), ErrMissingPartition)
	}

	if ev.Type == EventDelete {
		rec[record.FieldDeleted] = true
	} else if !rec.HasLastModified() {
		rec.Touch(ev.ReceivedAt)
	}

	res := s.cfg.Merger.Merge(ev.Table, rec)
	s.cfg.Bus.Emit(ctx, observe.Event{
		Kind:   observe.KindRealtimeMerge,
		Table:  ev.Table,
		ID:     rec.ID(),
		Detail: fmt.Sprintf("%s inserted=%d updated=%d deleted=%d stale=%d", ev.Type, res.Inserted, res.Updated, res.Deleted, res.Stale),
	})
	if s.cfg.OnChange != nil && res.Changed() {
		s.cfg.OnChange(ev.Table, res)
	}
	return nil
}

func (s *Subscriber) reject(ctx context.Context, ev ChangeEvent, id string, cause error) error {
	s.logger.Warn("rejected realtime event", "table", ev.Table, "type", ev.Type, "id", id, "error", cause)
	s.cfg.Bus.Emit(ctx, observe.Event{Kind: observe.KindRealtimeRejected, Table: ev.Table, ID: id, Err: cause})
	return cause
}
