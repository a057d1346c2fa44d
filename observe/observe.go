// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package observe carries the engine's lifecycle events to pluggable sinks.
package observe

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Kind names an event type.
type Kind string

const (
	KindEnqueue          Kind = "queue.enqueue"
	KindFlushSuccess     Kind = "queue.flush_success"
	KindFlushFailure     Kind = "queue.flush_failure"
	KindDeadLetter       Kind = "queue.dead_letter"
	KindRealtimeMerge    Kind = "realtime.merge"
	KindRealtimeRejected Kind = "realtime.rejected"
	KindBackupSuccess    Kind = "backup.success"
	KindBackupPending    Kind = "backup.pending"
	KindBackupDeadLetter Kind = "backup.dead_letter"
	KindLockContention   Kind = "lock.contention"
)

// Event is one observable engine occurrence.
type Event struct {
	Kind     Kind
	Table    string
	ID       string
	Attempts int
	Err      error
	At       time.Time
	Detail   string
}

// Sink receives events from a Bus.
type Sink interface {
	Observe(ctx context.Context, ev Event)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, ev Event)

func (f SinkFunc) Observe(ctx context.Context, ev Event) {
	f(ctx, ev)
}

// Bus fans events out to every registered sink and logs them at debug level.
// A nil *Bus drops events.
type Bus struct {
	mu     sync.RWMutex
	sinks  []Sink
	logger *slog.Logger
	now    func() time.Time
}

// NewBus returns a bus that logs every event at debug level.
func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{logger: logger, now: time.Now}
}

// Subscribe registers a sink.
func (b *Bus) Subscribe(s Sink) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sinks = append(b.sinks, s)
}

// Emit stamps ev and delivers it to every sink. A nil bus drops events.
func (b *Bus) Emit(ctx context.Context, ev Event) {
	if b == nil {
		return
	}
	if ev.At.IsZero() {
		ev.At = b.now()
	}
	attrs := []any{"kind", string(ev.Kind)}
	if ev.Table != "" {
		attrs = append(attrs, "table", ev.Table)
	}
	if ev.ID != "" {
		attrs = append(attrs, "id", ev.ID)
	}
	if ev.Attempts > 0 {
		attrs = append(attrs, "attempts", ev.Attempts)
	}
	if ev.Detail != "" {
		attrs = append(attrs, "detail", ev.Detail)
	}
	if ev.Err != nil {
		attrs = append(attrs, "error", ev.Err)
	}
	b.logger.DebugContext(ctx, "sync event", attrs...)

	b.mu.RLock()
	sinks := append([]Sink(nil), b.sinks...)
	b.mu.RUnlock()
	for _, s := range sinks {
		s.Observe(ctx, ev)
	}
}

// Recorder is a Sink that keeps every event, for tests and diagnostics.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Observe(_ context.Context, ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Count returns how many events of kind were recorded.
func (r *Recorder) Count(kind Kind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if ev.Kind == kind {
			n++
		}
	}
	return n
}
