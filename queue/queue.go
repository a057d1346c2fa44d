// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package queue is the durable FIFO of local mutations awaiting replay
// against the remote store, with retry, backoff and dead-lettering.
package queue

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
)

// ErrNotFound is returned by Requeue and PurgeDeadLetter for unknown ids.
var ErrNotFound = errors.New("operation not found")

// Merger receives rows the remote store returned for successful writes.
type Merger interface {
	Merge(table string, recs ...record.Record) replica.MergeResult
}

// Config configures a Queue.
type Config struct {
	Store  localstore.Store
	Keys   localstore.Keys
	Policy retry.Policy
	// Lock serializes flushes across every process sharing Store.
	Lock *coordinator.Coordinator
	// Merger, when set, receives flush-success rows.
	Merger Merger
	// ConflictKey returns the upsert conflict columns for a table.
	ConflictKey func(table string) []string
	Bus         *observe.Bus
	Logger      *slog.Logger
	Sleep       func(ctx context.Context, d time.Duration) error
	Now         func() time.Time
}

// Queue is safe for concurrent use; all state lives in the durable store.
type Queue struct {
	store       localstore.Store
	keys        localstore.Keys
	policy      retry.Policy
	lock        *coordinator.Coordinator
	merger      Merger
	conflictKey func(table string) []string
	bus         *observe.Bus
	logger      *slog.Logger
	sleep       func(ctx context.Context, d time.Duration) error
	now         func() time.Time
}

// New returns a queue over cfg.Store, filling defaults for missing fields.
func New(cfg Config) *Queue {
	q := &Queue{
		store:       cfg.Store,
		keys:        cfg.Keys,
		policy:      cfg.Policy.Normalize(),
		lock:        cfg.Lock,
		merger:      cfg.Merger,
		conflictKey: cfg.ConflictKey,
		bus:         cfg.Bus,
		logger:      cfg.Logger,
		sleep:       cfg.Sleep,
		now:         cfg.Now,
	}
	if q.keys.Queue == "" {
		q.keys = localstore.DefaultKeys("")
	}
	if q.logger == nil {
		q.logger = slog.Default()
	}
	if q.sleep == nil {
		q.sleep = retry.Sleep
	}
	if q.now == nil {
		q.now = time.Now
	}
	if q.conflictKey == nil {
		q.conflictKey = func(string) []string { return []string{record.FieldID} }
	}
	if q.lock == nil {
		q.lock = coordinator.New(coordinator.Config{Store: q.store, Key: q.keys.FlushLock, Bus: q.bus, Logger: q.logger})
	}
	return q
}

// Enqueue validates op, fills in id, timestamp and state, and appends it to
// the tail of the queue.
func (q *Queue) Enqueue(ctx context.Context, op Operation) (Operation, error) {
	if err := op.validate(); err != nil {
		return Operation{}, err
	}
	if op.ID == "" {
		op.ID = uuid.NewString()
	}
	if op.Timestamp.IsZero() {
		op.Timestamp = q.now().UTC()
	}
	op.Attempts = 0
	op.QuickRetryCount = 0
	op.State = StatePending
	op.Payload = op.Payload.Clone()

	err := localstore.UpdateJSON(ctx, q.store, q.keys.Queue, func(ops *[]Operation) error {
		*ops = append(*ops, op)
		return nil
	})
	if err != nil {
		return Operation{}, fmt.Errorf("failed to enqueue operation: %w", err)
	}
	q.bus.Emit(ctx, observe.Event{Kind: observe.KindEnqueue, Table: op.Table, ID: op.RecordID(), Detail: string(op.Type)})
	return op, nil
}

// List returns the queued operations in replay order.
func (q *Queue) List(ctx context.Context) ([]Operation, error) {
	var ops []Operation
	if _, err := localstore.GetJSON(ctx, q.store, q.keys.Queue, &ops); err != nil {
		return nil, fmt.Errorf("failed to read queue: %w", err)
	}
	return ops, nil
}

// Len returns the number of queued operations.
func (q *Queue) Len(ctx context.Context) (int, error) {
	ops, err := q.List(ctx)
	return len(ops), err
}

// PendingIDs returns the record ids with queued operations for table.
func (q *Queue) PendingIDs(ctx context.Context, table string) (map[string]bool, error) {
	ops, err := q.List(ctx)
	if err != nil {
		return nil, err
	}
	ids := make(map[string]bool)
	for _, op := range ops {
		if op.Table == table {
			ids[op.RecordID()] = true
		}
	}
	return ids, nil
}

// DeadLetters returns operations that exhausted their attempts.
func (q *Queue) DeadLetters(ctx context.Context) ([]DeadLetter, error) {
	var dead []DeadLetter
	if _, err := localstore.GetJSON(ctx, q.store, q.keys.DeadLetterOps, &dead); err != nil {
		return nil, fmt.Errorf("failed to read dead letters: %w", err)
	}
	return dead, nil
}

// Requeue moves a dead-lettered operation back to the tail of the live queue
// with a fresh retry budget.
func (q *Queue) Requeue(ctx context.Context, id string) (Operation, error) {
	var found *DeadLetter
	err := localstore.UpdateJSON(ctx, q.store, q.keys.DeadLetterOps, func(dead *[]DeadLetter) error {
		for i, d := range *dead {
			if d.ID == id {
				found = &d
				*dead = append((*dead)[:i], (*dead)[i+1:]...)
				return nil
			}
		}
		return ErrNotFound
	})
	if err != nil {
		return Operation{}, fmt.Errorf("failed to requeue %s: %w", id, err)
	}

	op := found.Operation
	if err := op.TransitionTo(StatePending); err != nil {
		op.State = StatePending
	}
	op.Attempts = 0
	op.QuickRetryCount = 0
	op.LastError = ""
	err = localstore.UpdateJSON(ctx, q.store, q.keys.Queue, func(ops *[]Operation) error {
		*ops = append(*ops, op)
		return nil
	})
	if err != nil {
		return Operation{}, fmt.Errorf("failed to requeue %s: %w", id, err)
	}
	q.bus.Emit(ctx, observe.Event{Kind: observe.KindEnqueue, Table: op.Table, ID: op.RecordID(), Detail: "requeue"})
	return op, nil
}

// PurgeDeadLetter permanently discards a dead-lettered operation.
func (q *Queue) PurgeDeadLetter(ctx context.Context, id string) error {
	err := localstore.UpdateJSON(ctx, q.store, q.keys.DeadLetterOps, func(dead *[]DeadLetter) error {
		for i, d := range *dead {
			if d.ID == id {
				*dead = append((*dead)[:i], (*dead)[i+1:]...)
				return nil
			}
		}
		return ErrNotFound
	})
	if err != nil {
		return fmt.Errorf("failed to purge %s: %w", id, err)
	}
	return nil
}

func (q *Queue) head(ctx context.Context) (*Operation, error) {
	ops, err := q.List(ctx)
	if err != nil || len(ops) == 0 {
		return nil, err
	}
	return &ops[0], nil
}

func (q *Queue) remove(ctx context.Context, id string) error {
	return localstore.UpdateJSON(ctx, q.store, q.keys.Queue, func(ops *[]Operation) error {
		for i, op := range *ops {
			if op.ID == id {
				*ops = append((*ops)[:i], (*ops)[i+1:]...)
				return nil
			}
		}
		return nil
	})
}

func (q *Queue) save(ctx context.Context, updated Operation) error {
	return localstore.UpdateJSON(ctx, q.store, q.keys.Queue, func(ops *[]Operation) error {
		for i, op := range *ops {
			if op.ID == updated.ID {
				(*ops)[i] = updated
				return nil
			}
		}
		return nil
	})
}

func (q *Queue) deadLetter(ctx context.Context, op Operation, cause error) error {
	dl := DeadLetter{Operation: op, DeadAt: q.now().UTC(), Error: cause.Error()}
	// append before removing so a crash in between duplicates rather than loses
	err := localstore.UpdateJSON(ctx, q.store, q.keys.DeadLetterOps, func(dead *[]DeadLetter) error {
		*dead = append(*dead, dl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to dead-letter %s: %w", op.ID, err)
	}
	return q.remove(ctx, op.ID)
}
