// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package queue

import (
	"context"
	"errors"
	"fmt"

	"github.com/pouriaabedi0073-sys/volleyball-club-sub000/observe"
	"github.com/pouriaabedi0073-sys/volleyball-club-sub000/record"
	"github.com/pouriaabedi0073-sys/volleyball-club-sub000/transport"
)

// ErrLockLost is returned when another process took the flush lock over
// during a drain.
var ErrLockLost = errors.New("flush lock taken over")

// FlushResult summarizes one drain.
type FlushResult struct {
	Succeeded    int
	DeadLettered int
	Retries      int
	// LockHeld is set when another flush was already running and this one
	// did nothing.
	LockHeld bool
}

// Flush drains the queue head-first against t. Each operation is retried with
// backoff until it succeeds or reaches the attempt ceiling, so later
// operations never overtake earlier ones. Only one flush runs at a time
// across all processes sharing the store; a contended flush returns
// immediately with LockHeld set. An empty queue is a successful no-op.
func (q *Queue) Flush(ctx context.Context, t transport.Transport) (FlushResult, error) {
	var res FlushResult

	lease, ok, err := q.lock.TryAcquire(ctx)
	if err != nil {
		return res, err
	}
	if !ok {
		res.LockHeld = true
		return res, nil
	}
	defer func() {
		if err := lease.Release(context.WithoutCancel(ctx)); err != nil {
			q.logger.Warn("failed to release flush lock", "error", err)
		}
	}()

	for {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		op, err := q.head(ctx)
		if err != nil {
			return res, err
		}
		if op == nil {
			return res, nil
		}
		if owned, err := lease.Refresh(ctx); err != nil {
			return res, err
		} else if !owned {
			return res, ErrLockLost
		}

		if op.State == StateInFlight {
			// left behind by a flush that never finished
			op.State = StateRetrying
		}
		if err := op.TransitionTo(StateInFlight); err != nil {
			q.logger.Error("resetting operation state", "id", op.ID, "error", err)
			op.State = StateInFlight
		}

		rec, sendErr := q.replay(ctx, t, *op)
		if sendErr == nil {
			_ = op.TransitionTo(StateSucceeded)
			if err := q.remove(ctx, op.ID); err != nil {
				return res, fmt.Errorf("failed to remove operation %s: %w", op.ID, err)
			}
			if rec != nil && q.merger != nil && !rec.IsDeleted() {
				q.merger.Merge(op.Table, rec)
			}
			res.Succeeded++
			q.bus.Emit(ctx, observe.Event{Kind: observe.KindFlushSuccess, Table: op.Table, ID: op.RecordID(), Attempts: op.Attempts + 1})
			continue
		}

		if ctx.Err() != nil {
			// cancellation is not the operation's fault
			return res, ctx.Err()
		}

		op.Attempts++
		op.LastError = sendErr.Error()
		decision := q.policy.Decide(op.Attempts, op.QuickRetryCount, sendErr)
		if decision.DeadLetter {
			_ = op.TransitionTo(StateDeadLettered)
			if err := q.deadLetter(ctx, *op, sendErr); err != nil {
				return res, err
			}
			res.DeadLettered++
			q.logger.Error("operation dead-lettered", "id", op.ID, "table", op.Table, "type", op.Type,
				"attempts", op.Attempts, "error", sendErr)
			q.bus.Emit(ctx, observe.Event{Kind: observe.KindDeadLetter, Table: op.Table, ID: op.RecordID(), Attempts: op.Attempts, Err: sendErr})
			continue
		}

		if decision.Quick {
			op.QuickRetryCount++
		}
		_ = op.TransitionTo(StateRetrying)
		if err := q.save(ctx, *op); err != nil {
			return res, fmt.Errorf("failed to persist operation %s: %w", op.ID, err)
		}
		res.Retries++
		q.logger.Warn("operation failed, retrying", "id", op.ID, "table", op.Table, "type", op.Type,
			"attempts", op.Attempts, "kind", transport.Classify(sendErr), "delay", decision.Delay, "error", sendErr)
		q.bus.Emit(ctx, observe.Event{Kind: observe.KindFlushFailure, Table: op.Table, ID: op.RecordID(), Attempts: op.Attempts, Err: sendErr})

		if err := q.sleep(ctx, decision.Delay); err != nil {
			return res, err
		}
	}
}

// Send performs op against t once, outside the queue. Direct writes use it so
// that they hit the remote exactly the way a replay would.
func (q *Queue) Send(ctx context.Context, t transport.Transport, op Operation) (record.Record, error) {
	if err := op.validate(); err != nil {
		return nil, err
	}
	return q.replay(ctx, t, op)
}

func (q *Queue) replay(ctx context.Context, t transport.Transport, op Operation) (record.Record, error) {
	switch op.Type {
	case TypeCreate:
		if op.Attempts > 0 {
			// an earlier attempt may have landed without us seeing the response
			return t.Upsert(ctx, op.Table, op.Payload, q.conflictKey(op.Table))
		}
		return t.Insert(ctx, op.Table, op.Payload)
	case TypeUpdate:
		return t.Upsert(ctx, op.Table, op.Payload, q.conflictKey(op.Table))
	case TypeDelete:
		return nil, t.DeleteByID(ctx, op.Table, op.RecordID())
	default:
		return nil, fmt.Errorf("%w: unknown type %q", ErrInvalidOperation, op.Type)
	}
}
