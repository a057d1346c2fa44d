// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package backup

import (
	"context"
	"fmt"
	"time"

	"github.com/pouriaabedi0073-sys/volleyball-club-sub000/localstore"
	"github.com/pouriaabedi0073-sys/volleyball-club-sub000/observe"
	"github.com/pouriaabedi0073-sys/volleyball-club-sub000/record"
)

// PendingBackup is an encoded snapshot waiting for upload. Its attempt count
// is independent of the operation queue's.
type PendingBackup struct {
	ID              string        `json:"id"`
	Path            string        `json:"path"`
	Hash            string        `json:"hash"`
	CreatedAt       time.Time     `json:"created_at"`
	Attempts        int           `json:"attempts"`
	QuickRetryCount int           `json:"quickRetryCount"`
	LastError       string        `json:"last_error,omitempty"`
	Row             record.Record `json:"row"`
}

// DeadBackup is a pending backup that exhausted its attempts.
type DeadBackup struct {
	PendingBackup
	DeadAt time.Time `json:"dead_at"`
	Error  string    `json:"error"`
}

// DrainResult summarizes one FlushPending call.
type DrainResult struct {
	Uploaded     int
	DeadLettered int
	Retries      int
	LockHeld     bool
}

func (m *Manager) park(ctx context.Context, pb PendingBackup, cause error) error {
	err := localstore.UpdateJSON(ctx, m.cfg.Store, m.cfg.Keys.PendingBackups, func(list *[]PendingBackup) error {
		*list = append(*list, pb)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to store pending backup: %w", err)
	}
	m.noteFailure(ctx, cause)
	return nil
}

// Pending lists snapshots waiting for upload, oldest first.
func (m *Manager) Pending(ctx context.Context) ([]PendingBackup, error) {
	var list []PendingBackup
	if _, err := localstore.GetJSON(ctx, m.cfg.Store, m.cfg.Keys.PendingBackups, &list); err != nil {
		return nil, fmt.Errorf("failed to read pending backups: %w", err)
	}
	return list, nil
}

// DeadLetters lists pending backups that exhausted their attempts.
func (m *Manager) DeadLetters(ctx context.Context) ([]DeadBackup, error) {
	var list []DeadBackup
	if _, err := localstore.GetJSON(ctx, m.cfg.Store, m.cfg.Keys.DeadLetterBackups, &list); err != nil {
		return nil, fmt.Errorf("failed to read dead-lettered backups: %w", err)
	}
	return list, nil
}

// Requeue moves a dead-lettered backup back to the pending store with a
// fresh attempt budget.
func (m *Manager) Requeue(ctx context.Context, id string) (PendingBackup, error) {
	var found *DeadBackup
	err := localstore.UpdateJSON(ctx, m.cfg.Store, m.cfg.Keys.DeadLetterBackups, func(list *[]DeadBackup) error {
		for i, d := range *list {
			if d.ID == id {
				found = &d
				*list = append((*list)[:i], (*list)[i+1:]...)
				return nil
			}
		}
		return ErrNotFound
	})
	if err != nil {
		return PendingBackup{}, fmt.Errorf("failed to requeue backup %s: %w", id, err)
	}
	pb := found.PendingBackup
	pb.Attempts = 0
	pb.QuickRetryCount = 0
	pb.LastError = ""
	err = localstore.UpdateJSON(ctx, m.cfg.Store, m.cfg.Keys.PendingBackups, func(list *[]PendingBackup) error {
		*list = append(*list, pb)
		return nil
	})
	if err != nil {
		return PendingBackup{}, fmt.Errorf("failed to requeue backup %s: %w", id, err)
	}
	return pb, nil
}

// PurgeDeadLetter discards a dead-lettered backup.
func (m *Manager) PurgeDeadLetter(ctx context.Context, id string) error {
	err := localstore.UpdateJSON(ctx, m.cfg.Store, m.cfg.Keys.DeadLetterBackups, func(list *[]DeadBackup) error {
		for i, d := range *list {
			if d.ID == id {
				*list = append((*list)[:i], (*list)[i+1:]...)
				return nil
			}
		}
		return ErrNotFound
	})
	if err != nil {
		return fmt.Errorf("failed to purge backup %s: %w", id, err)
	}
	return nil
}

// FlushPending uploads parked snapshots oldest first, retrying each with the
// same backoff and attempt ceiling as queued operations.
func (m *Manager) FlushPending(ctx context.Context) (DrainResult, error) {
	var res DrainResult

	lease, ok, err := m.lock.TryAcquire(ctx)
	if err != nil {
		return res, err
	}
	if !ok {
		res.LockHeld = true
		return res, nil
	}
	defer func() {
		if err := lease.Release(context.WithoutCancel(ctx)); err != nil {
			m.logger.Warn("failed to release backup lock", "error", err)
		}
	}()

	for {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		pending, err := m.Pending(ctx)
		if err != nil {
			return res, err
		}
		if len(pending) == 0 {
			return res, nil
		}
		if _, err := lease.Refresh(ctx); err != nil {
			return res, err
		}
		pb := pending[0]

		upErr := m.upload(ctx, pb.Row)
		if upErr == nil {
			if err := m.removePending(ctx, pb.ID); err != nil {
				return res, err
			}
			res.Uploaded++
			m.succeeded(ctx, pb.ID, pb.Path, pb.Hash, pb.CreatedAt)
			continue
		}
		if ctx.Err() != nil {
			return res, ctx.Err()
		}

		pb.Attempts++
		pb.LastError = upErr.Error()
		decision := m.policy.Decide(pb.Attempts, pb.QuickRetryCount, upErr)
		if decision.DeadLetter {
			if err := m.deadLetter(ctx, pb, upErr); err != nil {
				return res, err
			}
			res.DeadLettered++
			m.logger.Error("backup dead-lettered", "id", pb.ID, "path", pb.Path, "attempts", pb.Attempts, "error", upErr)
			m.cfg.Bus.Emit(ctx, observe.Event{Kind: observe.KindBackupDeadLetter, ID: pb.ID, Attempts: pb.Attempts, Err: upErr, Detail: pb.Path})
			continue
		}
		if decision.Quick {
			pb.QuickRetryCount++
		}
		if err := m.savePending(ctx, pb); err != nil {
			return res, err
		}
		m.noteFailure(ctx, upErr)
		res.Retries++
		m.logger.Warn("pending backup upload failed, retrying", "id", pb.ID, "attempts", pb.Attempts, "delay", decision.Delay, "error", upErr)
		if err := m.sleep(ctx, decision.Delay); err != nil {
			return res, err
		}
	}
}

func (m *Manager) removePending(ctx context.Context, id string) error {
	err := localstore.UpdateJSON(ctx, m.cfg.Store, m.cfg.Keys.PendingBackups, func(list *[]PendingBackup) error {
		for i, p := range *list {
			if p.ID == id {
				*list = append((*list)[:i], (*list)[i+1:]...)
				return nil
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to remove pending backup %s: %w", id, err)
	}
	return nil
}

func (m *Manager) savePending(ctx context.Context, pb PendingBackup) error {
	err := localstore.UpdateJSON(ctx, m.cfg.Store, m.cfg.Keys.PendingBackups, func(list *[]PendingBackup) error {
		for i, p := range *list {
			if p.ID == pb.ID {
				(*list)[i] = pb
				return nil
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to update pending backup %s: %w", pb.ID, err)
	}
	return nil
}

func (m *Manager) deadLetter(ctx context.Context, pb PendingBackup, cause error) error {
	dead := DeadBackup{PendingBackup: pb, DeadAt: m.now().UTC(), Error: cause.Error()}
	err := localstore.UpdateJSON(ctx, m.cfg.Store, m.cfg.Keys.DeadLetterBackups, func(list *[]DeadBackup) error {
		*list = append(*list, dead)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to dead-letter backup %s: %w", pb.ID, err)
	}
	return m.removePending(ctx, pb.ID)
}
