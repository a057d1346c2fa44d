// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Start opens realtime channels and runs the flush and backup loops until
// ctx is cancelled or Close is called. Loop failures are logged, never
// returned.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.cancel != nil {
		e.mu.Unlock()
		return fmt.Errorf("engine already started")
	}
	ctx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.mu.Unlock()

	if e.online.Load() {
		if err := e.subscriber.Start(ctx); err != nil {
			e.logger.Warn("realtime subscribe failed", "error", err)
		}
	}

	e.wg.Add(2)
	go e.flushLoop(ctx)
	go e.backupLoop(ctx)

	e.requestFlush()
	e.logger.Info("sync loops started", "flush_interval", e.cfg.FlushInterval, "backup_interval", e.cfg.BackupInterval)
	return nil
}

// Close stops the loops, closes realtime channels and persists the replica.
// The store and transport stay open; they belong to the caller.
func (e *Engine) Close(ctx context.Context) error {
	e.mu.Lock()
	cancel := e.cancel
	e.cancel = nil
	e.mu.Unlock()
	if cancel != nil {
		cancel()
		e.wg.Wait()
	}
	err := e.subscriber.Close(ctx)
	if saveErr := e.replica.Save(ctx, e.store, e.keys.Replica); saveErr != nil {
		err = errors.Join(err, fmt.Errorf("failed to persist replica: %w", saveErr))
	}
	return err
}

// requestFlush wakes the flush loop without blocking.
func (e *Engine) requestFlush() {
	select {
	case e.kick <- struct{}{}:
	default:
	}
}

func (e *Engine) flushLoop(ctx context.Context) {
	defer e.wg.Done()

	var tick <-chan time.Time
	if e.cfg.FlushInterval > 0 {
		ticker := time.NewTicker(e.cfg.FlushInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-e.reconnect:
			e.handleReconnect(ctx)
			continue
		case <-e.kick:
		case <-tick:
		}
		if !e.online.Load() {
			continue
		}
		e.flushLogged(ctx)
	}
}

func (e *Engine) backupLoop(ctx context.Context) {
	defer e.wg.Done()
	if e.cfg.BackupInterval <= 0 {
		<-ctx.Done()
		return
	}

	ticker := time.NewTicker(e.cfg.BackupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		res, err := e.BackupNow(ctx, false)
		switch {
		case err != nil:
			e.logger.Error("scheduled backup failed", "error", err)
		case res.OK:
			e.logger.Info("scheduled backup uploaded", "id", res.ID, "path", res.Path)
		case res.StoredLocal:
			e.logger.Warn("scheduled backup stored locally", "id", res.ID, "reason", res.Reason, "error", res.Err)
		default:
			e.logger.Debug("scheduled backup skipped", "reason", res.Reason)
		}
		if e.online.Load() {
			e.drainBackupsLogged(ctx)
		}
	}
}

// handleReconnect flushes queued work first so that the reload that follows
// does not drop rows the remote has not seen yet.
func (e *Engine) handleReconnect(ctx context.Context) {
	e.flushLogged(ctx)
	if err := e.subscriber.Resubscribe(ctx); err != nil {
		e.logger.Warn("realtime resubscribe failed", "error", err)
	}
	e.reloadAll(ctx)
	e.drainBackupsLogged(ctx)
}

func (e *Engine) reloadAll(ctx context.Context) {
	for _, tc := range e.cfg.Tables {
		if ctx.Err() != nil {
			return
		}
		if _, err := e.tables[tc.Name].Reload(ctx); err != nil {
			e.logger.Warn("reload failed", "table", tc.Name, "error", err)
		}
	}
}

func (e *Engine) flushLogged(ctx context.Context) {
	res, err := e.Flush(ctx)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			e.logger.Error("flush failed", "error", err)
		}
		return
	}
	if res.Succeeded+res.DeadLettered > 0 {
		e.logger.Info("queue flushed", "succeeded", res.Succeeded, "dead_lettered", res.DeadLettered, "retries", res.Retries)
	}
}

func (e *Engine) drainBackupsLogged(ctx context.Context) {
	res, err := e.FlushBackups(ctx)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			e.logger.Error("pending backup drain failed", "error", err)
		}
		return
	}
	if res.Uploaded+res.DeadLettered > 0 {
		e.logger.Info("pending backups drained", "uploaded", res.Uploaded, "dead_lettered", res.DeadLettered)
	}
}
