// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package coordinator provides a lease-style mutual-exclusion lock stored in
// shared durable storage, so independent processes using the same store never
// drain a queue concurrently.
package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/pouriaabedi0073-sys/volleyball-club-sub000/localstore"
	"github.com/pouriaabedi0073-sys/volleyball-club-sub000/observe"
)

// DefaultTimeout is the age after which a held lock is considered stale.
const DefaultTimeout = 30 * time.Second

// Lock is the persisted lock record.
type Lock struct {
	Owner      string    `json:"owner"`
	AcquiredAt time.Time `json:"acquired_at"`
}

// Coordinator guards one named lock.
type Coordinator struct {
	store   localstore.Store
	key     string
	timeout time.Duration
	bus     *observe.Bus
	logger  *slog.Logger
	now     func() time.Time
}

// Config configures a Coordinator.
type Config struct {
	Store   localstore.Store
	Key     string
	Timeout time.Duration // DefaultTimeout when zero
	Bus     *observe.Bus
	Logger  *slog.Logger
	Now     func() time.Time
}

// New returns a coordinator for cfg.Key.
func New(cfg Config) *Coordinator {
	c := &Coordinator{
		store:   cfg.Store,
		key:     cfg.Key,
		timeout: cfg.Timeout,
		bus:     cfg.Bus,
		logger:  cfg.Logger,
		now:     cfg.Now,
	}
	if c.timeout <= 0 {
		c.timeout = DefaultTimeout
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	if c.now == nil {
		c.now = time.Now
	}
	return c
}

// Lease is a held lock.
type Lease struct {
	c    *Coordinator
	lock Lock
}

// Owner returns the token written into the lock record.
func (l *Lease) Owner() string { return l.lock.Owner }

// Release clears the lock if this lease still owns it. A lease that was
// taken over leaves the new owner's lock alone. Safe to call on a nil lease.
func (l *Lease) Release(ctx context.Context) error {
	if l == nil {
		return nil
	}
	c := l.c
	err := c.store.Update(ctx, c.key, func(current []byte) ([]byte, error) {
		var existing Lock
		if len(current) == 0 || json.Unmarshal(current, &existing) != nil || existing.Owner != l.lock.Owner {
			return current, nil
		}
		return nil, nil
	})
	if err != nil {
		c.logger.Warn("failed to release lock", "key", c.key, "error", err)
		return fmt.Errorf("failed to release lock %s: %w", c.key, err)
	}
	return nil
}

// Refresh extends a held lease so long drains are not mistaken for stale
// locks. It reports false when another owner has taken the lock over.
func (l *Lease) Refresh(ctx context.Context) (bool, error) {
	c := l.c
	now := c.now().UTC()
	owned := false
	err := c.store.Update(ctx, c.key, func(current []byte) ([]byte, error) {
		var existing Lock
		if len(current) == 0 || json.Unmarshal(current, &existing) != nil || existing.Owner != l.lock.Owner {
			return current, nil
		}
		owned = true
		existing.AcquiredAt = now
		return json.Marshal(existing)
	})
	if err != nil {
		return false, fmt.Errorf("failed to refresh lock %s: %w", c.key, err)
	}
	if owned {
		l.lock.AcquiredAt = now
	}
	return owned, nil
}

// TryAcquire takes the lock when it is free or older than the timeout. It
// reports false without error when another owner holds a fresh lock.
func (c *Coordinator) TryAcquire(ctx context.Context) (*Lease, bool, error) {
	now := c.now().UTC()
	lock := Lock{Owner: uuid.NewString(), AcquiredAt: now}

	var held *Lock
	err := c.store.Update(ctx, c.key, func(current []byte) ([]byte, error) {
		if len(current) > 0 {
			var existing Lock
			if err := json.Unmarshal(current, &existing); err == nil && now.Sub(existing.AcquiredAt) <= c.timeout {
				held = &existing
				return current, nil
			}
		}
		return json.Marshal(lock)
	})
	if err != nil {
		return nil, false, fmt.Errorf("failed to acquire lock %s: %w", c.key, err)
	}
	if held != nil {
		c.bus.Emit(ctx, observe.Event{Kind: observe.KindLockContention, ID: held.Owner, Detail: c.key})
		return nil, false, nil
	}
	return &Lease{c: c, lock: lock}, true, nil
}

// Release clears the lock unconditionally.
func (c *Coordinator) Release(ctx context.Context) error {
	if err := c.store.Delete(ctx, c.key); err != nil {
		c.logger.Warn("failed to release lock", "key", c.key, "error", err)
		return fmt.Errorf("failed to release lock %s: %w", c.key, err)
	}
	return nil
}

// Current returns the persisted lock, if any.
func (c *Coordinator) Current(ctx context.Context) (*Lock, error) {
	var lock Lock
	ok, err := localstore.GetJSON(ctx, c.store, c.key, &lock)
	if err != nil || !ok {
		return nil, err
	}
	return &lock, nil
}
