// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package localstore is the durable key/value boundary used for the operation
// queue, dead-letter lists, pending backups, the flush lock and the replica
// copy. Values are opaque bytes; callers store JSON documents.
package localstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrNotFound is returned by Get when the key has no value.
var ErrNotFound = errors.New("localstore: key not found")

// UpdateFunc receives the current value (nil when absent) and returns the
// next one. Returning nil deletes the key.
type UpdateFunc func(current []byte) ([]byte, error)

// Store is a small durable key/value store.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	// Update performs an atomic read-modify-write of one key. Concurrent
	// Update calls on the same store never interleave.
	Update(ctx context.Context, key string, fn UpdateFunc) error
	Close() error
}

// Keys names every durable slot the engine uses.
type Keys struct {
	Queue             string
	DeadLetterOps     string
	DeadLetterBackups string
	PendingBackups    string
	LastBackup        string
	FlushLock         string
	BackupLock        string
	Replica           string
	Device            string
}

// DefaultKeys returns the key set, optionally prefixed with a namespace so
// several accounts can share one store.
func DefaultKeys(namespace string) Keys {
	p := "sync."
	if namespace != "" {
		p = namespace + ".sync."
	}
	return Keys{
		Queue:             p + "queue",
		DeadLetterOps:     p + "dead_letter.ops",
		DeadLetterBackups: p + "dead_letter.backups",
		PendingBackups:    p + "pending_backups",
		LastBackup:        p + "backup.last",
		FlushLock:         p + "flush_lock",
		BackupLock:        p + "backup_lock",
		Replica:           p + "replica",
		Device:            p + "device_id",
	}
}

// GetJSON decodes the value at key into v. It reports false when the key is
// absent.
func GetJSON(ctx context.Context, s Store, key string, v any) (bool, error) {
	raw, err := s.Get(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return false, fmt.Errorf("failed to decode %s: %w", key, err)
	}
	return true, nil
}

// PutJSON encodes v and stores it at key.
func PutJSON(ctx context.Context, s Store, key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", key, err)
	}
	return s.Put(ctx, key, raw)
}

// UpdateJSON atomically decodes the value at key into a T, lets fn mutate it
// and writes it back. A missing key starts from the zero T.
func UpdateJSON[T any](ctx context.Context, s Store, key string, fn func(v *T) error) error {
	return s.Update(ctx, key, func(current []byte) ([]byte, error) {
		var v T
		if len(current) > 0 {
			if err := json.Unmarshal(current, &v); err != nil {
				return nil, fmt.Errorf("failed to decode %s: %w", key, err)
			}
		}
		if err := fn(&v); err != nil {
			return nil, err
		}
		out, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("failed to encode %s: %w", key, err)
		}
		return out, nil
	})
}
