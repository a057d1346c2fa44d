// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package transport defines the boundary to the remote store. Adapters live in
// sub-packages; the engine only sees the Transport interface.
package transport

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pouriaabedi0073-sys/volleyball-club-sub000/record"
)

// Filter selects rows by column equality.
type Filter map[string]any

// User is the authenticated account behind the current session.
type User struct {
	ID       string `json:"id"`
	Email    string `json:"email,omitempty"`
	DeviceID string `json:"device_id,omitempty"`
}

// Session describes the credentials the transport is using.
type Session struct {
	AccessToken string    `json:"-"`
	User        User      `json:"user"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// Expired reports whether the session is past its expiry.
func (s *Session) Expired(now time.Time) bool {
	return s == nil || (!s.ExpiresAt.IsZero() && now.After(s.ExpiresAt))
}

// Transport is the remote store as seen by the engine. Implementations must
// return *Error (or errors Classify understands) so the queue can tell
// transient failures from client-shape and fatal ones.
type Transport interface {
	Insert(ctx context.Context, table string, rec record.Record) (record.Record, error)
	Upsert(ctx context.Context, table string, rec record.Record, conflictColumns []string) (record.Record, error)
	DeleteByID(ctx context.Context, table, id string) error
	Select(ctx context.Context, table string, filter Filter) ([]record.Record, error)
	CurrentUser(ctx context.Context) (*User, error)
	Session(ctx context.Context) (*Session, error)
	// Call invokes a named remote procedure with JSON arguments.
	Call(ctx context.Context, fn string, args map[string]any) (json.RawMessage, error)
}
