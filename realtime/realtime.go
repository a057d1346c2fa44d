// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package realtime applies server-pushed row changes to the local replica.
package realtime

import (
	"context"
	"time"

	"github.com/pouriaabedi0073-sys/volleyball-club-sub000/record"
)

// EventType is the kind of remote change.
type EventType string

const (
	EventInsert EventType = "INSERT"
	EventUpdate EventType = "UPDATE"
	EventDelete EventType = "DELETE"
)

// ChangeEvent is one pushed change. New carries the post-change row, Old the
// pre-change row (the only one available for deletes).
type ChangeEvent struct {
	Table      string        `json:"table"`
	Type       EventType     `json:"eventType"`
	New        record.Record `json:"new,omitempty"`
	Old        record.Record `json:"old,omitempty"`
	ReceivedAt time.Time     `json:"-"`
}

// Handler receives change events. Handlers run on the channel's delivery
// goroutine and must not block for long.
type Handler func(ev ChangeEvent)

// Subscription describes what a channel listens to.
type Subscription struct {
	Table string
	// Filter restricts events to rows where Column equals Value. Empty Column
	// means every row.
	Column string
	Value  string
}

// Channel is one open change feed.
type Channel interface {
	OnChange(h Handler)
	Close(ctx context.Context) error
}

// Connector opens channels.
type Connector interface {
	Subscribe(ctx context.Context, sub Subscription) (Channel, error)
}
