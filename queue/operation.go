// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package queue

import (
	"errors"
	"fmt"
	"time"

	"github.com/pouriaabedi0073-sys/volleyball-club-sub000/record"
)

// Type is the kind of change an operation replays against the remote store.
type Type string

const (
	TypeCreate Type = "create"
	TypeUpdate Type = "update"
	TypeDelete Type = "delete"
)

func (t Type) valid() bool {
	return t == TypeCreate || t == TypeUpdate || t == TypeDelete
}

// ErrInvalidOperation is returned by Enqueue for malformed operations.
var ErrInvalidOperation = errors.New("invalid operation")

// Operation is a durable, replayable mutation.
type Operation struct {
	ID              string        `json:"id"`
	Type            Type          `json:"type"`
	Table           string        `json:"table"`
	Payload         record.Record `json:"payload"`
	Attempts        int           `json:"attempts"`
	Timestamp       time.Time     `json:"timestamp"`
	QuickRetryCount int           `json:"quickRetryCount"`
	State           State         `json:"state,omitempty"`
	LastError       string        `json:"last_error,omitempty"`
}

// RecordID returns the id of the record the operation targets.
func (op Operation) RecordID() string {
	return op.Payload.ID()
}

func (op Operation) validate() error {
	if op.Table == "" {
		return fmt.Errorf("%w: missing table", ErrInvalidOperation)
	}
	if !op.Type.valid() {
		return fmt.Errorf("%w: unknown type %q", ErrInvalidOperation, op.Type)
	}
	if op.Payload.ID() == "" {
		return fmt.Errorf("%w: %w", ErrInvalidOperation, record.ErrMissingID)
	}
	return nil
}

// DeadLetter is an operation that exhausted its retry budget.
type DeadLetter struct {
	Operation
	DeadAt time.Time `json:"dead_at"`
	Error  string    `json:"error"`
}
