// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"errors"
	"fmt"
)

// Kind classifies a remote failure for retry purposes.
type Kind string

const (
	// KindTransient covers network failures and server-side 5xx; retried with backoff.
	KindTransient Kind = "transient"
	// KindClientShape covers rejected requests (bad request, unknown column);
	// eligible for quick retries.
	KindClientShape Kind = "client_shape"
	// KindFatal covers authentication and permission failures. Still bounded
	// by the attempt ceiling.
	KindFatal Kind = "fatal"
)

var (
	// ErrNoSession is returned when no authenticated session is available.
	ErrNoSession = errors.New("no authenticated session")
	// ErrNotFound is returned when a selected row does not exist.
	ErrNotFound = errors.New("row not found")
)

// Error is a classified transport failure.
type Error struct {
	Kind   Kind
	Status int    // remote status code, 0 when none
	Op     string // insert, upsert, delete, select, call, session
	Table  string
	Err    error
}

func (e *Error) Error() string {
	msg := e.Op
	if e.Table != "" {
		msg += " " + e.Table
	}
	if e.Status != 0 {
		msg = fmt.Sprintf("%s: status %d", msg, e.Status)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// StatusCode exposes the remote status for retry decisions.
func (e *Error) StatusCode() int { return e.Status }

// Classify returns the Kind of err. Unknown errors are treated as transient.
func Classify(err error) Kind {
	if err == nil {
		return ""
	}
	var te *Error
	if errors.As(err, &te) {
		return te.Kind
	}
	if errors.Is(err, ErrNoSession) {
		return KindFatal
	}
	// network errors, timeouts and anything unrecognized
	return KindTransient
}

// KindForStatus maps an HTTP-like status code to a Kind.
func KindForStatus(status int) Kind {
	switch {
	case status == 401 || status == 403:
		return KindFatal
	case status == 408 || status == 425 || status == 429:
		return KindTransient
	case status >= 500:
		return KindTransient
	case status >= 400:
		return KindClientShape
	default:
		return KindTransient
	}
}
