// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package pgtransport

import (
	"errors"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/pouriaabedi0073-sys/volleyball-club-sub000/transport"
)

// classify maps a pgx error onto the transport error taxonomy. Client-shape
// errors carry status 400 so they qualify for quick retries.
func classify(err error, op, table string) error {
	if err == nil {
		return nil
	}
	kind, status := kindForError(err)
	return &transport.Error{Kind: kind, Status: status, Op: op, Table: table, Err: err}
}

func kindForError(err error) (transport.Kind, int) {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		// dial failures, timeouts and broken connections
		return transport.KindTransient, 0
	}
	code := pgErr.SQLState()
	switch {
	case code == "40001", // serialization_failure
		code == "40P01", // deadlock_detected
		code == "55P03", // lock_not_available
		strings.HasPrefix(code, "08"), // connection exception
		strings.HasPrefix(code, "53"), // insufficient resources
		strings.HasPrefix(code, "57P"): // operator intervention (shutdown)
		return transport.KindTransient, 503
	case code == "42501", // insufficient_privilege
		strings.HasPrefix(code, "28"): // invalid authorization
		return transport.KindFatal, 403
	case strings.HasPrefix(code, "22"), // data exception
		strings.HasPrefix(code, "23"), // integrity constraint violation
		code == "42703", // undefined_column
		code == "42P01", // undefined_table
		code == "42883": // undefined_function
		return transport.KindClientShape, 400
	default:
		return transport.KindTransient, 0
	}
}
