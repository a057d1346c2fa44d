// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package transporttest provides an in-memory Transport with failure
// injection for tests and offline demos.
package transporttest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/pouriaabedi0073-sys/volleyball-club-sub000/record"
	"github.com/pouriaabedi0073-sys/volleyball-club-sub000/transport"
)

// ErrOffline is the transient error returned while the fake is offline.
var ErrOffline = &transport.Error{Kind: transport.KindTransient, Op: "dial", Err: errors.New("network unreachable")}

// Call is one recorded invocation.
type Call struct {
	Op    string
	Table string
	ID    string
	Args  map[string]any
}

// RPCHandler serves a remote procedure.
type RPCHandler func(args map[string]any) (json.RawMessage, error)

// Fake is safe for concurrent use.
type Fake struct {
	mu       sync.Mutex
	tables   map[string][]record.Record
	calls    []Call
	failures []error
	offline  bool
	session  *transport.Session
	rpc      map[string]RPCHandler

	// Hook, when set, runs before every operation; a non-nil error is
	// returned in place of the operation result.
	Hook func(ctx context.Context, op, table string) error
}

// New returns an online fake with a signed-in test session.
func New() *Fake {
	return &Fake{
		tables: make(map[string][]record.Record),
		rpc:    make(map[string]RPCHandler),
		session: &transport.Session{
			AccessToken: "test-token",
			User:        transport.User{ID: "user-1"},
		},
	}
}

// SetOnline toggles simulated connectivity.
func (f *Fake) SetOnline(online bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.offline = !online
}

// FailNext makes the next n operations fail with err.
func (f *Fake) FailNext(n int, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := 0; i < n; i++ {
		f.failures = append(f.failures, err)
	}
}

// SetSession replaces the session; nil simulates a signed-out client.
func (f *Fake) SetSession(s *transport.Session) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.session = s
}

// HandleRPC registers a remote procedure.
func (f *Fake) HandleRPC(fn string, h RPCHandler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rpc[fn] = h
}

// Seed stores rows directly, bypassing failure injection.
func (f *Fake) Seed(table string, rows ...record.Record) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range rows {
		f.putLocked(table, r.Clone())
	}
}

// Rows returns a copy of the table.
func (f *Fake) Rows(table string) []record.Record {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]record.Record, 0, len(f.tables[table]))
	for _, r := range f.tables[table] {
		out = append(out, r.Clone())
	}
	return out
}

// Calls returns the recorded invocations.
func (f *Fake) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Call(nil), f.calls...)
}

// CallCount returns how many invocations of op were recorded.
func (f *Fake) CallCount(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c.Op == op {
			n++
		}
	}
	return n
}

func (f *Fake) begin(ctx context.Context, c Call) error {
	if f.Hook != nil {
		if err := f.Hook(ctx, c.Op, c.Table); err != nil {
			f.mu.Lock()
			f.calls = append(f.calls, c)
			f.mu.Unlock()
			return err
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, c)
	if err := ctx.Err(); err != nil {
		return err
	}
	if f.offline {
		return ErrOffline
	}
	if len(f.failures) > 0 {
		err := f.failures[0]
		f.failures = f.failures[1:]
		return err
	}
	return nil
}

func (f *Fake) indexLocked(table, id string) int {
	for i, r := range f.tables[table] {
		if r.ID() == id {
			return i
		}
	}
	return -1
}

func (f *Fake) putLocked(table string, rec record.Record) {
	if i := f.indexLocked(table, rec.ID()); i >= 0 {
		f.tables[table][i] = rec
		return
	}
	f.tables[table] = append(f.tables[table], rec)
}

func (f *Fake) Insert(ctx context.Context, table string, rec record.Record) (record.Record, error) {
	if err := f.begin(ctx, Call{Op: "insert", Table: table, ID: rec.ID()}); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.indexLocked(table, rec.ID()) >= 0 {
		return nil, &transport.Error{Kind: transport.KindClientShape, Status: 409, Op: "insert", Table: table,
			Err: fmt.Errorf("duplicate key %s", rec.ID())}
	}
	stored := rec.Clone()
	f.putLocked(table, stored)
	return stored.Clone(), nil
}

func (f *Fake) Upsert(ctx context.Context, table string, rec record.Record, _ []string) (record.Record, error) {
	if err := f.begin(ctx, Call{Op: "upsert", Table: table, ID: rec.ID()}); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	stored := rec.Clone()
	if i := f.indexLocked(table, rec.ID()); i >= 0 {
		stored = f.tables[table][i].Overlay(rec)
	}
	f.putLocked(table, stored)
	return stored.Clone(), nil
}

func (f *Fake) DeleteByID(ctx context.Context, table, id string) error {
	if err := f.begin(ctx, Call{Op: "delete", Table: table, ID: id}); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if i := f.indexLocked(table, id); i >= 0 {
		rows := f.tables[table]
		f.tables[table] = append(rows[:i:i], rows[i+1:]...)
	}
	return nil
}

func (f *Fake) Select(ctx context.Context, table string, filter transport.Filter) ([]record.Record, error) {
	if err := f.begin(ctx, Call{Op: "select", Table: table}); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []record.Record
	for _, r := range f.tables[table] {
		if matches(r, filter) {
			out = append(out, r.Clone())
		}
	}
	return out, nil
}

func matches(r record.Record, filter transport.Filter) bool {
	for k, v := range filter {
		if r.String(k) != (record.Record{k: v}).String(k) {
			return false
		}
	}
	return true
}

func (f *Fake) CurrentUser(ctx context.Context) (*transport.User, error) {
	s, err := f.Session(ctx)
	if err != nil {
		return nil, err
	}
	u := s.User
	return &u, nil
}

func (f *Fake) Session(ctx context.Context) (*transport.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.session == nil {
		return nil, &transport.Error{Kind: transport.KindFatal, Op: "session", Err: transport.ErrNoSession}
	}
	s := *f.session
	return &s, nil
}

func (f *Fake) Call(ctx context.Context, fn string, args map[string]any) (json.RawMessage, error) {
	if err := f.begin(ctx, Call{Op: "call", Table: fn, Args: args}); err != nil {
		return nil, err
	}
	f.mu.Lock()
	h, ok := f.rpc[fn]
	f.mu.Unlock()
	if !ok {
		return nil, &transport.Error{Kind: transport.KindClientShape, Status: 404, Op: "call", Table: fn,
			Err: fmt.Errorf("unknown function %s", fn)}
	}
	return h(args)
}

var _ transport.Transport = (*Fake)(nil)
