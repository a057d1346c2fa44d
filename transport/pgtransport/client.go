// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package pgtransport replays operations directly against PostgreSQL. Rows are
// returned as JSON objects (to_jsonb) so tables need no Go-side schema.
package pgtransport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pouriaabedi0073-sys/volleyball-club-sub000/internal/auth"
	"github.com/pouriaabedi0073-sys/volleyball-club-sub000/record"
	"github.com/pouriaabedi0073-sys/volleyball-club-sub000/transport"
)

// Config configures a Client.
type Config struct {
	Schema string           // "public" when empty
	Token  auth.TokenSource // optional; identifies the session user
	Logger *slog.Logger
}

// Client implements transport.Transport on a pgx pool.
type Client struct {
	pool   *pgxpool.Pool
	schema string
	token  auth.TokenSource
	logger *slog.Logger
}

// New wraps an existing pool. The caller keeps ownership of pool.
func New(pool *pgxpool.Pool, cfg Config) *Client {
	c := &Client{pool: pool, schema: cfg.Schema, token: cfg.Token, logger: cfg.Logger}
	if c.schema == "" {
		c.schema = "public"
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	return c
}

// Connect opens a pool for dsn.
func Connect(ctx context.Context, dsn string, cfg Config) (*Client, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}
	return New(pool, cfg), nil
}

// Close releases the pool.
func (c *Client) Close() {
	c.pool.Close()
}

func (c *Client) ident(name string) string {
	return pgx.Identifier{c.schema, name}.Sanitize()
}

func sortedColumns(rec record.Record) []string {
	cols := make([]string, 0, len(rec))
	for k := range rec {
		if k == record.FieldDeleted {
			continue
		}
		cols = append(cols, k)
	}
	sort.Strings(cols)
	return cols
}

func (c *Client) insertSQL(table string, rec record.Record) (string, []any) {
	cols := sortedColumns(rec)
	quoted := make([]string, len(cols))
	params := make([]string, len(cols))
	args := make([]any, len(cols))
	for i, col := range cols {
		quoted[i] = pgx.Identifier{col}.Sanitize()
		params[i] = fmt.Sprintf("$%d", i+1)
		args[i] = rec[col]
	}
	sql := fmt.Sprintf("INSERT INTO %s AS t (%s) VALUES (%s)",
		c.ident(table), strings.Join(quoted, ", "), strings.Join(params, ", "))
	return sql, args
}

func (c *Client) Insert(ctx context.Context, table string, rec record.Record) (record.Record, error) {
	sql, args := c.insertSQL(table, rec)
	return c.queryOne(ctx, "insert", table, sql+" RETURNING to_jsonb(t.*)", args...)
}

func (c *Client) Upsert(ctx context.Context, table string, rec record.Record, conflictColumns []string) (record.Record, error) {
	if len(conflictColumns) == 0 {
		conflictColumns = []string{record.FieldID}
	}
	sql, args := c.insertSQL(table, rec)

	conflict := make([]string, len(conflictColumns))
	isConflict := make(map[string]bool, len(conflictColumns))
	for i, col := range conflictColumns {
		conflict[i] = pgx.Identifier{col}.Sanitize()
		isConflict[col] = true
	}
	var sets []string
	for _, col := range sortedColumns(rec) {
		if isConflict[col] {
			continue
		}
		q := pgx.Identifier{col}.Sanitize()
		sets = append(sets, q+" = EXCLUDED."+q)
	}
	if len(sets) == 0 {
		sql += fmt.Sprintf(" ON CONFLICT (%s) DO NOTHING", strings.Join(conflict, ", "))
	} else {
		sql += fmt.Sprintf(" ON CONFLICT (%s) DO UPDATE SET %s", strings.Join(conflict, ", "), strings.Join(sets, ", "))
	}
	return c.queryOne(ctx, "upsert", table, sql+" RETURNING to_jsonb(t.*)", args...)
}

func (c *Client) DeleteByID(ctx context.Context, table, id string) error {
	sql := fmt.Sprintf("DELETE FROM %s WHERE %s = $1", c.ident(table), pgx.Identifier{record.FieldID}.Sanitize())
	if _, err := c.pool.Exec(ctx, sql, id); err != nil {
		return classify(err, "delete", table)
	}
	return nil
}

func (c *Client) Select(ctx context.Context, table string, filter transport.Filter) ([]record.Record, error) {
	keys := make([]string, 0, len(filter))
	for k := range filter {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	sql := fmt.Sprintf("SELECT to_jsonb(t.*) FROM %s AS t", c.ident(table))
	args := make([]any, 0, len(keys))
	for i, k := range keys {
		if i == 0 {
			sql += " WHERE "
		} else {
			sql += " AND "
		}
		sql += fmt.Sprintf("t.%s = $%d", pgx.Identifier{k}.Sanitize(), i+1)
		args = append(args, filter[k])
	}

	rows, err := c.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, classify(err, "select", table)
	}
	defer rows.Close()

	var out []record.Record
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, classify(err, "select", table)
		}
		var rec record.Record
		if err := json.Unmarshal(raw, &rec); err != nil {
			return nil, fmt.Errorf("failed to decode row from %s: %w", table, err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(err, "select", table)
	}
	return out, nil
}

// Call invokes fn with named arguments, the way PostgREST maps RPC bodies.
func (c *Client) Call(ctx context.Context, fn string, args map[string]any) (json.RawMessage, error) {
	names := make([]string, 0, len(args))
	for k := range args {
		names = append(names, k)
	}
	sort.Strings(names)

	params := make([]string, len(names))
	values := make([]any, len(names))
	for i, name := range names {
		params[i] = fmt.Sprintf("%s => $%d", pgx.Identifier{name}.Sanitize(), i+1)
		values[i] = args[name]
	}
	sql := fmt.Sprintf("SELECT to_jsonb(%s(%s))", c.ident(fn), strings.Join(params, ", "))

	var raw []byte
	if err := c.pool.QueryRow(ctx, sql, values...).Scan(&raw); err != nil {
		return nil, classify(err, "call", fn)
	}
	return json.RawMessage(raw), nil
}

// Session reports the token's user when a token source is configured and the
// database role otherwise.
func (c *Client) Session(ctx context.Context) (*transport.Session, error) {
	if c.token != nil {
		token, err := c.token(ctx)
		if err != nil {
			return nil, &transport.Error{Kind: transport.KindFatal, Op: "session", Err: fmt.Errorf("%w: %w", transport.ErrNoSession, err)}
		}
		claims, err := auth.ParseClaims(token)
		if err != nil {
			return nil, &transport.Error{Kind: transport.KindFatal, Op: "session", Err: fmt.Errorf("%w: %w", transport.ErrNoSession, err)}
		}
		s := &transport.Session{AccessToken: token, User: transport.User{ID: claims.Subject, Email: claims.Email, DeviceID: claims.DeviceID}}
		if claims.ExpiresAt != nil {
			s.ExpiresAt = claims.ExpiresAt.Time
		}
		return s, nil
	}

	var role string
	if err := c.pool.QueryRow(ctx, "SELECT current_user").Scan(&role); err != nil {
		return nil, classify(err, "session", "")
	}
	return &transport.Session{User: transport.User{ID: role}}, nil
}

func (c *Client) CurrentUser(ctx context.Context) (*transport.User, error) {
	s, err := c.Session(ctx)
	if err != nil {
		return nil, err
	}
	return &s.User, nil
}

func (c *Client) queryOne(ctx context.Context, op, table, sql string, args ...any) (record.Record, error) {
	var raw []byte
	err := c.pool.QueryRow(ctx, sql, args...).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		// ON CONFLICT DO NOTHING returns no row
		return nil, nil
	}
	if err != nil {
		c.logger.Debug("postgres write failed", "op", op, "table", table, "error", err)
		return nil, classify(err, op, table)
	}
	var rec record.Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("failed to decode %s result: %w", op, err)
	}
	return rec, nil
}

var _ transport.Transport = (*Client)(nil)
