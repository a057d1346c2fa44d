// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package resttransport talks to a PostgREST-style HTTP API: one resource per
// table under /rest/v1, equality filters as query parameters and remote
// procedures under /rest/v1/rpc.
package resttransport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pouriaabedi0073-sys/volleyball-club-sub000/internal/auth"
	"github.com/pouriaabedi0073-sys/volleyball-club-sub000/record"
	"github.com/pouriaabedi0073-sys/volleyball-club-sub000/transport"
)

// Client implements transport.Transport over HTTP.
type Client struct {
	BaseURL string
	APIKey  string
	Token   auth.TokenSource // returns the user's access token (JWT)
	HTTP    *http.Client
	logger  *slog.Logger
}

// Config configures a Client.
type Config struct {
	BaseURL string
	APIKey  string
	Token   auth.TokenSource
	Timeout time.Duration // 30s when zero
	Logger  *slog.Logger
}

// New validates cfg and returns a client.
func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("base URL must be provided")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	c := &Client{
		BaseURL: strings.TrimRight(cfg.BaseURL, "/"),
		APIKey:  cfg.APIKey,
		Token:   cfg.Token,
		HTTP:    &http.Client{Timeout: cfg.Timeout},
		logger:  cfg.Logger,
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	return c, nil
}

func (c *Client) tableURL(table string, query url.Values) string {
	u := c.BaseURL + "/rest/v1/" + url.PathEscape(table)
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	return u
}

func (c *Client) Insert(ctx context.Context, table string, rec record.Record) (record.Record, error) {
	rows, err := c.write(ctx, "insert", table, c.tableURL(table, nil), rec, "return=representation")
	if err != nil {
		return nil, err
	}
	return first(rows, rec), nil
}

func (c *Client) Upsert(ctx context.Context, table string, rec record.Record, conflictColumns []string) (record.Record, error) {
	q := url.Values{}
	if len(conflictColumns) > 0 {
		q.Set("on_conflict", strings.Join(conflictColumns, ","))
	}
	rows, err := c.write(ctx, "upsert", table, c.tableURL(table, q), rec, "resolution=merge-duplicates,return=representation")
	if err != nil {
		return nil, err
	}
	return first(rows, rec), nil
}

func (c *Client) DeleteByID(ctx context.Context, table, id string) error {
	q := url.Values{}
	q.Set(record.FieldID, "eq."+id)
	_, err := c.do(ctx, "delete", table, http.MethodDelete, c.tableURL(table, q), nil, "")
	return err
}

func (c *Client) Select(ctx context.Context, table string, filter transport.Filter) ([]record.Record, error) {
	q := url.Values{}
	q.Set("select", "*")
	for k, v := range filter {
		q.Set(k, "eq."+(record.Record{k: v}).String(k))
	}
	body, err := c.do(ctx, "select", table, http.MethodGet, c.tableURL(table, q), nil, "")
	if err != nil {
		return nil, err
	}
	var rows []record.Record
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, &transport.Error{Kind: transport.KindClientShape, Op: "select", Table: table,
			Err: fmt.Errorf("failed to decode rows: %w", err)}
	}
	return rows, nil
}

func (c *Client) Call(ctx context.Context, fn string, args map[string]any) (json.RawMessage, error) {
	if args == nil {
		args = map[string]any{}
	}
	payload, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal rpc arguments: %w", err)
	}
	body, err := c.do(ctx, "call", fn, http.MethodPost, c.BaseURL+"/rest/v1/rpc/"+url.PathEscape(fn), payload, "")
	if err != nil {
		return nil, err
	}
	return json.RawMessage(body), nil
}

// Session derives the session from the access token's claims.
func (c *Client) Session(ctx context.Context) (*transport.Session, error) {
	if c.Token == nil {
		return nil, &transport.Error{Kind: transport.KindFatal, Op: "session", Err: transport.ErrNoSession}
	}
	token, err := c.Token(ctx)
	if err != nil {
		return nil, &transport.Error{Kind: transport.KindFatal, Op: "session",
			Err: fmt.Errorf("%w: %w", transport.ErrNoSession, err)}
	}
	claims, err := auth.ParseClaims(token)
	if err != nil {
		return nil, &transport.Error{Kind: transport.KindFatal, Op: "session",
			Err: fmt.Errorf("%w: %w", transport.ErrNoSession, err)}
	}
	s := &transport.Session{
		AccessToken: token,
		User:        transport.User{ID: claims.Subject, Email: claims.Email, DeviceID: claims.DeviceID},
	}
	if claims.ExpiresAt != nil {
		s.ExpiresAt = claims.ExpiresAt.Time
	}
	return s, nil
}

func (c *Client) CurrentUser(ctx context.Context) (*transport.User, error) {
	s, err := c.Session(ctx)
	if err != nil {
		return nil, err
	}
	return &s.User, nil
}

func (c *Client) write(ctx context.Context, op, table, target string, rec record.Record, prefer string) ([]record.Record, error) {
	payload, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s payload: %w", op, err)
	}
	body, err := c.do(ctx, op, table, http.MethodPost, target, payload, prefer)
	if err != nil {
		return nil, err
	}
	var rows []record.Record
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, nil
	}
	if err := json.Unmarshal(body, &rows); err != nil {
		var single record.Record
		if err2 := json.Unmarshal(body, &single); err2 != nil {
			return nil, &transport.Error{Kind: transport.KindClientShape, Op: op, Table: table,
				Err: fmt.Errorf("failed to decode response: %w", err)}
		}
		rows = []record.Record{single}
	}
	return rows, nil
}

func (c *Client) do(ctx context.Context, op, table, method, target string, payload []byte, prefer string) ([]byte, error) {
	var reqBody io.Reader
	if payload != nil {
		reqBody = bytes.NewReader(payload)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, target, reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}
	if payload != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	httpReq.Header.Set("Accept", "application/json")
	if prefer != "" {
		httpReq.Header.Set("Prefer", prefer)
	}
	if c.APIKey != "" {
		httpReq.Header.Set("apikey", c.APIKey)
	}
	if deviceID, ok := auth.DeviceID(ctx); ok {
		httpReq.Header.Set("X-Device-ID", deviceID)
	}
	if c.Token != nil {
		token, err := c.Token(ctx)
		if err != nil {
			return nil, &transport.Error{Kind: transport.KindFatal, Op: op, Table: table,
				Err: fmt.Errorf("%w: %w", transport.ErrNoSession, err)}
		}
		httpReq.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.HTTP.Do(httpReq)
	if err != nil {
		return nil, &transport.Error{Kind: transport.KindTransient, Op: op, Table: table,
			Err: fmt.Errorf("failed to send HTTP request: %w", err)}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &transport.Error{Kind: transport.KindTransient, Op: op, Table: table, Status: resp.StatusCode,
			Err: fmt.Errorf("failed to read response: %w", err)}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		c.logger.Debug("remote request failed", "op", op, "table", table, "status", resp.StatusCode)
		return nil, &transport.Error{Kind: transport.KindForStatus(resp.StatusCode), Status: resp.StatusCode, Op: op, Table: table,
			Err: errors.New(responseMessage(resp.StatusCode, body))}
	}
	return body, nil
}

func responseMessage(status int, body []byte) string {
	var pgErr struct {
		Message string `json:"message"`
		Code    string `json:"code"`
	}
	if json.Unmarshal(body, &pgErr) == nil && pgErr.Message != "" {
		if pgErr.Code != "" {
			return pgErr.Code + ": " + pgErr.Message
		}
		return pgErr.Message
	}
	if msg := strings.TrimSpace(string(body)); msg != "" {
		return msg
	}
	return http.StatusText(status)
}

func first(rows []record.Record, fallback record.Record) record.Record {
	if len(rows) == 0 {
		return fallback.Clone()
	}
	return rows[0]
}

var _ transport.Transport = (*Client)(nil)
