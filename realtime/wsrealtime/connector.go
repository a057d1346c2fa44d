// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package wsrealtime receives row changes over a websocket, one connection
// per subscribed table.
//
// Wire format (JSON text frames):
//
//	client: {"type":"subscribe","table":"players","filter":"group=eq.g1"}
//	server: {"type":"change","table":"players","eventType":"UPDATE","new":{...},"old":{...}}
//	server: {"type":"error","message":"..."}
package wsrealtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	gorilla "github.com/gorilla/websocket"

	"github.com/pouriaabedi0073-sys/volleyball-club-sub000/internal/auth"
	"github.com/pouriaabedi0073-sys/volleyball-club-sub000/realtime"
)

// DefaultDialer mirrors gorilla's default dialer with compression enabled.
var DefaultDialer = &gorilla.Dialer{
	Proxy:             gorilla.DefaultDialer.Proxy,
	HandshakeTimeout:  gorilla.DefaultDialer.HandshakeTimeout,
	EnableCompression: true,
}

const (
	msgSubscribe = "subscribe"
	msgChange    = "change"
	msgError     = "error"
)

type message struct {
	Type      string             `json:"type"`
	Table     string             `json:"table,omitempty"`
	Filter    string             `json:"filter,omitempty"`
	Message   string             `json:"message,omitempty"`
	EventType realtime.EventType `json:"eventType,omitempty"`
	New       map[string]any     `json:"new,omitempty"`
	Old       map[string]any     `json:"old,omitempty"`
}

// Connector dials one websocket per subscription.
type Connector struct {
	URL    string
	APIKey string
	Token  auth.TokenSource
	Dialer *gorilla.Dialer
	Logger *slog.Logger
}

func (c *Connector) Subscribe(ctx context.Context, sub realtime.Subscription) (realtime.Channel, error) {
	dialer := c.Dialer
	if dialer == nil {
		dialer = DefaultDialer
	}
	logger := c.Logger
	if logger == nil {
		logger = slog.Default()
	}

	target, err := url.Parse(c.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid realtime URL: %w", err)
	}
	if c.APIKey != "" {
		q := target.Query()
		q.Set("apikey", c.APIKey)
		target.RawQuery = q.Encode()
	}
	header := http.Header{}
	if c.Token != nil {
		token, err := c.Token(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to get access token: %w", err)
		}
		header.Set("Authorization", "Bearer "+token)
	}

	conn, res, err := dialer.DialContext(ctx, target.String(), header)
	if err != nil {
		return nil, fmt.Errorf("failed to dial realtime: %w", err)
	}
	defer res.Body.Close()

	join := message{Type: msgSubscribe, Table: sub.Table}
	if sub.Column != "" {
		join.Filter = sub.Column + "=eq." + sub.Value
	}
	if err := conn.WriteJSON(join); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", sub.Table, err)
	}

	ch := &channel{
		conn:    conn,
		table:   sub.Table,
		logger:  logger,
		closeCh: make(chan struct{}),
		done:    make(chan struct{}),
	}
	go ch.readLoop()
	return ch, nil
}

type channel struct {
	conn    *gorilla.Conn
	table   string
	logger  *slog.Logger
	writeMu sync.Mutex

	mu      sync.Mutex
	handler realtime.Handler
	backlog []realtime.ChangeEvent
	closed  bool

	// closeCh signals that Close was requested so readLoop errors are expected.
	closeCh chan struct{}
	done    chan struct{}
}

func (c *channel) OnChange(h realtime.Handler) {
	c.mu.Lock()
	c.handler = h
	backlog := c.backlog
	c.backlog = nil
	c.mu.Unlock()
	for _, ev := range backlog {
		h(ev)
	}
}

func (c *channel) deliver(ev realtime.ChangeEvent) {
	c.mu.Lock()
	h := c.handler
	if h == nil {
		c.backlog = append(c.backlog, ev)
	}
	c.mu.Unlock()
	if h != nil {
		h(ev)
	}
}

func (c *channel) readLoop() {
	defer close(c.done)
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			select {
			case <-c.closeCh:
			default:
				c.logger.Warn("realtime channel closed", "table", c.table, "error", err)
			}
			return
		}
		var msg message
		if err := json.Unmarshal(data, &msg); err != nil {
			c.logger.Warn("failed to decode realtime message", "table", c.table, "error", err)
			continue
		}
		switch msg.Type {
		case msgChange:
			c.deliver(realtime.ChangeEvent{
				Table:      msg.Table,
				Type:       msg.EventType,
				New:        msg.New,
				Old:        msg.Old,
				ReceivedAt: time.Now(),
			})
		case msgError:
			c.logger.Warn("realtime server error", "table", c.table, "message", msg.Message)
		}
	}
}

// Close sends a close frame bounded by ctx and waits for the read loop.
func (c *channel) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()
	close(c.closeCh)

	deadline := time.Now().Add(time.Second)
	if d, ok := ctx.Deadline(); ok {
		deadline = d
	}
	c.writeMu.Lock()
	writeErr := c.conn.WriteControl(gorilla.CloseMessage,
		gorilla.FormatCloseMessage(gorilla.CloseNormalClosure, ""), deadline)
	c.writeMu.Unlock()
	closeErr := c.conn.Close()

	select {
	case <-c.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	if writeErr != nil && !errors.Is(writeErr, gorilla.ErrCloseSent) {
		c.logger.Debug("failed to send close frame", "table", c.table, "error", writeErr)
	}
	return closeErr
}

var _ realtime.Connector = (*Connector)(nil)
