package wsrealtime

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	gorilla "github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/pouriaabedi0073-sys/volleyball-club-sub000/internal/auth"
	"github.com/pouriaabedi0073-sys/volleyball-club-sub000/realtime"
)

func newRealtimeServer(t *testing.T, joined chan<- message, authHeader chan<- string) *httptest.Server {
	t.Helper()
	upgrader := gorilla.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader <- r.Header.Get("Authorization")
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		var join message
		if err := conn.ReadJSON(&join); err != nil {
			return
		}
		joined <- join

		_ = conn.WriteJSON(message{Type: "ack"})
		_ = conn.WriteJSON(message{
			Type:      msgChange,
			Table:     join.Table,
			EventType: realtime.EventUpdate,
			New:       map[string]any{"id": "p1", "group": "g1", "name": "Ana"},
			Old:       map[string]any{"id": "p1", "group": "g1"},
		})
		// keep the connection open until the client closes it
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestSubscribeReceivesChanges(t *testing.T) {
	joined := make(chan message, 1)
	authHeader := make(chan string, 1)
	srv := newRealtimeServer(t, joined, authHeader)

	c := &Connector{
		URL:   "ws" + strings.TrimPrefix(srv.URL, "http"),
		Token: auth.StaticToken("tok"),
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ch, err := c.Subscribe(ctx, realtime.Subscription{Table: "players", Column: "group", Value: "g1"})
	require.NoError(t, err)

	require.Equal(t, "Bearer tok", <-authHeader)
	join := <-joined
	require.Equal(t, msgSubscribe, join.Type)
	require.Equal(t, "players", join.Table)
	require.Equal(t, "group=eq.g1", join.Filter)

	events := make(chan realtime.ChangeEvent, 1)
	ch.OnChange(func(ev realtime.ChangeEvent) { events <- ev })

	select {
	case ev := <-events:
		require.Equal(t, "players", ev.Table)
		require.Equal(t, realtime.EventUpdate, ev.Type)
		require.Equal(t, "Ana", ev.New["name"])
		require.Equal(t, "p1", ev.Old.ID())
		require.False(t, ev.ReceivedAt.IsZero())
	case <-ctx.Done():
		t.Fatal("no change event received")
	}

	require.NoError(t, ch.Close(ctx))
	require.NoError(t, ch.Close(ctx))
}

func TestSubscribeDialFailure(t *testing.T) {
	c := &Connector{URL: "ws://127.0.0.1:1/realtime"}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := c.Subscribe(ctx, realtime.Subscription{Table: "players"})
	require.Error(t, err)
}
