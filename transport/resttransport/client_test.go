package resttransport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/require"

	"github.com/pouriaabedi0073-sys/volleyball-club-sub000/internal/auth"
	"github.com/pouriaabedi0073-sys/volleyball-club-sub000/record"
	"github.com/pouriaabedi0073-sys/volleyball-club-sub000/transport"
)

// fakePostgREST serves a single in-memory table per path segment.
type fakePostgREST struct {
	mu       sync.Mutex
	rows     map[string][]record.Record
	headers  http.Header
	query    map[string]string
	failWith int
}

func (f *fakePostgREST) router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/rest/v1/rpc/{fn}", f.rpc).Methods(http.MethodPost)
	r.HandleFunc("/rest/v1/{table}", f.write).Methods(http.MethodPost)
	r.HandleFunc("/rest/v1/{table}", f.selectRows).Methods(http.MethodGet)
	r.HandleFunc("/rest/v1/{table}", f.deleteRows).Methods(http.MethodDelete)
	return r
}

func (f *fakePostgREST) capture(r *http.Request) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.headers = r.Header.Clone()
	f.query = map[string]string{}
	for k := range r.URL.Query() {
		f.query[k] = r.URL.Query().Get(k)
	}
	return f.failWith != 0
}

func (f *fakePostgREST) fail(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(f.failWith)
	_ = json.NewEncoder(w).Encode(map[string]string{"code": "PGRST204", "message": "column missing"})
}

func (f *fakePostgREST) write(w http.ResponseWriter, r *http.Request) {
	if f.capture(r) {
		f.fail(w)
		return
	}
	table := mux.Vars(r)["table"]
	var rec record.Record
	if err := json.NewDecoder(r.Body).Decode(&rec); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	rec["server_seen"] = true
	f.mu.Lock()
	f.rows[table] = append(f.rows[table], rec)
	f.mu.Unlock()
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode([]record.Record{rec})
}

func (f *fakePostgREST) selectRows(w http.ResponseWriter, r *http.Request) {
	if f.capture(r) {
		f.fail(w)
		return
	}
	f.mu.Lock()
	rows := f.rows[mux.Vars(r)["table"]]
	f.mu.Unlock()
	_ = json.NewEncoder(w).Encode(rows)
}

func (f *fakePostgREST) deleteRows(w http.ResponseWriter, r *http.Request) {
	if f.capture(r) {
		f.fail(w)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (f *fakePostgREST) rpc(w http.ResponseWriter, r *http.Request) {
	if f.capture(r) {
		f.fail(w)
		return
	}
	var args map[string]any
	_ = json.NewDecoder(r.Body).Decode(&args)
	_ = json.NewEncoder(w).Encode(map[string]any{"fn": mux.Vars(r)["fn"], "keep": args["keep"]})
}

func newTestClient(t *testing.T) (*Client, *fakePostgREST) {
	t.Helper()
	fake := &fakePostgREST{rows: map[string][]record.Record{}}
	srv := httptest.NewServer(fake.router())
	t.Cleanup(srv.Close)

	token, err := auth.NewSigner("secret").GenerateToken("user-1", "device-1", time.Hour)
	require.NoError(t, err)
	c, err := New(Config{BaseURL: srv.URL + "/", APIKey: "anon", Token: auth.StaticToken(token)})
	require.NoError(t, err)
	return c, fake
}

func TestInsertAndSelect(t *testing.T) {
	ctx := auth.WithDeviceID(context.Background(), "device-1")
	c, fake := newTestClient(t)

	got, err := c.Insert(ctx, "players", record.Record{"id": "p1", "group": "g1"})
	require.NoError(t, err)
	require.Equal(t, true, got["server_seen"])
	require.Equal(t, "return=representation", fake.headers.Get("Prefer"))
	require.Equal(t, "anon", fake.headers.Get("apikey"))
	require.Equal(t, "device-1", fake.headers.Get("X-Device-ID"))
	require.Contains(t, fake.headers.Get("Authorization"), "Bearer ")

	rows, err := c.Select(ctx, "players", transport.Filter{"group": "g1"})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, "eq.g1", fake.query["group"])
	require.Equal(t, "*", fake.query["select"])
}

func TestUpsertUsesConflictColumns(t *testing.T) {
	c, fake := newTestClient(t)
	_, err := c.Upsert(context.Background(), "players", record.Record{"id": "p1"}, []string{"id", "group"})
	require.NoError(t, err)
	require.Equal(t, "id,group", fake.query["on_conflict"])
	require.Contains(t, fake.headers.Get("Prefer"), "resolution=merge-duplicates")
}

func TestDeleteAndCall(t *testing.T) {
	ctx := context.Background()
	c, fake := newTestClient(t)

	require.NoError(t, c.DeleteByID(ctx, "players", "p1"))
	require.Equal(t, "eq.p1", fake.query["id"])

	raw, err := c.Call(ctx, "prune_backups", map[string]any{"keep": 3})
	require.NoError(t, err)
	var out map[string]any
	require.NoError(t, json.Unmarshal(raw, &out))
	require.Equal(t, "prune_backups", out["fn"])
	require.Equal(t, float64(3), out["keep"])
}

func TestStatusClassification(t *testing.T) {
	ctx := context.Background()
	cases := map[int]transport.Kind{
		http.StatusBadRequest:          transport.KindClientShape,
		http.StatusUnauthorized:        transport.KindFatal,
		http.StatusServiceUnavailable:  transport.KindTransient,
		http.StatusTooManyRequests:     transport.KindTransient,
		http.StatusUnprocessableEntity: transport.KindClientShape,
	}
	for status, want := range cases {
		c, fake := newTestClient(t)
		fake.failWith = status
		_, err := c.Insert(ctx, "players", record.Record{"id": "p1"})
		require.Error(t, err)
		require.Equal(t, want, transport.Classify(err), "status %d", status)

		var te *transport.Error
		require.ErrorAs(t, err, &te)
		require.Equal(t, status, te.StatusCode())
		require.Contains(t, err.Error(), "PGRST204: column missing")
	}
}

func TestNetworkErrorIsTransient(t *testing.T) {
	c, err := New(Config{BaseURL: "http://127.0.0.1:1", Timeout: time.Second})
	require.NoError(t, err)
	_, err = c.Select(context.Background(), "players", nil)
	require.Error(t, err)
	require.Equal(t, transport.KindTransient, transport.Classify(err))
}

func TestSessionFromToken(t *testing.T) {
	c, _ := newTestClient(t)
	s, err := c.Session(context.Background())
	require.NoError(t, err)
	require.Equal(t, "user-1", s.User.ID)
	require.Equal(t, "device-1", s.User.DeviceID)
	require.False(t, s.Expired(time.Now()))

	u, err := c.CurrentUser(context.Background())
	require.NoError(t, err)
	require.Equal(t, "user-1", u.ID)

	anon, err := New(Config{BaseURL: "http://example.invalid"})
	require.NoError(t, err)
	_, err = anon.Session(context.Background())
	require.ErrorIs(t, err, transport.ErrNoSession)
	require.Equal(t, transport.KindFatal, transport.Classify(err))
}
