package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pouriaabedi0073-sys/volleyball-club-sub000/backup"
	"github.com/pouriaabedi0073-sys/volleyball-club-sub000/internal/auth"
	"github.com/pouriaabedi0073-sys/volleyball-club-sub000/localstore"
	"github.com/pouriaabedi0073-sys/volleyball-club-sub000/queue"
	"github.com/pouriaabedi0073-sys/volleyball-club-sub000/realtime"
	"github.com/pouriaabedi0073-sys/volleyball-club-sub000/record"
	"github.com/pouriaabedi0073-sys/volleyball-club-sub000/retry"
	"github.com/pouriaabedi0073-sys/volleyball-club-sub000/transport"
	"github.com/pouriaabedi0073-sys/volleyball-club-sub000/transport/transporttest"
)

var t0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

type fakeChannel struct {
	mu      sync.Mutex
	sub     realtime.Subscription
	handler realtime.Handler
	closed  bool
}

func (c *fakeChannel) OnChange(h realtime.Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handler = h
}

func (c *fakeChannel) Close(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeChannel) deliver(ev realtime.ChangeEvent) {
	c.mu.Lock()
	h := c.handler
	c.mu.Unlock()
	h(ev)
}

type fakeConnector struct {
	mu       sync.Mutex
	channels []*fakeChannel
}

func (f *fakeConnector) Subscribe(_ context.Context, sub realtime.Subscription) (realtime.Channel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch := &fakeChannel{sub: sub}
	f.channels = append(f.channels, ch)
	return ch, nil
}

func (f *fakeConnector) channel(table string) *fakeChannel {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.channels) - 1; i >= 0; i-- {
		if f.channels[i].sub.Table == table {
			return f.channels[i]
		}
	}
	return nil
}

type harness struct {
	e      *Engine
	store  localstore.Store
	remote *transporttest.Fake

	mu    sync.Mutex
	clock time.Time
}

func (h *harness) advance(d time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clock = h.clock.Add(d)
}

func (h *harness) players(t *testing.T) *Table {
	t.Helper()
	tbl, err := h.e.Table("players")
	require.NoError(t, err)
	return tbl
}

func testConfig(h *harness) Config {
	policy := retry.DefaultPolicy()
	policy.Jitter = func(int64) int64 { return 0 }
	return Config{
		DeviceID: "dev-1",
		Group:    "club-1",
		Tables: []TableConfig{
			{Name: "players", PartitionKey: "group_id"},
			{Name: "settings"},
		},
		Retry:         policy,
		FlushInterval: -1,
		PruneRPC:      "-",
		Now: func() time.Time {
			h.mu.Lock()
			defer h.mu.Unlock()
			return h.clock
		},
		Sleep: func(ctx context.Context, d time.Duration) error { return ctx.Err() },
	}
}

func newHarness(t *testing.T, connector realtime.Connector, mutate func(*Config)) *harness {
	t.Helper()
	h := &harness{
		store:  localstore.NewMemory(),
		remote: transporttest.New(),
		clock:  t0,
	}
	cfg := testConfig(h)
	if mutate != nil {
		mutate(&cfg)
	}
	e, err := Open(context.Background(), h.store, h.remote, connector, cfg)
	require.NoError(t, err)
	h.e = e
	return h
}

func ids(recs []record.Record) []string {
	out := make([]string, 0, len(recs))
	for _, r := range recs {
		out = append(out, r.ID())
	}
	return out
}

func TestOpenValidatesConfig(t *testing.T) {
	ctx := context.Background()
	_, err := Open(ctx, localstore.NewMemory(), transporttest.New(), nil, Config{})
	require.Error(t, err)

	_, err = Open(ctx, localstore.NewMemory(), transporttest.New(), nil, Config{
		Tables: []TableConfig{{Name: "a"}, {Name: "a"}},
	})
	require.Error(t, err)

	h := newHarness(t, nil, nil)
	_, err = h.e.Table("payments")
	require.ErrorIs(t, err, ErrUnknownTable)
}

func TestCreateOnlineSendsDirectly(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil, nil)
	var device string
	h.remote.Hook = func(ctx context.Context, op, _ string) error {
		if op == "insert" {
			device, _ = auth.DeviceID(ctx)
		}
		return nil
	}

	rec, err := h.players(t).Create(ctx, record.Record{"name": "Ana"})
	require.NoError(t, err)
	require.NotEmpty(t, rec.ID())
	assert.Equal(t, "club-1", rec.String("group_id"))
	assert.Equal(t, record.Timestamp(t0), rec.String(record.FieldLastModified))
	assert.Equal(t, "dev-1", device)

	rows := h.remote.Rows("players")
	require.Len(t, rows, 1)
	assert.Equal(t, rec.ID(), rows[0].ID())

	n, err := h.e.Queue().Len(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestOfflineCreateIsFlushedOnReconnect(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil, nil)
	players := h.players(t)

	h.e.SetOnline(ctx, false)
	rec, err := players.Create(ctx, record.Record{"id": "p1", "last_modified": "2024-01-01T00:00:00Z"})
	require.NoError(t, err)
	assert.Equal(t, "2024-01-01T00:00:00Z", rec.String(record.FieldLastModified))
	assert.Zero(t, h.remote.CallCount("insert"))

	ops, err := h.e.Queue().List(ctx)
	require.NoError(t, err)
	require.Len(t, ops, 1)
	assert.Equal(t, queue.TypeCreate, ops[0].Type)
	assert.Equal(t, "p1", ops[0].RecordID())

	st, err := h.e.SyncStatus(ctx)
	require.NoError(t, err)
	assert.False(t, st.Online)
	assert.Equal(t, 1, st.QueueLength)

	_, err = h.e.Flush(ctx)
	require.ErrorIs(t, err, ErrOffline)

	h.e.SetOnline(ctx, true)

	st, err = h.e.SyncStatus(ctx)
	require.NoError(t, err)
	assert.True(t, st.Online)
	assert.Zero(t, st.QueueLength)
	assert.Empty(t, st.LastError)
	assert.Equal(t, []string{"p1"}, ids(h.remote.Rows("players")))
	_, ok := players.Get("p1")
	assert.True(t, ok)
}

func TestFailedDirectWriteQueuesAndKeepsTableOrder(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil, nil)
	players := h.players(t)

	h.remote.FailNext(1, transporttest.ErrOffline)
	_, err := players.Create(ctx, record.Record{"id": "p1"})
	require.NoError(t, err)
	_, err = players.Create(ctx, record.Record{"id": "p2"})
	require.NoError(t, err)
	assert.Equal(t, 1, h.remote.CallCount("insert"), "p2 must wait behind queued p1")

	st, err := h.e.SyncStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, st.QueueLength)
	assert.NotEmpty(t, st.LastError)

	res, err := h.e.Flush(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Succeeded)

	var inserted []string
	for _, c := range h.remote.Calls() {
		if c.Op == "insert" {
			inserted = append(inserted, c.ID)
		}
	}
	assert.Equal(t, []string{"p1", "p1", "p2"}, inserted)

	st, err = h.e.SyncStatus(ctx)
	require.NoError(t, err)
	assert.Zero(t, st.QueueLength)
	assert.Empty(t, st.LastError)
}

func TestUpdate(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil, nil)
	players := h.players(t)

	_, err := players.Update(ctx, "missing", record.Record{"name": "x"})
	require.ErrorIs(t, err, ErrNotFound)

	_, err = players.Create(ctx, record.Record{"id": "p1", "name": "Ana", "number": 7})
	require.NoError(t, err)

	h.advance(time.Minute)
	rec, err := players.Update(ctx, "p1", record.Record{"name": "Ana B"})
	require.NoError(t, err)
	assert.Equal(t, "Ana B", rec.String("name"))
	assert.Equal(t, 7, rec["number"])
	assert.Equal(t, record.Timestamp(t0.Add(time.Minute)), rec.String(record.FieldLastModified))
	assert.Equal(t, 1, h.remote.CallCount("upsert"))

	rows := h.remote.Rows("players")
	require.Len(t, rows, 1)
	assert.Equal(t, "Ana B", rows[0].String("name"))
}

func TestUpdateOfRecordStampedAheadOfLocalClock(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil, nil)
	players := h.players(t)

	ahead := t0.Add(time.Hour)
	_, err := players.Create(ctx, record.Record{"id": "p1", "name": "Ana", "last_modified": record.Timestamp(ahead)})
	require.NoError(t, err)

	rec, err := players.Update(ctx, "p1", record.Record{"name": "Ana B"})
	require.NoError(t, err)
	assert.Equal(t, "Ana B", rec.String("name"))
	assert.Equal(t, record.Timestamp(ahead.Add(time.Millisecond)), rec.String(record.FieldLastModified))

	local, ok := players.Get("p1")
	require.True(t, ok)
	assert.Equal(t, "Ana B", local.String("name"))
}

func TestRemove(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil, nil)
	players := h.players(t)

	_, err := players.Create(ctx, record.Record{"id": "p1"})
	require.NoError(t, err)
	require.NoError(t, players.Remove(ctx, "p1"))
	_, ok := players.Get("p1")
	assert.False(t, ok)
	assert.Empty(t, h.remote.Rows("players"))

	_, err = players.Create(ctx, record.Record{"id": "p2"})
	require.NoError(t, err)
	h.e.SetOnline(ctx, false)
	require.NoError(t, players.Remove(ctx, "p2"))
	ops, err := h.e.Queue().List(ctx)
	require.NoError(t, err)
	require.Len(t, ops, 1)
	assert.Equal(t, queue.TypeDelete, ops[0].Type)
	assert.Equal(t, "p2", ops[0].RecordID())

	require.ErrorIs(t, players.Remove(ctx, ""), record.ErrMissingID)
}

func TestReloadMergesRemoteAndDropsOrphans(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil, nil)
	players := h.players(t)

	h.remote.Seed("players",
		record.Record{"id": "r1", "group_id": "club-1", "last_modified": "2024-01-01T00:00:00Z"},
		record.Record{"id": "r2", "group_id": "other", "last_modified": "2024-01-01T00:00:00Z"},
	)
	h.e.Replica().Merge("players", record.Record{"id": "gone", "group_id": "club-1"})

	h.e.SetOnline(ctx, false)
	_, err := players.Create(ctx, record.Record{"id": "mine"})
	require.NoError(t, err)

	rows, err := players.Reload(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"r1", "mine"}, ids(rows))
}

func TestCreateRequiresPartitionWithoutGroup(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil, func(c *Config) { c.Group = "" })

	_, err := h.players(t).Create(ctx, record.Record{"id": "p1"})
	require.ErrorIs(t, err, ErrMissingPartition)
	assert.Zero(t, h.e.Replica().Len("players"))

	settings, err := h.e.Table("settings")
	require.NoError(t, err)
	_, err = settings.Create(ctx, record.Record{"id": "s1"})
	require.NoError(t, err)
}

func TestRealtimeStaleUpdateIsIgnored(t *testing.T) {
	ctx := context.Background()
	conn := &fakeConnector{}
	h := newHarness(t, conn, nil)
	players := h.players(t)

	_, err := players.Create(ctx, record.Record{"id": "p1", "name": "Ana", "last_modified": "2024-01-01T00:00:00Z"})
	require.NoError(t, err)

	require.NoError(t, h.e.Start(ctx))
	defer func() { require.NoError(t, h.e.Close(ctx)) }()

	ch := conn.channel("players")
	require.NotNil(t, ch)
	assert.Equal(t, realtime.Subscription{Table: "players", Column: "group_id", Value: "club-1"}, ch.sub)

	ch.deliver(realtime.ChangeEvent{Table: "players", Type: realtime.EventUpdate,
		New: record.Record{"id": "p1", "group_id": "club-1", "name": "Old", "last_modified": "2023-01-01T00:00:00Z"}})
	rec, ok := players.Get("p1")
	require.True(t, ok)
	assert.Equal(t, "Ana", rec.String("name"))

	ch.deliver(realtime.ChangeEvent{Table: "players", Type: realtime.EventUpdate,
		New: record.Record{"id": "p1", "group_id": "club-1", "name": "New", "last_modified": "2024-06-01T00:00:00Z"}})
	rec, _ = players.Get("p1")
	assert.Equal(t, "New", rec.String("name"))

	ch.deliver(realtime.ChangeEvent{Table: "players", Type: realtime.EventDelete,
		Old: record.Record{"id": "p1", "group_id": "club-1"}})
	_, ok = players.Get("p1")
	assert.False(t, ok)
}

func TestBackgroundLoopHandlesReconnect(t *testing.T) {
	ctx := context.Background()
	conn := &fakeConnector{}
	h := newHarness(t, conn, nil)
	players := h.players(t)

	require.NoError(t, h.e.Start(ctx))
	require.Error(t, h.e.Start(ctx))

	h.e.SetOnline(ctx, false)
	_, err := players.Create(ctx, record.Record{"id": "p1"})
	require.NoError(t, err)

	h.e.SetOnline(ctx, true)
	require.Eventually(t, func() bool {
		n, err := h.e.Queue().Len(ctx)
		return err == nil && n == 0 && len(h.remote.Rows("players")) == 1
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, h.e.Close(ctx))
	require.NoError(t, h.e.Close(ctx))
}

func TestDeadLetterAndRequeue(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil, func(c *Config) { c.Retry.MaxAttempts = 2 })
	forbidden := &transport.Error{Kind: transport.KindFatal, Status: 403, Op: "insert", Table: "players", Err: errors.New("permission denied")}
	h.remote.FailNext(3, forbidden)

	_, err := h.players(t).Create(ctx, record.Record{"id": "p1"})
	require.NoError(t, err)

	res, err := h.e.Flush(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.DeadLettered)

	st, err := h.e.SyncStatus(ctx)
	require.NoError(t, err)
	assert.Zero(t, st.QueueLength)
	assert.Equal(t, 1, st.DeadLetters)
	assert.Contains(t, st.LastError, "permission denied")

	dead, err := h.e.DeadLetterOps(ctx)
	require.NoError(t, err)
	require.Len(t, dead, 1)

	op, err := h.e.RequeueOp(ctx, dead[0].ID)
	require.NoError(t, err)
	assert.Zero(t, op.Attempts)

	res, err = h.e.Flush(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Succeeded)
	assert.Len(t, h.remote.Rows("players"), 1)

	require.ErrorIs(t, h.e.PurgeOp(ctx, "nope"), queue.ErrNotFound)
}

func TestBackupNowAndRestore(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil, nil)
	players := h.players(t)

	_, err := players.Create(ctx, record.Record{"id": "p1", "name": "Ana"})
	require.NoError(t, err)

	res, err := h.e.BackupNow(ctx, false)
	require.NoError(t, err)
	require.True(t, res.OK)

	again, err := h.e.BackupNow(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, backup.ReasonNoChange, again.Reason)

	h.advance(time.Hour)
	_, err = players.Update(ctx, "p1", record.Record{"name": "Ana B"})
	require.NoError(t, err)

	restored, err := h.e.Restore(ctx, backup.Latest)
	require.NoError(t, err)
	assert.Equal(t, res.ID, restored.ID)
	rec, _ := players.Get("p1")
	assert.Equal(t, "Ana B", rec.String("name"))

	st, err := h.e.SyncStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, res.ID, st.LastBackupID)
}

func TestOfflineBackupIsDrainedByFlushBackups(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil, nil)
	_, err := h.players(t).Create(ctx, record.Record{"id": "p1"})
	require.NoError(t, err)

	h.remote.SetOnline(false)
	res, err := h.e.BackupNow(ctx, false)
	require.NoError(t, err)
	assert.True(t, res.StoredLocal)

	st, err := h.e.SyncStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, st.PendingBackups)

	h.remote.SetOnline(true)
	drain, err := h.e.FlushBackups(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, drain.Uploaded)
}

func TestOpenRestoresPersistedReplica(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil, nil)
	_, err := h.players(t).Create(ctx, record.Record{"id": "p1"})
	require.NoError(t, err)
	require.NoError(t, h.e.Close(ctx))

	reopened, err := Open(ctx, h.store, h.remote, nil, testConfig(h))
	require.NoError(t, err)
	players, err := reopened.Table("players")
	require.NoError(t, err)
	_, ok := players.Get("p1")
	assert.True(t, ok)
}
