package replica

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/pouriaabedi0073-sys/volleyball-club-sub000/localstore"
	"github.com/pouriaabedi0073-sys/volleyball-club-sub000/record"
)

func TestMergeInsertAndUpdate(t *testing.T) {
	s := NewStore()

	res := s.Merge("players", record.Record{"id": "p1", "name": "Ana", "last_modified": "2024-01-01T00:00:00Z"})
	require.Equal(t, 1, res.Inserted)

	res = s.Merge("players", record.Record{"id": "p1", "name": "Ana B", "last_modified": "2024-01-02T00:00:00Z"})
	require.Equal(t, 1, res.Updated)

	got, ok := s.Get("players", "p1")
	require.True(t, ok)
	require.Equal(t, "Ana B", got["name"])
}

func TestMergeRejectsStaleUpdate(t *testing.T) {
	s := NewStore()
	s.Merge("players", record.Record{"id": "p1", "name": "B", "last_modified": "2024-01-02T00:00:00Z"})

	res := s.Merge("players", record.Record{"id": "p1", "name": "A", "last_modified": "2024-01-01T00:00:00Z"})
	require.Equal(t, 1, res.Stale)
	require.False(t, res.Changed())

	got, _ := s.Get("players", "p1")
	require.Equal(t, "B", got["name"])
}

func TestMergeOrderIndependentForWinner(t *testing.T) {
	older := record.Record{"id": "p1", "name": "old", "last_modified": "2024-01-01T00:00:00Z"}
	newer := record.Record{"id": "p1", "name": "new", "last_modified": "2024-01-02T00:00:00Z"}

	a := NewStore()
	a.Merge("t", older)
	a.Merge("t", newer)

	b := NewStore()
	b.Merge("t", newer)
	b.Merge("t", older)

	ra, _ := a.Get("t", "p1")
	rb, _ := b.Get("t", "p1")
	require.Equal(t, "new", ra["name"])
	require.Equal(t, ra, rb)
}

func TestMergeTieGoesToIncoming(t *testing.T) {
	s := NewStore()
	ts := "2024-01-01T00:00:00Z"
	s.Merge("t", record.Record{"id": "p1", "name": "local", "team": "A", "last_modified": ts})
	s.Merge("t", record.Record{"id": "p1", "name": "incoming", "last_modified": ts})

	got, _ := s.Get("t", "p1")
	require.Equal(t, "incoming", got["name"])
	require.Equal(t, "A", got["team"], "shallow merge keeps local-only fields")
}

func TestMergeIsIdempotent(t *testing.T) {
	s := NewStore()
	r := record.Record{"id": "p1", "name": "Ana", "last_modified": "2024-01-01T00:00:00Z"}
	s.Merge("t", r)
	first := s.Snapshot()
	s.Merge("t", r)
	require.Equal(t, first, s.Snapshot())
}

func TestTombstoneWinsRegardlessOfTimestamp(t *testing.T) {
	s := NewStore()
	s.Merge("t", record.Record{"id": "p1", "last_modified": "2030-01-01T00:00:00Z"})

	tomb := record.Tombstone("p1")
	tomb["last_modified"] = "2000-01-01T00:00:00Z"
	res := s.Merge("t", tomb)
	require.Equal(t, 1, res.Deleted)
	_, ok := s.Get("t", "p1")
	require.False(t, ok)

	// a tombstone for an unknown id is a no-op
	res = s.Merge("t", record.Tombstone("nope"))
	require.False(t, res.Changed())
}

func TestMissingTimestampCountsAsEpoch(t *testing.T) {
	s := NewStore()
	s.Merge("t", record.Record{"id": "p1", "name": "dated", "last_modified": "2024-01-01T00:00:00Z"})

	res := s.Merge("t", record.Record{"id": "p1", "name": "undated"})
	require.Equal(t, 1, res.Stale)

	s.Merge("t", record.Record{"id": "p2", "name": "a"})
	res = s.Merge("t", record.Record{"id": "p2", "name": "b"})
	require.Equal(t, 1, res.Updated)
}

func TestMergeRejectsRecordWithoutID(t *testing.T) {
	s := NewStore()
	res := s.Merge("t", record.Record{"name": "ghost"})
	require.Equal(t, 1, res.Rejected)
	require.Equal(t, 0, s.Len("t"))
}

func TestListMostRecentFirst(t *testing.T) {
	s := NewStore()
	s.Merge("t", record.Record{"id": "a"}, record.Record{"id": "b"}, record.Record{"id": "c"})
	ids := []string{}
	for _, r := range s.List("t") {
		ids = append(ids, r.ID())
	}
	require.Equal(t, []string{"c", "b", "a"}, ids)
}

func TestSaveAndLoadRoundTrip(t *testing.T) {
	ctx := context.Background()
	kv := localstore.NewMemory()

	s := NewStore()
	s.Merge("players", record.Record{"id": "a", "name": "Ana"}, record.Record{"id": "b", "name": "Bea"})
	s.Merge("teams", record.Record{"id": "t1"})
	require.NoError(t, s.Save(ctx, kv, "replica"))

	loaded := NewStore()
	res, err := loaded.Load(ctx, kv, "replica")
	require.NoError(t, err)
	require.Equal(t, 3, res.Inserted)
	require.Equal(t, s.Snapshot(), loaded.Snapshot())

	empty := NewStore()
	_, err = empty.Load(ctx, localstore.NewMemory(), "replica")
	require.NoError(t, err)
	require.True(t, empty.Empty())
}
