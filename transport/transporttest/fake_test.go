package transporttest

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/pouriaabedi0073-sys/volleyball-club-sub000/record"
	"github.com/pouriaabedi0073-sys/volleyball-club-sub000/transport"
)

func TestFakeCRUD(t *testing.T) {
	ctx := context.Background()
	f := New()

	_, err := f.Insert(ctx, "players", record.Record{"id": "p1", "group": "g1", "name": "Ana"})
	require.NoError(t, err)
	_, err = f.Insert(ctx, "players", record.Record{"id": "p1"})
	require.Equal(t, transport.KindClientShape, transport.Classify(err))

	got, err := f.Upsert(ctx, "players", record.Record{"id": "p1", "name": "Bea"}, []string{"id"})
	require.NoError(t, err)
	require.Equal(t, "g1", got["group"])

	rows, err := f.Select(ctx, "players", transport.Filter{"group": "g1"})
	require.NoError(t, err)
	require.Len(t, rows, 1)

	require.NoError(t, f.DeleteByID(ctx, "players", "p1"))
	require.Empty(t, f.Rows("players"))
	require.Equal(t, 1, f.CallCount("upsert"))
}

func TestFakeFailureInjection(t *testing.T) {
	ctx := context.Background()
	f := New()
	boom := errors.New("boom")

	f.FailNext(1, boom)
	_, err := f.Select(ctx, "t", nil)
	require.ErrorIs(t, err, boom)
	_, err = f.Select(ctx, "t", nil)
	require.NoError(t, err)

	f.SetOnline(false)
	_, err = f.Insert(ctx, "t", record.Record{"id": "x"})
	require.Equal(t, transport.KindTransient, transport.Classify(err))

	f.SetSession(nil)
	_, err = f.CurrentUser(ctx)
	require.ErrorIs(t, err, transport.ErrNoSession)
}
