package realtime

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/castboard/realtime.go/pkg/connection"
	"github.com/castboard/realtime.go/pkg/rowstore"
)

func waitLive(t *testing.T, sub *TableSubscription) {
	t.Helper()
	require.Eventually(t, func() bool {
		return !sub.Loading() && sub.Err() == nil
	}, time.Second, 5*time.Millisecond)
}

func TestSubscribeTableRequiresStore(t *testing.T) {
	c := newTestClient(t, newFakeConn(), nil)

	_, err := c.SubscribeTable(context.Background(), Descriptor{Table: "jobs"})
	assert.ErrorIs(t, err, ErrNoStore)
}

func TestSubscribeTableRejectsBadDescriptor(t *testing.T) {
	c := newTestClient(t, newFakeConn(), &fakeStore{})

	_, err := c.SubscribeTable(context.Background(), Descriptor{})
	assert.Error(t, err)

	_, err = c.SubscribeTable(context.Background(), Descriptor{
		Table:  "jobs",
		Filter: &FilterExpr{Column: "age", Op: "gt", Value: "21"},
	})
	assert.ErrorIs(t, err, ErrUnsupportedOperator)
}

func TestSubscribeTableLoadsSnapshot(t *testing.T) {
	fc := newFakeConn()
	st := &fakeStore{rows: []rowstore.Row{row(1, "status", "open"), row(2, "status", "open")}}
	c := newTestClient(t, fc, st)

	d := Descriptor{
		Table:   "jobs",
		Filter:  Eq("status", "open"),
		OrderBy: &OrderBy{Column: "created_at", Ascending: false},
	}
	sub, err := c.SubscribeTable(context.Background(), d)
	require.NoError(t, err)
	defer sub.Close()

	assert.True(t, sub.Loading())
	waitLive(t, sub)

	assert.Equal(t, []any{1, 2}, ids(sub.Rows()))

	// Filter and ordering pass through to the snapshot read.
	require.NotNil(t, st.lastFilter)
	assert.Equal(t, rowstore.Filter{Column: "status", Value: "open"}, *st.lastFilter)
	require.NotNil(t, st.lastOrder)
	assert.Equal(t, rowstore.Order{Column: "created_at", Ascending: false}, *st.lastOrder)
}

func TestSnapshotErrorSurfacesWithoutThrowing(t *testing.T) {
	fc := newFakeConn()
	cause := errors.New("store unavailable")
	st := &fakeStore{err: cause}
	c := newTestClient(t, fc, st)

	sub, err := c.SubscribeTable(context.Background(), Descriptor{Table: "jobs"})
	require.NoError(t, err)
	defer sub.Close()

	require.Eventually(t, func() bool {
		return sub.Err() != nil
	}, time.Second, 5*time.Millisecond)

	assert.ErrorIs(t, sub.Err(), cause)
	assert.False(t, sub.Loading())
	assert.Empty(t, sub.Rows())
}

func TestTableSubscriptionReconcilesLiveEvents(t *testing.T) {
	fc := newFakeConn()
	st := &fakeStore{rows: []rowstore.Row{row(1, "v", "a")}}
	c := newTestClient(t, fc, st)

	d := Descriptor{Table: "jobs"}
	sub, err := c.SubscribeTable(context.Background(), d)
	require.NoError(t, err)
	defer sub.Close()
	waitLive(t, sub)

	fc.emit(t, d.Topic(), connection.EventPostgresChanges, connection.ChangePayload{
		EventType: "INSERT", New: row(2, "v", "b"),
	})
	require.Eventually(t, func() bool { return len(sub.Rows()) == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []any{float64(2), 1}, ids(sub.Rows()))

	fc.emit(t, d.Topic(), connection.EventPostgresChanges, connection.ChangePayload{
		EventType: "UPDATE", New: row(1, "v", "a2"), Old: row(1, "v", "a"),
	})
	require.Eventually(t, func() bool {
		rows := sub.Rows()
		return len(rows) == 2 && rows[1]["v"] == "a2"
	}, time.Second, 5*time.Millisecond)

	fc.emit(t, d.Topic(), connection.EventPostgresChanges, connection.ChangePayload{
		EventType: "DELETE", Old: row(1),
	})
	require.Eventually(t, func() bool {
		return len(sub.Rows()) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []any{float64(2)}, ids(sub.Rows()))
}

func TestTableSubscriptionKeyColumnOption(t *testing.T) {
	fc := newFakeConn()
	st := &fakeStore{rows: []rowstore.Row{{"slug": "a"}, {"slug": "b"}}}
	c := newTestClient(t, fc, st)

	d := Descriptor{Table: "pages"}
	sub, err := c.SubscribeTable(context.Background(), d, WithKeyColumn("slug"))
	require.NoError(t, err)
	defer sub.Close()
	waitLive(t, sub)

	fc.emit(t, d.Topic(), connection.EventPostgresChanges, connection.ChangePayload{
		EventType: "UPDATE", New: Row{"slug": "a", "title": "edited"},
	})
	require.Eventually(t, func() bool {
		rows := sub.Rows()
		return len(rows) == 2 && rows[0]["title"] == "edited"
	}, time.Second, 5*time.Millisecond)
}

func TestCloseDiscardsInFlightSnapshot(t *testing.T) {
	fc := newFakeConn()
	gate := make(chan struct{})
	st := &fakeStore{rows: []rowstore.Row{row(1)}, gate: gate}
	c := newTestClient(t, fc, st)

	sub, err := c.SubscribeTable(context.Background(), Descriptor{Table: "jobs"})
	require.NoError(t, err)

	sub.Close()
	close(gate)

	// The snapshot result arrives after disposal and must be dropped.
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, sub.Rows())
}

func TestEventsAfterCloseAreDropped(t *testing.T) {
	fc := newFakeConn()
	st := &fakeStore{}
	c := newTestClient(t, fc, st)

	d := Descriptor{Table: "jobs"}
	sub, err := c.SubscribeTable(context.Background(), d)
	require.NoError(t, err)
	waitLive(t, sub)

	sub2, err := c.SubscribeTable(context.Background(), d)
	require.NoError(t, err)
	defer sub2.Close()
	waitLive(t, sub2)

	sub.Close()

	// The channel stays open for sub2; sub must ignore the delivery.
	fc.emit(t, d.Topic(), connection.EventPostgresChanges, connection.ChangePayload{
		EventType: "INSERT", New: row(9),
	})
	require.Eventually(t, func() bool { return len(sub2.Rows()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Empty(t, sub.Rows())
}

func TestErrorKeepsLastReconciledRows(t *testing.T) {
	fc := newFakeConn()
	st := &fakeStore{rows: []rowstore.Row{row(1)}}
	c := newTestClient(t, fc, st)

	sub, err := c.SubscribeTable(context.Background(), Descriptor{Table: "jobs"})
	require.NoError(t, err)
	defer sub.Close()
	waitLive(t, sub)

	cause := errors.New("connection reset")
	fc.fireStatus(connection.StatusChange{Status: connection.StatusDisconnected, Err: cause})

	require.Eventually(t, func() bool {
		return errors.Is(sub.Err(), cause)
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []any{1}, ids(sub.Rows()))
}

func TestRejoinRefetchesAuthoritativeSnapshot(t *testing.T) {
	fc := newFakeConn()
	st := &fakeStore{rows: []rowstore.Row{row(1), row(2)}}
	c := newTestClient(t, fc, st)

	d := Descriptor{Table: "jobs"}
	sub, err := c.SubscribeTable(context.Background(), d)
	require.NoError(t, err)
	defer sub.Close()
	waitLive(t, sub)
	require.Equal(t, 1, st.selectCount())

	// Row 1 disappeared while disconnected; only the re-fetch can know.
	st.mu.Lock()
	st.rows = []rowstore.Row{row(2)}
	st.mu.Unlock()

	fc.fireStatus(connection.StatusChange{Status: connection.StatusDisconnected, Err: errors.New("dropped")})
	require.Eventually(t, func() bool { return sub.Err() != nil }, time.Second, 5*time.Millisecond)
	fc.fireStatus(connection.StatusChange{Status: connection.StatusConnected})

	require.Eventually(t, func() bool {
		return st.selectCount() == 2 && !sub.Loading()
	}, time.Second, 5*time.Millisecond)
	assert.NoError(t, sub.Err())
	assert.Equal(t, []any{2}, ids(sub.Rows()))
}

func TestUpdatesSignalCoalesces(t *testing.T) {
	fc := newFakeConn()
	st := &fakeStore{}
	c := newTestClient(t, fc, st)

	d := Descriptor{Table: "jobs"}
	sub, err := c.SubscribeTable(context.Background(), d)
	require.NoError(t, err)
	waitLive(t, sub)

	select {
	case <-sub.Updates():
	case <-time.After(time.Second):
		t.Fatal("no update signal after snapshot load")
	}

	for i := 0; i < 10; i++ {
		fc.emit(t, d.Topic(), connection.EventPostgresChanges, connection.ChangePayload{
			EventType: "INSERT", New: row(i),
		})
	}
	require.Eventually(t, func() bool { return len(sub.Rows()) == 10 }, time.Second, 5*time.Millisecond)

	select {
	case <-sub.Updates():
	case <-time.After(time.Second):
		t.Fatal("no update signal after live events")
	}

	sub.Close()
	_, open := <-sub.Updates()
	assert.False(t, open, "updates channel should close on disposal")
}
