package realtime

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/castboard/realtime.go/pkg/connection"
)

func recvEvent(t *testing.T, events <-chan ChangeEvent) ChangeEvent {
	t.Helper()
	select {
	case ev, ok := <-events:
		require.True(t, ok, "event stream closed early")
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return ChangeEvent{}
	}
}

func TestSubscribeEventsRejectsBadDescriptor(t *testing.T) {
	c := newTestClient(t, newFakeConn(), nil)

	_, err := c.SubscribeEvents(context.Background(), Descriptor{})
	assert.Error(t, err)
}

func TestEventStreamPreservesOrder(t *testing.T) {
	fc := newFakeConn()
	c := newTestClient(t, fc, nil)
	d := Descriptor{Table: "jobs", Events: EventAll}

	sub, err := c.SubscribeEvents(context.Background(), d)
	require.NoError(t, err)
	require.NoError(t, sub.Err())
	defer sub.Close()

	fc.emit(t, d.Topic(), connection.EventPostgresChanges, connection.ChangePayload{EventType: "INSERT", New: row(1)})
	fc.emit(t, d.Topic(), connection.EventPostgresChanges, connection.ChangePayload{EventType: "UPDATE", New: row(1, "v", "x"), Old: row(1)})
	fc.emit(t, d.Topic(), connection.EventPostgresChanges, connection.ChangePayload{EventType: "DELETE", Old: row(1)})

	ev := recvEvent(t, sub.Events())
	assert.Equal(t, ActionInsert, ev.Action)
	assert.Equal(t, float64(1), ev.New["id"])

	ev = recvEvent(t, sub.Events())
	assert.Equal(t, ActionUpdate, ev.Action)
	assert.Equal(t, "x", ev.New["v"])
	assert.NotNil(t, ev.Old)

	ev = recvEvent(t, sub.Events())
	assert.Equal(t, ActionDelete, ev.Action)
	assert.Nil(t, ev.New)
}

func TestEventStreamIgnoresForeignEvents(t *testing.T) {
	fc := newFakeConn()
	c := newTestClient(t, fc, nil)
	d := Descriptor{Table: "jobs"}

	sub, err := c.SubscribeEvents(context.Background(), d)
	require.NoError(t, err)
	defer sub.Close()

	fc.emit(t, d.Topic(), connection.EventPresenceDiff, connection.PresenceDiff{})
	fc.emit(t, d.Topic(), connection.EventPostgresChanges, connection.ChangePayload{EventType: "INSERT", New: row(1)})

	ev := recvEvent(t, sub.Events())
	assert.Equal(t, ActionInsert, ev.Action)
}

func TestEventStreamClosesOnClose(t *testing.T) {
	fc := newFakeConn()
	c := newTestClient(t, fc, nil)

	sub, err := c.SubscribeEvents(context.Background(), Descriptor{Table: "jobs"})
	require.NoError(t, err)

	sub.Close()
	sub.Close() // idempotent

	select {
	case _, ok := <-sub.Events():
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("event stream did not close")
	}
}

func TestSubscribeFuncDispatchesByKind(t *testing.T) {
	fc := newFakeConn()
	c := newTestClient(t, fc, nil)
	d := Descriptor{Table: "jobs"}

	var mu sync.Mutex
	var got []string
	record := func(kind string) func(Row) {
		return func(Row) {
			mu.Lock()
			got = append(got, kind)
			mu.Unlock()
		}
	}

	sub, err := c.SubscribeFunc(context.Background(), d, Handlers{
		OnInsert: record("insert"),
		OnUpdate: record("update"),
		OnDelete: record("delete"),
	})
	require.NoError(t, err)
	defer sub.Close()

	fc.emit(t, d.Topic(), connection.EventPostgresChanges, connection.ChangePayload{EventType: "INSERT", New: row(1)})
	fc.emit(t, d.Topic(), connection.EventPostgresChanges, connection.ChangePayload{EventType: "DELETE", Old: row(1)})
	fc.emit(t, d.Topic(), connection.EventPostgresChanges, connection.ChangePayload{EventType: "UPDATE", New: row(2)})

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 3
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"insert", "delete", "update"}, got)
}
