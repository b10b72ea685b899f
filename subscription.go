package realtime

import (
	"context"
	"errors"
	"sync"

	"github.com/castboard/realtime.go/pkg/connection"
	"github.com/castboard/realtime.go/pkg/rowstore"
)

// consumerState is the lifecycle of one subscription consumer.
type consumerState int

const (
	stateIdle consumerState = iota
	stateLoading
	stateLive
	stateError
	stateDisposed
)

var ErrNoStore = errors.New("realtime: table subscriptions require Config.Store")

// TableOption adjusts a table subscription.
type TableOption func(*TableSubscription)

// WithKeyColumn sets the unique key column of the record set. Default "id".
func WithKeyColumn(column string) TableOption {
	return func(s *TableSubscription) { s.keyColumn = column }
}

// TableSubscription keeps a continuously reconciled, ordered view of one
// table. The view is loaded once from the row store, then maintained by
// applying live change events in delivery order.
//
// The record set is exclusively owned: two subscriptions to the same
// descriptor share a channel but never a record set.
type TableSubscription struct {
	client    *Client
	channel   *Channel
	sinkID    uint64
	desc      Descriptor
	keyColumn string

	mu      sync.RWMutex
	set     *RecordSet
	state   consumerState
	loading bool
	err     error
	gen     uint64

	updates chan struct{}
}

// SubscribeTable opens a table subscription. Malformed descriptors are
// rejected synchronously. Connection, channel and snapshot failures do not
// fail the call: the subscription is returned in its error state with its
// last reconciled data (initially empty) still visible, matching how views
// consume it.
func (c *Client) SubscribeTable(ctx context.Context, d Descriptor, opts ...TableOption) (*TableSubscription, error) {
	d = d.normalized()
	if err := d.Validate(); err != nil {
		return nil, err
	}
	if c.cfg.Store == nil {
		return nil, ErrNoStore
	}

	sub := &TableSubscription{
		client:    c,
		desc:      d,
		keyColumn: "id",
		state:     stateLoading,
		loading:   true,
		updates:   make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(sub)
	}
	sub.set = NewRecordSet(sub.keyColumn, d.OrderBy)

	conn, err := c.acquireConn(ctx)
	if err != nil {
		sub.fail(err)
		return sub, nil
	}

	ch, err := c.reg.acquire(ctx, conn, d.Topic(), joinConfigFor(d))
	if err != nil {
		sub.fail(err)
		return sub, nil
	}
	sub.channel = ch
	sub.sinkID = ch.attach(sub)

	go sub.loadSnapshot(ctx, sub.generation(), false)
	return sub, nil
}

// Rows returns the current ordered view.
func (s *TableSubscription) Rows() []Row {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.set.Rows()
}

// Loading reports whether the initial snapshot is still in flight.
func (s *TableSubscription) Loading() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.loading
}

// Err returns the subscription's error state. A subscription in error keeps
// its last reconciled rows visible; the caller decides how to react.
func (s *TableSubscription) Err() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.err
}

// Updates signals, coalesced, whenever the view changed. Closed on disposal.
func (s *TableSubscription) Updates() <-chan struct{} {
	return s.updates
}

// Close disposes the subscription: later deliveries are dropped, in-flight
// snapshot results are discarded on arrival, and the channel reference is
// released (closing the channel itself only if this was its last consumer).
// Safe on every exit path, including subscriptions that failed to open.
func (s *TableSubscription) Close() {
	s.mu.Lock()
	if s.state == stateDisposed {
		s.mu.Unlock()
		return
	}
	s.state = stateDisposed
	s.gen++
	close(s.updates)
	s.mu.Unlock()

	if s.channel != nil {
		s.channel.detach(s.sinkID)
		s.client.reg.release(s.channel)
	}
}

func (s *TableSubscription) generation() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.gen
}

func (s *TableSubscription) fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == stateDisposed {
		return
	}
	s.state = stateError
	s.loading = false
	s.err = err
	s.signalLocked()
}

// loadSnapshot performs the single ordered read of matching rows. There is no
// automatic retry: a failure surfaces on Err and the caller owns retry
// policy. authoritative selects between merging under raced live events
// (initial load) and wholesale replacement (reconnect heal).
func (s *TableSubscription) loadSnapshot(ctx context.Context, gen uint64, authoritative bool) {
	var filter *rowstore.Filter
	if s.desc.Filter != nil {
		filter = &rowstore.Filter{Column: s.desc.Filter.Column, Value: s.desc.Filter.Value}
	}
	var order *rowstore.Order
	if s.desc.OrderBy != nil {
		order = &rowstore.Order{Column: s.desc.OrderBy.Column, Ascending: s.desc.OrderBy.Ascending}
	}

	rows, err := s.client.cfg.Store.Select(ctx, s.desc.Table, filter, order)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == stateDisposed || s.gen != gen {
		return
	}
	if err != nil {
		s.state = stateError
		s.loading = false
		s.err = err
		s.signalLocked()
		return
	}

	if authoritative {
		s.set.Reset(rows)
	} else {
		s.set.ApplySnapshot(rows)
	}
	s.state = stateLive
	s.loading = false
	s.err = nil
	s.signalLocked()
}

// deliver runs on the channel run loop, in server order.
func (s *TableSubscription) deliver(msg connection.Message) {
	if msg.Event != connection.EventPostgresChanges {
		return
	}

	var payload connection.ChangePayload
	if err := unmarshalPayload(msg.Payload, &payload); err != nil {
		s.client.log.Error("dropping undecodable change event", "topic", s.desc.Topic(), "error", err)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == stateDisposed {
		return
	}
	s.set.Apply(changeEventFromPayload(payload))
	s.signalLocked()
}

func (s *TableSubscription) channelError(err error) {
	s.fail(err)
}

// rejoined heals the gap window after a reconnect by re-fetching the full
// snapshot; events lost while disconnected cannot otherwise be detected
// because the feed carries no sequence numbers.
func (s *TableSubscription) rejoined() {
	s.mu.Lock()
	if s.state == stateDisposed {
		s.mu.Unlock()
		return
	}
	s.state = stateLoading
	s.loading = true
	s.err = nil
	gen := s.gen
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), connection.DefaultSendTimeout)
	go func() {
		defer cancel()
		s.loadSnapshot(ctx, gen, true)
	}()
}

func (s *TableSubscription) signalLocked() {
	if s.state == stateDisposed {
		return
	}
	select {
	case s.updates <- struct{}{}:
	default:
	}
}
