package realtime

import (
	"context"
	"sync"

	"github.com/castboard/realtime.go/pkg/connection"
)

// EventSubscription exposes a channel's row-level changes as a typed event
// stream. The stream is unbounded: a slow consumer buffers events in memory
// instead of stalling the shared channel or dropping deliveries, and closing
// the subscription cancels the stream.
type EventSubscription struct {
	client  *Client
	channel *Channel
	sinkID  uint64
	desc    Descriptor

	mu      sync.Mutex
	cond    *sync.Cond
	pending []ChangeEvent
	state   consumerState
	err     error

	events chan ChangeEvent
	done   chan struct{}
}

// SubscribeEvents opens a raw change-event subscription for a table+filter.
// Malformed descriptors fail synchronously; everything else surfaces on Err.
func (c *Client) SubscribeEvents(ctx context.Context, d Descriptor) (*EventSubscription, error) {
	d = d.normalized()
	if err := d.Validate(); err != nil {
		return nil, err
	}

	sub := &EventSubscription{
		client: c,
		desc:   d,
		state:  stateLoading,
		events: make(chan ChangeEvent),
		done:   make(chan struct{}),
	}
	sub.cond = sync.NewCond(&sub.mu)
	go sub.pump()

	conn, err := c.acquireConn(ctx)
	if err != nil {
		sub.channelError(err)
		return sub, nil
	}

	ch, err := c.reg.acquire(ctx, conn, d.Topic(), joinConfigFor(d))
	if err != nil {
		sub.channelError(err)
		return sub, nil
	}
	sub.channel = ch
	sub.sinkID = ch.attach(sub)

	sub.mu.Lock()
	if sub.state == stateLoading {
		sub.state = stateLive
	}
	sub.mu.Unlock()
	return sub, nil
}

// Events returns the stream. It is closed when the subscription is.
func (s *EventSubscription) Events() <-chan ChangeEvent {
	return s.events
}

// Err returns the subscription's error state. The stream stays open while in
// error; events resume if the connection heals.
func (s *EventSubscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close cancels the stream and releases the channel reference. Events
// delivered after Close are dropped.
func (s *EventSubscription) Close() {
	s.mu.Lock()
	if s.state == stateDisposed {
		s.mu.Unlock()
		return
	}
	s.state = stateDisposed
	s.cond.Broadcast()
	s.mu.Unlock()
	close(s.done)

	if s.channel != nil {
		s.channel.detach(s.sinkID)
		s.client.reg.release(s.channel)
	}
}

// pump drains pending events into the consumer-facing channel.
func (s *EventSubscription) pump() {
	defer close(s.events)
	for {
		s.mu.Lock()
		for len(s.pending) == 0 && s.state != stateDisposed {
			s.cond.Wait()
		}
		if s.state == stateDisposed {
			s.mu.Unlock()
			return
		}
		batch := s.pending
		s.pending = nil
		s.mu.Unlock()

		for _, ev := range batch {
			select {
			case s.events <- ev:
			case <-s.done:
				return
			}
		}
	}
}

func (s *EventSubscription) deliver(msg connection.Message) {
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
	s.pending = append(s.pending, changeEventFromPayload(payload))
	s.cond.Signal()
}

func (s *EventSubscription) channelError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == stateDisposed {
		return
	}
	s.state = stateError
	s.err = err
}

func (s *EventSubscription) rejoined() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == stateDisposed {
		return
	}
	s.state = stateLive
	s.err = nil
}

// Handlers receives raw rows per change kind. Nil handlers are skipped.
type Handlers struct {
	OnInsert func(row Row)
	OnUpdate func(row Row)
	OnDelete func(oldRow Row)
}

// SubscribeFunc layers per-kind callbacks over an event stream. Handlers run
// sequentially, in delivery order, on one goroutine.
func (c *Client) SubscribeFunc(ctx context.Context, d Descriptor, h Handlers) (*EventSubscription, error) {
	sub, err := c.SubscribeEvents(ctx, d)
	if err != nil {
		return nil, err
	}

	go func() {
		for ev := range sub.Events() {
			switch ev.Action {
			case ActionInsert:
				if h.OnInsert != nil {
					h.OnInsert(ev.New)
				}
			case ActionUpdate:
				if h.OnUpdate != nil {
					h.OnUpdate(ev.New)
				}
			case ActionDelete:
				if h.OnDelete != nil {
					h.OnDelete(ev.Old)
				}
			}
		}
	}()
	return sub, nil
}
