package realtime

import (
	"context"
	"sync"

	"github.com/castboard/realtime.go/pkg/connection"
	"github.com/castboard/realtime.go/pkg/logger"
)

// sink is the channel-facing side of a subscription consumer. Deliveries run
// on the channel's run loop goroutine, in server order; implementations guard
// their own state and must drop everything once disposed.
type sink interface {
	deliver(msg connection.Message)
	channelError(err error)
	rejoined()
}

// Channel is one logical subscription stream multiplexed over the shared
// connection. The registry guarantees at most one live Channel per canonical
// topic; consumers attach as sinks and are fanned out to individually, each
// keeping its own state.
type Channel struct {
	topic      string
	joinConfig connection.JoinConfig
	conn       connection.Connection
	log        logger.Logger

	joinOnce sync.Once
	joinErr  error

	mu       sync.Mutex
	refs     int
	joined   bool
	closed   bool
	sinks    map[uint64]sink
	nextSink uint64
	msgs     chan connection.Message
}

func newChannel(conn connection.Connection, topic string, cfg connection.JoinConfig, log logger.Logger) *Channel {
	return &Channel{
		topic:      topic,
		joinConfig: cfg,
		conn:       conn,
		log:        log,
		sinks:      make(map[uint64]sink),
	}
}

// Topic returns the canonical channel name.
func (c *Channel) Topic() string { return c.topic }

// SubscriberCount returns the number of consumers currently attached.
func (c *Channel) SubscriberCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.refs
}

// retain increments the subscriber count. It fails when the channel already
// drained to zero and is being torn down; the caller then acquires a fresh
// channel from the registry.
func (c *Channel) retain() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.refs++
	return true
}

// releaseRef decrements the subscriber count and reports whether this was the
// last reference, atomically marking the channel closed if so.
func (c *Channel) releaseRef() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.refs--
	if c.refs > 0 {
		return false
	}
	c.closed = true
	return true
}

// ensureJoined subscribes the topic on the connection and performs the join
// handshake, once. Concurrent acquirers block on the same join and share its
// outcome.
func (c *Channel) ensureJoined(ctx context.Context) error {
	c.joinOnce.Do(func() {
		c.joinErr = c.join(ctx)
	})
	return c.joinErr
}

func (c *Channel) join(ctx context.Context) error {
	msgs, err := c.conn.Subscribe(c.topic)
	if err != nil {
		return err
	}

	reply, err := c.conn.Send(ctx, c.topic, connection.EventJoin, connection.JoinPayload{Config: c.joinConfig})
	if err != nil {
		c.conn.Unsubscribe(c.topic)
		return err
	}
	if !reply.OK() {
		c.conn.Unsubscribe(c.topic)
		return &connection.ReplyError{Topic: c.topic, Event: connection.EventJoin, Response: string(reply.Response)}
	}

	c.mu.Lock()
	c.msgs = msgs
	c.joined = true
	c.mu.Unlock()

	go c.runLoop(msgs)
	return nil
}

// rejoin re-sends the join handshake after a reconnect. The topic's delivery
// channel survives reconnects, so only the handshake is repeated; sinks are
// then told to heal their state. A channel whose initial join is still in
// flight is skipped, otherwise the topic would be joined twice; a join that
// fails mid-reconnect surfaces to its acquirer instead.
func (c *Channel) rejoin(ctx context.Context) error {
	c.mu.Lock()
	joined := c.joined
	c.mu.Unlock()
	if !joined {
		return nil
	}

	reply, err := c.conn.Send(ctx, c.topic, connection.EventJoin, connection.JoinPayload{Config: c.joinConfig})
	if err != nil {
		return err
	}
	if !reply.OK() {
		return &connection.ReplyError{Topic: c.topic, Event: connection.EventJoin, Response: string(reply.Response)}
	}

	for _, s := range c.snapshotSinks() {
		s.rejoined()
	}
	return nil
}

// leave tears the channel down. Removing the topic's delivery channel is
// synchronous so an immediate re-acquisition of the same topic never
// collides; the server-side leave wants no reply, so it goes out as a
// fire-and-forget push and is only logged on failure.
func (c *Channel) leave() {
	c.conn.Unsubscribe(c.topic)

	go func() {
		if err := c.conn.Push(c.topic, connection.EventLeave, map[string]any{}); err != nil {
			c.log.Warn("leave push failed", "topic", c.topic, "error", err)
		}
	}()
}

func (c *Channel) attach(s sink) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextSink++
	id := c.nextSink
	c.sinks[id] = s
	return id
}

func (c *Channel) detach(id uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.sinks, id)
}

func (c *Channel) snapshotSinks() []sink {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]sink, 0, len(c.sinks))
	for _, s := range c.sinks {
		out = append(out, s)
	}
	return out
}

// runLoop fans messages out to attached sinks in delivery order. It exits
// when the topic's delivery channel is closed on teardown.
func (c *Channel) runLoop(msgs chan connection.Message) {
	for msg := range msgs {
		if msg.Event == connection.EventError {
			c.log.Warn("channel errored on server", "topic", c.topic)
			continue
		}
		for _, s := range c.snapshotSinks() {
			s.deliver(msg)
		}
	}
}

// broadcastError propagates a connection-wide failure to every consumer on
// this channel.
func (c *Channel) broadcastError(err error) {
	for _, s := range c.snapshotSinks() {
		s.channelError(err)
	}
}
