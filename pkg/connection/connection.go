// Package connection implements the multiplexed websocket connection to the
// change-feed service. One connection carries any number of logical channels;
// pushes are correlated to replies by ref, and channel traffic is routed to
// per-topic delivery channels.
package connection

import (
	"context"
	"fmt"
	"sync"

	"github.com/castboard/realtime.go/internal/codec"
	"github.com/castboard/realtime.go/pkg/logger"
)

// Status is the lifecycle state of a connection.
type Status int

const (
	StatusDisconnected Status = iota
	StatusConnecting
	StatusConnected
	StatusClosing
	StatusClosed
)

func (s Status) String() string {
	switch s {
	case StatusDisconnected:
		return "Disconnected"
	case StatusConnecting:
		return "Connecting"
	case StatusConnected:
		return "Connected"
	case StatusClosing:
		return "Closing"
	case StatusClosed:
		return "Closed"
	default:
		return "InvalidStatus"
	}
}

func (s Status) validateTransitionTo(next Status) error {
	switch s {
	case StatusDisconnected:
		switch next {
		case StatusConnecting, StatusDisconnected, StatusClosing:
			return nil
		}
	case StatusConnecting:
		switch next {
		case StatusConnected, StatusDisconnected, StatusClosing:
			return nil
		}
	case StatusConnected:
		switch next {
		case StatusDisconnected, StatusClosing:
			return nil
		}
	case StatusClosing:
		if next == StatusClosed {
			return nil
		}
	}
	return fmt.Errorf("invalid status transition from %v to %v", s, next)
}

// StatusChange is delivered to the status handler on every transition.
// Err is non-nil when the transition was caused by a failure.
type StatusChange struct {
	Status Status
	Err    error
}

// Connection is the transport seam between the subscription layer and the
// change-feed service. WebSocketConnection is the production implementation;
// tests substitute their own.
type Connection interface {
	// Connect establishes the connection. It must be called before any push.
	Connect(ctx context.Context) error
	// Close tears the connection down. Idempotent from the caller's view.
	Close(ctx context.Context) error
	// Send writes an envelope and waits for the matching phx_reply.
	Send(ctx context.Context, topic, event string, payload any) (*Reply, error)
	// Push writes an envelope without waiting for a reply.
	Push(topic, event string, payload any) error
	// Subscribe registers a delivery channel for one topic. At most one
	// subscriber per topic; the channel registry enforces that upstream.
	Subscribe(topic string) (chan Message, error)
	// Unsubscribe removes and closes the topic's delivery channel.
	Unsubscribe(topic string)
	// SetStatusHandler installs the transition callback. Must be set before
	// Connect; the handler runs on connection goroutines and must not block.
	SetStatusHandler(fn func(StatusChange))
}

// baseConnection holds the routing tables shared by connection
// implementations: pending replies keyed by ref, and per-topic delivery
// channels keyed by canonical topic.
type baseConnection struct {
	baseURL     string
	marshaler   codec.Marshaler
	unmarshaler codec.Unmarshaler
	logger      logger.Logger

	replyChannels     map[string]chan Message
	replyChannelsLock sync.Mutex

	topicChannels     map[string]chan Message
	topicChannelsLock sync.RWMutex

	statusHandler func(StatusChange)
}

func (bc *baseConnection) preConnectionChecks() error {
	if bc.baseURL == "" {
		return ErrNoBaseURL
	}
	if bc.marshaler == nil {
		return ErrNoMarshaler
	}
	if bc.unmarshaler == nil {
		return ErrNoUnmarshaler
	}
	return nil
}

func (bc *baseConnection) createReplyChannel(ref string) chan Message {
	bc.replyChannelsLock.Lock()
	defer bc.replyChannelsLock.Unlock()

	ch := make(chan Message, 1)
	bc.replyChannels[ref] = ch
	return ch
}

func (bc *baseConnection) takeReplyChannel(ref string) (chan Message, bool) {
	bc.replyChannelsLock.Lock()
	defer bc.replyChannelsLock.Unlock()

	ch, ok := bc.replyChannels[ref]
	if ok {
		delete(bc.replyChannels, ref)
	}
	return ch, ok
}

func (bc *baseConnection) removeReplyChannel(ref string) {
	bc.replyChannelsLock.Lock()
	defer bc.replyChannelsLock.Unlock()
	delete(bc.replyChannels, ref)
}

// failPendingReplies drops every pending reply channel so that in-flight
// Sends observe the connection error instead of hanging until timeout.
func (bc *baseConnection) failPendingReplies() {
	bc.replyChannelsLock.Lock()
	defer bc.replyChannelsLock.Unlock()

	for ref, ch := range bc.replyChannels {
		close(ch)
		delete(bc.replyChannels, ref)
	}
}

func (bc *baseConnection) Subscribe(topic string) (chan Message, error) {
	bc.topicChannelsLock.Lock()
	defer bc.topicChannelsLock.Unlock()

	if _, ok := bc.topicChannels[topic]; ok {
		return nil, fmt.Errorf("%w: %v", ErrTopicInUse, topic)
	}

	ch := make(chan Message, topicBuffer)
	bc.topicChannels[topic] = ch
	return ch, nil
}

func (bc *baseConnection) Unsubscribe(topic string) {
	bc.topicChannelsLock.Lock()
	defer bc.topicChannelsLock.Unlock()

	if ch, ok := bc.topicChannels[topic]; ok {
		close(ch)
		delete(bc.topicChannels, topic)
	}
}

func (bc *baseConnection) getTopicChannel(topic string) (chan Message, bool) {
	bc.topicChannelsLock.RLock()
	defer bc.topicChannelsLock.RUnlock()
	ch, ok := bc.topicChannels[topic]
	return ch, ok
}

func (bc *baseConnection) SetStatusHandler(fn func(StatusChange)) {
	bc.statusHandler = fn
}

func (bc *baseConnection) notifyStatus(change StatusChange) {
	if bc.statusHandler != nil {
		bc.statusHandler(change)
	}
}
