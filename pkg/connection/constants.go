package connection

import (
	"errors"
	"time"
)

const (
	// DefaultSendTimeout bounds the wait for a phx_reply after a push was
	// written successfully.
	DefaultSendTimeout = 10 * time.Second
	// DefaultHeartbeatInterval is how often a heartbeat is exchanged on the
	// reserved topic. A missed heartbeat reply tears the connection down.
	DefaultHeartbeatInterval = 25 * time.Second
	// CloseMessageCode is the websocket close code sent on deliberate close.
	CloseMessageCode = 1000
	// topicBuffer is the per-topic delivery buffer. The reader never blocks
	// on a slow consumer; overflow is dropped and logged.
	topicBuffer = 256
)

var (
	ErrNoBaseURL     = errors.New("connection has no base URL")
	ErrNoMarshaler   = errors.New("connection has no marshaler")
	ErrNoUnmarshaler = errors.New("connection has no unmarshaler")
	ErrTopicInUse    = errors.New("topic already subscribed")
	ErrClosed        = errors.New("connection closed")
	ErrNotConnected  = errors.New("connection not established")
)
