package connection

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	gorilla "github.com/gorilla/websocket"

	"github.com/castboard/realtime.go/internal/refs"
)

// DefaultDialer is the gorilla dialer used by WebSocketConnection.
//
// It is the default gorilla dialer with compression enabled and the
// realtime subprotocol announced.
var DefaultDialer = &gorilla.Dialer{
	Proxy:             gorilla.DefaultDialer.Proxy,
	HandshakeTimeout:  gorilla.DefaultDialer.HandshakeTimeout,
	EnableCompression: true,
	Subprotocols:      []string{"realtime-json"},
}

// WebSocketConnection is the production Connection. It owns one gorilla
// socket, a reader goroutine that routes replies and channel traffic, and a
// heartbeat goroutine that detects dead peers.
type WebSocketConnection struct {
	baseConnection

	conn     *gorilla.Conn
	connLock sync.Mutex

	apiKey            string
	sendTimeout       time.Duration
	heartbeatInterval time.Duration

	refs refs.Source

	statusLock sync.Mutex
	status     Status

	closeChan chan struct{}
	closeOnce sync.Once
}

var _ Connection = (*WebSocketConnection)(nil)

func NewWebSocketConnection(cfg *Config) *WebSocketConnection {
	return &WebSocketConnection{
		baseConnection: baseConnection{
			baseURL:       cfg.BaseURL,
			marshaler:     cfg.Marshaler,
			unmarshaler:   cfg.Unmarshaler,
			logger:        cfg.Logger,
			replyChannels: make(map[string]chan Message),
			topicChannels: make(map[string]chan Message),
		},
		apiKey:            cfg.APIKey,
		sendTimeout:       cfg.SendTimeout,
		heartbeatInterval: cfg.HeartbeatInterval,
		status:            StatusDisconnected,
		closeChan:         make(chan struct{}),
	}
}

func (ws *WebSocketConnection) transitionTo(next Status, cause error) error {
	ws.statusLock.Lock()
	if err := ws.status.validateTransitionTo(next); err != nil {
		ws.statusLock.Unlock()
		return err
	}
	ws.status = next
	ws.statusLock.Unlock()

	ws.notifyStatus(StatusChange{Status: next, Err: cause})
	return nil
}

// Status returns the current lifecycle state.
func (ws *WebSocketConnection) Status() Status {
	ws.statusLock.Lock()
	defer ws.statusLock.Unlock()
	return ws.status
}

func (ws *WebSocketConnection) Connect(ctx context.Context) error {
	if err := ws.preConnectionChecks(); err != nil {
		return err
	}

	if err := ws.transitionTo(StatusConnecting, nil); err != nil {
		return err
	}

	endpoint := fmt.Sprintf("%s/websocket", ws.baseURL)
	if ws.apiKey != "" {
		endpoint = fmt.Sprintf("%s?apikey=%s", endpoint, url.QueryEscape(ws.apiKey))
	}

	conn, res, err := DefaultDialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		if stateErr := ws.transitionTo(StatusDisconnected, err); stateErr != nil {
			ws.logger.Error("failed to transition to disconnected state", "error", stateErr)
		}
		return fmt.Errorf("dialing change feed: %w", err)
	}
	defer res.Body.Close()

	ws.connLock.Lock()
	ws.conn = conn
	ws.connLock.Unlock()

	if err := ws.transitionTo(StatusConnected, nil); err != nil {
		return err
	}

	go ws.readLoop(conn)
	if ws.heartbeatInterval > 0 {
		go ws.heartbeatLoop(conn)
	}
	return nil
}

// Send writes the envelope and waits for the matching phx_reply. The reply's
// error status is not interpreted here; callers decide what a rejected push
// means for them.
func (ws *WebSocketConnection) Send(ctx context.Context, topic, event string, payload any) (*Reply, error) {
	if ws.sendTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, ws.sendTimeout)
		defer cancel()
	}

	select {
	case <-ws.closeChan:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	ref := ws.refs.Next()
	replyChan := ws.createReplyChannel(ref)
	defer ws.removeReplyChannel(ref)

	if err := ws.write(Envelope{Topic: topic, Event: event, Payload: payload, Ref: ref}); err != nil {
		return nil, err
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-ws.closeChan:
		return nil, ErrClosed
	case msg, open := <-replyChan:
		if !open {
			return nil, ErrNotConnected
		}
		var reply Reply
		if err := ws.unmarshaler.Unmarshal(msg.Payload, &reply); err != nil {
			return nil, fmt.Errorf("unmarshaling reply: %w", err)
		}
		return &reply, nil
	}
}

// Push writes the envelope without registering a reply channel.
func (ws *WebSocketConnection) Push(topic, event string, payload any) error {
	select {
	case <-ws.closeChan:
		return ErrClosed
	default:
	}
	return ws.write(Envelope{Topic: topic, Event: event, Payload: payload, Ref: ws.refs.Next()})
}

func (ws *WebSocketConnection) write(v Envelope) error {
	data, err := ws.marshaler.Marshal(v)
	if err != nil {
		return err
	}

	ws.connLock.Lock()
	defer ws.connLock.Unlock()
	if ws.conn == nil {
		return ErrNotConnected
	}
	return ws.conn.WriteMessage(gorilla.TextMessage, data)
}

// Close tears the connection down. The context bounds the close-message
// write only; local resources are released regardless.
func (ws *WebSocketConnection) Close(ctx context.Context) error {
	alreadyClosed := true
	ws.closeOnce.Do(func() {
		alreadyClosed = false
		close(ws.closeChan)
	})
	if alreadyClosed {
		return nil
	}

	if err := ws.transitionTo(StatusClosing, nil); err != nil {
		ws.logger.Error("failed to transition to closing state", "error", err)
	}
	defer func() {
		if err := ws.transitionTo(StatusClosed, nil); err != nil {
			ws.logger.Error("failed to transition to closed state", "error", err)
		}
	}()

	ws.failPendingReplies()

	ws.connLock.Lock()
	defer ws.connLock.Unlock()
	if ws.conn == nil {
		return nil
	}

	// Try to tell the server we are leaving, but never let a dead peer keep
	// us from releasing the local socket.
	writeErr := make(chan error, 1)
	go func() {
		writeErr <- ws.conn.WriteMessage(gorilla.CloseMessage, gorilla.FormatCloseMessage(CloseMessageCode, ""))
	}()
	select {
	case err := <-writeErr:
		if err != nil {
			ws.logger.Error("failed to write close message", "error", err)
		}
	case <-ctx.Done():
	}

	return ws.conn.Close()
}

func (ws *WebSocketConnection) readLoop(conn *gorilla.Conn) {
	for {
		select {
		case <-ws.closeChan:
			return
		default:
		}

		_, data, err := conn.ReadMessage()
		if err != nil {
			ws.handleReadError(err)
			return
		}
		// Dispatch inline: delivery order within a topic must match the
		// order the server wrote the messages in.
		ws.route(data)
	}
}

func (ws *WebSocketConnection) handleReadError(err error) {
	select {
	case <-ws.closeChan:
		// Deliberate close; the reader just winds down.
		return
	default:
	}

	ws.logger.Error("connection lost", "error", err)
	ws.failPendingReplies()
	if stateErr := ws.transitionTo(StatusDisconnected, err); stateErr != nil {
		ws.logger.Error("failed to transition to disconnected state", "error", stateErr)
	}
}

func (ws *WebSocketConnection) route(data []byte) {
	var msg Message
	if err := ws.unmarshaler.Unmarshal(data, &msg); err != nil {
		ws.logger.Error("dropping undecodable message", "error", err)
		return
	}

	if msg.Event == EventReply && msg.Topic == TopicHeartbeat {
		// Heartbeat replies are awaited like any other.
		ws.deliverReply(msg)
		return
	}

	switch msg.Event {
	case EventReply:
		ws.deliverReply(msg)
	default:
		ch, ok := ws.getTopicChannel(msg.Topic)
		if !ok {
			ws.logger.Debug("no subscriber for topic", "topic", msg.Topic, "event", msg.Event)
			return
		}
		select {
		case ch <- msg:
		default:
			ws.logger.Warn("topic buffer full, dropping message", "topic", msg.Topic, "event", msg.Event)
		}
	}
}

func (ws *WebSocketConnection) deliverReply(msg Message) {
	replyChan, ok := ws.takeReplyChannel(msg.Ref)
	if !ok {
		ws.logger.Debug("reply for unknown ref", "ref", msg.Ref, "topic", msg.Topic)
		return
	}
	replyChan <- msg
	close(replyChan)
}

// heartbeatLoop keeps the peer honest. A heartbeat that errors or misses its
// reply closes the socket, which surfaces as a read error and a Disconnected
// transition for the reconnect layer to act on.
func (ws *WebSocketConnection) heartbeatLoop(conn *gorilla.Conn) {
	ticker := time.NewTicker(ws.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ws.closeChan:
			return
		case <-ticker.C:
			if _, err := ws.Send(context.Background(), TopicHeartbeat, EventHeartbeat, map[string]any{}); err != nil {
				ws.logger.Error("heartbeat failed", "error", err)
				// Closing the socket wakes the reader, which performs the
				// Disconnected transition exactly once.
				if closeErr := conn.Close(); closeErr != nil {
					ws.logger.Debug("closing socket after failed heartbeat", "error", closeErr)
				}
				return
			}
		}
	}
}
