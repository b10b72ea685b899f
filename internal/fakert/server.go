// Package fakert provides an in-process fake change-feed server for tests.
// It speaks the realtime protocol over WebSocket using JSON envelopes:
// channels are joined and left with phx_join/phx_leave, presence is tracked
// and diffed, and tests inject row-level change events directly.
//
// The WebSocket server is implemented using the gws library.
package fakert

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/lxzan/gws"

	"github.com/castboard/realtime.go/internal/codec"
	"github.com/castboard/realtime.go/pkg/connection"
)

// Server is a fake change-feed server. Zero-value configuration accepts
// every join; tests can reject specific topics and inject events.
type Server struct {
	addr     string
	listener net.Listener
	server   *gws.Server

	marshaler   codec.Marshaler
	unmarshaler codec.Unmarshaler

	mu          sync.RWMutex
	sockets     map[*gws.Conn]map[string]bool // socket -> joined topics
	joinCounts  map[string]int
	leaveCounts map[string]int
	rejectJoins map[string]string // topic -> error response
	presence    map[string]connection.PresenceState
	refCounter  int

	ctx    context.Context
	cancel context.CancelFunc
}

type handler struct {
	server *Server
}

// NewServer creates a fake server. Use "127.0.0.1:0" for a random port.
func NewServer(addr string) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	jsonCodec := codec.NewJSON()

	s := &Server{
		addr:        addr,
		marshaler:   jsonCodec,
		unmarshaler: jsonCodec,
		sockets:     make(map[*gws.Conn]map[string]bool),
		joinCounts:  make(map[string]int),
		leaveCounts: make(map[string]int),
		rejectJoins: make(map[string]string),
		presence:    make(map[string]connection.PresenceState),
		ctx:         ctx,
		cancel:      cancel,
	}

	s.server = gws.NewServer(&handler{server: s}, &gws.ServerOption{})
	s.server.OnError = func(_ net.Conn, err error) {
		if !errors.Is(err, net.ErrClosed) && !isUseOfClosedNetworkError(err) {
			log.Printf("fakert server error: %v", err)
		}
	}
	return s
}

func (s *Server) Start() error {
	var lc net.ListenConfig
	listener, err := lc.Listen(context.Background(), "tcp", s.addr)
	if err != nil {
		return err
	}
	s.listener = listener

	go func() {
		if err := s.server.RunListener(listener); err != nil {
			if !errors.Is(err, net.ErrClosed) && !isUseOfClosedNetworkError(err) {
				log.Printf("fakert server error: %v", err)
			}
		}
	}()
	return nil
}

func (s *Server) Stop() error {
	s.cancel()
	if s.listener != nil {
		return s.listener.Close()
	}
	return nil
}

// URL returns the base URL clients should dial (without the
// "/websocket" suffix, which the client appends).
func (s *Server) URL() string {
	return fmt.Sprintf("ws://%s", s.listener.Addr().String())
}

// RejectJoin makes joins of the topic fail with the given response.
func (s *Server) RejectJoin(topic, response string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rejectJoins[topic] = response
}

// JoinCount returns how many phx_join pushes the topic received.
func (s *Server) JoinCount(topic string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.joinCounts[topic]
}

// LeaveCount returns how many phx_leave pushes the topic received.
func (s *Server) LeaveCount(topic string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.leaveCounts[topic]
}

// EmitChange delivers a row-level change event to every member of the topic.
func (s *Server) EmitChange(topic string, payload connection.ChangePayload) {
	s.broadcast(topic, connection.EventPostgresChanges, payload)
}

// EmitPresenceState pushes an authoritative presence snapshot to the topic.
func (s *Server) EmitPresenceState(topic string, state connection.PresenceState) {
	s.mu.Lock()
	s.presence[topic] = state
	s.mu.Unlock()
	s.broadcast(topic, connection.EventPresenceState, state)
}

// EmitPresenceDiff pushes a presence delta to the topic.
func (s *Server) EmitPresenceDiff(topic string, diff connection.PresenceDiff) {
	s.broadcast(topic, connection.EventPresenceDiff, diff)
}

// DropConnections closes every socket, simulating connection loss.
func (s *Server) DropConnections() {
	s.mu.Lock()
	sockets := make([]*gws.Conn, 0, len(s.sockets))
	for socket := range s.sockets {
		sockets = append(sockets, socket)
	}
	s.mu.Unlock()

	for _, socket := range sockets {
		socket.NetConn().Close()
	}
}

func (s *Server) broadcast(topic, event string, payload any) {
	raw, err := s.marshaler.Marshal(payload)
	if err != nil {
		log.Printf("fakert: marshaling %s payload: %v", event, err)
		return
	}
	data, err := s.marshaler.Marshal(connection.Message{Topic: topic, Event: event, Payload: raw})
	if err != nil {
		log.Printf("fakert: marshaling %s envelope: %v", event, err)
		return
	}

	s.mu.RLock()
	var members []*gws.Conn
	for socket, topics := range s.sockets {
		if topics[topic] {
			members = append(members, socket)
		}
	}
	s.mu.RUnlock()

	for _, socket := range members {
		if err := socket.WriteMessage(gws.OpcodeText, data); err != nil {
			log.Printf("fakert: writing %s: %v", event, err)
		}
	}
}

func (h *handler) OnOpen(socket *gws.Conn) {
	h.server.mu.Lock()
	h.server.sockets[socket] = make(map[string]bool)
	h.server.mu.Unlock()
}

func (h *handler) OnClose(socket *gws.Conn, err error) {
	h.server.mu.Lock()
	delete(h.server.sockets, socket)
	h.server.mu.Unlock()
}

func (h *handler) OnPing(socket *gws.Conn, payload []byte) {
	if err := socket.WritePong(payload); err != nil {
		log.Printf("fakert: writing pong: %v", err)
	}
}

func (h *handler) OnPong(socket *gws.Conn, payload []byte) {}

func (h *handler) OnMessage(socket *gws.Conn, message *gws.Message) {
	defer message.Close()

	var msg connection.Message
	if err := h.server.unmarshaler.Unmarshal(message.Bytes(), &msg); err != nil {
		log.Printf("fakert: undecodable message: %v", err)
		return
	}

	switch msg.Event {
	case connection.EventHeartbeat:
		h.reply(socket, msg, "ok", nil)
	case connection.EventJoin:
		h.handleJoin(socket, msg)
	case connection.EventLeave:
		h.handleLeave(socket, msg)
	case connection.EventPresence:
		h.handleTrack(socket, msg)
	case connection.EventBroadcast:
		h.reply(socket, msg, "ok", nil)
		h.relayBroadcast(socket, msg)
	default:
		h.reply(socket, msg, "error", map[string]any{"reason": "unknown event"})
	}
}

func (h *handler) handleJoin(socket *gws.Conn, msg connection.Message) {
	s := h.server
	s.mu.Lock()
	s.joinCounts[msg.Topic]++
	if response, rejected := s.rejectJoins[msg.Topic]; rejected {
		s.mu.Unlock()
		h.reply(socket, msg, "error", map[string]any{"reason": response})
		return
	}
	if topics, ok := s.sockets[socket]; ok {
		topics[msg.Topic] = true
	}
	state, hasPresence := s.presence[msg.Topic]
	s.mu.Unlock()

	h.reply(socket, msg, "ok", map[string]any{})
	if hasPresence {
		h.push(socket, msg.Topic, connection.EventPresenceState, state)
	}
}

func (h *handler) handleLeave(socket *gws.Conn, msg connection.Message) {
	s := h.server
	s.mu.Lock()
	s.leaveCounts[msg.Topic]++
	if topics, ok := s.sockets[socket]; ok {
		delete(topics, msg.Topic)
	}
	s.mu.Unlock()

	h.reply(socket, msg, "ok", map[string]any{})
}

// handleTrack registers the tracked metadata under the key from the join
// config. For simplicity the fake uses the metadata's "key" field when
// present, falling back to a generated one.
func (h *handler) handleTrack(socket *gws.Conn, msg connection.Message) {
	var track connection.TrackPayload
	if err := h.server.unmarshaler.Unmarshal(msg.Payload, &track); err != nil {
		h.reply(socket, msg, "error", map[string]any{"reason": "bad track payload"})
		return
	}

	s := h.server
	s.mu.Lock()
	s.refCounter++
	key := fmt.Sprintf("actor-%d", s.refCounter)
	if k, ok := track.Payload["key"].(string); ok && k != "" {
		key = k
	}
	meta := connection.PresenceMeta{
		Ref:      strconv.Itoa(s.refCounter),
		JoinedAt: time.Now().UTC(),
		Meta:     track.Payload,
	}
	state, ok := s.presence[msg.Topic]
	if !ok {
		state = make(connection.PresenceState)
		s.presence[msg.Topic] = state
	}
	state[key] = append(state[key], meta)
	full := clonePresence(state)
	s.mu.Unlock()

	h.reply(socket, msg, "ok", map[string]any{})
	s.broadcast(msg.Topic, connection.EventPresenceDiff, connection.PresenceDiff{
		Joins: connection.PresenceState{key: {meta}},
	})
	h.push(socket, msg.Topic, connection.EventPresenceState, full)
}

func (h *handler) relayBroadcast(sender *gws.Conn, msg connection.Message) {
	var payload connection.BroadcastPayload
	if err := h.server.unmarshaler.Unmarshal(msg.Payload, &payload); err != nil {
		return
	}
	h.server.broadcast(msg.Topic, connection.EventBroadcast, payload)
}

func (h *handler) reply(socket *gws.Conn, msg connection.Message, status string, response any) {
	payload := map[string]any{"status": status, "response": response}
	raw, err := h.server.marshaler.Marshal(payload)
	if err != nil {
		log.Printf("fakert: marshaling reply: %v", err)
		return
	}
	data, err := h.server.marshaler.Marshal(connection.Message{
		Topic:   msg.Topic,
		Event:   connection.EventReply,
		Payload: raw,
		Ref:     msg.Ref,
	})
	if err != nil {
		log.Printf("fakert: marshaling reply envelope: %v", err)
		return
	}
	if err := socket.WriteMessage(gws.OpcodeText, data); err != nil {
		log.Printf("fakert: writing reply: %v", err)
	}
}

func (h *handler) push(socket *gws.Conn, topic, event string, payload any) {
	raw, err := h.server.marshaler.Marshal(payload)
	if err != nil {
		return
	}
	data, err := h.server.marshaler.Marshal(connection.Message{Topic: topic, Event: event, Payload: raw})
	if err != nil {
		return
	}
	if err := socket.WriteMessage(gws.OpcodeText, data); err != nil {
		log.Printf("fakert: writing %s: %v", event, err)
	}
}

func clonePresence(state connection.PresenceState) connection.PresenceState {
	out := make(connection.PresenceState, len(state))
	for key, metas := range state {
		out[key] = append([]connection.PresenceMeta(nil), metas...)
	}
	return out
}

func isUseOfClosedNetworkError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "use of closed network connection")
}
