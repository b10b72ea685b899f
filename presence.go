package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/gofrs/uuid"

	"github.com/castboard/realtime.go/pkg/connection"
)

// PresenceEntry is one tracked actor instance. The same key holds multiple
// entries when the actor is connected from several tabs or devices.
type PresenceEntry struct {
	Key      string
	Ref      string
	JoinedAt time.Time
	Metadata map[string]any
}

// BroadcastEvent is an ephemeral message relayed through a room channel.
type BroadcastEvent struct {
	Event   string
	Payload json.RawMessage
}

// PresenceSubscription joins a named room, publishes the local actor's
// metadata, and maintains the set of actors currently online. Sync events
// from the server are authoritative and override any previously applied
// join/leave deltas.
type PresenceSubscription struct {
	client  *Client
	channel *Channel
	sinkID  uint64
	topic   string
	key     string
	meta    map[string]any

	mu      sync.RWMutex
	entries map[string][]PresenceEntry
	state   consumerState
	err     error

	updates    chan struct{}
	broadcasts chan BroadcastEvent
}

// RoomTopic is the canonical channel name for a presence room.
func RoomTopic(room string) string {
	return "realtime:room:" + room
}

// SubscribePresence joins the room and tracks the local actor under key with
// the given metadata. Tracking happens only after the join is acknowledged;
// it is repeated automatically after every reconnect, otherwise the local
// actor would silently vanish from peers' views.
func (c *Client) SubscribePresence(ctx context.Context, room, key string, meta map[string]any) (*PresenceSubscription, error) {
	if room == "" {
		return nil, fmt.Errorf("realtime: presence room name is required")
	}
	if key == "" {
		id, err := uuid.NewV4()
		if err != nil {
			return nil, fmt.Errorf("generating presence key: %w", err)
		}
		key = id.String()
	}

	sub := &PresenceSubscription{
		client:     c,
		topic:      RoomTopic(room),
		key:        key,
		meta:       meta,
		entries:    make(map[string][]PresenceEntry),
		state:      stateLoading,
		updates:    make(chan struct{}, 1),
		broadcasts: make(chan BroadcastEvent, 16),
	}

	conn, err := c.acquireConn(ctx)
	if err != nil {
		sub.channelError(err)
		return sub, nil
	}

	cfg := connection.JoinConfig{
		Presence:  &connection.PresenceConfig{Key: key},
		Broadcast: &connection.BroadcastConfig{Self: true},
	}
	ch, err := c.reg.acquire(ctx, conn, sub.topic, cfg)
	if err != nil {
		sub.channelError(err)
		return sub, nil
	}
	sub.channel = ch
	sub.sinkID = ch.attach(sub)

	if err := sub.track(ctx); err != nil {
		sub.channelError(err)
		return sub, nil
	}

	sub.mu.Lock()
	if sub.state == stateLoading {
		sub.state = stateLive
	}
	sub.mu.Unlock()
	return sub, nil
}

// Key returns the key the local actor is tracked under.
func (s *PresenceSubscription) Key() string { return s.key }

// OnlineEntries returns every tracked entry, grouped by key in stable order.
func (s *PresenceSubscription) OnlineEntries() []PresenceEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := make([]string, 0, len(s.entries))
	for key := range s.entries {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	var out []PresenceEntry
	for _, key := range keys {
		out = append(out, s.entries[key]...)
	}
	return out
}

// Err returns the subscription's error state. The last known online set
// remains visible while in error.
func (s *PresenceSubscription) Err() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.err
}

// Updates signals, coalesced, whenever the online set changed.
func (s *PresenceSubscription) Updates() <-chan struct{} {
	return s.updates
}

// Broadcasts delivers ephemeral room messages. Overflow on a slow consumer
// is dropped; broadcasts carry no durability guarantee to begin with.
func (s *PresenceSubscription) Broadcasts() <-chan BroadcastEvent {
	return s.broadcasts
}

// Broadcast publishes an ephemeral message into the room.
func (s *PresenceSubscription) Broadcast(ctx context.Context, event string, payload any) error {
	s.mu.RLock()
	disposed := s.state == stateDisposed
	ch := s.channel
	s.mu.RUnlock()
	if disposed || ch == nil {
		return connection.ErrClosed
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshaling broadcast payload: %w", err)
	}

	reply, err := ch.conn.Send(ctx, s.topic, connection.EventBroadcast, connection.BroadcastPayload{Event: event, Payload: raw})
	if err != nil {
		return err
	}
	if !reply.OK() {
		return &connection.ReplyError{Topic: s.topic, Event: connection.EventBroadcast, Response: string(reply.Response)}
	}
	return nil
}

// Close unpublishes the local actor (by leaving the channel) and disposes
// the subscription.
func (s *PresenceSubscription) Close() {
	s.mu.Lock()
	if s.state == stateDisposed {
		s.mu.Unlock()
		return
	}
	s.state = stateDisposed
	close(s.updates)
	close(s.broadcasts)
	s.mu.Unlock()

	if s.channel != nil {
		s.channel.detach(s.sinkID)
		s.client.reg.release(s.channel)
	}
}

// track publishes the local metadata. Exactly once per successful join; the
// rejoined hook calls it again after reconnects.
func (s *PresenceSubscription) track(ctx context.Context) error {
	reply, err := s.channel.conn.Send(ctx, s.topic, connection.EventPresence, connection.NewTrackPayload(s.meta))
	if err != nil {
		return fmt.Errorf("tracking presence: %w", err)
	}
	if !reply.OK() {
		return &connection.ReplyError{Topic: s.topic, Event: connection.EventPresence, Response: string(reply.Response)}
	}
	return nil
}

func (s *PresenceSubscription) deliver(msg connection.Message) {
	switch msg.Event {
	case connection.EventPresenceState:
		var state connection.PresenceState
		if err := unmarshalPayload(msg.Payload, &state); err != nil {
			s.client.log.Error("dropping undecodable presence state", "topic", s.topic, "error", err)
			return
		}
		s.applySync(state)
	case connection.EventPresenceDiff:
		var diff connection.PresenceDiff
		if err := unmarshalPayload(msg.Payload, &diff); err != nil {
			s.client.log.Error("dropping undecodable presence diff", "topic", s.topic, "error", err)
			return
		}
		s.applyDiff(diff)
	case connection.EventBroadcast:
		var payload connection.BroadcastPayload
		if err := unmarshalPayload(msg.Payload, &payload); err != nil {
			s.client.log.Error("dropping undecodable broadcast", "topic", s.topic, "error", err)
			return
		}
		s.relayBroadcast(payload)
	}
}

// applySync replaces the whole view with the server's authoritative state,
// healing any drift the deltas may have accumulated.
func (s *PresenceSubscription) applySync(state connection.PresenceState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == stateDisposed {
		return
	}

	s.entries = make(map[string][]PresenceEntry, len(state))
	for key, metas := range state {
		s.entries[key] = appendEntries(nil, key, metas)
	}
	s.signalLocked()
}

func (s *PresenceSubscription) applyDiff(diff connection.PresenceDiff) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == stateDisposed {
		return
	}

	for key, metas := range diff.Joins {
		s.entries[key] = appendEntries(s.entries[key], key, metas)
	}
	for key, metas := range diff.Leaves {
		remaining := removeEntries(s.entries[key], metas)
		if len(remaining) == 0 {
			delete(s.entries, key)
		} else {
			s.entries[key] = remaining
		}
	}
	s.signalLocked()
}

// relayBroadcast holds the read lock across both the disposed check and the
// send. Close closes the channel under the write lock, so a delivery racing
// disposal is dropped instead of hitting a closed channel.
func (s *PresenceSubscription) relayBroadcast(payload connection.BroadcastPayload) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.state == stateDisposed {
		return
	}

	select {
	case s.broadcasts <- BroadcastEvent{Event: payload.Event, Payload: payload.Payload}:
	default:
		s.client.log.Warn("broadcast consumer lagging, dropping message", "topic", s.topic)
	}
}

func (s *PresenceSubscription) channelError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == stateDisposed {
		return
	}
	s.state = stateError
	s.err = err
	s.signalLocked()
}

// rejoined re-tracks the local actor after a reconnect; the next
// presence_state from the server then heals the online view.
func (s *PresenceSubscription) rejoined() {
	s.mu.Lock()
	if s.state == stateDisposed {
		s.mu.Unlock()
		return
	}
	s.state = stateLive
	s.err = nil
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), connection.DefaultSendTimeout)
	go func() {
		defer cancel()
		if err := s.track(ctx); err != nil {
			s.client.log.Error("failed to re-track presence", "topic", s.topic, "error", err)
			s.channelError(err)
		}
	}()
}

func (s *PresenceSubscription) signalLocked() {
	if s.state == stateDisposed {
		return
	}
	select {
	case s.updates <- struct{}{}:
	default:
	}
}

func appendEntries(existing []PresenceEntry, key string, metas []connection.PresenceMeta) []PresenceEntry {
	for _, meta := range metas {
		existing = append(existing, PresenceEntry{
			Key:      key,
			Ref:      meta.Ref,
			JoinedAt: meta.JoinedAt,
			Metadata: meta.Meta,
		})
	}
	return existing
}

func removeEntries(existing []PresenceEntry, metas []connection.PresenceMeta) []PresenceEntry {
	if len(existing) == 0 {
		return existing
	}
	gone := make(map[string]struct{}, len(metas))
	for _, meta := range metas {
		gone[meta.Ref] = struct{}{}
	}
	kept := existing[:0]
	for _, entry := range existing {
		if _, ok := gone[entry.Ref]; !ok {
			kept = append(kept, entry)
		}
	}
	return kept
}
