package connection

import (
	"encoding/json"
	"time"
)

// Protocol event names. The change-feed service multiplexes logical channels
// over one socket using Phoenix-style envelopes.
const (
	EventJoin            = "phx_join"
	EventReply           = "phx_reply"
	EventLeave           = "phx_leave"
	EventError           = "phx_error"
	EventHeartbeat       = "heartbeat"
	EventPostgresChanges = "postgres_changes"
	EventPresenceState   = "presence_state"
	EventPresenceDiff    = "presence_diff"
	EventPresence        = "presence"
	EventBroadcast       = "broadcast"
)

// TopicHeartbeat is the reserved topic heartbeats are exchanged on.
const TopicHeartbeat = "phoenix"

// Envelope is an outbound protocol message.
type Envelope struct {
	Topic   string `json:"topic"`
	Event   string `json:"event"`
	Payload any    `json:"payload"`
	Ref     string `json:"ref,omitempty"`
}

// Message is an inbound protocol message. The payload stays raw until the
// event type is known.
type Message struct {
	Topic   string          `json:"topic"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
	Ref     string          `json:"ref,omitempty"`
}

// Reply is the decoded payload of a phx_reply.
type Reply struct {
	Status   string          `json:"status"`
	Response json.RawMessage `json:"response"`
}

// OK reports whether the server accepted the push this reply answers.
func (r *Reply) OK() bool { return r.Status == "ok" }

// ReplyError is returned when the server answers a push with status "error".
type ReplyError struct {
	Topic    string
	Event    string
	Response string
}

func (e *ReplyError) Error() string {
	if e.Response == "" {
		return "server rejected " + e.Event + " on " + e.Topic
	}
	return "server rejected " + e.Event + " on " + e.Topic + ": " + e.Response
}

// JoinPayload configures a channel subscription at join time.
type JoinPayload struct {
	Config JoinConfig `json:"config"`
}

type JoinConfig struct {
	PostgresChanges []PostgresChange `json:"postgres_changes,omitempty"`
	Presence        *PresenceConfig  `json:"presence,omitempty"`
	Broadcast       *BroadcastConfig `json:"broadcast,omitempty"`
}

// PostgresChange is one row-level change subscription within a join.
// Filter uses the wire grammar "column=eq.value" and may be empty.
type PostgresChange struct {
	Event  string `json:"event"`
	Schema string `json:"schema"`
	Table  string `json:"table"`
	Filter string `json:"filter,omitempty"`
}

// PresenceConfig names the key this connection is tracked under.
type PresenceConfig struct {
	Key string `json:"key"`
}

// BroadcastConfig controls whether the sender receives its own broadcasts.
type BroadcastConfig struct {
	Self bool `json:"self"`
}

// ChangePayload is the envelope of a postgres_changes event.
// INSERT carries New only, DELETE carries Old only, UPDATE carries both.
type ChangePayload struct {
	EventType string         `json:"eventType"`
	New       map[string]any `json:"new,omitempty"`
	Old       map[string]any `json:"old,omitempty"`
}

// PresenceMeta is one tracked actor instance. A key may hold several metas
// when the same actor is connected more than once.
type PresenceMeta struct {
	Ref      string         `json:"phx_ref"`
	JoinedAt time.Time      `json:"joined_at"`
	Meta     map[string]any `json:"meta"`
}

// PresenceState is the authoritative key-to-metas mapping sent on
// presence_state and inside presence_diff.
type PresenceState map[string][]PresenceMeta

// PresenceDiff is the payload of a presence_diff event.
type PresenceDiff struct {
	Joins  PresenceState `json:"joins"`
	Leaves PresenceState `json:"leaves"`
}

// TrackPayload publishes the local actor's metadata into a joined channel.
type TrackPayload struct {
	Event   string         `json:"event"`
	Payload map[string]any `json:"payload"`
}

// NewTrackPayload builds the outbound presence track push.
func NewTrackPayload(meta map[string]any) TrackPayload {
	return TrackPayload{Event: "track", Payload: meta}
}

// BroadcastPayload is the payload of a broadcast event, both directions.
type BroadcastPayload struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}
