package realtime

import (
	"github.com/castboard/realtime.go/internal/codec"
	"github.com/castboard/realtime.go/pkg/connection"
)

// wireCodec decodes raw channel payloads once their event type is known.
var wireCodec = codec.NewJSON()

func unmarshalPayload(data []byte, dst any) error {
	return wireCodec.Unmarshal(data, dst)
}

// Row is one record of a logical table.
type Row = map[string]any

// Action is the kind of a change event.
type Action string

const (
	ActionInsert Action = "INSERT"
	ActionUpdate Action = "UPDATE"
	ActionDelete Action = "DELETE"
)

// ChangeEvent is one row-level change delivered on a channel.
// INSERT carries New only, DELETE carries Old only, UPDATE carries both.
type ChangeEvent struct {
	Action Action
	New    Row
	Old    Row
}

func changeEventFromPayload(p connection.ChangePayload) ChangeEvent {
	return ChangeEvent{
		Action: Action(p.EventType),
		New:    p.New,
		Old:    p.Old,
	}
}
