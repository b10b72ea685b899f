// Package codec abstracts the wire encoding used by the realtime protocol.
//
// The change-feed service speaks JSON, but the connection layer only depends
// on these interfaces so tests can substitute instrumented codecs.
package codec

// Marshaler encodes protocol envelopes for the wire.
type Marshaler interface {
	Marshal(v any) ([]byte, error)
}

// Unmarshaler decodes wire bytes into protocol envelopes and payloads.
type Unmarshaler interface {
	Unmarshal(data []byte, dst any) error
}
