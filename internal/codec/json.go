package codec

import "encoding/json"

// JSON is the codec used against real change-feed endpoints.
type JSON struct{}

func NewJSON() JSON { return JSON{} }

func (JSON) Marshal(v any) ([]byte, error) { return json.Marshal(v) }

func (JSON) Unmarshal(data []byte, dst any) error { return json.Unmarshal(data, dst) }
