package transport

import "encoding/json"

// jsonCodec carries every wire message as JSON, matching the framing of the
// replicated payloads themselves. No generated protos are required.
type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error) { return json.Marshal(v) }

func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }

func (jsonCodec) Name() string { return "json" }
