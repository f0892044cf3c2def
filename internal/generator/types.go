package generator

import "context"

// Payload is one synthesized audio segment with its duration metadata.
type Payload struct {
	Bytes       []byte
	DurationSec float64
	MimeType    string
}

// Generator produces audio for one text span at a time. It is invoked
// repeatedly per request, once per span, and may fail or time out; retry
// policy, if any, lives behind this interface.
type Generator interface {
	Generate(ctx context.Context, span string) (Payload, error)
}
