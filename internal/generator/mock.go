package generator

import (
	"context"
	"strings"
	"time"
)

type mockGenerator struct {
	mimeType string
	delay    time.Duration
}

// NewMock returns a generator producing deterministic placeholder payloads,
// with durations derived from span length. Used in development and tests.
func NewMock(mimeType string, delay time.Duration) Generator {
	if mimeType == "" {
		mimeType = "audio/wav"
	}
	return &mockGenerator{mimeType: mimeType, delay: delay}
}

func (m *mockGenerator) Generate(ctx context.Context, span string) (Payload, error) {
	if m.delay > 0 {
		select {
		case <-ctx.Done():
			return Payload{}, ctx.Err()
		case <-time.After(m.delay):
		}
	}
	words := len(strings.Fields(span))
	if words == 0 {
		words = 1
	}
	return Payload{
		Bytes:       []byte(span),
		DurationSec: 0.4 * float64(words),
		MimeType:    m.mimeType,
	}, nil
}
