package artifact

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Delete for refs the store no longer holds.
var ErrNotFound = errors.New("artifact not found")

// Store persists generated audio payloads and returns fetchable references.
// The narration engine treats storage as an external collaborator; only the
// ref travels through the playback pipeline.
type Store interface {
	Save(ctx context.Context, payload []byte, mimeType string) (string, error)
	Delete(ctx context.Context, ref string) error
}
