package playback

import (
	"errors"
	"time"
)

// RequestStatus is the lifecycle stage of an audio request.
type RequestStatus string

const (
	RequestPending    RequestStatus = "pending"
	RequestGenerating RequestStatus = "generating"
	RequestCompleted  RequestStatus = "completed"
	RequestFailed     RequestStatus = "failed"
)

// Terminal reports whether the status is final.
func (s RequestStatus) Terminal() bool {
	return s == RequestCompleted || s == RequestFailed
}

// ChunkStatus is the lifecycle stage of an audio chunk.
type ChunkStatus string

const (
	ChunkPending ChunkStatus = "pending"
	ChunkPlaying ChunkStatus = "playing"
	ChunkPlayed  ChunkStatus = "played"
)

var (
	// ErrInvalidSession rejects narration for a session the game backend
	// does not know about.
	ErrInvalidSession = errors.New("unknown session")
	// ErrInvalidTransition signals misuse of the state machine. It is never
	// surfaced to listeners.
	ErrInvalidTransition = errors.New("invalid state transition")
	// ErrValidation signals a request whose chunk sequence is empty or has
	// gaps at completion time.
	ErrValidation = errors.New("chunk sequence validation failed")
	// ErrUnknownRequest and ErrUnknownChunk cover lookups for ids that were
	// never created or have already been cleaned up.
	ErrUnknownRequest = errors.New("unknown request")
	ErrUnknownChunk   = errors.New("unknown chunk")
)

// AudioRequest is one unit of narration text decomposed into chunks.
type AudioRequest struct {
	ID          string
	SessionID   string
	Text        string
	TextPreview string
	Status      RequestStatus
	FailReason  string
	CreatedAt   time.Time
	StartedAt   time.Time
	CompletedAt time.Time
	ChunkIDs    []string
}

// AudioChunk is one playable audio segment of a request.
type AudioChunk struct {
	ID          string
	RequestID   string
	SessionID   string
	Sequence    int
	TotalChunks int
	MimeType    string
	SizeBytes   int64
	DurationSec float64
	ArtifactRef string
	Status      ChunkStatus
	CreatedAt   time.Time
	PlayingAt   time.Time
}

// ChunkMeta describes a generated payload at append time.
type ChunkMeta struct {
	MimeType    string
	SizeBytes   int64
	DurationSec float64
	ArtifactRef string
}

// StreamSnapshot is the state a late-joining listener needs to resume
// mid-stream playback at chunk-boundary granularity.
type StreamSnapshot struct {
	RequestID   string
	TextPreview string
	StreamURL   string
	ChunkIDs    []string
	PositionSec float64
}

// StuckRequest identifies a request that exceeded its state timeout.
type StuckRequest struct {
	SessionID string
	RequestID string
	Status    RequestStatus
}

// ExpiredChunk identifies a played chunk past the retention window.
type ExpiredChunk struct {
	SessionID   string
	ChunkID     string
	ArtifactRef string
}
